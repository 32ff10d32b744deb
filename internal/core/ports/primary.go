package ports

import (
	"context"

	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/core/domain"
)

// SyncRequest décrit un run demandé par la CLI.
type SyncRequest struct {
	ListName      string
	MaxCandidates int  // 0 = valeur de la policy
	DryRun        bool // Découverte seule, la liste n'est pas touchée
}

// NeighborService est le port Driving (CLI)
type NeighborService interface {
	// Sync découvre les voisins puis réconcilie la liste distante.
	Sync(ctx context.Context, req SyncRequest) (*domain.SyncReport, error)

	// Discover renvoie les candidats sans toucher à la liste.
	Discover(ctx context.Context, max int) ([]domain.Candidate, error)
}
