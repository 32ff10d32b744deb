package ports

import (
	"context"
	"time"

	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/core/domain"
	"github.com/jupiterclapton/cenackle/services/neighbor-service/pkg/paginate"
)

// --- GRAPHE SOCIAL DISTANT ---

// SocialGraph est le port Driven vers le service distant (AT Protocol).
// Les méthodes paginées renvoient une page et le curseur suivant ("" = fin).
type SocialGraph interface {
	Self(ctx context.Context) (domain.AID, error)

	GetFollowers(ctx context.Context, actor domain.AID, cursor string) (paginate.Page[domain.AID], error)
	GetFollowing(ctx context.Context, actor domain.AID, cursor string) (paginate.Page[domain.AID], error)
	GetProfile(ctx context.Context, actor domain.AID) (*domain.Profile, error)
	// LatestPostAt : nil si aucun post, domain.ErrUnknownActivity si la date est illisible.
	LatestPostAt(ctx context.Context, actor domain.AID) (*time.Time, error)

	GetLists(ctx context.Context, owner domain.AID, cursor string) (paginate.Page[domain.ListDescriptor], error)
	CreateList(ctx context.Context, name string) (domain.ListDescriptor, error)
	GetListMembers(ctx context.Context, listURI string, cursor string) (paginate.Page[domain.ListEntry], error)
	CreateListEntry(ctx context.Context, listURI string, subject domain.AID) (domain.EntryKey, error)
	DeleteListEntry(ctx context.Context, key domain.EntryKey) error
}

// --- CACHE ---

// FollowingCache mémorise les ensembles "following" déjà récupérés pendant un run.
// limit <= 0 demande l'ensemble complet.
type FollowingCache interface {
	Following(ctx context.Context, actor domain.AID, limit int) (domain.AIDSet, error)
	Peek(actor domain.AID) (domain.AIDSet, bool)
}

// --- MESSAGERIE (BROKER) ---

// EventPublisher notifie les autres services qu'une liste a été réconciliée.
type EventPublisher interface {
	PublishListReconciled(ctx context.Context, report *domain.SyncReport) error
}

// --- VERROU ---

// RunLock empêche deux synchronisations concurrentes sur la même liste.
// Le contexte renvoyé est annulé (cause domain.ErrLockLost) si le verrou est perdu en cours de run.
type RunLock interface {
	Acquire(ctx context.Context, key string) (held context.Context, release func(context.Context) error, err error)
}

// --- PROGRESSION ---

// ProgressReporter reçoit l'avancement, item par item.
type ProgressReporter interface {
	FollowerVisited(actor domain.AID, index int, skipped string)
	CandidateFound(c domain.Candidate, total int)
	ItemApplied(op string, actor domain.AID, done, total int, err error)
}
