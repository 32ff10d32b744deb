package progress

import (
	"log/slog"
	"sync/atomic"

	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/core/domain"
	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/core/ports"
)

// HandleResolver traduit un AID en handle lisible, sans appel réseau
// (bsky.Client lit son cache de profils). ok=false si le handle n'est pas connu.
type HandleResolver interface {
	CachedHandle(actor domain.AID) (handle string, ok bool)
}

// SlogReporter trace l'avancement d'un run dans les logs.
type SlogReporter struct {
	resolver HandleResolver

	visited atomic.Int64
	skipped atomic.Int64
}

var _ ports.ProgressReporter = (*SlogReporter)(nil)

func NewSlogReporter(resolver HandleResolver) *SlogReporter {
	return &SlogReporter{resolver: resolver}
}

// handle retombe sur l'AID quand le profil n'a pas encore été vu.
func (r *SlogReporter) handle(actor domain.AID) string {
	if r.resolver == nil {
		return string(actor)
	}
	if h, ok := r.resolver.CachedHandle(actor); ok {
		return h
	}
	return string(actor)
}

func (r *SlogReporter) FollowerVisited(actor domain.AID, index int, skipped string) {
	r.visited.Add(1)
	if skipped != "" {
		r.skipped.Add(1)
		slog.Debug("Follower skipped", "index", index, "follower", actor, "reason", skipped)
		return
	}
	slog.Debug("Follower visited", "index", index, "follower", actor)
}

func (r *SlogReporter) CandidateFound(c domain.Candidate, total int) {
	slog.Info("✨ Neighbor found",
		"total", total,
		"candidate", c.AID,
		"handle", r.handle(c.AID),
		"via", c.Via,
		"shared", len(c.Shared),
	)
}

func (r *SlogReporter) ItemApplied(op string, actor domain.AID, done, total int, err error) {
	if err != nil {
		// Déjà logué en erreur par le reconciler
		return
	}
	slog.Info("List item applied", "op", op, "progress", done, "of", total, "handle", r.handle(actor))
}

// Counts renvoie (followers visités, followers écartés).
func (r *SlogReporter) Counts() (visited, skipped int64) {
	return r.visited.Load(), r.skipped.Load()
}
