package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/core/domain"
	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/core/ports"
	"github.com/jupiterclapton/cenackle/services/neighbor-service/pkg/paginate"
	"github.com/jupiterclapton/cenackle/services/neighbor-service/pkg/retry"
)

var tracer = otel.Tracer("neighbor-service")

// ErrStopDiscovery peut être renvoyée par le callback 'yield' pour arrêter
// la découverte. Ce n'est pas une erreur pour l'appelant.
var ErrStopDiscovery = errors.New("stop discovery")

// AdmissionPolicy décide comment on teste "suit quelqu'un que je suis".
type AdmissionPolicy string

const (
	// AdmissionEarlyExit arrête la pagination du candidat au premier compte commun.
	AdmissionEarlyExit AdmissionPolicy = "early-exit"
	// AdmissionExhaustive récupère tout l'ensemble (borné) puis calcule l'intersection.
	AdmissionExhaustive AdmissionPolicy = "exhaustive"
)

// DiscoveryPolicy regroupe les réglages du parcours. 0 désactive un filtre ou une borne.
type DiscoveryPolicy struct {
	MaxCandidates      int
	StalenessThreshold time.Duration // Filtre d'activité sur les followers
	FanOutGuard        int           // Following count max (followers et 2nd degré)
	SecondDegreeCap    int           // Edges max récupérés par follower
	ThirdDegreeCap     int           // Edges max récupérés par candidat
	Admission          AdmissionPolicy
	Workers            int
}

func DefaultDiscoveryPolicy() DiscoveryPolicy {
	return DiscoveryPolicy{
		MaxCandidates:      5000,
		StalenessThreshold: 30 * 24 * time.Hour,
		FanOutGuard:        1000,
		SecondDegreeCap:    300,
		ThirdDegreeCap:     0,
		Admission:          AdmissionEarlyExit,
		Workers:            4,
	}
}

// DiscoveryEngine parcourt le graphe : moi -> followers -> leurs follows -> leurs follows.
type DiscoveryEngine struct {
	graph    ports.SocialGraph
	cache    ports.FollowingCache
	retry    *retry.Executor
	progress ports.ProgressReporter
	policy   DiscoveryPolicy
	now      func() time.Time
}

func NewDiscoveryEngine(
	graph ports.SocialGraph,
	cache ports.FollowingCache,
	ex *retry.Executor,
	progress ports.ProgressReporter,
	policy DiscoveryPolicy,
) *DiscoveryEngine {
	if progress == nil {
		progress = noopProgress{}
	}
	if policy.Workers < 1 {
		policy.Workers = 1
	}
	if policy.Admission == "" {
		policy.Admission = AdmissionEarlyExit
	}
	return &DiscoveryEngine{
		graph:    graph,
		cache:    cache,
		retry:    ex,
		progress: progress,
		policy:   policy,
		now:      time.Now,
	}
}

func (e *DiscoveryEngine) Policy() DiscoveryPolicy {
	return e.policy
}

// traversal porte l'état d'un parcours (un appel à StreamNeighbors)
type traversal struct {
	*DiscoveryEngine
	self  domain.AID
	f0    domain.AIDSet
	yield func(domain.Candidate) error

	mu      sync.Mutex
	seen    domain.AIDSet // Comptes du 2nd degré déjà évalués (union P2)
	emitted int
	stopped bool
}

// StreamNeighbors produit les voisins au fil de l'eau via 'yield'.
// Les erreurs par compte sont loguées et ignorées ; seules la résolution de soi,
// la récupération de F0 et la pagination de mes followers sont fatales.
func (e *DiscoveryEngine) StreamNeighbors(ctx context.Context, yield func(domain.Candidate) error) error {
	ctx, span := tracer.Start(ctx, "discovery.stream_neighbors")
	defer span.End()

	// 1. Qui suis-je, et qui est-ce que je suis (F0) ?
	self, err := retry.Do(ctx, e.retry, e.graph.Self)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("resolve self: %w", err)
	}
	f0, err := e.cache.Following(ctx, self, 0)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("fetch own following: %w", err)
	}
	slog.Info("🧭 Starting neighbor discovery",
		"self", self,
		"following", f0.Len(),
		"admission", e.policy.Admission,
		"max_candidates", e.policy.MaxCandidates,
	)

	t := &traversal{
		DiscoveryEngine: e,
		self:            self,
		f0:              f0,
		yield:           yield,
		seen:            domain.NewAIDSet(),
	}

	// 2. Parcours de mes followers (P1), page par page
	followers := paginate.New(func(ctx context.Context, cursor string) (paginate.Page[domain.AID], error) {
		return retry.Do(ctx, e.retry, func(ctx context.Context) (paginate.Page[domain.AID], error) {
			return e.graph.GetFollowers(ctx, self, cursor)
		})
	})
	index := 0
	for followers.Next(ctx) {
		index++
		if err := t.visitFollower(ctx, followers.Item(), index); err != nil {
			if errors.Is(err, ErrStopDiscovery) {
				break
			}
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	if err := followers.Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("fetch followers: %w", err)
	}

	span.SetAttributes(
		attribute.Int("followers.visited", index),
		attribute.Int("second_degree.evaluated", t.seen.Len()),
		attribute.Int("candidates", t.emitted),
	)
	slog.Info("✅ Neighbor discovery complete",
		"followers", index,
		"evaluated", t.seen.Len(),
		"candidates", t.emitted,
	)
	return nil
}

// Collect accumule au plus 'max' candidats (max <= 0 : borne de la policy).
func (e *DiscoveryEngine) Collect(ctx context.Context, max int) ([]domain.Candidate, error) {
	if max <= 0 {
		max = e.policy.MaxCandidates
	}
	var out []domain.Candidate
	err := e.StreamNeighbors(ctx, func(c domain.Candidate) error {
		out = append(out, c)
		if max > 0 && len(out) >= max {
			return ErrStopDiscovery
		}
		return nil
	})
	return out, err
}

func (t *traversal) visitFollower(ctx context.Context, follower domain.AID, index int) error {
	ctx, span := tracer.Start(ctx, "discovery.visit_follower")
	span.SetAttributes(attribute.String("follower", string(follower)))
	defer span.End()

	if reason := t.admitFollower(ctx, follower); reason != "" {
		t.progress.FollowerVisited(follower, index, reason)
		return nil
	}

	// 3. Follows du follower (2nd degré), bornés
	second, err := t.cache.Following(ctx, follower, t.policy.SecondDegreeCap)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("Skipping follower: following fetch failed", "follower", follower, "error", err)
		t.progress.FollowerVisited(follower, index, "error")
		return nil
	}

	// 4. Union dédupliquée (P2) : on ne garde que les comptes jamais évalués
	batch := t.claim(second)
	span.SetAttributes(attribute.Int("second_degree.new", len(batch)))

	// 5. Test d'admission en parallèle, borné par Workers
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.policy.Workers)
	for _, candidate := range batch {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			shared, ok := t.evaluate(gctx, candidate)
			if !ok {
				return nil
			}
			c := domain.Candidate{AID: candidate, Via: follower, Shared: shared}
			total, err := t.emit(c)
			if total > 0 {
				t.progress.CandidateFound(c, total)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.progress.FollowerVisited(follower, index, "")
	return nil
}

// admitFollower renvoie la raison de l'exclusion, ou "" si le follower est retenu.
func (t *traversal) admitFollower(ctx context.Context, follower domain.AID) string {
	if t.policy.FanOutGuard <= 0 && t.policy.StalenessThreshold <= 0 {
		return ""
	}
	profile, err := t.profile(ctx, follower)
	if err != nil {
		slog.Warn("Skipping follower: profile fetch failed", "follower", follower, "error", err)
		return "error"
	}
	if t.policy.FanOutGuard > 0 && profile.FollowsCount > t.policy.FanOutGuard {
		slog.Debug("Skipping follower: fan-out guard", "follower", profile.Handle, "follows", profile.FollowsCount)
		return "fan-out"
	}
	if t.policy.StalenessThreshold > 0 {
		stale, err := t.stale(ctx, follower, profile)
		if err != nil {
			slog.Warn("Skipping follower: latest post fetch failed", "follower", follower, "error", err)
			return "error"
		}
		if stale {
			slog.Debug("Skipping follower: inactive", "follower", profile.Handle)
			return "inactive"
		}
	}
	return ""
}

// stale ne va chercher le dernier post que si le compte en a publié.
// Une date illisible ne suffit pas à écarter le follower.
func (t *traversal) stale(ctx context.Context, actor domain.AID, profile *domain.Profile) (bool, error) {
	if profile.PostsCount == 0 && profile.LatestPostAt == nil {
		return true, nil
	}
	latest, err := retry.Do(ctx, t.retry, func(ctx context.Context) (*time.Time, error) {
		return t.graph.LatestPostAt(ctx, actor)
	})
	if errors.Is(err, domain.ErrUnknownActivity) {
		slog.Debug("Latest post date unknown, keeping follower", "follower", actor, "error", err)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	p := *profile
	p.LatestPostAt = latest
	return p.IsStale(t.now(), t.policy.StalenessThreshold), nil
}

func (t *traversal) claim(second domain.AIDSet) []domain.AID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var batch []domain.AID
	for _, id := range second.Slice() {
		if id == t.self || t.f0.Has(id) || t.seen.Has(id) {
			continue
		}
		t.seen.Add(id)
		batch = append(batch, id)
	}
	return batch
}

// evaluate applique le test "suit au moins un compte que je suis".
func (t *traversal) evaluate(ctx context.Context, candidate domain.AID) ([]domain.AID, bool) {
	if t.policy.FanOutGuard > 0 {
		profile, err := t.profile(ctx, candidate)
		if err != nil {
			t.skip(ctx, candidate, "profile", err)
			return nil, false
		}
		if profile.FollowsCount > t.policy.FanOutGuard {
			return nil, false
		}
	}

	if t.policy.Admission == AdmissionExhaustive {
		following, err := t.cache.Following(ctx, candidate, t.policy.ThirdDegreeCap)
		if err != nil {
			t.skip(ctx, candidate, "following", err)
			return nil, false
		}
		shared := following.Intersection(t.f0)
		if shared.Len() == 0 {
			return nil, false
		}
		return shared.Slice(), true
	}

	// Early-exit : si l'ensemble est déjà en cache, pas d'appel réseau
	if cached, ok := t.cache.Peek(candidate); ok {
		for _, id := range cached.Slice() {
			if t.f0.Has(id) {
				return []domain.AID{id}, true
			}
		}
	}

	var (
		shared  domain.AID
		fetched int
	)
	err := paginate.Each(ctx, func(ctx context.Context, cursor string) (paginate.Page[domain.AID], error) {
		return retry.Do(ctx, t.retry, func(ctx context.Context) (paginate.Page[domain.AID], error) {
			return t.graph.GetFollowing(ctx, candidate, cursor)
		})
	}, func(id domain.AID) error {
		fetched++
		if t.f0.Has(id) {
			shared = id
			return paginate.ErrStop
		}
		if t.policy.ThirdDegreeCap > 0 && fetched >= t.policy.ThirdDegreeCap {
			return paginate.ErrStop
		}
		return nil
	})
	if err != nil {
		t.skip(ctx, candidate, "following", err)
		return nil, false
	}
	if shared == "" {
		return nil, false
	}
	return []domain.AID{shared}, true
}

// emit sérialise yield et le cap ; renvoie le rang du candidat (0 s'il n'a pas été émis).
// Le reporter est appelé par l'appelant, hors du verrou.
func (t *traversal) emit(c domain.Candidate) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	max := t.policy.MaxCandidates
	if t.stopped || (max > 0 && t.emitted >= max) {
		t.stopped = true
		return 0, ErrStopDiscovery
	}
	if err := t.yield(c); err != nil {
		t.stopped = true
		return 0, err
	}
	t.emitted++
	if max > 0 && t.emitted >= max {
		t.stopped = true
		return t.emitted, ErrStopDiscovery
	}
	return t.emitted, nil
}

func (t *traversal) profile(ctx context.Context, actor domain.AID) (*domain.Profile, error) {
	return retry.Do(ctx, t.retry, func(ctx context.Context) (*domain.Profile, error) {
		return t.graph.GetProfile(ctx, actor)
	})
}

func (t *traversal) skip(ctx context.Context, actor domain.AID, what string, err error) {
	// Arrêt demandé (cap atteint ou annulation) : rien à signaler
	if ctx.Err() != nil {
		return
	}
	slog.Warn("Skipping candidate", "candidate", actor, "step", what, "error", err)
}

type noopProgress struct{}

func (noopProgress) FollowerVisited(domain.AID, int, string) {}
func (noopProgress) CandidateFound(domain.Candidate, int) {}
func (noopProgress) ItemApplied(string, domain.AID, int, int, error) {}
