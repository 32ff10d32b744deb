package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/core/domain"
	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/core/ports"
)

// NeighborService implémente ports.NeighborService (Primary Port).
// Il orchestre découverte + réconciliation pour un run.
type NeighborService struct {
	engine     *DiscoveryEngine
	reconciler *ListReconciler
	lock       ports.RunLock        // Optionnel (Redis)
	publisher  ports.EventPublisher // Optionnel (NATS)
}

var _ ports.NeighborService = (*NeighborService)(nil)

func NewNeighborService(
	engine *DiscoveryEngine,
	reconciler *ListReconciler,
	lock ports.RunLock,
	publisher ports.EventPublisher,
) *NeighborService {
	return &NeighborService{
		engine:     engine,
		reconciler: reconciler,
		lock:       lock,
		publisher:  publisher,
	}
}

func (s *NeighborService) Discover(ctx context.Context, max int) ([]domain.Candidate, error) {
	return s.engine.Collect(ctx, max)
}

func (s *NeighborService) Sync(ctx context.Context, req ports.SyncRequest) (*domain.SyncReport, error) {
	req.ListName = strings.TrimSpace(req.ListName)
	if req.ListName == "" {
		return nil, errors.New("list name is required")
	}

	report := &domain.SyncReport{
		RunID:     uuid.NewString(),
		ListName:  req.ListName,
		DryRun:    req.DryRun,
		StartedAt: time.Now().UTC(),
	}
	ctx, span := tracer.Start(ctx, "neighbors.sync", trace.WithAttributes(
		attribute.String("run.id", report.RunID),
		attribute.String("list.name", req.ListName),
		attribute.Bool("dry_run", req.DryRun),
	))
	defer span.End()

	log := slog.With("run_id", report.RunID, "list", req.ListName)
	log.Info("🚀 Starting neighbor list sync", "dry_run", req.DryRun)

	// 1. Un seul run à la fois par liste ; la perte du verrou annule le run
	runCtx := ctx
	if s.lock != nil && !req.DryRun {
		held, release, err := s.lock.Acquire(ctx, "neighbors:list:"+req.ListName)
		if err != nil {
			return nil, err
		}
		ctx = held
		defer func() {
			if err := release(context.Background()); err != nil {
				log.Warn("Failed to release run lock", "error", err)
			}
		}()
	}

	// 2. Découverte (bornée)
	candidates, err := s.engine.Collect(ctx, req.MaxCandidates)
	if err != nil {
		err = lockLost(ctx, err)
		span.RecordError(err)
		return nil, fmt.Errorf("discover neighbors: %w", err)
	}
	target := domain.NewAIDSet()
	for _, c := range candidates {
		target.Add(c.AID)
	}
	report.Candidates = target.Len()
	log.Info("🔎 Candidates collected", "count", report.Candidates)

	if req.DryRun {
		report.Duration = time.Since(report.StartedAt)
		return report, nil
	}

	// 3. Réconciliation
	result, recErr := s.reconciler.Reconcile(ctx, target, req.ListName)
	if recErr != nil {
		recErr = lockLost(ctx, recErr)
	}
	if result == nil {
		span.RecordError(recErr)
		return nil, recErr
	}
	report.ListURI = result.ListURI
	report.Added = result.Added.Len()
	report.Removed = result.Removed.Len()
	report.Failed = len(result.Failures)
	report.Duration = time.Since(report.StartedAt)

	// 4. Publication (Best effort) : on ne fait pas échouer le run si le broker est down
	if s.publisher != nil {
		if err := s.publisher.PublishListReconciled(runCtx, report); err != nil {
			log.Warn("Failed to publish reconcile event", "error", err)
		}
	}

	log.Info("👋 Sync finished",
		"added", report.Added,
		"removed", report.Removed,
		"failed", report.Failed,
		"duration", report.Duration.Round(time.Millisecond),
	)
	return report, recErr
}

// lockLost rattache domain.ErrLockLost à l'erreur quand c'est la perte du verrou qui a annulé le run.
func lockLost(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); errors.Is(cause, domain.ErrLockLost) && !errors.Is(err, domain.ErrLockLost) {
		return fmt.Errorf("%w: %w", domain.ErrLockLost, err)
	}
	return err
}
