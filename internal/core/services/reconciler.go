package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/core/domain"
	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/core/ports"
	"github.com/jupiterclapton/cenackle/services/neighbor-service/pkg/paginate"
	"github.com/jupiterclapton/cenackle/services/neighbor-service/pkg/retry"
)

const (
	OpAdd    = "add"
	OpRemove = "remove"
)

// ReconcileError résume les items en échec. La réconciliation a continué malgré eux.
type ReconcileError struct {
	Failures []domain.ItemFailure
}

func (e *ReconcileError) Error() string {
	var adds, removes int
	for _, f := range e.Failures {
		if f.Op == OpAdd {
			adds++
		} else {
			removes++
		}
	}
	msg := fmt.Sprintf("%d list items failed (%d adds, %d removes)", len(e.Failures), adds, removes)
	if len(e.Failures) > 0 {
		msg += ": first: " + e.Failures[0].Err.Error()
	}
	return msg
}

func (e *ReconcileError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// ListReconciler aligne la liste distante sur un ensemble cible.
type ListReconciler struct {
	graph    ports.SocialGraph
	retry    *retry.Executor
	progress ports.ProgressReporter
}

func NewListReconciler(graph ports.SocialGraph, ex *retry.Executor, progress ports.ProgressReporter) *ListReconciler {
	if progress == nil {
		progress = noopProgress{}
	}
	return &ListReconciler{graph: graph, retry: ex, progress: progress}
}

// Reconcile applique target − current (ajouts) et current − target (retraits).
// Les échecs par item n'arrêtent pas la passe : ils sont renvoyés dans un *ReconcileError
// avec le résultat partiel. Un résultat nil signifie un échec avant toute modification.
func (r *ListReconciler) Reconcile(ctx context.Context, target domain.AIDSet, listName string) (*domain.ReconcileResult, error) {
	// Le nom distant est comparé trimé : on crée donc aussi sous le nom trimé
	listName = strings.TrimSpace(listName)
	if listName == "" {
		return nil, errors.New("list name is required")
	}

	ctx, span := tracer.Start(ctx, "reconciler.reconcile")
	span.SetAttributes(attribute.String("list.name", listName), attribute.Int("target.size", target.Len()))
	defer span.End()

	// 1. Résolution (ou création) de la liste
	owner, err := retry.Do(ctx, r.retry, r.graph.Self)
	if err != nil {
		return nil, fmt.Errorf("resolve self: %w", err)
	}
	list, err := r.resolveList(ctx, owner, listName)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	// 2. Snapshot complet, lu une seule fois
	entries, err := paginate.Collect(ctx, func(ctx context.Context, cursor string) (paginate.Page[domain.ListEntry], error) {
		return retry.Do(ctx, r.retry, func(ctx context.Context) (paginate.Page[domain.ListEntry], error) {
			return r.graph.GetListMembers(ctx, list.URI, cursor)
		})
	}, 0)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("fetch list members: %w", err)
	}
	snapshot := domain.NewListSnapshot(entries)
	if len(entries) != len(snapshot) {
		slog.Warn("List contains duplicate members", "list", listName, "entries", len(entries), "members", len(snapshot))
	}

	// 3. Plan calculé sur la cible et le snapshot finaux
	plan := domain.NewReconcilePlan(target, snapshot)
	span.SetAttributes(attribute.Int("plan.add", len(plan.ToAdd)), attribute.Int("plan.remove", len(plan.ToRemove)))
	slog.Info("📋 Reconciliation plan",
		"list", listName,
		"current", len(snapshot),
		"target", target.Len(),
		"to_remove", len(plan.ToRemove),
		"to_add", len(plan.ToAdd),
	)

	result := &domain.ReconcileResult{
		ListURI: list.URI,
		Added:   domain.NewAIDSet(),
		Removed: domain.NewAIDSet(),
	}

	// 4. Retraits d'abord, puis ajouts
	toRemove := plan.RemoveSet().Slice()
	for i, id := range toRemove {
		key := plan.ToRemove[id]
		err := r.retry.Execute(ctx, func(ctx context.Context) error {
			return r.graph.DeleteListEntry(ctx, key)
		})
		// Un retrait déjà effectué (retry après succès côté serveur) n'est pas une erreur
		if errors.Is(err, domain.ErrNotFound) {
			err = nil
		}
		// Un item appliqué avant l'annulation reste compté
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				r.record(result, OpRemove, id, nil)
			}
			return result, ctxErr
		}
		r.record(result, OpRemove, id, err)
		r.progress.ItemApplied(OpRemove, id, i+1, len(toRemove), err)
	}

	toAdd := plan.ToAdd.Slice()
	for i, id := range toAdd {
		_, err := retry.Do(ctx, r.retry, func(ctx context.Context) (domain.EntryKey, error) {
			return r.graph.CreateListEntry(ctx, list.URI, id)
		})
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				r.record(result, OpAdd, id, nil)
			}
			return result, ctxErr
		}
		r.record(result, OpAdd, id, err)
		r.progress.ItemApplied(OpAdd, id, i+1, len(toAdd), err)
	}

	slog.Info("✅ List reconciled",
		"list", listName,
		"added", result.Added.Len(),
		"removed", result.Removed.Len(),
		"failed", len(result.Failures),
	)
	if len(result.Failures) > 0 {
		return result, &ReconcileError{Failures: result.Failures}
	}
	return result, nil
}

func (r *ListReconciler) record(result *domain.ReconcileResult, op string, id domain.AID, err error) {
	if err != nil {
		slog.Error("❌ List item failed", "op", op, "subject", id, "error", err)
		result.Failures = append(result.Failures, domain.ItemFailure{AID: id, Op: op, Err: err})
		return
	}
	if op == OpAdd {
		result.Added.Add(id)
	} else {
		result.Removed.Add(id)
	}
}

// resolveList cherche la liste par nom parmi celles du propriétaire et la crée si absente.
// Deux process qui créent la même liste en même temps peuvent créer un doublon.
func (r *ListReconciler) resolveList(ctx context.Context, owner domain.AID, name string) (domain.ListDescriptor, error) {
	var found *domain.ListDescriptor
	err := paginate.Each(ctx, func(ctx context.Context, cursor string) (paginate.Page[domain.ListDescriptor], error) {
		return retry.Do(ctx, r.retry, func(ctx context.Context) (paginate.Page[domain.ListDescriptor], error) {
			return r.graph.GetLists(ctx, owner, cursor)
		})
	}, func(l domain.ListDescriptor) error {
		if strings.TrimSpace(l.Name) == name {
			found = &l
			return paginate.ErrStop
		}
		return nil
	})
	if err != nil {
		return domain.ListDescriptor{}, fmt.Errorf("fetch lists: %w", err)
	}
	if found != nil {
		return *found, nil
	}

	slog.Info("🆕 List not found, creating it", "list", name)
	created, err := retry.Do(ctx, r.retry, func(ctx context.Context) (domain.ListDescriptor, error) {
		return r.graph.CreateList(ctx, name)
	})
	if err != nil {
		return domain.ListDescriptor{}, fmt.Errorf("create list %q: %w", name, err)
	}
	return created, nil
}
