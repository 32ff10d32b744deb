package services_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/core/domain"
	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/core/services"
	"github.com/jupiterclapton/cenackle/services/neighbor-service/pkg/retry"
)

func newReconciler(g *fakeGraph) *services.ListReconciler {
	return services.NewListReconciler(g, retry.NewExecutor(domain.IsRetryable), nil)
}

func TestReconcile_AddsAndRemoves(t *testing.T) {
	g := newFakeGraph("me")
	uri := g.seedList("neighbors", "X", "Y")

	res, err := newReconciler(g).Reconcile(context.Background(), domain.NewAIDSet("Z", "Y"), "neighbors")
	require.NoError(t, err)

	assert.Equal(t, uri, res.ListURI)
	assert.True(t, res.Added.Equal(domain.NewAIDSet("Z")))
	assert.True(t, res.Removed.Equal(domain.NewAIDSet("X")))
	assert.Empty(t, res.Failures)
	assert.True(t, g.memberSet(uri).Equal(domain.NewAIDSet("Y", "Z")))
}

func TestReconcile_RemovesBeforeAdds(t *testing.T) {
	g := newFakeGraph("me")
	g.seedList("neighbors", "A", "B")

	_, err := newReconciler(g).Reconcile(context.Background(), domain.NewAIDSet("C", "D"), "neighbors")
	require.NoError(t, err)

	assert.Equal(t, []string{"remove:A", "remove:B", "add:C", "add:D"}, g.ops)
}

func TestReconcile_SecondRunIsNoop(t *testing.T) {
	g := newFakeGraph("me")
	g.seedList("neighbors", "X")
	r := newReconciler(g)
	target := domain.NewAIDSet("Y", "Z")

	_, err := r.Reconcile(context.Background(), target, "neighbors")
	require.NoError(t, err)
	opsAfterFirst := len(g.ops)

	res, err := r.Reconcile(context.Background(), target, "neighbors")
	require.NoError(t, err)
	assert.Zero(t, res.Added.Len())
	assert.Zero(t, res.Removed.Len())
	assert.Len(t, g.ops, opsAfterFirst)
}

func TestReconcile_CreatesMissingList(t *testing.T) {
	g := newFakeGraph("me")
	g.seedList("other", "Q")

	res, err := newReconciler(g).Reconcile(context.Background(), domain.NewAIDSet("A"), "neighbors")
	require.NoError(t, err)

	require.Len(t, g.lists, 2)
	assert.Equal(t, "neighbors", g.lists[1].Name)
	assert.Equal(t, g.lists[1].URI, res.ListURI)
	assert.Equal(t, []string{"create-list:neighbors", "add:A"}, g.ops)
}

func TestReconcile_MatchesTrimmedName(t *testing.T) {
	g := newFakeGraph("me")
	g.seedList("a", "Q")
	g.seedList("b")
	uri := g.seedList(" neighbors ", "X")

	res, err := newReconciler(g).Reconcile(context.Background(), domain.NewAIDSet("X"), "neighbors")
	require.NoError(t, err)
	assert.Equal(t, uri, res.ListURI)
	assert.Empty(t, g.ops)
}

func TestReconcile_PaddedNameCreatesListOnce(t *testing.T) {
	g := newFakeGraph("me")
	r := newReconciler(g)

	for i := 0; i < 3; i++ {
		_, err := r.Reconcile(context.Background(), domain.NewAIDSet("A"), " neighbors ")
		require.NoError(t, err)
	}

	require.Len(t, g.lists, 1)
	assert.Equal(t, "neighbors", g.lists[0].Name)
	assert.Equal(t, []string{"create-list:neighbors", "add:A"}, g.ops)
}

func TestReconcile_BlankNameIsRejected(t *testing.T) {
	g := newFakeGraph("me")

	_, err := newReconciler(g).Reconcile(context.Background(), domain.NewAIDSet("A"), "   ")
	require.Error(t, err)
	assert.Empty(t, g.lists)
}

func TestReconcile_EmptyTargetClearsList(t *testing.T) {
	g := newFakeGraph("me")
	uri := g.seedList("neighbors", "A", "B", "C")

	res, err := newReconciler(g).Reconcile(context.Background(), domain.NewAIDSet(), "neighbors")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Removed.Len())
	assert.Zero(t, g.memberSet(uri).Len())
}

func TestReconcile_DeleteNotFoundCountsAsRemoved(t *testing.T) {
	g := newFakeGraph("me")
	uri := g.seedList("neighbors", "X")
	key := g.members[uri][0].Key
	g.failDelete[key] = domain.ErrNotFound

	res, err := newReconciler(g).Reconcile(context.Background(), domain.NewAIDSet(), "neighbors")
	require.NoError(t, err)
	assert.True(t, res.Removed.Has("X"))
}

func TestReconcile_ItemFailuresAreCollected(t *testing.T) {
	g := newFakeGraph("me")
	uri := g.seedList("neighbors", "X")
	boom := errors.New("boom")
	g.failCreate["B"] = boom

	res, err := newReconciler(g).Reconcile(context.Background(), domain.NewAIDSet("A", "B", "C"), "neighbors")
	require.Error(t, err)

	var recErr *services.ReconcileError
	require.ErrorAs(t, err, &recErr)
	assert.ErrorIs(t, err, boom)
	require.Len(t, recErr.Failures, 1)
	assert.Equal(t, domain.AID("B"), recErr.Failures[0].AID)
	assert.Equal(t, services.OpAdd, recErr.Failures[0].Op)

	require.NotNil(t, res)
	assert.True(t, res.Added.Equal(domain.NewAIDSet("A", "C")))
	assert.True(t, res.Removed.Has("X"))
	assert.True(t, g.memberSet(uri).Equal(domain.NewAIDSet("A", "C")))
}

// flakyGraph renvoie ErrRateLimited sur les premières créations
type flakyGraph struct {
	*fakeGraph
	failures int
}

func (g *flakyGraph) CreateListEntry(ctx context.Context, listURI string, subject domain.AID) (domain.EntryKey, error) {
	if g.failures > 0 {
		g.failures--
		return "", domain.ErrRateLimited
	}
	return g.fakeGraph.CreateListEntry(ctx, listURI, subject)
}

func TestReconcile_RetriesRateLimitedWrites(t *testing.T) {
	g := &flakyGraph{fakeGraph: newFakeGraph("me"), failures: 2}
	uri := g.seedList("neighbors")

	ex := retry.NewExecutor(domain.IsRetryable)
	clock := clockwork.NewFakeClock()
	ex.Clock = clock
	r := services.NewListReconciler(g, ex, nil)

	done := make(chan error, 1)
	go func() {
		_, err := r.Reconcile(context.Background(), domain.NewAIDSet("A"), "neighbors")
		done <- err
	}()

	for i := 0; i < 2; i++ {
		clock.BlockUntil(1)
		clock.Advance(time.Minute)
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reconcile did not finish")
	}
	assert.True(t, g.memberSet(uri).Has("A"))
}

func TestReconcile_CancelledBeforeStart(t *testing.T) {
	g := newFakeGraph("me")
	g.seedList("neighbors", "X")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := newReconciler(g).Reconcile(ctx, domain.NewAIDSet("Y"), "neighbors")
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)
	assert.Empty(t, g.ops)
}

// cancellingGraph annule le run juste après une écriture réussie
type cancellingGraph struct {
	*fakeGraph
	cancel context.CancelFunc
}

func (g *cancellingGraph) CreateListEntry(ctx context.Context, listURI string, subject domain.AID) (domain.EntryKey, error) {
	key, err := g.fakeGraph.CreateListEntry(ctx, listURI, subject)
	g.cancel()
	return key, err
}

func (g *cancellingGraph) DeleteListEntry(ctx context.Context, key domain.EntryKey) error {
	err := g.fakeGraph.DeleteListEntry(ctx, key)
	g.cancel()
	return err
}

func TestReconcile_CancelKeepsAppliedItems(t *testing.T) {
	t.Run("add", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		g := &cancellingGraph{fakeGraph: newFakeGraph("me"), cancel: cancel}
		g.seedList("neighbors")

		res, err := services.NewListReconciler(g, retry.NewExecutor(domain.IsRetryable), nil).Reconcile(ctx, domain.NewAIDSet("A", "B"), "neighbors")
		require.ErrorIs(t, err, context.Canceled)
		require.NotNil(t, res)
		assert.Equal(t, 1, res.Added.Len())
		assert.Empty(t, res.Failures)
		assert.Len(t, g.ops, 1)
	})

	t.Run("remove", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		g := &cancellingGraph{fakeGraph: newFakeGraph("me"), cancel: cancel}
		g.seedList("neighbors", "X", "Y")

		res, err := services.NewListReconciler(g, retry.NewExecutor(domain.IsRetryable), nil).Reconcile(ctx, domain.NewAIDSet(), "neighbors")
		require.ErrorIs(t, err, context.Canceled)
		require.NotNil(t, res)
		assert.Equal(t, 1, res.Removed.Len())
		assert.Empty(t, res.Failures)
		assert.Len(t, g.ops, 1)
	})
}

type recordingProgress struct {
	applied []string
}

func (p *recordingProgress) FollowerVisited(domain.AID, int, string) {}
func (p *recordingProgress) CandidateFound(domain.Candidate, int) {}
func (p *recordingProgress) ItemApplied(op string, id domain.AID, done, total int, err error) {
	p.applied = append(p.applied, op+":"+string(id))
}

func TestReconcile_ReportsProgress(t *testing.T) {
	g := newFakeGraph("me")
	g.seedList("neighbors", "X")
	progress := &recordingProgress{}

	r := services.NewListReconciler(g, retry.NewExecutor(domain.IsRetryable), progress)
	_, err := r.Reconcile(context.Background(), domain.NewAIDSet("Y"), "neighbors")
	require.NoError(t, err)
	assert.Equal(t, []string{"remove:X", "add:Y"}, progress.applied)
}
