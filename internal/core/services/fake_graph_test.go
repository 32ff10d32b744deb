package services_test

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/core/domain"
	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/core/ports"
	"github.com/jupiterclapton/cenackle/services/neighbor-service/pkg/paginate"
)

// fakeGraph est un graphe social en mémoire, paginé par pages de 'pageSize'.
type fakeGraph struct {
	mu sync.Mutex

	self      domain.AID
	following map[domain.AID][]domain.AID
	followers map[domain.AID][]domain.AID
	profiles  map[domain.AID]*domain.Profile
	pageSize  int

	lists   []domain.ListDescriptor
	members map[string][]domain.ListEntry
	nextKey int

	failFollowing map[domain.AID]error
	failProfile   map[domain.AID]error
	failLatest    map[domain.AID]error
	failCreate    map[domain.AID]error
	failDelete    map[domain.EntryKey]error

	ops   []string // Journal des écritures, dans l'ordre
	calls map[string]int
}

var _ ports.SocialGraph = (*fakeGraph)(nil)

func newFakeGraph(self domain.AID) *fakeGraph {
	return &fakeGraph{
		self:          self,
		following:     map[domain.AID][]domain.AID{},
		followers:     map[domain.AID][]domain.AID{},
		profiles:      map[domain.AID]*domain.Profile{},
		pageSize:      2,
		members:       map[string][]domain.ListEntry{},
		failFollowing: map[domain.AID]error{},
		failProfile:   map[domain.AID]error{},
		failLatest:    map[domain.AID]error{},
		failCreate:    map[domain.AID]error{},
		failDelete:    map[domain.EntryKey]error{},
		calls:         map[string]int{},
	}
}

// follow déclare "from suit to..." (et le lien inverse côté followers)
func (g *fakeGraph) follow(from domain.AID, to ...domain.AID) {
	for _, t := range to {
		g.following[from] = append(g.following[from], t)
		g.followers[t] = append(g.followers[t], from)
	}
}

func (g *fakeGraph) count(name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[name]
}

func page[T any](items []T, cursor string, size int) (paginate.Page[T], error) {
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return paginate.Page[T]{}, fmt.Errorf("bad cursor %q", cursor)
		}
		start = n
	}
	if start > len(items) {
		start = len(items)
	}
	end := start + size
	if end >= len(items) {
		return paginate.Page[T]{Items: append([]T(nil), items[start:]...)}, nil
	}
	return paginate.Page[T]{Items: append([]T(nil), items[start:end]...), Cursor: strconv.Itoa(end)}, nil
}

func (g *fakeGraph) Self(context.Context) (domain.AID, error) {
	return g.self, nil
}

func (g *fakeGraph) GetFollowers(_ context.Context, actor domain.AID, cursor string) (paginate.Page[domain.AID], error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["followers"]++
	return page(g.followers[actor], cursor, g.pageSize)
}

func (g *fakeGraph) GetFollowing(_ context.Context, actor domain.AID, cursor string) (paginate.Page[domain.AID], error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["following"]++
	g.calls["following:"+string(actor)]++
	if err := g.failFollowing[actor]; err != nil {
		return paginate.Page[domain.AID]{}, err
	}
	return page(g.following[actor], cursor, g.pageSize)
}

func (g *fakeGraph) GetProfile(_ context.Context, actor domain.AID) (*domain.Profile, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["profile"]++
	if err := g.failProfile[actor]; err != nil {
		return nil, err
	}
	if p, ok := g.profiles[actor]; ok {
		return p, nil
	}
	recent := time.Now().Add(-time.Hour)
	return &domain.Profile{
		AID:          actor,
		Handle:       string(actor) + ".test",
		FollowsCount: len(g.following[actor]),
		PostsCount:   1,
		LatestPostAt: &recent,
	}, nil
}

// LatestPostAt relit LatestPostAt du profil déclaré (1h par défaut).
func (g *fakeGraph) LatestPostAt(_ context.Context, actor domain.AID) (*time.Time, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["latest"]++
	if err := g.failLatest[actor]; err != nil {
		return nil, err
	}
	if p, ok := g.profiles[actor]; ok {
		return p.LatestPostAt, nil
	}
	recent := time.Now().Add(-time.Hour)
	return &recent, nil
}

func (g *fakeGraph) GetLists(_ context.Context, _ domain.AID, cursor string) (paginate.Page[domain.ListDescriptor], error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["lists"]++
	return page(g.lists, cursor, g.pageSize)
}

func (g *fakeGraph) CreateList(_ context.Context, name string) (domain.ListDescriptor, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	l := domain.ListDescriptor{URI: fmt.Sprintf("at://%s/app.bsky.graph.list/%d", g.self, len(g.lists)+1), Name: name}
	g.lists = append(g.lists, l)
	g.ops = append(g.ops, "create-list:"+name)
	return l, nil
}

func (g *fakeGraph) GetListMembers(_ context.Context, listURI string, cursor string) (paginate.Page[domain.ListEntry], error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["members"]++
	return page(g.members[listURI], cursor, g.pageSize)
}

func (g *fakeGraph) CreateListEntry(_ context.Context, listURI string, subject domain.AID) (domain.EntryKey, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failCreate[subject]; err != nil {
		return "", err
	}
	g.nextKey++
	key := domain.EntryKey(fmt.Sprintf("rk%d", g.nextKey))
	g.members[listURI] = append(g.members[listURI], domain.ListEntry{Key: key, Subject: subject})
	g.ops = append(g.ops, "add:"+string(subject))
	return key, nil
}

func (g *fakeGraph) DeleteListEntry(_ context.Context, key domain.EntryKey) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failDelete[key]; err != nil {
		return err
	}
	for uri, entries := range g.members {
		for i, e := range entries {
			if e.Key == key {
				g.members[uri] = append(entries[:i:i], entries[i+1:]...)
				g.ops = append(g.ops, "remove:"+string(e.Subject))
				return nil
			}
		}
	}
	return domain.ErrNotFound
}

// seedList crée une liste existante avec ses membres
func (g *fakeGraph) seedList(name string, subjects ...domain.AID) string {
	uri := fmt.Sprintf("at://%s/app.bsky.graph.list/seed-%s", g.self, name)
	g.lists = append(g.lists, domain.ListDescriptor{URI: uri, Name: name})
	for _, s := range subjects {
		g.nextKey++
		g.members[uri] = append(g.members[uri], domain.ListEntry{Key: domain.EntryKey(fmt.Sprintf("rk%d", g.nextKey)), Subject: s})
	}
	return uri
}

func (g *fakeGraph) memberSet(uri string) domain.AIDSet {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := domain.NewAIDSet()
	for _, e := range g.members[uri] {
		out.Add(e.Subject)
	}
	return out
}

// mapCache est un FollowingCache minimal (sans singleflight) pour les tests du cœur
type mapCache struct {
	mu    sync.Mutex
	graph *fakeGraph
	sets  map[domain.AID]domain.AIDSet
}

func newMapCache(g *fakeGraph) *mapCache {
	return &mapCache{graph: g, sets: map[domain.AID]domain.AIDSet{}}
}

func (c *mapCache) Following(ctx context.Context, actor domain.AID, limit int) (domain.AIDSet, error) {
	c.mu.Lock()
	if s, ok := c.sets[actor]; ok {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	items, err := paginate.Collect(ctx, func(ctx context.Context, cursor string) (paginate.Page[domain.AID], error) {
		return c.graph.GetFollowing(ctx, actor, cursor)
	}, limit)
	if err != nil {
		return nil, err
	}
	set := domain.NewAIDSet(items...)
	c.mu.Lock()
	c.sets[actor] = set
	c.mu.Unlock()
	return set, nil
}

func (c *mapCache) Peek(actor domain.AID) (domain.AIDSet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sets[actor]
	return s, ok
}

type recordingPublisher struct {
	reports []*domain.SyncReport
	err     error
}

func (p *recordingPublisher) PublishListReconciled(_ context.Context, r *domain.SyncReport) error {
	p.reports = append(p.reports, r)
	return p.err
}

type recordingLock struct {
	acquired []string
	released int
	err      error
	lost     bool // le contexte renvoyé est déjà annulé avec ErrLockLost
}

func (l *recordingLock) Acquire(ctx context.Context, key string) (context.Context, func(context.Context) error, error) {
	if l.err != nil {
		return nil, nil, l.err
	}
	l.acquired = append(l.acquired, key)
	held, cancel := context.WithCancelCause(ctx)
	if l.lost {
		cancel(domain.ErrLockLost)
	}
	return held, func(context.Context) error {
		cancel(nil)
		l.released++
		return nil
	}, nil
}
