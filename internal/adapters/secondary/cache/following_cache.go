package cache

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/core/domain"
	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/core/ports"
	"github.com/jupiterclapton/cenackle/services/neighbor-service/pkg/paginate"
	"github.com/jupiterclapton/cenackle/services/neighbor-service/pkg/retry"
)

// Loader récupère l'ensemble "following" d'un compte, borné par limit (<= 0 : complet).
// complete indique que la pagination est allée jusqu'au bout.
type Loader func(ctx context.Context, actor domain.AID, limit int) (set domain.AIDSet, complete bool, err error)

type entry struct {
	set      domain.AIDSet
	complete bool
}

// Stats expose les compteurs du cache (utile pour les logs de fin de run)
type Stats struct {
	Hits   int64
	Misses int64
	Loads  int64
}

// FollowingCache est un memo par run : pas d'éviction, pas de TTL, pas de persistance.
// Les ensembles renvoyés sont partagés : l'appelant ne doit pas les modifier.
type FollowingCache struct {
	mu      sync.RWMutex
	entries map[domain.AID]entry
	flight  singleflight.Group
	load    Loader

	hits   atomic.Int64
	misses atomic.Int64
	loads  atomic.Int64
}

var _ ports.FollowingCache = (*FollowingCache)(nil)

func NewFollowingCache(load Loader) *FollowingCache {
	return &FollowingCache{
		entries: make(map[domain.AID]entry),
		load:    load,
	}
}

// Following renvoie l'ensemble mémorisé s'il suffit, sinon le charge.
// Deux demandes concurrentes pour le même compte partagent un seul chargement.
func (c *FollowingCache) Following(ctx context.Context, actor domain.AID, limit int) (domain.AIDSet, error) {
	if set, ok := c.lookup(actor, limit); ok {
		c.hits.Add(1)
		cacheHits.Inc()
		return set, nil
	}
	c.misses.Add(1)
	cacheMisses.Inc()

	v, err, _ := c.flight.Do(string(actor), func() (any, error) {
		// Un autre appel a peut-être rempli l'entrée entre-temps
		if set, ok := c.lookup(actor, limit); ok {
			return set, nil
		}
		c.loads.Add(1)
		set, complete, err := c.load(ctx, actor, limit)
		if err != nil {
			return nil, err
		}
		c.store(actor, entry{set: set, complete: complete})
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(domain.AIDSet), nil
}

// Peek lit le cache sans accès réseau.
func (c *FollowingCache) Peek(actor domain.AID) (domain.AIDSet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[actor]
	return e.set, ok
}

func (c *FollowingCache) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Loads:  c.loads.Load(),
	}
}

func (c *FollowingCache) lookup(actor domain.AID, limit int) (domain.AIDSet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[actor]
	if !ok {
		return nil, false
	}
	if e.complete || (limit > 0 && e.set.Len() >= limit) {
		return e.set, true
	}
	return nil, false
}

func (c *FollowingCache) store(actor domain.AID, e entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// On ne remplace jamais un ensemble plus riche par un plus pauvre
	if prev, ok := c.entries[actor]; ok && (prev.complete || prev.set.Len() > e.set.Len()) && !e.complete {
		return
	}
	c.entries[actor] = e
}

// GraphLoader construit un Loader qui pagine GetFollowing, chaque page passant par l'exécuteur de retry.
func GraphLoader(graph ports.SocialGraph, ex *retry.Executor) Loader {
	return func(ctx context.Context, actor domain.AID, limit int) (domain.AIDSet, bool, error) {
		fetch := func(ctx context.Context, cursor string) (paginate.Page[domain.AID], error) {
			return retry.Do(ctx, ex, func(ctx context.Context) (paginate.Page[domain.AID], error) {
				return graph.GetFollowing(ctx, actor, cursor)
			})
		}

		set := domain.NewAIDSet()
		it := paginate.New(fetch)
		for it.Next(ctx) {
			set.Add(it.Item())
			if limit > 0 && set.Len() >= limit {
				// Borne atteinte : on s'arrête même s'il reste des pages
				return set, false, nil
			}
		}
		if err := it.Err(); err != nil {
			return nil, false, err
		}
		return set, true, nil
	}
}
