// Package lock empêche deux syncs concurrents sur la même liste.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/core/domain"
	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/core/ports"
)

const DefaultTTL = 10 * time.Minute

// Libère / prolonge seulement si la clé porte encore notre token
const (
	releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`
	renewScript   = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("PEXPIRE", KEYS[1], ARGV[2]) else return 0 end`
)

// lockClient : le sous-ensemble de *redis.Client utilisé ici
type lockClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisLock est un verrou à bail (SET NX PX) renouvelé tant que le run tourne.
type RedisLock struct {
	client lockClient
	ttl    time.Duration
}

var _ ports.RunLock = (*RedisLock)(nil)

func NewRedisLock(client *redis.Client, ttl time.Duration) *RedisLock {
	return newRedisLock(client, ttl)
}

func newRedisLock(client lockClient, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLock{client: client, ttl: ttl}
}

// Acquire prend le verrou ou renvoie domain.ErrLocked s'il est déjà tenu.
// Le contexte renvoyé est annulé avec domain.ErrLockLost si le bail est perdu.
// La fonction retournée libère le verrou et arrête le renouvellement.
func (l *RedisLock) Acquire(ctx context.Context, key string) (context.Context, func(context.Context) error, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("acquire lock %q: %w", key, err)
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrLocked, key)
	}
	slog.Debug("🔒 Run lock acquired", "key", key, "ttl", l.ttl)

	held, cancel := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.keepAlive(key, token, stop, cancel)
	}()

	var once sync.Once
	release := func(ctx context.Context) error {
		var err error
		once.Do(func() {
			close(stop)
			wg.Wait()
			err = l.client.Eval(ctx, releaseScript, []string{key}, token).Err()
			if err == nil {
				slog.Debug("🔓 Run lock released", "key", key)
			}
			cancel(nil)
		})
		return err
	}
	return held, release, nil
}

// keepAlive prolonge le bail tous les ttl/3. Le bail est perdu si la clé ne porte plus
// notre token, ou si aucun renouvellement n'a abouti depuis un ttl complet.
func (l *RedisLock) keepAlive(key, token string, stop <-chan struct{}, lost context.CancelCauseFunc) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	renewed := time.Now()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := l.client.Eval(ctx, renewScript, []string{key}, token, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				slog.Warn("Failed to renew run lock", "key", key, "error", err)
				if time.Since(renewed) >= l.ttl {
					slog.Error("❌ Run lock lost: lease expired without renewal", "key", key)
					lost(fmt.Errorf("%w: %s", domain.ErrLockLost, key))
					return
				}
				continue
			}
			if n == 0 {
				slog.Error("❌ Run lock lost", "key", key)
				lost(fmt.Errorf("%w: %s", domain.ErrLockLost, key))
				return
			}
			renewed = time.Now()
		}
	}
}
