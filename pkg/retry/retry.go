// Package retry enveloppe les appels distants avec un backoff exponentiel borné.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultMaxAttempts = 16
	DefaultBase        = time.Second
	DefaultJitterUnit  = 100 * time.Millisecond
)

// ExhaustedError est renvoyée quand toutes les tentatives ont échoué.
// Elle enveloppe l'erreur d'origine (errors.Is fonctionne toujours).
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Executor réessaie une opération tant que l'erreur est "réessayable".
// Attente avant le retry i (à partir de 0) : Base*2^i + U(0, JitterUnit*2^i).
type Executor struct {
	MaxAttempts int
	Base        time.Duration
	JitterUnit  time.Duration
	CallTimeout time.Duration // Deadline par tentative (0 = aucune)
	Retryable   func(error) bool
	Clock       clockwork.Clock

	mu  sync.Mutex
	rng *rand.Rand
}

// NewExecutor construit un exécuteur avec les valeurs par défaut.
func NewExecutor(retryable func(error) bool) *Executor {
	return &Executor{
		MaxAttempts: DefaultMaxAttempts,
		Base:        DefaultBase,
		JitterUnit:  DefaultJitterUnit,
		Retryable:   retryable,
		Clock:       clockwork.NewRealClock(),
	}
}

// MaxBackoffShift borne l'exposant : au-delà, Base*2^attempt déborde un time.Duration.
const MaxBackoffShift = 30

// Backoff calcule l'attente avant le retry numéro 'attempt' (0-indexé).
func (e *Executor) Backoff(attempt int) time.Duration {
	attempt = min(max(attempt, 0), MaxBackoffShift)
	scale := time.Duration(1) << uint(attempt)
	jitter := time.Duration(e.float64() * float64(e.JitterUnit*scale))
	return e.Base*scale + jitter
}

func (e *Executor) float64() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rng == nil {
		e.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return e.rng.Float64()
}

// Execute lance op jusqu'à MaxAttempts fois.
// Une erreur non réessayable remonte immédiatement, sans retry.
func (e *Executor) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	maxAttempts := e.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	clock := e.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = e.call(ctx, op)
		if lastErr == nil {
			return nil
		}
		if e.Retryable == nil || !e.Retryable(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts-1 {
			break
		}

		delay := e.Backoff(attempt)
		retriesTotal.Inc()
		slog.Warn("⏳ Rate limit exceeded, backing off",
			"attempt", attempt+1,
			"delay", delay.Round(100*time.Millisecond),
			"retry_at", clock.Now().Add(delay).Format(time.DateTime),
			"error", lastErr,
		)

		// Seule la goroutine appelante attend
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(delay):
		}
	}

	exhaustedTotal.Inc()
	return &ExhaustedError{Attempts: maxAttempts, Err: lastErr}
}

func (e *Executor) call(ctx context.Context, op func(ctx context.Context) error) error {
	if e.CallTimeout <= 0 {
		return op(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, e.CallTimeout)
	defer cancel()

	err := op(callCtx)
	// Un dépassement de la deadline par tentative n'est pas une annulation de l'appelant
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return &TimeoutError{Err: err}
	}
	return err
}

// TimeoutError signale qu'une tentative a dépassé CallTimeout.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string {
	return "call timed out: " + e.Err.Error()
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// Do est la variante générique de Execute qui retourne une valeur.
func Do[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
