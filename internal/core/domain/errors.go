package domain

import "errors"

// --- ERREURS DU DOMAINE ---
var (
	ErrRateLimited = errors.New("rate limited")
	ErrTransient   = errors.New("transient remote error")
	ErrNotFound    = errors.New("not found")
	ErrAuth        = errors.New("authentication failed")
	ErrLocked      = errors.New("another sync holds the list lock")
	ErrLockLost    = errors.New("list lock lost during sync")

	// ErrUnknownActivity : la date du dernier post n'a pas pu être établie
	ErrUnknownActivity = errors.New("latest post date unknown")
)

// IsRateLimited : la seule classe d'erreur que l'API signale explicitement comme "réessayable".
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsRetryable regroupe rate-limit et erreurs transitoires (5xx, réseau),
// traitées de la même manière par l'exécuteur de retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransient)
}
