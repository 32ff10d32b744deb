package bsky

import (
	"fmt"
	"net/http"

	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/core/domain"
)

// XRPCError est une réponse d'erreur du serveur ({"error": ..., "message": ...}).
// Unwrap renvoie la classe du domaine (ErrRateLimited, ErrNotFound...) quand elle existe.
type XRPCError struct {
	Method  string
	Status  int
	Name    string
	Message string

	kind error
}

func (e *XRPCError) Error() string {
	msg := fmt.Sprintf("xrpc %s: %d", e.Method, e.Status)
	if e.Name != "" {
		msg += " " + e.Name
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *XRPCError) Unwrap() error {
	return e.kind
}

// classify associe un statut HTTP / nom d'erreur XRPC à une erreur du domaine.
func classify(status int, name string) error {
	switch {
	case status == http.StatusTooManyRequests || name == "RateLimitExceeded":
		return domain.ErrRateLimited
	case status >= 500:
		return domain.ErrTransient
	case status == http.StatusNotFound || name == "NotFound" || name == "RecordNotFound":
		return domain.ErrNotFound
	case name == "AuthenticationRequired" || name == "AccountTakedown":
		return domain.ErrAuth
	}
	return nil
}

// isExpiredToken : le PDS signale un access token expiré en 400 ou 401
func isExpiredToken(err *XRPCError) bool {
	return (err.Status == http.StatusBadRequest || err.Status == http.StatusUnauthorized) &&
		(err.Name == "ExpiredToken" || err.Name == "InvalidToken")
}
