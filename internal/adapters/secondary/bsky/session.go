package bsky

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/core/domain"
)

const (
	nsidCreateSession  = "com.atproto.server.createSession"
	nsidRefreshSession = "com.atproto.server.refreshSession"
)

type session struct {
	DID        string `json:"did"`
	Handle     string `json:"handle"`
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`

	accessExp time.Time
}

// Login ouvre une session avec handle + mot de passe (app password).
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.login(ctx)
}

// login suppose c.mu verrouillé
func (c *Client) login(ctx context.Context) error {
	if c.handle == "" || c.password == "" {
		return fmt.Errorf("%w: missing handle or password", domain.ErrAuth)
	}

	var s session
	err := c.send(ctx, nsidCreateSession, nil, map[string]string{
		"identifier": c.handle,
		"password":   c.password,
	}, &s, "")
	if err != nil {
		var xe *XRPCError
		if errors.As(err, &xe) && (xe.Status == http.StatusUnauthorized || xe.Name == "AuthenticationRequired") {
			return fmt.Errorf("%w: %w", domain.ErrAuth, err)
		}
		return fmt.Errorf("create session: %w", err)
	}
	s.accessExp = tokenExpiry(s.AccessJwt)
	c.sess = &s

	slog.Info("✅ Logged in", "handle", s.Handle, "did", s.DID)
	return nil
}

// refresh suppose c.mu verrouillé. En cas d'échec on repart d'un login complet.
func (c *Client) refresh(ctx context.Context) error {
	var s session
	err := c.send(ctx, nsidRefreshSession, nil, struct{}{}, &s, c.sess.RefreshJwt)
	if err != nil {
		slog.Warn("Session refresh failed, logging in again", "error", err)
		return c.login(ctx)
	}
	s.accessExp = tokenExpiry(s.AccessJwt)
	c.sess = &s
	sessionRefreshes.Inc()
	slog.Debug("Session refreshed", "expires_at", s.accessExp)
	return nil
}

// accessToken renvoie un access token valide, en (re)connectant si besoin.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil {
		if err := c.login(ctx); err != nil {
			return "", err
		}
	}
	if !c.sess.accessExp.IsZero() && c.now().Add(refreshMargin).After(c.sess.accessExp) {
		if err := c.refresh(ctx); err != nil {
			return "", err
		}
	}
	return c.sess.AccessJwt, nil
}

// forceRefresh rafraîchit après un rejet du serveur, sauf si un autre appel
// l'a déjà fait (le token courant n'est plus celui qui a été rejeté).
func (c *Client) forceRefresh(ctx context.Context, rejected string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != nil && c.sess.AccessJwt != rejected {
		return c.sess.AccessJwt, nil
	}
	var err error
	if c.sess == nil {
		err = c.login(ctx)
	} else {
		err = c.refresh(ctx)
	}
	if err != nil {
		return "", err
	}
	return c.sess.AccessJwt, nil
}

// Self renvoie le DID du compte connecté.
func (c *Client) Self(ctx context.Context) (domain.AID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		if err := c.login(ctx); err != nil {
			return "", err
		}
	}
	return domain.AID(c.sess.DID), nil
}

// tokenExpiry lit le claim 'exp' sans vérifier la signature (le PDS s'en charge).
// Zéro si le token n'est pas un JWT lisible : on comptera alors sur ExpiredToken.
func tokenExpiry(token string) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
