// Package bsky implémente ports.SocialGraph au-dessus de l'API XRPC (AT Protocol).
package bsky

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/core/domain"
)

const (
	DefaultBaseURL   = "https://bsky.social"
	defaultPageLimit = 100
	// On rafraîchit l'access token un peu avant son expiration
	refreshMargin = time.Minute
)

type Config struct {
	BaseURL           string
	Handle            string
	Password          string
	RequestsPerSecond float64 // 0 = pas de limite
	Burst             int
	ProfileCacheSize  int
	HTTPClient        *http.Client
}

// Client est l'adapter XRPC. Sûr pour un usage concurrent.
type Client struct {
	baseURL  string
	handle   string
	password string
	http     *http.Client
	limiter  *rate.Limiter
	profiles *lru.Cache[domain.AID, *domain.Profile]
	now      func() time.Time

	mu   sync.Mutex
	sess *session
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.ProfileCacheSize <= 0 {
		cfg.ProfileCacheSize = 50_000
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// Chaque appel sortant devient un span enfant du span courant
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	profiles, err := lru.New[domain.AID, *domain.Profile](cfg.ProfileCacheSize)
	if err != nil {
		return nil, fmt.Errorf("profile cache: %w", err)
	}

	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		handle:   cfg.Handle,
		password: cfg.Password,
		http:     httpClient,
		limiter:  rate.NewLimiter(limit, burst),
		profiles: profiles,
		now:      time.Now,
	}, nil
}

type xrpcErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// call exécute une requête XRPC. body == nil => GET (query), sinon POST JSON.
// Un access token expiré est rafraîchi une fois puis la requête est rejouée.
func (c *Client) call(ctx context.Context, method string, query url.Values, body, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	err = c.send(ctx, method, query, body, out, token)

	var xe *XRPCError
	if errors.As(err, &xe) && isExpiredToken(xe) {
		slog.Debug("Access token rejected, refreshing session", "method", method)
		token, err = c.forceRefresh(ctx, token)
		if err != nil {
			return err
		}
		return c.send(ctx, method, query, body, out, token)
	}
	return err
}

func (c *Client) send(ctx context.Context, method string, query url.Values, body, out any, token string) error {
	// 1. Limiteur global : partagé par tous les workers
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	// 2. Construction de la requête
	endpoint := c.baseURL + "/xrpc/" + method
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	httpMethod := http.MethodGet
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", method, err)
		}
		httpMethod = http.MethodPost
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, httpMethod, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build %s: %w", method, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	// 3. Envoi
	start := time.Now()
	resp, err := c.http.Do(req)
	requestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		requestsTotal.WithLabelValues(method, "error").Inc()
		return fmt.Errorf("%w: %s: %w", domain.ErrTransient, method, err)
	}
	defer resp.Body.Close()
	requestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	// 4. Erreur XRPC
	if resp.StatusCode >= 300 {
		var eb xrpcErrorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb)
		return &XRPCError{
			Method:  method,
			Status:  resp.StatusCode,
			Name:    eb.Error,
			Message: eb.Message,
			kind:    classify(resp.StatusCode, eb.Error),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", method, err)
	}
	return nil
}
