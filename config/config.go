package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	Env         string // "local", "dev", "prod"
	ServiceName string

	// Compte Bluesky
	Handle   string `validate:"required"`
	Password string `validate:"required"`
	PDSURL   string `validate:"required,url"`

	// Liste cible
	ListName      string `validate:"required"`
	MaxCandidates int    `validate:"gte=0"`

	// Parcours
	StalenessThreshold time.Duration `validate:"gte=0"`
	FanOutGuard        int           `validate:"gte=0"`
	SecondDegreeCap    int           `validate:"gte=0"`
	ThirdDegreeCap     int           `validate:"gte=0"`
	AdmissionPolicy    string        `validate:"oneof=early-exit exhaustive"`
	DiscoveryWorkers   int           `validate:"gte=1,lte=64"`

	// Appels distants
	RetryMaxAttempts  int           `validate:"gte=1,lte=30"`
	RetryBaseDelay    time.Duration `validate:"gt=0"`
	CallTimeout       time.Duration `validate:"gte=0"`
	RequestsPerSecond float64       `validate:"gte=0"`
	RequestBurst      int           `validate:"gte=1"`

	// Infrastructure optionnelle (vide = désactivé)
	NatsUrl      string
	RedisAddr    string
	OtelEndpoint string // URL du collecteur (Jaeger/Tempo)
	MetricsAddr  string
}

var validate = validator.New()

// Load charge la configuration depuis l'ENV ou utilise des défauts
func Load() (*Config, error) {
	cfg := &Config{
		Env:         getEnv("APP_ENV", "local"),
		ServiceName: getEnv("SERVICE_NAME", "neighbor-service"),

		Handle:   getEnv("BSKY_HANDLE", ""),
		Password: getEnv("BSKY_PASSWORD", ""),
		PDSURL:   getEnv("BSKY_PDS_URL", "https://bsky.social"),

		ListName:      strings.TrimSpace(getEnv("LIST_NAME", "followed by followers")),
		MaxCandidates: getEnvInt("MAX_CANDIDATES", 5000),

		StalenessThreshold: getEnvDuration("STALENESS_THRESHOLD", 720*time.Hour),
		FanOutGuard:        getEnvInt("FANOUT_GUARD", 1000),
		SecondDegreeCap:    getEnvInt("SECOND_DEGREE_CAP", 300),
		ThirdDegreeCap:     getEnvInt("THIRD_DEGREE_CAP", 0),
		AdmissionPolicy:    getEnv("ADMISSION_POLICY", "early-exit"),
		DiscoveryWorkers:   getEnvInt("DISCOVERY_WORKERS", 4),

		RetryMaxAttempts:  getEnvInt("RETRY_MAX_ATTEMPTS", 16),
		RetryBaseDelay:    getEnvDuration("RETRY_BASE_DELAY", time.Second),
		CallTimeout:       getEnvDuration("CALL_TIMEOUT", 30*time.Second),
		RequestsPerSecond: getEnvFloat("REQUESTS_PER_SECOND", 10),
		RequestBurst:      getEnvInt("REQUEST_BURST", 10),

		NatsUrl:      getEnv("NATS_URL", ""),
		RedisAddr:    getEnv("REDIS_ADDR", ""),
		OtelEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		MetricsAddr:  getEnv("METRICS_ADDR", ""),
	}

	// On refuse de démarrer avec une config cassée
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// String masque le mot de passe quand la config est loguée
func (c Config) String() string {
	return fmt.Sprintf("{env=%s handle=%s pds=%s list=%q max=%d admission=%s workers=%d}",
		c.Env, c.Handle, c.PDSURL, c.ListName, c.MaxCandidates, c.AdmissionPolicy, c.DiscoveryWorkers)
}

func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("env", c.Env),
		slog.String("handle", c.Handle),
		slog.String("pds", c.PDSURL),
		slog.String("list", c.ListName),
		slog.Int("max_candidates", c.MaxCandidates),
		slog.String("admission", c.AdmissionPolicy),
		slog.Int("workers", c.DiscoveryWorkers),
	)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
