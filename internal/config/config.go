// Package config loads gateway configuration from EVENTGATE_* environment
// variables. Missing external service endpoints are the only fatal
// misconfiguration; everything else has a default.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all runtime settings for the gateway.
type Config struct {
	// External collaborators. Both are required: the gateway fails closed at
	// startup rather than running without a durable log or fallback store.
	NATSURL     string `env:"EVENTGATE_NATS_URL"`
	DatabaseURL string `env:"EVENTGATE_DATABASE_URL"`

	HTTPAddr   string `env:"EVENTGATE_HTTP_ADDR" envDefault:":8080"`
	PolicyFile string `env:"EVENTGATE_POLICY_FILE"`

	// Token verification (ed25519 public key, base64-encoded).
	TokenIssuer    string `env:"EVENTGATE_TOKEN_ISSUER"`
	TokenAudience  string `env:"EVENTGATE_TOKEN_AUDIENCE"`
	TokenPublicKey string `env:"EVENTGATE_TOKEN_PUBLIC_KEY"`

	// Connection lifecycle.
	HeartbeatInterval time.Duration `env:"EVENTGATE_HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatMisses   int           `env:"EVENTGATE_HEARTBEAT_MISSES" envDefault:"3"`
	ExpiryWarnLead    time.Duration `env:"EVENTGATE_EXPIRY_WARN_LEAD" envDefault:"300s"`

	// Delivery tracking.
	AckDeadlineCritical time.Duration `env:"EVENTGATE_ACK_DEADLINE_CRITICAL" envDefault:"5s"`
	AckDeadlineSlow     time.Duration `env:"EVENTGATE_ACK_DEADLINE_SLOW" envDefault:"30s"`
	MaxDeliveryRetries  int           `env:"EVENTGATE_MAX_DELIVERY_RETRIES" envDefault:"3"`
	RetryBackoffBase    time.Duration `env:"EVENTGATE_RETRY_BACKOFF_BASE" envDefault:"1s"`

	// Backpressure thresholds on outstanding critical acknowledgments.
	BackpressureGlobal     int           `env:"EVENTGATE_BACKPRESSURE_GLOBAL" envDefault:"1000"`
	BackpressurePerConn    int           `env:"EVENTGATE_BACKPRESSURE_PER_CONN" envDefault:"100"`
	BackpressureRetryAfter time.Duration `env:"EVENTGATE_BACKPRESSURE_RETRY_AFTER" envDefault:"500ms"`

	// Ingress.
	DedupWindow      time.Duration `env:"EVENTGATE_DEDUP_WINDOW" envDefault:"24h"`
	FreshnessWindow  time.Duration `env:"EVENTGATE_FRESHNESS_WINDOW" envDefault:"24h"`
	MaxSubscriptions int           `env:"EVENTGATE_MAX_SUBSCRIPTIONS" envDefault:"50"`

	// Authorization gate. With no relationship service configured the gate
	// still allows self traffic; everything needing a relationship is denied.
	RelationshipURL      string        `env:"EVENTGATE_RELATIONSHIP_URL"`
	RelationshipToken    string        `env:"EVENTGATE_RELATIONSHIP_TOKEN"`
	RelationshipCacheTTL time.Duration `env:"EVENTGATE_RELATIONSHIP_CACHE_TTL" envDefault:"15s"`

	// Archive export (enabled when the bucket is set).
	ArchiveInterval   time.Duration `env:"EVENTGATE_ARCHIVE_INTERVAL" envDefault:"5m"`
	ArchiveS3Bucket   string        `env:"EVENTGATE_ARCHIVE_S3_BUCKET"`
	ArchiveS3Prefix   string        `env:"EVENTGATE_ARCHIVE_S3_PREFIX" envDefault:"eventgate/audit"`
	ArchiveS3Region   string        `env:"EVENTGATE_ARCHIVE_S3_REGION" envDefault:"us-east-1"`
	ArchiveS3Endpoint string        `env:"EVENTGATE_ARCHIVE_S3_ENDPOINT"`
}

// Load parses the environment and validates required settings.
func Load() (*Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if c.NATSURL == "" {
		return nil, fmt.Errorf("EVENTGATE_NATS_URL is required")
	}
	if c.DatabaseURL == "" {
		return nil, fmt.Errorf("EVENTGATE_DATABASE_URL is required")
	}
	if c.TokenPublicKey == "" {
		return nil, fmt.Errorf("EVENTGATE_TOKEN_PUBLIC_KEY is required")
	}
	if c.HeartbeatMisses < 1 {
		return nil, fmt.Errorf("EVENTGATE_HEARTBEAT_MISSES must be at least 1")
	}
	if c.MaxSubscriptions < 1 {
		return nil, fmt.Errorf("EVENTGATE_MAX_SUBSCRIPTIONS must be at least 1")
	}
	return &c, nil
}
