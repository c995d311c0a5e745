package authvault

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds all Engine tuning. The zero value is not usable; start from
// DefaultConfig or ConfigFromEnv and override fields as needed. Config is
// read once at Build time and treated as immutable afterwards.
type Config struct {
	Token    TokenConfig    `env:", prefix=AUTHVAULT_TOKEN_"`
	Cache    CacheConfig    `env:", prefix=AUTHVAULT_CACHE_"`
	Rate     RateConfig     `env:", prefix=AUTHVAULT_RATE_"`
	Audit    AuditConfig    `env:", prefix=AUTHVAULT_AUDIT_"`
	Password PasswordConfig `env:", prefix=AUTHVAULT_PASSWORD_"`
	Store    StoreConfig    `env:", prefix=AUTHVAULT_STORE_"`
}

// TokenConfig tunes the refresh-token lifecycle.
type TokenConfig struct {
	// TTL is the lifetime of an issued refresh token.
	TTL time.Duration `env:"TTL, default=720h"`
	// CleanupRetention keeps terminal token rows for audit correlation
	// before the cleanup sweep may delete them.
	CleanupRetention time.Duration `env:"CLEANUP_RETENTION, default=720h"`
}

// CacheConfig tunes the two-tier cache.
type CacheConfig struct {
	// KeyPrefix namespaces every fast-tier key.
	KeyPrefix string `env:"KEY_PREFIX, default=authvault"`
	// PermissionsTTL bounds the staleness of cached permission snapshots.
	PermissionsTTL time.Duration `env:"PERMISSIONS_TTL, default=5m"`
	// RepairTimeout bounds background fast-tier repopulation.
	RepairTimeout time.Duration `env:"REPAIR_TIMEOUT, default=1s"`
	// OpTimeout bounds each fast-tier round trip.
	OpTimeout time.Duration `env:"OP_TIMEOUT, default=250ms"`
}

// RateConfig tunes the fixed-window rate limiter.
type RateConfig struct {
	// FailOpen admits requests when the counter backend is unreachable.
	// Every such admission is audited.
	FailOpen bool `env:"FAIL_OPEN, default=true"`
	// LoginLimit / LoginWindow bound login attempts per identity+IP.
	LoginLimit  int           `env:"LOGIN_LIMIT, default=10"`
	LoginWindow time.Duration `env:"LOGIN_WINDOW, default=1m"`
	// RotateLimit / RotateWindow bound rotation attempts per token+IP.
	RotateLimit  int           `env:"ROTATE_LIMIT, default=30"`
	RotateWindow time.Duration `env:"ROTATE_WINDOW, default=1m"`
	// OpTimeout bounds each counter round trip.
	OpTimeout time.Duration `env:"OP_TIMEOUT, default=250ms"`
}

// AuditConfig tunes the async audit dispatcher.
type AuditConfig struct {
	Enabled bool `env:"ENABLED, default=true"`
	// BufferSize is the queue depth between callers and the sink worker.
	BufferSize int `env:"BUFFER_SIZE, default=1024"`
	// DropIfFull sheds events instead of back-pressuring callers.
	DropIfFull bool `env:"DROP_IF_FULL, default=true"`
	// RetryCritical retries security-critical events once on sink failure.
	RetryCritical bool `env:"RETRY_CRITICAL, default=true"`
	// EmitTimeout bounds each sink delivery attempt.
	EmitTimeout time.Duration `env:"EMIT_TIMEOUT, default=5s"`
}

// PasswordConfig holds Argon2id costs for the default hasher.
type PasswordConfig struct {
	Memory      uint32 `env:"MEMORY_KB, default=65536"`
	Time        uint32 `env:"TIME, default=2"`
	Parallelism uint8  `env:"PARALLELISM, default=2"`
	SaltLength  uint32 `env:"SALT_LENGTH, default=16"`
	KeyLength   uint32 `env:"KEY_LENGTH, default=32"`
}

// StoreConfig bounds relational-store statement timing for the default
// store-backed collaborators. Pool construction itself lives in the store
// subpackage; the Builder takes an already opened pool.
type StoreConfig struct {
	OpTimeout time.Duration `env:"OP_TIMEOUT, default=3s"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Token: TokenConfig{
			TTL:              30 * 24 * time.Hour,
			CleanupRetention: 30 * 24 * time.Hour,
		},
		Cache: CacheConfig{
			KeyPrefix:      "authvault",
			PermissionsTTL: 5 * time.Minute,
			RepairTimeout:  time.Second,
			OpTimeout:      250 * time.Millisecond,
		},
		Rate: RateConfig{
			FailOpen:     true,
			LoginLimit:   10,
			LoginWindow:  time.Minute,
			RotateLimit:  30,
			RotateWindow: time.Minute,
			OpTimeout:    250 * time.Millisecond,
		},
		Audit: AuditConfig{
			Enabled:       true,
			BufferSize:    1024,
			DropIfFull:    true,
			RetryCritical: true,
			EmitTimeout:   5 * time.Second,
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        2,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Store: StoreConfig{
			OpTimeout: 3 * time.Second,
		},
	}
}

// ConfigFromEnv reads the configuration from AUTHVAULT_* environment
// variables, falling back to the defaults.
func ConfigFromEnv(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the Engine cannot run with.
func (c Config) Validate() error {
	if c.Token.TTL <= 0 {
		return errors.New("token TTL must be positive")
	}
	if c.Token.CleanupRetention < 0 {
		return errors.New("token cleanup retention must not be negative")
	}
	if c.Cache.PermissionsTTL <= 0 {
		return errors.New("permissions cache TTL must be positive")
	}
	if c.Rate.LoginLimit > 0 && c.Rate.LoginWindow <= 0 {
		return errors.New("login rate window must be positive when the limit is set")
	}
	if c.Rate.RotateLimit > 0 && c.Rate.RotateWindow <= 0 {
		return errors.New("rotate rate window must be positive when the limit is set")
	}
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("audit buffer size must be positive")
	}
	return nil
}
