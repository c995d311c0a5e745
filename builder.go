package authvault

import (
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/authvault/authvault/audit"
	"github.com/authvault/authvault/cache"
	"github.com/authvault/authvault/jwt"
	"github.com/authvault/authvault/password"
	"github.com/authvault/authvault/rate"
	"github.com/authvault/authvault/store"
	"github.com/authvault/authvault/token"
)

// Builder assembles an Engine. The Postgres pool and Redis client are
// caller-owned: the Builder wires them into default collaborators but never
// opens or closes connections itself. Any collaborator can be overridden,
// which is how the tests substitute in-memory fakes.
type Builder struct {
	config Config
	pool   *pgxpool.Pool
	redis  redis.UniversalClient
	log    *zap.Logger

	auditSink   audit.Sink
	tokenStore  token.Store
	fastTier    cache.Tier
	durableTier cache.Tier
	directory   UserDirectory
	logins      LoginRecorder
	hasher      PasswordHasher
	issuer      AccessTokenIssuer
	jwtConfig   *jwt.Config

	built bool
}

// New returns a Builder with the default configuration.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithPool supplies the shared Postgres pool backing the default token
// store, durable cache tier, user directory, login history, and audit sink.
func (b *Builder) WithPool(pool *pgxpool.Pool) *Builder {
	b.pool = pool
	return b
}

// WithRedis supplies the shared Redis client backing the fast cache tier and
// the rate-limit counters.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithLogger(log *zap.Logger) *Builder {
	b.log = log
	return b
}

// WithAuditSink overrides the default relational audit sink.
func (b *Builder) WithAuditSink(sink audit.Sink) *Builder {
	b.auditSink = sink
	return b
}

// WithTokenStore overrides the default relational token store.
func (b *Builder) WithTokenStore(s token.Store) *Builder {
	b.tokenStore = s
	return b
}

// WithCacheTiers overrides the default tiers. Either may be nil.
func (b *Builder) WithCacheTiers(fast, durable cache.Tier) *Builder {
	b.fastTier = fast
	b.durableTier = durable
	return b
}

func (b *Builder) WithUserDirectory(d UserDirectory) *Builder {
	b.directory = d
	return b
}

func (b *Builder) WithLoginRecorder(r LoginRecorder) *Builder {
	b.logins = r
	return b
}

func (b *Builder) WithPasswordHasher(h PasswordHasher) *Builder {
	b.hasher = h
	return b
}

// WithAccessTokenIssuer configures access-token minting on login and
// rotation. Without an issuer, sessions carry only the refresh token.
func (b *Builder) WithAccessTokenIssuer(i AccessTokenIssuer) *Builder {
	b.issuer = i
	return b
}

// WithJWT configures the default jwt-subpackage issuer from signing
// material. Ignored when WithAccessTokenIssuer is also used.
func (b *Builder) WithJWT(cfg jwt.Config) *Builder {
	b.jwtConfig = &cfg
	return b
}

// Build validates the configuration, wires defaults for every collaborator
// not overridden, and starts the audit dispatcher.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	cfg := b.config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := b.log
	if log == nil {
		log = zap.NewNop()
	}

	tokenStore := b.tokenStore
	if tokenStore == nil {
		if b.pool == nil {
			return nil, errors.New("postgres pool required (or override the token store)")
		}
		tokenStore = store.NewTokenStore(b.pool, cfg.Store.OpTimeout)
	}

	directory := b.directory
	if directory == nil {
		if b.pool == nil {
			return nil, errors.New("postgres pool required (or override the user directory)")
		}
		directory = &storeDirectory{users: store.NewUserStore(b.pool, cfg.Store.OpTimeout)}
	}

	logins := b.logins
	if logins == nil && b.pool != nil {
		logins = &storeLoginRecorder{history: store.NewLoginHistoryStore(b.pool, cfg.Store.OpTimeout)}
	}

	fast := b.fastTier
	if fast == nil && b.redis != nil {
		fast = cache.NewFastTier(b.redis, cfg.Cache.KeyPrefix, cfg.Cache.OpTimeout)
	}
	durable := b.durableTier
	if durable == nil && b.pool != nil {
		durable = store.NewDurableTier(b.pool, cfg.Store.OpTimeout)
	}
	orchestrator, err := cache.NewOrchestrator(fast, durable, cache.OrchestratorConfig{
		RepairTimeout: cfg.Cache.RepairTimeout,
	}, log)
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if b.redis != nil {
		limiter = rate.New(b.redis, rate.Config{
			FailOpen:  cfg.Rate.FailOpen,
			OpTimeout: cfg.Rate.OpTimeout,
		}, log)
	}

	sink := b.auditSink
	if sink == nil && b.pool != nil {
		sink = store.NewAuditLogStore(b.pool, cfg.Store.OpTimeout)
	}
	dispatcher := audit.NewDispatcher(audit.Config{
		Enabled:       cfg.Audit.Enabled,
		BufferSize:    cfg.Audit.BufferSize,
		DropIfFull:    cfg.Audit.DropIfFull,
		RetryCritical: cfg.Audit.RetryCritical,
		EmitTimeout:   cfg.Audit.EmitTimeout,
	}, sink, log)

	hasher := b.hasher
	if hasher == nil {
		hasher, err = password.New(password.Config{
			Memory:      cfg.Password.Memory,
			Time:        cfg.Password.Time,
			Parallelism: cfg.Password.Parallelism,
			SaltLength:  cfg.Password.SaltLength,
			KeyLength:   cfg.Password.KeyLength,
		})
		if err != nil {
			return nil, err
		}
	}

	issuer := b.issuer
	if issuer == nil && b.jwtConfig != nil {
		jm, err := jwt.NewManager(*b.jwtConfig)
		if err != nil {
			return nil, err
		}
		issuer = jm
	}

	engine := &Engine{
		cfg:    cfg,
		log:    log,
		tokens: token.NewManager(tokenStore, token.Config{
			TTL:              cfg.Token.TTL,
			CleanupRetention: cfg.Token.CleanupRetention,
		}),
		cache:   orchestrator,
		limiter: limiter,
		audit:   dispatcher,
		users:   directory,
		logins:  logins,
		hasher:  hasher,
		issuer:  issuer,
		metrics: newMetrics(),
	}

	b.built = true
	return engine, nil
}
