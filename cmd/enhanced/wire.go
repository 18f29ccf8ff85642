package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"

	"github.com/tokligence/enhance-gateway/internal/auth"
	"github.com/tokligence/enhance-gateway/internal/backend"
	"github.com/tokligence/enhance-gateway/internal/backend/anthropic"
	"github.com/tokligence/enhance-gateway/internal/backend/gemini"
	"github.com/tokligence/enhance-gateway/internal/backend/mock"
	"github.com/tokligence/enhance-gateway/internal/backend/openai"
	"github.com/tokligence/enhance-gateway/internal/config"
	"github.com/tokligence/enhance-gateway/internal/enhance"
	"github.com/tokligence/enhance-gateway/internal/fieldctx"
	"github.com/tokligence/enhance-gateway/internal/health"
	"github.com/tokligence/enhance-gateway/internal/ledger"
	"github.com/tokligence/enhance-gateway/internal/ledger/async"
	"github.com/tokligence/enhance-gateway/internal/ledger/postgres"
	"github.com/tokligence/enhance-gateway/internal/ledger/sqlite"
	"github.com/tokligence/enhance-gateway/internal/metrics"
	"github.com/tokligence/enhance-gateway/internal/prompt"
	"github.com/tokligence/enhance-gateway/internal/ratelimit"
	"github.com/tokligence/enhance-gateway/internal/session"
	"github.com/tokligence/enhance-gateway/internal/sse"
)

// daemon holds everything main needs to serve and to shut down.
type daemon struct {
	service *enhance.Service
	auth    *auth.Manager
	limiter *ratelimit.Limiter
	health  *health.Checker
	metrics *metrics.Collector

	closers []func() error
}

// Close releases the ledger, the limiter and the redis client, collecting every failure.
func (d *daemon) Close() error {
	var result *multierror.Error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func wire(ctx context.Context, cfg config.Config, logger *log.Logger) (*daemon, error) {
	d := &daemon{metrics: metrics.NewCollector()}

	store, locker, rlStore, degraded, err := d.sessionStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	backends := []backend.Backend{
		openai.New(openai.Config{
			APIKey:         cfg.OpenAIAPIKey,
			BaseURL:        cfg.OpenAIBaseURL,
			Model:          cfg.OpenAIModel,
			RequestTimeout: cfg.BackendTimeout,
			Logger:         logger,
		}),
		anthropic.New(anthropic.Config{
			APIKey:         cfg.ClaudeAPIKey,
			BaseURL:        cfg.ClaudeBaseURL,
			Model:          cfg.ClaudeModel,
			Version:        cfg.ClaudeVersion,
			RequestTimeout: cfg.BackendTimeout,
			Logger:         logger,
		}),
		gemini.New(gemini.Config{
			APIKey:         cfg.GeminiAPIKey,
			BaseURL:        cfg.GeminiBaseURL,
			Model:          cfg.GeminiModel,
			RequestTimeout: cfg.BackendTimeout,
			Logger:         logger,
		}),
		mock.New(mock.Config{Enabled: cfg.UseMockBackend || cfg.ForceMockBackend, ChunkDelay: cfg.MockChunkDelay}),
	}
	selector, err := backend.NewSelector(backend.SelectorConfig{
		Backends:       backends,
		Default:        cfg.DefaultBackend,
		Fallbacks:      cfg.FallbackBackends,
		StandIn:        mock.Name,
		StandInEnabled: cfg.UseMockBackend,
		ForceStandIn:   cfg.ForceMockBackend,
		Logger:         logger,
	})
	if err != nil {
		d.Close()
		return nil, err
	}

	usage, err := d.openLedger(cfg, logger)
	if err != nil {
		d.Close()
		return nil, err
	}

	pricing := enhance.DefaultPricing()
	if cfg.PricingFile != "" {
		if pricing, err = enhance.LoadPricing(cfg.PricingFile); err != nil {
			d.Close()
			return nil, err
		}
	}

	var extra []fieldctx.PIIPattern
	if cfg.PIIPatternsFile != "" {
		if extra, err = fieldctx.LoadPIIPatterns(cfg.PIIPatternsFile); err != nil {
			d.Close()
			return nil, err
		}
	}

	d.service, err = enhance.New(enhance.Config{
		Store:       store,
		Locker:      locker,
		Selector:    selector,
		Transport:   sse.NewTransport(logger),
		Assembler:   fieldctx.NewAssembler(fieldctx.StaticLookup{}, fieldctx.NewSanitizer(extra), logger),
		Builder:     prompt.NewBuilder(),
		Pricing:     pricing,
		Ledger:      usage,
		Metrics:     d.metrics,
		Logger:      logger,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		LockTTL:     cfg.StreamLockTTL,
	})
	if err != nil {
		d.Close()
		return nil, err
	}

	hc := health.Config{Store: store, StoreDegraded: degraded, Backends: backends}
	if usage != nil {
		hc.Ledger = usage
	}
	d.health = health.New(hc)

	if cfg.RateLimitEnabled {
		d.limiter = ratelimit.NewLimiter(ratelimit.Config{
			Store:             rlStore,
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
			Logger:            logger,
		})
		d.closers = append(d.closers, d.limiter.Close)
	} else {
		rlStore.Close()
	}

	if !cfg.AuthDisabled {
		if d.auth, err = auth.NewManager(cfg.AuthSecret); err != nil {
			d.Close()
			return nil, err
		}
	}
	return d, nil
}

// sessionStore builds the session store, its stream locker and the rate limit store. With the
// redis backend the store falls back to memory while redis is unreachable.
func (d *daemon) sessionStore(ctx context.Context, cfg config.Config, logger *log.Logger) (session.Store, session.Locker, ratelimit.Store, func() bool, error) {
	if cfg.StoreBackend == config.StoreMemory {
		logger.Printf("[INFO] session store: in-memory")
		return session.NewMemoryStore(), session.NewMemoryLocker(), ratelimit.NewMemoryStore(), nil, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.RedisDB != 0 {
		opts.DB = cfg.RedisDB
	}
	client := redis.NewClient(opts)
	d.closers = append(d.closers, client.Close)

	primary := session.NewRedisStore(client, session.RedisConfig{KeyPrefix: cfg.RedisKeyPrefix, TTL: cfg.SessionTTL})
	fb := session.NewFallbackStore(primary, session.NewMemoryStore(session.WithMemoryTTL(cfg.SessionTTL)), session.FallbackConfig{
		ProbeInterval: cfg.StoreProbeInterval,
		Logger:        logger,
	})
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if fb.CheckPrimary(probeCtx) {
		logger.Printf("[INFO] session store: redis at %s", opts.Addr)
	}
	cancel()
	go fb.Run(ctx)

	locker := session.NewFallbackLocker(fb, session.NewRedisLocker(client, cfg.RedisKeyPrefix), session.NewMemoryLocker())
	degraded := func() bool { return !fb.Connected() }
	return fb, locker, ratelimit.NewRedisStore(client, cfg.RedisKeyPrefix), degraded, nil
}

// openLedger opens the usage ledger. An empty DSN disables usage recording.
func (d *daemon) openLedger(cfg config.Config, logger *log.Logger) (ledger.Store, error) {
	if cfg.LedgerDSN == "" {
		logger.Printf("[WARN] usage ledger disabled")
		return nil, nil
	}

	var (
		store ledger.Store
		err   error
	)
	if cfg.LedgerIsPostgres() {
		store, err = postgres.New(cfg.LedgerDSN, postgres.PoolConfig{
			MaxOpen:     cfg.LedgerMaxOpenConns,
			MaxIdle:     cfg.LedgerMaxIdleConns,
			MaxLifetime: cfg.LedgerConnMaxLifetime,
		})
	} else {
		store, err = sqlite.New(cfg.LedgerDSN)
	}
	if err != nil {
		return nil, fmt.Errorf("open usage ledger: %w", err)
	}
	if cfg.LedgerAsync {
		store = async.New(store, async.Config{Logger: logger})
	}
	d.closers = append(d.closers, store.Close)
	return store, nil
}
