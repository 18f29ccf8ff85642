package ratelimit

import (
	"context"
	"io"
	"log"
)

// Store holds token buckets keyed by requester.
type Store interface {
	// Allow consumes one token for key and reports what is left.
	Allow(ctx context.Context, key string, capacity, refillRate float64) (allowed bool, remaining float64, err error)
	// Remaining reports tokens left for key without consuming any.
	Remaining(ctx context.Context, key string, capacity, refillRate float64) (float64, error)
	Reset(ctx context.Context, key string) error
	Close() error
}

// Limiter applies one per-requester limit over a pluggable store. Store failures never block
// a request.
type Limiter struct {
	store      Store
	capacity   float64
	refillRate float64
	logger     *log.Logger
}

// Config holds configuration for the rate limiter.
type Config struct {
	// Storage backend (optional, defaults to MemoryStore)
	Store Store

	RequestsPerSecond float64 // sustained rate
	BurstSize         float64 // burst capacity
	Logger            *log.Logger
}

// DefaultConfig allows ten requests per minute with a burst of ten, the limit applied to
// enhancement requests.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10.0 / 60.0,
		BurstSize:         10,
	}
}

// NewLimiter creates a new rate limiter with the given configuration.
func NewLimiter(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = def.BurstSize
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return &Limiter{
		store:      cfg.Store,
		capacity:   cfg.BurstSize,
		refillRate: cfg.RequestsPerSecond,
		logger:     cfg.Logger,
	}
}

// Allow consumes a token for key. An empty key or a store error allows the request.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, float64) {
	if key == "" {
		return true, l.capacity
	}
	allowed, remaining, err := l.store.Allow(ctx, key, l.capacity, l.refillRate)
	if err != nil {
		l.logger.Printf("[WARN] ratelimit: store error for %s, allowing: %v", key, err)
		return true, l.capacity
	}
	return allowed, remaining
}

// Remaining returns the tokens left for key, or the full capacity when unknown.
func (l *Limiter) Remaining(ctx context.Context, key string) float64 {
	if key == "" {
		return l.capacity
	}
	remaining, err := l.store.Remaining(ctx, key, l.capacity, l.refillRate)
	if err != nil {
		return l.capacity
	}
	return remaining
}

// Reset clears the bucket of key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Reset(ctx, key)
}

// Capacity returns the burst size.
func (l *Limiter) Capacity() float64 { return l.capacity }

// Close releases the store.
func (l *Limiter) Close() error {
	return l.store.Close()
}
