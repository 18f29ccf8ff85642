package session

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// FallbackStore serves sessions from a primary store while it is reachable and from a local
// MemoryStore otherwise. Callers never learn which side served a call.
//
// Every record read from or written to the primary is mirrored locally, so sessions in flight
// when the primary drops keep working from their last known state. Sessions written locally
// during an outage stay local until they expire, even after the primary recovers.
type FallbackStore struct {
	primary   Store
	local     *MemoryStore
	logger    *log.Logger
	interval  time.Duration
	connected atomic.Bool

	mu         sync.Mutex
	localOwned map[string]struct{}
}

// FallbackConfig configures a FallbackStore.
type FallbackConfig struct {
	ProbeInterval time.Duration // default 10s
	Logger        *log.Logger
}

// NewFallbackStore wraps primary with local. The store starts in the connected state; call
// CheckPrimary to probe before serving traffic.
func NewFallbackStore(primary Store, local *MemoryStore, cfg FallbackConfig) *FallbackStore {
	if local == nil {
		local = NewMemoryStore()
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	f := &FallbackStore{
		primary:    primary,
		local:      local,
		logger:     cfg.Logger,
		interval:   cfg.ProbeInterval,
		localOwned: make(map[string]struct{}),
	}
	f.connected.Store(true)
	return f
}

// Connected reports whether calls are currently routed to the primary.
func (f *FallbackStore) Connected() bool { return f.connected.Load() }

// CheckPrimary pings the primary and updates the connectivity flag.
func (f *FallbackStore) CheckPrimary(ctx context.Context) bool {
	err := f.primary.Ping(ctx)
	if err != nil {
		if f.connected.Swap(false) {
			f.logger.Printf("[WARN] session store: primary unreachable, using in-memory store: %v", err)
		}
		return false
	}
	if !f.connected.Swap(true) {
		f.logger.Printf("[INFO] session store: primary reachable again")
	}
	return true
}

// Run probes the primary every interval until ctx is done.
func (f *FallbackStore) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.CheckPrimary(ctx)
			f.sweep()
		}
	}
}

// Create persists on the primary, falling back to memory on connectivity errors.
func (f *FallbackStore) Create(ctx context.Context, in NewSession) (*Session, error) {
	if f.connected.Load() {
		sess, err := f.primary.Create(ctx, in)
		if err == nil {
			f.local.Put(sess)
			return sess, nil
		}
		f.degrade("create", err)
	}
	sess, err := f.local.Create(ctx, in)
	if err == nil {
		f.own(sess.ID)
	}
	return sess, err
}

// Get reads from the primary unless the session is locally owned.
func (f *FallbackStore) Get(ctx context.Context, id string) (*Session, error) {
	return f.route(ctx, "get", id, f.primary.Get, f.local.Get)
}

// Update writes through the primary unless the session is locally owned.
func (f *FallbackStore) Update(ctx context.Context, id string, patch Patch) (*Session, error) {
	op := func(st Store) storeOp {
		return func(ctx context.Context, id string) (*Session, error) { return st.Update(ctx, id, patch) }
	}
	return f.route(ctx, "update", id, op(f.primary), op(f.local))
}

// Cancel cancels through the primary unless the session is locally owned.
func (f *FallbackStore) Cancel(ctx context.Context, id string) (*Session, error) {
	return f.route(ctx, "cancel", id, f.primary.Cancel, f.local.Cancel)
}

type storeOp func(ctx context.Context, id string) (*Session, error)

func (f *FallbackStore) route(ctx context.Context, name, id string, primary, local storeOp) (*Session, error) {
	if f.connected.Load() && !f.owned(id) {
		sess, err := primary(ctx, id)
		if err == nil {
			f.local.Put(sess)
			return sess, nil
		}
		if !f.isConnectivityError(err) {
			return nil, err
		}
		f.degrade(name, err)
	}
	sess, err := local(ctx, id)
	if err == nil && name != "get" {
		f.own(id)
	}
	return sess, err
}

func (f *FallbackStore) own(id string) {
	f.mu.Lock()
	f.localOwned[id] = struct{}{}
	f.mu.Unlock()
}

func (f *FallbackStore) owned(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.localOwned[id]
	return ok
}

// sweep drops expired local records and forgets ownership of sessions that are gone.
func (f *FallbackStore) sweep() {
	f.local.CleanupExpired()
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range f.localOwned {
		if !f.local.Has(id) {
			delete(f.localOwned, id)
		}
	}
}

// Ping succeeds when either side can serve requests; the local side always can.
func (f *FallbackStore) Ping(ctx context.Context) error {
	if !f.connected.Load() {
		return nil
	}
	return f.primary.Ping(ctx)
}

func (f *FallbackStore) isConnectivityError(err error) bool {
	return !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrInvalidTransition)
}

func (f *FallbackStore) degrade(op string, err error) {
	if f.connected.Swap(false) {
		f.logger.Printf("[WARN] session store: %s failed on primary, switching to in-memory store: %v", op, err)
	}
}
