package async

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/tokligence/enhance-gateway/internal/ledger"
)

// Store wraps a ledger.Store with asynchronous batch writes.
// Entries are queued in memory and written in batches off the request path.
// WARNING: Entries may be lost if the process crashes before flushing.
type Store struct {
	underlying    ledger.Store
	entryChan     chan ledger.Entry
	batchSize     int
	flushInterval time.Duration
	wg            sync.WaitGroup
	mu            sync.RWMutex
	closed        bool
	logger        *log.Logger
}

// Config configures the async ledger behavior.
type Config struct {
	BatchSize     int           // Maximum entries per batch (default: 100)
	FlushInterval time.Duration // Maximum time between flushes (default: 1s)
	ChannelBuffer int           // Channel buffer size (default: 10000)
	NumWorkers    int           // Number of parallel batch writers (default: 1)
	Logger        *log.Logger
}

// New wraps an existing ledger store with async batch writing.
func New(underlying ledger.Store, cfg Config) *Store {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 1 * time.Second
	}
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = 10000
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}

	s := &Store{
		underlying:    underlying,
		entryChan:     make(chan ledger.Entry, cfg.ChannelBuffer),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		logger:        cfg.Logger,
	}

	for i := 0; i < cfg.NumWorkers; i++ {
		s.wg.Add(1)
		go s.batchWriter(i)
	}

	s.logger.Printf("[async-ledger] started %d worker(s), batch_size=%d, flush_interval=%v, buffer=%d",
		cfg.NumWorkers, cfg.BatchSize, cfg.FlushInterval, cfg.ChannelBuffer)
	return s
}

// batchWriter drains the queue until it is closed, writing entries in batches.
func (s *Store) batchWriter(workerID int) {
	defer s.wg.Done()

	batch := make([]ledger.Entry, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx := context.Background()
		failed := 0
		for _, entry := range batch {
			if err := s.underlying.Record(ctx, entry); err != nil {
				failed++
				s.logger.Printf("[async-ledger] worker-%d ERROR writing session %s: %v", workerID, entry.SessionID, err)
			}
		}
		if failed > 0 {
			s.logger.Printf("[async-ledger] worker-%d flushed %d/%d entries", workerID, len(batch)-failed, len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-s.entryChan:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Record validates and queues an entry without blocking. A full queue drops the entry.
func (s *Store) Record(ctx context.Context, entry ledger.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return s.underlying.Record(ctx, entry)
	}
	select {
	case s.entryChan <- entry:
	default:
		s.logger.Printf("[async-ledger] WARNING: channel full, dropping entry for session %s", entry.SessionID)
	}
	return nil
}

// Summary delegates to the underlying store.
func (s *Store) Summary(ctx context.Context, ownerID string) (ledger.Summary, error) {
	return s.underlying.Summary(ctx, ownerID)
}

// ListRecent delegates to the underlying store.
func (s *Store) ListRecent(ctx context.Context, ownerID string, limit int) ([]ledger.Entry, error) {
	return s.underlying.ListRecent(ctx, ownerID, limit)
}

// Ping delegates to the underlying store.
func (s *Store) Ping(ctx context.Context) error {
	return s.underlying.Ping(ctx)
}

// Flush is a synchronisation point for tests and shutdown: it closes the queue, waits for the
// workers to drain it, and switches Record to synchronous writes.
func (s *Store) Flush() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.entryChan)
	s.mu.Unlock()
	s.wg.Wait()
}

// Close flushes remaining entries and closes the underlying store.
func (s *Store) Close() error {
	s.Flush()
	return s.underlying.Close()
}
