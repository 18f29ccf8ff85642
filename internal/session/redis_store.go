package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps sessions as JSON documents in Redis.
//
// Key structure:
//
//	{prefix}session:{sessionID} -> JSON(Session), expiring after the configured TTL
//
// Updates keep the remaining TTL so a long stream cannot extend a session's lifetime.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	newID     IDFunc
	now       Clock
}

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	KeyPrefix string        // optional, e.g. "enhance:"
	TTL       time.Duration // default 1h
	NewID     IDFunc
	Clock     Clock
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, cfg RedisConfig) *RedisStore {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.NewID == nil {
		cfg.NewID = defaultID
	}
	if cfg.Clock == nil {
		cfg.Clock = defaultClock
	}
	return &RedisStore{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		ttl:       cfg.TTL,
		newID:     cfg.NewID,
		now:       cfg.Clock,
	}
}

func (s *RedisStore) key(id string) string {
	return s.keyPrefix + "session:" + id
}

// Create persists a new pending session with the configured TTL.
func (s *RedisStore) Create(ctx context.Context, in NewSession) (*Session, error) {
	rec := newRecord(s.newID(), in, s.now())
	if err := s.write(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get loads and decodes the session.
func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	return s.load(ctx, s.client, id)
}

// Update applies patch inside a WATCH transaction, so a concurrent cancel from another process
// is never overwritten.
func (s *RedisStore) Update(ctx context.Context, id string, patch Patch) (*Session, error) {
	return s.modify(ctx, id, func(sess *Session) (bool, error) {
		return true, patch.apply(sess, s.now())
	})
}

// Cancel marks the session cancelled unless it is already terminal.
func (s *RedisStore) Cancel(ctx context.Context, id string) (*Session, error) {
	return s.modify(ctx, id, func(sess *Session) (bool, error) {
		return cancelRecord(sess, s.now())
	})
}

// maxTxRetries bounds optimistic retries when the key changes under WATCH.
const maxTxRetries = 8

func (s *RedisStore) modify(ctx context.Context, id string, fn func(*Session) (bool, error)) (*Session, error) {
	key := s.key(id)
	var out *Session
	txf := func(tx *redis.Tx) error {
		sess, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		changed, err := fn(sess)
		if err != nil {
			return err
		}
		out = sess
		if !changed {
			return nil
		}
		data, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("session: encode %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, redis.KeepTTL)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("session: update %s: too many concurrent writers", id)
}

func (s *RedisStore) load(ctx context.Context, c redis.Cmdable, id string) (*Session, error) {
	data, err := c.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: redis get: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", id, err)
	}
	return &sess, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) write(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", sess.ID, err)
	}
	if err := s.client.Set(ctx, s.key(sess.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("session: redis set: %w", err)
	}
	return nil
}
