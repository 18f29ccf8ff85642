package testutil

import (
	"context"
	"sync/atomic"

	"github.com/tokligence/enhance-gateway/internal/backend"
)

// ScriptedBackend replays fixed chunks. It is deterministic and has no delay.
type ScriptedBackend struct {
	ID     string
	Up     bool
	Chunks []string
	// FailAfter, when set, ends the stream with this error after all chunks.
	FailAfter error
	// StartErr is returned from Stream itself.
	StartErr error
	// BeforeChunk runs in the producer goroutine before chunk i is sent.
	BeforeChunk func(i int)
	// BeforeFail runs before FailAfter is sent.
	BeforeFail func()

	probes  atomic.Int32
	streams atomic.Int32
	last    atomic.Pointer[backend.Request]
}

var _ backend.Backend = (*ScriptedBackend)(nil)

func (b *ScriptedBackend) Name() string { return b.ID }

func (b *ScriptedBackend) Available(ctx context.Context) bool {
	b.probes.Add(1)
	return b.Up
}

func (b *ScriptedBackend) EstimateTokens(text string) int { return backend.EstimateTokens(text) }

func (b *ScriptedBackend) Stream(ctx context.Context, req backend.Request) (<-chan backend.StreamEvent, error) {
	b.streams.Add(1)
	b.last.Store(&req)
	if b.StartErr != nil {
		return nil, b.StartErr
	}
	ch := make(chan backend.StreamEvent)
	go func() {
		defer close(ch)
		for i, text := range b.Chunks {
			if b.BeforeChunk != nil {
				b.BeforeChunk(i)
			}
			if !backend.Send(ctx, ch, backend.StreamEvent{Chunk: &backend.Chunk{Text: text, Tokens: backend.EstimateTokens(text)}}) {
				return
			}
		}
		if b.FailAfter != nil {
			if b.BeforeFail != nil {
				b.BeforeFail()
			}
			backend.Send(ctx, ch, backend.StreamEvent{Err: b.FailAfter})
		}
	}()
	return ch, nil
}

// Probes returns how many times Available was called.
func (b *ScriptedBackend) Probes() int { return int(b.probes.Load()) }

// Streams returns how many times Stream was called.
func (b *ScriptedBackend) Streams() int { return int(b.streams.Load()) }

// LastRequest returns the most recent request passed to Stream.
func (b *ScriptedBackend) LastRequest() *backend.Request { return b.last.Load() }
