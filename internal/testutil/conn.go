package testutil

import (
	"errors"
	"sync"

	"github.com/tokligence/enhance-gateway/internal/sse"
)

// RecordingConn is an sse.Conn that keeps every written event.
type RecordingConn struct {
	mu       sync.Mutex
	events   []sse.Event
	closed   bool
	failNext bool
	done     chan struct{}
	once     sync.Once
	// OnWrite runs after each successful write, outside the lock.
	OnWrite func(sse.Event)
}

// NewRecordingConn returns an open connection.
func NewRecordingConn() *RecordingConn {
	return &RecordingConn{done: make(chan struct{})}
}

func (c *RecordingConn) Write(ev sse.Event) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return sse.ErrClosed
	}
	if c.failNext {
		c.failNext = false
		c.mu.Unlock()
		return errors.New("broken pipe")
	}
	c.events = append(c.events, ev)
	hook := c.OnWrite
	c.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
	return nil
}

func (c *RecordingConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *RecordingConn) Done() <-chan struct{} { return c.done }

// Disconnect simulates the peer going away.
func (c *RecordingConn) Disconnect() { c.Close() }

// FailNextWrite makes the next Write return an error.
func (c *RecordingConn) FailNextWrite() {
	c.mu.Lock()
	c.failNext = true
	c.mu.Unlock()
}

// Closed reports whether Close was called.
func (c *RecordingConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Events returns a copy of the recorded events.
func (c *RecordingConn) Events() []sse.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sse.Event(nil), c.events...)
}

// Types returns the recorded event types in order.
func (c *RecordingConn) Types() []sse.EventType {
	events := c.Events()
	out := make([]sse.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// Last returns the most recent event, or a zero Event.
func (c *RecordingConn) Last() sse.Event {
	events := c.Events()
	if len(events) == 0 {
		return sse.Event{}
	}
	return events[len(events)-1]
}
