package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// Conn is one client connection able to receive frames.
type Conn interface {
	Write(ev Event) error
	Close() error
	// Done is closed when the peer goes away or the connection is closed locally.
	Done() <-chan struct{}
}

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("sse: connection closed")

// HTTPConn writes frames to an http.ResponseWriter.
type HTTPConn struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
	once    sync.Once
	closed  bool
}

// NewHTTPConn sets the event-stream headers and returns a connection bound to r's lifetime.
func NewHTTPConn(w http.ResponseWriter, r *http.Request) (*HTTPConn, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("sse: response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	c := &HTTPConn{w: w, flusher: flusher, done: make(chan struct{})}
	go func() {
		select {
		case <-r.Context().Done():
			c.markDone()
		case <-c.done:
		}
	}()
	return c, nil
}

// Write encodes ev as "event: <type>\ndata: <json>\n\n" and flushes.
func (c *HTTPConn) Write(ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("sse: encode %s: %w", ev.Type, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, err := fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return fmt.Errorf("sse: write %s: %w", ev.Type, err)
	}
	c.flusher.Flush()
	return nil
}

// Close stops further writes. The HTTP handler returning ends the response.
func (c *HTTPConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.markDone()
	return nil
}

func (c *HTTPConn) Done() <-chan struct{} { return c.done }

func (c *HTTPConn) markDone() {
	c.once.Do(func() { close(c.done) })
}
