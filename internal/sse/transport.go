package sse

import (
	"io"
	"log"
	"sync"
)

// Transport tracks the open client connection of each streaming session.
type Transport struct {
	mu      sync.RWMutex
	streams map[string]*stream
	logger  *log.Logger
}

type stream struct {
	mu     sync.Mutex
	conn   Conn
	closed bool
	gone   chan struct{}
	once   sync.Once
}

func (s *stream) release() {
	s.once.Do(func() { close(s.gone) })
}

// NewTransport creates an empty registry.
func NewTransport(logger *log.Logger) *Transport {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Transport{streams: make(map[string]*stream), logger: logger}
}

// Open registers conn for sessionID and sends the connected event. The returned channel is
// closed once the connection is deregistered for any reason. A connection already tracked for
// the same session is closed and replaced.
func (t *Transport) Open(sessionID string, conn Conn) <-chan struct{} {
	st := &stream{conn: conn, gone: make(chan struct{})}

	t.mu.Lock()
	prev := t.streams[sessionID]
	t.streams[sessionID] = st
	t.mu.Unlock()

	if prev != nil {
		t.logger.Printf("[WARN] sse: replacing open stream for session %s", sessionID)
		prev.mu.Lock()
		prev.closed = true
		prev.mu.Unlock()
		_ = prev.conn.Close()
		prev.release()
	}

	go func() {
		select {
		case <-conn.Done():
			if t.detach(sessionID, st) {
				t.logger.Printf("sse: client disconnected from session %s", sessionID)
			}
		case <-st.gone:
		}
	}()

	t.Send(sessionID, Connected(sessionID))
	return st.gone
}

// Send writes ev to the session's connection. Untracked sessions are ignored; a failed write
// deregisters the connection.
func (t *Transport) Send(sessionID string, ev Event) {
	st := t.lookup(sessionID)
	if st == nil {
		return
	}
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	err := st.conn.Write(ev)
	st.mu.Unlock()
	if err != nil {
		t.logger.Printf("[WARN] sse: send %s to session %s failed: %v", ev.Type, sessionID, err)
		t.detach(sessionID, st)
	}
}

// IsActive reports whether a connection is tracked for the session.
func (t *Transport) IsActive(sessionID string) bool {
	return t.lookup(sessionID) != nil
}

// CloseWithTerminal sends a final event, then closes and deregisters the connection. It reports
// whether a tracked connection existed; later calls are no-ops.
func (t *Transport) CloseWithTerminal(sessionID string, ev Event) bool {
	t.mu.Lock()
	st := t.streams[sessionID]
	if st != nil {
		delete(t.streams, sessionID)
	}
	t.mu.Unlock()
	if st == nil {
		return false
	}

	st.mu.Lock()
	if !st.closed {
		st.closed = true
		if err := st.conn.Write(ev); err != nil {
			t.logger.Printf("[WARN] sse: send %s to session %s failed: %v", ev.Type, sessionID, err)
		}
	}
	st.mu.Unlock()
	if err := st.conn.Close(); err != nil {
		t.logger.Printf("[WARN] sse: close session %s: %v", sessionID, err)
	}
	st.release()
	return true
}

// Remove deregisters the session without writing.
func (t *Transport) Remove(sessionID string) {
	t.mu.Lock()
	st := t.streams[sessionID]
	if st != nil {
		delete(t.streams, sessionID)
	}
	t.mu.Unlock()
	if st == nil {
		return
	}
	st.mu.Lock()
	st.closed = true
	st.mu.Unlock()
	_ = st.conn.Close()
	st.release()
}

// Emit writes one frame to a connection that was never registered.
func (t *Transport) Emit(conn Conn, ev Event) {
	if err := conn.Write(ev); err != nil {
		t.logger.Printf("[WARN] sse: emit %s failed: %v", ev.Type, err)
	}
}

// Replay writes the connected event and ev to conn, then closes it. The connection is not
// tracked and any stream registered for sessionID is left alone.
func (t *Transport) Replay(sessionID string, conn Conn, ev Event) {
	t.Emit(conn, Connected(sessionID))
	t.Emit(conn, ev)
	if err := conn.Close(); err != nil {
		t.logger.Printf("[WARN] sse: close replay for session %s: %v", sessionID, err)
	}
}

// Active returns the number of tracked connections.
func (t *Transport) Active() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.streams)
}

func (t *Transport) lookup(sessionID string) *stream {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.streams[sessionID]
}

// detach removes st if it is still the tracked stream for the session.
func (t *Transport) detach(sessionID string, st *stream) bool {
	t.mu.Lock()
	cur := t.streams[sessionID]
	removed := cur == st
	if removed {
		delete(t.streams, sessionID)
	}
	t.mu.Unlock()
	if removed {
		st.mu.Lock()
		st.closed = true
		st.mu.Unlock()
		st.release()
	}
	return removed
}
