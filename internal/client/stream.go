package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tokligence/enhance-gateway/internal/backend"
	"github.com/tokligence/enhance-gateway/internal/sse"
)

// StreamEvent is one decoded frame of a session stream. Exactly one payload field is set,
// matching Type.
type StreamEvent struct {
	Type      sse.EventType
	Connected *sse.ConnectedData
	Chunk     *sse.ChunkData
	Metadata  *sse.MetadataData
	Done      *sse.DoneData
	Error     *sse.ErrorData
	Cancelled *sse.CancelledData
}

// Stream opens the event stream of a session and calls fn for every frame until a terminal
// frame arrives, fn returns false, or ctx ends.
func (c *Client) Stream(ctx context.Context, id string, fn func(StreamEvent) bool) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/ai/stream/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: open stream %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	var decodeErr error
	err = backend.ReadSSE(ctx, resp.Body, func(msg backend.SSEMessage) bool {
		ev, err := decodeEvent(msg)
		if err != nil {
			decodeErr = err
			return false
		}
		if !fn(ev) {
			return false
		}
		return !ev.Type.Terminal()
	})
	if decodeErr != nil {
		return decodeErr
	}
	return err
}

func decodeEvent(msg backend.SSEMessage) (StreamEvent, error) {
	ev := StreamEvent{Type: sse.EventType(msg.Event)}
	var target any
	switch ev.Type {
	case sse.EventConnected:
		ev.Connected = &sse.ConnectedData{}
		target = ev.Connected
	case sse.EventChunk:
		ev.Chunk = &sse.ChunkData{}
		target = ev.Chunk
	case sse.EventMetadata:
		ev.Metadata = &sse.MetadataData{}
		target = ev.Metadata
	case sse.EventDone:
		ev.Done = &sse.DoneData{}
		target = ev.Done
	case sse.EventError:
		ev.Error = &sse.ErrorData{}
		target = ev.Error
	case sse.EventCancelled:
		ev.Cancelled = &sse.CancelledData{}
		target = ev.Cancelled
	default:
		return StreamEvent{}, fmt.Errorf("client: unknown event %q", msg.Event)
	}
	if err := json.Unmarshal([]byte(msg.Data), target); err != nil {
		return StreamEvent{}, fmt.Errorf("client: decode %s event: %w", ev.Type, err)
	}
	return ev, nil
}
