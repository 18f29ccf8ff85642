package sse

// EventType names a frame on the client stream.
type EventType string

const (
	EventConnected EventType = "connected"
	EventChunk     EventType = "chunk"
	EventMetadata  EventType = "metadata"
	EventDone      EventType = "done"
	EventError     EventType = "error"
	EventCancelled EventType = "cancelled"
)

// Terminal reports whether t ends a stream.
func (t EventType) Terminal() bool {
	return t == EventDone || t == EventError || t == EventCancelled
}

// Error codes carried by error events.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeBackendUnavailable = "BACKEND_UNAVAILABLE"
	CodeBackendError       = "BACKEND_ERROR"
	CodeError              = "ERROR"
)

// CancelledMessage is sent with every cancelled event.
const CancelledMessage = "Session cancelled by user"

// Event is one frame: a type plus its JSON payload.
type Event struct {
	Type EventType
	Data any
}

type ConnectedData struct {
	SessionID string `json:"sessionId"`
}

type ChunkData struct {
	Text   string `json:"text"`
	Tokens int    `json:"tokens"`
}

type MetadataData struct {
	TotalTokens int    `json:"totalTokens"`
	Status      string `json:"status"`
}

type UsageData struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	Cost         float64 `json:"cost"`
}

type DoneData struct {
	SessionID   string    `json:"sessionId"`
	TotalTokens int       `json:"totalTokens"`
	Usage       UsageData `json:"usage"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type CancelledData struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

func Connected(sessionID string) Event {
	return Event{Type: EventConnected, Data: ConnectedData{SessionID: sessionID}}
}

func Chunk(text string, tokens int) Event {
	return Event{Type: EventChunk, Data: ChunkData{Text: text, Tokens: tokens}}
}

// Metadata reports running totals while generation is in progress.
func Metadata(totalTokens int) Event {
	return Event{Type: EventMetadata, Data: MetadataData{TotalTokens: totalTokens, Status: "generating"}}
}

func Done(sessionID string, totalTokens int, usage UsageData) Event {
	return Event{Type: EventDone, Data: DoneData{SessionID: sessionID, TotalTokens: totalTokens, Usage: usage}}
}

func Error(code, message string) Event {
	return Event{Type: EventError, Data: ErrorData{Code: code, Message: message}}
}

func Cancelled(sessionID string) Event {
	return Event{Type: EventCancelled, Data: CancelledData{SessionID: sessionID, Message: CancelledMessage}}
}
