package relay

import "fmt"

// EventKind enumerates the closed set of client-facing event kinds. Adding a
// kind requires updating every switch below; there is no string dispatch.
type EventKind int

const (
	EventChunk EventKind = iota
	EventConfig
	EventDone
	EventError
	EventStopped
)

// String returns the wire name used on the SSE "event:" line.
func (k EventKind) String() string {
	switch k {
	case EventChunk:
		return "chunk"
	case EventConfig:
		return "config"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	case EventStopped:
		return "stopped"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// ChunkPayload carries one forwarded text increment.
type ChunkPayload struct {
	Text string `json:"text"`
}

// ConfigPayload is emitted once after the upstream stream ends normally,
// always before done.
type ConfigPayload struct {
	Model         string `json:"model"`
	SessionID     string `json:"sessionId"`
	RequestTimeMs int64  `json:"requestTimeMs"`
	TokenEstimate int    `json:"tokenEstimate"`
}

// DonePayload is the last event on any non-abrupt termination.
type DonePayload struct {
	Completed     bool  `json:"completed"`
	RequestTimeMs int64 `json:"requestTimeMs"`
	Error         bool  `json:"error,omitempty"`
}

// ErrorPayload reports a genuine failure. Cancellation is never reported
// through this payload.
type ErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// StoppedPayload is the distinct terminal signal for user or connection
// cancellation, so clients never render a stop as an error.
type StoppedPayload struct {
	Reason string `json:"reason"`
}

// Event is one client-facing event: a kind plus its matching payload.
type Event struct {
	Kind    EventKind
	Payload any
}

func Chunk(text string) Event     { return Event{Kind: EventChunk, Payload: ChunkPayload{Text: text}} }
func Config(p ConfigPayload) Event { return Event{Kind: EventConfig, Payload: p} }
func Done(p DonePayload) Event     { return Event{Kind: EventDone, Payload: p} }
func Stopped(reason string) Event {
	return Event{Kind: EventStopped, Payload: StoppedPayload{Reason: reason}}
}
func Error(msg, code string) Event {
	return Event{Kind: EventError, Payload: ErrorPayload{Error: msg, Code: code}}
}
