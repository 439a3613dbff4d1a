package summary

import (
	"errors"
	"fmt"
)

// Status of the summary
type Status int

const (
	StatusIdle Status = iota
	StatusStreaming
	StatusDone
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusStreaming:
		return "streaming"
	case StatusDone:
		return "done"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// EndSentinel is the data payload the summary service sends as its last message
const EndSentinel = "event: end"

// endEvent is the SSE event name that also ends the stream
const endEvent = "end"

var (
	ErrClosed            = errors.New("summary: stream closed")
	ErrStreaming         = errors.New("summary: stream in progress")
	ErrEmptyTranscript   = errors.New("summary: transcript is empty")
	ErrNotEditing        = errors.New("summary: not editing")
	ErrStreamClosed      = errors.New("summary: stream ended without end marker")
	ErrFirstChunkTimeout = errors.New("summary: no response before first-chunk timeout")
)

// Error is a failed stream. Text received before the failure is kept.
type Error struct {
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("summary stream failed: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// EventKind identifies a stream event
type EventKind int

const (
	EventChunk      EventKind = iota // Text holds the new chunk
	EventDone                        // Text holds the full summary
	EventError                       // Err is a *Error
	EventCancelled                   // stream closed by the user
	EventSaved                       // Text holds the saved content
	EventSaveFailed                  // Err holds the persistence error
)

// Event is delivered on Stream.Events in the order things happen
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// Snapshot is a copy of the stream's state
type Snapshot struct {
	Status   Status
	Text     string
	Feedback string
	Editing  bool
	Err      error
}

// Request is what a Source needs to open a summary stream
type Request struct {
	MeetingID  string
	Feedback   string
	Transcript string
}
