package session

import (
	"errors"

	"github.com/meetsynth/transcribe-gateway/internal/transcript"
)

var (
	ErrRecording         = errors.New("session: recording in progress")
	ErrNotRecording      = errors.New("session: not recording")
	ErrClosed            = errors.New("session: closed")
	ErrStopped           = errors.New("session: recording stopped before it started")
	ErrTranscriptChanged = errors.New("session: transcript changed during role separation")
)

// RecordingState is the controller's view of the record pipeline
type RecordingState int

const (
	RecordingIdle RecordingState = iota
	RecordingConnecting
	RecordingActive
	RecordingStopping
)

func (s RecordingState) String() string {
	switch s {
	case RecordingIdle:
		return "idle"
	case RecordingConnecting:
		return "connecting"
	case RecordingActive:
		return "recording"
	case RecordingStopping:
		return "stopping"
	}
	return "unknown"
}

// EventKind names a session event
type EventKind string

const (
	EventLoaded           EventKind = "loaded"     // Segments and Text (saved summary) restored
	EventRecording        EventKind = "recording"  // State changed
	EventInterim          EventKind = "interim"    // Text is the provisional utterance
	EventTranscript       EventKind = "transcript" // Segments is the full sequence
	EventSummaryChunk     EventKind = "summary_chunk"
	EventSummaryDone      EventKind = "summary_done"
	EventSummaryError     EventKind = "summary_error" // Text keeps the partial summary
	EventSummaryCancelled EventKind = "summary_cancelled"
	EventSaved            EventKind = "saved" // Saved is "recording" or "summary"
	EventError            EventKind = "error" // Source says which part failed
)

// Error sources
const (
	SourceCapture     = "capture"
	SourceChannel     = "channel"
	SourcePersistence = "persistence"
	SourceSummary     = "summary"
	SourceLock        = "lock"
)

// Saved kinds
const (
	SavedRecording = "recording"
	SavedSummary   = "summary"
)

// Event is one notification for the client driving the session
type Event struct {
	Kind     EventKind
	State    RecordingState
	Text     string
	Segments []transcript.Segment
	Saved    string
	Source   string
	Err      error
}

// Snapshot is a copy of the whole session state
type Snapshot struct {
	State         RecordingState
	Segments      []transcript.Segment
	Interim       string
	Summary       string
	SummaryStatus string
	SummaryEdit   bool
}
