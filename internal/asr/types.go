package asr

import (
	"context"
	"errors"
	"fmt"
)

// State is the lifecycle state of a transcription channel
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Segment is one recognition update.
// Interim segments supersede the previous interim text of the utterance in progress.
type Segment struct {
	Text    string
	Final   bool
	SegID   int
	Speaker string // provider role label, empty unless role separation is enabled
}

// EventKind discriminates Event
type EventKind int

const (
	EventSegment EventKind = iota
	EventState
	EventError
)

// Event is delivered on Channel.Events in receipt order
type Event struct {
	Kind    EventKind
	Segment Segment
	State   State
	Err     error
}

// Channel streams audio frames to an ASR provider and delivers recognized segments.
//
// Idle -> Connecting -> Open -> Closing -> Closed. A transport error in any
// state moves straight to Closed and is reported exactly once as an
// EventError carrying a *ChannelError. Connect may be called again from
// Idle or Closed; there is no automatic reconnect.
type Channel interface {
	// Connect opens the provider connection and blocks until it is Open or failed.
	Connect(ctx context.Context) error
	// SendFrame forwards one PCM frame. Frames outside Open are dropped; the
	// return value reports whether the frame was sent.
	SendFrame(frame []byte) bool
	// SendEndMarker signals end of audio and moves the channel to Closing.
	SendEndMarker() error
	// Events is closed by Close.
	Events() <-chan Event
	State() State
	// Close tears the connection down for good without reporting an error.
	Close() error
}

// Error ops
const (
	OpHandshake = "handshake"
	OpTransport = "transport"
	OpProvider  = "provider"
)

// ChannelError is a connection-level failure that closed the channel
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("asr %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

var (
	// ErrDecode wraps single-message decode failures; they never close the channel
	ErrDecode = errors.New("asr: decode")
	// ErrNotOpen is returned by operations that need an Open channel
	ErrNotOpen = errors.New("asr: channel not open")
	// ErrBusy is returned by Connect when a connection is already live
	ErrBusy = errors.New("asr: connection already active")
	// ErrClosed is returned by Connect after Close
	ErrClosed = errors.New("asr: channel closed")
)
