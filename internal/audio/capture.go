package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Frame is one fixed-size chunk of 16-bit mono PCM.
// Last is set on exactly one frame, the final one before Stop returns.
type Frame struct {
	Data []byte
	Last bool
}

// ErrorKind classifies capture failures
type ErrorKind int

const (
	PermissionDenied ErrorKind = iota
	DeviceUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case PermissionDenied:
		return "permission denied"
	case DeviceUnavailable:
		return "device unavailable"
	default:
		return "unknown"
	}
}

// CaptureError is returned by Start when the input cannot be opened
type CaptureError struct {
	Kind ErrorKind
	Err  error
}

func (e *CaptureError) Error() string {
	if e.Err == nil {
		return "capture: " + e.Kind.String()
	}
	return fmt.Sprintf("capture: %s: %v", e.Kind, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// IsPermissionDenied reports whether err is a capture permission failure
func IsPermissionDenied(err error) bool {
	var ce *CaptureError
	return errors.As(err, &ce) && ce.Kind == PermissionDenied
}

var (
	// ErrAlreadyStarted is returned when Start is called twice on one source
	ErrAlreadyStarted = errors.New("capture already started")
	// ErrNotStarted is returned when writing to a push source that is not running
	ErrNotStarted = errors.New("capture not started")
)

// CaptureSource produces PCM frames from one audio input.
//
// Frames are delivered in capture order on Frames(); the channel is closed
// after the Last frame. Stop is idempotent and blocks until the Last frame
// has been handed to the consumer, so the consumer must keep draining
// Frames() while Stop runs. Cancelling the Start context abandons delivery.
type CaptureSource interface {
	Start(ctx context.Context, sampleRate, frameSize int) error
	Frames() <-chan Frame
	Stop()
}

const frameQueueSize = 64

// pump moves raw PCM chunks through a Framer onto the frame channel.
// Each CaptureSource embeds one.
type pump struct {
	frames   chan Frame
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	started bool
}

func newPump() *pump {
	return &pump{
		frames: make(chan Frame, frameQueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (p *pump) markStarted() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true
	return nil
}

func (p *pump) isStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Frames returns the frame channel
func (p *pump) Frames() <-chan Frame {
	return p.frames
}

// run consumes chunks until the producer closes it or stop is requested,
// then flushes the partial frame as the Last frame.
func (p *pump) run(ctx context.Context, frameSize int, chunks <-chan []byte) {
	defer close(p.done)
	defer close(p.frames)

	framer := NewFramer(frameSize)

loop:
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			break loop
		case chunk, ok := <-chunks:
			if !ok {
				break loop
			}
			for _, f := range framer.Push(chunk) {
				select {
				case p.frames <- Frame{Data: f}:
				case <-ctx.Done():
					return
				}
			}
		}
	}

	select {
	case p.frames <- Frame{Data: framer.Flush(), Last: true}:
	case <-ctx.Done():
	}
}

// halt requests the run loop to finish and waits for it.
// Safe before start: it only marks the source stopped.
func (p *pump) halt() {
	p.stopOnce.Do(func() { close(p.stop) })
	if p.isStarted() {
		<-p.done
	}
}
