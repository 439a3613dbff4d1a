package audio

import (
	"context"
	"sync"
)

// PushSource is a capture source fed by the caller, for audio that arrives
// over the network (the gateway writes browser PCM into it).
type PushSource struct {
	*pump
	chunks chan []byte

	mu     sync.RWMutex
	closed bool
}

// NewPushSource creates an idle push source
func NewPushSource() *PushSource {
	return &PushSource{
		pump:   newPump(),
		chunks: make(chan []byte, frameQueueSize),
	}
}

// Start begins framing written audio
func (s *PushSource) Start(ctx context.Context, sampleRate, frameSize int) error {
	if err := s.markStarted(); err != nil {
		return err
	}
	go s.run(ctx, frameSize, s.chunks)
	return nil
}

// Write queues PCM for framing. It blocks while the frame queue is full.
func (s *PushSource) Write(p []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed || !s.isStarted() {
		return 0, ErrNotStarted
	}

	chunk := make([]byte, len(p))
	copy(chunk, p)
	select {
	case s.chunks <- chunk:
		return len(p), nil
	case <-s.done:
		return 0, ErrNotStarted
	}
}

// Stop flushes the partial frame as the Last frame and closes Frames()
func (s *PushSource) Stop() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		// Let already-queued chunks through before the Last frame
		close(s.chunks)
	}
	s.mu.Unlock()

	if s.isStarted() {
		<-s.done
	}
	s.stopOnce.Do(func() { close(s.stop) })
}
