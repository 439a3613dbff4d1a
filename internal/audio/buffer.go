package audio

import (
	"sync"
)

// RingBuffer is a thread-safe byte ring buffer used to re-chunk captured PCM
type RingBuffer struct {
	buffer []byte
	size   int
	read   int
	write  int
	mu     sync.RWMutex
}

// NewRingBuffer creates a ring buffer holding up to size-1 bytes
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{
		buffer: make([]byte, size),
		size:   size,
	}
}

// Write copies as much of data as fits and returns the number of bytes written
func (rb *RingBuffer) Write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	written := 0
	for _, b := range data {
		if (rb.write+1)%rb.size == rb.read {
			break // Buffer full
		}
		rb.buffer[rb.write] = b
		rb.write = (rb.write + 1) % rb.size
		written++
	}
	return written
}

// Read fills data from the buffer and returns the number of bytes read
func (rb *RingBuffer) Read(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	read := 0
	for i := range data {
		if rb.read == rb.write {
			break // Buffer empty
		}
		data[i] = rb.buffer[rb.read]
		rb.read = (rb.read + 1) % rb.size
		read++
	}
	return read
}

// Available returns the number of bytes available to read
func (rb *RingBuffer) Available() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.available()
}

func (rb *RingBuffer) available() int {
	if rb.write >= rb.read {
		return rb.write - rb.read
	}
	return rb.size - rb.read + rb.write
}

// IsEmpty returns true if the buffer is empty
func (rb *RingBuffer) IsEmpty() bool {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.read == rb.write
}

// Framer cuts an arbitrary byte stream into fixed-size frames
type Framer struct {
	frameSize int
	buf       *RingBuffer
}

// NewFramer creates a framer emitting frames of frameSize bytes
func NewFramer(frameSize int) *Framer {
	return &Framer{
		frameSize: frameSize,
		buf:       NewRingBuffer(4*frameSize + 1),
	}
}

// Push buffers data and returns every complete frame, in order
func (f *Framer) Push(data []byte) [][]byte {
	var frames [][]byte
	for len(data) > 0 {
		n := f.buf.Write(data)
		data = data[n:]

		for f.buf.Available() >= f.frameSize {
			frame := make([]byte, f.frameSize)
			f.buf.Read(frame)
			frames = append(frames, frame)
		}
	}
	return frames
}

// Flush returns the buffered partial frame, nil when there is none
func (f *Framer) Flush() []byte {
	if f.buf.IsEmpty() {
		return nil
	}
	rest := make([]byte, f.buf.Available())
	f.buf.Read(rest)
	return rest
}
