package audio

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/go-audio/wav"
)

// WAVSource replays a WAV file as if it were a live input
type WAVSource struct {
	*pump
	path string

	// Realtime paces frames at their playback duration, which streaming
	// ASR providers expect.
	Realtime bool
}

// NewWAVSource creates a source for the file at path
func NewWAVSource(path string, realtime bool) *WAVSource {
	return &WAVSource{pump: newPump(), path: path, Realtime: realtime}
}

// Start decodes the file, converts it to 16-bit mono at sampleRate and begins emitting frames
func (s *WAVSource) Start(ctx context.Context, sampleRate, frameSize int) error {
	pcm, err := decodeWAV(s.path, sampleRate)
	if err != nil {
		return err
	}
	if err := s.markStarted(); err != nil {
		return err
	}

	chunks := make(chan []byte)
	go s.run(ctx, frameSize, chunks)
	go s.feed(ctx, pcm, frameSize, sampleRate, chunks)
	return nil
}

func (s *WAVSource) feed(ctx context.Context, pcm []byte, frameSize, sampleRate int, chunks chan<- []byte) {
	defer close(chunks)

	var ticker *time.Ticker
	if s.Realtime {
		frameDuration := time.Duration(frameSize/2) * time.Second / time.Duration(sampleRate)
		ticker = time.NewTicker(frameDuration)
		defer ticker.Stop()
	}

	for off := 0; off < len(pcm); off += frameSize {
		end := min(off+frameSize, len(pcm))

		select {
		case chunks <- pcm[off:end]:
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}

		if ticker != nil {
			select {
			case <-ticker.C:
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// Stop ends playback early; the remaining partial frame is sent as Last
func (s *WAVSource) Stop() {
	s.halt()
}

func decodeWAV(path string, sampleRate int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, &CaptureError{Kind: PermissionDenied, Err: err}
		}
		return nil, &CaptureError{Kind: DeviceUnavailable, Err: err}
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, &CaptureError{Kind: DeviceUnavailable, Err: errors.New("not a valid WAV file: " + path)}
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, &CaptureError{Kind: DeviceUnavailable, Err: err}
	}

	channels := buf.Format.NumChannels
	mono := Downmix(buf.Data, channels)
	samples := ToInt16(mono, int(dec.BitDepth))
	samples = Resample(samples, buf.Format.SampleRate, sampleRate)

	return SamplesToBytes(samples), nil
}
