package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// MicSource captures the default input device through ffmpeg, reading raw
// s16le mono PCM from its stdout.
type MicSource struct {
	*pump

	// Device overrides the platform default input ("" uses the default).
	Device string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stderr bytes.Buffer
}

// NewMicSource creates a microphone source for device
func NewMicSource(device string) *MicSource {
	return &MicSource{pump: newPump(), Device: device}
}

// CheckFFmpeg reports whether ffmpeg is on PATH
func CheckFFmpeg() error {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return &CaptureError{Kind: DeviceUnavailable, Err: fmt.Errorf("ffmpeg not found on PATH")}
	}
	return nil
}

func inputArgs(device string) []string {
	switch runtime.GOOS {
	case "darwin":
		if device == "" {
			device = ":default"
		}
		return []string{"-f", "avfoundation", "-i", device}
	case "windows":
		if device == "" {
			device = "audio=default"
		}
		return []string{"-f", "dshow", "-i", device}
	default:
		if device == "" {
			device = "default"
		}
		return []string{"-f", "pulse", "-i", device}
	}
}

// Start launches ffmpeg and begins emitting frames
func (s *MicSource) Start(ctx context.Context, sampleRate, frameSize int) error {
	if err := CheckFFmpeg(); err != nil {
		return err
	}

	args := append([]string{"-hide_banner", "-loglevel", "error"}, inputArgs(s.Device)...)
	args = append(args,
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		"-f", "s16le",
		"-",
	)

	cmd := exec.Command("ffmpeg", args...)
	cmd.Stderr = &s.stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &CaptureError{Kind: DeviceUnavailable, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return &CaptureError{Kind: DeviceUnavailable, Err: err}
	}

	// ffmpeg fails fast when the device cannot be opened; wait for the first read
	first := make([]byte, frameSize)
	n, err := io.ReadFull(stdout, first)
	if err != nil && n == 0 {
		_ = cmd.Wait()
		return classifyFFmpegError(s.stderr.String(), err)
	}

	if err := s.markStarted(); err != nil {
		_ = cmd.Process.Kill()
		return err
	}
	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	chunks := make(chan []byte, frameQueueSize)
	go s.run(ctx, frameSize, chunks)
	go func() {
		readChunks(stdout, first[:n], frameSize, chunks, s.stop)
		_ = cmd.Wait()
	}()
	return nil
}

func readChunks(r io.Reader, first []byte, size int, chunks chan<- []byte, stop <-chan struct{}) {
	defer close(chunks)

	send := func(b []byte) bool {
		select {
		case chunks <- b:
			return true
		case <-stop:
			return false
		}
	}

	if len(first) > 0 && !send(first) {
		return
	}
	for {
		buf := make([]byte, size)
		n, err := r.Read(buf)
		if n > 0 && !send(buf[:n]) {
			return
		}
		if err != nil {
			return
		}
	}
}

func classifyFFmpegError(stderr string, err error) error {
	msg := strings.ToLower(stderr)
	if strings.Contains(msg, "permission") || strings.Contains(msg, "not authorized") {
		return &CaptureError{Kind: PermissionDenied, Err: errors.New(strings.TrimSpace(stderr))}
	}
	if stderr != "" {
		err = errors.New(strings.TrimSpace(stderr))
	}
	return &CaptureError{Kind: DeviceUnavailable, Err: err}
}

// Stop terminates ffmpeg and releases the device
func (s *MicSource) Stop() {
	s.mu.Lock()
	cmd := s.cmd
	s.cmd = nil
	s.mu.Unlock()

	if cmd != nil {
		// Closing stdout ends readChunks; the pump flushes the Last frame
		_ = cmd.Process.Signal(interruptSignal())
	}
	s.halt()
}
