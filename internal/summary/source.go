package summary

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/meetsynth/transcribe-gateway/internal/backend"
)

// Source opens the event stream for one summary request
type Source interface {
	Open(ctx context.Context, req Request) (io.ReadCloser, error)
}

// HTTPSource requests summaries from the backend's text/event-stream endpoint
type HTTPSource struct {
	Backend *backend.Client
	Path    string
	// HTTPClient must not set a Timeout: it would cut long streams off.
	// Defaults to a client without one.
	HTTPClient *http.Client
}

// Open sends GET {path}?id=&feedback=&message= and returns the event stream body
func (s *HTTPSource) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	q := url.Values{
		"id":       {req.MeetingID},
		"feedback": {req.Feedback},
		"message":  {req.Transcript},
	}
	httpReq, err := s.Backend.NewRequest(ctx, http.MethodGet, s.Path, q, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	client := s.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to open summary stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, backend.ErrUnauthorized
		}
		return nil, fmt.Errorf("summary endpoint returned status %d", resp.StatusCode)
	}
	return resp.Body, nil
}
