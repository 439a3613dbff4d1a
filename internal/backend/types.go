package backend

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Backend endpoints, relative to BACKEND_URL
const (
	PathMeetingInfo   = "meeting/getInfo"
	PathSaveRecording = "meeting/saveRecording"
	PathSaveSummary   = "meeting/saveAISummary"
	PathSeparateRoles = "meeting/roleSeparation"
	PathLogin         = "users/login"
)

// Operation names carried by PersistenceError
const (
	OpSaveRecording = "saveRecording"
	OpSaveSummary   = "saveAISummary"
)

// successCode is the envelope code for a successful call
const successCode = 1

// TokenHeader carries the user's session token on every request
const TokenHeader = "Token"

var (
	// ErrUnauthorized is returned when the backend rejects the token
	ErrUnauthorized = errors.New("backend: unauthorized")
	// ErrNotFound is returned when the meeting does not exist
	ErrNotFound = errors.New("backend: meeting not found")
)

// envelope is the response wrapper used by every endpoint
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// APIError is a well-formed response whose code is not success
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend error %d: %s", e.Code, e.Msg)
}

// PersistenceError reports a failed save. The in-memory state is untouched;
// the next save carries the latest content.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Meeting is the subset of meeting metadata the session needs
type Meeting struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	// Recording is the serialized segment list, empty for a new meeting
	Recording string `json:"recording"`
	// Content is the saved summary
	Content string `json:"content"`
}

// UnmarshalJSON accepts numeric or string ids
func (m *Meeting) UnmarshalJSON(b []byte) error {
	type plain Meeting
	var aux struct {
		plain
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*m = Meeting(aux.plain)

	if len(aux.ID) == 0 || string(aux.ID) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(aux.ID, &s); err == nil {
		m.ID = s
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(aux.ID, &n); err != nil {
		return fmt.Errorf("meeting id: %w", err)
	}
	m.ID = n.String()
	return nil
}

type saveRecordingRequest struct {
	ID        string `json:"id"`
	Recording string `json:"recording"`
}

type separateRolesRequest struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type loginResponse struct {
	Token string `json:"token"`
}
