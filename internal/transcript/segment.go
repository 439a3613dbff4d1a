package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// UnknownSpeaker is the speaker of text no role-separation pass has seen yet
const UnknownSpeaker = ""

// Segment is one attributed span of speech. Index order is chronological.
type Segment struct {
	Speaker  string `json:"speaker"`
	Text     string `json:"text"`
	Editable bool   `json:"-"`
}

// RawItem is one role-separation result before coalescing
type RawItem struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

var (
	ErrIndexOutOfRange = errors.New("transcript: index out of range")
	ErrEditInProgress  = errors.New("transcript: another segment is being edited")
	ErrEmptySegment    = errors.New("transcript: segment has no text")
	ErrNotEditing      = errors.New("transcript: segment is not being edited")
)

// Coalesce merges adjacent items with the same speaker, preserving order.
// Coalescing already-coalesced input returns it unchanged.
func Coalesce(items []RawItem) []Segment {
	var out []Segment
	for _, it := range items {
		if n := len(out); n > 0 && out[n-1].Speaker == it.Speaker {
			out[n-1].Text += it.Text
			continue
		}
		out = append(out, Segment{Speaker: it.Speaker, Text: it.Text})
	}
	return out
}

// Marshal encodes segments in the persisted recording form
func Marshal(segments []Segment) (string, error) {
	if segments == nil {
		segments = []Segment{}
	}
	b, err := json.Marshal(segments)
	if err != nil {
		return "", fmt.Errorf("encoding transcript: %w", err)
	}
	return string(b), nil
}

// Unmarshal decodes a persisted recording; an empty string is an empty transcript
func Unmarshal(recording string) ([]Segment, error) {
	if strings.TrimSpace(recording) == "" {
		return nil, nil
	}
	var segs []Segment
	if err := json.Unmarshal([]byte(recording), &segs); err != nil {
		return nil, fmt.Errorf("decoding transcript: %w", err)
	}
	return segs, nil
}

// JoinText renders segments as plain text, one segment per line
func JoinText(segments []Segment) string {
	lines := make([]string, 0, len(segments))
	for _, s := range segments {
		if s.Text == "" {
			continue
		}
		lines = append(lines, s.Text)
	}
	return strings.Join(lines, "\n")
}
