package gateway

import (
	"github.com/meetsynth/transcribe-gateway/internal/backend"
	"github.com/meetsynth/transcribe-gateway/internal/session"
	"github.com/meetsynth/transcribe-gateway/internal/transcript"
)

// Client command types. Binary WebSocket messages carry 16-bit mono PCM at
// the configured sample rate and are only accepted while recording.
const (
	CmdStart            = "start"
	CmdStop             = "stop"
	CmdAppendText       = "append_text"
	CmdEditBegin        = "edit_begin"
	CmdEditCommit       = "edit_commit"
	CmdEditCancel       = "edit_cancel"
	CmdDelete           = "delete"
	CmdClear            = "clear"
	CmdSeparateRoles    = "separate_roles"
	CmdSummaryRequest   = "summary_request"
	CmdSummaryCancel    = "summary_cancel"
	CmdSummaryEditBegin = "summary_edit_begin"
	CmdSummaryUpdate    = "summary_update"
	CmdSummaryEditEnd   = "summary_edit_end"
	CmdSnapshot         = "snapshot"
)

// Server message types besides the session event kinds
const (
	MsgMeeting  = "meeting"
	MsgResult   = "result"
	MsgSpeaking = "speaking"
	MsgSnapshot = "snapshot"
)

// ClientMessage is a JSON command from the browser
type ClientMessage struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"` // echoed in the result
	Index    int    `json:"index,omitempty"`
	Text     string `json:"text,omitempty"`
	Feedback string `json:"feedback,omitempty"`
}

// SegmentMessage is a transcript segment as the browser renders it
type SegmentMessage struct {
	Speaker  string `json:"speaker"`
	Text     string `json:"text"`
	Editable bool   `json:"editable,omitempty"`
}

// MeetingMessage describes the opened meeting
type MeetingMessage struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// SummaryMessage is the summary part of a snapshot
type SummaryMessage struct {
	Status  string `json:"status"`
	Text    string `json:"text"`
	Editing bool   `json:"editing,omitempty"`
}

// ServerMessage is everything the gateway sends to the browser
type ServerMessage struct {
	Type     string            `json:"type"`
	ID       string            `json:"id,omitempty"`
	OK       *bool             `json:"ok,omitempty"`
	State    string            `json:"state,omitempty"`
	Text     string            `json:"text,omitempty"`
	Segments *[]SegmentMessage `json:"segments,omitempty"`
	Interim  string            `json:"interim,omitempty"`
	Saved    string            `json:"saved,omitempty"`
	Source   string            `json:"source,omitempty"`
	Error    string            `json:"error,omitempty"`
	Speaking *bool             `json:"speaking,omitempty"`
	Meeting  *MeetingMessage   `json:"meeting,omitempty"`
	Summary  *SummaryMessage   `json:"summary,omitempty"`
}

func boolPtr(b bool) *bool { return &b }

func segmentsMessage(segs []transcript.Segment) *[]SegmentMessage {
	out := make([]SegmentMessage, len(segs))
	for i, s := range segs {
		out[i] = SegmentMessage{Speaker: s.Speaker, Text: s.Text, Editable: s.Editable}
	}
	return &out
}

func eventMessage(ev session.Event) ServerMessage {
	msg := ServerMessage{
		Type:   string(ev.Kind),
		Text:   ev.Text,
		Saved:  ev.Saved,
		Source: ev.Source,
	}
	switch ev.Kind {
	case session.EventRecording:
		msg.State = ev.State.String()
	case session.EventTranscript, session.EventLoaded:
		msg.Segments = segmentsMessage(ev.Segments)
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	return msg
}

func resultMessage(id string, err error) ServerMessage {
	msg := ServerMessage{Type: MsgResult, ID: id, OK: boolPtr(err == nil)}
	if err != nil {
		msg.Error = err.Error()
	}
	return msg
}

func meetingMessage(m *backend.Meeting) ServerMessage {
	return ServerMessage{
		Type:    MsgMeeting,
		Meeting: &MeetingMessage{ID: m.ID, Title: m.Title, Description: m.Description},
	}
}

func snapshotMessage(id string, snap session.Snapshot) ServerMessage {
	return ServerMessage{
		Type:     MsgSnapshot,
		ID:       id,
		State:    snap.State.String(),
		Segments: segmentsMessage(snap.Segments),
		Interim:  snap.Interim,
		Summary: &SummaryMessage{
			Status:  snap.SummaryStatus,
			Text:    snap.Summary,
			Editing: snap.SummaryEdit,
		},
	}
}
