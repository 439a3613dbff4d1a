package asr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Provider envelope actions
const (
	ActionStarted = "started"
	ActionResult  = "result"
	ActionError   = "error"
)

// looseString accepts a JSON string or number
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = looseString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = looseString(n.String())
	return nil
}

type envelope struct {
	Action string      `json:"action"`
	Code   looseString `json:"code"`
	Data   string      `json:"data"`
	Desc   string      `json:"desc"`
	SID    string      `json:"sid"`
}

type resultPayload struct {
	SegID int `json:"seg_id"`
	CN    struct {
		ST struct {
			BG   looseString `json:"bg"`
			ED   looseString `json:"ed"`
			Type looseString `json:"type"`
			RT   []struct {
				WS []struct {
					CW []struct {
						W  string      `json:"w"`
						WP string      `json:"wp"`
						RL looseString `json:"rl"`
					} `json:"cw"`
				} `json:"ws"`
			} `json:"rt"`
		} `json:"st"`
	} `json:"cn"`
}

// Message is one decoded provider message
type Message struct {
	Action  string
	Code    string
	Desc    string
	SID     string
	Segment *Segment // set for result messages
}

// DecodeMessage parses one RTASR text frame. Failures wrap ErrDecode.
func DecodeMessage(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("%w: envelope: %v", ErrDecode, err)
	}
	if env.Action == "" {
		return Message{}, fmt.Errorf("%w: missing action", ErrDecode)
	}

	msg := Message{Action: env.Action, Code: string(env.Code), Desc: env.Desc, SID: env.SID}
	if env.Action != ActionResult {
		return msg, nil
	}

	seg, err := decodeResult(env.Data)
	if err != nil {
		return Message{}, err
	}
	msg.Segment = &seg
	return msg, nil
}

// decodeResult concatenates the first candidate of every word, in order
func decodeResult(data string) (Segment, error) {
	if data == "" {
		return Segment{}, fmt.Errorf("%w: empty result data", ErrDecode)
	}

	var p resultPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return Segment{}, fmt.Errorf("%w: result data: %v", ErrDecode, err)
	}

	var sb strings.Builder
	speaker := ""
	for _, rt := range p.CN.ST.RT {
		for _, ws := range rt.WS {
			if len(ws.CW) == 0 {
				continue
			}
			cw := ws.CW[0]
			sb.WriteString(cw.W)
			if speaker == "" && cw.RL != "" && cw.RL != "0" {
				speaker = string(cw.RL)
			}
		}
	}

	var final bool
	switch p.CN.ST.Type {
	case "0":
		final = true
	case "1":
		final = false
	default:
		return Segment{}, fmt.Errorf("%w: unknown result type %q", ErrDecode, string(p.CN.ST.Type))
	}

	return Segment{
		Text:    sb.String(),
		Final:   final,
		SegID:   p.SegID,
		Speaker: speaker,
	}, nil
}

// providerError renders an error action for ChannelError
func providerError(msg Message) error {
	return fmt.Errorf("provider error %s: %s", msg.Code, msg.Desc)
}
