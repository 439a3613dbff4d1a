package transcript

import (
	"strings"
	"sync"
)

// Aggregator owns the ordered segment sequence and every mutation of it.
// Callers read copies through Segments and Text.
type Aggregator struct {
	mu       sync.Mutex
	segments []Segment
	interim  string

	// segments[:separated] came from earlier role-separation passes (or a
	// loaded recording) and are not touched by streaming appends
	separated int
	editing   int
	version   uint64
}

// NewAggregator returns an empty aggregator
func NewAggregator() *Aggregator {
	return &Aggregator{editing: -1}
}

func (a *Aggregator) changed() {
	a.version++
}

// AppendFinal commits recognized text. The first text after a separation
// pass opens a new segment; otherwise it extends the last segment.
func (a *Aggregator) AppendFinal(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.interim = ""
	if text == "" {
		return
	}
	if len(a.segments) == a.separated {
		a.segments = append(a.segments, Segment{Speaker: UnknownSpeaker, Text: text})
	} else {
		a.segments[len(a.segments)-1].Text += text
	}
	a.changed()
}

// SetInterim replaces the provisional text of the utterance in progress.
// Interim text is never persisted.
func (a *Aggregator) SetInterim(text string) {
	a.mu.Lock()
	a.interim = text
	a.mu.Unlock()
}

// Interim returns the provisional text
func (a *Aggregator) Interim() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interim
}

// AppendSegment adds typed text as a new segment
func (a *Aggregator) AppendSegment(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.segments = append(a.segments, Segment{Speaker: UnknownSpeaker, Text: text})
	a.changed()
}

// PendingText is the text produced since the last separation pass, which is
// what the next pass must cover
func (a *Aggregator) PendingText() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	var sb strings.Builder
	for _, s := range a.segments[a.separated:] {
		sb.WriteString(s.Text)
	}
	return sb.String()
}

// ApplyRoleSeparation replaces everything since the last pass with the
// coalesced, speaker-tagged items
func (a *Aggregator) ApplyRoleSeparation(items []RawItem) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.editing >= a.separated {
		a.editing = -1
	}
	tail := Coalesce(items)
	a.segments = append(a.segments[:a.separated:a.separated], tail...)
	a.separated = len(a.segments)
	a.changed()
}

func (a *Aggregator) checkIndex(i int) error {
	if i < 0 || i >= len(a.segments) {
		return ErrIndexOutOfRange
	}
	return nil
}

// BeginEdit puts segment i in edit mode. At most one segment is editable.
func (a *Aggregator) BeginEdit(i int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkIndex(i); err != nil {
		return err
	}
	if a.editing >= 0 {
		return ErrEditInProgress
	}
	if a.segments[i].Text == "" {
		return ErrEmptySegment
	}
	a.segments[i].Editable = true
	a.editing = i
	return nil
}

// CommitEdit replaces the text of segment i and leaves edit mode
func (a *Aggregator) CommitEdit(i int, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkIndex(i); err != nil {
		return err
	}
	a.segments[i].Text = text
	a.segments[i].Editable = false
	if a.editing == i {
		a.editing = -1
	}
	a.changed()
	return nil
}

// CancelEdit leaves edit mode without changing the text
func (a *Aggregator) CancelEdit(i int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkIndex(i); err != nil {
		return err
	}
	if a.editing != i {
		return ErrNotEditing
	}
	a.segments[i].Editable = false
	a.editing = -1
	return nil
}

// Editing returns the index in edit mode, or -1
func (a *Aggregator) Editing() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.editing
}

// Delete removes segment i, keeping the order of the rest
func (a *Aggregator) Delete(i int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkIndex(i); err != nil {
		return err
	}
	a.segments = append(a.segments[:i], a.segments[i+1:]...)

	switch {
	case a.editing == i:
		a.editing = -1
	case a.editing > i:
		a.editing--
	}
	if i < a.separated {
		a.separated--
	}
	a.changed()
	return nil
}

// Clear removes every segment
func (a *Aggregator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.segments = nil
	a.interim = ""
	a.separated = 0
	a.editing = -1
	a.changed()
}

// Load replaces the sequence with a persisted recording.
// Loaded segments count as settled: new speech starts a new segment.
func (a *Aggregator) Load(recording string) error {
	segs, err := Unmarshal(recording)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.segments = segs
	a.interim = ""
	a.separated = len(segs)
	a.editing = -1
	return nil
}

// Serialize returns the persisted form, with edit state stripped
func (a *Aggregator) Serialize() (string, error) {
	return Marshal(a.Segments())
}

// Segments returns a copy of the sequence
func (a *Aggregator) Segments() []Segment {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Segment, len(a.segments))
	copy(out, a.segments)
	return out
}

// Text is the joined transcript used as summary input
func (a *Aggregator) Text() string {
	return JoinText(a.Segments())
}

// Len returns the number of segments
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.segments)
}

// Version increases on every persisted-state mutation
func (a *Aggregator) Version() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.version
}
