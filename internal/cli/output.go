package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/meetsynth/transcribe-gateway/internal/session"
	"github.com/meetsynth/transcribe-gateway/internal/transcript"
)

// Printer renders session events for a terminal. Transcript and summary text
// go to out; status lines and the interim line go to status.
type Printer struct {
	out    io.Writer
	status io.Writer

	printed      string
	interimShown bool
	inSummary    bool
}

func NewPrinter(out, status io.Writer) *Printer {
	return &Printer{out: out, status: status}
}

// Event prints one session event
func (p *Printer) Event(ev session.Event) {
	switch ev.Kind {
	case session.EventLoaded:
		p.printed = transcript.JoinText(ev.Segments)
		if n := len(ev.Segments); n > 0 {
			fmt.Fprintf(p.status, "ℹ️  Loaded %d saved segments\n", n)
		}
	case session.EventRecording:
		p.clearInterim()
		switch ev.State {
		case session.RecordingConnecting:
			fmt.Fprintln(p.status, "🔌 Connecting to speech recognition...")
		case session.RecordingActive:
			fmt.Fprintln(p.status, "🎙️  Recording (Ctrl+C to stop)")
		case session.RecordingIdle:
			fmt.Fprintln(p.status, "⏹️  Recording stopped")
		}
	case session.EventInterim:
		p.showInterim(ev.Text)
	case session.EventTranscript:
		p.clearInterim()
		p.transcript(ev.Segments)
	case session.EventSummaryChunk:
		if !p.inSummary {
			p.inSummary = true
			fmt.Fprintln(p.status, "🤖 Summary:")
		}
		fmt.Fprint(p.out, ev.Text)
	case session.EventSummaryDone, session.EventSummaryCancelled:
		p.endSummary()
	case session.EventSummaryError:
		p.endSummary()
		fmt.Fprintf(p.status, "❌ Summary failed: %v\n", ev.Err)
	case session.EventError:
		p.clearInterim()
		fmt.Fprintf(p.status, "❌ %s: %v\n", ev.Source, ev.Err)
	}
}

// transcript prints what was added since the last print. Edits and role
// separation rewrite history, so the whole transcript is reprinted then.
func (p *Printer) transcript(segs []transcript.Segment) {
	full := transcript.JoinText(segs)
	if strings.HasPrefix(full, p.printed) {
		fmt.Fprint(p.out, full[len(p.printed):])
	} else {
		fmt.Fprint(p.out, "\n")
		fmt.Fprint(p.out, transcript.FormatText(segs))
	}
	p.printed = full
}

func (p *Printer) showInterim(text string) {
	if text == "" {
		p.clearInterim()
		return
	}
	fmt.Fprintf(p.status, "\r\033[K… %s", text)
	p.interimShown = true
}

func (p *Printer) clearInterim() {
	if p.interimShown {
		fmt.Fprint(p.status, "\r\033[K")
		p.interimShown = false
	}
}

func (p *Printer) endSummary() {
	if p.inSummary {
		fmt.Fprintln(p.out)
		p.inSummary = false
	}
}
