package transcript

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SpeakerLabel renders a speaker id for people
func SpeakerLabel(speaker string) string {
	if speaker == UnknownSpeaker {
		return "Speaker"
	}
	return "Speaker " + speaker
}

// FormatText renders one "Speaker N: text" line per segment
func FormatText(segments []Segment) string {
	var sb strings.Builder
	for _, s := range segments {
		fmt.Fprintf(&sb, "%s: %s\n", SpeakerLabel(s.Speaker), s.Text)
	}
	return sb.String()
}

// FormatMarkdown renders the transcript, and the summary when present, as a Markdown document
func FormatMarkdown(title string, segments []Segment, summary string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", title)

	if summary != "" {
		sb.WriteString("## Summary\n\n")
		sb.WriteString(strings.TrimSpace(summary))
		sb.WriteString("\n\n")
	}

	sb.WriteString("## Transcript\n\n")
	for _, s := range segments {
		fmt.Fprintf(&sb, "**%s:** %s\n\n", SpeakerLabel(s.Speaker), s.Text)
	}
	return sb.String()
}

// WriteText writes the plain-text transcript to path
func WriteText(path string, segments []Segment) error {
	return atomicWrite(path, []byte(FormatText(segments)))
}

// WriteMarkdown writes the Markdown document to path
func WriteMarkdown(path, title string, segments []Segment, summary string) error {
	return atomicWrite(path, []byte(FormatMarkdown(title, segments, summary)))
}

// WriteSummary writes just the summary text to path
func WriteSummary(path, summary string) error {
	return atomicWrite(path, []byte(strings.TrimSpace(summary)+"\n"))
}

// atomicWrite writes through a temp file in the target directory and renames it into place
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".export-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}
