// Package artifact parses and assembles the separator-delimited documents
// produced by a generation run. A document is plain text in which marker
// tokens split the output into named sections.
package artifact

import "strings"

// Separator tokens. Study guide and transcript are mandatory in a valid
// document; slides and raw notes appear only when the source material
// includes a deck.
const (
	SepStudyGuide = "===STUDY_GUIDE==="
	SepTranscript = "===TRANSCRIPT==="
	SepSlides     = "===SLIDES==="
	SepRawNotes   = "===RAW_NOTES==="
)

// Section keys used in API responses.
const (
	SectionStudyGuide = "studyGuide"
	SectionTranscript = "transcript"
	SectionSlides     = "slides"
	SectionRawNotes   = "rawNotes"
)

// ResultKey returns the object storage key a job's finished document is
// written to.
func ResultKey(jobID string) string {
	return "results/" + jobID + ".md"
}

// Document is the parsed form of a generated artifact.
type Document struct {
	StudyGuide string
	Transcript string
	Slides     string
	RawNotes   string
}

// Split parses a document. A separator token marks a section boundary
// wherever it appears, with or without surrounding newlines. Text before
// the first separator is dropped (models tend to emit a short lead-in).
func Split(text string) Document {
	var doc Document

	assign := func(sep, content string) {
		content = strings.TrimSpace(content)
		switch sep {
		case SepStudyGuide:
			doc.StudyGuide = content
		case SepTranscript:
			doc.Transcript = content
		case SepSlides:
			doc.Slides = content
		case SepRawNotes:
			doc.RawNotes = content
		}
	}

	sep, idx := nextSeparator(text)
	if idx < 0 {
		return doc
	}
	rest := text[idx+len(sep):]
	for {
		next, nextIdx := nextSeparator(rest)
		if nextIdx < 0 {
			assign(sep, rest)
			return doc
		}
		assign(sep, rest[:nextIdx])
		sep = next
		rest = rest[nextIdx+len(next):]
	}
}

// nextSeparator finds the earliest separator token in s, returning the
// token and its index, or -1 when none remains.
func nextSeparator(s string) (string, int) {
	found := -1
	var sep string
	for _, candidate := range []string{SepStudyGuide, SepTranscript, SepSlides, SepRawNotes} {
		if idx := strings.Index(s, candidate); idx >= 0 && (found < 0 || idx < found) {
			found = idx
			sep = candidate
		}
	}
	return sep, found
}

// HasTranscript reports whether the transcript section carries content.
func (d Document) HasTranscript() bool {
	return d.Transcript != ""
}

// Sections returns the non-empty sections keyed for API responses.
func (d Document) Sections() map[string]string {
	out := make(map[string]string, 4)
	if d.StudyGuide != "" {
		out[SectionStudyGuide] = d.StudyGuide
	}
	if d.Transcript != "" {
		out[SectionTranscript] = d.Transcript
	}
	if d.Slides != "" {
		out[SectionSlides] = d.Slides
	}
	if d.RawNotes != "" {
		out[SectionRawNotes] = d.RawNotes
	}
	return out
}

// Join assembles a document back into separator-delimited text. Empty
// sections are omitted.
func (d Document) Join() string {
	var sb strings.Builder
	write := func(sep, content string) {
		if content == "" {
			return
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(sep)
		sb.WriteString("\n")
		sb.WriteString(content)
		sb.WriteString("\n")
	}
	write(SepStudyGuide, d.StudyGuide)
	write(SepTranscript, d.Transcript)
	write(SepSlides, d.Slides)
	write(SepRawNotes, d.RawNotes)
	return sb.String()
}

// Preview returns the first n characters of the study guide, cut on a rune
// boundary.
func (d Document) Preview(n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(d.StudyGuide)
	if len(runes) <= n {
		return d.StudyGuide
	}
	return string(runes[:n])
}
