package artifact

import (
	"strings"
	"testing"
)

func TestSplit_AllSections(t *testing.T) {
	text := "===STUDY_GUIDE===\nguide body\n===TRANSCRIPT===\ntranscript body\n===SLIDES===\nslide notes\n===RAW_NOTES===\nraw bullets"

	doc := Split(text)

	if doc.StudyGuide != "guide body" {
		t.Errorf("StudyGuide = %q, want %q", doc.StudyGuide, "guide body")
	}
	if doc.Transcript != "transcript body" {
		t.Errorf("Transcript = %q, want %q", doc.Transcript, "transcript body")
	}
	if doc.Slides != "slide notes" {
		t.Errorf("Slides = %q, want %q", doc.Slides, "slide notes")
	}
	if doc.RawNotes != "raw bullets" {
		t.Errorf("RawNotes = %q, want %q", doc.RawNotes, "raw bullets")
	}
}

func TestSplit_InlineSeparators(t *testing.T) {
	// Providers do not reliably put the tokens on their own lines; a token
	// is a boundary wherever it appears.
	doc := Split("===STUDY_GUIDE===G===TRANSCRIPT===T")

	if doc.StudyGuide != "G" {
		t.Errorf("StudyGuide = %q, want %q", doc.StudyGuide, "G")
	}
	if doc.Transcript != "T" {
		t.Errorf("Transcript = %q, want %q", doc.Transcript, "T")
	}
	if !doc.HasTranscript() {
		t.Error("HasTranscript() = false for an inline-delimited document")
	}

	mixed := Split("===STUDY_GUIDE===\nguide body===TRANSCRIPT===transcript body\n===RAW_NOTES===bullets")
	if mixed.StudyGuide != "guide body" || mixed.Transcript != "transcript body" || mixed.RawNotes != "bullets" {
		t.Errorf("mixed delimiting parsed to %+v", mixed)
	}
}

func TestSplit_LeadInDropped(t *testing.T) {
	text := "Sure, here is your study guide:\n===STUDY_GUIDE===\nG\n===TRANSCRIPT===\nT"

	doc := Split(text)

	if doc.StudyGuide != "G" {
		t.Errorf("StudyGuide = %q, want %q", doc.StudyGuide, "G")
	}
	if doc.Transcript != "T" {
		t.Errorf("Transcript = %q, want %q", doc.Transcript, "T")
	}
}

func TestSplit_MissingTranscript(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"no transcript separator", "===STUDY_GUIDE===\nguide only"},
		{"empty transcript section", "===STUDY_GUIDE===\nG\n===TRANSCRIPT===\n\n"},
		{"plain text without separators", "the model ignored the format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := Split(tt.text)
			if doc.HasTranscript() {
				t.Errorf("HasTranscript() = true for %q", tt.text)
			}
		})
	}
}

func TestJoinSplitRoundTrip(t *testing.T) {
	orig := Document{
		StudyGuide: "key concepts",
		Transcript: "spoken words",
		Slides:     "slide one",
		RawNotes:   "bullets",
	}

	back := Split(orig.Join())
	if back != orig {
		t.Errorf("round trip = %+v, want %+v", back, orig)
	}
}

func TestSections_OmitsEmpty(t *testing.T) {
	doc := Document{StudyGuide: "G", Transcript: "T"}

	sections := doc.Sections()
	if len(sections) != 2 {
		t.Fatalf("len(Sections()) = %d, want 2", len(sections))
	}
	if sections[SectionStudyGuide] != "G" || sections[SectionTranscript] != "T" {
		t.Errorf("unexpected sections: %v", sections)
	}
}

func TestPreview(t *testing.T) {
	doc := Document{StudyGuide: strings.Repeat("a", 300)}

	if got := doc.Preview(280); len(got) != 280 {
		t.Errorf("len(Preview(280)) = %d, want 280", len(got))
	}
	if got := doc.Preview(500); got != doc.StudyGuide {
		t.Errorf("Preview longer than content should return everything")
	}
	if got := doc.Preview(0); got != "" {
		t.Errorf("Preview(0) = %q, want empty", got)
	}
}

func TestResultKey(t *testing.T) {
	if got := ResultKey("abc"); got != "results/abc.md" {
		t.Errorf("ResultKey = %q, want results/abc.md", got)
	}
}
