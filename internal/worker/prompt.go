package worker

import (
	"strings"

	"github.com/lecturelab/api/internal/artifact"
	"github.com/lecturelab/api/internal/model"
)

// BuildPrompt assembles the generation prompt for a request. The separator
// instructions are load-bearing: the consumer splits the output on these
// exact tokens and a missing transcript marker fails the job.
func BuildPrompt(req *model.JobRequest) string {
	var sb strings.Builder

	sb.WriteString("You are given recorded lecture material. ")
	switch {
	case req.Audio != nil && len(req.Slides) > 0:
		sb.WriteString("The attachments are an audio recording of the lecture and the slide deck it was taught from.")
	case req.Audio != nil:
		sb.WriteString("The attachment is an audio recording of the lecture.")
	default:
		sb.WriteString("The attachments are the slide deck the lecture was taught from.")
	}
	sb.WriteString("\n\n")

	sb.WriteString("Produce a study guide and a full transcript. Format the response as plain text ")
	sb.WriteString("with these exact separator lines, each on its own line:\n\n")
	sb.WriteString(artifact.SepStudyGuide)
	sb.WriteString("\n(a thorough study guide in markdown: key concepts, definitions, worked examples, likely exam questions)\n")
	sb.WriteString(artifact.SepTranscript)
	if req.Audio != nil {
		sb.WriteString("\n(a complete, cleaned-up transcript of the recording)\n")
	} else {
		sb.WriteString("\n(a written narration of the material as a lecturer would present it)\n")
	}
	if len(req.Slides) > 0 {
		sb.WriteString(artifact.SepSlides)
		sb.WriteString("\n(a slide-by-slide summary of the deck)\n")
	}
	sb.WriteString(artifact.SepRawNotes)
	sb.WriteString("\n(terse bullet-point notes suitable for quick revision)\n")

	if ctx := strings.TrimSpace(req.UserContext); ctx != "" {
		sb.WriteString("\nAdditional instructions from the student:\n")
		sb.WriteString(ctx)
		sb.WriteString("\n")
	}

	return sb.String()
}
