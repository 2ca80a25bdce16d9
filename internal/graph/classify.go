package graph

import (
	"fmt"
	"regexp"
	"strings"
)

// InputKind says how submitted text is turned into stories.
type InputKind string

const (
	// InputIdea is a short description left to the planning collaborator.
	InputIdea InputKind = "idea"
	// InputSpec is a structured document parsed directly into stories.
	InputSpec InputKind = "spec"
)

// InputAnalysis is the result of Classify.
type InputAnalysis struct {
	Kind         InputKind `json:"kind"`
	Confidence   float64   `json:"confidence"`
	Reason       string    `json:"reason"`
	Sections     []string  `json:"sections,omitempty"`
	Requirements int       `json:"requirements"`
}

// Lines that read like requirements, user stories or spec headings.
var specLinePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\s*\d+\.\d+`),
	regexp.MustCompile(`(?i)^\s*(req|fr|nfr)[-_]?\d+`),
	regexp.MustCompile(`(?i)^\s*r\d+`),
	regexp.MustCompile(`(?i)^\s*as\s+an?\s+`),
	regexp.MustCompile(`(?i)^\s*given\s+.+when\s+.+then`),
	regexp.MustCompile(`(?i)^\s*acceptance\s+criteria`),
	regexp.MustCompile(`(?i)^\s*ac\s*[\d:.]`),
	regexp.MustCompile(`(?i)^#+\s*(requirements?|features?|specifications?|scope|overview|goals?)`),
	regexp.MustCompile(`(?i)^#+\s*(functional|non-functional|technical|user\s+stories)`),
	regexp.MustCompile(`(?i)^\*\*requirements?\*\*`),
	regexp.MustCompile(`(?i)^requirements?\s*:`),
}

var (
	headingPattern    = regexp.MustCompile(`^#{1,4}\s+(.+)$`)
	numberedItemRegex = regexp.MustCompile(`^\s*(\d+[.)]\s+|\d+\.\d+[.)]*\s+)`)
	bulletItemRegex   = regexp.MustCompile(`^\s*[-*+]\s+`)
)

const (
	minSpecLines     = 5
	specDensity      = 0.3
	specSignalCutoff = 5
)

// Classify decides whether text is a free-form idea or a structured spec
// document. Structure is scored per line: headings, numbered and bulleted
// items, and lines that look like requirements.
func Classify(text string) InputAnalysis {
	text = strings.TrimSpace(text)
	lines := strings.Split(text, "\n")
	if len(lines) < minSpecLines {
		return InputAnalysis{Kind: InputIdea, Confidence: 0.9, Reason: "short input"}
	}

	var (
		signals  int
		sections []string
		numbered int
		bullets  int
	)
	for _, line := range lines {
		for _, re := range specLinePatterns {
			if re.MatchString(line) {
				signals += 2
				break
			}
		}
		if m := headingPattern.FindStringSubmatch(line); m != nil {
			sections = append(sections, strings.TrimSpace(m[1]))
			signals++
		}
		switch {
		case numberedItemRegex.MatchString(line):
			numbered++
		case bulletItemRegex.MatchString(line):
			bullets++
		}
	}

	score := float64(len(sections))*2 + float64(numbered)*1.5 + float64(bullets)*0.5 + float64(signals)
	density := score / float64(len(lines))

	if density > specDensity || signals >= specSignalCutoff {
		return InputAnalysis{
			Kind:         InputSpec,
			Confidence:   min(0.95, 0.6+density),
			Reason:       fmt.Sprintf("%d sections, %d numbered items", len(sections), numbered),
			Sections:     sections,
			Requirements: numbered + bullets,
		}
	}

	paragraphs := 0
	for _, p := range strings.Split(text, "\n\n") {
		if strings.TrimSpace(p) != "" {
			paragraphs++
		}
	}
	if paragraphs <= 4 && numbered < 3 {
		return InputAnalysis{Kind: InputIdea, Confidence: 0.85, Reason: fmt.Sprintf("prose in %d paragraphs", paragraphs), Sections: sections}
	}
	if len(sections) > 0 || numbered > 2 {
		return InputAnalysis{Kind: InputSpec, Confidence: 0.6, Reason: "some structure", Sections: sections, Requirements: numbered}
	}
	return InputAnalysis{Kind: InputIdea, Confidence: 0.7, Reason: "no clear structure"}
}

func IsSpec(text string) bool { return Classify(text).Kind == InputSpec }
