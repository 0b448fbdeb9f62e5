package provider

import (
	"context"
	"regexp"
	"strings"

	"github.com/scribeworks/scribe/internal/schema"
)

// RegexMasker redacts PII from transcript segments before they are stored
// or sent to a model. Pure CPU, no model calls.
type RegexMasker struct {
	patterns  []maskPattern
	allowlist map[string]struct{}
}

type maskPattern struct {
	re          *regexp.Regexp
	replacement string
}

// Eponymous diseases that look like person names. Never masked.
var diseaseAllowlist = []string{
	"parkinson", "alzheimer", "addison", "cushing", "hodgkin",
	"crohn", "hashimoto", "lou gehrig", "down",
}

// NewRegexMasker builds the default masker: medical record numbers,
// provider names after an honorific, phone numbers and explicit dates.
func NewRegexMasker() *RegexMasker {
	allow := make(map[string]struct{}, len(diseaseAllowlist))
	for _, d := range diseaseAllowlist {
		allow[d] = struct{}{}
	}
	return &RegexMasker{
		allowlist: allow,
		patterns: []maskPattern{
			{
				re:          regexp.MustCompile(`(?i)\b(mrn|medical record|patient id|medicare no|id)[:\s#]*[0-9]{4,12}\b`),
				replacement: "[MEDICAL_ID]",
			},
			{
				re:          regexp.MustCompile(`(?i)\b(dr\.?|doctor|nurse|prof\.?)\s+([A-Z][a-z]+)\b`),
				replacement: "$1 [PROVIDER]",
			},
			{
				re:          regexp.MustCompile(`\b(?:\+?\d{1,3}[-.\s]?)?(?:\(\d{2,4}\)[-.\s]?)?\d{3,4}[-.\s]\d{3,4}(?:[-.\s]\d{3,4})?\b`),
				replacement: "[PHONE]",
			},
			{
				re:          regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{2,4}\b`),
				replacement: "[DATE]",
			},
		},
	}
}

// Mask returns masked copies of segs; originals are untouched.
func (m *RegexMasker) Mask(_ context.Context, segs []schema.TranscriptSegment) ([]schema.TranscriptSegment, error) {
	out := make([]schema.TranscriptSegment, len(segs))
	copy(out, segs)
	for i := range out {
		out[i].Text = m.maskText(out[i].Text)
	}
	return out, nil
}

func (m *RegexMasker) maskText(text string) string {
	for _, p := range m.patterns {
		text = p.re.ReplaceAllStringFunc(text, func(match string) string {
			if m.allowed(match) {
				return match
			}
			return p.re.ReplaceAllString(match, p.replacement)
		})
	}
	return text
}

// allowed reports whether the match contains an allowlisted disease name,
// e.g. "Parkinson" inside "Parkinson disease" must survive masking.
func (m *RegexMasker) allowed(match string) bool {
	lower := strings.ToLower(match)
	for name := range m.allowlist {
		if strings.Contains(lower, name) {
			return true
		}
	}
	return false
}
