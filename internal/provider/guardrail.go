package provider

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/scribeworks/scribe/internal/schema"
)

// OverlapGuardrail flags note statements unsupported by the transcript
// using lexical term overlap: content terms that appear in a note section
// but nowhere in the transcript are potential hallucinations. It also feeds
// the recall/precision counters used in the session summary.
type OverlapGuardrail struct {
	tokenRe *regexp.Regexp
	// stopwords are too generic to count as clinical content.
	stopwords map[string]struct{}
}

// NewOverlapGuardrail builds the default lexical guardrail.
func NewOverlapGuardrail() *OverlapGuardrail {
	stop := map[string]struct{}{}
	for _, w := range []string{
		"the", "and", "for", "with", "has", "have", "had", "was", "were",
		"patient", "doctor", "will", "been", "this", "that", "not", "are",
		"his", "her", "their", "they", "she", "him", "its", "per", "day",
		"days", "week", "weeks", "follow", "continue", "started", "start",
		"reports", "denies", "unclear",
	} {
		stop[w] = struct{}{}
	}
	return &OverlapGuardrail{
		tokenRe:   regexp.MustCompile(`[a-zA-Z][a-zA-Z\-]{3,}`),
		stopwords: stop,
	}
}

// Counts summarizes one validation pass for metric aggregation.
type Counts struct {
	TranscriptTerms int
	NoteTerms       int
	MatchedTerms    int
}

// Validate flags unsupported terms per section. One finding per section
// that contains at least one unsupported term.
func (g *OverlapGuardrail) Validate(_ context.Context, note schema.SoapNote, transcript []schema.TranscriptSegment) ([]schema.Finding, error) {
	findings, _ := g.ValidateWithCounts(note, transcript)
	return findings, nil
}

// ValidateWithCounts also returns the term counts feeding recall/precision
// metrics.
func (g *OverlapGuardrail) ValidateWithCounts(note schema.SoapNote, transcript []schema.TranscriptSegment) ([]schema.Finding, Counts) {
	source := make(map[string]struct{})
	for _, seg := range transcript {
		for _, term := range g.terms(seg.Text) {
			source[term] = struct{}{}
		}
	}

	counts := Counts{TranscriptTerms: len(source)}

	var findings []schema.Finding
	for _, name := range schema.SectionNames {
		sec := note.Section(name)
		if strings.TrimSpace(sec.Text) == "" {
			continue
		}

		var unsupported []string
		for _, term := range g.terms(sec.Text) {
			counts.NoteTerms++
			if _, ok := source[term]; ok {
				counts.MatchedTerms++
				continue
			}
			unsupported = append(unsupported, term)
		}
		if len(unsupported) == 0 {
			continue
		}

		// Anchor the finding on the first unsupported term.
		first := unsupported[0]
		start := strings.Index(strings.ToLower(sec.Text), first)
		findings = append(findings, schema.Finding{
			Kind:     schema.FindingGuardrail,
			Severity: "warning",
			Message: fmt.Sprintf("%s section contains terms absent from the transcript: %s",
				name, strings.Join(unsupported, ", ")),
			Section:   name,
			SpanStart: start,
			SpanEnd:   start + len(first),
			ChunkSeq:  sec.SourceChunk,
			Anchored:  start >= 0,
		})
	}
	return findings, counts
}

// terms extracts deduplicated lowercase content terms.
func (g *OverlapGuardrail) terms(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tok := range g.tokenRe.FindAllString(strings.ToLower(text), -1) {
		if _, ok := g.stopwords[tok]; ok {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}
