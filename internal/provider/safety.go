package provider

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/scribeworks/scribe/internal/schema"
)

// RuleSafetyChecker scans the note's Plan section for drug dosages that
// exceed standard daily limits. A dosage mention is linked to the nearest
// known drug name within a fixed character window.
type RuleSafetyChecker struct {
	// limitMg is the maximum standard daily dose per drug, in milligrams.
	limitMg map[string]int
	doseRe  *regexp.Regexp
}

// proximityWindow is the max distance in characters between a drug mention
// and a dosage for the two to be considered related.
const proximityWindow = 50

// NewRuleSafetyChecker builds the checker with the built-in drug table.
func NewRuleSafetyChecker() *RuleSafetyChecker {
	return &RuleSafetyChecker{
		limitMg: map[string]int{
			"panadol":     4000,
			"paracetamol": 4000,
			"ibuprofen":   3200,
			"amoxicillin": 3000,
			"metformin":   2550,
			"aspirin":     4000,
		},
		doseRe: regexp.MustCompile(`(?i)(\d+)\s*(mg|g)\b`),
	}
}

type doseMention struct {
	start    int
	end      int
	amountMg int
}

// Check scans the Plan section (prescriptions live there) for violations.
func (c *RuleSafetyChecker) Check(_ context.Context, note schema.SoapNote, _ []schema.TranscriptSegment) ([]schema.Finding, error) {
	text := note.Plan.Text
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	lower := strings.ToLower(text)

	var doses []doseMention
	for _, m := range c.doseRe.FindAllStringSubmatchIndex(lower, -1) {
		amount, err := strconv.Atoi(lower[m[2]:m[3]])
		if err != nil {
			continue
		}
		if lower[m[4]:m[5]] == "g" {
			amount *= 1000
		}
		doses = append(doses, doseMention{start: m[0], end: m[1], amountMg: amount})
	}
	if len(doses) == 0 {
		return nil, nil
	}

	var findings []schema.Finding
	for name, limit := range c.limitMg {
		for off := 0; ; {
			idx := strings.Index(lower[off:], name)
			if idx < 0 {
				break
			}
			start := off + idx
			off = start + len(name)

			dose, ok := closestDose(start, start+len(name), doses)
			if !ok || dose.amountMg <= limit {
				continue
			}
			findings = append(findings, schema.Finding{
				Kind:     schema.FindingSafety,
				Severity: "critical",
				Message: fmt.Sprintf("%s dosage (%dmg) exceeds standard daily limit (%dmg)",
					name, dose.amountMg, limit),
				Section:   schema.SectionPlan,
				SpanStart: start,
				SpanEnd:   dose.end,
				ChunkSeq:  note.Plan.SourceChunk,
				Anchored:  true,
			})
		}
	}
	return findings, nil
}

// closestDose returns the dosage mention nearest to the drug mention,
// within the proximity window.
func closestDose(drugStart, drugEnd int, doses []doseMention) (doseMention, bool) {
	var best doseMention
	bestDist := proximityWindow + 1
	found := false
	drugMid := (drugStart + drugEnd) / 2
	for _, d := range doses {
		doseMid := (d.start + d.end) / 2
		dist := doseMid - drugMid
		if dist < 0 {
			dist = -dist
		}
		if dist < bestDist {
			bestDist = dist
			best = d
			found = true
		}
	}
	return best, found
}
