package worker

import (
	"strings"

	"github.com/scribeworks/scribe/internal/schema"
)

// MergeNote folds a generated delta into the committed note. A section with
// non-empty text in the delta replaces the committed section wholesale (last
// writer wins); empty delta sections leave the committed text untouched.
// Merging the same delta twice yields the same note.
func MergeNote(committed, delta schema.SoapNote) schema.SoapNote {
	merged := committed
	for _, name := range schema.SectionNames {
		d := delta.Section(name)
		if strings.TrimSpace(d.Text) == "" {
			continue
		}
		*merged.Section(name) = *d
	}
	return merged
}

// Reanchor relocates a finding's span after its section text was rewritten by
// a later chunk. When the flagged span text still occurs in the new section
// the span offsets are moved to the first occurrence; otherwise the finding
// is kept but marked unanchored so the caller can log the inconsistency.
func Reanchor(f schema.Finding, oldText, newText string) schema.Finding {
	if f.SpanStart < 0 || f.SpanEnd <= f.SpanStart || f.SpanEnd > len(oldText) {
		f.Anchored = false
		return f
	}
	span := oldText[f.SpanStart:f.SpanEnd]
	idx := strings.Index(newText, span)
	if idx < 0 {
		f.Anchored = false
		return f
	}
	f.SpanStart = idx
	f.SpanEnd = idx + len(span)
	f.Anchored = true
	return f
}
