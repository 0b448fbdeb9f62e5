// Package feedback turns clinician decisions on generated notes into
// training data. Accepted notes become supervised exemplars, heavy edits
// become preference pairs, rejections without a replacement are counted but
// produce nothing.
package feedback

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"

	"github.com/scribeworks/scribe/internal/schema"
)

// DefaultThreshold is the normalized edit-distance ratio at which an edit
// stops being a light correction (SFT) and becomes a disagreement (DPO).
const DefaultThreshold = 0.3

// Classifier routes one feedback record to a training pair category.
type Classifier struct {
	threshold float64
}

// NewClassifier builds a classifier. Thresholds outside (0,1] fall back to
// the default.
func NewClassifier(threshold float64) *Classifier {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Classifier{threshold: threshold}
}

// Classify maps a record to a training pair, or to nil for decisions that
// only feed statistics (reject without a replacement). Records missing
// required fields return schema.ErrAmbiguousFeedback.
func (c *Classifier) Classify(rec schema.FeedbackRecord) (*schema.TrainingPair, error) {
	original := strings.TrimSpace(rec.OriginalNote)
	edited := strings.TrimSpace(rec.EditedNote)

	switch rec.Decision {
	case schema.DecisionAccept:
		if original == "" {
			return nil, fmt.Errorf("%w: accept without original note", schema.ErrAmbiguousFeedback)
		}
		// The clinician signed off as-is: an implicit-accept exemplar.
		return c.pair(rec, schema.PairSFT, original, "", 0, 1), nil

	case schema.DecisionReject:
		if edited == "" {
			return nil, nil
		}
		if original == "" {
			return nil, fmt.Errorf("%w: reject without original note", schema.ErrAmbiguousFeedback)
		}
		dist, ratio := editDistance(original, edited)
		return c.pair(rec, schema.PairDPO, edited, original, dist, 1-ratio), nil

	case schema.DecisionEdit:
		if original == "" || edited == "" {
			return nil, fmt.Errorf("%w: edit requires both original and edited notes", schema.ErrAmbiguousFeedback)
		}
		dist, ratio := editDistance(original, edited)
		if ratio < c.threshold {
			// Light touch-up: the edited note is still a good exemplar.
			return c.pair(rec, schema.PairSFT, edited, "", dist, 1-ratio), nil
		}
		return c.pair(rec, schema.PairDPO, edited, original, dist, 1-ratio), nil

	default:
		return nil, fmt.Errorf("%w: unknown decision %q", schema.ErrAmbiguousFeedback, rec.Decision)
	}
}

func (c *Classifier) pair(rec schema.FeedbackRecord, cat schema.PairCategory, chosen, rejected string, dist int, similarity float64) *schema.TrainingPair {
	return &schema.TrainingPair{
		ID:         uuid.NewString(),
		Category:   cat,
		SessionID:  rec.SessionID,
		ChunkSeq:   rec.ChunkSeq,
		Chosen:     chosen,
		Rejected:   rejected,
		Similarity: similarity,
		Distance:   dist,
		CreatedAt:  time.Now().UTC(),
	}
}

// editDistance returns the Levenshtein distance between a and b and its
// ratio normalized by the longer rune length.
func editDistance(a, b string) (int, float64) {
	dist := levenshtein.ComputeDistance(a, b)
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 0, 0
	}
	return dist, float64(dist) / float64(longest)
}
