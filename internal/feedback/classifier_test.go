package feedback

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scribeworks/scribe/internal/schema"
)

func record(decision schema.Decision, original, edited string) schema.FeedbackRecord {
	return schema.FeedbackRecord{
		SessionID:    "s1",
		ChunkSeq:     2,
		Decision:     decision,
		OriginalNote: original,
		EditedNote:   edited,
	}
}

func TestClassifyAccept(t *testing.T) {
	t.Parallel()
	c := NewClassifier(0)

	pair, err := c.Classify(record(schema.DecisionAccept, "Subjective: dry cough for 3 days", ""))
	require.NoError(t, err)
	require.NotNil(t, pair)
	require.Equal(t, schema.PairSFT, pair.Category)
	require.Equal(t, "Subjective: dry cough for 3 days", pair.Chosen)
	require.Empty(t, pair.Rejected)
	require.Zero(t, pair.Distance)
	require.EqualValues(t, 1, pair.Similarity)
	require.NotEmpty(t, pair.ID)
}

func TestClassifyRejectWithoutEdit(t *testing.T) {
	t.Parallel()
	c := NewClassifier(0)

	pair, err := c.Classify(record(schema.DecisionReject, "Plan: rest", ""))
	require.NoError(t, err)
	require.Nil(t, pair, "rejection without a replacement produces no pair")
}

func TestClassifyRejectWithEdit(t *testing.T) {
	t.Parallel()
	c := NewClassifier(0)

	pair, err := c.Classify(record(schema.DecisionReject, "Plan: rest", "Plan: admit for IV antibiotics"))
	require.NoError(t, err)
	require.NotNil(t, pair)
	require.Equal(t, schema.PairDPO, pair.Category)
	require.Equal(t, "Plan: admit for IV antibiotics", pair.Chosen)
	require.Equal(t, "Plan: rest", pair.Rejected)
	require.Greater(t, pair.Distance, 0)
}

func TestClassifyEditThreshold(t *testing.T) {
	t.Parallel()

	base := strings.Repeat("a", 20)
	tests := []struct {
		name      string
		threshold float64
		edited    string
		want      schema.PairCategory
	}{
		// 1 change over 20 runes: ratio 0.05, a light touch-up.
		{"small edit is sft", 0.3, strings.Repeat("a", 19) + "b", schema.PairSFT},
		// 16 changes over 20 runes: ratio 0.8, a rewrite.
		{"large edit is dpo", 0.3, strings.Repeat("a", 4) + strings.Repeat("b", 16), schema.PairDPO},
		// Same rewrite under a permissive threshold stays sft.
		{"threshold is configurable", 0.9, strings.Repeat("a", 4) + strings.Repeat("b", 16), schema.PairSFT},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			pair, err := NewClassifier(tc.threshold).Classify(record(schema.DecisionEdit, base, tc.edited))
			require.NoError(t, err)
			require.NotNil(t, pair)
			require.Equal(t, tc.want, pair.Category)
			require.Equal(t, tc.edited, pair.Chosen)
			if tc.want == schema.PairDPO {
				require.Equal(t, base, pair.Rejected)
			} else {
				require.Empty(t, pair.Rejected)
			}
		})
	}
}

func TestClassifyAmbiguous(t *testing.T) {
	t.Parallel()
	c := NewClassifier(0)

	tests := []struct {
		name string
		rec  schema.FeedbackRecord
	}{
		{"accept without original", record(schema.DecisionAccept, "", "")},
		{"edit without edited note", record(schema.DecisionEdit, "Plan: rest", "")},
		{"edit without original", record(schema.DecisionEdit, "", "Plan: rest")},
		{"unknown decision", record("maybe", "a", "b")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := c.Classify(tc.rec)
			require.ErrorIs(t, err, schema.ErrAmbiguousFeedback)
		})
	}
}

func TestEditDistance(t *testing.T) {
	t.Parallel()

	dist, ratio := editDistance("kitten", "sitting")
	require.Equal(t, 3, dist)
	require.InDelta(t, 3.0/7.0, ratio, 1e-9)

	dist, ratio = editDistance("", "")
	require.Zero(t, dist)
	require.Zero(t, ratio)
}
