package dataset

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scribeworks/scribe/internal/schema"
)

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	b, err := NewBuilder(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	return b
}

func TestAppendPairRoutesByCategory(t *testing.T) {
	t.Parallel()
	b := newTestBuilder(t)

	require.NoError(t, b.AppendPair(schema.TrainingPair{ID: "a", Category: schema.PairSFT, Chosen: "note a"}))
	require.NoError(t, b.AppendPair(schema.TrainingPair{ID: "b", Category: schema.PairDPO, Chosen: "edited", Rejected: "original"}))
	require.NoError(t, b.AppendPair(schema.TrainingPair{ID: "c", Category: schema.PairSFT, Chosen: "note c"}))

	sft, err := b.Pairs(schema.PairSFT)
	require.NoError(t, err)
	require.Len(t, sft, 2)
	require.Equal(t, "a", sft[0].ID)
	require.Equal(t, "c", sft[1].ID)

	dpo, err := b.Pairs(schema.PairDPO)
	require.NoError(t, err)
	require.Len(t, dpo, 1)
	require.Equal(t, "original", dpo[0].Rejected)
}

func TestAppendIsAtomic(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	b, err := NewBuilder(Options{Dir: dir})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, b.AppendPair(schema.TrainingPair{ID: "p", Category: schema.PairSFT, Chosen: "x"}))
	}

	// Every line in the file must be complete, parseable JSON, and no temp
	// files may survive an append.
	raw, err := os.ReadFile(filepath.Join(dir, "sft_train.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	require.Len(t, lines, 10)
	for _, line := range lines {
		require.True(t, json.Valid([]byte(line)))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, strings.HasPrefix(e.Name(), ".dataset-"), "leftover temp file %s", e.Name())
	}
}

func TestPairsMissingFile(t *testing.T) {
	t.Parallel()
	b := newTestBuilder(t)

	pairs, err := b.Pairs(schema.PairDPO)
	require.NoError(t, err)
	require.Empty(t, pairs)
}

func TestUnknownCategory(t *testing.T) {
	t.Parallel()
	b := newTestBuilder(t)

	require.Error(t, b.AppendPair(schema.TrainingPair{Category: "rlhf"}))
}

func TestAppendSummary(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	b, err := NewBuilder(Options{Dir: dir})
	require.NoError(t, err)

	require.NoError(t, b.AppendSummary(map[string]any{"session_id": "s1", "precision": 0.9}))

	raw, err := os.ReadFile(filepath.Join(dir, "session_metrics.jsonl"))
	require.NoError(t, err)
	require.Contains(t, string(raw), `"session_id":"s1"`)
}
