package feedback

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/scribeworks/scribe/internal/dataset"
	"github.com/scribeworks/scribe/internal/schema"
	"github.com/scribeworks/scribe/internal/store"
)

func newTestService(t *testing.T) (*Service, store.Store, string) {
	t.Helper()
	dir := t.TempDir()
	b, err := dataset.NewBuilder(dataset.Options{Dir: dir})
	require.NoError(t, err)
	st := store.NewMemory()
	return NewService(st, b, 0.3, zerolog.Nop()), st, dir
}

func seedSession(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.Ensure(ctx, "s1"))
	require.NoError(t, st.AppendSegments(ctx, "s1", []schema.TranscriptSegment{
		{Speaker: "patient", Text: "dry cough for 3 days", ChunkSeq: 2},
	}))
}

func TestHandleAcceptAppendsSFTPair(t *testing.T) {
	t.Parallel()
	svc, st, dir := newTestService(t)
	seedSession(t, st)
	ctx := context.Background()

	err := svc.Handle(ctx, record(schema.DecisionAccept, "Subjective: dry cough", ""))
	require.NoError(t, err)

	b, err := dataset.NewBuilder(dataset.Options{Dir: dir})
	require.NoError(t, err)
	pairs, err := b.Pairs(schema.PairSFT)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	require.Equal(t, "Subjective: dry cough", pairs[0].Chosen)
	require.Equal(t, "patient: dry cough for 3 days", pairs[0].Transcript)

	m, err := st.Metrics(ctx, "s1")
	require.NoError(t, err)
	require.EqualValues(t, 1, m["accept_count"])
}

func TestHandleRejectWithoutEditIsStatsOnly(t *testing.T) {
	t.Parallel()
	svc, st, dir := newTestService(t)
	seedSession(t, st)
	ctx := context.Background()

	require.NoError(t, svc.Handle(ctx, record(schema.DecisionReject, "Plan: rest", "")))

	// No dataset file appears.
	_, err := os.Stat(filepath.Join(dir, "dpo_train.jsonl"))
	require.True(t, os.IsNotExist(err))

	m, err := st.Metrics(ctx, "s1")
	require.NoError(t, err)
	require.EqualValues(t, 1, m["reject_count"])

	global, err := st.Metrics(ctx, store.GlobalMetrics)
	require.NoError(t, err)
	require.EqualValues(t, 1, global["reject_count"])
}

func TestHandleAmbiguousIsDroppedAndCounted(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	err := svc.Handle(ctx, record(schema.DecisionAccept, "", ""))
	require.ErrorIs(t, err, schema.ErrAmbiguousFeedback)

	global, err := st.Metrics(ctx, store.GlobalMetrics)
	require.NoError(t, err)
	require.EqualValues(t, 1, global["feedback_dropped"])
}

func TestFlushSessionSummary(t *testing.T) {
	t.Parallel()
	svc, st, dir := newTestService(t)
	ctx := context.Background()

	require.NoError(t, st.Ensure(ctx, "s1"))
	require.NoError(t, st.IncrMetric(ctx, "s1", "chunks_processed", 2))
	require.NoError(t, st.IncrMetric(ctx, "s1", "guardrail_note_terms", 10))
	require.NoError(t, st.IncrMetric(ctx, "s1", "guardrail_matched_terms", 8))
	require.NoError(t, st.IncrMetric(ctx, "s1", "guardrail_transcript_terms", 16))
	require.NoError(t, st.IncrMetric(ctx, "s1", "guardrail_flags", 1))
	require.NoError(t, st.AttachFinding(ctx, "s1", schema.Finding{Kind: schema.FindingGuardrail, Message: "unsupported"}))

	require.NoError(t, svc.FlushSessionSummary(ctx, "s1"))

	raw, err := os.ReadFile(filepath.Join(dir, "session_metrics.jsonl"))
	require.NoError(t, err)

	var summary SessionSummary
	require.NoError(t, json.Unmarshal(raw, &summary))
	require.Equal(t, "s1", summary.SessionID)
	require.EqualValues(t, 2, summary.Chunks)
	require.Equal(t, 1, summary.Findings)
	require.InDelta(t, 0.8, summary.Precision, 1e-9)
	require.InDelta(t, 0.5, summary.Recall, 1e-9)
	require.InDelta(t, 0.5, summary.HallucinationRate, 1e-9)
}

func TestFlushSummaryUnknownSession(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)

	err := svc.FlushSessionSummary(context.Background(), "ghost")
	require.ErrorIs(t, err, schema.ErrSessionNotFound)
}
