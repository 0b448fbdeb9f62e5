package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scribeworks/scribe/internal/schema"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	return NewMemory()
}

func TestEnsureIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Ensure(ctx, "s1"))
	require.NoError(t, s.AppendSegments(ctx, "s1", []schema.TranscriptSegment{{Speaker: "doctor", Text: "hello", ChunkSeq: 1}}))
	require.NoError(t, s.Ensure(ctx, "s1"))

	segs, err := s.Transcript(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, segs, 1)
}

func TestGetUnknownSession(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "nope")
	require.ErrorIs(t, err, schema.ErrSessionNotFound)
}

func TestCommitStage_ForwardOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Ensure(ctx, "s1"))

	require.NoError(t, s.CommitStage(ctx, "s1", schema.StageTranscribing))
	require.NoError(t, s.CommitStage(ctx, "s1", schema.StageGenerating))

	// Regressing mid-cycle is a corruption signal.
	err := s.CommitStage(ctx, "s1", schema.StageMasking)
	require.ErrorIs(t, err, schema.ErrCorruptState)

	// A new cycle (or a redelivered task) restarts at Transcribing.
	require.NoError(t, s.CommitStage(ctx, "s1", schema.StageAwaitingNextChunk))
	require.NoError(t, s.CommitStage(ctx, "s1", schema.StageTranscribing))
}

func TestCommitStage_TerminalIsSticky(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Ensure(ctx, "s1"))

	require.NoError(t, s.CommitStage(ctx, "s1", schema.StageFailed))
	err := s.CommitStage(ctx, "s1", schema.StageTranscribing)
	require.ErrorIs(t, err, schema.ErrCorruptState)
}

func TestCommitNote_OrderingAndIdempotence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Ensure(ctx, "s1"))

	n1 := schema.SoapNote{Subjective: schema.NoteSection{Text: "cough", SourceChunk: 1}}
	require.NoError(t, s.CommitNote(ctx, "s1", 1, n1))

	n2 := n1
	n2.Plan = schema.NoteSection{Text: "rest", SourceChunk: 2}
	require.NoError(t, s.CommitNote(ctx, "s1", 2, n2))

	// Replay of the latest commit is a no-op.
	require.NoError(t, s.CommitNote(ctx, "s1", 2, n2))

	// Older sequences are rejected.
	require.ErrorIs(t, s.CommitNote(ctx, "s1", 1, n1), schema.ErrOutOfOrder)

	note, seq, err := s.Note(ctx, "s1")
	require.NoError(t, err)
	require.EqualValues(t, 2, seq)
	require.Equal(t, "rest", note.Plan.Text)
	require.Equal(t, "cough", note.Subjective.Text)
}

func TestAttachFinding_ConcurrentWithMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Ensure(ctx, "s1"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.AttachFinding(ctx, "s1", schema.Finding{Kind: schema.FindingSafety, Message: "dosage", Anchored: true})
			_ = s.IncrMetric(ctx, "s1", "safety_alerts", 1)
		}()
	}
	wg.Wait()

	findings, err := s.Findings(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, findings, 20)

	m, err := s.Metrics(ctx, "s1")
	require.NoError(t, err)
	require.EqualValues(t, 20, m["safety_alerts"])
}

func TestChunkCounterAndBuffer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Ensure(ctx, "s1"))

	exp, err := s.ExpectedChunk(ctx, "s1")
	require.NoError(t, err)
	require.EqualValues(t, 1, exp)

	// Chunk 3 arrives early and gets parked.
	require.NoError(t, s.BufferChunk(ctx, schema.ChunkTask{SessionID: "s1", ChunkSeq: 3, AudioRef: "a3"}))

	got, err := s.TakeBuffered(ctx, "s1", 2)
	require.NoError(t, err)
	require.Nil(t, got)

	next, err := s.AdvanceChunk(ctx, "s1")
	require.NoError(t, err)
	require.EqualValues(t, 2, next)

	got, err = s.TakeBuffered(ctx, "s1", 3)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "a3", got.AudioRef)

	// Taking twice returns nothing.
	got, err = s.TakeBuffered(ctx, "s1", 3)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestDocuments_SaveAndReplace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Ensure(ctx, "s1"))

	_, err := s.Document(ctx, "s1", schema.DocumentReferral)
	require.ErrorIs(t, err, schema.ErrDocumentNotFound)

	require.NoError(t, s.SaveDocument(ctx, "s1", schema.DocumentReferral, "To Dr. Smith"))
	text, err := s.Document(ctx, "s1", schema.DocumentReferral)
	require.NoError(t, err)
	require.Equal(t, "To Dr. Smith", text)

	// A redrafted document replaces the earlier draft.
	require.NoError(t, s.SaveDocument(ctx, "s1", schema.DocumentReferral, "To Dr. Jones"))
	text, err = s.Document(ctx, "s1", schema.DocumentReferral)
	require.NoError(t, err)
	require.Equal(t, "To Dr. Jones", text)

	sess, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "To Dr. Jones", sess.Documents[string(schema.DocumentReferral)])

	require.ErrorIs(t, s.SaveDocument(ctx, "nope", schema.DocumentReferral, "x"), schema.ErrSessionNotFound)
	_, err = s.Document(ctx, "nope", schema.DocumentReferral)
	require.ErrorIs(t, err, schema.ErrSessionNotFound)
}

func TestMemoryStore_TTLExpiresIdleSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cur := time.Unix(1700000000, 0)
	s := NewMemory(WithTTL(time.Minute), WithClock(func() time.Time { return cur }))

	require.NoError(t, s.Ensure(ctx, "s1"))

	// Writes refresh the idle clock, like redis key TTLs.
	cur = cur.Add(30 * time.Second)
	require.NoError(t, s.IncrMetric(ctx, "s1", "chunks_processed", 1))

	cur = cur.Add(45 * time.Second)
	_, err := s.Get(ctx, "s1")
	require.NoError(t, err)

	cur = cur.Add(2 * time.Minute)
	_, err = s.Get(ctx, "s1")
	require.ErrorIs(t, err, schema.ErrSessionNotFound)

	// Ensure after expiry starts a fresh record.
	require.NoError(t, s.Ensure(ctx, "s1"))
	stage, err := s.Stage(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, schema.StageQueued, stage)
	m, err := s.Metrics(ctx, "s1")
	require.NoError(t, err)
	require.Empty(t, m)
}

func TestGlobalMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.IncrMetric(ctx, GlobalMetrics, "reject_count", 1))
	require.NoError(t, s.IncrMetric(ctx, GlobalMetrics, "reject_count", 1))

	m, err := s.Metrics(ctx, GlobalMetrics)
	require.NoError(t, err)
	require.EqualValues(t, 2, m["reject_count"])
}
