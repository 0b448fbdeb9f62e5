// Package store is the session state access layer. A session record is a set
// of independently keyed sub-resources (stage, transcript, note, findings,
// metrics, ordering counters) so that the worker and background validators
// can mutate disjoint parts without whole-record overwrites.
package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scribeworks/scribe/internal/schema"
)

// Store is the per-session state contract. All mutations are field-scoped
// and atomic; AttachFinding and IncrMetric are safe to call concurrently
// with pipeline advance.
type Store interface {
	// Get assembles the full externally-pollable session view.
	// Returns schema.ErrSessionNotFound for unknown sessions.
	Get(ctx context.Context, sessionID string) (*schema.Session, error)

	// Ensure creates the session record on first contact. Idempotent.
	Ensure(ctx context.Context, sessionID string) error

	// CommitStage advances the session stage. Transitions must be forward
	// within a chunk cycle; AwaitingNextChunk may loop back to Transcribing
	// when the next chunk starts. Terminal stages never change.
	CommitStage(ctx context.Context, sessionID string, stage schema.Stage) error

	// Stage returns the current stage.
	Stage(ctx context.Context, sessionID string) (schema.Stage, error)

	// AppendSegments appends masked transcript segments. Append-only.
	AppendSegments(ctx context.Context, sessionID string, segs []schema.TranscriptSegment) error

	// Transcript returns the full transcript history.
	Transcript(ctx context.Context, sessionID string) ([]schema.TranscriptSegment, error)

	// CommitNote atomically replaces the committed note for chunkSeq.
	// Commits must carry strictly increasing chunk sequences; a replayed
	// commit with the already-committed sequence and identical content is a
	// no-op (idempotent re-delivery), anything else out of order is rejected
	// with schema.ErrOutOfOrder.
	CommitNote(ctx context.Context, sessionID string, chunkSeq int64, note schema.SoapNote) error

	// Note returns the committed note and the sequence of the last commit
	// (0 when nothing has been committed yet).
	Note(ctx context.Context, sessionID string) (schema.SoapNote, int64, error)

	// AttachFinding appends one validator finding. Never blocks pipeline
	// advance; results attach whenever the validator finishes.
	AttachFinding(ctx context.Context, sessionID string, f schema.Finding) error

	// Findings returns all attached findings in arrival order.
	Findings(ctx context.Context, sessionID string) ([]schema.Finding, error)

	// IncrMetric atomically adds amount to the named per-session counter.
	// Use GlobalMetrics as the session ID for process-wide aggregates.
	IncrMetric(ctx context.Context, sessionID, name string, amount float64) error

	// Metrics returns the current metric map.
	Metrics(ctx context.Context, sessionID string) (map[string]float64, error)

	// ExpectedChunk returns the sequence number the pipeline will accept
	// next (the "ticket number"). Starts at 1.
	ExpectedChunk(ctx context.Context, sessionID string) (int64, error)

	// AdvanceChunk bumps the expected sequence after a chunk fully
	// completes (or is given up on) and returns the new value.
	AdvanceChunk(ctx context.Context, sessionID string) (int64, error)

	// SaveDocument stores a drafted side document, replacing any earlier
	// draft of the same type.
	SaveDocument(ctx context.Context, sessionID string, docType schema.DocumentType, text string) error

	// Document returns the stored draft for docType, or
	// schema.ErrDocumentNotFound when none has been drafted.
	Document(ctx context.Context, sessionID string, docType schema.DocumentType) (string, error)

	// BufferChunk parks a too-early task until its turn comes.
	BufferChunk(ctx context.Context, task schema.ChunkTask) error

	// TakeBuffered removes and returns the parked task for chunkSeq,
	// or nil when none is waiting.
	TakeBuffered(ctx context.Context, sessionID string, chunkSeq int64) (*schema.ChunkTask, error)

	Close() error
}

// GlobalMetrics is the pseudo session ID for process-wide metric aggregates
// (rejection rate, average edit distance across sessions).
const GlobalMetrics = "_global"

// Option configures a store driver.
type Option func(*options)

type options struct {
	redisClient *redis.Client
	ttl         time.Duration
	now         func() time.Time
}

// WithRedisClient supplies the client backing the redis driver.
func WithRedisClient(c *redis.Client) Option {
	return func(o *options) { o.redisClient = c }
}

// WithTTL sets the idle expiry applied to every session key. Each write
// refreshes it. Defaults to one hour.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{ttl: time.Hour, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl <= 0 {
		o.ttl = time.Hour
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// validTransition enforces the forward-only stage machine. Transcribing
// starts a fresh chunk cycle (or a redelivery of a requeued task) and is
// reachable from any non-terminal stage; within a cycle stages only move
// forward; terminal stages never change.
func validTransition(cur, next schema.Stage) bool {
	if cur.Terminal() {
		return false
	}
	if next == schema.StageFailed || next == schema.StageCompleted {
		return true
	}
	if next == schema.StageTranscribing {
		return true
	}
	return cur.Before(next)
}
