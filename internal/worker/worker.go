// Package worker runs the sequential per-chunk pipeline: dequeue, transcribe,
// tag roles, mask, generate the note delta, then hand validation to the
// background while the loop moves on. One worker owns one accelerator; it
// never processes two chunks at once.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/scribeworks/scribe/internal/provider"
	"github.com/scribeworks/scribe/internal/queue"
	"github.com/scribeworks/scribe/internal/schema"
	"github.com/scribeworks/scribe/internal/store"
	"github.com/scribeworks/scribe/pkg/syncx"
)

// Segments transcribed below this confidence get an "(unclear)" prefix so the
// clinician knows the text is a guess. Zero confidence means the backend did
// not report one.
const lowConfidence = 0.5

// Options tunes the worker loop.
type Options struct {
	// StageTimeout bounds each provider call. A timed-out stage counts as a
	// failed attempt under the retry policy.
	StageTimeout time.Duration

	// StageRetries is the attempt budget per stage for transient failures.
	StageRetries int

	// RetryBackoff is the base delay between in-place stage retries.
	RetryBackoff time.Duration

	// OnCompleted fires after a session reaches Completed (final chunk done).
	// Used to flush the session summary.
	OnCompleted func(ctx context.Context, sessionID string)

	Logger zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.StageTimeout <= 0 {
		o.StageTimeout = 60 * time.Second
	}
	if o.StageRetries <= 0 {
		o.StageRetries = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 800 * time.Millisecond
	}
	return o
}

// Worker is the single consumer of one task queue.
type Worker struct {
	store      store.Store
	queue      queue.Queue
	providers  provider.Set
	bridge     *Bridge
	validators *syncx.Group
	opts       Options
	log        zerolog.Logger
}

// New wires a worker. The generation bridge is started immediately.
func New(st store.Store, q queue.Queue, providers provider.Set, opts Options) *Worker {
	opts = opts.withDefaults()
	return &Worker{
		store:     st,
		queue:     q,
		providers: providers,
		bridge:    NewBridge(providers.Generator),
		// Validations survive loop shutdown; they finish on their own clock.
		validators: syncx.NewGroup(context.Background()),
		opts:       opts,
		log:        opts.Logger,
	}
}

// Run consumes tasks until ctx is done. In-flight validations are waited for
// on the way out so their findings land before the process exits.
func (w *Worker) Run(ctx context.Context) error {
	defer w.bridge.Close()
	defer func() {
		if n := w.validators.Active(); n > 0 {
			w.log.Info().Int("in_flight", n).Msg("waiting for background validations")
		}
		w.validators.Wait()
	}()

	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("dequeue: %w", err)
		}

		if err := w.process(ctx, task); err != nil {
			w.handleFailure(ctx, task, err)
			continue
		}
		if err := w.queue.Ack(ctx, task); err != nil {
			w.log.Error().Err(err).Str("session", task.SessionID).Int64("chunk", task.ChunkSeq).Msg("ack failed")
		}
	}
}

func (w *Worker) process(ctx context.Context, task schema.ChunkTask) error {
	if task.Kind == schema.TaskDocument {
		return w.processDocument(ctx, task)
	}

	log := w.log.With().Str("session", task.SessionID).Int64("chunk", task.ChunkSeq).Logger()
	started := time.Now()

	if err := w.store.Ensure(ctx, task.SessionID); err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}

	stage, err := w.store.Stage(ctx, task.SessionID)
	if err != nil {
		return err
	}
	if stage.Terminal() {
		log.Warn().Str("stage", string(stage)).Msg("session already terminal, dropping chunk")
		return nil
	}

	expected, err := w.store.ExpectedChunk(ctx, task.SessionID)
	if err != nil {
		return err
	}
	switch {
	case task.ChunkSeq > expected:
		// Arrived before its predecessor finished. Park it; the pipeline
		// re-enqueues it the moment its turn comes.
		log.Warn().Int64("expected", expected).Err(schema.ErrOutOfOrder).Msg("chunk ahead of schedule, parking")
		_ = w.store.IncrMetric(ctx, task.SessionID, "chunks_parked", 1)
		return w.store.BufferChunk(ctx, task)
	case task.ChunkSeq < expected:
		log.Warn().Int64("expected", expected).Msg("stale chunk, dropping")
		return nil
	}

	// A redelivered task may have persisted its transcript before failing.
	// Reuse it instead of transcribing (and paying for) the audio again.
	history, err := w.store.Transcript(ctx, task.SessionID)
	if err != nil {
		return err
	}
	segs := segmentsFor(history, task.ChunkSeq)
	if len(segs) == 0 {
		segs, err = w.prepareSegments(ctx, log, task)
		if err != nil {
			return err
		}
		if len(segs) == 0 {
			// No speech in this chunk. Nothing to generate from.
			log.Info().Msg("empty transcription, skipping generation")
			_ = w.store.IncrMetric(ctx, task.SessionID, "empty_chunks", 1)
			return w.finishChunk(ctx, log, task, started)
		}
	} else {
		log.Info().Int("segments", len(segs)).Msg("reusing transcript from earlier delivery")
	}

	prior, committedSeq, err := w.store.Note(ctx, task.SessionID)
	if err != nil {
		return err
	}
	if committedSeq >= task.ChunkSeq {
		// Redelivery after the commit landed. Validation already ran.
		log.Info().Int64("committed", committedSeq).Msg("note already committed for chunk")
		return w.finishChunk(ctx, log, task, started)
	}

	var merged schema.SoapNote
	err = w.runStage(ctx, task.SessionID, schema.StageGenerating, func(c context.Context) error {
		delta, gerr := w.bridge.Generate(c, prior, segs)
		if gerr != nil {
			return gerr
		}
		merged = MergeNote(prior, delta)
		return w.store.CommitNote(c, task.SessionID, task.ChunkSeq, merged)
	})
	if err != nil {
		return err
	}

	if err := w.store.CommitStage(ctx, task.SessionID, schema.StageValidating); err != nil {
		return err
	}
	noteSnapshot := merged
	w.validators.Go(func(vctx context.Context) {
		w.validate(vctx, task, noteSnapshot)
	})

	return w.finishChunk(ctx, log, task, started)
}

// prepareSegments runs the transcribe, role-tag and mask stages and persists
// the masked result. Raw text never touches the store.
func (w *Worker) prepareSegments(ctx context.Context, log zerolog.Logger, task schema.ChunkTask) ([]schema.TranscriptSegment, error) {
	var segs []schema.TranscriptSegment

	err := w.runStage(ctx, task.SessionID, schema.StageTranscribing, func(c context.Context) error {
		var terr error
		segs, terr = w.providers.Transcriber.Transcribe(c, task.AudioRef, task.ChunkSeq)
		return terr
	})
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return nil, nil
	}

	err = w.runStage(ctx, task.SessionID, schema.StageRoleTagging, func(c context.Context) error {
		var terr error
		segs, terr = w.providers.RoleTagger.TagRoles(c, segs)
		return terr
	})
	if err != nil {
		return nil, err
	}

	err = w.runStage(ctx, task.SessionID, schema.StageMasking, func(c context.Context) error {
		masked, merr := w.providers.Masker.Mask(c, segs)
		if merr != nil {
			return merr
		}
		segs = annotateUnclear(masked)
		return w.store.AppendSegments(c, task.SessionID, segs)
	})
	if err != nil {
		return nil, err
	}
	log.Debug().Int("segments", len(segs)).Msg("transcript persisted")
	return segs, nil
}

// finishChunk advances ordering state, commits the terminal or waiting stage,
// records latency and releases the parked successor, if any.
func (w *Worker) finishChunk(ctx context.Context, log zerolog.Logger, task schema.ChunkTask, started time.Time) error {
	next, err := w.store.AdvanceChunk(ctx, task.SessionID)
	if err != nil {
		return err
	}

	if task.IsLast {
		if err := w.store.CommitStage(ctx, task.SessionID, schema.StageCompleted); err != nil {
			return err
		}
		log.Info().Msg("session completed")
		if w.opts.OnCompleted != nil {
			w.opts.OnCompleted(ctx, task.SessionID)
		}
	} else if err := w.store.CommitStage(ctx, task.SessionID, schema.StageAwaitingNextChunk); err != nil {
		return err
	}

	elapsed := float64(time.Since(started).Milliseconds())
	_ = w.store.IncrMetric(ctx, task.SessionID, "chunk_latency_ms", elapsed)
	_ = w.store.IncrMetric(ctx, task.SessionID, "chunks_processed", 1)
	_ = w.store.IncrMetric(ctx, store.GlobalMetrics, "chunks_processed", 1)

	if buffered, err := w.store.TakeBuffered(ctx, task.SessionID, next); err == nil && buffered != nil {
		log.Info().Int64("next", next).Msg("releasing parked chunk")
		if err := w.queue.Enqueue(ctx, *buffered); err != nil {
			return fmt.Errorf("release parked chunk: %w", err)
		}
	}
	return nil
}

// processDocument drafts a side document (referral or certificate) from the
// session's committed note. Document tasks ride the same queue as chunks, so
// drafting never overlaps note generation on the accelerator. They do not
// touch the chunk stage machine or the ordering counter.
func (w *Worker) processDocument(ctx context.Context, task schema.ChunkTask) error {
	log := w.log.With().Str("session", task.SessionID).Str("doc_type", string(task.DocType)).Logger()

	if !task.DocType.Valid() {
		return fmt.Errorf("unknown document type %q", task.DocType)
	}
	if w.providers.Drafter == nil {
		return fmt.Errorf("no document drafter configured")
	}

	note, committed, err := w.store.Note(ctx, task.SessionID)
	if err != nil {
		return err
	}
	if committed == 0 {
		return fmt.Errorf("session %s has no committed note to draft from", task.SessionID)
	}
	transcript, err := w.store.Transcript(ctx, task.SessionID)
	if err != nil {
		return err
	}

	var text string
	err = w.retryLoop(ctx, task.SessionID, "drafting", func(c context.Context) error {
		var derr error
		text, derr = w.providers.Drafter.DraftDocument(c, task.DocType, note, transcript)
		return derr
	})
	if err != nil {
		return fmt.Errorf("draft %s: %w", task.DocType, err)
	}

	if err := w.store.SaveDocument(ctx, task.SessionID, task.DocType, text); err != nil {
		return err
	}
	_ = w.store.IncrMetric(ctx, task.SessionID, "documents_drafted", 1)
	log.Info().Int("bytes", len(text)).Msg("document drafted")
	return nil
}

// runStage executes fn under the retry policy, then commits the stage and
// records its latency.
func (w *Worker) runStage(ctx context.Context, sessionID string, stage schema.Stage, fn func(context.Context) error) error {
	started := time.Now()
	if err := w.retryLoop(ctx, sessionID, string(stage), fn); err != nil {
		return &schema.StageError{Stage: stage, Err: err}
	}

	if err := w.store.CommitStage(ctx, sessionID, stage); err != nil {
		return err
	}
	_ = w.store.IncrMetric(ctx, sessionID, "latency_"+string(stage)+"_ms", float64(time.Since(started).Milliseconds()))
	return nil
}

// retryLoop executes fn under the stage timeout with bounded in-place retries
// for transient failures. Resource exhaustion aborts immediately so the whole
// task can be requeued instead.
func (w *Worker) retryLoop(ctx context.Context, sessionID, label string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= w.opts.StageRetries; attempt++ {
		if attempt > 1 {
			if serr := sleepCtx(ctx, backoff(w.opts.RetryBackoff, attempt-1)); serr != nil {
				return serr
			}
		}
		stageCtx, cancel := context.WithTimeout(ctx, w.opts.StageTimeout)
		err = fn(stageCtx)
		cancel()
		if err == nil {
			return nil
		}
		if schema.IsResourceExhausted(err) || ctx.Err() != nil {
			return err
		}
		if !retryable(err) {
			return err
		}
		w.log.Warn().Err(err).Str("session", sessionID).Str("stage", label).Int("attempt", attempt).Msg("stage retry")
	}
	return err
}

func retryable(err error) bool {
	return schema.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}

// handleFailure routes an exhausted task back to the queue, or dead-letters
// it and fails the session when the attempt budget is spent. The session
// stage stays at the last committed stage until a redelivery succeeds.
func (w *Worker) handleFailure(ctx context.Context, task schema.ChunkTask, err error) {
	log := w.log.With().Str("session", task.SessionID).Int64("chunk", task.ChunkSeq).Logger()
	log.Error().Err(err).Msg("chunk processing failed")

	if schema.IsResourceExhausted(err) {
		// Accelerator pressure: back off by requeueing so memory can drain.
		_ = w.store.IncrMetric(ctx, store.GlobalMetrics, "oom_requeues", 1)
	}

	requeued, qerr := w.queue.Requeue(ctx, task)
	if qerr != nil {
		log.Error().Err(qerr).Msg("requeue failed")
		return
	}
	if requeued {
		log.Warn().Int("attempts", task.Attempts+1).Msg("task requeued")
		return
	}

	if task.Kind == schema.TaskDocument {
		// A failed draft loses only the document, never the session.
		log.Error().Str("doc_type", string(task.DocType)).Msg("document task dead-lettered")
		_ = w.store.IncrMetric(ctx, store.GlobalMetrics, "tasks_dead_lettered", 1)
		return
	}

	// Attempt budget spent. Fail the session and unblock the chunk counter so
	// later chunks are not stuck behind a poisoned one.
	log.Error().Msg("task dead-lettered, failing session")
	_ = w.store.IncrMetric(ctx, store.GlobalMetrics, "tasks_dead_lettered", 1)
	if serr := w.store.CommitStage(ctx, task.SessionID, schema.StageFailed); serr != nil {
		log.Error().Err(serr).Msg("failed to mark session failed")
	}
	if _, serr := w.store.AdvanceChunk(ctx, task.SessionID); serr != nil {
		log.Error().Err(serr).Msg("failed to advance chunk counter")
	}
}

// guardrailCounter is the optional richer guardrail surface that also reports
// term coverage counts for the session quality metrics.
type guardrailCounter interface {
	ValidateWithCounts(note schema.SoapNote, transcript []schema.TranscriptSegment) ([]schema.Finding, provider.Counts)
}

// validate runs the guardrail and safety checks against the note committed
// for this chunk. It runs in the background: results attach whenever they
// finish, even after the next chunk has begun, and are discarded if the
// session failed in the meantime.
func (w *Worker) validate(ctx context.Context, task schema.ChunkTask, note schema.SoapNote) {
	log := w.log.With().Str("session", task.SessionID).Int64("chunk", task.ChunkSeq).Logger()

	transcript, err := w.store.Transcript(ctx, task.SessionID)
	if err != nil {
		log.Error().Err(err).Msg("validation: transcript read failed")
		return
	}

	var findings []schema.Finding
	if gc, ok := w.providers.Guardrail.(guardrailCounter); ok {
		var counts provider.Counts
		findings, counts = gc.ValidateWithCounts(note, transcript)
		_ = w.store.IncrMetric(ctx, task.SessionID, "guardrail_note_terms", float64(counts.NoteTerms))
		_ = w.store.IncrMetric(ctx, task.SessionID, "guardrail_matched_terms", float64(counts.MatchedTerms))
		_ = w.store.IncrMetric(ctx, task.SessionID, "guardrail_transcript_terms", float64(counts.TranscriptTerms))
	} else {
		findings, err = w.providers.Guardrail.Validate(ctx, note, transcript)
		if err != nil {
			log.Error().Err(err).Msg("guardrail validation failed")
			_ = w.store.IncrMetric(ctx, store.GlobalMetrics, "validation_errors", 1)
		}
	}

	safety, err := w.providers.Safety.Check(ctx, note, transcript)
	if err != nil {
		log.Error().Err(err).Msg("safety check failed")
		_ = w.store.IncrMetric(ctx, store.GlobalMetrics, "validation_errors", 1)
	}
	findings = append(findings, safety...)
	if len(findings) == 0 {
		return
	}

	stage, err := w.store.Stage(ctx, task.SessionID)
	if err != nil || stage == schema.StageFailed {
		log.Warn().Msg("session failed underneath validation, discarding findings")
		return
	}

	// The note may have moved on while we validated. Re-anchor spans against
	// the current section text before attaching.
	current, _, err := w.store.Note(ctx, task.SessionID)
	if err != nil {
		log.Error().Err(err).Msg("validation: note read failed")
		return
	}
	for _, f := range findings {
		if sec := current.Section(f.Section); sec != nil && sec.SourceChunk != f.ChunkSeq {
			old := note.Section(f.Section)
			f = Reanchor(f, old.Text, sec.Text)
			if !f.Anchored {
				log.Warn().Str("section", f.Section).Msg("finding span no longer matches rewritten section")
			}
		}
		if err := w.store.AttachFinding(ctx, task.SessionID, f); err != nil {
			log.Error().Err(err).Msg("attach finding failed")
			continue
		}
		switch f.Kind {
		case schema.FindingSafety:
			_ = w.store.IncrMetric(ctx, task.SessionID, "safety_alerts", 1)
		case schema.FindingGuardrail:
			_ = w.store.IncrMetric(ctx, task.SessionID, "guardrail_flags", 1)
		}
	}
}

// annotateUnclear prefixes low-confidence segments so downstream readers know
// the text is uncertain.
func annotateUnclear(segs []schema.TranscriptSegment) []schema.TranscriptSegment {
	for i, s := range segs {
		if s.Confidence > 0 && s.Confidence < lowConfidence && !strings.HasPrefix(s.Text, "(unclear) ") {
			segs[i].Text = "(unclear) " + s.Text
		}
	}
	return segs
}

func segmentsFor(history []schema.TranscriptSegment, chunkSeq int64) []schema.TranscriptSegment {
	var out []schema.TranscriptSegment
	for _, s := range history {
		if s.ChunkSeq == chunkSeq {
			out = append(out, s)
		}
	}
	return out
}
