// Package provider defines the capability interfaces the pipeline consumes.
// Each capability is a pure function-like service: input in, result or
// failure out. Swapping a backend never touches orchestration logic.
package provider

import (
	"context"

	"github.com/scribeworks/scribe/internal/schema"
)

// Transcriber converts an audio reference into raw transcript segments with
// unknown speakers.
type Transcriber interface {
	Transcribe(ctx context.Context, audioRef string, chunkSeq int64) ([]schema.TranscriptSegment, error)
}

// RoleTagger assigns Doctor/Patient roles to transcript segments from
// conversational context.
type RoleTagger interface {
	TagRoles(ctx context.Context, segs []schema.TranscriptSegment) ([]schema.TranscriptSegment, error)
}

// PIIMasker redacts identifying data before storage or model calls.
type PIIMasker interface {
	Mask(ctx context.Context, segs []schema.TranscriptSegment) ([]schema.TranscriptSegment, error)
}

// NoteGenerator produces the incremental note update for the newest
// transcript increment, given the committed note as context. It is the only
// accelerator-heavy capability and runs solely inside the worker's
// generation bridge.
type NoteGenerator interface {
	GenerateDelta(ctx context.Context, prior schema.SoapNote, segs []schema.TranscriptSegment) (schema.SoapNote, error)
}

// DocumentDrafter writes plain-text side documents (referral letters,
// medical certificates) from a session's committed note and transcript.
type DocumentDrafter interface {
	DraftDocument(ctx context.Context, docType schema.DocumentType, note schema.SoapNote, transcript []schema.TranscriptSegment) (string, error)
}

// GuardrailValidator flags note content unsupported by the transcript.
type GuardrailValidator interface {
	Validate(ctx context.Context, note schema.SoapNote, transcript []schema.TranscriptSegment) ([]schema.Finding, error)
}

// SafetyChecker flags clinically risky note content (dosage limits).
type SafetyChecker interface {
	Check(ctx context.Context, note schema.SoapNote, transcript []schema.TranscriptSegment) ([]schema.Finding, error)
}

// Set bundles one implementation of every capability. The worker depends on
// a Set, so backends swap wholesale without touching pipeline code.
type Set struct {
	Transcriber Transcriber
	RoleTagger  RoleTagger
	Masker      PIIMasker
	Generator   NoteGenerator
	Drafter     DocumentDrafter
	Guardrail   GuardrailValidator
	Safety      SafetyChecker
}
