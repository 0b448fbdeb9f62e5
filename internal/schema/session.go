package schema

import (
	"time"
)

// Stage is the per-chunk pipeline position of a session. Transitions are
// strictly forward; a session never regresses to an earlier stage.
type Stage string

const (
	StageQueued            Stage = "queued"
	StageTranscribing      Stage = "transcribing"
	StageRoleTagging       Stage = "role_tagging"
	StageMasking           Stage = "masking"
	StageGenerating        Stage = "generating"
	StageValidating        Stage = "validating"
	StageAwaitingNextChunk Stage = "awaiting_next_chunk"
	StageCompleted         Stage = "completed"
	StageFailed            Stage = "failed"
)

var stageOrder = map[Stage]int{
	StageQueued:            0,
	StageTranscribing:      1,
	StageRoleTagging:       2,
	StageMasking:           3,
	StageGenerating:        4,
	StageValidating:        5,
	StageAwaitingNextChunk: 6,
	StageCompleted:         7,
	StageFailed:            7,
}

// Before reports whether s is strictly earlier in the pipeline than other.
// Completed and Failed are terminal and share the last slot.
func (s Stage) Before(other Stage) bool {
	return stageOrder[s] < stageOrder[other]
}

// Terminal reports whether no further pipeline work may happen for the session.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// TranscriptSegment is one speaker-tagged, timestamped unit of transcript.
// Immutable once appended to a session.
type TranscriptSegment struct {
	Speaker    string  `json:"speaker"`
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	ChunkSeq   int64   `json:"chunk_seq"`
	Confidence float64 `json:"confidence"`
}

// FindingKind distinguishes guardrail (factual consistency) findings from
// safety (clinical risk) findings.
type FindingKind string

const (
	FindingGuardrail FindingKind = "guardrail"
	FindingSafety    FindingKind = "safety"
)

// Finding is a flagged concern attached asynchronously to a session's note.
// Findings never block pipeline progress.
type Finding struct {
	Kind      FindingKind `json:"kind"`
	Severity  string      `json:"severity"`
	Message   string      `json:"message"`
	Section   string      `json:"section,omitempty"`
	SpanStart int         `json:"span_start"`
	SpanEnd   int         `json:"span_end"`
	ChunkSeq  int64       `json:"chunk_seq"`
	Resolved  bool        `json:"resolved"`
	// Anchored is false when a note section changed underneath the finding
	// and its span no longer matches the new text.
	Anchored  bool      `json:"anchored"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is the full externally-pollable state of one clinical encounter.
// Owned exclusively by the worker during active processing; background
// validators may only append findings and bump metrics.
type Session struct {
	ID         string              `json:"session_id"`
	Stage      Stage               `json:"stage"`
	Transcript []TranscriptSegment `json:"transcript"`
	Note       SoapNote            `json:"note"`
	Findings   []Finding           `json:"findings"`
	Metrics    map[string]float64  `json:"metrics"`
	// Documents holds drafted side documents keyed by document type.
	Documents map[string]string `json:"documents,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}
