package schema

import "time"

// TaskKind separates chunk pipeline tasks from side-document requests.
// Both ride the same queue so they never overlap on the accelerator.
type TaskKind string

const (
	TaskChunk    TaskKind = "chunk"
	TaskDocument TaskKind = "document"
)

// DocumentType names a side document drafted from a session's note.
type DocumentType string

const (
	DocumentReferral    DocumentType = "referral"
	DocumentCertificate DocumentType = "certificate"
)

// Valid reports whether d names a known document type.
func (d DocumentType) Valid() bool {
	return d == DocumentReferral || d == DocumentCertificate
}

// ChunkTask is the queue payload for one audio chunk of one session.
// Chunks of a session must be processed in strictly increasing ChunkSeq order.
type ChunkTask struct {
	SessionID  string    `json:"session_id"`
	ChunkSeq   int64     `json:"chunk_sequence"`
	AudioRef   string    `json:"audio_ref"`
	IsLast     bool      `json:"is_last"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// Kind is TaskChunk when empty. Document tasks reuse this envelope with
	// only SessionID and DocType set; they carry no audio and no sequence.
	Kind    TaskKind     `json:"kind,omitempty"`
	DocType DocumentType `json:"doc_type,omitempty"`

	// Attempts counts deliveries of this task; bumped on every Requeue.
	Attempts int `json:"attempts"`
}

// Decision is the clinician's verdict on a generated note.
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionEdit   Decision = "edit"
	DecisionReject Decision = "reject"
)

// FeedbackRecord is one clinician decision on one generated note.
// Immutable once created.
type FeedbackRecord struct {
	SessionID    string    `json:"session_id"`
	ChunkSeq     int64     `json:"chunk_sequence"`
	Decision     Decision  `json:"decision"`
	OriginalNote string    `json:"original_note"`
	EditedNote   string    `json:"edited_note,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
}

// PairCategory routes a training pair to its dataset.
type PairCategory string

const (
	PairSFT PairCategory = "sft"
	PairDPO PairCategory = "dpo"
)

// TrainingPair is a classified, training-ready example with provenance.
type TrainingPair struct {
	ID         string       `json:"id"`
	Category   PairCategory `json:"category"`
	SessionID  string       `json:"session_id"`
	ChunkSeq   int64        `json:"chunk_sequence"`
	Transcript string       `json:"transcript"`
	Chosen     string       `json:"chosen"`
	Rejected   string       `json:"rejected,omitempty"`
	Similarity float64      `json:"similarity"`
	Distance   int          `json:"distance"`
	CreatedAt  time.Time    `json:"created_at"`
}
