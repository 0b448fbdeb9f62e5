package store

import (
	"context"
	"sync"
	"time"

	"github.com/scribeworks/scribe/internal/schema"
)

// memorySession mirrors the redis key layout as plain fields.
type memorySession struct {
	stage        schema.Stage
	transcript   []schema.TranscriptSegment
	note         schema.SoapNote
	committedSeq int64
	findings     []schema.Finding
	metrics      map[string]float64
	documents    map[string]string
	expected     int64
	buffered     map[int64]schema.ChunkTask
	createdAt    time.Time
	updatedAt    time.Time
}

// memoryStore keeps all session state in process. Used by tests and by
// single-process runs without redis.
type memoryStore struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
	now      func() time.Time
	ttl      time.Duration
}

// NewMemory returns an in-memory Store.
func NewMemory(opts ...Option) Store {
	o := buildOptions(opts)
	return &memoryStore{
		sessions: make(map[string]*memorySession),
		now:      o.now,
		ttl:      o.ttl,
	}
}

// expired mirrors the redis key TTL: every write refreshes updatedAt, and a
// session idle past the TTL is dropped on next access.
func (s *memoryStore) expired(sess *memorySession) bool {
	return s.ttl > 0 && s.now().Sub(sess.updatedAt) > s.ttl
}

func (s *memoryStore) session(id string) (*memorySession, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, schema.ErrSessionNotFound
	}
	if s.expired(sess) {
		delete(s.sessions, id)
		return nil, schema.ErrSessionNotFound
	}
	return sess, nil
}

func (s *memoryStore) Ensure(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[sessionID]; ok && !s.expired(sess) {
		return nil
	}
	now := s.now()
	s.sessions[sessionID] = &memorySession{
		stage:     schema.StageQueued,
		metrics:   make(map[string]float64),
		buffered:  make(map[int64]schema.ChunkTask),
		expected:  1,
		createdAt: now,
		updatedAt: now,
	}
	return nil
}

func (s *memoryStore) Get(_ context.Context, sessionID string) (*schema.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}

	out := &schema.Session{
		ID:         sessionID,
		Stage:      sess.stage,
		Transcript: append([]schema.TranscriptSegment(nil), sess.transcript...),
		Note:       sess.note,
		Findings:   append([]schema.Finding(nil), sess.findings...),
		Metrics:    make(map[string]float64, len(sess.metrics)),
		CreatedAt:  sess.createdAt,
		UpdatedAt:  sess.updatedAt,
	}
	for k, v := range sess.metrics {
		out.Metrics[k] = v
	}
	if len(sess.documents) > 0 {
		out.Documents = make(map[string]string, len(sess.documents))
		for k, v := range sess.documents {
			out.Documents[k] = v
		}
	}
	return out, nil
}

func (s *memoryStore) CommitStage(_ context.Context, sessionID string, stage schema.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.session(sessionID)
	if err != nil {
		return err
	}
	if sess.stage == stage {
		return nil
	}
	if !validTransition(sess.stage, stage) {
		return schema.ErrCorruptState
	}
	sess.stage = stage
	sess.updatedAt = s.now()
	return nil
}

func (s *memoryStore) Stage(_ context.Context, sessionID string) (schema.Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.session(sessionID)
	if err != nil {
		return "", err
	}
	return sess.stage, nil
}

func (s *memoryStore) AppendSegments(_ context.Context, sessionID string, segs []schema.TranscriptSegment) error {
	if len(segs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.session(sessionID)
	if err != nil {
		return err
	}
	sess.transcript = append(sess.transcript, segs...)
	sess.updatedAt = s.now()
	return nil
}

func (s *memoryStore) Transcript(_ context.Context, sessionID string) ([]schema.TranscriptSegment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	return append([]schema.TranscriptSegment(nil), sess.transcript...), nil
}

func (s *memoryStore) CommitNote(_ context.Context, sessionID string, chunkSeq int64, note schema.SoapNote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.session(sessionID)
	if err != nil {
		return err
	}
	switch {
	case chunkSeq == sess.committedSeq:
		// Re-delivery of an already-committed chunk; merging is idempotent
		// so the content matches and the commit is a no-op.
		return nil
	case chunkSeq < sess.committedSeq:
		// Commits must be strictly increasing; sequences may skip when a
		// chunk carried no speech and produced no note update.
		return schema.ErrOutOfOrder
	}
	sess.note = note
	sess.committedSeq = chunkSeq
	sess.updatedAt = s.now()
	return nil
}

func (s *memoryStore) Note(_ context.Context, sessionID string) (schema.SoapNote, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.session(sessionID)
	if err != nil {
		return schema.SoapNote{}, 0, err
	}
	return sess.note, sess.committedSeq, nil
}

func (s *memoryStore) AttachFinding(_ context.Context, sessionID string, f schema.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.session(sessionID)
	if err != nil {
		return err
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
	}
	sess.findings = append(sess.findings, f)
	sess.updatedAt = s.now()
	return nil
}

func (s *memoryStore) Findings(_ context.Context, sessionID string) ([]schema.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	return append([]schema.Finding(nil), sess.findings...), nil
}

func (s *memoryStore) IncrMetric(_ context.Context, sessionID, name string, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok || s.expired(sess) {
		// Metric targets (including GlobalMetrics) are created lazily.
		now := s.now()
		sess = &memorySession{
			stage:     schema.StageQueued,
			metrics:   make(map[string]float64),
			buffered:  make(map[int64]schema.ChunkTask),
			expected:  1,
			createdAt: now,
			updatedAt: now,
		}
		s.sessions[sessionID] = sess
	}
	sess.metrics[name] += amount
	sess.updatedAt = s.now()
	return nil
}

func (s *memoryStore) Metrics(_ context.Context, sessionID string) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(sess.metrics))
	for k, v := range sess.metrics {
		out[k] = v
	}
	return out, nil
}

func (s *memoryStore) SaveDocument(_ context.Context, sessionID string, docType schema.DocumentType, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.session(sessionID)
	if err != nil {
		return err
	}
	if sess.documents == nil {
		sess.documents = make(map[string]string)
	}
	sess.documents[string(docType)] = text
	sess.updatedAt = s.now()
	return nil
}

func (s *memoryStore) Document(_ context.Context, sessionID string, docType schema.DocumentType) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.session(sessionID)
	if err != nil {
		return "", err
	}
	text, ok := sess.documents[string(docType)]
	if !ok {
		return "", schema.ErrDocumentNotFound
	}
	return text, nil
}

func (s *memoryStore) ExpectedChunk(_ context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.session(sessionID)
	if err != nil {
		return 0, err
	}
	return sess.expected, nil
}

func (s *memoryStore) AdvanceChunk(_ context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.session(sessionID)
	if err != nil {
		return 0, err
	}
	sess.expected++
	sess.updatedAt = s.now()
	return sess.expected, nil
}

func (s *memoryStore) BufferChunk(_ context.Context, task schema.ChunkTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.session(task.SessionID)
	if err != nil {
		return err
	}
	sess.buffered[task.ChunkSeq] = task
	return nil
}

func (s *memoryStore) TakeBuffered(_ context.Context, sessionID string, chunkSeq int64) (*schema.ChunkTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	task, ok := sess.buffered[chunkSeq]
	if !ok {
		return nil, nil
	}
	delete(sess.buffered, chunkSeq)
	return &task, nil
}

func (s *memoryStore) Close() error { return nil }
