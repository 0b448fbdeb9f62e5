package feedback

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/scribeworks/scribe/internal/dataset"
	"github.com/scribeworks/scribe/internal/schema"
	"github.com/scribeworks/scribe/internal/store"
)

// SessionSummary is the aggregate quality record flushed when a session
// completes. One JSONL line per session in the metrics dataset.
type SessionSummary struct {
	SessionID         string             `json:"session_id"`
	Stage             schema.Stage       `json:"stage"`
	Chunks            float64            `json:"chunks"`
	Findings          int                `json:"findings"`
	Precision         float64            `json:"precision"`
	Recall            float64            `json:"recall"`
	HallucinationRate float64            `json:"hallucination_rate"`
	Metrics           map[string]float64 `json:"metrics"`
	FlushedAt         time.Time          `json:"flushed_at"`
}

// Service applies feedback: classifies decisions, updates session and global
// statistics and appends resulting pairs to the dataset.
type Service struct {
	store      store.Store
	builder    *dataset.Builder
	classifier *Classifier
	log        zerolog.Logger
}

func NewService(st store.Store, b *dataset.Builder, threshold float64, log zerolog.Logger) *Service {
	return &Service{
		store:      st,
		builder:    b,
		classifier: NewClassifier(threshold),
		log:        log,
	}
}

// Handle processes one clinician decision end to end. Ambiguous records are
// counted, logged and returned as schema.ErrAmbiguousFeedback; they never
// affect the datasets.
func (s *Service) Handle(ctx context.Context, rec schema.FeedbackRecord) error {
	log := s.log.With().Str("session", rec.SessionID).Int64("chunk", rec.ChunkSeq).Logger()

	pair, err := s.classifier.Classify(rec)
	if err != nil {
		log.Warn().Err(err).Msg("dropping ambiguous feedback")
		_ = s.store.IncrMetric(ctx, store.GlobalMetrics, "feedback_dropped", 1)
		return err
	}

	counter := string(rec.Decision) + "_count"
	_ = s.store.IncrMetric(ctx, rec.SessionID, counter, 1)
	_ = s.store.IncrMetric(ctx, store.GlobalMetrics, counter, 1)

	if pair == nil {
		// Rejection without a replacement: statistics only, by policy.
		log.Info().Msg("rejection recorded without replacement note")
		return nil
	}

	_ = s.store.IncrMetric(ctx, rec.SessionID, "edit_distance_total", float64(pair.Distance))
	_ = s.store.IncrMetric(ctx, rec.SessionID, "similarity_total", pair.Similarity)
	_ = s.store.IncrMetric(ctx, store.GlobalMetrics, "edit_distance_total", float64(pair.Distance))

	pair.Transcript = s.transcriptText(ctx, rec)

	if err := s.builder.AppendPair(*pair); err != nil {
		return fmt.Errorf("append %s pair: %w", pair.Category, err)
	}
	_ = s.store.IncrMetric(ctx, store.GlobalMetrics, "pairs_"+string(pair.Category), 1)
	log.Info().Str("category", string(pair.Category)).Int("distance", pair.Distance).Msg("training pair appended")
	return nil
}

// FlushSessionSummary writes the aggregate quality record for a finished
// session to the metrics dataset.
func (s *Service) FlushSessionSummary(ctx context.Context, sessionID string) error {
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	m := sess.Metrics

	summary := SessionSummary{
		SessionID:         sessionID,
		Stage:             sess.Stage,
		Chunks:            m["chunks_processed"],
		Findings:          len(sess.Findings),
		Precision:         ratio(m["guardrail_matched_terms"], m["guardrail_note_terms"]),
		Recall:            ratio(m["guardrail_matched_terms"], m["guardrail_transcript_terms"]),
		HallucinationRate: ratio(m["guardrail_flags"], m["chunks_processed"]),
		Metrics:           m,
		FlushedAt:         time.Now().UTC(),
	}
	if err := s.builder.AppendSummary(summary); err != nil {
		return fmt.Errorf("append session summary: %w", err)
	}
	s.log.Info().Str("session", sessionID).Float64("precision", summary.Precision).Msg("session summary flushed")
	return nil
}

// transcriptText renders the chunk's transcript for pair provenance. Falls
// back to the whole session transcript when the chunk has no segments.
func (s *Service) transcriptText(ctx context.Context, rec schema.FeedbackRecord) string {
	segs, err := s.store.Transcript(ctx, rec.SessionID)
	if err != nil {
		s.log.Warn().Err(err).Str("session", rec.SessionID).Msg("transcript unavailable for pair provenance")
		return ""
	}
	var chunk, all []string
	for _, seg := range segs {
		line := seg.Speaker + ": " + seg.Text
		all = append(all, line)
		if seg.ChunkSeq == rec.ChunkSeq {
			chunk = append(chunk, line)
		}
	}
	if len(chunk) > 0 {
		return strings.Join(chunk, "\n")
	}
	return strings.Join(all, "\n")
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}
