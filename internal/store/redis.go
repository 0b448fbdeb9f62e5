package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/scribeworks/scribe/internal/schema"
)

// redisStore keeps each session field under its own key so the worker and
// background validators never contend on one record:
//
//	session:{id}:stage      string
//	session:{id}:history    list of segment JSON
//	session:{id}:note       note JSON + embedded committed_seq
//	session:{id}:findings   list of finding JSON
//	session:{id}:metrics    hash, HINCRBYFLOAT
//	session:{id}:documents  hash doc type -> drafted text
//	session:{id}:next_chunk expected chunk counter
//	session:{id}:buffer     hash seq -> parked task JSON
//	session:{id}:meta       hash created_at / updated_at
type redisStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedis returns a redis-backed Store. Requires WithRedisClient.
func NewRedis(opts ...Option) (Store, error) {
	o := buildOptions(opts)
	if o.redisClient == nil {
		return nil, fmt.Errorf("store: redis client is required")
	}
	return &redisStore{client: o.redisClient, ttl: o.ttl, now: o.now}, nil
}

func (s *redisStore) key(sessionID, field string) string {
	return "session:" + sessionID + ":" + field
}

func (s *redisStore) touch(ctx context.Context, pipe redis.Pipeliner, sessionID string, fields ...string) {
	ts := s.now().UTC().Format(time.RFC3339Nano)
	pipe.HSet(ctx, s.key(sessionID, "meta"), "updated_at", ts)
	pipe.Expire(ctx, s.key(sessionID, "meta"), s.ttl)
	for _, f := range fields {
		pipe.Expire(ctx, s.key(sessionID, f), s.ttl)
	}
}

func (s *redisStore) Ensure(ctx context.Context, sessionID string) error {
	created, err := s.client.HSetNX(ctx, s.key(sessionID, "meta"), "created_at", s.now().UTC().Format(time.RFC3339Nano)).Result()
	if err != nil {
		return err
	}
	if created {
		pipe := s.client.Pipeline()
		pipe.SetNX(ctx, s.key(sessionID, "stage"), string(schema.StageQueued), s.ttl)
		pipe.SetNX(ctx, s.key(sessionID, "next_chunk"), 1, s.ttl)
		s.touch(ctx, pipe, sessionID, "stage", "next_chunk")
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *redisStore) exists(ctx context.Context, sessionID string) error {
	n, err := s.client.Exists(ctx, s.key(sessionID, "meta")).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.ErrSessionNotFound
	}
	return nil
}

func (s *redisStore) Get(ctx context.Context, sessionID string) (*schema.Session, error) {
	if err := s.exists(ctx, sessionID); err != nil {
		return nil, err
	}

	stage, err := s.Stage(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	transcript, err := s.Transcript(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	note, _, err := s.Note(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	findings, err := s.Findings(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	metrics, err := s.Metrics(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	documents, err := s.client.HGetAll(ctx, s.key(sessionID, "documents")).Result()
	if err != nil {
		return nil, err
	}
	if len(documents) == 0 {
		documents = nil
	}

	meta, err := s.client.HGetAll(ctx, s.key(sessionID, "meta")).Result()
	if err != nil {
		return nil, err
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, meta["created_at"])
	updatedAt, _ := time.Parse(time.RFC3339Nano, meta["updated_at"])

	return &schema.Session{
		ID:         sessionID,
		Stage:      stage,
		Transcript: transcript,
		Note:       note,
		Findings:   findings,
		Metrics:    metrics,
		Documents:  documents,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
	}, nil
}

func (s *redisStore) Stage(ctx context.Context, sessionID string) (schema.Stage, error) {
	val, err := s.client.Get(ctx, s.key(sessionID, "stage")).Result()
	if errors.Is(err, redis.Nil) {
		return "", schema.ErrSessionNotFound
	}
	if err != nil {
		return "", err
	}
	return schema.Stage(val), nil
}

func (s *redisStore) CommitStage(ctx context.Context, sessionID string, stage schema.Stage) error {
	key := s.key(sessionID, "stage")
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return schema.ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		cur := schema.Stage(val)
		if cur == stage {
			return nil
		}
		if !validTransition(cur, stage) {
			return schema.ErrCorruptState
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, string(stage), s.ttl)
			s.touch(ctx, pipe, sessionID)
			return nil
		})
		return err
	}, key)
}

func (s *redisStore) AppendSegments(ctx context.Context, sessionID string, segs []schema.TranscriptSegment) error {
	if len(segs) == 0 {
		return nil
	}
	if err := s.exists(ctx, sessionID); err != nil {
		return err
	}

	vals := make([]interface{}, 0, len(segs))
	for _, seg := range segs {
		raw, err := json.Marshal(seg)
		if err != nil {
			return err
		}
		vals = append(vals, raw)
	}

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, s.key(sessionID, "history"), vals...)
	s.touch(ctx, pipe, sessionID, "history")
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisStore) Transcript(ctx context.Context, sessionID string) ([]schema.TranscriptSegment, error) {
	raw, err := s.client.LRange(ctx, s.key(sessionID, "history"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	segs := make([]schema.TranscriptSegment, 0, len(raw))
	for _, item := range raw {
		var seg schema.TranscriptSegment
		if err := json.Unmarshal([]byte(item), &seg); err != nil {
			return nil, fmt.Errorf("%w: bad transcript entry: %v", schema.ErrCorruptState, err)
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

func (s *redisStore) CommitNote(ctx context.Context, sessionID string, chunkSeq int64, note schema.SoapNote) error {
	if err := s.exists(ctx, sessionID); err != nil {
		return err
	}
	key := s.key(sessionID, "note")

	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		committed := gjson.Get(cur, "committed_seq").Int()
		if chunkSeq == committed {
			return nil
		}
		if chunkSeq < committed {
			return schema.ErrOutOfOrder
		}

		raw, err := json.Marshal(note)
		if err != nil {
			return err
		}
		// Stamp the commit sequence into the stored document so ordering
		// survives without a second key.
		doc, err := sjson.Set(string(raw), "committed_seq", chunkSeq)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, doc, s.ttl)
			s.touch(ctx, pipe, sessionID)
			return nil
		})
		return err
	}, key)
}

func (s *redisStore) Note(ctx context.Context, sessionID string) (schema.SoapNote, int64, error) {
	raw, err := s.client.Get(ctx, s.key(sessionID, "note")).Result()
	if errors.Is(err, redis.Nil) {
		return schema.SoapNote{}, 0, nil
	}
	if err != nil {
		return schema.SoapNote{}, 0, err
	}

	var note schema.SoapNote
	if err := json.Unmarshal([]byte(raw), &note); err != nil {
		return schema.SoapNote{}, 0, fmt.Errorf("%w: bad note document: %v", schema.ErrCorruptState, err)
	}
	return note, gjson.Get(raw, "committed_seq").Int(), nil
}

func (s *redisStore) AttachFinding(ctx context.Context, sessionID string, f schema.Finding) error {
	if err := s.exists(ctx, sessionID); err != nil {
		return err
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, s.key(sessionID, "findings"), raw)
	s.touch(ctx, pipe, sessionID, "findings")
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) Findings(ctx context.Context, sessionID string) ([]schema.Finding, error) {
	raw, err := s.client.LRange(ctx, s.key(sessionID, "findings"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]schema.Finding, 0, len(raw))
	for _, item := range raw {
		var f schema.Finding
		if err := json.Unmarshal([]byte(item), &f); err != nil {
			return nil, fmt.Errorf("%w: bad finding entry: %v", schema.ErrCorruptState, err)
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *redisStore) IncrMetric(ctx context.Context, sessionID, name string, amount float64) error {
	pipe := s.client.Pipeline()
	pipe.HIncrByFloat(ctx, s.key(sessionID, "metrics"), name, amount)
	pipe.Expire(ctx, s.key(sessionID, "metrics"), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisStore) Metrics(ctx context.Context, sessionID string) (map[string]float64, error) {
	raw, err := s.client.HGetAll(ctx, s.key(sessionID, "metrics")).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		out[k] = f
	}
	return out, nil
}

func (s *redisStore) SaveDocument(ctx context.Context, sessionID string, docType schema.DocumentType, text string) error {
	if err := s.exists(ctx, sessionID); err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.key(sessionID, "documents"), string(docType), text)
	s.touch(ctx, pipe, sessionID, "documents")
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisStore) Document(ctx context.Context, sessionID string, docType schema.DocumentType) (string, error) {
	raw, err := s.client.HGet(ctx, s.key(sessionID, "documents"), string(docType)).Result()
	if errors.Is(err, redis.Nil) {
		if serr := s.exists(ctx, sessionID); serr != nil {
			return "", serr
		}
		return "", schema.ErrDocumentNotFound
	}
	if err != nil {
		return "", err
	}
	return raw, nil
}

func (s *redisStore) ExpectedChunk(ctx context.Context, sessionID string) (int64, error) {
	val, err := s.client.Get(ctx, s.key(sessionID, "next_chunk")).Result()
	if errors.Is(err, redis.Nil) {
		return 0, schema.ErrSessionNotFound
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}

func (s *redisStore) AdvanceChunk(ctx context.Context, sessionID string) (int64, error) {
	next, err := s.client.Incr(ctx, s.key(sessionID, "next_chunk")).Result()
	if err != nil {
		return 0, err
	}
	pipe := s.client.Pipeline()
	s.touch(ctx, pipe, sessionID, "next_chunk")
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *redisStore) BufferChunk(ctx context.Context, task schema.ChunkTask) error {
	if err := s.exists(ctx, task.SessionID); err != nil {
		return err
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.key(task.SessionID, "buffer"), strconv.FormatInt(task.ChunkSeq, 10), raw)
	s.touch(ctx, pipe, task.SessionID, "buffer")
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) TakeBuffered(ctx context.Context, sessionID string, chunkSeq int64) (*schema.ChunkTask, error) {
	field := strconv.FormatInt(chunkSeq, 10)
	raw, err := s.client.HGet(ctx, s.key(sessionID, "buffer"), field).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.client.HDel(ctx, s.key(sessionID, "buffer"), field).Err(); err != nil {
		return nil, err
	}

	var task schema.ChunkTask
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("%w: bad buffered chunk: %v", schema.ErrCorruptState, err)
	}
	return &task, nil
}

func (s *redisStore) Close() error { return s.client.Close() }
