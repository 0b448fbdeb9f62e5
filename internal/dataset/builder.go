// Package dataset persists classified training pairs and session summaries
// as JSONL files. Appends are crash-safe: the merged file is written to a
// temp file in the same directory, fsynced and renamed over the original, so
// a partially written record is never visible to a reader.
package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/scribeworks/scribe/internal/schema"
)

// Options locates the dataset files. Zero values get defaults.
type Options struct {
	Dir         string
	SFTFile     string
	DPOFile     string
	MetricsFile string
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.Dir) == "" {
		o.Dir = "data"
	}
	if strings.TrimSpace(o.SFTFile) == "" {
		o.SFTFile = "sft_train.jsonl"
	}
	if strings.TrimSpace(o.DPOFile) == "" {
		o.DPOFile = "dpo_train.jsonl"
	}
	if strings.TrimSpace(o.MetricsFile) == "" {
		o.MetricsFile = "session_metrics.jsonl"
	}
	return o
}

// Builder appends to the category datasets. Safe for concurrent use.
type Builder struct {
	opts Options
	mu   sync.Mutex
}

// NewBuilder creates the dataset directory if needed.
func NewBuilder(opts Options) (*Builder, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dataset dir: %w", err)
	}
	return &Builder{opts: opts}, nil
}

// AppendPair routes the pair to its category file and appends it.
func (b *Builder) AppendPair(pair schema.TrainingPair) error {
	path, err := b.pathFor(pair.Category)
	if err != nil {
		return err
	}
	return b.appendJSON(path, pair)
}

// AppendSummary appends one session summary record to the metrics file.
func (b *Builder) AppendSummary(v any) error {
	return b.appendJSON(filepath.Join(b.opts.Dir, b.opts.MetricsFile), v)
}

// Pairs reads back every pair in the category file. Missing file means an
// empty dataset.
func (b *Builder) Pairs(category schema.PairCategory) ([]schema.TrainingPair, error) {
	path, err := b.pathFor(category)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var pairs []schema.TrainingPair
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var p schema.TrainingPair
		if err := json.Unmarshal([]byte(line), &p); err != nil {
			return nil, fmt.Errorf("corrupt dataset line in %s: %w", path, err)
		}
		pairs = append(pairs, p)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return pairs, nil
}

func (b *Builder) pathFor(category schema.PairCategory) (string, error) {
	switch category {
	case schema.PairSFT:
		return filepath.Join(b.opts.Dir, b.opts.SFTFile), nil
	case schema.PairDPO:
		return filepath.Join(b.opts.Dir, b.opts.DPOFile), nil
	default:
		return "", fmt.Errorf("unknown pair category %q", category)
	}
}

func (b *Builder) appendJSON(path string, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal dataset record: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".dataset-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(existing); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(append(line, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
