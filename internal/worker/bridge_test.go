package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scribeworks/scribe/internal/schema"
)

type countingGenerator struct {
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	calls    atomic.Int32
}

func (g *countingGenerator) GenerateDelta(ctx context.Context, prior schema.SoapNote, segs []schema.TranscriptSegment) (schema.SoapNote, error) {
	n := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		seen := g.maxSeen.Load()
		if n <= seen || g.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	g.calls.Add(1)
	return schema.SoapNote{Plan: schema.NoteSection{Text: "rest"}}, nil
}

func TestBridgeSerializesGeneration(t *testing.T) {
	t.Parallel()

	gen := &countingGenerator{}
	b := NewBridge(gen)
	defer b.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			note, err := b.Generate(context.Background(), schema.SoapNote{}, nil)
			if err == nil && note.Plan.Text != "rest" {
				err = errors.New("unexpected note content")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.EqualValues(t, 8, gen.calls.Load())
	require.EqualValues(t, 1, gen.maxSeen.Load(), "generation calls must never overlap")
}

func TestBridgeClosed(t *testing.T) {
	t.Parallel()

	b := NewBridge(&countingGenerator{})
	b.Close()

	// Every submit after Close must fail cleanly, never panic.
	for i := 0; i < 50; i++ {
		_, err := b.Generate(context.Background(), schema.SoapNote{}, nil)
		require.ErrorIs(t, err, ErrBridgeClosed)
	}

	// Close is idempotent.
	b.Close()
}

func TestBridgeCloseDuringGenerate(t *testing.T) {
	t.Parallel()

	b := NewBridge(&countingGenerator{})

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Generate(context.Background(), schema.SoapNote{}, nil)
			errs <- err
		}()
	}
	b.Close()
	wg.Wait()
	close(errs)

	// Callers either completed a generation or were turned away; a panic
	// would have failed the test outright.
	for err := range errs {
		if err != nil {
			require.ErrorIs(t, err, ErrBridgeClosed)
		}
	}
}

func TestBridgeHonorsContext(t *testing.T) {
	t.Parallel()

	b := NewBridge(&countingGenerator{})
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Generate(ctx, schema.SoapNote{}, nil)
	require.ErrorIs(t, err, context.Canceled)
}
