package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/scribeworks/scribe/internal/provider"
	"github.com/scribeworks/scribe/internal/schema"
)

// ErrBridgeClosed is returned by Generate after Close.
var ErrBridgeClosed = errors.New("worker: generation bridge closed")

type generateRequest struct {
	ctx   context.Context
	prior schema.SoapNote
	segs  []schema.TranscriptSegment
	reply chan generateResult
}

type generateResult struct {
	note schema.SoapNote
	err  error
}

// Bridge funnels all note generation through one long-lived goroutine, so at
// most one generation call is in flight at any time regardless of how many
// callers submit. The generation engine is cooperative and accelerator-bound;
// overlapping calls would thrash its memory.
type Bridge struct {
	gen       provider.NoteGenerator
	requests  chan generateRequest
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewBridge starts the generation goroutine immediately.
func NewBridge(gen provider.NoteGenerator) *Bridge {
	b := &Bridge{
		gen:      gen,
		requests: make(chan generateRequest),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *Bridge) loop() {
	defer close(b.done)
	for {
		select {
		case req := <-b.requests:
			note, err := b.gen.GenerateDelta(req.ctx, req.prior, req.segs)
			// Reply channel is buffered; an abandoned caller never blocks the loop.
			req.reply <- generateResult{note: note, err: err}
		case <-b.stop:
			return
		}
	}
}

// Generate submits one request and blocks until the goroutine replies or ctx
// is done. Cancellation of ctx also cancels the engine call itself.
func (b *Bridge) Generate(ctx context.Context, prior schema.SoapNote, segs []schema.TranscriptSegment) (schema.SoapNote, error) {
	reply := make(chan generateResult, 1)
	select {
	case b.requests <- generateRequest{ctx: ctx, prior: prior, segs: segs, reply: reply}:
	case <-ctx.Done():
		return schema.SoapNote{}, ctx.Err()
	case <-b.stop:
		return schema.SoapNote{}, ErrBridgeClosed
	}

	select {
	case res := <-reply:
		return res.note, res.err
	case <-ctx.Done():
		return schema.SoapNote{}, ctx.Err()
	case <-b.done:
		// Close raced with the submit and the loop exited without taking the
		// request. A taken request always replies before done closes.
		select {
		case res := <-reply:
			return res.note, res.err
		default:
		}
		return schema.SoapNote{}, ErrBridgeClosed
	}
}

// Close signals the goroutine to stop and waits for it to exit. Generate
// calls racing with Close return ErrBridgeClosed; the requests channel is
// never closed, so late callers cannot panic.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() { close(b.stop) })
	<-b.done
}
