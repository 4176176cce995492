package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/voxmirror/presence-core/core/fault"
	"github.com/voxmirror/presence-core/core/frames"
	"github.com/voxmirror/presence-core/core/observability"
	"github.com/voxmirror/presence-core/internal/backoff"
)

const (
	stageTranscriber = "transcriber"
	stageResponder   = "responder"
	stageSynthesizer = "synthesizer"
	stageRenderer    = "renderer"
)

// stageClient is the uniform lifecycle implemented by the four stage
// variants. start establishes the underlying service stream, feed hands one
// upstream frame over, reset discards buffered output and re-arms for a new
// turn without reconnecting, close releases the stream.
type stageClient interface {
	bind(emit func(frames.Frame), armedTurn func() uint64)
	start(ctx context.Context) error
	feed(ctx context.Context, frame frames.Frame) error
	reset(ctx context.Context) error
	close(ctx context.Context) error
}

// stageAdapter wraps one external service behind the uniform streaming
// contract: it owns the stage's output queue (sole writer), tags emissions
// with the armed turn id, and retries transient feed errors within the
// backoff budget before surfacing a stage failure in-band.
type stageAdapter struct {
	name   string
	client stageClient
	out    *frameBus

	retry backoff.Config

	turn    atomic.Uint64
	started atomic.Bool
	closed  atomic.Bool
}

func newStageAdapter(name string, client stageClient, busCapacity int, retry backoff.Config) *stageAdapter {
	adapter := &stageAdapter{
		name:   name,
		client: client,
		out:    newFrameBus(busCapacity),
		retry:  retry,
	}
	if client != nil {
		client.bind(adapter.emit, adapter.armedTurn)
	}
	return adapter
}

func (a *stageAdapter) Start(ctx context.Context) error {
	if a == nil || a.client == nil {
		return nil
	}
	if !a.started.CompareAndSwap(false, true) {
		return nil
	}

	if err := backoff.Retry(ctx, a.retry, func() error {
		return a.client.start(ctx)
	}, fault.IsTransient); err != nil {
		observability.StageError(a.name, fault.CodeOf(err))
		return fmt.Errorf("failed to start %s stage: %w", a.name, err)
	}
	return nil
}

// Arm tags subsequent emissions with the given turn id.
func (a *stageAdapter) Arm(turn uint64) {
	if a != nil {
		a.turn.Store(turn)
	}
}

func (a *stageAdapter) armedTurn() uint64 {
	if a == nil {
		return 0
	}
	return a.turn.Load()
}

// Feed hands one upstream frame to the underlying service. Transient
// errors are retried with backoff; an exhausted budget or a terminal error
// is surfaced in-band as a stage failure frame so the controller can end
// the turn without crashing the session.
func (a *stageAdapter) Feed(ctx context.Context, frame frames.Frame) error {
	if a == nil || a.client == nil {
		return nil
	}
	if a.closed.Load() {
		return fmt.Errorf("%s stage closed", a.name)
	}
	// A pump may have dequeued this frame before an interruption reset raised
	// the upstream bus floor; the armed turn is the floor on this side.
	if frame.Turn() < a.turn.Load() {
		return nil
	}

	err := backoff.Retry(ctx, a.retry, func() error {
		return a.client.feed(ctx, frame)
	}, fault.IsTransient)
	if err == nil {
		return nil
	}

	observability.StageError(a.name, fault.CodeOf(err))
	a.emit(frames.NewStageFailure(a.turn.Load(), a.name, err))
	return fmt.Errorf("failed to feed %s stage: %w", a.name, err)
}

// Output is the adapter's ordered downstream queue. The adapter is its sole
// writer.
func (a *stageAdapter) Output() *frameBus { return a.out }

// ResetTo discards client-side buffered output first, then drops queued
// frames older than turn and re-arms emissions with it. The underlying
// service connection stays up.
func (a *stageAdapter) ResetTo(ctx context.Context, turn uint64) error {
	if a == nil {
		return nil
	}

	var err error
	if a.client != nil {
		err = a.client.reset(ctx)
	}
	a.turn.Store(turn)
	a.out.Reset(turn)
	return err
}

func (a *stageAdapter) Close(ctx context.Context) error {
	if a == nil {
		return nil
	}
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	if a.client != nil && a.started.Load() {
		err = a.client.close(ctx)
	}
	a.out.Close()
	return err
}

func (a *stageAdapter) emit(frame frames.Frame) {
	if a == nil || a.closed.Load() {
		return
	}
	_ = a.out.Publish(frame)
}
