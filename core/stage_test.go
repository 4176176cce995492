package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxmirror/presence-core/core/fault"
	"github.com/voxmirror/presence-core/core/frames"
	"github.com/voxmirror/presence-core/internal/backoff"
)

// scriptedStageClient fails feed a configurable number of times before
// succeeding, echoing successful frames back out.
type scriptedStageClient struct {
	boundStage

	feedFailures atomic.Int32
	failWith     error

	feedCalls atomic.Int32
}

func (c *scriptedStageClient) start(context.Context) error { return nil }

func (c *scriptedStageClient) feed(_ context.Context, frame frames.Frame) error {
	c.feedCalls.Add(1)
	if c.feedFailures.Load() > 0 {
		c.feedFailures.Add(-1)
		return c.failWith
	}
	c.emit(frame)
	return nil
}

func (c *scriptedStageClient) reset(context.Context) error { return nil }
func (c *scriptedStageClient) close(context.Context) error { return nil }

func fastRetry() backoff.Config {
	return backoff.Config{
		MaxAttempts: 3,
		Initial:     time.Millisecond,
		Max:         5 * time.Millisecond,
		Multiplier:  2,
	}
}

func TestFeedRetriesTransientErrors(t *testing.T) {
	client := &scriptedStageClient{failWith: fault.Transient(fmt.Errorf("flaky"))}
	client.feedFailures.Store(2)
	adapter := newStageAdapter("test", client, 8, fastRetry())
	adapter.Arm(7)

	if err := adapter.Feed(context.Background(), frames.NewTextToken(7, "hello", true)); err != nil {
		t.Fatalf("expected feed to recover, got %v", err)
	}
	if calls := client.feedCalls.Load(); calls != 3 {
		t.Fatalf("expected 3 feed attempts, got %d", calls)
	}

	collected := collectFrames(adapter.Output(), 1)
	if token := collected[0].(frames.TextToken); token.Text != "hello" {
		t.Fatalf("expected the fed frame to be emitted, got %q", token.Text)
	}
}

func TestFeedSurfacesTerminalErrorInBand(t *testing.T) {
	client := &scriptedStageClient{failWith: fault.Terminal("broken", fmt.Errorf("no luck"))}
	client.feedFailures.Store(1)
	adapter := newStageAdapter("test", client, 8, fastRetry())
	adapter.Arm(3)

	if err := adapter.Feed(context.Background(), frames.NewTextToken(3, "hello", true)); err == nil {
		t.Fatalf("expected feed to report the terminal error")
	}
	if calls := client.feedCalls.Load(); calls != 1 {
		t.Fatalf("expected no retries for a terminal error, got %d attempts", calls)
	}

	collected := collectFrames(adapter.Output(), 1)
	failure, ok := collected[0].(frames.StageFailure)
	if !ok {
		t.Fatalf("expected a stage failure frame, got %T", collected[0])
	}
	if failure.Turn() != 3 || failure.Stage != "test" {
		t.Fatalf("unexpected failure frame: turn=%d stage=%q", failure.Turn(), failure.Stage)
	}
}

func TestFeedSurfacesExhaustedRetryBudget(t *testing.T) {
	client := &scriptedStageClient{failWith: fault.Transient(fmt.Errorf("still flaky"))}
	client.feedFailures.Store(10)
	adapter := newStageAdapter("test", client, 8, fastRetry())

	if err := adapter.Feed(context.Background(), frames.NewTextToken(1, "hello", true)); err == nil {
		t.Fatalf("expected feed to fail after the retry budget")
	}
	if calls := client.feedCalls.Load(); calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
}

func TestFeedDropsFramesFromFlushedTurns(t *testing.T) {
	client := &scriptedStageClient{}
	adapter := newStageAdapter("test", client, 8, fastRetry())
	adapter.Arm(2)

	staleToken := frames.NewTextToken(2, "stale bot text", false)
	if err := adapter.ResetTo(context.Background(), 3); err != nil {
		t.Fatalf("unexpected reset error: %v", err)
	}

	// The token was dequeued by a pump before the reset; it must not reach
	// the client and be re-tagged into the new turn.
	if err := adapter.Feed(context.Background(), staleToken); err != nil {
		t.Fatalf("unexpected feed error: %v", err)
	}
	if calls := client.feedCalls.Load(); calls != 0 {
		t.Fatalf("expected the stale frame to be dropped, got %d feed calls", calls)
	}
	if pending := adapter.Output().Pending(); pending != 0 {
		t.Fatalf("expected no emissions for a stale frame, got %d", pending)
	}

	if err := adapter.Feed(context.Background(), frames.NewTextToken(3, "fresh", false)); err != nil {
		t.Fatalf("unexpected feed error: %v", err)
	}
	if calls := client.feedCalls.Load(); calls != 1 {
		t.Fatalf("expected the fresh frame to go through, got %d feed calls", calls)
	}
}

func TestResetToDropsBufferedOutput(t *testing.T) {
	client := &scriptedStageClient{}
	adapter := newStageAdapter("test", client, 8, fastRetry())
	adapter.Arm(5)

	_ = adapter.Feed(context.Background(), frames.NewTextToken(5, "speculative", false))
	if pending := adapter.Output().Pending(); pending != 1 {
		t.Fatalf("expected one buffered frame, got %d", pending)
	}

	if err := adapter.ResetTo(context.Background(), 6); err != nil {
		t.Fatalf("unexpected reset error: %v", err)
	}
	if pending := adapter.Output().Pending(); pending != 0 {
		t.Fatalf("expected buffered output to be dropped, got %d", pending)
	}
	if adapter.armedTurn() != 6 {
		t.Fatalf("expected adapter armed for turn 6, got %d", adapter.armedTurn())
	}
}

func TestNilClientAdapterIsInert(t *testing.T) {
	adapter := newStageAdapter("test", nil, 8, fastRetry())

	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	if err := adapter.Feed(context.Background(), frames.NewTextToken(1, "ignored", true)); err != nil {
		t.Fatalf("unexpected feed error: %v", err)
	}
	if err := adapter.Close(context.Background()); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
}
