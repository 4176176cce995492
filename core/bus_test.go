package pipeline

import (
	"testing"
	"time"

	"github.com/voxmirror/presence-core/core/frames"
)

func collectFrames(bus *frameBus, count int) []frames.Frame {
	collected := make([]frames.Frame, 0, count)
	bus.Frames(func(frame frames.Frame) bool {
		collected = append(collected, frame)
		return len(collected) < count
	})
	return collected
}

func TestBusPreservesPublishOrder(t *testing.T) {
	bus := newFrameBus(8)

	for i := 0; i < 5; i++ {
		if err := bus.Publish(frames.NewTextToken(1, string(rune('a'+i)), false)); err != nil {
			t.Fatalf("unexpected publish error: %v", err)
		}
	}

	collected := collectFrames(bus, 5)
	for i, frame := range collected {
		token, ok := frame.(frames.TextToken)
		if !ok {
			t.Fatalf("expected text token at %d, got %T", i, frame)
		}
		if expected := string(rune('a' + i)); token.Text != expected {
			t.Fatalf("expected %q at position %d, got %q", expected, i, token.Text)
		}
	}
}

func TestBusPublishBlocksWhenFull(t *testing.T) {
	bus := newFrameBus(2)

	_ = bus.Publish(frames.NewTextToken(1, "one", false))
	_ = bus.Publish(frames.NewTextToken(1, "two", false))

	published := make(chan struct{}, 1)
	go func() {
		_ = bus.Publish(frames.NewTextToken(1, "three", false))
		published <- struct{}{}
	}()

	select {
	case <-published:
		t.Fatalf("expected publish to block on a full bus")
	case <-time.After(50 * time.Millisecond):
	}

	collected := collectFrames(bus, 1)
	if len(collected) != 1 {
		t.Fatalf("expected one consumed frame, got %d", len(collected))
	}

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for blocked publish to complete")
	}
}

func TestBusResetDropsStaleTurnFrames(t *testing.T) {
	bus := newFrameBus(8)

	_ = bus.Publish(frames.NewTextToken(3, "stale", false))
	_ = bus.Publish(frames.NewTextToken(3, "also stale", false))

	bus.Reset(4)

	if pending := bus.Pending(); pending != 0 {
		t.Fatalf("expected no pending frames after reset, got %d", pending)
	}

	// Stale publishes racing the reset are silently discarded.
	if err := bus.Publish(frames.NewTextToken(3, "late", false)); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	if pending := bus.Pending(); pending != 0 {
		t.Fatalf("expected stale publish to be dropped, got %d pending", pending)
	}

	_ = bus.Publish(frames.NewTextToken(4, "fresh", false))
	collected := collectFrames(bus, 1)
	if token := collected[0].(frames.TextToken); token.Text != "fresh" {
		t.Fatalf("expected only the fresh frame, got %q", token.Text)
	}
}

func TestBusCloseEndsIteration(t *testing.T) {
	bus := newFrameBus(8)
	_ = bus.Publish(frames.NewTextToken(1, "last", false))

	done := make(chan int, 1)
	go func() {
		count := 0
		bus.Frames(func(frames.Frame) bool {
			count++
			return true
		})
		done <- count
	}()

	time.Sleep(20 * time.Millisecond)
	bus.Close()

	select {
	case count := <-done:
		if count != 1 {
			t.Fatalf("expected one frame before close, got %d", count)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for iteration to end after close")
	}

	if err := bus.Publish(frames.NewTextToken(1, "after", false)); err == nil {
		t.Fatalf("expected publish on a closed bus to fail")
	}
}

func TestBusIteratorResumesWhereItStopped(t *testing.T) {
	bus := newFrameBus(8)
	for i := 0; i < 4; i++ {
		_ = bus.Publish(frames.NewTextToken(1, string(rune('a'+i)), false))
	}

	first := collectFrames(bus, 2)
	second := collectFrames(bus, 2)

	if first[1].(frames.TextToken).Text != "b" || second[0].(frames.TextToken).Text != "c" {
		t.Fatalf("expected iteration to resume at the third frame, got %q then %q",
			first[1].(frames.TextToken).Text, second[0].(frames.TextToken).Text)
	}
}
