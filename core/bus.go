package pipeline

import (
	"fmt"
	"sync"

	"github.com/voxmirror/presence-core/core/frames"
)

const defaultBusCapacity = 256

// frameBus is an ordered, single-consumer-per-direction frame queue.
// Publishing blocks once the buffer is full so a slow consumer exerts
// backpressure instead of dropping media. Reset drops buffered frames
// belonging to turns older than the given id; it is used exclusively on
// interruption.
type frameBus struct {
	mu sync.Mutex

	frames   []frames.Frame
	consumed int

	// floor is the lowest turn id still accepted; publishes below it are
	// silently discarded (stale emissions racing a reset).
	floor    uint64
	capacity int
	closed   bool

	updateSignal chan struct{}
	spaceSignal  chan struct{}
}

func newFrameBus(capacity int) *frameBus {
	if capacity <= 0 {
		capacity = defaultBusCapacity
	}
	return &frameBus{
		capacity:     capacity,
		updateSignal: make(chan struct{}, 1),
		spaceSignal:  make(chan struct{}, 1),
	}
}

// Publish appends frame to the bus, blocking while the buffer is full.
// Frames tagged with a turn older than the current floor are dropped.
func (b *frameBus) Publish(frame frames.Frame) error {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return fmt.Errorf("bus closed")
		}
		if frame.Turn() < b.floor {
			b.mu.Unlock()
			return nil
		}
		if len(b.frames)-b.consumed < b.capacity {
			b.frames = append(b.frames, frame)
			b.mu.Unlock()
			b.signal(b.updateSignal)
			return nil
		}
		b.mu.Unlock()

		<-b.spaceSignal
	}
}

// Frames yields buffered frames in publish order. It blocks while the bus
// is empty and returns once the bus is closed and drained. The iterator is
// resumable: a subsequent call continues where the previous consumer
// stopped. Only one consumer may be active at a time.
func (b *frameBus) Frames(yield func(frames.Frame) bool) {
	for {
		b.mu.Lock()
		if b.consumed < len(b.frames) {
			frame := b.frames[b.consumed]
			b.consumed++
			if b.consumed == len(b.frames) {
				b.frames = b.frames[:0]
				b.consumed = 0
			}
			b.mu.Unlock()
			b.signal(b.spaceSignal)
			if !yield(frame) {
				return
			}
			continue
		}

		if b.closed {
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()

		<-b.updateSignal
	}
}

// Reset drops all buffered frames tagged with a turn older than turn and
// raises the acceptance floor so stale in-flight publishes are discarded.
func (b *frameBus) Reset(turn uint64) {
	b.mu.Lock()
	if turn > b.floor {
		b.floor = turn
	}
	kept := b.frames[:0]
	for _, frame := range b.frames[b.consumed:] {
		if frame.Turn() >= b.floor {
			kept = append(kept, frame)
		}
	}
	b.frames = kept
	b.consumed = 0
	b.mu.Unlock()

	b.signal(b.spaceSignal)
	b.signal(b.updateSignal)
}

func (b *frameBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.signal(b.updateSignal)
	b.signal(b.spaceSignal)
}

// Pending reports the number of buffered, not-yet-consumed frames.
func (b *frameBus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames) - b.consumed
}

func (b *frameBus) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
