package frames

import "time"

type Kind string

// Frame is the unit carried on the bus. Implementations embed Base and are
// immutable after construction.
type Frame interface {
	Kind() Kind
	// Turn reports the id of the turn this frame belongs to.
	Turn() uint64
	Timestamp() time.Time
}

type Base struct {
	kind      Kind
	turn      uint64
	timestamp time.Time
}

func NewBase(kind Kind, turn uint64) Base {
	return Base{kind: kind, turn: turn, timestamp: time.Now()}
}

func (b Base) Kind() Kind { return b.kind }

func (b Base) Turn() uint64 { return b.turn }

func (b Base) Timestamp() time.Time { return b.timestamp }
