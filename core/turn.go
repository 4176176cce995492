package pipeline

import "time"

type Speaker string

const (
	SpeakerUser Speaker = "user"
	SpeakerBot  Speaker = "bot"
)

type TurnState string

const (
	TurnStateOpen        TurnState = "open"
	TurnStateFinalizing  TurnState = "finalizing"
	TurnStateClosed      TurnState = "closed"
	TurnStateInterrupted TurnState = "interrupted"
)

// Turn is one conversational exchange unit. Exactly one turn per direction
// is open at any instant; ids are monotonic within a session.
type Turn struct {
	ID        uint64
	Speaker   Speaker
	State     TurnState
	StartedAt time.Time

	// Text accumulates the turn's transcript (user) or reply (bot).
	Text string
}

func newTurn(id uint64, speaker Speaker) *Turn {
	return &Turn{ID: id, Speaker: speaker, State: TurnStateOpen, StartedAt: time.Now()}
}

// Interrupted reports whether the turn was cut short by barge-in or error.
func (t *Turn) Interrupted() bool { return t.State == TurnStateInterrupted }
