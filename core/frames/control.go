package frames

const (
	// KindSpeechStarted identifies the start of user speech activity.
	KindSpeechStarted Kind = "control.speech_started"
	// KindSpeechEnded identifies the end of user speech activity.
	KindSpeechEnded Kind = "control.speech_ended"
	// KindEndOfTurn identifies the marker closing one stage's output for a turn.
	KindEndOfTurn Kind = "control.end_of_turn"
	// KindInterrupted identifies a turn cut short by barge-in.
	KindInterrupted Kind = "control.interrupted"
	// KindStageFailure identifies a stage error that ended the turn.
	KindStageFailure Kind = "control.stage_failure"
)

// SpeechStarted marks detected user speech activity.
type SpeechStarted struct{ Base }

// NewSpeechStarted creates a speech activity start marker.
func NewSpeechStarted(turn uint64) SpeechStarted {
	return SpeechStarted{Base: NewBase(KindSpeechStarted, turn)}
}

// SpeechEnded marks the end of detected user speech activity.
type SpeechEnded struct{ Base }

// NewSpeechEnded creates a speech activity end marker.
func NewSpeechEnded(turn uint64) SpeechEnded {
	return SpeechEnded{Base: NewBase(KindSpeechEnded, turn)}
}

// EndOfTurn marks the natural end of a stage's per-turn output sequence.
type EndOfTurn struct{ Base }

// NewEndOfTurn creates an end-of-turn marker.
func NewEndOfTurn(turn uint64) EndOfTurn {
	return EndOfTurn{Base: NewBase(KindEndOfTurn, turn)}
}

// Interrupted marks a turn whose remaining output was discarded after
// barge-in.
type Interrupted struct{ Base }

// NewInterrupted creates an interruption marker.
func NewInterrupted(turn uint64) Interrupted {
	return Interrupted{Base: NewBase(KindInterrupted, turn)}
}

// StageFailure carries a stage error that terminated the turn's output.
type StageFailure struct {
	Base
	Stage string
	Err   error
}

// NewStageFailure creates a stage failure marker.
func NewStageFailure(turn uint64, stage string, err error) StageFailure {
	return StageFailure{Base: NewBase(KindStageFailure, turn), Stage: stage, Err: err}
}
