package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxmirror/presence-core/core/fault"
	"github.com/voxmirror/presence-core/core/frames"
	"github.com/voxmirror/presence-core/core/generation"
	"github.com/voxmirror/presence-core/core/protocol"
)

type recordedMessage struct {
	kind    string
	turnID  uint64
	speaker protocol.Speaker
	reason  protocol.Reason
	code    string
}

type recordingEmitter struct {
	mu       sync.Mutex
	messages []recordedMessage
}

func (e *recordingEmitter) SessionReady() {
	e.record(recordedMessage{kind: "session-ready"})
}

func (e *recordingEmitter) TurnStarted(turnID uint64, speaker protocol.Speaker) {
	e.record(recordedMessage{kind: "turn-started", turnID: turnID, speaker: speaker})
}

func (e *recordingEmitter) TurnEnded(turnID uint64, speaker protocol.Speaker, reason protocol.Reason) {
	e.record(recordedMessage{kind: "turn-ended", turnID: turnID, speaker: speaker, reason: reason})
}

func (e *recordingEmitter) Error(code, _ string) {
	e.record(recordedMessage{kind: "error", code: code})
}

func (e *recordingEmitter) record(msg recordedMessage) {
	e.mu.Lock()
	e.messages = append(e.messages, msg)
	e.mu.Unlock()
}

func (e *recordingEmitter) recorded() []recordedMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]recordedMessage(nil), e.messages...)
}

type controllerFixture struct {
	controller *turnController
	emitter    *recordingEmitter
	outbound   *frameBus
	muted      atomic.Bool
	partial    string
}

func newControllerFixture() *controllerFixture {
	fixture := &controllerFixture{
		emitter:  &recordingEmitter{},
		outbound: newFrameBus(8),
	}
	fixture.controller = newTurnController(
		fixture.emitter,
		newStageAdapter(stageResponder, nil, 8, fastRetry()),
		newStageAdapter(stageSynthesizer, nil, 8, fastRetry()),
		newStageAdapter(stageRenderer, nil, 8, fastRetry()),
		fixture.outbound,
		func(uint64) string { return fixture.partial },
		&fixture.muted,
	)
	return fixture
}

func (f *controllerFixture) handle(event controllerEvent) {
	f.controller.handle(context.Background(), event)
}

func TestUserFinalRunsTurnSequence(t *testing.T) {
	fixture := newControllerFixture()

	fixture.handle(evUserFinal{eventBase: now(), text: "hello there"})

	expected := []recordedMessage{
		{kind: "turn-started", turnID: 1, speaker: protocol.SpeakerUser},
		{kind: "turn-ended", turnID: 1, speaker: protocol.SpeakerUser, reason: protocol.ReasonNatural},
		{kind: "turn-started", turnID: 2, speaker: protocol.SpeakerBot},
	}
	recorded := fixture.emitter.recorded()
	if len(recorded) != len(expected) {
		t.Fatalf("expected %d control messages, got %d: %+v", len(expected), len(recorded), recorded)
	}
	for i := range expected {
		if recorded[i] != expected[i] {
			t.Fatalf("unexpected message at %d: got %+v, expected %+v", i, recorded[i], expected[i])
		}
	}

	if fixture.controller.state != stateBotGenerating {
		t.Fatalf("expected bot generating state, got %s", fixture.controller.state)
	}

	history := fixture.controller.snapshotHistory()
	if len(history) != 1 || history[0].Role != generation.RoleUser || history[0].Text != "hello there" {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestSpeechStartedOpensUserTurnOnlyWhenIdle(t *testing.T) {
	fixture := newControllerFixture()

	fixture.handle(evSpeechStarted{now()})
	if fixture.controller.userTurn == nil {
		t.Fatalf("expected an open user turn after speech start while idle")
	}

	fixture.handle(evUserFinal{eventBase: now(), text: "first"})
	fixture.handle(evSpeechStarted{now()})
	if fixture.controller.userTurn != nil {
		t.Fatalf("expected no user turn while the bot is active")
	}
}

func TestBargeInInterruptsBotTurn(t *testing.T) {
	fixture := newControllerFixture()
	fixture.handle(evUserFinal{eventBase: now(), text: "first question"})

	// Speculative bot output queued for delivery.
	_ = fixture.outbound.Publish(frames.NewAudioChunk(2, []byte{1, 2, 3}, 24000))
	fixture.partial = "I was saying"

	fixture.handle(evUserFinal{eventBase: now(), text: "actually wait"})

	// The speculative audio is flushed; only the interruption marker for
	// the sink remains.
	if pending := fixture.outbound.Pending(); pending != 1 {
		t.Fatalf("expected only the interruption marker pending, got %d", pending)
	}
	flushed := collectFrames(fixture.outbound, 1)
	if _, ok := flushed[0].(frames.Interrupted); !ok {
		t.Fatalf("expected an interruption marker, got %T", flushed[0])
	}

	recorded := fixture.emitter.recorded()
	var interruptedAt, userStartedAt int
	for i, msg := range recorded {
		if msg.kind == "turn-ended" && msg.turnID == 2 && msg.reason == protocol.ReasonInterrupted {
			interruptedAt = i
		}
		if msg.kind == "turn-started" && msg.turnID == 3 && msg.speaker == protocol.SpeakerUser {
			userStartedAt = i
		}
	}
	if interruptedAt == 0 {
		t.Fatalf("expected bot turn 2 to end interrupted: %+v", recorded)
	}
	if userStartedAt == 0 || userStartedAt < interruptedAt {
		t.Fatalf("expected the new user turn to start after the interruption: %+v", recorded)
	}

	history := fixture.controller.snapshotHistory()
	var foundPartial bool
	for _, exchange := range history {
		if exchange.Role == generation.RoleAssistant && exchange.Interrupted && exchange.Text == "I was saying" {
			foundPartial = true
		}
	}
	if !foundPartial {
		t.Fatalf("expected the interrupted partial reply in history: %+v", history)
	}

	if fixture.controller.botTurn == nil || fixture.controller.botTurn.ID != 4 {
		t.Fatalf("expected a fresh bot turn 4 to be active")
	}
}

func TestNaturalEndWinsTieBreak(t *testing.T) {
	fixture := newControllerFixture()
	fixture.handle(evUserFinal{eventBase: now(), text: "first question"})
	fixture.partial = "complete reply"

	// The bot's end marker left the pipeline before this transcript was
	// finalized, so the utterance is a fresh turn, not a barge-in.
	fixture.controller.endEmittedAt.Store(time.Now().Add(-time.Second).UnixNano())
	fixture.handle(evUserFinal{eventBase: now(), text: "next question"})

	for _, msg := range fixture.emitter.recorded() {
		if msg.reason == protocol.ReasonInterrupted {
			t.Fatalf("expected no interruption, got %+v", msg)
		}
		if msg.kind == "turn-ended" && msg.turnID == 2 && msg.reason != protocol.ReasonNatural {
			t.Fatalf("expected bot turn 2 to end naturally, got %+v", msg)
		}
	}

	history := fixture.controller.snapshotHistory()
	var interrupted bool
	for _, exchange := range history {
		if exchange.Interrupted {
			interrupted = true
		}
	}
	if interrupted {
		t.Fatalf("expected no interrupted history entries: %+v", history)
	}
}

func TestBotDrainedFinalizesTurn(t *testing.T) {
	fixture := newControllerFixture()
	fixture.handle(evUserFinal{eventBase: now(), text: "question"})
	fixture.partial = "the full reply"

	fixture.handle(evBotDrained{eventBase: now(), turn: 2})

	recorded := fixture.emitter.recorded()
	last := recorded[len(recorded)-1]
	if last.kind != "turn-ended" || last.turnID != 2 || last.reason != protocol.ReasonNatural {
		t.Fatalf("expected bot turn 2 to end naturally, got %+v", last)
	}
	if fixture.controller.state != stateIdle {
		t.Fatalf("expected idle state after drain, got %s", fixture.controller.state)
	}

	history := fixture.controller.snapshotHistory()
	last2 := history[len(history)-1]
	if last2.Role != generation.RoleAssistant || last2.Text != "the full reply" || last2.Interrupted {
		t.Fatalf("unexpected final history entry: %+v", last2)
	}
}

func TestStaleDrainForPreviousTurnIsIgnored(t *testing.T) {
	fixture := newControllerFixture()
	fixture.handle(evUserFinal{eventBase: now(), text: "question"})

	fixture.handle(evBotDrained{eventBase: now(), turn: 1})

	if fixture.controller.botTurn == nil || fixture.controller.botTurn.ID != 2 {
		t.Fatalf("expected bot turn 2 to stay active after a stale drain")
	}
}

func TestTerminalStageFailureEndsTurnKeepsSession(t *testing.T) {
	fixture := newControllerFixture()
	fixture.handle(evUserFinal{eventBase: now(), text: "question"})

	var fatal atomic.Bool
	fixture.controller.onFatal = func(error) { fatal.Store(true) }

	fixture.handle(evStageFailure{
		eventBase: now(),
		turn:      2,
		stage:     stageSynthesizer,
		err:       fault.Terminal("synthesizer-service", fmt.Errorf("voice unavailable")),
	})

	recorded := fixture.emitter.recorded()
	var endedWithError, errorReported bool
	for _, msg := range recorded {
		if msg.kind == "turn-ended" && msg.turnID == 2 && msg.reason == protocol.ReasonError {
			endedWithError = true
		}
		if msg.kind == "error" && msg.code == "synthesizer-service" {
			errorReported = true
		}
	}
	if !endedWithError || !errorReported {
		t.Fatalf("expected turn-ended with error and an error message, got %+v", recorded)
	}
	if fatal.Load() {
		t.Fatalf("expected a terminal error to leave the session up")
	}
	if fixture.controller.state != stateIdle {
		t.Fatalf("expected idle state, got %s", fixture.controller.state)
	}

	// The session keeps taking turns afterwards.
	fixture.handle(evUserFinal{eventBase: now(), text: "try again"})
	if fixture.controller.botTurn == nil {
		t.Fatalf("expected a new bot turn after the failed one")
	}
}

func TestSessionFatalFailureReportsAndStops(t *testing.T) {
	fixture := newControllerFixture()

	var fatal atomic.Bool
	fixture.controller.onFatal = func(error) { fatal.Store(true) }

	fixture.handle(evStageFailure{
		eventBase: now(),
		stage:     stageResponder,
		err:       fault.SessionFatal("responder-auth", fmt.Errorf("bad credentials")),
	})

	if !fatal.Load() {
		t.Fatalf("expected the fatal hook to fire")
	}
	if fixture.controller.state != stateClosed {
		t.Fatalf("expected closed state, got %s", fixture.controller.state)
	}

	// Events after a fatal failure are dropped.
	fixture.handle(evUserFinal{eventBase: now(), text: "anyone there?"})
	if fixture.controller.botTurn != nil {
		t.Fatalf("expected no turns after a fatal failure")
	}
}

func TestMuteToggleFlipsFlag(t *testing.T) {
	fixture := newControllerFixture()

	fixture.handle(evMuteToggle{now()})
	if !fixture.muted.Load() {
		t.Fatalf("expected muted after first toggle")
	}
	fixture.handle(evMuteToggle{now()})
	if fixture.muted.Load() {
		t.Fatalf("expected unmuted after second toggle")
	}
}

func TestClientReadyGreetsOnce(t *testing.T) {
	fixture := newControllerFixture()
	fixture.controller.systemGreeting = "Introduce yourself."
	fixture.controller.baseCtx = context.Background()

	fixture.handle(evClientReady{now()})
	fixture.handle(evClientReady{now()})

	recorded := fixture.emitter.recorded()
	var ready, botStarts int
	for _, msg := range recorded {
		if msg.kind == "session-ready" {
			ready++
		}
		if msg.kind == "turn-started" && msg.speaker == protocol.SpeakerBot {
			botStarts++
		}
	}
	if ready != 2 {
		t.Fatalf("expected session-ready per client-ready, got %d", ready)
	}
	if botStarts != 1 {
		t.Fatalf("expected exactly one greeting turn, got %d", botStarts)
	}

	history := fixture.controller.snapshotHistory()
	if len(history) != 1 || history[0].Role != generation.RoleSystem {
		t.Fatalf("expected the greeting recorded as a system entry: %+v", history)
	}
}
