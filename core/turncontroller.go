package pipeline

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxmirror/presence-core/core/fault"
	"github.com/voxmirror/presence-core/core/frames"
	"github.com/voxmirror/presence-core/core/generation"
	"github.com/voxmirror/presence-core/core/observability"
	"github.com/voxmirror/presence-core/core/protocol"
)

type controllerState string

const (
	stateIdle          controllerState = "idle"
	stateUserSpeaking  controllerState = "user_speaking"
	stateBotGenerating controllerState = "bot_generating"
	stateBotSpeaking   controllerState = "bot_speaking"
	stateClosed        controllerState = "closed"
)

// controlEmitter is the slice of the protocol gateway the controller
// drives. A nil-safe no-op stands in when no control channel is attached.
type controlEmitter interface {
	SessionReady()
	TurnStarted(turnID uint64, speaker protocol.Speaker)
	TurnEnded(turnID uint64, speaker protocol.Speaker, reason protocol.Reason)
	Error(code, message string)
}

type noopEmitter struct{}

func (noopEmitter) SessionReady()                                    {}
func (noopEmitter) TurnStarted(uint64, protocol.Speaker)             {}
func (noopEmitter) TurnEnded(uint64, protocol.Speaker, protocol.Reason) {}
func (noopEmitter) Error(string, string)                             {}

type controllerEvent interface{ eventTime() time.Time }

type eventBase struct{ at time.Time }

func (e eventBase) eventTime() time.Time { return e.at }

type (
	evSpeechStarted struct{ eventBase }
	evSpeechEnded   struct{ eventBase }

	evInterim struct {
		eventBase
		text string
	}

	// evUserFinal carries one finalized user utterance. synthetic marks the
	// greeting, which prompts the responder without a user turn of its own.
	evUserFinal struct {
		eventBase
		text      string
		synthetic bool
	}

	evBotMediaStarted struct {
		eventBase
		turn uint64
	}

	evBotDrained struct {
		eventBase
		turn uint64
	}

	evStageFailure struct {
		eventBase
		turn  uint64
		stage string
		err   error
	}

	evClientReady struct{ eventBase }
	evMuteToggle  struct{ eventBase }
)

// turnController owns all turn state. Every signal, from transcripts to
// drain markers to stage failures, is funneled through one event queue and
// handled on a single goroutine, so turn transitions never race.
type turnController struct {
	gateway     controlEmitter
	responder   *stageAdapter
	synthesizer *stageAdapter
	renderer    *stageAdapter
	outbound    *frameBus

	// botPartial reads the reply text produced so far for a bot turn, used
	// to record interrupted replies as far as they got.
	botPartial func(turn uint64) string

	systemGreeting string
	muted          *atomic.Bool
	onFatal        func(err error)
	callbacks      controllerCallbacks

	queue   chan controllerEvent
	closeCh chan struct{}
	done    chan struct{}

	startOnce sync.Once
	endOnce   sync.Once

	baseCtx context.Context

	// Everything below is touched only by the event loop goroutine, except
	// where noted.
	state    controllerState
	turnSeq  uint64
	userTurn *Turn
	botTurn  *Turn
	greeted  bool

	// userFinalAt is when the current bot turn's prompt was finalized, for
	// the response latency metric.
	userFinalAt time.Time

	// endEmittedAt is the wall time the current bot turn's end marker left
	// the pipeline, zero while the turn is still producing. Written by the
	// sink goroutine, read by the event loop for the barge-in tie-break.
	endEmittedAt atomic.Int64

	historyMu sync.RWMutex
	history   []generation.Exchange
}

type controllerCallbacks struct {
	interimTranscript func(transcript string)
	transcript        func(transcript string)
	speakingState     func(speaking bool)
}

func newTurnController(
	gateway controlEmitter,
	responder, synthesizer, renderer *stageAdapter,
	outbound *frameBus,
	botPartial func(turn uint64) string,
	muted *atomic.Bool,
) *turnController {
	if gateway == nil {
		gateway = noopEmitter{}
	}
	if botPartial == nil {
		botPartial = func(uint64) string { return "" }
	}
	return &turnController{
		gateway:     gateway,
		responder:   responder,
		synthesizer: synthesizer,
		renderer:    renderer,
		outbound:    outbound,
		botPartial:  botPartial,
		muted:       muted,
		queue:       make(chan controllerEvent, 32),
		closeCh:     make(chan struct{}),
		done:        make(chan struct{}),
		state:       stateIdle,
	}
}

func (c *turnController) start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.baseCtx = ctx
		go func() {
			defer close(c.done)
			for {
				select {
				case event := <-c.queue:
					c.handle(ctx, event)
				case <-c.closeCh:
					return
				}
			}
		}()
	})
}

func (c *turnController) end() {
	c.endOnce.Do(func() {
		close(c.closeCh)
	})
	<-c.done
}

func (c *turnController) enqueue(event controllerEvent) {
	select {
	case c.queue <- event:
	case <-c.closeCh:
	}
}

func now() eventBase { return eventBase{at: time.Now()} }

// intake translates one transcriber output frame into controller events.
// Called from the transcriber pump goroutine.
func (c *turnController) intake(frame frames.Frame) {
	switch f := frame.(type) {
	case frames.SpeechStarted:
		c.enqueue(evSpeechStarted{eventBase{at: f.Timestamp()}})
	case frames.SpeechEnded:
		c.enqueue(evSpeechEnded{eventBase{at: f.Timestamp()}})
	case frames.TextToken:
		if f.IsFinal {
			c.enqueue(evUserFinal{eventBase: eventBase{at: f.Timestamp()}, text: f.Text})
		} else {
			c.enqueue(evInterim{eventBase: eventBase{at: f.Timestamp()}, text: f.Text})
		}
	case frames.StageFailure:
		c.enqueue(evStageFailure{eventBase: eventBase{at: f.Timestamp()}, turn: f.Turn(), stage: f.Stage, err: f.Err})
	}
}

// noteFailure routes a stage failure frame from any pump into the loop.
func (c *turnController) noteFailure(frame frames.StageFailure) {
	c.enqueue(evStageFailure{eventBase: eventBase{at: frame.Timestamp()}, turn: frame.Turn(), stage: frame.Stage, err: frame.Err})
}

// noteBotMediaStarted records the first outbound media frame of a bot turn.
// Called from the sink goroutine.
func (c *turnController) noteBotMediaStarted(turn uint64) {
	c.enqueue(evBotMediaStarted{eventBase: now(), turn: turn})
}

// noteBotDrained records that a bot turn's end marker left the pipeline.
// The timestamp is stored before enqueueing so a transcript finalized after
// this instant is compared against it even if the events race.
func (c *turnController) noteBotDrained(turn uint64) {
	at := time.Now()
	c.endEmittedAt.Store(at.UnixNano())
	c.enqueue(evBotDrained{eventBase: eventBase{at: at}, turn: turn})
}

func (c *turnController) noteClientReady() { c.enqueue(evClientReady{now()}) }
func (c *turnController) noteMuteToggle()  { c.enqueue(evMuteToggle{now()}) }

// injectPrompt feeds text into the pipeline as if it were a finalized user
// utterance.
func (c *turnController) injectPrompt(text string) {
	c.enqueue(evUserFinal{eventBase: now(), text: text})
}

func (c *turnController) handle(ctx context.Context, event controllerEvent) {
	if c.state == stateClosed {
		return
	}

	switch ev := event.(type) {
	case evSpeechStarted:
		c.handleSpeechStarted()
	case evSpeechEnded:
		if c.callbacks.speakingState != nil {
			c.callbacks.speakingState(false)
		}
	case evInterim:
		if c.callbacks.interimTranscript != nil {
			c.callbacks.interimTranscript(ev.text)
		}
	case evUserFinal:
		c.handleUserFinal(ctx, ev)
	case evBotMediaStarted:
		c.handleBotMediaStarted(ev)
	case evBotDrained:
		c.finalizeBotTurn(ev.turn, protocol.ReasonNatural)
	case evStageFailure:
		c.handleStageFailure(ctx, ev)
	case evClientReady:
		c.handleClientReady()
	case evMuteToggle:
		c.muted.Store(!c.muted.Load())
	}
}

func (c *turnController) handleSpeechStarted() {
	if c.callbacks.speakingState != nil {
		c.callbacks.speakingState(true)
	}
	// While the bot is active the user turn is opened at finality instead,
	// as part of the interruption, so turn-ended for the cut bot turn
	// precedes turn-started for the new user turn.
	if c.state == stateIdle && c.userTurn == nil {
		c.openUserTurn()
	}
}

func (c *turnController) handleUserFinal(ctx context.Context, ev evUserFinal) {
	text := strings.TrimSpace(ev.text)
	if text == "" {
		return
	}

	if !ev.synthetic && c.callbacks.transcript != nil {
		c.callbacks.transcript(text)
	}

	if c.botTurn != nil {
		endAt := c.endEmittedAt.Load()
		if endAt != 0 && !time.Unix(0, endAt).After(ev.at) {
			// The bot's end marker was emitted before this transcript was
			// finalized. The turn ended naturally; this utterance starts a
			// fresh exchange rather than an interruption.
			c.finalizeBotTurn(c.botTurn.ID, protocol.ReasonNatural)
		} else {
			c.interruptBotTurn(ctx)
		}
	}

	if ev.synthetic {
		c.appendHistory(generation.Exchange{Role: generation.RoleSystem, Text: text})
	} else {
		if c.userTurn == nil {
			c.openUserTurn()
		}
		c.closeUserTurn(text)
	}

	c.userFinalAt = ev.at
	c.startBotTurn(ctx, text)
}

func (c *turnController) openUserTurn() {
	c.turnSeq++
	c.userTurn = newTurn(c.turnSeq, SpeakerUser)
	c.state = stateUserSpeaking
	c.gateway.TurnStarted(c.userTurn.ID, protocol.SpeakerUser)
}

func (c *turnController) closeUserTurn(text string) {
	turn := c.userTurn
	turn.Text = text
	turn.State = TurnStateClosed
	c.userTurn = nil
	c.appendHistory(generation.Exchange{Role: generation.RoleUser, Text: text})
	c.gateway.TurnEnded(turn.ID, protocol.SpeakerUser, protocol.ReasonNatural)
	observability.TurnEnded(string(SpeakerUser), string(protocol.ReasonNatural))
}

func (c *turnController) startBotTurn(ctx context.Context, prompt string) {
	c.turnSeq++
	bot := newTurn(c.turnSeq, SpeakerBot)
	c.botTurn = bot
	c.endEmittedAt.Store(0)

	c.responder.Arm(bot.ID)
	c.synthesizer.Arm(bot.ID)
	c.renderer.Arm(bot.ID)

	c.state = stateBotGenerating
	c.gateway.TurnStarted(bot.ID, protocol.SpeakerBot)
	_ = c.responder.Feed(ctx, frames.NewTextToken(bot.ID, prompt, true))
}

// interruptBotTurn flushes all speculative bot output downstream of the
// responder, then announces the cut. Flushing strictly precedes any frame
// of the next turn because both happen on this goroutine.
func (c *turnController) interruptBotTurn(ctx context.Context) {
	bot := c.botTurn
	flushBelow := bot.ID + 1

	_ = c.responder.ResetTo(ctx, flushBelow)
	_ = c.synthesizer.ResetTo(ctx, flushBelow)
	_ = c.renderer.ResetTo(ctx, flushBelow)
	c.outbound.Reset(flushBelow)

	// In-band marker so the media sink can flush client-side playback of
	// the cut turn.
	_ = c.outbound.Publish(frames.NewInterrupted(flushBelow))

	bot.State = TurnStateInterrupted
	bot.Text = c.botPartial(bot.ID)
	if bot.Text != "" {
		c.appendHistory(generation.Exchange{
			Role:        generation.RoleAssistant,
			Text:        bot.Text,
			Interrupted: true,
		})
	}
	c.botTurn = nil
	c.endEmittedAt.Store(0)

	c.gateway.TurnEnded(bot.ID, protocol.SpeakerBot, protocol.ReasonInterrupted)
	observability.TurnEnded(string(SpeakerBot), string(protocol.ReasonInterrupted))
	observability.InterruptionObserved()
	logger.InfoContext(ctx, "Interrupted bot turn", "turnId", bot.ID)
}

func (c *turnController) finalizeBotTurn(turnID uint64, reason protocol.Reason) {
	bot := c.botTurn
	if bot == nil || bot.ID != turnID {
		return
	}

	bot.State = TurnStateClosed
	bot.Text = c.botPartial(bot.ID)
	if bot.Text != "" {
		c.appendHistory(generation.Exchange{Role: generation.RoleAssistant, Text: bot.Text})
	}
	c.botTurn = nil
	c.state = stateIdle

	c.gateway.TurnEnded(bot.ID, protocol.SpeakerBot, reason)
	observability.TurnEnded(string(SpeakerBot), string(reason))
}

func (c *turnController) handleBotMediaStarted(ev evBotMediaStarted) {
	if c.botTurn == nil || c.botTurn.ID != ev.turn {
		return
	}
	if c.state == stateBotGenerating {
		c.state = stateBotSpeaking
		if !c.userFinalAt.IsZero() {
			observability.ResponseLatency(ev.at.Sub(c.userFinalAt))
		}
	}
}

func (c *turnController) handleStageFailure(ctx context.Context, ev evStageFailure) {
	logger.ErrorContext(ctx, "Stage failure",
		"stage", ev.stage, "turnId", ev.turn, "error", ev.err)

	if fault.IsSessionFatal(ev.err) {
		c.gateway.Error(fault.CodeOf(ev.err), ev.err.Error())
		c.state = stateClosed
		if c.onFatal != nil {
			c.onFatal(ev.err)
		}
		return
	}

	// A terminal stage error ends the affected turn; the session stays up.
	switch ev.stage {
	case stageTranscriber:
		if c.userTurn != nil {
			turn := c.userTurn
			turn.State = TurnStateInterrupted
			c.userTurn = nil
			if c.state == stateUserSpeaking {
				c.state = stateIdle
			}
			c.gateway.TurnEnded(turn.ID, protocol.SpeakerUser, protocol.ReasonError)
			observability.TurnEnded(string(SpeakerUser), string(protocol.ReasonError))
		}
	default:
		if c.botTurn != nil && ev.turn == c.botTurn.ID {
			bot := c.botTurn
			flushBelow := bot.ID + 1
			_ = c.responder.ResetTo(ctx, flushBelow)
			_ = c.synthesizer.ResetTo(ctx, flushBelow)
			_ = c.renderer.ResetTo(ctx, flushBelow)
			c.outbound.Reset(flushBelow)

			bot.State = TurnStateInterrupted
			bot.Text = c.botPartial(bot.ID)
			if bot.Text != "" {
				c.appendHistory(generation.Exchange{
					Role:        generation.RoleAssistant,
					Text:        bot.Text,
					Interrupted: true,
				})
			}
			c.botTurn = nil
			c.state = stateIdle
			c.endEmittedAt.Store(0)

			c.gateway.TurnEnded(bot.ID, protocol.SpeakerBot, protocol.ReasonError)
			observability.TurnEnded(string(SpeakerBot), string(protocol.ReasonError))
		}
	}

	c.gateway.Error(fault.CodeOf(ev.err), ev.err.Error())
}

func (c *turnController) handleClientReady() {
	c.gateway.SessionReady()
	if c.systemGreeting != "" && !c.greeted {
		c.greeted = true
		c.handle(c.baseCtx, evUserFinal{eventBase: now(), text: c.systemGreeting, synthetic: true})
	}
}

func (c *turnController) appendHistory(exchange generation.Exchange) {
	c.historyMu.Lock()
	c.history = append(c.history, exchange)
	c.historyMu.Unlock()
}

// snapshotHistory returns a copy of the conversation so far. Safe to call
// from any goroutine.
func (c *turnController) snapshotHistory() []generation.Exchange {
	c.historyMu.RLock()
	defer c.historyMu.RUnlock()
	history := make([]generation.Exchange, len(c.history))
	copy(history, c.history)
	return history
}
