// Package pipeline assembles a real-time conversational avatar session:
// user audio is transcribed, answered, synthesized to speech and rendered
// to a talking avatar, with user barge-in cutting the bot off mid-reply.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/voxmirror/presence-core/core/frames"
	"github.com/voxmirror/presence-core/core/generation"
	"github.com/voxmirror/presence-core/core/observability"
	"github.com/voxmirror/presence-core/core/protocol"
)

// ConnectionState is the session's connection lifecycle position.
// Transitions only move forward.
type ConnectionState int32

const (
	ConnectionConnecting ConnectionState = iota
	ConnectionActive
	ConnectionDraining
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionConnecting:
		return "connecting"
	case ConnectionActive:
		return "active"
	case ConnectionDraining:
		return "draining"
	case ConnectionClosed:
		return "closed"
	}
	return "unknown"
}

const idleCheckInterval = 5 * time.Second

// Session is one end-to-end conversation. It owns the four stage adapters,
// the buses between them, the turn controller and the optional control
// gateway, and tears them down top-down on Close.
type Session struct {
	ID        string
	CreatedAt time.Time

	opts  Options
	state atomic.Int32

	transcriber *stageAdapter
	responder   *stageAdapter
	synthesizer *stageAdapter
	renderer    *stageAdapter

	outbound   *frameBus
	controller *turnController
	gateway    *protocol.Gateway

	muted        atomic.Bool
	lastActivity atomic.Int64

	baseCtx    context.Context
	cancelBase context.CancelFunc

	pumps     sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

func NewSession(opts ...Option) *Session {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	session := &Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		opts:      options,
		outbound:  newFrameBus(options.BusCapacity),
		done:      make(chan struct{}),
	}

	transcriberClient := &transcriberStage{
		client:   options.Transcriber,
		encoding: options.InputEncoding,
	}
	responderClient := &responderStage{
		client:       options.Responder,
		systemPrompt: options.SystemPrompt,
		retry:        options.Retry,
	}
	synthesizerClient := &synthesizerStage{
		client:   options.Synthesizer,
		voice:    options.Voice,
		encoding: options.OutputEncoding,
	}
	rendererClient := &rendererStage{
		client:   options.Renderer,
		encoding: options.OutputEncoding,
	}

	session.transcriber = newStageAdapter(stageTranscriber, transcriberClient, options.BusCapacity, options.Retry)
	session.responder = newStageAdapter(stageResponder, responderClient, options.BusCapacity, options.Retry)
	session.synthesizer = newStageAdapter(stageSynthesizer, synthesizerClient, options.BusCapacity, options.Retry)
	session.renderer = newStageAdapter(stageRenderer, rendererClient, options.BusCapacity, options.Retry)

	var emitter controlEmitter
	if options.ControlChannel != nil {
		session.gateway = protocol.NewGateway(session.ID, options.ControlChannel,
			protocol.WithClientReadyCallback(func() {
				session.controller.noteClientReady()
			}),
			protocol.WithMuteToggleCallback(func() {
				session.controller.noteMuteToggle()
			}),
			protocol.WithDisconnectCallback(func() {
				go session.Close()
			}),
			protocol.WithChannelErrorCallback(func(err error) {
				logger.Error("Control channel failed", "sessionId", session.ID, "error", err)
				go session.Close()
			}),
		)
		emitter = session.gateway
	}

	session.controller = newTurnController(
		emitter,
		session.responder,
		session.synthesizer,
		session.renderer,
		session.outbound,
		responderClient.partialText,
		&session.muted,
	)
	session.controller.systemGreeting = options.Greeting
	session.controller.callbacks = controllerCallbacks{
		interimTranscript: options.InterimTranscriptCallback,
		transcript:        options.TranscriptCallback,
		speakingState:     options.SpeakingStateCallback,
	}
	session.controller.onFatal = func(error) { go session.Close() }

	responderClient.history = session.controller.snapshotHistory

	return session
}

// Start connects the stages and launches the pipeline goroutines. It
// returns once the session is accepting audio.
func (s *Session) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(ConnectionConnecting), int32(ConnectionActive)) {
		return fmt.Errorf("session already started")
	}

	ctx, span := tracer.Start(ctx, "Start Session")
	defer span.End()

	s.baseCtx, s.cancelBase = context.WithCancel(context.WithoutCancel(ctx))
	s.touchActivity()

	for _, adapter := range []*stageAdapter{s.transcriber, s.responder, s.synthesizer, s.renderer} {
		if err := adapter.Start(s.baseCtx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to start session")
			s.Close()
			return fmt.Errorf("failed to start session: %w", err)
		}
	}

	s.controller.start(s.baseCtx)
	s.gateway.Start(s.baseCtx)

	s.pump(s.transcriber.Output(), func(frame frames.Frame) {
		s.controller.intake(frame)
	})
	s.pump(s.responder.Output(), s.forwardTo(s.synthesizer))
	s.pump(s.synthesizer.Output(), s.forwardTo(s.renderer))
	s.pump(s.renderer.Output(), func(frame frames.Frame) {
		if failure, ok := frame.(frames.StageFailure); ok {
			s.controller.noteFailure(failure)
			return
		}
		_ = s.outbound.Publish(frame)
	})
	s.pumps.Add(1)
	go s.sinkLoop()

	if s.opts.IdleTimeout > 0 {
		go s.idleWatchdog()
	}
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	observability.SessionOpened()
	logger.InfoContext(ctx, "Session started", "sessionId", s.ID)

	// Without a control channel there is no client-ready handshake to wait
	// for, so the greeting fires immediately.
	if s.opts.ControlChannel == nil && s.opts.Greeting != "" {
		s.controller.noteClientReady()
	}
	return nil
}

// SendAudio feeds one chunk of user microphone audio into the pipeline.
func (s *Session) SendAudio(audio []byte) error {
	if s.State() != ConnectionActive {
		return fmt.Errorf("session is not active")
	}
	s.touchActivity()
	observability.AudioIn(len(audio))
	return s.transcriber.Feed(s.baseCtx, frames.NewAudioChunk(0, audio, s.opts.InputEncoding.SampleRate))
}

// SendPrompt injects text as if it were a finalized user utterance,
// bypassing transcription.
func (s *Session) SendPrompt(prompt string) error {
	if s.State() != ConnectionActive {
		return fmt.Errorf("session is not active")
	}
	s.touchActivity()
	s.controller.injectPrompt(prompt)
	return nil
}

// History returns the finalized conversation so far, interrupted bot
// replies included as far as they got.
func (s *Session) History() []generation.Exchange {
	return s.controller.snapshotHistory()
}

func (s *Session) State() ConnectionState {
	return ConnectionState(s.state.Load())
}

// Muted reports whether outbound audio is currently suppressed.
func (s *Session) Muted() bool { return s.muted.Load() }

// Done is closed once the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close tears the session down from the top: the controller stops first so
// no new turns start, then the stages release their connections, then the
// control channel closes. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(ConnectionDraining))

		s.controller.end()
		if s.cancelBase != nil {
			s.cancelBase()
		}

		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		for _, adapter := range []*stageAdapter{s.transcriber, s.responder, s.synthesizer, s.renderer} {
			if err := adapter.Close(closeCtx); err != nil {
				logger.Warn("Failed to close stage", "stage", adapter.name, "error", err)
			}
		}
		s.outbound.Close()
		s.pumps.Wait()

		if err := s.gateway.Close(closeCtx); err != nil {
			logger.Warn("Failed to close control gateway", "error", err)
		}

		s.state.Store(int32(ConnectionClosed))
		observability.SessionClosed()
		close(s.done)
	})
	<-s.done
	return nil
}

// pump drains one bus into handle on its own goroutine until the bus
// closes.
func (s *Session) pump(bus *frameBus, handle func(frame frames.Frame)) {
	s.pumps.Add(1)
	go func() {
		defer s.pumps.Done()
		bus.Frames(func(frame frames.Frame) bool {
			handle(frame)
			return true
		})
	}()
}

// forwardTo feeds frames into the next stage, diverting stage failures to
// the controller so they never enter a downstream service.
func (s *Session) forwardTo(next *stageAdapter) func(frame frames.Frame) {
	return func(frame frames.Frame) {
		if failure, ok := frame.(frames.StageFailure); ok {
			s.controller.noteFailure(failure)
			return
		}
		_ = next.Feed(s.baseCtx, frame)
	}
}

// sinkLoop delivers outbound media to the configured sink and reports turn
// progress markers back to the controller.
func (s *Session) sinkLoop() {
	defer s.pumps.Done()

	var mediaStartedTurn uint64
	s.outbound.Frames(func(frame frames.Frame) bool {
		switch f := frame.(type) {
		case frames.EndOfTurn:
			s.controller.noteBotDrained(f.Turn())

		case frames.Interrupted:
			// Forwarded so the sink can flush whatever it already buffered
			// for playback.
			s.deliver(f)

		case frames.AudioChunk:
			s.touchActivity()
			if s.muted.Load() {
				return true
			}
			if mediaStartedTurn != f.Turn() {
				mediaStartedTurn = f.Turn()
				s.controller.noteBotMediaStarted(f.Turn())
			}
			observability.AudioOut(len(f.Samples))
			s.deliver(f)

		case frames.VideoFrame:
			s.touchActivity()
			if mediaStartedTurn != f.Turn() {
				mediaStartedTurn = f.Turn()
				s.controller.noteBotMediaStarted(f.Turn())
			}
			s.deliver(f)
		}
		return true
	})
}

func (s *Session) deliver(frame frames.Frame) {
	if s.opts.MediaSink != nil {
		s.opts.MediaSink(frame)
	}
}

func (s *Session) touchActivity() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) idleWatchdog() {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			idle := time.Since(time.Unix(0, s.lastActivity.Load()))
			if idle >= s.opts.IdleTimeout {
				logger.Info("Closing idle session", "sessionId", s.ID, "idle", idle)
				if s.gateway != nil {
					s.gateway.Error("idle-timeout", "session closed after inactivity")
				}
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}
