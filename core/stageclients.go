package pipeline

import (
	"context"
	"strings"
	"sync"

	"github.com/voxmirror/presence-core/core/audio"
	"github.com/voxmirror/presence-core/core/fault"
	"github.com/voxmirror/presence-core/core/frames"
	"github.com/voxmirror/presence-core/core/generation"
	"github.com/voxmirror/presence-core/core/rendering"
	"github.com/voxmirror/presence-core/core/synthesis"
	"github.com/voxmirror/presence-core/core/transcription"
	"github.com/voxmirror/presence-core/internal/backoff"
)

// boundStage carries the adapter hooks shared by every stage variant.
type boundStage struct {
	emit func(frames.Frame)
	turn func() uint64
}

func (s *boundStage) bind(emit func(frames.Frame), armedTurn func() uint64) {
	s.emit = emit
	s.turn = armedTurn
}

// transcriberStage drives a live speech-to-text stream. Audio frames go in;
// speech activity markers and interim/final text tokens come out tagged
// with the armed turn.
type transcriberStage struct {
	boundStage

	client   transcription.Client
	encoding audio.EncodingInfo
}

func (s *transcriberStage) start(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Stream(ctx,
		transcription.WithEncodingInfo(s.encoding),
		transcription.WithSpeechStartedCallback(func() {
			s.emit(frames.NewSpeechStarted(s.turn()))
		}),
		transcription.WithSpeechEndedCallback(func() {
			s.emit(frames.NewSpeechEnded(s.turn()))
		}),
		transcription.WithInterimTranscriptCallback(func(transcript string) {
			s.emit(frames.NewTextToken(s.turn(), transcript, false))
		}),
		transcription.WithFinalTranscriptCallback(func(transcript string) {
			s.emit(frames.NewTextToken(s.turn(), transcript, true))
		}),
		transcription.WithErrorCallback(func(err error) {
			s.emit(frames.NewStageFailure(s.turn(), stageTranscriber, err))
		}),
	)
}

func (s *transcriberStage) feed(_ context.Context, frame frames.Frame) error {
	if s.client == nil {
		return nil
	}
	if chunk, ok := frame.(frames.AudioChunk); ok {
		return s.client.SendAudio(chunk.Samples)
	}
	return nil
}

// reset is a no-op: the transcription stream is utterance-agnostic and has
// no per-turn output to discard.
func (s *transcriberStage) reset(context.Context) error { return nil }

func (s *transcriberStage) close(context.Context) error {
	if closer, ok := s.client.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// responderStage turns one finalized user utterance into a streamed reply.
// Each final text token starts a fresh generation pass on its own
// goroutine; reset cancels the pass in flight. The assembled text of the
// current (or last finished) pass is kept so an interrupted reply can be
// recorded as far as it got.
type responderStage struct {
	boundStage

	client       generation.Client
	systemPrompt string
	history      func() []generation.Exchange
	retry        backoff.Config

	mu        sync.Mutex
	genCancel context.CancelFunc
	genTurn   uint64
	assembled strings.Builder
}

func (s *responderStage) start(context.Context) error { return nil }

func (s *responderStage) feed(ctx context.Context, frame frames.Frame) error {
	token, ok := frame.(frames.TextToken)
	if !ok || !token.IsFinal {
		return nil
	}

	turn := s.turn()
	if s.client == nil {
		s.emit(frames.NewEndOfTurn(turn))
		return nil
	}

	genCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.genCancel != nil {
		s.genCancel()
	}
	s.genCancel = cancel
	s.genTurn = turn
	s.assembled.Reset()
	s.mu.Unlock()

	go s.generate(genCtx, turn, token.Text)
	return nil
}

func (s *responderStage) generate(ctx context.Context, turn uint64, prompt string) {
	history := s.history()

	err := backoff.Retry(ctx, s.retry, func() error {
		return s.client.Generate(ctx, prompt, history,
			generation.WithSystemPrompt(s.systemPrompt),
			generation.WithDeltaCallback(func(delta string) {
				s.mu.Lock()
				if s.genTurn == turn {
					s.assembled.WriteString(delta)
				}
				s.mu.Unlock()
				s.emit(frames.NewTextToken(turn, delta, false))
			}),
			generation.WithCompleteCallback(func(full string) {
				s.mu.Lock()
				if s.genTurn == turn {
					s.assembled.Reset()
					s.assembled.WriteString(full)
				}
				s.mu.Unlock()
			}),
		)
	}, func(err error) bool {
		// Retrying after deltas already reached the synthesizer would
		// duplicate speech, so the budget only covers clean attempts.
		s.mu.Lock()
		emitted := s.assembled.Len() > 0
		s.mu.Unlock()
		return !emitted && fault.IsTransient(err)
	})

	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.emit(frames.NewStageFailure(turn, stageResponder, err))
		return
	}
	s.emit(frames.NewEndOfTurn(turn))
}

// partialText reports the reply text produced so far for turn, empty if the
// stage never generated for it.
func (s *responderStage) partialText(turn uint64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if turn != s.genTurn {
		return ""
	}
	return s.assembled.String()
}

func (s *responderStage) reset(context.Context) error {
	s.mu.Lock()
	if s.genCancel != nil {
		s.genCancel()
		s.genCancel = nil
	}
	s.mu.Unlock()
	return nil
}

func (s *responderStage) close(ctx context.Context) error { return s.reset(ctx) }

// synthesizerStage converts reply text into speech audio. An utterance is
// armed lazily on the first token of a turn and closed by the end-of-turn
// marker; the end-of-turn the stage itself emits is deferred until the
// service reports the audio stream finished.
type synthesizerStage struct {
	boundStage

	client   synthesis.Client
	voice    string
	encoding audio.EncodingInfo

	mu        sync.Mutex
	utterance synthesis.Utterance
	uttTurn   uint64
}

func (s *synthesizerStage) start(context.Context) error { return nil }

func (s *synthesizerStage) feed(ctx context.Context, frame frames.Frame) error {
	switch f := frame.(type) {
	case frames.TextToken:
		if f.Text == "" || s.client == nil {
			return nil
		}
		utterance, err := s.ensureUtterance(ctx)
		if err != nil {
			return err
		}
		if err := utterance.SendText(f.Text); err != nil {
			return err
		}
		if strings.ContainsAny(f.Text, ".?!") {
			return utterance.Flush()
		}
		return nil

	case frames.EndOfTurn:
		s.mu.Lock()
		utterance := s.utterance
		s.mu.Unlock()
		if utterance == nil {
			// Nothing was synthesized for this turn; propagate the marker so
			// the turn still completes downstream.
			s.emit(frames.NewEndOfTurn(f.Turn()))
			return nil
		}
		return utterance.End()
	}
	return nil
}

func (s *synthesizerStage) ensureUtterance(ctx context.Context) (synthesis.Utterance, error) {
	turn := s.turn()

	s.mu.Lock()
	if s.utterance != nil && s.uttTurn == turn {
		utterance := s.utterance
		s.mu.Unlock()
		return utterance, nil
	}
	s.mu.Unlock()

	utterance, err := s.client.NewUtterance(ctx,
		synthesis.WithVoice(s.voice),
		synthesis.WithEncodingInfo(s.encoding),
		synthesis.WithAudioCallback(func(chunk []byte) {
			s.emit(frames.NewAudioChunk(turn, chunk, s.encoding.SampleRate))
		}),
		synthesis.WithEndedCallback(func(report synthesis.EndedReport) {
			s.mu.Lock()
			if s.uttTurn == turn {
				s.utterance = nil
			}
			s.mu.Unlock()
			if !report.Cancelled {
				s.emit(frames.NewEndOfTurn(turn))
			}
		}),
		synthesis.WithErrorCallback(func(err error) {
			s.emit(frames.NewStageFailure(turn, stageSynthesizer, err))
		}),
	)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.utterance = utterance
	s.uttTurn = turn
	s.mu.Unlock()
	return utterance, nil
}

func (s *synthesizerStage) reset(context.Context) error {
	s.mu.Lock()
	utterance := s.utterance
	s.utterance = nil
	s.mu.Unlock()
	if utterance == nil {
		return nil
	}
	return utterance.Cancel()
}

func (s *synthesizerStage) close(ctx context.Context) error {
	err := s.reset(ctx)
	if closer, ok := s.client.(interface{ Close(context.Context) error }); ok {
		if closeErr := closer.Close(ctx); err == nil {
			err = closeErr
		}
	}
	return err
}

// rendererStage lip-syncs an avatar to speech audio, producing composited
// audio plus video frames. Without a configured renderer the stage passes
// audio through untouched so audio-only deployments need no avatar service.
type rendererStage struct {
	boundStage

	client   rendering.Client
	encoding audio.EncodingInfo

	mu         sync.Mutex
	stream     rendering.Stream
	streamTurn uint64
}

func (s *rendererStage) start(context.Context) error { return nil }

func (s *rendererStage) feed(ctx context.Context, frame frames.Frame) error {
	switch f := frame.(type) {
	case frames.AudioChunk:
		if s.client == nil {
			s.emit(f)
			return nil
		}
		stream, err := s.ensureStream(ctx)
		if err != nil {
			return err
		}
		return stream.SendAudio(f.Samples)

	case frames.EndOfTurn:
		s.mu.Lock()
		stream := s.stream
		s.mu.Unlock()
		if stream == nil {
			s.emit(frames.NewEndOfTurn(f.Turn()))
			return nil
		}
		return stream.End()
	}
	return nil
}

func (s *rendererStage) ensureStream(ctx context.Context) (rendering.Stream, error) {
	turn := s.turn()

	s.mu.Lock()
	if s.stream != nil && s.streamTurn == turn {
		stream := s.stream
		s.mu.Unlock()
		return stream, nil
	}
	s.mu.Unlock()

	stream, err := s.client.Open(ctx,
		rendering.WithEncodingInfo(s.encoding),
		rendering.WithAudioCallback(func(chunk []byte) {
			s.emit(frames.NewAudioChunk(turn, chunk, s.encoding.SampleRate))
		}),
		rendering.WithVideoCallback(func(frame rendering.VideoFrame) {
			s.emit(frames.NewVideoFrame(turn, frame.Pixels, frame.Width, frame.Height))
		}),
		rendering.WithEndedCallback(func() {
			s.mu.Lock()
			if s.streamTurn == turn {
				s.stream = nil
			}
			s.mu.Unlock()
			s.emit(frames.NewEndOfTurn(turn))
		}),
		rendering.WithErrorCallback(func(err error) {
			s.emit(frames.NewStageFailure(turn, stageRenderer, err))
		}),
	)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.stream = stream
	s.streamTurn = turn
	s.mu.Unlock()
	return stream, nil
}

func (s *rendererStage) reset(context.Context) error {
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()
	if stream == nil {
		return nil
	}
	return stream.Cancel()
}

func (s *rendererStage) close(ctx context.Context) error {
	err := s.reset(ctx)
	if closer, ok := s.client.(interface{ Close(context.Context) error }); ok {
		if closeErr := closer.Close(ctx); err == nil {
			err = closeErr
		}
	}
	return err
}
