package pipeline

import (
	"time"

	"github.com/voxmirror/presence-core/core/audio"
	"github.com/voxmirror/presence-core/core/frames"
	"github.com/voxmirror/presence-core/core/generation"
	"github.com/voxmirror/presence-core/core/protocol"
	"github.com/voxmirror/presence-core/core/rendering"
	"github.com/voxmirror/presence-core/core/synthesis"
	"github.com/voxmirror/presence-core/core/transcription"
	"github.com/voxmirror/presence-core/internal/backoff"
)

type Options struct {
	Transcriber transcription.Client
	Responder   generation.Client
	Synthesizer synthesis.Client
	Renderer    rendering.Client

	ControlChannel protocol.Channel

	// MediaSink receives the session's outbound media frames in order.
	MediaSink func(frame frames.Frame)

	SystemPrompt string
	// Greeting is injected as a prompt once the client reports ready, so the
	// bot speaks first.
	Greeting string
	Voice    string

	// IdleTimeout closes the session after this long without user or bot
	// activity. Zero disables the watchdog.
	IdleTimeout time.Duration

	InputEncoding  audio.EncodingInfo
	OutputEncoding audio.EncodingInfo

	Retry       backoff.Config
	BusCapacity int

	InterimTranscriptCallback func(transcript string)
	TranscriptCallback        func(transcript string)
	SpeakingStateCallback     func(speaking bool)
}

type Option func(*Options)

func WithTranscriber(client transcription.Client) Option {
	return func(o *Options) { o.Transcriber = client }
}

func WithResponder(client generation.Client) Option {
	return func(o *Options) { o.Responder = client }
}

func WithSynthesizer(client synthesis.Client) Option {
	return func(o *Options) { o.Synthesizer = client }
}

func WithRenderer(client rendering.Client) Option {
	return func(o *Options) { o.Renderer = client }
}

func WithControlChannel(channel protocol.Channel) Option {
	return func(o *Options) { o.ControlChannel = channel }
}

func WithMediaSink(sink func(frame frames.Frame)) Option {
	return func(o *Options) { o.MediaSink = sink }
}

func WithSystemPrompt(prompt string) Option {
	return func(o *Options) { o.SystemPrompt = prompt }
}

func WithGreeting(greeting string) Option {
	return func(o *Options) { o.Greeting = greeting }
}

func WithVoice(voice string) Option {
	return func(o *Options) { o.Voice = voice }
}

func WithIdleTimeout(timeout time.Duration) Option {
	return func(o *Options) { o.IdleTimeout = timeout }
}

func WithInputEncoding(encoding audio.EncodingInfo) Option {
	return func(o *Options) { o.InputEncoding = encoding }
}

func WithOutputEncoding(encoding audio.EncodingInfo) Option {
	return func(o *Options) { o.OutputEncoding = encoding }
}

func WithRetryConfig(config backoff.Config) Option {
	return func(o *Options) { o.Retry = config }
}

func WithBusCapacity(capacity int) Option {
	return func(o *Options) { o.BusCapacity = capacity }
}

func WithInterimTranscriptCallback(callback func(transcript string)) Option {
	return func(o *Options) { o.InterimTranscriptCallback = callback }
}

func WithTranscriptCallback(callback func(transcript string)) Option {
	return func(o *Options) { o.TranscriptCallback = callback }
}

func WithSpeakingStateCallback(callback func(speaking bool)) Option {
	return func(o *Options) { o.SpeakingStateCallback = callback }
}

func defaultOptions() Options {
	return Options{
		InputEncoding:  audio.DefaultInputEncoding(),
		OutputEncoding: audio.DefaultOutputEncoding(),
		Retry:          backoff.DefaultConfig(),
		BusCapacity:    defaultBusCapacity,
	}
}
