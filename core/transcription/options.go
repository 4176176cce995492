// Package transcription defines the streaming speech-to-text contract
// consumed by the pipeline. Vendor adapters live in subpackages.
package transcription

import (
	"context"

	"github.com/voxmirror/presence-core/core/audio"
)

// Client is a live transcription stream over one service connection. The
// stream stays open across utterances; finality is signalled per segment
// through the configured callbacks.
type Client interface {
	Stream(ctx context.Context, opts ...Option) error
	SendAudio(audio []byte) error
}

type Options struct {
	SpeechStartedCallback     func()
	SpeechEndedCallback       func()
	InterimTranscriptCallback func(transcript string)
	// FinalTranscriptCallback receives segments that will not be revised
	// further (the finality signal).
	FinalTranscriptCallback func(transcript string)
	ErrorCallback           func(err error)

	EncodingInfo audio.EncodingInfo
}

type Option func(*Options)

func WithSpeechStartedCallback(callback func()) Option {
	return func(o *Options) { o.SpeechStartedCallback = callback }
}

func WithSpeechEndedCallback(callback func()) Option {
	return func(o *Options) { o.SpeechEndedCallback = callback }
}

func WithInterimTranscriptCallback(callback func(transcript string)) Option {
	return func(o *Options) { o.InterimTranscriptCallback = callback }
}

func WithFinalTranscriptCallback(callback func(transcript string)) Option {
	return func(o *Options) { o.FinalTranscriptCallback = callback }
}

func WithErrorCallback(callback func(err error)) Option {
	return func(o *Options) { o.ErrorCallback = callback }
}

func WithEncodingInfo(encodingInfo audio.EncodingInfo) Option {
	return func(o *Options) { o.EncodingInfo = encodingInfo }
}
