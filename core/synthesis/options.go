// Package synthesis defines the streaming text-to-speech contract consumed
// by the pipeline. Vendor adapters live in subpackages.
package synthesis

import (
	"context"

	"github.com/voxmirror/presence-core/core/audio"
)

// Client produces speech for one utterance at a time. Creating a new
// utterance re-arms the underlying service stream without reconnecting;
// reconnecting is reserved for unrecoverable errors.
type Client interface {
	NewUtterance(ctx context.Context, opts ...Option) (Utterance, error)
}

// Utterance is a single armed synthesis stream.
type Utterance interface {
	SendText(text string) error
	// Flush asks the service to synthesize buffered text without ending the
	// utterance.
	Flush() error
	// End marks the utterance's text as complete; audio keeps streaming
	// until the ended callback fires.
	End() error
	// Cancel discards buffered text and any audio not yet emitted.
	Cancel() error
}

// EndedReport describes how an utterance's audio stream finished.
type EndedReport struct {
	Cancelled bool
}

type Options struct {
	AudioCallback func(chunk []byte)
	EndedCallback func(report EndedReport)
	ErrorCallback func(err error)

	Voice        string
	EncodingInfo audio.EncodingInfo
}

type Option func(*Options)

func WithAudioCallback(callback func(chunk []byte)) Option {
	return func(o *Options) { o.AudioCallback = callback }
}

func WithEndedCallback(callback func(report EndedReport)) Option {
	return func(o *Options) { o.EndedCallback = callback }
}

func WithErrorCallback(callback func(err error)) Option {
	return func(o *Options) { o.ErrorCallback = callback }
}

func WithVoice(voice string) Option {
	return func(o *Options) { o.Voice = voice }
}

func WithEncodingInfo(encodingInfo audio.EncodingInfo) Option {
	return func(o *Options) { o.EncodingInfo = encodingInfo }
}
