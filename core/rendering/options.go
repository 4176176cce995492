// Package rendering defines the avatar rendering contract consumed by the
// pipeline: speech audio in, composited audio and video out. Vendor
// adapters live in subpackages.
package rendering

import (
	"context"

	"github.com/voxmirror/presence-core/core/audio"
)

// Client renders one reply at a time over a persistent service connection.
type Client interface {
	Open(ctx context.Context, opts ...Option) (Stream, error)
}

// Stream is a single armed render pass.
type Stream interface {
	SendAudio(chunk []byte) error
	// End marks the input audio as complete; composited output keeps
	// streaming until the ended callback fires.
	End() error
	// Cancel discards buffered input and any output not yet emitted.
	Cancel() error
}

// VideoFrame is one composited frame produced by the renderer.
type VideoFrame struct {
	Pixels []byte
	Width  int
	Height int
}

type Options struct {
	AudioCallback func(chunk []byte)
	VideoCallback func(frame VideoFrame)
	EndedCallback func()
	ErrorCallback func(err error)

	EncodingInfo audio.EncodingInfo
}

type Option func(*Options)

func WithAudioCallback(callback func(chunk []byte)) Option {
	return func(o *Options) { o.AudioCallback = callback }
}

func WithVideoCallback(callback func(frame VideoFrame)) Option {
	return func(o *Options) { o.VideoCallback = callback }
}

func WithEndedCallback(callback func()) Option {
	return func(o *Options) { o.EndedCallback = callback }
}

func WithErrorCallback(callback func(err error)) Option {
	return func(o *Options) { o.ErrorCallback = callback }
}

func WithEncodingInfo(encodingInfo audio.EncodingInfo) Option {
	return func(o *Options) { o.EncodingInfo = encodingInfo }
}
