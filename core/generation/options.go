// Package generation defines the streaming response-generation contract
// consumed by the pipeline. Vendor adapters live in subpackages.
package generation

import "context"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Exchange is one finalized conversation entry handed to the generator as
// history.
type Exchange struct {
	Role Role
	Text string
	// Interrupted marks a reply that was cut short by barge-in; the text is
	// the portion that was actually produced.
	Interrupted bool
}

// Client generates one streamed reply per call. Generate must honor ctx
// cancellation mid-stream and return promptly once cancelled.
type Client interface {
	Generate(ctx context.Context, prompt string, history []Exchange, opts ...Option) error
}

type Options struct {
	// DeltaCallback receives reply text pieces in stream order.
	DeltaCallback func(delta string)
	// CompleteCallback receives the fully assembled reply once the stream
	// ends without cancellation.
	CompleteCallback func(full string)
	ErrorCallback    func(err error)

	SystemPrompt string
}

type Option func(*Options)

func WithDeltaCallback(callback func(delta string)) Option {
	return func(o *Options) { o.DeltaCallback = callback }
}

func WithCompleteCallback(callback func(full string)) Option {
	return func(o *Options) { o.CompleteCallback = callback }
}

func WithErrorCallback(callback func(err error)) Option {
	return func(o *Options) { o.ErrorCallback = callback }
}

func WithSystemPrompt(prompt string) Option {
	return func(o *Options) { o.SystemPrompt = prompt }
}
