package protocol

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Channel is an ordered, bidirectional control message transport. Send and
// Receive must each be safe for use from one goroutine; the gateway
// serializes all access.
type Channel interface {
	Send(ctx context.Context, msg Message) error
	Receive(ctx context.Context) (Message, error)
	Close(ctx context.Context) error
}

type GatewayOptions struct {
	ClientReadyCallback func()
	MuteToggleCallback  func()
	DisconnectCallback  func()
	// ChannelErrorCallback fires when the transport fails; the channel is
	// unusable afterwards.
	ChannelErrorCallback func(err error)
}

type GatewayOption func(*GatewayOptions)

func WithClientReadyCallback(callback func()) GatewayOption {
	return func(o *GatewayOptions) { o.ClientReadyCallback = callback }
}

func WithMuteToggleCallback(callback func()) GatewayOption {
	return func(o *GatewayOptions) { o.MuteToggleCallback = callback }
}

func WithDisconnectCallback(callback func()) GatewayOption {
	return func(o *GatewayOptions) { o.DisconnectCallback = callback }
}

func WithChannelErrorCallback(callback func(err error)) GatewayOption {
	return func(o *GatewayOptions) { o.ChannelErrorCallback = callback }
}

// Gateway translates session lifecycle into control messages and inbound
// control messages into callbacks. A single writer goroutine drains one
// outbound queue, so messages reach the channel in the exact order they
// were enqueued.
type Gateway struct {
	sessionID string
	channel   Channel
	opts      GatewayOptions

	outbound chan Message
	closeCh  chan struct{}
	done     chan struct{}

	started atomic.Bool
	// dead is set once the transport fails so enqueue degrades to dropping
	// instead of blocking on a writer that will never drain the queue.
	dead atomic.Bool

	startOnce sync.Once
	closeOnce sync.Once
}

func NewGateway(sessionID string, channel Channel, opts ...GatewayOption) *Gateway {
	options := GatewayOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	return &Gateway{
		sessionID: sessionID,
		channel:   channel,
		opts:      options,
		outbound:  make(chan Message, 64),
		closeCh:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the writer and reader loops. It is idempotent.
func (g *Gateway) Start(ctx context.Context) {
	if g == nil || g.channel == nil {
		return
	}
	g.startOnce.Do(func() {
		g.started.Store(true)
		go g.writeLoop(ctx)
		go g.readLoop(ctx)
	})
}

func (g *Gateway) writeLoop(ctx context.Context) {
	defer close(g.done)
	for {
		select {
		case msg := <-g.outbound:
			if err := g.channel.Send(ctx, msg); err != nil {
				logger.ErrorContext(ctx, "Failed to send control message",
					"type", msg.Type, "error", err)
				g.dead.Store(true)
				g.channelError(err)
				return
			}
		case <-g.closeCh:
			// Flush whatever was enqueued before close.
			for {
				select {
				case msg := <-g.outbound:
					if err := g.channel.Send(ctx, msg); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (g *Gateway) readLoop(ctx context.Context) {
	for {
		msg, err := g.channel.Receive(ctx)
		if err != nil {
			select {
			case <-g.closeCh:
			default:
				g.dead.Store(true)
				g.channelError(err)
			}
			return
		}
		g.dispatch(ctx, msg)
	}
}

func (g *Gateway) dispatch(ctx context.Context, msg Message) {
	switch msg.Type {
	case TypeClientReady:
		if g.opts.ClientReadyCallback != nil {
			g.opts.ClientReadyCallback()
		}
	case TypeMuteToggle:
		if g.opts.MuteToggleCallback != nil {
			g.opts.MuteToggleCallback()
		}
	case TypeDisconnect:
		if g.opts.DisconnectCallback != nil {
			g.opts.DisconnectCallback()
		}
	default:
		logger.WarnContext(ctx, "Ignoring unknown control message", "type", msg.Type)
	}
}

func (g *Gateway) channelError(err error) {
	if g.opts.ChannelErrorCallback != nil {
		g.opts.ChannelErrorCallback(err)
	}
}

// SessionReady announces the session is accepting media.
func (g *Gateway) SessionReady() {
	g.enqueue(Message{Type: TypeSessionReady, SessionID: g.sessionID})
}

// TurnStarted announces a new turn for the given speaker.
func (g *Gateway) TurnStarted(turnID uint64, speaker Speaker) {
	g.enqueue(Message{Type: TypeTurnStarted, TurnID: turnID, Speaker: speaker})
}

// TurnEnded announces the end of a turn with its reason.
func (g *Gateway) TurnEnded(turnID uint64, speaker Speaker, reason Reason) {
	g.enqueue(Message{Type: TypeTurnEnded, TurnID: turnID, Speaker: speaker, Reason: reason})
}

// Error reports a recoverable or fatal session error to the client.
func (g *Gateway) Error(code, message string) {
	g.enqueue(Message{Type: TypeError, Code: code, Message: message})
}

func (g *Gateway) enqueue(msg Message) {
	if g == nil || g.channel == nil || g.dead.Load() {
		return
	}
	select {
	case g.outbound <- msg:
	case <-g.closeCh:
	}
}

// Close flushes pending outbound messages and closes the channel.
func (g *Gateway) Close(ctx context.Context) error {
	if g == nil || g.channel == nil {
		return nil
	}
	var err error
	g.closeOnce.Do(func() {
		close(g.closeCh)
		if g.started.Load() {
			select {
			case <-g.done:
			case <-ctx.Done():
			}
		}
		if closeErr := g.channel.Close(ctx); closeErr != nil {
			err = fmt.Errorf("failed to close control channel: %w", closeErr)
		}
	})
	return err
}
