// Package tavus drives a Tavus avatar over its duplex websocket: speech
// audio goes in, lip-synced composited audio and video frames come back.
package tavus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/kelseyhightower/envconfig"

	"github.com/voxmirror/presence-core/core/audio"
	"github.com/voxmirror/presence-core/core/fault"
	"github.com/voxmirror/presence-core/core/rendering"
)

type Config struct {
	APIKey    string `envconfig:"TAVUS_API_KEY" required:"true"`
	ReplicaID string `envconfig:"TAVUS_REPLICA_ID" required:"true"`
	PersonaID string `envconfig:"TAVUS_PERSONA_ID"`
}

func ConfigFromEnv() (Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return Config{}, fmt.Errorf("failed to load tavus config: %w", err)
	}
	return config, nil
}

// Client renders one reply at a time over a persistent Tavus websocket.
type Client struct {
	config Config

	conn   *websocket.Conn
	connMu sync.Mutex

	streamMu sync.Mutex
	active   *stream
}

func New(config Config) *Client {
	return &Client{config: config}
}

func NewFromEnv() (*Client, error) {
	config, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return New(config), nil
}

func (c *Client) Open(ctx context.Context, opts ...rendering.Option) (rendering.Stream, error) {
	options := rendering.Options{
		AudioCallback: func([]byte) {},
		VideoCallback: func(rendering.VideoFrame) {},
		EndedCallback: func() {},
		ErrorCallback: func(error) {},
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.EncodingInfo.IsZero() {
		options.EncodingInfo = audio.DefaultOutputEncoding()
	}

	if err := c.ensureConnected(ctx, options.EncodingInfo); err != nil {
		return nil, fault.Transient(err)
	}

	st := &stream{client: c, options: options}
	c.streamMu.Lock()
	c.active = st
	c.streamMu.Unlock()
	return st, nil
}

func (c *Client) ensureConnected(ctx context.Context, encoding audio.EncodingInfo) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		return nil
	}

	socketUrl := url.URL{
		Scheme: "wss",
		Host:   "api.tavus.io", Path: "/v2/interactions",
		RawQuery: url.Values{
			"replica_id":  {c.config.ReplicaID},
			"persona_id":  {c.config.PersonaID},
			"encoding":    {encoding.Format.Name()},
			"sample_rate": {fmt.Sprintf("%d", encoding.SampleRate)},
		}.Encode(),
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, socketUrl.String(),
		http.Header{"Authorization": {"Bearer " + c.config.APIKey}})
	if err != nil {
		return fmt.Errorf("failed to open socket connection to tavus: %w", err)
	}

	c.conn = conn
	go c.readAndProcessMessages(ctx, conn)
	return nil
}

func (c *Client) Close(_ context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

type serverMessage struct {
	Type   string `json:"type"`
	Audio  string `json:"audio"`
	Video  string `json:"video"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Error  string `json:"error"`
}

func (c *Client) readAndProcessMessages(ctx context.Context, conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if err.Error() != "websocket: close 1000 (normal)" {
				logger.ErrorContext(ctx, "Failed to read tavus websocket message", "error", err)
			}

			c.connMu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.connMu.Unlock()
			conn.Close()

			if st := c.activeStream(); st != nil {
				st.options.ErrorCallback(fault.Transient(
					fmt.Errorf("tavus connection lost: %w", err)))
			}
			return
		}

		var parsedMsg serverMessage
		if err := json.Unmarshal(msg, &parsedMsg); err != nil {
			logger.WarnContext(ctx, "Failed to unmarshal tavus message", "error", err)
			continue
		}
		c.dispatch(ctx, parsedMsg)
	}
}

func (c *Client) dispatch(ctx context.Context, msg serverMessage) {
	st := c.activeStream()
	if st == nil {
		return
	}

	switch msg.Type {
	case "audio":
		chunk, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			logger.WarnContext(ctx, "Failed to decode tavus audio", "error", err)
			return
		}
		if len(chunk) > 0 {
			st.options.AudioCallback(chunk)
		}
	case "video":
		pixels, err := base64.StdEncoding.DecodeString(msg.Video)
		if err != nil {
			logger.WarnContext(ctx, "Failed to decode tavus video frame", "error", err)
			return
		}
		st.options.VideoCallback(rendering.VideoFrame{
			Pixels: pixels,
			Width:  msg.Width,
			Height: msg.Height,
		})
	case "done":
		c.clearActive(st)
		if !st.isCancelled() {
			st.options.EndedCallback()
		}
	case "error":
		c.clearActive(st)
		st.options.ErrorCallback(fault.Terminal("renderer-service",
			fmt.Errorf("tavus error: %s", msg.Error)))
	}
}

func (c *Client) activeStream() *stream {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	return c.active
}

func (c *Client) clearActive(st *stream) {
	c.streamMu.Lock()
	if c.active == st {
		c.active = nil
	}
	c.streamMu.Unlock()
}

func (c *Client) send(msg any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return fault.Transient(fmt.Errorf("tavus connection not open"))
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return fault.Transient(fmt.Errorf("failed to write to tavus websocket: %w", err))
	}
	return nil
}

// stream is one render pass. The client renders a single reply at a time.
type stream struct {
	client  *Client
	options rendering.Options

	mu        sync.Mutex
	ended     bool
	cancelled bool
}

type clientMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio,omitempty"`
}

func (s *stream) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.ended || s.cancelled {
		s.mu.Unlock()
		return fmt.Errorf("render stream no longer accepts audio")
	}
	s.mu.Unlock()

	return s.client.send(clientMessage{
		Type:  "audio",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

func (s *stream) End() error {
	s.mu.Lock()
	if s.ended || s.cancelled {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	s.mu.Unlock()

	return s.client.send(clientMessage{Type: "end"})
}

func (s *stream) Cancel() error {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return nil
	}
	s.cancelled = true
	s.mu.Unlock()

	s.client.clearActive(s)
	return s.client.send(clientMessage{Type: "cancel"})
}

func (s *stream) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}
