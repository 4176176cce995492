// Package cartesia synthesizes speech over Cartesia's streaming TTS
// websocket. One connection carries many utterances; each utterance is a
// service-side context that can be continued, finished or cancelled
// independently, which is what makes barge-in cheap.
package cartesia

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kelseyhightower/envconfig"

	"github.com/voxmirror/presence-core/core/audio"
	"github.com/voxmirror/presence-core/core/fault"
	"github.com/voxmirror/presence-core/core/synthesis"
)

const apiVersion = "2024-06-10"

type Config struct {
	APIKey  string `envconfig:"CARTESIA_API_KEY" required:"true"`
	ModelID string `envconfig:"CARTESIA_MODEL_ID" default:"sonic-2"`
	VoiceID string `envconfig:"CARTESIA_VOICE_ID"`
}

func ConfigFromEnv() (Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return Config{}, fmt.Errorf("failed to load cartesia config: %w", err)
	}
	return config, nil
}

// Client multiplexes utterances over one Cartesia websocket, keyed by
// context id. The connection is dialed lazily on the first utterance.
type Client struct {
	config Config

	conn   *websocket.Conn
	connMu sync.Mutex

	utterancesMu sync.Mutex
	utterances   map[string]*utterance
}

func New(config Config) *Client {
	return &Client{config: config, utterances: map[string]*utterance{}}
}

func NewFromEnv() (*Client, error) {
	config, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return New(config), nil
}

func (c *Client) NewUtterance(ctx context.Context, opts ...synthesis.Option) (synthesis.Utterance, error) {
	options := synthesis.Options{
		AudioCallback: func([]byte) {},
		EndedCallback: func(synthesis.EndedReport) {},
		ErrorCallback: func(error) {},
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.EncodingInfo.IsZero() {
		options.EncodingInfo = audio.DefaultOutputEncoding()
	}

	if err := c.ensureConnected(ctx); err != nil {
		return nil, fault.Transient(err)
	}

	voice := c.config.VoiceID
	if options.Voice != "" {
		voice = options.Voice
	}

	utt := &utterance{
		client:    c,
		contextID: uuid.NewString(),
		voice:     voice,
		encoding:  options.EncodingInfo,
		options:   options,
	}

	c.utterancesMu.Lock()
	c.utterances[utt.contextID] = utt
	c.utterancesMu.Unlock()

	return utt, nil
}

func (c *Client) ensureConnected(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		return nil
	}

	socketUrl := url.URL{
		Scheme: "wss",
		Host:   "api.cartesia.ai", Path: "/tts/websocket",
		RawQuery: url.Values{
			"api_key":          {c.config.APIKey},
			"cartesia_version": {apiVersion},
		}.Encode(),
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, socketUrl.String(), http.Header{})
	if err != nil {
		return fmt.Errorf("failed to open socket connection to cartesia: %w", err)
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
	Type      string `json:"type"`
	ContextID string `json:"context_id"`
	Data      string `json:"data"`
	Error     string `json:"error"`
	Done      bool   `json:"done"`
}

func (c *Client) readAndProcessMessages(ctx context.Context, conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if err.Error() != "websocket: close 1000 (normal)" {
				logger.ErrorContext(ctx, "Failed to read cartesia websocket message", "error", err)
			}

			c.connMu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.connMu.Unlock()
			conn.Close()
			c.failAll(fault.Transient(fmt.Errorf("cartesia connection lost: %w", err)))
			return
		}

		var parsedMsg serverMessage
		if err := json.Unmarshal(msg, &parsedMsg); err != nil {
			logger.WarnContext(ctx, "Failed to unmarshal cartesia message", "error", err)
			continue
		}
		c.dispatch(ctx, parsedMsg)
	}
}

func (c *Client) dispatch(ctx context.Context, msg serverMessage) {
	c.utterancesMu.Lock()
	utt := c.utterances[msg.ContextID]
	c.utterancesMu.Unlock()
	if utt == nil {
		return
	}

	switch msg.Type {
	case "chunk":
		chunk, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			logger.WarnContext(ctx, "Failed to decode cartesia audio chunk", "error", err)
			return
		}
		if len(chunk) > 0 {
			utt.options.AudioCallback(chunk)
		}
	case "done":
		c.release(utt.contextID)
		utt.finish(synthesis.EndedReport{Cancelled: utt.isCancelled()})
	case "error":
		c.release(utt.contextID)
		utt.options.ErrorCallback(fault.Terminal("synthesizer-service",
			fmt.Errorf("cartesia error: %s", msg.Error)))
	}
}

func (c *Client) release(contextID string) {
	c.utterancesMu.Lock()
	delete(c.utterances, contextID)
	c.utterancesMu.Unlock()
}

func (c *Client) failAll(err error) {
	c.utterancesMu.Lock()
	utterances := c.utterances
	c.utterances = map[string]*utterance{}
	c.utterancesMu.Unlock()

	for _, utt := range utterances {
		utt.options.ErrorCallback(err)
	}
}

func (c *Client) send(msg any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return fault.Transient(fmt.Errorf("cartesia connection not open"))
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return fault.Transient(fmt.Errorf("failed to write to cartesia websocket: %w", err))
	}
	return nil
}
