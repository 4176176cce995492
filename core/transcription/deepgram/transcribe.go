// Package deepgram streams microphone audio to Deepgram's live listen API
// and reports speech activity and transcripts through the transcription
// contract callbacks.
package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	commonapi "github.com/deepgram/deepgram-go-sdk/pkg/client/common/v1/interfaces"
	"github.com/gorilla/websocket"
	"github.com/kelseyhightower/envconfig"

	"github.com/voxmirror/presence-core/core/fault"
	"github.com/voxmirror/presence-core/core/transcription"
)

type Config struct {
	APIKey        string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	Model         string `envconfig:"DEEPGRAM_MODEL" default:"nova-3"`
	Language      string `envconfig:"DEEPGRAM_LANGUAGE" default:"en-US"`
	EndpointingMs int    `envconfig:"DEEPGRAM_ENDPOINTING_MS" default:"300"`
}

func ConfigFromEnv() (Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return Config{}, fmt.Errorf("failed to load deepgram config: %w", err)
	}
	return config, nil
}

// Client is a live transcription stream over one Deepgram websocket. The
// connection stays open across utterances; segment finality arrives as
// speech_final results and utterance-end events.
type Client struct {
	config Config

	conn      *websocket.Conn
	connMu    sync.Mutex
	lastAudio time.Time

	// accumulated collects is_final segments until the utterance closes.
	accumulated    string
	unendedSegment bool
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

func (c *Client) Stream(ctx context.Context, opts ...transcription.Option) error {
	options := &transcription.Options{}
	for _, opt := range opts {
		opt(options)
	}

	encoding, err := convertEncoding(options.EncodingInfo)
	if err != nil {
		return fault.Terminal("transcriber-encoding", err)
	}

	conn, err := c.connectWebsocket(encoding)
	if err != nil {
		return fault.Transient(err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.lastAudio = time.Now()
	c.connMu.Unlock()

	go c.readAndProcessMessages(ctx, conn, *options)
	go c.keepAlive(ctx)

	return nil
}

func (c *Client) connectWebsocket(encoding *encodingInfo) (*websocket.Conn, error) {
	listenUrl, _ := url.Parse("wss://api.deepgram.com/v1/listen")
	queryParams := listenUrl.Query()
	queryParams.Set("encoding", encoding.Format.Name())
	queryParams.Set("sample_rate", strconv.Itoa(encoding.SampleRate))
	queryParams.Set("channels", "1")
	queryParams.Set("model", c.config.Model)
	queryParams.Set("language", c.config.Language)
	queryParams.Set("smart_format", "true")
	queryParams.Set("interim_results", "true")
	queryParams.Set("utterance_end_ms", "1000")
	queryParams.Set("endpointing", strconv.Itoa(c.config.EndpointingMs))
	queryParams.Set("vad_events", "true")

	listenUrl.RawQuery = queryParams.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(listenUrl.String(),
		http.Header{"Authorization": {"Token " + c.config.APIKey}})
	if err != nil {
		return nil, fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}

	return conn, nil
}

func (c *Client) SendAudio(audio []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return fault.Transient(fmt.Errorf("deepgram connection not open"))
	}

	c.lastAudio = time.Now()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return fault.Transient(fmt.Errorf("failed to write to deepgram client: %w", err))
	}
	return nil
}

func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return nil
	}
	if err := c.conn.WriteJSON(struct {
		Type string `json:"type"`
	}{Type: string(api.TypeCloseStreamResponse)}); err != nil {
		return fmt.Errorf("failed to close deepgram stream through websocket: %w", err)
	}
	return nil
}

func (c *Client) readAndProcessMessages(ctx context.Context, conn *websocket.Conn, options transcription.Options) {
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if err.Error() != "websocket: close 1000 (normal)" {
				logger.ErrorContext(ctx, "Failed to read deepgram websocket message", "error", err)
				if options.ErrorCallback != nil {
					options.ErrorCallback(fault.Terminal("transcriber-stream", err))
				}
			}

			c.connMu.Lock()
			c.conn = nil
			c.connMu.Unlock()
			conn.Close()
			return
		}
		if msgType != websocket.BinaryMessage {
			c.processMessage(ctx, msg, options)
		}
	}
}

func (c *Client) processMessage(ctx context.Context, msg []byte, options transcription.Options) {
	var parsedMsg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &parsedMsg); err != nil {
		logger.WarnContext(ctx, "Failed to unmarshal deepgram message", "error", err)
		return
	}

	switch api.TypeResponse(parsedMsg.Type) {
	case api.TypeMessageResponse:
		var msgResp api.MessageResponse
		if err := json.Unmarshal(msg, &msgResp); err != nil {
			logger.WarnContext(ctx, "Failed to unmarshal deepgram message", "error", err)
			return
		}
		if len(msgResp.Channel.Alternatives) == 0 {
			return
		}
		transcript := strings.TrimSpace(msgResp.Channel.Alternatives[0].Transcript)
		if len(transcript) == 0 {
			return
		}

		if msgResp.IsFinal {
			c.accumulated = strings.TrimSpace(c.accumulated + " " + transcript)
			if msgResp.SpeechFinal {
				c.onSpeechEnded(options)
			}
		} else if options.InterimTranscriptCallback != nil {
			options.InterimTranscriptCallback(strings.TrimSpace(c.accumulated + " " + transcript))
		}

	case api.TypeUtteranceEndResponse:
		if c.unendedSegment {
			c.onSpeechEnded(options)
		}

	case api.TypeSpeechStartedResponse:
		c.unendedSegment = true
		if options.SpeechStartedCallback != nil {
			options.SpeechStartedCallback()
		}

	case api.TypeResponse(commonapi.TypeErrorResponse):
		var errResp api.ErrorResponse
		if err := json.Unmarshal(msg, &errResp); err != nil {
			logger.WarnContext(ctx, "Failed to unmarshal deepgram error", "error", err)
			return
		}
		if options.ErrorCallback != nil {
			options.ErrorCallback(fault.Terminal("transcriber-service",
				fmt.Errorf("deepgram error: %s", errResp.Description)))
		}
	}
}

func (c *Client) onSpeechEnded(options transcription.Options) {
	c.unendedSegment = false
	fullTranscript := strings.TrimSpace(c.accumulated)
	c.accumulated = ""
	if len(fullTranscript) > 0 && options.FinalTranscriptCallback != nil {
		options.FinalTranscriptCallback(fullTranscript)
	}
	if options.SpeechEndedCallback != nil {
		options.SpeechEndedCallback()
	}
}

// keepAlive pings the connection while no audio is flowing so Deepgram does
// not drop it between utterances.
func (c *Client) keepAlive(ctx context.Context) {
	const interval = 5 * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.connMu.Lock()
			if c.conn == nil {
				c.connMu.Unlock()
				return
			}
			if time.Since(c.lastAudio) < interval {
				c.connMu.Unlock()
				continue
			}
			if err := c.conn.WriteJSON(struct {
				Type string `json:"type"`
			}{Type: "KeepAlive"}); err != nil {
				logger.WarnContext(ctx, "Failed to send deepgram keepalive", "error", err)
			}
			c.connMu.Unlock()
		}
	}
}
