// Package gemini generates streamed replies with Google's Gemini API
// through the generation contract.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"google.golang.org/genai"

	"github.com/voxmirror/presence-core/core/fault"
	"github.com/voxmirror/presence-core/core/generation"
	"github.com/voxmirror/presence-core/internal/utils"
)

type Config struct {
	APIKey string `envconfig:"GOOGLE_API_KEY" required:"true"`
	Model  string `envconfig:"GEMINI_MODEL" default:"gemini-2.0-flash"`
}

func ConfigFromEnv() (Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return Config{}, fmt.Errorf("failed to load gemini config: %w", err)
	}
	return config, nil
}

type Client struct {
	config Config
	client *genai.Client
}

func New(ctx context.Context, config Config) (*Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &Client{config: config, client: client}, nil
}

func NewFromEnv(ctx context.Context) (*Client, error) {
	config, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return New(ctx, config)
}

func (c *Client) Generate(ctx context.Context, prompt string, history []generation.Exchange, opts ...generation.Option) error {
	options := generation.Options{
		DeltaCallback:    func(string) {},
		CompleteCallback: func(string) {},
		ErrorCallback:    func(error) {},
	}
	for _, opt := range opts {
		opt(&options)
	}

	contents := convertHistory(history)
	contents = append(contents, genai.NewContentFromText(prompt, genai.RoleUser))

	config := &genai.GenerateContentConfig{
		// Spoken replies read best at a moderate temperature.
		Temperature: utils.Ptr[float32](0.7),
	}
	if options.SystemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(options.SystemPrompt, genai.RoleUser)
	}

	var assembled strings.Builder
	for resp, err := range c.client.Models.GenerateContentStream(ctx, c.config.Model, contents, config) {
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			classified := classify(err)
			options.ErrorCallback(classified)
			return classified
		}
		delta := resp.Text()
		if delta == "" {
			continue
		}
		assembled.WriteString(delta)
		options.DeltaCallback(delta)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	options.CompleteCallback(assembled.String())
	return nil
}

// convertHistory maps finalized exchanges to Gemini contents. Interrupted
// replies are annotated so the model knows the user heard only part of
// them; system entries become user-role notes since Gemini has a single
// system instruction slot.
func convertHistory(history []generation.Exchange) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, exchange := range history {
		text := exchange.Text
		if text == "" {
			continue
		}
		switch exchange.Role {
		case generation.RoleAssistant:
			if exchange.Interrupted {
				text += " [reply cut off by the user]"
			}
			contents = append(contents, genai.NewContentFromText(text, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
		}
	}
	return contents
}

func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError:
			return fault.Transient(err)
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			return fault.SessionFatal("responder-auth", err)
		default:
			return fault.Terminal("responder-service", err)
		}
	}
	return fault.Transient(err)
}
