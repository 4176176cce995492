package cartesia

import (
	"fmt"
	"sync"

	"github.com/voxmirror/presence-core/core/audio"
	"github.com/voxmirror/presence-core/core/synthesis"
)

// utterance is one Cartesia synthesis context. Text can keep arriving
// until End; Cancel discards service-side buffered audio immediately.
type utterance struct {
	client    *Client
	contextID string
	voice     string
	encoding  audio.EncodingInfo
	options   synthesis.Options

	mu        sync.Mutex
	started   bool
	ended     bool
	cancelled bool
	finished  bool
}

type generationRequest struct {
	ContextID  string `json:"context_id"`
	ModelID    string `json:"model_id"`
	Transcript string `json:"transcript"`
	Continue   bool   `json:"continue"`
	Voice      struct {
		Mode string `json:"mode"`
		ID   string `json:"id"`
	} `json:"voice"`
	OutputFormat struct {
		Container  string `json:"container"`
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sample_rate"`
	} `json:"output_format"`
}

type cancelRequest struct {
	ContextID string `json:"context_id"`
	Cancel    bool   `json:"cancel"`
}

func (u *utterance) request(transcript string, more bool) generationRequest {
	req := generationRequest{
		ContextID:  u.contextID,
		ModelID:    u.client.config.ModelID,
		Transcript: transcript,
		Continue:   more,
	}
	req.Voice.Mode = "id"
	req.Voice.ID = u.voice
	req.OutputFormat.Container = "raw"
	req.OutputFormat.Encoding = outputEncoding(u.encoding)
	req.OutputFormat.SampleRate = u.encoding.SampleRate
	return req
}

func outputEncoding(encoding audio.EncodingInfo) string {
	switch encoding.Format {
	case audio.FormatMulaw:
		return "pcm_mulaw"
	case audio.FormatALaw:
		return "pcm_alaw"
	default:
		return "pcm_s16le"
	}
}

func (u *utterance) SendText(text string) error {
	u.mu.Lock()
	if u.ended || u.cancelled {
		u.mu.Unlock()
		return fmt.Errorf("utterance no longer accepts text")
	}
	u.started = true
	u.mu.Unlock()

	return u.client.send(u.request(text, true))
}

// Flush is a no-op for Cartesia: synthesis starts as soon as a continued
// context has enough text, there is no separate flush control.
func (u *utterance) Flush() error { return nil }

func (u *utterance) End() error {
	u.mu.Lock()
	if u.ended || u.cancelled {
		u.mu.Unlock()
		return nil
	}
	u.ended = true
	started := u.started
	u.mu.Unlock()

	if !started {
		// Nothing was ever sent; there is no context to finish server-side.
		u.client.release(u.contextID)
		u.finish(synthesis.EndedReport{})
		return nil
	}
	return u.client.send(u.request("", false))
}

func (u *utterance) Cancel() error {
	u.mu.Lock()
	if u.cancelled {
		u.mu.Unlock()
		return nil
	}
	u.cancelled = true
	started := u.started
	u.mu.Unlock()

	u.client.release(u.contextID)
	if !started {
		return nil
	}
	return u.client.send(cancelRequest{ContextID: u.contextID, Cancel: true})
}

func (u *utterance) isCancelled() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cancelled
}

func (u *utterance) finish(report synthesis.EndedReport) {
	u.mu.Lock()
	if u.finished {
		u.mu.Unlock()
		return
	}
	u.finished = true
	u.mu.Unlock()

	u.options.EndedCallback(report)
}
