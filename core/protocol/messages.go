// Package protocol carries the session control-plane: a small JSON message
// vocabulary exchanged with the client over an ordered channel, separate
// from the media path.
package protocol

// MessageType discriminates control messages in both directions.
type MessageType string

const (
	// Outbound.
	TypeSessionReady MessageType = "session-ready"
	TypeTurnStarted  MessageType = "turn-started"
	TypeTurnEnded    MessageType = "turn-ended"
	TypeError        MessageType = "error"

	// Inbound.
	TypeClientReady MessageType = "client-ready"
	TypeMuteToggle  MessageType = "mute-toggle"
	TypeDisconnect  MessageType = "disconnect"
)

// Speaker identifies which side a turn belongs to.
type Speaker string

const (
	SpeakerUser Speaker = "user"
	SpeakerBot  Speaker = "bot"
)

// Reason explains why a turn ended.
type Reason string

const (
	ReasonNatural     Reason = "natural"
	ReasonInterrupted Reason = "interrupted"
	ReasonError       Reason = "error"
)

// Message is the wire form of one control message. Fields absent from a
// given type are omitted.
type Message struct {
	Type MessageType `json:"type"`

	SessionID string  `json:"sessionId,omitempty"`
	TurnID    uint64  `json:"turnId,omitempty"`
	Speaker   Speaker `json:"speaker,omitempty"`
	Reason    Reason  `json:"reason,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
