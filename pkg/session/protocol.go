package session

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Recognised values of the "event" field. Any other value is logged and
// ignored so new peer events never break older clients.
const (
	eventConnected = "connected"
	eventStart     = "start"
	eventMedia     = "media"
	eventStop      = "stop"
	eventError     = "error"
)

// envelope is the single JSON message shape exchanged with the gateway, in
// both directions. Exactly one of the optional payloads is set depending on
// Event.
type envelope struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid,omitempty"`
	Start     *startPayload `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`

	// Message carries the description on "error" events.
	Message string `json:"message,omitempty"`
}

// startPayload is the handshake body sent as the first message after the
// channel opens.
type startPayload struct {
	AccountSid string `json:"accountSid"`
	StreamSid  string `json:"streamSid"`
	From       string `json:"from"`
	To         string `json:"to"`
	ExtraData  string `json:"extraData"`
}

// mediaPayload carries one base64-encoded frame of 16-bit PCM at 8 kHz.
type mediaPayload struct {
	Payload string `json:"payload"`
}

// ExtraData is the opaque blob embedded in the start handshake as
// base64-encoded JSON. Field names, including the capitalised
// "CallDirection", match what the gateway expects on the wire.
type ExtraData struct {
	AgentID       string `json:"agentId"`
	AgentName     string `json:"agentName"`
	ClientID      string `json:"clientId"`
	CallDirection string `json:"CallDirection"`
}

// encode marshals the blob and wraps it in base64 for transport inside the
// JSON envelope.
func (e ExtraData) encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("session: encode extra data: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
