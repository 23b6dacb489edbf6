// Package ari is a thin client for the Asterisk REST Interface: REST calls
// for call control plus a websocket stream of Stasis application events.
package ari

import "encoding/json"

// CallerID is the caller/connected party identity on a channel.
type CallerID struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// Channel is the ARI channel resource.
type Channel struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	State     string   `json:"state"`
	Caller    CallerID `json:"caller"`
	Connected CallerID `json:"connected"`
}

// Bridge is the ARI bridge resource.
type Bridge struct {
	ID         string   `json:"id"`
	Technology string   `json:"technology"`
	BridgeType string   `json:"bridge_type"`
	Channels   []string `json:"channels"`
}

// Channel states reported by ChannelStateChange.
const (
	StateRinging = "Ringing"
	StateUp      = "Up"
)

// Event is a decoded message from the ARI events websocket. Type is always
// set; the remaining fields are populated per event type.
type Event struct {
	Type        string  `json:"type"`
	Application string  `json:"application"`
	Timestamp   string  `json:"timestamp"`
	Channel     Channel `json:"channel"`
	Cause       int     `json:"cause"`
	CauseTxt    string  `json:"cause_txt"`

	// Raw is the undecoded message, kept for event types this client does
	// not model.
	Raw json.RawMessage `json:"-"`
}

// Event types this client reacts to.
const (
	EventStasisStart        = "StasisStart"
	EventStasisEnd          = "StasisEnd"
	EventChannelDestroyed   = "ChannelDestroyed"
	EventChannelHangupReq   = "ChannelHangupRequest"
	EventChannelStateChange = "ChannelStateChange"
)

// OriginateRequest describes an outbound channel to create. ChannelID, when
// set, is the id Asterisk assigns the new channel, letting the caller watch
// for its events before the request returns.
type OriginateRequest struct {
	Endpoint  string
	App       string
	Formats   string
	CallerID  string
	ChannelID string
	Variables map[string]string
}

// ExternalMediaRequest describes an external media channel to create.
type ExternalMediaRequest struct {
	App           string
	ExternalHost  string
	Format        string
	Transport     string
	Encapsulation string
	Data          string
}
