// Package protocol defines the event contract spoken over the websocket
// channel between visitor clients and the broadcaster.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/waypost-io/waypost/pkg/models"
)

// EventType names one event on the wire. The names are the contract;
// payload shapes are defined by the structs below.
type EventType string

// Client to server events.
const (
	EventClientReady   EventType = "client:ready"
	EventVisitorJoin   EventType = "visitor:join"
	EventVisitorUpdate EventType = "visitor:update"
	EventMessageSend   EventType = "message:send"
)

// Server to client events.
const (
	EventInitialSync      EventType = "initial:sync"
	EventVisitorOnline    EventType = "visitor:online"
	EventVisitorOffline   EventType = "visitor:offline"
	EventVisitorUpdated   EventType = "visitor:updated"
	EventMessageBroadcast EventType = "message:broadcast"
)

// Envelope wraps every event with its type. Data is left raw so consumers
// can decode only the payloads they understand; unknown types are skipped,
// never fatal.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// JoinPayload is sent as visitor:join and fanned out as visitor:online.
type JoinPayload struct {
	VisitorID   string             `json:"visitorId"`
	Nickname    string             `json:"nickname"`
	Coordinates models.Coordinates `json:"coordinates"`
}

// UpdatePayload is sent as visitor:update and fanned out as visitor:updated.
type UpdatePayload struct {
	VisitorID string `json:"visitorId"`
	Nickname  string `json:"nickname"`
}

// SendPayload is the outbound half of a chat message. The server assigns
// the timestamp and nickname before fanning out message:broadcast.
type SendPayload struct {
	VisitorID string `json:"visitorId"`
	Text      string `json:"text"`
}

// OfflinePayload is fanned out as visitor:offline on transport disconnect.
type OfflinePayload struct {
	VisitorID string `json:"visitorId"`
}

// SyncPayload is the full-state resync sent in reply to client:ready.
type SyncPayload struct {
	Visitors  []models.Visitor `json:"visitors"`
	OnlineIDs []string         `json:"onlineIds"`
	Messages  []models.Message `json:"messages"`
}

// Encode marshals a payload into a typed envelope ready for the wire.
func Encode(t EventType, payload any) ([]byte, error) {
	env := Envelope{Type: t}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Data = data
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", t, err)
	}
	return raw, nil
}

// Decode unmarshals a wire frame into an envelope. The payload stays raw.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope missing event type")
	}
	return env, nil
}

// DecodePayload unmarshals the raw payload of an envelope into dst.
func DecodePayload(env Envelope, dst any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%s: empty payload", env.Type)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", env.Type, err)
	}
	return nil
}
