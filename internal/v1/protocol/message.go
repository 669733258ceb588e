// Package protocol defines the JSON wire envelope exchanged over the
// WebSocket endpoint and the validation rules for its fields.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxMessageSize is the largest inbound frame accepted, checked before any
// JSON parsing happens.
const MaxMessageSize = 64 * 1024

var (
	// ErrInvalidFormat indicates the envelope could not be parsed.
	ErrInvalidFormat = errors.New("invalid message format")
	// ErrTooLarge indicates an inbound frame over MaxMessageSize.
	ErrTooLarge = errors.New("message too large")
)

// MessageType discriminates the envelope payload.
type MessageType string

// Inbound message types.
const (
	TypeAuth          MessageType = "auth"
	TypeListRooms     MessageType = "list_rooms"
	TypeCreateRoom    MessageType = "create_room"
	TypeJoinRoom      MessageType = "join_room"
	TypeReady         MessageType = "ready"
	TypeLeaveRoom     MessageType = "leave_room"
	TypePlayerEvent   MessageType = "player_event"
	TypeStateUpdate   MessageType = "state_update"
	TypePing          MessageType = "ping"
	TypeClientLog     MessageType = "client_log"
	TypeQualityUpdate MessageType = "quality_update"
	TypeChatMessage   MessageType = "chat_message"

	// TypeUnknown is the catch-all for unrecognized inbound types so new
	// client versions degrade gracefully instead of failing to parse.
	TypeUnknown MessageType = "unknown"
)

// Outbound message types.
const (
	TypeClientHello        MessageType = "client_hello"
	TypeAuthSuccess        MessageType = "auth_success"
	TypeError              MessageType = "error"
	TypeRoomList           MessageType = "room_list"
	TypeRoomState          MessageType = "room_state"
	TypeParticipantsUpdate MessageType = "participants_update"
	TypePong               MessageType = "pong"
	TypeClientLeft         MessageType = "client_left"
	TypeRoomClosed         MessageType = "room_closed"
)

var inboundTypes = map[MessageType]struct{}{
	TypeAuth:          {},
	TypeListRooms:     {},
	TypeCreateRoom:    {},
	TypeJoinRoom:      {},
	TypeReady:         {},
	TypeLeaveRoom:     {},
	TypePlayerEvent:   {},
	TypeStateUpdate:   {},
	TypePing:          {},
	TypeClientLog:     {},
	TypeQualityUpdate: {},
	TypeChatMessage:   {},
}

// Envelope is the shared wire shape for every message in both directions.
// ServerTs carries the *target* execution time for scheduled events, not the
// emission time.
type Envelope struct {
	Type     MessageType `json:"type"`
	Room     string      `json:"room,omitempty"`
	Client   string      `json:"client,omitempty"`
	Payload  any         `json:"payload,omitempty"`
	Ts       uint64      `json:"ts"`
	ServerTs uint64      `json:"server_ts,omitempty"`
}

// Decode parses an inbound frame. Structural errors yield ErrInvalidFormat;
// an unrecognized type is normalized to TypeUnknown rather than rejected.
func Decode(data []byte) (*Envelope, error) {
	if len(data) > MaxMessageSize {
		return nil, ErrTooLarge
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if env.Type == "" {
		return nil, ErrInvalidFormat
	}
	if _, ok := inboundTypes[env.Type]; !ok {
		env.Type = TypeUnknown
	}
	return &env, nil
}

// Encode serializes an envelope to a JSON text frame.
func Encode(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// PayloadString extracts a string field from an object payload.
func (e *Envelope) PayloadString(key string) (string, bool) {
	obj, ok := e.Payload.(map[string]any)
	if !ok {
		return "", false
	}
	s, ok := obj[key].(string)
	return s, ok
}

// PayloadFloat extracts a numeric field from an object payload.
func (e *Envelope) PayloadFloat(key string) (float64, bool) {
	obj, ok := e.Payload.(map[string]any)
	if !ok {
		return 0, false
	}
	f, ok := obj[key].(float64)
	return f, ok
}

// SetPayloadField writes a field into the payload, materializing an object
// payload if none exists. Non-object payloads are replaced.
func (e *Envelope) SetPayloadField(key string, value any) {
	obj, ok := e.Payload.(map[string]any)
	if !ok {
		obj = make(map[string]any)
		e.Payload = obj
	}
	obj[key] = value
}
