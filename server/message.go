package server

import (
	"encoding/json"
	"time"

	"github.com/UoB-Cloud-Computing-2018-KLS/vchamber/playback"
)

// MessageType is the type tag of an outbound message
type MessageType string

// MessageType instances
const (
	// MessageTypeSync carries an accepted update to the other peers of a room.
	MessageTypeSync MessageType = "sync"
	// MessageTypeState answers a single peer with the canonical state.
	MessageTypeState MessageType = "state"
	MessageTypePing  MessageType = "ping"
	MessageTypePong  MessageType = "pong"
)

// StateMessage is the wire format of both broadcasts and echoes, the state
// fields are inlined next to the type.
type StateMessage struct {
	Type MessageType `json:"type"`
	playback.State
}

// PingMessage is the application level heartbeat some clients send
type PingMessage struct {
	Type      MessageType `json:"type"`
	Timestamp float64     `json:"sendtime"`
}

type PongMessage struct {
	Type      MessageType `json:"type"`
	Timestamp float64     `json:"sendtime"`
	SvcTime   float64     `json:"servicetime"`
}

// Serialise a state message to its wire format
func encodeState(t MessageType, st playback.State) []byte {
	// a struct of plain fields always marshals
	b, _ := json.Marshal(&StateMessage{Type: t, State: st})
	return b
}

// heartbeatReply returns the pong for an application ping, ok is false for
// anything else so that the payload goes to the room.
func heartbeatReply(payload []byte, receivedAt time.Time) (pong []byte, ok bool) {
	var ping PingMessage
	if err := json.Unmarshal(payload, &ping); err != nil || ping.Type != MessageTypePing {
		return nil, false
	}
	b, _ := json.Marshal(&PongMessage{
		Type:      MessageTypePong,
		Timestamp: ping.Timestamp,
		SvcTime:   time.Since(receivedAt).Seconds(),
	})
	return b, true
}
