// Package protocol defines the JSON frames exchanged between the subscription
// registry's transport and the stream consumer.
package protocol

import (
	"encoding/json"

	"github.com/nfrund/listsync/internal/delta"
	"github.com/nfrund/listsync/internal/snapshot"
)

// Server to client message types.
const (
	TypeSnapshot = "list-snapshot"
	TypeDelta    = "list-delta"
	TypeError    = "error"
	TypePing     = "ping"
	TypePong     = "pong"
)

// Client to server actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// SnapshotMessage carries the full item set of a topic. It is sent once per
// subscribe so the client can initialise its state.
type SnapshotMessage struct {
	Type    string          `json:"type"`
	Key     string          `json:"key"`
	Items   []snapshot.Item `json:"items"`
	Version int64           `json:"version"`
}

// NewSnapshotMessage builds a snapshot frame. A nil item list is encoded as [].
func NewSnapshotMessage(key string, items []snapshot.Item, version int64) SnapshotMessage {
	if items == nil {
		items = []snapshot.Item{}
	}
	return SnapshotMessage{Type: TypeSnapshot, Key: key, Items: items, Version: version}
}

// DeltaMessage carries one versioned change of a topic.
type DeltaMessage struct {
	Type    string          `json:"type"`
	Key     string          `json:"key"`
	Version int64           `json:"version"`
	Added   []snapshot.Item `json:"added"`
	Updated []snapshot.Item `json:"updated"`
	Removed []string        `json:"removed"`
}

// NewDeltaMessage builds a delta frame for the given topic version.
func NewDeltaMessage(key string, version int64, d delta.Delta) DeltaMessage {
	msg := DeltaMessage{
		Type:    TypeDelta,
		Key:     key,
		Version: version,
		Added:   d.Added,
		Updated: d.Updated,
		Removed: d.Removed,
	}
	if msg.Added == nil {
		msg.Added = []snapshot.Item{}
	}
	if msg.Updated == nil {
		msg.Updated = []snapshot.Item{}
	}
	if msg.Removed == nil {
		msg.Removed = []string{}
	}
	return msg
}

// Delta returns the change carried by the message.
func (m DeltaMessage) Delta() delta.Delta {
	return delta.Delta{Added: m.Added, Updated: m.Updated, Removed: m.Removed}
}

// ErrorMessage reports a rejected client frame.
type ErrorMessage struct {
	Type    string `json:"type"`
	Key     string `json:"key,omitempty"`
	Message string `json:"message"`
}

// NewErrorMessage builds an error frame.
func NewErrorMessage(key, message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Key: key, Message: message}
}

// ClientFrame is sent by consumers to join or leave a topic.
type ClientFrame struct {
	Action string `json:"action" validate:"required,oneof=subscribe unsubscribe"`
	Key    string `json:"key" validate:"required,max=512"`
}

// KeepAlive is an application level ping or pong. A pong echoes the data of
// the ping it answers.
type KeepAlive struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SnapshotPush is the payload producers use to hand a full item list to the
// registry through the bus or a Redis channel.
type SnapshotPush struct {
	Key   string          `json:"key" validate:"required,max=512"`
	Items []snapshot.Item `json:"items" validate:"required"`
}
