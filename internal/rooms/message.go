package rooms

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrHubClosed indicates that the hub no longer accepts connections.
	ErrHubClosed = errors.New("rooms: hub closed")
	// ErrUnknownConnection indicates that a connection id is not registered.
	ErrUnknownConnection = errors.New("rooms: unknown connection")
	// ErrDuplicateConnection indicates that a connection id is already registered.
	ErrDuplicateConnection = errors.New("rooms: duplicate connection")
	// ErrSlowConsumer indicates that a connection's outbound queue is full.
	ErrSlowConsumer = errors.New("rooms: slow consumer")
	// ErrConnectionClosed indicates that a connection no longer accepts messages.
	ErrConnectionClosed = errors.New("rooms: connection closed")
)

// Message is the envelope exchanged with realtime clients in both directions.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode serializes the event and payload into one wire frame.
func Encode(event string, payload any) ([]byte, error) {
	if event == "" {
		return nil, errors.New("rooms: event name is required")
	}
	message := Message{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("rooms: encode %s payload: %w", event, err)
		}
		message.Data = data
	}
	return json.Marshal(message)
}

// Decode parses one inbound wire frame.
func Decode(raw []byte) (Message, error) {
	var message Message
	if err := json.Unmarshal(raw, &message); err != nil {
		return Message{}, err
	}
	if message.Event == "" {
		return Message{}, errors.New("rooms: event name is required")
	}
	return message, nil
}

// Connection is a live client handle owned by the transport.
type Connection interface {
	// ID returns the stable connection identifier.
	ID() string
	// Send queues one encoded frame without blocking.
	// It returns ErrSlowConsumer when the queue is full and ErrConnectionClosed after Close.
	Send(frame []byte) error
	// Close releases the connection. Repeated calls are no-ops.
	Close()
}
