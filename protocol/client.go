// Package protocol defines the contract with the messaging-network
// connection library a worker process drives: connect, a stream of
// connection-state events, and an opaque credential blob that can be
// persisted and restored to resume a session without re-pairing.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// CloseCode classifies why a connection ended.
type CloseCode int

const (
	// CodeConnectionLost is a generic retryable transport failure.
	CodeConnectionLost CloseCode = 1
	// CodeLoggedOut means the session was invalidated upstream; the
	// credential material is permanently unusable.
	CodeLoggedOut CloseCode = 401
	// CodeRestartRequired is sent by the network after pairing; the
	// client must reconnect with the fresh credentials.
	CodeRestartRequired CloseCode = 515
)

// Retryable reports whether reconnecting with the same credentials
// can succeed.
func (c CloseCode) Retryable() bool {
	return c != CodeLoggedOut
}

// EventType enumerates connection-state transitions surfaced to the worker.
type EventType int

const (
	EventConnected EventType = iota
	EventClosed
	EventCredentials
	EventPairingCode
)

// Event is one connection-state transition.
type Event struct {
	Type        EventType
	User        string    // connected account identity, EventConnected
	Code        CloseCode // EventClosed
	Credentials []byte    // rotated blob, EventCredentials
	PairingCode string    // EventPairingCode
}

// Client is the connection a worker owns. Implementations emit
// Events until Close is called; after EventClosed the client must be
// re-Connected before further use.
type Client interface {
	Connect(ctx context.Context) error
	Close() error
	Events() <-chan Event
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	// Credentials returns the current serialized session state.
	Credentials() []byte
	// LastActivity returns the time of the last inbound traffic, used
	// by the worker's stall detector.
	LastActivity() time.Time
}

// credentialShape is the minimal structure a usable blob must carry.
type credentialShape struct {
	NoiseKey       json.RawMessage `json:"noiseKey"`
	RegistrationID *int            `json:"registrationId"`
}

// ValidateCredentials performs a structural check of a stored blob
// before it is handed to the connection layer. A blob that fails here
// drives the worker into the corrupted state instead of attempting to
// connect with bad material.
func ValidateCredentials(blob []byte) error {
	if len(blob) == 0 {
		return fmt.Errorf("credential blob is empty")
	}
	var shape credentialShape
	if err := json.Unmarshal(blob, &shape); err != nil {
		return fmt.Errorf("credential blob is not valid JSON: %w", err)
	}
	if len(shape.NoiseKey) == 0 || string(shape.NoiseKey) == "null" {
		return fmt.Errorf("credential blob missing noise key")
	}
	if shape.RegistrationID == nil {
		return fmt.Errorf("credential blob missing registration id")
	}
	return nil
}
