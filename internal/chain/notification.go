// Package chain adapts chain-side burn events into Notifications for the
// event consumer.
//
// Three adapters produce the same versioned Notification:
//   - Subscriber: a ZeroMQ SUB socket fed by the chain collaborator
//   - ParseProgramLogs: decodes Anchor "Program data:" log lines
//   - DecodeNotification: the JSON wire form, used by the webhook route
//
// Delivery is at-least-once. Nothing here deduplicates; the consumer does.
package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SchemaVersion is the current Notification wire version.
const SchemaVersion = 1

// KindBridgedToIngame marks value burned on chain to be credited in-game.
const KindBridgedToIngame = "bridged_to_ingame"

// ErrInvalidNotification is wrapped by every decode and validation failure.
var ErrInvalidNotification = errors.New("invalid chain notification")

// Notification is one chain-originated burn event.
type Notification struct {
	Version      int    `json:"version"`
	Kind         string `json:"kind"`
	AssetID      string `json:"asset_id"`
	Amount       int64  `json:"amount"`
	Counterparty string `json:"counterparty"`
	Reference    string `json:"reference"`
	Slot         uint64 `json:"slot,omitempty"`
}

// Validate checks the notification against the current schema.
func (n Notification) Validate() error {
	if n.Version != SchemaVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidNotification, n.Version)
	}
	if n.Kind != KindBridgedToIngame {
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidNotification, n.Kind)
	}
	if strings.TrimSpace(n.AssetID) == "" {
		return fmt.Errorf("%w: asset_id is required", ErrInvalidNotification)
	}
	if n.Amount <= 0 {
		return fmt.Errorf("%w: amount must be greater than 0, got %d", ErrInvalidNotification, n.Amount)
	}
	if strings.TrimSpace(n.Reference) == "" {
		return fmt.Errorf("%w: reference is required", ErrInvalidNotification)
	}
	return nil
}

// DecodeNotification parses and validates the JSON wire form.
func DecodeNotification(data []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	if err := n.Validate(); err != nil {
		return Notification{}, err
	}
	return n, nil
}

// EncodeNotification renders n in the JSON wire form.
func EncodeNotification(n Notification) ([]byte, error) {
	return json.Marshal(n)
}

// Sink receives decoded notifications. It returns false once it accepts no
// more, which stops the producer.
type Sink func(Notification) bool
