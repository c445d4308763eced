package chain

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math"
	"strings"

	"github.com/mr-tron/base58"

	"github.com/roach88/bridgekeeper/internal/borsh"
)

// programDataPrefix starts every Anchor event log line.
const programDataPrefix = "Program data: "

// bridgedToIngameEvent is the Anchor event name the program emits on burn.
const bridgedToIngameEvent = "BridgedToIngame"

// EventDiscriminator returns the 8-byte Anchor discriminator for an event.
func EventDiscriminator(name string) []byte {
	sum := sha256.Sum256([]byte("event:" + name))
	return sum[:8]
}

var bridgedToIngameDiscriminator = EventDiscriminator(bridgedToIngameEvent)

// ParseProgramLogs extracts BridgedToIngame events from a transaction's log
// lines. Lines that are not program data, or carry other events, are
// skipped. The first event is keyed by the transaction signature; further
// events in the same transaction get "#1", "#2", ... appended.
func ParseProgramLogs(signature string, slot uint64, logs []string) ([]Notification, error) {
	var out []Notification
	for _, line := range logs {
		data, ok := strings.CutPrefix(strings.TrimSpace(line), programDataPrefix)
		if !ok {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("%w: program data is not base64: %v", ErrInvalidNotification, err)
		}
		if len(raw) < 8 || !bytes.Equal(raw[:8], bridgedToIngameDiscriminator) {
			continue
		}

		n, err := decodeBridgedToIngame(raw[8:])
		if err != nil {
			return nil, err
		}
		n.Reference = signature
		if len(out) > 0 {
			n.Reference = fmt.Sprintf("%s#%d", signature, len(out))
		}
		n.Slot = slot
		if err := n.Validate(); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// EncodeBridgedToIngame renders the event as the program logs it.
func EncodeBridgedToIngame(assetID string, amount uint64, governor []byte) (string, error) {
	if len(governor) != 32 {
		return "", fmt.Errorf("governor must be 32 bytes, got %d", len(governor))
	}
	w := borsh.NewWriter(8 + 4 + len(assetID) + 8 + 32)
	w.Fixed(bridgedToIngameDiscriminator)
	if err := w.String(assetID); err != nil {
		return "", err
	}
	w.U64(amount)
	w.Fixed(governor)
	return programDataPrefix + base64.StdEncoding.EncodeToString(w.Bytes()), nil
}

func decodeBridgedToIngame(b []byte) (Notification, error) {
	r := borsh.NewReader(b)
	assetID, err := r.String()
	if err != nil {
		return Notification{}, fmt.Errorf("%w: element_id: %v", ErrInvalidNotification, err)
	}
	amount, err := r.U64()
	if err != nil {
		return Notification{}, fmt.Errorf("%w: amount: %v", ErrInvalidNotification, err)
	}
	governor, err := r.Fixed(32)
	if err != nil {
		return Notification{}, fmt.Errorf("%w: governor: %v", ErrInvalidNotification, err)
	}
	if amount > math.MaxInt64 {
		return Notification{}, fmt.Errorf("%w: amount %d overflows ledger range", ErrInvalidNotification, amount)
	}
	return Notification{
		Version:      SchemaVersion,
		Kind:         KindBridgedToIngame,
		AssetID:      assetID,
		Amount:       int64(amount),
		Counterparty: base58.Encode(governor),
	}, nil
}
