// Package pairing implements the QR/paste bootstrap payload codec (C3): a
// base64url-wrapped JSON envelope with a 300s freshness window, used to carry
// a device's public identity out-of-band before any trust-request is sent.
package pairing

import (
	"encoding/base64"
	"encoding/json"

	"github.com/jonboulle/clockwork"
)

// FreshnessWindow bounds how old a pairing payload may be before Decode
// rejects it.
const FreshnessWindow = 300 // seconds

// Version is the only payload version this codec understands.
const Version = "1"

// Payload is the out-of-band pairing envelope (§6). It carries no signature:
// the QR/paste text is an out-of-band trust anchor, not itself proof of
// possession — the subsequent trust-request carries the signature.
type Payload struct {
	DeviceID   string   `json:"deviceId"`
	DeviceName string   `json:"deviceName"`
	PublicKey  []byte   `json:"publicKey"`
	Multiaddrs []string `json:"multiaddrs"`
	Timestamp  int64    `json:"timestamp"`
	Version    string   `json:"version"`
}

// Encode returns the URL-safe base64 encoding of the canonical JSON form of
// p, with Version and Timestamp filled in from clock.
func Encode(p Payload, clock clockwork.Clock) (string, error) {
	p.Version = Version
	p.Timestamp = clock.Now().Unix()
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

// Decode reverses Encode and validates the result: the version must be "1",
// every field must be well-formed, and the payload must be within
// FreshnessWindow seconds of clock.Now(). A nil, nil return means "invalid or
// expired" per §4.2 — PairingInvalid/PairingExpired are reported to the
// caller of pair_text as a single "no payload" outcome, matching the source
// spec's decode-returns-null contract.
func Decode(encoded string, clock clockwork.Clock) (*Payload, error) {
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, nil //nolint:nilnil // invalid payload, not a codec failure
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, nil //nolint:nilnil
	}

	if p.Version != Version || p.DeviceID == "" || len(p.PublicKey) == 0 {
		return nil, nil //nolint:nilnil
	}

	age := clock.Now().Unix() - p.Timestamp
	if age < 0 {
		age = -age
	}
	if age > FreshnessWindow {
		return nil, nil //nolint:nilnil
	}

	return &p, nil
}
