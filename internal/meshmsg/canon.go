package meshmsg

import "encoding/json"

// signable is the canonical, field-order-stable form of the data a
// trust-request signature covers: {from, to, payload, sent_at}. Using a
// dedicated struct (rather than a map) guarantees deterministic field
// ordering from encoding/json, which encodes struct fields in declaration
// order regardless of Go version.
type signable struct {
	From    string                 `json:"from"`
	To      string                 `json:"to"`
	Payload interface{}            `json:"payload"`
	SentAt  int64                  `json:"sentAt"`
}

// CanonicalTrustBytes returns the exact byte sequence a trust-request
// signature is computed over and verified against.
func CanonicalTrustBytes(from, to string, payload interface{}, sentAt int64) ([]byte, error) {
	return json.Marshal(signable{From: from, To: to, Payload: payload, SentAt: sentAt})
}
