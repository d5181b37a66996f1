// Package meshmsg defines the wire envelopes exchanged over the three
// clipboard-mesh protocols: clip delivery, trust pairing, and bulk history
// catch-up. Every envelope is UTF-8 JSON, one document per stream, matching
// the framing contract in §6.
package meshmsg

import (
	"github.com/libp2p/go-libp2p/core/protocol"

	"go.klb.dev/meshclip/internal/identity"
)

// Protocol identifiers, following libp2p's semver-ish path convention (§6).
const (
	ClipProtocol    protocol.ID = "/clipboard/1.0.0"
	TrustProtocol   protocol.ID = "/clipboard/trust/1.0.0"
	HistoryProtocol protocol.ID = "/clipboard/history/1.0.0"
)

// Envelope type tags.
const (
	TypeClip         = "CLIP"
	TypeTrustRequest = "trust-request"
	TypeTrustAck     = "trust-ack"
	TypeSyncHistory  = "sync-history"
)

// ClipType enumerates the normalized clipboard content kinds.
type ClipType string

const (
	ClipText  ClipType = "text"
	ClipURL   ClipType = "url"
	ClipImage ClipType = "image"
	ClipFile  ClipType = "file"
)

// Clip is a single normalized clipboard entry, identified by Clip.ID across
// the whole mesh.
type Clip struct {
	ID        string   `json:"id"`
	Type      ClipType `json:"type"`
	Content   string   `json:"content"`
	Timestamp int64    `json:"timestamp"`
	SenderID  string   `json:"senderId"`
	ExpiresAt *int64   `json:"expiresAt,omitempty"`
}

// HistoryItem is a Clip plus provenance bookkeeping, keyed by Clip.ID.
type HistoryItem struct {
	Clip         Clip   `json:"clip"`
	ReceivedFrom string `json:"receivedFrom"` // device_id, "import", or "local"
	SyncedAt     int64  `json:"syncedAt"`
	IsLocal      bool   `json:"isLocal"`
}

// ClipMessage carries one clip over CLIP_PROTOCOL.
type ClipMessage struct {
	Type   string `json:"type"`
	From   string `json:"from"`
	Clip   Clip   `json:"clip"`
	SentAt int64  `json:"sentAt"`
}

// NewClipMessage builds a ClipMessage with Type pre-filled.
func NewClipMessage(from string, clip Clip, sentAt int64) ClipMessage {
	return ClipMessage{Type: TypeClip, From: from, Clip: clip, SentAt: sentAt}
}

// TrustRequest is the signed pairing request carried over TRUST_PROTOCOL.
// Sig is the Ed25519 signature over CanonicalTrustBytes(From, To, Payload, SentAt).
type TrustRequest struct {
	Type    string                 `json:"type"`
	From    string                 `json:"from"`
	To      string                 `json:"to"`
	Payload identity.TrustedDevice `json:"payload"`
	SentAt  int64                  `json:"sentAt"`
	Sig     []byte                 `json:"sig"`
}

// TrustAckPayload wraps the original request plus the responder's identity.
type TrustAckPayload struct {
	Accepted  bool                   `json:"accepted"`
	Request   TrustRequest           `json:"request"`
	Responder identity.TrustedDevice `json:"responder"`
}

// TrustAck answers a TrustRequest.
type TrustAck struct {
	Type    string          `json:"type"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Payload TrustAckPayload `json:"payload"`
	SentAt  int64           `json:"sentAt"`
}

// HistorySync carries a bounded batch of clips for catch-up sync over
// HISTORY_PROTOCOL.
type HistorySync struct {
	Type    string `json:"type"`
	From    string `json:"from"`
	Payload []Clip `json:"payload"`
	SentAt  int64  `json:"sentAt"`
}

// NewHistorySync builds a HistorySync with Type pre-filled.
func NewHistorySync(from string, clips []Clip, sentAt int64) HistorySync {
	return HistorySync{Type: TypeSyncHistory, From: from, Payload: clips, SentAt: sentAt}
}
