package messenger

import (
	"encoding/json"

	"go.klb.dev/meshclip/internal/meshmsg"
	"go.klb.dev/meshclip/internal/transport"
)

// ClipMessenger carries meshmsg.ClipMessage over CLIP_PROTOCOL.
type ClipMessenger = ProtocolMessenger[meshmsg.ClipMessage]

// NewClipMessenger wires a ClipMessenger to t.
func NewClipMessenger(t transport.Transport) *ClipMessenger {
	return New(t, meshmsg.ClipProtocol, encodeClip, decodeClip, func(m meshmsg.ClipMessage) string { return m.From })
}

func encodeClip(m meshmsg.ClipMessage) ([]byte, error) { return json.Marshal(m) }

func decodeClip(raw []byte) (meshmsg.ClipMessage, bool) {
	var m meshmsg.ClipMessage
	if err := json.Unmarshal(raw, &m); err != nil || m.Type != meshmsg.TypeClip {
		return meshmsg.ClipMessage{}, false
	}
	return m, true
}
