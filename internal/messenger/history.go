package messenger

import (
	"encoding/json"

	"go.klb.dev/meshclip/internal/meshmsg"
	"go.klb.dev/meshclip/internal/transport"
)

// HistoryMessenger carries meshmsg.HistorySync over HISTORY_PROTOCOL.
type HistoryMessenger = ProtocolMessenger[meshmsg.HistorySync]

// NewHistoryMessenger wires a HistoryMessenger to t.
func NewHistoryMessenger(t transport.Transport) *HistoryMessenger {
	return New(t, meshmsg.HistoryProtocol, encodeHistory, decodeHistory, func(m meshmsg.HistorySync) string { return m.From })
}

func encodeHistory(m meshmsg.HistorySync) ([]byte, error) { return json.Marshal(m) }

func decodeHistory(raw []byte) (meshmsg.HistorySync, bool) {
	var m meshmsg.HistorySync
	if err := json.Unmarshal(raw, &m); err != nil || m.Type != meshmsg.TypeSyncHistory {
		return meshmsg.HistorySync{}, false
	}
	return m, true
}
