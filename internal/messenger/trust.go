package messenger

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.klb.dev/meshclip/internal/meshmsg"
	"go.klb.dev/meshclip/internal/transport"
)

// trustEnvelope is decoded far enough to sniff the discriminant "type"
// field before unmarshaling into the concrete request or ack shape.
type trustEnvelope struct {
	Type string `json:"type"`
}

// TrustMessenger carries TrustRequest and TrustAck, two heterogeneous
// envelope shapes, over TRUST_PROTOCOL. It implements trust.Messenger for
// outbound sends; inbound frames are type-sniffed and handed to the
// dispatcher passed to NewTrustMessenger.
type TrustMessenger struct {
	transport transport.Transport
	dispatch  func(ctx context.Context, msg interface{})
}

// NewTrustMessenger wires a TrustMessenger to t. dispatch receives decoded
// meshmsg.TrustRequest or meshmsg.TrustAck values (not pointers); pass
// trust.Manager.HandleTrustMessage.
func NewTrustMessenger(t transport.Transport, dispatch func(ctx context.Context, msg interface{})) *TrustMessenger {
	tm := &TrustMessenger{transport: t, dispatch: dispatch}
	t.OnMessage(meshmsg.TrustProtocol, tm.handleInbound)
	return tm
}

func (tm *TrustMessenger) handleInbound(from string, payload []byte) {
	var env trustEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		slog.Debug("messenger: dropping malformed trust envelope", "err", err)
		return
	}

	switch env.Type {
	case meshmsg.TypeTrustRequest:
		var req meshmsg.TrustRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			slog.Debug("messenger: dropping malformed trust-request", "err", err)
			return
		}
		tm.dispatch(context.Background(), req)
	case meshmsg.TypeTrustAck:
		var ack meshmsg.TrustAck
		if err := json.Unmarshal(payload, &ack); err != nil {
			slog.Debug("messenger: dropping malformed trust-ack", "err", err)
			return
		}
		tm.dispatch(context.Background(), ack)
	default:
		slog.Debug("messenger: dropping trust envelope of unknown type", "type", env.Type, "from", from)
	}
}

// SendRequest implements trust.Messenger.
func (tm *TrustMessenger) SendRequest(ctx context.Context, target string, req meshmsg.TrustRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return tm.transport.Send(ctx, meshmsg.TrustProtocol, target, raw)
}

// SendAck implements trust.Messenger.
func (tm *TrustMessenger) SendAck(ctx context.Context, target string, ack meshmsg.TrustAck) error {
	raw, err := json.Marshal(ack)
	if err != nil {
		return err
	}
	return tm.transport.Send(ctx, meshmsg.TrustProtocol, target, raw)
}
