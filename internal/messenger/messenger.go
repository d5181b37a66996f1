// Package messenger implements the protocol codecs and messengers (C4):
// per-protocol encode/decode plus targeted/broadcast send over a Transport,
// and the trusted-messenger wrapper that gates inbound dispatch by trust.
package messenger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/libp2p/go-libp2p/core/protocol"

	"go.klb.dev/meshclip/internal/transport"
)

// InboundMessage pairs a decoded message with the peer id it was attributed
// to, which may come from the transport or, as a fallback, from the
// message's own From field.
type InboundMessage[M any] struct {
	From string
	Msg  M
}

// ProtocolMessenger sends and receives one message type M over one named
// protocol. It holds only a plain reference to its Transport — never an
// owning one — so it can be rebound if the transport is replaced.
type ProtocolMessenger[M any] struct {
	transport transport.Transport
	protocol  protocol.ID
	encode    func(M) ([]byte, error)
	decode    func([]byte) (M, bool)
	fromOf    func(M) string

	trustMu   sync.RWMutex
	isTrusted func(peerID string) bool // nil disables the trust gate

	onMessageMu sync.RWMutex
	onMessage   []func(InboundMessage[M])
}

// New constructs a ProtocolMessenger bound to t for protocol, and registers
// its inbound handler with the transport immediately.
func New[M any](t transport.Transport, proto protocol.ID, encode func(M) ([]byte, error), decode func([]byte) (M, bool), fromOf func(M) string) *ProtocolMessenger[M] {
	pm := &ProtocolMessenger[M]{
		transport: t,
		protocol:  proto,
		encode:    encode,
		decode:    decode,
		fromOf:    fromOf,
	}
	t.OnMessage(proto, pm.handleInbound)
	return pm
}

// SetTrustFilter installs or clears (pass nil) the trust gate applied to
// inbound dispatch and to Broadcast; Send does not consult it. Applied to
// CLIP and HISTORY messengers, never to TRUST.
func (pm *ProtocolMessenger[M]) SetTrustFilter(f func(peerID string) bool) {
	pm.trustMu.Lock()
	pm.isTrusted = f
	pm.trustMu.Unlock()
}

func (pm *ProtocolMessenger[M]) trustFilter() func(string) bool {
	pm.trustMu.RLock()
	defer pm.trustMu.RUnlock()
	return pm.isTrusted
}

// OnMessage registers cb, invoked exactly once per successfully decoded,
// trust-admitted inbound message.
func (pm *ProtocolMessenger[M]) OnMessage(cb func(from string, msg M)) {
	pm.onMessageMu.Lock()
	pm.onMessage = append(pm.onMessage, func(im InboundMessage[M]) { cb(im.From, im.Msg) })
	pm.onMessageMu.Unlock()
}

func (pm *ProtocolMessenger[M]) handleInbound(from string, payload []byte) {
	msg, ok := pm.decode(payload)
	if !ok {
		slog.Debug("messenger: dropping malformed message", "protocol", pm.protocol)
		return
	}

	effectiveFrom := from
	if effectiveFrom == "" {
		effectiveFrom = pm.fromOf(msg)
	}
	if effectiveFrom == "" {
		slog.Debug("messenger: dropping message with no attributable sender", "protocol", pm.protocol)
		return
	}

	if gate := pm.trustFilter(); gate != nil && !gate(effectiveFrom) {
		slog.Debug("messenger: dropping untrusted message", "protocol", pm.protocol, "from", effectiveFrom)
		return
	}

	pm.onMessageMu.RLock()
	cbs := append([]func(InboundMessage[M]){}, pm.onMessage...)
	pm.onMessageMu.RUnlock()

	im := InboundMessage[M]{From: effectiveFrom, Msg: msg}
	for _, cb := range cbs {
		cb(im)
	}
}

// Send dials target, opens a fresh stream on the protocol, writes one framed
// message, and closes the stream.
func (pm *ProtocolMessenger[M]) Send(ctx context.Context, target string, msg M) error {
	raw, err := pm.encode(msg)
	if err != nil {
		return fmt.Errorf("messenger: encode: %w", err)
	}
	return pm.transport.Send(ctx, pm.protocol, target, raw)
}

// Broadcast sends msg to every currently connected peer, filtered through
// the trust gate if one is set. Individual dispatch failures are logged and
// never aggregated into a returned error.
func (pm *ProtocolMessenger[M]) Broadcast(ctx context.Context, msg M) {
	raw, err := pm.encode(msg)
	if err != nil {
		slog.Warn("messenger: broadcast encode failed", "protocol", pm.protocol, "err", err)
		return
	}

	gate := pm.trustFilter()
	for _, peer := range pm.transport.GetConnectedPeers() {
		if gate != nil && !gate(peer) {
			continue
		}
		if err := pm.transport.Send(ctx, pm.protocol, peer, raw); err != nil {
			slog.Warn("messenger: broadcast send failed", "protocol", pm.protocol, "peer", peer, "err", err)
		}
	}
}
