// Package transport defines the Transport capability (§6) consumed by the
// protocol messengers, and a concrete TCP implementation (TCPTransport) that
// demultiplexes the three clipboard-mesh protocols on a single listener.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/libp2p/go-libp2p/core/protocol"
)

// Errors returned by Send, per the error-kind table (§7).
var (
	ErrNotStarted       = errors.New("transport: not started")
	ErrPeerNotConnected = errors.New("transport: peer not connected")
	ErrDialFailed       = errors.New("transport: dial failed")
	ErrStreamClosed     = errors.New("transport: stream closed")
)

// Transport is the external collaborator every protocol messenger sends
// through and receives from. Implementations own connection lifecycle,
// relay traversal, and per-protocol stream demultiplexing.
type Transport interface {
	Start(ctx context.Context) error
	Stop() error

	// Send dials target (a multiaddr, or the peer id of an already-connected
	// peer), opens a fresh stream on proto, writes payload as one framed
	// message, and closes the stream.
	Send(ctx context.Context, proto protocol.ID, target string, payload []byte) error

	// OnMessage registers cb to be invoked once per inbound framed message
	// on proto. from is the peer id the transport attributes the stream
	// to, or "" if it cannot (e.g. during very early handshake states).
	OnMessage(proto protocol.ID, cb func(from string, payload []byte))

	OnPeerConnected(cb func(peerID string))
	OnPeerDisconnected(cb func(peerID string))

	// GetConnectedPeers returns the peer ids of all non-relay connections
	// currently established.
	GetConnectedPeers() []string
}

// dispatchTable is a small helper shared by Transport implementations: a
// registry of protocol -> listener list, invoked synchronously in
// registration order.
type dispatchTable struct {
	mu        sync.RWMutex
	listeners map[protocol.ID][]func(from string, payload []byte)
}

func newDispatchTable() *dispatchTable {
	return &dispatchTable{listeners: make(map[protocol.ID][]func(string, []byte))}
}

func (d *dispatchTable) on(proto protocol.ID, cb func(from string, payload []byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners[proto] = append(d.listeners[proto], cb)
}

func (d *dispatchTable) dispatch(proto protocol.ID, from string, payload []byte) {
	d.mu.RLock()
	cbs := append([]func(string, []byte){}, d.listeners[proto]...)
	d.mu.RUnlock()
	for _, cb := range cbs {
		cb(from, payload)
	}
}
