package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/soheilhy/cmux"

	"go.klb.dev/meshclip/internal/crypto"
	"go.klb.dev/meshclip/internal/meshmsg"
	"go.klb.dev/meshclip/internal/tlsconf"
	"go.klb.dev/meshclip/internal/wireframe"
)

// protoTag is the fixed-length ASCII prefix cmux sniffs on an accepted
// connection to route it to the right protocol sub-listener. Every value
// must be the same length (protoTagLen) and distinct.
var protoTag = map[protocol.ID]string{
	meshmsg.ClipProtocol:    "CLP1",
	meshmsg.TrustProtocol:   "TRS1",
	meshmsg.HistoryProtocol: "HST1",
}

const protoTagLen = 4

// Config configures a TCPTransport.
type Config struct {
	// ListenAddr is the local address to bind, e.g. "0.0.0.0:45678".
	ListenAddr string
	// Passphrase derives the deterministic self-signed TLS identity (§6).
	Passphrase string
	// DialTimeout bounds each individual dial attempt.
	DialTimeout time.Duration
	// MaxDialElapsed bounds the total time spent retrying a single Send's dial.
	MaxDialElapsed time.Duration
	// RelayPeerIDs are peer ids of configured relays. Connections attributed
	// to one of these ids never surface through GetConnectedPeers or the
	// peer_connected/peer_disconnected callbacks (§9).
	RelayPeerIDs []string
	// SecretToken, if non-empty, layers NaCl secretbox encryption beneath the
	// frame on top of the TLS session, keyed by HKDF-SHA256 over this token.
	// Every device must be configured with the same token. Empty means
	// frames are sent as plain JSON inside the TLS session, same as before
	// this field existed.
	SecretToken string
}

func (c Config) dialTimeout() time.Duration {
	if c.DialTimeout > 0 {
		return c.DialTimeout
	}
	return 10 * time.Second
}

func (c Config) maxDialElapsed() time.Duration {
	if c.MaxDialElapsed > 0 {
		return c.MaxDialElapsed
	}
	return 30 * time.Second
}

// peerLink is one long-lived outbound-or-inbound connection dedicated to a
// single protocol with a single remote peer.
type peerLink struct {
	protocol protocol.ID
	peerID   string // "" until the first frame reveals it
	conn     *wireframe.Conn
	writeMu  sync.Mutex
}

// TCPTransport implements Transport over plain TCP with a self-signed,
// passphrase-derived TLS layer (§6) and cmux-based protocol demultiplexing
// on a single listener.
type TCPTransport struct {
	cfg        Config
	serverTLS  *tls.Config
	clientTLS  *tls.Config
	dispatch   *dispatchTable
	relayIDs   map[string]bool
	frameKey   *[32]byte // nil unless cfg.SecretToken is set

	listener net.Listener
	mux      cmux.CMux

	mu           sync.RWMutex
	outbound     map[string]*peerLink // key: protocol+"|"+peerID, for reuse
	addrByPeer   map[string]string    // peerID -> dial address, learned from config/pairing
	connectedSet map[string]bool      // peerID -> currently has at least one live link

	peerConnectedMu    sync.RWMutex
	peerConnectedCbs   []func(string)
	peerDisconnectedCbs []func(string)

	started bool
}

// NewTCPTransport derives the TLS identity from cfg.Passphrase and
// constructs an unstarted transport.
func NewTCPTransport(cfg Config) (*TCPTransport, error) {
	serverTLS, clientTLS, err := tlsconf.ServerConfig(cfg.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("transport: deriving tls identity: %w", err)
	}

	relayIDs := make(map[string]bool, len(cfg.RelayPeerIDs))
	for _, id := range cfg.RelayPeerIDs {
		relayIDs[id] = true
	}

	var frameKey *[32]byte
	if cfg.SecretToken != "" {
		frameKey, err = crypto.DeriveKey(cfg.SecretToken)
		if err != nil {
			return nil, fmt.Errorf("transport: deriving frame key: %w", err)
		}
	}

	return &TCPTransport{
		cfg:          cfg,
		serverTLS:    serverTLS,
		clientTLS:    clientTLS,
		dispatch:     newDispatchTable(),
		relayIDs:     relayIDs,
		frameKey:     frameKey,
		outbound:     make(map[string]*peerLink),
		addrByPeer:   make(map[string]string),
		connectedSet: make(map[string]bool),
	}, nil
}

// RegisterPeerAddr associates peerID with a dial address learned from the
// trust store or a pairing payload. Send accepts either a registered peer
// id or a raw "host:port" target directly.
func (t *TCPTransport) RegisterPeerAddr(peerID, addr string) {
	t.mu.Lock()
	t.addrByPeer[peerID] = addr
	t.mu.Unlock()
}

// Start binds the listener, layers TLS, and spins up cmux with one
// sub-listener per protocol.
func (t *TCPTransport) Start(ctx context.Context) error {
	raw, err := net.Listen("tcp", t.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("transport: listen: %w", err)
	}
	t.listener = raw

	tlsLn := tls.NewListener(raw, t.serverTLS)
	t.mux = cmux.New(tlsLn)
	t.mux.HandleError(func(err error) bool {
		slog.Debug("transport: cmux error", "err", err)
		return true // keep serving
	})

	for proto, tag := range protoTag {
		sub := t.mux.Match(cmux.PrefixMatcher(tag))
		go t.acceptLoop(proto, sub)
	}

	go func() {
		if err := t.mux.Serve(); err != nil {
			slog.Debug("transport: cmux serve stopped", "err", err)
		}
	}()

	t.started = true
	slog.Info("transport: listening", "addr", raw.Addr().String())
	return nil
}

// Stop closes the listener, which unwinds cmux.Serve and every accept loop.
func (t *TCPTransport) Stop() error {
	t.mu.Lock()
	links := make([]*peerLink, 0, len(t.outbound))
	for _, l := range t.outbound {
		links = append(links, l)
	}
	t.outbound = make(map[string]*peerLink)
	t.connectedSet = make(map[string]bool)
	t.mu.Unlock()

	for _, l := range links {
		l.conn.Close()
	}

	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

func (t *TCPTransport) acceptLoop(proto protocol.ID, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go t.serveInbound(proto, conn)
	}
}

func (t *TCPTransport) serveInbound(proto protocol.ID, raw net.Conn) {
	if _, err := io.CopyN(io.Discard, raw, protoTagLen); err != nil {
		raw.Close()
		return
	}

	link := &peerLink{protocol: proto, conn: wireframe.New(raw, t.frameKey)}
	t.readLoop(link)
}

// readLoop consumes frames until the connection closes. The peer id is not
// known until the first frame is decoded, since this transport does not
// bind peer identity into the TLS handshake itself.
func (t *TCPTransport) readLoop(link *peerLink) {
	defer t.forgetLink(link)
	for {
		payload, err := link.conn.ReadFrame()
		if err != nil {
			return
		}

		from := attributedFrom(link.protocol, payload)
		if from != "" && link.peerID == "" {
			link.peerID = from
			t.rememberLink(link)
		}

		t.dispatch.dispatch(link.protocol, link.peerID, payload)
	}
}

// attributedFrom extracts the sender device id from a raw frame without
// committing to any one envelope type.
func attributedFrom(proto protocol.ID, payload []byte) string {
	var probe struct {
		From string `json:"from"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.From
}

func (t *TCPTransport) rememberLink(link *peerLink) {
	key := string(link.protocol) + "|" + link.peerID
	t.mu.Lock()
	t.outbound[key] = link
	wasConnected := t.connectedSet[link.peerID]
	t.connectedSet[link.peerID] = true
	t.mu.Unlock()

	if !wasConnected && !t.relayIDs[link.peerID] {
		t.firePeerConnected(link.peerID)
	}
}

func (t *TCPTransport) forgetLink(link *peerLink) {
	link.conn.Close()
	if link.peerID == "" {
		return
	}

	key := string(link.protocol) + "|" + link.peerID
	t.mu.Lock()
	delete(t.outbound, key)
	stillHasLink := false
	for k := range t.outbound {
		if strings.HasSuffix(k, "|"+link.peerID) {
			stillHasLink = true
			break
		}
	}
	if !stillHasLink {
		delete(t.connectedSet, link.peerID)
	}
	t.mu.Unlock()

	if !stillHasLink && !t.relayIDs[link.peerID] {
		t.firePeerDisconnected(link.peerID)
	}
}

// Send implements Transport. It reuses a live outbound link for
// (protocol, target) if one exists, otherwise dials a fresh TCP+TLS
// connection with exponential backoff bounded by MaxDialElapsed.
func (t *TCPTransport) Send(ctx context.Context, proto protocol.ID, target string, payload []byte) error {
	if !t.started {
		return ErrNotStarted
	}

	link, err := t.linkFor(ctx, proto, target)
	if err != nil {
		return err
	}

	link.writeMu.Lock()
	defer link.writeMu.Unlock()
	if err := link.conn.WriteFrame(payload); err != nil {
		t.forgetLink(link)
		return fmt.Errorf("%w: %v", ErrStreamClosed, err)
	}
	return nil
}

func (t *TCPTransport) linkFor(ctx context.Context, proto protocol.ID, target string) (*peerLink, error) {
	key := string(proto) + "|" + target
	t.mu.RLock()
	if link, ok := t.outbound[key]; ok {
		t.mu.RUnlock()
		return link, nil
	}
	addr, registered := t.addrByPeer[target]
	t.mu.RUnlock()

	dialAddr := target
	if registered {
		dialAddr = addr
	} else if !strings.Contains(target, ":") {
		return nil, ErrPeerNotConnected
	}

	link, err := t.dial(ctx, proto, dialAddr)
	if err != nil {
		return nil, err
	}
	if registered {
		link.peerID = target
		t.rememberLink(link)
	}

	t.mu.Lock()
	t.outbound[key] = link
	t.mu.Unlock()

	go t.readLoop(link)
	return link, nil
}

func (t *TCPTransport) dial(ctx context.Context, proto protocol.ID, addr string) (*peerLink, error) {
	var conn net.Conn
	operation := func() error {
		dialer := &net.Dialer{Timeout: t.cfg.dialTimeout()}
		c, err := tls.DialWithDialer(dialer, "tcp", addr, t.clientTLS)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = t.cfg.maxDialElapsed()
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}

	if _, err := conn.Write([]byte(protoTag[proto])); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}

	return &peerLink{protocol: proto, conn: wireframe.New(conn, t.frameKey)}, nil
}

func (t *TCPTransport) OnMessage(proto protocol.ID, cb func(from string, payload []byte)) {
	t.dispatch.on(proto, cb)
}

func (t *TCPTransport) OnPeerConnected(cb func(peerID string)) {
	t.peerConnectedMu.Lock()
	t.peerConnectedCbs = append(t.peerConnectedCbs, cb)
	t.peerConnectedMu.Unlock()
}

func (t *TCPTransport) OnPeerDisconnected(cb func(peerID string)) {
	t.peerConnectedMu.Lock()
	t.peerDisconnectedCbs = append(t.peerDisconnectedCbs, cb)
	t.peerConnectedMu.Unlock()
}

func (t *TCPTransport) firePeerConnected(peerID string) {
	t.peerConnectedMu.RLock()
	cbs := append([]func(string){}, t.peerConnectedCbs...)
	t.peerConnectedMu.RUnlock()
	for _, cb := range cbs {
		cb(peerID)
	}
}

func (t *TCPTransport) firePeerDisconnected(peerID string) {
	t.peerConnectedMu.RLock()
	cbs := append([]func(string){}, t.peerDisconnectedCbs...)
	t.peerConnectedMu.RUnlock()
	for _, cb := range cbs {
		cb(peerID)
	}
}

// GetConnectedPeers returns every non-relay peer id with at least one live
// link, in no particular order.
func (t *TCPTransport) GetConnectedPeers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peers := make([]string, 0, len(t.connectedSet))
	for id := range t.connectedSet {
		if !t.relayIDs[id] {
			peers = append(peers, id)
		}
	}
	return peers
}

var _ Transport = (*TCPTransport)(nil)
