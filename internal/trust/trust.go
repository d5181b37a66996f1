// Package trust implements the trust manager (C6): the trusted-peer set,
// pending-request bookkeeping with TTL, the pairing state machine, and the
// domain events the rest of the system reacts to.
package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"github.com/multiformats/go-multiaddr"

	"go.klb.dev/meshclip/internal/events"
	"go.klb.dev/meshclip/internal/identity"
	"go.klb.dev/meshclip/internal/kvstore"
	"go.klb.dev/meshclip/internal/meshmsg"
)

// TrustedDevicesKey is the KVStore key under which the trusted set is
// persisted, per the persisted-state layout table.
const TrustedDevicesKey = "trustedDevices"

// PendingTTL bounds how long an un-actioned inbound trust-request survives.
const PendingTTL = 10 * time.Minute

// SkewWindow bounds the allowed clock skew on sent_at, in seconds.
const SkewWindow = 300

var (
	// ErrNoPendingRequest is returned by SendTrustAck when no pending request
	// exists for the target device.
	ErrNoPendingRequest = errors.New("trust: no pending request for device")
	// ErrNotStarted reports use of a Manager before Start has loaded
	// persisted state. No Manager method returns it; methods called before
	// Start operate on an empty trusted set.
	ErrNotStarted = errors.New("trust: manager not started")
)

// Messenger is the narrow capability the trust manager needs from the
// TRUST protocol messenger: targeted delivery of the two envelope kinds it
// produces. The manager holds a plain, rebindable reference — never an
// owning one.
type Messenger interface {
	SendRequest(ctx context.Context, target string, req meshmsg.TrustRequest) error
	SendAck(ctx context.Context, target string, ack meshmsg.TrustAck) error
}

// PendingTrustRequest is a validated inbound trust-request awaiting user
// action.
type PendingTrustRequest struct {
	Request    meshmsg.TrustRequest
	ReceivedAt int64
	ExpiresAt  int64
}

// Manager owns the trusted set and the pending-request map. All mutation
// goes through its methods.
type Manager struct {
	store      kvstore.KVStore
	identitySvc *identity.Service
	clock      clockwork.Clock

	mu      sync.RWMutex
	trusted map[string]identity.TrustedDevice

	pendingMu sync.Mutex
	pending   *ttlcache.Cache[string, *PendingTrustRequest]

	messengerMu sync.RWMutex
	messenger   Messenger

	onRequest  events.Emitter[identity.TrustedDevice]
	onApproved events.Emitter[identity.TrustedDevice]
	onRejected events.Emitter[identity.TrustedDevice]
	onRemoved  events.Emitter[identity.TrustedDevice]

	stopJanitor chan struct{}
}

// New returns a Manager backed by store and identitySvc. Call Start before
// using it.
func New(store kvstore.KVStore, identitySvc *identity.Service, clock clockwork.Clock) *Manager {
	pending := ttlcache.New[string, *PendingTrustRequest](
		ttlcache.WithTTL[string, *PendingTrustRequest](PendingTTL),
	)

	m := &Manager{
		store:       store,
		identitySvc: identitySvc,
		clock:       clock,
		trusted:     make(map[string]identity.TrustedDevice),
		pending:     pending,
	}

	pending.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *PendingTrustRequest]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		m.rejectExpired(item.Value())
	})

	return m
}

// Start loads the persisted trusted set and starts the background TTL
// janitor for pending requests.
func (m *Manager) Start(ctx context.Context) error {
	raw, ok, err := m.store.Get(ctx, TrustedDevicesKey)
	if err != nil {
		return fmt.Errorf("trust: load trusted set: %w", err)
	}
	if ok {
		var devices []identity.TrustedDevice
		if err := json.Unmarshal(raw, &devices); err != nil {
			return fmt.Errorf("trust: decode trusted set: %w", err)
		}
		m.mu.Lock()
		for _, d := range devices {
			m.trusted[d.DeviceID] = d
		}
		m.mu.Unlock()
	}

	m.stopJanitor = make(chan struct{})
	go m.pending.Start()
	return nil
}

// Stop cancels the pending-request janitor. In-flight timers are dropped;
// any request still pending when Stop is called is neither approved nor
// rejected.
func (m *Manager) Stop() {
	m.pending.Stop()
	if m.stopJanitor != nil {
		close(m.stopJanitor)
	}
}

// BindMessenger installs or replaces the TRUST messenger used for outbound
// sends.
func (m *Manager) BindMessenger(msgr Messenger) {
	m.messengerMu.Lock()
	m.messenger = msgr
	m.messengerMu.Unlock()
}

func (m *Manager) boundMessenger() Messenger {
	m.messengerMu.RLock()
	defer m.messengerMu.RUnlock()
	return m.messenger
}

// OnRequest, OnApproved, OnRejected, OnRemoved register listeners for the
// corresponding domain event, each carrying the affected TrustedDevice.
func (m *Manager) OnRequest(cb func(identity.TrustedDevice))  { m.onRequest.On(cb) }
func (m *Manager) OnApproved(cb func(identity.TrustedDevice)) { m.onApproved.On(cb) }
func (m *Manager) OnRejected(cb func(identity.TrustedDevice)) { m.onRejected.On(cb) }
func (m *Manager) OnRemoved(cb func(identity.TrustedDevice))  { m.onRemoved.On(cb) }

// List returns a snapshot of the trusted set.
func (m *Manager) List() []identity.TrustedDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]identity.TrustedDevice, 0, len(m.trusted))
	for _, d := range m.trusted {
		out = append(out, d)
	}
	return out
}

// IsTrusted reports whether id is currently in the trusted set.
func (m *Manager) IsTrusted(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.trusted[id]
	return ok
}

// Remove deletes id from the trusted set and emits removed if it was
// present.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	d, ok := m.trusted[id]
	if ok {
		delete(m.trusted, id)
	}
	devices := m.snapshotLocked()
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if err := m.persistTrusted(ctx, devices); err != nil {
		return err
	}
	m.onRemoved.Emit(d)
	return nil
}

func (m *Manager) snapshotLocked() []identity.TrustedDevice {
	out := make([]identity.TrustedDevice, 0, len(m.trusted))
	for _, d := range m.trusted {
		out = append(out, d)
	}
	return out
}

func (m *Manager) persistTrusted(ctx context.Context, devices []identity.TrustedDevice) error {
	raw, err := json.Marshal(devices)
	if err != nil {
		return fmt.Errorf("trust: encode trusted set: %w", err)
	}
	if err := m.store.Set(ctx, TrustedDevicesKey, raw); err != nil {
		return fmt.Errorf("trust: persist trusted set: %w", err)
	}
	return nil
}

// insertTrusted adds or replaces d in the trusted set and persists it.
// Returns true if this was a new trust relationship (for idempotent-event
// callers).
func (m *Manager) insertTrusted(ctx context.Context, d identity.TrustedDevice) (bool, error) {
	m.mu.Lock()
	_, already := m.trusted[d.DeviceID]
	m.trusted[d.DeviceID] = d
	devices := m.snapshotLocked()
	m.mu.Unlock()

	if err := m.persistTrusted(ctx, devices); err != nil {
		return false, err
	}
	return !already, nil
}

// SendTrustRequest builds and sends a signed trust-request to device. It is
// a silent no-op if no messenger is bound.
func (m *Manager) SendTrustRequest(ctx context.Context, device identity.TrustedDevice) error {
	msgr := m.boundMessenger()
	if msgr == nil {
		return nil
	}

	local, err := m.identitySvc.Get(ctx)
	if err != nil {
		return fmt.Errorf("trust: load local identity: %w", err)
	}

	sentAt := m.clock.Now().Unix()
	payload := identity.PublicView(local)
	sig, err := signCanonical(local.PrivateKey, local.DeviceID, device.DeviceID, payload, sentAt)
	if err != nil {
		return fmt.Errorf("trust: sign request: %w", err)
	}

	req := meshmsg.TrustRequest{
		Type:    meshmsg.TypeTrustRequest,
		From:    local.DeviceID,
		To:      device.DeviceID,
		Payload: payload,
		SentAt:  sentAt,
		Sig:     sig,
	}
	return msgr.SendRequest(ctx, device.DeviceID, req)
}

// SendTrustAck answers the pending request for device, inserting it into
// the trusted set on acceptance. Forgets the pending request in both cases.
func (m *Manager) SendTrustAck(ctx context.Context, device identity.TrustedDevice, accepted bool) error {
	pending := m.popPending(device.DeviceID)
	if pending == nil {
		return ErrNoPendingRequest
	}

	local, err := m.identitySvc.Get(ctx)
	if err != nil {
		return fmt.Errorf("trust: load local identity: %w", err)
	}

	ack := meshmsg.TrustAck{
		Type: meshmsg.TypeTrustAck,
		From: local.DeviceID,
		To:   pending.Request.From,
		Payload: meshmsg.TrustAckPayload{
			Accepted:  accepted,
			Request:   pending.Request,
			Responder: identity.PublicView(local),
		},
		SentAt: m.clock.Now().Unix(),
	}

	if msgr := m.boundMessenger(); msgr != nil {
		if err := msgr.SendAck(ctx, pending.Request.From, ack); err != nil {
			return fmt.Errorf("trust: send ack: %w", err)
		}
	}

	if !accepted {
		m.onRejected.Emit(pending.Request.Payload)
		return nil
	}

	if _, err := m.insertTrusted(ctx, pending.Request.Payload); err != nil {
		return err
	}
	m.onApproved.Emit(pending.Request.Payload)
	return nil
}

// HandleTrustMessage dispatches a decoded TRUST envelope. The concrete type
// of msg must be either meshmsg.TrustRequest or meshmsg.TrustAck.
func (m *Manager) HandleTrustMessage(ctx context.Context, msg interface{}) {
	switch v := msg.(type) {
	case meshmsg.TrustRequest:
		m.handleTrustRequest(ctx, v)
	case meshmsg.TrustAck:
		m.handleTrustAck(ctx, v)
	default:
		slog.Warn("trust: unrecognized message type dropped", "type", fmt.Sprintf("%T", msg))
	}
}

func (m *Manager) handleTrustRequest(ctx context.Context, req meshmsg.TrustRequest) {
	local, err := m.identitySvc.Get(ctx)
	if err != nil {
		slog.Warn("trust: cannot validate request, identity unavailable", "err", err)
		return
	}

	if !m.validateTrustRequest(local, req) {
		slog.Warn("trust: dropping invalid trust-request", "from", req.From)
		return
	}

	if m.IsTrusted(req.From) {
		// Already-trusted senders short-circuit to a fresh auto-ack.
		m.autoAck(ctx, local, req)
		return
	}

	now := m.clock.Now().UnixMilli()
	entry := &PendingTrustRequest{
		Request:    req,
		ReceivedAt: now,
		ExpiresAt:  now + PendingTTL.Milliseconds(),
	}
	m.pendingMu.Lock()
	m.pending.Set(req.From, entry, ttlcache.DefaultTTL)
	m.pendingMu.Unlock()

	m.onRequest.Emit(req.Payload)
}

// autoAck replies accepted=true to an already-trusted sender without
// touching the pending set, per the auto-ack design decision.
func (m *Manager) autoAck(ctx context.Context, local identity.DeviceIdentity, req meshmsg.TrustRequest) {
	msgr := m.boundMessenger()
	if msgr == nil {
		return
	}
	ack := meshmsg.TrustAck{
		Type: meshmsg.TypeTrustAck,
		From: local.DeviceID,
		To:   req.From,
		Payload: meshmsg.TrustAckPayload{
			Accepted:  true,
			Request:   req,
			Responder: identity.PublicView(local),
		},
		SentAt: m.clock.Now().Unix(),
	}
	if err := msgr.SendAck(ctx, req.From, ack); err != nil {
		slog.Warn("trust: auto-ack send failed", "to", req.From, "err", err)
	}
}

func (m *Manager) validateTrustRequest(local identity.DeviceIdentity, req meshmsg.TrustRequest) bool {
	if req.Payload.DeviceID != req.From {
		return false
	}
	if req.To != local.DeviceID {
		return false
	}
	if !verifySignature(req.Payload.PublicKey, req.From, req.To, req.Payload, req.SentAt, req.Sig) {
		return false
	}
	if !withinSkew(m.clock.Now().Unix(), req.SentAt) {
		return false
	}
	for _, addr := range req.Payload.Multiaddrs {
		if !multiaddrEndsInPeer(addr, req.Payload.DeviceID) {
			return false
		}
	}
	return true
}

func (m *Manager) handleTrustAck(ctx context.Context, ack meshmsg.TrustAck) {
	local, err := m.identitySvc.Get(ctx)
	if err != nil {
		slog.Warn("trust: cannot validate ack, identity unavailable", "err", err)
		return
	}

	if ack.To != local.DeviceID || !ack.Payload.Accepted {
		return
	}
	req := ack.Payload.Request
	if req.From != local.DeviceID || req.To != ack.From {
		return
	}
	if !verifySignature(req.Payload.PublicKey, req.From, req.To, req.Payload, req.SentAt, req.Sig) {
		return
	}
	if ack.Payload.Responder.DeviceID != ack.From {
		return
	}

	isNew, err := m.insertTrusted(ctx, ack.Payload.Responder)
	if err != nil {
		slog.Warn("trust: persist on ack failed", "err", err)
		return
	}
	if isNew {
		m.onApproved.Emit(ack.Payload.Responder)
	}
}

// popPending removes and returns the pending request for deviceID, or nil.
func (m *Manager) popPending(deviceID string) *PendingTrustRequest {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	item := m.pending.Get(deviceID)
	if item == nil {
		return nil
	}
	val := item.Value()
	m.pending.Delete(deviceID)
	return val
}

// PendingFor returns the pending request for deviceID, if any, without
// consuming it.
func (m *Manager) PendingFor(deviceID string) (*PendingTrustRequest, bool) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	item := m.pending.Get(deviceID)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// PendingList returns every currently pending inbound trust-request,
// unordered.
func (m *Manager) PendingList() []PendingTrustRequest {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	keys := m.pending.Keys()
	out := make([]PendingTrustRequest, 0, len(keys))
	for _, key := range keys {
		item := m.pending.Get(key)
		if item == nil {
			continue
		}
		out = append(out, *item.Value())
	}
	return out
}

// SweepExpired drives pending-request expiry from the manager's own clock,
// so tests using a fake clock observe the same TTL behavior as production's
// real-time janitor. Expired entries are rejected and removed.
func (m *Manager) SweepExpired() {
	now := m.clock.Now().UnixMilli()

	m.pendingMu.Lock()
	var expired []*PendingTrustRequest
	for _, key := range m.pending.Keys() {
		item := m.pending.Get(key)
		if item == nil {
			continue
		}
		if pending := item.Value(); pending.ExpiresAt <= now {
			expired = append(expired, pending)
			m.pending.Delete(key)
		}
	}
	m.pendingMu.Unlock()

	for _, pending := range expired {
		m.rejectExpired(pending)
	}
}

// rejectExpired emits rejected for a pending request that timed out,
// whether discovered by the real-time janitor or by SweepExpired.
func (m *Manager) rejectExpired(pending *PendingTrustRequest) {
	if pending == nil {
		return
	}
	m.onRejected.Emit(pending.Request.Payload)
}

func withinSkew(now, sentAt int64) bool {
	diff := now - sentAt
	if diff < 0 {
		diff = -diff
	}
	return diff <= SkewWindow
}

func multiaddrEndsInPeer(addr, deviceID string) bool {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return false
	}
	val, err := ma.ValueForProtocol(multiaddr.P_P2P)
	if err != nil {
		return false
	}
	return val == deviceID
}

func signCanonical(privKeyRaw []byte, from, to string, payload identity.TrustedDevice, sentAt int64) ([]byte, error) {
	priv, err := lp2pcrypto.UnmarshalEd25519PrivateKey(privKeyRaw)
	if err != nil {
		return nil, err
	}
	data, err := meshmsg.CanonicalTrustBytes(from, to, payload, sentAt)
	if err != nil {
		return nil, err
	}
	return priv.Sign(data)
}

func verifySignature(pubKeyRaw []byte, from, to string, payload identity.TrustedDevice, sentAt int64, sig []byte) bool {
	pub, err := lp2pcrypto.UnmarshalEd25519PublicKey(pubKeyRaw)
	if err != nil {
		return false
	}
	data, err := meshmsg.CanonicalTrustBytes(from, to, payload, sentAt)
	if err != nil {
		return false
	}
	ok, err := pub.Verify(data, sig)
	return err == nil && ok
}
