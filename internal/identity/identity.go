// Package identity implements the local device identity service (C2): it
// produces, persists, and rehydrates the Ed25519-backed DeviceIdentity that
// anchors every signature in the pairing protocol.
package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	lp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/jonboulle/clockwork"

	"go.klb.dev/meshclip/internal/kvstore"
)

// StateKey is the KVStore key under which the local identity is persisted,
// per the persisted-state layout table.
const StateKey = "localDeviceIdentity"

// ErrIdentityUnavailable is returned when key generation fails (entropy
// unavailable). Callers must not proceed with pairing or messaging.
var ErrIdentityUnavailable = errors.New("identity: key generation unavailable")

// DeviceIdentity is the local device's full identity, including the private
// key. It is never serialized to peers — see TrustedDevice for the public
// projection.
type DeviceIdentity struct {
	DeviceID   string   `json:"deviceId"`
	DeviceName string   `json:"deviceName"`
	PublicKey  []byte   `json:"publicKey"`
	PrivateKey []byte   `json:"privateKey"`
	Multiaddrs []string `json:"multiaddrs"`
	CreatedAt  int64    `json:"createdAt"`
}

// TrustedDevice is a peer's published identity: a DeviceIdentity stripped of
// its private key, plus an optional LastSeen.
type TrustedDevice struct {
	DeviceID   string   `json:"deviceId"`
	DeviceName string   `json:"deviceName"`
	PublicKey  []byte   `json:"publicKey"`
	Multiaddrs []string `json:"multiaddrs"`
	CreatedAt  int64    `json:"createdAt"`
	LastSeen   *int64   `json:"lastSeen,omitempty"`
}

// Service is the identity manager (C2). It caches the local identity after
// first load so repeated Get calls do not round-trip the KVStore.
type Service struct {
	store kvstore.KVStore
	clock clockwork.Clock

	mu       sync.Mutex
	cached   *DeviceIdentity
	loadOnce bool
}

// New returns an identity Service backed by store. clock is used for
// CreatedAt stamping; pass clockwork.NewRealClock() in production.
func New(store kvstore.KVStore, clock clockwork.Clock) *Service {
	return &Service{store: store, clock: clock}
}

// Get returns the cached identity, loading or generating it on first call.
func (s *Service) Get(ctx context.Context) (DeviceIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loadOnce && s.cached != nil {
		return *s.cached, nil
	}

	raw, ok, err := s.store.Get(ctx, StateKey)
	if err != nil {
		return DeviceIdentity{}, fmt.Errorf("identity: load: %w", err)
	}

	var id DeviceIdentity
	if ok {
		if err := json.Unmarshal(raw, &id); err != nil {
			return DeviceIdentity{}, fmt.Errorf("identity: decode: %w", err)
		}
	}

	if len(id.PrivateKey) == 0 {
		id, err = s.generate(ctx)
		if err != nil {
			return DeviceIdentity{}, err
		}
	} else if reDerived, changed := reconcileDeviceID(id); changed {
		id = reDerived
		if err := s.persist(ctx, id); err != nil {
			return DeviceIdentity{}, fmt.Errorf("identity: re-persist: %w", err)
		}
	}

	s.cached = &id
	s.loadOnce = true
	return id, nil
}

// reconcileDeviceID re-derives DeviceID from PrivateKey and returns the
// corrected identity if it disagrees with the stored DeviceID or PublicKey.
// The derived value always wins, per §4.1.
func reconcileDeviceID(id DeviceIdentity) (DeviceIdentity, bool) {
	priv, err := lp2pcrypto.UnmarshalEd25519PrivateKey(id.PrivateKey)
	if err != nil {
		return id, false
	}
	pub := priv.GetPublic()
	pubRaw, err := pub.Raw()
	if err != nil {
		return id, false
	}
	devID, err := DeviceIDFromPublicKey(pubRaw)
	if err != nil {
		return id, false
	}
	if devID == id.DeviceID && bytesEqual(pubRaw, id.PublicKey) {
		return id, false
	}
	id.DeviceID = devID
	id.PublicKey = pubRaw
	return id, true
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Service) generate(ctx context.Context) (DeviceIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return DeviceIdentity{}, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	// Round-trip through go-libp2p's key types so DeviceID is derived the
	// same way here and in reconcileDeviceID/DeviceIDFromPublicKey.
	lpPriv, err := lp2pcrypto.UnmarshalEd25519PrivateKey(priv)
	if err != nil {
		return DeviceIdentity{}, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	pid, err := peer.IDFromPrivateKey(lpPriv)
	if err != nil {
		return DeviceIdentity{}, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}

	id := DeviceIdentity{
		DeviceID:   pid.String(),
		DeviceName: defaultDeviceName(),
		PublicKey:  []byte(pub),
		PrivateKey: []byte(priv),
		Multiaddrs: nil,
		CreatedAt:  s.clock.Now().UnixMilli(),
	}

	if err := s.persist(ctx, id); err != nil {
		return DeviceIdentity{}, fmt.Errorf("identity: persist new identity: %w", err)
	}
	return id, nil
}

func (s *Service) persist(ctx context.Context, id DeviceIdentity) error {
	raw, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("identity: encode: %w", err)
	}
	return s.store.Set(ctx, StateKey, raw)
}

// Rename updates DeviceName only.
func (s *Service) Rename(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached == nil {
		return errors.New("identity: not loaded")
	}
	id := *s.cached
	id.DeviceName = name
	if err := s.persist(ctx, id); err != nil {
		return err
	}
	s.cached = &id
	return nil
}

// UpdateMultiaddrs atomically replaces the multiaddr list.
func (s *Service) UpdateMultiaddrs(ctx context.Context, addrs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached == nil {
		return errors.New("identity: not loaded")
	}
	id := *s.cached
	id.Multiaddrs = append([]string(nil), addrs...)
	if err := s.persist(ctx, id); err != nil {
		return err
	}
	s.cached = &id
	return nil
}

// PublicView strips the private key, yielding the form sent to peers.
func PublicView(id DeviceIdentity) TrustedDevice {
	return TrustedDevice{
		DeviceID:   id.DeviceID,
		DeviceName: id.DeviceName,
		PublicKey:  append([]byte(nil), id.PublicKey...),
		Multiaddrs: append([]string(nil), id.Multiaddrs...),
		CreatedAt:  id.CreatedAt,
	}
}

// DeviceIDFromPublicKey derives the canonical device id string from a raw
// 32-byte Ed25519 public key, via go-libp2p's peer-id multihash encoding.
// The result is stable across restarts for the same key.
func DeviceIDFromPublicKey(rawPub []byte) (string, error) {
	pub, err := lp2pcrypto.UnmarshalEd25519PublicKey(rawPub)
	if err != nil {
		return "", fmt.Errorf("identity: unmarshal public key: %w", err)
	}
	pid, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("identity: derive peer id: %w", err)
	}
	return pid.String(), nil
}

// defaultDeviceName returns a human-readable default name for a freshly
// generated identity, grounded on the teacher's defaultSource() idiom.
func defaultDeviceName() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "meshclip-device"
}
