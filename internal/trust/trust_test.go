package trust

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"go.klb.dev/meshclip/internal/identity"
	"go.klb.dev/meshclip/internal/kvstore"
	"go.klb.dev/meshclip/internal/meshmsg"
)

// wireMessenger directly hands a manager's outbound envelopes to a peer
// Manager's HandleTrustMessage, simulating a TRUST messenger without a real
// transport.
type wireMessenger struct {
	peer *Manager
}

func (w *wireMessenger) SendRequest(ctx context.Context, _ string, req meshmsg.TrustRequest) error {
	w.peer.HandleTrustMessage(ctx, req)
	return nil
}

func (w *wireMessenger) SendAck(ctx context.Context, _ string, ack meshmsg.TrustAck) error {
	w.peer.HandleTrustMessage(ctx, ack)
	return nil
}

type harness struct {
	ctx       context.Context
	clock     clockwork.FakeClock
	identityA *identity.Service
	identityB *identity.Service
	trustA    *Manager
	trustB    *Manager
	idA       identity.DeviceIdentity
	idB       identity.DeviceIdentity
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()

	identityA := identity.New(kvstore.NewMemStore(), clock)
	identityB := identity.New(kvstore.NewMemStore(), clock)
	idA, err := identityA.Get(ctx)
	require.NoError(t, err)
	idB, err := identityB.Get(ctx)
	require.NoError(t, err)

	trustA := New(kvstore.NewMemStore(), identityA, clock)
	trustB := New(kvstore.NewMemStore(), identityB, clock)
	require.NoError(t, trustA.Start(ctx))
	require.NoError(t, trustB.Start(ctx))
	t.Cleanup(func() {
		trustA.Stop()
		trustB.Stop()
	})

	trustB.BindMessenger(&wireMessenger{peer: trustA})
	trustA.BindMessenger(&wireMessenger{peer: trustB})

	return &harness{ctx: ctx, clock: clock, identityA: identityA, identityB: identityB, trustA: trustA, trustB: trustB, idA: idA, idB: idB}
}

func TestFullPairingExchangeEstablishesMutualTrust(t *testing.T) {
	h := newHarness(t)

	var requested identity.TrustedDevice
	h.trustA.OnRequest(func(d identity.TrustedDevice) {
		requested = d
		require.NoError(t, h.trustA.SendTrustAck(h.ctx, d, true))
	})

	var approvedOnB identity.TrustedDevice
	h.trustB.OnApproved(func(d identity.TrustedDevice) { approvedOnB = d })

	// B initiates pairing toward A.
	require.NoError(t, h.trustB.SendTrustRequest(h.ctx, identity.PublicView(h.idA)))

	require.Equal(t, h.idB.DeviceID, requested.DeviceID)
	require.Equal(t, h.idA.DeviceID, approvedOnB.DeviceID)
	require.True(t, h.trustB.IsTrusted(h.idA.DeviceID))
	require.True(t, h.trustA.IsTrusted(h.idB.DeviceID), "approving side must also trust the requester for later trusted-only broadcast")
}

func TestRejectedAckDoesNotTrust(t *testing.T) {
	h := newHarness(t)

	h.trustA.OnRequest(func(d identity.TrustedDevice) {
		require.NoError(t, h.trustA.SendTrustAck(h.ctx, d, false))
	})
	var rejected identity.TrustedDevice
	h.trustA.OnRejected(func(d identity.TrustedDevice) { rejected = d })

	require.NoError(t, h.trustB.SendTrustRequest(h.ctx, identity.PublicView(h.idA)))

	require.Equal(t, h.idB.DeviceID, rejected.DeviceID)
	require.False(t, h.trustA.IsTrusted(h.idB.DeviceID))
	require.False(t, h.trustB.IsTrusted(h.idA.DeviceID))
	_, pending := h.trustA.PendingFor(h.idB.DeviceID)
	require.False(t, pending, "pending entry must be forgotten after reject")
}

func TestReplayedRequestOutsideSkewIsDropped(t *testing.T) {
	h := newHarness(t)

	var requestCount int
	h.trustA.OnRequest(func(identity.TrustedDevice) { requestCount++ })

	payload := identity.PublicView(h.idB)
	req := meshmsg.TrustRequest{
		Type:    meshmsg.TypeTrustRequest,
		From:    h.idB.DeviceID,
		To:      h.idA.DeviceID,
		Payload: payload,
		SentAt:  h.clock.Now().Unix(),
	}
	sig, err := signCanonical(h.idB.PrivateKey, req.From, req.To, req.Payload, req.SentAt)
	require.NoError(t, err)
	req.Sig = sig

	h.clock.Advance(600 * time.Second)
	h.trustA.HandleTrustMessage(h.ctx, req)

	require.Equal(t, 0, requestCount)
	require.False(t, h.trustA.IsTrusted(h.idB.DeviceID))
}

func TestTamperedSignatureIsRejected(t *testing.T) {
	h := newHarness(t)

	var requestCount int
	h.trustA.OnRequest(func(identity.TrustedDevice) { requestCount++ })

	payload := identity.PublicView(h.idB)
	sentAt := h.clock.Now().Unix()
	sig, err := signCanonical(h.idB.PrivateKey, h.idB.DeviceID, h.idA.DeviceID, payload, sentAt)
	require.NoError(t, err)

	// SentAt is altered after signing, so the signature no longer covers
	// the transmitted canonical bytes.
	req := meshmsg.TrustRequest{
		Type:    meshmsg.TypeTrustRequest,
		From:    h.idB.DeviceID,
		To:      h.idA.DeviceID,
		Payload: payload,
		SentAt:  sentAt + 1,
		Sig:     sig,
	}
	h.trustA.HandleTrustMessage(h.ctx, req)

	require.Equal(t, 0, requestCount)
}

func TestPendingRequestExpiresAfterTTL(t *testing.T) {
	h := newHarness(t)

	var rejected identity.TrustedDevice
	h.trustA.OnRejected(func(d identity.TrustedDevice) { rejected = d })

	require.NoError(t, h.trustB.SendTrustRequest(h.ctx, identity.PublicView(h.idA)))
	_, ok := h.trustA.PendingFor(h.idB.DeviceID)
	require.True(t, ok)

	h.clock.Advance(PendingTTL + time.Second)
	h.trustA.SweepExpired()

	require.Equal(t, h.idB.DeviceID, rejected.DeviceID)
	_, ok = h.trustA.PendingFor(h.idB.DeviceID)
	require.False(t, ok)
}

func TestAlreadyTrustedSenderGetsAutoAck(t *testing.T) {
	h := newHarness(t)

	// Establish trust once.
	h.trustA.OnRequest(func(d identity.TrustedDevice) {
		require.NoError(t, h.trustA.SendTrustAck(h.ctx, d, true))
	})
	require.NoError(t, h.trustB.SendTrustRequest(h.ctx, identity.PublicView(h.idA)))
	require.True(t, h.trustA.IsTrusted(h.idB.DeviceID))

	var secondRequestSeen bool
	h.trustA.OnRequest(func(identity.TrustedDevice) { secondRequestSeen = true })
	var secondApproval identity.TrustedDevice
	h.trustB.OnApproved(func(d identity.TrustedDevice) { secondApproval = d })

	// B re-sends a fresh trust-request; A must auto-ack without re-entering
	// the pending flow.
	require.NoError(t, h.trustB.SendTrustRequest(h.ctx, identity.PublicView(h.idA)))

	require.False(t, secondRequestSeen, "already-trusted senders must not re-enter the pending flow")
	require.Equal(t, h.idA.DeviceID, secondApproval.DeviceID)
}

// recordingMessenger forwards to a peer like wireMessenger but also keeps
// the last ack sent, so a test can replay it.
type recordingMessenger struct {
	wireMessenger
	lastAck meshmsg.TrustAck
}

func (r *recordingMessenger) SendAck(ctx context.Context, target string, ack meshmsg.TrustAck) error {
	r.lastAck = ack
	return r.wireMessenger.SendAck(ctx, target, ack)
}

func TestIdempotentApprovalEmitsOnlyOnce(t *testing.T) {
	h := newHarness(t)
	recorder := &recordingMessenger{wireMessenger: wireMessenger{peer: h.trustB}}
	h.trustA.BindMessenger(recorder)

	h.trustA.OnRequest(func(d identity.TrustedDevice) {
		require.NoError(t, h.trustA.SendTrustAck(h.ctx, d, true))
	})
	var approvals int
	h.trustB.OnApproved(func(identity.TrustedDevice) { approvals++ })

	require.NoError(t, h.trustB.SendTrustRequest(h.ctx, identity.PublicView(h.idA)))
	require.Equal(t, 1, approvals)
	require.Len(t, h.trustB.List(), 1)

	// Replay the exact same ack B already processed.
	h.trustB.HandleTrustMessage(h.ctx, recorder.lastAck)

	require.Equal(t, 1, approvals, "replaying an already-applied ack must not re-emit approved")
	require.Len(t, h.trustB.List(), 1)
}
