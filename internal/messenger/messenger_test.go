package messenger

import (
	"context"
	"testing"

	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/stretchr/testify/require"

	"go.klb.dev/meshclip/internal/meshmsg"
)

// fakeTransport is a minimal in-memory transport.Transport used to exercise
// messengers without any real networking.
type fakeTransport struct {
	peers     []string
	listeners map[protocol.ID][]func(from string, payload []byte)
	sent      []sentFrame
	failSend  bool
}

type sentFrame struct {
	protocol protocol.ID
	target   string
	payload  []byte
}

func newFakeTransport(peers ...string) *fakeTransport {
	return &fakeTransport{peers: peers, listeners: make(map[protocol.ID][]func(string, []byte))}
}

func (f *fakeTransport) Start(ctx context.Context) error { return nil }
func (f *fakeTransport) Stop() error                      { return nil }

func (f *fakeTransport) Send(ctx context.Context, proto protocol.ID, target string, payload []byte) error {
	if f.failSend {
		return assertErr
	}
	f.sent = append(f.sent, sentFrame{proto, target, payload})
	return nil
}

func (f *fakeTransport) OnMessage(proto protocol.ID, cb func(from string, payload []byte)) {
	f.listeners[proto] = append(f.listeners[proto], cb)
}

func (f *fakeTransport) OnPeerConnected(cb func(peerID string))    {}
func (f *fakeTransport) OnPeerDisconnected(cb func(peerID string)) {}
func (f *fakeTransport) GetConnectedPeers() []string               { return f.peers }

func (f *fakeTransport) deliver(proto protocol.ID, from string, payload []byte) {
	for _, cb := range f.listeners[proto] {
		cb(from, payload)
	}
}

var assertErr = &sendError{}

type sendError struct{}

func (*sendError) Error() string { return "send failed" }

func TestClipMessengerSendEncodesAndDelivers(t *testing.T) {
	tr := newFakeTransport("dev-b")
	cm := NewClipMessenger(tr)

	clip := meshmsg.Clip{ID: "c1", Type: meshmsg.ClipText, Content: "hi", SenderID: "dev-a"}
	require.NoError(t, cm.Send(context.Background(), "dev-b", meshmsg.NewClipMessage("dev-a", clip, 1000)))
	require.Len(t, tr.sent, 1)
	require.Equal(t, meshmsg.ClipProtocol, tr.sent[0].protocol)

	var got []meshmsg.ClipMessage
	cm.OnMessage(func(from string, msg meshmsg.ClipMessage) { got = append(got, msg) })
	tr.deliver(meshmsg.ClipProtocol, "dev-a", tr.sent[0].payload)

	require.Len(t, got, 1)
	require.Equal(t, "c1", got[0].Clip.ID)
}

func TestClipMessengerTrustFilterBlocksUntrustedInbound(t *testing.T) {
	tr := newFakeTransport()
	cm := NewClipMessenger(tr)
	cm.SetTrustFilter(func(peer string) bool { return peer == "dev-trusted" })

	var got []string
	cm.OnMessage(func(from string, msg meshmsg.ClipMessage) { got = append(got, from) })

	clip := meshmsg.Clip{ID: "c1", Type: meshmsg.ClipText, Content: "hi"}
	raw, err := encodeClip(meshmsg.NewClipMessage("dev-untrusted", clip, 1000))
	require.NoError(t, err)

	tr.deliver(meshmsg.ClipProtocol, "dev-untrusted", raw)
	require.Empty(t, got)

	tr.deliver(meshmsg.ClipProtocol, "dev-trusted", raw)
	require.Equal(t, []string{"dev-trusted"}, got)
}

func TestClipMessengerBroadcastSkipsUntrustedPeers(t *testing.T) {
	tr := newFakeTransport("dev-trusted", "dev-untrusted")
	cm := NewClipMessenger(tr)
	cm.SetTrustFilter(func(peer string) bool { return peer == "dev-trusted" })

	clip := meshmsg.Clip{ID: "c1", Type: meshmsg.ClipText, Content: "hi"}
	cm.Broadcast(context.Background(), meshmsg.NewClipMessage("dev-a", clip, 1000))

	require.Len(t, tr.sent, 1)
	require.Equal(t, "dev-trusted", tr.sent[0].target)
}

func TestClipMessengerDropsMalformedPayload(t *testing.T) {
	tr := newFakeTransport()
	cm := NewClipMessenger(tr)

	var got []meshmsg.ClipMessage
	cm.OnMessage(func(from string, msg meshmsg.ClipMessage) { got = append(got, msg) })

	tr.deliver(meshmsg.ClipProtocol, "dev-a", []byte("not json"))
	require.Empty(t, got)
}

func TestTrustMessengerDispatchesByType(t *testing.T) {
	tr := newFakeTransport()

	var dispatched []interface{}
	tm := NewTrustMessenger(tr, func(ctx context.Context, msg interface{}) {
		dispatched = append(dispatched, msg)
	})

	req := meshmsg.TrustRequest{Type: meshmsg.TypeTrustRequest, From: "dev-a", To: "dev-b", SentAt: 1}
	require.NoError(t, tm.SendRequest(context.Background(), "dev-b", req))
	require.Len(t, tr.sent, 1)

	tr.deliver(meshmsg.TrustProtocol, "dev-a", tr.sent[0].payload)
	require.Len(t, dispatched, 1)
	gotReq, ok := dispatched[0].(meshmsg.TrustRequest)
	require.True(t, ok)
	require.Equal(t, "dev-a", gotReq.From)

	ack := meshmsg.TrustAck{Type: meshmsg.TypeTrustAck, From: "dev-b", To: "dev-a", SentAt: 2}
	require.NoError(t, tm.SendAck(context.Background(), "dev-a", ack))
	tr.deliver(meshmsg.TrustProtocol, "dev-b", tr.sent[1].payload)

	require.Len(t, dispatched, 2)
	_, ok = dispatched[1].(meshmsg.TrustAck)
	require.True(t, ok)
}

func TestTrustMessengerDropsUnknownType(t *testing.T) {
	tr := newFakeTransport()
	var dispatched int
	_ = NewTrustMessenger(tr, func(ctx context.Context, msg interface{}) { dispatched++ })

	tr.deliver(meshmsg.TrustProtocol, "dev-a", []byte(`{"type":"unknown"}`))
	require.Zero(t, dispatched)
}
