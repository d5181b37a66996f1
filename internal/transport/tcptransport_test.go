package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.klb.dev/meshclip/internal/meshmsg"
)

func newTestTransport(t *testing.T, passphrase string) *TCPTransport {
	t.Helper()
	tr, err := NewTCPTransport(Config{
		ListenAddr:     "127.0.0.1:0",
		Passphrase:     passphrase,
		DialTimeout:    2 * time.Second,
		MaxDialElapsed: 2 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() { tr.Stop() })
	return tr
}

func TestTCPTransportSendAndReceive(t *testing.T) {
	serverPass := "pair-passphrase-one"
	server := newTestTransport(t, serverPass)
	client := newTestTransport(t, serverPass)

	received := make(chan []byte, 1)
	server.OnMessage(meshmsg.ClipProtocol, func(from string, payload []byte) {
		received <- payload
	})

	addr := server.listener.Addr().String()
	client.RegisterPeerAddr("dev-server", addr)

	msg := meshmsg.NewClipMessage("dev-client", meshmsg.Clip{ID: "c1", Type: meshmsg.ClipText, Content: "hi"}, 1)
	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	require.NoError(t, client.Send(context.Background(), meshmsg.ClipProtocol, "dev-server", raw))

	select {
	case got := <-received:
		require.Contains(t, string(got), "dev-client")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestTCPTransportSecretTokenRoundTrip(t *testing.T) {
	pass := "pair-passphrase-token"
	server, err := NewTCPTransport(Config{
		ListenAddr:     "127.0.0.1:0",
		Passphrase:     pass,
		SecretToken:    "shared-secret",
		DialTimeout:    2 * time.Second,
		MaxDialElapsed: 2 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { server.Stop() })

	client, err := NewTCPTransport(Config{
		ListenAddr:     "127.0.0.1:0",
		Passphrase:     pass,
		SecretToken:    "shared-secret",
		DialTimeout:    2 * time.Second,
		MaxDialElapsed: 2 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, client.Start(context.Background()))
	t.Cleanup(func() { client.Stop() })

	received := make(chan []byte, 1)
	server.OnMessage(meshmsg.ClipProtocol, func(from string, payload []byte) {
		received <- payload
	})

	client.RegisterPeerAddr("dev-server", server.listener.Addr().String())

	msg := meshmsg.NewClipMessage("dev-client", meshmsg.Clip{ID: "c1", Type: meshmsg.ClipText, Content: "secret"}, 1)
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, client.Send(context.Background(), meshmsg.ClipProtocol, "dev-server", raw))

	select {
	case got := <-received:
		require.Contains(t, string(got), "dev-client")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for encrypted message")
	}
}

func TestTCPTransportSecretTokenMismatchDropsFrame(t *testing.T) {
	pass := "pair-passphrase-token-mismatch"
	server, err := NewTCPTransport(Config{
		ListenAddr:     "127.0.0.1:0",
		Passphrase:     pass,
		SecretToken:    "server-secret",
		DialTimeout:    2 * time.Second,
		MaxDialElapsed: 2 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { server.Stop() })

	client, err := NewTCPTransport(Config{
		ListenAddr:     "127.0.0.1:0",
		Passphrase:     pass,
		SecretToken:    "client-secret",
		DialTimeout:    2 * time.Second,
		MaxDialElapsed: 2 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, client.Start(context.Background()))
	t.Cleanup(func() { client.Stop() })

	received := make(chan []byte, 1)
	server.OnMessage(meshmsg.ClipProtocol, func(from string, payload []byte) {
		received <- payload
	})

	client.RegisterPeerAddr("dev-server", server.listener.Addr().String())

	msg := meshmsg.NewClipMessage("dev-client", meshmsg.Clip{ID: "c1", Type: meshmsg.ClipText, Content: "secret"}, 1)
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, client.Send(context.Background(), meshmsg.ClipProtocol, "dev-server", raw))

	select {
	case <-received:
		t.Fatal("server decoded a frame encrypted with a different token")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestTCPTransportPeerConnectedFiresOnce(t *testing.T) {
	pass := "pair-passphrase-two"
	server := newTestTransport(t, pass)
	client := newTestTransport(t, pass)

	connected := make(chan string, 4)
	server.OnPeerConnected(func(id string) { connected <- id })
	server.OnMessage(meshmsg.ClipProtocol, func(from string, payload []byte) {})

	addr := server.listener.Addr().String()
	client.RegisterPeerAddr("dev-client-x", addr)

	msg := meshmsg.NewClipMessage("dev-client-x", meshmsg.Clip{ID: "c1", Type: meshmsg.ClipText, Content: "hi"}, 1)
	raw, _ := json.Marshal(msg)
	require.NoError(t, client.Send(context.Background(), meshmsg.ClipProtocol, "dev-client-x", raw))
	require.NoError(t, client.Send(context.Background(), meshmsg.ClipProtocol, "dev-client-x", raw))

	select {
	case id := <-connected:
		require.Equal(t, "dev-client-x", id)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for peer_connected")
	}

	select {
	case <-connected:
		t.Fatal("peer_connected fired a second time for the same peer")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestTCPTransportRelayPeerExcludedFromConnectedSet(t *testing.T) {
	pass := "pair-passphrase-three"
	server, err := NewTCPTransport(Config{
		ListenAddr:   "127.0.0.1:0",
		Passphrase:   pass,
		RelayPeerIDs: []string{"dev-relay"},
	})
	require.NoError(t, err)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { server.Stop() })

	client := newTestTransport(t, pass)
	client.RegisterPeerAddr("dev-relay", server.listener.Addr().String())

	msg := meshmsg.NewClipMessage("dev-relay", meshmsg.Clip{ID: "c1", Type: meshmsg.ClipText, Content: "hi"}, 1)
	raw, _ := json.Marshal(msg)

	server.OnMessage(meshmsg.ClipProtocol, func(from string, payload []byte) {})
	require.NoError(t, client.Send(context.Background(), meshmsg.ClipProtocol, "dev-relay", raw))

	time.Sleep(200 * time.Millisecond)
	require.Empty(t, server.GetConnectedPeers())
}
