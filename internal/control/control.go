// Package control implements the local control-plane protocol CLI
// subcommands use to query and act on a running "meshclip serve" daemon
// over the internal/ipc channel: listing pending trust requests and
// approving or rejecting them, and fetching a live status snapshot.
//
// The wire format is one JSON request object per connection, answered with
// exactly one JSON response object before the connection closes. This
// mirrors the request/reply shape of the gRPC ClipboardService the channel
// replaces, without requiring a .proto toolchain for a protocol this small.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"

	"go.klb.dev/meshclip/internal/history"
	"go.klb.dev/meshclip/internal/identity"
	"go.klb.dev/meshclip/internal/ipc"
	"go.klb.dev/meshclip/internal/trust"
)

// Op names the requested control-plane operation.
type Op string

const (
	OpStatus       Op = "status"
	OpPendingList  Op = "pending_list"
	OpTrustApprove Op = "trust_approve"
	OpTrustReject  Op = "trust_reject"
)

// Request is the envelope sent over the control channel.
type Request struct {
	Op       Op     `json:"op"`
	DeviceID string `json:"deviceId,omitempty"`
}

// Response is the envelope returned for every Request.
type Response struct {
	Error   string           `json:"error,omitempty"`
	Status  *StatusSnapshot  `json:"status,omitempty"`
	Pending []PendingSummary `json:"pending,omitempty"`
}

// StatusSnapshot mirrors the fields cmd/meshclip/status.go needs, sourced
// live from the running daemon instead of re-reading on-disk state.
type StatusSnapshot struct {
	DeviceID          string                   `json:"deviceId"`
	DeviceName        string                   `json:"deviceName"`
	Multiaddrs        []string                 `json:"multiaddrs"`
	TrustedDevices    []identity.TrustedDevice `json:"trustedDevices"`
	HistoryCount      int                      `json:"historyCount"`
	LocalHistoryCount int                      `json:"localHistoryCount"`
	ConnectedPeers    []string                 `json:"connectedPeers"`
}

// PendingSummary is the client-facing view of a trust.PendingTrustRequest.
type PendingSummary struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	ReceivedAt int64  `json:"receivedAt"`
}

// ConnectedPeersFunc reports the transport's currently connected peer ids.
// serve.go supplies transport.TCPTransport.GetConnectedPeers here; it's a
// func rather than an interface because that's the only method Server needs.
type ConnectedPeersFunc func() []string

// Server answers control-plane requests on behalf of a running daemon. It
// holds no state of its own; every field is a read-through to the daemon's
// existing components.
type Server struct {
	identity       *identity.Service
	trust          *trust.Manager
	history        *history.Store
	connectedPeers ConnectedPeersFunc
}

// NewServer builds a Server backed by the daemon's existing components.
func NewServer(id *identity.Service, trustMgr *trust.Manager, historyStore *history.Store, connectedPeers ConnectedPeersFunc) *Server {
	return &Server{identity: id, trust: trustMgr, history: historyStore, connectedPeers: connectedPeers}
}

// Serve accepts connections on ln until ctx is canceled or ln is closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				slog.Warn("control: accept failed", "err", err)
				return
			}
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var req Request
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&req); err != nil {
		_ = json.NewEncoder(conn).Encode(Response{Error: fmt.Sprintf("control: decode request: %v", err)})
		return
	}

	resp := s.dispatch(ctx, req)
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		slog.Warn("control: encode response failed", "err", err)
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Op {
	case OpStatus:
		return s.handleStatus(ctx)
	case OpPendingList:
		return s.handlePendingList()
	case OpTrustApprove:
		return s.handleAck(ctx, req.DeviceID, true)
	case OpTrustReject:
		return s.handleAck(ctx, req.DeviceID, false)
	default:
		return Response{Error: fmt.Sprintf("control: unknown op %q", req.Op)}
	}
}

func (s *Server) handleStatus(ctx context.Context) Response {
	id, err := s.identity.Get(ctx)
	if err != nil {
		return Response{Error: fmt.Sprintf("control: load identity: %v", err)}
	}

	all := s.history.Query(history.QueryOptions{})
	localCount := 0
	for _, item := range all {
		if item.IsLocal {
			localCount++
		}
	}

	var peers []string
	if s.connectedPeers != nil {
		peers = s.connectedPeers()
	}

	return Response{Status: &StatusSnapshot{
		DeviceID:          id.DeviceID,
		DeviceName:        id.DeviceName,
		Multiaddrs:        id.Multiaddrs,
		TrustedDevices:    s.trust.List(),
		HistoryCount:      len(all),
		LocalHistoryCount: localCount,
		ConnectedPeers:    peers,
	}}
}

func (s *Server) handlePendingList() Response {
	pending := s.trust.PendingList()
	out := make([]PendingSummary, 0, len(pending))
	for _, p := range pending {
		out = append(out, PendingSummary{
			DeviceID:   p.Request.Payload.DeviceID,
			DeviceName: p.Request.Payload.DeviceName,
			ReceivedAt: p.ReceivedAt,
		})
	}
	return Response{Pending: out}
}

func (s *Server) handleAck(ctx context.Context, deviceID string, accept bool) Response {
	pending, ok := s.trust.PendingFor(deviceID)
	if !ok {
		return Response{Error: fmt.Sprintf("control: no pending request from %s", deviceID)}
	}
	if err := s.trust.SendTrustAck(ctx, pending.Request.Payload, accept); err != nil {
		return Response{Error: fmt.Sprintf("control: send ack: %v", err)}
	}
	return Response{}
}

// Client talks to a running daemon's control channel.
type Client struct{}

// Dial connects to the local daemon's control channel, or returns an error
// if none is listening.
func Dial() (*Client, net.Conn, error) {
	conn, err := ipc.Dial()
	if err != nil {
		return nil, nil, err
	}
	return &Client{}, conn, nil
}

// Call sends req over conn and decodes the single Response it gets back.
func (c *Client) Call(conn net.Conn, req Request) (*Response, error) {
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("control: encode request: %w", err)
	}
	var resp Response
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("control: decode response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("control: %s", resp.Error)
	}
	return &resp, nil
}
