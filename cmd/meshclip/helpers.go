package main

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/spf13/viper"

	"go.klb.dev/meshclip/internal/history"
	"go.klb.dev/meshclip/internal/identity"
	"go.klb.dev/meshclip/internal/kvstore"
	"go.klb.dev/meshclip/internal/trust"
)

// app bundles the persistent core every subcommand needs: local identity,
// the trust manager and the history store, all backed by on-disk state under
// --state-dir. serve
// additionally builds the networked components (transport, messengers,
// sync controller) on top of this core.
type app struct {
	clock    clockwork.Clock
	identity *identity.Service
	trust    *trust.Manager
	history  *history.Store
}

// newApp loads (or creates) the local identity, trust and history state
// shared by every subcommand, serve included.
func newApp(ctx context.Context, v *viper.Viper) (*app, error) {
	dir, err := stateDir(v)
	if err != nil {
		return nil, err
	}

	kv, err := kvstore.NewFileStore(dir + "/kv")
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	historyBackend, err := kvstore.NewFileStore(dir + "/history")
	if err != nil {
		return nil, fmt.Errorf("opening history store: %w", err)
	}

	clock := clockwork.NewRealClock()
	identitySvc := identity.New(kv, clock)
	if _, err := identitySvc.Get(ctx); err != nil {
		return nil, fmt.Errorf("loading device identity: %w", err)
	}

	trustMgr := trust.New(kv, identitySvc, clock)
	if err := trustMgr.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting trust manager: %w", err)
	}

	historyStore, err := history.New(ctx, historyBackend, clock)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	return &app{clock: clock, identity: identitySvc, trust: trustMgr, history: historyStore}, nil
}

// dialAddrFromMultiaddr extracts a dialable "host:port" from a multiaddr of
// the form "/ip4/.../tcp/.../p2p/<id>" (the /p2p suffix itself is already
// validated at trust time; it's stripped here because the transport dials
// plain TCP, not the full libp2p stack).
func dialAddrFromMultiaddr(addr string) (string, bool) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return "", false
	}
	_, hostPort, err := manet.DialArgs(maddr)
	if err != nil {
		return "", false
	}
	return hostPort, true
}
