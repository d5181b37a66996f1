package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/meshclip/internal/clipboard"
	"go.klb.dev/meshclip/internal/control"
	"go.klb.dev/meshclip/internal/historysync"
	"go.klb.dev/meshclip/internal/identity"
	"go.klb.dev/meshclip/internal/ipc"
	"go.klb.dev/meshclip/internal/messenger"
	"go.klb.dev/meshclip/internal/syncctl"
	"go.klb.dev/meshclip/internal/tlsconf"
	"go.klb.dev/meshclip/internal/transport"
)

func newServeCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the clipboard mesh daemon",
		Long: `Starts the meshclip daemon: watches the local clipboard, broadcasts
changes to every trusted device, and applies inbound clips back to the
local clipboard.

Transport security
  All TCP connections use TLS encrypted with a key derived from --passphrase.
  The same passphrase must be used by every device, or the TLS handshake
  fails. If unset, the default passphrase is used — traffic is still
  encrypted, but any other meshclip instance with the default will connect.

  --secret-token additionally layers NaCl secretbox encryption of every
  frame beneath the TLS session, keyed by a separate token. This is opt-in
  and off by default; set it to the same value on every device to enable
  it.

Trust
  Only devices in the local trust store receive broadcasts or are accepted
  as inbound senders. Use "meshclip pair" and "meshclip trust approve" to
  build the trust set before running serve.

Flags, environment variables, and config-file keys
  Flag            Env var                  Config key
  ──────────────────────────────────────────────────
  --addr          MESHCLIP_ADDR            addr
  --passphrase    MESHCLIP_PASSPHRASE      passphrase
  --secret-token  MESHCLIP_SECRET_TOKEN    secret-token
  --auto-sync     MESHCLIP_AUTO_SYNC       auto-sync
  --headless      MESHCLIP_HEADLESS        headless
  --log-level     MESHCLIP_LOG_LEVEL       log-level
  --log-format    MESHCLIP_LOG_FORMAT      log-format
  --config        (flag only)
  --state-dir     MESHCLIP_STATE_DIR       state-dir

Config file search order (first found wins)
  /etc/meshclip/meshclip.toml
  $HOME/.config/meshclip/meshclip.toml
  --config <path> skips this search and reads only that file`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(_ *cobra.Command, _ []string) error { return runServe(v) },
	}

	f := cmd.Flags()
	f.String("addr", "0.0.0.0:45678", "TCP listen address")
	f.String("passphrase", "", "shared secret for TLS key derivation (default: built-in passphrase)")
	f.String("secret-token", "", "opt-in token for secretbox frame encryption beneath TLS (default: disabled)")
	f.Bool("auto-sync", true, "broadcast local clipboard changes automatically")
	f.Bool("headless", false, "disable native clipboard access (history/trust sync only)")
	addLoggingFlags(cmd)
	addConfigFlag(cmd)

	return cmd
}

func runServe(v *viper.Viper) error {
	setupLogging(v)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, v)
	if err != nil {
		return err
	}

	localID, err := a.identity.Get(ctx)
	if err != nil {
		return fmt.Errorf("loading identity: %w", err)
	}

	passphrase := v.GetString("passphrase")
	if passphrase == "" {
		passphrase = tlsconf.DefaultPassphrase
	}

	relayIDs := relayPeerIDs(a.trust.List())
	tr, err := transport.NewTCPTransport(transport.Config{
		ListenAddr:   v.GetString("addr"),
		Passphrase:   passphrase,
		RelayPeerIDs: relayIDs,
		SecretToken:  v.GetString("secret-token"),
	})
	if err != nil {
		return fmt.Errorf("constructing transport: %w", err)
	}
	if err := tr.Start(ctx); err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}

	for _, d := range a.trust.List() {
		registerDialAddrs(tr, d)
	}

	trustMessenger := messenger.NewTrustMessenger(tr, a.trust.HandleTrustMessage)
	a.trust.BindMessenger(trustMessenger)

	clipMessenger := messenger.NewClipMessenger(tr)
	clipMessenger.SetTrustFilter(a.trust.IsTrusted)

	historyMessenger := messenger.NewHistoryMessenger(tr)
	historyMessenger.SetTrustFilter(a.trust.IsTrusted)

	var backend clipboard.Backend
	if v.GetBool("headless") {
		backend = clipboard.NewHeadlessBackend()
	} else {
		backend, err = clipboard.NewOSBackend()
		if err != nil {
			return fmt.Errorf("initializing clipboard backend: %w", err)
		}
	}
	io := clipboard.New(backend, localID.DeviceID, a.clock, clipboard.DefaultPollInterval)

	ctrl := syncctl.New(localID.DeviceID, io, a.history, a.clock, v.GetBool("auto-sync"))
	ctrl.BindMessaging(clipMessenger)

	historysync.New(localID.DeviceID, a.history, historyMessenger, a.trust, a.clock)

	a.trust.OnApproved(func(d identity.TrustedDevice) { registerDialAddrs(tr, d) })

	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("starting sync controller: %w", err)
	}
	defer ctrl.Stop()

	controlLn, err := ipc.Listen()
	if err != nil {
		slog.Warn("control channel unavailable, trust approve/reject cannot reach this daemon; status and trust list read on-disk state only", "err", err)
	} else {
		defer controlLn.Close()
		controlSrv := control.NewServer(a.identity, a.trust, a.history, tr.GetConnectedPeers)
		go controlSrv.Serve(ctx, controlLn)
	}

	slog.Info("meshclip serving", "device_id", localID.DeviceID, "addr", v.GetString("addr"))
	<-ctx.Done()
	slog.Info("meshclip shutting down")
	return tr.Stop()
}

// relayPeerIDs is a placeholder extension point: meshclip has no relay
// configuration yet, but serve wires the field through so a future
// --relay flag only needs to populate this slice.
func relayPeerIDs(_ []identity.TrustedDevice) []string { return nil }

// registerDialAddrs teaches the transport how to reach d by stripping the
// /p2p/<id> suffix validated at trust time down to a dialable host:port.
func registerDialAddrs(tr *transport.TCPTransport, d identity.TrustedDevice) {
	for _, addr := range d.Multiaddrs {
		if hostPort, ok := dialAddrFromMultiaddr(addr); ok {
			tr.RegisterPeerAddr(d.DeviceID, hostPort)
			return
		}
	}
}
