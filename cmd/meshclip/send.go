package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/meshclip/internal/clipboard"
	"go.klb.dev/meshclip/internal/meshmsg"
	"go.klb.dev/meshclip/internal/messenger"
	"go.klb.dev/meshclip/internal/tlsconf"
	"go.klb.dev/meshclip/internal/transport"
)

func newSendCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "send <text>",
		Short: "Push a clip to every trusted device without running serve",
		Long: `Normalizes the given text into a clip, records it in local history,
and dials out to every trusted device to deliver it over a short-lived
connection. Unlike the automatic sync performed by "meshclip serve",
this does not touch the OS clipboard and does not stay running
afterward.`,
		Args:    cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(_ *cobra.Command, args []string) error { return runSend(v, args[0]) },
	}
	addConfigFlag(cmd)
	cmd.Flags().String("passphrase", "", "shared secret for TLS key derivation (must match trusted devices)")
	cmd.Flags().String("secret-token", "", "opt-in token for secretbox frame encryption (must match trusted devices)")
	return cmd
}

func runSend(v *viper.Viper, text string) error {
	ctx := context.Background()
	a, err := newApp(ctx, v)
	if err != nil {
		return err
	}

	localID, err := a.identity.Get(ctx)
	if err != nil {
		return fmt.Errorf("loading identity: %w", err)
	}

	clip, ok := clipboard.Normalize(text, localID.DeviceID, a.clock)
	if !ok {
		return fmt.Errorf("send: text is empty after normalization")
	}

	if err := a.history.Add(ctx, clip, "local", true); err != nil {
		return fmt.Errorf("recording clip in history: %w", err)
	}

	devices := a.trust.List()
	if len(devices) == 0 {
		fmt.Println("recorded locally; no trusted devices to send to")
		return nil
	}

	passphrase := v.GetString("passphrase")
	if passphrase == "" {
		passphrase = tlsconf.DefaultPassphrase
	}

	tr, err := transport.NewTCPTransport(transport.Config{
		ListenAddr:  "0.0.0.0:0",
		Passphrase:  passphrase,
		SecretToken: v.GetString("secret-token"),
	})
	if err != nil {
		return fmt.Errorf("constructing transport: %w", err)
	}
	if err := tr.Start(ctx); err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}
	defer tr.Stop()

	for _, d := range devices {
		registerDialAddrs(tr, d)
	}

	clipMessenger := messenger.NewClipMessenger(tr)
	clipMessenger.SetTrustFilter(a.trust.IsTrusted)

	msg := meshmsg.NewClipMessage(localID.DeviceID, clip, a.clock.Now().Unix())

	var sent, failed int
	for _, d := range devices {
		if err := clipMessenger.Send(ctx, d.DeviceID, msg); err != nil {
			fmt.Printf("  %s: %v\n", d.DeviceID, err)
			failed++
			continue
		}
		sent++
	}

	fmt.Printf("sent clip %s to %d/%d trusted device(s)\n", clip.ID, sent, len(devices))
	if failed > 0 {
		return fmt.Errorf("send: %d device(s) unreachable", failed)
	}
	return nil
}
