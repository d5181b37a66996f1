package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/meshclip/internal/identity"
	"go.klb.dev/meshclip/internal/messenger"
	"go.klb.dev/meshclip/internal/pairing"
	"go.klb.dev/meshclip/internal/tlsconf"
	"go.klb.dev/meshclip/internal/transport"
)

func newPairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Exchange pairing payloads and establish trust with another device",
	}
	cmd.AddCommand(newPairCreateCmd(), newPairJoinCmd())
	return cmd
}

func newPairCreateCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Print this device's pairing payload",
		Long: `Prints a base64url-encoded pairing payload carrying this device's
public identity and advertised addresses. Share it out-of-band (QR code,
paste, airdrop) with the device you want to pair with, then run
"meshclip pair join <payload>" there.

The payload is a trust anchor, not proof of possession: the actual
cryptographic handshake happens afterward, over the signed trust-request
protocol.`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(_ *cobra.Command, _ []string) error { return runPairCreate(v) },
	}
	addConfigFlag(cmd)
	cmd.Flags().StringSlice("advertise", nil, "multiaddr(s) to advertise, e.g. /ip4/1.2.3.4/tcp/45678/p2p/<deviceId> (repeatable)")
	return cmd
}

func runPairCreate(v *viper.Viper) error {
	ctx := context.Background()
	a, err := newApp(ctx, v)
	if err != nil {
		return err
	}

	if addrs := v.GetStringSlice("advertise"); len(addrs) > 0 {
		if err := a.identity.UpdateMultiaddrs(ctx, addrs); err != nil {
			return fmt.Errorf("recording advertised addresses: %w", err)
		}
	}

	id, err := a.identity.Get(ctx)
	if err != nil {
		return err
	}

	payload, err := pairing.Encode(pairing.Payload{
		DeviceID:   id.DeviceID,
		DeviceName: id.DeviceName,
		PublicKey:  id.PublicKey,
		Multiaddrs: id.Multiaddrs,
	}, a.clock)
	if err != nil {
		return fmt.Errorf("encoding pairing payload: %w", err)
	}

	fmt.Println(payload)
	return nil
}

func newPairJoinCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "join <payload>",
		Short: "Pair with a device from its pairing payload",
		Long: `Decodes a pairing payload produced by "meshclip pair create" on another
device, then opens a direct connection to it and sends a signed
trust-request. The remote operator must approve it with
"meshclip trust approve" before this command reports success.

This briefly starts its own listener to receive the trust-ack; it does
not require "meshclip serve" to already be running, though once paired
that daemon is what keeps the devices in sync.`,
		Args:    cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(_ *cobra.Command, args []string) error { return runPairJoin(v, args[0]) },
	}
	addConfigFlag(cmd)
	cmd.Flags().String("passphrase", "", "shared secret for TLS key derivation (must match the remote device)")
	cmd.Flags().String("secret-token", "", "opt-in token for secretbox frame encryption (must match the remote device)")
	cmd.Flags().Duration("timeout", 30*time.Second, "how long to wait for a trust-ack")
	return cmd
}

var errPairingTimedOut = errors.New("pair: timed out waiting for a response")

func runPairJoin(v *viper.Viper, encoded string) error {
	ctx := context.Background()
	a, err := newApp(ctx, v)
	if err != nil {
		return err
	}

	payload, err := pairing.Decode(encoded, a.clock)
	if err != nil {
		return fmt.Errorf("decoding pairing payload: %w", err)
	}
	if payload == nil {
		return errors.New("pair: payload is invalid, malformed, or too old")
	}

	target := identity.TrustedDevice{
		DeviceID:   payload.DeviceID,
		DeviceName: payload.DeviceName,
		PublicKey:  payload.PublicKey,
		Multiaddrs: payload.Multiaddrs,
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

	registerDialAddrs(tr, target)

	trustMessenger := messenger.NewTrustMessenger(tr, a.trust.HandleTrustMessage)
	a.trust.BindMessenger(trustMessenger)

	outcome := make(chan string, 1)
	a.trust.OnApproved(func(d identity.TrustedDevice) {
		if d.DeviceID == target.DeviceID {
			outcome <- "approved"
		}
	})
	a.trust.OnRejected(func(d identity.TrustedDevice) {
		if d.DeviceID == target.DeviceID {
			outcome <- "rejected"
		}
	})

	if err := a.trust.SendTrustRequest(ctx, target); err != nil {
		return fmt.Errorf("sending trust request: %w", err)
	}

	timeout := v.GetDuration("timeout")
	select {
	case result := <-outcome:
		fmt.Printf("pairing %s: %s\n", result, target.DeviceID)
		if result == "rejected" {
			return fmt.Errorf("pair: request rejected by %s", target.DeviceID)
		}
		return nil
	case <-time.After(timeout):
		return errPairingTimedOut
	}
}
