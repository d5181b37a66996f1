package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/meshclip/internal/control"
)

func newTrustCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Manage the trusted device set",
	}
	cmd.AddCommand(
		newTrustListCmd(),
		newTrustApproveCmd(),
		newTrustRejectCmd(),
		newTrustRemoveCmd(),
	)
	return cmd
}

func newTrustListCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List trusted devices and pending incoming requests",
		Long: `Lists the trusted device set from on-disk state. Pending incoming
trust-requests only live in the memory of a running "meshclip serve"
process, so that part of the listing requires the daemon to be up; when
it isn't, the pending section reports "(unavailable: ...)" instead.`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(_ *cobra.Command, _ []string) error { return runTrustList(v) },
	}
	addConfigFlag(cmd)
	return cmd
}

func runTrustList(v *viper.Viper) error {
	ctx := context.Background()
	a, err := newApp(ctx, v)
	if err != nil {
		return err
	}

	devices := a.trust.List()
	fmt.Println("Trusted devices:")
	if len(devices) == 0 {
		fmt.Println("  (none)")
	} else {
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  DEVICE ID\tNAME\tLAST SEEN")
		for _, d := range devices {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", d.DeviceID, d.DeviceName, fmtLastSeen(d.LastSeen))
		}
		tw.Flush()
	}

	fmt.Println()
	fmt.Println("Pending incoming requests:")
	pending, err := pendingFromDaemon()
	if err != nil {
		fmt.Printf("  (unavailable: %v)\n", err)
		return nil
	}
	if len(pending) == 0 {
		fmt.Println("  (none)")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  DEVICE ID\tNAME\tRECEIVED")
	for _, p := range pending {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", p.DeviceID, p.DeviceName, fmtAge(time.Since(time.UnixMilli(p.ReceivedAt))))
	}
	tw.Flush()
	return nil
}

var errDaemonNotRunning = fmt.Errorf("meshclip serve is not running")

func dialControl() (*control.Client, net.Conn, error) {
	client, conn, err := control.Dial()
	if err != nil {
		return nil, nil, errDaemonNotRunning
	}
	return client, conn, nil
}

func pendingFromDaemon() ([]control.PendingSummary, error) {
	client, conn, err := dialControl()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	resp, err := client.Call(conn, control.Request{Op: control.OpPendingList})
	if err != nil {
		return nil, err
	}
	return resp.Pending, nil
}

func fmtLastSeen(lastSeen *int64) string {
	if lastSeen == nil {
		return "never"
	}
	return fmtAge(time.Since(time.Unix(*lastSeen, 0)))
}

func fmtAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func newTrustApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <device-id>",
		Short: "Accept a pending incoming trust request",
		Long: `Approves a pending trust-request held by a running "meshclip serve"
process. Requires the daemon to be running, since that's the only place
the signed request and its sender's public key live until it's acted on.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error { return runTrustAck(args[0], true) },
	}
}

func newTrustRejectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reject <device-id>",
		Short: "Refuse a pending incoming trust request",
		Args:  cobra.ExactArgs(1),
		RunE:  func(_ *cobra.Command, args []string) error { return runTrustAck(args[0], false) },
	}
}

func runTrustAck(deviceID string, accept bool) error {
	client, conn, err := dialControl()
	if err != nil {
		return fmt.Errorf("trust: %w (start it with \"meshclip serve\")", err)
	}
	defer conn.Close()

	op := control.OpTrustApprove
	if !accept {
		op = control.OpTrustReject
	}
	if _, err := client.Call(conn, control.Request{Op: op, DeviceID: deviceID}); err != nil {
		return fmt.Errorf("trust: %w", err)
	}

	if accept {
		fmt.Printf("approved %s\n", deviceID)
	} else {
		fmt.Printf("rejected %s\n", deviceID)
	}
	return nil
}

func newTrustRemoveCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "remove <device-id>",
		Short: "Revoke trust for a device",
		Long: `Removes a device from the on-disk trusted set. If "meshclip serve" is
running, restart it afterward so its in-memory copy picks up the change.`,
		Args:    cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(_ *cobra.Command, args []string) error { return runTrustRemove(v, args[0]) },
	}
	addConfigFlag(cmd)
	return cmd
}

func runTrustRemove(v *viper.Viper, deviceID string) error {
	ctx := context.Background()
	a, err := newApp(ctx, v)
	if err != nil {
		return err
	}
	if err := a.trust.Remove(ctx, deviceID); err != nil {
		return fmt.Errorf("trust: removing %s: %w", deviceID, err)
	}
	fmt.Printf("removed %s\n", deviceID)
	return nil
}
