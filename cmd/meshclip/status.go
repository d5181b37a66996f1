package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/meshclip/internal/control"
	"go.klb.dev/meshclip/internal/history"
)

func newStatusCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show this device's identity, trust set, and history summary",
		Long: `Prints the local device id and advertised addresses, the trusted
device set, and a count of clips held in history.

When "meshclip serve" is running, this queries it over the local control
channel to also report live connected-peer state; otherwise it falls
back to reading on-disk state directly, so it also works when the
daemon is stopped.`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(_ *cobra.Command, _ []string) error { return runStatus(v) },
	}
	addConfigFlag(cmd)
	cmd.Flags().Bool("json", false, "output raw JSON")
	return cmd
}

func runStatus(v *viper.Viper) error {
	snapshot, live, err := statusFromDaemon()
	if err != nil {
		return err
	}
	if !live {
		snapshot, err = statusFromDisk(v)
		if err != nil {
			return err
		}
	}

	if v.GetBool("json") {
		enc, err := json.MarshalIndent(snapshot, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(enc))
		return nil
	}

	printStatus(snapshot, live)
	return nil
}

// statusFromDaemon returns (snapshot, true, nil) if a running daemon
// answered, (nil, false, nil) if none is running, or a non-nil error only
// for a daemon that answered with an actual failure.
func statusFromDaemon() (*control.StatusSnapshot, bool, error) {
	client, conn, err := dialControl()
	if err != nil {
		return nil, false, nil
	}
	defer conn.Close()

	resp, err := client.Call(conn, control.Request{Op: control.OpStatus})
	if err != nil {
		return nil, false, fmt.Errorf("status: %w", err)
	}
	return resp.Status, true, nil
}

func statusFromDisk(v *viper.Viper) (*control.StatusSnapshot, error) {
	ctx := context.Background()
	a, err := newApp(ctx, v)
	if err != nil {
		return nil, err
	}

	id, err := a.identity.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading identity: %w", err)
	}

	all := a.history.Query(history.QueryOptions{})
	localCount := 0
	for _, item := range all {
		if item.IsLocal {
			localCount++
		}
	}

	return &control.StatusSnapshot{
		DeviceID:          id.DeviceID,
		DeviceName:        id.DeviceName,
		Multiaddrs:        id.Multiaddrs,
		TrustedDevices:    a.trust.List(),
		HistoryCount:      len(all),
		LocalHistoryCount: localCount,
	}, nil
}

func printStatus(s *control.StatusSnapshot, live bool) {
	w := tabwriter.NewWriter(os.Stdout, 1, 0, 2, ' ', 0)
	source := "on-disk state"
	if live {
		source = "live (meshclip serve)"
	}
	fmt.Fprintf(w, "Source:\t%s\n", source)
	fmt.Fprintf(w, "Device ID:\t%s\n", s.DeviceID)
	fmt.Fprintf(w, "Device name:\t%s\n", s.DeviceName)
	if len(s.Multiaddrs) == 0 {
		fmt.Fprintf(w, "Advertised addrs:\t(none)\n")
	} else {
		for i, addr := range s.Multiaddrs {
			label := "Advertised addrs:"
			if i > 0 {
				label = ""
			}
			fmt.Fprintf(w, "%s\t%s\n", label, addr)
		}
	}
	fmt.Fprintf(w, "History:\t%d clips (%d local)\n", s.HistoryCount, s.LocalHistoryCount)
	if live {
		fmt.Fprintf(w, "Connected peers:\t%d\n", len(s.ConnectedPeers))
	}
	fmt.Fprintln(w)
	w.Flush()

	fmt.Printf("Trusted devices (%d):\n", len(s.TrustedDevices))
	if len(s.TrustedDevices) == 0 {
		fmt.Println("  (none)")
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  DEVICE ID\tNAME\tLAST SEEN\tCONNECTED")
	connected := make(map[string]bool, len(s.ConnectedPeers))
	for _, p := range s.ConnectedPeers {
		connected[p] = true
	}
	for _, d := range s.TrustedDevices {
		conn := "-"
		if live {
			conn = "no"
			if connected[d.DeviceID] {
				conn = "yes"
			}
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", d.DeviceID, d.DeviceName, fmtLastSeen(d.LastSeen), conn)
	}
	tw.Flush()
}
