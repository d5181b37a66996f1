// meshclip: peer-to-peer clipboard sync.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"go.klb.dev/meshclip/internal/logging"
)

// Version is set at build time via -ldflags "-X main.Version=x.y.z".
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "meshclip",
		Short: "Peer-to-peer clipboard sync",
		Long: `meshclip synchronises the system clipboard across trusted devices
over a direct, signed peer-to-peer mesh — no central server.

Run "meshclip serve" on every device that should share its clipboard.
Use "meshclip pair create"/"meshclip pair join" once per device pair to
establish mutual trust, then "meshclip trust approve" on the side that
receives the pairing request.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServeCmd(),
		newPairCmd(),
		newTrustCmd(),
		newSendCmd(),
		newStatusCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("meshclip %s\n", Version)
		},
	}
}

// resolveLogging sets up the global slog logger after flags are parsed.
func resolveLogging(interactive bool, formatStr, levelStr string) {
	format := logging.ParseFormat(formatStr)
	level := logging.ParseLevel(levelStr)
	if levelStr == "" {
		if interactive {
			level = logging.ParseLevel("debug")
		} else {
			level = logging.ParseLevel("info")
		}
	}
	logging.Setup(format, level)
}
