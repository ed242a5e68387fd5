// clipvm: clipboard sync between a virtual machine guest and its host.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"go.klb.dev/clipvm/internal/logging"
)

// Version is set at build time via -ldflags "-X main.Version=x.y.z".
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "clipvm",
		Short: "Clipboard sync between a VM guest and its host",
		Long: `clipvm keeps the clipboard of a virtual machine guest and its host in
sync over a byte stream, normally AF_VSOCK.

Run "clipvm host" on the host and "clipvm guest" inside the VM. The guest
dials the host and reconnects for as long as it runs; the host serves one
guest at a time. Use "clipvm status" to inspect a running endpoint.

Config file search order (first found wins):
  /etc/clipvm/clipvm.toml
  $HOME/.config/clipvm/clipvm.toml
  path supplied via --config

All flags can be set via CLIPVM_<FLAG> env vars or config-file keys.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newHostCmd(),
		newGuestCmd(),
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
			fmt.Printf("clipvm %s\n", Version)
		},
	}
}

// resolveLogging sets up the global slog logger after flags are parsed.
func resolveLogging(interactive bool, formatStr, levelStr string) {
	logging.Setup(logging.ParseFormat(formatStr), logging.Resolve(interactive, levelStr))
}
