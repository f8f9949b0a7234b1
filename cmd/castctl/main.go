package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "castctl",
		Short: "Open and inspect authenticated cast channels",
		Long: `castctl talks to cast receivers over the cast channel protocol.

It opens a TLS connection, authenticates the receiver with the device
auth challenge, keeps the channel alive with heartbeats and can send
namespaced JSON messages. A websocket relay mode tunnels channels to
receivers on networks the sender cannot reach directly.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: search ., ./config, /etc/castctl)")

	rootCmd.AddCommand(
		connectCmd(&configPath),
		relayCmd(&configPath),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
