package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// Version is overridden at build time with -ldflags "-X ...cmd.Version=".
var Version = "dev"

const banner = `
  ┌─┐┬  ┬┌─┐┌┐┌┬┌─┌─┐┌─┐┌─┐┌─┐┬─┐
  │ │└┐┌┘├─┘│││├┴┐├┤ ├┤ ├─┘├┤ ├┬┘
  └─┘ └┘ ┴  ┘└┘┴ ┴└─┘└─┘┴  └─┘┴└─
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  VPN Client Identity Issuer - Version %s\x1b[0m\n\n", Version)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	// Skip config loading.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "ovpnkeeper %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
