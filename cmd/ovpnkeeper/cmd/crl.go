package cmd

import (
	"github.com/spf13/cobra"

	"github.com/jmcleod/ovpnkeeper/devices"
)

var crlOutput string

var crlCmd = &cobra.Command{
	Use:   "crl",
	Short: "Sign a CRL covering every removed device",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		crl, err := a.devices.RevocationList(cmd.Context())
		if err != nil {
			return userError(err)
		}
		return writeExport(cmd.OutOrStdout(), crlOutput, &devices.Export{Filename: "crl.pem", Content: crl})
	},
}

func init() {
	rootCmd.AddCommand(crlCmd)
	crlCmd.Flags().StringVarP(&crlOutput, "output", "o", "", "File or directory to write to (default stdout)")
}
