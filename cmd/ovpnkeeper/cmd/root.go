package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ovpnkeeper/config"
	"github.com/jmcleod/ovpnkeeper/internal/logs"
)

var (
	cfgFile    string
	secretsDir string

	cfg    *config.Config
	logger *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ovpnkeeper",
	Short: "ovpnkeeper issues and revokes per-user OpenVPN client identities",
	Long: `Issues a private key and CA-signed certificate for every device a user
registers, renders ready-to-import OpenVPN client configs and publishes a
revocation list covering removed devices.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(config.Source{
			File:       cfgFile,
			SecretsDir: secretsDir,
			Flags:      cmd.Flags(),
		})
		if err != nil {
			return err
		}

		// Only serve owns stdout; everything else may be piped.
		out := cmd.ErrOrStderr()
		if cmd == serveCmd {
			out = cmd.OutOrStdout()
		}
		logger, err = logs.New(logs.Options{
			Level:  cfg.Logs.Level,
			Format: cfg.Logs.Format,
			File:   cfg.Logs.File,
			Output: out,
		})
		return err
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ovpnkeeper.yaml in . or /etc/ovpnkeeper)")
	rootCmd.PersistentFlags().StringVar(&secretsDir, "secrets-dir", "", "secrets directory (default $SECRETS_DIR or /run/secrets)")
	config.RegisterFlags(rootCmd.PersistentFlags())
}
