package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ovpnkeeper/devices"
	"github.com/jmcleod/ovpnkeeper/pki"
)

var (
	ownerID        int64
	outputPath     string
	bundlePassword string
	skipQuota      bool
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage the VPN devices of an owner",
}

var deviceCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Issue a key and certificate for a new device and print its id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if !skipQuota {
			ok, err := a.devices.HasDeviceQuota(cmd.Context(), ownerID)
			if err != nil {
				return userError(err)
			}
			if !ok {
				return fmt.Errorf("owner %d already has the maximum of %d devices", ownerID, a.devices.MaxDevices())
			}
		}

		d, err := a.devices.CreateDevice(cmd.Context(), ownerID, args[0])
		if err != nil {
			return userError(err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), d.ID)
		return nil
	},
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the active devices of an owner",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		list, err := a.devices.ListDevices(cmd.Context(), ownerID)
		if err != nil {
			return userError(err)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tSERIAL\tCREATED")
		for _, d := range list {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", d.ID, d.Name, d.SerialNumber, d.CreatedAt.UTC().Format(time.RFC3339))
		}
		return tw.Flush()
	},
}

var deviceShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show a device and its certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := devices.ParseDeviceID(args[0])
		if err != nil {
			return userError(err)
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.devices.GetDevice(cmd.Context(), ownerID, id)
		if err != nil {
			return userError(err)
		}
		cert, err := pki.ParseCertificatePEM(d.Certificate)
		if err != nil {
			return fmt.Errorf("stored certificate: %w", err)
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "ID:\t%s\n", d.ID)
		fmt.Fprintf(tw, "Owner:\t%d\n", d.OwnerID)
		fmt.Fprintf(tw, "Name:\t%s\n", d.Name)
		fmt.Fprintf(tw, "Serial:\t%d\n", d.SerialNumber)
		fmt.Fprintf(tw, "Subject:\t%s\n", cert.Subject.CommonName)
		fmt.Fprintf(tw, "Issuer:\t%s\n", cert.Issuer.CommonName)
		fmt.Fprintf(tw, "Not after:\t%s\n", cert.NotAfter.UTC().Format(time.RFC3339))
		fmt.Fprintf(tw, "Created:\t%s\n", d.CreatedAt.UTC().Format(time.RFC3339))
		return tw.Flush()
	},
}

var deviceRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Remove a device so its certificate appears on the next CRL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := devices.ParseDeviceID(args[0])
		if err != nil {
			return userError(err)
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.devices.RemoveDevice(cmd.Context(), ownerID, id)
		if err != nil {
			return userError(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %s (serial %d)\n", d.Name, d.SerialNumber)
		return nil
	},
}

var deviceConfigCmd = &cobra.Command{
	Use:   "config ID",
	Short: "Write the OpenVPN client config of a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := devices.ParseDeviceID(args[0])
		if err != nil {
			return userError(err)
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		export, err := a.devices.GenerateDeviceConfig(cmd.Context(), ownerID, id)
		if err != nil {
			return userError(err)
		}
		return writeExport(cmd.OutOrStdout(), outputPath, export)
	},
}

var deviceBundleCmd = &cobra.Command{
	Use:   "bundle ID",
	Short: "Write a password protected PKCS#12 bundle of a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := devices.ParseDeviceID(args[0])
		if err != nil {
			return userError(err)
		}
		if outputPath == "" || outputPath == "-" {
			return errors.New("bundle is binary; pass --output")
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		export, err := a.devices.ExportDeviceBundle(cmd.Context(), ownerID, id, bundlePassword)
		if err != nil {
			return userError(err)
		}
		return writeExport(cmd.OutOrStdout(), outputPath, export)
	},
}

// userError prefixes err with the message an end user would see.
func userError(err error) error {
	return fmt.Errorf("%s: %w", devices.UserMessage(err), err)
}

// writeExport writes to stdout for "" or "-", into dir/<Filename> when path
// is a directory, and to path otherwise.
func writeExport(stdout io.Writer, path string, e *devices.Export) error {
	if path == "" || path == "-" {
		_, err := stdout.Write(e.Content)
		return err
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, e.Filename)
	}
	if err := os.WriteFile(path, e.Content, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	fmt.Fprintln(stdout, path)
	return nil
}

func init() {
	rootCmd.AddCommand(deviceCmd)
	deviceCmd.PersistentFlags().Int64Var(&ownerID, "owner", 0, "Owner (user) id")
	deviceCmd.MarkPersistentFlagRequired("owner")

	deviceCmd.AddCommand(deviceCreateCmd, deviceListCmd, deviceShowCmd, deviceRemoveCmd, deviceConfigCmd, deviceBundleCmd)
	deviceCreateCmd.Flags().BoolVar(&skipQuota, "skip-quota", false, "Create even when the owner is at the device limit")
	deviceConfigCmd.Flags().StringVarP(&outputPath, "output", "o", "", "File or directory to write to (default stdout)")
	deviceBundleCmd.Flags().StringVarP(&outputPath, "output", "o", "", "File or directory to write to")
	deviceBundleCmd.Flags().StringVar(&bundlePassword, "password", "", "Bundle password")
	deviceBundleCmd.MarkFlagRequired("password")
}
