package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/veridoc/veridoc/bundle"
	"github.com/veridoc/veridoc/ca"
	"github.com/veridoc/veridoc/clients"
	"github.com/veridoc/veridoc/keys"
)

var p7bOut string

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage the root certificate authority",
}

var caInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the root certificate if none exists",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		certStore, _, closeStores, err := openStores(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStores()

		authority := ca.New(certStore, clients.NewRegistry(), keys.NewGenerator())
		root, err := authority.EnsureRoot(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Root CA ready\n")
		fmt.Printf("  Subject:     %s\n", root.Subject)
		fmt.Printf("  Serial:      %s\n", root.SerialNumber)
		fmt.Printf("  Valid until: %s\n", root.ValidUntil.Format("2006-01-02"))
		return nil
	},
}

var caExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the root chain as a certs-only PKCS#7 file",
	RunE: func(cmd *cobra.Command, args []string) error {
		certStore, _, closeStores, err := openStores(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStores()

		packager := bundle.NewPackager(certStore)
		export, err := packager.ExportRootPKCS7(cmd.Context())
		if err != nil {
			return err
		}

		out := p7bOut
		if out == "" {
			out = export.Filename
		}
		if err := os.WriteFile(out, export.Data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", out, err)
		}
		fmt.Printf("Wrote %s (%d bytes)\n", out, len(export.Data))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(caCmd)
	caCmd.AddCommand(caInitCmd)
	caCmd.AddCommand(caExportCmd)

	caCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	caCmd.PersistentFlags().StringVar(&dsn, "dsn", "", "Postgres DSN (uses embedded bbolt storage when empty)")
	caExportCmd.Flags().StringVar(&p7bOut, "out", "", "Output path (defaults to root-ca.p7b)")
}
