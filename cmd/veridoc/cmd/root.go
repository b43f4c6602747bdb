package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "veridoc",
	Short: "Veridoc is a private certificate authority and document signing service",
	Long: `Veridoc issues X.509 certificates under a private root CA and produces
advanced and qualified signatures over stored documents.
Complete documentation is available at https://github.com/veridoc/veridoc`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
