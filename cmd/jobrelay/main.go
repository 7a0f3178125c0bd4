// Command jobrelay runs the job relay: the HTTP API, the response consumer
// and the reconciliation sweep.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	rootCmd := &cobra.Command{
		Use:           "jobrelay",
		Short:         "Asynchronous research job relay",
		Long:          "Submits research jobs to external workers over a message broker and tracks them to completion.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional .env file with JOBRELAY_* settings")

	rootCmd.AddCommand(
		newServeCmd(&envFile),
		newMigrateCmd(&envFile),
		newSweepCmd(&envFile),
		newSecretCmd(&envFile),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "jobrelay version %s (commit: %s)\n", version, commit)
			return nil
		},
	}
}
