package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/manthysbr/jobrelay/internal/config"
)

func newMigrateCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the job store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Opening the store applies pending migrations.
			a, err := newApp(cmd.Context(), *envFile, false)
			if err != nil {
				return err
			}
			defer a.Close()
			a.logger.Info("store schema is up to date", "store", a.cfg.Store.Driver)
			return nil
		},
	}
}

func newSweepCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fail stuck jobs once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), *envFile, false)
			if err != nil {
				return err
			}
			defer a.Close()
			n, err := a.reconciler().Sweep(cmd.Context())
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d job(s) timed out\n", n)
			return err
		},
	}
}

func newSecretCmd(envFile *string) *cobra.Command {
	secretCmd := &cobra.Command{
		Use:   "secret",
		Short: "Seal connection strings for use in configuration",
	}
	secretCmd.AddCommand(&cobra.Command{
		Use:   "encrypt <value>",
		Short: "Encrypt a value with JOBRELAY_SECRET_KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to load .env file: %w", err)
			}
			passphrase := os.Getenv("JOBRELAY_SECRET_KEY")
			if passphrase == "" {
				return config.ErrNoSecretKey
			}
			sealed, err := config.NewSecretKey(passphrase).Encrypt(args[0])
			if err != nil {
				return err
			}
			if sealed == "" {
				return errors.New("nothing to encrypt")
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	})
	return secretCmd
}
