package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"cmail-server-go/internal/bootstrap"
	platformerrors "cmail-server-go/internal/platform/errors"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "cmail-server",
	Short: "OAuth2 authorization server with email and phone verification.",
	Long: `cmail-server issues OAuth2 authorization codes and bearer tokens to registered
applications and confirms email addresses and phone numbers with one-time codes.

Running it without a subcommand is the same as 'cmail-server serve'.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		applied, err := bootstrap.Migrate(cmd.Context(), bootstrap.Options{ConfigPath: configPath})
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "database is up to date")
			return nil
		}
		for _, version := range applied {
			fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", version)
		}
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List known migrations and when they were applied",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := bootstrap.MigrationStatus(cmd.Context(), bootstrap.Options{ConfigPath: configPath})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, m := range status {
			applied := "pending"
			if m.AppliedAt != nil {
				applied = m.AppliedAt.Local().Format(time.DateTime)
			}
			fmt.Fprintf(out, "%-24s %-20s %s\n", m.Version, applied, m.Description)
		}
		return nil
	},
}

var migrateRollbackCmd = &cobra.Command{
	Use:   "rollback <version>",
	Short: "Revert one applied migration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := bootstrap.Rollback(cmd.Context(), bootstrap.Options{ConfigPath: configPath}, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", args[0])
		return nil
	},
}

func serve(cmd *cobra.Command) error {
	fmt.Fprintf(cmd.OutOrStdout(), "[%s] [INFO] [Boot] starting cmail-server...\n", time.Now().Format("2006-01-02 15:04:05.000"))
	return bootstrap.Run(cmd.Context(), bootstrap.Options{ConfigPath: configPath})
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default is $CMAIL_CONFIG or .config.yaml)")
	migrateCmd.AddCommand(migrateStatusCmd, migrateRollbackCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

// exitCode separates configuration mistakes (2) from runtime failures (1).
func exitCode(err error) int {
	if platformerrors.IsKind(err, platformerrors.KindConfig) {
		return 2
	}
	return 1
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "cmail-server failed: %v\n", err)
		os.Exit(exitCode(err))
	}
}
