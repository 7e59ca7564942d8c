// Command qra administers end entities and the profiles that govern them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/remiblancher/qpki-ra/internal/config"
	"github.com/remiblancher/qpki-ra/internal/lifecycle"
)

// Build-time variables (injected by GoReleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	configPath string
	adminName  string
)

// app is built before every command runs and closed after it.
var app *application

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	closeApp()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "qra",
	Short: "QRA - end entity registration for QPKI",
	Long: `QRA manages the end entities of a Certificate Authority and the end entity
profiles that decide which subject data they may carry.

Every change is validated against the end entity profile, may require approval
by other administrators and is written to a hash-chained audit log.

Examples:
  # Create a profile from the built-in default
  qra profile new tls-users --from default

  # Register an end entity from a YAML candidate
  qra ee add alice.yaml

  # Approve and execute a pending request
  qra approval approve 0f4c... --admin bob
  qra approval execute 0f4c...`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		closeApp()
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		a, err := newApplication(cmd.Context(), cfg, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		app = a
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeApp()
	},
}

func closeApp() error {
	if app == nil {
		return nil
	}
	err := app.Close()
	app = nil
	return err
}

// admin returns the administrator running the command.
func admin() lifecycle.Admin {
	return lifecycle.Admin{Name: adminName}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the TOML configuration file")
	rootCmd.PersistentFlags().StringVar(&adminName, "admin", "cli", "Name of the administrator, recorded in audit events")

	rootCmd.AddCommand(profileCmd)  // qra profile ...
	rootCmd.AddCommand(eeCmd)       // qra ee ...
	rootCmd.AddCommand(approvalCmd) // qra approval ...
	rootCmd.AddCommand(auditCmd)    // qra audit ...
}
