// Package cmd defines and implements the CLI commands for the quarry executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// appKeyType is the key for storing the application in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApplication is the application factory. It's a variable so tests can
// replace it with a mock factory.
var newApplication = buildApplication

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quarry",
		Short: "A self-healing data ingestion and quality pipeline.",
		Long: `quarry ingests data from websites and APIs, detects content changes,
cleans and validates records, scores their quality, flags anomalies, and
routes low-confidence batches through a human review queue.`,

		// Runs AFTER flags are parsed but BEFORE the subcommand's RunE, so
		// every subcommand sees a fully wired application in its context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApplication(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("initialize application: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), appKey, app)
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if app, ok := cmd.Context().Value(appKey).(*application); ok && app != nil {
				app.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is built-in defaults + QUARRY_* env)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newReviewCmd())

	return cmd
}

func resolveApp(ctx context.Context) (*application, error) {
	app, ok := ctx.Value(appKey).(*application)
	if !ok || app == nil {
		return nil, fmt.Errorf("application services not initialized")
	}
	return app, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
