package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trebuchet-org/evolve/internal/app"
	"github.com/trebuchet-org/evolve/internal/cli/render"
	"github.com/trebuchet-org/evolve/internal/config"
	"github.com/trebuchet-org/evolve/internal/domain"
)

// contextKey is the type for context keys
type contextKey string

const (
	// appKey is the context key for the app instance
	appKey contextKey = "app"
	// cleanupKey is the context key for the func that releases the app
	cleanupKey contextKey = "cleanup"
)

// skipsApp lists commands that run without a project
var skipsApp = map[string]bool{
	"version":    true,
	"help":       true,
	"completion": true,
}

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "evolve",
		Short: "Propose, approve and deploy changes to a running system",
		Long: `evolve tracks improvement proposals from idea to production.

Ideas are risk-assessed and rate-limited, implemented on a review branch,
approved by a risk-weighted quorum and then merged, built, packaged and
rolled out. Direct file changes go through a single-vote approval that
expires after an hour.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if skipsApp[cmd.Name()] {
				return nil
			}

			projectRoot, err := config.FindProjectRoot()
			if err != nil {
				return err
			}

			v := config.SetupViper(projectRoot, cmd)

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			appInstance, cleanup, err := app.InitApp(ctx, v)
			if err != nil {
				return fmt.Errorf("failed to initialize app: %w", err)
			}

			ctx = context.WithValue(ctx, appKey, appInstance)

			// serve runs until interrupted
			if appInstance.Config.Timeout > 0 && cmd.Name() != "serve" {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, appInstance.Config.Timeout)
				prev := cleanup
				cleanup = func() {
					cancel()
					prev()
				}
			}

			cmd.SetContext(context.WithValue(ctx, cleanupKey, cleanup))
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug output")
	rootCmd.PersistentFlags().Bool("non-interactive", false, "Disable spinners and prompts")
	rootCmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	rootCmd.PersistentFlags().String("as", "", "User id to act as (approve, reject, deploy)")
	rootCmd.PersistentFlags().String("channel", "", "Channel that results are reported to")
	rootCmd.PersistentFlags().Duration("timeout", 0, "Timeout for the whole command (default 10m)")

	rootCmd.AddGroup(&cobra.Group{
		ID:    "pipeline",
		Title: "Pipeline Commands",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "approvals",
		Title: "Direct Change Commands",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "management",
		Title: "Management Commands",
	})

	for _, c := range []*cobra.Command{
		NewProposeCmd(),
		NewImplementCmd(),
		NewApproveCmd(),
		NewRejectCmd(),
		NewDeployCmd(),
	} {
		c.GroupID = "pipeline"
		rootCmd.AddCommand(c)
	}

	for _, c := range []*cobra.Command{
		NewRequestCmd(),
		NewChooseCmd(),
		NewPendingCmd(),
	} {
		c.GroupID = "approvals"
		rootCmd.AddCommand(c)
	}

	for _, c := range []*cobra.Command{
		NewListCmd(),
		NewShowCmd(),
		NewHistoryCmd(),
		NewStatsCmd(),
		NewServeCmd(),
	} {
		c.GroupID = "management"
		rootCmd.AddCommand(c)
	}

	rootCmd.AddCommand(NewVersionCmd())

	return rootCmd
}

// getApp retrieves the app instance from the command context
func getApp(cmd *cobra.Command) (*app.App, error) {
	appInstance := cmd.Context().Value(appKey)
	if appInstance == nil {
		return nil, fmt.Errorf("app not initialized")
	}

	app, ok := appInstance.(*app.App)
	if !ok {
		return nil, fmt.Errorf("invalid app instance")
	}

	return app, nil
}

// Execute runs the root command and prints errors the way the renderers do
func Execute(ctx context.Context) int {
	rootCmd := NewRootCmd()
	if err := runRoot(ctx, rootCmd); err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), render.FormatError(err.Error()))
		return exitCode(err)
	}
	return 0
}

// runRoot executes rootCmd and releases the app the command built
func runRoot(ctx context.Context, rootCmd *cobra.Command) error {
	cmd, err := rootCmd.ExecuteContextC(ctx)
	if cmd != nil && cmd.Context() != nil {
		if cleanup, ok := cmd.Context().Value(cleanupKey).(func()); ok {
			cleanup()
		}
	}
	return err
}

// exitCode separates user errors from outages
func exitCode(err error) int {
	if domain.IsRecoverable(err) {
		return 1
	}
	return 2
}
