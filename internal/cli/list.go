package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/trebuchet-org/evolve/internal/cli/render"
	"github.com/trebuchet-org/evolve/internal/domain"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

// NewListCmd creates the list command
func NewListCmd() *cobra.Command {
	var params usecase.ListParams

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List proposals",
		Long: `List proposals, newest first.

The list can be filtered by status, risk, or by a user who proposed,
approved or rejected the proposal.`,
		Example: `  # Proposals waiting for approval
  evolve list --status implemented

  # Everything user-1 was involved in
  evolve list --user user-1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := getApp(cmd)
			if err != nil {
				return err
			}

			proposals, err := app.ListProposals.Run(cmd.Context(), params)
			if err != nil {
				return err
			}

			if app.Config.JSON {
				return render.JSON(cmd.OutOrStdout(), proposals)
			}
			return render.NewProposalsRenderer(cmd.OutOrStdout()).RenderList(proposals)
		},
	}

	cmd.Flags().StringVar(&params.Status, "status", "", "Filter by status (proposed, implemented, approved, rejected, deployed, failed)")
	cmd.Flags().StringVar(&params.Risk, "risk", "", "Filter by risk (low, medium, high)")
	cmd.Flags().StringVar(&params.User, "user", "", "Filter by involved user")
	cmd.Flags().IntVar(&params.Limit, "limit", 0, "Show at most this many proposals")
	return cmd
}

// NewShowCmd creates the show command
func NewShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a proposal and its audit history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := getApp(cmd)
			if err != nil {
				return err
			}

			result, err := app.ShowProposal.Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if app.Config.JSON {
				return render.JSON(cmd.OutOrStdout(), result)
			}
			return render.NewProposalsRenderer(cmd.OutOrStdout()).RenderProposal(result)
		},
	}
}

// NewHistoryCmd creates the history command
func NewHistoryCmd() *cobra.Command {
	var (
		actor string
		day   string
	)

	cmd := &cobra.Command{
		Use:   "history [id]",
		Short: "Show the audit trail",
		Long: `Show audit events, oldest first. Events can be narrowed to one proposal
or request id, to an acting user, or to a calendar day.`,
		Example: `  evolve history r1
  evolve history --user u1 --day 2026-03-02`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := getApp(cmd)
			if err != nil {
				return err
			}

			filter, err := historyFilter(args, actor, day, app.Config.Project.Pipeline.Timezone)
			if err != nil {
				return err
			}

			events, err := app.ShowProposal.History(cmd.Context(), filter)
			if err != nil {
				return err
			}

			if app.Config.JSON {
				return render.JSON(cmd.OutOrStdout(), events)
			}
			return render.NewProposalsRenderer(cmd.OutOrStdout()).RenderHistory(events)
		},
	}

	cmd.Flags().StringVar(&actor, "user", "", "Only events by this user")
	cmd.Flags().StringVar(&day, "day", "", "Only events on this day (YYYY-MM-DD, or 'today')")
	return cmd
}

func historyFilter(args []string, actor, day, timezone string) (domain.AuditFilter, error) {
	filter := domain.AuditFilter{Actor: actor}
	if len(args) == 1 {
		filter.SubjectID = args[0]
	}
	if day == "" {
		return filter, nil
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return filter, &domain.ValidationError{Field: "timezone", Message: err.Error()}
	}
	if day == "today" {
		filter.Day = time.Now().In(loc)
		return filter, nil
	}
	parsed, err := time.ParseInLocation(time.DateOnly, day, loc)
	if err != nil {
		return filter, &domain.ValidationError{Field: "day", Message: fmt.Sprintf("expected YYYY-MM-DD, got %q", day)}
	}
	filter.Day = parsed
	return filter, nil
}

// NewStatsCmd creates the stats command
func NewStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show proposal totals and deployment success rate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := getApp(cmd)
			if err != nil {
				return err
			}

			st, err := app.GetStats.Run(cmd.Context())
			if err != nil {
				return err
			}

			if app.Config.JSON {
				return render.JSON(cmd.OutOrStdout(), st)
			}
			return render.NewProposalsRenderer(cmd.OutOrStdout()).RenderStats(st)
		},
	}
}
