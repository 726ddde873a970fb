package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/trebuchet-org/evolve/internal/agent"
	"github.com/trebuchet-org/evolve/internal/cli/render"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

// NewProposeCmd creates the propose command
func NewProposeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "propose <idea>",
		Short: "Propose an improvement",
		Long: `Risk-assess a free-text idea and record it as a proposal.

At most pipeline.daily_cap proposals are accepted per calendar day.`,
		Example: `  evolve propose "add a /stats command" --as user-1`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := getApp(cmd)
			if err != nil {
				return err
			}

			p, err := app.ProposeImprovement.Run(cmd.Context(), usecase.ProposeParams{
				Idea:  strings.Join(args, " "),
				Actor: app.Config.Actor,
			})
			if err != nil {
				return err
			}

			if app.Config.JSON {
				return render.JSON(cmd.OutOrStdout(), p)
			}
			fmt.Fprintln(cmd.OutOrStdout(), render.FormatSuccess(fmt.Sprintf("Proposal %s created", p.ID)))
			return render.NewProposalsRenderer(cmd.OutOrStdout()).RenderProposal(&usecase.ShowResult{Proposal: p})
		},
	}
}

// NewImplementCmd creates the implement command
func NewImplementCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "implement <id>",
		Short: "Generate changes and open a review for a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := getApp(cmd)
			if err != nil {
				return err
			}

			p, err := app.ImplementProposal.Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if app.Config.JSON {
				return render.JSON(cmd.OutOrStdout(), p)
			}
			msg := fmt.Sprintf("Proposal %s implemented on %s", p.ID, p.BranchRef)
			if p.ReviewArtifact != nil && p.ReviewArtifact.URL != "" {
				msg += ", review at " + p.ReviewArtifact.URL
			}
			fmt.Fprintln(cmd.OutOrStdout(), render.FormatSuccess(msg))
			return nil
		},
	}
}

// NewApproveCmd creates the approve command
func NewApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "approve <id>",
		Short:   "Approve a proposal as the acting user",
		Example: `  evolve approve 3f2a9c1e-... --as user-1`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := getApp(cmd)
			if err != nil {
				return err
			}

			res, err := app.ApproveProposal.Run(cmd.Context(), usecase.ApproveParams{ID: args[0], Actor: app.Config.Actor})
			if err != nil {
				return err
			}

			if app.Config.JSON {
				return render.JSON(cmd.OutOrStdout(), res)
			}
			if !res.Added {
				fmt.Fprintln(cmd.OutOrStdout(), render.FormatWarning(fmt.Sprintf("%s already approved %s", app.Config.Actor, res.Proposal.ID)))
			}
			fmt.Fprintln(cmd.OutOrStdout(), render.FormatSuccess(fmt.Sprintf("%d/%d approvals, status %s",
				res.Approvals, res.Required, res.Proposal.Status)))
			return nil
		},
	}
}

// NewRejectCmd creates the reject command
func NewRejectCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a proposal as the acting user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := getApp(cmd)
			if err != nil {
				return err
			}

			p, err := app.RejectProposal.Run(cmd.Context(), usecase.RejectParams{ID: args[0], Actor: app.Config.Actor, Reason: reason})
			if err != nil {
				return err
			}

			if app.Config.JSON {
				return render.JSON(cmd.OutOrStdout(), p)
			}
			fmt.Fprintln(cmd.OutOrStdout(), render.FormatSuccess(fmt.Sprintf("Proposal %s rejected", p.ID)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Why the proposal is rejected")
	return cmd
}

// NewDeployCmd creates the deploy command
func NewDeployCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy <id>",
		Short: "Merge, build, package and roll out an approved proposal",
		Long: `Deploy an approved proposal. The review branch is merged, the build
command runs, the chart is packaged and published, and the rollout is awaited
for at most pipeline.rollout_timeout. Any failing step marks the proposal FAILED.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := getApp(cmd)
			if err != nil {
				return err
			}

			p, err := app.DeployProposal.Run(cmd.Context(), usecase.DeployParams{ID: args[0], Actor: app.Config.Actor})
			if app.Config.JSON && p != nil {
				if jerr := render.JSON(cmd.OutOrStdout(), p); jerr != nil {
					return jerr
				}
				return err
			}
			if err != nil {
				if p != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), render.FormatWarning(agent.DeploySummary(p, err)))
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), render.FormatSuccess(agent.DeploySummary(p, nil)))
			return nil
		},
	}
}
