package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/trebuchet-org/evolve/internal/bg"
	"github.com/trebuchet-org/evolve/internal/domain"
	"github.com/trebuchet-org/evolve/internal/domain/models"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

// Toolset binds the pipeline use cases to the tool-call contract
type Toolset struct {
	propose  *usecase.ProposeImprovement
	list     *usecase.ListProposals
	show     *usecase.ShowProposal
	approve  *usecase.ApproveProposal
	reject   *usecase.RejectProposal
	deploy   *usecase.DeployProposal
	stats    *usecase.GetStats
	runner   bg.Runner
	notifier usecase.Notifier
	log      *slog.Logger
}

// NewToolset creates a new toolset
func NewToolset(
	propose *usecase.ProposeImprovement,
	list *usecase.ListProposals,
	show *usecase.ShowProposal,
	approve *usecase.ApproveProposal,
	reject *usecase.RejectProposal,
	deploy *usecase.DeployProposal,
	stats *usecase.GetStats,
	runner bg.Runner,
	notifier usecase.Notifier,
	log *slog.Logger,
) *Toolset {
	return &Toolset{
		propose:  propose,
		list:     list,
		show:     show,
		approve:  approve,
		reject:   reject,
		deploy:   deploy,
		stats:    stats,
		runner:   runner,
		notifier: notifier,
		log:      log,
	}
}

// Registry returns the pipeline tools
func (s *Toolset) Registry() *Registry {
	return NewRegistry(
		&Tool{
			Name:        "propose_improvement",
			Description: "Propose a change to the running system. The idea is risk-assessed and tracked as a proposal.",
			Schema: Schema{
				Type:     "object",
				Required: []string{"idea"},
				Properties: map[string]Property{
					"idea": {Type: "string", Description: "Free-text description of the improvement"},
				},
			},
			Execute: s.runPropose,
		},
		&Tool{
			Name:        "list_proposals",
			Description: "List proposals, optionally filtered by status.",
			Schema: Schema{
				Type:     "object",
				Required: []string{},
				Properties: map[string]Property{
					"status": {Type: "string", Description: "Only proposals in this status", Enum: []any{
						"PROPOSED", "IMPLEMENTED", "APPROVED", "REJECTED", "DEPLOYED", "FAILED",
					}},
				},
			},
			Execute: s.runList,
		},
		&Tool{
			Name:        "approve_proposal",
			Description: "Approve a proposal on behalf of the acting user. High-risk proposals need two distinct approvers.",
			Schema: Schema{
				Type:     "object",
				Required: []string{"id"},
				Properties: map[string]Property{
					"id":          {Type: "string", Description: "Proposal id"},
					"acting_user": {Type: "string", Description: "User approving when the caller is anonymous; must match a known caller"},
				},
			},
			Execute: s.runApprove,
		},
		&Tool{
			Name:        "reject_proposal",
			Description: "Reject a proposal on behalf of the acting user.",
			Schema: Schema{
				Type:     "object",
				Required: []string{"id"},
				Properties: map[string]Property{
					"id":          {Type: "string", Description: "Proposal id"},
					"acting_user": {Type: "string", Description: "User rejecting when the caller is anonymous; must match a known caller"},
					"reason":      {Type: "string", Description: "Why the proposal was rejected"},
				},
			},
			Execute: s.runReject,
		},
		&Tool{
			Name:        "deploy_proposal",
			Description: "Merge, build, package and roll out an approved proposal. Results are posted to the channel.",
			Schema: Schema{
				Type:     "object",
				Required: []string{"id"},
				Properties: map[string]Property{
					"id": {Type: "string", Description: "Proposal id"},
				},
			},
			Execute: s.runDeploy,
		},
		&Tool{
			Name:        "proposal_stats",
			Description: "Show proposal totals and deployment success rate.",
			Schema:      Schema{Type: "object", Required: []string{}, Properties: map[string]Property{}},
			Execute:     s.runStats,
		},
	)
}

// actor resolves the acting user and fails closed when there is none
// actor returns the identity acting on a proposal. A known caller always acts
// as itself; acting_user only names the user when the caller is anonymous.
func actor(caller Caller, args Args) (string, error) {
	user := strings.TrimSpace(caller.User)
	named := strings.TrimSpace(args.String("acting_user"))
	if user != "" && named != "" && named != user {
		return "", &domain.ForbiddenError{Actor: user, Action: "act on behalf of " + named}
	}
	if user == "" {
		user = named
	}
	if user == "" {
		return "", domain.Required("acting_user")
	}
	return user, nil
}

func requireID(args Args) (string, error) {
	id := strings.TrimSpace(args.String("id"))
	if id == "" {
		return "", domain.Required("id")
	}
	return id, nil
}

func (s *Toolset) runPropose(ctx context.Context, caller Caller, args Args) (string, error) {
	p, err := s.propose.Run(ctx, usecase.ProposeParams{Idea: args.String("idea"), Actor: caller.User})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Proposal %s created: %s\n", p.ID, p.Title)
	fmt.Fprintf(&b, "Type: %s, risk: %s, needs %d approval(s)\n", p.Type, p.Risk, p.Risk.RequiredApprovals())
	if p.Description != "" {
		fmt.Fprintf(&b, "%s\n", p.Description)
	}
	if len(p.AffectedFiles) > 0 {
		fmt.Fprintf(&b, "Files: %s\n", strings.Join(p.AffectedFiles, ", "))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (s *Toolset) runList(ctx context.Context, _ Caller, args Args) (string, error) {
	proposals, err := s.list.Run(ctx, usecase.ListParams{Status: args.String("status")})
	if err != nil {
		return "", err
	}
	if len(proposals) == 0 {
		return "No proposals found", nil
	}
	lines := make([]string, 0, len(proposals))
	for _, p := range proposals {
		lines = append(lines, fmt.Sprintf("%s [%s] %s (risk %s, %d/%d approvals)",
			p.ID, p.Status, p.Title, p.Risk, len(p.Approvers), p.Risk.RequiredApprovals()))
	}
	return strings.Join(lines, "\n"), nil
}

func (s *Toolset) runApprove(ctx context.Context, caller Caller, args Args) (string, error) {
	user, err := actor(caller, args)
	if err != nil {
		return "", err
	}
	id, err := requireID(args)
	if err != nil {
		return "", err
	}
	res, err := s.approve.Run(ctx, usecase.ApproveParams{ID: id, Actor: user})
	if err != nil {
		return "", err
	}
	if !res.Added {
		return fmt.Sprintf("%s already approved %s (%d/%d approvals, status %s)",
			user, id, res.Approvals, res.Required, res.Proposal.Status), nil
	}
	return fmt.Sprintf("Approval recorded for %s: %d/%d approvals, status %s",
		id, res.Approvals, res.Required, res.Proposal.Status), nil
}

func (s *Toolset) runReject(ctx context.Context, caller Caller, args Args) (string, error) {
	user, err := actor(caller, args)
	if err != nil {
		return "", err
	}
	id, err := requireID(args)
	if err != nil {
		return "", err
	}
	p, err := s.reject.Run(ctx, usecase.RejectParams{ID: id, Actor: user, Reason: args.String("reason")})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Proposal %s rejected by %s", p.ID, user), nil
}

// runDeploy checks the guardrails up front, then runs the deployment on the
// runner so a slow rollout never blocks the conversation.
func (s *Toolset) runDeploy(ctx context.Context, caller Caller, args Args) (string, error) {
	id, err := requireID(args)
	if err != nil {
		return "", err
	}
	current, err := s.show.Run(ctx, id)
	if err != nil {
		return "", err
	}
	if current.Proposal.Status != models.StatusApproved {
		return "", &domain.StateError{ID: id, Operation: "deploy", Current: current.Proposal.Status}
	}

	var summary string
	done := make(chan struct{})
	bgCtx := context.WithoutCancel(ctx)
	s.runner.Do(func() {
		defer close(done)
		summary = DeploySummary(s.deploy.Run(bgCtx, usecase.DeployParams{ID: id, Actor: caller.User}))
		if err := s.notifier.Notify(bgCtx, caller.Channel, summary); err != nil {
			s.log.Warn("failed to report deployment", "id", id, "error", err)
		}
	})

	select {
	case <-done:
		return summary, nil
	default:
		return fmt.Sprintf("Deployment of %s started; the result will be posted to this channel", id), nil
	}
}

// DeploySummary renders the outcome of a deployment as free text
func DeploySummary(p *models.Proposal, err error) string {
	var stepErr *domain.StepError
	switch {
	case err == nil:
		version := ""
		if p.Release != nil {
			version = " as " + p.Release.Version
		}
		return fmt.Sprintf("Proposal %s deployed%s", p.ID, version)
	case errors.As(err, &stepErr) && p != nil:
		return fmt.Sprintf("Deployment of %s failed at step %s: %v. Status is %s; manual intervention required.",
			p.ID, stepErr.Step, stepErr.Err, p.Status)
	default:
		return fmt.Sprintf("Deployment failed: %v", err)
	}
}

func (s *Toolset) runStats(ctx context.Context, _ Caller, _ Args) (string, error) {
	st, err := s.stats.Run(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"Proposed: %d (today %d/%d)\nApproved: %d\nRejected: %d\nDeployed: %d\nFailed: %d\nSuccess rate: %d%%",
		st.TotalProposed, st.TodayProposed, st.DailyCap, st.TotalApproved, st.TotalRejected,
		st.TotalDeployed, st.TotalFailed, st.SuccessRate,
	), nil
}

// Handle dispatches a tool call and always produces a reply. Structured pipeline
// errors are returned verbatim; anything else is logged and reported generically.
func (s *Toolset) Handle(ctx context.Context, reg *Registry, caller Caller, name string, raw []byte) string {
	out, err := reg.Dispatch(ctx, caller, name, raw)
	if err == nil {
		return out
	}
	if domain.IsRecoverable(err) || errors.Is(err, ErrUnknownTool) {
		return "Error: " + err.Error()
	}
	s.log.Error("tool call failed", "tool", name, "user", caller.User, "error", err)
	return "Error: the request could not be completed, nothing was changed"
}
