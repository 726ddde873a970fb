package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/trebuchet-org/evolve/internal/domain"
	"github.com/trebuchet-org/evolve/internal/domain/models"
)

// ProposeImprovement turns a free-text idea into a PROPOSED proposal
type ProposeImprovement struct {
	store    AuditStore
	guard    *RateGuard
	assessor RiskAssessor
	clock    Clock
	metrics  Metrics
	progress ProgressSink
	log      *slog.Logger
}

// NewProposeImprovement creates a new propose use case
func NewProposeImprovement(
	store AuditStore,
	guard *RateGuard,
	assessor RiskAssessor,
	clock Clock,
	metrics Metrics,
	progress ProgressSink,
	log *slog.Logger,
) *ProposeImprovement {
	return &ProposeImprovement{
		store:    store,
		guard:    guard,
		assessor: assessor,
		clock:    clock,
		metrics:  metrics,
		progress: progress,
		log:      log,
	}
}

// ProposeParams contains parameters for proposing an improvement
type ProposeParams struct {
	Idea string
	// Actor is optional; recorded as the proposer when present
	Actor string
}

// Run executes the propose use case
func (u *ProposeImprovement) Run(ctx context.Context, params ProposeParams) (*models.Proposal, error) {
	idea := strings.TrimSpace(params.Idea)
	if idea == "" {
		return nil, domain.Required("idea")
	}

	// Check the quota before paying for a model call
	reservation, err := u.guard.TryReserve(ctx)
	if err != nil {
		return nil, err
	}
	defer reservation.Release()

	u.progress.OnProgress(ctx, ProgressEvent{Stage: "assessing", Message: "Assessing idea", Spinner: true})
	assessment, err := u.assessor.Assess(ctx, idea)
	u.progress.OnProgress(ctx, ProgressEvent{Stage: "assessed"})
	if err != nil {
		u.log.Warn("risk assessment failed", "error", err)
		return nil, fmt.Errorf("%w: %v", domain.ErrGenerationFailed, err)
	}

	proposal := newProposal(idea, params.Actor, assessment)
	proposal.ProposedAt = u.clock.Now()

	if err := u.store.CreateProposal(ctx, proposal); err != nil {
		return nil, fmt.Errorf("failed to save proposal: %w", err)
	}

	rec := auditRecorder{log: u.store, clock: u.clock}
	if err := rec.record(ctx, proposal.ID, models.AuditProposed, params.Actor, proposal.Title, map[string]string{
		"risk": string(proposal.Risk),
		"type": string(proposal.Type),
	}); err != nil {
		return nil, err
	}

	u.metrics.ObserveTransition(models.StatusProposed)
	u.log.Info("proposal created", "id", proposal.ID, "risk", proposal.Risk, "type", proposal.Type)
	return proposal, nil
}

// newProposal builds a proposal from an assessment, normalizing anything the
// classifier left out. Unknown risk is treated as high.
func newProposal(idea, actor string, a *models.Assessment) *models.Proposal {
	risk := models.RiskLevel(strings.ToLower(string(a.Risk)))
	if !risk.Valid() {
		risk = models.RiskHigh
	}
	changeType := models.ChangeType(strings.ToLower(string(a.Type)))
	if changeType == "" {
		changeType = models.ChangeChore
	}
	title := strings.TrimSpace(a.Title)
	if title == "" {
		title = truncate(idea, 72)
	}
	description := strings.TrimSpace(a.Description)
	if description == "" {
		description = idea
	}
	files := a.AffectedFiles
	if files == nil {
		files = []string{}
	}
	size := a.EstimatedChangeSize
	if size < 0 {
		size = 0
	}

	return &models.Proposal{
		ID:                  uuid.NewString(),
		Title:               title,
		Description:         description,
		Reasoning:           a.Reasoning,
		Idea:                idea,
		ProposedBy:          actor,
		Type:                changeType,
		Risk:                risk,
		AffectedFiles:       files,
		ImplementationPlan:  a.ImplementationPlan,
		EstimatedChangeSize: size,
		Status:              models.StatusProposed,
		Approvers:           []string{},
	}
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
