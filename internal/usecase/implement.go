package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/trebuchet-org/evolve/internal/domain"
	"github.com/trebuchet-org/evolve/internal/domain/config"
	"github.com/trebuchet-org/evolve/internal/domain/models"
)

// ImplementProposal generates the changeset for a proposal and opens a review artifact
type ImplementProposal struct {
	store     AuditStore
	generator ChangeGenerator
	vcs       VersionControl
	clock     Clock
	metrics   Metrics
	progress  ProgressSink
	log       *slog.Logger
	prefix    string
	running   inflight
}

// NewImplementProposal creates a new implement use case
func NewImplementProposal(
	store AuditStore,
	generator ChangeGenerator,
	vcs VersionControl,
	clock Clock,
	metrics Metrics,
	progress ProgressSink,
	log *slog.Logger,
	cfg *config.RuntimeConfig,
) *ImplementProposal {
	return &ImplementProposal{
		store:     store,
		generator: generator,
		vcs:       vcs,
		clock:     clock,
		metrics:   metrics,
		progress:  progress,
		log:       log,
		prefix:    cfg.Project.Git.BranchPrefix,
	}
}

// Run implements the proposal with the given id
func (u *ImplementProposal) Run(ctx context.Context, id string) (*models.Proposal, error) {
	if id == "" {
		return nil, domain.Required("id")
	}
	if !u.running.claim(id) {
		return nil, &domain.StateError{ID: id, Operation: "implement (already in progress)", Current: models.StatusProposed}
	}
	defer u.running.release(id)

	proposal, err := u.store.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	if proposal.Status != models.StatusProposed {
		return nil, &domain.StateError{ID: id, Operation: "implement", Current: proposal.Status}
	}

	rec := auditRecorder{log: u.store, clock: u.clock}

	u.progress.OnProgress(ctx, ProgressEvent{Stage: "generating", Message: "Generating changeset", Spinner: true})
	changeset, err := u.generator.GenerateChanges(ctx, proposal)
	if err == nil && (changeset == nil || len(changeset.Changes) == 0) {
		err = fmt.Errorf("generator returned no changes")
	}
	if err != nil {
		return nil, u.fail(ctx, rec, proposal, "generate", err)
	}

	branch := BranchName(u.prefix, proposal)
	u.progress.OnProgress(ctx, ProgressEvent{Stage: "review", Message: "Opening review " + branch, Spinner: true})
	artifact, err := u.vcs.OpenReview(ctx, ReviewRequest{
		Branch:  branch,
		Title:   proposal.Title,
		Body:    reviewBody(proposal, changeset),
		Changes: changeset.Changes,
	})
	if err != nil {
		return nil, u.fail(ctx, rec, proposal, "review", err)
	}
	u.progress.OnProgress(ctx, ProgressEvent{Stage: "implemented"})

	updated, err := u.store.UpdateProposal(ctx, id, func(p *models.Proposal) error {
		if !p.Status.CanTransition(models.StatusImplemented) {
			return &domain.StateError{ID: id, Operation: "implement", Current: p.Status}
		}
		p.Status = models.StatusImplemented
		p.BranchRef = branch
		p.ReviewArtifact = artifact
		return nil
	})
	if err != nil {
		return nil, err
	}

	meta := map[string]string{"branch": branch}
	if artifact != nil && artifact.URL != "" {
		meta["review"] = artifact.URL
	}
	if err := rec.record(ctx, id, models.AuditImplemented, "", changeset.Summary, meta); err != nil {
		return nil, err
	}

	u.metrics.ObserveTransition(models.StatusImplemented)
	u.log.Info("proposal implemented", "id", id, "branch", branch)
	return updated, nil
}

// fail records an implementation failure. The proposal stays PROPOSED.
func (u *ImplementProposal) fail(ctx context.Context, rec auditRecorder, p *models.Proposal, step string, cause error) error {
	u.progress.Error(fmt.Sprintf("Implementation of %s failed at %s: %v", p.ID, step, cause))
	u.log.Error("implementation failed", "id", p.ID, "step", step, "error", cause)
	stepErr := &domain.StepError{Kind: domain.ErrImplementationFailed, Step: step, Err: cause}
	if err := rec.record(ctx, p.ID, models.AuditImplementFailed, "", cause.Error(), map[string]string{"step": step}); err != nil {
		return err
	}
	return stepErr
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// BranchName derives the working branch for a proposal
func BranchName(prefix string, p *models.Proposal) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(p.Title), "-"), "-")
	if len(slug) > 40 {
		slug = strings.TrimRight(slug[:40], "-")
	}
	short := p.ID
	if len(short) > 8 {
		short = short[:8]
	}
	if slug == "" {
		return prefix + short
	}
	return prefix + short + "-" + slug
}

func reviewBody(p *models.Proposal, cs *models.Changeset) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", p.Description)
	fmt.Fprintf(&b, "Type: %s, risk: %s, ~%d lines\n\n", p.Type, p.Risk, p.EstimatedChangeSize)
	if p.Reasoning != "" {
		fmt.Fprintf(&b, "Reasoning:\n%s\n\n", p.Reasoning)
	}
	if p.ImplementationPlan != "" {
		fmt.Fprintf(&b, "Plan:\n%s\n\n", p.ImplementationPlan)
	}
	if cs.Summary != "" {
		fmt.Fprintf(&b, "Changes:\n%s\n\n", cs.Summary)
	}
	for _, c := range cs.Changes {
		fmt.Fprintf(&b, "- %s %s\n", c.Action, c.FilePath)
	}
	fmt.Fprintf(&b, "\nProposal: %s\n", p.ID)
	return b.String()
}
