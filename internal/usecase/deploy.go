package usecase

import (
	"context"
	"errors"
	"log/slog"

	"github.com/trebuchet-org/evolve/internal/domain"
	"github.com/trebuchet-org/evolve/internal/domain/config"
	"github.com/trebuchet-org/evolve/internal/domain/models"
)

// DeployProposal merges an approved proposal and carries it through the release pipeline
type DeployProposal struct {
	store      AuditStore
	vcs        VersionControl
	pipeline   *ReleasePipeline
	authorizer Authorizer
	clock      Clock
	metrics    Metrics
	log        *slog.Logger
	deployers  bool
}

// NewDeployProposal creates a new deploy use case
func NewDeployProposal(
	store AuditStore,
	vcs VersionControl,
	pipeline *ReleasePipeline,
	authorizer Authorizer,
	clock Clock,
	metrics Metrics,
	log *slog.Logger,
	cfg *config.RuntimeConfig,
) *DeployProposal {
	return &DeployProposal{
		store:      store,
		vcs:        vcs,
		pipeline:   pipeline,
		authorizer: authorizer,
		clock:      clock,
		metrics:    metrics,
		log:        log,
		deployers:  len(cfg.Project.Approvers.Deployers) > 0,
	}
}

// DeployParams contains parameters for deploying a proposal
type DeployParams struct {
	ID string
	// Actor is checked against the deployers list when one is configured
	Actor string
}

// Run executes the deploy use case. A failing step pins the proposal at FAILED
// and returns a *domain.StepError; nothing is rolled back.
func (u *DeployProposal) Run(ctx context.Context, params DeployParams) (*models.Proposal, error) {
	id := params.ID
	if id == "" {
		return nil, domain.Required("id")
	}
	rec := auditRecorder{log: u.store, clock: u.clock}
	if u.deployers {
		if err := authorize(ctx, u.authorizer, rec, u.log, params.Actor, ActionDeploy, id); err != nil {
			return nil, err
		}
	}

	// The claim is persisted so other processes sharing the store see it too
	proposal, err := u.store.UpdateProposal(ctx, id, func(p *models.Proposal) error {
		now := u.clock.Now()
		if p.Status != models.StatusApproved {
			return &domain.StateError{ID: id, Operation: "deploy", Current: p.Status}
		}
		if p.Deploying(now) {
			return &domain.StateError{ID: id, Operation: "deploy (already in progress)", Current: p.Status}
		}
		p.DeployingSince = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Low-risk proposals approved straight from PROPOSED have no branch to merge
	if proposal.BranchRef != "" {
		err := u.pipeline.Step(ctx, StepMerge, "Merging "+proposal.BranchRef, func(ctx context.Context) error {
			if err := u.vcs.MergeReview(ctx, proposal.BranchRef, proposal.ReviewArtifact); err != nil {
				return err
			}
			return u.vcs.DeleteBranch(ctx, proposal.BranchRef)
		})
		if err != nil {
			return u.fail(ctx, rec, params.Actor, id, err)
		}
	}

	release, err := u.pipeline.Run(ctx, ReleaseVersion(u.clock.Now(), id))
	if err != nil {
		return u.fail(ctx, rec, params.Actor, id, err)
	}

	updated, err := u.store.UpdateProposal(ctx, id, func(p *models.Proposal) error {
		if !p.Status.CanTransition(models.StatusDeployed) {
			return &domain.StateError{ID: id, Operation: "deploy", Current: p.Status}
		}
		p.Status = models.StatusDeployed
		p.Release = release
		p.DeployingSince = nil
		p.Resolve(u.clock.Now())
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := rec.record(ctx, id, models.AuditDeployed, params.Actor, release.Version, map[string]string{
		"image":   release.Image,
		"archive": release.Archive,
	}); err != nil {
		return nil, err
	}
	u.metrics.ObserveTransition(models.StatusDeployed)
	u.log.Info("proposal deployed", "id", id, "version", release.Version)
	return updated, nil
}

// fail pins the proposal at FAILED with the failing step and returns the step error
func (u *DeployProposal) fail(ctx context.Context, rec auditRecorder, actor, id string, cause error) (*models.Proposal, error) {
	step := "unknown"
	var stepErr *domain.StepError
	if errors.As(cause, &stepErr) {
		step = stepErr.Step
	} else {
		stepErr = &domain.StepError{Kind: domain.ErrDeploymentFailed, Step: step, Err: cause}
	}

	updated, err := u.store.UpdateProposal(ctx, id, func(p *models.Proposal) error {
		if !p.Status.CanTransition(models.StatusFailed) {
			return &domain.StateError{ID: id, Operation: "fail", Current: p.Status}
		}
		p.Status = models.StatusFailed
		p.DeployingSince = nil
		p.FailedStep = step
		p.FailureReason = stepErr.Err.Error()
		p.Resolve(u.clock.Now())
		return nil
	})
	if err != nil {
		return nil, errors.Join(stepErr, err)
	}
	if err := rec.record(ctx, id, models.AuditDeployFailed, actor, stepErr.Err.Error(), map[string]string{"step": step}); err != nil {
		return updated, errors.Join(stepErr, err)
	}
	u.metrics.ObserveTransition(models.StatusFailed)
	return updated, stepErr
}
