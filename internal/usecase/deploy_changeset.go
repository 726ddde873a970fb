package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/trebuchet-org/evolve/internal/domain"
	"github.com/trebuchet-org/evolve/internal/domain/models"
)

// DeployChangeset writes a fully specified direct-change request into the working
// tree and runs the release pipeline. Failures are reported, never rolled back.
type DeployChangeset struct {
	tree     WorkingTree
	pipeline *ReleasePipeline
	audit    AuditLog
	clock    Clock
	log      *slog.Logger
}

// NewDeployChangeset creates a new direct-change deploy use case
func NewDeployChangeset(tree WorkingTree, pipeline *ReleasePipeline, audit AuditLog, clock Clock, log *slog.Logger) *DeployChangeset {
	return &DeployChangeset{tree: tree, pipeline: pipeline, audit: audit, clock: clock, log: log}
}

// Run applies and ships the request's changes and returns a human readable summary
func (u *DeployChangeset) Run(ctx context.Context, req *models.ApprovalRequest, actor string) (string, error) {
	if len(req.Changes) == 0 {
		return "", domain.Required("changes")
	}
	rec := auditRecorder{log: u.audit, clock: u.clock}

	err := u.pipeline.Step(ctx, StepApply, fmt.Sprintf("Applying %d changes", len(req.Changes)), func(ctx context.Context) error {
		return u.tree.ApplyChanges(ctx, req.Changes)
	})
	var release *models.Release
	if err == nil {
		release, err = u.pipeline.Run(ctx, ReleaseVersion(u.clock.Now(), req.ID))
	}
	if err != nil {
		if recErr := rec.record(ctx, req.ID, models.AuditChangesetFailed, actor, err.Error(), nil); recErr != nil {
			u.log.Error("failed to record changeset failure", "id", req.ID, "error", recErr)
		}
		return fmt.Sprintf("Deployment of %q failed: %v. Files already written were left in place.", req.Title, err), err
	}

	if err := rec.record(ctx, req.ID, models.AuditChangesetDone, actor, release.Version, nil); err != nil {
		return "", err
	}
	u.log.Info("changeset deployed", "id", req.ID, "version", release.Version)
	return fmt.Sprintf("Deployed %q as %s (%d files changed)", req.Title, release.Version, len(req.Changes)), nil
}
