package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/trebuchet-org/evolve/internal/domain"
	"github.com/trebuchet-org/evolve/internal/domain/models"
)

// ApproveProposal records an approval and advances the proposal once quorum is met
type ApproveProposal struct {
	store      AuditStore
	authorizer Authorizer
	clock      Clock
	metrics    Metrics
	log        *slog.Logger
}

// NewApproveProposal creates a new approve use case
func NewApproveProposal(store AuditStore, authorizer Authorizer, clock Clock, metrics Metrics, log *slog.Logger) *ApproveProposal {
	return &ApproveProposal{store: store, authorizer: authorizer, clock: clock, metrics: metrics, log: log}
}

// ApproveParams contains parameters for approving a proposal
type ApproveParams struct {
	ID    string
	Actor string
}

// ApproveResult reports the proposal and where it stands against its quorum
type ApproveResult struct {
	Proposal  *models.Proposal
	Approvals int
	Required  int
	// Added is false when the actor had already approved
	Added bool
}

// Run executes the approve use case
func (u *ApproveProposal) Run(ctx context.Context, params ApproveParams) (*ApproveResult, error) {
	if params.ID == "" {
		return nil, domain.Required("id")
	}
	rec := auditRecorder{log: u.store, clock: u.clock}
	if err := authorize(ctx, u.authorizer, rec, u.log, params.Actor, ActionApprove, params.ID); err != nil {
		return nil, err
	}

	var added, reachedQuorum bool
	updated, err := u.store.UpdateProposal(ctx, params.ID, func(p *models.Proposal) error {
		switch {
		case p.Status == models.StatusImplemented:
		case p.Status == models.StatusProposed && p.Risk == models.RiskLow:
		default:
			return &domain.StateError{ID: p.ID, Operation: "approve", Current: p.Status}
		}
		added = p.AddApprover(params.Actor)
		if p.HasQuorum() {
			p.Status = models.StatusApproved
			p.Resolve(u.clock.Now())
			reachedQuorum = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &ApproveResult{
		Proposal:  updated,
		Approvals: len(updated.Approvers),
		Required:  updated.Risk.RequiredApprovals(),
		Added:     added,
	}

	if added {
		count := strconv.Itoa(result.Approvals) + "/" + strconv.Itoa(result.Required)
		if err := rec.record(ctx, updated.ID, models.AuditApprovalRecorded, params.Actor, count, nil); err != nil {
			return nil, err
		}
	}
	if reachedQuorum {
		if err := rec.record(ctx, updated.ID, models.AuditApproved, params.Actor, strings.Join(updated.Approvers, ","), nil); err != nil {
			return nil, err
		}
		u.metrics.ObserveTransition(models.StatusApproved)
		u.log.Info("proposal approved", "id", updated.ID, "approvers", updated.Approvers)
	}
	return result, nil
}

// RejectProposal moves a proposal to REJECTED on the first authorized call
type RejectProposal struct {
	store      AuditStore
	authorizer Authorizer
	clock      Clock
	metrics    Metrics
	log        *slog.Logger
}

// NewRejectProposal creates a new reject use case
func NewRejectProposal(store AuditStore, authorizer Authorizer, clock Clock, metrics Metrics, log *slog.Logger) *RejectProposal {
	return &RejectProposal{store: store, authorizer: authorizer, clock: clock, metrics: metrics, log: log}
}

// RejectParams contains parameters for rejecting a proposal
type RejectParams struct {
	ID     string
	Actor  string
	Reason string
}

// Run executes the reject use case
func (u *RejectProposal) Run(ctx context.Context, params RejectParams) (*models.Proposal, error) {
	if params.ID == "" {
		return nil, domain.Required("id")
	}
	rec := auditRecorder{log: u.store, clock: u.clock}
	if err := authorize(ctx, u.authorizer, rec, u.log, params.Actor, ActionReject, params.ID); err != nil {
		return nil, err
	}

	updated, err := u.store.UpdateProposal(ctx, params.ID, func(p *models.Proposal) error {
		if !p.Status.CanTransition(models.StatusRejected) {
			return &domain.StateError{ID: p.ID, Operation: "reject", Current: p.Status}
		}
		if p.Deploying(u.clock.Now()) {
			return &domain.StateError{ID: p.ID, Operation: "reject (deployment in progress)", Current: p.Status}
		}
		p.Status = models.StatusRejected
		p.RejectedBy = params.Actor
		p.RejectReason = params.Reason
		p.Resolve(u.clock.Now())
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := rec.record(ctx, updated.ID, models.AuditRejected, params.Actor, params.Reason, nil); err != nil {
		return nil, err
	}
	u.metrics.ObserveTransition(models.StatusRejected)
	u.log.Info("proposal rejected", "id", updated.ID, "by", params.Actor)
	return updated, nil
}

// authorize fails closed: a missing actor is a validation error, an unauthorized
// one is logged, audited and returned as a ForbiddenError.
func authorize(ctx context.Context, authz Authorizer, rec auditRecorder, log *slog.Logger, actor, action, subject string) error {
	if strings.TrimSpace(actor) == "" {
		return domain.Required("actor")
	}
	ok, err := authz.Authorize(ctx, actor, action)
	if err != nil {
		return fmt.Errorf("failed to authorize %s: %w", actor, err)
	}
	if ok {
		return nil
	}
	log.Warn("forbidden action", "actor", actor, "action", action, "subject", subject)
	if err := rec.record(ctx, subject, models.AuditForbidden, actor, action, nil); err != nil {
		return err
	}
	return &domain.ForbiddenError{Actor: actor, Action: action}
}
