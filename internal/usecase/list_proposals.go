package usecase

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/trebuchet-org/evolve/internal/domain"
	"github.com/trebuchet-org/evolve/internal/domain/models"
)

// ListProposals lists proposals matching a filter, newest first
type ListProposals struct {
	proposals ProposalRepository
}

// NewListProposals creates a new list use case
func NewListProposals(proposals ProposalRepository) *ListProposals {
	return &ListProposals{proposals: proposals}
}

// ListParams contains parameters for listing proposals
type ListParams struct {
	Status string
	Risk   string
	User   string
	Limit  int
}

// Run executes the list use case
func (u *ListProposals) Run(ctx context.Context, params ListParams) ([]*models.Proposal, error) {
	filter := domain.ProposalFilter{User: params.User}
	if params.Status != "" {
		status := models.ProposalStatus(strings.ToUpper(params.Status))
		if _, known := knownStatuses[status]; !known {
			return nil, &domain.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", params.Status)}
		}
		filter.Status = status
	}
	if params.Risk != "" {
		risk := models.RiskLevel(strings.ToLower(params.Risk))
		if !risk.Valid() {
			return nil, &domain.ValidationError{Field: "risk", Message: fmt.Sprintf("unknown risk %q", params.Risk)}
		}
		filter.Risk = risk
	}

	proposals, err := u.proposals.ListProposals(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list proposals: %w", err)
	}
	sort.SliceStable(proposals, func(i, j int) bool {
		return proposals[i].ProposedAt.After(proposals[j].ProposedAt)
	})
	if params.Limit > 0 && len(proposals) > params.Limit {
		proposals = proposals[:params.Limit]
	}
	return proposals, nil
}

var knownStatuses = map[models.ProposalStatus]struct{}{
	models.StatusProposed:    {},
	models.StatusImplemented: {},
	models.StatusApproved:    {},
	models.StatusRejected:    {},
	models.StatusDeployed:    {},
	models.StatusFailed:      {},
}

// ShowProposal loads one proposal together with its audit history
type ShowProposal struct {
	store AuditStore
}

// NewShowProposal creates a new show use case
func NewShowProposal(store AuditStore) *ShowProposal {
	return &ShowProposal{store: store}
}

// ShowResult is a proposal and everything recorded about it
type ShowResult struct {
	Proposal *models.Proposal
	History  []*models.AuditEvent
}

// Run executes the show use case
func (u *ShowProposal) Run(ctx context.Context, id string) (*ShowResult, error) {
	if id == "" {
		return nil, domain.Required("id")
	}
	proposal, err := u.store.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := u.History(ctx, domain.AuditFilter{SubjectID: id})
	if err != nil {
		return nil, err
	}
	return &ShowResult{Proposal: proposal, History: history}, nil
}

// History returns audit events in chronological order
func (u *ShowProposal) History(ctx context.Context, filter domain.AuditFilter) ([]*models.AuditEvent, error) {
	events, err := u.store.ListEvents(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit history: %w", err)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].At.Before(events[j].At) })
	return events, nil
}
