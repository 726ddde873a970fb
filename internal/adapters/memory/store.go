// Package memory holds process-local stores. Nothing survives a restart; it
// backs the "memory" store driver and tests that need a real store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/trebuchet-org/evolve/internal/domain"
	"github.com/trebuchet-org/evolve/internal/domain/models"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

// Store is an in-memory AuditStore and PendingStore
type Store struct {
	mu        sync.RWMutex
	proposals map[string]*models.Proposal
	events    []*models.AuditEvent
	pending   map[string]*models.ApprovalRequest
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		proposals: make(map[string]*models.Proposal),
		pending:   make(map[string]*models.ApprovalRequest),
	}
}

func (s *Store) GetProposal(ctx context.Context, id string) (*models.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "proposal", ID: id}
	}
	return p.Clone(), nil
}

func (s *Store) ListProposals(ctx context.Context, filter domain.ProposalFilter) ([]*models.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := []*models.Proposal{}
	for _, p := range s.proposals {
		if filter.Matches(p) {
			result = append(result, p.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ProposedAt.Before(result[j].ProposedAt) })
	return result, nil
}

func (s *Store) CreateProposal(ctx context.Context, p *models.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proposals[p.ID]; ok {
		return fmt.Errorf("proposal %s: %w", p.ID, domain.ErrAlreadyExists)
	}
	s.proposals[p.ID] = p.Clone()
	return nil
}

func (s *Store) UpdateProposal(ctx context.Context, id string, fn func(p *models.Proposal) error) (*models.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.proposals[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "proposal", ID: id}
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.proposals[id] = next
	return next.Clone(), nil
}

func (s *Store) AppendEvent(ctx context.Context, e *models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *e
	s.events = append(s.events, &c)
	return nil
}

func (s *Store) ListEvents(ctx context.Context, filter domain.AuditFilter) ([]*models.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := []*models.AuditEvent{}
	for _, e := range s.events {
		if filter.Matches(e) {
			c := *e
			result = append(result, &c)
		}
	}
	return result, nil
}

func (s *Store) PutRequest(ctx context.Context, req *models.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[req.ID]; ok {
		return fmt.Errorf("approval request %s: %w", req.ID, domain.ErrAlreadyExists)
	}
	s.pending[req.ID] = req
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.pending[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "approval request", ID: id}
	}
	return req, nil
}

func (s *Store) TakeRequest(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.pending[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "approval request", ID: id}
	}
	delete(s.pending, id)
	return req, nil
}

func (s *Store) ListRequests(ctx context.Context) ([]*models.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*models.ApprovalRequest, 0, len(s.pending))
	for _, req := range s.pending {
		result = append(result, req)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

var (
	_ usecase.AuditStore   = (*Store)(nil)
	_ usecase.PendingStore = (*Store)(nil)
)
