package proposals

import (
	"context"
	"fmt"
	"sort"

	"github.com/trebuchet-org/evolve/internal/domain"
	"github.com/trebuchet-org/evolve/internal/domain/models"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

// PutRequest stores a pending approval request
func (r *FileRepository) PutRequest(ctx context.Context, req *models.ApprovalRequest) error {
	return r.withState(ctx, true, func() error {
		if _, exists := r.pending[req.ID]; exists {
			return fmt.Errorf("approval request %s: %w", req.ID, domain.ErrAlreadyExists)
		}
		r.pending[req.ID] = req
		if err := r.saveFile(PendingFile, r.pending); err != nil {
			delete(r.pending, req.ID)
			return fmt.Errorf("failed to save pending requests: %w", err)
		}
		return nil
	})
}

// GetRequest retrieves a pending approval request
func (r *FileRepository) GetRequest(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	var result *models.ApprovalRequest
	err := r.withState(ctx, false, func() error {
		req, exists := r.pending[id]
		if !exists {
			return &domain.NotFoundError{Kind: "approval request", ID: id}
		}
		result = req
		return nil
	})
	return result, err
}

// TakeRequest removes and returns a pending request. The exclusive lock makes
// the removal atomic across processes sharing the directory.
func (r *FileRepository) TakeRequest(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	var result *models.ApprovalRequest
	err := r.withState(ctx, true, func() error {
		req, exists := r.pending[id]
		if !exists {
			return &domain.NotFoundError{Kind: "approval request", ID: id}
		}
		delete(r.pending, id)
		if err := r.saveFile(PendingFile, r.pending); err != nil {
			return fmt.Errorf("failed to save pending requests: %w", err)
		}
		result = req
		return nil
	})
	return result, err
}

// ListRequests returns all pending requests, oldest first
func (r *FileRepository) ListRequests(ctx context.Context) ([]*models.ApprovalRequest, error) {
	var result []*models.ApprovalRequest
	err := r.withState(ctx, false, func() error {
		result = make([]*models.ApprovalRequest, 0, len(r.pending))
		for _, req := range r.pending {
			result = append(result, req)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

var _ usecase.PendingStore = (*FileRepository)(nil)
