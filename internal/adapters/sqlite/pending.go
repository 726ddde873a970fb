package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/trebuchet-org/evolve/internal/domain"
	"github.com/trebuchet-org/evolve/internal/domain/models"
)

// PutRequest stores a pending approval request
func (s *Store) PutRequest(ctx context.Context, req *models.ApprovalRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode approval request: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_requests (id, created_at, expires_at, body) VALUES (?, ?, ?, ?)`,
		req.ID, req.CreatedAt.UnixNano(), req.ExpiresAt.UnixNano(), string(body))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("approval request %s: %w", req.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to insert approval request: %w", err)
	}
	return nil
}

// GetRequest retrieves a pending approval request
func (s *Store) GetRequest(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM pending_requests WHERE id = ?`, id).Scan(&body)
	return decodeRequest(id, body, err)
}

// TakeRequest deletes the row and returns it in one statement
func (s *Store) TakeRequest(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `DELETE FROM pending_requests WHERE id = ? RETURNING body`, id).Scan(&body)
	return decodeRequest(id, body, err)
}

func decodeRequest(id, body string, err error) (*models.ApprovalRequest, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "approval request", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query approval request: %w", err)
	}
	var req models.ApprovalRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return nil, fmt.Errorf("failed to decode approval request: %w", err)
	}
	return &req, nil
}

// ListRequests returns all pending requests, oldest first
func (s *Store) ListRequests(ctx context.Context) ([]*models.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, body FROM pending_requests ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query approval requests: %w", err)
	}
	defer rows.Close()

	result := []*models.ApprovalRequest{}
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		req, err := decodeRequest(id, body, nil)
		if err != nil {
			return nil, err
		}
		result = append(result, req)
	}
	return result, rows.Err()
}
