package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	goredis "github.com/redis/go-redis/v9"

	"github.com/trebuchet-org/evolve/internal/domain"
	"github.com/trebuchet-org/evolve/internal/domain/models"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

// DefaultKey is the hash holding pending approval requests
const DefaultKey = "evolve:pending:v1"

// PendingStore keeps pending approval requests in a redis hash keyed by request id
type PendingStore struct {
	client *goredis.Client
	key    string
}

// NewPendingStore creates a pending store on an existing client
func NewPendingStore(client *goredis.Client, key string) *PendingStore {
	if key == "" {
		key = DefaultKey
	}
	return &PendingStore{client: client, key: key}
}

// Dial parses a redis:// url and returns a connected client
func Dial(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return client, nil
}

// PutRequest stores req unless the id is already pending
func (s *PendingStore) PutRequest(ctx context.Context, req *models.ApprovalRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode approval request: %w", err)
	}
	ok, err := s.client.HSetNX(ctx, s.key, req.ID, body).Result()
	if err != nil {
		return fmt.Errorf("failed to store approval request: %w", err)
	}
	if !ok {
		return fmt.Errorf("approval request %s: %w", req.ID, domain.ErrAlreadyExists)
	}
	return nil
}

// GetRequest retrieves a pending request
func (s *PendingStore) GetRequest(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	result, err := s.client.HGet(ctx, s.key, id).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, &domain.NotFoundError{Kind: "approval request", ID: id}
		}
		return nil, err
	}
	return decode(result)
}

// TakeRequest reads then deletes the field. Only the caller whose HDEL removed
// the field wins; everyone else sees NotFound.
func (s *PendingStore) TakeRequest(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	req, err := s.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	removed, err := s.client.HDel(ctx, s.key, id).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to remove approval request: %w", err)
	}
	if removed == 0 {
		return nil, &domain.NotFoundError{Kind: "approval request", ID: id}
	}
	return req, nil
}

// ListRequests returns all pending requests, oldest first
func (s *PendingStore) ListRequests(ctx context.Context) ([]*models.ApprovalRequest, error) {
	all, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	result := make([]*models.ApprovalRequest, 0, len(all))
	for _, value := range all {
		req, err := decode(value)
		if err != nil {
			return nil, err
		}
		result = append(result, req)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func decode(value string) (*models.ApprovalRequest, error) {
	var req models.ApprovalRequest
	if err := json.Unmarshal([]byte(value), &req); err != nil {
		return nil, fmt.Errorf("failed to decode approval request: %w", err)
	}
	return &req, nil
}

var _ usecase.PendingStore = (*PendingStore)(nil)
