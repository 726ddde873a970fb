package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/trebuchet-org/evolve/internal/domain/models"
)

// Built-in resolution commands for direct-change requests
const (
	OpApplyChangeset   = "changeset.apply"
	OpDiscardChangeset = "changeset.discard"
)

// CommandHandler executes a resolved request. The returned text is reported back
// to the requesting channel together with the error, if any.
type CommandHandler func(ctx context.Context, req *models.ApprovalRequest, cmd models.Command, actor string) (string, error)

// CommandRegistry maps durable command descriptors to handlers
type CommandRegistry struct {
	mu       sync.RWMutex
	handlers map[string]CommandHandler
}

// NewCommandRegistry creates a registry with the built-in changeset commands
func NewCommandRegistry(deploy *DeployChangeset) *CommandRegistry {
	r := &CommandRegistry{handlers: make(map[string]CommandHandler)}
	r.Register(OpApplyChangeset, func(ctx context.Context, req *models.ApprovalRequest, _ models.Command, actor string) (string, error) {
		return deploy.Run(ctx, req, actor)
	})
	r.Register(OpDiscardChangeset, func(_ context.Context, req *models.ApprovalRequest, _ models.Command, _ string) (string, error) {
		return fmt.Sprintf("%d change(s) discarded", len(req.Changes)), nil
	})
	return r
}

// Register binds op to h, replacing any previous handler
func (r *CommandRegistry) Register(op string, h CommandHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[op] = h
}

// Resolve returns the handler for cmd
func (r *CommandRegistry) Resolve(cmd models.Command) (CommandHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[cmd.Op]
	if !ok {
		return nil, fmt.Errorf("no handler registered for command %q", cmd.Op)
	}
	return h, nil
}

// Ops lists the registered operation names
func (r *CommandRegistry) Ops() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops := make([]string, 0, len(r.handlers))
	for op := range r.handlers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}
