package usecase

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/trebuchet-org/evolve/internal/domain/models"
)

// auditRecorder stamps and appends audit events
type auditRecorder struct {
	log   AuditLog
	clock Clock
}

func (r auditRecorder) record(ctx context.Context, subjectID string, action models.AuditAction, actor, detail string, meta map[string]string) error {
	event := &models.AuditEvent{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		Action:    action,
		Actor:     actor,
		Detail:    detail,
		Metadata:  meta,
		At:        r.clock.Now(),
	}
	if err := r.log.AppendEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to append audit event %s: %w", action, err)
	}
	return nil
}

// inflight tracks ids with a long-running operation in progress so the same
// proposal is never implemented or deployed twice at once.
type inflight struct {
	ids sync.Map
}

func (f *inflight) claim(id string) bool {
	_, loaded := f.ids.LoadOrStore(id, struct{}{})
	return !loaded
}

func (f *inflight) release(id string) {
	f.ids.Delete(id)
}
