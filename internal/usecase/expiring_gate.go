package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/trebuchet-org/evolve/internal/domain"
	"github.com/trebuchet-org/evolve/internal/domain/config"
	"github.com/trebuchet-org/evolve/internal/domain/models"
)

// Gate outcomes reported to Metrics
const (
	GateOpened    = "opened"
	GateApproved  = "approved"
	GateDeclined  = "declined"
	GateExpired   = "expired"
	GateForbidden = "forbidden"
	GateUnknown   = "unknown"
)

// ExpiringGate is the single-vote approval gate for fully specified direct changes.
// Pending requests live in a durable PendingStore carrying their deadline; a
// per-request timer, a lazy check on read and a periodic Sweep all expire them.
// Resolution and expiry both go through PendingStore.TakeRequest, so exactly one
// of them wins for any request.
type ExpiringGate struct {
	pending   PendingStore
	audit     AuditLog
	presenter ApprovalPresenter
	notifier  Notifier
	commands  *CommandRegistry
	clock     Clock
	metrics   Metrics
	log       *slog.Logger
	ttl       time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewExpiringGate creates a new expiring gate
func NewExpiringGate(
	pending PendingStore,
	audit AuditLog,
	presenter ApprovalPresenter,
	notifier Notifier,
	commands *CommandRegistry,
	clock Clock,
	metrics Metrics,
	log *slog.Logger,
	cfg *config.RuntimeConfig,
) *ExpiringGate {
	ttl := cfg.Project.Pipeline.ApprovalTTL.Duration
	if ttl <= 0 {
		ttl = models.DefaultApprovalTTL
	}
	return &ExpiringGate{
		pending:   pending,
		audit:     audit,
		presenter: presenter,
		notifier:  notifier,
		commands:  commands,
		clock:     clock,
		metrics:   metrics,
		log:       log,
		ttl:       ttl,
		timers:    make(map[string]*time.Timer),
	}
}

// RequestParams describes a new direct-change request
type RequestParams struct {
	// ID is generated when empty
	ID              string
	Title           string
	Description     string
	Changes         []models.FileChange
	AuthorizedUsers []string
	RequestedBy     string
	Channel         string
	// OnApprove and OnDecline default to applying and discarding the changeset
	OnApprove *models.Command
	OnDecline *models.Command
}

// Request registers a pending request, presents the approve/decline choice and
// schedules its expiry.
func (g *ExpiringGate) Request(ctx context.Context, params RequestParams) (*models.ApprovalRequest, error) {
	req, err := g.build(params)
	if err != nil {
		return nil, err
	}

	if err := g.ensureUnused(ctx, req.ID); err != nil {
		return nil, err
	}
	if err := g.pending.PutRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to store approval request: %w", err)
	}

	rec := auditRecorder{log: g.audit, clock: g.clock}
	if err := rec.record(ctx, req.ID, models.AuditRequestOpened, req.RequestedBy, req.Title, map[string]string{
		"expiresAt": req.ExpiresAt.Format(time.RFC3339),
		"users":     strings.Join(req.AuthorizedUsers, ","),
	}); err != nil {
		return nil, err
	}

	g.arm(req.ID, req.ExpiresAt.Sub(req.CreatedAt))
	g.metrics.ObserveGate(GateOpened)
	g.log.Info("approval request opened", "id", req.ID, "expiresAt", req.ExpiresAt, "users", req.AuthorizedUsers)

	if err := g.presenter.Present(ctx, promptFor(req)); err != nil {
		// The request stays pending; it can still be resolved by action id
		g.log.Warn("failed to present approval request", "id", req.ID, "error", err)
	}
	return req, nil
}

func (g *ExpiringGate) build(params RequestParams) (*models.ApprovalRequest, error) {
	if strings.TrimSpace(params.Title) == "" {
		return nil, domain.Required("title")
	}
	if len(params.Changes) == 0 {
		return nil, domain.Required("changes")
	}
	for i, c := range params.Changes {
		if c.FilePath == "" {
			return nil, domain.Required(fmt.Sprintf("changes[%d].filePath", i))
		}
		switch c.Action {
		case models.FileCreate, models.FileModify, models.FileDelete:
		default:
			return nil, &domain.ValidationError{Field: fmt.Sprintf("changes[%d].action", i), Message: fmt.Sprintf("unknown action %q", c.Action)}
		}
	}
	users := lo.Uniq(lo.Filter(params.AuthorizedUsers, func(u string, _ int) bool { return strings.TrimSpace(u) != "" }))
	if len(users) == 0 {
		return nil, domain.Required("authorizedUsers")
	}
	if strings.Contains(params.ID, ":") {
		return nil, &domain.ValidationError{Field: "id", Message: "must not contain ':'"}
	}

	onApprove := models.Command{Op: OpApplyChangeset}
	if params.OnApprove != nil {
		onApprove = *params.OnApprove
	}
	onDecline := models.Command{Op: OpDiscardChangeset}
	if params.OnDecline != nil {
		onDecline = *params.OnDecline
	}
	for field, cmd := range map[string]models.Command{"onApprove": onApprove, "onDecline": onDecline} {
		if _, err := g.commands.Resolve(cmd); err != nil {
			return nil, &domain.ValidationError{Field: field, Message: err.Error()}
		}
	}

	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := g.clock.Now()
	return &models.ApprovalRequest{
		ID:              id,
		Title:           params.Title,
		Description:     params.Description,
		Changes:         params.Changes,
		AuthorizedUsers: users,
		RequestedBy:     params.RequestedBy,
		Channel:         params.Channel,
		OnApprove:       onApprove,
		OnDecline:       onDecline,
		CreatedAt:       now,
		ExpiresAt:       now.Add(g.ttl),
	}, nil
}

// ensureUnused rejects ids that are pending or were ever opened before
func (g *ExpiringGate) ensureUnused(ctx context.Context, id string) error {
	if _, err := g.pending.GetRequest(ctx, id); err == nil {
		return fmt.Errorf("approval request %s: %w", id, domain.ErrAlreadyExists)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("failed to look up approval request: %w", err)
	}
	events, err := g.audit.ListEvents(ctx, domain.AuditFilter{SubjectID: id})
	if err != nil {
		return fmt.Errorf("failed to read audit history: %w", err)
	}
	if lo.SomeBy(events, func(e *models.AuditEvent) bool { return e.Action == models.AuditRequestOpened }) {
		return fmt.Errorf("approval request %s was already used: %w", id, domain.ErrAlreadyExists)
	}
	return nil
}

// Claim is a choice that won the race for a pending request. The request is
// already out of the pending table; Resolve runs its handler.
type Claim struct {
	Request *models.ApprovalRequest
	Choice  models.Choice
	Actor   string
}

// Message acknowledges a claim whose handler has not finished yet
func (c *Claim) Message() string {
	return fmt.Sprintf("%s by %s; the outcome will be posted to the channel", choiceVerb(c.Choice), c.Actor)
}

// ChoiceResult is the outcome of an accepted choice
type ChoiceResult struct {
	Request *models.ApprovalRequest
	Choice  models.Choice
	Actor   string
	// Output and HandlerErr are what the bound handler returned
	Output     string
	HandlerErr error
}

func choiceVerb(c models.Choice) string {
	if c == models.ChoiceDecline {
		return "Declined"
	}
	return "Approved"
}

// Message renders the result as it is reported back to the channel
func (r *ChoiceResult) Message() string {
	verb := choiceVerb(r.Choice)
	if r.HandlerErr != nil {
		if r.Output != "" {
			return fmt.Sprintf("%s by %s, but the handler failed: %s", verb, r.Actor, r.Output)
		}
		return fmt.Sprintf("%s by %s, but the handler failed: %v", verb, r.Actor, r.HandlerErr)
	}
	if r.Output == "" {
		return fmt.Sprintf("%s by %s", verb, r.Actor)
	}
	return fmt.Sprintf("%s by %s: %s", verb, r.Actor, r.Output)
}

// OnChoiceAction resolves a request from an action id such as "approve:r1"
func (g *ExpiringGate) OnChoiceAction(ctx context.Context, actionID, userID string) (*ChoiceResult, error) {
	claim, err := g.ClaimAction(ctx, actionID, userID)
	if err != nil {
		return nil, err
	}
	return g.Resolve(ctx, claim), nil
}

// OnChoice claims a pending request and runs its handler on the caller's goroutine.
// A handler failure is reported in ChoiceResult.HandlerErr, not as err.
func (g *ExpiringGate) OnChoice(ctx context.Context, id, userID string, choice models.Choice) (*ChoiceResult, error) {
	claim, err := g.Claim(ctx, id, userID, choice)
	if err != nil {
		return nil, err
	}
	return g.Resolve(ctx, claim), nil
}

// ClaimAction claims a request from an action id such as "approve:r1"
func (g *ExpiringGate) ClaimAction(ctx context.Context, actionID, userID string) (*Claim, error) {
	choice, id, err := models.ParseActionID(actionID)
	if err != nil {
		return nil, &domain.ValidationError{Field: "action", Message: err.Error()}
	}
	return g.Claim(ctx, id, userID, choice)
}

// Claim checks a choice and removes the request from the pending table. Only the
// first accepted choice is honored; every later submission observes
// ExpiredOrUnknown. The request stays removed whatever its handler later returns.
func (g *ExpiringGate) Claim(ctx context.Context, id, userID string, choice models.Choice) (*Claim, error) {
	if choice != models.ChoiceApprove && choice != models.ChoiceDecline {
		return nil, &domain.ValidationError{Field: "choice", Message: fmt.Sprintf("unknown choice %q", choice)}
	}
	if strings.TrimSpace(userID) == "" {
		return nil, domain.Required("user")
	}

	req, err := g.pending.GetRequest(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, g.unknown(id, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up approval request: %w", err)
	}
	if req.Expired(g.clock.Now()) {
		g.expire(ctx, id)
		return nil, g.unknown(id, userID)
	}

	if !req.IsAuthorized(userID) {
		g.log.Warn("forbidden approval choice", "actor", userID, "request", id, "choice", choice)
		g.metrics.ObserveGate(GateForbidden)
		rec := auditRecorder{log: g.audit, clock: g.clock}
		if err := rec.record(ctx, id, models.AuditForbidden, userID, string(choice), nil); err != nil {
			return nil, err
		}
		return nil, &domain.ForbiddenError{Actor: userID, Action: string(choice) + " request " + id}
	}

	// Atomic check-and-remove: concurrent submissions race here and only one wins
	taken, err := g.pending.TakeRequest(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, g.unknown(id, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve approval request: %w", err)
	}
	g.disarm(id)
	return &Claim{Request: taken, Choice: choice, Actor: userID}, nil
}

// Resolve runs the handler bound to a claimed request, then records the outcome
// and reports it to the requesting channel.
func (g *ExpiringGate) Resolve(ctx context.Context, c *Claim) *ChoiceResult {
	id := c.Request.ID
	cmd := c.Request.HandlerFor(c.Choice)
	result := &ChoiceResult{Request: c.Request, Choice: c.Choice, Actor: c.Actor}
	handler, err := g.commands.Resolve(cmd)
	if err != nil {
		result.HandlerErr = err
	} else {
		result.Output, result.HandlerErr = handler(ctx, c.Request, cmd, c.Actor)
	}

	outcome := GateApproved
	if c.Choice == models.ChoiceDecline {
		outcome = GateDeclined
	}
	g.metrics.ObserveGate(outcome)

	meta := map[string]string{"choice": string(c.Choice), "op": cmd.Op}
	if result.HandlerErr != nil {
		meta["error"] = result.HandlerErr.Error()
		g.log.Error("approval handler failed", "id", id, "choice", c.Choice, "error", result.HandlerErr)
	} else {
		g.log.Info("approval request resolved", "id", id, "choice", c.Choice, "actor", c.Actor)
	}
	rec := auditRecorder{log: g.audit, clock: g.clock}
	if err := rec.record(ctx, id, models.AuditRequestResolved, c.Actor, result.Output, meta); err != nil {
		g.log.Error("failed to record resolution", "id", id, "error", err)
	}
	g.notify(ctx, c.Request.Channel, result.Message())
	return result
}

func (g *ExpiringGate) unknown(id, userID string) error {
	g.log.Warn("approval request expired or unknown", "id", id, "actor", userID)
	g.metrics.ObserveGate(GateUnknown)
	return &domain.ExpiredOrUnknownError{RequestID: id}
}

// expire removes id if it is still pending. It is a no-op when a choice won the race.
func (g *ExpiringGate) expire(ctx context.Context, id string) bool {
	g.disarm(id)
	req, err := g.pending.TakeRequest(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			g.log.Error("failed to expire approval request", "id", id, "error", err)
		}
		return false
	}
	g.metrics.ObserveGate(GateExpired)
	g.log.Info("approval request expired", "id", id)
	rec := auditRecorder{log: g.audit, clock: g.clock}
	if err := rec.record(ctx, id, models.AuditRequestExpired, "", req.Title, nil); err != nil {
		g.log.Error("failed to record expiry", "id", id, "error", err)
	}
	g.notify(ctx, req.Channel, fmt.Sprintf("Approval request %q expired without a decision", req.Title))
	return true
}

func (g *ExpiringGate) notify(ctx context.Context, channel, message string) {
	if err := g.notifier.Notify(ctx, channel, message); err != nil {
		g.log.Warn("failed to notify channel", "channel", channel, "error", err)
	}
}

// Sweep expires every pending request past its deadline and returns how many it removed
func (g *ExpiringGate) Sweep(ctx context.Context) (int, error) {
	reqs, err := g.pending.ListRequests(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending requests: %w", err)
	}
	now := g.clock.Now()
	expired := 0
	for _, req := range reqs {
		if req.Expired(now) && g.expire(ctx, req.ID) {
			expired++
		}
	}
	return expired, nil
}

// Recover re-arms timers for requests persisted by a previous process and expires
// the ones whose deadline passed while it was down.
func (g *ExpiringGate) Recover(ctx context.Context) (int, error) {
	reqs, err := g.pending.ListRequests(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending requests: %w", err)
	}
	now := g.clock.Now()
	armed := 0
	for _, req := range reqs {
		if req.Expired(now) {
			g.expire(ctx, req.ID)
			continue
		}
		g.arm(req.ID, req.ExpiresAt.Sub(now))
		armed++
	}
	if armed > 0 {
		g.log.Info("recovered pending approval requests", "count", armed)
	}
	return armed, nil
}

// Pending lists open requests that have not yet expired
func (g *ExpiringGate) Pending(ctx context.Context) ([]*models.ApprovalRequest, error) {
	reqs, err := g.pending.ListRequests(ctx)
	if err != nil {
		return nil, err
	}
	now := g.clock.Now()
	return lo.Filter(reqs, func(r *models.ApprovalRequest, _ int) bool { return !r.Expired(now) }), nil
}

// Close stops all expiry timers. Pending requests stay in the store for Recover.
func (g *ExpiringGate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for id, t := range g.timers {
		t.Stop()
		delete(g.timers, id)
	}
}

func (g *ExpiringGate) arm(id string, after time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	if t, ok := g.timers[id]; ok {
		t.Stop()
	}
	g.timers[id] = time.AfterFunc(after, func() { g.fire(id) })
}

func (g *ExpiringGate) fire(id string) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	delete(g.timers, id)
	g.mu.Unlock()
	g.expire(context.Background(), id)
}

func (g *ExpiringGate) disarm(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.timers[id]; ok {
		t.Stop()
		delete(g.timers, id)
	}
}

func promptFor(req *models.ApprovalRequest) ApprovalPrompt {
	return ApprovalPrompt{
		RequestID:       req.ID,
		Title:           req.Title,
		Description:     req.Description,
		Changes:         req.Changes,
		AuthorizedUsers: req.AuthorizedUsers,
		ExpiresAt:       req.ExpiresAt,
		ApproveAction:   models.ActionID(models.ChoiceApprove, req.ID),
		DeclineAction:   models.ActionID(models.ChoiceDecline, req.ID),
	}
}
