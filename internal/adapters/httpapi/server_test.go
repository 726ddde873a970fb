package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/trebuchet-org/evolve/internal/adapters/authz"
	"github.com/trebuchet-org/evolve/internal/adapters/llm"
	memstore "github.com/trebuchet-org/evolve/internal/adapters/memory"
	"github.com/trebuchet-org/evolve/internal/adapters/metrics"
	"github.com/trebuchet-org/evolve/internal/agent"
	"github.com/trebuchet-org/evolve/internal/bg"
	"github.com/trebuchet-org/evolve/internal/domain"
	"github.com/trebuchet-org/evolve/internal/domain/config"
	"github.com/trebuchet-org/evolve/internal/domain/models"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

// loopback succeeds at every step
type loopback struct{}

func (loopback) ApplyChanges(context.Context, []models.FileChange) error { return nil }
func (loopback) Build(_ context.Context, v string) (*usecase.BuildResult, error) {
	return &usecase.BuildResult{Image: "app:" + v}, nil
}
func (loopback) Package(_ context.Context, v string, b *usecase.BuildResult) (*models.Release, error) {
	return &models.Release{Version: v, Image: b.Image}, nil
}
func (loopback) Rollout(context.Context, *models.Release, time.Duration) error { return nil }
func (loopback) OpenReview(context.Context, usecase.ReviewRequest) (*models.ReviewArtifact, error) {
	return &models.ReviewArtifact{}, nil
}
func (loopback) MergeReview(context.Context, string, *models.ReviewArtifact) error { return nil }
func (loopback) DeleteBranch(context.Context, string) error                        { return nil }
func (loopback) Present(context.Context, usecase.ApprovalPrompt) error             { return nil }
func (loopback) Notify(context.Context, string, string) error                      { return nil }

// sideEffects is everything the fixture delegates outside the process
type sideEffects interface {
	usecase.WorkingTree
	usecase.Builder
	usecase.Packager
	usecase.Orchestrator
	usecase.VersionControl
	usecase.ApprovalPresenter
	usecase.Notifier
}

// slowRollout holds the rollout until released and reports what it saw
type slowRollout struct {
	loopback
	release chan struct{}
	seen    chan error
	notes   chan string
}

func newSlowRollout() *slowRollout {
	return &slowRollout{release: make(chan struct{}), seen: make(chan error, 1), notes: make(chan string, 4)}
}

func (s *slowRollout) Rollout(ctx context.Context, _ *models.Release, _ time.Duration) error {
	<-s.release
	s.seen <- ctx.Err()
	return ctx.Err()
}

func (s *slowRollout) Notify(_ context.Context, _ string, message string) error {
	s.notes <- message
	return nil
}

type fixture struct {
	gate    *usecase.ExpiringGate
	handler http.Handler
}

func newFixture(t *testing.T, mutate func(cfg *config.RuntimeConfig)) *fixture {
	t.Helper()
	return buildFixture(t, mutate, loopback{}, bg.Sync{})
}

func buildFixture(t *testing.T, mutate func(cfg *config.RuntimeConfig), lb sideEffects, runner bg.Runner) *fixture {
	t.Helper()
	cfg := &config.RuntimeConfig{Project: config.DefaultProjectConfig()}
	cfg.Project.Pipeline.Timezone = "UTC"
	cfg.Project.Server.TokenEnv = ""
	if mutate != nil {
		mutate(cfg)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := usecase.SystemClock{}
	reg := metrics.NewRegistry()
	rec := metrics.NewRecorder(reg)
	progress := usecase.NopProgress{}
	store := memstore.NewStore()

	guard, err := usecase.NewRateGuard(store, clock, cfg)
	require.NoError(t, err)
	enforcer, err := authz.NewEnforcer(cfg.Project.Approvers)
	require.NoError(t, err)
	pipeline := usecase.NewReleasePipeline(lb, lb, lb, rec, progress, log, cfg)
	commands := usecase.NewCommandRegistry(usecase.NewDeployChangeset(lb, pipeline, store, clock, log))
	gate := usecase.NewExpiringGate(store, store, lb, lb, commands, clock, rec, log, cfg)
	t.Cleanup(gate.Close)

	stats := usecase.NewGetStats(store, guard)
	toolset := agent.NewToolset(
		usecase.NewProposeImprovement(store, guard, llm.StaticAssessor{}, clock, rec, progress, log),
		usecase.NewListProposals(store),
		usecase.NewShowProposal(store),
		usecase.NewApproveProposal(store, enforcer, clock, rec, log),
		usecase.NewRejectProposal(store, enforcer, clock, rec, log),
		usecase.NewDeployProposal(store, lb, pipeline, enforcer, clock, rec, log, cfg),
		stats, bg.Sync{}, lb, log,
	)

	srv, err := NewServer(gate, toolset, stats, reg, memory.NewStore(), runner, cfg, log)
	require.NoError(t, err)
	return &fixture{gate: gate, handler: srv.Handler()}
}

func (f *fixture) open(t *testing.T, id string) {
	t.Helper()
	_, err := f.gate.Request(context.Background(), usecase.RequestParams{
		ID:              id,
		Title:           "Update a.txt",
		Changes:         []models.FileChange{{FilePath: "a.txt", Action: models.FileModify, Content: "v2"}},
		AuthorizedUsers: []string{"u1"},
	})
	require.NoError(t, err)
}

func (f *fixture) do(method, target string, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	f.open(t, "r0")
	rec = f.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `evolve_approval_gate_total{outcome="opened"} 1`)
}

func TestChoose(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, "r1")

	rec := f.do(http.MethodPost, "/approvals/approve:r1?user=u2", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodGet, "/approvals", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.ApprovalRequest](t, rec), 1)

	rec = f.do(http.MethodPost, "/approvals/approve:r1", "", map[string]string{HeaderUser: "u1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[choiceResponse](t, rec)
	assert.Equal(t, "r1", res.RequestID)
	assert.Equal(t, "approve", res.Choice)
	assert.False(t, res.Failed)
	assert.Contains(t, res.Message, "Deployed")

	rec = f.do(http.MethodPost, "/approvals/decline:r1?user=u1", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodPost, "/approvals/maybe:r1?user=u1", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/approvals", "", nil)
	assert.Empty(t, decode[[]models.ApprovalRequest](t, rec))
}

func TestChooseCallerIdentity(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, "r1")

	// The header identity cannot be swapped for an authorized user
	rec := f.do(http.MethodPost, "/approvals/approve:r1?user=u1", "", map[string]string{HeaderUser: "u2"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodGet, "/approvals", "", nil)
	assert.Len(t, decode[[]models.ApprovalRequest](t, rec), 1)

	rec = f.do(http.MethodPost, "/approvals/decline:r1?user=u1", "", map[string]string{HeaderUser: "u1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Declined by u1: 1 change(s) discarded", decode[choiceResponse](t, rec).Message)
}

func TestChooseOutlivesCallback(t *testing.T) {
	side := newSlowRollout()
	runner := &bg.Group{}
	f := buildFixture(t, nil, side, runner)
	f.open(t, "r1")

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/approvals/approve:r1", nil).WithContext(ctx)
	req.Header.Set(HeaderUser, "u1")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	// The chat platform gives up on the callback
	cancel()

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	res := decode[choiceResponse](t, rec)
	assert.True(t, res.Pending)
	assert.Equal(t, "Approved by u1; the outcome will be posted to the channel", res.Message)

	// Already claimed while the rollout runs
	rec = f.do(http.MethodPost, "/approvals/decline:r1", "", map[string]string{HeaderUser: "u1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	close(side.release)
	waitCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	require.NoError(t, runner.Wait(waitCtx))

	assert.NoError(t, <-side.seen)
	assert.Contains(t, <-side.notes, "Approved by u1: Deployed")
}

func TestTools(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/tools", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]toolInfo](t, rec), 6)

	rec = f.do(http.MethodPost, "/tools/propose_improvement", `{"idea": "add a /stats command"}`,
		map[string]string{HeaderUser: "user-1", HeaderChannel: "general"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(decode[map[string]string](t, rec)["reply"], "Proposal "))

	rec = f.do(http.MethodPost, "/tools/approve_proposal", `{"id": "x"}`, nil)
	assert.Equal(t, "Error: acting_user: is required", decode[map[string]string](t, rec)["reply"])

	rec = f.do(http.MethodGet, "/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[usecase.StatsResult](t, rec).TotalProposed)
}

func TestToken(t *testing.T) {
	t.Setenv("EVOLVE_TEST_SERVER_TOKEN", "s3cret")
	f := newFixture(t, func(cfg *config.RuntimeConfig) {
		cfg.Project.Server.TokenEnv = "EVOLVE_TEST_SERVER_TOKEN"
	})

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/stats", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/stats", "", map[string]string{"Authorization": "Bearer nope"}).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/stats", "", map[string]string{"Authorization": "Bearer s3cret"}).Code)
	// health stays open for probes
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", "", nil).Code)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(cfg *config.RuntimeConfig) {
		cfg.Project.Server.Rate = "2-M"
	})

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/stats", "", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/stats", "", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(http.MethodGet, "/stats", "", nil).Code)
}

func TestInvalidRate(t *testing.T) {
	cfg := &config.RuntimeConfig{Project: config.DefaultProjectConfig()}
	cfg.Project.Server.Rate = "lots"
	_, err := NewServer(nil, &agent.Toolset{}, nil, nil, memory.NewStore(), bg.Sync{}, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.Required("id"), http.StatusBadRequest},
		{&domain.ForbiddenError{Actor: "m", Action: "approve"}, http.StatusForbidden},
		{&domain.ExpiredOrUnknownError{RequestID: "r1"}, http.StatusNotFound},
		{&domain.NotFoundError{Kind: "proposal", ID: "p"}, http.StatusNotFound},
		{&domain.StateError{ID: "p", Operation: "deploy", Current: models.StatusProposed}, http.StatusConflict},
		{fmt.Errorf("request r1: %w", domain.ErrAlreadyExists), http.StatusConflict},
		{&domain.RateLimitError{Cap: 5, Current: 5}, http.StatusTooManyRequests},
		{fmt.Errorf("%w: model down", domain.ErrGenerationFailed), http.StatusUnprocessableEntity},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}
