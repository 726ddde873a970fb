package usecase_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/trebuchet-org/evolve/internal/domain"
	"github.com/trebuchet-org/evolve/internal/domain/config"
	"github.com/trebuchet-org/evolve/internal/domain/models"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

const opCount = "test.count"

type gateHarness struct {
	gate     *usecase.ExpiringGate
	pending  *memPending
	store    *memStore
	clock    usecase.Clock
	release  *fakeRelease
	chat     *recorder
	commands *usecase.CommandRegistry
	calls    atomic.Int32
}

func newGateHarness(t *testing.T, clock usecase.Clock, cfg *config.RuntimeConfig) *gateHarness {
	t.Helper()
	h := &gateHarness{
		pending: newMemPending(),
		store:   newMemStore(),
		clock:   clock,
		release: &fakeRelease{},
		chat:    &recorder{},
	}
	log := discardLogger()
	metrics := usecase.NopMetrics{}
	pipeline := usecase.NewReleasePipeline(h.release, h.release, h.release, metrics, usecase.NopProgress{}, log, cfg)
	h.commands = usecase.NewCommandRegistry(usecase.NewDeployChangeset(h.release, pipeline, h.store, clock, log))
	h.commands.Register(opCount, func(context.Context, *models.ApprovalRequest, models.Command, string) (string, error) {
		h.calls.Add(1)
		return "counted", nil
	})
	h.gate = usecase.NewExpiringGate(h.pending, h.store, h.chat, h.chat, h.commands, clock, metrics, log, cfg)
	t.Cleanup(h.gate.Close)
	return h
}

func directChange(id string) usecase.RequestParams {
	return usecase.RequestParams{
		ID:              id,
		Title:           "create a.txt",
		Changes:         []models.FileChange{{FilePath: "a.txt", Action: models.FileCreate, Content: "hello\n"}},
		AuthorizedUsers: []string{"u1"},
		Channel:         "general",
	}
}

func counted(id string) usecase.RequestParams {
	params := directChange(id)
	params.OnApprove = &models.Command{Op: opCount}
	params.OnDecline = &models.Command{Op: opCount}
	return params
}

func TestExpiringGate_DirectChange(t *testing.T) {
	ctx := context.Background()
	h := newGateHarness(t, newFakeClock(time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)), testConfig())

	req, err := h.gate.Request(ctx, directChange("r1"))
	require.NoError(t, err)
	assert.Equal(t, time.Hour, req.ExpiresAt.Sub(req.CreatedAt))
	require.Len(t, h.chat.prompts, 1)
	assert.Equal(t, "approve:r1", h.chat.prompts[0].ApproveAction)
	assert.Equal(t, "decline:r1", h.chat.prompts[0].DeclineAction)

	res, err := h.gate.OnChoice(ctx, "r1", "u1", models.ChoiceApprove)
	require.NoError(t, err)
	require.NoError(t, res.HandlerErr)
	assert.Contains(t, res.Output, "Deployed")
	assert.Equal(t, []string{"apply", "build", "package", "rollout"}, h.release.ran())
	assert.Equal(t, "a.txt", h.release.applied[0].FilePath)
	assert.False(t, h.pending.has("r1"))

	_, err = h.gate.OnChoice(ctx, "r1", "u1", models.ChoiceApprove)
	assert.ErrorIs(t, err, domain.ErrExpiredOrUnknown)
	assert.Len(t, h.release.ran(), 4)

	assert.Equal(t, []models.AuditAction{
		models.AuditRequestOpened,
		models.AuditChangesetDone,
		models.AuditRequestResolved,
	}, h.store.actions("r1"))
	require.Len(t, h.chat.notified(), 1)
	assert.Contains(t, h.chat.notified()[0], "Approved by u1")
}

func TestExpiringGate_HandlerInvokedOnce(t *testing.T) {
	ctx := context.Background()
	h := newGateHarness(t, newFakeClock(time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)), testConfig())

	_, err := h.gate.Request(ctx, counted("r1"))
	require.NoError(t, err)

	_, err = h.gate.OnChoiceAction(ctx, "approve:r1", "u1")
	require.NoError(t, err)
	_, err = h.gate.OnChoiceAction(ctx, "approve:r1", "u1")
	assert.ErrorIs(t, err, domain.ErrExpiredOrUnknown)
	assert.Equal(t, int32(1), h.calls.Load())
}

func TestExpiringGate_DoubleClick(t *testing.T) {
	ctx := context.Background()
	h := newGateHarness(t, newFakeClock(time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)), testConfig())
	_, err := h.gate.Request(ctx, counted("r1"))
	require.NoError(t, err)

	const clicks = 16
	var wg sync.WaitGroup
	var accepted, rejected atomic.Int32
	start := make(chan struct{})
	for i := 0; i < clicks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.gate.OnChoice(ctx, "r1", "u1", models.ChoiceApprove)
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, domain.ErrExpiredOrUnknown):
				rejected.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(clicks-1), rejected.Load())
	assert.Equal(t, int32(1), h.calls.Load())
}

func TestExpiringGate_ForbiddenActor(t *testing.T) {
	ctx := context.Background()
	h := newGateHarness(t, newFakeClock(time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)), testConfig())
	_, err := h.gate.Request(ctx, counted("r1"))
	require.NoError(t, err)

	for _, choice := range []models.Choice{models.ChoiceApprove, models.ChoiceDecline} {
		_, err = h.gate.OnChoice(ctx, "r1", "u2", choice)
		var forbidden *domain.ForbiddenError
		require.ErrorAs(t, err, &forbidden)
		assert.Equal(t, "u2", forbidden.Actor)
	}
	assert.True(t, h.pending.has("r1"))
	assert.Zero(t, h.calls.Load())

	res, err := h.gate.OnChoice(ctx, "r1", "u1", models.ChoiceDecline)
	require.NoError(t, err)
	assert.Equal(t, models.ChoiceDecline, res.Choice)
	assert.Equal(t, int32(1), h.calls.Load())
}

func TestExpiringGate_DeclineDiscards(t *testing.T) {
	ctx := context.Background()
	h := newGateHarness(t, newFakeClock(time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)), testConfig())
	_, err := h.gate.Request(ctx, directChange("r1"))
	require.NoError(t, err)

	res, err := h.gate.OnChoice(ctx, "r1", "u1", models.ChoiceDecline)
	require.NoError(t, err)
	assert.Equal(t, "Declined by u1: 1 change(s) discarded", res.Message())
	assert.Equal(t, []string{"Declined by u1: 1 change(s) discarded"}, h.chat.notified())
	assert.Empty(t, h.release.ran())
}

func TestExpiringGate_ClaimThenResolve(t *testing.T) {
	ctx := context.Background()
	h := newGateHarness(t, newFakeClock(time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)), testConfig())
	_, err := h.gate.Request(ctx, counted("r1"))
	require.NoError(t, err)

	claim, err := h.gate.ClaimAction(ctx, "approve:r1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "Approved by u1; the outcome will be posted to the channel", claim.Message())
	assert.False(t, h.pending.has("r1"))
	assert.Zero(t, h.calls.Load())

	// The claim is exclusive before its handler runs
	_, err = h.gate.ClaimAction(ctx, "decline:r1", "u1")
	assert.ErrorIs(t, err, domain.ErrExpiredOrUnknown)

	// Resolution does not depend on the claiming caller's context
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	res := h.gate.Resolve(context.WithoutCancel(cancelled), claim)
	require.NoError(t, res.HandlerErr)
	assert.Equal(t, int32(1), h.calls.Load())
	assert.Equal(t, []string{res.Message()}, h.chat.notified())
}

func TestExpiringGate_LazyExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC))
	h := newGateHarness(t, clock, testConfig())
	_, err := h.gate.Request(ctx, counted("r1"))
	require.NoError(t, err)

	clock.Advance(time.Hour + time.Nanosecond)

	_, err = h.gate.OnChoice(ctx, "r1", "u1", models.ChoiceApprove)
	var expired *domain.ExpiredOrUnknownError
	require.ErrorAs(t, err, &expired)
	assert.Equal(t, "r1", expired.RequestID)
	assert.False(t, h.pending.has("r1"))
	assert.Zero(t, h.calls.Load())
	assert.Contains(t, h.store.actions("r1"), models.AuditRequestExpired)
}

func TestExpiringGate_TimerExpiry(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	cfg := testConfig()
	cfg.Project.Pipeline.ApprovalTTL = config.Duration{Duration: 20 * time.Millisecond}
	h := newGateHarness(t, usecase.SystemClock{}, cfg)

	_, err := h.gate.Request(ctx, counted("r1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !h.pending.has("r1") }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(h.chat.notified()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, h.chat.notified()[0], "expired")

	_, err = h.gate.OnChoice(ctx, "r1", "u1", models.ChoiceApprove)
	assert.ErrorIs(t, err, domain.ErrExpiredOrUnknown)
	assert.Zero(t, h.calls.Load())
	h.gate.Close()
}

func TestExpiringGate_ResolutionCancelsTimer(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	cfg := testConfig()
	cfg.Project.Pipeline.ApprovalTTL = config.Duration{Duration: 30 * time.Millisecond}
	h := newGateHarness(t, usecase.SystemClock{}, cfg)

	_, err := h.gate.Request(ctx, counted("r1"))
	require.NoError(t, err)
	_, err = h.gate.OnChoice(ctx, "r1", "u1", models.ChoiceApprove)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	assert.NotContains(t, h.store.actions("r1"), models.AuditRequestExpired)
	assert.Len(t, h.chat.notified(), 1)
	h.gate.Close()
}

func TestExpiringGate_IDsAreNeverReused(t *testing.T) {
	ctx := context.Background()
	h := newGateHarness(t, newFakeClock(time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)), testConfig())

	_, err := h.gate.Request(ctx, counted("r1"))
	require.NoError(t, err)
	_, err = h.gate.Request(ctx, counted("r1"))
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	_, err = h.gate.OnChoice(ctx, "r1", "u1", models.ChoiceDecline)
	require.NoError(t, err)
	_, err = h.gate.Request(ctx, counted("r1"))
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestExpiringGate_Validation(t *testing.T) {
	ctx := context.Background()
	h := newGateHarness(t, newFakeClock(time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)), testConfig())

	tests := []struct {
		name   string
		mutate func(p *usecase.RequestParams)
	}{
		{"no users", func(p *usecase.RequestParams) { p.AuthorizedUsers = []string{" "} }},
		{"no changes", func(p *usecase.RequestParams) { p.Changes = nil }},
		{"no title", func(p *usecase.RequestParams) { p.Title = "" }},
		{"bad action", func(p *usecase.RequestParams) { p.Changes[0].Action = "rename" }},
		{"no path", func(p *usecase.RequestParams) { p.Changes[0].FilePath = "" }},
		{"unknown command", func(p *usecase.RequestParams) { p.OnApprove = &models.Command{Op: "rm.rf"} }},
		{"colon in id", func(p *usecase.RequestParams) { p.ID = "a:b" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := directChange("v1")
			tt.mutate(&params)
			_, err := h.gate.Request(ctx, params)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
	assert.False(t, h.pending.has("v1"))

	_, err := h.gate.OnChoice(ctx, "v1", "u1", "maybe")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = h.gate.OnChoiceAction(ctx, "approve", "u1")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestExpiringGate_HandlerFailureStillResolves(t *testing.T) {
	ctx := context.Background()
	h := newGateHarness(t, newFakeClock(time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)), testConfig())
	h.release.failAt = "build"

	_, err := h.gate.Request(ctx, directChange("r1"))
	require.NoError(t, err)

	res, err := h.gate.OnChoice(ctx, "r1", "u1", models.ChoiceApprove)
	require.NoError(t, err)
	assert.ErrorIs(t, res.HandlerErr, domain.ErrDeploymentFailed)
	assert.False(t, h.pending.has("r1"))
	assert.Equal(t, []string{"apply", "build"}, h.release.ran())
	assert.Contains(t, h.chat.notified()[0], "failed")
	assert.Contains(t, h.store.actions("r1"), models.AuditChangesetFailed)
}

func TestExpiringGate_SweepAndRecover(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC))
	h := newGateHarness(t, clock, testConfig())

	_, err := h.gate.Request(ctx, counted("old"))
	require.NoError(t, err)
	clock.Advance(30 * time.Minute)
	_, err = h.gate.Request(ctx, counted("new"))
	require.NoError(t, err)
	clock.Advance(31 * time.Minute)

	pending, err := h.gate.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "new", pending[0].ID)

	// A fresh gate over the same table, as after a restart
	h.gate.Close()
	restarted := usecase.NewExpiringGate(h.pending, h.store, h.chat, h.chat, h.commands, clock, usecase.NopMetrics{}, discardLogger(), testConfig())
	t.Cleanup(restarted.Close)

	armed, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, armed)
	assert.False(t, h.pending.has("old"))
	assert.True(t, h.pending.has("new"))

	clock.Advance(30 * time.Minute)
	swept, err := restarted.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)
	assert.False(t, h.pending.has("new"))
	assert.Zero(t, h.calls.Load())
}
