package agent_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trebuchet-org/evolve/internal/adapters/authz"
	"github.com/trebuchet-org/evolve/internal/adapters/llm"
	"github.com/trebuchet-org/evolve/internal/adapters/memory"
	"github.com/trebuchet-org/evolve/internal/agent"
	"github.com/trebuchet-org/evolve/internal/bg"
	"github.com/trebuchet-org/evolve/internal/domain"
	"github.com/trebuchet-org/evolve/internal/domain/config"
	"github.com/trebuchet-org/evolve/internal/domain/models"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

type stubRelease struct{ failAt string }

func (s stubRelease) Build(_ context.Context, version string) (*usecase.BuildResult, error) {
	if s.failAt == usecase.StepBuild {
		return nil, errors.New("compile error")
	}
	return &usecase.BuildResult{Image: "app:" + version}, nil
}

func (s stubRelease) Package(_ context.Context, version string, b *usecase.BuildResult) (*models.Release, error) {
	return &models.Release{Version: version, Image: b.Image}, nil
}

func (s stubRelease) Rollout(context.Context, *models.Release, time.Duration) error {
	if s.failAt == usecase.StepRollout {
		return errors.New("pods never became ready")
	}
	return nil
}

type stubVCS struct{}

func (stubVCS) OpenReview(context.Context, usecase.ReviewRequest) (*models.ReviewArtifact, error) {
	return &models.ReviewArtifact{}, nil
}
func (stubVCS) MergeReview(context.Context, string, *models.ReviewArtifact) error { return nil }
func (stubVCS) DeleteBranch(context.Context, string) error                        { return nil }

type chat struct {
	mu       sync.Mutex
	messages []string
}

func (c *chat) Notify(_ context.Context, channel, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, channel+": "+message)
	return nil
}

func (c *chat) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}

// brokenStore fails every listing
type brokenStore struct {
	*memory.Store
}

func (brokenStore) ListProposals(context.Context, domain.ProposalFilter) ([]*models.Proposal, error) {
	return nil, errors.New("disk on fire")
}

type harness struct {
	toolset *agent.Toolset
	tools   *agent.Registry
	store   usecase.AuditStore
	chat    *chat
}

func newHarness(t *testing.T, runner bg.Runner, release stubRelease, store usecase.AuditStore) *harness {
	t.Helper()
	cfg := &config.RuntimeConfig{Project: config.DefaultProjectConfig()}
	cfg.Project.Pipeline.Timezone = "UTC"
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := usecase.SystemClock{}
	metrics := usecase.NopMetrics{}
	progress := usecase.NopProgress{}

	guard, err := usecase.NewRateGuard(store, clock, cfg)
	require.NoError(t, err)
	enforcer, err := authz.NewEnforcer(cfg.Project.Approvers)
	require.NoError(t, err)

	pipeline := usecase.NewReleasePipeline(release, release, release, metrics, progress, log, cfg)
	c := &chat{}
	ts := agent.NewToolset(
		usecase.NewProposeImprovement(store, guard, llm.StaticAssessor{}, clock, metrics, progress, log),
		usecase.NewListProposals(store),
		usecase.NewShowProposal(store),
		usecase.NewApproveProposal(store, enforcer, clock, metrics, log),
		usecase.NewRejectProposal(store, enforcer, clock, metrics, log),
		usecase.NewDeployProposal(store, stubVCS{}, pipeline, enforcer, clock, metrics, log, cfg),
		usecase.NewGetStats(store, guard),
		runner, c, log,
	)
	return &harness{toolset: ts, tools: ts.Registry(), store: store, chat: c}
}

func (h *harness) call(user, name, args string) string {
	return h.toolset.Handle(context.Background(), h.tools, agent.Caller{User: user, Channel: "general"}, name, []byte(args))
}

func (h *harness) propose(t *testing.T, idea string) string {
	t.Helper()
	reply := h.call("user-1", "propose_improvement", fmt.Sprintf(`{"idea": %q}`, idea))
	require.True(t, strings.HasPrefix(reply, "Proposal "), reply)
	return strings.Fields(reply)[1]
}

func TestToolsetEndToEnd(t *testing.T) {
	h := newHarness(t, bg.Sync{}, stubRelease{}, memory.NewStore())

	id := h.propose(t, "add a /stats command")

	reply := h.call("user-1", "list_proposals", `{"status": "proposed"}`)
	assert.Contains(t, reply, id)
	assert.Contains(t, reply, "[PROPOSED]")
	assert.Contains(t, reply, "0/1 approvals")

	reply = h.call("user-1", "approve_proposal", fmt.Sprintf(`{"id": %q}`, id))
	assert.Equal(t, fmt.Sprintf("Approval recorded for %s: 1/1 approvals, status APPROVED", id), reply)

	reply = h.call("user-1", "approve_proposal", fmt.Sprintf(`{"id": %q}`, id))
	assert.Contains(t, reply, "Error: ")

	reply = h.call("user-1", "deploy_proposal", fmt.Sprintf(`{"id": %q}`, id))
	assert.Contains(t, reply, "Proposal "+id+" deployed as 0.1.0-")
	require.Len(t, h.chat.all(), 1)
	assert.True(t, strings.HasPrefix(h.chat.all()[0], "general: Proposal "+id+" deployed"))

	reply = h.call("user-1", "proposal_stats", "")
	assert.Contains(t, reply, "Proposed: 1 (today 1/5)")
	assert.Contains(t, reply, "Deployed: 1")
	assert.Contains(t, reply, "Success rate: 100%")
}

func TestToolsetFailsClosed(t *testing.T) {
	h := newHarness(t, bg.Sync{}, stubRelease{}, memory.NewStore())
	id := h.propose(t, "add a /stats command")

	reply := h.call("", "approve_proposal", fmt.Sprintf(`{"id": %q}`, id))
	assert.Equal(t, "Error: acting_user: is required", reply)

	reply = h.call("", "reject_proposal", fmt.Sprintf(`{"id": %q}`, id))
	assert.Equal(t, "Error: acting_user: is required", reply)

	// acting_user names the user only for an anonymous caller
	reply = h.call("", "reject_proposal", fmt.Sprintf(`{"id": %q, "acting_user": "user-2", "reason": "not now"}`, id))
	assert.Equal(t, fmt.Sprintf("Proposal %s rejected by user-2", id), reply)

	p, err := h.store.GetProposal(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, p.Status)
	assert.Equal(t, "not now", p.RejectReason)
}

func TestToolsetCallerCannotActForOthers(t *testing.T) {
	h := newHarness(t, bg.Sync{}, stubRelease{}, memory.NewStore())
	id := h.propose(t, "add a /stats command")

	reply := h.call("mallory", "approve_proposal", fmt.Sprintf(`{"id": %q, "acting_user": "user-1"}`, id))
	assert.Equal(t, "Error: user mallory is not allowed to act on behalf of user-1", reply)

	reply = h.call("mallory", "reject_proposal", fmt.Sprintf(`{"id": %q, "acting_user": "user-1"}`, id))
	assert.Equal(t, "Error: user mallory is not allowed to act on behalf of user-1", reply)

	p, err := h.store.GetProposal(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProposed, p.Status)
	assert.Empty(t, p.Approvers)

	// Naming yourself is allowed
	reply = h.call("user-1", "approve_proposal", fmt.Sprintf(`{"id": %q, "acting_user": "user-1"}`, id))
	assert.Equal(t, fmt.Sprintf("Approval recorded for %s: 1/1 approvals, status APPROVED", id), reply)
}

func TestToolsetGuardrails(t *testing.T) {
	h := newHarness(t, bg.Sync{}, stubRelease{}, memory.NewStore())
	risky := h.propose(t, "rotate the database password on boot")

	reply := h.call("user-1", "approve_proposal", fmt.Sprintf(`{"id": %q}`, risky))
	assert.True(t, strings.HasPrefix(reply, "Error: "), reply)
	assert.Contains(t, reply, "PROPOSED")

	reply = h.call("user-1", "deploy_proposal", fmt.Sprintf(`{"id": %q}`, risky))
	assert.Equal(t, fmt.Sprintf("Error: cannot deploy proposal %s in status PROPOSED", risky), reply)

	assert.Equal(t, "Error: id: is required", h.call("user-1", "deploy_proposal", `{}`))
	assert.Equal(t, "Error: unknown tool: nope", h.call("user-1", "nope", `{}`))
	assert.Contains(t, h.call("user-1", "list_proposals", `{not json`), "Error: arguments: ")
	assert.Contains(t, h.call("user-1", "list_proposals", `{"status": "LOST"}`), "Error: ")
	assert.Empty(t, h.chat.all())
}

func TestToolsetDeployFailure(t *testing.T) {
	h := newHarness(t, bg.Sync{}, stubRelease{failAt: usecase.StepRollout}, memory.NewStore())
	id := h.propose(t, "add a /stats command")
	h.call("user-1", "approve_proposal", fmt.Sprintf(`{"id": %q}`, id))

	reply := h.call("user-1", "deploy_proposal", fmt.Sprintf(`{"id": %q}`, id))
	assert.Contains(t, reply, "failed at step rollout: pods never became ready")
	assert.Contains(t, reply, "Status is FAILED")

	assert.Contains(t, h.call("user-1", "proposal_stats", ""), "Success rate: 0%")
}

func TestToolsetDeployRunsInBackground(t *testing.T) {
	group := &bg.Group{}
	h := newHarness(t, group, stubRelease{}, memory.NewStore())
	id := h.propose(t, "add a /stats command")
	h.call("user-1", "approve_proposal", fmt.Sprintf(`{"id": %q}`, id))

	reply := h.call("user-1", "deploy_proposal", fmt.Sprintf(`{"id": %q}`, id))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, group.Wait(ctx))

	// The reply races the deployment; either way the channel hears the result
	assert.True(t, strings.Contains(reply, "started") || strings.Contains(reply, "deployed"), reply)
	require.Len(t, h.chat.all(), 1)
	assert.Contains(t, h.chat.all()[0], "deployed as 0.1.0-")
}

func TestToolsetStoreOutage(t *testing.T) {
	h := newHarness(t, bg.Sync{}, stubRelease{}, brokenStore{memory.NewStore()})

	reply := h.call("user-1", "list_proposals", "")
	assert.Equal(t, "Error: the request could not be completed, nothing was changed", reply)
}

func TestRegistryDescribesTools(t *testing.T) {
	h := newHarness(t, bg.Sync{}, stubRelease{}, memory.NewStore())

	var names []string
	for _, tool := range h.tools.All() {
		names = append(names, tool.Name)
		assert.NotEmpty(t, tool.Description)
		assert.Equal(t, "object", tool.Schema.Type)
	}
	assert.Equal(t, []string{
		"approve_proposal", "deploy_proposal", "list_proposals",
		"propose_improvement", "proposal_stats", "reject_proposal",
	}, names)
}
