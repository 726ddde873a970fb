package usecase_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/trebuchet-org/evolve/internal/domain"
	"github.com/trebuchet-org/evolve/internal/domain/config"
	"github.com/trebuchet-org/evolve/internal/domain/models"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.RuntimeConfig {
	project := config.DefaultProjectConfig()
	project.Pipeline.Timezone = "UTC"
	return &config.RuntimeConfig{Project: project}
}

// fakeClock is a settable clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memStore is an in-memory AuditStore
type memStore struct {
	mu        sync.Mutex
	proposals map[string]*models.Proposal
	events    []*models.AuditEvent
}

func newMemStore() *memStore {
	return &memStore{proposals: make(map[string]*models.Proposal)}
}

func (s *memStore) GetProposal(_ context.Context, id string) (*models.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "proposal", ID: id}
	}
	return p.Clone(), nil
}

func (s *memStore) ListProposals(_ context.Context, filter domain.ProposalFilter) ([]*models.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Proposal
	for _, p := range s.proposals {
		if filter.Matches(p) {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (s *memStore) CreateProposal(_ context.Context, p *models.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proposals[p.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.proposals[p.ID] = p.Clone()
	return nil
}

func (s *memStore) UpdateProposal(_ context.Context, id string, fn func(*models.Proposal) error) (*models.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "proposal", ID: id}
	}
	c := p.Clone()
	if err := fn(c); err != nil {
		return nil, err
	}
	s.proposals[id] = c
	return c.Clone(), nil
}

func (s *memStore) AppendEvent(_ context.Context, e *models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *memStore) ListEvents(_ context.Context, filter domain.AuditFilter) ([]*models.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.AuditEvent
	for _, e := range s.events {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) actions(subject string) []models.AuditAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditAction
	for _, e := range s.events {
		if e.SubjectID == subject {
			out = append(out, e.Action)
		}
	}
	return out
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.proposals)
}

// memPending is an in-memory PendingStore
type memPending struct {
	mu   sync.Mutex
	reqs map[string]*models.ApprovalRequest
}

func newMemPending() *memPending {
	return &memPending{reqs: make(map[string]*models.ApprovalRequest)}
}

func (p *memPending) PutRequest(_ context.Context, r *models.ApprovalRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs[r.ID] = r
	return nil
}

func (p *memPending) GetRequest(_ context.Context, id string) (*models.ApprovalRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.reqs[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "approval request", ID: id}
	}
	return r, nil
}

func (p *memPending) TakeRequest(_ context.Context, id string) (*models.ApprovalRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.reqs[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "approval request", ID: id}
	}
	delete(p.reqs, id)
	return r, nil
}

func (p *memPending) ListRequests(context.Context) ([]*models.ApprovalRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*models.ApprovalRequest, 0, len(p.reqs))
	for _, r := range p.reqs {
		out = append(out, r)
	}
	return out, nil
}

func (p *memPending) has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.reqs[id]
	return ok
}

// MockAssessor is a mock implementation of RiskAssessor
type MockAssessor struct {
	mock.Mock
}

func (m *MockAssessor) Assess(ctx context.Context, idea string) (*models.Assessment, error) {
	args := m.Called(ctx, idea)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Assessment), args.Error(1)
}

// MockAuthorizer is a mock implementation of Authorizer
type MockAuthorizer struct {
	mock.Mock
}

func (m *MockAuthorizer) Authorize(ctx context.Context, actor, action string) (bool, error) {
	args := m.Called(ctx, actor, action)
	return args.Bool(0), args.Error(1)
}

type allowAll struct{}

func (allowAll) Authorize(context.Context, string, string) (bool, error) { return true, nil }

type fixedAssessor struct{ risk models.RiskLevel }

func (a fixedAssessor) Assess(_ context.Context, idea string) (*models.Assessment, error) {
	return &models.Assessment{
		Title:               idea,
		Type:                models.ChangeFeature,
		Risk:                a.risk,
		Description:         "Adds " + idea,
		AffectedFiles:       []string{"internal/cli/stats.go"},
		EstimatedChangeSize: 40,
	}, nil
}

type fakeGenerator struct {
	err error
}

func (g *fakeGenerator) GenerateChanges(_ context.Context, p *models.Proposal) (*models.Changeset, error) {
	if g.err != nil {
		return nil, g.err
	}
	return &models.Changeset{
		Summary: "implements " + p.Title,
		Changes: []models.FileChange{{FilePath: "internal/cli/stats.go", Action: models.FileCreate, Content: "package cli\n"}},
	}, nil
}

type fakeVCS struct {
	mu       sync.Mutex
	opened   []usecase.ReviewRequest
	merged   []string
	deleted  []string
	openErr  error
	mergeErr error
}

func (v *fakeVCS) OpenReview(_ context.Context, req usecase.ReviewRequest) (*models.ReviewArtifact, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.openErr != nil {
		return nil, v.openErr
	}
	v.opened = append(v.opened, req)
	return &models.ReviewArtifact{URL: "https://review.example/" + req.Branch, Number: len(v.opened)}, nil
}

func (v *fakeVCS) MergeReview(_ context.Context, branch string, _ *models.ReviewArtifact) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.mergeErr != nil {
		return v.mergeErr
	}
	v.merged = append(v.merged, branch)
	return nil
}

func (v *fakeVCS) DeleteBranch(_ context.Context, branch string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.deleted = append(v.deleted, branch)
	return nil
}

// fakeRelease implements Builder, Packager, Orchestrator and WorkingTree and
// records the order steps ran in.
type fakeRelease struct {
	mu       sync.Mutex
	steps    []string
	failAt   string
	applied  []models.FileChange
	timeouts []time.Duration
	// onRollout runs while the rollout is in progress
	onRollout func()
}

func (f *fakeRelease) record(step string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, step)
	if f.failAt == step {
		return fmt.Errorf("%s exploded", step)
	}
	return nil
}

func (f *fakeRelease) ApplyChanges(_ context.Context, changes []models.FileChange) error {
	if err := f.record("apply"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, changes...)
	return nil
}

func (f *fakeRelease) Build(_ context.Context, version string) (*usecase.BuildResult, error) {
	if err := f.record("build"); err != nil {
		return nil, err
	}
	return &usecase.BuildResult{Image: "registry.example/evolve:" + version}, nil
}

func (f *fakeRelease) Package(_ context.Context, version string, build *usecase.BuildResult) (*models.Release, error) {
	if err := f.record("package"); err != nil {
		return nil, err
	}
	return &models.Release{Version: version, Image: build.Image, Archive: "evolve-" + version + ".tgz"}, nil
}

func (f *fakeRelease) Rollout(_ context.Context, _ *models.Release, timeout time.Duration) error {
	f.mu.Lock()
	f.timeouts = append(f.timeouts, timeout)
	f.mu.Unlock()
	if f.onRollout != nil {
		f.onRollout()
	}
	return f.record("rollout")
}

func (f *fakeRelease) ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.steps...)
}

// recorder captures presented prompts and notifications
type recorder struct {
	mu       sync.Mutex
	prompts  []usecase.ApprovalPrompt
	messages []string
}

func (r *recorder) Present(_ context.Context, p usecase.ApprovalPrompt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, p)
	return nil
}

func (r *recorder) Notify(_ context.Context, _ string, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	return nil
}

func (r *recorder) notified() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}
