package usecase

import (
	"context"
	"time"

	"github.com/trebuchet-org/evolve/internal/domain"
	"github.com/trebuchet-org/evolve/internal/domain/models"
)

// ProposalRepository handles persistence of proposals
type ProposalRepository interface {
	GetProposal(ctx context.Context, id string) (*models.Proposal, error)
	ListProposals(ctx context.Context, filter domain.ProposalFilter) ([]*models.Proposal, error)
	CreateProposal(ctx context.Context, proposal *models.Proposal) error
	// UpdateProposal applies fn to the stored proposal atomically with respect to other
	// updates of the same id. If fn returns an error nothing is written.
	UpdateProposal(ctx context.Context, id string, fn func(p *models.Proposal) error) (*models.Proposal, error)
}

// AuditLog is the append-only event trail
type AuditLog interface {
	AppendEvent(ctx context.Context, event *models.AuditEvent) error
	ListEvents(ctx context.Context, filter domain.AuditFilter) ([]*models.AuditEvent, error)
}

// AuditStore is the durable record of proposals and everything that happened to them
type AuditStore interface {
	ProposalRepository
	AuditLog
}

// PendingStore is the durable table of open direct-change requests keyed by id
type PendingStore interface {
	PutRequest(ctx context.Context, req *models.ApprovalRequest) error
	GetRequest(ctx context.Context, id string) (*models.ApprovalRequest, error)
	// TakeRequest removes and returns the request in a single atomic step. Only one
	// concurrent caller can take a given id; the others get domain.ErrNotFound.
	TakeRequest(ctx context.Context, id string) (*models.ApprovalRequest, error)
	ListRequests(ctx context.Context) ([]*models.ApprovalRequest, error)
}

// RiskAssessor classifies a free-text idea. Backed by an LLM in production.
type RiskAssessor interface {
	Assess(ctx context.Context, idea string) (*models.Assessment, error)
}

// ChangeGenerator produces the concrete file edits for a proposal
type ChangeGenerator interface {
	GenerateChanges(ctx context.Context, proposal *models.Proposal) (*models.Changeset, error)
}

// ReviewRequest is everything the version control adapter needs to open a review
type ReviewRequest struct {
	Branch  string
	Title   string
	Body    string
	Changes []models.FileChange
}

// VersionControl treats branch, review and merge as atomic external operations
type VersionControl interface {
	OpenReview(ctx context.Context, req ReviewRequest) (*models.ReviewArtifact, error)
	MergeReview(ctx context.Context, branch string, artifact *models.ReviewArtifact) error
	DeleteBranch(ctx context.Context, branch string) error
}

// WorkingTree writes pre-computed changes into the checkout
type WorkingTree interface {
	ApplyChanges(ctx context.Context, changes []models.FileChange) error
}

// BuildResult is what the build step produced
type BuildResult struct {
	Image  string
	Output string
}

// Builder invokes the project's build step
type Builder interface {
	Build(ctx context.Context, version string) (*BuildResult, error)
}

// Packager produces a deployable package and publishes it
type Packager interface {
	Package(ctx context.Context, version string, build *BuildResult) (*models.Release, error)
}

// Orchestrator rolls out a release and blocks until it is ready or timeout elapses
type Orchestrator interface {
	Rollout(ctx context.Context, release *models.Release, timeout time.Duration) error
}

// ApprovalPrompt is the platform-neutral approve/decline choice shown to users
type ApprovalPrompt struct {
	RequestID       string
	Title           string
	Description     string
	Changes         []models.FileChange
	AuthorizedUsers []string
	ExpiresAt       time.Time
	// ApproveAction and DeclineAction encode action type and request id
	ApproveAction string
	DeclineAction string
}

// ApprovalPresenter renders an approval prompt on the chat surface
type ApprovalPresenter interface {
	Present(ctx context.Context, prompt ApprovalPrompt) error
}

// Notifier reports free-text results back to a channel
type Notifier interface {
	Notify(ctx context.Context, channel, message string) error
}

// Authorization actions checked through the Authorizer
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
	ActionDeploy  = "deploy"
)

// Authorizer decides whether an actor may perform an action on proposals
type Authorizer interface {
	Authorize(ctx context.Context, actor, action string) (bool, error)
}

// Clock abstracts time for deterministic tests
type Clock interface {
	Now() time.Time
}

// Metrics receives pipeline observations
type Metrics interface {
	ObserveTransition(to models.ProposalStatus)
	ObserveGate(outcome string)
	ObserveStep(step string, err error, elapsed time.Duration)
}

// Progress tracking interfaces

// ProgressEvent represents a progress update
type ProgressEvent struct {
	Stage    string
	Current  int
	Total    int
	Message  string
	Spinner  bool
	Metadata interface{}
}

// ProgressSink receives progress events
type ProgressSink interface {
	OnProgress(ctx context.Context, event ProgressEvent)
	Info(message string)
	Error(message string)
}

// NopProgress is a no-op implementation of ProgressSink
type NopProgress struct{}

func (NopProgress) OnProgress(context.Context, ProgressEvent) {}
func (NopProgress) Info(string)                               {}
func (NopProgress) Error(string)                              {}

// NopMetrics discards observations
type NopMetrics struct{}

func (NopMetrics) ObserveTransition(models.ProposalStatus)   {}
func (NopMetrics) ObserveGate(string)                        {}
func (NopMetrics) ObserveStep(string, error, time.Duration) {}

// SystemClock is the wall clock
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
