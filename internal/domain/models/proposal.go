package models

import (
	"slices"
	"time"
)

// ProposalStatus represents where a proposal sits in the pipeline
type ProposalStatus string

const (
	StatusProposed    ProposalStatus = "PROPOSED"
	StatusImplemented ProposalStatus = "IMPLEMENTED"
	StatusApproved    ProposalStatus = "APPROVED"
	StatusRejected    ProposalStatus = "REJECTED"
	StatusDeployed    ProposalStatus = "DEPLOYED"
	StatusFailed      ProposalStatus = "FAILED"
)

// ChangeType classifies what kind of change a proposal makes
type ChangeType string

const (
	ChangeFeature  ChangeType = "feature"
	ChangeFix      ChangeType = "fix"
	ChangeRefactor ChangeType = "refactor"
	ChangeChore    ChangeType = "chore"
	ChangeDocs     ChangeType = "docs"
	ChangePerf     ChangeType = "perf"
	ChangeTest     ChangeType = "test"
)

// RiskLevel is the assessed blast radius of a proposal
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Valid reports whether r is one of the known risk levels
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// RequiredApprovals returns the number of distinct approvers needed for r
func (r RiskLevel) RequiredApprovals() int {
	if r == RiskHigh {
		return 2
	}
	return 1
}

// stage orders the forward path. Terminal side exits (REJECTED, FAILED) have no stage.
var stage = map[ProposalStatus]int{
	StatusProposed:    0,
	StatusImplemented: 1,
	StatusApproved:    2,
	StatusDeployed:    3,
}

// IsTerminal reports whether no further transitions are possible from s
func (s ProposalStatus) IsTerminal() bool {
	return s == StatusDeployed || s == StatusRejected || s == StatusFailed
}

// CanTransition reports whether moving from s to next respects the lifecycle:
// forward along PROPOSED→IMPLEMENTED→APPROVED→DEPLOYED (PROPOSED→APPROVED is allowed
// for the low-risk shortcut), any non-terminal state to REJECTED, and APPROVED to FAILED.
func (s ProposalStatus) CanTransition(next ProposalStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case StatusRejected:
		return true
	case StatusFailed:
		return s == StatusApproved
	}
	from, okFrom := stage[s]
	to, okTo := stage[next]
	if !okFrom || !okTo {
		return false
	}
	if next == StatusDeployed {
		return s == StatusApproved
	}
	return to > from
}

// ReviewArtifact is the external code-review unit attached to an implemented proposal
type ReviewArtifact struct {
	URL    string `json:"url,omitempty"`
	Number int    `json:"number,omitempty"`
}

// Proposal is a tracked, risk-classified request to change the running system
type Proposal struct {
	// Identification
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Reasoning   string `json:"reasoning"`
	Idea        string `json:"idea"`
	ProposedBy  string `json:"proposedBy,omitempty"`

	// Assessment
	Type                ChangeType `json:"type"`
	Risk                RiskLevel  `json:"risk"`
	AffectedFiles       []string   `json:"affectedFiles"`
	ImplementationPlan  string     `json:"implementationPlan"`
	EstimatedChangeSize int        `json:"estimatedChangeSize"`

	// Lifecycle
	Status         ProposalStatus  `json:"status"`
	BranchRef      string          `json:"branchRef,omitempty"`
	ReviewArtifact *ReviewArtifact `json:"reviewArtifact,omitempty"`
	Approvers      []string        `json:"approvers"`
	RejectedBy     string          `json:"rejectedBy,omitempty"`
	RejectReason   string          `json:"rejectReason,omitempty"`

	// Failure details, set when Status is FAILED
	FailedStep    string `json:"failedStep,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`

	// Release produced by a successful deployment
	Release *Release `json:"release,omitempty"`
	// DeployingSince is set while a deployment holds the proposal
	DeployingSince *time.Time `json:"deployingSince,omitempty"`

	ProposedAt time.Time  `json:"proposedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// AddApprover records userID as an approver. Returns false when the user had already approved.
func (p *Proposal) AddApprover(userID string) bool {
	if slices.Contains(p.Approvers, userID) {
		return false
	}
	p.Approvers = append(p.Approvers, userID)
	return true
}

// HasQuorum reports whether enough distinct approvers have signed off for the proposal's risk
func (p *Proposal) HasQuorum() bool {
	return len(p.Approvers) >= p.Risk.RequiredApprovals()
}

// Resolve stamps the resolution time
func (p *Proposal) Resolve(at time.Time) {
	t := at
	p.ResolvedAt = &t
}

// DeployClaimTTL bounds how long a deployment claim blocks other transitions.
// A claim left behind by a crashed process lapses after it.
const DeployClaimTTL = time.Hour

// Deploying reports whether a live deployment claim holds the proposal at now
func (p *Proposal) Deploying(now time.Time) bool {
	return p.DeployingSince != nil && now.Sub(*p.DeployingSince) < DeployClaimTTL
}

// Involves reports whether userID proposed, approved or rejected the proposal
func (p *Proposal) Involves(userID string) bool {
	return p.ProposedBy == userID || p.RejectedBy == userID || slices.Contains(p.Approvers, userID)
}

// Clone returns a deep copy so callers can mutate without touching stored state
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	c := *p
	c.AffectedFiles = slices.Clone(p.AffectedFiles)
	c.Approvers = slices.Clone(p.Approvers)
	if p.ReviewArtifact != nil {
		ra := *p.ReviewArtifact
		c.ReviewArtifact = &ra
	}
	if p.Release != nil {
		r := *p.Release
		c.Release = &r
	}
	if p.ResolvedAt != nil {
		t := *p.ResolvedAt
		c.ResolvedAt = &t
	}
	if p.DeployingSince != nil {
		t := *p.DeployingSince
		c.DeployingSince = &t
	}
	return &c
}
