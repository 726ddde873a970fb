package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from ProposalStatus
		to   ProposalStatus
		want bool
	}{
		{StatusProposed, StatusImplemented, true},
		{StatusProposed, StatusApproved, true},
		{StatusImplemented, StatusApproved, true},
		{StatusApproved, StatusDeployed, true},
		{StatusApproved, StatusFailed, true},
		{StatusProposed, StatusRejected, true},
		{StatusImplemented, StatusRejected, true},
		{StatusApproved, StatusRejected, true},

		{StatusProposed, StatusDeployed, false},
		{StatusImplemented, StatusDeployed, false},
		{StatusImplemented, StatusProposed, false},
		{StatusApproved, StatusImplemented, false},
		{StatusProposed, StatusFailed, false},
		{StatusDeployed, StatusRejected, false},
		{StatusRejected, StatusProposed, false},
		{StatusFailed, StatusApproved, false},
		{StatusProposed, StatusProposed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestRequiredApprovals(t *testing.T) {
	assert.Equal(t, 1, RiskLow.RequiredApprovals())
	assert.Equal(t, 1, RiskMedium.RequiredApprovals())
	assert.Equal(t, 2, RiskHigh.RequiredApprovals())
}

func TestAddApproverIsSet(t *testing.T) {
	p := &Proposal{Risk: RiskHigh}

	assert.True(t, p.AddApprover("alice"))
	assert.False(t, p.AddApprover("alice"))
	assert.False(t, p.HasQuorum())

	assert.True(t, p.AddApprover("bob"))
	assert.True(t, p.HasQuorum())
	assert.Equal(t, []string{"alice", "bob"}, p.Approvers)
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now()
	p := &Proposal{
		ID:             "p1",
		AffectedFiles:  []string{"a.go"},
		Approvers:      []string{"alice"},
		ReviewArtifact: &ReviewArtifact{Number: 7},
		ResolvedAt:     &now,
		DeployingSince: &now,
	}

	c := p.Clone()
	c.AffectedFiles[0] = "b.go"
	c.Approvers = append(c.Approvers, "bob")
	c.ReviewArtifact.Number = 8
	*c.DeployingSince = now.Add(time.Hour)

	assert.Equal(t, "a.go", p.AffectedFiles[0])
	assert.Len(t, p.Approvers, 1)
	assert.Equal(t, 7, p.ReviewArtifact.Number)
	assert.Equal(t, now, *p.DeployingSince)
}

func TestDeploying(t *testing.T) {
	since := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	p := &Proposal{Status: StatusApproved}
	assert.False(t, p.Deploying(since))

	p.DeployingSince = &since
	assert.True(t, p.Deploying(since))
	assert.True(t, p.Deploying(since.Add(DeployClaimTTL-time.Second)))
	assert.False(t, p.Deploying(since.Add(DeployClaimTTL)))
}

func TestActionIDRoundTrip(t *testing.T) {
	id := ActionID(ChoiceDecline, "r1")
	assert.Equal(t, "decline:r1", id)

	choice, reqID, err := ParseActionID(id)
	require.NoError(t, err)
	assert.Equal(t, ChoiceDecline, choice)
	assert.Equal(t, "r1", reqID)

	_, _, err = ParseActionID("merge:r1")
	assert.Error(t, err)
	_, _, err = ParseActionID("approve")
	assert.Error(t, err)
}

func TestApprovalRequestExpiry(t *testing.T) {
	created := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	r := &ApprovalRequest{CreatedAt: created, ExpiresAt: created.Add(DefaultApprovalTTL), AuthorizedUsers: []string{"u1"}}

	assert.False(t, r.Expired(created.Add(59*time.Minute)))
	assert.True(t, r.Expired(created.Add(time.Hour)))
	assert.True(t, r.IsAuthorized("u1"))
	assert.False(t, r.IsAuthorized("u2"))
	assert.False(t, r.IsAuthorized(""))
}
