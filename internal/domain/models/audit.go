package models

import "time"

// AuditAction names an entry in the audit trail
type AuditAction string

const (
	AuditProposed         AuditAction = "proposal.proposed"
	AuditImplemented      AuditAction = "proposal.implemented"
	AuditImplementFailed  AuditAction = "proposal.implement_failed"
	AuditApprovalRecorded AuditAction = "proposal.approval_recorded"
	AuditApproved         AuditAction = "proposal.approved"
	AuditRejected         AuditAction = "proposal.rejected"
	AuditDeployed         AuditAction = "proposal.deployed"
	AuditDeployFailed     AuditAction = "proposal.deploy_failed"
	AuditForbidden        AuditAction = "actor.forbidden"

	AuditRequestOpened   AuditAction = "request.opened"
	AuditRequestResolved AuditAction = "request.resolved"
	AuditRequestExpired  AuditAction = "request.expired"
	AuditChangesetFailed AuditAction = "request.changeset_failed"
	AuditChangesetDone   AuditAction = "request.changeset_deployed"
)

// AuditEvent is one append-only record in the audit trail
type AuditEvent struct {
	ID        string            `json:"id"`
	SubjectID string            `json:"subjectId"` // proposal or request id
	Action    AuditAction       `json:"action"`
	Actor     string            `json:"actor,omitempty"`
	Detail    string            `json:"detail,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	At        time.Time         `json:"at"`
}
