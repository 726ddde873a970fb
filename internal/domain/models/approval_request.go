package models

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// DefaultApprovalTTL is how long a direct-change request stays open
const DefaultApprovalTTL = time.Hour

// FileAction is what a direct change does to a file
type FileAction string

const (
	FileCreate FileAction = "create"
	FileModify FileAction = "modify"
	FileDelete FileAction = "delete"
)

// FileChange is a single pre-computed edit in a direct-change request.
// Content holds the full new file body for create/modify; Diff is display-only.
type FileChange struct {
	FilePath string     `json:"filePath" yaml:"filePath"`
	Action   FileAction `json:"action" yaml:"action"`
	Content  string     `json:"content,omitempty" yaml:"content,omitempty"`
	Diff     string     `json:"diff,omitempty" yaml:"diff,omitempty"`
}

// Choice is the button a user pressed on an approval prompt
type Choice string

const (
	ChoiceApprove Choice = "approve"
	ChoiceDecline Choice = "decline"
)

// ActionID encodes the choice and the request id in one token, e.g. "approve:r1"
func ActionID(choice Choice, requestID string) string {
	return string(choice) + ":" + requestID
}

// ParseActionID splits an action id produced by ActionID
func ParseActionID(actionID string) (Choice, string, error) {
	kind, id, ok := strings.Cut(actionID, ":")
	if !ok || id == "" {
		return "", "", fmt.Errorf("malformed action id %q", actionID)
	}
	switch Choice(kind) {
	case ChoiceApprove, ChoiceDecline:
		return Choice(kind), id, nil
	}
	return "", "", fmt.Errorf("unknown action %q", kind)
}

// Command is a durable descriptor of a resolution handler: an operation name
// resolved through a registry at execution time, plus its parameters.
type Command struct {
	Op     string            `json:"op"`
	Params map[string]string `json:"params,omitempty"`
}

// ApprovalRequest is a fully specified direct file-change awaiting a single vote
type ApprovalRequest struct {
	ID              string       `json:"id"`
	Title           string       `json:"title"`
	Description     string       `json:"description"`
	Changes         []FileChange `json:"changes"`
	AuthorizedUsers []string     `json:"authorizedUsers"`
	RequestedBy     string       `json:"requestedBy,omitempty"`
	Channel         string       `json:"channel,omitempty"`

	OnApprove Command `json:"onApprove"`
	OnDecline Command `json:"onDecline"`

	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// IsAuthorized reports whether userID may resolve the request
func (r *ApprovalRequest) IsAuthorized(userID string) bool {
	return userID != "" && slices.Contains(r.AuthorizedUsers, userID)
}

// Expired reports whether the request is past its deadline at now
func (r *ApprovalRequest) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// HandlerFor returns the command bound to choice
func (r *ApprovalRequest) HandlerFor(choice Choice) Command {
	if choice == ChoiceApprove {
		return r.OnApprove
	}
	return r.OnDecline
}
