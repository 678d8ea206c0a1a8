// Package proposal defines the proposal record, its status lifecycle and the
// rules for naming proposal branches.
package proposal

import (
	"time"
)

// Status is a position in the proposal lifecycle.
type Status string

const (
	StatusProposed             Status = "proposed"
	StatusValidationPending    Status = "validation_pending"
	StatusValidationInProgress Status = "validation_in_progress"
	StatusValidationPassed     Status = "validation_passed"
	StatusValidationFailed     Status = "validation_failed"
	StatusUserApproved         Status = "user_approved"
	StatusAutoApproved         Status = "auto_approved"
	StatusRejected             Status = "rejected"
	StatusMergePending         Status = "merge_pending"
	StatusMergeInProgress      Status = "merge_in_progress"
	StatusMerged               Status = "merged"
	StatusMergeFailed          Status = "merge_failed"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusProposed,
	StatusValidationPending,
	StatusValidationInProgress,
	StatusValidationPassed,
	StatusValidationFailed,
	StatusUserApproved,
	StatusAutoApproved,
	StatusRejected,
	StatusMergePending,
	StatusMergeInProgress,
	StatusMerged,
	StatusMergeFailed,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Proposal is one proposed code change bound to one branch.
type Proposal struct {
	ID               string    `json:"proposal_id"`
	BranchName       string    `json:"branch_name"`
	BaseBranch       string    `json:"base_branch"`
	CommitMessage    string    `json:"commit_message"`
	CommitSHA        string    `json:"commit_sha,omitempty"`
	Status           Status    `json:"status"`
	ValidationOutput string    `json:"validation_output"`
	ApprovedBy       string    `json:"approved_by,omitempty"`
	PullRequestURL   string    `json:"pr_url,omitempty"`
	PullRequestNum   int       `json:"pr_number,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Terminal reports whether the proposal can no longer change status.
func (p *Proposal) Terminal() bool {
	return p.Status.Terminal()
}

// Transition is one recorded status change.
type Transition struct {
	ProposalID string    `json:"proposal_id"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	Actor      string    `json:"actor,omitempty"`
	Output     string    `json:"output,omitempty"`
	At         time.Time `json:"at"`
}
