// Package pipeline coordinates the proposal lifecycle. Submissions are
// committed to their own branch and recorded in the ledger; validation and
// merging run later as queued tasks on any worker that shares the ledger.
//
// The ledger's transition check is the only synchronisation between those
// steps. Every task names the status it expects to find, so a redelivered or
// late task becomes a no-op instead of overwriting newer state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jon9314/Odyssey/pkg/config"
	"github.com/jon9314/Odyssey/pkg/ledger"
	"github.com/jon9314/Odyssey/pkg/logging"
	"github.com/jon9314/Odyssey/pkg/proposal"
	"github.com/jon9314/Odyssey/pkg/queue"
	"github.com/jon9314/Odyssey/pkg/remote"
	"github.com/jon9314/Odyssey/pkg/repo"
)

// Repository is the part of the repository mutator the pipeline drives
type Repository interface {
	BaseBranch() string
	CreateProposal(ctx context.Context, change repo.Change) (*repo.Commit, error)
	DeleteBranch(ctx context.Context, branch string) error
	Merge(ctx context.Context, opts repo.MergeOptions) (*repo.MergeResult, error)
	Clone(ctx context.Context, branch, dest string) error
	Diff(ctx context.Context, base, branch string) (string, error)
}

// Validator runs a proposal's working tree through the sandbox
type Validator interface {
	Validate(ctx context.Context, dir, proposalID string) (bool, string)
}

// Deps are the components the pipeline coordinates
type Deps struct {
	Repo    Repository
	Ledger  *ledger.Ledger
	Queue   *queue.Queue
	Sandbox Validator
	// Publisher is optional; nil disables pull requests and CI gating
	Publisher remote.Publisher
	Policy    ApprovalPolicy
}

// Config holds the pipeline's own settings
type Config struct {
	BranchPrefix       string
	DeleteMergedBranch bool
	OpenPullRequest    bool
	RequireCI          bool
	CIPollAttempts     int
	CIPollInterval     time.Duration
}

// ConfigFrom extracts the pipeline settings from the full configuration
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		BranchPrefix:       cfg.Repository.BranchPrefix,
		DeleteMergedBranch: cfg.Repository.DeleteMergedBranch,
		OpenPullRequest:    cfg.Remote.OpenPullRequest,
		RequireCI:          cfg.Remote.RequireCI,
		CIPollAttempts:     cfg.Remote.CIPollAttempts,
		CIPollInterval:     cfg.Remote.CIPollInterval,
	}
}

// Pipeline is the proposal state machine
type Pipeline struct {
	deps   Deps
	cfg    Config
	logger *logging.Logger
}

// New creates a pipeline
func New(deps Deps, cfg Config, logger *logging.Logger) (*Pipeline, error) {
	switch {
	case deps.Repo == nil:
		return nil, fmt.Errorf("pipeline: repository is required")
	case deps.Ledger == nil:
		return nil, fmt.Errorf("pipeline: ledger is required")
	case deps.Queue == nil:
		return nil, fmt.Errorf("pipeline: queue is required")
	case deps.Sandbox == nil:
		return nil, fmt.Errorf("pipeline: sandbox is required")
	}
	if deps.Policy == nil {
		deps.Policy = ManualPolicy{}
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = proposal.DefaultBranchPrefix
	}
	if err := proposal.ValidatePrefix(cfg.BranchPrefix); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if cfg.RequireCI && deps.Publisher == nil {
		return nil, fmt.Errorf("pipeline: CI gating requires a remote publisher")
	}

	logger.Infof("pipeline ready (policy=%s, prefix=%s, publisher=%s, require_ci=%v)",
		deps.Policy.Name(), cfg.BranchPrefix, publisherName(deps.Publisher), cfg.RequireCI)
	return &Pipeline{deps: deps, cfg: cfg, logger: logger}, nil
}

func publisherName(p remote.Publisher) string {
	if p == nil {
		return "none"
	}
	return p.Name()
}

// SubmitRequest is a proposed change
type SubmitRequest struct {
	Files         map[string]string `json:"files_content"`
	CommitMessage string            `json:"commit_message"`
	BranchPrefix  string            `json:"branch_prefix,omitempty"`
}

// SubmitResult identifies the recorded proposal
type SubmitResult struct {
	ProposalID string          `json:"proposal_id"`
	BranchName string          `json:"branch_name"`
	Status     proposal.Status `json:"status"`
}

// Submit commits the change to a new branch, records the proposal and queues
// its validation. It returns as soon as the validation task is queued.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if strings.TrimSpace(req.CommitMessage) == "" {
		return nil, fmt.Errorf("commit message is required")
	}
	if len(req.Files) == 0 {
		return nil, fmt.Errorf("at least one file is required")
	}
	prefix := req.BranchPrefix
	if prefix == "" {
		prefix = p.cfg.BranchPrefix
	}
	id := proposal.NewID()
	branch, err := proposal.BranchName(prefix, id, req.CommitMessage)
	if err != nil {
		return nil, err
	}
	base := p.deps.Repo.BaseBranch()

	commit, err := p.deps.Repo.CreateProposal(ctx, repo.Change{
		Base:    base,
		Branch:  branch,
		Files:   req.Files,
		Message: req.CommitMessage,
	})
	if err != nil {
		return nil, fmt.Errorf("creating proposal branch: %w", err)
	}

	prop := &proposal.Proposal{
		ID:            id,
		BranchName:    branch,
		BaseBranch:    base,
		CommitMessage: req.CommitMessage,
		CommitSHA:     commit.SHA,
	}
	if err := p.deps.Ledger.Create(ctx, prop); err != nil {
		// Without a ledger record nothing would ever clean the branch up
		if delErr := p.deps.Repo.DeleteBranch(context.WithoutCancel(ctx), branch); delErr != nil {
			p.logger.Errorf("failed to remove branch %s after ledger error: %v", branch, delErr)
		}
		return nil, fmt.Errorf("recording proposal: %w", err)
	}

	_, err = p.deps.Ledger.UpdateStatus(ctx, id, proposal.StatusValidationPending,
		ledger.WithExpected(proposal.StatusProposed))
	if stale(err) {
		// A concurrent Recover scheduled it already
		p.logger.Infof("%s was scheduled by recovery: %v", id, err)
		return &SubmitResult{ProposalID: id, BranchName: branch, Status: proposal.StatusValidationPending}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scheduling validation of %s: %w", id, err)
	}
	if _, err := p.deps.Queue.Enqueue(ctx, queue.KindValidate, id); err != nil {
		return nil, fmt.Errorf("queueing validation of %s (Recover will retry): %w", id, err)
	}

	p.logger.Infof("submitted %s on %s (%d files)", id, branch, len(commit.Files))
	return &SubmitResult{ProposalID: id, BranchName: branch, Status: proposal.StatusValidationPending}, nil
}

// Approve records a human approval of a validated proposal and queues its
// merge. approvedBy defaults to DefaultApprover.
func (p *Pipeline) Approve(ctx context.Context, id, approvedBy string) (*proposal.Proposal, error) {
	if approvedBy == "" {
		approvedBy = DefaultApprover
	}
	if _, err := p.deps.Ledger.UpdateStatus(ctx, id, proposal.StatusUserApproved,
		ledger.WithApprovedBy(approvedBy)); err != nil {
		return nil, err
	}
	p.logger.Infof("%s approved by %s", id, approvedBy)
	return p.scheduleMerge(ctx, id, proposal.StatusUserApproved)
}

// Reject moves a non-terminal proposal to rejected. An in-flight task for it
// finishes, but its result is discarded.
func (p *Pipeline) Reject(ctx context.Context, id, rejectedBy, reason string) (*proposal.Proposal, error) {
	if rejectedBy == "" {
		rejectedBy = DefaultApprover
	}
	note := "Rejected by " + rejectedBy
	if reason != "" {
		note += ": " + reason
	}
	prop, err := p.deps.Ledger.UpdateStatus(ctx, id, proposal.StatusRejected,
		ledger.WithActor(rejectedBy), ledger.WithOutput(note))
	if err != nil {
		return nil, err
	}
	p.logger.Infof("%s rejected by %s", id, rejectedBy)
	return prop, nil
}

// Get returns one proposal
func (p *Pipeline) Get(ctx context.Context, id string) (*proposal.Proposal, error) {
	return p.deps.Ledger.Get(ctx, id)
}

// List returns recent proposals, newest first
func (p *Pipeline) List(ctx context.Context, limit int) ([]*proposal.Proposal, error) {
	return p.deps.Ledger.List(ctx, limit)
}

// History returns the recorded transitions of a proposal
func (p *Pipeline) History(ctx context.Context, id string) ([]proposal.Transition, error) {
	return p.deps.Ledger.History(ctx, id)
}

// Diff returns the change a proposal makes against its base branch
func (p *Pipeline) Diff(ctx context.Context, id string) (string, error) {
	prop, err := p.deps.Ledger.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return p.deps.Repo.Diff(ctx, prop.BaseBranch, prop.BranchName)
}

// scheduleMerge moves an approved proposal to merge_pending and queues the merge
func (p *Pipeline) scheduleMerge(ctx context.Context, id string, from proposal.Status) (*proposal.Proposal, error) {
	prop, err := p.deps.Ledger.UpdateStatus(ctx, id, proposal.StatusMergePending, ledger.WithExpected(from))
	if err != nil {
		return nil, err
	}
	if _, err := p.deps.Queue.Enqueue(ctx, queue.KindMerge, id); err != nil {
		return nil, fmt.Errorf("queueing merge of %s (Recover will retry): %w", id, err)
	}
	return prop, nil
}

// stale reports whether err means the proposal moved on before a task got
// to it
func stale(err error) bool {
	var illegal *proposal.IllegalTransitionError
	return errors.As(err, &illegal) || errors.Is(err, ledger.ErrNotFound)
}
