package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jon9314/Odyssey/pkg/ledger"
	"github.com/jon9314/Odyssey/pkg/proposal"
	"github.com/jon9314/Odyssey/pkg/queue"
	"github.com/jon9314/Odyssey/pkg/remote"
	"github.com/jon9314/Odyssey/pkg/repo"
)

// Handler routes queued tasks to RunValidation and RunMerge
func (p *Pipeline) Handler() queue.Handler {
	mux := queue.NewMux()
	mux.Register(queue.KindValidate, queue.HandlerFunc(func(ctx context.Context, task *queue.Task) error {
		return p.RunValidation(ctx, task.ProposalID)
	}))
	mux.Register(queue.KindMerge, queue.HandlerFunc(func(ctx context.Context, task *queue.Task) error {
		return p.RunMerge(ctx, task.ProposalID)
	}))
	return mux
}

// RunValidation validates a proposal in a private clone and records the
// result. Under the auto policy a passing proposal is approved and its merge
// queued straight away. A proposal that is no longer validation_pending is
// left alone.
func (p *Pipeline) RunValidation(ctx context.Context, id string) error {
	prop, err := p.deps.Ledger.UpdateStatus(ctx, id, proposal.StatusValidationInProgress,
		ledger.WithExpected(proposal.StatusValidationPending))
	if stale(err) {
		p.logger.Infof("skipping validation of %s: %v", id, err)
		return nil
	}
	if err != nil {
		return err
	}

	var log strings.Builder
	if note := p.publish(ctx, prop); note != "" {
		log.WriteString(note)
	}

	passed, transcript := p.validateClone(ctx, prop)
	log.WriteString(transcript)
	if err := ctx.Err(); err != nil && !passed {
		p.logger.Warnf("validation of %s interrupted: %v", id, err)
		fmt.Fprintf(&log, "\n== interrupted ==\nvalidation was interrupted by worker shutdown (%v); "+
			"this failure may not reflect the change itself\n", err)
	}

	result := proposal.StatusValidationFailed
	if passed {
		result = proposal.StatusValidationPassed
	}

	// The result is recorded even if the worker is shutting down
	recordCtx := context.WithoutCancel(ctx)
	prop, err = p.deps.Ledger.UpdateStatus(recordCtx, id, result,
		ledger.WithExpected(proposal.StatusValidationInProgress), ledger.WithOutput(log.String()))
	if stale(err) {
		p.logger.Warnf("discarding validation result for %s: %v", id, err)
		return nil
	}
	if err != nil {
		return err
	}
	if !passed {
		return nil
	}

	_, err = p.autoApprove(recordCtx, prop)
	return err
}

// autoApprove moves a validation_passed proposal to auto_approved and
// queues its merge when the policy allows it, reporting whether a merge was
// queued. Under a manual policy the proposal is left waiting for a human.
func (p *Pipeline) autoApprove(ctx context.Context, prop *proposal.Proposal) (bool, error) {
	approver, ok := p.deps.Policy.AutoApprove(prop)
	if !ok {
		p.logger.Infof("%s passed validation, waiting for approval", prop.ID)
		return false, nil
	}
	if _, err := p.deps.Ledger.UpdateStatus(ctx, prop.ID, proposal.StatusAutoApproved,
		ledger.WithExpected(proposal.StatusValidationPassed), ledger.WithApprovedBy(approver)); err != nil {
		if stale(err) {
			p.logger.Infof("%s changed before auto-approval: %v", prop.ID, err)
			return false, nil
		}
		return false, err
	}
	p.logger.Infof("%s auto-approved by %s", prop.ID, approver)

	if _, err := p.scheduleMerge(ctx, prop.ID, proposal.StatusAutoApproved); err != nil {
		if stale(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// validateClone runs the sandbox against a throwaway clone of the proposal
// branch. A clone failure is a failed validation.
func (p *Pipeline) validateClone(ctx context.Context, prop *proposal.Proposal) (bool, string) {
	tmp, err := os.MkdirTemp("", "odyssey-validate-*")
	if err != nil {
		return false, fmt.Sprintf("creating validation directory: %v", err)
	}
	defer func() {
		if err := os.RemoveAll(tmp); err != nil {
			p.logger.Warnf("failed to remove %s: %v", tmp, err)
		}
	}()

	dir := filepath.Join(tmp, "src")
	if err := p.deps.Repo.Clone(ctx, prop.BranchName, dir); err != nil {
		p.logger.Errorf("cloning %s for validation: %v", prop.BranchName, err)
		return false, fmt.Sprintf("cloning %s failed: %v", prop.BranchName, err)
	}
	return p.deps.Sandbox.Validate(ctx, dir, prop.ID)
}

// publish pushes the branch and opens a pull request when configured. It
// returns a note for the transcript; failures do not fail the proposal.
func (p *Pipeline) publish(ctx context.Context, prop *proposal.Proposal) string {
	if p.deps.Publisher == nil || !p.cfg.OpenPullRequest || prop.PullRequestNum != 0 {
		return ""
	}
	pub := p.deps.Publisher

	if err := pub.PushBranch(ctx, prop.BranchName); err != nil {
		p.logger.Errorf("pushing %s: %v", prop.BranchName, err)
		return fmt.Sprintf("== publish ==\npush failed: %v\n\n", err)
	}
	body := fmt.Sprintf("Proposal `%s`\n\n%s", prop.ID, prop.CommitMessage)
	pr, err := pub.OpenPullRequest(ctx, prop.BranchName, prop.BaseBranch, firstLine(prop.CommitMessage), body)
	if err != nil {
		p.logger.Errorf("opening pull request for %s: %v", prop.ID, err)
		return fmt.Sprintf("== publish ==\npull request failed: %v\n\n", err)
	}
	if err := p.deps.Ledger.SetPullRequest(ctx, prop.ID, pr.URL, pr.Number); err != nil {
		p.logger.Errorf("recording pull request for %s: %v", prop.ID, err)
	}
	prop.PullRequestURL, prop.PullRequestNum = pr.URL, pr.Number
	return fmt.Sprintf("== publish ==\npull request #%d: %s\n\n", pr.Number, pr.URL)
}

// RunMerge merges an approved proposal into its base branch. Conflicts and
// failed CI end in merge_failed; a new proposal is needed to try again.
func (p *Pipeline) RunMerge(ctx context.Context, id string) error {
	prop, err := p.deps.Ledger.UpdateStatus(ctx, id, proposal.StatusMergeInProgress,
		ledger.WithExpected(proposal.StatusMergePending))
	if stale(err) {
		p.logger.Infof("skipping merge of %s: %v", id, err)
		return nil
	}
	if err != nil {
		return err
	}

	recordCtx := context.WithoutCancel(ctx)
	finish := func(to proposal.Status, message string) error {
		_, err := p.deps.Ledger.UpdateStatus(recordCtx, id, to,
			ledger.WithExpected(proposal.StatusMergeInProgress), ledger.WithOutput("Merge attempt: "+message))
		if stale(err) {
			p.logger.Warnf("discarding merge result for %s: %v", id, err)
			return nil
		}
		return err
	}

	if p.cfg.RequireCI {
		ok, message, ciErr := p.checkCI(ctx, prop)
		if !ok {
			if err := finish(proposal.StatusMergeFailed, message); err != nil {
				return err
			}
			// Unreachable CI is an operator problem, not a verdict on the change
			return ciErr
		}
	}

	result, err := p.deps.Repo.Merge(ctx, repo.MergeOptions{
		Branch:       prop.BranchName,
		Base:         prop.BaseBranch,
		Message:      fmt.Sprintf("Merge proposal %s: %s", prop.ID, firstLine(prop.CommitMessage)),
		DeleteBranch: p.cfg.DeleteMergedBranch,
	})
	var conflict *repo.MergeConflictError
	switch {
	case errors.As(err, &conflict):
		p.logger.Warnf("merge of %s conflicts: %v", id, conflict.Paths)
		message := "conflict merging " + prop.BranchName + " into " + prop.BaseBranch
		if len(conflict.Paths) > 0 {
			message += " in " + strings.Join(conflict.Paths, ", ")
		}
		return finish(proposal.StatusMergeFailed, message)
	case err != nil:
		p.logger.Errorf("merge of %s failed: %v", id, err)
		return finish(proposal.StatusMergeFailed, err.Error())
	}

	message := fmt.Sprintf("merged into %s at %s", prop.BaseBranch, result.SHA)
	if result.Pushed {
		message += " (pushed)"
	}
	p.logger.Infof("%s %s", id, message)
	return finish(proposal.StatusMerged, message)
}

// checkCI waits for the proposal's pull request checks. It returns false with
// a transcript message unless they succeeded; err is set only when CI could
// not be queried.
func (p *Pipeline) checkCI(ctx context.Context, prop *proposal.Proposal) (bool, string, error) {
	if prop.PullRequestNum == 0 {
		return false, "CI required but the proposal has no pull request", nil
	}
	status, err := remote.WaitForCI(ctx, p.deps.Publisher, prop.PullRequestNum,
		p.cfg.CIPollAttempts, p.cfg.CIPollInterval, p.logger)
	if err != nil {
		return false, fmt.Sprintf("CI status unavailable: %v", err), fmt.Errorf("CI status for %s: %w", prop.ID, err)
	}
	if status != remote.CISuccess {
		return false, fmt.Sprintf("CI status for PR #%d is %s", prop.PullRequestNum, status), nil
	}
	return true, "", nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
