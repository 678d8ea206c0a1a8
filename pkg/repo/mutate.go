package repo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/jon9314/Odyssey/pkg/security/workspace"
)

// Change is a set of full-content file writes to commit on a new branch
type Change struct {
	Base    string
	Branch  string
	Files   map[string]string
	Message string
}

// Commit describes a created proposal branch
type Commit struct {
	Branch string
	SHA    string
	Files  []string
}

// CreateProposal cuts change.Branch from the tip of change.Base, writes the
// files and commits them as a single commit.
//
// The work happens in a temporary worktree, so the shared checkout's HEAD and
// index are never disturbed. On any failure the new branch is removed.
func (r *Repository) CreateProposal(ctx context.Context, change Change) (*Commit, error) {
	if change.Base == "" {
		change.Base = r.cfg.BaseBranch
	}
	if len(change.Files) == 0 {
		return nil, &RepositoryError{Op: "create", Branch: change.Branch, Err: ErrNoChanges}
	}
	if strings.TrimSpace(change.Message) == "" {
		return nil, &RepositoryError{Op: "create", Branch: change.Branch, Err: fmt.Errorf("commit message cannot be empty")}
	}

	release, err := r.lock.acquire(ctx)
	if err != nil {
		return nil, &RepositoryError{Op: "lock", Branch: change.Branch, Err: err}
	}
	defer release()

	if _, err := r.ResolveCommit(ctx, "refs/heads/"+change.Base); err != nil {
		return nil, &RepositoryError{Op: "create", Branch: change.Branch, Err: fmt.Errorf("base branch %q cannot be resolved: %w", change.Base, err)}
	}
	if r.BranchExists(ctx, change.Branch) {
		return nil, &RepositoryError{Op: "create", Branch: change.Branch, Err: fmt.Errorf("branch already exists")}
	}

	worktree, err := os.MkdirTemp("", "odyssey-worktree-*")
	if err != nil {
		return nil, &RepositoryError{Op: "create", Branch: change.Branch, Err: err}
	}
	if _, err := r.git(ctx, r.dir, "worktree", "add", "--quiet", "-b", change.Branch, worktree, change.Base); err != nil {
		os.RemoveAll(worktree)
		return nil, &RepositoryError{Op: "create", Branch: change.Branch, Err: err}
	}

	commit, err := r.commitInWorktree(ctx, worktree, change)

	// Cleanup uses a fresh context so a cancelled caller cannot leave the worktree behind.
	cleanupCtx := context.WithoutCancel(ctx)
	if _, rmErr := r.git(cleanupCtx, r.dir, "worktree", "remove", "--force", worktree); rmErr != nil {
		r.logger.Warnf("failed to remove worktree %s: %v", worktree, rmErr)
		os.RemoveAll(worktree)
		_, _ = r.git(cleanupCtx, r.dir, "worktree", "prune")
	}

	if err != nil {
		if _, delErr := r.git(cleanupCtx, r.dir, "branch", "-D", change.Branch); delErr != nil {
			r.logger.Warnf("failed to delete branch %s after failed commit: %v", change.Branch, delErr)
		}
		return nil, err
	}

	r.logger.Infof("created branch %s at %s (%d files)", commit.Branch, commit.SHA, len(commit.Files))
	return commit, nil
}

func (r *Repository) commitInWorktree(ctx context.Context, worktree string, change Change) (*Commit, error) {
	guard, err := workspace.NewGuard(worktree, r.cfg.ProtectedPaths)
	if err != nil {
		return nil, &RepositoryError{Op: "create", Branch: change.Branch, Err: err}
	}

	paths := lo.Keys(change.Files)
	sort.Strings(paths)

	written := make([]string, 0, len(paths))
	for _, path := range paths {
		clean, err := guard.ValidatePath(path)
		if err != nil {
			return nil, &RepositoryError{Op: "write", Branch: change.Branch, Err: err}
		}
		full := filepath.Join(worktree, filepath.FromSlash(clean))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return nil, &RepositoryError{Op: "write", Branch: change.Branch, Err: fmt.Errorf("failed to create directory for %s: %w", clean, err)}
		}
		if err := os.WriteFile(full, []byte(change.Files[path]), 0644); err != nil {
			return nil, &RepositoryError{Op: "write", Branch: change.Branch, Err: fmt.Errorf("failed to write %s: %w", clean, err)}
		}
		written = append(written, clean)
	}

	addArgs := append([]string{"add", "--"}, written...)
	if _, err := r.git(ctx, worktree, addArgs...); err != nil {
		return nil, &RepositoryError{Op: "stage", Branch: change.Branch, Err: err}
	}

	// diff --cached --quiet exits 0 when nothing is staged
	if _, err := r.git(ctx, worktree, "diff", "--cached", "--quiet"); err == nil {
		return nil, &RepositoryError{Op: "commit", Branch: change.Branch, Err: ErrNoChanges}
	}

	commitArgs := append(r.identityArgs(), "commit", "--quiet", "-m", change.Message)
	if _, err := r.git(ctx, worktree, commitArgs...); err != nil {
		return nil, &RepositoryError{Op: "commit", Branch: change.Branch, Err: err}
	}

	sha, err := r.git(ctx, worktree, "rev-parse", "HEAD")
	if err != nil {
		return nil, &RepositoryError{Op: "commit", Branch: change.Branch, Err: err}
	}

	return &Commit{Branch: change.Branch, SHA: strings.TrimSpace(sha), Files: written}, nil
}

// MergeOptions describes merging an approved branch into its base
type MergeOptions struct {
	Branch  string
	Base    string
	Message string
	// DeleteBranch removes the source branch locally and on the remote after a successful merge
	DeleteBranch bool
}

// MergeResult describes a completed merge
type MergeResult struct {
	SHA           string
	Pushed        bool
	BranchDeleted bool
	Output        string
}

// Merge merges opts.Branch into opts.Base with a merge commit in the shared
// working copy and pushes the base branch when a remote is configured.
//
// Merges are serialised across goroutines and processes. On conflict the merge
// is aborted, the base branch is left at its previous commit and a
// MergeConflictError listing the conflicting paths is returned. If the push
// fails the local merge is undone so base stays in step with the remote.
func (r *Repository) Merge(ctx context.Context, opts MergeOptions) (*MergeResult, error) {
	if opts.Base == "" {
		opts.Base = r.cfg.BaseBranch
	}
	if opts.Message == "" {
		opts.Message = fmt.Sprintf("Merge branch '%s' into %s", opts.Branch, opts.Base)
	}

	release, err := r.lock.acquire(ctx)
	if err != nil {
		return nil, &RepositoryError{Op: "lock", Branch: opts.Branch, Err: err}
	}
	defer release()
	r.logger.Debugf("acquired merge lock for %s", opts.Base)

	if !r.BranchExists(ctx, opts.Branch) {
		return nil, &RepositoryError{Op: "merge", Branch: opts.Branch, Err: fmt.Errorf("branch does not exist")}
	}

	status, err := r.git(ctx, r.dir, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return nil, &RepositoryError{Op: "merge", Branch: opts.Branch, Err: fmt.Errorf("failed to check git status: %w", err)}
	}
	if strings.TrimSpace(status) != "" {
		return nil, &RepositoryError{Op: "merge", Branch: opts.Branch, Err: fmt.Errorf("workspace has uncommitted changes")}
	}

	if _, err := r.git(ctx, r.dir, "checkout", "--quiet", opts.Base); err != nil {
		return nil, &RepositoryError{Op: "checkout", Branch: opts.Base, Err: err}
	}

	hasRemote := r.HasRemote(ctx)
	if hasRemote {
		if _, err := r.git(ctx, r.dir, "pull", "--quiet", "--ff-only", r.cfg.Remote, opts.Base); err != nil {
			return nil, &RepositoryError{Op: "pull", Branch: opts.Base, Err: err}
		}
	}

	before, err := r.ResolveCommit(ctx, "HEAD")
	if err != nil {
		return nil, err
	}

	mergeArgs := append(r.identityArgs(), "merge", "--no-ff", "-m", opts.Message, opts.Branch)
	output, mergeErr := r.git(ctx, r.dir, mergeArgs...)
	if mergeErr != nil {
		return nil, r.abortMerge(ctx, opts, before, output, mergeErr)
	}

	after, err := r.ResolveCommit(ctx, "HEAD")
	if err != nil {
		return nil, err
	}
	result := &MergeResult{SHA: after, Output: strings.TrimSpace(output)}

	if hasRemote {
		if _, err := r.git(ctx, r.dir, "push", "--quiet", r.cfg.Remote, opts.Base); err != nil {
			if _, resetErr := r.git(context.WithoutCancel(ctx), r.dir, "reset", "--hard", "--quiet", before); resetErr != nil {
				r.logger.Errorf("failed to roll back %s to %s after push failure: %v", opts.Base, before, resetErr)
			}
			return nil, &RepositoryError{Op: "push", Branch: opts.Base, Err: err}
		}
		result.Pushed = true
	}

	if opts.DeleteBranch {
		result.BranchDeleted = r.deleteMergedBranch(ctx, opts.Branch, hasRemote)
	}

	r.logger.Infof("merged %s into %s at %s (pushed=%v)", opts.Branch, opts.Base, after, result.Pushed)
	return result, nil
}

// abortMerge collects conflicting paths, aborts the merge and makes sure HEAD
// is back at before.
func (r *Repository) abortMerge(ctx context.Context, opts MergeOptions, before, output string, mergeErr error) error {
	cleanupCtx := context.WithoutCancel(ctx)

	conflicts, _ := r.git(cleanupCtx, r.dir, "diff", "--name-only", "--diff-filter=U")
	paths := lo.Filter(strings.Split(strings.TrimSpace(conflicts), "\n"), func(p string, _ int) bool {
		return p != ""
	})

	if _, err := r.git(cleanupCtx, r.dir, "merge", "--abort"); err != nil {
		r.logger.Warnf("merge --abort failed for %s: %v", opts.Branch, err)
	}
	if head, err := r.ResolveCommit(cleanupCtx, "HEAD"); err != nil || head != before {
		if _, err := r.git(cleanupCtx, r.dir, "reset", "--hard", "--quiet", before); err != nil {
			r.logger.Errorf("failed to restore %s to %s: %v", opts.Base, before, err)
		}
	}

	if len(paths) > 0 || strings.Contains(output, "CONFLICT") {
		r.logger.Warnf("merge of %s into %s conflicts: %v", opts.Branch, opts.Base, paths)
		return &MergeConflictError{Branch: opts.Branch, Base: opts.Base, Paths: paths, Output: strings.TrimSpace(output)}
	}
	return &RepositoryError{Op: "merge", Branch: opts.Branch, Output: output, Err: mergeErr}
}

func (r *Repository) deleteMergedBranch(ctx context.Context, branch string, hasRemote bool) bool {
	if _, err := r.git(ctx, r.dir, "branch", "--delete", branch); err != nil {
		r.logger.Warnf("failed to delete merged branch %s: %v", branch, err)
		return false
	}
	if hasRemote {
		if _, err := r.git(ctx, r.dir, "ls-remote", "--exit-code", "--heads", r.cfg.Remote, branch); err == nil {
			if _, err := r.git(ctx, r.dir, "push", "--quiet", r.cfg.Remote, "--delete", branch); err != nil {
				r.logger.Warnf("failed to delete remote branch %s: %v", branch, err)
			}
		}
	}
	return true
}
