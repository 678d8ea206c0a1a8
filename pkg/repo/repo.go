// Package repo applies proposals to a git repository: it creates proposal
// branches, merges approved ones into the base branch and hands out private
// clones for validation. All git access goes through the git CLI.
package repo

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/jon9314/Odyssey/pkg/config"
	"github.com/jon9314/Odyssey/pkg/logging"
)

// Repository is the shared working copy proposals are cut from and merged into.
type Repository struct {
	dir    string
	cfg    config.RepositoryConfig
	logger *logging.Logger
	lock   *repoLock
}

// Open verifies that cfg.Path is a git working copy and prepares it for use.
func Open(ctx context.Context, cfg config.RepositoryConfig, logger *logging.Logger) (*Repository, error) {
	dir, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repository path: %w", err)
	}

	r := &Repository{dir: dir, cfg: cfg, logger: logger}

	gitDir, err := r.git(ctx, dir, "rev-parse", "--git-common-dir")
	if err != nil {
		return nil, &RepositoryError{Op: "open", Err: fmt.Errorf("%s is not a git repository: %w", dir, err)}
	}
	gitDir = strings.TrimSpace(gitDir)
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(dir, gitDir)
	}
	r.lock = newRepoLock(filepath.Join(gitDir, "odyssey.lock"))

	return r, nil
}

// Dir returns the absolute path of the working copy
func (r *Repository) Dir() string {
	return r.dir
}

// BaseBranch returns the configured default base branch
func (r *Repository) BaseBranch() string {
	return r.cfg.BaseBranch
}

// BranchExists reports whether a local branch exists
func (r *Repository) BranchExists(ctx context.Context, branch string) bool {
	_, err := r.git(ctx, r.dir, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// ResolveCommit returns the full commit id a ref points at
func (r *Repository) ResolveCommit(ctx context.Context, ref string) (string, error) {
	out, err := r.git(ctx, r.dir, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil {
		return "", &RepositoryError{Op: "resolve", Branch: ref, Err: err}
	}
	return strings.TrimSpace(out), nil
}

// HasRemote reports whether the configured remote exists
func (r *Repository) HasRemote(ctx context.Context) bool {
	if r.cfg.Remote == "" {
		return false
	}
	_, err := r.git(ctx, r.dir, "remote", "get-url", r.cfg.Remote)
	return err == nil
}

// PushBranch pushes a local branch to the configured remote once. Retrying
// is left to the caller.
func (r *Repository) PushBranch(ctx context.Context, branch string) error {
	if !r.HasRemote(ctx) {
		return &RepositoryError{Op: "push", Branch: branch, Err: fmt.Errorf("remote %q is not configured", r.cfg.Remote)}
	}
	if _, err := r.git(ctx, r.dir, "push", "--set-upstream", r.cfg.Remote, branch); err != nil {
		return &RepositoryError{Op: "push", Branch: branch, Err: err}
	}
	return nil
}

// DeleteBranch force-deletes a local branch
func (r *Repository) DeleteBranch(ctx context.Context, branch string) error {
	release, err := r.lock.acquire(ctx)
	if err != nil {
		return &RepositoryError{Op: "lock", Branch: branch, Err: err}
	}
	defer release()

	if _, err := r.git(ctx, r.dir, "branch", "-D", branch); err != nil {
		return &RepositoryError{Op: "delete", Branch: branch, Err: err}
	}
	r.logger.Infof("deleted branch %s", branch)
	return nil
}

// Clone makes a private single-branch clone of the working copy at dest.
// Validation runs there so the shared checkout is never touched.
func (r *Repository) Clone(ctx context.Context, branch, dest string) error {
	absDest, err := filepath.Abs(dest)
	if err != nil {
		return &RepositoryError{Op: "clone", Branch: branch, Err: err}
	}
	if _, err := r.git(ctx, r.dir, "clone", "--quiet", "--no-hardlinks", "--single-branch",
		"--branch", branch, r.dir, absDest); err != nil {
		return &RepositoryError{Op: "clone", Branch: branch, Err: err}
	}
	return nil
}

// ReadFile returns the content of path as committed at ref
func (r *Repository) ReadFile(ctx context.Context, ref, path string) (string, error) {
	out, err := r.git(ctx, r.dir, "show", ref+":"+filepath.ToSlash(path))
	if err != nil {
		return "", &RepositoryError{Op: "read", Branch: ref, Err: err}
	}
	return out, nil
}

// Diff returns the change a proposal branch makes relative to its merge base with base
func (r *Repository) Diff(ctx context.Context, base, branch string) (string, error) {
	out, err := r.git(ctx, r.dir, "diff", base+"..."+branch)
	if err != nil {
		return "", &RepositoryError{Op: "diff", Branch: branch, Err: err}
	}
	return out, nil
}

// identityArgs sets author and committer for commands that create commits
func (r *Repository) identityArgs() []string {
	if r.cfg.AuthorName == "" || r.cfg.AuthorEmail == "" {
		return nil
	}
	return []string{"-c", "user.name=" + r.cfg.AuthorName, "-c", "user.email=" + r.cfg.AuthorEmail}
}

// git runs a git command in dir and returns its stdout
func (r *Repository) git(ctx context.Context, dir string, args ...string) (string, error) {
	timeout := r.cfg.GitTimeout
	if timeout <= 0 {
		timeout = config.DefaultConfig().Repository.GitTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("git %s failed: %w, stderr: %s",
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()+"\n"+stdout.String()))
	}
	return stdout.String(), nil
}
