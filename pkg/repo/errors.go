package repo

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoChanges is wrapped by a RepositoryError when a proposal's files are
// identical to the base branch.
var ErrNoChanges = errors.New("commit produces no changes")

// RepositoryError represents a failed branch, commit or merge operation
type RepositoryError struct {
	Op     string
	Branch string
	Output string
	Err    error
}

func (e *RepositoryError) Error() string {
	if e.Branch != "" {
		return fmt.Sprintf("repository %s failed for %s: %v", e.Op, e.Branch, e.Err)
	}
	return fmt.Sprintf("repository %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *RepositoryError) Unwrap() error {
	return e.Err
}

// MergeConflictError is returned when merging a proposal branch into its base
// conflicts. The merge has been aborted and the base branch is unchanged.
type MergeConflictError struct {
	Branch string
	Base   string
	Paths  []string
	Output string
}

func (e *MergeConflictError) Error() string {
	if len(e.Paths) == 0 {
		return fmt.Sprintf("merge of %s into %s conflicts", e.Branch, e.Base)
	}
	return fmt.Sprintf("merge of %s into %s conflicts in: %s", e.Branch, e.Base, strings.Join(e.Paths, ", "))
}

// Unwrap exposes the conflict as a RepositoryError so callers matching the
// broader class also see conflicts.
func (e *MergeConflictError) Unwrap() error {
	return &RepositoryError{Op: "merge", Branch: e.Branch, Output: e.Output, Err: errors.New("merge conflict")}
}
