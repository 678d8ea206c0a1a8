// Package ledger is the durable record of every proposal and its status
// history. It is the single source of truth for pipeline state: every status
// change is checked against the lifecycle graph inside a write transaction,
// so late or duplicated task results cannot overwrite newer state.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/jon9314/Odyssey/pkg/logging"
	"github.com/jon9314/Odyssey/pkg/proposal"
	"github.com/jon9314/Odyssey/pkg/store"
)

const (
	// DefaultListLimit is used when List is called with a non-positive limit
	DefaultListLimit = 50
	// MaxListLimit caps List results
	MaxListLimit = 200
)

var (
	// ErrNotFound is returned for unknown proposal ids
	ErrNotFound = errors.New("proposal not found")
	// ErrDuplicate is returned when a proposal id or branch name is already recorded
	ErrDuplicate = errors.New("proposal already exists")
)

const proposalColumns = `proposal_id, branch_name, base_branch, commit_message, commit_sha, status,
	validation_output, approved_by, pr_url, pr_number, created_at, updated_at`

// Ledger stores proposals in SQLite
type Ledger struct {
	pool   *store.Pool
	logger *logging.Logger
	now    func() time.Time
}

// New creates a ledger on an open pool
func New(pool *store.Pool, logger *logging.Logger) *Ledger {
	return &Ledger{
		pool:   pool,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create records a new proposal. Its status must be proposed.
func (l *Ledger) Create(ctx context.Context, p *proposal.Proposal) (err error) {
	if p.ID == "" || p.BranchName == "" {
		return fmt.Errorf("ledger: proposal id and branch name are required")
	}
	if p.Status == "" {
		p.Status = proposal.StatusProposed
	}
	if p.Status != proposal.StatusProposed {
		return &proposal.IllegalTransitionError{ProposalID: p.ID, From: "", To: p.Status}
	}

	now := l.now()
	p.CreatedAt = now
	p.UpdatedAt = now

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("ledger: create %s: %w", p.ID, err)
	}
	defer l.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("ledger: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, `INSERT INTO proposals (`+proposalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			p.ID, p.BranchName, p.BaseBranch, p.CommitMessage, p.CommitSHA, string(p.Status),
			p.ValidationOutput, p.PullRequestURL, p.PullRequestNum, now.UnixNano(), now.UnixNano(),
		},
	})
	if err != nil {
		if code := sqlite.ErrCode(err); code == sqlite.ResultConstraintUnique || code == sqlite.ResultConstraintPrimaryKey {
			return fmt.Errorf("ledger: create %s (%s): %w", p.ID, p.BranchName, ErrDuplicate)
		}
		return fmt.Errorf("ledger: create %s: %w", p.ID, err)
	}

	if err = insertHistory(conn, p.ID, "", p.Status, "", "", now); err != nil {
		return err
	}

	l.logger.Infof("proposal %s recorded on %s", p.ID, p.BranchName)
	return nil
}

// UpdateOption adjusts a status update
type UpdateOption func(*update)

type update struct {
	output     string
	approvedBy string
	actor      string
	expected   proposal.Status
}

// WithOutput appends text to the proposal's validation output
func WithOutput(output string) UpdateOption {
	return func(u *update) { u.output = output }
}

// WithApprovedBy records who approved the proposal
func WithApprovedBy(identity string) UpdateOption {
	return func(u *update) { u.approvedBy = identity }
}

// WithActor records who caused the transition in the history without touching approved_by
func WithActor(actor string) UpdateOption {
	return func(u *update) { u.actor = actor }
}

// WithExpected makes the update fail with IllegalTransitionError unless the
// stored status is exactly expected. Task handlers use it so a redelivered or
// late task never acts on a proposal that has moved on.
func WithExpected(status proposal.Status) UpdateOption {
	return func(u *update) { u.expected = status }
}

// UpdateStatus moves a proposal to status to, atomically appending output and
// recording approval. Illegal or stale transitions return
// *proposal.IllegalTransitionError and leave the stored proposal unchanged.
func (l *Ledger) UpdateStatus(ctx context.Context, id string, to proposal.Status, opts ...UpdateOption) (p *proposal.Proposal, err error) {
	var u update
	for _, opt := range opts {
		opt(&u)
	}
	if !to.Valid() {
		return nil, fmt.Errorf("ledger: unknown status %q", to)
	}

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: update %s: %w", id, err)
	}
	defer l.pool.Put(conn)

	// BEGIN IMMEDIATE takes the write lock up front, so the read-check-write
	// below cannot interleave with another writer.
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("ledger: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	current, err := getProposal(conn, id)
	if err != nil {
		return nil, err
	}

	if u.expected != "" && current.Status != u.expected {
		err = &proposal.IllegalTransitionError{ProposalID: id, From: current.Status, To: to, Expected: u.expected}
		l.logger.Warnf("rejected stale transition: %v", err)
		return nil, err
	}
	if err = proposal.CheckTransition(id, current.Status, to); err != nil {
		l.logger.Warnf("rejected transition: %v", err)
		return nil, err
	}

	now := l.now()
	output := appendOutput(current.ValidationOutput, u.output)
	approvedBy := current.ApprovedBy
	if u.approvedBy != "" {
		approvedBy = u.approvedBy
	}

	err = sqlitex.Execute(conn, `UPDATE proposals
		SET status = ?, validation_output = ?, approved_by = NULLIF(?, ''), updated_at = ?
		WHERE proposal_id = ? AND status = ?`, &sqlitex.ExecOptions{
		Args: []any{string(to), output, approvedBy, now.UnixNano(), id, string(current.Status)},
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: update %s: %w", id, err)
	}
	if conn.Changes() != 1 {
		err = &proposal.IllegalTransitionError{ProposalID: id, From: current.Status, To: to}
		return nil, err
	}

	actor := u.actor
	if actor == "" {
		actor = u.approvedBy
	}
	if err = insertHistory(conn, id, current.Status, to, actor, u.output, now); err != nil {
		return nil, err
	}

	l.logger.Infof("proposal %s: %s -> %s", id, current.Status, to)

	current.Status = to
	current.ValidationOutput = output
	current.ApprovedBy = approvedBy
	current.UpdatedAt = now
	return current, nil
}

// SetCommit records the proposal branch's commit id
func (l *Ledger) SetCommit(ctx context.Context, id, sha string) error {
	return l.setFields(ctx, id, `commit_sha = ?`, sha)
}

// SetPullRequest records the pull request opened for a proposal
func (l *Ledger) SetPullRequest(ctx context.Context, id, url string, number int) error {
	return l.setFields(ctx, id, `pr_url = ?, pr_number = ?`, url, number)
}

func (l *Ledger) setFields(ctx context.Context, id, assignments string, args ...any) error {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("ledger: update %s: %w", id, err)
	}
	defer l.pool.Put(conn)

	err = sqlitex.Execute(conn, `UPDATE proposals SET `+assignments+` WHERE proposal_id = ?`,
		&sqlitex.ExecOptions{Args: append(args, id)})
	if err != nil {
		return fmt.Errorf("ledger: update %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("ledger: %s: %w", id, ErrNotFound)
	}
	return nil
}

// Get returns a proposal by id
func (l *Ledger) Get(ctx context.Context, id string) (*proposal.Proposal, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: get %s: %w", id, err)
	}
	defer l.pool.Put(conn)

	return getProposal(conn, id)
}

// List returns the most recently created proposals, newest first. limit is
// clamped to 1..MaxListLimit; non-positive means DefaultListLimit.
func (l *Ledger) List(ctx context.Context, limit int) ([]*proposal.Proposal, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	defer l.pool.Put(conn)

	proposals := []*proposal.Proposal{}
	err = sqlitex.Execute(conn, `SELECT `+proposalColumns+` FROM proposals
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, &sqlitex.ExecOptions{
		Args: []any{limit},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			proposals = append(proposals, scanProposal(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	return proposals, nil
}

// InStatus returns every proposal currently in one of statuses, oldest first
func (l *Ledger) InStatus(ctx context.Context, statuses ...proposal.Status) ([]*proposal.Proposal, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	defer l.pool.Put(conn)

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}

	var proposals []*proposal.Proposal
	err = sqlitex.Execute(conn, `SELECT `+proposalColumns+` FROM proposals
		WHERE status IN (`+placeholders+`) ORDER BY created_at, rowid`, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			proposals = append(proposals, scanProposal(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	return proposals, nil
}

// History returns every recorded transition of a proposal in order
func (l *Ledger) History(ctx context.Context, id string) ([]proposal.Transition, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: history %s: %w", id, err)
	}
	defer l.pool.Put(conn)

	if _, err := getProposal(conn, id); err != nil {
		return nil, err
	}

	var history []proposal.Transition
	err = sqlitex.Execute(conn, `SELECT from_status, to_status, actor, output, at
		FROM status_history WHERE proposal_id = ? ORDER BY id`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			history = append(history, proposal.Transition{
				ProposalID: id,
				From:       proposal.Status(stmt.ColumnText(0)),
				To:         proposal.Status(stmt.ColumnText(1)),
				Actor:      stmt.ColumnText(2),
				Output:     stmt.ColumnText(3),
				At:         time.Unix(0, stmt.ColumnInt64(4)).UTC(),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: history %s: %w", id, err)
	}
	return history, nil
}

func getProposal(conn *sqlite.Conn, id string) (*proposal.Proposal, error) {
	var found *proposal.Proposal
	err := sqlitex.Execute(conn, `SELECT `+proposalColumns+` FROM proposals WHERE proposal_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = scanProposal(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("ledger: get %s: %w", id, err)
	}
	if found == nil {
		return nil, fmt.Errorf("ledger: %s: %w", id, ErrNotFound)
	}
	return found, nil
}

func scanProposal(stmt *sqlite.Stmt) *proposal.Proposal {
	return &proposal.Proposal{
		ID:               stmt.ColumnText(0),
		BranchName:       stmt.ColumnText(1),
		BaseBranch:       stmt.ColumnText(2),
		CommitMessage:    stmt.ColumnText(3),
		CommitSHA:        stmt.ColumnText(4),
		Status:           proposal.Status(stmt.ColumnText(5)),
		ValidationOutput: stmt.ColumnText(6),
		ApprovedBy:       stmt.ColumnText(7),
		PullRequestURL:   stmt.ColumnText(8),
		PullRequestNum:   stmt.ColumnInt(9),
		CreatedAt:        time.Unix(0, stmt.ColumnInt64(10)).UTC(),
		UpdatedAt:        time.Unix(0, stmt.ColumnInt64(11)).UTC(),
	}
}

func insertHistory(conn *sqlite.Conn, id string, from, to proposal.Status, actor, output string, at time.Time) error {
	err := sqlitex.Execute(conn, `INSERT INTO status_history (proposal_id, from_status, to_status, actor, output, at)
		VALUES (?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{id, string(from), string(to), actor, output, at.UnixNano()},
	})
	if err != nil {
		return fmt.Errorf("ledger: history for %s: %w", id, err)
	}
	return nil
}

// appendOutput joins new output onto the accumulated transcript
func appendOutput(existing, addition string) string {
	switch {
	case addition == "":
		return existing
	case existing == "":
		return addition
	default:
		return existing + "\n" + addition
	}
}
