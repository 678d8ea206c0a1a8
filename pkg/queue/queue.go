// Package queue is a durable task queue stored next to the ledger. Workers
// in any process sharing the database claim tasks with a lease; a task whose
// worker died is handed out again once its lease expires.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/jon9314/Odyssey/pkg/config"
	"github.com/jon9314/Odyssey/pkg/logging"
	"github.com/jon9314/Odyssey/pkg/store"
)

// Kind names the work a task performs
type Kind string

const (
	KindValidate Kind = "validate"
	KindMerge    Kind = "merge"
)

// State is the delivery state of a task
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// ErrTaskNotFound is returned for unknown task ids
var ErrTaskNotFound = errors.New("task not found")

// Task is one unit of background work for a proposal
type Task struct {
	ID         int64
	Kind       Kind
	ProposalID string
	State      State
	Attempts   int
	LastError  string
	EnqueuedAt time.Time
	UpdatedAt  time.Time
}

const taskColumns = `id, kind, proposal_id, state, attempts, last_error, enqueued_at, updated_at`

// Queue hands out tasks stored in SQLite
type Queue struct {
	pool   *store.Pool
	cfg    config.QueueConfig
	logger *logging.Logger
	now    func() time.Time
}

// New creates a queue on an open pool
func New(pool *store.Pool, cfg config.QueueConfig, logger *logging.Logger) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Queue{
		pool:   pool,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue adds a pending task
func (q *Queue) Enqueue(ctx context.Context, kind Kind, proposalID string) (*Task, error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: enqueue: %w", err)
	}
	defer q.pool.Put(conn)

	now := q.now()
	err = sqlitex.Execute(conn, `INSERT INTO tasks (kind, proposal_id, state, attempts, last_error, enqueued_at, updated_at)
		VALUES (?, ?, ?, 0, '', ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{string(kind), proposalID, string(StatePending), now.UnixNano(), now.UnixNano()},
	})
	if err != nil {
		return nil, fmt.Errorf("queue: enqueue %s for %s: %w", kind, proposalID, err)
	}

	task := &Task{
		ID:         conn.LastInsertRowID(),
		Kind:       kind,
		ProposalID: proposalID,
		State:      StatePending,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
	q.logger.Infof("enqueued %s task %d for %s", kind, task.ID, proposalID)
	return task, nil
}

// Claim leases the oldest available task to the caller. A task is available
// when it is pending or when it is running with an expired lease. Returns
// nil when nothing is available.
func (q *Queue) Claim(ctx context.Context) (task *Task, err error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	defer q.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("queue: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	now := q.now()
	expired := now.Add(-q.cfg.LeaseTimeout).UnixNano()

	// Abandoned tasks that used up their attempts are not redelivered
	err = sqlitex.Execute(conn, `UPDATE tasks SET state = ?, last_error = ?, updated_at = ?
		WHERE state = ? AND updated_at < ? AND attempts >= ?`, &sqlitex.ExecOptions{
		Args: []any{string(StateFailed), "lease expired", now.UnixNano(),
			string(StateRunning), expired, q.cfg.MaxAttempts},
	})
	if err != nil {
		return nil, fmt.Errorf("queue: expire leases: %w", err)
	}
	if n := conn.Changes(); n > 0 {
		q.logger.Warnf("%d abandoned tasks exhausted their attempts", n)
	}

	err = sqlitex.Execute(conn, `SELECT `+taskColumns+` FROM tasks
		WHERE state = ? OR (state = ? AND updated_at < ?)
		ORDER BY id LIMIT 1`, &sqlitex.ExecOptions{
		Args: []any{string(StatePending), string(StateRunning), expired},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			task = scanTask(stmt)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	if task == nil {
		return nil, nil
	}

	if task.State == StateRunning {
		q.logger.Warnf("redelivering %s task %d for %s after lease expiry", task.Kind, task.ID, task.ProposalID)
	}

	task.State = StateRunning
	task.Attempts++
	task.UpdatedAt = now
	err = sqlitex.Execute(conn, `UPDATE tasks SET state = ?, attempts = ?, updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(task.State), task.Attempts, now.UnixNano(), task.ID},
		})
	if err != nil {
		return nil, fmt.Errorf("queue: claim task %d: %w", task.ID, err)
	}

	q.logger.Debugf("claimed %s task %d for %s (attempt %d)", task.Kind, task.ID, task.ProposalID, task.Attempts)
	return task, nil
}

// Complete marks a task done
func (q *Queue) Complete(ctx context.Context, id int64) error {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("queue: complete task %d: %w", id, err)
	}
	defer q.pool.Put(conn)

	err = sqlitex.Execute(conn, `UPDATE tasks SET state = ?, last_error = '', updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(StateDone), q.now().UnixNano(), id},
		})
	if err != nil {
		return fmt.Errorf("queue: complete task %d: %w", id, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("queue: task %d: %w", id, ErrTaskNotFound)
	}
	return nil
}

// Fail records a failed attempt. The task goes back to pending until it has
// been attempted MaxAttempts times, after which it is marked failed.
func (q *Queue) Fail(ctx context.Context, id int64, cause error) (err error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("queue: fail task %d: %w", id, err)
	}
	defer q.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("queue: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	task, err := getTask(conn, id)
	if err != nil {
		return err
	}

	next := StatePending
	if task.Attempts >= q.cfg.MaxAttempts {
		next = StateFailed
	}
	message := ""
	if cause != nil {
		message = cause.Error()
	}

	err = sqlitex.Execute(conn, `UPDATE tasks SET state = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(next), message, q.now().UnixNano(), id},
		})
	if err != nil {
		return fmt.Errorf("queue: fail task %d: %w", id, err)
	}

	if next == StateFailed {
		q.logger.Errorf("%s task %d for %s failed after %d attempts: %s", task.Kind, id, task.ProposalID, task.Attempts, message)
	} else {
		q.logger.Warnf("%s task %d for %s failed (attempt %d/%d), will retry: %s",
			task.Kind, id, task.ProposalID, task.Attempts, q.cfg.MaxAttempts, message)
	}
	return nil
}

// Get returns a task by id
func (q *Queue) Get(ctx context.Context, id int64) (*Task, error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: get task %d: %w", id, err)
	}
	defer q.pool.Put(conn)
	return getTask(conn, id)
}

// Tasks returns every task recorded for a proposal, oldest first
func (q *Queue) Tasks(ctx context.Context, proposalID string) ([]*Task, error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: tasks for %s: %w", proposalID, err)
	}
	defer q.pool.Put(conn)

	var tasks []*Task
	err = sqlitex.Execute(conn, `SELECT `+taskColumns+` FROM tasks WHERE proposal_id = ? ORDER BY id`,
		&sqlitex.ExecOptions{
			Args: []any{proposalID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				tasks = append(tasks, scanTask(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("queue: tasks for %s: %w", proposalID, err)
	}
	return tasks, nil
}

// Counts returns the number of tasks in each state
func (q *Queue) Counts(ctx context.Context) (map[State]int, error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: counts: %w", err)
	}
	defer q.pool.Put(conn)

	counts := make(map[State]int)
	err = sqlitex.Execute(conn, `SELECT state, COUNT(*) FROM tasks GROUP BY state`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			counts[State(stmt.ColumnText(0))] = stmt.ColumnInt(1)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("queue: counts: %w", err)
	}
	return counts, nil
}

func getTask(conn *sqlite.Conn, id int64) (*Task, error) {
	var task *Task
	err := sqlitex.Execute(conn, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			task = scanTask(stmt)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("queue: get task %d: %w", id, err)
	}
	if task == nil {
		return nil, fmt.Errorf("queue: task %d: %w", id, ErrTaskNotFound)
	}
	return task, nil
}

func scanTask(stmt *sqlite.Stmt) *Task {
	return &Task{
		ID:         stmt.ColumnInt64(0),
		Kind:       Kind(stmt.ColumnText(1)),
		ProposalID: stmt.ColumnText(2),
		State:      State(stmt.ColumnText(3)),
		Attempts:   stmt.ColumnInt(4),
		LastError:  stmt.ColumnText(5),
		EnqueuedAt: time.Unix(0, stmt.ColumnInt64(6)).UTC(),
		UpdatedAt:  time.Unix(0, stmt.ColumnInt64(7)).UTC(),
	}
}
