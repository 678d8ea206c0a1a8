// Package store opens the SQLite database shared by the proposal ledger and
// the task queue. Workers on the same host share it through WAL mode.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/jon9314/Odyssey/pkg/config"
	"github.com/jon9314/Odyssey/pkg/logging"
)

// schema is applied on every connection; statements are idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS proposals (
	proposal_id       TEXT PRIMARY KEY,
	branch_name       TEXT NOT NULL UNIQUE,
	base_branch       TEXT NOT NULL,
	commit_message    TEXT NOT NULL,
	commit_sha        TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	validation_output TEXT NOT NULL DEFAULT '',
	approved_by       TEXT,
	pr_url            TEXT NOT NULL DEFAULT '',
	pr_number         INTEGER NOT NULL DEFAULT 0,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS proposals_created ON proposals (created_at DESC);
CREATE INDEX IF NOT EXISTS proposals_status ON proposals (status);

CREATE TABLE IF NOT EXISTS status_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	proposal_id TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status   TEXT NOT NULL,
	actor       TEXT NOT NULL DEFAULT '',
	output      TEXT NOT NULL DEFAULT '',
	at          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS status_history_proposal ON status_history (proposal_id, id);

CREATE TABLE IF NOT EXISTS tasks (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	kind        TEXT NOT NULL,
	proposal_id TEXT NOT NULL,
	state       TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT '',
	enqueued_at INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS tasks_state ON tasks (state, id);
`

// Pool is a fixed-size pool of SQLite connections with the schema applied.
//
// Pool is safe for concurrent use. Individual connections are not; each
// goroutine must Take its own connection and Put it back when done.
type Pool struct {
	inner  *sqlitex.Pool
	logger *logging.Logger
	path   string
}

// Open creates the pool, creating the database file and its parent
// directory when missing.
func Open(cfg config.LedgerConfig, logger *logging.Logger) (*Pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: path is required")
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
			return nil, fmt.Errorf("store: creating directory for %s: %w", cfg.Path, err)
		}
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	if cfg.Path == ":memory:" {
		// Each in-memory connection is its own database
		poolSize = 1
	}

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", cfg.Path, err)
	}

	logger.Debugf("sqlite pool opened path=%s pool_size=%d", cfg.Path, poolSize)
	return &Pool{inner: inner, logger: logger, path: cfg.Path}, nil
}

// Take borrows a connection. The caller must Put it back, typically via defer.
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: take: %w", err)
	}
	return conn, nil
}

// Put returns a connection to the pool. Safe to call with nil.
func (p *Pool) Put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

// Close closes all connections, waiting for borrowed ones to be returned.
func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Errorf("sqlite pool close error path=%s: %v", p.path, err)
		return fmt.Errorf("store: closing %s: %w", p.path, err)
	}
	return nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("store: applying schema: %w", err)
	}
	return nil
}
