package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"privd/internal/privd/domain"
	"privd/internal/privd/lock"
	"privd/pkg/logger"

	_ "modernc.org/sqlite"
)

const (
	DefaultRecentLimit = 50
	MaxRecentLimit     = 1000
	pruneInterval      = 6 * time.Hour
)

const schema = `
CREATE TABLE IF NOT EXISTS invocations (
	id          TEXT PRIMARY KEY,
	action      TEXT NOT NULL,
	args_json   TEXT NOT NULL DEFAULT '[]',
	run_as      TEXT NOT NULL DEFAULT '',
	exit_code   INTEGER NOT NULL,
	outcome     TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_invocations_started_at ON invocations (started_at DESC);
CREATE INDEX IF NOT EXISTS idx_invocations_action ON invocations (action, started_at DESC);
`

// Journal is the on-disk record of privileged invocations. SQLite takes one
// writer at a time, so every statement runs under the shared DBLock.
type Journal struct {
	db     *sql.DB
	lock   *lock.DBLock
	logger *logger.Logger
}

// Open opens or creates the journal database at path.
func Open(path string, dbLock *lock.DBLock) (*Journal, error) {
	if dbLock == nil {
		dbLock = lock.NewDBLock("journal", 0)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure journal (%s): %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}

	j := &Journal{
		db:     db,
		lock:   dbLock,
		logger: logger.WithFields("component", "journal", "path", path),
	}
	j.logger.Info("journal opened")
	return j, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores one invocation.
func (j *Journal) Record(ctx context.Context, entry *domain.JournalEntry) error {
	args := entry.Args
	if args == nil {
		args = []string{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to encode arguments: %w", err)
	}

	finished := entry.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}

	return j.lock.Guard(ctx, func(ctx context.Context) error {
		_, err := j.db.ExecContext(ctx,
			`INSERT INTO invocations (id, action, args_json, run_as, exit_code, outcome, error, started_at, finished_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID,
			entry.Action,
			string(argsJSON),
			entry.User,
			entry.ExitCode,
			entry.Outcome,
			entry.Error,
			entry.StartedAt.UnixNano(),
			finished.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("failed to record invocation %s: %w", entry.ID, err)
		}
		return nil
	})
}

// Recent returns up to limit entries, newest first. A limit outside
// 1..MaxRecentLimit selects DefaultRecentLimit.
func (j *Journal) Recent(ctx context.Context, limit int) ([]*domain.JournalEntry, error) {
	if limit <= 0 || limit > MaxRecentLimit {
		limit = DefaultRecentLimit
	}

	var entries []*domain.JournalEntry
	err := j.lock.Guard(ctx, func(ctx context.Context) error {
		rows, err := j.db.QueryContext(ctx,
			`SELECT id, action, args_json, run_as, exit_code, outcome, error, started_at, finished_at
			 FROM invocations ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
		if err != nil {
			return fmt.Errorf("failed to query journal: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				e                 domain.JournalEntry
				argsJSON          string
				started, finished int64
			)
			if err := rows.Scan(&e.ID, &e.Action, &argsJSON, &e.User, &e.ExitCode, &e.Outcome, &e.Error, &started, &finished); err != nil {
				return fmt.Errorf("failed to scan journal row: %w", err)
			}
			if err := json.Unmarshal([]byte(argsJSON), &e.Args); err != nil {
				j.logger.Warn("corrupt arguments in journal row", "id", e.ID, "error", err)
			}
			e.StartedAt = time.Unix(0, started)
			e.FinishedAt = time.Unix(0, finished)
			entries = append(entries, &e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Prune deletes entries that started before now minus olderThan and
// reports how many were removed. A non-positive olderThan keeps
// everything.
func (j *Journal) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-olderThan).UnixNano()

	var removed int64
	err := j.lock.Guard(ctx, func(ctx context.Context) error {
		res, err := j.db.ExecContext(ctx, "DELETE FROM invocations WHERE started_at < ?", cutoff)
		if err != nil {
			return fmt.Errorf("failed to prune journal: %w", err)
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}

// RunPruner prunes once immediately and then periodically until ctx ends.
func (j *Journal) RunPruner(ctx context.Context, retention time.Duration) error {
	prune := func() {
		n, err := j.Prune(ctx, retention)
		if err != nil {
			j.logger.Warn("journal prune failed", "error", err)
			return
		}
		if n > 0 {
			j.logger.Info("journal pruned", "removed", n)
		}
	}

	prune()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			prune()
		}
	}
}
