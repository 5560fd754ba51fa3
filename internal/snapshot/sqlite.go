package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "bugwatch/pkg/logx"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS bug_state (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	notified_at TEXT
);
CREATE TABLE IF NOT EXISTS bug_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

const metaCleanSince = "clean_since"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	path        string
	lockTimeout time.Duration
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer per process is all we need.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, &PersistError{Op: "migrate", Path: path, Err: err}
	}
	return &sqliteStore{db: db, log: log, path: path, lockTimeout: cfg.LockTimeout}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Load(ctx context.Context) (State, error) {
	wrap := func(err error) error { return &PersistError{Op: "load", Path: s.path, Err: err} }

	bugs, err := s.loadBugs(ctx)
	if err != nil {
		return State{}, wrap(err)
	}
	st := State{Bugs: bugs}

	var raw string
	err = s.db.QueryRowContext(ctx, `SELECT value FROM bug_meta WHERE key = ?`, metaCleanSince).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return State{}, wrap(err)
	default:
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return State{}, wrap(fmt.Errorf("%s: %w", metaCleanSince, err))
		}
		st.CleanSince = t
	}
	return st, nil
}

func (s *sqliteStore) loadBugs(ctx context.Context) (Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, status, notified_at FROM bug_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := Snapshot{}
	for rows.Next() {
		var (
			id, status string
			at         sql.NullString
		)
		if err := rows.Scan(&id, &status, &at); err != nil {
			return nil, err
		}
		e := Entry{Status: status}
		if at.Valid && at.String != "" {
			t, err := time.Parse(time.RFC3339Nano, at.String)
			if err != nil {
				return nil, fmt.Errorf("bug %s: %w", id, err)
			}
			e.NotifiedAt = t
		}
		out[id] = e
	}
	return out, rows.Err()
}

// Save replaces the bugs and the watermark in one transaction.
func (s *sqliteStore) Save(ctx context.Context, st State) error {
	wrap := func(err error) error { return &PersistError{Op: "save", Path: s.path, Err: err} }

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM bug_state`); err != nil {
		return wrap(err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO bug_state(id, status, notified_at) VALUES(?,?,?)`)
	if err != nil {
		return wrap(err)
	}
	defer stmt.Close()

	for _, id := range st.Bugs.IDs() {
		e := st.Bugs[id]
		var at any
		if !e.NotifiedAt.IsZero() {
			at = e.NotifiedAt.Format(time.RFC3339Nano)
		}
		if _, err := stmt.ExecContext(ctx, id, e.Status, at); err != nil {
			return wrap(err)
		}
	}
	if st.CleanSince.IsZero() {
		_, err = tx.ExecContext(ctx, `DELETE FROM bug_meta WHERE key = ?`, metaCleanSince)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO bug_meta(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			metaCleanSince, st.CleanSince.UTC().Format(time.RFC3339Nano))
	}
	if err != nil {
		return wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return wrap(err)
	}
	s.log.Debug("snapshot saved", logx.String("path", s.path), logx.Int("bugs", len(st.Bugs)))
	return nil
}

func (s *sqliteStore) Lock(ctx context.Context) (func(), error) {
	fs := &fileStore{lockPath: s.path + ".lock", lockTimeout: s.lockTimeout}
	return fs.Lock(ctx)
}
