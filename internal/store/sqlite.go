package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	logx "batchq/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

func init() {
	Register("sqlite", openSQLite)
}

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	cfg    Config
	ready  atomic.Bool
	closed atomic.Bool
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store.path is required for sqlite driver")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; it also keeps ":memory:" on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &sqliteStore{db: db, log: log, cfg: cfg}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.ready.Load() {
		return nil
	}
	s.applyPragmas(ctx)
	if err := s.migrate(ctx); err != nil {
		return err
	}
	s.ready.Store(true)
	s.log.Debug("sqlite store ready", logx.String("path", s.cfg.Path))
	return nil
}

// applyPragmas tunes the connection. Failures are logged; the store still
// works with SQLite defaults.
func (s *sqliteStore) applyPragmas(ctx context.Context) {
	if s.cfg.BusyTimeout > 0 {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", s.cfg.BusyTimeout.Milliseconds())); err != nil {
			s.log.Warn("sqlite busy_timeout not applied", logx.Duration("busy_timeout", s.cfg.BusyTimeout), logx.Err(err))
		}
	}
	if s.cfg.Path != ":memory:" {
		var mode string
		if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode = WAL").Scan(&mode); err != nil {
			s.log.Warn("sqlite WAL not enabled", logx.String("path", s.cfg.Path), logx.Err(err))
		} else if !strings.EqualFold(mode, "wal") {
			s.log.Warn("sqlite WAL not enabled", logx.String("path", s.cfg.Path), logx.String("journal_mode", mode))
		}
	}
	syncMode := "NORMAL"
	if s.cfg.Sync {
		syncMode = "FULL"
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous = "+syncMode); err != nil {
		s.log.Warn("sqlite synchronous not applied", logx.String("synchronous", syncMode), logx.Err(err))
	}
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) check() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.ready.Load() {
		return ErrNotReady
	}
	return nil
}

func (s *sqliteStore) Put(ctx context.Context, e Entry) error {
	if err := s.check(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, seq, priority, total, data)
		 VALUES(?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM tasks), ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET priority=excluded.priority, total=excluded.total, data=excluded.data`,
		e.ID, e.Priority, e.Total, e.Data,
	)
	return err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (Entry, bool, error) {
	if err := s.check(); err != nil {
		return Entry{}, false, err
	}
	e := Entry{ID: id}
	err := s.db.QueryRowContext(ctx, `SELECT priority, total, data FROM tasks WHERE id = ?`, id).
		Scan(&e.Priority, &e.Total, &e.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s *sqliteStore) TakeFirst(ctx context.Context, n int) ([]Entry, error) {
	return s.take(ctx, n, "priority DESC, seq ASC")
}

func (s *sqliteStore) TakeLast(ctx context.Context, n int) ([]Entry, error) {
	return s.take(ctx, n, "priority DESC, seq DESC")
}

func (s *sqliteStore) take(ctx context.Context, n int, order string) (out []Entry, err error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, `SELECT id, priority, total, data FROM tasks ORDER BY `+order+` LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var e Entry
		if err = rows.Scan(&e.ID, &e.Priority, &e.Total, &e.Data); err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, e)
	}
	if err = rows.Close(); err != nil {
		return nil, err
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	for _, e := range out {
		if _, err = tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, e.ID); err != nil {
			return nil, err
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqliteStore) Len(ctx context.Context) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&n)
	return n, err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
