// Package postgres provides a PostgreSQL-backed kv.Synchronizer. Entries
// survive process restarts; batches are committed in one transaction.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/zeusync/variantsync/internal/core/kv"
	"github.com/zeusync/variantsync/internal/core/observability/log"
	"github.com/zeusync/variantsync/internal/core/resource"
)

var _ kv.Synchronizer = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS variant_sync_info (
	qualifier   TEXT     NOT NULL,
	local_name  TEXT     NOT NULL,
	path        TEXT     NOT NULL,
	parent_path TEXT     NOT NULL,
	kind        SMALLINT NOT NULL,
	value       BYTEA    NOT NULL,
	PRIMARY KEY (qualifier, local_name, path)
);
CREATE INDEX IF NOT EXISTS variant_sync_info_parent
	ON variant_sync_info (qualifier, local_name, parent_path);
`

// Options tune the connection pool and per statement timeout.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// Timeout bounds statements issued outside a batch.
	Timeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		Timeout:         10 * time.Second,
	}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store keeps sync info in the variant_sync_info table.
type Store struct {
	db      *sql.DB
	ws      resource.Workspace
	log     log.Log
	timeout time.Duration

	mu     sync.Mutex
	tx     *sql.Tx
	txCtx  context.Context
	depth  int
	failed bool
}

// Open connects to databaseURL, applies the pool options and creates the
// schema when missing.
func Open(ctx context.Context, databaseURL string, ws resource.Workspace, logger log.Log, opts Options) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := New(db, ws, logger, opts)
	if err = s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened database. The schema is not touched.
func New(db *sql.DB, ws resource.Workspace, logger log.Log, opts Options) *Store {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	return &Store{
		db:      db,
		ws:      ws,
		log:     log.OrNop(logger).With(log.String("component", "kv.postgres")),
		timeout: opts.Timeout,
	}
}

// Migrate creates the table and index.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Get(name kv.QualifiedName, r resource.Resource) ([]byte, error) {
	q, ctx, done := s.conn()
	defer done()

	var value []byte
	err := q.QueryRowContext(ctx,
		`SELECT value FROM variant_sync_info
		 WHERE qualifier = $1 AND local_name = $2 AND path = $3`,
		name.Qualifier, name.Local, r.Path()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query %s %s: %w", name, r.Path(), err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

func (s *Store) Set(name kv.QualifiedName, r resource.Resource, value []byte) error {
	q, ctx, done := s.conn()
	defer done()

	if value == nil {
		value = []byte{}
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO variant_sync_info (qualifier, local_name, path, parent_path, kind, value)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (qualifier, local_name, path)
		 DO UPDATE SET kind = EXCLUDED.kind, value = EXCLUDED.value`,
		name.Qualifier, name.Local, r.Path(), parentPath(r.Path()), int16(r.Type()), value)
	if err != nil {
		return fmt.Errorf("upsert %s %s: %w", name, r.Path(), err)
	}
	return nil
}

func (s *Store) Flush(name kv.QualifiedName, r resource.Resource, depth resource.Depth) (int, error) {
	q, ctx, done := s.conn()
	defer done()

	p := r.Path()
	var (
		query string
		args  = []any{name.Qualifier, name.Local}
	)
	switch {
	case depth == resource.DepthZero:
		query = `DELETE FROM variant_sync_info
			WHERE qualifier = $1 AND local_name = $2 AND path = $3`
		args = append(args, p)
	case depth == resource.DepthOne:
		query = `DELETE FROM variant_sync_info
			WHERE qualifier = $1 AND local_name = $2 AND (path = $3 OR parent_path = $3)`
		args = append(args, p)
	case p == "/":
		query = `DELETE FROM variant_sync_info WHERE qualifier = $1 AND local_name = $2`
	default:
		query = `DELETE FROM variant_sync_info
			WHERE qualifier = $1 AND local_name = $2
			  AND (path = $3 OR left(path, length($3) + 1) = $3 || '/')`
		args = append(args, p)
	}

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("flush %s %s depth %s: %w", name, p, depth, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("flush %s %s: rows affected: %w", name, p, err)
	}
	return int(n), nil
}

func (s *Store) Members(name kv.QualifiedName, r resource.Resource) ([]resource.Resource, error) {
	q, ctx, done := s.conn()
	defer done()

	rows, err := q.QueryContext(ctx,
		`SELECT path, kind FROM variant_sync_info
		 WHERE qualifier = $1 AND local_name = $2 AND parent_path = $3 AND path <> '/'
		 ORDER BY path`,
		name.Qualifier, name.Local, r.Path())
	if err != nil {
		return nil, fmt.Errorf("query members %s %s: %w", name, r.Path(), err)
	}
	defer rows.Close()

	var out []resource.Resource
	for rows.Next() {
		var (
			p    string
			kind int16
		)
		if err = rows.Scan(&p, &kind); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, s.ws.Handle(p, resource.Type(kind)))
	}
	return out, rows.Err()
}

// Batch runs fn inside a transaction. Nested batches join the outer
// transaction, which commits when the outermost batch returns without error.
func (s *Store) Batch(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err = s.begin(ctx); err != nil {
		return err
	}
	defer func() {
		err = s.end(err)
	}()
	return fn(ctx)
}

func (s *Store) begin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depth == 0 {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin batch: %w", err)
		}
		s.tx = tx
		s.txCtx = ctx
	}
	s.depth++
	return nil
}

func (s *Store) end(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.failed = true
	}
	s.depth--
	if s.depth > 0 {
		return err
	}

	tx, failed := s.tx, s.failed
	s.tx, s.txCtx, s.failed = nil, nil, false
	if failed {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Warn("rollback failed", log.Error(rbErr))
		}
		if err == nil {
			// a nested batch failed but the outermost one did not
			return kv.ErrRolledBack
		}
		return fmt.Errorf("%w: %w", kv.ErrRolledBack, err)
	}
	if cErr := tx.Commit(); cErr != nil {
		return fmt.Errorf("%w: commit batch: %w", kv.ErrRolledBack, cErr)
	}
	return nil
}

// conn picks the open batch transaction, or the pool with a bounded context.
func (s *Store) conn() (querier, context.Context, func()) {
	s.mu.Lock()
	tx, txCtx := s.tx, s.txCtx
	s.mu.Unlock()
	if tx != nil {
		return tx, txCtx, func() {}
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	return s.db, ctx, cancel
}

func parentPath(p string) string {
	if p == "/" {
		return "/"
	}
	return path.Dir(p)
}
