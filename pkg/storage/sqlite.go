// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/lwm2m-carrier/pkg/errors"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const (
	memoryPath      = ":memory:"
	defaultPoolSize = 2
)

const schema = `CREATE TABLE IF NOT EXISTS kv (
	key   INTEGER PRIMARY KEY,
	value BLOB NOT NULL
);`

// SQLiteConfig configures a SQLite backed store.
type SQLiteConfig struct {
	// Path is the database file. ":memory:" opens a private in-memory
	// database and forces a pool of one connection.
	Path     string `env:"PATH"      envDefault:"lwm2m.db"`
	PoolSize int    `env:"POOL_SIZE" envDefault:"2"`
	Logger   *slog.Logger
}

// SQLiteKV is a KV stored in a SQLite table.
type SQLiteKV struct {
	pool   *sqlitex.Pool
	path   string
	logger *slog.Logger
}

var _ KV = (*SQLiteKV)(nil)

// OpenSQLite opens or creates the database at cfg.Path.
func OpenSQLite(cfg SQLiteConfig) (*SQLiteKV, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite: path is required: %w", errors.ErrInvalid)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = defaultPoolSize
	}
	if cfg.Path == memoryPath {
		size = 1
	}
	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepare(cfg.Path),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w: %w", cfg.Path, errors.ErrIO, err)
	}
	cfg.Logger.Info("storage opened", slog.String("path", cfg.Path), slog.Int("pool_size", size))
	return &SQLiteKV{pool: pool, path: cfg.Path, logger: cfg.Logger}, nil
}

func prepare(path string) func(conn *sqlite.Conn) error {
	return func(conn *sqlite.Conn) error {
		pragmas := []string{"PRAGMA synchronous=NORMAL", "PRAGMA busy_timeout=5000"}
		if path != memoryPath {
			pragmas = append([]string{"PRAGMA journal_mode=WAL"}, pragmas...)
		}
		for _, p := range pragmas {
			if err := sqlitex.ExecuteTransient(conn, p, nil); err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
		}
		return sqlitex.ExecuteScript(conn, schema, nil)
	}
}

func (s *SQLiteKV) Get(ctx context.Context, key Key) (value []byte, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, wrapSQLite(err)
	}
	defer s.pool.Put(conn)

	found := false
	err = sqlitex.Execute(conn, "SELECT value FROM kv WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{int64(key)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, value)
			found = true
			return nil
		},
	})
	if err != nil {
		return nil, wrapSQLite(err)
	}
	if !found {
		return nil, fmt.Errorf("key %s: %w", key, errors.ErrStorageNotFound)
	}
	return value, nil
}

func (s *SQLiteKV) Put(ctx context.Context, key Key, value []byte) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return wrapSQLite(err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return wrapSQLite(err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		"INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		&sqlitex.ExecOptions{Args: []any{int64(key), value}})
	if err != nil {
		return fmt.Errorf("key %s: %w", key, wrapSQLite(err))
	}
	return nil
}

func (s *SQLiteKV) Delete(ctx context.Context, key Key) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return wrapSQLite(err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return wrapSQLite(err)
	}
	defer endTransaction(&err)

	if err = sqlitex.Execute(conn, "DELETE FROM kv WHERE key = ?", &sqlitex.ExecOptions{Args: []any{int64(key)}}); err != nil {
		return wrapSQLite(err)
	}
	return nil
}

func (s *SQLiteKV) Keys(ctx context.Context, lo, hi Key) ([]Key, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, wrapSQLite(err)
	}
	defer s.pool.Put(conn)

	var keys []Key
	err = sqlitex.Execute(conn, "SELECT key FROM kv WHERE key BETWEEN ? AND ? ORDER BY key", &sqlitex.ExecOptions{
		Args: []any{int64(lo), int64(hi)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			keys = append(keys, Key(stmt.ColumnInt64(0)))
			return nil
		},
	})
	if err != nil {
		return nil, wrapSQLite(err)
	}
	return keys, nil
}

func (s *SQLiteKV) Close() error {
	if err := s.pool.Close(); err != nil {
		s.logger.Error("failed to close storage", slog.String("path", s.path), slog.Any("error", err))
		return wrapSQLite(err)
	}
	return nil
}

func wrapSQLite(err error) error {
	if sqlite.ErrCode(err).ToPrimary() == sqlite.ResultFull {
		return fmt.Errorf("%w: %w", errors.ErrOutOfSpace, err)
	}
	return fmt.Errorf("%w: %w", errors.ErrIO, err)
}
