package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/anchal00/nextup/internal/logger"
)

var sqliteSchema = `CREATE TABLE IF NOT EXISTS kv (
  key TEXT PRIMARY KEY,
  value BLOB NOT NULL
);`

type SqliteStore struct {
	Conn   *sqlx.DB
	Logger logger.Logger
}

func NewSqliteStore(dbname string, log logger.Logger) (*SqliteStore, error) {
	s := &SqliteStore{Logger: log}
	if err := s.SetupConnection(dbname); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SqliteStore) SetupConnection(dbname string) error {
	sqliteDBFile := dbname + ".db"
	db, err := sqlx.Connect("sqlite3", sqliteDBFile+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		s.Logger.Error("Database setup failed", err)
		return err
	}
	// a single writer avoids SQLITE_BUSY between pooled connections
	db.SetMaxOpenConns(1)
	s.Conn = db
	if _, err := s.Conn.Exec(sqliteSchema); err != nil {
		s.Logger.Error("Failed to apply schema", err)
		return err
	}
	s.Logger.Info(fmt.Sprintf("Database %s setup successfully", sqliteDBFile))
	return nil
}

func (s *SqliteStore) Close() error {
	s.Logger.Info("Closing database connection")
	if err := s.Conn.Close(); err != nil {
		s.Logger.Error("Failed to tear down database connection", err)
		return err
	}
	return nil
}

func (s *SqliteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.Conn.GetContext(ctx, &value, `SELECT value FROM kv WHERE key = ?;`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *SqliteStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.Conn.ExecContext(ctx,
		`INSERT INTO kv(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value;`,
		key, value)
	return err
}

func (s *SqliteStore) Delete(ctx context.Context, key string) error {
	_, err := s.Conn.ExecContext(ctx, `DELETE FROM kv WHERE key = ?;`, key)
	return err
}

func (s *SqliteStore) List(ctx context.Context, prefix, cursor string, limit int) (Page, error) {
	limit = normalizeLimit(limit)
	keys := []string{}
	var err error
	if end := prefixEnd(prefix); end != "" {
		err = s.Conn.SelectContext(ctx, &keys,
			`SELECT key FROM kv WHERE key >= ? AND key < ? AND key > ? ORDER BY key LIMIT ?;`,
			prefix, end, cursor, limit+1)
	} else {
		err = s.Conn.SelectContext(ctx, &keys,
			`SELECT key FROM kv WHERE key >= ? AND key > ? ORDER BY key LIMIT ?;`,
			prefix, cursor, limit+1)
	}
	if err != nil {
		return Page{}, err
	}
	return page(keys, limit), nil
}

func (s *SqliteStore) CompareAndSwap(ctx context.Context, key string, old, value []byte) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if old == nil {
		res, err = s.Conn.ExecContext(ctx,
			`INSERT INTO kv(key, value) VALUES(?, ?) ON CONFLICT(key) DO NOTHING;`, key, value)
	} else {
		res, err = s.Conn.ExecContext(ctx,
			`UPDATE kv SET value = ? WHERE key = ? AND value = ?;`, value, key, old)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
