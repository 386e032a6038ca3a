package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS nextup_kv (
  key TEXT COLLATE "C" PRIMARY KEY,
  value BYTEA NOT NULL
)`

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM nextup_kv WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *PostgresStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO nextup_kv(key, value) VALUES($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	return err
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM nextup_kv WHERE key = $1`, key)
	return err
}

func (s *PostgresStore) List(ctx context.Context, prefix, cursor string, limit int) (Page, error) {
	limit = normalizeLimit(limit)
	var (
		rows pgx.Rows
		err  error
	)
	if end := prefixEnd(prefix); end != "" {
		rows, err = s.pool.Query(ctx,
			`SELECT key FROM nextup_kv WHERE key >= $1 AND key < $2 AND key > $3 ORDER BY key LIMIT $4`,
			prefix, end, cursor, limit+1)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT key FROM nextup_kv WHERE key >= $1 AND key > $2 ORDER BY key LIMIT $3`,
			prefix, cursor, limit+1)
	}
	if err != nil {
		return Page{}, err
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return Page{}, err
	}
	return page(keys, limit), nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, key string, old, value []byte) (bool, error) {
	var (
		n   int64
		err error
	)
	if old == nil {
		tag, execErr := s.pool.Exec(ctx,
			`INSERT INTO nextup_kv(key, value) VALUES($1, $2) ON CONFLICT (key) DO NOTHING`, key, value)
		n, err = tag.RowsAffected(), execErr
	} else {
		tag, execErr := s.pool.Exec(ctx,
			`UPDATE nextup_kv SET value = $1 WHERE key = $2 AND value = $3`, value, key, old)
		n, err = tag.RowsAffected(), execErr
	}
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
