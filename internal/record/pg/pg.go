// Package pg backs the record store with a single Postgres table:
//
//	create table if not exists records (
//	    key        text primary key,
//	    value      bytea not null,
//	    updated_at timestamptz not null default now()
//	);
//
// One table for everything; the record key carries the namespace prefix
// (member/, key/, email/, bucket/).
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"abrahamoflondon.org/internal/record"
)

type Store struct {
	db *sql.DB
}

var _ record.Store = (*Store)(nil)

// Open connects to Postgres with pool defaults tuned for the API workload.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection. Used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `select value from records where key=$1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, record.ErrNotFound
	}
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	return value, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		insert into records(key, value, updated_at)
		values ($1,$2,now())
		on conflict (key) do update
		set value = excluded.value, updated_at = now()
	`, key, value)
	if err != nil {
		return wrapUnavailable(err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `delete from records where key=$1`, key); err != nil {
		return wrapUnavailable(err)
	}
	return nil
}

func (s *Store) ListByPrefix(ctx context.Context, prefix string) ([]record.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		select key, value from records
		where key like $1 || '%'
		order by key
	`, prefix)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		var rec record.Record
		if err := rows.Scan(&rec.Key, &rec.Value); err != nil {
			return nil, wrapUnavailable(err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapUnavailable(err)
	}
	return out, nil
}

// wrapUnavailable folds driver errors into record.ErrUnavailable so callers
// can distinguish "no such credential" from "could not check".
func wrapUnavailable(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errors.Join(record.ErrUnavailable, err)
}
