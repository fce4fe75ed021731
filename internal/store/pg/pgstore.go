// Package pg implements the durable store tier on PostgreSQL.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"rolegate.org/internal/store"
)

// Store persists keys and hash fields in two tables written by the
// regeneration job and the challenge endpoints. It is the system of
// record; the cache tiers in front of it are optimizations only.
type Store struct {
	db *sql.DB
}

var _ store.Backend = (*Store)(nil)

// Open connects to PostgreSQL with pool settings tuned for a small
// request-driven service.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle (tests).
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Get(ctx context.Context, tenant, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `
		select value from kv where tenant=$1 and key=$2
	`, tenant, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *Store) Put(ctx context.Context, tenant, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		insert into kv(tenant, key, value, updated_at)
		values ($1,$2,$3,now())
		on conflict (tenant, key) do update
		set value = excluded.value, updated_at = now()
	`, tenant, key, value)
	return err
}

func (s *Store) GetField(ctx context.Context, tenant, key, field string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `
		select value from kv_fields where tenant=$1 and key=$2 and field=$3
	`, tenant, key, field).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *Store) PutField(ctx context.Context, tenant, key, field string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		insert into kv_fields(tenant, key, field, value, updated_at)
		values ($1,$2,$3,$4,now())
		on conflict (tenant, key, field) do update
		set value = excluded.value, updated_at = now()
	`, tenant, key, field, value)
	return err
}

func (s *Store) Fields(ctx context.Context, tenant, key string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		select field, value from kv_fields where tenant=$1 and key=$2
	`, tenant, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]byte{}
	for rows.Next() {
		var field string
		var value []byte
		if err := rows.Scan(&field, &value); err != nil {
			return nil, err
		}
		out[field] = value
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, tenant, key string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from kv where tenant=$1 and key=$2
	`, tenant, key)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `
		delete from kv_fields where tenant=$1 and key=$2
	`, tenant, key); err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return store.ErrNotFound
	}
	return err
}

func (s *Store) Keys(ctx context.Context, tenant, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select key from kv
		where tenant=$1 and key like $2 || '%'
		order by key
	`, tenant, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
