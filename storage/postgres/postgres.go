// Package postgres implements storage.KeyStore backed by PostgreSQL.
//
// Records live in the armor_keys table with a composite primary key
// (uuid, algo), the same key space used by the BBolt and in-memory
// backends. Each record field is its own column.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/certkeep/storage"
)

// pgUniqueViolation is the SQLSTATE for a primary key conflict.
const pgUniqueViolation = "23505"

// Store implements storage.KeyStore backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.KeyStore = (*Store)(nil)

// NewStore returns a KeyStore backed by the given pgx connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromDSN creates a connection pool from a DSN string, ensures the
// schema exists, and returns a new Store.
func NewStoreFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewStore(pool), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ---------------------------------------------------------------------------
// KeyStore interface implementation
// ---------------------------------------------------------------------------

func (s *Store) Create(ctx context.Context, rec *storage.Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO armor_keys (uuid, algo, is_pending_sign, public_key, private_key, certificate)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.SubjectID, rec.Algorithm, rec.PendingSign, rec.PublicKey, rec.PrivateKey, rec.Certificate)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%s: %w", rec.SubjectID, storage.ErrAlreadyExists)
	}
	return err
}

// UpdateCertificate is a single conditional UPDATE. Row locking makes the
// second of two concurrent updates re-evaluate is_pending_sign and match
// no rows.
func (s *Store) UpdateCertificate(ctx context.Context, subjectID, algorithm, certificate string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE armor_keys SET certificate = $3, is_pending_sign = FALSE
		 WHERE uuid = $1 AND algo = $2 AND is_pending_sign`,
		subjectID, algorithm, certificate)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	exists, err := s.exists(ctx, subjectID, algorithm)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%s: %w", subjectID, storage.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", subjectID, storage.ErrCASFailed)
}

func (s *Store) ReadField(ctx context.Context, subjectID, algorithm string, field storage.Field) (string, error) {
	if !field.Valid() {
		return "", storage.ErrUnknownField
	}
	var rec storage.Record
	err := s.pool.QueryRow(ctx,
		`SELECT is_pending_sign, public_key, private_key, certificate
		 FROM armor_keys WHERE uuid = $1 AND algo = $2`,
		subjectID, algorithm).Scan(&rec.PendingSign, &rec.PublicKey, &rec.PrivateKey, &rec.Certificate)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%s: %w", subjectID, storage.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return rec.Value(field)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *Store) exists(ctx context.Context, subjectID, algorithm string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM armor_keys WHERE uuid = $1 AND algo = $2)`,
		subjectID, algorithm).Scan(&exists)
	return exists, err
}
