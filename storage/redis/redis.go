// Package redis implements storage.KeyStore on a Redis hash per record.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	rdb "github.com/redis/go-redis/v9"

	"github.com/jmcleod/certkeep/storage"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "certkeep:key:"

// Store implements storage.KeyStore. Each record is a hash at
// "<prefix><algo>:<uuid>" whose fields are the storage.Field names.
type Store struct {
	client *rdb.Client
	prefix string
}

var _ storage.KeyStore = (*Store)(nil)

// NewStore returns a Store using client. An empty prefix selects DefaultPrefix.
func NewStore(client *rdb.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// NewStoreFromAddr connects to the Redis server at addr and verifies the
// connection with PING.
func NewStoreFromAddr(ctx context.Context, addr string, db int, prefix string) (*Store, error) {
	client := rdb.NewClient(&rdb.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewStore(client, prefix), nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(subjectID, algorithm string) string {
	return s.prefix + algorithm + ":" + subjectID
}

func (s *Store) Create(ctx context.Context, rec *storage.Record) error {
	k := s.key(rec.SubjectID, rec.Algorithm)
	err := s.client.Watch(ctx, func(tx *rdb.Tx) error {
		n, err := tx.Exists(ctx, k).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%s: %w", rec.SubjectID, storage.ErrAlreadyExists)
		}
		_, err = tx.TxPipelined(ctx, func(pipe rdb.Pipeliner) error {
			pipe.HSet(ctx, k,
				"uuid", rec.SubjectID,
				"algo", rec.Algorithm,
				string(storage.FieldPublicKey), rec.PublicKey,
				string(storage.FieldPrivateKey), rec.PrivateKey,
				string(storage.FieldCertificate), rec.Certificate,
				string(storage.FieldPendingSign), strconv.FormatBool(rec.PendingSign),
			)
			return nil
		})
		return err
	}, k)
	if errors.Is(err, rdb.TxFailedErr) {
		return fmt.Errorf("%s: %w", rec.SubjectID, storage.ErrAlreadyExists)
	}
	return err
}

// UpdateCertificate watches the record key, so a concurrent writer that
// commits first aborts this transaction.
func (s *Store) UpdateCertificate(ctx context.Context, subjectID, algorithm, certificate string) error {
	k := s.key(subjectID, algorithm)
	err := s.client.Watch(ctx, func(tx *rdb.Tx) error {
		pending, err := tx.HGet(ctx, k, string(storage.FieldPendingSign)).Result()
		if errors.Is(err, rdb.Nil) {
			return fmt.Errorf("%s: %w", subjectID, storage.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if pending != "true" {
			return fmt.Errorf("%s: %w", subjectID, storage.ErrCASFailed)
		}
		_, err = tx.TxPipelined(ctx, func(pipe rdb.Pipeliner) error {
			pipe.HSet(ctx, k,
				string(storage.FieldCertificate), certificate,
				string(storage.FieldPendingSign), "false",
			)
			return nil
		})
		return err
	}, k)
	if errors.Is(err, rdb.TxFailedErr) {
		return fmt.Errorf("%s: %w", subjectID, storage.ErrCASFailed)
	}
	return err
}

func (s *Store) ReadField(ctx context.Context, subjectID, algorithm string, field storage.Field) (string, error) {
	if !field.Valid() {
		return "", storage.ErrUnknownField
	}
	v, err := s.client.HGet(ctx, s.key(subjectID, algorithm), string(field)).Result()
	if errors.Is(err, rdb.Nil) {
		return "", fmt.Errorf("%s: %w", subjectID, storage.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return v, nil
}
