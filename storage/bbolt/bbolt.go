// Package bbolt provides a BBolt-backed storage.KeyStore.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmcleod/certkeep/storage"
	"go.etcd.io/bbolt"
)

var bucketKeys = []byte("keys")

// Store implements storage.KeyStore backed by a BBolt database. All records
// live in a single bucket keyed by "algorithm:subjectID".
type Store struct {
	db *bbolt.DB
}

var _ storage.KeyStore = (*Store)(nil)

// NewStore returns a KeyStore backed by the given BBolt database.
func NewStore(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKeys)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating keys bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreFromFile opens a BBolt database at the given path and returns a new Store.
func NewStoreFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func recordKey(subjectID, algorithm string) []byte {
	return []byte(algorithm + ":" + subjectID)
}

func getRecord(b *bbolt.Bucket, subjectID, algorithm string) (*storage.Record, error) {
	data := b.Get(recordKey(subjectID, algorithm))
	if data == nil {
		return nil, fmt.Errorf("%s: %w", subjectID, storage.ErrNotFound)
	}
	var rec storage.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", subjectID, err)
	}
	return &rec, nil
}

func putRecord(b *bbolt.Bucket, rec *storage.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put(recordKey(rec.SubjectID, rec.Algorithm), data)
}

func (s *Store) Create(ctx context.Context, rec *storage.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketKeys)
		if b.Get(recordKey(rec.SubjectID, rec.Algorithm)) != nil {
			return fmt.Errorf("%s: %w", rec.SubjectID, storage.ErrAlreadyExists)
		}
		return putRecord(b, rec)
	})
}

// UpdateCertificate runs inside a single read-write transaction. BBolt
// allows one writer at a time, so the pending check and the write cannot
// interleave with another update.
func (s *Store) UpdateCertificate(ctx context.Context, subjectID, algorithm, certificate string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketKeys)
		rec, err := getRecord(b, subjectID, algorithm)
		if err != nil {
			return err
		}
		if !rec.PendingSign {
			return fmt.Errorf("%s: %w", subjectID, storage.ErrCASFailed)
		}
		rec.Certificate = certificate
		rec.PendingSign = false
		return putRecord(b, rec)
	})
}

func (s *Store) ReadField(ctx context.Context, subjectID, algorithm string, field storage.Field) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var value string
	err := s.db.View(func(tx *bbolt.Tx) error {
		rec, err := getRecord(tx.Bucket(bucketKeys), subjectID, algorithm)
		if err != nil {
			return err
		}
		value, err = rec.Value(field)
		return err
	})
	if err != nil {
		return "", err
	}
	return value, nil
}
