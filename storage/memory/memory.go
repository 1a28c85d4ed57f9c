// Package memory provides a thread-safe in-memory implementation of storage.KeyStore.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmcleod/certkeep/storage"
)

// Store is a thread-safe in-memory implementation of storage.KeyStore.
// Suitable for testing, demos, and single-process use cases.
type Store struct {
	mu   sync.RWMutex
	data map[string]*storage.Record
}

var _ storage.KeyStore = (*Store)(nil)

// NewStore creates a new empty in-memory Store.
func NewStore() *Store {
	return &Store{data: make(map[string]*storage.Record)}
}

func makeKey(subjectID, algorithm string) string {
	return algorithm + ":" + subjectID
}

func cloneRecord(rec *storage.Record) *storage.Record {
	cp := *rec
	return &cp
}

func (s *Store) Create(ctx context.Context, rec *storage.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := makeKey(rec.SubjectID, rec.Algorithm)
	if _, ok := s.data[k]; ok {
		return fmt.Errorf("%s: %w", rec.SubjectID, storage.ErrAlreadyExists)
	}
	s.data[k] = cloneRecord(rec)
	return nil
}

func (s *Store) UpdateCertificate(ctx context.Context, subjectID, algorithm, certificate string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.data[makeKey(subjectID, algorithm)]
	if !ok {
		return fmt.Errorf("%s: %w", subjectID, storage.ErrNotFound)
	}
	if !rec.PendingSign {
		return fmt.Errorf("%s: %w", subjectID, storage.ErrCASFailed)
	}
	rec.Certificate = certificate
	rec.PendingSign = false
	return nil
}

func (s *Store) ReadField(ctx context.Context, subjectID, algorithm string, field storage.Field) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.data[makeKey(subjectID, algorithm)]
	if !ok {
		return "", fmt.Errorf("%s: %w", subjectID, storage.ErrNotFound)
	}
	return rec.Value(field)
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
