// Package storagetest holds the behavioural tests every storage.KeyStore
// backend must pass.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jmcleod/certkeep/storage"
)

// Run exercises store against the KeyStore contract. The store must be
// empty; subject IDs used here are prefixed with "storagetest-".
func Run(t *testing.T, store storage.KeyStore) {
	t.Helper()
	ctx := context.Background()

	pending := &storage.Record{
		SubjectID:   "storagetest-leaf",
		Algorithm:   storage.AlgorithmX509,
		PublicKey:   "pub",
		PrivateKey:  "",
		Certificate: "csr",
		PendingSign: true,
	}
	issued := &storage.Record{
		SubjectID:   "storagetest-root",
		Algorithm:   storage.AlgorithmX509,
		PublicKey:   "root-pub",
		PrivateKey:  "root-priv",
		Certificate: "root-cert",
		PendingSign: false,
	}

	t.Run("CreateRead", func(t *testing.T) {
		if err := store.Create(ctx, pending); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if err := store.Create(ctx, issued); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		cases := []struct {
			field storage.Field
			want  string
		}{
			{storage.FieldPublicKey, "pub"},
			{storage.FieldPrivateKey, ""},
			{storage.FieldCertificate, "csr"},
			{storage.FieldPendingSign, "true"},
		}
		for _, c := range cases {
			got, err := store.ReadField(ctx, pending.SubjectID, storage.AlgorithmX509, c.field)
			if err != nil {
				t.Fatalf("ReadField(%s) failed: %v", c.field, err)
			}
			if got != c.want {
				t.Errorf("ReadField(%s): expected %q, got %q", c.field, c.want, got)
			}
		}

		got, err := store.ReadField(ctx, issued.SubjectID, storage.AlgorithmX509, storage.FieldPendingSign)
		if err != nil {
			t.Fatalf("ReadField failed: %v", err)
		}
		if got != "false" {
			t.Errorf("expected pending flag false, got %q", got)
		}
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		err := store.Create(ctx, pending)
		if !errors.Is(err, storage.ErrAlreadyExists) {
			t.Errorf("expected ErrAlreadyExists, got %v", err)
		}
	})

	t.Run("ReadNotFound", func(t *testing.T) {
		_, err := store.ReadField(ctx, "storagetest-missing", storage.AlgorithmX509, storage.FieldCertificate)
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		_, err = store.ReadField(ctx, pending.SubjectID, "pgp", storage.FieldCertificate)
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for other algorithm, got %v", err)
		}
	})

	t.Run("ReadUnknownField", func(t *testing.T) {
		_, err := store.ReadField(ctx, pending.SubjectID, storage.AlgorithmX509, storage.Field("password"))
		if !errors.Is(err, storage.ErrUnknownField) {
			t.Errorf("expected ErrUnknownField, got %v", err)
		}
	})

	t.Run("UpdateCertificate", func(t *testing.T) {
		if err := store.UpdateCertificate(ctx, pending.SubjectID, storage.AlgorithmX509, "cert"); err != nil {
			t.Fatalf("UpdateCertificate failed: %v", err)
		}
		got, _ := store.ReadField(ctx, pending.SubjectID, storage.AlgorithmX509, storage.FieldCertificate)
		if got != "cert" {
			t.Errorf("expected certificate %q, got %q", "cert", got)
		}
		got, _ = store.ReadField(ctx, pending.SubjectID, storage.AlgorithmX509, storage.FieldPendingSign)
		if got != "false" {
			t.Errorf("expected pending flag false, got %q", got)
		}
		got, _ = store.ReadField(ctx, pending.SubjectID, storage.AlgorithmX509, storage.FieldPublicKey)
		if got != "pub" {
			t.Errorf("public key must be untouched, got %q", got)
		}
	})

	t.Run("UpdateNotPending", func(t *testing.T) {
		err := store.UpdateCertificate(ctx, pending.SubjectID, storage.AlgorithmX509, "other")
		if !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("expected ErrCASFailed, got %v", err)
		}
		got, _ := store.ReadField(ctx, pending.SubjectID, storage.AlgorithmX509, storage.FieldCertificate)
		if got != "cert" {
			t.Errorf("certificate must not change after failed update, got %q", got)
		}
	})

	t.Run("UpdateNotFound", func(t *testing.T) {
		err := store.UpdateCertificate(ctx, "storagetest-missing", storage.AlgorithmX509, "cert")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ConcurrentUpdate", func(t *testing.T) {
		rec := &storage.Record{
			SubjectID:   "storagetest-race",
			Algorithm:   storage.AlgorithmX509,
			PublicKey:   "pub",
			Certificate: "csr",
			PendingSign: true,
		}
		if err := store.Create(ctx, rec); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		const writers = 8
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- store.UpdateCertificate(ctx, rec.SubjectID, storage.AlgorithmX509, "cert")
			}()
		}
		wg.Wait()
		close(errs)

		var ok int
		for err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, storage.ErrCASFailed):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		if ok != 1 {
			t.Errorf("expected exactly one successful update, got %d", ok)
		}
	})
}
