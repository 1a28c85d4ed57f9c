// Package storage defines the KeyStore contract for key and certificate
// records, plus the sentinel errors every backend reports.
package storage

import (
	"context"
	"errors"
	"strconv"
)

var (
	// ErrNotFound is returned when no record exists for a subject and algorithm.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned by Create when the subject already has a record.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrCASFailed is returned by UpdateCertificate when the record is no
	// longer pending signature.
	ErrCASFailed = errors.New("record is not pending signature")

	// ErrUnknownField is returned by ReadField for an unsupported field name.
	ErrUnknownField = errors.New("unknown record field")
)

// AlgorithmX509 is the algorithm tag of every record written by this CA.
const AlgorithmX509 = "x509"

// Field names a readable column of a Record.
type Field string

const (
	FieldPublicKey   Field = "public_key"
	FieldPrivateKey  Field = "private_key"
	FieldCertificate Field = "certificate"
	FieldPendingSign Field = "is_pending_sign"
)

// Valid reports whether f is one of the known fields.
func (f Field) Valid() bool {
	switch f {
	case FieldPublicKey, FieldPrivateKey, FieldCertificate, FieldPendingSign:
		return true
	}
	return false
}

// Record is the stored form of a subject's key material.
//
// While PendingSign is true, Certificate holds a CSR. The flag moves from
// true to false exactly once, through UpdateCertificate.
type Record struct {
	SubjectID   string `json:"uuid"`
	Algorithm   string `json:"algo"`
	PublicKey   string `json:"public_key"`
	PrivateKey  string `json:"private_key"`
	Certificate string `json:"certificate"`
	PendingSign bool   `json:"is_pending_sign"`
}

// Value returns the string form of field f. The pending flag is rendered
// as "true" or "false".
func (r *Record) Value(f Field) (string, error) {
	switch f {
	case FieldPublicKey:
		return r.PublicKey, nil
	case FieldPrivateKey:
		return r.PrivateKey, nil
	case FieldCertificate:
		return r.Certificate, nil
	case FieldPendingSign:
		return strconv.FormatBool(r.PendingSign), nil
	default:
		return "", ErrUnknownField
	}
}

// KeyStore persists key records keyed by subject identifier and algorithm.
//
// Implementations must make UpdateCertificate a conditional write: of two
// concurrent updates to the same pending record, exactly one succeeds.
type KeyStore interface {
	// Create inserts a new record. It returns ErrAlreadyExists if a record
	// for the same subject and algorithm exists.
	Create(ctx context.Context, rec *Record) error

	// UpdateCertificate stores certificate and clears the pending flag. It
	// returns ErrNotFound if the record is absent and ErrCASFailed if the
	// record is not pending.
	UpdateCertificate(ctx context.Context, subjectID, algorithm, certificate string) error

	// ReadField returns one field of a record, or ErrNotFound.
	ReadField(ctx context.Context, subjectID, algorithm string, field Field) (string, error)
}
