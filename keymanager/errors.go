package keymanager

import "errors"

var (
	// ErrKeyNotFound is returned when a subject has no record, or the
	// requested field of its record is empty or unusable.
	ErrKeyNotFound = errors.New("key not found")

	// ErrNotPending is returned by Sign when the subject's record already
	// holds an issued certificate.
	ErrNotPending = errors.New("subject is not pending signature")
)
