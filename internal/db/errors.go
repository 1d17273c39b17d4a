package db

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a key or its referenced row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateKey is returned when an API key hash is already taken.
	ErrDuplicateKey = errors.New("duplicate api key")
)

// StorageError reports that the backing store failed or was unreachable.
// It is never retried inside the service.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageError(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
