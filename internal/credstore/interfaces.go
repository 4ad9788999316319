package credstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a key is absent from a backend or from every tier.
	ErrNotFound = errors.New("credential not found")

	// ErrReadOnly is returned by backends that cannot be written.
	ErrReadOnly = errors.New("credential backend is read-only")
)

// Backend reads and writes single keys of a key/value store.
type Backend interface {
	// Get returns the stored value. Returns ErrNotFound if the key is missing or empty.
	Get(ctx context.Context, key string) (string, error)

	// Set persists the value, overwriting any existing one.
	Set(ctx context.Context, key, value string) error

	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Name identifies the backend in logs.
	Name() string
}
