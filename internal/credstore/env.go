package credstore

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvBackend provides read-only access to credentials in environment variables.
// Key "auth_token" with prefix "JIGTRACK_" reads JIGTRACK_AUTH_TOKEN.
type EnvBackend struct {
	prefix string
	lookup func(string) (string, bool)
}

// Compile-time check to ensure EnvBackend implements Backend
var _ Backend = (*EnvBackend)(nil)

// NewEnvBackend creates an EnvBackend for the given variable prefix.
func NewEnvBackend(prefix string) (*EnvBackend, error) {
	if prefix == "" {
		return nil, fmt.Errorf("environment prefix cannot be empty")
	}

	return &EnvBackend{
		prefix: prefix,
		lookup: os.LookupEnv,
	}, nil
}

func (e *EnvBackend) variable(key string) string {
	return e.prefix + strings.ToUpper(key)
}

// Get returns the value of the environment variable for key.
func (e *EnvBackend) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	value, ok := e.lookup(e.variable(key))
	if !ok || value == "" {
		return "", ErrNotFound
	}
	return value, nil
}

// Set is not supported for environment variables.
func (e *EnvBackend) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return fmt.Errorf("%s: %w", e.variable(key), ErrReadOnly)
}

// Delete is not supported for environment variables.
func (e *EnvBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return fmt.Errorf("%s: %w", e.variable(key), ErrReadOnly)
}

func (e *EnvBackend) Name() string { return "env" }
