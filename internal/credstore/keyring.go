package credstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// probeKey is read to detect whether the OS keyring is usable.
const probeKey = "__jigtrack_probe__"

// KeyringBackend provides OS-native secure credential storage.
// Every key is stored as a separate keyring entry under one service.
type KeyringBackend struct {
	service string
}

// Compile-time check to ensure KeyringBackend implements Backend
var _ Backend = (*KeyringBackend)(nil)

// NewKeyringBackend creates a KeyringBackend for the given keyring service.
func NewKeyringBackend(service string) (*KeyringBackend, error) {
	if service == "" {
		return nil, fmt.Errorf("service cannot be empty")
	}

	return &KeyringBackend{
		service: service,
	}, nil
}

// KeyringAvailable reports whether the OS keyring answers for the service.
// A missing probe entry counts as available; any other error does not.
func KeyringAvailable(service string) error {
	_, err := keyring.Get(service, probeKey)
	if err == nil || errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("keyring unavailable: %w", err)
}

// Get returns the value from the system keyring.
func (k *KeyringBackend) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	value, err := keyring.Get(k.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if value == "" {
		return "", ErrNotFound
	}

	return value, nil
}

// Set persists the value to the system keyring, overwriting any existing value.
func (k *KeyringBackend) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return keyring.Set(k.service, key, value)
}

// Delete removes the keyring entry. Missing entries are ignored.
func (k *KeyringBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := keyring.Delete(k.service, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}
	return nil
}

func (k *KeyringBackend) Name() string { return "keyring" }
