package kv

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("kv entry not found")
	ErrExists   = errors.New("kv entry already exists")
)

// Store is a persisted string-keyed value store. It stands in for whatever
// durable preferences mechanism the host platform provides; the SDK core
// only relies on the contract below.
//
// Individual operations are atomic. Compound read-modify-write sequences
// are not: callers needing them must serialize externally.
type Store interface {
	// Get returns the value stored under key.
	//
	// ErrNotFound is returned if no value exists.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// SetIfAbsent stores value under key only if no value exists.
	//
	// ErrExists is returned if a value is already present.
	SetIfAbsent(ctx context.Context, key string, value []byte) error

	// Delete removes the value stored under key.
	//
	// It is idempotent, and does not return an error if the key is absent.
	Delete(ctx context.Context, key string) error

	// KeysWithPrefix returns all keys starting with prefix.
	KeysWithPrefix(ctx context.Context, prefix string) ([]string, error)
}
