// Package cache is the durable key/value store holding per-source record
// lists and their fetch timestamps. Backends know nothing about expiry; the
// staleness package decides when a cached value is too old.
package cache

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("cache: store closed")

// Store is a concurrency-safe byte map.
type Store interface {
	// Get returns the value for key. found is false, with a nil error, when
	// the key was never set.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}
