package cache

import (
	"context"
)

// Index defines an in-memory keyed index. The generic type T represents the
// value being indexed.
type Index[T any] interface {
	// Get retrieves a value from the index.
	// Returns the value, whether it was found, and any error.
	Get(ctx context.Context, key string) (T, bool, error)

	// Set stores a value in the index.
	Set(ctx context.Context, key string, value T) error

	// Invalidate removes a value from the index.
	Invalidate(ctx context.Context, key string) error

	// InvalidateAll removes every value from the index.
	InvalidateAll(ctx context.Context) error

	// Close releases any resources held by the index.
	Close() error
}
