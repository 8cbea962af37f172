package store

import "context"

// Store is the key-value string storage the cart snapshot is mirrored to.
// Get reports ok=false for a key that was never written.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
}
