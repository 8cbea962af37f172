// Package sealed encrypts values at rest on top of another store.Store.
package sealed

import (
	"context"
	"fmt"

	"shopcart/internal/security/secretbox"
	"shopcart/internal/store"
)

type Store struct {
	inner store.Store
	box   *secretbox.Box
}

func Wrap(inner store.Store, box *secretbox.Box) *Store {
	return &Store{inner: inner, box: box}
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	raw, ok, err := s.inner.Get(ctx, key)
	if err != nil || !ok {
		return "", ok, err
	}
	plain, err := s.box.Decrypt(raw)
	if err != nil {
		return "", false, fmt.Errorf("unseal %s: %w", key, err)
	}
	return plain, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	sealed, err := s.box.Encrypt(value)
	if err != nil {
		return fmt.Errorf("seal %s: %w", key, err)
	}
	return s.inner.Set(ctx, key, sealed)
}
