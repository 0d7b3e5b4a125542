package kv

import (
	"context"
	"fmt"

	"github.com/and161185/rma-console/internal/crypto"
)

// Sealed encrypts the values of selected keys before they reach the inner store.
// Keys not listed pass through untouched.
type Sealed struct {
	inner  Store
	master []byte
	keys   map[string]struct{}
}

var _ Store = (*Sealed)(nil)

// NewSealed wraps inner; values of keys are sealed with a key derived from master.
func NewSealed(inner Store, master []byte, keys ...string) *Sealed {
	s := &Sealed{inner: inner, master: master, keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		s.keys[k] = struct{}{}
	}
	return s
}

func (s *Sealed) sealed(key string) bool {
	_, ok := s.keys[key]
	return ok
}

// Get opens the stored value. An unopenable value is reported as a decode error
// so callers treat it like any other corrupted entry.
func (s *Sealed) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.inner.Get(ctx, key)
	if err != nil || !s.sealed(key) {
		return b, err
	}
	k, err := crypto.DeriveKey(s.master, key)
	if err != nil {
		return nil, err
	}
	pt, err := crypto.Open(k, key, b)
	if err != nil {
		return nil, fmt.Errorf("kv: %s: %w", key, err)
	}
	return pt, nil
}

func (s *Sealed) Set(ctx context.Context, key string, value []byte) error {
	if !s.sealed(key) {
		return s.inner.Set(ctx, key, value)
	}
	k, err := crypto.DeriveKey(s.master, key)
	if err != nil {
		return err
	}
	ct, err := crypto.Seal(k, key, value)
	if err != nil {
		return err
	}
	return s.inner.Set(ctx, key, ct)
}

func (s *Sealed) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}
