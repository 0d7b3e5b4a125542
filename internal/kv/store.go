// Package kv provides the durable key-value storage owned by the console:
// session entries and the notification feed live here across restarts.
package kv

import (
	"context"

	"github.com/and161185/rma-console/internal/errs"
)

// Store is a durable string-keyed byte store.
// Get returns errs.ErrNotFound for a missing key; Delete of a missing key is not an error.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errs.ErrNotFound
