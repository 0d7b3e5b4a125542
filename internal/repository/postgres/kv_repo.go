package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/rma-console/internal/kv"
)

// KVRepo implements kv.Store on the console_kv table, scoped by namespace.
type KVRepo struct {
	db        *DB
	namespace string
}

var _ kv.Store = (*KVRepo)(nil)

// NewKVRepo constructs a store whose keys live under namespace.
func NewKVRepo(db *DB, namespace string) *KVRepo {
	if namespace == "" {
		namespace = "default"
	}
	return &KVRepo{db: db, namespace: namespace}
}

// Get selects the value for key.
func (r *KVRepo) Get(ctx context.Context, key string) ([]byte, error) {
	const q = `
SELECT value FROM console_kv
WHERE namespace=$1 AND key=$2`
	var v []byte
	if err := r.db.Pool.QueryRow(ctx, q, r.namespace, key).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, kv.ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

// Set upserts the value for key.
func (r *KVRepo) Set(ctx context.Context, key string, value []byte) error {
	const q = `
INSERT INTO console_kv (namespace, key, value, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (namespace, key)
DO UPDATE SET value=EXCLUDED.value, updated_at=now()`
	_, err := r.db.Pool.Exec(ctx, q, r.namespace, key, value)
	return err
}

// Delete removes key; missing keys are ignored.
func (r *KVRepo) Delete(ctx context.Context, key string) error {
	const q = `DELETE FROM console_kv WHERE namespace=$1 AND key=$2`
	_, err := r.db.Pool.Exec(ctx, q, r.namespace, key)
	return err
}
