package kv

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/rma-console/internal/crypto"
)

func TestFile_SetGetDelete(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "state")
	s := NewFile(dir)
	ctx := context.Background()

	_, err := s.Get(ctx, "user")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "user", []byte(`{"name":"U"}`)))
	v, err := s.Get(ctx, "user")
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"U"}`, string(v))

	st, err := os.Stat(filepath.Join(dir, "user.json"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	require.NoError(t, s.Set(ctx, "user", []byte(`{}`)))
	v, _ = s.Get(ctx, "user")
	require.Equal(t, `{}`, string(v))

	require.NoError(t, s.Delete(ctx, "user"))
	require.NoError(t, s.Delete(ctx, "user"))
	_, err = s.Get(ctx, "user")
	require.ErrorIs(t, err, ErrNotFound)

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".tmp", "temp files must not leak")
	}
}

func TestFile_RejectsBadKeys(t *testing.T) {
	t.Parallel()
	s := NewFile(t.TempDir())
	ctx := context.Background()
	require.Error(t, s.Set(ctx, "../escape", []byte("x")))
	_, err := s.Get(ctx, "")
	require.Error(t, err)
	require.Error(t, s.Delete(ctx, "a/b"))
}

func TestMemory_CopiesValues(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()
	in := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", in))
	in[0] = 'z'
	out, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "abc", string(out))
	out[0] = 'q'
	again, _ := s.Get(ctx, "k")
	require.Equal(t, "abc", string(again))
	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSealed_EncryptsSelectedKeysOnly(t *testing.T) {
	t.Parallel()
	inner := NewMemory()
	master, err := crypto.Rand(crypto.KeyLen)
	require.NoError(t, err)
	s := NewSealed(inner, master, "token")
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "token", []byte("secret")))
	require.NoError(t, s.Set(ctx, "user", []byte("plain")))

	raw, _ := inner.Get(ctx, "token")
	require.NotContains(t, string(raw), "secret")
	raw, _ = inner.Get(ctx, "user")
	require.Equal(t, "plain", string(raw))

	v, err := s.Get(ctx, "token")
	require.NoError(t, err)
	require.Equal(t, "secret", string(v))

	other, _ := crypto.Rand(crypto.KeyLen)
	_, err = NewSealed(inner, other, "token").Get(ctx, "token")
	require.ErrorIs(t, err, crypto.ErrOpen)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete(ctx, "token"))
	_, err = inner.Get(ctx, "token")
	require.ErrorIs(t, err, ErrNotFound)
}
