package crypto

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestRand_LengthUniq(t *testing.T) {
	t.Parallel()
	a, err := Rand(KeyLen)
	if err != nil {
		t.Fatalf("Rand: %v", err)
	}
	if len(a) != KeyLen {
		t.Fatalf("len=%d, want=%d", len(a), KeyLen)
	}
	b, _ := Rand(KeyLen)
	if bytes.Equal(a, b) {
		t.Fatalf("Rand produced equal slices")
	}
}

func TestKeyFromPassphrase_DeterministicAndSaltDependent(t *testing.T) {
	t.Parallel()
	pw := []byte("console-pass")
	k1 := KeyFromPassphrase(pw, []byte("salt-1"))
	k2 := KeyFromPassphrase(pw, []byte("salt-1"))
	if !bytes.Equal(k1, k2) {
		t.Fatalf("KeyFromPassphrase not deterministic")
	}
	if bytes.Equal(k1, KeyFromPassphrase(pw, []byte("salt-2"))) {
		t.Fatalf("key must change with salt")
	}
	if len(k1) != KeyLen {
		t.Fatalf("key len=%d", len(k1))
	}
}

func TestVerifyPassphrase(t *testing.T) {
	t.Parallel()
	salt := []byte("0123456789abcdef")
	want := KeyFromPassphrase([]byte("right"), salt)
	if !VerifyPassphrase([]byte("right"), salt, want) {
		t.Fatalf("correct passphrase rejected")
	}
	if VerifyPassphrase([]byte("wrong"), salt, want) {
		t.Fatalf("wrong passphrase accepted")
	}
}

func TestLoadOrCreateKey_Persists(t *testing.T) {
	t.Parallel()
	p := filepath.Join(t.TempDir(), "sub", "master.key")
	k1, err := LoadOrCreateKey(p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	k2, err := LoadOrCreateKey(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatalf("key not persisted")
	}
	st, err := os.Stat(p)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%v", st.Mode().Perm())
	}
}

func TestLoadOrCreateKey_RejectsWrongSize(t *testing.T) {
	t.Parallel()
	p := filepath.Join(t.TempDir(), "master.key")
	_ = os.WriteFile(p, []byte("short"), 0o600)
	if _, err := LoadOrCreateKey(p); err == nil {
		t.Fatalf("want error for malformed key file")
	}
}

func TestLoadOrCreateSalt_Persists(t *testing.T) {
	t.Parallel()
	p := filepath.Join(t.TempDir(), "salt")
	s1, err := LoadOrCreateSalt(p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s2, _ := LoadOrCreateSalt(p)
	if !bytes.Equal(s1, s2) || len(s1) != SaltLen {
		t.Fatalf("salt not persisted")
	}
}

func TestSealOpen_RoundTripAndBinding(t *testing.T) {
	t.Parallel()
	master, _ := Rand(KeyLen)
	key, err := DeriveKey(master, "token")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	other, _ := DeriveKey(master, "user")
	if bytes.Equal(key, other) {
		t.Fatalf("derived keys must differ per name")
	}

	sealed, err := Seal(key, "token", []byte("bearer-abc"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	pt, err := Open(key, "token", sealed)
	if err != nil || string(pt) != "bearer-abc" {
		t.Fatalf("Open: %q %v", pt, err)
	}

	if _, err := Open(key, "user", sealed); err != ErrOpen {
		t.Fatalf("want ErrOpen for wrong name, got %v", err)
	}
	if _, err := Open(other, "token", sealed); err != ErrOpen {
		t.Fatalf("want ErrOpen for wrong key, got %v", err)
	}
	if _, err := Open(key, "token", []byte{1, 2}); err != ErrOpen {
		t.Fatalf("want ErrOpen for short blob, got %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := Open(key, "token", sealed); err != ErrOpen {
		t.Fatalf("want ErrOpen for tampered blob, got %v", err)
	}
}
