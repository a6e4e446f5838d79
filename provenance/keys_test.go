package provenance

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrGenerateKeyPairPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "edge.key")

	first, err := LoadOrGenerateKeyPair(path)
	if err != nil {
		t.Fatalf("LoadOrGenerateKeyPair(new): %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat private key: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("private key mode = %o, want 600", perm)
	}

	second, err := LoadOrGenerateKeyPair(path)
	if err != nil {
		t.Fatalf("LoadOrGenerateKeyPair(existing): %v", err)
	}
	if !bytes.Equal(first.Public, second.Public) || first.ID != second.ID {
		t.Fatalf("reloaded key differs from generated key")
	}

	pub, err := LoadPublicKey(path + PublicKeySuffix)
	if err != nil {
		t.Fatalf("LoadPublicKey: %v", err)
	}
	if !bytes.Equal(pub, first.Public) {
		t.Fatalf("public key file does not match key pair")
	}
}

func TestLoadOrGenerateKeyPairRejectsCorruptSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "origin.key")
	if err := os.WriteFile(path, []byte("short"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadOrGenerateKeyPair(path); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("LoadOrGenerateKeyPair() error = %v, want ErrInvalidKey", err)
	}
}

func TestParsePublicKey(t *testing.T) {
	kp := mustKeyPair(t)
	got, err := ParsePublicKey(" " + EncodePublicKey(kp.Public) + "\n")
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if !bytes.Equal(got, kp.Public) {
		t.Fatalf("ParsePublicKey() round trip mismatch")
	}
	for _, bad := range []string{"", "not base64!", "AAAA"} {
		if _, err := ParsePublicKey(bad); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("ParsePublicKey(%q) error = %v, want ErrInvalidKey", bad, err)
		}
	}
}
