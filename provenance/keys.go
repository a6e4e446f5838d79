package provenance

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// PublicKeySuffix is appended to a private key path to name its public key file.
const PublicKeySuffix = ".pub"

// LoadOrGenerateKeyPair loads the Ed25519 seed stored at path, or generates a
// new key pair and writes it there (mode 0600) together with a base64 public
// key at path+".pub". Keys are loaded once at process start and held for the
// process lifetime.
func LoadOrGenerateKeyPair(path string) (*KeyPair, error) {
	if path == "" {
		return GenerateKeyPair(rand.Reader)
	}

	seed, err := os.ReadFile(path)
	switch {
	case err == nil:
		kp, err := KeyPairFromSeed(seed)
		if err != nil {
			return nil, fmt.Errorf("load key %s: %w", path, err)
		}
		return kp, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}

	kp, err := GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create key dir %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, kp.Seed(), 0o600); err != nil {
		return nil, fmt.Errorf("write key %s: %w", path, err)
	}
	if err := os.WriteFile(path+PublicKeySuffix, []byte(EncodePublicKey(kp.Public)+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write public key %s: %w", path+PublicKeySuffix, err)
	}
	return kp, nil
}

// EncodePublicKey renders pub as standard base64.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// ParsePublicKey decodes a base64 Ed25519 public key.
func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: public key is not base64: %v", ErrInvalidKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes, want %d", ErrInvalidKey, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// LoadPublicKey reads a base64 public key file as written by
// LoadOrGenerateKeyPair.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key %s: %w", path, err)
	}
	return ParsePublicKey(string(data))
}
