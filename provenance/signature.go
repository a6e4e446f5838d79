package provenance

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Algorithm is the signature scheme name carried in wire metadata.
const Algorithm = "ed25519"

// KeyPair is an Ed25519 signing key and its public half.
type KeyPair struct {
	ID      string
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh key pair from rand (crypto/rand.Reader when nil).
func GenerateKeyPair(rand io.Reader) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &KeyPair{ID: KeyID(pub), Public: pub, private: priv}, nil
}

// KeyPairFromSeed rebuilds a key pair from a 32-byte Ed25519 seed.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed is %d bytes, want %d", ErrInvalidKey, len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &KeyPair{ID: KeyID(pub), Public: pub, private: priv}, nil
}

// Seed returns the private seed, used when persisting the key.
func (k *KeyPair) Seed() []byte {
	return k.private.Seed()
}

// KeyID derives a short stable identifier for a public key.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

// Sign signs message with priv.
func Sign(message []byte, priv ed25519.PrivateKey) []byte {
	return ed25519.Sign(priv, message)
}

// Verify reports whether sig is a valid signature of message by pub. It
// never panics on malformed input.
func Verify(message, sig []byte, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}
