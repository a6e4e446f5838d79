package provenance

import (
	"crypto/ed25519"
	"fmt"

	"github.com/signalsfoundry/predictive-relay/model"
)

// Signer attaches signatures made with one key pair.
type Signer struct {
	key *KeyPair
}

// NewSigner binds a Signer to kp.
func NewSigner(kp *KeyPair) (*Signer, error) {
	if kp == nil || len(kp.private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: signer requires a private key", ErrInvalidKey)
	}
	return &Signer{key: kp}, nil
}

// KeyID returns the id of the signing key.
func (s *Signer) KeyID() string { return s.key.ID }

// PublicKey returns the public half of the signing key.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.key.Public }

// SignSample sets the origin signature on sample.
func (s *Signer) SignSample(sample *model.StateSample) {
	sample.OriginKeyID = s.key.ID
	sample.OriginSignature = Sign(SampleMessage(sample), s.key.private)
}

// SignFrame sets the edge attestation on frame.
func (s *Signer) SignFrame(frame *model.EmittedFrame) {
	frame.EdgeKeyID = s.key.ID
	frame.EdgeSignature = Sign(FrameMessage(frame), s.key.private)
}

// Verifier checks signatures against one public key.
type Verifier struct {
	keyID string
	pub   ed25519.PublicKey
}

// NewVerifier binds a Verifier to pub.
func NewVerifier(pub ed25519.PublicKey) (*Verifier, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes, want %d", ErrInvalidKey, len(pub), ed25519.PublicKeySize)
	}
	return &Verifier{keyID: KeyID(pub), pub: pub}, nil
}

// KeyID returns the id of the trusted key.
func (v *Verifier) KeyID() string { return v.keyID }

// VerifySample checks the origin signature of sample.
func (v *Verifier) VerifySample(sample *model.StateSample) error {
	if sample == nil {
		return fmt.Errorf("%w: nil sample", ErrSignatureInvalid)
	}
	if sample.OriginKeyID != "" && sample.OriginKeyID != v.keyID {
		return fmt.Errorf("%w: %w: sample %d signed by %q, trusted origin is %q", ErrSignatureInvalid, ErrUnknownKey, sample.FrameID, sample.OriginKeyID, v.keyID)
	}
	if !Verify(SampleMessage(sample), sample.OriginSignature, v.pub) {
		return fmt.Errorf("%w: origin signature on sample %d", ErrSignatureInvalid, sample.FrameID)
	}
	return nil
}

// VerifyFrame checks the edge signature of frame.
func (v *Verifier) VerifyFrame(frame *model.EmittedFrame) error {
	if frame == nil {
		return fmt.Errorf("%w: nil frame", ErrSignatureInvalid)
	}
	if frame.EdgeKeyID != "" && frame.EdgeKeyID != v.keyID {
		return fmt.Errorf("%w: %w: frame %d signed by %q, trusted edge is %q", ErrSignatureInvalid, ErrUnknownKey, frame.FrameID, frame.EdgeKeyID, v.keyID)
	}
	if !Verify(FrameMessage(frame), frame.EdgeSignature, v.pub) {
		return fmt.Errorf("%w: edge signature on frame %d", ErrSignatureInvalid, frame.FrameID)
	}
	return nil
}
