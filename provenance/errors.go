package provenance

import "errors"

var (
	// ErrSignatureInvalid reports a malformed or non-matching signature.
	ErrSignatureInvalid = errors.New("signature invalid")
	// ErrUnknownKey reports a signature made with a key the verifier does not hold.
	ErrUnknownKey = errors.New("unknown signing key")
	// ErrFrameInvariant reports a frame whose attested fields are inconsistent.
	ErrFrameInvariant = errors.New("frame invariant violated")
	// ErrUnverifiedParent reports a synthesized frame naming an origin id the
	// receiver never saw verified.
	ErrUnverifiedParent = errors.New("unverified parent frame id")
	// ErrInvalidKey reports unusable key material.
	ErrInvalidKey = errors.New("invalid key material")
)
