// Package provenance binds every sample and frame in the relay to a
// verifiable origin.
//
// Two boundaries are enforced. At the edge ingest boundary a StateSample is
// only trusted after its origin signature verifies against the origin's
// public key. At the receiver boundary an EmittedFrame is only trusted after
// its edge signature verifies; passthrough frames additionally carry the
// origin-signed sample, and synthesized frames name the origin ids they were
// extrapolated from so a Receiver can check them against its history.
//
// Signatures are Ed25519 over domain-tagged canonical encodings (see
// SampleMessage and FrameMessage).
package provenance
