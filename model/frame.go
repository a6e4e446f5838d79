package model

import "time"

// StateSample is one observation produced by the origin. It is immutable once
// signed: OriginSignature covers FrameID, CapturedAt and State.
type StateSample struct {
	FrameID    uint64
	CapturedAt time.Time
	State      State

	// OriginKeyID names the key that produced OriginSignature.
	OriginKeyID     string
	OriginSignature []byte
}

// EmittedFrame is one unit of the edge's fixed-cadence output stream.
type EmittedFrame struct {
	// FrameID is local to the output stream and unrelated to origin ids.
	FrameID   uint64
	EmittedAt time.Time
	State     State

	IsSynthesized bool
	// ParentFrameIDs lists the origin sample ids used as the extrapolation
	// basis, oldest first. Empty for passthrough frames.
	ParentFrameIDs []uint64
	Confidence     float64

	PredictorVersion string

	// Source is the origin-signed sample forwarded by a passthrough frame.
	// It is nil for synthesized frames.
	Source *StateSample

	EdgeKeyID     string
	EdgeSignature []byte
}
