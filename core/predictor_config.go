package core

import (
	"fmt"
	"math"
	"time"
)

// DefaultPredictorVersion identifies the damped linear extrapolator.
const DefaultPredictorVersion = "damped-linear-v1"

// PredictorConfig tunes the extrapolation predictor.
type PredictorConfig struct {
	// TickInterval is the output cadence.
	TickInterval time.Duration
	// FreshnessThreshold is the staleness below which a newly arrived sample
	// is passed through, and past which the velocity term starts to decay.
	FreshnessThreshold time.Duration
	// StaleCeiling is the staleness at which confidence reaches its floor.
	StaleCeiling time.Duration
	// DampingRate is the exponential decay rate (1/s) of the velocity term
	// beyond FreshnessThreshold. Zero disables damping.
	DampingRate float64

	MaxSynthesizedConfidence float64
	ConfidenceFloor          float64
	// DistanceScale, when positive, additionally scales confidence by
	// 1/(1 + d/DistanceScale) where d is the extrapolated distance.
	DistanceScale float64
	// MaxSpeed, when positive, clamps the position velocity estimate.
	MaxSpeed float64

	// HistorySize bounds the rolling window of verified sample ids.
	HistorySize int
	Version     string
}

// DefaultPredictorConfig returns a 30 Hz predictor configuration.
func DefaultPredictorConfig() PredictorConfig {
	return PredictorConfig{
		TickInterval:             time.Second / 30,
		FreshnessThreshold:       1500 * time.Millisecond,
		StaleCeiling:             10 * time.Second,
		DampingRate:              0.5,
		MaxSynthesizedConfidence: 0.95,
		ConfidenceFloor:          0,
		HistorySize:              10,
		Version:                  DefaultPredictorVersion,
	}
}

// Validate reports why c cannot be used, wrapping ErrConfigurationInvalid.
func (c PredictorConfig) Validate() error {
	switch {
	case c.TickInterval <= 0:
		return fmt.Errorf("%w: tick interval must be positive, got %v", ErrConfigurationInvalid, c.TickInterval)
	case c.FreshnessThreshold < c.TickInterval:
		return fmt.Errorf("%w: freshness threshold %v shorter than tick interval %v", ErrConfigurationInvalid, c.FreshnessThreshold, c.TickInterval)
	case c.StaleCeiling < c.FreshnessThreshold:
		return fmt.Errorf("%w: stale ceiling %v shorter than freshness threshold %v", ErrConfigurationInvalid, c.StaleCeiling, c.FreshnessThreshold)
	case math.IsNaN(c.DampingRate) || math.IsInf(c.DampingRate, 0) || c.DampingRate < 0:
		return fmt.Errorf("%w: damping rate %v must be finite and non-negative", ErrConfigurationInvalid, c.DampingRate)
	case !(c.MaxSynthesizedConfidence >= 0 && c.MaxSynthesizedConfidence < 1):
		return fmt.Errorf("%w: max synthesized confidence %v outside [0,1)", ErrConfigurationInvalid, c.MaxSynthesizedConfidence)
	case !(c.ConfidenceFloor >= 0 && c.ConfidenceFloor <= c.MaxSynthesizedConfidence):
		return fmt.Errorf("%w: confidence floor %v outside [0,%v]", ErrConfigurationInvalid, c.ConfidenceFloor, c.MaxSynthesizedConfidence)
	case math.IsNaN(c.DistanceScale) || c.DistanceScale < 0:
		return fmt.Errorf("%w: distance scale %v is negative", ErrConfigurationInvalid, c.DistanceScale)
	case math.IsNaN(c.MaxSpeed) || c.MaxSpeed < 0:
		return fmt.Errorf("%w: max speed %v is negative", ErrConfigurationInvalid, c.MaxSpeed)
	case c.HistorySize < 2:
		return fmt.Errorf("%w: history size %d must hold at least two samples", ErrConfigurationInvalid, c.HistorySize)
	case c.Version == "":
		return fmt.Errorf("%w: predictor version is empty", ErrConfigurationInvalid)
	}
	return nil
}

// EffectiveHorizon returns g(h), the number of seconds the velocity is
// applied for after h of staleness. Up to the freshness threshold F the
// velocity is applied in full; beyond it the rate decays as e^(-λ(h-F)),
// so g converges to F + 1/λ and extrapolated drift stays bounded.
func (c PredictorConfig) EffectiveHorizon(h time.Duration) float64 {
	if h <= 0 {
		return 0
	}
	secs := h.Seconds()
	fresh := c.FreshnessThreshold.Seconds()
	if secs <= fresh {
		return secs
	}
	over := secs - fresh
	if c.DampingRate <= 0 {
		return secs
	}
	return fresh + -math.Expm1(-c.DampingRate*over)/c.DampingRate
}

// Confidence returns the confidence of a synthesized frame after the given
// staleness and extrapolated distance. It never increases with staleness,
// stays within [ConfidenceFloor, MaxSynthesizedConfidence] and is below 1.
func (c PredictorConfig) Confidence(staleness time.Duration, distance float64) float64 {
	frac := 1.0
	if c.StaleCeiling > 0 {
		frac = math.Min(math.Max(staleness.Seconds()/c.StaleCeiling.Seconds(), 0), 1)
	}
	conf := c.MaxSynthesizedConfidence - (c.MaxSynthesizedConfidence-c.ConfidenceFloor)*frac
	if c.DistanceScale > 0 && distance > 0 {
		conf *= 1 / (1 + distance/c.DistanceScale)
	}
	return math.Max(conf, c.ConfidenceFloor)
}
