package core

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// JitterMode selects the distribution jitter is drawn from.
type JitterMode string

const (
	// JitterNone adds no jitter.
	JitterNone JitterMode = "none"
	// JitterUniform draws uniformly from [-A, +A].
	JitterUniform JitterMode = "uniform"
	// JitterOneSided draws uniformly from [0, +A].
	JitterOneSided JitterMode = "one-sided"
	// JitterNormal draws from N(0, (A/3)^2) truncated to [-A, +A].
	JitterNormal JitterMode = "normal"
)

// ParseJitterMode validates a jitter mode name. An empty name means none.
func ParseJitterMode(s string) (JitterMode, error) {
	switch m := JitterMode(s); m {
	case "":
		return JitterNone, nil
	case JitterNone, JitterUniform, JitterOneSided, JitterNormal:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown jitter mode %q", ErrConfigurationInvalid, s)
	}
}

// JitterSpec describes the per-envelope random variation added to the base delay.
type JitterSpec struct {
	Mode      JitterMode
	Amplitude time.Duration
}

// DelayPolicy is the simulator's active link model.
type DelayPolicy struct {
	BaseDelay       time.Duration
	Jitter          JitterSpec
	LossProbability float64
}

// Validate reports why p cannot be applied, wrapping ErrConfigurationInvalid.
func (p DelayPolicy) Validate() error {
	if p.BaseDelay < 0 {
		return fmt.Errorf("%w: base delay %v is negative", ErrConfigurationInvalid, p.BaseDelay)
	}
	if p.Jitter.Amplitude < 0 {
		return fmt.Errorf("%w: jitter amplitude %v is negative", ErrConfigurationInvalid, p.Jitter.Amplitude)
	}
	if p.BaseDelay > math.MaxInt64-p.Jitter.Amplitude {
		return fmt.Errorf("%w: base delay %v plus jitter amplitude %v overflows", ErrConfigurationInvalid, p.BaseDelay, p.Jitter.Amplitude)
	}
	if _, err := ParseJitterMode(string(p.Jitter.Mode)); err != nil {
		return err
	}
	if math.IsNaN(p.LossProbability) || p.LossProbability < 0 || p.LossProbability > 1 {
		return fmt.Errorf("%w: loss probability %v outside [0,1]", ErrConfigurationInvalid, p.LossProbability)
	}
	return nil
}

// Bounds returns the smallest and largest delay the policy can schedule.
func (p DelayPolicy) Bounds() (lo, hi time.Duration) {
	a := p.Jitter.Amplitude
	switch p.Jitter.Mode {
	case JitterUniform, JitterNormal:
		return max(p.BaseDelay-a, 0), p.BaseDelay + a
	case JitterOneSided:
		return p.BaseDelay, p.BaseDelay + a
	default:
		return p.BaseDelay, p.BaseDelay
	}
}

func (p DelayPolicy) String() string {
	mode := p.Jitter.Mode
	if mode == "" {
		mode = JitterNone
	}
	return fmt.Sprintf("base=%v jitter=%s(%v) loss=%.4f", p.BaseDelay, mode, p.Jitter.Amplitude, p.LossProbability)
}

// drawDelay returns base + jitter clamped at zero.
func (p DelayPolicy) drawDelay(rng *rand.Rand) time.Duration {
	a := float64(p.Jitter.Amplitude)
	var j float64
	switch p.Jitter.Mode {
	case JitterUniform:
		j = (rng.Float64()*2 - 1) * a
	case JitterOneSided:
		j = rng.Float64() * a
	case JitterNormal:
		j = math.Max(-a, math.Min(a, rng.NormFloat64()*a/3))
	}
	// float64(a) can round above a near the int64 limit.
	var jd time.Duration
	switch {
	case j >= a:
		jd = p.Jitter.Amplitude
	case j <= -a:
		jd = -p.Jitter.Amplitude
	default:
		jd = time.Duration(j)
	}
	return max(p.BaseDelay+jd, 0)
}

// drawLoss is an independent Bernoulli trial with the policy's loss probability.
func (p DelayPolicy) drawLoss(rng *rand.Rand) bool {
	if p.LossProbability <= 0 {
		return false
	}
	return rng.Float64() < p.LossProbability
}
