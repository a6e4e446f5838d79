package control

import (
	"crypto/ed25519"
	"fmt"
	"math"
	"time"

	"github.com/signalsfoundry/predictive-relay/core"
	"github.com/signalsfoundry/predictive-relay/provenance"
	"google.golang.org/protobuf/types/known/structpb"
)

// Policy message field names. Durations travel as Go duration strings;
// plain numbers are read as milliseconds.
const (
	fieldBaseDelay       = "base_delay"
	fieldJitterMode      = "jitter_mode"
	fieldJitterAmplitude = "jitter_amplitude"
	fieldLossProbability = "loss_probability"
	fieldEpoch           = "epoch"
)

// PolicyPatch is a partial delay policy update. Nil fields keep their
// current value.
type PolicyPatch struct {
	BaseDelay       *time.Duration
	JitterMode      *core.JitterMode
	JitterAmplitude *time.Duration
	LossProbability *float64
}

// Empty reports whether the patch changes nothing.
func (p PolicyPatch) Empty() bool {
	return p.BaseDelay == nil && p.JitterMode == nil && p.JitterAmplitude == nil && p.LossProbability == nil
}

// Apply returns base with the patch's fields overwritten.
func (p PolicyPatch) Apply(base core.DelayPolicy) core.DelayPolicy {
	if p.BaseDelay != nil {
		base.BaseDelay = *p.BaseDelay
	}
	if p.JitterMode != nil {
		base.Jitter.Mode = *p.JitterMode
	}
	if p.JitterAmplitude != nil {
		base.Jitter.Amplitude = *p.JitterAmplitude
	}
	if p.LossProbability != nil {
		base.LossProbability = *p.LossProbability
	}
	return base
}

// Struct encodes the patch as a Configure request.
func (p PolicyPatch) Struct() *structpb.Struct {
	out := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	if p.BaseDelay != nil {
		out.Fields[fieldBaseDelay] = structpb.NewStringValue(p.BaseDelay.String())
	}
	if p.JitterMode != nil {
		out.Fields[fieldJitterMode] = structpb.NewStringValue(string(*p.JitterMode))
	}
	if p.JitterAmplitude != nil {
		out.Fields[fieldJitterAmplitude] = structpb.NewStringValue(p.JitterAmplitude.String())
	}
	if p.LossProbability != nil {
		out.Fields[fieldLossProbability] = structpb.NewNumberValue(*p.LossProbability)
	}
	return out
}

// ParsePatch decodes a Configure request. Unknown fields are rejected; an
// epoch field is ignored so a GetPolicy response can be sent back as is.
func ParsePatch(s *structpb.Struct) (PolicyPatch, error) {
	var p PolicyPatch
	for key, v := range s.GetFields() {
		switch key {
		case fieldBaseDelay:
			d, err := durationValue(key, v)
			if err != nil {
				return PolicyPatch{}, err
			}
			p.BaseDelay = &d
		case fieldJitterAmplitude:
			d, err := durationValue(key, v)
			if err != nil {
				return PolicyPatch{}, err
			}
			p.JitterAmplitude = &d
		case fieldJitterMode:
			str, ok := v.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return PolicyPatch{}, fmt.Errorf("%w: %s must be a string", ErrInvalidRequest, key)
			}
			mode, err := core.ParseJitterMode(str.StringValue)
			if err != nil {
				return PolicyPatch{}, err
			}
			p.JitterMode = &mode
		case fieldLossProbability:
			n, ok := v.GetKind().(*structpb.Value_NumberValue)
			if !ok {
				return PolicyPatch{}, fmt.Errorf("%w: %s must be a number", ErrInvalidRequest, key)
			}
			loss := n.NumberValue
			p.LossProbability = &loss
		case fieldEpoch:
		default:
			return PolicyPatch{}, fmt.Errorf("%w: unknown field %q", ErrInvalidRequest, key)
		}
	}
	return p, nil
}

func durationValue(key string, v *structpb.Value) (time.Duration, error) {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		d, err := time.ParseDuration(kind.StringValue)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrInvalidRequest, key, err)
		}
		return d, nil
	case *structpb.Value_NumberValue:
		ns := kind.NumberValue * float64(time.Millisecond)
		// NaN fails both comparisons.
		if !(ns >= math.MinInt64 && ns < math.MaxInt64) {
			return 0, fmt.Errorf("%w: %s: %v ms is not a representable duration", ErrInvalidRequest, key, kind.NumberValue)
		}
		return time.Duration(ns), nil
	default:
		return 0, fmt.Errorf("%w: %s must be a duration string or milliseconds", ErrInvalidRequest, key)
	}
}

// PolicyStruct encodes a policy and its configuration epoch.
func PolicyStruct(p core.DelayPolicy, epoch uint64) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldBaseDelay:       structpb.NewStringValue(p.BaseDelay.String()),
		fieldJitterMode:      structpb.NewStringValue(string(p.Jitter.Mode)),
		fieldJitterAmplitude: structpb.NewStringValue(p.Jitter.Amplitude.String()),
		fieldLossProbability: structpb.NewNumberValue(p.LossProbability),
		fieldEpoch:           structpb.NewNumberValue(float64(epoch)),
	}}
}

// PolicyFromStruct decodes a GetPolicy or Configure response.
func PolicyFromStruct(s *structpb.Struct) (core.DelayPolicy, uint64, error) {
	patch, err := ParsePatch(s)
	if err != nil {
		return core.DelayPolicy{}, 0, err
	}
	policy := patch.Apply(core.DelayPolicy{Jitter: core.JitterSpec{Mode: core.JitterNone}})
	return policy, uint64(s.GetFields()[fieldEpoch].GetNumberValue()), nil
}

func linkStatsStruct(st core.LinkStats, pending int, epoch uint64) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"ingested":         count(st.Ingested),
		"forwarded":        count(st.Forwarded),
		"dropped":          count(st.Dropped),
		"discarded":        count(st.Discarded),
		"undeliverable":    count(st.Undeliverable),
		"total_bytes":      count(st.TotalBytes),
		"average_delay":    structpb.NewStringValue(st.AverageDelay.String()),
		"average_delay_ms": structpb.NewNumberValue(float64(st.AverageDelay) / float64(time.Millisecond)),
		"loss_rate":        structpb.NewNumberValue(st.LossRate),
		"uptime":           structpb.NewStringValue(st.Uptime.Truncate(time.Millisecond).String()),
		"pending":          structpb.NewNumberValue(float64(pending)),
		fieldEpoch:         count(epoch),
	}}
}

func predictorStatsStruct(cfg core.PredictorConfig, state core.PredictorState, st core.PredictorStats) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"state":              structpb.NewStringValue(state.String()),
		"version":            structpb.NewStringValue(cfg.Version),
		"tick_interval":      structpb.NewStringValue(cfg.TickInterval.String()),
		"accepted":           count(st.Accepted),
		"malformed":          count(st.Malformed),
		"signature_invalid":  count(st.SignatureInvalid),
		"out_of_order":       count(st.OutOfOrder),
		"real_frames":        count(st.RealFrames),
		"synthesized_frames": count(st.SynthesizedFrames),
		"missed_ticks":       count(st.MissedTicks),
		"sink_errors":        count(st.SinkErrors),
		"corrections":        count(st.Corrections),
		"last_correction_m":  structpb.NewNumberValue(st.LastCorrection),
	}}
}

func count(n uint64) *structpb.Value { return structpb.NewNumberValue(float64(n)) }

// PublicKeys are the verification keys a relay publishes.
type PublicKeys struct {
	Origin ed25519.PublicKey
	Edge   ed25519.PublicKey
}

func keysStruct(k PublicKeys) *structpb.Struct {
	out := &structpb.Struct{Fields: map[string]*structpb.Value{
		"algorithm": structpb.NewStringValue(provenance.Algorithm),
	}}
	for name, pub := range map[string]ed25519.PublicKey{"origin": k.Origin, "edge": k.Edge} {
		if len(pub) == 0 {
			continue
		}
		out.Fields[name] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"key_id":     structpb.NewStringValue(provenance.KeyID(pub)),
			"public_key": structpb.NewStringValue(provenance.EncodePublicKey(pub)),
		}})
	}
	return out
}

// PublicKeysFromStruct decodes a GetPublicKeys response.
func PublicKeysFromStruct(s *structpb.Struct) (PublicKeys, error) {
	var out PublicKeys
	for name, dst := range map[string]*ed25519.PublicKey{"origin": &out.Origin, "edge": &out.Edge} {
		entry := s.GetFields()[name].GetStructValue()
		if entry == nil {
			continue
		}
		pub, err := provenance.ParsePublicKey(entry.GetFields()["public_key"].GetStringValue())
		if err != nil {
			return PublicKeys{}, fmt.Errorf("%s key: %w", name, err)
		}
		*dst = pub
	}
	return out, nil
}
