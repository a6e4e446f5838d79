package provenance

import (
	"encoding/binary"
	"math"

	"github.com/signalsfoundry/predictive-relay/model"
)

const (
	sampleDomain = "predictive-relay/origin-sample/v1"
	frameDomain  = "predictive-relay/edge-frame/v1"
)

// SampleMessage returns the exact bytes an origin signs for s:
// frame_id, captured_at and state.
func SampleMessage(s *model.StateSample) []byte {
	var b canonicalBuffer
	b.putString(sampleDomain)
	b.putUint64(s.FrameID)
	b.putInt64(s.CapturedAt.UnixNano())
	b.putState(s.State)
	return b.buf
}

// FrameMessage returns the exact bytes the edge signs for f. Besides the
// attested state it covers frame_id, emitted_at, is_synthesized,
// parent_frame_ids, confidence and predictor_version.
func FrameMessage(f *model.EmittedFrame) []byte {
	var b canonicalBuffer
	b.putString(frameDomain)
	b.putUint64(f.FrameID)
	b.putInt64(f.EmittedAt.UnixNano())
	b.putBool(f.IsSynthesized)
	b.putState(f.State)
	b.putUint64(uint64(len(f.ParentFrameIDs)))
	for _, id := range f.ParentFrameIDs {
		b.putUint64(id)
	}
	b.putFloat64(f.Confidence)
	b.putString(f.PredictorVersion)
	if f.Source != nil {
		b.putBool(true)
		b.putUint64(f.Source.FrameID)
		b.putBytes(f.Source.OriginSignature)
	} else {
		b.putBool(false)
	}
	return b.buf
}

type canonicalBuffer struct {
	buf []byte
}

func (b *canonicalBuffer) putUint64(v uint64) {
	b.buf = binary.BigEndian.AppendUint64(b.buf, v)
}

func (b *canonicalBuffer) putInt64(v int64) {
	b.putUint64(uint64(v))
}

func (b *canonicalBuffer) putFloat64(v float64) {
	b.putUint64(math.Float64bits(v))
}

func (b *canonicalBuffer) putBool(v bool) {
	if v {
		b.buf = append(b.buf, 1)
		return
	}
	b.buf = append(b.buf, 0)
}

func (b *canonicalBuffer) putBytes(v []byte) {
	b.putUint64(uint64(len(v)))
	b.buf = append(b.buf, v...)
}

func (b *canonicalBuffer) putString(v string) {
	b.putBytes([]byte(v))
}

func (b *canonicalBuffer) putState(s model.State) {
	b.putFloat64(s.Position.X)
	b.putFloat64(s.Position.Y)
	b.putFloat64(s.Position.Z)
	keys := s.TelemetryKeys()
	b.putUint64(uint64(len(keys)))
	for _, k := range keys {
		b.putString(k)
		b.putFloat64(s.Telemetry[k])
	}
}
