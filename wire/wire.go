// Package wire encodes samples and frames for both hops of the relay.
//
// Every message is a self-describing protobuf structpb.Struct:
//
//	{
//	  "metadata": {"kind": ..., "schema_version": 1, "frame_id": "42", ...},
//	  "payload":  "<base64 of the deterministic protobuf encoding of the state>"
//	}
//
// Metadata carries the provenance fields a receiver needs before it looks at
// the payload. Frame ids are rendered as decimal strings because structpb
// numbers are float64 and cannot hold every uint64.
package wire

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/predictive-relay/model"
	"github.com/signalsfoundry/predictive-relay/provenance"
)

// SchemaVersion is the envelope layout version written into metadata.
const SchemaVersion = 1

// Message kinds.
const (
	KindStateSample  = "state_sample"
	KindEmittedFrame = "emitted_frame"
)

// ErrMalformedPayload reports bytes that do not decode to a valid envelope.
var ErrMalformedPayload = errors.New("malformed payload")

var deterministic = proto.MarshalOptions{Deterministic: true}

// EncodeSample renders a signed origin sample.
func EncodeSample(s *model.StateSample) ([]byte, error) {
	env, err := sampleEnvelope(s)
	if err != nil {
		return nil, err
	}
	return deterministic.Marshal(env)
}

// DecodeSample parses bytes produced by EncodeSample.
func DecodeSample(data []byte) (*model.StateSample, error) {
	meta, payload, err := open(data, KindStateSample)
	if err != nil {
		return nil, err
	}
	return sampleFrom(meta, payload)
}

// EncodeFrame renders an edge-signed frame. Passthrough frames embed the
// complete origin sample envelope so the receiver can check its signature.
func EncodeFrame(f *model.EmittedFrame) ([]byte, error) {
	body := map[string]*structpb.Value{
		"state": structpb.NewStructValue(stateStruct(f.State)),
	}
	if f.Source != nil {
		src, err := EncodeSample(f.Source)
		if err != nil {
			return nil, fmt.Errorf("encode source sample: %w", err)
		}
		body["source"] = structpb.NewStringValue(base64.StdEncoding.EncodeToString(src))
	}
	payload, err := deterministic.Marshal(&structpb.Struct{Fields: body})
	if err != nil {
		return nil, fmt.Errorf("encode frame payload: %w", err)
	}

	parents := make([]*structpb.Value, 0, len(f.ParentFrameIDs))
	for _, id := range f.ParentFrameIDs {
		parents = append(parents, structpb.NewStringValue(strconv.FormatUint(id, 10)))
	}
	meta := &structpb.Struct{Fields: map[string]*structpb.Value{
		"kind":                structpb.NewStringValue(KindEmittedFrame),
		"schema_version":      structpb.NewNumberValue(SchemaVersion),
		"frame_id":            structpb.NewStringValue(strconv.FormatUint(f.FrameID, 10)),
		"emitted_at":          structpb.NewStringValue(formatTime(f.EmittedAt)),
		"is_synthesized":      structpb.NewBoolValue(f.IsSynthesized),
		"confidence":          structpb.NewNumberValue(f.Confidence),
		"parent_frame_ids":    structpb.NewListValue(&structpb.ListValue{Values: parents}),
		"predictor_version":   structpb.NewStringValue(f.PredictorVersion),
		"signature_algorithm": structpb.NewStringValue(provenance.Algorithm),
		"signer_key_id":       structpb.NewStringValue(f.EdgeKeyID),
		"signature":           structpb.NewStringValue(base64.StdEncoding.EncodeToString(f.EdgeSignature)),
	}}
	return deterministic.Marshal(seal(meta, payload))
}

// DecodeFrame parses bytes produced by EncodeFrame.
func DecodeFrame(data []byte) (*model.EmittedFrame, error) {
	meta, payload, err := open(data, KindEmittedFrame)
	if err != nil {
		return nil, err
	}

	f := &model.EmittedFrame{}
	if f.FrameID, err = uintField(meta, "frame_id"); err != nil {
		return nil, err
	}
	if f.EmittedAt, err = timeField(meta, "emitted_at"); err != nil {
		return nil, err
	}
	if f.IsSynthesized, err = boolField(meta, "is_synthesized"); err != nil {
		return nil, err
	}
	if f.Confidence, err = numberField(meta, "confidence"); err != nil {
		return nil, err
	}
	if f.PredictorVersion, err = stringField(meta, "predictor_version"); err != nil {
		return nil, err
	}
	if f.EdgeKeyID, f.EdgeSignature, err = signatureFields(meta); err != nil {
		return nil, err
	}
	if list := meta.GetFields()["parent_frame_ids"].GetListValue(); list != nil {
		for i, v := range list.GetValues() {
			id, err := strconv.ParseUint(v.GetStringValue(), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: parent_frame_ids[%d]: %v", ErrMalformedPayload, i, err)
			}
			f.ParentFrameIDs = append(f.ParentFrameIDs, id)
		}
	}

	body := &structpb.Struct{}
	if err := proto.Unmarshal(payload, body); err != nil {
		return nil, fmt.Errorf("%w: frame payload: %v", ErrMalformedPayload, err)
	}
	stateVal, ok := body.GetFields()["state"]
	if !ok || stateVal.GetStructValue() == nil {
		return nil, fmt.Errorf("%w: frame payload has no state", ErrMalformedPayload)
	}
	if f.State, err = stateFrom(stateVal.GetStructValue()); err != nil {
		return nil, err
	}
	if srcVal, ok := body.GetFields()["source"]; ok {
		raw, err := base64.StdEncoding.DecodeString(srcVal.GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("%w: source: %v", ErrMalformedPayload, err)
		}
		if f.Source, err = DecodeSample(raw); err != nil {
			return nil, fmt.Errorf("source: %w", err)
		}
	}
	return f, nil
}

// MarshalJSON renders an encoded sample or frame as indented JSON for
// debugging and the receiver's output.
func MarshalJSON(data []byte) ([]byte, error) {
	env := &structpb.Struct{}
	if err := proto.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(env)
}

// Kind returns the metadata kind of an encoded envelope.
func Kind(data []byte) (string, error) {
	env := &structpb.Struct{}
	if err := proto.Unmarshal(data, env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return stringField(env.GetFields()["metadata"].GetStructValue(), "kind")
}

func sampleEnvelope(s *model.StateSample) (*structpb.Struct, error) {
	payload, err := deterministic.Marshal(stateStruct(s.State))
	if err != nil {
		return nil, fmt.Errorf("encode sample payload: %w", err)
	}
	meta := &structpb.Struct{Fields: map[string]*structpb.Value{
		"kind":                structpb.NewStringValue(KindStateSample),
		"schema_version":      structpb.NewNumberValue(SchemaVersion),
		"frame_id":            structpb.NewStringValue(strconv.FormatUint(s.FrameID, 10)),
		"captured_at":         structpb.NewStringValue(formatTime(s.CapturedAt)),
		"signature_algorithm": structpb.NewStringValue(provenance.Algorithm),
		"signer_key_id":       structpb.NewStringValue(s.OriginKeyID),
		"signature":           structpb.NewStringValue(base64.StdEncoding.EncodeToString(s.OriginSignature)),
	}}
	return seal(meta, payload), nil
}

func sampleFrom(meta *structpb.Struct, payload []byte) (*model.StateSample, error) {
	s := &model.StateSample{}
	var err error
	if s.FrameID, err = uintField(meta, "frame_id"); err != nil {
		return nil, err
	}
	if s.CapturedAt, err = timeField(meta, "captured_at"); err != nil {
		return nil, err
	}
	if s.OriginKeyID, s.OriginSignature, err = signatureFields(meta); err != nil {
		return nil, err
	}
	st := &structpb.Struct{}
	if err := proto.Unmarshal(payload, st); err != nil {
		return nil, fmt.Errorf("%w: sample payload: %v", ErrMalformedPayload, err)
	}
	if s.State, err = stateFrom(st); err != nil {
		return nil, err
	}
	return s, nil
}

func seal(meta *structpb.Struct, payload []byte) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"metadata": structpb.NewStructValue(meta),
		"payload":  structpb.NewStringValue(base64.StdEncoding.EncodeToString(payload)),
	}}
}

func open(data []byte, kind string) (*structpb.Struct, []byte, error) {
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("%w: empty message", ErrMalformedPayload)
	}
	env := &structpb.Struct{}
	if err := proto.Unmarshal(data, env); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	meta := env.GetFields()["metadata"].GetStructValue()
	if meta == nil {
		return nil, nil, fmt.Errorf("%w: missing metadata", ErrMalformedPayload)
	}
	got, err := stringField(meta, "kind")
	if err != nil {
		return nil, nil, err
	}
	if got != kind {
		return nil, nil, fmt.Errorf("%w: kind %q, want %q", ErrMalformedPayload, got, kind)
	}
	version, err := numberField(meta, "schema_version")
	if err != nil {
		return nil, nil, err
	}
	if version != SchemaVersion {
		return nil, nil, fmt.Errorf("%w: unsupported schema_version %v", ErrMalformedPayload, version)
	}
	encoded, ok := env.GetFields()["payload"]
	if !ok {
		return nil, nil, fmt.Errorf("%w: missing payload", ErrMalformedPayload)
	}
	payload, err := base64.StdEncoding.DecodeString(encoded.GetStringValue())
	if err != nil {
		return nil, nil, fmt.Errorf("%w: payload: %v", ErrMalformedPayload, err)
	}
	return meta, payload, nil
}

func stateStruct(s model.State) *structpb.Struct {
	telemetry := make(map[string]*structpb.Value, len(s.Telemetry))
	for k, v := range s.Telemetry {
		telemetry[k] = structpb.NewNumberValue(v)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"position": structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{
			structpb.NewNumberValue(s.Position.X),
			structpb.NewNumberValue(s.Position.Y),
			structpb.NewNumberValue(s.Position.Z),
		}}),
		"telemetry": structpb.NewStructValue(&structpb.Struct{Fields: telemetry}),
	}}
}

func stateFrom(st *structpb.Struct) (model.State, error) {
	pos := st.GetFields()["position"].GetListValue().GetValues()
	if len(pos) != 3 {
		return model.State{}, fmt.Errorf("%w: position has %d components, want 3", ErrMalformedPayload, len(pos))
	}
	var coords [3]float64
	for i, v := range pos {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return model.State{}, fmt.Errorf("%w: position[%d] is not a number", ErrMalformedPayload, i)
		}
		coords[i] = n.NumberValue
	}
	out := model.State{Position: model.Vec3{X: coords[0], Y: coords[1], Z: coords[2]}}
	if tel := st.GetFields()["telemetry"].GetStructValue(); tel != nil && len(tel.GetFields()) > 0 {
		out.Telemetry = make(map[string]float64, len(tel.GetFields()))
		for k, v := range tel.GetFields() {
			n, ok := v.GetKind().(*structpb.Value_NumberValue)
			if !ok {
				return model.State{}, fmt.Errorf("%w: telemetry %q is not a number", ErrMalformedPayload, k)
			}
			out.Telemetry[k] = n.NumberValue
		}
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func stringField(meta *structpb.Struct, key string) (string, error) {
	v, ok := meta.GetFields()[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %s", ErrMalformedPayload, key)
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", fmt.Errorf("%w: %s is not a string", ErrMalformedPayload, key)
	}
	return s.StringValue, nil
}

func numberField(meta *structpb.Struct, key string) (float64, error) {
	v, ok := meta.GetFields()[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", ErrMalformedPayload, key)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%w: %s is not a number", ErrMalformedPayload, key)
	}
	return n.NumberValue, nil
}

func boolField(meta *structpb.Struct, key string) (bool, error) {
	v, ok := meta.GetFields()[key]
	if !ok {
		return false, fmt.Errorf("%w: missing %s", ErrMalformedPayload, key)
	}
	b, ok := v.GetKind().(*structpb.Value_BoolValue)
	if !ok {
		return false, fmt.Errorf("%w: %s is not a bool", ErrMalformedPayload, key)
	}
	return b.BoolValue, nil
}

func uintField(meta *structpb.Struct, key string) (uint64, error) {
	s, err := stringField(meta, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, key, err)
	}
	return n, nil
}

func timeField(meta *structpb.Struct, key string) (time.Time, error) {
	s, err := stringField(meta, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, key, err)
	}
	return t, nil
}

func signatureFields(meta *structpb.Struct) (string, []byte, error) {
	alg, err := stringField(meta, "signature_algorithm")
	if err != nil {
		return "", nil, err
	}
	if alg != provenance.Algorithm {
		return "", nil, fmt.Errorf("%w: unsupported signature_algorithm %q", ErrMalformedPayload, alg)
	}
	keyID, err := stringField(meta, "signer_key_id")
	if err != nil {
		return "", nil, err
	}
	encoded, err := stringField(meta, "signature")
	if err != nil {
		return "", nil, err
	}
	sig, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, fmt.Errorf("%w: signature: %v", ErrMalformedPayload, err)
	}
	return keyID, sig, nil
}
