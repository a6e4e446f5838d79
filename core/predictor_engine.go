package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/signalsfoundry/predictive-relay/internal/logging"
	"github.com/signalsfoundry/predictive-relay/model"
	"github.com/signalsfoundry/predictive-relay/provenance"
	"github.com/signalsfoundry/predictive-relay/wire"
)

var tracer = otel.Tracer("github.com/signalsfoundry/predictive-relay/core")

// PredictorState is the predictor's position in its tracking lifecycle.
type PredictorState int32

const (
	WaitingFirstSample PredictorState = iota
	Tracking
	Stale
)

func (s PredictorState) String() string {
	switch s {
	case WaitingFirstSample:
		return "waiting_first_sample"
	case Tracking:
		return "tracking"
	case Stale:
		return "stale"
	default:
		return fmt.Sprintf("PredictorState(%d)", int32(s))
	}
}

// TrackedState is the predictor's working belief. It is owned by the
// predictor loop and never shared.
type TrackedState struct {
	Last     model.StateSample
	Previous *model.StateSample
	// Velocity holds per-second rates for position and shared telemetry.
	Velocity     model.State
	LastUpdateAt time.Time
}

// IngestOutcome classifies a delivered payload.
type IngestOutcome string

const (
	IngestAccepted         IngestOutcome = "accepted"
	IngestMalformed        IngestOutcome = "malformed"
	IngestSignatureInvalid IngestOutcome = "signature_invalid"
	IngestOutOfOrder       IngestOutcome = "out_of_order"
)

// PredictorObserver receives predictor events. Calls are made from the
// predictor loop and must not block.
type PredictorObserver interface {
	ObserveIngest(IngestOutcome)
	ObserveFrame(*model.EmittedFrame)
	ObserveState(PredictorState)
	// ObserveCorrection reports how far the last synthesized position was
	// from the real sample that replaced it.
	ObserveCorrection(distance float64)
}

// PredictorStats is a snapshot of predictor counters.
type PredictorStats struct {
	Accepted          uint64
	Malformed         uint64
	SignatureInvalid  uint64
	OutOfOrder        uint64
	RealFrames        uint64
	SynthesizedFrames uint64
	MissedTicks       uint64
	SinkErrors        uint64

	// Corrections counts real samples that followed a synthesized frame;
	// LastCorrection is the most recent jump between the two.
	Corrections    uint64
	LastCorrection float64
}

// engine holds the predictor's state machine. Its ingest and tick methods
// are only called from one goroutine; mu guards the fields read by
// snapshots from other goroutines.
type engine struct {
	cfg       PredictorConfig
	origin    *provenance.Verifier
	edge      *provenance.Signer
	log       logging.Logger
	observers []PredictorObserver

	tracked     *TrackedState
	pending     []*model.StateSample
	nextFrameID uint64

	// lastSynth is the position of the most recent synthesized frame, nil
	// once a real sample has been shown.
	lastSynth *model.Vec3

	mu      sync.Mutex
	state   PredictorState
	history []uint64
	stats   PredictorStats
}

func newEngine(cfg PredictorConfig, origin *provenance.Verifier, edge *provenance.Signer, log logging.Logger, observers []PredictorObserver) *engine {
	return &engine{
		cfg:       cfg,
		origin:    origin,
		edge:      edge,
		log:       log,
		observers: observers,
	}
}

// ingest decodes, verifies and tracks one delivered payload. Rejected
// payloads leave the tracked state untouched and return the reason.
func (e *engine) ingest(ctx context.Context, payload []byte, now time.Time) error {
	ctx, span := tracer.Start(ctx, "predictor.ingest")
	defer span.End()
	span.SetAttributes(attribute.Int("payload.bytes", len(payload)))

	sample, err := e.accept(payload)
	outcome := IngestAccepted
	switch {
	case errors.Is(err, wire.ErrMalformedPayload):
		outcome = IngestMalformed
	case errors.Is(err, provenance.ErrSignatureInvalid):
		outcome = IngestSignatureInvalid
	case errors.Is(err, ErrOutOfOrderSample):
		outcome = IngestOutOfOrder
	}
	e.count(func(s *PredictorStats) {
		switch outcome {
		case IngestAccepted:
			s.Accepted++
		case IngestMalformed:
			s.Malformed++
		case IngestSignatureInvalid:
			s.SignatureInvalid++
		case IngestOutOfOrder:
			s.OutOfOrder++
		}
	})
	for _, o := range e.observers {
		o.ObserveIngest(outcome)
	}
	span.SetAttributes(attribute.String("ingest.outcome", string(outcome)))

	if err != nil {
		if outcome == IngestOutOfOrder {
			e.log.Debug(ctx, "ignoring out-of-order sample", logging.Error(err))
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.log.Warn(ctx, "discarding sample", logging.String("reason", string(outcome)), logging.Error(err))
		}
		return err
	}

	e.track(sample, now)
	span.SetAttributes(attribute.Int64("sample.frame_id", int64(sample.FrameID)))
	e.setState(ctx, Tracking)
	return nil
}

func (e *engine) accept(payload []byte) (*model.StateSample, error) {
	sample, err := wire.DecodeSample(payload)
	if err != nil {
		return nil, err
	}
	if !sample.State.IsFinite() {
		return nil, fmt.Errorf("%w: sample %d has a non-finite state", wire.ErrMalformedPayload, sample.FrameID)
	}
	if err := e.origin.VerifySample(sample); err != nil {
		return nil, err
	}
	if e.tracked != nil && sample.FrameID <= e.tracked.Last.FrameID {
		return nil, fmt.Errorf("%w: sample %d not newer than tracked %d", ErrOutOfOrderSample, sample.FrameID, e.tracked.Last.FrameID)
	}
	return sample, nil
}

func (e *engine) track(sample *model.StateSample, now time.Time) {
	next := &TrackedState{Last: *sample, LastUpdateAt: now}
	if e.tracked != nil {
		prev := e.tracked.Last
		next.Previous = &prev
		next.Velocity = e.velocity(&prev, sample)
	}
	e.tracked = next
	e.pending = append(e.pending, sample)

	e.mu.Lock()
	e.history = append(e.history, sample.FrameID)
	if over := len(e.history) - e.cfg.HistorySize; over > 0 {
		e.history = append(e.history[:0], e.history[over:]...)
	}
	e.mu.Unlock()
}

// velocity is the finite difference between two verified samples over their
// capture interval. Samples captured at the same instant (or out of capture
// order) yield a zero velocity.
func (e *engine) velocity(prev, cur *model.StateSample) model.State {
	dt := cur.CapturedAt.Sub(prev.CapturedAt).Seconds()
	if dt <= 0 {
		return model.State{}
	}
	v := cur.State.Sub(prev.State).Scale(1 / dt)
	if e.cfg.MaxSpeed > 0 {
		if speed := v.Position.Norm(); speed > e.cfg.MaxSpeed {
			v.Position = v.Position.Scale(e.cfg.MaxSpeed / speed)
		}
	}
	return v
}

// tick produces the frames for one output tick, signed and ready to publish.
func (e *engine) tick(ctx context.Context, now time.Time) []*model.EmittedFrame {
	if e.tracked == nil {
		return nil
	}

	staleness := now.Sub(e.tracked.LastUpdateAt)
	var frames []*model.EmittedFrame
	if len(e.pending) > 0 && staleness < e.cfg.FreshnessThreshold {
		e.correct(e.pending[0])
		for _, sample := range e.pending {
			frames = append(frames, e.passthrough(sample, now))
		}
		e.count(func(s *PredictorStats) { s.RealFrames += uint64(len(frames)) })
	} else {
		f := e.synthesize(now, staleness)
		pos := f.State.Position
		e.lastSynth = &pos
		frames = append(frames, f)
		e.count(func(s *PredictorStats) { s.SynthesizedFrames++ })
	}
	e.pending = e.pending[:0]

	if staleness >= e.cfg.FreshnessThreshold {
		e.setState(ctx, Stale)
	}
	for _, f := range frames {
		e.edge.SignFrame(f)
		for _, o := range e.observers {
			o.ObserveFrame(f)
		}
	}
	return frames
}

// correct measures the jump from the last synthesized position to the real
// sample about to be shown.
func (e *engine) correct(sample *model.StateSample) {
	if e.lastSynth == nil {
		return
	}
	d := e.lastSynth.DistanceTo(sample.State.Position)
	e.lastSynth = nil
	e.count(func(s *PredictorStats) {
		s.Corrections++
		s.LastCorrection = d
	})
	for _, o := range e.observers {
		o.ObserveCorrection(d)
	}
}

func (e *engine) passthrough(sample *model.StateSample, now time.Time) *model.EmittedFrame {
	e.nextFrameID++
	return &model.EmittedFrame{
		FrameID:          e.nextFrameID,
		EmittedAt:        now,
		State:            sample.State.Clone(),
		Confidence:       1,
		PredictorVersion: e.cfg.Version,
		Source:           sample,
	}
}

func (e *engine) synthesize(now time.Time, staleness time.Duration) *model.EmittedFrame {
	t := e.tracked
	horizon := e.cfg.EffectiveHorizon(now.Sub(t.LastUpdateAt))
	projected := t.Last.State.Add(t.Velocity.Scale(horizon))

	parents := []uint64{t.Last.FrameID}
	if t.Previous != nil {
		parents = []uint64{t.Previous.FrameID, t.Last.FrameID}
	}

	e.nextFrameID++
	return &model.EmittedFrame{
		FrameID:          e.nextFrameID,
		EmittedAt:        now,
		State:            projected,
		IsSynthesized:    true,
		ParentFrameIDs:   parents,
		Confidence:       e.cfg.Confidence(staleness, projected.Position.DistanceTo(t.Last.State.Position)),
		PredictorVersion: e.cfg.Version,
	}
}

func (e *engine) setState(ctx context.Context, next PredictorState) {
	e.mu.Lock()
	prev := e.state
	e.state = next
	e.mu.Unlock()
	if prev == next {
		return
	}
	fields := []logging.Field{
		logging.String("from", prev.String()),
		logging.String("to", next.String()),
	}
	if e.tracked != nil {
		fields = append(fields, logging.Uint64("last_frame_id", e.tracked.Last.FrameID))
	}
	e.log.Info(ctx, "predictor state changed", fields...)
	for _, o := range e.observers {
		o.ObserveState(next)
	}
}

func (e *engine) count(fn func(*PredictorStats)) {
	e.mu.Lock()
	fn(&e.stats)
	e.mu.Unlock()
}

func (e *engine) currentState() PredictorState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *engine) snapshot() PredictorStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *engine) resetStats() {
	e.mu.Lock()
	e.stats = PredictorStats{}
	e.mu.Unlock()
}

func (e *engine) historyIDs() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint64(nil), e.history...)
}
