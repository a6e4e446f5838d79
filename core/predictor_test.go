package core

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/signalsfoundry/predictive-relay/internal/logging"
	"github.com/signalsfoundry/predictive-relay/model"
	"github.com/signalsfoundry/predictive-relay/provenance"
	"github.com/signalsfoundry/predictive-relay/wire"
)

func TestPredictorConfigValidate(t *testing.T) {
	if err := DefaultPredictorConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	mutations := map[string]func(*PredictorConfig){
		"zero tick":               func(c *PredictorConfig) { c.TickInterval = 0 },
		"freshness below tick":    func(c *PredictorConfig) { c.FreshnessThreshold = c.TickInterval / 2 },
		"ceiling below freshness": func(c *PredictorConfig) { c.StaleCeiling = c.FreshnessThreshold - time.Millisecond },
		"negative damping":        func(c *PredictorConfig) { c.DampingRate = -1 },
		"full confidence":         func(c *PredictorConfig) { c.MaxSynthesizedConfidence = 1 },
		"floor above max":         func(c *PredictorConfig) { c.ConfidenceFloor = 0.99 },
		"tiny history":            func(c *PredictorConfig) { c.HistorySize = 1 },
		"empty version":           func(c *PredictorConfig) { c.Version = "" },
	}
	for name, mutate := range mutations {
		cfg := DefaultPredictorConfig()
		mutate(&cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrConfigurationInvalid) {
			t.Errorf("%s: Validate() = %v, want ErrConfigurationInvalid", name, err)
		}
	}
}

func TestConfidenceDecreasesWithStalenessAndReachesFloor(t *testing.T) {
	for _, cfg := range []PredictorConfig{
		DefaultPredictorConfig(),
		func() PredictorConfig {
			c := DefaultPredictorConfig()
			c.ConfidenceFloor = 0.1
			c.DistanceScale = 50
			return c
		}(),
	} {
		prev := math.Inf(1)
		for s := time.Duration(0); s <= 15*time.Second; s += 50 * time.Millisecond {
			// Extrapolated distance grows with staleness as it does in practice.
			conf := cfg.Confidence(s, 7.5*cfg.EffectiveHorizon(s))
			if conf > prev {
				t.Fatalf("confidence rose from %v to %v at staleness %v", prev, conf, s)
			}
			if conf >= 1 || conf < cfg.ConfidenceFloor || conf > cfg.MaxSynthesizedConfidence {
				t.Fatalf("confidence %v at staleness %v outside [%v, %v]", conf, s, cfg.ConfidenceFloor, cfg.MaxSynthesizedConfidence)
			}
			if s >= cfg.StaleCeiling && conf != cfg.ConfidenceFloor {
				t.Fatalf("confidence %v past the stale ceiling, want floor %v", conf, cfg.ConfidenceFloor)
			}
			prev = conf
		}
	}
}

func TestEffectiveHorizonConverges(t *testing.T) {
	cfg := DefaultPredictorConfig()
	limit := cfg.FreshnessThreshold.Seconds() + 1/cfg.DampingRate

	if got := cfg.EffectiveHorizon(time.Second); got != 1 {
		t.Fatalf("EffectiveHorizon(1s) = %v, want undamped 1", got)
	}
	prev, prevStep := 0.0, math.Inf(1)
	for h := 2 * time.Second; h <= 120*time.Second; h += time.Second {
		g := cfg.EffectiveHorizon(h)
		if g > limit {
			t.Fatalf("EffectiveHorizon(%v) = %v exceeds limit %v", h, g, limit)
		}
		if step := g - prev; prev > 0 && step > prevStep {
			t.Fatalf("velocity term grew at %v", h)
		} else if prev > 0 {
			prevStep = step
		}
		prev = g
	}
	if math.Abs(prev-limit) > 1e-9 {
		t.Fatalf("EffectiveHorizon(120s) = %v, want ~%v", prev, limit)
	}
}

func TestWaitingFirstSampleEmitsNothing(t *testing.T) {
	k := newKeyring(t)
	eng := k.newEngine(t, DefaultPredictorConfig())

	if frames := eng.tick(context.Background(), time.Now()); frames != nil {
		t.Fatalf("tick before first sample emitted %d frames", len(frames))
	}
	if eng.currentState() != WaitingFirstSample {
		t.Fatalf("state = %v, want waiting", eng.currentState())
	}
}

func TestIngestNeverRegressesTrackedID(t *testing.T) {
	k := newKeyring(t)
	eng := k.newEngine(t, DefaultPredictorConfig())
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	for _, id := range []uint64{1, 3} {
		if err := eng.ingest(ctx, k.payload(t, sampleAt(id, base.Add(time.Duration(id)*time.Second), base)), base); err != nil {
			t.Fatalf("ingest(%d): %v", id, err)
		}
	}
	for _, id := range []uint64{2, 3} {
		err := eng.ingest(ctx, k.payload(t, sampleAt(id, base.Add(10*time.Second), base)), base)
		if !errors.Is(err, ErrOutOfOrderSample) {
			t.Fatalf("ingest(%d) error = %v, want ErrOutOfOrderSample", id, err)
		}
	}

	if eng.tracked.Last.FrameID != 3 {
		t.Fatalf("tracked id = %d, want 3", eng.tracked.Last.FrameID)
	}
	if got := eng.snapshot(); got.Accepted != 2 || got.OutOfOrder != 2 {
		t.Fatalf("stats = %+v", got)
	}
	if h := eng.historyIDs(); len(h) != 2 || h[0] != 1 || h[1] != 3 {
		t.Fatalf("history = %v, want [1 3]", h)
	}
}

func TestIngestRejectsUntrustedPayloads(t *testing.T) {
	k := newKeyring(t)
	eng := k.newEngine(t, DefaultPredictorConfig())
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	corrupted := sampleAt(1, base, base)
	k.origin.SignSample(corrupted)
	corrupted.OriginSignature[10] ^= 0x01
	corruptedPayload, _ := wire.EncodeSample(corrupted)

	foreign := sampleAt(2, base, base)
	k.edge.SignSample(foreign)
	foreignPayload, _ := wire.EncodeSample(foreign)

	nan := sampleAt(3, base, base)
	nan.State.Position.X = math.NaN()
	nanPayload := k.payload(t, nan)

	cases := []struct {
		name    string
		payload []byte
		want    error
	}{
		{"garbage", []byte("not an envelope"), wire.ErrMalformedPayload},
		{"corrupted signature", corruptedPayload, provenance.ErrSignatureInvalid},
		{"foreign key", foreignPayload, provenance.ErrSignatureInvalid},
		{"non-finite state", nanPayload, wire.ErrMalformedPayload},
	}
	for _, tc := range cases {
		if err := eng.ingest(ctx, tc.payload, base); !errors.Is(err, tc.want) {
			t.Errorf("%s: ingest error = %v, want %v", tc.name, err, tc.want)
		}
	}
	if eng.tracked != nil {
		t.Fatalf("rejected payload updated the tracked state")
	}
	if got := eng.snapshot(); got.Malformed != 2 || got.SignatureInvalid != 2 || got.Accepted != 0 {
		t.Fatalf("stats = %+v", got)
	}
}

func TestSynthesisIsDampedAndConfidenceReachesFloor(t *testing.T) {
	k := newKeyring(t)
	cfg := DefaultPredictorConfig()
	eng := k.newEngine(t, cfg)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	eng.ingest(ctx, k.payload(t, sampleAt(1, base, base)), base)
	eng.ingest(ctx, k.payload(t, sampleAt(2, base.Add(time.Second), base)), base.Add(time.Second))
	eng.tick(ctx, base.Add(time.Second)) // passthrough of 1 and 2

	lastX := eng.tracked.Last.State.Position.X
	bound := lastX + 7.5*(cfg.FreshnessThreshold.Seconds()+1/cfg.DampingRate)
	prevX := lastX
	var last *model.EmittedFrame
	for s := 1; s <= 60; s++ {
		frames := eng.tick(ctx, base.Add(time.Second+time.Duration(s)*time.Second))
		if len(frames) != 1 || !frames[0].IsSynthesized {
			t.Fatalf("tick %ds: frames = %+v, want one synthesized frame", s, frames)
		}
		f := frames[0]
		x := f.State.Position.X
		if x < prevX || x > bound+1e-9 {
			t.Fatalf("tick %ds: X = %v, want in [%v, %v]", s, x, prevX, bound)
		}
		if f.ParentFrameIDs[0] != 1 || f.ParentFrameIDs[1] != 2 {
			t.Fatalf("parents = %v, want [1 2]", f.ParentFrameIDs)
		}
		prevX = x
		last = f
	}
	if last.Confidence != cfg.ConfidenceFloor {
		t.Fatalf("confidence after 60s = %v, want floor %v", last.Confidence, cfg.ConfidenceFloor)
	}
	if eng.currentState() != Stale {
		t.Fatalf("state = %v, want stale", eng.currentState())
	}
	if err := k.edgeV.VerifyFrame(last); err != nil {
		t.Fatalf("synthesized frame not edge-signed: %v", err)
	}

	// A fresh sample brings the predictor back to tracking.
	eng.ingest(ctx, k.payload(t, sampleAt(3, base.Add(70*time.Second), base)), base.Add(70*time.Second))
	if eng.currentState() != Tracking {
		t.Fatalf("state after fresh sample = %v, want tracking", eng.currentState())
	}
}

type scenarioTick struct {
	at     time.Time
	frames []*model.EmittedFrame
}

// runDelayedScenario emits samples 1..5 at 1 Hz through a 3 s link and
// ticks the predictor at 30 Hz for 9 s. Samples in corrupt get a broken
// origin signature.
func runDelayedScenario(t *testing.T, k *keyring, corrupt map[uint64]bool) ([]scenarioTick, *engine, *DelaySimulator) {
	t.Helper()
	mock := clock.NewMock()
	start := mock.Now()
	cfg := DefaultPredictorConfig()
	eng := k.newEngine(t, cfg)

	sim, err := NewDelaySimulator(DelayPolicy{BaseDelay: 3 * time.Second},
		func(ctx context.Context, p []byte) error {
			_ = eng.ingest(ctx, p, mock.Now())
			return nil
		}, WithSimulatorClock(mock), WithSeed(1))
	if err != nil {
		t.Fatalf("NewDelaySimulator: %v", err)
	}

	ctx := context.Background()
	next := uint64(1)
	var ticks []scenarioTick
	for i := 1; i <= 270; i++ {
		at := start.Add(time.Duration(i) * cfg.TickInterval)
		for ; next <= 5; next++ {
			emitAt := start.Add(time.Duration(next-1) * time.Second)
			if emitAt.After(at) {
				break
			}
			mock.Set(emitAt)
			s := sampleAt(next, emitAt, start)
			k.origin.SignSample(s)
			if corrupt[next] {
				s.OriginSignature[0] ^= 0x80
			}
			payload, err := wire.EncodeSample(s)
			if err != nil {
				t.Fatalf("EncodeSample: %v", err)
			}
			if _, err := sim.Ingest(payload); err != nil {
				t.Fatalf("Ingest: %v", err)
			}
		}
		mock.Set(at)
		sim.releaseDue(ctx)
		ticks = append(ticks, scenarioTick{at: at, frames: eng.tick(ctx, at)})
	}
	return ticks, eng, sim
}

func TestDelayedLinkScenario(t *testing.T) {
	k := newKeyring(t)
	ticks, eng, sim := runDelayedScenario(t, k, nil)

	for i := 0; i < 90; i++ {
		if len(ticks[i].frames) != 0 {
			t.Fatalf("tick %d emitted %d frames while waiting for the first delivery", i+1, len(ticks[i].frames))
		}
	}

	var passthrough []uint64
	var lastReal uint64
	var lastFrameID uint64
	var lastSynth *model.EmittedFrame
	for i := 90; i < len(ticks); i++ {
		if len(ticks[i].frames) != 1 {
			t.Fatalf("tick %d emitted %d frames, want 1", i+1, len(ticks[i].frames))
		}
		f := ticks[i].frames[0]
		if f.FrameID <= lastFrameID {
			t.Fatalf("frame ids not increasing: %d after %d", f.FrameID, lastFrameID)
		}
		lastFrameID = f.FrameID

		if !f.IsSynthesized {
			if f.Confidence != 1 || len(f.ParentFrameIDs) != 0 || f.Source == nil {
				t.Fatalf("passthrough frame %+v breaks the real-frame invariants", f)
			}
			// With a velocity estimate the prediction lands close to the next sample.
			if lastSynth != nil && lastReal >= 2 {
				if jump := f.State.Position.DistanceTo(lastSynth.State.Position); jump > 1 {
					t.Fatalf("fresh sample %d landed %.3f km from the prediction", f.Source.FrameID, jump)
				}
			}
			passthrough = append(passthrough, f.Source.FrameID)
			lastReal = f.Source.FrameID
			continue
		}

		if f.Confidence >= 1 || f.Confidence < 0 {
			t.Fatalf("synthesized confidence %v out of range", f.Confidence)
		}
		want := []uint64{lastReal}
		if lastReal > 1 {
			want = []uint64{lastReal - 1, lastReal}
		}
		if len(f.ParentFrameIDs) != len(want) || f.ParentFrameIDs[0] != want[0] || f.ParentFrameIDs[len(want)-1] != want[len(want)-1] {
			t.Fatalf("tick %d parents = %v, want %v", i+1, f.ParentFrameIDs, want)
		}
		lastSynth = f
	}

	if len(passthrough) != 5 {
		t.Fatalf("passthrough sources = %v, want 1..5", passthrough)
	}
	for i, id := range passthrough {
		if id != uint64(i+1) {
			t.Fatalf("passthrough sources = %v, want 1..5 in order", passthrough)
		}
	}
	if eng.currentState() != Stale {
		t.Fatalf("state after the stream ends = %v, want stale", eng.currentState())
	}
	if stats := sim.Stats(); stats.Forwarded != 5 || stats.AverageDelay < 3*time.Second || stats.AverageDelay > 3*time.Second+time.Second/30 {
		t.Fatalf("link stats = %+v", stats)
	}

	// Every frame survives the wire and a strict receiver.
	for _, tick := range ticks {
		for _, f := range tick.frames {
			data, err := wire.EncodeFrame(f)
			if err != nil {
				t.Fatalf("EncodeFrame: %v", err)
			}
			decoded, err := wire.DecodeFrame(data)
			if err != nil {
				t.Fatalf("DecodeFrame: %v", err)
			}
			if _, err := k.receiver.Check(context.Background(), decoded); err != nil {
				t.Fatalf("receiver rejected frame %d: %v", f.FrameID, err)
			}
		}
	}
}

func TestCorruptedSampleNeverBecomesParent(t *testing.T) {
	k := newKeyring(t)
	ticks, eng, _ := runDelayedScenario(t, k, map[uint64]bool{3: true})

	sawFourAfterTwo := false
	for _, tick := range ticks {
		for _, f := range tick.frames {
			if f.Source != nil && f.Source.FrameID == 3 {
				t.Fatalf("corrupted sample passed through as frame %d", f.FrameID)
			}
			for _, id := range f.ParentFrameIDs {
				if id == 3 {
					t.Fatalf("frame %d names corrupted sample 3 as parent", f.FrameID)
				}
			}
			if len(f.ParentFrameIDs) == 2 && f.ParentFrameIDs[0] == 2 && f.ParentFrameIDs[1] == 4 {
				sawFourAfterTwo = true
			}
		}
	}
	if !sawFourAfterTwo {
		t.Fatalf("expected synthesis from samples 2 and 4 once 3 was discarded")
	}
	if got := eng.snapshot().SignatureInvalid; got != 1 {
		t.Fatalf("SignatureInvalid = %d, want 1", got)
	}
	for _, id := range eng.historyIDs() {
		if id == 3 {
			t.Fatalf("corrupted sample recorded in history")
		}
	}
}

func TestPredictorLoopPublishesAndShutsDown(t *testing.T) {
	k := newKeyring(t)
	mock := clock.NewMock()
	rec := &frameRecorder{}
	p, err := NewPredictor(DefaultPredictorConfig(), k.originV, k.edge, rec, WithPredictorClock(mock))
	if err != nil {
		t.Fatalf("NewPredictor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	base := mock.Now()
	if err := p.Deliver(ctx, k.payload(t, sampleAt(1, base, base))); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	waitFor(t, func() bool { return p.Stats().Accepted == 1 })

	p.Tick(mock.Now())
	waitFor(t, func() bool { return len(rec.snapshotFrames()) == 1 })
	if f := rec.snapshotFrames()[0]; f.IsSynthesized || f.Source.FrameID != 1 {
		t.Fatalf("first frame = %+v, want passthrough of sample 1", f)
	}
	if p.State() != Tracking {
		t.Fatalf("State() = %v, want tracking", p.State())
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if err := p.Deliver(context.Background(), []byte("late")); !errors.Is(err, ErrPredictorClosed) {
		t.Fatalf("Deliver after shutdown error = %v, want ErrPredictorClosed", err)
	}
	p.Tick(mock.Now()) // must not block or panic
}

func TestTickNeverBlocks(t *testing.T) {
	k := newKeyring(t)
	p, _ := NewPredictor(DefaultPredictorConfig(), k.originV, k.edge, &frameRecorder{})

	now := time.Now()
	for i := 0; i < 3; i++ {
		p.Tick(now)
	}
	if got := p.Stats().MissedTicks; got != 2 {
		t.Fatalf("MissedTicks = %d, want 2", got)
	}
	p.ResetStats()
	if got := p.Stats().MissedTicks; got != 0 {
		t.Fatalf("MissedTicks after reset = %d", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

type correctionRecorder struct {
	distances []float64
}

func (r *correctionRecorder) ObserveIngest(IngestOutcome)        {}
func (r *correctionRecorder) ObserveFrame(*model.EmittedFrame)   {}
func (r *correctionRecorder) ObserveState(PredictorState)        {}
func (r *correctionRecorder) ObserveCorrection(distance float64) { r.distances = append(r.distances, distance) }

func TestCorrectionDistanceAfterPrediction(t *testing.T) {
	k := newKeyring(t)
	cfg := DefaultPredictorConfig()
	cfg.FreshnessThreshold = 1500 * time.Millisecond
	rec := &correctionRecorder{}
	eng := newEngine(cfg, k.originV, k.edge, logging.Noop(), []PredictorObserver{rec})
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	eng.ingest(ctx, k.payload(t, sampleAt(1, base, base)), base)
	eng.ingest(ctx, k.payload(t, sampleAt(2, base.Add(time.Second), base)), base.Add(time.Second))
	eng.tick(ctx, base.Add(time.Second))
	if len(rec.distances) != 0 {
		t.Fatalf("corrections before any prediction = %v", rec.distances)
	}

	// Predicted at 1.5 s: X = 7000 + 7.5*1.5. The real sample at 2 s is at
	// 7000 + 7.5*2, so the shown jump is 3.75 m.
	frames := eng.tick(ctx, base.Add(1500*time.Millisecond))
	if len(frames) != 1 || !frames[0].IsSynthesized {
		t.Fatalf("frames = %+v, want one synthesized frame", frames)
	}
	eng.ingest(ctx, k.payload(t, sampleAt(3, base.Add(2*time.Second), base)), base.Add(2*time.Second))
	frames = eng.tick(ctx, base.Add(2*time.Second))
	if len(frames) != 1 || frames[0].IsSynthesized {
		t.Fatalf("frames = %+v, want one passthrough frame", frames)
	}
	if len(rec.distances) != 1 || math.Abs(rec.distances[0]-3.75) > 1e-9 {
		t.Fatalf("corrections = %v, want [3.75]", rec.distances)
	}

	// Back-to-back real samples are not corrections.
	eng.ingest(ctx, k.payload(t, sampleAt(4, base.Add(2100*time.Millisecond), base)), base.Add(2100*time.Millisecond))
	eng.tick(ctx, base.Add(2100*time.Millisecond))
	if len(rec.distances) != 1 {
		t.Fatalf("corrections = %v after consecutive passthroughs", rec.distances)
	}

	st := eng.snapshot()
	if st.Corrections != 1 || math.Abs(st.LastCorrection-3.75) > 1e-9 {
		t.Fatalf("stats = %+v, want one correction of 3.75", st)
	}
}
