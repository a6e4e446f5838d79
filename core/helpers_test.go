package core

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/predictive-relay/internal/logging"
	"github.com/signalsfoundry/predictive-relay/model"
	"github.com/signalsfoundry/predictive-relay/provenance"
	"github.com/signalsfoundry/predictive-relay/wire"
)

type keyring struct {
	origin   *provenance.Signer
	originV  *provenance.Verifier
	edge     *provenance.Signer
	edgeV    *provenance.Verifier
	receiver *provenance.Receiver
}

func newKeyring(t *testing.T) *keyring {
	t.Helper()
	okp, err := provenance.GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	ekp, err := provenance.GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	k := &keyring{}
	k.origin, _ = provenance.NewSigner(okp)
	k.originV, _ = provenance.NewVerifier(okp.Public)
	k.edge, _ = provenance.NewSigner(ekp)
	k.edgeV, _ = provenance.NewVerifier(ekp.Public)
	k.receiver, err = provenance.NewReceiver(k.edgeV, k.originV, provenance.ReceiverConfig{ParentCheck: provenance.ParentCheckStrict})
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	return k
}

// sampleAt is a sample moving 7.5 km/s along X with a telemetry counter
// rising 1/s.
func sampleAt(id uint64, captured time.Time, base time.Time) *model.StateSample {
	secs := captured.Sub(base).Seconds()
	return &model.StateSample{
		FrameID:    id,
		CapturedAt: captured,
		State: model.State{
			Position:  model.Vec3{X: 7000 + 7.5*secs, Y: 0, Z: 0},
			Telemetry: map[string]float64{"counter": 100 + secs},
		},
	}
}

func (k *keyring) payload(t *testing.T, s *model.StateSample) []byte {
	t.Helper()
	k.origin.SignSample(s)
	data, err := wire.EncodeSample(s)
	if err != nil {
		t.Fatalf("EncodeSample: %v", err)
	}
	return data
}

func (k *keyring) newEngine(t *testing.T, cfg PredictorConfig) *engine {
	t.Helper()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	return newEngine(cfg, k.originV, k.edge, logging.Noop(), nil)
}

// frameRecorder is a FrameSink and LinkObserver that keeps what it sees.
type frameRecorder struct {
	mu     sync.Mutex
	frames []*model.EmittedFrame
	events []LinkEvent
}

func (r *frameRecorder) PublishFrame(_ context.Context, f *model.EmittedFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *frameRecorder) ObserveLink(ev LinkEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *frameRecorder) snapshotFrames() []*model.EmittedFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*model.EmittedFrame(nil), r.frames...)
}

func (r *frameRecorder) snapshotEvents() []LinkEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LinkEvent(nil), r.events...)
}
