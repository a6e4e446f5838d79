package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/predictive-relay/internal/config"
	"github.com/signalsfoundry/predictive-relay/internal/logging"
	"github.com/signalsfoundry/predictive-relay/internal/transport"
	"github.com/signalsfoundry/predictive-relay/model"
	"github.com/signalsfoundry/predictive-relay/provenance"
)

type fixture struct {
	hub    *transport.FrameHub
	cfg    config.Receiver
	origin *provenance.Signer
	edge   *provenance.Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	writeKey := func(name string) *provenance.Signer {
		kp, err := provenance.GenerateKeyPair(rand.Reader)
		if err != nil {
			t.Fatalf("GenerateKeyPair: %v", err)
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(provenance.EncodePublicKey(kp.Public)+"\n"), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		s, err := provenance.NewSigner(kp)
		if err != nil {
			t.Fatalf("NewSigner: %v", err)
		}
		return s
	}

	f := &fixture{hub: transport.NewFrameHub()}
	f.origin = writeKey("origin.pub")
	f.edge = writeKey("edge.pub")
	srv := httptest.NewServer(f.hub)
	t.Cleanup(srv.Close)
	t.Cleanup(f.hub.Close)

	f.cfg = config.Receiver{
		URL:              "ws" + strings.TrimPrefix(srv.URL, "http") + "/frames",
		ParentCheck:      "strict",
		HistorySize:      16,
		EdgePublicPath:   filepath.Join(dir, "edge.pub"),
		OriginPublicPath: filepath.Join(dir, "origin.pub"),
		Output:           "text",
	}
	return f
}

func (f *fixture) passthrough(id, sampleID uint64) *model.EmittedFrame {
	now := time.Now()
	sample := &model.StateSample{
		FrameID:    sampleID,
		CapturedAt: now,
		State:      model.State{Position: model.Vec3{X: 7000e3, Y: float64(sampleID)}},
	}
	f.origin.SignSample(sample)
	frame := &model.EmittedFrame{
		FrameID:          id,
		EmittedAt:        now,
		State:            sample.State,
		Confidence:       1,
		PredictorVersion: "test",
		Source:           sample,
	}
	f.edge.SignFrame(frame)
	return frame
}

func (f *fixture) predicted(id uint64, parents ...uint64) *model.EmittedFrame {
	frame := &model.EmittedFrame{
		FrameID:          id,
		EmittedAt:        time.Now(),
		State:            model.State{Position: model.Vec3{X: 7000e3, Y: 10}},
		IsSynthesized:    true,
		ParentFrameIDs:   parents,
		Confidence:       0.8,
		PredictorVersion: "test",
	}
	f.edge.SignFrame(frame)
	return frame
}

func (f *fixture) run(t *testing.T, limit int, frames ...*model.EmittedFrame) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx, f.cfg, limit, &out, logging.Noop()) }()

	deadline := time.Now().Add(3 * time.Second)
	for f.hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("receiver never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	for _, frame := range frames {
		if err := f.hub.PublishFrame(ctx, frame); err != nil {
			t.Fatalf("PublishFrame: %v", err)
		}
	}
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}
	return out.String()
}

func TestReceiverVerifiesStream(t *testing.T) {
	f := newFixture(t)

	tampered := f.passthrough(4, 3)
	tampered.State.Position.X++

	out := f.run(t, 4,
		f.passthrough(1, 1),
		f.predicted(2, 1),
		f.predicted(3, 1, 2),
		tampered,
	)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "PASSTHROUGH frame=1 source=1") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "PREDICTED   frame=2 parents=[1] confidence=0.800") {
		t.Errorf("line 1 = %q", lines[1])
	}
	// Parent 2 was never an origin sample.
	if !strings.HasPrefix(lines[2], "REJECTED frame=3") {
		t.Errorf("line 2 = %q", lines[2])
	}
	if !strings.HasPrefix(lines[3], "REJECTED frame=4") {
		t.Errorf("line 3 = %q", lines[3])
	}
}

func TestReceiverLenientParentCheck(t *testing.T) {
	f := newFixture(t)
	f.cfg.ParentCheck = "lenient"

	out := f.run(t, 1, f.predicted(1, 9))
	if !strings.Contains(out, "unknown_parents=[9]") {
		t.Fatalf("output = %q", out)
	}
}

func TestReceiverJSONOutput(t *testing.T) {
	f := newFixture(t)
	f.cfg.Output = "json"

	out := f.run(t, 1, f.passthrough(1, 1))
	if !strings.Contains(out, `"is_synthesized"`) || !strings.Contains(out, `"signer_key_id"`) {
		t.Fatalf("output = %q", out)
	}
}

func TestReceiverRejectsBadConfig(t *testing.T) {
	f := newFixture(t)
	cases := map[string]func(*config.Receiver){
		"output":       func(c *config.Receiver) { c.Output = "yaml" },
		"parent check": func(c *config.Receiver) { c.ParentCheck = "sometimes" },
		"missing key":  func(c *config.Receiver) { c.EdgePublicPath = filepath.Join(t.TempDir(), "nope.pub") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := f.cfg
			mutate(&cfg)
			if err := run(context.Background(), cfg, 1, &bytes.Buffer{}, logging.Noop()); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
