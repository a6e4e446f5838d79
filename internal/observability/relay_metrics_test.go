package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/signalsfoundry/predictive-relay/core"
	"github.com/signalsfoundry/predictive-relay/model"
)

func TestRelayCollectorObservesLinkAndPredictor(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewRelayCollector(reg)
	if err != nil {
		t.Fatalf("NewRelayCollector: %v", err)
	}

	var link core.LinkObserver = c
	var pred core.PredictorObserver = c

	link.ObserveLink(core.LinkEvent{Outcome: core.LinkDelivered, ScheduledDelay: 3 * time.Second, ActualDelay: 3 * time.Second})
	link.ObserveLink(core.LinkEvent{Outcome: core.LinkDropped})
	link.ObserveLink(core.LinkEvent{Outcome: core.LinkDropped})
	pred.ObserveIngest(core.IngestSignatureInvalid)
	pred.ObserveFrame(&model.EmittedFrame{Confidence: 1})
	pred.ObserveFrame(&model.EmittedFrame{IsSynthesized: true, Confidence: 0.4})
	pred.ObserveState(core.Stale)
	pred.ObserveCorrection(12.5)
	c.SetHubSubscribers(3)
	c.IncHubDropped()

	checks := map[string]float64{
		"delivered":   testutil.ToFloat64(c.LinkEnvelopes.WithLabelValues("delivered")),
		"dropped":     testutil.ToFloat64(c.LinkEnvelopes.WithLabelValues("dropped")),
		"sig invalid": testutil.ToFloat64(c.PredictorIngest.WithLabelValues("signature_invalid")),
		"real":        testutil.ToFloat64(c.PredictorFrames.WithLabelValues("real")),
		"synthesized": testutil.ToFloat64(c.PredictorFrames.WithLabelValues("synthesized")),
		"state":       testutil.ToFloat64(c.PredictorState),
		"subscribers": testutil.ToFloat64(c.HubSubscribers),
		"hub dropped": testutil.ToFloat64(c.HubDropped),
	}
	want := map[string]float64{
		"delivered": 1, "dropped": 2, "sig invalid": 1, "real": 1,
		"synthesized": 1, "state": 2, "subscribers": 3, "hub dropped": 1,
	}
	for name, got := range checks {
		if got != want[name] {
			t.Errorf("%s = %v, want %v", name, got, want[name])
		}
	}
	if n := histogramSampleCount(t, reg, "relay_link_actual_delay_seconds", nil); n != 1 {
		t.Errorf("actual delay samples = %d, want 1", n)
	}
	if n := histogramSampleCount(t, reg, "relay_predictor_confidence", nil); n != 1 {
		t.Errorf("confidence samples = %d, want 1", n)
	}
	if n := histogramSampleCount(t, reg, "relay_predictor_correction_distance_meters", nil); n != 1 {
		t.Errorf("correction samples = %d, want 1", n)
	}

	body := scrape(t, c.Handler())
	if missing, ok := containsAll(body,
		"relay_link_envelopes_total",
		"relay_link_scheduled_delay_seconds",
		"relay_predictor_frames_total",
		"relay_predictor_state 2",
		"relay_hub_dropped_frames_total 1",
	); !ok {
		t.Fatalf("expected %q in /metrics output", missing)
	}
}

func TestNilRelayCollectorIsSafe(t *testing.T) {
	var c *RelayCollector
	c.ObserveLink(core.LinkEvent{Outcome: core.LinkDelivered})
	c.ObserveIngest(core.IngestAccepted)
	c.ObserveFrame(&model.EmittedFrame{})
	c.ObserveState(core.Tracking)
	c.ObserveCorrection(1)
	c.SetHubSubscribers(1)
	c.IncHubDropped()
}
