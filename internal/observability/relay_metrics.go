package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/predictive-relay/core"
	"github.com/signalsfoundry/predictive-relay/model"
)

// RelayCollector exposes link, predictor and fan-out metrics. It implements
// core.LinkObserver and core.PredictorObserver.
type RelayCollector struct {
	gatherer prometheus.Gatherer

	LinkEnvelopes      *prometheus.CounterVec
	LinkScheduledDelay prometheus.Histogram
	LinkActualDelay    prometheus.Histogram

	PredictorIngest     *prometheus.CounterVec
	PredictorFrames     *prometheus.CounterVec
	PredictorConfidence prometheus.Histogram
	PredictorState      prometheus.Gauge
	PredictorCorrection prometheus.Histogram

	HubSubscribers prometheus.Gauge
	HubDropped     prometheus.Counter
}

var delayBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 20, 40}

// NewRelayCollector registers relay metrics against the provided registerer.
func NewRelayCollector(reg prometheus.Registerer) (*RelayCollector, error) {
	reg, gatherer := resolveRegistry(reg)
	c := &RelayCollector{gatherer: gatherer}
	var err error

	if c.LinkEnvelopes, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_link_envelopes_total",
		Help: "Envelopes handled by the delay simulator, labeled by outcome.",
	}, []string{"outcome"}), "relay_link_envelopes_total"); err != nil {
		return nil, err
	}
	if c.LinkScheduledDelay, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_link_scheduled_delay_seconds",
		Help:    "Delay drawn for each envelope at ingest.",
		Buckets: delayBuckets,
	}), "relay_link_scheduled_delay_seconds"); err != nil {
		return nil, err
	}
	if c.LinkActualDelay, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_link_actual_delay_seconds",
		Help:    "Time between ingest and release for delivered envelopes.",
		Buckets: delayBuckets,
	}), "relay_link_actual_delay_seconds"); err != nil {
		return nil, err
	}
	if c.PredictorIngest, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_predictor_ingest_total",
		Help: "Payloads seen by the predictor ingest path, labeled by outcome.",
	}, []string{"outcome"}), "relay_predictor_ingest_total"); err != nil {
		return nil, err
	}
	if c.PredictorFrames, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_predictor_frames_total",
		Help: "Frames emitted by the predictor, labeled by kind (real or synthesized).",
	}, []string{"kind"}), "relay_predictor_frames_total"); err != nil {
		return nil, err
	}
	if c.PredictorConfidence, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_predictor_confidence",
		Help:    "Confidence of synthesized frames.",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	}), "relay_predictor_confidence"); err != nil {
		return nil, err
	}
	if c.PredictorState, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_predictor_state",
		Help: "Predictor lifecycle state: 0 waiting for first sample, 1 tracking, 2 stale.",
	}), "relay_predictor_state"); err != nil {
		return nil, err
	}
	if c.PredictorCorrection, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_predictor_correction_distance_meters",
		Help:    "Distance between the last synthesized position and the real sample that replaced it.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	}), "relay_predictor_correction_distance_meters"); err != nil {
		return nil, err
	}
	if c.HubSubscribers, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_hub_subscribers",
		Help: "Receivers currently subscribed to the frame stream.",
	}), "relay_hub_subscribers"); err != nil {
		return nil, err
	}
	if c.HubDropped, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_hub_dropped_frames_total",
		Help: "Frames not delivered to a subscriber that was too slow.",
	}), "relay_hub_dropped_frames_total"); err != nil {
		return nil, err
	}
	return c, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *RelayCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *RelayCollector) Handler() http.Handler {
	return handlerFor(c.Gatherer())
}

// ObserveLink records one simulator envelope event.
func (c *RelayCollector) ObserveLink(ev core.LinkEvent) {
	if c == nil {
		return
	}
	c.LinkEnvelopes.WithLabelValues(string(ev.Outcome)).Inc()
	switch ev.Outcome {
	case core.LinkDelivered, core.LinkUndeliverable:
		c.LinkScheduledDelay.Observe(ev.ScheduledDelay.Seconds())
		c.LinkActualDelay.Observe(ev.ActualDelay.Seconds())
	}
}

// ObserveIngest records the outcome of one delivered payload.
func (c *RelayCollector) ObserveIngest(outcome core.IngestOutcome) {
	if c == nil {
		return
	}
	c.PredictorIngest.WithLabelValues(string(outcome)).Inc()
}

// ObserveFrame records an emitted frame.
func (c *RelayCollector) ObserveFrame(f *model.EmittedFrame) {
	if c == nil || f == nil {
		return
	}
	if !f.IsSynthesized {
		c.PredictorFrames.WithLabelValues("real").Inc()
		return
	}
	c.PredictorFrames.WithLabelValues("synthesized").Inc()
	c.PredictorConfidence.Observe(f.Confidence)
}

// ObserveState records a predictor state transition.
func (c *RelayCollector) ObserveState(s core.PredictorState) {
	if c == nil {
		return
	}
	c.PredictorState.Set(float64(s))
}

// ObserveCorrection records the jump shown when a real sample replaces a
// prediction.
func (c *RelayCollector) ObserveCorrection(distance float64) {
	if c == nil {
		return
	}
	c.PredictorCorrection.Observe(distance)
}

// SetHubSubscribers updates the subscriber gauge.
func (c *RelayCollector) SetHubSubscribers(n int) {
	if c == nil {
		return
	}
	c.HubSubscribers.Set(float64(n))
}

// IncHubDropped counts a frame dropped for a slow subscriber.
func (c *RelayCollector) IncHubDropped() {
	if c == nil {
		return
	}
	c.HubDropped.Inc()
}
