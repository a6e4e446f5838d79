package relay

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/signalsfoundry/predictive-relay/internal/logging"
)

type healthPolicy struct {
	BaseDelay       string  `json:"base_delay"`
	JitterMode      string  `json:"jitter_mode"`
	JitterAmplitude string  `json:"jitter_amplitude"`
	LossProbability float64 `json:"loss_probability"`
	Epoch           uint64  `json:"epoch"`
}

type healthReport struct {
	Status         string       `json:"status"`
	Component      string       `json:"component"`
	PredictorState string       `json:"predictor_state"`
	Policy         healthPolicy `json:"policy"`
	Pending        int          `json:"pending"`
	Subscribers    int          `json:"subscribers"`
	Uptime         string       `json:"uptime"`
}

func (r *Relay) serveHealth(w http.ResponseWriter, req *http.Request) {
	p := r.Simulator.Policy()
	report := healthReport{
		Status:         "ok",
		Component:      "predictive-relay",
		PredictorState: r.Predictor.State().String(),
		Policy: healthPolicy{
			BaseDelay:       p.BaseDelay.String(),
			JitterMode:      string(p.Jitter.Mode),
			JitterAmplitude: p.Jitter.Amplitude.String(),
			LossProbability: p.LossProbability,
			Epoch:           r.Simulator.Epoch(),
		},
		Pending:     r.Simulator.Pending(),
		Subscribers: r.Hub.Subscribers(),
	}
	if !r.started.IsZero() {
		report.Uptime = r.clock.Since(r.started).Truncate(time.Second).String()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		r.log.Warn(req.Context(), "health encode failed", logging.Error(err))
	}
}
