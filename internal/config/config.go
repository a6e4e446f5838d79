// Package config loads relay process configuration from RELAY_* environment
// variables. Command-line flags in cmd/* override individual fields.
package config

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/signalsfoundry/predictive-relay/core"
	"github.com/signalsfoundry/predictive-relay/internal/observability"
	"github.com/signalsfoundry/predictive-relay/provenance"
)

// Prefix is prepended to every variable name.
const Prefix = "RELAY_"

// Config is the full environment-derived configuration. Each process reads
// the sections it needs.
type Config struct {
	Link      Link                        `envPrefix:"LINK_"`
	Predictor Predictor                   `envPrefix:"PREDICTOR_"`
	Keys      Keys                        `envPrefix:"KEYS_"`
	Listen    Listen
	Origin    Origin                      `envPrefix:"ORIGIN_"`
	Receiver  Receiver                    `envPrefix:"RECEIVER_"`
	Tracing   observability.TracingConfig `envPrefix:"TRACING_"`
}

// Link is the initial delay policy of the simulated link.
type Link struct {
	BaseDelay       time.Duration `env:"BASE_DELAY" envDefault:"3s"`
	JitterMode      string        `env:"JITTER_MODE" envDefault:"none"`
	JitterAmplitude time.Duration `env:"JITTER_AMPLITUDE" envDefault:"0s"`
	LossProbability float64       `env:"LOSS_PROBABILITY" envDefault:"0"`
	// Seed fixes the jitter and loss source; zero draws a random seed.
	Seed uint64 `env:"SEED" envDefault:"0"`
}

// Predictor tunes the extrapolation predictor.
type Predictor struct {
	TickHz                   float64       `env:"TICK_HZ" envDefault:"30"`
	FreshnessThreshold       time.Duration `env:"FRESHNESS_THRESHOLD" envDefault:"1500ms"`
	StaleCeiling             time.Duration `env:"STALE_CEILING" envDefault:"10s"`
	DampingRate              float64       `env:"DAMPING_RATE" envDefault:"0.5"`
	MaxSynthesizedConfidence float64       `env:"MAX_CONFIDENCE" envDefault:"0.95"`
	ConfidenceFloor          float64       `env:"CONFIDENCE_FLOOR" envDefault:"0"`
	DistanceScale            float64       `env:"DISTANCE_SCALE" envDefault:"0"`
	MaxSpeed                 float64       `env:"MAX_SPEED" envDefault:"0"`
	HistorySize              int           `env:"HISTORY_SIZE" envDefault:"10"`
	Version                  string        `env:"VERSION" envDefault:"damped-linear-v1"`
}

// Keys locates signing key files. A private key that does not exist is
// generated on first start; its public half is written next to it.
type Keys struct {
	EdgePath   string `env:"EDGE_PATH" envDefault:"keys/edge.key"`
	OriginPath string `env:"ORIGIN_PATH" envDefault:"keys/origin.key"`
	// OriginPublic is the base64 origin public key trusted by the edge. When
	// empty it is read from OriginPath + ".pub".
	OriginPublic string `env:"ORIGIN_PUBLIC"`
}

// Listen holds the relay's listen addresses.
type Listen struct {
	GRPCAddr string `env:"GRPC_ADDR" envDefault:":50051"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	// MetricsAddr serves /metrics separately; when empty /metrics is served
	// on HTTPAddr.
	MetricsAddr string `env:"METRICS_ADDR"`
}

// Origin configures the demo sample source.
type Origin struct {
	RelayURL string  `env:"RELAY_URL" envDefault:"ws://localhost:8080/ingest"`
	RateHz   float64 `env:"RATE_HZ" envDefault:"1"`
	Source   string  `env:"SOURCE" envDefault:"orbit"`
	TLELine1 string  `env:"TLE_LINE1" envDefault:"1 25544U 98067A   21275.59097222  .00000204  00000-0  10270-4 0  9990"`
	TLELine2 string  `env:"TLE_LINE2" envDefault:"2 25544  51.6459 115.9059 0001817  61.3028  35.9198 15.49370953257760"`
	// Count stops the origin after that many samples; zero runs forever.
	Count uint64 `env:"COUNT" envDefault:"0"`
}

// Receiver configures the verifying client.
type Receiver struct {
	URL              string `env:"URL" envDefault:"ws://localhost:8080/frames"`
	ParentCheck      string `env:"PARENT_CHECK" envDefault:"lenient"`
	HistorySize      int    `env:"HISTORY_SIZE" envDefault:"1024"`
	EdgePublicPath   string `env:"EDGE_PUBLIC_PATH" envDefault:"keys/edge.key.pub"`
	OriginPublicPath string `env:"ORIGIN_PUBLIC_PATH" envDefault:"keys/origin.key.pub"`
	Output           string `env:"OUTPUT" envDefault:"text"` // text | json
}

// Load parses the process environment.
func Load() (Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// LoadFrom parses vars instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Tracing.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DelayPolicy converts the link section into a validated core.DelayPolicy.
func (l Link) DelayPolicy() (core.DelayPolicy, error) {
	mode, err := core.ParseJitterMode(l.JitterMode)
	if err != nil {
		return core.DelayPolicy{}, err
	}
	p := core.DelayPolicy{
		BaseDelay:       l.BaseDelay,
		Jitter:          core.JitterSpec{Mode: mode, Amplitude: l.JitterAmplitude},
		LossProbability: l.LossProbability,
	}
	return p, p.Validate()
}

// PredictorConfig converts the predictor section into a validated
// core.PredictorConfig.
func (p Predictor) PredictorConfig() (core.PredictorConfig, error) {
	if p.TickHz <= 0 {
		return core.PredictorConfig{}, fmt.Errorf("%w: tick rate %v Hz must be positive", core.ErrConfigurationInvalid, p.TickHz)
	}
	cfg := core.PredictorConfig{
		TickInterval:             time.Duration(float64(time.Second) / p.TickHz),
		FreshnessThreshold:       p.FreshnessThreshold,
		StaleCeiling:             p.StaleCeiling,
		DampingRate:              p.DampingRate,
		MaxSynthesizedConfidence: p.MaxSynthesizedConfidence,
		ConfidenceFloor:          p.ConfidenceFloor,
		DistanceScale:            p.DistanceScale,
		MaxSpeed:                 p.MaxSpeed,
		HistorySize:              p.HistorySize,
		Version:                  p.Version,
	}
	return cfg, cfg.Validate()
}

// ParentCheckMode parses the receiver's parent check setting.
func (r Receiver) ParentCheckMode() (provenance.ParentCheck, error) {
	return provenance.ParseParentCheck(r.ParentCheck)
}

// OriginPublicKey returns the origin public key the edge trusts.
func (k Keys) OriginPublicKey() (ed25519.PublicKey, error) {
	if k.OriginPublic != "" {
		return provenance.ParsePublicKey(k.OriginPublic)
	}
	return provenance.LoadPublicKey(k.OriginPath + provenance.PublicKeySuffix)
}
