// Command relay runs the edge process: it accepts origin-signed samples on
// /ingest, delays them through the simulated link, and publishes signed
// passthrough and predicted frames on /frames.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/signalsfoundry/predictive-relay/internal/config"
	"github.com/signalsfoundry/predictive-relay/internal/logging"
	"github.com/signalsfoundry/predictive-relay/internal/observability"
	"github.com/signalsfoundry/predictive-relay/internal/origin"
	"github.com/signalsfoundry/predictive-relay/internal/relay"
	"github.com/signalsfoundry/predictive-relay/provenance"
)

// options is everything run needs beyond the environment.
type options struct {
	cfg config.Config
	// embeddedOrigin feeds the link from an in-process emitter instead of
	// a remote origin.
	embeddedOrigin bool
	// ready, when set, is called once the relay is listening.
	ready func(*relay.Relay)
}

func main() {
	log := logging.NewFromEnv()
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Error(ctx, "failed to load configuration", logging.Error(err))
		os.Exit(1)
	}

	opts := options{cfg: cfg}
	fs := flag.NewFlagSet("relay", flag.ExitOnError)
	bindFlags(fs, &opts)
	_ = fs.Parse(os.Args[1:])

	stopCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(stopCtx, opts, log); err != nil {
		log.Error(ctx, "relay exited", logging.Error(err))
		os.Exit(1)
	}
}

func bindFlags(fs *flag.FlagSet, opts *options) {
	c := &opts.cfg
	fs.StringVar(&c.Listen.GRPCAddr, "grpc-addr", c.Listen.GRPCAddr, "TCP address the LinkControl gRPC server listens on")
	fs.StringVar(&c.Listen.HTTPAddr, "http-addr", c.Listen.HTTPAddr, "HTTP address for /ingest, /frames, /healthz and /metrics")
	fs.StringVar(&c.Listen.MetricsAddr, "metrics-addr", c.Listen.MetricsAddr, "separate HTTP address for /metrics")
	fs.DurationVar(&c.Link.BaseDelay, "base-delay", c.Link.BaseDelay, "initial one-way link delay")
	fs.StringVar(&c.Link.JitterMode, "jitter-mode", c.Link.JitterMode, "jitter distribution: none, uniform, one-sided or normal")
	fs.DurationVar(&c.Link.JitterAmplitude, "jitter-amplitude", c.Link.JitterAmplitude, "jitter amplitude")
	fs.Float64Var(&c.Link.LossProbability, "loss", c.Link.LossProbability, "probability of dropping a sample")
	fs.Uint64Var(&c.Link.Seed, "seed", c.Link.Seed, "random seed for jitter and loss; 0 picks one")
	fs.Float64Var(&c.Predictor.TickHz, "tick-hz", c.Predictor.TickHz, "output frame rate")
	fs.DurationVar(&c.Predictor.FreshnessThreshold, "freshness", c.Predictor.FreshnessThreshold, "sample age beyond which frames are predicted")
	fs.StringVar(&c.Keys.EdgePath, "edge-key", c.Keys.EdgePath, "edge signing key file, generated when missing")
	fs.StringVar(&c.Keys.OriginPath, "origin-key", c.Keys.OriginPath, "origin key file; its .pub half is trusted")
	fs.BoolVar(&opts.embeddedOrigin, "embedded-origin", opts.embeddedOrigin, "run the demo origin in-process")
	fs.Float64Var(&c.Origin.RateHz, "origin-rate", c.Origin.RateHz, "embedded origin sample rate")
	fs.StringVar(&c.Origin.Source, "origin-source", c.Origin.Source, "embedded origin source: orbit or linear")
}

func run(ctx context.Context, opts options, log logging.Logger) error {
	cfg := opts.cfg

	link, err := cfg.Link.DelayPolicy()
	if err != nil {
		return err
	}
	predictor, err := cfg.Predictor.PredictorConfig()
	if err != nil {
		return err
	}

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	edgeKey, err := provenance.LoadOrGenerateKeyPair(cfg.Keys.EdgePath)
	if err != nil {
		return err
	}

	var originKey *provenance.KeyPair
	originPub, err := cfg.Keys.OriginPublicKey()
	if opts.embeddedOrigin {
		if originKey, err = provenance.LoadOrGenerateKeyPair(cfg.Keys.OriginPath); err != nil {
			return err
		}
		originPub = originKey.Public
	} else if err != nil {
		return fmt.Errorf("origin public key: %w", err)
	}

	r, err := relay.New(relay.Options{
		Link:            link,
		Seed:            cfg.Link.Seed,
		Predictor:       predictor,
		OriginPublicKey: originPub,
		EdgeKey:         edgeKey,
		GRPCAddr:        cfg.Listen.GRPCAddr,
		HTTPAddr:        cfg.Listen.HTTPAddr,
		MetricsAddr:     cfg.Listen.MetricsAddr,
		Logger:          log,
	})
	if err != nil {
		return err
	}
	if err := r.Listen(); err != nil {
		return err
	}
	if opts.ready != nil {
		opts.ready(r)
	}

	if originKey != nil {
		if err := startEmbeddedOrigin(ctx, cfg.Origin, originKey, r, log); err != nil {
			return err
		}
	}
	return r.Run(ctx)
}

// startEmbeddedOrigin runs an emitter that hands samples straight to the
// simulator, skipping the /ingest socket.
func startEmbeddedOrigin(ctx context.Context, cfg config.Origin, key *provenance.KeyPair, r *relay.Relay, log logging.Logger) error {
	if cfg.RateHz <= 0 {
		return fmt.Errorf("origin rate %v Hz must be positive", cfg.RateHz)
	}
	source, err := origin.NewSource(cfg.Source, cfg.TLELine1, cfg.TLELine2, time.Now())
	if err != nil {
		return err
	}
	signer, err := provenance.NewSigner(key)
	if err != nil {
		return err
	}
	send := origin.SenderFunc(func(payload []byte) error {
		_, err := r.Simulator.Ingest(payload)
		return err
	})
	emitter, err := origin.NewEmitter(source, signer, send, time.Duration(float64(time.Second)/cfg.RateHz),
		origin.WithEmitterLogger(log), origin.WithCount(cfg.Count))
	if err != nil {
		return err
	}

	log.Info(ctx, "embedded origin started",
		logging.String("source", cfg.Source),
		logging.String("origin_key_id", key.ID),
		logging.Float64("rate_hz", cfg.RateHz),
	)
	go func() {
		if err := emitter.Run(ctx); err != nil && ctx.Err() == nil {
			log.Warn(ctx, "embedded origin stopped", logging.Error(err))
		}
	}()
	return nil
}
