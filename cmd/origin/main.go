// Command origin is the demo sample source. It propagates a satellite (or a
// constant-velocity point), signs each sample with the origin key and sends
// it to the relay's /ingest endpoint.
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
	"github.com/signalsfoundry/predictive-relay/internal/origin"
	"github.com/signalsfoundry/predictive-relay/internal/transport"
	"github.com/signalsfoundry/predictive-relay/provenance"
)

func main() {
	log := logging.NewFromEnv()
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Error(ctx, "failed to load configuration", logging.Error(err))
		os.Exit(1)
	}

	fs := flag.NewFlagSet("origin", flag.ExitOnError)
	fs.StringVar(&cfg.Origin.RelayURL, "relay-url", cfg.Origin.RelayURL, "relay ingest websocket URL")
	fs.Float64Var(&cfg.Origin.RateHz, "rate", cfg.Origin.RateHz, "samples per second")
	fs.StringVar(&cfg.Origin.Source, "source", cfg.Origin.Source, "sample source: orbit or linear")
	fs.Uint64Var(&cfg.Origin.Count, "count", cfg.Origin.Count, "stop after this many samples; 0 runs forever")
	fs.StringVar(&cfg.Keys.OriginPath, "key", cfg.Keys.OriginPath, "origin signing key file, generated when missing")
	_ = fs.Parse(os.Args[1:])

	stopCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(stopCtx, cfg, log); err != nil {
		log.Error(ctx, "origin exited", logging.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log logging.Logger) error {
	if cfg.Origin.RateHz <= 0 {
		return fmt.Errorf("rate %v Hz must be positive", cfg.Origin.RateHz)
	}
	key, err := provenance.LoadOrGenerateKeyPair(cfg.Keys.OriginPath)
	if err != nil {
		return err
	}
	signer, err := provenance.NewSigner(key)
	if err != nil {
		return err
	}
	source, err := origin.NewSource(cfg.Origin.Source, cfg.Origin.TLELine1, cfg.Origin.TLELine2, time.Now())
	if err != nil {
		return err
	}

	conn, err := transport.Dial(ctx, cfg.Origin.RelayURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	emitter, err := origin.NewEmitter(source, signer, conn, time.Duration(float64(time.Second)/cfg.Origin.RateHz),
		origin.WithEmitterLogger(log), origin.WithCount(cfg.Origin.Count))
	if err != nil {
		return err
	}

	log.Info(ctx, "origin started",
		logging.String("relay_url", cfg.Origin.RelayURL),
		logging.String("source", cfg.Origin.Source),
		logging.String("key_id", key.ID),
		logging.String("public_key", provenance.EncodePublicKey(key.Public)),
	)

	err = emitter.Run(ctx)
	log.Info(ctx, "origin stopped", logging.Uint64("last_id", emitter.LastID()))
	return err
}
