package core

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/signalsfoundry/predictive-relay/internal/logging"
	"github.com/signalsfoundry/predictive-relay/model"
	"github.com/signalsfoundry/predictive-relay/provenance"
)

// FrameSink receives every signed frame the predictor emits.
type FrameSink interface {
	PublishFrame(ctx context.Context, frame *model.EmittedFrame) error
}

// FrameSinkFunc adapts a function to FrameSink.
type FrameSinkFunc func(ctx context.Context, frame *model.EmittedFrame) error

// PublishFrame calls f(ctx, frame).
func (f FrameSinkFunc) PublishFrame(ctx context.Context, frame *model.EmittedFrame) error {
	return f(ctx, frame)
}

const defaultInboxSize = 256

// Predictor turns a delayed, gappy stream of signed samples into a
// fixed-cadence stream of edge-signed frames.
//
// Deliver (arrival driven) and Tick (cadence driven) are the two producers;
// Run is the single consumer that owns the tracked state.
type Predictor struct {
	cfg   PredictorConfig
	clock clock.Clock
	sink  FrameSink
	log   logging.Logger

	engine *engine

	inbox   chan []byte
	ticks   chan time.Time
	done    chan struct{}
	running atomic.Bool
}

// PredictorOption customises a Predictor.
type PredictorOption func(*predictorOptions)

type predictorOptions struct {
	clock     clock.Clock
	log       logging.Logger
	observers []PredictorObserver
	inboxSize int
}

// WithPredictorClock injects the clock used to stamp sample arrival.
func WithPredictorClock(c clock.Clock) PredictorOption {
	return func(o *predictorOptions) { o.clock = c }
}

// WithPredictorLogger sets the logger.
func WithPredictorLogger(l logging.Logger) PredictorOption {
	return func(o *predictorOptions) {
		if l != nil {
			o.log = l
		}
	}
}

// WithPredictorObserver registers an observer for ingest, frame and state events.
func WithPredictorObserver(obs PredictorObserver) PredictorOption {
	return func(o *predictorOptions) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithInboxSize bounds the number of delivered payloads waiting for the loop.
func WithInboxSize(n int) PredictorOption {
	return func(o *predictorOptions) {
		if n > 0 {
			o.inboxSize = n
		}
	}
}

// NewPredictor builds a predictor that trusts samples signed by origin and
// signs its output with edge before handing it to sink.
func NewPredictor(cfg PredictorConfig, origin *provenance.Verifier, edge *provenance.Signer, sink FrameSink, opts ...PredictorOption) (*Predictor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if origin == nil || edge == nil {
		return nil, fmt.Errorf("%w: predictor requires origin verifier and edge signer", ErrConfigurationInvalid)
	}
	if sink == nil {
		return nil, fmt.Errorf("%w: predictor requires a frame sink", ErrConfigurationInvalid)
	}
	o := predictorOptions{clock: clock.New(), log: logging.Noop(), inboxSize: defaultInboxSize}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log.With(logging.Component("predictor"), logging.String("predictor_version", cfg.Version))
	return &Predictor{
		cfg:    cfg,
		clock:  o.clock,
		sink:   sink,
		log:    log,
		engine: newEngine(cfg, origin, edge, log, o.observers),
		inbox:  make(chan []byte, o.inboxSize),
		ticks:  make(chan time.Time, 1),
		done:   make(chan struct{}),
	}, nil
}

// Config returns the predictor configuration.
func (p *Predictor) Config() PredictorConfig { return p.cfg }

// Deliver posts a payload released by the link to the predictor loop. It
// matches DeliverFunc and returns ErrPredictorClosed once Run has exited.
func (p *Predictor) Deliver(ctx context.Context, payload []byte) error {
	select {
	case <-p.done:
		return ErrPredictorClosed
	default:
	}
	select {
	case p.inbox <- payload:
		return nil
	case <-p.done:
		return ErrPredictorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick requests an output frame for time now. It never blocks: a tick that
// arrives while the previous one is still queued is counted as missed.
func (p *Predictor) Tick(now time.Time) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.ticks <- now:
	default:
		p.engine.count(func(s *PredictorStats) { s.MissedTicks++ })
	}
}

// State returns the current lifecycle state.
func (p *Predictor) State() PredictorState { return p.engine.currentState() }

// Stats returns a snapshot of the predictor counters.
func (p *Predictor) Stats() PredictorStats { return p.engine.snapshot() }

// ResetStats zeroes the predictor counters.
func (p *Predictor) ResetStats() { p.engine.resetStats() }

// History returns the ids of the most recent verified samples, oldest first.
func (p *Predictor) History() []uint64 { return p.engine.historyIDs() }

// Run is the predictor loop. It returns when ctx is cancelled; afterwards
// Deliver fails with ErrPredictorClosed and Tick is a no-op.
func (p *Predictor) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("predictor already running")
	}
	defer close(p.done)

	p.log.Info(ctx, "predictor started",
		logging.Duration("tick_interval", p.cfg.TickInterval),
		logging.Duration("freshness_threshold", p.cfg.FreshnessThreshold),
	)
	for {
		select {
		case <-ctx.Done():
			p.log.Info(context.Background(), "predictor stopped", logging.Int("undelivered", len(p.inbox)))
			return nil
		case payload := <-p.inbox:
			_ = p.engine.ingest(ctx, payload, p.clock.Now())
		case now := <-p.ticks:
			p.publish(ctx, p.engine.tick(ctx, now))
		}
	}
}

func (p *Predictor) publish(ctx context.Context, frames []*model.EmittedFrame) {
	for _, f := range frames {
		if err := p.sink.PublishFrame(ctx, f); err != nil {
			p.engine.count(func(s *PredictorStats) { s.SinkErrors++ })
			p.log.Warn(ctx, "frame sink rejected frame",
				logging.Uint64("frame_id", f.FrameID),
				logging.Error(err),
			)
		}
	}
}
