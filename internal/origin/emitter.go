package origin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/signalsfoundry/predictive-relay/internal/logging"
	"github.com/signalsfoundry/predictive-relay/model"
	"github.com/signalsfoundry/predictive-relay/provenance"
	"github.com/signalsfoundry/predictive-relay/timectrl"
	"github.com/signalsfoundry/predictive-relay/wire"
)

// Sender transmits one encoded sample.
type Sender interface {
	Send(payload []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func([]byte) error

// Send calls f(payload).
func (f SenderFunc) Send(payload []byte) error { return f(payload) }

// Emitter samples a Source at a fixed interval, signs each sample with the
// origin key and sends it. Frame ids start at 1 and increase by one per
// emitted sample.
type Emitter struct {
	source   Source
	signer   *provenance.Signer
	sender   Sender
	interval time.Duration
	clock    clock.Clock
	log      logging.Logger
	count    uint64

	mu     sync.Mutex
	lastID uint64
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithEmitterClock sets the clock driving the emit cadence.
func WithEmitterClock(c clock.Clock) EmitterOption {
	return func(e *Emitter) { e.clock = c }
}

// WithEmitterLogger sets the logger.
func WithEmitterLogger(l logging.Logger) EmitterOption {
	return func(e *Emitter) {
		if l != nil {
			e.log = l
		}
	}
}

// WithCount stops Run after n ticks. Zero runs until cancelled.
func WithCount(n uint64) EmitterOption {
	return func(e *Emitter) { e.count = n }
}

// NewEmitter builds an emitter sending one sample per interval.
func NewEmitter(source Source, signer *provenance.Signer, sender Sender, interval time.Duration, opts ...EmitterOption) (*Emitter, error) {
	if source == nil || signer == nil || sender == nil {
		return nil, errors.New("emitter requires a source, a signer and a sender")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("emit interval %v must be positive", interval)
	}
	e := &Emitter{
		source:   source,
		signer:   signer,
		sender:   sender,
		interval: interval,
		clock:    clock.New(),
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(logging.Component("origin"))
	return e, nil
}

// LastID returns the id of the most recently emitted sample.
func (e *Emitter) LastID() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastID
}

// Emit observes the source at now and sends the signed sample.
func (e *Emitter) Emit(ctx context.Context, now time.Time) (*model.StateSample, error) {
	state, err := e.source.StateAt(now)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	sample := &model.StateSample{
		FrameID:    e.lastID + 1,
		CapturedAt: now.UTC(),
		State:      state,
	}
	e.signer.SignSample(sample)
	data, err := wire.EncodeSample(sample)
	if err != nil {
		return nil, err
	}
	if err := e.sender.Send(data); err != nil {
		return nil, fmt.Errorf("send sample %d: %w", sample.FrameID, err)
	}
	e.lastID = sample.FrameID

	e.log.Debug(ctx, "sample emitted",
		logging.Uint64("frame_id", sample.FrameID),
		logging.Int("bytes", len(data)),
	)
	return sample, nil
}

// Run emits on every interval until ctx is cancelled, the configured count
// is reached, or sending fails. Samples the source cannot produce are
// skipped with a warning.
func (e *Emitter) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	tc := timectrl.NewTimeController(e.clock, e.interval, timectrl.RealTime)
	tc.AddListener(func(now time.Time) {
		if _, err := e.Emit(ctx, now); err != nil {
			if errors.Is(err, ErrSourceUnavailable) {
				e.log.Warn(ctx, "skipping sample", logging.Error(err))
				return
			}
			cancel(err)
		}
	})

	var duration time.Duration
	if e.count > 0 {
		duration = time.Duration(e.count) * e.interval
	}
	e.log.Info(ctx, "origin started",
		logging.Duration("interval", e.interval),
		logging.String("key_id", e.signer.KeyID()),
	)
	tc.Run(ctx, duration)

	err := context.Cause(ctx)
	e.log.Info(ctx, "origin stopped", logging.Uint64("last_frame_id", e.LastID()))
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
