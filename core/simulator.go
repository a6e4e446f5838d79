package core

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/signalsfoundry/predictive-relay/internal/logging"
)

// Envelope wraps one payload while it is held by the simulator. The payload
// is opaque here; the simulator never decodes it.
type Envelope struct {
	Seq     uint64
	Epoch   uint64
	Payload []byte

	IngestedAt         time.Time
	ScheduledReleaseAt time.Time
	ScheduledDelay     time.Duration
	Dropped            bool
}

// DeliverFunc hands a released payload downstream. An error means the
// consumer is gone; the envelope is counted as undeliverable.
type DeliverFunc func(ctx context.Context, payload []byte) error

// DelaySimulator emulates a long-latency lossy link. Ingest schedules
// payloads for deferred release; a single Run loop releases them in
// (release time, ingest sequence) order.
type DelaySimulator struct {
	clock   clock.Clock
	deliver DeliverFunc
	log     logging.Logger

	mu     sync.Mutex
	policy DelayPolicy
	epoch  uint64
	seq    uint64
	rng    *rand.Rand
	queue  releaseQueue
	closed bool

	wake      chan struct{}
	running   atomic.Bool
	stats     linkStats
	observers []LinkObserver
}

// SimulatorOption customises a DelaySimulator.
type SimulatorOption func(*DelaySimulator)

// WithSimulatorClock injects the clock used for scheduling.
func WithSimulatorClock(c clock.Clock) SimulatorOption {
	return func(s *DelaySimulator) { s.clock = c }
}

// WithSeed seeds the jitter and loss source deterministically.
func WithSeed(seed uint64) SimulatorOption {
	return func(s *DelaySimulator) { s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// WithRand supplies the jitter and loss source. The simulator takes
// ownership; r must not be used elsewhere.
func WithRand(r *rand.Rand) SimulatorOption {
	return func(s *DelaySimulator) { s.rng = r }
}

// WithLinkObserver registers an observer for per-envelope events.
func WithLinkObserver(o LinkObserver) SimulatorOption {
	return func(s *DelaySimulator) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// WithSimulatorLogger sets the logger.
func WithSimulatorLogger(l logging.Logger) SimulatorOption {
	return func(s *DelaySimulator) {
		if l != nil {
			s.log = l
		}
	}
}

// NewDelaySimulator builds a simulator applying policy and releasing into
// deliver. Without WithSeed or WithRand the random source is seeded from the
// runtime's entropy.
func NewDelaySimulator(policy DelayPolicy, deliver DeliverFunc, opts ...SimulatorOption) (*DelaySimulator, error) {
	if deliver == nil {
		return nil, fmt.Errorf("%w: delay simulator requires a deliver func", ErrConfigurationInvalid)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	s := &DelaySimulator{
		clock:   clock.New(),
		deliver: deliver,
		log:     logging.Noop(),
		policy:  policy,
		epoch:   1,
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	s.log = s.log.With(logging.Component("delay_simulator"))
	s.stats.since = s.clock.Now()
	return s, nil
}

// Policy returns the active delay policy.
func (s *DelaySimulator) Policy() DelayPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// Epoch returns the configuration epoch; it increases on every successful
// Configure.
func (s *DelaySimulator) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Configure atomically replaces the delay policy. Envelopes already in
// flight keep their release times. An invalid policy is rejected with
// ErrConfigurationInvalid and the previous policy stays active.
func (s *DelaySimulator) Configure(p DelayPolicy) (DelayPolicy, error) {
	if err := p.Validate(); err != nil {
		return s.Policy(), err
	}
	if p.Jitter.Mode == "" {
		p.Jitter.Mode = JitterNone
	}
	s.mu.Lock()
	s.policy = p
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()

	s.log.Info(context.Background(), "delay policy updated",
		logging.Uint64("epoch", epoch),
		logging.Duration("base_delay", p.BaseDelay),
		logging.String("jitter_mode", string(p.Jitter.Mode)),
		logging.Duration("jitter_amplitude", p.Jitter.Amplitude),
		logging.Float64("loss_probability", p.LossProbability),
	)
	return p, nil
}

// Ingest admits payload to the link. It never blocks on delivery: the
// envelope is either dropped by the loss draw or queued for release at
// now + max(delay, 0). The returned Envelope describes the decision.
func (s *DelaySimulator) Ingest(payload []byte) (Envelope, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Envelope{}, ErrSimulatorClosed
	}
	now := s.clock.Now()
	s.seq++
	delay := s.policy.drawDelay(s.rng)
	env := &Envelope{
		Seq:                s.seq,
		Epoch:              s.epoch,
		Payload:            payload,
		IngestedAt:         now,
		ScheduledDelay:     delay,
		ScheduledReleaseAt: now.Add(delay),
		Dropped:            s.policy.drawLoss(s.rng),
	}
	if !env.Dropped {
		s.queue.push(env)
	}
	s.mu.Unlock()

	s.stats.observeIngest()
	if env.Dropped {
		s.emit(LinkEvent{Seq: env.Seq, Epoch: env.Epoch, Bytes: len(payload), ScheduledDelay: delay, Outcome: LinkDropped})
		return *env, nil
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return *env, nil
}

// Pending returns the number of envelopes awaiting release.
func (s *DelaySimulator) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Stats returns a snapshot of the link counters.
func (s *DelaySimulator) Stats() LinkStats {
	return s.stats.snapshot(s.clock.Now())
}

// ResetStats zeroes the link counters and restarts the uptime.
func (s *DelaySimulator) ResetStats() {
	s.stats.reset(s.clock.Now())
}

// Run releases envelopes until ctx is cancelled. On return every remaining
// envelope has been discarded and reported, and later Ingest calls fail with
// ErrSimulatorClosed. Run may only be called once.
func (s *DelaySimulator) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("delay simulator already running")
	}
	defer s.shutdown()

	s.log.Info(ctx, "delay simulator started", logging.String("policy", s.Policy().String()))
	for {
		s.releaseDue(ctx)

		s.mu.Lock()
		next, ok := s.queue.next()
		s.mu.Unlock()

		var timerC <-chan time.Time
		var timer *clock.Timer
		if ok {
			timer = s.clock.Timer(max(next.Sub(s.clock.Now()), 0))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case <-s.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// releaseDue delivers every envelope whose release time has passed.
// Delivery happens outside the lock so Ingest is never blocked by the consumer.
func (s *DelaySimulator) releaseDue(ctx context.Context) int {
	s.mu.Lock()
	now := s.clock.Now()
	due := s.queue.popDue(now)
	s.mu.Unlock()

	for _, env := range due {
		ev := LinkEvent{
			Seq:            env.Seq,
			Epoch:          env.Epoch,
			Bytes:          len(env.Payload),
			ScheduledDelay: env.ScheduledDelay,
			ActualDelay:    s.clock.Now().Sub(env.IngestedAt),
			Outcome:        LinkDelivered,
		}
		if err := s.deliver(ctx, env.Payload); err != nil {
			ev.Outcome = LinkUndeliverable
			s.log.Warn(ctx, "downstream rejected envelope",
				logging.Uint64("seq", env.Seq),
				logging.Error(err),
			)
		}
		s.emit(ev)
	}
	return len(due)
}

func (s *DelaySimulator) shutdown() {
	s.mu.Lock()
	s.closed = true
	left := s.queue.drain()
	s.mu.Unlock()

	for _, env := range left {
		s.emit(LinkEvent{
			Seq:            env.Seq,
			Epoch:          env.Epoch,
			Bytes:          len(env.Payload),
			ScheduledDelay: env.ScheduledDelay,
			Outcome:        LinkDiscarded,
		})
	}
	s.log.Info(context.Background(), "delay simulator stopped", logging.Int("discarded", len(left)))
}

func (s *DelaySimulator) emit(ev LinkEvent) {
	s.stats.ObserveLink(ev)
	for _, o := range s.observers {
		o.ObserveLink(ev)
	}
}
