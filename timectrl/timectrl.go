// Package timectrl drives the relay's fixed-cadence output tick.
package timectrl

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Mode describes how the TimeController advances time.
type Mode int

const (
	// RealTime ticks on the wall clock (or the injected clock) every Tick.
	RealTime Mode = iota
	// Accelerated steps by Tick as fast as the loop can run. Used to replay
	// a scenario without waiting.
	Accelerated
)

// TimeController emits ticks at a fixed cadence and notifies registered
// listeners with the tick time. Listeners run on the controller goroutine
// and must not block; the predictor's Tick only posts to its loop.
type TimeController struct {
	mu    sync.RWMutex
	clock clock.Clock
	Tick  time.Duration
	Mode  Mode

	// currentTime is the time passed to listeners on the latest tick.
	currentTime time.Time
	ticks       uint64

	listeners []func(time.Time)
}

// NewTimeController constructs a controller. A nil clock means the wall clock.
func NewTimeController(clk clock.Clock, tick time.Duration, mode Mode) *TimeController {
	if clk == nil {
		clk = clock.New()
	}
	return &TimeController{
		clock:       clk,
		Tick:        tick,
		Mode:        mode,
		currentTime: clk.Now(),
	}
}

// Now returns the time of the latest tick.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// Ticks returns how many ticks have been emitted.
func (tc *TimeController) Ticks() uint64 {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.ticks
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	tc.listeners = append(tc.listeners, fn)
	tc.mu.Unlock()
}

// Step emits a single tick. In RealTime mode the tick carries the clock's
// current time; in Accelerated mode it is the previous tick plus Tick.
func (tc *TimeController) Step() time.Time {
	tc.mu.Lock()
	if tc.Mode == Accelerated {
		tc.currentTime = tc.currentTime.Add(tc.Tick)
	} else {
		tc.currentTime = tc.clock.Now()
	}
	now := tc.currentTime
	tc.ticks++
	listeners := append(([]func(time.Time))(nil), tc.listeners...)
	tc.mu.Unlock()

	for _, fn := range listeners {
		fn(now)
	}
	return now
}

// Run ticks until ctx is cancelled or, when duration > 0, until duration of
// tick time has elapsed.
func (tc *TimeController) Run(ctx context.Context, duration time.Duration) {
	elapsed := time.Duration(0)
	done := func() bool {
		return duration > 0 && elapsed >= duration
	}

	if tc.Mode == Accelerated {
		for !done() {
			if ctx.Err() != nil {
				return
			}
			tc.Step()
			elapsed += tc.Tick
		}
		return
	}

	ticker := tc.clock.Ticker(tc.Tick)
	defer ticker.Stop()
	for !done() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tc.Step()
			elapsed += tc.Tick
		}
	}
}

// Start runs the controller in a separate goroutine. It returns a channel
// that is closed when the controller finishes.
func (tc *TimeController) Start(ctx context.Context, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		tc.Run(ctx, duration)
	}()
	return done
}
