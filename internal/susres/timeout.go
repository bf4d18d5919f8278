package susres

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/embertide/emberos/internal/log"
	"github.com/embertide/emberos/internal/susres/hw"
)

// defaultTimeout matches the protocol's default system-wide deadline.
const defaultTimeout = 5000 * time.Millisecond

// pollInterval is the cooperative-yield granularity while waiting for the
// deadline. The real timer busy-polls against the hardware counter because
// the main ticktimer is paused during suspend; the simulation sleeps in
// small increments instead of spinning the CPU.
const pollInterval = 5 * time.Millisecond

// timeoutTimer is the single dedicated goroutine that delivers one
// SuspendTimeout to the coordinator per arm, using the hardware driver's
// own free-running counter rather than the (suspended) system clock.
type timeoutTimer struct {
	driver hw.Driver
	// duration is written by setDuration from the coordinator's mailbox
	// goroutine and read by wait on the timer's own goroutine; it's an
	// atomic rather than a plain field for that reason.
	duration atomic.Int64
	runCh    chan struct{}
	fireFn   func()
}

func newTimeoutTimer(driver hw.Driver, duration time.Duration, fireFn func()) *timeoutTimer {
	if duration <= 0 {
		duration = defaultTimeout
	}
	t := &timeoutTimer{
		driver: driver,
		runCh:  make(chan struct{}, 1),
		fireFn: fireFn,
	}
	t.duration.Store(int64(duration))
	return t
}

// setDuration updates the configured timeout. Per the protocol, an
// in-flight wait is unaffected; only the next arm picks up the new value.
func (t *timeoutTimer) setDuration(d time.Duration) {
	if d > 0 {
		t.duration.Store(int64(d))
	}
}

// run is the timer's receive loop: any message arms it, behaviour is
// one-shot per arm.
func (t *timeoutTimer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.runCh:
			t.wait(ctx)
		}
	}
}

// arm sends one wake message to the timer, mirroring the original's
// "send Run to timeout thread" step of SuspendRequest.
func (t *timeoutTimer) arm() {
	select {
	case t.runCh <- struct{}{}:
	default:
		// Already armed; the protocol treats arming as idempotent since
		// at most one suspend cycle is ever in flight.
	}
}

func (t *timeoutTimer) wait(ctx context.Context) {
	duration := time.Duration(t.duration.Load())
	start := t.driver.Now()
	deadline := start + uint64(duration.Nanoseconds())

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.driver.Now() >= deadline {
				log.Debug(log.CatTimeout, "timeout expired, sending SuspendTimeout", "duration", duration)
				t.fireFn()
				return
			}
		}
	}
}
