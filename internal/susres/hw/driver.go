// Package hw provides access to the suspend/resume control register block:
// arming the soft interrupt, writing the power-down register, and
// reading/reloading the free-running counter that survives suspend.
//
// The real register block exists only on target hardware. Driver here is a
// simulation suitable for running the coordinator in a test harness or as a
// standalone daemon: it models the same arm/interrupt/resume contract using
// an atomic flag and a channel, which is the idiomatic Go rendering of
// "interrupt context sets a flag, thread context polls it."
package hw

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/embertide/emberos/internal/cachemanager"
	"github.com/embertide/emberos/internal/log"
)

const (
	counterCacheKey        = "counter"
	cacheDefaultExpiration = 50 * time.Millisecond // short-lived: counter readings go stale fast
	cacheCleanupInterval   = time.Minute
)

// Driver is the hardware interface the coordinator drives. Implementations
// must guarantee ArmAndEnterSuspend does not return until the resume-side
// interrupt has fired and should_resume has been observed true.
type Driver interface {
	// ArmAndEnterSuspend pauses the ticktimer, snapshots its count
	// (advanced by one tick to guarantee strict monotonicity across the
	// gap), writes the power-down register, and blocks until the
	// resume-side interrupt sets should_resume.
	ArmAndEnterSuspend(ctx context.Context, forced bool) error

	// RestoreAfterResume reloads the ticktimer from the snapshotted
	// count and unpauses it.
	RestoreAfterResume() error

	// ForcePowerDown cuts power without expecting a resume. Does not
	// return on success.
	ForcePowerDown() error

	// EnterShipMode disconnects the battery path. Does not return on
	// success.
	EnterShipMode() error

	// Reboot invokes a hardware reset of the requested kind. Does not
	// return on success.
	Reboot(kind RebootKind) error

	// Now returns the current reading of the free-running counter. This
	// counter runs continuously in real time, suspend or not; it is the
	// time source the Timeout Timer uses because the main ticktimer is
	// paused during suspend.
	Now() uint64

	// TriggerResume simulates the resume-side interrupt firing. On real
	// hardware this happens when the boot loader flips the resume-state
	// bit and the soft interrupt re-fires; in the simulation it is
	// invoked either by a background "hardware" goroutine after a
	// configured latency, or directly by a test harness per the
	// single-subscriber clean-cycle scenario.
	TriggerResume()
}

// RebootKind mirrors susres.RebootKind without importing the parent
// package, keeping this package importable independently of the
// coordinator.
type RebootKind int

const (
	RebootCPU RebootKind = iota
	RebootSoC
	RebootVector
)

// Config configures the simulated driver.
type Config struct {
	// ResumeLatency is how long the simulated background "hardware"
	// goroutine waits before firing the resume interrupt on its own,
	// when no test harness calls TriggerResume directly. Zero disables
	// the automatic firing (a caller, typically a test, must call
	// TriggerResume itself).
	ResumeLatency time.Duration
}

// SimulatedDriver is a software model of the register block suitable for
// development and test. It is safe for concurrent use.
//
// The free-running counter is modeled as wall-clock elapsed time since the
// driver was created, plus a small integer offset bumped once per suspend
// to guarantee the snapshot-before-gap reading is always strictly less
// than any reading taken after resume, even at clock granularities where
// elapsed time alone might not have visibly advanced.
type SimulatedDriver struct {
	cfg Config

	start       time.Time
	tickOffset  atomic.Int64
	shouldResume atomic.Bool
	resumeCh    chan struct{}

	cache *cachemanager.InMemoryCacheManager[string, uint64]
}

var _ Driver = (*SimulatedDriver)(nil)

// NewSimulatedDriver creates a driver whose free-running counter starts at
// zero and advances with wall-clock time from this call onward.
func NewSimulatedDriver(cfg Config) *SimulatedDriver {
	return &SimulatedDriver{
		cfg:      cfg,
		start:    time.Now(),
		resumeCh: make(chan struct{}, 1),
		cache:    cachemanager.NewInMemoryCacheManager[string, uint64]("hw-counter", cacheDefaultExpiration, cacheCleanupInterval),
	}
}

// Now returns the current counter reading and caches it briefly, so that
// CachedNow can return it without a fresh read.
func (d *SimulatedDriver) Now() uint64 {
	v := uint64(time.Since(d.start).Nanoseconds()) + uint64(d.tickOffset.Load()) //nolint:gosec // G115: process-lifetime elapsed nanoseconds, never negative
	d.cache.Set(context.Background(), counterCacheKey, v, cacheDefaultExpiration)
	return v
}

// CachedNow returns the last counter reading observed by Now within the
// cache's short expiration window, or false if it has gone stale or
// nothing has been read yet.
func (d *SimulatedDriver) CachedNow() (uint64, bool) {
	return d.cache.Get(context.Background(), counterCacheKey)
}

// ArmAndEnterSuspend implements Driver.
func (d *SimulatedDriver) ArmAndEnterSuspend(ctx context.Context, forced bool) error {
	d.shouldResume.Store(false)

	// Advance the offset by one tick to guarantee strict monotonicity
	// across the suspend gap even if the resume happens "instantly".
	d.tickOffset.Add(1)
	snapshot := d.Now()

	log.Debug(log.CatHW, "arming suspend", "forced", forced, "snapshot", snapshot)

	// Drain any stale pending signal from a previous cycle before arming.
	select {
	case <-d.resumeCh:
	default:
	}

	if d.cfg.ResumeLatency > 0 {
		time.AfterFunc(d.cfg.ResumeLatency, d.TriggerResume)
	}

	select {
	case <-d.resumeCh:
		d.shouldResume.Store(true)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TriggerResume implements Driver.
func (d *SimulatedDriver) TriggerResume() {
	select {
	case d.resumeCh <- struct{}{}:
	default:
	}
}

// RestoreAfterResume implements Driver.
func (d *SimulatedDriver) RestoreAfterResume() error {
	v := d.Now()
	log.Debug(log.CatHW, "restored ticktimer after resume", "counter", v)
	return nil
}

// ForcePowerDown implements Driver. The original hardware path for this is
// an unimplemented todo in the reference source; the simulation returns an
// error rather than silently succeeding.
func (d *SimulatedDriver) ForcePowerDown() error {
	log.Warn(log.CatHW, "force power down requested")
	return fmt.Errorf("hw: force power down not supported by simulated driver")
}

// EnterShipMode implements Driver, with the same caveat as ForcePowerDown.
func (d *SimulatedDriver) EnterShipMode() error {
	log.Warn(log.CatHW, "ship mode requested")
	return fmt.Errorf("hw: ship mode not supported by simulated driver")
}

// Reboot implements Driver.
func (d *SimulatedDriver) Reboot(kind RebootKind) error {
	log.Info(log.CatReboot, "hardware reboot invoked", "kind", kind)
	return nil
}
