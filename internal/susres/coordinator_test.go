package susres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embertide/emberos/internal/susres"
	"github.com/embertide/emberos/internal/susres/hw"
)

func newTestCoordinator(t *testing.T, cfg susres.Config) (susres.Coordinator, *hw.SimulatedDriver) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	driver := hw.NewSimulatedDriver(hw.Config{})
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	coord := susres.NewCoordinator(ctx, driver, cfg, nil)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = coord.Shutdown(shutdownCtx)
	})
	return coord, driver
}

// S1 - single-subscriber clean cycle.
func TestScenario_SingleSubscriberCleanCycle(t *testing.T) {
	ctx := context.Background()
	coord, driver := newTestCoordinator(t, susres.Config{AllowSuspendDefault: true})

	events := make(chan susres.SuspendEvent, 1)
	token, err := coord.Register(ctx, susres.StageLast, "sub", 1, 2, events)
	require.NoError(t, err)

	reqDone := make(chan bool, 1)
	go func() {
		clean, err := coord.RequestSuspend(ctx)
		require.NoError(t, err)
		reqDone <- clean
	}()

	select {
	case evt := <-events:
		assert.Equal(t, token, evt.Token)
		require.NoError(t, coord.Ready(ctx, evt.Token))
	case <-time.After(time.Second):
		t.Fatal("subscriber never received its suspend event")
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		driver.TriggerResume()
	}()

	select {
	case clean := <-reqDone:
		assert.True(t, clean, "a fully-acknowledged cycle must report clean")
	case <-time.After(2 * time.Second):
		t.Fatal("RequestSuspend never returned")
	}

	wasClean, err := coord.WasSuspendClean(ctx, token)
	require.NoError(t, err)
	assert.True(t, wasClean)
}

// S2 - multi-stage ordering: B's event must not arrive before A acks, and
// C's event must not arrive before B acks.
func TestScenario_MultiStageOrdering(t *testing.T) {
	ctx := context.Background()
	coord, driver := newTestCoordinator(t, susres.Config{AllowSuspendDefault: true})

	aEvents := make(chan susres.SuspendEvent, 1)
	bEvents := make(chan susres.SuspendEvent, 1)
	cEvents := make(chan susres.SuspendEvent, 1)

	_, err := coord.Register(ctx, susres.StageEarly, "a", 0, 0, aEvents)
	require.NoError(t, err)
	_, err = coord.Register(ctx, susres.StageNormal, "b", 0, 0, bEvents)
	require.NoError(t, err)
	_, err = coord.Register(ctx, susres.StageLast, "c", 0, 0, cEvents)
	require.NoError(t, err)

	reqDone := make(chan bool, 1)
	go func() {
		clean, err := coord.RequestSuspend(ctx)
		require.NoError(t, err)
		reqDone <- clean
	}()

	// B and C must not fire before A acks.
	select {
	case <-bEvents:
		t.Fatal("B notified before A acknowledged")
	case <-cEvents:
		t.Fatal("C notified before A acknowledged")
	case evtA := <-aEvents:
		require.NoError(t, coord.Ready(ctx, evtA.Token))
	case <-time.After(time.Second):
		t.Fatal("A never received its event")
	}

	select {
	case <-cEvents:
		t.Fatal("C notified before B acknowledged")
	case evtB := <-bEvents:
		require.NoError(t, coord.Ready(ctx, evtB.Token))
	case <-time.After(time.Second):
		t.Fatal("B never received its event")
	}

	select {
	case evtC := <-cEvents:
		require.NoError(t, coord.Ready(ctx, evtC.Token))
	case <-time.After(time.Second):
		t.Fatal("C never received its event")
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		driver.TriggerResume()
	}()

	select {
	case clean := <-reqDone:
		assert.True(t, clean)
	case <-time.After(2 * time.Second):
		t.Fatal("RequestSuspend never returned")
	}
}

// S3 - single straggler forces the timeout path; the straggler ends up
// unclean while a responsive Late-stage subscriber still gets notified and
// ends up clean.
func TestScenario_SingleStragglerForcesTimeout(t *testing.T) {
	ctx := context.Background()
	coord, driver := newTestCoordinator(t, susres.Config{
		AllowSuspendDefault: true,
		Timeout:             80 * time.Millisecond,
	})

	aEvents := make(chan susres.SuspendEvent, 1) // never acks
	bEvents := make(chan susres.SuspendEvent, 1)

	aToken, err := coord.Register(ctx, susres.StageEarly, "a", 0, 0, aEvents)
	require.NoError(t, err)
	bToken, err := coord.Register(ctx, susres.StageLate, "b", 0, 0, bEvents)
	require.NoError(t, err)

	reqDone := make(chan bool, 1)
	go func() {
		clean, err := coord.RequestSuspend(ctx)
		require.NoError(t, err)
		reqDone <- clean
	}()

	// A receives its event but never acks.
	select {
	case <-aEvents:
	case <-time.After(time.Second):
		t.Fatal("A never received its event")
	}

	// B will ack as soon as it's notified, which in the forced path only
	// happens once the timeout fires and the coordinator suspends anyway.
	go func() {
		select {
		case evt := <-bEvents:
			_ = coord.Ready(ctx, evt.Token)
		case <-time.After(2 * time.Second):
		}
	}()

	go func() {
		time.Sleep(150 * time.Millisecond)
		driver.TriggerResume()
	}()

	select {
	case clean := <-reqDone:
		assert.False(t, clean, "a straggler must force the resume to be reported unclean")
	case <-time.After(3 * time.Second):
		t.Fatal("RequestSuspend never returned")
	}

	aClean, err := coord.WasSuspendClean(ctx, aToken)
	require.NoError(t, err)
	assert.False(t, aClean)

	bClean, err := coord.WasSuspendClean(ctx, bToken)
	require.NoError(t, err)
	assert.True(t, bClean, "B received and acked its event once the forced suspend fired")
}

// S4 - a second SuspendRequest issued while a prior cycle's timeout has
// not yet drained is denied immediately, with no new events broadcast.
func TestScenario_DeniedWhileTimeoutPending(t *testing.T) {
	ctx := context.Background()
	coord, driver := newTestCoordinator(t, susres.Config{
		AllowSuspendDefault: true,
		Timeout:             60 * time.Millisecond,
	})

	events := make(chan susres.SuspendEvent, 4)
	_, err := coord.Register(ctx, susres.StageEarly, "straggler", 0, 0, events)
	require.NoError(t, err)

	reqDone := make(chan bool, 1)
	go func() {
		clean, err := coord.RequestSuspend(ctx)
		require.NoError(t, err)
		reqDone <- clean
	}()

	<-events // straggler notified, never acks

	go func() {
		time.Sleep(120 * time.Millisecond)
		driver.TriggerResume()
	}()

	// Fire a second request immediately; timeout_pending is still true
	// until the first cycle's finalizeSuspend clears it.
	clean, err := coord.RequestSuspend(ctx)
	require.NoError(t, err)
	assert.False(t, clean, "a request during a pending timeout must be denied")

	select {
	case <-events:
		t.Fatal("denied request must not trigger any new broadcast")
	default:
	}

	<-reqDone
}

// S5 - a process calling SuspendingNow blocks until resume completes, and
// its return happens no later than RequestSuspend's own return.
func TestScenario_GateBlocksUntilResume(t *testing.T) {
	ctx := context.Background()
	coord, driver := newTestCoordinator(t, susres.Config{AllowSuspendDefault: true})

	events := make(chan susres.SuspendEvent, 1)
	_, err := coord.Register(ctx, susres.StageLast, "sub", 0, 0, events)
	require.NoError(t, err)

	reqDone := make(chan bool, 1)
	go func() {
		clean, err := coord.RequestSuspend(ctx)
		require.NoError(t, err)
		reqDone <- clean
	}()

	gateReturned := make(chan struct{})
	go func() {
		err := coord.SuspendingNow(ctx)
		assert.NoError(t, err)
		close(gateReturned)
	}()

	select {
	case evt := <-events:
		require.NoError(t, coord.Ready(ctx, evt.Token))
	case <-time.After(time.Second):
		t.Fatal("subscriber never received its event")
	}

	select {
	case <-gateReturned:
		t.Fatal("SuspendingNow returned before resume")
	case <-time.After(50 * time.Millisecond):
	}

	driver.TriggerResume()

	select {
	case <-gateReturned:
	case <-time.After(time.Second):
		t.Fatal("SuspendingNow never returned after resume")
	}

	<-reqDone
}

// S6 - reboot two-step: a non-confirming message clears the latch, and
// confirming invokes the reboot path exactly once.
func TestScenario_RebootTwoStep(t *testing.T) {
	ctx := context.Background()
	coord, _ := newTestCoordinator(t, susres.Config{AllowSuspendDefault: true})

	events := coord.Subscribe(ctx)

	require.NoError(t, coord.RequestReboot(ctx))
	// Any other opcode clears the latch.
	require.NoError(t, coord.Allow(ctx))

	select {
	case evt := <-events:
		if evt.Type == susres.EventRebootArmed {
			evt = <-events // skip the arm notification, look at the next one
		}
		assert.Equal(t, susres.EventRebootAborted, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("EventRebootAborted was never published after the latch cleared")
	}

	// A confirm now should have no effect since the latch was cleared.
	require.NoError(t, coord.ConfirmReboot(ctx, susres.RebootCPU))

	require.NoError(t, coord.RequestReboot(ctx))
	require.NoError(t, coord.ConfirmReboot(ctx, susres.RebootCPU))
}

// UpdateTimeout takes effect on the next arm: a coordinator started with a
// long timeout but live-updated to a short one before RequestSuspend forces
// a straggler out within the short deadline, not the original long one.
func TestUpdateTimeout_AppliesToNextArm(t *testing.T) {
	ctx := context.Background()
	coord, driver := newTestCoordinator(t, susres.Config{
		AllowSuspendDefault: true,
		Timeout:             10 * time.Second,
	})

	require.NoError(t, coord.UpdateTimeout(ctx, 60*time.Millisecond))

	events := make(chan susres.SuspendEvent, 1) // never acks
	_, err := coord.Register(ctx, susres.StageEarly, "straggler", 0, 0, events)
	require.NoError(t, err)

	reqDone := make(chan bool, 1)
	go func() {
		clean, err := coord.RequestSuspend(ctx)
		require.NoError(t, err)
		reqDone <- clean
	}()

	go func() {
		time.Sleep(200 * time.Millisecond)
		driver.TriggerResume()
	}()

	select {
	case clean := <-reqDone:
		assert.False(t, clean, "the shortened timeout should force the cycle well before 10s")
	case <-time.After(2 * time.Second):
		t.Fatal("RequestSuspend never returned; live timeout update was not applied")
	}
}

func TestConfirmRebootVector_TakesEffectAsImmediateNextCall(t *testing.T) {
	ctx := context.Background()
	coord, _ := newTestCoordinator(t, susres.Config{AllowSuspendDefault: true})

	require.NoError(t, coord.RequestReboot(ctx))
	require.NoError(t, coord.ConfirmRebootVector(ctx, 0x4000_0000))
}

func TestDeny_RejectsSuspendRequestImmediately(t *testing.T) {
	ctx := context.Background()
	coord, _ := newTestCoordinator(t, susres.Config{AllowSuspendDefault: true})

	require.NoError(t, coord.Deny(ctx))

	clean, err := coord.RequestSuspend(ctx)
	require.NoError(t, err)
	assert.False(t, clean)
}

func TestLastCycleWasForced_ReflectsMostRecentCycle(t *testing.T) {
	ctx := context.Background()
	coord, driver := newTestCoordinator(t, susres.Config{
		AllowSuspendDefault: true,
		Timeout:             60 * time.Millisecond,
	})

	_, valid, err := coord.LastCycleWasForced(ctx)
	require.NoError(t, err)
	assert.False(t, valid, "no cycle has completed yet")

	events := make(chan susres.SuspendEvent, 1) // never acks, forces timeout
	_, err = coord.Register(ctx, susres.StageEarly, "straggler", 0, 0, events)
	require.NoError(t, err)

	reqDone := make(chan bool, 1)
	go func() {
		clean, err := coord.RequestSuspend(ctx)
		require.NoError(t, err)
		reqDone <- clean
	}()

	<-events
	go func() {
		time.Sleep(120 * time.Millisecond)
		driver.TriggerResume()
	}()
	<-reqDone

	forced, valid, err := coord.LastCycleWasForced(ctx)
	require.NoError(t, err)
	require.True(t, valid)
	assert.True(t, forced)
}

func TestListSubscribers_ReportsRegisteredTokensAndStages(t *testing.T) {
	ctx := context.Background()
	coord, _ := newTestCoordinator(t, susres.Config{AllowSuspendDefault: true})

	tok, err := coord.Register(ctx, susres.StageNormal, "watcher", 0, 0, make(chan susres.SuspendEvent, 1))
	require.NoError(t, err)

	subs, err := coord.ListSubscribers(ctx)
	require.NoError(t, err)

	var found bool
	for _, s := range subs {
		if s.Token == tok {
			found = true
			assert.Equal(t, susres.StageNormal, s.Stage)
			assert.Equal(t, "watcher", s.Label)
		}
	}
	assert.True(t, found, "registered subscriber must appear in ListSubscribers")
}
