package susres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/embertide/emberos/internal/log"
	"github.com/embertide/emberos/internal/susres/hw"
)

// HistoryRecorder receives one CycleRecord per completed suspend cycle. A
// nil recorder is valid; the coordinator simply skips the audit write.
type HistoryRecorder interface {
	RecordCycle(rec CycleRecord)
}

// CycleRecord summarizes one suspend/resume cycle for the audit log.
type CycleRecord struct {
	Cycle        uint64
	Forced       bool
	Clean        bool
	StartedAt    time.Time
	FinishedAt   time.Time
	FailedTokens []Token
}

// Config configures a coordinator instance.
type Config struct {
	// Timeout is the system-wide deadline from SuspendRequest to every
	// stage acknowledged. Zero picks the protocol default (5000ms).
	Timeout time.Duration
	// AllowSuspendDefault is the initial value of the allow_suspend veto
	// latch.
	AllowSuspendDefault bool
	// History, if non-nil, receives a CycleRecord after every cycle.
	History HistoryRecorder
	// EventBusBuffer sizes each subscriber's operational event channel.
	// Zero picks the broker's default (64).
	EventBusBuffer int
}

// sentinelLabel names the coordinator's own Last-stage registration, which
// guarantees the stage-advancement loop always terminates at a non-empty
// stage (see spec §4.5's stage advancement rule).
const sentinelLabel = "coordinator-sentinel"

// mailbox message types. Every externally reachable operation is one of
// these, built by facade.go and delivered over a single channel so that
// CoordinatorState is mutated exclusively from run's goroutine — no locks
// are needed on any of the fields below.
type subscribeMsg struct {
	req   RegisterRequest
	reply chan Token
}

type suspendRequestMsg struct {
	reply chan bool
}

type suspendReadyMsg struct {
	token Token
}

type suspendingNowMsg struct {
	reply chan struct{}
}

type suspendTimeoutMsg struct{}

type wasSuspendCleanResult struct {
	clean bool
	err   error
}

type wasSuspendCleanMsg struct {
	token Token
	reply chan wasSuspendCleanResult
}

type suspendAllowMsg struct {
	allow bool
}

type powerOffMsg struct {
	shipMode bool
	reply    chan error
}

type rebootRequestMsg struct{}

type rebootConfirmMsg struct {
	kind   hw.RebootKind
	vector uint32
}

type listSubscribersMsg struct {
	reply chan []SubscriberInfo
}

type updateTimeoutMsg struct {
	timeout time.Duration
}

type lastCycleResult struct {
	forced bool
	valid  bool
}

type lastCycleMsg struct {
	reply chan lastCycleResult
}

// coordinator is the S/R server state machine: the single goroutine that
// owns every piece of CoordinatorState and the subscriber registry.
type coordinator struct {
	cfg    Config
	driver hw.Driver
	timer  *timeoutTimer
	gate   *executionGate
	reg    *Registry
	events *EventBus

	mailbox chan any

	// CoordinatorState, touched only from run's goroutine.
	requesterPending chan bool
	currentStage     Stage
	allowSuspend     bool
	timeoutPending   bool
	rebootRequested  bool
	cycle            uint64
	cycleStarted     time.Time
	lastCycleForced  bool
	lastCycleValid   bool

	shutdownOnce sync.Once
	cancel       context.CancelFunc
	done         chan struct{}
}

// newCoordinator builds a coordinator wired to the given driver and event
// bus. It registers its own sentinel subscriber at StageLast so the stage
// loop always has a non-empty terminal stage, per the protocol's "at least
// one Last subscriber guaranteed by convention" rule.
func newCoordinator(driver hw.Driver, bus *EventBus, cfg Config) *coordinator {
	c := &coordinator{
		cfg:          cfg,
		driver:       driver,
		gate:         newExecutionGate(),
		reg:          NewRegistry(),
		events:       bus,
		mailbox:      make(chan any, 64),
		allowSuspend: cfg.AllowSuspendDefault,
		done:         make(chan struct{}),
	}
	c.timer = newTimeoutTimer(driver, cfg.Timeout, c.fireTimeout)
	c.reg.Register(RegisterRequest{Stage: StageLast, Label: sentinelLabel})
	return c
}

// fireTimeout is called from the timer's own goroutine; it must not touch
// CoordinatorState directly, so it only enqueues a mailbox message.
func (c *coordinator) fireTimeout() {
	select {
	case c.mailbox <- suspendTimeoutMsg{}:
	case <-c.done:
	}
}

// start launches the coordinator's mailbox loop and its timer goroutine.
// Both are protected by log.SafeGo so a panic in either is recorded rather
// than taking the process down silently.
func (c *coordinator) start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	log.SafeGo("susres-timer", func() { c.timer.run(runCtx) })
	log.SafeGo("susres-coordinator", func() { c.run(runCtx) })
}

func (c *coordinator) shutdown() {
	c.shutdownOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
	})
}

func (c *coordinator) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.events.Close()
			return
		case msg := <-c.mailbox:
			c.dispatch(msg)
		}
	}
}

func (c *coordinator) dispatch(msg any) {
	if c.rebootRequested {
		if confirm, ok := msg.(rebootConfirmMsg); ok {
			c.handleRebootConfirm(confirm)
			return
		}
		log.Warn(log.CatReboot, "reboot latch cleared by non-confirming message")
		c.events.Publish(Event{Type: EventRebootAborted})
		c.rebootRequested = false
	}

	switch m := msg.(type) {
	case subscribeMsg:
		c.handleSubscribe(m)
	case suspendRequestMsg:
		c.handleSuspendRequest(m)
	case suspendReadyMsg:
		c.handleSuspendReady(m)
	case suspendingNowMsg:
		c.handleSuspendingNow(m)
	case suspendTimeoutMsg:
		c.handleSuspendTimeout()
	case wasSuspendCleanMsg:
		c.handleWasSuspendClean(m)
	case suspendAllowMsg:
		c.allowSuspend = m.allow
		log.Info(log.CatCoordinator, "allow_suspend updated", "allow", m.allow)
	case powerOffMsg:
		c.handlePowerOff(m)
	case rebootRequestMsg:
		c.rebootRequested = true
		log.Info(log.CatReboot, "reboot armed, awaiting confirm")
		c.events.Publish(Event{Type: EventRebootArmed})
	case rebootConfirmMsg:
		log.Warn(log.CatReboot, "reboot confirm with no pending request, ignored")
	case listSubscribersMsg:
		m.reply <- c.reg.List()
	case updateTimeoutMsg:
		c.timer.setDuration(m.timeout)
		log.Info(log.CatConfig, "suspend timeout updated", "timeout", m.timeout)
	case lastCycleMsg:
		m.reply <- lastCycleResult{forced: c.lastCycleForced, valid: c.lastCycleValid}
	default:
		panic(fmt.Sprintf("susres: unknown mailbox message %T", msg))
	}
}

func (c *coordinator) handleSubscribe(m subscribeMsg) {
	token := c.reg.Register(m.req)
	log.Info(log.CatRegistry, "subscriber registered", "token", token, "stage", m.req.Stage, "label", m.req.Label)
	m.reply <- token
}

func (c *coordinator) handleSuspendRequest(m suspendRequestMsg) {
	if !c.allowSuspend || c.timeoutPending {
		m.reply <- false
		c.events.Publish(Event{Type: EventSuspendDenied})
		return
	}

	c.cycle++
	c.cycleStarted = time.Now()
	c.requesterPending = m.reply
	c.reg.ClearCycleFlags()
	c.timeoutPending = true
	c.timer.arm()

	c.events.Publish(Event{Type: EventCycleStarted, Cycle: c.cycle})
	c.enterStage(StageEarly)
}

// enterStage broadcasts SuspendEvent to every subscriber at stage, then
// checks whether the stage is already complete (true for stages whose only
// member is the nil-channel sentinel, or any stage every subscriber has
// already acked through an earlier race).
func (c *coordinator) enterStage(stage Stage) {
	c.currentStage = stage
	c.broadcastStage(stage)
	if c.reg.StageAllReady(stage) {
		c.onStageComplete()
	}
}

func (c *coordinator) broadcastStage(stage Stage) {
	for _, e := range c.reg.StageSubscribers(stage) {
		if e.events == nil {
			// The coordinator's own sentinel: nothing to notify, ack
			// immediately.
			c.reg.SetReady(e.token)
			continue
		}
		evt := SuspendEvent{Token: e.token, RelayCID: e.relayCID, RelayOpcode: e.relayOpcode, Forced: false}
		select {
		case e.events <- evt:
		default:
			log.Warn(log.CatCoordinator, "subscriber callback channel full, event dropped", "token", e.token)
		}
	}
}

func (c *coordinator) handleSuspendReady(m suspendReadyMsg) {
	if c.requesterPending == nil {
		log.Warn(log.CatCoordinator, "SuspendReady with no cycle in flight, dropped", "token", m.token)
		return
	}

	alreadyReady := c.reg.SetReady(m.token)
	if alreadyReady {
		log.Warn(log.CatCoordinator, "duplicate SuspendReady ignored", "token", m.token)
		return
	}

	c.events.Publish(Event{Type: EventSubscriberReady, Cycle: c.cycle, Stage: c.currentStage, Token: m.token})

	if c.reg.StageAllReady(c.currentStage) {
		c.onStageComplete()
	}
}

// onStageComplete is called once every subscriber in currentStage has
// acknowledged. It either advances to the next non-empty stage or, at
// StageLast, finalizes the suspend.
func (c *coordinator) onStageComplete() {
	if c.currentStage == StageLast {
		c.finalizeSuspend(false, nil)
		return
	}

	next, ok := c.currentStage.next()
	for ok && !c.reg.StageHasSubscribers(next) {
		next, ok = next.next()
	}
	if !ok {
		// Unreachable: the sentinel guarantees StageLast is always
		// non-empty, so the scan above always stops at or before it.
		panic("susres: stage advancement ran past StageLast without completing")
	}

	c.events.Publish(Event{Type: EventStageAdvanced, Cycle: c.cycle, Stage: next})
	c.enterStage(next)
}

func (c *coordinator) handleSuspendTimeout() {
	if !c.timeoutPending {
		log.Debug(log.CatTimeout, "late SuspendTimeout after clean resume, ignored")
		return
	}

	failed := c.reg.MarkUnreadyAsFailed()
	for _, token := range failed {
		log.Warn(log.CatTimeout, "subscriber failed to acknowledge before timeout", "token", token)
	}
	c.events.Publish(Event{Type: EventTimeoutFired, Cycle: c.cycle, Reason: fmt.Sprintf("%d subscribers unacknowledged", len(failed))})

	c.finalizeSuspend(true, failed)
}

// finalizeSuspend runs the hardware suspend/resume sequence exactly once
// per cycle, drains the execution gate, and replies to the requester. The
// protocol's "disable preemption" step has no Go equivalent here: the
// mailbox loop is already the only goroutine touching this state, so the
// critical section it describes is free.
func (c *coordinator) finalizeSuspend(forced bool, failedTokens []Token) {
	c.events.Publish(Event{Type: EventSuspended, Cycle: c.cycle, Forced: forced})

	ctx := context.Background()
	if err := c.driver.ArmAndEnterSuspend(ctx, forced); err != nil {
		log.ErrorErr(log.CatHW, "hardware suspend aborted", err)
		return
	}
	if err := c.driver.RestoreAfterResume(); err != nil {
		log.ErrorErr(log.CatHW, "ticktimer restore failed", err)
	}

	c.gate.releaseAll()
	c.events.Publish(Event{Type: EventResumed, Cycle: c.cycle, Forced: forced})

	clean := !forced
	c.lastCycleForced = forced
	c.lastCycleValid = true
	if c.requesterPending != nil {
		c.requesterPending <- clean
	}

	if c.cfg.History != nil {
		c.cfg.History.RecordCycle(CycleRecord{
			Cycle:        c.cycle,
			Forced:       forced,
			Clean:        clean,
			StartedAt:    c.cycleStarted,
			FinishedAt:   time.Now(),
			FailedTokens: failedTokens,
		})
	}

	c.requesterPending = nil
	c.timeoutPending = false
	c.currentStage = StageEarly
	c.events.Publish(Event{Type: EventCycleCompleted, Cycle: c.cycle, Forced: forced})
}

func (c *coordinator) handleSuspendingNow(m suspendingNowMsg) {
	if c.requesterPending == nil {
		// No cycle in flight: a benign late arrival from a previous
		// cycle's subscriber, or one that raced ahead of this cycle's
		// broadcast. Release immediately rather than gating.
		log.Debug(log.CatGate, "SuspendingNow with no suspend in progress, released immediately")
		m.reply <- struct{}{}
		return
	}
	c.gate.park(m.reply)
}

func (c *coordinator) handleWasSuspendClean(m wasSuspendCleanMsg) {
	clean, err := c.reg.WasClean(m.token)
	m.reply <- wasSuspendCleanResult{clean: clean, err: err}
}

func (c *coordinator) handlePowerOff(m powerOffMsg) {
	var err error
	if m.shipMode {
		err = c.driver.EnterShipMode()
	} else {
		err = c.driver.ForcePowerDown()
	}
	if m.reply != nil {
		m.reply <- err
	}
}

func (c *coordinator) handleRebootConfirm(m rebootConfirmMsg) {
	c.rebootRequested = false
	if m.kind == hw.RebootVector {
		log.Info(log.CatReboot, "reboot confirmed", "kind", m.kind, "vector", m.vector)
	} else {
		log.Info(log.CatReboot, "reboot confirmed", "kind", m.kind)
	}
	c.events.Publish(Event{Type: EventRebootConfirmed})
	if err := c.driver.Reboot(m.kind); err != nil {
		log.ErrorErr(log.CatReboot, "hardware reboot failed", err)
	}
}
