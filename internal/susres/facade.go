package susres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/embertide/emberos/internal/log"
	"github.com/embertide/emberos/internal/susres/hw"
)

// Coordinator is the operation set presented to callers: subscribers,
// requesters, diagnostic tools, and the CLI. It is the Go-native rendering
// of the protocol's external interfaces (§6), wrapping the internal
// mailbox with request/reply channels so every call here is safe to invoke
// concurrently from any number of goroutines even though exactly one
// goroutine ever mutates coordinator state.
type Coordinator interface {
	// Register enrolls a new subscriber and returns its stable token. The
	// supplied events channel receives a SuspendEvent on every stage
	// notification the subscriber is part of.
	Register(ctx context.Context, stage Stage, label string, relayCID, relayOpcode uint32, events chan<- SuspendEvent) (Token, error)

	// RequestSuspend starts a suspend cycle. Returns true for a clean
	// resume (every subscriber acknowledged), false for a denied or
	// forced (timed-out) resume.
	RequestSuspend(ctx context.Context) (clean bool, err error)

	// Ready acknowledges a subscriber's stage notification.
	Ready(ctx context.Context, token Token) error

	// SuspendingNow blocks the caller on the execution gate until the
	// in-flight suspend cycle resumes. With no cycle in flight it returns
	// immediately.
	SuspendingNow(ctx context.Context) error

	// WasSuspendClean reports whether the given subscriber acknowledged
	// before the timeout in the most recent cycle.
	WasSuspendClean(ctx context.Context, token Token) (bool, error)

	// Allow and Deny toggle the allow_suspend veto latch.
	Allow(ctx context.Context) error
	Deny(ctx context.Context) error

	// PowerOff invokes an irreversible power-down, optionally disconnecting
	// the battery path (ship mode) instead of a normal cut.
	PowerOff(ctx context.Context, shipMode bool) error

	// RequestReboot arms the two-step reboot latch.
	RequestReboot(ctx context.Context) error
	// ConfirmReboot must be the very next call after RequestReboot to take
	// effect; any other call clears the latch.
	ConfirmReboot(ctx context.Context, kind RebootKind) error
	// ConfirmRebootVector is the RebootVector confirm path: it jumps
	// execution to the caller-supplied vector address instead of
	// performing a full CPU/SoC reset, for simulated/tested environments
	// with no hardware reset path. Subject to the same two-step latch as
	// ConfirmReboot.
	ConfirmRebootVector(ctx context.Context, vector uint32) error

	// UpdateTimeout changes the system-wide suspend deadline for the next
	// arm onward; a cycle already in flight keeps waiting out the
	// duration it was armed with. Zero is ignored (the existing value is
	// kept) rather than falling back to the protocol default, so a live
	// config reload can't accidentally shorten an operator's timeout.
	UpdateTimeout(ctx context.Context, timeout time.Duration) error

	// ListSubscribers is a diagnostic query over the full registry.
	ListSubscribers(ctx context.Context) ([]SubscriberInfo, error)

	// LastCycleWasForced reports whether the most recently completed cycle
	// suspended despite a straggler, mirroring the clean-suspend marker the
	// original hardware zeroes for the bootloader to inspect. valid is false
	// if no cycle has completed yet.
	LastCycleWasForced(ctx context.Context) (forced bool, valid bool, err error)

	// Subscribe returns a channel of operational events (cycle lifecycle,
	// stage advancement, timeouts) for dashboards and audit tooling.
	Subscribe(ctx context.Context) <-chan Event

	// Shutdown stops the coordinator's mailbox loop and timer goroutine.
	Shutdown(ctx context.Context) error
}

// defaultCoordinator is the facade implementation: it owns the internal
// coordinator goroutine and translates each interface method into a
// mailbox message, tracing the round trip as a span.
type defaultCoordinator struct {
	inner  *coordinator
	events *EventBus
	tracer trace.Tracer

	mu       sync.Mutex
	shutdown bool
}

var _ Coordinator = (*defaultCoordinator)(nil)

// NewCoordinator builds and starts a Coordinator backed by the given
// hardware driver, ready to accept registrations and suspend requests.
func NewCoordinator(ctx context.Context, driver hw.Driver, cfg Config, tracer trace.Tracer) Coordinator {
	bus := NewEventBus(cfg.EventBusBuffer)
	inner := newCoordinator(driver, bus, cfg)
	inner.start(ctx)

	return &defaultCoordinator{
		inner:  inner,
		events: bus,
		tracer: tracer,
	}
}

func (c *defaultCoordinator) span(ctx context.Context, op string) (context.Context, trace.Span) {
	if c.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return c.tracer.Start(ctx, "susres."+op, trace.WithAttributes(
		attribute.String("susres.request_id", uuid.NewString()),
	))
}

func (c *defaultCoordinator) send(msg any) error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return ErrShutdown
	}
	c.mu.Unlock()

	select {
	case c.inner.mailbox <- msg:
		return nil
	case <-c.inner.done:
		return ErrShutdown
	}
}

func (c *defaultCoordinator) Register(ctx context.Context, stage Stage, label string, relayCID, relayOpcode uint32, events chan<- SuspendEvent) (Token, error) {
	_, span := c.span(ctx, "Register")
	defer span.End()

	reply := make(chan Token, 1)
	if err := c.send(subscribeMsg{
		req: RegisterRequest{
			Stage:       stage,
			Label:       label,
			RelayCID:    relayCID,
			RelayOpcode: relayOpcode,
			Events:      events,
		},
		reply: reply,
	}); err != nil {
		return 0, err
	}
	return <-reply, nil
}

func (c *defaultCoordinator) RequestSuspend(ctx context.Context) (bool, error) {
	_, span := c.span(ctx, "RequestSuspend")
	defer span.End()

	reply := make(chan bool, 1)
	if err := c.send(suspendRequestMsg{reply: reply}); err != nil {
		return false, err
	}
	select {
	case clean := <-reply:
		return clean, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (c *defaultCoordinator) Ready(ctx context.Context, token Token) error {
	_, span := c.span(ctx, "Ready")
	defer span.End()
	return c.send(suspendReadyMsg{token: token})
}

func (c *defaultCoordinator) SuspendingNow(ctx context.Context) error {
	_, span := c.span(ctx, "SuspendingNow")
	defer span.End()

	reply := make(chan struct{}, 1)
	if err := c.send(suspendingNowMsg{reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *defaultCoordinator) WasSuspendClean(ctx context.Context, token Token) (bool, error) {
	_, span := c.span(ctx, "WasSuspendClean")
	defer span.End()

	reply := make(chan wasSuspendCleanResult, 1)
	if err := c.send(wasSuspendCleanMsg{token: token, reply: reply}); err != nil {
		return false, err
	}
	res := <-reply
	return res.clean, res.err
}

func (c *defaultCoordinator) Allow(ctx context.Context) error {
	_, span := c.span(ctx, "Allow")
	defer span.End()
	return c.send(suspendAllowMsg{allow: true})
}

func (c *defaultCoordinator) Deny(ctx context.Context) error {
	_, span := c.span(ctx, "Deny")
	defer span.End()
	return c.send(suspendAllowMsg{allow: false})
}

func (c *defaultCoordinator) PowerOff(ctx context.Context, shipMode bool) error {
	_, span := c.span(ctx, "PowerOff")
	defer span.End()

	reply := make(chan error, 1)
	if err := c.send(powerOffMsg{shipMode: shipMode, reply: reply}); err != nil {
		return err
	}
	return <-reply
}

func (c *defaultCoordinator) RequestReboot(ctx context.Context) error {
	_, span := c.span(ctx, "RequestReboot")
	defer span.End()
	return c.send(rebootRequestMsg{})
}

func (c *defaultCoordinator) ConfirmReboot(ctx context.Context, kind RebootKind) error {
	_, span := c.span(ctx, "ConfirmReboot")
	defer span.End()
	return c.send(rebootConfirmMsg{kind: toHWRebootKind(kind)})
}

func (c *defaultCoordinator) ConfirmRebootVector(ctx context.Context, vector uint32) error {
	_, span := c.span(ctx, "ConfirmRebootVector")
	defer span.End()
	return c.send(rebootConfirmMsg{kind: hw.RebootVector, vector: vector})
}

func (c *defaultCoordinator) UpdateTimeout(ctx context.Context, timeout time.Duration) error {
	_, span := c.span(ctx, "UpdateTimeout")
	defer span.End()
	return c.send(updateTimeoutMsg{timeout: timeout})
}

func (c *defaultCoordinator) ListSubscribers(ctx context.Context) ([]SubscriberInfo, error) {
	_, span := c.span(ctx, "ListSubscribers")
	defer span.End()

	reply := make(chan []SubscriberInfo, 1)
	if err := c.send(listSubscribersMsg{reply: reply}); err != nil {
		return nil, err
	}
	return <-reply, nil
}

func (c *defaultCoordinator) LastCycleWasForced(ctx context.Context) (bool, bool, error) {
	_, span := c.span(ctx, "LastCycleWasForced")
	defer span.End()

	reply := make(chan lastCycleResult, 1)
	if err := c.send(lastCycleMsg{reply: reply}); err != nil {
		return false, false, err
	}
	res := <-reply
	return res.forced, res.valid, nil
}

// Subscribe forwards operational events to a fresh channel, closing it
// when ctx is cancelled. Grounded on the forwarding-goroutine pattern used
// throughout this codebase's event bus consumers: a SafeGo'd copy loop
// rather than exposing the broker channel directly, so a slow consumer
// can never block the coordinator's own publish calls any more than the
// broker's own per-subscriber buffer already allows.
func (c *defaultCoordinator) Subscribe(ctx context.Context) <-chan Event {
	out := make(chan Event, 16)
	sub := c.events.Subscribe(ctx)

	log.SafeGo("susres-subscribe-forward", func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub:
				if !ok {
					return
				}
				select {
				case out <- evt.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	})

	return out
}

func (c *defaultCoordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil
	}
	c.shutdown = true
	c.mu.Unlock()

	c.inner.shutdown()

	select {
	case <-time.After(5 * time.Second):
		return fmt.Errorf("susres: shutdown timed out")
	case <-ctx.Done():
		return ctx.Err()
	case <-c.inner.done:
		return nil
	}
}

// toHWRebootKind converts the public RebootKind into the hw package's own
// copy of the enumeration (kept separate to avoid an import cycle between
// susres and susres/hw).
func toHWRebootKind(k RebootKind) hw.RebootKind {
	switch k {
	case RebootSoC:
		return hw.RebootSoC
	case RebootVector:
		return hw.RebootVector
	default:
		return hw.RebootCPU
	}
}
