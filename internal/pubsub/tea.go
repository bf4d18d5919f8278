package pubsub

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
)

// ListenCmd creates a Bubble Tea command that waits for the next event on
// ch and returns it as a tea.Msg — the glue ContinuousListener (and through
// it the dashboard's log tail) uses to turn a broker subscription into a
// re-armable tea.Cmd.
// Returns nil if the context is cancelled or the channel is closed.
func ListenCmd[T any](ctx context.Context, ch <-chan Event[T]) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-ch:
			if !ok {
				return nil // Channel closed
			}
			return event
		}
	}
}

// ContinuousListener holds one broker subscription across a bubbletea
// model's whole lifetime. log.NewListener returns one of these for
// Broker[string]; dashboard.New holds one through log.NewListener.
type ContinuousListener[T any] struct {
	ctx context.Context
	ch  <-chan Event[T]
}

// NewContinuousListener subscribes to broker; the subscription is torn down
// automatically when ctx is cancelled (the model's own cancel, not a
// per-call one).
func NewContinuousListener[T any](ctx context.Context, broker *Broker[T]) *ContinuousListener[T] {
	return &ContinuousListener[T]{
		ctx: ctx,
		ch:  broker.Subscribe(ctx),
	}
}

// Listen returns a tea.Cmd for the next queued event. Every handler that
// receives the resulting Event[T] message must call Listen again and batch
// the result back in, or the model stops observing new events after the
// first one — see dashboard.Model.Update's log.LogEvent case.
func (l *ContinuousListener[T]) Listen() tea.Cmd {
	return ListenCmd(l.ctx, l.ch)
}
