package susres

import "github.com/embertide/emberos/internal/susres/history"

// historyAdapter adapts *history.Store to the coordinator's HistoryRecorder
// interface, converting the internal Token type to the plain uint32 the
// storage layer persists.
type historyAdapter struct {
	store *history.Store
}

// NewHistoryRecorder wraps a history.Store so it can be passed as
// Config.History.
func NewHistoryRecorder(store *history.Store) HistoryRecorder {
	return &historyAdapter{store: store}
}

func (a *historyAdapter) RecordCycle(rec CycleRecord) {
	tokens := make([]uint32, len(rec.FailedTokens))
	for i, t := range rec.FailedTokens {
		tokens[i] = uint32(t)
	}
	a.store.RecordCycle(rec.Cycle, rec.Forced, rec.Clean, rec.StartedAt, rec.FinishedAt, tokens)
}
