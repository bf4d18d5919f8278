package susres

// executionGate is the rendezvous point where subscribers park after
// finishing their pre-suspend housekeeping, held until the whole system
// has resumed. It is deliberately not safe for concurrent use on its own:
// all of its methods are called exclusively from the coordinator's mailbox
// loop, which is what makes the single-threaded reasoning in §5 of the
// protocol hold (no locks needed).
type executionGate struct {
	parked []chan<- struct{}
}

func newExecutionGate() *executionGate {
	return &executionGate{}
}

// park appends a gated sender's reply channel. It is released later by
// releaseAll, in the order it was parked.
func (g *executionGate) park(reply chan<- struct{}) {
	g.parked = append(g.parked, reply)
}

// releaseAll sends a trivial value to every parked sender, in insertion
// order, then drains the slice. Called by the coordinator exactly once per
// cycle, after the HW driver returns from resume.
func (g *executionGate) releaseAll() {
	for _, reply := range g.parked {
		reply <- struct{}{}
	}
	g.parked = g.parked[:0]
}

// count reports how many senders are currently parked. Used by tests
// verifying gate release completeness.
func (g *executionGate) count() int {
	return len(g.parked)
}
