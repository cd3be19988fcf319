package stepcompress

import (
	"pathctl/perr"
)

// Clock converts a planned (seconds-since-session-start) time into MCU
// ticks. Satisfied by clocksync.Estimator; declared locally to avoid a
// dependency from stepcompress on the clocksync package.
type Clock interface {
	ToTicks(hostSeconds float64) (int64, error)
}

// Lead implements the §4.3 lookahead flush policy: a compressed
// triple's queue_step command is only safe to send once the MCU clock
// has advanced close enough to the triple's start for the firmware's
// own step timer queue (bounded) to hold it, and must be sent before
// the clock gets so close the round trip can't land it in time.
//
// MinLead/MaxLead are ticks: a triple starting at tick t is sendable
// once now >= t-MaxLead and becomes late once now > t-MinLead.
type Lead struct {
	MinLead int64
	MaxLead int64
}

// PendingTriple pairs a Triple with its reference tick: the absolute
// tick time its first interval is measured from (its first step falls
// at StartTick + IntervalTicks).
type PendingTriple struct {
	Triple    Triple
	StartTick int64
}

// Gate buffers compressed triples for one stepper and releases them to
// the session's send queue only within the lead window. It never
// refuses a Push; Backlog reports how many triples it is holding.
type Gate struct {
	lead    Lead
	session string
	pending []PendingTriple
}

// NewGate builds a per-stepper send gate.
func NewGate(session string, lead Lead) *Gate {
	return &Gate{lead: lead, session: session}
}

// Push enqueues newly compressed triples, in order, tracking each
// one's absolute start tick from the running cumulative offset ref.
func (g *Gate) Push(ref int64, triples []Triple) {
	cur := ref
	for _, t := range triples {
		g.pending = append(g.pending, PendingTriple{Triple: t, StartTick: cur})
		cur += t.EndOffset()
	}
}

// Ready returns the triples whose StartTick has entered the lead
// window at nowTick (now >= StartTick-MaxLead), removing them from the
// pending buffer. A triple whose StartTick is already less than MinLead
// ahead of nowTick (too late to be sent in time) is reported as a
// StepOrderViolation: the
// gate missed its own deadline, which should never happen if the
// control loop is keeping up.
func (g *Gate) Ready(nowTick int64) ([]PendingTriple, error) {
	var ready []PendingTriple
	i := 0
	for ; i < len(g.pending); i++ {
		pt := g.pending[i]
		if pt.StartTick-g.lead.MaxLead > nowTick {
			break
		}
		if pt.StartTick-g.lead.MinLead < nowTick {
			return nil, perr.StepOrderViolation(g.session, &lateStepError{start: pt.StartTick, now: nowTick})
		}
		ready = append(ready, pt)
	}
	g.pending = g.pending[i:]
	return ready, nil
}

// Backlog reports how many triples are buffered awaiting their lead
// window. The control loop does not read it.
func (g *Gate) Backlog() int { return len(g.pending) }

type lateStepError struct {
	start, now int64
}

func (e *lateStepError) Error() string {
	return "step compress: triple missed its lead window"
}
