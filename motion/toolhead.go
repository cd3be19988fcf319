package motion

import (
	"fmt"
	"math"

	"pathctl/perr"
)

// AxisLimiter is the slice of the Kinematics contract (§4.2) the
// Toolhead needs to turn a requested move into a scalar acceleration
// bound and to validate it against configured position limits. It is
// satisfied by kinematics.Kinematics; declared locally so this
// package does not import kinematics and create a cycle (Design
// Notes: kinematics gets a non-owning handle for the planning pass,
// never the reverse).
type AxisLimiter interface {
	AxisCount() int
	AxisAccelLimit(start, end Vec) (float64, error)
	CheckLimits(pos Vec) error
}

// Toolhead receives move requests in tool-coordinate space, applies
// the configured cruise-speed cap, asks the kinematics plug-in for
// this move's acceleration bound, and appends the result to the
// look-ahead queue, per §4.1.
type Toolhead struct {
	limits     AxisLimiter
	queue      *Queue
	maxSpeed   float64
	currentPos Vec

	drained bool // set by OutOfBounds per §4.1 failure semantics
}

// NewToolhead builds a Toolhead bound to a kinematics plug-in, a
// configured global max_velocity, and the junction-deviation value
// the look-ahead queue needs.
func NewToolhead(limits AxisLimiter, maxSpeed, junctionDeviation float64, start Vec) *Toolhead {
	return &Toolhead{
		limits:     limits,
		queue:      NewQueue(junctionDeviation),
		maxSpeed:   maxSpeed,
		currentPos: start.Clone(),
	}
}

// Queue exposes the underlying look-ahead queue (e.g. for an explicit
// Flush(), or to drain Finalized moves into StepCompress).
func (t *Toolhead) Queue() *Queue { return t.queue }

// PlanMove accepts a move request (end position, requested speed) in
// tool-coordinate space. reqSpeed is capped at the toolhead's
// configured max_speed; a reqSpeed <= 0 on a move with nonzero
// distance is rejected with ErrInvalidMove.
func (t *Toolhead) PlanMove(end Vec, reqSpeed float64) (*Move, error) {
	if t.drained {
		return nil, fmt.Errorf("toolhead drained, awaiting reset")
	}
	reqSpeed = math.Min(reqSpeed, t.maxSpeed)

	if err := t.limits.CheckLimits(end); err != nil {
		t.drain()
		return nil, perr.OutOfBounds("", err)
	}

	accel, err := t.limits.AxisAccelLimit(t.currentPos, end)
	if err != nil {
		t.drain()
		return nil, perr.OutOfBounds("", err)
	}

	m, err := t.queue.Append(t.currentPos, end, reqSpeed, accel)
	if err != nil {
		return nil, err
	}
	t.currentPos = end.Clone()
	return m, nil
}

// drain marks all pending moves invalid and transitions the toolhead
// to a drained state awaiting operator reset, per §4.1's OutOfBounds
// failure semantics.
func (t *Toolhead) drain() {
	t.drained = true
	t.queue.pending = nil
}

// Reset clears the drained state, re-arming the toolhead at pos.
func (t *Toolhead) Reset(pos Vec) {
	t.drained = false
	t.currentPos = pos.Clone()
	t.queue = NewQueue(t.queue.deviation)
}

// IsDrained reports whether the toolhead is waiting on an operator
// reset after an OutOfBounds failure.
func (t *Toolhead) IsDrained() bool { return t.drained }

// CurrentPosition returns the toolhead's planned position (the end of
// the most recently queued move, not necessarily where the machine
// physically is mid-execution).
func (t *Toolhead) CurrentPosition() Vec { return t.currentPos.Clone() }
