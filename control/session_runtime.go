package control

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"pathctl/clocksync"
	"pathctl/kinematics"
	"pathctl/perr"
	"pathctl/protocol"
	"pathctl/session"
	"pathctl/stepcompress"
)

// outboundFrame is one queue_step send, already encoded into typed
// dictionary arguments, waiting on its session's dispatch worker.
type outboundFrame struct {
	cmd  session.Command
	args []session.Value
}

// pendingContribution buffers a stepper's ideal step times in
// host-relative seconds until the session's clock estimator has
// warmed up (folded in its first get_clock sample) so they can be
// converted into MCU ticks.
type pendingContribution struct {
	stepper string
	origin  float64 // seconds, relative to this session's epoch
	idealS  []float64
}

// sessionRuntime is the control loop's per-MCU-session state: the
// negotiated session itself, its clock estimator, one step-compress
// gate per bound stepper, and the bounded dispatch channel its worker
// goroutine drains — the MPSC fan-out §5 specifies.
type sessionRuntime struct {
	sess *session.Session

	clock          *clocksync.Estimator
	ticksPerSecond float64
	epoch          time.Time

	mu            sync.Mutex
	gates         map[string]*stepcompress.Gate
	originSeconds map[string]float64 // cumulative planned seconds per stepper
	lastTick      map[string]int64   // last triple's reference tick per stepper
	bindings      map[string]StepperBinding
	pending       []pendingContribution
	resend        map[string][]stepcompress.PendingTriple // triples ready but not yet accepted by outCh

	outCh chan outboundFrame

	queueStepCmd session.Command
	getClockCmd  session.Command
	clockRespCmd session.Command
}

func newSessionRuntime(sess *session.Session, ticksPerSecond float64) *sessionRuntime {
	now := time.Now()
	return &sessionRuntime{
		sess:           sess,
		clock:          clocksync.NewEstimator(now, ticksPerSecond),
		ticksPerSecond: ticksPerSecond,
		epoch:          now,
		gates:          make(map[string]*stepcompress.Gate),
		originSeconds:  make(map[string]float64),
		lastTick:       make(map[string]int64),
		bindings:       make(map[string]StepperBinding),
		resend:         make(map[string][]stepcompress.PendingTriple),
		outCh:          make(chan outboundFrame, outboundQueueDepth),
	}
}

// resolveCommands looks up the fixed abstract command names §6
// requires from the now-negotiated dictionary.
func (sr *sessionRuntime) resolveCommands() error {
	dict := sr.sess.Dictionary()
	if dict == nil {
		return fmt.Errorf("dictionary not negotiated")
	}
	var ok bool
	if sr.queueStepCmd, ok = dict.ByName("queue_step"); !ok {
		return fmt.Errorf("dictionary missing queue_step command")
	}
	if sr.getClockCmd, ok = dict.ByName("get_clock"); !ok {
		return fmt.Errorf("dictionary missing get_clock command")
	}
	if sr.clockRespCmd, ok = dict.ByName("clock"); !ok {
		return fmt.Errorf("dictionary missing clock response")
	}
	return nil
}

// dispatchWorker drains outCh and sends each frame over the session,
// returning (and so tearing down the printer instance's errgroup) on
// the first fatal send failure.
func (sr *sessionRuntime) dispatchWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-sr.outCh:
			if err := sr.sess.SendTyped(frame.cmd, frame.args); err != nil {
				return err
			}
		}
	}
}

// clockSyncLoop periodically samples get_clock and folds the
// (host_time, mcu_clock) pair into the session's estimator, flushing
// any step contributions that were buffered awaiting warm-up.
func (sr *sessionRuntime) clockSyncLoop(ctx context.Context) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sample, err := sr.pollClock()
			if err != nil {
				return err
			}
			if err := sr.clock.Update(sr.sess.Name, sample); err != nil {
				return err
			}
			if sr.clock.Warm() {
				sr.flushPending()
			}
		}
	}
}

func (sr *sessionRuntime) pollClock() (clocksync.Sample, error) {
	now := time.Now()
	payload, err := sr.sess.SendTypedAwaitResponse(sr.getClockCmd, nil)
	if err != nil {
		return clocksync.Sample{}, err
	}
	// Skip the response id that leads the payload.
	data := payload
	if _, err := protocol.DecodeVLQUint(&data); err != nil {
		return clocksync.Sample{}, perr.ProtocolError(sr.sess.Name, err)
	}
	values, err := session.DecodeArgs(data, sr.clockRespCmd)
	if err != nil {
		return clocksync.Sample{}, perr.ProtocolError(sr.sess.Name, err)
	}
	if len(values) == 0 {
		return clocksync.Sample{}, perr.ProtocolError(sr.sess.Name, fmt.Errorf("clock response carried no fields"))
	}
	return clocksync.Sample{HostTime: now, MCUClock: values[0].U}, nil
}

// compressAndGate converts one stepper's ideal-step contribution for
// a finalized move into compressed triples and pushes them into that
// stepper's send gate, buffering instead if the session's clock
// estimator has not yet warmed up.
func (sr *sessionRuntime) compressAndGate(b StepperBinding, c kinematics.StepperContribution, tolTicks int64) error {
	idealS := sampleStepTimes(c)

	sr.mu.Lock()
	origin := sr.originSeconds[b.Stepper]
	sr.originSeconds[b.Stepper] = origin + c.Duration
	sr.bindings[b.Stepper] = b
	sr.mu.Unlock()

	if !sr.clock.Warm() {
		sr.mu.Lock()
		sr.pending = append(sr.pending, pendingContribution{stepper: b.Stepper, origin: origin, idealS: idealS})
		sr.mu.Unlock()
		return nil
	}
	return sr.gateContribution(b, origin, idealS, tolTicks)
}

// flushPending processes every contribution buffered while the
// estimator was cold, once it has warmed up.
func (sr *sessionRuntime) flushPending() {
	sr.mu.Lock()
	pending := sr.pending
	sr.pending = nil
	sr.mu.Unlock()

	for _, p := range pending {
		b, ok := sr.bindingFor(p.stepper)
		if !ok {
			continue
		}
		_ = sr.gateContribution(b, p.origin, p.idealS, tolTicks)
	}
}

// bindingFor is a tiny convenience so flushPending doesn't need the
// Loop's binding map threaded through; the stepper-to-OID mapping is
// stable for the runtime's lifetime, stashed the first time it's
// seen.
func (sr *sessionRuntime) bindingFor(stepper string) (StepperBinding, bool) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	b, ok := sr.bindings[stepper]
	return b, ok
}

// gateContribution converts host-relative ideal step times into MCU
// ticks via the estimator, fits triples with stepcompress.Compress,
// and pushes them into the stepper's gate.
func (sr *sessionRuntime) gateContribution(b StepperBinding, origin float64, idealS []float64, tolTicks int64) error {
	if len(idealS) == 0 {
		return nil
	}

	sr.mu.Lock()
	ref, haveRef := sr.lastTick[b.Stepper]
	sr.mu.Unlock()

	ideal := make([]int64, len(idealS))
	for i, s := range idealS {
		t, err := sr.clock.ToTicks(origin + s)
		if err != nil {
			return perr.ClockDrift(sr.sess.Name, err)
		}
		ideal[i] = t
	}
	if !haveRef {
		ref = ideal[0] - 1
	}

	triples, err := stepcompress.Compress(ref, ideal, tolTicks)
	if err != nil {
		return err
	}
	if len(triples) == 0 {
		return nil
	}

	sr.mu.Lock()
	gate, ok := sr.gates[b.Stepper]
	if !ok {
		gate = stepcompress.NewGate(sr.sess.Name, stepcompress.Lead{
			MinLead: int64(0.01 * sr.ticksPerSecond),
			MaxLead: int64(2 * sr.ticksPerSecond),
		})
		sr.gates[b.Stepper] = gate
	}
	sr.bindings[b.Stepper] = b
	sr.lastTick[b.Stepper] = ref
	for _, tr := range triples {
		sr.lastTick[b.Stepper] += tr.EndOffset()
	}
	sr.mu.Unlock()

	gate.Push(ref, triples)
	return nil
}

// releaseReady flushes every stepper gate's ready triples onto this
// session's dispatch channel, using the estimator's current read of
// host time converted to MCU ticks as "now".
func (sr *sessionRuntime) releaseReady(sessionName string) error {
	if !sr.clock.Warm() {
		return nil
	}
	nowTick, err := sr.clock.ToTicks(time.Since(sr.epoch).Seconds())
	if err != nil {
		return perr.ClockDrift(sessionName, err)
	}

	sr.mu.Lock()
	gates := make(map[string]*stepcompress.Gate, len(sr.gates))
	for k, v := range sr.gates {
		gates[k] = v
	}
	sr.mu.Unlock()

	backpressured := false
	for stepper, gate := range gates {
		b, ok := sr.bindingFor(stepper)
		if !ok {
			continue
		}

		sr.mu.Lock()
		queue := sr.resend[stepper]
		sr.resend[stepper] = nil
		sr.mu.Unlock()

		if len(queue) == 0 {
			var err error
			queue, err = gate.Ready(nowTick)
			if err != nil {
				return err
			}
		}

		stalled := false
		for i, pt := range queue {
			frame := outboundFrame{
				cmd: sr.queueStepCmd,
				args: []session.Value{
					session.U8(b.OID),
					session.U32(pt.Triple.IntervalTicks),
					session.U16(pt.Triple.Count),
					session.I16(pt.Triple.Add),
				},
			}
			select {
			case sr.outCh <- frame:
			default:
				// Soft backpressure: the dispatch worker is behind.
				// Stash the rest of this stepper's ready triples to
				// retry next tick instead of dropping them.
				sr.mu.Lock()
				sr.resend[stepper] = append(sr.resend[stepper], queue[i:]...)
				sr.mu.Unlock()
				stalled = true
			}
			if stalled {
				backpressured = true
				break
			}
		}
	}
	if backpressured {
		return perr.ErrBackpressure
	}
	return nil
}

// sampleStepTimes finds the host-relative times (seconds since the
// contribution's move start) at which each ideal integer step falls,
// by bisecting c.Eval (monotonic over [0, Duration] per §4.2) for
// every integer crossing between Eval(0) and Eval(Duration).
func sampleStepTimes(c kinematics.StepperContribution) []float64 {
	start := c.Eval(0)
	end := c.Eval(c.Duration)
	if start == end {
		return nil
	}

	ascending := end > start
	var targets []float64
	if ascending {
		for k := math.Ceil(start + 1e-9); k <= end; k++ {
			targets = append(targets, k)
		}
	} else {
		for k := math.Floor(start - 1e-9); k >= end; k-- {
			targets = append(targets, k)
		}
	}

	out := make([]float64, len(targets))
	for i, target := range targets {
		out[i] = bisectCrossing(c.Eval, 0, c.Duration, target, ascending)
	}
	return out
}

// bisectCrossing finds t in [lo, hi] with eval(t) == target for a
// monotonic eval, to within 64 iterations of binary search (well
// beyond float64 precision for any realistic move duration).
func bisectCrossing(eval func(float64) float64, lo, hi, target float64, ascending bool) float64 {
	for i := 0; i < 64; i++ {
		mid := lo + (hi-lo)/2
		v := eval(mid)
		above := v > target
		if above == ascending {
			hi = mid
		} else {
			lo = mid
		}
	}
	return lo + (hi-lo)/2
}
