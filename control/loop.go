// Package control owns the single control-loop goroutine that ties
// the look-ahead planner, kinematics, step compression, and the
// per-session reliability/clock-sync layers into the end-to-end
// pipeline, per §5.
package control

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"pathctl/config"
	"pathctl/kinematics"
	"pathctl/logctx"
	"pathctl/motion"
	"pathctl/perr"
	"pathctl/session"
)

// identifyCmdID/identifyResponseID are the two command ids fixed by
// the wire protocol itself (§6): every MCU answers cmdID=1 with
// cmdID=0 regardless of its negotiated dictionary, since the
// dictionary is what's being retrieved.
const (
	identifyCmdID      = 1
	identifyResponseID = 0

	// identifyChunkSize keeps each identify response (response id,
	// length prefix and chunk) inside one MessageLengthMax frame.
	identifyChunkSize = 40

	// outboundQueueDepth bounds the per-session dispatch channel the
	// control loop feeds and the session worker goroutine drains —
	// the MPSC queue §5 calls for.
	outboundQueueDepth = 256

	// tolTicks is the step-compress error budget passed to
	// stepcompress.Compress, in MCU ticks.
	tolTicks = 4

	// loopTick is how often the main loop wakes to re-check its timer
	// queue and drain newly finalized moves when no sooner timer is
	// scheduled.
	loopTick = 1 * time.Millisecond
)

// moveRequest is one planned-move intake event.
type moveRequest struct {
	end   motion.Vec
	speed float64
	done  chan error
}

// StepperBinding configures which session (MCU) executes a given
// stepper's queue_step commands, and that MCU's nominal tick
// frequency for the clock estimator's seed.
type StepperBinding struct {
	Stepper        string
	SessionName    string
	OID            uint8
	TicksPerSecond float64
}

// Loop is one printer instance's control loop: a single goroutine
// driving the planner and a bounded-channel fan-out to one worker
// goroutine per session, supervised by an errgroup so any session's
// fatal error shuts the whole instance down together, per §5's
// partial-failure policy.
type Loop struct {
	toolhead *motion.Toolhead
	kin      kinematics.Kinematics

	sessions map[string]*sessionRuntime
	binding  map[string]StepperBinding // stepper name -> binding

	moveCh   chan moveRequest
	timers   *timers
	epoch    time.Time
	shutdown atomic.Bool

	// tickErr carries a fatal error out of a timers callback back to
	// mainLoop; only mainLoop's own goroutine ever touches it.
	tickErr error
}

// NewLoop builds a Loop bound to a toolhead/kinematics pair and the
// already-negotiated sessions it should dispatch steps to.
func NewLoop(toolhead *motion.Toolhead, kin kinematics.Kinematics, sessions map[string]*session.Session, bindings []StepperBinding) (*Loop, error) {
	l := &Loop{
		toolhead: toolhead,
		kin:      kin,
		sessions: make(map[string]*sessionRuntime, len(sessions)),
		binding:  make(map[string]StepperBinding, len(bindings)),
		moveCh:   make(chan moveRequest, 64),
		timers:   newTimers(),
		epoch:    time.Now(),
	}

	for _, b := range bindings {
		sess, ok := sessions[b.SessionName]
		if !ok {
			return nil, fmt.Errorf("control: stepper %q bound to unknown session %q", b.Stepper, b.SessionName)
		}
		l.binding[b.Stepper] = b
		if _, ok := l.sessions[b.SessionName]; !ok {
			l.sessions[b.SessionName] = newSessionRuntime(sess, b.TicksPerSecond)
		}
	}
	return l, nil
}

// Run drives the control loop until ctx is cancelled or a session
// reports a fatal error, at which point every session of this
// instance is shut down together before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	log := logctx.From(ctx)

	for name, sr := range l.sessions {
		sr := sr
		name := name
		g.Go(func() error {
			err := sr.dispatchWorker(ctx)
			if err != nil {
				log.Error("session worker exited", errField(err), nameField(name))
			}
			return err
		})
		g.Go(func() error {
			err := sr.clockSyncLoop(ctx)
			if err != nil {
				log.Error("clock sync loop exited", errField(err), nameField(name))
			}
			return err
		})
	}

	g.Go(func() error {
		return l.mainLoop(ctx)
	})

	err := g.Wait()
	l.Shutdown()
	return err
}

// now returns the current time as monotonic nanoseconds since l.epoch,
// the scale l.timers' events are keyed on.
func (l *Loop) now() int64 { return time.Since(l.epoch).Nanoseconds() }

// scheduleTick arms the recurring flush/drain/release-ready work as
// one self-rescheduling timers event, rather than a bare time.Ticker —
// the same heap that would otherwise sit idle is what drives the
// loop's own periodic wake-ups.
func (l *Loop) scheduleTick(at int64) {
	l.timers.schedule(at, func() {
		l.toolhead.Queue().Flush()
		if err := l.drainFinalized(); err != nil {
			l.tickErr = err
			return
		}
		if err := l.releaseReady(); err != nil {
			l.tickErr = err
			return
		}
		l.scheduleTick(l.now() + int64(loopTick))
	})
}

// mainLoop drains move requests into the planner, pushes newly
// finalized moves through step compression and into each stepper's
// send gate, and releases gated triples whose lead window has opened.
// Its own periodic work is driven through the timers heap: the select
// below always waits on whichever is sooner, the next scheduled timer
// or a new move request.
func (l *Loop) mainLoop(ctx context.Context) error {
	l.scheduleTick(l.now())

	for {
		deadline, ok := l.timers.nextDeadline()
		var timerC <-chan time.Time
		var t *time.Timer
		if ok {
			wait := time.Duration(deadline - l.now())
			if wait < 0 {
				wait = 0
			}
			t = time.NewTimer(wait)
			timerC = t.C
		}

		select {
		case <-ctx.Done():
			stopTimer(t)
			return ctx.Err()
		case req := <-l.moveCh:
			stopTimer(t)
			_, err := l.toolhead.PlanMove(req.end, req.speed)
			req.done <- err
			if err := l.drainFinalized(); err != nil {
				return err
			}
		case <-timerC:
			l.timers.fireDue(l.now())
			if l.tickErr != nil {
				return l.tickErr
			}
		}
	}
}

// stopTimer stops t if one was armed this iteration; safe to call
// with nil when nextDeadline reported no scheduled event.
func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// drainFinalized converts every newly finalized move into compressed
// triples per stepper and pushes them into that stepper's send gate.
func (l *Loop) drainFinalized() error {
	for _, m := range l.toolhead.Queue().Finalized() {
		contributions, err := l.kin.StepsFor(m)
		if err != nil {
			return perr.OutOfBounds("", err)
		}
		for _, c := range contributions {
			b, ok := l.binding[c.Stepper]
			if !ok {
				continue // stepper has no session bound, e.g. a passive axis
			}
			sr := l.sessions[b.SessionName]
			if err := sr.compressAndGate(b, c, tolTicks); err != nil {
				return err
			}
		}
	}
	return nil
}

// releaseReady checks every stepper's gate against the current
// estimated MCU tick and enqueues whatever has entered its lead
// window onto that session's dispatch channel.
func (l *Loop) releaseReady() error {
	for name, sr := range l.sessions {
		if err := sr.releaseReady(name); err != nil {
			if errors.Is(err, perr.ErrBackpressure) {
				continue // transient: dispatch worker is behind, retry next tick
			}
			return err
		}
	}
	return nil
}

// EnqueueMove submits a move request to the planner and blocks until
// it has been accepted or rejected (InvalidMove/OutOfBounds).
func (l *Loop) EnqueueMove(ctx context.Context, end motion.Vec, speed float64) error {
	if l.shutdown.Load() {
		return fmt.Errorf("control: loop shut down")
	}
	done := make(chan error, 1)
	select {
	case l.moveCh <- moveRequest{end: end, speed: speed, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Negotiate retrieves and stores the command dictionary for every
// bound session, required before the first move can be dispatched.
func (l *Loop) Negotiate(ctx context.Context) error {
	for name, sr := range l.sessions {
		if err := sr.sess.Negotiate(ctx, identifyCmdID, identifyResponseID, identifyChunkSize); err != nil {
			return fmt.Errorf("control: negotiate session %q: %w", name, err)
		}
		if err := sr.resolveCommands(); err != nil {
			return fmt.Errorf("control: session %q: %w", name, err)
		}
	}
	return nil
}

// Shutdown marks the loop closed and shuts every session down after
// pausing for config.ShutdownQuiescence to let in-flight sends settle.
func (l *Loop) Shutdown() {
	if !l.shutdown.CompareAndSwap(false, true) {
		return
	}
	time.Sleep(config.ShutdownQuiescence) // grace period for in-flight work to settle
	for _, sr := range l.sessions {
		sr.sess.Shutdown()
	}
}
