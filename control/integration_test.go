package control

import (
	"context"
	"net"
	"testing"
	"time"

	"pathctl/internal/simmcu"
	"pathctl/kinematics"
	"pathctl/motion"
	"pathctl/protocol"
	"pathctl/session"
)

// newSimmcuLoop wires one Loop to one simmcu.Device over a net.Pipe,
// exercising the full negotiate path through control.Loop.Negotiate
// rather than the hand-built ACK frames session's own tests use.
func newSimmcuLoop(t *testing.T) (*Loop, *simmcu.Device) {
	t.Helper()

	const ticksPerSecond = 16_000_000.0

	hostConn, mcuConn := net.Pipe()
	dev, err := simmcu.NewDevice(mcuConn, ticksPerSecond)
	if err != nil {
		t.Fatalf("simmcu.NewDevice: %v", err)
	}
	go func() { _ = dev.Run() }()
	t.Cleanup(func() { _ = mcuConn.Close() })

	transport := protocol.NewHostTransport(hostConn)
	t.Cleanup(func() { _ = transport.Close() })
	sess := session.New("mcu", transport)

	axes := []kinematics.StepperConfig{{Name: "x", StepsPerMM: 80, MinPos: 0, MaxPos: 200, MaxAccel: 1000}}
	kin, err := kinematics.NewCartesian(axes)
	if err != nil {
		t.Fatalf("NewCartesian: %v", err)
	}
	toolhead := motion.NewToolhead(kin, 100, 0.05, make(motion.Vec, 1))

	sessions := map[string]*session.Session{"mcu": sess}
	bindings := []StepperBinding{{Stepper: "x", SessionName: "mcu", OID: 0, TicksPerSecond: ticksPerSecond}}

	loop, err := NewLoop(toolhead, kin, sessions, bindings)
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	return loop, dev
}

func TestLoopNegotiatesDictionary(t *testing.T) {
	loop, _ := newSimmcuLoop(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := loop.Negotiate(ctx); err != nil {
		t.Fatalf("Negotiate: %v", err)
	}

	sr, ok := loop.sessions["mcu"]
	if !ok {
		t.Fatal("session runtime not registered")
	}
	if sr.sess.Dictionary() == nil {
		t.Fatal("dictionary not populated after Negotiate")
	}
	if _, ok := sr.sess.Dictionary().ByName("queue_step"); !ok {
		t.Fatal("negotiated dictionary missing queue_step")
	}
	if err := sr.resolveCommands(); err != nil {
		t.Fatalf("resolveCommands: %v", err)
	}
}

func TestLoopClockSyncWarmsUp(t *testing.T) {
	loop, _ := newSimmcuLoop(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := loop.Negotiate(ctx); err != nil {
		t.Fatalf("Negotiate: %v", err)
	}

	sr := loop.sessions["mcu"]
	runCtx, runCancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer runCancel()

	done := make(chan error, 1)
	go func() { done <- sr.clockSyncLoop(runCtx) }()

	<-runCtx.Done()
	<-done

	if !sr.clock.Warm() {
		t.Fatal("clock estimator never warmed up within the test window")
	}
}
