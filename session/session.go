// Package session owns one MCU connection end to end: dictionary
// negotiation, the sliding-window reliability layer over the host
// transport, RTO estimation, and the typed command send path, per
// §4.4.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"pathctl/perr"
	"pathctl/protocol"
)

// rtoFloor is the minimum retransmission timeout regardless of
// measured RTT, guarding against a near-zero srtt producing
// pathologically tight retry windows on a quiet link.
const rtoFloor = 25 * time.Millisecond

// maxRetries bounds how many times a single command is retried before
// the session declares a fatal ProtocolError, per §4.4's R=5.
const maxRetries = 5

// rtoEstimator implements the Jacobson/Karels srtt/rttvar recursion:
// rto = srtt + 4*rttvar, floored at rtoFloor.
type rtoEstimator struct {
	mu      sync.Mutex
	srtt    time.Duration
	rttvar  time.Duration
	primed  bool
}

func (e *rtoEstimator) sample(rtt time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.primed {
		e.srtt = rtt
		e.rttvar = rtt / 2
		e.primed = true
		return
	}
	diff := rtt - e.srtt
	if diff < 0 {
		diff = -diff
	}
	e.rttvar = e.rttvar + (diff-e.rttvar)/4
	e.srtt = e.srtt + (rtt-e.srtt)/8
}

func (e *rtoEstimator) rto() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.primed {
		return rtoFloor
	}
	v := e.srtt + 4*e.rttvar
	if v < rtoFloor {
		return rtoFloor
	}
	return v
}

// rtoBackOff adapts rtoEstimator to backoff.BackOff, so the retry
// schedule itself is delegated to cenkalti/backoff/v4's
// WithMaxRetries wrapper while each individual wait is the estimator's
// own live RTO rather than backoff's default exponential curve —
// every retry waits exactly one current round-trip estimate, per
// §4.4.
type rtoBackOff struct {
	est *rtoEstimator
}

func (b *rtoBackOff) NextBackOff() time.Duration { return b.est.rto() }

func (b *rtoBackOff) Reset() {}

// Session is one negotiated MCU connection: a transport, its
// dictionary, and the reliability state layered on top. Clock-sync
// state is kept by the control loop's per-session runtime, not here.
type Session struct {
	Name string

	transport *protocol.HostTransport
	dict      *Dictionary
	rto       rtoEstimator

	shutdown atomic.Bool
}

// New wraps an already-constructed HostTransport (the serial plumbing
// is the caller's concern — see pathctl-host) as a named session.
func New(name string, transport *protocol.HostTransport) *Session {
	return &Session{Name: name, transport: transport}
}

// Dictionary returns the negotiated command/response schema, or nil
// before Negotiate succeeds.
func (s *Session) Dictionary() *Dictionary { return s.dict }

// Negotiate retrieves the MCU's identify payload in chunks (mirroring
// the teacher's RetrieveDictionary loop), decompresses and parses it,
// and stores the resulting typed Dictionary.
func (s *Session) Negotiate(ctx context.Context, identifyCmdID, identifyResponseID uint16, chunkSize uint32) error {
	var payload []byte
	offset := uint32(0)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk, err := s.requestIdentifyChunk(identifyCmdID, offset, chunkSize)
		if err != nil {
			return fmt.Errorf("session %s: identify chunk at %d: %w", s.Name, offset, err)
		}
		if len(chunk) == 0 {
			break
		}
		payload = append(payload, chunk...)
		offset += uint32(len(chunk))
		if uint32(len(chunk)) < chunkSize {
			break
		}
	}

	dict, err := decompress(payload)
	if err != nil {
		return perr.ProtocolError(s.Name, err)
	}
	s.dict = dict
	return nil
}

// requestIdentifyChunk sends one identify(offset, count) request and
// waits for its response payload, with the session's retry policy.
func (s *Session) requestIdentifyChunk(cmdID uint16, offset, count uint32) ([]byte, error) {
	var result []byte
	op := func() error {
		seq, err := s.transport.SendAsync(cmdID, func(out protocol.OutputBuffer) {
			protocol.EncodeVLQUint(out, offset)
			protocol.EncodeVLQUint(out, count)
		})
		if err != nil {
			return err
		}
		if err := s.transport.AwaitAck(seq, s.rto.rto()); err != nil {
			return err
		}
		s.rto.sample(s.transport.LastRTT())

		resp, err := s.transport.ReceiveResponse(s.rto.rto())
		if err != nil {
			return err
		}
		// The response payload is the response id followed by the
		// length-prefixed dictionary chunk.
		data := resp.Payload
		if _, err := protocol.DecodeVLQUint(&data); err != nil {
			return err
		}
		chunk, err := protocol.DecodeVLQBytes(&data)
		if err != nil {
			return err
		}
		result = chunk
		return nil
	}

	policy := backoff.WithMaxRetries(&rtoBackOff{est: &s.rto}, uint64(maxRetries))
	if err := backoff.Retry(op, policy); err != nil {
		return nil, perr.ProtocolError(s.Name, err)
	}
	return result, nil
}

// SendTyped encodes and sends cmd with args per its negotiated
// parameter schema, retrying transient failures up to maxRetries
// before escalating to a fatal ProtocolError.
func (s *Session) SendTyped(cmd Command, args []Value) error {
	if s.shutdown.Load() {
		return perr.ProtocolError(s.Name, fmt.Errorf("session shut down"))
	}
	if err := validateArgs(cmd, args); err != nil {
		return err
	}

	op := func() error {
		seq, err := s.transport.SendAsync(cmd.ID, func(out protocol.OutputBuffer) {
			_ = EncodeArgs(out, cmd, args)
		})
		if err != nil {
			return err
		}
		if err := s.transport.AwaitAck(seq, s.rto.rto()); err != nil {
			return err
		}
		s.rto.sample(s.transport.LastRTT())
		return nil
	}

	policy := backoff.WithMaxRetries(&rtoBackOff{est: &s.rto}, uint64(maxRetries))
	if err := backoff.Retry(op, policy); err != nil {
		return perr.ProtocolError(s.Name, err)
	}
	return nil
}

// SendTypedAwaitResponse sends cmd and waits for the next response
// frame on the transport, the same request/response shape
// requestIdentifyChunk uses internally, generalized for callers like
// the control loop's get_clock polling that need a typed reply rather
// than a bare ACK.
func (s *Session) SendTypedAwaitResponse(cmd Command, args []Value) ([]byte, error) {
	if s.shutdown.Load() {
		return nil, perr.ProtocolError(s.Name, fmt.Errorf("session shut down"))
	}
	if err := validateArgs(cmd, args); err != nil {
		return nil, err
	}

	var result []byte
	op := func() error {
		seq, err := s.transport.SendAsync(cmd.ID, func(out protocol.OutputBuffer) {
			_ = EncodeArgs(out, cmd, args)
		})
		if err != nil {
			return err
		}
		if err := s.transport.AwaitAck(seq, s.rto.rto()); err != nil {
			return err
		}
		s.rto.sample(s.transport.LastRTT())

		resp, err := s.transport.ReceiveResponse(s.rto.rto())
		if err != nil {
			return err
		}
		result = resp.Payload
		return nil
	}

	policy := backoff.WithMaxRetries(&rtoBackOff{est: &s.rto}, uint64(maxRetries))
	if err := backoff.Retry(op, policy); err != nil {
		return nil, perr.ProtocolError(s.Name, err)
	}
	return result, nil
}

// Backlog reports the number of frames outstanding (sent, unACKed) on
// the underlying transport. The control loop does not read it; its
// backpressure signal is a full per-session dispatch channel.
func (s *Session) Backlog() int { return s.transport.Outstanding() }

// Shutdown marks the session as fatally closed: further SendTyped
// calls fail immediately rather than retrying.
func (s *Session) Shutdown() {
	s.shutdown.Store(true)
	_ = s.transport.Close()
}
