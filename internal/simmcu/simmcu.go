// Package simmcu adapts the teacher's MCU-side protocol.Transport
// into an in-process fake firmware: enough to answer identify,
// get_clock, and queue_step over a net.Conn so the host-side
// session/control packages can be exercised end to end without real
// hardware. It is test-support code, not a shipped component.
package simmcu

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"pathctl/protocol"
	"pathctl/session"
)

// Fixed command ids this fake firmware's dictionary advertises —
// arbitrary but must stay internally consistent between the
// generated dictionary and the handler's dispatch switch.
const (
	cmdIdentify     = 1
	cmdIdentifyResp = 0
	cmdGetClock     = 2
	cmdClockResp    = 3
	cmdQueueStep    = 4
)

// Device is one simulated MCU: a Transport wired to a net.Conn, a
// synthetic clock, and enough command handling to negotiate a
// dictionary and answer get_clock.
type Device struct {
	conn      net.Conn
	transport *protocol.Transport
	out       *growableOutput
	in        *protocol.FifoBuffer

	dictionary []byte // zlib-compressed JSON payload

	epoch          time.Time
	ticksPerSecond float64

	QueueSteps []QueuedStep // every queue_step call observed, for assertions
}

// QueuedStep records one queue_step invocation this fake MCU decoded.
type QueuedStep struct {
	OID      uint8
	Interval uint32
	Count    uint16
	Add      int16
}

// NewDevice builds a fake MCU bound to one side of a duplex
// connection (typically net.Pipe), advertising a dictionary with
// queue_step/get_clock/clock, and ticking its simulated clock at
// ticksPerSecond.
func NewDevice(conn net.Conn, ticksPerSecond float64) (*Device, error) {
	dict, err := buildDictionary()
	if err != nil {
		return nil, err
	}

	d := &Device{
		conn:           conn,
		out:            newGrowableOutput(),
		in:             protocol.NewFifoBuffer(4096),
		dictionary:     dict,
		epoch:          time.Now(),
		ticksPerSecond: ticksPerSecond,
	}
	d.transport = protocol.NewTransport(d.out, d.handle)
	return d, nil
}

// Run pumps conn reads into the Transport until conn is closed.
func (d *Device) Run() error {
	buf := make([]byte, 256)
	for {
		n, err := d.conn.Read(buf)
		if n > 0 {
			d.in.Write(buf[:n])
			d.transport.Receive(d.in)
			d.flush()
		}
		if err != nil {
			return err
		}
	}
}

// flush writes anything the transport produced into out since the
// last flush out to the connection, then resets out for reuse.
func (d *Device) flush() {
	if d.out.pos == 0 {
		return
	}
	_, _ = d.conn.Write(d.out.buf[:d.out.pos])
	d.out.reset()
}

func (d *Device) handle(cmdID uint16, data *[]byte) error {
	switch cmdID {
	case cmdIdentify:
		offset, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		count, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		d.respondIdentify(offset, count)
	case cmdGetClock:
		d.respondClock()
	case cmdQueueStep:
		oid, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		interval, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		count, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		add, err := protocol.DecodeVLQInt(data)
		if err != nil {
			return err
		}
		d.QueueSteps = append(d.QueueSteps, QueuedStep{
			OID: uint8(oid), Interval: interval, Count: uint16(count), Add: int16(add),
		})
	}
	return nil
}

func (d *Device) respondIdentify(offset, count uint32) {
	end := offset + count
	if end > uint32(len(d.dictionary)) {
		end = uint32(len(d.dictionary))
	}
	var chunk []byte
	if offset < uint32(len(d.dictionary)) {
		chunk = d.dictionary[offset:end]
	}
	d.transport.EncodeFrame(func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, cmdIdentifyResp)
		protocol.EncodeVLQBytes(out, chunk)
	})
}

func (d *Device) respondClock() {
	ticks := uint32(d.ticksPerSecond * time.Since(d.epoch).Seconds())
	d.transport.EncodeFrame(func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, cmdClockResp)
		protocol.EncodeVLQUint(out, ticks)
	})
}

// buildDictionary renders the fake firmware's command/response schema
// in the same zlib(JSON) shape the teacher's identify payload uses.
func buildDictionary() ([]byte, error) {
	dict := session.Dictionary{
		Version: "simmcu-1",
		Commands: map[string]session.Command{
			"get_clock": {ID: cmdGetClock, Name: "get_clock", Category: session.CategoryImmediate},
			"queue_step": {
				ID: cmdQueueStep, Name: "queue_step", Category: session.CategoryTimed,
				Params: []session.ParamSpec{
					{Name: "oid", Type: session.ParamUint8},
					{Name: "interval", Type: session.ParamUint32},
					{Name: "count", Type: session.ParamUint16},
					{Name: "add", Type: session.ParamInt16},
				},
			},
		},
		Responses: map[string]session.Command{
			"clock": {
				ID: cmdClockResp, Name: "clock", Category: session.CategoryResponse,
				Params: []session.ParamSpec{{Name: "clock", Type: session.ParamUint32}},
			},
		},
	}

	raw, err := json.Marshal(dict)
	if err != nil {
		return nil, fmt.Errorf("simmcu: marshal dictionary: %w", err)
	}

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("simmcu: zlib write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("simmcu: zlib close: %w", err)
	}
	return buf.Bytes(), nil
}

// growableOutput implements protocol.OutputBuffer over a slice that
// grows as needed, unlike the teacher's fixed-size ScratchOutput —
// identify responses here can exceed ScratchOutput's scratch size
// once a dictionary chunk is attached.
type growableOutput struct {
	buf []byte
	pos int
}

func newGrowableOutput() *growableOutput {
	return &growableOutput{buf: make([]byte, 0, protocol.MessageMax)}
}

func (o *growableOutput) Output(data []byte) {
	o.buf = append(o.buf[:o.pos], data...)
	o.pos += len(data)
}

func (o *growableOutput) CurPosition() int { return o.pos }

func (o *growableOutput) Update(pos int, val byte) {
	if pos < len(o.buf) {
		o.buf[pos] = val
	}
}

func (o *growableOutput) DataSince(pos int) []byte {
	if pos > o.pos {
		return nil
	}
	return o.buf[pos:o.pos]
}

func (o *growableOutput) reset() {
	o.buf = o.buf[:0]
	o.pos = 0
}
