package protocol

import (
	"testing"
)

// TestVLQEncodeDecodeInt round-trips the signed VLQ codec over the
// boundary values that actually appear on the wire: queue_step's Add
// field is an int16, so the int16 min/max are included alongside the
// generic magnitude ladder.
func TestVLQEncodeDecodeInt(t *testing.T) {
	testCases := []int32{
		0,
		1,
		-1,
		127,
		-127,
		128,
		-128,
		255,
		-255,
		1000,
		-1000,
		32767,  // math.MaxInt16, queue_step's Add upper bound
		-32768, // math.MinInt16, queue_step's Add lower bound
		65535,
		-65535,
		1000000,
		-1000000,
	}

	for _, expected := range testCases {
		output := NewScratchOutput()
		EncodeVLQInt(output, expected)
		encoded := output.Result()

		data := encoded
		decoded, err := DecodeVLQInt(&data)
		if err != nil {
			t.Errorf("Failed to decode VLQ for value %d: %v", expected, err)
			continue
		}

		if decoded != expected {
			t.Errorf("VLQ mismatch: expected %d, got %d (encoded as %v)", expected, decoded, encoded)
		}

		if len(data) != 0 {
			t.Errorf("VLQ decode didn't consume all bytes for value %d: %d bytes remaining", expected, len(data))
		}
	}
}

// TestVLQEncodeDecodeUint covers the unsigned fields queue_step and
// get_clock actually carry: oid (u8), count (u16), interval/clock
// ticks (u32), so 65535 and a multi-million tick count are in range
// rather than arbitrary.
func TestVLQEncodeDecodeUint(t *testing.T) {
	testCases := []uint32{
		0,
		1,
		127,
		128,
		255,
		1000,
		65535,    // math.MaxUint16, queue_step's Count upper bound
		1000000,
		16000000, // a representative MCU tick count at 16MHz, one second in
	}

	for _, expected := range testCases {
		output := NewScratchOutput()
		EncodeVLQUint(output, expected)
		encoded := output.Result()

		data := encoded
		decoded, err := DecodeVLQUint(&data)
		if err != nil {
			t.Errorf("Failed to decode VLQ for value %d: %v", expected, err)
			continue
		}

		if decoded != expected {
			t.Errorf("VLQ mismatch: expected %d, got %d (encoded as %v)", expected, decoded, encoded)
		}
	}
}

func TestVLQBytes(t *testing.T) {
	testCases := [][]byte{
		{},
		{0x01},
		{0x01, 0x02, 0x03},
		{0xFF, 0xFE, 0xFD},
		make([]byte, 50), // a dictionary chunk payload, within the 64-byte frame limit
	}

	for i, expected := range testCases {
		output := NewScratchOutput()
		EncodeVLQBytes(output, expected)
		encoded := output.Result()

		data := encoded
		decoded, err := DecodeVLQBytes(&data)
		if err != nil {
			t.Errorf("Test case %d: Failed to decode bytes: %v", i, err)
			continue
		}

		if len(decoded) != len(expected) {
			t.Errorf("Test case %d: Length mismatch: expected %d, got %d", i, len(expected), len(decoded))
			continue
		}

		for j := range expected {
			if decoded[j] != expected[j] {
				t.Errorf("Test case %d: Byte mismatch at index %d: expected %d, got %d", i, j, expected[j], decoded[j])
			}
		}
	}
}

// TestVLQString covers the ParamString case session.Value's
// EncodeArgs/DecodeArgs delegate to.
func TestVLQString(t *testing.T) {
	testCases := []string{
		"",
		"x_endstop",
		"queue_step",
		"Special chars: !@#$%^&*()",
	}

	for _, expected := range testCases {
		output := NewScratchOutput()
		EncodeVLQString(output, expected)
		encoded := output.Result()

		data := encoded
		decoded, err := DecodeVLQString(&data)
		if err != nil {
			t.Errorf("Failed to decode string '%s': %v", expected, err)
			continue
		}

		if decoded != expected {
			t.Errorf("String mismatch: expected '%s', got '%s'", expected, decoded)
		}
	}
}

func TestVLQBufferTooSmall(t *testing.T) {
	// A continuation byte with nothing following, the shape a
	// truncated read from a quiet serial line would produce.
	data := []byte{0x80}
	_, err := DecodeVLQInt(&data)
	if err != ErrBufferTooSmall {
		t.Errorf("Expected ErrBufferTooSmall, got %v", err)
	}
}
