package session

import (
	"fmt"

	"pathctl/protocol"
)

// Value is a tagged-variant wire argument, sized and typed by the
// negotiated dictionary rather than by runtime reflection — each
// Command.Params entry says which of these a caller must supply, in
// order.
type Value struct {
	Type ParamType
	U    uint64
	I    int64
	Str  string
	Raw  []byte
}

func U32(v uint32) Value { return Value{Type: ParamUint32, U: uint64(v)} }
func I32(v int32) Value  { return Value{Type: ParamInt32, I: int64(v)} }
func U16(v uint16) Value { return Value{Type: ParamUint16, U: uint64(v)} }
func I16(v int16) Value  { return Value{Type: ParamInt16, I: int64(v)} }
func U8(v uint8) Value   { return Value{Type: ParamUint8, U: uint64(v)} }
func Str(v string) Value { return Value{Type: ParamString, Str: v} }
func Bytes(v []byte) Value { return Value{Type: ParamBytes, Raw: v} }

// validateArgs checks args against cmd's parameter schema without
// encoding anything — used both by EncodeArgs and by callers that
// want to fail fast before a command ever reaches the wire.
func validateArgs(cmd Command, args []Value) error {
	if len(args) != len(cmd.Params) {
		return fmt.Errorf("session: command %q expects %d args, got %d", cmd.Name, len(cmd.Params), len(args))
	}
	for i, spec := range cmd.Params {
		if args[i].Type != spec.Type {
			return fmt.Errorf("session: command %q arg %d (%s): expected %s, got %s", cmd.Name, i, spec.Name, spec.Type, args[i].Type)
		}
	}
	return nil
}

// EncodeArgs writes args to output per cmd's parameter schema,
// validating both the count and the declared type of each argument
// before encoding — a malformed caller-supplied arg list is a
// programming error, not a protocol error, so this returns immediately
// on the first mismatch.
func EncodeArgs(output protocol.OutputBuffer, cmd Command, args []Value) error {
	if err := validateArgs(cmd, args); err != nil {
		return err
	}
	for i, spec := range cmd.Params {
		v := args[i]
		switch spec.Type {
		case ParamUint32:
			protocol.EncodeVLQUint(output, uint32(v.U))
		case ParamInt32:
			protocol.EncodeVLQInt(output, int32(v.I))
		case ParamUint16:
			protocol.EncodeVLQUint(output, uint32(uint16(v.U)))
		case ParamInt16:
			protocol.EncodeVLQInt(output, int32(int16(v.I)))
		case ParamUint8:
			protocol.EncodeVLQUint(output, uint32(uint8(v.U)))
		case ParamString:
			protocol.EncodeVLQString(output, v.Str)
		case ParamBytes:
			protocol.EncodeVLQBytes(output, v.Raw)
		default:
			return fmt.Errorf("session: unknown param type %q", spec.Type)
		}
	}
	return nil
}

// DecodeArgs parses data per cmd's parameter schema into a Value per
// parameter, in order.
func DecodeArgs(data []byte, cmd Command) ([]Value, error) {
	out := make([]Value, len(cmd.Params))
	for i, spec := range cmd.Params {
		switch spec.Type {
		case ParamUint32:
			v, err := protocol.DecodeVLQUint(&data)
			if err != nil {
				return nil, err
			}
			out[i] = U32(v)
		case ParamInt32:
			v, err := protocol.DecodeVLQInt(&data)
			if err != nil {
				return nil, err
			}
			out[i] = I32(v)
		case ParamUint16:
			v, err := protocol.DecodeVLQUint(&data)
			if err != nil {
				return nil, err
			}
			out[i] = U16(uint16(v))
		case ParamInt16:
			v, err := protocol.DecodeVLQInt(&data)
			if err != nil {
				return nil, err
			}
			out[i] = I16(int16(v))
		case ParamUint8:
			v, err := protocol.DecodeVLQUint(&data)
			if err != nil {
				return nil, err
			}
			out[i] = U8(uint8(v))
		case ParamString:
			v, err := protocol.DecodeVLQString(&data)
			if err != nil {
				return nil, err
			}
			out[i] = Str(v)
		case ParamBytes:
			v, err := protocol.DecodeVLQBytes(&data)
			if err != nil {
				return nil, err
			}
			out[i] = Bytes(v)
		default:
			return nil, fmt.Errorf("session: unknown param type %q", spec.Type)
		}
	}
	return out, nil
}
