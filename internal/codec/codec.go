// Package codec reads and writes item values against packet buffers.
//
// Values decode to uint64 (UINT), int64 (INT), float64 (FLOAT), string
// (STRING), []byte (BLOCK) or []any for array items. Writes accept any Go
// numeric type for numeric items.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/banshee-data/cmdtlm/internal/packet"
)

var (
	ErrBufferTooShort  = errors.New("buffer too short")
	ErrInvalidBitRange = errors.New("invalid bit range")
	ErrValueOutOfRange = errors.New("value out of range")
	ErrTypeMismatch    = errors.New("value type mismatch")
	ErrDerived         = errors.New("derived items have no wire representation")
)

// DecodeError reports a failed read of one item.
type DecodeError struct {
	Target string
	Packet string
	Item   string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s %s %s: %v", e.Target, e.Packet, e.Item, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError reports a failed write of one item.
type EncodeError struct {
	Target string
	Packet string
	Item   string
	Err    error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s %s %s: %v", e.Target, e.Packet, e.Item, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// Read decodes the raw value of item from buf.
func Read(pkt *packet.Packet, item *packet.Item, buf []byte) (any, error) {
	value, err := read(item, buf)
	if err != nil {
		return nil, &DecodeError{Target: pkt.TargetName, Packet: pkt.PacketName, Item: item.Name, Err: err}
	}
	return value, nil
}

// ReadAll decodes every item of pkt keyed by item name. DERIVED items map
// to nil.
func ReadAll(pkt *packet.Packet, buf []byte) (map[string]any, error) {
	out := make(map[string]any)
	for _, item := range pkt.Items() {
		value, err := Read(pkt, item, buf)
		if err != nil {
			return nil, err
		}
		out[item.Name] = value
	}
	return out, nil
}

// Write encodes value into buf at the location of item and returns the
// buffer. Fixed size items require buf to already cover them; variably
// sized items resize the buffer to end exactly after the written value.
func Write(pkt *packet.Packet, item *packet.Item, value any, buf []byte) ([]byte, error) {
	out, err := write(item, value, buf)
	if err != nil {
		return buf, &EncodeError{Target: pkt.TargetName, Packet: pkt.PacketName, Item: item.Name, Err: err}
	}
	return out, nil
}

func read(item *packet.Item, buf []byte) (any, error) {
	if item.DataType == packet.DERIVED {
		return nil, nil
	}
	if !item.IsArray() {
		return readScalar(item, item.BitOffset, item.BitSize, buf)
	}

	count := item.ArrayCount
	if count == packet.Remaining {
		count = remainingElements(item, len(buf))
	}
	values := make([]any, 0, count)
	for i := 0; i < count; i++ {
		v, err := readScalar(item, item.BitOffset+i*item.BitSize, item.BitSize, buf)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		values = append(values, v)
	}
	return values, nil
}

func remainingElements(item *packet.Item, bufLen int) int {
	bits := bufLen*8 - item.BitOffset
	if bits <= 0 {
		return 0
	}
	return bits / item.BitSize
}

func readScalar(item *packet.Item, bitOffset, bitSize int, buf []byte) (any, error) {
	switch item.DataType {
	case packet.UINT:
		v, err := readBits(buf, bitOffset, bitSize, item.Endianness)
		if err != nil {
			return nil, err
		}
		return v, nil
	case packet.INT:
		v, err := readBits(buf, bitOffset, bitSize, item.Endianness)
		if err != nil {
			return nil, err
		}
		return signExtend(v, bitSize), nil
	case packet.FLOAT:
		v, err := readBits(buf, bitOffset, bitSize, item.Endianness)
		if err != nil {
			return nil, err
		}
		if bitSize == 32 {
			return float64(math.Float32frombits(uint32(v))), nil
		}
		return math.Float64frombits(v), nil
	case packet.STRING, packet.BLOCK:
		raw, err := readBytes(bitOffset, bitSize, buf)
		if err != nil {
			return nil, err
		}
		if item.DataType == packet.STRING {
			if idx := bytes.IndexByte(raw, 0); idx >= 0 {
				raw = raw[:idx]
			}
			return string(raw), nil
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("%w: unsupported data type %s", ErrTypeMismatch, item.DataType)
	}
}

func readBytes(bitOffset, bitSize int, buf []byte) ([]byte, error) {
	start := bitOffset / 8
	if start > len(buf) {
		return nil, fmt.Errorf("%w: offset %d beyond %d bytes", ErrBufferTooShort, start, len(buf))
	}
	end := len(buf)
	if bitSize > 0 {
		end = start + bitSize/8
		if end > len(buf) {
			return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrBufferTooShort, end, len(buf))
		}
	}
	out := make([]byte, end-start)
	copy(out, buf[start:end])
	return out, nil
}

func write(item *packet.Item, value any, buf []byte) ([]byte, error) {
	if item.DataType == packet.DERIVED {
		return buf, ErrDerived
	}
	if !item.IsArray() {
		return writeScalar(item, item.BitOffset, item.BitSize, value, buf)
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return buf, fmt.Errorf("%w: array item requires a slice, got %T", ErrTypeMismatch, value)
	}
	n := rv.Len()
	if item.ArrayCount == packet.Remaining {
		end := (item.BitOffset + n*item.BitSize + 7) / 8
		buf = resize(buf, end)
	} else if n > item.ArrayCount {
		return buf, fmt.Errorf("%w: %d elements exceed array count %d", ErrValueOutOfRange, n, item.ArrayCount)
	}
	for i := 0; i < n; i++ {
		var err error
		buf, err = writeScalar(item, item.BitOffset+i*item.BitSize, item.BitSize, rv.Index(i).Interface(), buf)
		if err != nil {
			return buf, fmt.Errorf("element %d: %w", i, err)
		}
	}
	return buf, nil
}

func writeScalar(item *packet.Item, bitOffset, bitSize int, value any, buf []byte) ([]byte, error) {
	switch item.DataType {
	case packet.UINT:
		v, ok := packet.Uint64(value)
		if !ok {
			return buf, fmt.Errorf("%w: %v (%T) is not an unsigned integer", ErrTypeMismatch, value, value)
		}
		if v > mask(bitSize) {
			return buf, fmt.Errorf("%w: %d does not fit in %d unsigned bits", ErrValueOutOfRange, v, bitSize)
		}
		return buf, writeBits(buf, bitOffset, bitSize, item.Endianness, v)
	case packet.INT:
		v, ok := packet.Int64(value)
		if !ok {
			return buf, fmt.Errorf("%w: %v (%T) is not an integer", ErrTypeMismatch, value, value)
		}
		if bitSize < 64 {
			lo, hi := -(int64(1) << (bitSize - 1)), (int64(1)<<(bitSize-1))-1
			if v < lo || v > hi {
				return buf, fmt.Errorf("%w: %d does not fit in %d signed bits", ErrValueOutOfRange, v, bitSize)
			}
		}
		return buf, writeBits(buf, bitOffset, bitSize, item.Endianness, uint64(v)&mask(bitSize))
	case packet.FLOAT:
		f, ok := packet.Float64(value)
		if !ok {
			return buf, fmt.Errorf("%w: %v (%T) is not a number", ErrTypeMismatch, value, value)
		}
		var bits uint64
		if bitSize == 32 {
			bits = uint64(math.Float32bits(float32(f)))
		} else {
			bits = math.Float64bits(f)
		}
		return buf, writeBits(buf, bitOffset, bitSize, item.Endianness, bits)
	case packet.STRING, packet.BLOCK:
		var raw []byte
		switch v := value.(type) {
		case string:
			raw = []byte(v)
		case []byte:
			raw = v
		default:
			return buf, fmt.Errorf("%w: %s item requires string or []byte, got %T", ErrTypeMismatch, item.DataType, value)
		}
		return writeBytes(bitOffset, bitSize, raw, buf)
	default:
		return buf, fmt.Errorf("%w: unsupported data type %s", ErrTypeMismatch, item.DataType)
	}
}

func writeBytes(bitOffset, bitSize int, raw, buf []byte) ([]byte, error) {
	start := bitOffset / 8
	if bitSize == 0 {
		buf = resize(buf, start+len(raw))
		copy(buf[start:], raw)
		return buf, nil
	}
	size := bitSize / 8
	if len(raw) > size {
		return buf, fmt.Errorf("%w: %d bytes exceed item size %d", ErrValueOutOfRange, len(raw), size)
	}
	if start+size > len(buf) {
		return buf, fmt.Errorf("%w: need %d bytes, have %d", ErrBufferTooShort, start+size, len(buf))
	}
	n := copy(buf[start:start+size], raw)
	clear(buf[start+n : start+size])
	return buf, nil
}

func resize(buf []byte, n int) []byte {
	if n <= len(buf) {
		return buf[:n]
	}
	out := make([]byte, n)
	copy(out, buf)
	return out
}
