package codec

import (
	"fmt"

	"github.com/banshee-data/cmdtlm/internal/packet"
)

// span returns the byte range [lower, upper] covered by a bit field.
func span(bitOffset, bitSize, bufLen int) (lower, upper int, err error) {
	if bitOffset < 0 || bitSize <= 0 || bitSize > 64 {
		return 0, 0, fmt.Errorf("%w: offset %d size %d", ErrInvalidBitRange, bitOffset, bitSize)
	}
	lower = bitOffset / 8
	upper = (bitOffset + bitSize - 1) / 8
	if upper >= bufLen {
		return 0, 0, fmt.Errorf("%w: need %d bytes, have %d", ErrBufferTooShort, upper+1, bufLen)
	}
	return lower, upper, nil
}

// orderedSpan copies the covered bytes so that the most significant byte is
// first. Little endian fields are reversed; bits are then counted from the
// most significant bit of the first byte in both byte orders.
func orderedSpan(buf []byte, lower, upper int, endianness packet.Endianness) []byte {
	out := make([]byte, upper-lower+1)
	copy(out, buf[lower:upper+1])
	if endianness == packet.LittleEndian {
		reverse(out)
	}
	return out
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

// readBits extracts an unsigned bit field from buf.
func readBits(buf []byte, bitOffset, bitSize int, endianness packet.Endianness) (uint64, error) {
	lower, upper, err := span(bitOffset, bitSize, len(buf))
	if err != nil {
		return 0, err
	}
	bytes := orderedSpan(buf, lower, upper, endianness)

	// Byte aligned fields need no bit shuffling.
	if bitOffset%8 == 0 && bitSize%8 == 0 {
		var v uint64
		for _, b := range bytes {
			v = v<<8 | uint64(b)
		}
		return v, nil
	}

	start := bitOffset % 8
	var v uint64
	for i := 0; i < bitSize; i++ {
		idx := start + i
		bit := (bytes[idx/8] >> (7 - idx%8)) & 1
		v = v<<1 | uint64(bit)
	}
	return v, nil
}

// writeBits stores the low bitSize bits of v into buf.
func writeBits(buf []byte, bitOffset, bitSize int, endianness packet.Endianness, v uint64) error {
	lower, upper, err := span(bitOffset, bitSize, len(buf))
	if err != nil {
		return err
	}
	bytes := orderedSpan(buf, lower, upper, endianness)

	if bitOffset%8 == 0 && bitSize%8 == 0 {
		for i := len(bytes) - 1; i >= 0; i-- {
			bytes[i] = byte(v)
			v >>= 8
		}
	} else {
		start := bitOffset % 8
		for i := bitSize - 1; i >= 0; i-- {
			idx := start + i
			mask := byte(1) << (7 - idx%8)
			if v&1 == 1 {
				bytes[idx/8] |= mask
			} else {
				bytes[idx/8] &^= mask
			}
			v >>= 1
		}
	}

	if endianness == packet.LittleEndian {
		reverse(bytes)
	}
	copy(buf[lower:upper+1], bytes)
	return nil
}

func mask(bitSize int) uint64 {
	if bitSize >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << bitSize) - 1
}

func signExtend(v uint64, bitSize int) int64 {
	if bitSize >= 64 {
		return int64(v)
	}
	if v&(uint64(1)<<(bitSize-1)) != 0 {
		v |= ^mask(bitSize)
	}
	return int64(v)
}
