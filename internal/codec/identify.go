package codec

import (
	"bytes"

	"github.com/banshee-data/cmdtlm/internal/packet"
)

// Matches reports whether every identification item of pkt holds its id
// value in buf. A packet without id items never matches.
func Matches(pkt *packet.Packet, buf []byte) bool {
	ids := pkt.IDItems()
	if len(ids) == 0 {
		return false
	}
	for _, item := range ids {
		value, err := read(item, buf)
		if err != nil || !equal(value, item.IDValue) {
			return false
		}
	}
	return true
}

// Identify returns the first candidate whose id items match buf. When none
// match and exactly one candidate exists it is returned as the target's only
// packet; otherwise the result is nil.
func Identify(candidates []*packet.Packet, buf []byte) *packet.Packet {
	for _, pkt := range candidates {
		if Matches(pkt, buf) {
			return pkt
		}
	}
	if len(candidates) == 1 && len(candidates[0].IDItems()) == 0 {
		return candidates[0]
	}
	return nil
}

func equal(a, b any) bool {
	if fa, ok := packet.Float64(a); ok {
		fb, ok := packet.Float64(b)
		return ok && fa == fb
	}
	switch va := a.(type) {
	case string:
		switch vb := b.(type) {
		case string:
			return va == vb
		case []byte:
			return va == string(vb)
		}
	case []byte:
		switch vb := b.(type) {
		case []byte:
			return bytes.Equal(va, vb)
		case string:
			return string(va) == vb
		}
	}
	return false
}
