package iface

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Protocol frames packets on a byte stream. ReadData receives bytes as
// they arrive and returns any packets now complete; WriteData turns a
// packet into the bytes to transmit.
type Protocol interface {
	ReadData(data []byte) ([][]byte, error)
	WriteData(data []byte) ([]byte, error)
	Reset()
}

// BurstProtocol treats every read as one packet. With a sync pattern,
// bytes ahead of the pattern are dropped and reads without the pattern are
// held until it arrives. DiscardLeading bytes are stripped from the front
// of each packet, the sync pattern included.
type BurstProtocol struct {
	DiscardLeading int
	SyncPattern    []byte
	// FillFields writes the sync pattern into outgoing packets.
	FillFields bool

	buf []byte
}

func (p *BurstProtocol) ReadData(data []byte) ([][]byte, error) {
	p.buf = append(p.buf, data...)
	if len(p.SyncPattern) > 0 {
		idx := bytes.Index(p.buf, p.SyncPattern)
		if idx < 0 {
			// Keep a partial pattern that may complete on the next read.
			if keep := len(p.SyncPattern) - 1; len(p.buf) > keep {
				p.buf = append(p.buf[:0], p.buf[len(p.buf)-keep:]...)
			}
			return nil, nil
		}
		p.buf = p.buf[idx:]
	}
	if len(p.buf) <= p.DiscardLeading {
		if len(p.SyncPattern) == 0 {
			p.buf = nil
		}
		return nil, nil
	}
	pkt := append([]byte(nil), p.buf[p.DiscardLeading:]...)
	p.buf = nil
	return [][]byte{pkt}, nil
}

func (p *BurstProtocol) WriteData(data []byte) ([]byte, error) {
	if !p.FillFields || len(p.SyncPattern) == 0 {
		return data, nil
	}
	if p.DiscardLeading > 0 {
		hdr := make([]byte, p.DiscardLeading)
		copy(hdr, p.SyncPattern)
		return append(hdr, data...), nil
	}
	if len(data) < len(p.SyncPattern) {
		return nil, fmt.Errorf("packet of %d bytes is shorter than the sync pattern", len(data))
	}
	out := append([]byte(nil), data...)
	copy(out, p.SyncPattern)
	return out, nil
}

func (p *BurstProtocol) Reset() { p.buf = nil }

// TerminatedProtocol frames packets by a delimiter.
type TerminatedProtocol struct {
	WriteTermination []byte
	ReadTermination  []byte
	// StripRead removes the read termination from returned packets.
	StripRead      bool
	DiscardLeading int

	buf []byte
}

func (p *TerminatedProtocol) ReadData(data []byte) ([][]byte, error) {
	if len(p.ReadTermination) == 0 {
		return nil, fmt.Errorf("terminated protocol has no read termination")
	}
	p.buf = append(p.buf, data...)
	var pkts [][]byte
	for {
		idx := bytes.Index(p.buf, p.ReadTermination)
		if idx < 0 {
			break
		}
		end := idx
		if !p.StripRead {
			end += len(p.ReadTermination)
		}
		pkt := p.buf[:end]
		if p.DiscardLeading > 0 {
			if len(pkt) <= p.DiscardLeading {
				pkt = nil
			} else {
				pkt = pkt[p.DiscardLeading:]
			}
		}
		if len(pkt) > 0 {
			pkts = append(pkts, append([]byte(nil), pkt...))
		}
		p.buf = p.buf[idx+len(p.ReadTermination):]
	}
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return pkts, nil
}

func (p *TerminatedProtocol) WriteData(data []byte) ([]byte, error) {
	if len(p.WriteTermination) == 0 {
		return data, nil
	}
	out := make([]byte, 0, len(data)+len(p.WriteTermination))
	out = append(out, data...)
	return append(out, p.WriteTermination...), nil
}

func (p *TerminatedProtocol) Reset() { p.buf = nil }

// Stack chains protocols. Reads pass through the stages in order; writes
// pass through them in reverse.
type Stack []Protocol

func (s Stack) ReadData(data []byte) ([][]byte, error) {
	pkts := [][]byte{data}
	for _, p := range s {
		var next [][]byte
		for _, d := range pkts {
			out, err := p.ReadData(d)
			if err != nil {
				return nil, err
			}
			next = append(next, out...)
		}
		pkts = next
	}
	return pkts, nil
}

func (s Stack) WriteData(data []byte) ([]byte, error) {
	var err error
	for i := len(s) - 1; i >= 0; i-- {
		if data, err = s[i].WriteData(data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (s Stack) Reset() {
	for _, p := range s {
		p.Reset()
	}
}

// ParseProtocol builds a protocol from its configuration name and
// arguments:
//
//	BURST [discard_leading_bytes] [sync_pattern] [fill_fields]
//	TERMINATED <write_term> <read_term> [strip_read] [discard_leading_bytes]
//
// Byte arguments are hex, with or without a 0x prefix; "nil" leaves one
// unset.
func ParseProtocol(name string, args []string) (Protocol, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", "BURST":
		if len(args) > 3 {
			return nil, fmt.Errorf("too many arguments for BURST protocol")
		}
		p := &BurstProtocol{}
		var err error
		if len(args) > 0 {
			if p.DiscardLeading, err = parseCount(args[0]); err != nil {
				return nil, err
			}
		}
		if len(args) > 1 {
			if p.SyncPattern, err = parseHex(args[1]); err != nil {
				return nil, err
			}
		}
		if len(args) > 2 {
			if p.FillFields, err = parseBool(args[2]); err != nil {
				return nil, err
			}
		}
		return p, nil
	case "TERMINATED":
		if len(args) < 2 {
			return nil, fmt.Errorf("TERMINATED protocol needs write and read terminations")
		}
		if len(args) > 4 {
			return nil, fmt.Errorf("too many arguments for TERMINATED protocol")
		}
		p := &TerminatedProtocol{StripRead: true}
		var err error
		if p.WriteTermination, err = parseHex(args[0]); err != nil {
			return nil, err
		}
		if p.ReadTermination, err = parseHex(args[1]); err != nil {
			return nil, err
		}
		if len(p.ReadTermination) == 0 {
			return nil, fmt.Errorf("TERMINATED protocol needs a read termination")
		}
		if len(args) > 2 {
			if p.StripRead, err = parseBool(args[2]); err != nil {
				return nil, err
			}
		}
		if len(args) > 3 {
			if p.DiscardLeading, err = parseCount(args[3]); err != nil {
				return nil, err
			}
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown protocol %q", name)
	}
}

func parseHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "nil") || s == "" {
		return nil, nil
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex bytes %q: %w", s, err)
	}
	return b, nil
}

func parseCount(s string) (int, error) {
	if strings.EqualFold(s, "nil") {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid byte count %q", s)
	}
	return n, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToUpper(s) {
	case "TRUE", "YES", "1":
		return true, nil
	case "FALSE", "NO", "0", "NIL":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}
