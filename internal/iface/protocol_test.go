package iface

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBurstPassThrough(t *testing.T) {
	p := &BurstProtocol{}
	got, err := p.ReadData([]byte{1, 2, 3})
	if err != nil {
		t.Fatalf("ReadData() error = %v", err)
	}
	if diff := cmp.Diff([][]byte{{1, 2, 3}}, got); diff != "" {
		t.Errorf("ReadData() mismatch (-want +got):\n%s", diff)
	}
	out, _ := p.WriteData([]byte{4, 5})
	if diff := cmp.Diff([]byte{4, 5}, out); diff != "" {
		t.Errorf("WriteData() mismatch (-want +got):\n%s", diff)
	}
}

func TestBurstSyncPattern(t *testing.T) {
	p := &BurstProtocol{SyncPattern: []byte{0x1A, 0xCF}, DiscardLeading: 2}

	// Garbage ending in half a pattern is held.
	got, _ := p.ReadData([]byte{0x00, 0x01, 0x1A})
	if len(got) != 0 {
		t.Fatalf("ReadData() = %v before the pattern completed", got)
	}
	got, _ = p.ReadData([]byte{0xCF, 0x10, 0x20})
	if diff := cmp.Diff([][]byte{{0x10, 0x20}}, got); diff != "" {
		t.Errorf("ReadData() mismatch (-want +got):\n%s", diff)
	}

	p.FillFields = true
	out, err := p.WriteData([]byte{0x30})
	if err != nil {
		t.Fatalf("WriteData() error = %v", err)
	}
	if diff := cmp.Diff([]byte{0x1A, 0xCF, 0x30}, out); diff != "" {
		t.Errorf("WriteData() mismatch (-want +got):\n%s", diff)
	}
}

func TestBurstFillInPlace(t *testing.T) {
	p := &BurstProtocol{SyncPattern: []byte{0xAA}, FillFields: true}
	in := []byte{0x00, 0x01}
	out, err := p.WriteData(in)
	if err != nil {
		t.Fatalf("WriteData() error = %v", err)
	}
	if diff := cmp.Diff([]byte{0xAA, 0x01}, out); diff != "" {
		t.Errorf("WriteData() mismatch (-want +got):\n%s", diff)
	}
	if in[0] != 0x00 {
		t.Error("WriteData() modified its input")
	}
}

func TestTerminated(t *testing.T) {
	p := &TerminatedProtocol{
		WriteTermination: []byte("\r\n"),
		ReadTermination:  []byte("\r\n"),
		StripRead:        true,
	}
	got, _ := p.ReadData([]byte("ONE\r\nTW"))
	if diff := cmp.Diff([][]byte{[]byte("ONE")}, got); diff != "" {
		t.Errorf("first ReadData() mismatch (-want +got):\n%s", diff)
	}
	got, _ = p.ReadData([]byte("O\r\nTHREE\r\n"))
	if diff := cmp.Diff([][]byte{[]byte("TWO"), []byte("THREE")}, got); diff != "" {
		t.Errorf("second ReadData() mismatch (-want +got):\n%s", diff)
	}

	p.StripRead = false
	got, _ = p.ReadData([]byte("FOUR\r\n"))
	if diff := cmp.Diff([][]byte{[]byte("FOUR\r\n")}, got); diff != "" {
		t.Errorf("unstripped ReadData() mismatch (-want +got):\n%s", diff)
	}

	out, _ := p.WriteData([]byte("CMD"))
	if string(out) != "CMD\r\n" {
		t.Errorf("WriteData() = %q", out)
	}
}

func TestStackOrder(t *testing.T) {
	s := Stack{
		&TerminatedProtocol{WriteTermination: []byte{0x0A}, ReadTermination: []byte{0x0A}, StripRead: true},
		&BurstProtocol{DiscardLeading: 1},
	}
	got, err := s.ReadData([]byte{0xFF, 'a', 0x0A, 0xFF, 'b', 0x0A})
	if err != nil {
		t.Fatalf("ReadData() error = %v", err)
	}
	if diff := cmp.Diff([][]byte{[]byte("a"), []byte("b")}, got); diff != "" {
		t.Errorf("ReadData() mismatch (-want +got):\n%s", diff)
	}
	out, _ := s.WriteData([]byte("c"))
	if diff := cmp.Diff([]byte{'c', 0x0A}, out); diff != "" {
		t.Errorf("WriteData() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseProtocol(t *testing.T) {
	p, err := ParseProtocol("TERMINATED", []string{"0x0D0A", "0D0A", "false"})
	if err != nil {
		t.Fatalf("ParseProtocol() error = %v", err)
	}
	tp := p.(*TerminatedProtocol)
	if string(tp.ReadTermination) != "\r\n" || tp.StripRead {
		t.Errorf("ParseProtocol() = %+v", tp)
	}

	p, err = ParseProtocol("burst", []string{"4", "1ACFFC1D"})
	if err != nil {
		t.Fatalf("ParseProtocol() error = %v", err)
	}
	bp := p.(*BurstProtocol)
	if bp.DiscardLeading != 4 || len(bp.SyncPattern) != 4 {
		t.Errorf("ParseProtocol() = %+v", bp)
	}

	p, err = ParseProtocol("", nil)
	if err != nil {
		t.Fatalf("ParseProtocol(\"\") error = %v", err)
	}
	if _, ok := p.(*BurstProtocol); !ok {
		t.Errorf("ParseProtocol(\"\") = %T, want burst", p)
	}

	for _, tc := range []struct {
		name string
		args []string
	}{
		{"FRAMED", nil},
		{"TERMINATED", []string{"0A"}},
		{"TERMINATED", []string{"0A", "nil"}},
		{"TERMINATED", []string{"0A", "0A", "maybe"}},
		{"BURST", []string{"-1"}},
		{"BURST", []string{"0", "XY"}},
	} {
		if _, err := ParseProtocol(tc.name, tc.args); err == nil {
			t.Errorf("ParseProtocol(%s, %v) expected an error", tc.name, tc.args)
		}
	}
}
