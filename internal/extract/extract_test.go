package extract

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/cmdtlm/internal/packet"
)

func testCatalog(t *testing.T) *packet.Catalog {
	t.Helper()
	cat := packet.NewCatalog()
	cmd := packet.New("TGT", "CMD", packet.Command, packet.BigEndian, "")
	for _, item := range []*packet.Item{
		{Name: "PARAM1", BitSize: 16, DataType: packet.UINT},
		{Name: "DATA", BitOffset: 16, BitSize: 32, DataType: packet.BLOCK},
		{Name: "LABEL", BitOffset: 48, BitSize: 32, DataType: packet.STRING},
	} {
		if err := cmd.AddItem(item); err != nil {
			t.Fatalf("AddItem() error = %v", err)
		}
	}
	if err := cat.Add(cmd); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	return cat
}

func TestCmdFields(t *testing.T) {
	cat := testCatalog(t)
	tests := []struct {
		text string
		want Command
	}{
		{
			text: "TGT CMD with PARAM1 1, PARAM2 'a b'",
			want: Command{Target: "TGT", Name: "CMD", Params: map[string]any{"PARAM1": int64(1), "PARAM2": "a b"}},
		},
		{
			text: "TGT CMD",
			want: Command{Target: "TGT", Name: "CMD", Params: map[string]any{}},
		},
		{
			text: "TGT CMD WITH PARAM1 2 , PARAM3 3.5",
			want: Command{Target: "TGT", Name: "CMD", Params: map[string]any{"PARAM1": int64(2), "PARAM3": 3.5}},
		},
		{
			text: `TGT CMD with DATA 0xDEAD, LABEL 0x41, OTHER 0x10, Q "0x10"`,
			want: Command{Target: "TGT", Name: "CMD", Params: map[string]any{
				"DATA":  []byte{0xDE, 0xAD},
				"LABEL": []byte{0x41},
				"OTHER": int64(16),
				"Q":     "0x10",
			}},
		},
		{
			text: "TGT CMD with ARR [1, 2, 'x'], FLAG true",
			want: Command{Target: "TGT", Name: "CMD", Params: map[string]any{
				"ARR":  []any{int64(1), int64(2), "x"},
				"FLAG": true,
			}},
		},
		{
			text: "TGT WITHDRAW",
			want: Command{Target: "TGT", Name: "WITHDRAW", Params: map[string]any{}},
		},
	}
	for _, tc := range tests {
		got, err := CmdFields(tc.text, cat)
		if err != nil {
			t.Errorf("CmdFields(%q) error = %v", tc.text, err)
			continue
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("CmdFields(%q) mismatch (-want +got):\n%s", tc.text, diff)
		}
	}
}

func TestCmdFieldsWithoutLookup(t *testing.T) {
	got, err := CmdFields("TGT CMD with DATA 0xDEAD", nil)
	if err != nil {
		t.Fatalf("CmdFields() error = %v", err)
	}
	if got.Params["DATA"] != int64(0xDEAD) {
		t.Errorf("DATA = %#v, want integer without a type lookup", got.Params["DATA"])
	}
}

func TestCmdFieldsErrors(t *testing.T) {
	tests := []struct {
		text string
		msg  string
	}{
		{"", "text must not be empty"},
		{"TGT CMD with", "'with' must be followed by parameters"},
		{"TGT CMD with   ", "'with' must be followed by parameters"},
		{"TGT", "Both Target Name and Command Name must be given"},
		{"TGT CMD EXTRA with P 1", "Only Target Name and Command Name"},
		{"TGT CMD with P1 1 P2 2", "Missing comma"},
		{"TGT CMD with P1 1, P2", "Missing value for last command parameter"},
	}
	for _, tc := range tests {
		_, err := CmdFields(tc.text, nil)
		var extractErr *Error
		if !errors.As(err, &extractErr) {
			t.Errorf("CmdFields(%q) error = %v, want *Error", tc.text, err)
			continue
		}
		if !strings.Contains(err.Error(), tc.msg) {
			t.Errorf("CmdFields(%q) error = %q, want it to contain %q", tc.text, err, tc.msg)
		}
	}
}

func TestTlmFields(t *testing.T) {
	got, err := TlmFields("TGT PKT ITEM")
	if err != nil {
		t.Fatalf("TlmFields() error = %v", err)
	}
	if got != (Ref{"TGT", "PKT", "ITEM"}) {
		t.Errorf("TlmFields() = %+v", got)
	}
	for _, text := range []string{"TGT PKT", "TGT PKT ITEM EXTRA", ""} {
		if _, err := TlmFields(text); err == nil {
			t.Errorf("TlmFields(%q) expected an error", text)
		}
	}
}

func TestSetTlmFields(t *testing.T) {
	tests := []struct {
		text  string
		value any
	}{
		{"TGT PKT ITEM = 'new item'", "new item"},
		{"TGT PKT ITEM='new item'", "new item"},
		{"TGT PKT ITEM= 'new item'", "new item"},
		{"TGT PKT ITEM ='new item'", "new item"},
		{"TGT PKT ITEM = 5", int64(5)},
		{"TGT PKT ITEM = 1.5", 1.5},
		{"TGT PKT ITEM = 'a=b'", "a=b"},
	}
	for _, tc := range tests {
		ref, value, err := SetTlmFields(tc.text)
		if err != nil {
			t.Errorf("SetTlmFields(%q) error = %v", tc.text, err)
			continue
		}
		if ref != (Ref{"TGT", "PKT", "ITEM"}) {
			t.Errorf("SetTlmFields(%q) ref = %+v", tc.text, ref)
		}
		if diff := cmp.Diff(tc.value, value); diff != "" {
			t.Errorf("SetTlmFields(%q) value mismatch (-want +got):\n%s", tc.text, diff)
		}
	}
	for _, text := range []string{"TGT PKT ITEM", "TGT PKT ITEM =", "TGT PKT ITEM =   ", "TGT PKT = 5", "TGT PKT ITEM X = 5", "TGT PKT ITEM == 5", "TGT PKT ITEM = = 5"} {
		if _, _, err := SetTlmFields(text); err == nil {
			t.Errorf("SetTlmFields(%q) expected an error", text)
		}
	}
}

func TestCheckFields(t *testing.T) {
	tests := []struct {
		text       string
		comparison string
	}{
		{"TGT PKT ITEM", ""},
		{"TGT PKT ITEM > 5", "> 5"},
		{"TGT PKT ITEM == 'two  spaces'", "== 'two  spaces'"},
		{"TGT PKT ITEM >= 1 and < 3", ">= 1 and < 3"},
	}
	for _, tc := range tests {
		ref, comparison, err := CheckFields(tc.text)
		if err != nil {
			t.Errorf("CheckFields(%q) error = %v", tc.text, err)
			continue
		}
		if ref != (Ref{"TGT", "PKT", "ITEM"}) {
			t.Errorf("CheckFields(%q) ref = %+v", tc.text, ref)
		}
		if comparison != tc.comparison {
			t.Errorf("CheckFields(%q) comparison = %q, want %q", tc.text, comparison, tc.comparison)
		}
	}

	_, _, err := CheckFields("TGT PKT ITEM = 5")
	if err == nil || !strings.Contains(err.Error(), "Use '==' instead of '='") {
		t.Errorf("CheckFields(single =) error = %v", err)
	}
	if _, _, err := CheckFields("TGT PKT"); err == nil {
		t.Error("CheckFields(two tokens) expected an error")
	}
}

func TestConvertToValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"10", int64(10)},
		{"-3", int64(-3)},
		{"010", int64(10)},
		{"0x1F", int64(31)},
		{"0xFFFFFFFFFFFFFFFF", uint64(0xFFFFFFFFFFFFFFFF)},
		{"18446744073709551615", uint64(18446744073709551615)},
		{"2.5", 2.5},
		{"1e3", 1000.0},
		{".5", 0.5},
		{"TRUE", true},
		{"false", false},
		{"[]", []any{}},
		{"[1, [2, 3]]", []any{int64(1), []any{int64(2), int64(3)}}},
		{"hello", "hello"},
		{"1.2.3", "1.2.3"},
	}
	for _, tc := range tests {
		if diff := cmp.Diff(tc.want, ConvertToValue(tc.in)); diff != "" {
			t.Errorf("ConvertToValue(%q) mismatch (-want +got):\n%s", tc.in, diff)
		}
	}
}

func TestRemoveQuotes(t *testing.T) {
	for in, want := range map[string]string{
		`"abc"`: "abc",
		`'abc'`: "abc",
		`'abc"`: `'abc"`,
		`'`:     `'`,
		`abc`:   "abc",
		`''`:    "",
	} {
		if got := RemoveQuotes(in); got != want {
			t.Errorf("RemoveQuotes(%q) = %q, want %q", in, got, want)
		}
	}
}
