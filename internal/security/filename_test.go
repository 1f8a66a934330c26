package security

import "testing"

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"INST_INT", "INST_INT"},
		{"radio-1.a", "radio-1.a"},
		{"../../etc/passwd", "etc_passwd"},
		{"a b  c", "a_b_c"},
		{"tty/USB0:9600", "tty_USB0_9600"},
		{"", "unknown"},
		{"...", "unknown"},
		{"ünï", "n"},
	}
	for _, tc := range tests {
		if got := SanitizeFilename(tc.in); got != tc.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	if got := SanitizeFilename(string(long)); len(got) != maxFilenameLen {
		t.Errorf("len(SanitizeFilename(300 x)) = %d, want %d", len(got), maxFilenameLen)
	}
}
