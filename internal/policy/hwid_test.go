package policy

import "testing"

func TestParseHWIDPattern(t *testing.T) {
	cases := []struct {
		pattern string
		ok      bool
	}{
		{"1234:5678", true},
		{"1234:*", true},
		{"1234-5678", false},
		{"12345678", false},
		{"zzzz:5678", false},
		{"1234:zzzz", false},
	}
	for _, c := range cases {
		got := ParseHWIDPattern(c.pattern) != nil
		if got != c.ok {
			t.Errorf("ParseHWIDPattern(%q) valid = %v, want %v", c.pattern, got, c.ok)
		}
	}
}

func TestHWIDPatternMatch(t *testing.T) {
	exact := ParseHWIDPattern("1234:5678")
	wild := ParseHWIDPattern("1234:*")

	if w := exact.Match(0x1234, 0x5678); w != 1000 {
		t.Errorf("exact match weight = %d, want 1000", w)
	}
	if w := exact.Match(0x1234, 0x0000); w != -1 {
		t.Errorf("mismatched pid weight = %d, want -1", w)
	}
	if w := wild.Match(0x1234, 0x9999); w != 1 {
		t.Errorf("wildcard match weight = %d, want 1", w)
	}
	if w := wild.Match(0x9999, 0x5678); w != -1 {
		t.Errorf("mismatched vid weight = %d, want -1", w)
	}
}
