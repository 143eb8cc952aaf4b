package devstate

import "testing"

func TestKeyNamespacing(t *testing.T) {
	s := New(nil, "starbud")
	tests := []struct {
		parts []string
		want  string
	}{
		{[]string{"device", "toy-01"}, "starbud:device:toy-01"},
		{[]string{"bind", "toy-01"}, "starbud:bind:toy-01"},
		{[]string{"session", "abc"}, "starbud:session:abc"},
	}
	for _, tt := range tests {
		if got := s.key(tt.parts...); got != tt.want {
			t.Errorf("key(%v) = %q, want %q", tt.parts, got, tt.want)
		}
	}
}

func TestKeyDefaultPrefix(t *testing.T) {
	s := New(nil, "")
	if got := s.key("device", "x"); got != "starbud:device:x" {
		t.Errorf("key with default prefix = %q", got)
	}
}
