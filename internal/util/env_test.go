package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	cases := []struct {
		value string
		def   bool
		want  bool
	}{
		{"true", false, true},
		{"1", false, true},
		{"YES", false, true},
		{"off", true, false},
		{"0", true, false},
		{"", true, true},
		{"maybe", false, false},
	}
	for _, tc := range cases {
		t.Setenv("YTBOT_TEST_BOOL", tc.value)
		if got := ParseBoolEnv("YTBOT_TEST_BOOL", tc.def); got != tc.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tc.value, tc.def, got, tc.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("YTBOT_TEST_DUR", "45s")
	if got := ParseDurationEnv("YTBOT_TEST_DUR", time.Minute); got != 45*time.Second {
		t.Errorf("expected 45s, got %v", got)
	}
	t.Setenv("YTBOT_TEST_DUR", "bogus")
	if got := ParseDurationEnv("YTBOT_TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("invalid value should fall back to default, got %v", got)
	}
	t.Setenv("YTBOT_TEST_DUR", "")
	if got := ParseDurationEnv("YTBOT_TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("empty value should fall back to default, got %v", got)
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("YTBOT_TEST_INT", "42")
	if got := ParseIntEnv("YTBOT_TEST_INT", 7); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	t.Setenv("YTBOT_TEST_INT", "not-a-number")
	if got := ParseIntEnv("YTBOT_TEST_INT", 7); got != 7 {
		t.Errorf("invalid value should fall back to default, got %d", got)
	}
}
