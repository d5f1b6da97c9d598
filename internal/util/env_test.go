package util

import (
	"reflect"
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"OFF", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("ORDERPIPE_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("ORDERPIPE_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("ORDERPIPE_TEST_INT", "12")
	if got := ParseIntEnv("ORDERPIPE_TEST_INT", 4); got != 12 {
		t.Errorf("expected 12, got %d", got)
	}
	t.Setenv("ORDERPIPE_TEST_INT", "twelve")
	if got := ParseIntEnv("ORDERPIPE_TEST_INT", 4); got != 4 {
		t.Errorf("expected default 4, got %d", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("ORDERPIPE_TEST_DUR", "90s")
	if got := ParseDurationEnv("ORDERPIPE_TEST_DUR", time.Minute); got != 90*time.Second {
		t.Errorf("expected 90s, got %v", got)
	}
	t.Setenv("ORDERPIPE_TEST_DUR", "soon")
	if got := ParseDurationEnv("ORDERPIPE_TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("expected default, got %v", got)
	}
}

func TestSplitList(t *testing.T) {
	got := SplitList(" 263771234567, ,263772222222 ")
	want := []string{"263771234567", "263772222222"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SplitList() = %v, want %v", got, want)
	}
	if got := SplitList(""); got != nil {
		t.Errorf("expected nil for empty input, got %v", got)
	}
}
