package config

import (
	"testing"
	"time"
)

func TestEnvOr(t *testing.T) {
	t.Setenv("TOOLENGINE_TEST_STR", "value")
	if got := EnvOr("TOOLENGINE_TEST_STR", "fallback"); got != "value" {
		t.Errorf("got %q", got)
	}
	if got := EnvOr("TOOLENGINE_TEST_UNSET", "fallback"); got != "fallback" {
		t.Errorf("got %q", got)
	}
}

func TestEnvOrInt(t *testing.T) {
	t.Setenv("TOOLENGINE_TEST_INT", "42")
	t.Setenv("TOOLENGINE_TEST_BADINT", "forty")
	if got := EnvOrInt("TOOLENGINE_TEST_INT", 1); got != 42 {
		t.Errorf("got %d", got)
	}
	if got := EnvOrInt("TOOLENGINE_TEST_BADINT", 1); got != 1 {
		t.Errorf("got %d", got)
	}
}

func TestEnvOrDuration(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 5 * time.Second},
		{"250ms", 250 * time.Millisecond},
		{"2m", 2 * time.Minute},
		{"soon", 5 * time.Second},
		{"-1s", 5 * time.Second},
	}
	for _, tt := range tests {
		t.Setenv("TOOLENGINE_TEST_DUR", tt.value)
		if got := EnvOrDuration("TOOLENGINE_TEST_DUR", 5*time.Second); got != tt.want {
			t.Errorf("%q: got %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestEnvOrBool(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"", true},
		{"false", false},
		{"0", false},
		{"TRUE", true},
		{"maybe", true},
	}
	for _, tt := range tests {
		t.Setenv("TOOLENGINE_TEST_BOOL", tt.value)
		if got := EnvOrBool("TOOLENGINE_TEST_BOOL", true); got != tt.want {
			t.Errorf("%q: got %v, want %v", tt.value, got, tt.want)
		}
	}
}
