package logging

import (
	"testing"

	"go.uber.org/zap"

	"opengrid.ai/internal/config"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"debug":   "debug",
		"WARNING": "warn",
		"error":   "error",
		"":        "info",
		"bogus":   "info",
	}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Fatalf("%q: got %s want %s", in, got, want)
		}
	}
}

func TestNew_RespectsLevel(t *testing.T) {
	l := New(config.LogSpec{Level: "warn", Format: "json"})
	if l.Core().Enabled(zap.InfoLevel) {
		t.Fatalf("info should be disabled at warn level")
	}
	if !l.Core().Enabled(zap.ErrorLevel) {
		t.Fatalf("error should be enabled at warn level")
	}
}
