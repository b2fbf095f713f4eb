package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestModuleFilter(t *testing.T) {
	var buf bytes.Buffer
	if err := InitLoggerWithWriter(&buf, "trace", false); err != nil {
		t.Fatalf("InitLoggerWithWriter failed: %v", err)
	}
	defer SetDefault(NewLogger(DiscardHandler()))

	DisableModule(Pool)
	Debug(Pool, "hidden debug")
	if strings.Contains(buf.String(), "hidden debug") {
		t.Errorf("debug record emitted for disabled module")
	}

	EnableModules("pool, batch")
	Debug(Pool, "visible debug", "sender", "0xabc")
	out := buf.String()
	if !strings.Contains(out, "visible debug") || !strings.Contains(out, "module=pool") {
		t.Errorf("expected module-tagged debug record, got %q", out)
	}

	Info(State, "always visible")
	if !strings.Contains(buf.String(), "always visible") {
		t.Errorf("info records should not be module filtered")
	}
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"trace", "DEBUG", "info", "warn", "error", "crit"} {
		if _, err := ParseLevel(s); err != nil {
			t.Errorf("ParseLevel(%s): %v", s, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Errorf("expected error for unknown level")
	}
}
