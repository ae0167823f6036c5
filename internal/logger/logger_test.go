package logger

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNew_WritesStructuredLines(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "info", Output: &buf})

	cl := Component(l, "session")
	cl.Info().Str("document", "/doc").Msg("attached")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	want := map[string]string{
		"service":   "padsync",
		"component": "session",
		"document":  "/doc",
		"message":   "attached",
		"level":     "info",
	}
	for k, v := range want {
		if line[k] != v {
			t.Errorf("line[%q] = %v, want %q", k, line[k], v)
		}
	}
}

func TestNew_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "warn", Output: &buf})

	l.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("info line written at warn level: %q", buf.String())
	}
	l.Warn().Msg("shown")
	if buf.Len() == 0 {
		t.Error("warn line not written at warn level")
	}
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "chatty", Output: &buf})

	l.Debug().Msg("hidden")
	l.Info().Msg("shown")
	if bytes.Count(buf.Bytes(), []byte("\n")) != 1 {
		t.Errorf("got %q, want exactly the info line", buf.String())
	}
}
