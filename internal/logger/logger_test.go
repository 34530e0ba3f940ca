package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestTextOutputCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "DEBUG", "text", false)

	Info("victim selected", KeySegno, 42, KeyMode, "fg")

	out := buf.String()
	for _, want := range []string{"INFO", "victim selected", "segno=42", "mode=fg"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN", "text", false)

	Debug("hidden")
	Info("hidden too")
	Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("suppressed levels leaked: %q", out)
	}
	if !strings.Contains(out, "visible") {
		t.Errorf("warn level missing: %q", out)
	}

	SetLevel("DEBUG")
	Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Error("SetLevel did not take effect")
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json", false)

	Info("gc pass done", KeySecFreed, 1)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "gc pass done" {
		t.Errorf("msg = %v", rec["msg"])
	}
	if rec[KeySecFreed] != float64(1) {
		t.Errorf("%s = %v", KeySecFreed, rec[KeySecFreed])
	}
}

func TestWithAttachesFields(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text", false)

	l := With(KeyDevice, "img:0")
	l.Info("worker started")

	if !strings.Contains(buf.String(), "device=img:0") {
		t.Errorf("With fields missing: %q", buf.String())
	}
}
