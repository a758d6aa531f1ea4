package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	logger.SetLevel(LevelInfo)

	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("debug message should be filtered at INFO level")
	}

	logger.Info("info message")
	output := buf.String()
	if !strings.Contains(output, "INFO") {
		t.Error("log should contain INFO level")
	}
	if !strings.Contains(output, "info message") {
		t.Error("log should contain the message")
	}
}

func TestLogger_WithComponentSharesSink(t *testing.T) {
	var buf bytes.Buffer
	root := New()
	scanner := root.WithComponent("scanner")

	// output and level set on the root apply to derived loggers
	root.SetOutput(&buf)
	root.SetLevel(LevelDebug)

	scanner.Debug("scan complete")

	output := buf.String()
	if !strings.Contains(output, "[scanner]") {
		t.Errorf("expected component in log, got: %s", output)
	}
	if !strings.Contains(output, "scan complete") {
		t.Errorf("expected message in log, got: %s", output)
	}
}

func TestLogger_FieldsSorted(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.Warn("queue overflow", Fields{"size": 10, "agent_id": "a-1", "kind": "AGENT_DEATH"})

	output := strings.TrimSpace(buf.String())
	want := "queue overflow agent_id=a-1 kind=AGENT_DEATH size=10"
	if !strings.HasSuffix(output, want) {
		t.Errorf("got %q, want suffix %q", output, want)
	}
}

func TestLogger_WithMergesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.With(Fields{"cluster": "c1"}).Info("started", Fields{"listen": ":8080"})

	output := buf.String()
	if !strings.Contains(output, "cluster=c1") || !strings.Contains(output, "listen=:8080") {
		t.Errorf("expected both fields, got: %s", output)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"", LevelInfo, false},
		{"debug", LevelDebug, false},
		{"WARN", LevelWarn, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestDiscard(t *testing.T) {
	// must not panic and must not write anywhere visible
	Discard().WithComponent("x").Error("ignored", Fields{"k": "v"})
}
