package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	otellog "go.opentelemetry.io/otel/log"
)

func TestSetupLoggingExportsPackageLogs(t *testing.T) {
	// Created before setup, like the package-level loggers.
	logger := otelslog.NewLogger("github.com/antoniostano/voxline/internal/observability/test")

	var out bytes.Buffer
	shutdown, err := SetupLogging(&out, otellog.SeverityInfo)
	if err != nil {
		t.Fatalf("SetupLogging() error = %v", err)
	}
	logger.Warn("skipped frame detected", "after", 4, "next", 6)
	logger.Debug("speech started")
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error = %v", err)
	}

	got := out.String()
	if !strings.Contains(got, "skipped frame detected") {
		t.Fatalf("output = %q, want the warning", got)
	}
	if strings.Contains(got, "speech started") {
		t.Fatalf("output = %q, want debug records dropped", got)
	}
}

func TestParseSeverity(t *testing.T) {
	cases := map[string]otellog.Severity{
		"debug": otellog.SeverityDebug,
		"":      otellog.SeverityInfo,
		"WARN":  otellog.SeverityWarn,
		"error": otellog.SeverityError,
	}
	for in, want := range cases {
		got, err := ParseSeverity(in)
		if err != nil || got != want {
			t.Fatalf("ParseSeverity(%q) = %v, %v, want %v", in, got, err, want)
		}
	}
	if _, err := ParseSeverity("loud"); err == nil {
		t.Fatalf("ParseSeverity(loud) error = nil")
	}
}
