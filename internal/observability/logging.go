package observability

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// ParseSeverity maps a level name (debug, info, warn, error) to an OTel
// log severity.
func ParseSeverity(level string) (otellog.Severity, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return otellog.SeverityDebug, nil
	case "", "info":
		return otellog.SeverityInfo, nil
	case "warn", "warning":
		return otellog.SeverityWarn, nil
	case "error":
		return otellog.SeverityError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", level)
	}
}

// minSeverity drops records below floor before they reach the exporter.
type minSeverity struct {
	sdklog.Processor
	floor otellog.Severity
}

func (p minSeverity) OnEmit(ctx context.Context, r *sdklog.Record) error {
	if r.Severity() < p.floor {
		return nil
	}
	return p.Processor.OnEmit(ctx, r)
}

// SetupLogging installs the global OTel logger provider that every
// package's otelslog logger writes through. Records at or above level are
// exported to w. The returned function flushes and stops the provider.
func SetupLogging(w io.Writer, level otellog.Severity) (func(context.Context) error, error) {
	exporter, err := stdoutlog.New(stdoutlog.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create log exporter: %w", err)
	}
	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(minSeverity{Processor: sdklog.NewBatchProcessor(exporter), floor: level}),
	)
	global.SetLoggerProvider(provider)
	return provider.Shutdown, nil
}
