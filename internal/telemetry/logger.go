package telemetry

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/stackline/internal/config"
)

// OTELHook adds trace and span IDs to every log entry
type OTELHook struct{}

func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	if level == zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

// SetupLogging configures the global zerolog logger. Console output is for
// operators; json is for CI logs.
func SetupLogging(cfg config.LogConfig, w io.Writer) error {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}

	out := w
	switch cfg.Format {
	case "", "console":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	case "json":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	default:
		return fmt.Errorf("unknown log format %q", cfg.Format)
	}

	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(out).
		With().
		Timestamp().
		Logger().
		Hook(OTELHook{})

	return nil
}
