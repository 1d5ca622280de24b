package telemetry

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// traceHook correlates log events carrying a context with the active span.
// Error events also mark the span as failed.
type traceHook struct{}

func (traceHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	sc := span.SpanContext()
	if !sc.IsValid() {
		return
	}

	e.Stringer("trace_id", sc.TraceID()).Stringer("span_id", sc.SpanID())
	if level >= zerolog.ErrorLevel && level < zerolog.NoLevel {
		span.SetStatus(codes.Error, msg)
	}
}

// SetupLogging points the global logger at out in human readable form.
// debug wins over level.
func SetupLogging(out io.Writer, level string, debug bool) error {
	lvl := zerolog.DebugLevel
	if !debug {
		parsed, err := zerolog.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("log level %q: %w", level, err)
		}
		lvl = parsed
	}

	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}).
		Hook(traceHook{}).
		With().
		Timestamp().
		Logger()
	return nil
}
