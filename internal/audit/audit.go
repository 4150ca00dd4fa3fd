package audit

import (
	"log/slog"

	"limitgate/internal/common"
)

// Sink receives structured audit and incident events. Persistence (for
// example a database audit table) belongs to the external audit-logging
// collaborator behind this interface.
type Sink interface {
	Emit(eventType string, severity common.Severity, context map[string]any)
}

// LogSink is the default Sink, writing events to structured logs.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(eventType string, severity common.Severity, context map[string]any) {
	attrs := make([]any, 0, 2+2*len(context))
	attrs = append(attrs, "event", eventType, "severity", severity.String())
	for k, v := range context {
		attrs = append(attrs, k, v)
	}
	s.logger.Info("audit", attrs...)
}

// Discard drops every event, for tests.
type Discard struct{}

func (Discard) Emit(string, common.Severity, map[string]any) {}
