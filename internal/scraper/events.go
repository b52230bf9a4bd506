package scraper

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/regscrape/internal/observability"
)

// EventKind distinguishes milestone events from mirrored log lines.
type EventKind string

const (
	EventStatus EventKind = "status"
	EventLog    EventKind = "log"
)

// Event is a progress notification for one run.
type Event struct {
	Kind    EventKind              `json:"-"`
	RunID   string                 `json:"run_id"`
	Time    time.Time              `json:"time"`
	Level   string                 `json:"level,omitempty"`
	Message string                 `json:"message"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

// LogSink receives the events of a run. It is called from the run's
// goroutine and must not block for long.
type LogSink func(Event)

// attachSink tees the run logger into sink at info and above.
func attachSink(logger *zap.Logger, runID string, sink LogSink) *zap.Logger {
	if sink == nil {
		return logger
	}
	return observability.WithSink(logger, zapcore.InfoLevel, func(e observability.Entry) {
		delete(e.Fields, "run_id")
		sink(Event{
			Kind:    EventLog,
			RunID:   runID,
			Time:    e.Time,
			Level:   e.Level,
			Message: e.Message,
			Fields:  e.Fields,
		})
	})
}
