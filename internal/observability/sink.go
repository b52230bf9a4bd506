// File: internal/observability/sink.go
package observability

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Entry is a single log line forwarded to a Sink.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Logger  string         `json:"logger,omitempty"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Sink receives log entries for one scrape invocation. Implementations must
// not block for long; they run on the logging goroutine.
type Sink func(Entry)

// sinkCore is a zapcore.Core that hands every entry at or above its level to
// a Sink. It lets a caller observe a run's logs without redirecting process
// output.
type sinkCore struct {
	zapcore.LevelEnabler
	sink   Sink
	fields []zapcore.Field
}

// NewSinkCore returns a core forwarding entries enabled by level to sink.
func NewSinkCore(level zapcore.LevelEnabler, sink Sink) zapcore.Core {
	return &sinkCore{LevelEnabler: level, sink: sink}
}

// WithSink tees logger into sink. A nil sink returns logger unchanged.
func WithSink(logger *zap.Logger, level zapcore.LevelEnabler, sink Sink) *zap.Logger {
	if sink == nil {
		return logger
	}
	return logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, NewSinkCore(level, sink))
	}))
}

func (c *sinkCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &sinkCore{LevelEnabler: c.LevelEnabler, sink: c.sink, fields: merged}
}

func (c *sinkCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *sinkCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	e := Entry{
		Time:    ent.Time,
		Level:   ent.Level.String(),
		Logger:  ent.LoggerName,
		Message: ent.Message,
	}
	if len(enc.Fields) > 0 {
		e.Fields = enc.Fields
	}
	c.sink(e)
	return nil
}

func (c *sinkCore) Sync() error { return nil }
