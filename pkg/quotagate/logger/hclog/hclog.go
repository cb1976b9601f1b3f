// Package hclog adapts github.com/hashicorp/go-hclog to quotagate.Logger.
package hclog

import (
	"github.com/hashicorp/go-hclog"

	"github.com/mihaimyh/quotagate/pkg/quotagate"
)

// Logger implements quotagate.Logger using hclog.
type Logger struct {
	logger hclog.Logger
}

// NewLogger creates a new hclog logger adapter. A nil logger discards output.
func NewLogger(logger hclog.Logger) *Logger {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Logger{logger: logger}
}

// Default returns an adapter over a named hclog logger writing to stderr.
func Default(name string, level hclog.Level) *Logger {
	return NewLogger(hclog.New(&hclog.LoggerOptions{
		Name:  name,
		Level: level,
	}))
}

func (l *Logger) Debug(msg string, fields ...quotagate.Field) {
	l.logger.Debug(msg, args(fields)...)
}

func (l *Logger) Info(msg string, fields ...quotagate.Field) {
	l.logger.Info(msg, args(fields)...)
}

func (l *Logger) Warn(msg string, fields ...quotagate.Field) {
	l.logger.Warn(msg, args(fields)...)
}

func (l *Logger) Error(msg string, fields ...quotagate.Field) {
	l.logger.Error(msg, args(fields)...)
}

// args flattens fields into hclog's alternating key/value form.
func args(fields []quotagate.Field) []interface{} {
	if len(fields) == 0 {
		return nil
	}
	out := make([]interface{}, 0, len(fields)*2)
	for _, f := range fields {
		v := f.Value
		if t, ok := v.(quotagate.Tier); ok {
			v = string(t)
		}
		out = append(out, f.Key, v)
	}
	return out
}

var _ quotagate.Logger = (*Logger)(nil)
