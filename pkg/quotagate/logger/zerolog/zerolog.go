// Package zerolog adapts github.com/rs/zerolog to quotagate.Logger.
package zerolog

import (
	"github.com/rs/zerolog"

	"github.com/mihaimyh/quotagate/pkg/quotagate"
)

// Logger implements quotagate.Logger using zerolog.
type Logger struct {
	logger *zerolog.Logger
}

// NewLogger creates a new zerolog logger adapter.
func NewLogger(logger *zerolog.Logger) *Logger {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Logger{logger: logger}
}

func (l *Logger) Debug(msg string, fields ...quotagate.Field) {
	l.log(l.logger.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...quotagate.Field) {
	l.log(l.logger.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...quotagate.Field) {
	l.log(l.logger.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...quotagate.Field) {
	l.log(l.logger.Error(), msg, fields)
}

// log maps known value types onto typed zerolog fields so that errors keep
// their message and durations stay numeric.
func (l *Logger) log(event *zerolog.Event, msg string, fields []quotagate.Field) {
	if event == nil {
		return
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case error:
			event = event.AnErr(f.Key, v)
		case string:
			event = event.Str(f.Key, v)
		case int:
			event = event.Int(f.Key, v)
		case int64:
			event = event.Int64(f.Key, v)
		case bool:
			event = event.Bool(f.Key, v)
		case quotagate.Tier:
			event = event.Str(f.Key, string(v))
		default:
			event = event.Interface(f.Key, v)
		}
	}
	event.Msg(msg)
}

var _ quotagate.Logger = (*Logger)(nil)
