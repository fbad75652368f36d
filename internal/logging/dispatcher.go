package logging

import (
	"log/slog"

	"github.com/rs/zerolog"
)

// badKey marks values that arrived without a usable key, matching slog.
const badKey = "!BADKEY"

// DispatcherLogger writes the dispatcher's key/value log calls to zerolog,
// tagged component=dispatcher.
type DispatcherLogger struct {
	z zerolog.Logger
}

func NewDispatcherLogger(z zerolog.Logger) *DispatcherLogger {
	return &DispatcherLogger{z: z.With().Str("component", "dispatcher").Logger()}
}

func (l *DispatcherLogger) Debug(msg string, kv ...any) { emit(l.z.Debug(), msg, kv) }
func (l *DispatcherLogger) Info(msg string, kv ...any)  { emit(l.z.Info(), msg, kv) }
func (l *DispatcherLogger) Error(msg string, kv ...any) { emit(l.z.Error(), msg, kv) }

// emit walks kv the way slog does: string keys take the next value, slog.Attr
// stands alone, anything else lands under !BADKEY. Errors are written as text.
func emit(e *zerolog.Event, msg string, kv []any) {
	if e == nil {
		return
	}
	for len(kv) > 0 {
		switch k := kv[0].(type) {
		case slog.Attr:
			e = e.Interface(k.Key, k.Value.Any())
			kv = kv[1:]
		case string:
			if len(kv) == 1 {
				e = e.Str(badKey, k)
				kv = nil
				continue
			}
			if err, ok := kv[1].(error); ok {
				e = e.Str(k, err.Error())
			} else {
				e = e.Interface(k, kv[1])
			}
			kv = kv[2:]
		default:
			e = e.Interface(badKey, k)
			kv = kv[1:]
		}
	}
	e.Msg(msg)
}
