package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// swapped by tests
var (
	osStdout = os.Stdout
	osPipe   = os.Pipe
)

const otelScope = "facedriver"

// SlogManager builds the host logger: console or session file, plus the
// optional OTel bridge and Graylog sink.
type SlogManager struct {
	logger *slog.Logger

	logProvider *sdklog.LoggerProvider
	graylog     io.Writer
	context     ContextProvider
}

func NewSlogManager() *SlogManager {
	return &SlogManager{}
}

// SetGraylog adds a GELF sink to the next Setup. Pass nil to remove it.
func (m *SlogManager) SetGraylog(w io.Writer) {
	m.graylog = w
}

// SetContextProvider makes every record carry the attributes returned by p.
func (m *SlogManager) SetContextProvider(p ContextProvider) {
	m.context = p
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup (re)builds the logger. Records go to file when given, otherwise to
// stdout. A nil provider disables the OTel bridge.
func (m *SlogManager) Setup(file io.Writer, level string, provider *sdklog.LoggerProvider) {
	m.logProvider = provider

	handlerOpts := &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handlers []slog.Handler
	if file != nil {
		handlers = append(handlers, slog.NewTextHandler(file, handlerOpts))
	} else {
		handlers = append(handlers, slog.NewTextHandler(osStdout, handlerOpts))
	}
	if m.graylog != nil {
		handlers = append(handlers, slog.NewJSONHandler(m.graylog, handlerOpts))
	}
	if provider != nil {
		handlers = append(handlers, otelslog.NewHandler(otelScope, otelslog.WithLoggerProvider(provider)))
	}

	var h slog.Handler = NewMultiHandler(handlers...)
	if m.context != nil {
		h = NewContextHandler(h, m.context)
	}

	m.logger = slog.New(h)
	m.logger.Info("Logging initialized", "level", level)
}

// Logger returns the configured logger, or slog.Default before Setup.
func (m *SlogManager) Logger() *slog.Logger {
	if m.logger == nil {
		return slog.Default()
	}
	return m.logger
}

// Flush forces a flush of OTel logs if available.
func (m *SlogManager) Flush(ctx context.Context) error {
	if m.logProvider != nil {
		return m.logProvider.ForceFlush(ctx)
	}
	return nil
}
