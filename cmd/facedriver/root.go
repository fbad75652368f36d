package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/live2d-driver/facedriver/internal/config"
	"github.com/live2d-driver/facedriver/internal/logging"
	intOtel "github.com/live2d-driver/facedriver/internal/otel"
	"github.com/live2d-driver/facedriver/internal/store"
)

const appName = "facedriver"

// Version can be set at build time via ldflags.
var Version = "0.0.1"

var (
	configDir string
	logLevel  string

	sessionStart = time.Now()

	slogManager  *logging.SlogManager
	logger       *slog.Logger
	otelProvider *intOtel.Provider
	logFile      *os.File

	// tracker is set by run; log records read its state.
	tracker *store.Store
)

var rootCmd = &cobra.Command{
	Use:          appName,
	Short:        "Drive a Live2D avatar from face tracking",
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		// the command context may already be cancelled by Ctrl+C
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		closeLogging(ctx)
	},
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", ".", "directory containing "+config.FileName)
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logLevel from the config file")
}

// setupLogging loads config, opens the session log file and rebuilds the
// logger with the configured OTel and Graylog outputs.
func setupLogging() error {
	slogManager = logging.NewSlogManager()
	slogManager.Setup(nil, "info", nil)
	logger = slogManager.Logger()

	if err := config.Load(configDir); err != nil {
		logger.Warn("Failed to load config, using defaults!", "error", err)
	} else {
		logger.Info("Loaded config", "dir", configDir)
	}
	if logLevel != "" {
		viper.Set("logLevel", logLevel)
	}

	f, logPath, err := logging.OpenSessionLog(config.GetString("logsDir"), appName, sessionStart)
	if err != nil {
		logger.Error("Failed to create/open log file!", "error", err, "path", logPath)
	} else {
		logFile = f
	}

	otelCfg := config.GetOTelConfig()
	if otelCfg.Enabled {
		otelProvider, err = intOtel.New(intOtel.Config{
			Enabled:      otelCfg.Enabled,
			ServiceName:  otelCfg.ServiceName,
			BatchTimeout: otelCfg.BatchTimeout,
			LogWriter:    logOutput(),
			Endpoint:     otelCfg.Endpoint,
			Insecure:     otelCfg.Insecure,
		})
		if err != nil {
			logger.Error("Failed to initialize OTel provider", "error", err)
			otelProvider = nil
		} else {
			logger.Info("OTel provider initialized", "file", logPath, "endpoint", otelCfg.Endpoint)
		}
	}

	if gl := config.GetGraylogConfig(); gl.Enabled {
		w, err := logging.NewGraylogWriter(gl.Address)
		if err != nil {
			logger.Error("Failed to connect to Graylog", "error", err)
		} else {
			slogManager.SetGraylog(w)
		}
	}

	slogManager.SetContextProvider(logContext)

	var otelLogProvider *sdklog.LoggerProvider
	if otelProvider != nil {
		otelLogProvider = otelProvider.LoggerProvider()
	}
	slogManager.Setup(logOutput(), config.GetString("logLevel"), otelLogProvider)
	logger = slogManager.Logger()
	slog.SetDefault(logger)
	logger.Info("Logging to file", "path", logPath, "version", Version)
	return nil
}

// logOutput is the session log file, or nil (stdout) when it could not be
// opened.
func logOutput() io.Writer {
	if logFile == nil {
		return nil
	}
	return logFile
}

func logContext() []slog.Attr {
	if tracker == nil {
		return nil
	}
	snap := tracker.Snapshot()
	return []slog.Attr{
		slog.String("connection", snap.Connection.String()),
		slog.Bool("tracking", snap.Running),
	}
}

func closeLogging(ctx context.Context) {
	if slogManager != nil {
		if err := slogManager.Flush(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "flush logs:", err)
		}
	}
	if otelProvider != nil {
		if err := otelProvider.Shutdown(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "shutdown otel:", err)
		}
	}
	if logFile != nil {
		_ = logFile.Close()
	}
}
