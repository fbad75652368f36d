// Package influx writes tracking metrics (backend fps, detection latency,
// control parameters) to InfluxDB, falling back to a gzipped line protocol
// file when the server cannot be reached.
package influx

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rs/zerolog"

	"github.com/live2d-driver/facedriver/internal/config"
	"github.com/live2d-driver/facedriver/pkg/core"
)

var ErrDisabled = errors.New("influx disabled")

// Measurement names.
const (
	MeasurementFps       = "backend_fps"
	MeasurementFace      = "face_parameters"
	MeasurementDetection = "detection_cycle"
)

const retentionSeconds = 60 * 60 * 24 * 30

// Manager handles the InfluxDB connection and writes.
type Manager struct {
	cfg    config.InfluxConfig
	Logger zerolog.Logger

	mu           sync.Mutex
	client       influxdb2.Client
	writer       influxdb2_api.WriteAPI
	backupFile   *os.File
	backupWriter *gzip.Writer
	valid        bool
}

func NewManager(log zerolog.Logger, cfg config.InfluxConfig) *Manager {
	return &Manager{
		cfg:    cfg,
		Logger: log.With().Str("component", "influx").Logger(),
	}
}

// Connect pings the server and prepares the bucket. When the server is down
// points go to the backup file instead; that is not an error.
func (m *Manager) Connect(ctx context.Context) error {
	if !m.cfg.Enabled {
		return ErrDisabled
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.client = influxdb2.NewClientWithOptions(
		fmt.Sprintf("%s://%s:%s", m.cfg.Protocol, m.cfg.Host, m.cfg.Port),
		m.cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(500).
			SetFlushInterval(1000),
	)

	running, err := m.client.Ping(ctx)
	if err != nil || !running {
		m.valid = false
		m.Logger.Warn().Err(err).Str("backupPath", m.cfg.BackupPath).
			Msg("InfluxDB unreachable, writing to backup file")
		return m.openBackup()
	}

	if err := m.ensureBucket(ctx); err != nil {
		return err
	}

	m.writer = m.client.WriteAPI(m.cfg.Org, m.cfg.Bucket)
	go func(errorsCh <-chan error) {
		for writeErr := range errorsCh {
			m.Logger.Error().Err(writeErr).Str("bucket", m.cfg.Bucket).
				Msg("Error sending data to InfluxDB")
		}
	}(m.writer.Errors())

	m.valid = true
	m.Logger.Info().Str("bucket", m.cfg.Bucket).Msg("InfluxDB client initialized")
	return nil
}

func (m *Manager) openBackup() error {
	if m.backupWriter != nil {
		return nil
	}
	if m.cfg.BackupPath == "" {
		return fmt.Errorf("influx unreachable and no backup path configured")
	}
	if err := os.MkdirAll(filepath.Dir(m.cfg.BackupPath), 0o755); err != nil {
		return fmt.Errorf("error creating backup dir: %w", err)
	}
	file, err := os.OpenFile(m.cfg.BackupPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("error creating backup file: %w", err)
	}
	m.backupFile = file
	m.backupWriter = gzip.NewWriter(file)
	return nil
}

func (m *Manager) ensureBucket(ctx context.Context) error {
	orgs := m.client.OrganizationsAPI()
	org, err := orgs.FindOrganizationByName(ctx, m.cfg.Org)
	if err != nil {
		m.Logger.Info().Str("org", m.cfg.Org).Msg("Organization not found, creating")
		org, err = orgs.CreateOrganizationWithName(ctx, m.cfg.Org)
		if err != nil {
			return fmt.Errorf("create organization %s: %w", m.cfg.Org, err)
		}
	}

	buckets := m.client.BucketsAPI()
	if _, err := buckets.FindBucketByName(ctx, m.cfg.Bucket); err == nil {
		return nil
	}

	m.Logger.Info().Str("bucket", m.cfg.Bucket).Msg("Bucket not found, creating")
	rule := domain.RetentionRuleTypeExpire
	_, err = buckets.CreateBucketWithName(ctx, org, m.cfg.Bucket, domain.RetentionRule{
		Type:         &rule,
		EverySeconds: retentionSeconds,
	})
	if err != nil {
		return fmt.Errorf("create bucket %s: %w", m.cfg.Bucket, err)
	}
	return nil
}

// WritePoint writes to InfluxDB or, while it is unreachable, to the backup
// file.
func (m *Manager) WritePoint(point *influxdb2_write.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.valid {
		m.writer.WritePoint(point)
		return nil
	}
	if m.backupWriter == nil {
		return fmt.Errorf("influxDB client not initialized and backup writer not available")
	}

	line := influxdb2_write.PointToLineProtocol(point, time.Nanosecond)
	if _, err := m.backupWriter.Write([]byte(line)); err != nil {
		return fmt.Errorf("error writing to InfluxDB backup file: %w", err)
	}
	return nil
}

// Valid reports whether points go to the server.
func (m *Manager) Valid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.valid
}

// Close flushes pending points and releases the client and backup file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writer != nil {
		m.writer.Flush()
	}
	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
	m.valid = false

	var errs []error
	if m.backupWriter != nil {
		errs = append(errs, m.backupWriter.Close())
		m.backupWriter = nil
	}
	if m.backupFile != nil {
		errs = append(errs, m.backupFile.Close())
		m.backupFile = nil
	}
	return errors.Join(errs...)
}

// FpsPoint is the backend-reported frame rate.
func FpsPoint(value float64, session string, t time.Time) *influxdb2_write.Point {
	return influxdb2.NewPoint(MeasurementFps,
		map[string]string{"session": session},
		map[string]interface{}{"value": value},
		t)
}

// FacePoint records one set of control parameters.
func FacePoint(p core.ControlParameters, detected bool, session string, t time.Time) *influxdb2_write.Point {
	return influxdb2.NewPoint(MeasurementFace,
		map[string]string{"session": session},
		map[string]interface{}{
			"detected": detected,
			"headX":    p.HeadX,
			"headY":    p.HeadY,
			"eyeY":     p.EyeY,
			"mouth":    p.Mouth,
		},
		t)
}

// DetectionPoint records one local detection cycle.
func DetectionPoint(latency time.Duration, faces int, t time.Time) *influxdb2_write.Point {
	return influxdb2.NewPoint(MeasurementDetection,
		nil,
		map[string]interface{}{
			"latency_ms": float64(latency.Microseconds()) / 1000,
			"faces":      faces,
		},
		t)
}
