package influx

import (
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/live2d-driver/facedriver/internal/config"
	"github.com/live2d-driver/facedriver/pkg/core"
)

func TestConnect_Disabled(t *testing.T) {
	m := NewManager(zerolog.Nop(), config.InfluxConfig{})
	assert.ErrorIs(t, m.Connect(context.Background()), ErrDisabled)
}

func TestWritePoint_NotConnected(t *testing.T) {
	m := NewManager(zerolog.Nop(), config.InfluxConfig{})
	assert.Error(t, m.WritePoint(FpsPoint(30, "s", time.Now())))
}

func TestUnreachable_WritesBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup", "influx.lp.gz")
	m := NewManager(zerolog.Nop(), config.InfluxConfig{
		Enabled:    true,
		Protocol:   "http",
		Host:       "127.0.0.1",
		Port:       "1",
		Org:        "facedriver",
		Bucket:     "tracking",
		BackupPath: path,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Connect(ctx))
	assert.False(t, m.Valid())

	ts := time.Unix(1700000000, 0)
	require.NoError(t, m.WritePoint(FpsPoint(29.5, "abc", ts)))
	require.NoError(t, m.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)

	assert.Contains(t, string(data), "backend_fps,session=abc value=29.5")
}

func lineOf(p *influxdb2_write.Point) string {
	return influxdb2_write.PointToLineProtocol(p, time.Nanosecond)
}

func TestFacePoint(t *testing.T) {
	p := FacePoint(core.ControlParameters{HeadX: 0.5, EyeY: 0.25, Mouth: 1}, true, "s1", time.Unix(1, 0))

	assert.Equal(t, MeasurementFace, p.Name())
	line := lineOf(p)
	assert.Contains(t, line, "session=s1")
	assert.Contains(t, line, "headX=0.5")
	assert.Contains(t, line, "mouth=1")
	assert.Contains(t, line, "detected=true")
}

func TestDetectionPoint(t *testing.T) {
	p := DetectionPoint(1500*time.Microsecond, 1, time.Unix(1, 0))
	line := lineOf(p)
	assert.Contains(t, line, MeasurementDetection)
	assert.Contains(t, line, "latency_ms=1.5")
	assert.Contains(t, line, "faces=1i")
}
