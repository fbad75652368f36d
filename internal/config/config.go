package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

// FileName is the configuration file looked up in the config directory.
const FileName = "facedriver.cfg.json"

// ConnectionConfig holds the backend channel settings.
type ConnectionConfig struct {
	URL            string        `json:"url" mapstructure:"url"`
	ReconnectDelay time.Duration `json:"reconnectDelay" mapstructure:"reconnectDelay"`
	ConnectTimeout time.Duration `json:"connectTimeout" mapstructure:"connectTimeout"`
	PingInterval   time.Duration `json:"pingInterval" mapstructure:"pingInterval"`
	WriteWait      time.Duration `json:"writeWait" mapstructure:"writeWait"`
}

// ProcessConfig holds the backend process settings.
type ProcessConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Command string `json:"command" mapstructure:"command"`
	Script  string `json:"script" mapstructure:"script"`
	WorkDir string `json:"workDir" mapstructure:"workDir"`
}

// DetectionConfig holds the local detection loop settings.
type DetectionConfig struct {
	RefreshRate    float64 `json:"refreshRate" mapstructure:"refreshRate"`
	CameraSource   string  `json:"cameraSource" mapstructure:"cameraSource"`
	ViewportWidth  float64 `json:"viewportWidth" mapstructure:"viewportWidth"`
	ViewportHeight float64 `json:"viewportHeight" mapstructure:"viewportHeight"`
	FramesDir      string  `json:"framesDir" mapstructure:"framesDir"`
	FrameWidth     int     `json:"frameWidth" mapstructure:"frameWidth"`
	Clamp          bool    `json:"clamp" mapstructure:"clamp"`
}

// SQLiteConfig holds SQLite recording settings.
type SQLiteConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// PostgresConfig holds PostgreSQL recording settings.
type PostgresConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
}

// MemoryConfig holds settings for the in-memory recorder, which writes one
// JSON file per session.
type MemoryConfig struct {
	OutputDir string `json:"outputDir" mapstructure:"outputDir"`
}

// StorageConfig selects the session recording backend.
type StorageConfig struct {
	Type          string         `json:"type" mapstructure:"type"`
	FlushInterval time.Duration  `json:"flushInterval" mapstructure:"flushInterval"`
	Memory        MemoryConfig   `json:"memory" mapstructure:"memory"`
	SQLite        SQLiteConfig   `json:"sqlite" mapstructure:"sqlite"`
	Postgres      PostgresConfig `json:"postgres" mapstructure:"postgres"`
}

// OTelConfig holds OpenTelemetry settings.
type OTelConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	ServiceName  string        `json:"serviceName" mapstructure:"serviceName"`
	BatchTimeout time.Duration `json:"batchTimeout" mapstructure:"batchTimeout"`
	Endpoint     string        `json:"endpoint" mapstructure:"endpoint"`
	Insecure     bool          `json:"insecure" mapstructure:"insecure"`
}

// InfluxConfig holds InfluxDB metric settings.
type InfluxConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Protocol string `json:"protocol" mapstructure:"protocol"`
	Token    string `json:"token" mapstructure:"token"`
	Org      string `json:"org" mapstructure:"org"`
	Bucket   string `json:"bucket" mapstructure:"bucket"`

	// BackupPath receives gzipped line protocol while the server is unreachable.
	BackupPath string `json:"backupPath" mapstructure:"backupPath"`
}

// GraylogConfig holds GELF log shipping settings.
type GraylogConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Address string `json:"address" mapstructure:"address"`
}

// BridgeConfig holds the renderer-facing websocket endpoint settings.
type BridgeConfig struct {
	Listen string `json:"listen" mapstructure:"listen"`
}

// MonitorConfig holds the periodic status report settings. An empty
// StatusFile keeps reports in the log only.
type MonitorConfig struct {
	Interval   time.Duration `json:"interval" mapstructure:"interval"`
	StatusFile string        `json:"statusFile" mapstructure:"statusFile"`
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	SetDefaults()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %v", err)
	}

	return nil
}

// SetDefaults registers every default value. Load calls it; tests and the
// CLI call it directly when running without a config file.
func SetDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./facedriverlogs")

	viper.SetDefault("connection.url", "ws://localhost:50836")
	viper.SetDefault("connection.reconnectDelay", "1s")
	viper.SetDefault("connection.connectTimeout", "5s")
	viper.SetDefault("connection.pingInterval", "30s")
	viper.SetDefault("connection.writeWait", "10s")

	viper.SetDefault("process.enabled", true)
	viper.SetDefault("process.command", defaultPython())
	viper.SetDefault("process.script", "backend/main.py")
	viper.SetDefault("process.workDir", "")

	viper.SetDefault("detection.refreshRate", 60)
	viper.SetDefault("detection.cameraSource", "webcam")
	viper.SetDefault("detection.viewportWidth", 1280)
	viper.SetDefault("detection.viewportHeight", 720)
	viper.SetDefault("detection.framesDir", "")
	viper.SetDefault("detection.frameWidth", 640)

	viper.SetDefault("mapper.clamp", false)

	viper.SetDefault("api.serverUrl", "http://localhost:50836")
	viper.SetDefault("api.apiKey", "")

	viper.SetDefault("storage.type", "memory")
	viper.SetDefault("storage.flushInterval", "2s")
	viper.SetDefault("storage.memory.outputDir", "./recordings")
	viper.SetDefault("storage.sqlite.path", "./recordings/sessions.db")
	viper.SetDefault("storage.postgres.host", "localhost")
	viper.SetDefault("storage.postgres.port", "5432")
	viper.SetDefault("storage.postgres.username", "postgres")
	viper.SetDefault("storage.postgres.password", "postgres")
	viper.SetDefault("storage.postgres.database", "facedriver")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "supersecrettoken")
	viper.SetDefault("influx.org", "facedriver")
	viper.SetDefault("influx.bucket", "tracking")
	viper.SetDefault("influx.backupPath", "./recordings/influx_backup.lp.gz")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "facedriver")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)

	viper.SetDefault("bridge.listen", "localhost:50837")

	viper.SetDefault("monitor.interval", "10s")
	viper.SetDefault("monitor.statusFile", "")
}

func defaultPython() string {
	if runtime.GOOS == "windows" {
		return "python"
	}
	return "python3"
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

func GetConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		URL:            viper.GetString("connection.url"),
		ReconnectDelay: viper.GetDuration("connection.reconnectDelay"),
		ConnectTimeout: viper.GetDuration("connection.connectTimeout"),
		PingInterval:   viper.GetDuration("connection.pingInterval"),
		WriteWait:      viper.GetDuration("connection.writeWait"),
	}
}

func GetProcessConfig() ProcessConfig {
	return ProcessConfig{
		Enabled: viper.GetBool("process.enabled"),
		Command: viper.GetString("process.command"),
		Script:  viper.GetString("process.script"),
		WorkDir: viper.GetString("process.workDir"),
	}
}

func GetDetectionConfig() DetectionConfig {
	return DetectionConfig{
		RefreshRate:    viper.GetFloat64("detection.refreshRate"),
		CameraSource:   viper.GetString("detection.cameraSource"),
		ViewportWidth:  viper.GetFloat64("detection.viewportWidth"),
		ViewportHeight: viper.GetFloat64("detection.viewportHeight"),
		FramesDir:      viper.GetString("detection.framesDir"),
		FrameWidth:     viper.GetInt("detection.frameWidth"),
		Clamp:          viper.GetBool("mapper.clamp"),
	}
}

func GetStorageConfig() StorageConfig {
	return StorageConfig{
		Type:          viper.GetString("storage.type"),
		FlushInterval: viper.GetDuration("storage.flushInterval"),
		Memory: MemoryConfig{
			OutputDir: viper.GetString("storage.memory.outputDir"),
		},
		SQLite: SQLiteConfig{
			Path: viper.GetString("storage.sqlite.path"),
		},
		Postgres: PostgresConfig{
			Host:     viper.GetString("storage.postgres.host"),
			Port:     viper.GetString("storage.postgres.port"),
			Username: viper.GetString("storage.postgres.username"),
			Password: viper.GetString("storage.postgres.password"),
			Database: viper.GetString("storage.postgres.database"),
		},
	}
}

func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}

func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:  viper.GetBool("influx.enabled"),
		Host:     viper.GetString("influx.host"),
		Port:     viper.GetString("influx.port"),
		Protocol: viper.GetString("influx.protocol"),
		Token:    viper.GetString("influx.token"),
		Org:      viper.GetString("influx.org"),
		Bucket:   viper.GetString("influx.bucket"),

		BackupPath: viper.GetString("influx.backupPath"),
	}
}

func GetGraylogConfig() GraylogConfig {
	return GraylogConfig{
		Enabled: viper.GetBool("graylog.enabled"),
		Address: viper.GetString("graylog.address"),
	}
}

func GetBridgeConfig() BridgeConfig {
	return BridgeConfig{Listen: viper.GetString("bridge.listen")}
}

func GetMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:   viper.GetDuration("monitor.interval"),
		StatusFile: viper.GetString("monitor.statusFile"),
	}
}
