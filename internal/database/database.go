// Package database opens the gorm connection used by session recording.
package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/live2d-driver/facedriver/internal/config"
)

var ErrUnsupported = errors.New("storage type has no database")

// MemoryDSN is a shared in-memory SQLite database.
const MemoryDSN = "file::memory:?cache=shared"

var sqlitePragmas = []string{
	"PRAGMA journal_mode = WAL;",
	"PRAGMA synchronous = NORMAL;",
	"PRAGMA temp_store = MEMORY;",
}

// Manager holds one database connection.
type Manager struct {
	DB     *gorm.DB
	Logger zerolog.Logger
}

func NewManager(log zerolog.Logger) *Manager {
	return &Manager{Logger: log.With().Str("component", "database").Logger()}
}

// Open connects according to cfg.Type ("sqlite" or "postgres") and pings
// the connection.
func (m *Manager) Open(cfg config.StorageConfig) error {
	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Type {
	case "postgres":
		db, err = OpenPostgres(cfg.Postgres)
	case "sqlite":
		db, err = OpenSqlite(cfg.SQLite.Path)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, cfg.Type)
	}
	if err != nil {
		m.Logger.Error().Err(err).Str("type", cfg.Type).Msg("Failed to open database")
		return fmt.Errorf("open %s: %w", cfg.Type, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("access sql interface: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("validate connection: %w", err)
	}
	if cfg.Type == "postgres" {
		sqlDB.SetMaxOpenConns(10)
	}

	m.DB = db
	m.Logger.Info().Str("type", cfg.Type).Msg("Connected to database")
	return nil
}

// Migrate creates or updates the tables for the given models.
func (m *Manager) Migrate(models ...any) error {
	if m.DB == nil {
		return fmt.Errorf("migrate: database not open")
	}
	m.Logger.Info().Int("models", len(models)).Msg("Migrating schema")
	if err := m.DB.AutoMigrate(models...); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (m *Manager) Close() error {
	if m.DB == nil {
		return nil
	}
	sqlDB, err := m.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// PostgresDSN builds a libpq keyword/value connection string.
func PostgresDSN(cfg config.PostgresConfig) string {
	return fmt.Sprintf(`host=%s port=%s user=%s password=%s dbname=%s sslmode=disable`,
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database)
}

func OpenPostgres(cfg config.PostgresConfig) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{
		DSN:                  PostgresDSN(cfg),
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		CreateBatchSize:        1000,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
}

// OpenSqlite opens the database file at path, creating its directory. An
// empty path or MemoryDSN opens a shared in-memory database.
func OpenSqlite(path string) (*gorm.DB, error) {
	dsn := path
	if dsn == "" {
		dsn = MemoryDSN
	} else if dsn != MemoryDSN {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
		CreateBatchSize:        500,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	for _, pragma := range sqlitePragmas {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}
	return db, nil
}
