package storage

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/live2d-driver/facedriver/internal/config"
	"github.com/live2d-driver/facedriver/internal/database"
	gormstorage "github.com/live2d-driver/facedriver/internal/storage/gorm"
	"github.com/live2d-driver/facedriver/internal/storage/memory"
)

// NewBackend creates a storage backend based on configuration. Database
// backends get their connection from db, which is opened here.
func NewBackend(cfg config.StorageConfig, db *database.Manager, log zerolog.Logger) (Backend, error) {
	switch cfg.Type {
	case "postgres", "sqlite":
		if err := db.Open(cfg); err != nil {
			return nil, err
		}
		return gormstorage.New(gormstorage.Dependencies{
			DB:            db.DB,
			FlushInterval: cfg.FlushInterval,
			Logger:        log,
		}), nil
	case "memory":
		return memory.New(cfg.Memory, log), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
