// Package store defines the record store shared by the SQLite and BoltDB
// backends.
package store

import (
	"context"
	"fmt"

	"github.com/foxzi/legismail/internal/boltstore"
	"github.com/foxzi/legismail/internal/config"
	"github.com/foxzi/legismail/internal/models"
	"github.com/foxzi/legismail/internal/repository"
)

// Store owns the legislator set and the send history. Every read returns
// fresh copies.
type Store interface {
	// ReplaceLegislators atomically discards the current set and stores the
	// given records, returning them with IDs assigned.
	ReplaceLegislators(ctx context.Context, legislators []models.Legislator) ([]models.Legislator, error)
	// ListLegislators returns all records in insertion order.
	ListLegislators(ctx context.Context) ([]models.Legislator, error)
	AppendHistory(ctx context.Context, e *models.HistoryEntry) error
	// ListHistory returns entries newest first; limit <= 0 means no limit.
	ListHistory(ctx context.Context, limit int) ([]models.HistoryEntry, error)
	Close() error
}

var (
	_ Store = (*repository.Store)(nil)
	_ Store = (*boltstore.BoltStorage)(nil)
)

// Open opens the backend selected by cfg.Driver
func Open(cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite, "":
		s, err := repository.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, nil
	case config.DriverBolt:
		s, err := boltstore.NewBoltStorage(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}
