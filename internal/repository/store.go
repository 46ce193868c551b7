package repository

import (
	"context"

	"github.com/foxzi/legismail/internal/db"
	"github.com/foxzi/legismail/internal/models"
)

// Store combines the SQLite repositories behind one handle
type Store struct {
	db          *db.DB
	Legislators *LegislatorRepository
	History     *HistoryRepository
}

// Open opens the database at path and applies migrations
func Open(path string) (*Store, error) {
	database, err := db.New(path)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, err
	}
	return NewStore(database), nil
}

func NewStore(database *db.DB) *Store {
	return &Store{
		db:          database,
		Legislators: NewLegislatorRepository(database.DB),
		History:     NewHistoryRepository(database.DB),
	}
}

func (s *Store) ReplaceLegislators(ctx context.Context, legislators []models.Legislator) ([]models.Legislator, error) {
	return s.Legislators.ReplaceAll(ctx, legislators)
}

func (s *Store) ListLegislators(ctx context.Context) ([]models.Legislator, error) {
	return s.Legislators.List(ctx)
}

func (s *Store) AppendHistory(ctx context.Context, e *models.HistoryEntry) error {
	return s.History.Append(ctx, e)
}

func (s *Store) ListHistory(ctx context.Context, limit int) ([]models.HistoryEntry, error) {
	return s.History.List(ctx, limit)
}

func (s *Store) Close() error {
	return s.db.Close()
}
