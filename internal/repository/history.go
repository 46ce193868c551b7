package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/foxzi/legismail/internal/models"
)

// HistoryRepository is the append-only log of send batches
type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(db *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Append inserts a history entry
func (r *HistoryRepository) Append(ctx context.Context, e *models.HistoryEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO send_history (id, subject, body, sender_name, sender_email,
			recipient_count, sent_count, failed_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Subject, e.Body, e.SenderName, e.SenderEmail,
		e.RecipientCount, e.SentCount, e.FailedCount, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert history entry: %w", err)
	}
	return nil
}

// List returns entries newest first. limit <= 0 returns all entries.
func (r *HistoryRepository) List(ctx context.Context, limit int) ([]models.HistoryEntry, error) {
	query := `
		SELECT id, subject, body, sender_name, sender_email,
			recipient_count, sent_count, failed_count, created_at
		FROM send_history ORDER BY created_at DESC, seq DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	entries := []models.HistoryEntry{}
	for rows.Next() {
		var e models.HistoryEntry
		if err := rows.Scan(&e.ID, &e.Subject, &e.Body, &e.SenderName, &e.SenderEmail,
			&e.RecipientCount, &e.SentCount, &e.FailedCount, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}

	return entries, rows.Err()
}
