// Package history keeps the append-only log of send batches.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/legismail/internal/models"
)

// ErrInvalidCounts is returned when a record's counters are inconsistent
var ErrInvalidCounts = errors.New("invalid history counts")

// Storage is the part of the record store the logger needs
type Storage interface {
	AppendHistory(ctx context.Context, e *models.HistoryEntry) error
	ListHistory(ctx context.Context, limit int) ([]models.HistoryEntry, error)
}

// Record describes a finished batch
type Record struct {
	Subject        string
	Body           string
	SenderName     string
	SenderEmail    string
	RecipientCount int
	Sent           int
	Failed         int
}

// Logger appends batch records to storage
type Logger struct {
	storage Storage
	logger  *slog.Logger
	now     func() time.Time
}

// NewLogger creates a history logger
func NewLogger(storage Storage, logger *slog.Logger) *Logger {
	return &Logger{
		storage: storage,
		logger:  logger,
		now:     time.Now,
	}
}

// Record appends an entry for a finished batch and returns it
func (l *Logger) Record(ctx context.Context, r Record) (*models.HistoryEntry, error) {
	if r.RecipientCount < 0 || r.Sent < 0 || r.Failed < 0 {
		return nil, fmt.Errorf("%w: negative count", ErrInvalidCounts)
	}
	if r.Sent+r.Failed > r.RecipientCount {
		return nil, fmt.Errorf("%w: sent %d + failed %d exceeds %d recipients",
			ErrInvalidCounts, r.Sent, r.Failed, r.RecipientCount)
	}

	entry := &models.HistoryEntry{
		ID:             uuid.New().String(),
		Subject:        r.Subject,
		Body:           r.Body,
		SenderName:     r.SenderName,
		SenderEmail:    r.SenderEmail,
		RecipientCount: r.RecipientCount,
		SentCount:      r.Sent,
		FailedCount:    r.Failed,
		CreatedAt:      l.now().UTC(),
	}

	if err := l.storage.AppendHistory(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to append history: %w", err)
	}

	l.logger.Info("batch recorded",
		"id", entry.ID,
		"recipients", entry.RecipientCount,
		"sent", entry.SentCount,
		"failed", entry.FailedCount,
	)

	return entry, nil
}

// List returns up to limit entries, newest first
func (l *Logger) List(ctx context.Context, limit int) ([]models.HistoryEntry, error) {
	entries, err := l.storage.ListHistory(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	return entries, nil
}
