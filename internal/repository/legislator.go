// Package repository implements legislator and history persistence on SQLite.
package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/foxzi/legismail/internal/models"
)

// LegislatorRepository stores the current legislator directory
type LegislatorRepository struct {
	db *sql.DB
}

func NewLegislatorRepository(db *sql.DB) *LegislatorRepository {
	return &LegislatorRepository{db: db}
}

// ReplaceAll deletes every stored legislator and inserts the given ones in a
// single transaction. The returned copies carry the assigned IDs.
func (r *LegislatorRepository) ReplaceAll(ctx context.Context, legislators []models.Legislator) ([]models.Legislator, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM legislators`); err != nil {
		return nil, fmt.Errorf("failed to clear legislators: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO legislators (name, party, state, role, email, phone, office, address)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	stored := make([]models.Legislator, len(legislators))
	for i, l := range legislators {
		res, err := stmt.ExecContext(ctx, l.Name, l.Party, l.State, string(l.Role), l.Email, l.Phone, l.Office, l.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to insert legislator %q: %w", l.Name, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to read legislator id: %w", err)
		}
		l.ID = id
		stored[i] = l
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit legislators: %w", err)
	}

	return stored, nil
}

// List returns all legislators in insertion order
func (r *LegislatorRepository) List(ctx context.Context) ([]models.Legislator, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, party, state, role, email, phone, office, address
		FROM legislators ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query legislators: %w", err)
	}
	defer rows.Close()

	legislators := []models.Legislator{}
	for rows.Next() {
		var l models.Legislator
		var role string
		if err := rows.Scan(&l.ID, &l.Name, &l.Party, &l.State, &role, &l.Email, &l.Phone, &l.Office, &l.Address); err != nil {
			return nil, fmt.Errorf("failed to scan legislator: %w", err)
		}
		l.Role = models.Role(role)
		legislators = append(legislators, l)
	}

	return legislators, rows.Err()
}

// Count returns the number of stored legislators
func (r *LegislatorRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM legislators`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count legislators: %w", err)
	}
	return n, nil
}
