package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/legismail/internal/config"
	"github.com/foxzi/legismail/internal/models"
)

// Both backends must behave identically for the operations the service uses.
func TestBackendsConform(t *testing.T) {
	for _, driver := range []string{config.DriverSQLite, config.DriverBolt} {
		t.Run(driver, func(t *testing.T) {
			s, err := Open(config.StorageConfig{
				Driver: driver,
				Path:   filepath.Join(t.TempDir(), "store."+driver),
			})
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer s.Close()

			ctx := context.Background()

			stored, err := s.ReplaceLegislators(ctx, []models.Legislator{
				{Name: "J. Silva", Party: "PT", State: "SP", Role: models.RoleDeputy, Email: "j@x.com"},
				{Name: "A. Lima", Party: "MDB", State: "RS", Role: models.RoleSenator, Phone: "61"},
			})
			if err != nil {
				t.Fatalf("ReplaceLegislators() error = %v", err)
			}

			list, err := s.ListLegislators(ctx)
			if err != nil {
				t.Fatalf("ListLegislators() error = %v", err)
			}
			if len(list) != 2 || list[0] != stored[0] || list[1] != stored[1] {
				t.Errorf("ListLegislators() = %+v, want %+v", list, stored)
			}

			// Mutating a returned copy must not affect the store
			list[0].Name = "changed"
			again, _ := s.ListLegislators(ctx)
			if again[0].Name != "J. Silva" {
				t.Errorf("store leaked a reference: %s", again[0].Name)
			}

			now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
			for i, id := range []string{"h1", "h2"} {
				if err := s.AppendHistory(ctx, &models.HistoryEntry{
					ID: id, Subject: "s", Body: "b", SenderName: "n", SenderEmail: "e@x.com",
					RecipientCount: 2, SentCount: 2, CreatedAt: now.Add(time.Duration(i) * time.Second),
				}); err != nil {
					t.Fatalf("AppendHistory() error = %v", err)
				}
			}

			history, err := s.ListHistory(ctx, 1)
			if err != nil {
				t.Fatalf("ListHistory() error = %v", err)
			}
			if len(history) != 1 || history[0].ID != "h2" {
				t.Errorf("ListHistory(1) = %+v, want h2", history)
			}
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(config.StorageConfig{Driver: "postgres", Path: "x"}); err == nil {
		t.Error("expected error for unknown driver")
	}
}
