package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/legismail/internal/boltstore"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	s, err := boltstore.NewBoltStorage(filepath.Join(t.TempDir(), "history.bolt"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return NewLogger(s, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRecordAndList(t *testing.T) {
	l := newTestLogger(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.FixedZone("BRT", -3*3600))
	tick := 0
	l.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	for i, subject := range []string{"first", "second", "third"} {
		entry, err := l.Record(ctx, Record{
			Subject:        subject,
			Body:           "body",
			SenderName:     "Gabinete",
			SenderEmail:    "g@x.com",
			RecipientCount: 3,
			Sent:           i,
			Failed:         3 - i,
		})
		if err != nil {
			t.Fatalf("Record(%s) error = %v", subject, err)
		}
		if entry.ID == "" {
			t.Error("entry ID is empty")
		}
		if entry.CreatedAt.Location() != time.UTC {
			t.Errorf("CreatedAt location = %v, want UTC", entry.CreatedAt.Location())
		}
	}

	entries, err := l.List(ctx, 2)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Subject != "third" || entries[1].Subject != "second" {
		t.Errorf("order = %s, %s; want third, second", entries[0].Subject, entries[1].Subject)
	}
	if entries[0].SentCount != 2 || entries[0].FailedCount != 1 {
		t.Errorf("counts = %d/%d, want 2/1", entries[0].SentCount, entries[0].FailedCount)
	}
}

func TestRecordRejectsInvalidCounts(t *testing.T) {
	l := newTestLogger(t)
	ctx := context.Background()

	tests := []Record{
		{RecipientCount: 2, Sent: 2, Failed: 1},
		{RecipientCount: 1, Sent: -1},
		{RecipientCount: -1},
	}
	for _, r := range tests {
		if _, err := l.Record(ctx, r); !errors.Is(err, ErrInvalidCounts) {
			t.Errorf("Record(%+v) error = %v, want ErrInvalidCounts", r, err)
		}
	}

	entries, err := l.List(ctx, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("len(entries) = %d, want 0", len(entries))
	}
}
