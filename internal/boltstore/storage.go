// Package boltstore is the embedded key/value backend for legislators and
// send history.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/legismail/internal/models"
)

var (
	bucketLegislators  = []byte("legislators")
	bucketHistory      = []byte("history")
	bucketHistoryIndex = []byte("history_index")
)

// indexTimeFormat is fixed width so keys sort chronologically.
const indexTimeFormat = "2006-01-02T15:04:05.000000000Z"

// BoltStorage implements the record store using BoltDB
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage creates a new BoltDB storage
func NewBoltStorage(path string) (*BoltStorage, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketLegislators, bucketHistory, bucketHistoryIndex} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// ReplaceLegislators swaps the whole legislator set in one transaction.
// IDs keep increasing across replacements.
func (s *BoltStorage) ReplaceLegislators(ctx context.Context, legislators []models.Legislator) ([]models.Legislator, error) {
	stored := make([]models.Legislator, len(legislators))

	err := s.db.Update(func(tx *bolt.Tx) error {
		seq := tx.Bucket(bucketLegislators).Sequence()
		if err := tx.DeleteBucket(bucketLegislators); err != nil {
			return fmt.Errorf("failed to clear legislators: %w", err)
		}
		b, err := tx.CreateBucket(bucketLegislators)
		if err != nil {
			return fmt.Errorf("failed to recreate legislators bucket: %w", err)
		}
		if err := b.SetSequence(seq); err != nil {
			return err
		}

		for i, l := range legislators {
			if err := ctx.Err(); err != nil {
				return err
			}

			id, err := b.NextSequence()
			if err != nil {
				return fmt.Errorf("failed to allocate legislator id: %w", err)
			}
			l.ID = int64(id)

			data, err := json.Marshal(&l)
			if err != nil {
				return fmt.Errorf("failed to marshal legislator: %w", err)
			}
			if err := b.Put(itob(id), data); err != nil {
				return fmt.Errorf("failed to store legislator: %w", err)
			}
			stored[i] = l
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return stored, nil
}

// ListLegislators returns legislators in insertion order
func (s *BoltStorage) ListLegislators(ctx context.Context) ([]models.Legislator, error) {
	legislators := []models.Legislator{}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLegislators).ForEach(func(k, v []byte) error {
			var l models.Legislator
			if err := json.Unmarshal(v, &l); err != nil {
				return fmt.Errorf("failed to decode legislator %d: %w", binary.BigEndian.Uint64(k), err)
			}
			legislators = append(legislators, l)
			return nil
		})
	})

	return legislators, err
}

// AppendHistory stores an entry and indexes it by creation time
func (s *BoltStorage) AppendHistory(ctx context.Context, e *models.HistoryEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		hist := tx.Bucket(bucketHistory)
		if hist.Get([]byte(e.ID)) != nil {
			return fmt.Errorf("history entry %s already exists", e.ID)
		}

		entry := *e
		entry.CreatedAt = entry.CreatedAt.UTC()
		data, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("failed to marshal history entry: %w", err)
		}
		if err := hist.Put([]byte(e.ID), data); err != nil {
			return fmt.Errorf("failed to store history entry: %w", err)
		}

		index := tx.Bucket(bucketHistoryIndex)
		seq, err := index.NextSequence()
		if err != nil {
			return err
		}
		if err := index.Put(makeIndexKey(entry.CreatedAt, seq), []byte(e.ID)); err != nil {
			return fmt.Errorf("failed to index history entry: %w", err)
		}
		return nil
	})
}

// ListHistory walks the time index backwards. limit <= 0 returns all entries.
func (s *BoltStorage) ListHistory(ctx context.Context, limit int) ([]models.HistoryEntry, error) {
	entries := []models.HistoryEntry{}

	err := s.db.View(func(tx *bolt.Tx) error {
		hist := tx.Bucket(bucketHistory)
		c := tx.Bucket(bucketHistoryIndex).Cursor()

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			data := hist.Get(v)
			if data == nil {
				continue
			}

			var e models.HistoryEntry
			if err := json.Unmarshal(data, &e); err != nil {
				return fmt.Errorf("failed to decode history entry %s: %w", v, err)
			}
			entries = append(entries, e)

			if limit > 0 && len(entries) >= limit {
				break
			}
		}
		return nil
	})

	return entries, err
}

// Close closes the database connection
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// makeIndexKey creates a sortable key from timestamp and append sequence
func makeIndexKey(t time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s:%020d", t.UTC().Format(indexTimeFormat), seq))
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
