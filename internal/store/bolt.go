package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/mailsling/mailsling/internal/email"
)

var (
	bucketClientLogs  = []byte("client_logs")
	bucketStudentLogs = []byte("student_logs")
	bucketUnsubs      = []byte("unsubscribes")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB store
func NewBoltStore(path string) (*BoltStore, error) {
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

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketClientLogs, bucketStudentLogs, bucketUnsubs} {
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

	return &BoltStore{db: db}, nil
}

func logBucket(audience Audience) []byte {
	if audience.Normalize() == AudienceStudent {
		return bucketStudentLogs
	}
	return bucketClientLogs
}

// AppendLog appends a delivery-log entry to the stream for the audience
func (s *BoltStore) AppendLog(ctx context.Context, audience Audience, entry *LogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.Email = email.Normalize(entry.Email)

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(logBucket(audience))

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal log entry: %w", err)
		}

		key := makeLogKey(entry.SentAt, entry.ID)
		if err := bucket.Put(key, data); err != nil {
			return fmt.Errorf("failed to store log entry: %w", err)
		}

		return nil
	})
}

// AppendClick appends a click record to the latest matching log entry in
// both streams, creating one where the address has no entry yet
func (s *BoltStore) AppendClick(ctx context.Context, addr, url string, clickedAt time.Time) error {
	addr = email.Normalize(addr)
	click := Click{URL: url, ClickedAt: clickedAt}

	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketClientLogs, bucketStudentLogs} {
			bucket := tx.Bucket(name)

			// Keys are ordered by send time, so the last match is the
			// most recent entry for this address.
			var matchKey []byte
			var match *LogEntry

			c := bucket.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var e LogEntry
				if err := json.Unmarshal(v, &e); err != nil {
					continue
				}
				if e.Email == addr {
					matchKey = append([]byte{}, k...)
					match = &e
				}
			}

			if match == nil {
				// Click arrived before any send record: upsert a bare
				// entry carrying only the click.
				match = &LogEntry{
					ID:           uuid.New().String(),
					Email:        addr,
					SentAt:       clickedAt,
					ClickedLinks: []Click{click},
				}
				matchKey = makeLogKey(match.SentAt, match.ID)
			} else {
				match.ClickedLinks = append(match.ClickedLinks, click)
			}

			data, err := json.Marshal(match)
			if err != nil {
				return fmt.Errorf("failed to marshal log entry: %w", err)
			}
			if err := bucket.Put(matchKey, data); err != nil {
				return fmt.Errorf("failed to store click: %w", err)
			}
		}
		return nil
	})
}

// ListLogs returns all entries of one stream in send order
func (s *BoltStore) ListLogs(ctx context.Context, audience Audience) ([]*LogEntry, error) {
	var entries []*LogEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(logBucket(audience))
		c := bucket.Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e LogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			entries = append(entries, &e)
		}

		return nil
	})

	return entries, err
}

// CountLogs returns the number of entries in one stream
func (s *BoltStore) CountLogs(ctx context.Context, audience Audience) (int64, error) {
	var count int64

	err := s.db.View(func(tx *bolt.Tx) error {
		count = int64(tx.Bucket(logBucket(audience)).Stats().KeyN)
		return nil
	})

	return count, err
}

// AddUnsubscribe records an opt-out, idempotently
func (s *BoltStore) AddUnsubscribe(ctx context.Context, addr string) error {
	addr = email.Normalize(addr)

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketUnsubs)

		if bucket.Get([]byte(addr)) != nil {
			// Already registered, re-requesting is a no-op
			return nil
		}

		rec := UnsubscribeRecord{Email: addr, UnsubscribedAt: time.Now()}
		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("failed to marshal unsubscribe record: %w", err)
		}

		if err := bucket.Put([]byte(addr), data); err != nil {
			return fmt.Errorf("failed to store unsubscribe record: %w", err)
		}

		return nil
	})
}

// ListUnsubscribes returns every registered opt-out address
func (s *BoltStore) ListUnsubscribes(ctx context.Context) ([]*UnsubscribeRecord, error) {
	var records []*UnsubscribeRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketUnsubs).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec UnsubscribeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			records = append(records, &rec)
		}

		return nil
	})

	return records, err
}

// CountUnsubscribes returns the registry size
func (s *BoltStore) CountUnsubscribes(ctx context.Context) (int64, error) {
	var count int64

	err := s.db.View(func(tx *bolt.Tx) error {
		count = int64(tx.Bucket(bucketUnsubs).Stats().KeyN)
		return nil
	})

	return count, err
}

// Close closes the database connection
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// makeLogKey creates a sortable key from timestamp and ID
func makeLogKey(t time.Time, id string) []byte {
	// Format: timestamp (RFC3339Nano) + ":" + id
	return []byte(t.Format(time.RFC3339Nano) + ":" + id)
}
