package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"unimcp/internal/domain"
)

var (
	sourcesBucket = []byte("sources")

	ErrStoreClosed = errors.New("source store is closed")
)

type storedSource struct {
	Seq     uint64            `json:"seq"`
	Spec    domain.SourceSpec `json:"spec"`
	SavedAt time.Time         `json:"savedAt"`
}

// SourceStore keeps sources added through the admin endpoint so they are
// registered again after a restart.
type SourceStore struct {
	mu     sync.RWMutex
	db     *bolt.DB
	closed bool
}

func OpenSourceStore(path string) (*SourceStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("state file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(trimmed), 0o755); err != nil {
		return nil, fmt.Errorf("ensure state dir: %w", err)
	}
	db, err := bolt.Open(trimmed, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sourcesBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init state db: %w", err)
	}
	return &SourceStore{db: db}, nil
}

// SaveSource stores spec under its id. Saving an existing id keeps its
// original position.
func (s *SourceStore) SaveSource(spec domain.SourceSpec) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(sourcesBucket)
		record := storedSource{Spec: spec, SavedAt: time.Now().UTC()}
		if existing := bucket.Get([]byte(spec.ID)); existing != nil {
			var prev storedSource
			if err := json.Unmarshal(existing, &prev); err == nil {
				record.Seq = prev.Seq
			}
		}
		if record.Seq == 0 {
			seq, err := bucket.NextSequence()
			if err != nil {
				return err
			}
			record.Seq = seq
		}
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("encode source %q: %w", spec.ID, err)
		}
		return bucket.Put([]byte(spec.ID), data)
	})
}

// LoadSources returns stored specs in the order they were first saved.
func (s *SourceStore) LoadSources() ([]domain.SourceSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var records []storedSource
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sourcesBucket).ForEach(func(key, value []byte) error {
			var record storedSource
			if err := json.Unmarshal(value, &record); err != nil {
				return fmt.Errorf("decode source %q: %w", key, err)
			}
			records = append(records, record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })
	specs := make([]domain.SourceSpec, 0, len(records))
	for _, record := range records {
		specs = append(specs, record.Spec)
	}
	return specs, nil
}

func (s *SourceStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

var _ domain.SourcePersister = (*SourceStore)(nil)
