package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/polisai/ruleflow/pkg/domain"
)

type memoryRow struct {
	record  *domain.Record
	deleted bool
}

// MemoryRecordStore is an in-memory implementation of RecordStore.
type MemoryRecordStore struct {
	mu   sync.RWMutex
	rows map[string]map[string]*memoryRow
}

// NewMemoryRecordStore creates a new MemoryRecordStore.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{rows: make(map[string]map[string]*memoryRow)}
}

func (s *MemoryRecordStore) row(entityType, id string) (*memoryRow, bool) {
	byID, ok := s.rows[entityType]
	if !ok {
		return nil, false
	}
	r, ok := byID[id]
	return r, ok
}

// Get retrieves a live record.
func (s *MemoryRecordStore) Get(_ context.Context, entityType, id string) (*domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.row(entityType, id)
	if !ok || r.deleted {
		return nil, fmt.Errorf("%s %q: %w", entityType, id, ErrNotFound)
	}
	return r.record.Clone(), nil
}

// List returns records ordered by id.
func (s *MemoryRecordStore) List(_ context.Context, entityType string, opts ListOptions) ([]*domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.rows[entityType]))
	for id, r := range s.rows[entityType] {
		if r.deleted && !opts.IncludeDeleted {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if opts.Limit > 0 && len(ids) > opts.Limit {
		ids = ids[:opts.Limit]
	}

	out := make([]*domain.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.rows[entityType][id].record.Clone())
	}
	return out, nil
}

// Insert stores records, assigning ids where missing. The ids are written
// back to the caller's records.
func (s *MemoryRecordStore) Insert(_ context.Context, records ...*domain.Record) error {
	if err := validateRecords(records); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		if _, ok := s.row(rec.EntityType, rec.ID); ok {
			return fmt.Errorf("%s %q: %w", rec.EntityType, rec.ID, ErrAlreadyExists)
		}
		k := rec.EntityType + "\x00" + rec.ID
		if _, dup := batch[k]; dup {
			return fmt.Errorf("%s %q: %w", rec.EntityType, rec.ID, ErrAlreadyExists)
		}
		batch[k] = struct{}{}
	}

	for _, rec := range records {
		if rec.ID == "" {
			rec.ID = NewID()
		}
		byID, ok := s.rows[rec.EntityType]
		if !ok {
			byID = make(map[string]*memoryRow)
			s.rows[rec.EntityType] = byID
		}
		byID[rec.ID] = &memoryRow{record: rec.Clone()}
	}
	return nil
}

// Update replaces the fields of live records.
func (s *MemoryRecordStore) Update(_ context.Context, records ...*domain.Record) error {
	if err := validateRecords(records); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		if r, ok := s.row(rec.EntityType, rec.ID); !ok || r.deleted {
			return fmt.Errorf("%s %q: %w", rec.EntityType, rec.ID, ErrNotFound)
		}
	}
	for _, rec := range records {
		s.rows[rec.EntityType][rec.ID].record = rec.Clone()
	}
	return nil
}

// Delete soft deletes live records.
func (s *MemoryRecordStore) Delete(_ context.Context, entityType string, ids ...string) ([]*domain.Record, error) {
	return s.setDeleted(entityType, ids, true)
}

// Undelete restores deleted records.
func (s *MemoryRecordStore) Undelete(_ context.Context, entityType string, ids ...string) ([]*domain.Record, error) {
	return s.setDeleted(entityType, ids, false)
}

// Purge removes records outright.
func (s *MemoryRecordStore) Purge(_ context.Context, entityType string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := s.rows[entityType]
	for _, id := range ids {
		delete(byID, id)
	}
	return nil
}

func (s *MemoryRecordStore) setDeleted(entityType string, ids []string, deleted bool) ([]*domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]*memoryRow, 0, len(ids))
	for _, id := range ids {
		r, ok := s.row(entityType, id)
		switch {
		case !ok:
			return nil, fmt.Errorf("%s %q: %w", entityType, id, ErrNotFound)
		case deleted && r.deleted:
			return nil, fmt.Errorf("%s %q: %w", entityType, id, ErrNotFound)
		case !deleted && !r.deleted:
			return nil, fmt.Errorf("%s %q: %w", entityType, id, ErrNotDeleted)
		}
		rows = append(rows, r)
	}

	out := make([]*domain.Record, 0, len(rows))
	for _, r := range rows {
		r.deleted = deleted
		out = append(out, r.record.Clone())
	}
	return out, nil
}

// Close is a no-op for memory store.
func (s *MemoryRecordStore) Close() error {
	return nil
}

var _ RecordStore = (*MemoryRecordStore)(nil)
