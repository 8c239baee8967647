// Package storage persists entity records for the trigger runner. Records are
// soft deleted so they can be undeleted later.
package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/polisai/ruleflow/pkg/domain"
)

var (
	// ErrNotFound is returned when a record does not exist (or is deleted and
	// the operation needs a live record).
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned when inserting a record whose id is taken.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrNotDeleted is returned when undeleting a live record.
	ErrNotDeleted = errors.New("record is not deleted")
)

// ListOptions filters List.
type ListOptions struct {
	IncludeDeleted bool
	Limit          int
}

// RecordStore exposes persistence operations for entity records. Every
// multi-record operation is all-or-none.
type RecordStore interface {
	// Get returns a live record.
	Get(ctx context.Context, entityType, id string) (*domain.Record, error)
	// List returns records of entityType ordered by id.
	List(ctx context.Context, entityType string, opts ListOptions) ([]*domain.Record, error)
	// Insert stores new records, assigning ids to records without one.
	Insert(ctx context.Context, records ...*domain.Record) error
	// Update replaces the fields of live records.
	Update(ctx context.Context, records ...*domain.Record) error
	// Delete soft deletes live records and returns them as they were.
	Delete(ctx context.Context, entityType string, ids ...string) ([]*domain.Record, error)
	// Undelete restores deleted records and returns them.
	Undelete(ctx context.Context, entityType string, ids ...string) ([]*domain.Record, error)
	// Purge removes records outright, live or deleted. Missing ids are
	// ignored.
	Purge(ctx context.Context, entityType string, ids ...string) error
	Close() error
}

// NewID returns a fresh record id.
func NewID() string {
	return uuid.NewString()
}

func validateRecords(records []*domain.Record) error {
	for _, rec := range records {
		if rec == nil {
			return errors.New("nil record")
		}
		if rec.EntityType == "" {
			return errors.New("record entity type is required")
		}
	}
	return nil
}
