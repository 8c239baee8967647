// Package trigger drives records through the DML lifecycle: before-phase
// dispatch, persistence, then after-phase dispatch. It is the boundary that
// embeds the dispatcher in a data layer.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/polisai/ruleflow/pkg/domain"
	"github.com/polisai/ruleflow/pkg/storage"
)

// Dispatcher is the rule pipeline the runner invokes.
type Dispatcher interface {
	Run(ctx context.Context, entityType string, phase domain.Phase, newRecords, oldRecords []*domain.Record) (domain.ExecutionResult, error)
}

// DMLError rejects a whole operation because at least one record carries a
// validation error after the before phase.
type DMLError struct {
	Operation  string
	EntityType string
	Errors     []domain.ValidationError
}

func (e *DMLError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, v := range e.Errors {
		msgs = append(msgs, fmt.Sprintf("record %s: %s", v.RecordKey(), v.Error()))
	}
	return fmt.Sprintf("%s %s rejected: %s", e.Operation, e.EntityType, strings.Join(msgs, "; "))
}

// ErrNoDispatcher is returned when the runner is used before Attach.
var ErrNoDispatcher = errors.New("trigger runner has no dispatcher attached")

// Result is the outcome of one DML operation.
type Result struct {
	Records []*domain.Record       `json:"records"`
	Before  domain.ExecutionResult `json:"before"`
	After   domain.ExecutionResult `json:"after"`
}

// Runner executes DML operations against a record store with trigger
// dispatch around them.
type Runner struct {
	store      storage.RecordStore
	dispatcher Dispatcher
	logger     *slog.Logger
}

// RunnerConfig holds dependencies for creating a Runner.
type RunnerConfig struct {
	Store      storage.RecordStore
	Dispatcher Dispatcher
	Logger     *slog.Logger
}

// NewRunner creates a runner. The dispatcher may be attached later, which
// lets rules capture the runner as their writer before the dispatcher exists.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := cfg.Store
	if store == nil {
		store = storage.NewMemoryRecordStore()
	}
	return &Runner{store: store, dispatcher: cfg.Dispatcher, logger: logger}
}

// Attach sets the dispatcher.
func (r *Runner) Attach(d Dispatcher) {
	r.dispatcher = d
}

// Store returns the backing store.
func (r *Runner) Store() storage.RecordStore {
	return r.store
}

// Insert implements domain.RecordWriter. Records may be of different entity
// types; each type runs its own lifecycle.
func (r *Runner) Insert(ctx context.Context, records ...*domain.Record) error {
	for _, group := range groupByEntity(records) {
		if _, err := r.InsertRecords(ctx, group.entityType, group.records); err != nil {
			return err
		}
	}
	return nil
}

// Update implements domain.RecordWriter.
func (r *Runner) Update(ctx context.Context, records ...*domain.Record) error {
	for _, group := range groupByEntity(records) {
		if _, err := r.UpdateRecords(ctx, group.entityType, group.records); err != nil {
			return err
		}
	}
	return nil
}

// InsertRecords runs BeforeInsert, stores the records and runs AfterInsert.
func (r *Runner) InsertRecords(ctx context.Context, entityType string, records []*domain.Record) (Result, error) {
	var res Result
	if err := r.ready(); err != nil {
		return res, err
	}
	records = compact(records)
	if err := checkEntityType("insert", entityType, records); err != nil {
		return res, err
	}
	prepare(entityType, records)

	before, err := r.dispatch(ctx, entityType, domain.BeforeInsert, records, nil)
	res.Before = before
	if err != nil {
		return res, err
	}
	if err := rejectOnErrors("insert", entityType, records); err != nil {
		return res, err
	}

	if err := r.store.Insert(ctx, records...); err != nil {
		return res, fmt.Errorf("insert %s: %w", entityType, err)
	}

	after, err := r.dispatch(ctx, entityType, domain.AfterInsert, records, nil)
	res.After = after
	if err := r.settle(ctx, "insert", entityType, records, err, func(ctx context.Context) error {
		return r.store.Purge(ctx, entityType, recordIDs(records)...)
	}); err != nil {
		return res, err
	}
	res.Records = records
	return res, nil
}

// UpdateRecords loads the stored versions, runs BeforeUpdate, stores the
// records and runs AfterUpdate.
func (r *Runner) UpdateRecords(ctx context.Context, entityType string, records []*domain.Record) (Result, error) {
	var res Result
	if err := r.ready(); err != nil {
		return res, err
	}
	records = compact(records)
	if err := checkEntityType("update", entityType, records); err != nil {
		return res, err
	}
	prepare(entityType, records)

	oldRecords := make([]*domain.Record, 0, len(records))
	for _, rec := range records {
		old, err := r.store.Get(ctx, entityType, rec.ID)
		if err != nil {
			return res, fmt.Errorf("update %s: %w", entityType, err)
		}
		oldRecords = append(oldRecords, old)
	}

	before, err := r.dispatch(ctx, entityType, domain.BeforeUpdate, records, oldRecords)
	res.Before = before
	if err != nil {
		return res, err
	}
	if err := rejectOnErrors("update", entityType, records); err != nil {
		return res, err
	}

	if err := r.store.Update(ctx, records...); err != nil {
		return res, fmt.Errorf("update %s: %w", entityType, err)
	}

	after, err := r.dispatch(ctx, entityType, domain.AfterUpdate, records, oldRecords)
	res.After = after
	if err := r.settle(ctx, "update", entityType, records, err, func(ctx context.Context) error {
		return r.store.Update(ctx, oldRecords...)
	}); err != nil {
		return res, err
	}
	res.Records = records
	return res, nil
}

// Delete runs BeforeDelete on the stored records, soft deletes them and
// runs AfterDelete.
func (r *Runner) Delete(ctx context.Context, entityType string, ids ...string) (Result, error) {
	var res Result
	if err := r.ready(); err != nil {
		return res, err
	}

	oldRecords := make([]*domain.Record, 0, len(ids))
	for _, id := range ids {
		old, err := r.store.Get(ctx, entityType, id)
		if err != nil {
			return res, fmt.Errorf("delete %s: %w", entityType, err)
		}
		oldRecords = append(oldRecords, old)
	}

	before, err := r.dispatch(ctx, entityType, domain.BeforeDelete, nil, oldRecords)
	res.Before = before
	if err != nil {
		return res, err
	}
	if err := rejectOnErrors("delete", entityType, oldRecords); err != nil {
		return res, err
	}

	deleted, err := r.store.Delete(ctx, entityType, ids...)
	if err != nil {
		return res, fmt.Errorf("delete %s: %w", entityType, err)
	}

	after, err := r.dispatch(ctx, entityType, domain.AfterDelete, nil, deleted)
	res.After = after
	if err := r.settle(ctx, "delete", entityType, deleted, err, func(ctx context.Context) error {
		_, err := r.store.Undelete(ctx, entityType, ids...)
		return err
	}); err != nil {
		return res, err
	}
	res.Records = deleted
	return res, nil
}

// Undelete restores records and runs AfterUndelete. There is no before
// phase, so rules cannot veto an undelete.
func (r *Runner) Undelete(ctx context.Context, entityType string, ids ...string) (Result, error) {
	var res Result
	if err := r.ready(); err != nil {
		return res, err
	}

	restored, err := r.store.Undelete(ctx, entityType, ids...)
	if err != nil {
		return res, fmt.Errorf("undelete %s: %w", entityType, err)
	}

	after, err := r.dispatch(ctx, entityType, domain.AfterUndelete, restored, nil)
	res.After = after
	if err := r.settle(ctx, "undelete", entityType, restored, err, func(ctx context.Context) error {
		_, err := r.store.Delete(ctx, entityType, ids...)
		return err
	}); err != nil {
		return res, err
	}
	res.Records = restored
	return res, nil
}

func (r *Runner) ready() error {
	if r.dispatcher == nil {
		return ErrNoDispatcher
	}
	return nil
}

func (r *Runner) dispatch(ctx context.Context, entityType string, phase domain.Phase, newRecords, oldRecords []*domain.Record) (domain.ExecutionResult, error) {
	res, err := r.dispatcher.Run(ctx, entityType, phase, newRecords, oldRecords)
	if err != nil {
		r.logger.Error("trigger dispatch failed",
			"entity_type", entityType,
			"phase", string(phase),
			"error", err,
		)
	}
	return res, err
}

// settle finishes an operation whose write is already stored. A fault or a
// record error raised by the after phase reverts the write through undo, so
// the operation is all or none on both sides of the store call.
func (r *Runner) settle(ctx context.Context, op, entityType string, records []*domain.Record, afterErr error, undo func(context.Context) error) error {
	failure := afterErr
	if failure == nil {
		failure = rejectOnErrors(op, entityType, records)
	}
	if failure == nil {
		return nil
	}

	if err := undo(context.WithoutCancel(ctx)); err != nil {
		r.logger.Error("revert after failed after phase",
			"operation", op,
			"entity_type", entityType,
			"records", len(records),
			"error", err,
		)
		return errors.Join(failure, fmt.Errorf("revert %s %s: %w", op, entityType, err))
	}
	r.logger.Warn("reverted write after failed after phase",
		"operation", op,
		"entity_type", entityType,
		"records", len(records),
		"error", failure,
	)
	return failure
}

// rejectOnErrors applies all-or-none semantics: any record error fails the
// whole operation.
func rejectOnErrors(op, entityType string, records []*domain.Record) error {
	var errs []domain.ValidationError
	for i, rec := range records {
		for _, v := range rec.Errors() {
			v.Index = i
			if v.RecordID == "" {
				v.RecordID = rec.ID
			}
			errs = append(errs, v)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return &DMLError{Operation: op, EntityType: entityType, Errors: errs}
}

// checkEntityType rejects records that name a different entity type than
// the operation, before any rule or the store sees them.
func checkEntityType(op, entityType string, records []*domain.Record) error {
	var errs []domain.ValidationError
	for i, rec := range records {
		if rec.EntityType != "" && rec.EntityType != entityType {
			errs = append(errs, domain.ValidationError{
				RecordID: rec.ID,
				Index:    i,
				Field:    "type",
				Message:  fmt.Sprintf("record type %q does not match %q", rec.EntityType, entityType),
			})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return &DMLError{Operation: op, EntityType: entityType, Errors: errs}
}

func recordIDs(records []*domain.Record) []string {
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
	}
	return ids
}

// prepare stamps the entity type and drops errors left from an earlier attempt.
func prepare(entityType string, records []*domain.Record) {
	for _, rec := range records {
		if rec.EntityType == "" {
			rec.EntityType = entityType
		}
		rec.ClearErrors()
	}
}

type entityGroup struct {
	entityType string
	records    []*domain.Record
}

// groupByEntity groups records by entity type in order of first appearance.
func groupByEntity(records []*domain.Record) []entityGroup {
	var groups []entityGroup
	index := make(map[string]int)
	for _, rec := range records {
		if rec == nil {
			continue
		}
		i, ok := index[rec.EntityType]
		if !ok {
			i = len(groups)
			index[rec.EntityType] = i
			groups = append(groups, entityGroup{entityType: rec.EntityType})
		}
		groups[i].records = append(groups[i].records, rec)
	}
	return groups
}

func compact(records []*domain.Record) []*domain.Record {
	out := make([]*domain.Record, 0, len(records))
	for _, rec := range records {
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out
}

var _ domain.RecordWriter = (*Runner)(nil)
