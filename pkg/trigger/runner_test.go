package trigger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/ruleflow/pkg/catalog"
	"github.com/polisai/ruleflow/pkg/domain"
	"github.com/polisai/ruleflow/pkg/engine"
	"github.com/polisai/ruleflow/pkg/logging"
	"github.com/polisai/ruleflow/pkg/rules/opportunity"
	"github.com/polisai/ruleflow/pkg/storage"
)

type phaseLog struct {
	phases []domain.Phase
}

func (l *phaseLog) rec(p domain.Phase) error { l.phases = append(l.phases, p); return nil }

func (l *phaseLog) BeforeDelete(context.Context, []*domain.Record) error {
	return l.rec(domain.BeforeDelete)
}
func (l *phaseLog) AfterDelete(context.Context, []*domain.Record) error {
	return l.rec(domain.AfterDelete)
}
func (l *phaseLog) AfterUndelete(context.Context, []*domain.Record) error {
	return l.rec(domain.AfterUndelete)
}

var errAfterFault = errors.New("after phase fault")

// afterFault fails every after phase, optionally by attaching a record error
// instead of returning one.
type afterFault struct {
	attach bool
}

func (f afterFault) fail(records []*domain.Record) error {
	if f.attach {
		records[0].AddError("rejected after write")
		return nil
	}
	return errAfterFault
}

func (f afterFault) AfterInsert(_ context.Context, n []*domain.Record) error {
	return f.fail(n)
}

func (f afterFault) AfterUpdate(_ context.Context, n, _ []*domain.Record) error {
	return f.fail(n)
}

func (f afterFault) AfterDelete(_ context.Context, o []*domain.Record) error {
	return f.fail(o)
}

func (f afterFault) AfterUndelete(_ context.Context, n []*domain.Record) error {
	return f.fail(n)
}

func newRunner(t *testing.T, extra ...domain.RuleBinding) (*Runner, *phaseLog) {
	t.Helper()

	store := storage.NewMemoryRecordStore()
	runner := NewRunner(RunnerConfig{Store: store, Logger: logging.Discard()})

	log := &phaseLog{}
	reg := catalog.NewRegistry()
	require.NoError(t, opportunity.Register(reg, runner))
	require.NoError(t, reg.RegisterRule("phase_log", log))
	require.NoError(t, reg.RegisterRule("after_fault", afterFault{}))
	require.NoError(t, reg.RegisterRule("after_reject", afterFault{attach: true}))

	bindings := append([]domain.RuleBinding{
		{EntityType: "Opportunity", Phase: domain.BeforeInsert, Order: 1, RuleID: opportunity.DefaultValuesID},
		{EntityType: "Opportunity", Phase: domain.BeforeInsert, Order: 2, RuleID: opportunity.StageInsertRulesID},
		{EntityType: "Opportunity", Phase: domain.BeforeUpdate, Order: 1, RuleID: opportunity.StageChangeRulesID},
		{EntityType: "Opportunity", Phase: domain.AfterUpdate, Order: 1, RuleID: opportunity.FollowUpTasksID},
	}, extra...)
	cat, err := catalog.Load(domain.CatalogSpec{Bindings: bindings}, reg)
	require.NoError(t, err)

	runner.Attach(engine.NewDispatcher(engine.DispatcherConfig{Catalog: cat, Logger: logging.Discard()}))
	return runner, log
}

func TestRunner_InsertRejectsAllOrNone(t *testing.T) {
	runner, _ := newRunner(t)
	ctx := context.Background()

	good := domain.NewRecord("", "", map[string]any{"StageName": "Prospecting"})
	bad := domain.NewRecord("", "", map[string]any{"StageName": "Qualification"})

	_, err := runner.InsertRecords(ctx, "Opportunity", []*domain.Record{good, bad})
	var dmlErr *DMLError
	require.ErrorAs(t, err, &dmlErr)
	require.Len(t, dmlErr.Errors, 1)
	assert.Equal(t, opportunity.StageInsertRulesID, dmlErr.Errors[0].RuleID)
	assert.Contains(t, err.Error(), "The Stage must be Prospecting when an Opportunity is created")

	stored, err := runner.Store().List(ctx, "Opportunity", storage.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestRunner_InsertAppliesDefaultsAndStores(t *testing.T) {
	runner, _ := newRunner(t)
	ctx := context.Background()

	rec := domain.NewRecord("", "", map[string]any{"StageName": "Prospecting"})
	res, err := runner.InsertRecords(ctx, "Opportunity", []*domain.Record{rec})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	require.NotEmpty(t, rec.ID)
	assert.Equal(t, []string{opportunity.DefaultValuesID, opportunity.StageInsertRulesID}, res.Before.Executed)

	stored, err := runner.Store().Get(ctx, "Opportunity", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, stored.Fields["Probability"])
}

func TestRunner_UpdateCreatesFollowUpTaskOnce(t *testing.T) {
	runner, _ := newRunner(t)
	ctx := context.Background()

	opp := domain.NewRecord("Opportunity", "006", map[string]any{"StageName": "Prospecting", "Name": "Big Deal"})
	_, err := runner.InsertRecords(ctx, "Opportunity", []*domain.Record{opp})
	require.NoError(t, err)

	won := opp.Clone()
	won.Set("StageName", "Closed Won")
	res, err := runner.UpdateRecords(ctx, "Opportunity", []*domain.Record{won})
	require.NoError(t, err)
	assert.Equal(t, []string{opportunity.FollowUpTasksID}, res.After.Executed)

	tasks, err := runner.Store().List(ctx, "Task", storage.ListOptions{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "006", tasks[0].Fields["WhatId"])

	// A closed opportunity cannot change stage.
	reopened := won.Clone()
	reopened.Set("StageName", "Prospecting")
	err = runner.Update(ctx, reopened)
	var dmlErr *DMLError
	require.ErrorAs(t, err, &dmlErr)
	assert.Equal(t, "StageName", dmlErr.Errors[0].Field)

	// Saving the won record again does not duplicate the task.
	_, err = runner.UpdateRecords(ctx, "Opportunity", []*domain.Record{won.Clone()})
	require.NoError(t, err)
	tasks, err = runner.Store().List(ctx, "Task", storage.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestRunner_DeleteAndUndeletePhases(t *testing.T) {
	runner, log := newRunner(t,
		domain.RuleBinding{EntityType: "Account", Phase: domain.BeforeDelete, RuleID: "phase_log"},
		domain.RuleBinding{EntityType: "Account", Phase: domain.AfterDelete, RuleID: "phase_log"},
		domain.RuleBinding{EntityType: "Account", Phase: domain.AfterUndelete, RuleID: "phase_log"},
	)
	ctx := context.Background()

	require.NoError(t, runner.Insert(ctx, domain.NewRecord("Account", "a1", nil)))

	res, err := runner.Delete(ctx, "Account", "a1")
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	_, err = runner.Store().Get(ctx, "Account", "a1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = runner.Undelete(ctx, "Account", "a1")
	require.NoError(t, err)
	assert.Equal(t, []domain.Phase{domain.BeforeDelete, domain.AfterDelete, domain.AfterUndelete}, log.phases)

	_, err = runner.Delete(ctx, "Account", "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunner_RejectsMismatchedEntityType(t *testing.T) {
	runner, _ := newRunner(t)
	ctx := context.Background()

	_, err := runner.InsertRecords(ctx, "Opportunity", []*domain.Record{
		domain.NewRecord("", "", map[string]any{"StageName": "Prospecting"}),
		domain.NewRecord("Account", "", map[string]any{"StageName": "Prospecting"}),
	})
	var dmlErr *DMLError
	require.ErrorAs(t, err, &dmlErr)
	require.Len(t, dmlErr.Errors, 1)
	assert.Equal(t, 1, dmlErr.Errors[0].Index)
	assert.Contains(t, err.Error(), `record #1: type: record type "Account" does not match "Opportunity"`)

	for _, entity := range []string{"Opportunity", "Account"} {
		stored, err := runner.Store().List(ctx, entity, storage.ListOptions{IncludeDeleted: true})
		require.NoError(t, err)
		assert.Empty(t, stored, entity)
	}

	require.NoError(t, runner.Insert(ctx, domain.NewRecord("Account", "a1", map[string]any{"Name": "Acme"})))
	_, err = runner.UpdateRecords(ctx, "Opportunity", []*domain.Record{domain.NewRecord("Account", "a1", map[string]any{"Name": "Changed"})})
	require.ErrorAs(t, err, &dmlErr)
	assert.Equal(t, "update", dmlErr.Operation)
	got, err := runner.Store().Get(ctx, "Account", "a1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.String("Name"))
}

func TestRunner_ErrorsIdentifyRecordsWithoutIDs(t *testing.T) {
	runner, _ := newRunner(t)

	_, err := runner.InsertRecords(context.Background(), "Opportunity", []*domain.Record{
		domain.NewRecord("", "", map[string]any{"StageName": "Qualification"}),
		domain.NewRecord("", "", map[string]any{"StageName": "Prospecting"}),
		domain.NewRecord("", "", map[string]any{"StageName": "Closed Won"}),
	})
	var dmlErr *DMLError
	require.ErrorAs(t, err, &dmlErr)
	require.Len(t, dmlErr.Errors, 2)
	assert.Equal(t, 0, dmlErr.Errors[0].Index)
	assert.Equal(t, 2, dmlErr.Errors[1].Index)
	assert.Contains(t, err.Error(), "record #0: ")
	assert.Contains(t, err.Error(), "record #2: ")
}

func TestRunner_AfterInsertFaultRevertsWrite(t *testing.T) {
	for _, ruleID := range []string{"after_fault", "after_reject"} {
		t.Run(ruleID, func(t *testing.T) {
			runner, _ := newRunner(t, domain.RuleBinding{EntityType: "Lead", Phase: domain.AfterInsert, RuleID: ruleID})
			ctx := context.Background()

			_, err := runner.InsertRecords(ctx, "Lead", []*domain.Record{domain.NewRecord("", "l1", map[string]any{"Company": "Acme"})})
			require.Error(t, err)
			if ruleID == "after_fault" {
				assert.ErrorIs(t, err, errAfterFault)
			} else {
				var dmlErr *DMLError
				require.ErrorAs(t, err, &dmlErr)
			}

			stored, err := runner.Store().List(ctx, "Lead", storage.ListOptions{IncludeDeleted: true})
			require.NoError(t, err)
			assert.Empty(t, stored)
		})
	}
}

func TestRunner_AfterPhaseFaultRestoresPriorState(t *testing.T) {
	ctx := context.Background()

	t.Run("update", func(t *testing.T) {
		runner, _ := newRunner(t, domain.RuleBinding{EntityType: "Account", Phase: domain.AfterUpdate, RuleID: "after_fault"})
		require.NoError(t, runner.Insert(ctx, domain.NewRecord("Account", "a1", map[string]any{"Name": "Acme"})))

		err := runner.Update(ctx, domain.NewRecord("Account", "a1", map[string]any{"Name": "Changed"}))
		require.ErrorIs(t, err, errAfterFault)

		got, err := runner.Store().Get(ctx, "Account", "a1")
		require.NoError(t, err)
		assert.Equal(t, "Acme", got.String("Name"))
	})

	t.Run("delete", func(t *testing.T) {
		runner, _ := newRunner(t, domain.RuleBinding{EntityType: "Account", Phase: domain.AfterDelete, RuleID: "after_fault"})
		require.NoError(t, runner.Insert(ctx, domain.NewRecord("Account", "a1", nil)))

		_, err := runner.Delete(ctx, "Account", "a1")
		require.ErrorIs(t, err, errAfterFault)

		_, err = runner.Store().Get(ctx, "Account", "a1")
		assert.NoError(t, err)
	})

	t.Run("undelete", func(t *testing.T) {
		runner, _ := newRunner(t, domain.RuleBinding{EntityType: "Account", Phase: domain.AfterUndelete, RuleID: "after_fault"})
		require.NoError(t, runner.Insert(ctx, domain.NewRecord("Account", "a1", nil)))
		_, err := runner.Delete(ctx, "Account", "a1")
		require.NoError(t, err)

		_, err = runner.Undelete(ctx, "Account", "a1")
		require.ErrorIs(t, err, errAfterFault)

		_, err = runner.Store().Get(ctx, "Account", "a1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestRunner_RequiresDispatcher(t *testing.T) {
	runner := NewRunner(RunnerConfig{Logger: logging.Discard()})
	err := runner.Insert(context.Background(), domain.NewRecord("Account", "", nil))
	assert.True(t, errors.Is(err, ErrNoDispatcher))
}

func TestDMLError_Message(t *testing.T) {
	err := &DMLError{Operation: "insert", EntityType: "Opportunity", Errors: []domain.ValidationError{
		{RuleID: "r", RecordID: "1", Message: "bad"},
		{RuleID: "r", RecordID: "2", Field: "Name", Message: "missing"},
	}}
	assert.Contains(t, err.Error(), "insert Opportunity rejected: ")
	assert.Contains(t, err.Error(), "bad")
	assert.Contains(t, err.Error(), "missing")
}
