package opportunity

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/ruleflow/pkg/catalog"
	"github.com/polisai/ruleflow/pkg/domain"
)

type captureWriter struct {
	mu       sync.Mutex
	inserted []*domain.Record
	err      error
}

func (w *captureWriter) Insert(_ context.Context, records ...*domain.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.inserted = append(w.inserted, records...)
	return nil
}

func (w *captureWriter) Update(context.Context, ...*domain.Record) error { return nil }

func opp(id, stage string) *domain.Record {
	return domain.NewRecord(EntityType, id, map[string]any{FieldStageName: stage, FieldName: "Deal " + id})
}

func TestStageInsertRules(t *testing.T) {
	bad := opp("1", "Qualification")
	good := opp("2", StageProspecting)
	missing := domain.NewRecord(EntityType, "3", nil)

	require.NoError(t, StageInsertRules{}.BeforeInsert(context.Background(), []*domain.Record{bad, good, missing}))

	require.Len(t, bad.Errors(), 1)
	assert.Equal(t, ErrStageMustBeProspecting, bad.Errors()[0].Message)
	assert.False(t, good.HasErrors())
	assert.True(t, missing.HasErrors())
}

func TestStageChangeRules(t *testing.T) {
	tests := []struct {
		name     string
		oldStage string
		newStage string
		wantErr  bool
	}{
		{name: "open stage may change", oldStage: StageProspecting, newStage: "Qualification"},
		{name: "closed won is locked", oldStage: StageClosedWon, newStage: StageProspecting, wantErr: true},
		{name: "closed lost is locked", oldStage: StageClosedLost, newStage: StageClosedWon, wantErr: true},
		{name: "unchanged closed stage", oldStage: StageClosedWon, newStage: StageClosedWon},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			updated := opp("1", tt.newStage)
			err := StageChangeRules{}.BeforeUpdate(context.Background(), []*domain.Record{updated}, []*domain.Record{opp("1", tt.oldStage)})
			require.NoError(t, err)
			if !tt.wantErr {
				assert.False(t, updated.HasErrors())
				return
			}
			require.Len(t, updated.Errors(), 1)
			assert.Equal(t, FieldStageName, updated.Errors()[0].Field)
			assert.Equal(t, ErrStageLocked, updated.Errors()[0].Message)
		})
	}
}

func TestDefaultValues(t *testing.T) {
	empty := opp("1", "Negotiation/Review")
	preset := opp("2", StageProspecting)
	preset.Set(FieldProbability, 42)
	unknown := opp("3", "Custom")

	require.NoError(t, DefaultValues{}.BeforeInsert(context.Background(), []*domain.Record{empty, preset, unknown}))

	assert.Equal(t, 90, empty.Fields[FieldProbability])
	assert.Equal(t, 42, preset.Fields[FieldProbability])
	_, ok := unknown.Get(FieldProbability)
	assert.False(t, ok)
}

func TestFollowUpTasks_InsertsOncePerOpportunity(t *testing.T) {
	writer := &captureWriter{}
	rule, err := NewFollowUpTasks(writer)
	require.NoError(t, err)

	won := opp("1", StageClosedWon)
	stillOpen := opp("2", "Qualification")
	alreadyWon := opp("3", StageClosedWon)
	old := []*domain.Record{opp("1", "Negotiation/Review"), opp("2", StageProspecting), opp("3", StageClosedWon)}

	require.NoError(t, rule.AfterUpdate(context.Background(), []*domain.Record{won, stillOpen, alreadyWon}, old))
	require.Len(t, writer.inserted, 1)
	task := writer.inserted[0]
	assert.Equal(t, TaskEntityType, task.EntityType)
	assert.Equal(t, "1", task.Fields[TaskFieldWhatID])
	assert.Equal(t, "Follow up on won opportunity Deal 1", task.Fields[TaskFieldSubject])

	// Re-entry with the same transition is ignored.
	require.NoError(t, rule.AfterUpdate(context.Background(), []*domain.Record{won}, old[:1]))
	assert.Len(t, writer.inserted, 1)
}

func TestFollowUpTasks_WriterFailure(t *testing.T) {
	writer := &captureWriter{err: errors.New("storage down")}
	rule, err := NewFollowUpTasks(writer)
	require.NoError(t, err)

	err = rule.AfterUpdate(context.Background(), []*domain.Record{opp("1", StageClosedWon)}, nil)
	assert.ErrorContains(t, err, "storage down")

	_, err = NewFollowUpTasks(nil)
	assert.Error(t, err)
}

func TestFollowUpTasks_RetryAfterWriterRecovers(t *testing.T) {
	writer := &captureWriter{err: errors.New("storage down")}
	rule, err := NewFollowUpTasks(writer)
	require.NoError(t, err)

	won := []*domain.Record{opp("1", StageClosedWon)}
	old := []*domain.Record{opp("1", StageProspecting)}
	require.Error(t, rule.AfterUpdate(context.Background(), won, old))
	assert.False(t, rule.processed.Has("1"))

	writer.err = nil
	require.NoError(t, rule.AfterUpdate(context.Background(), won, old))
	require.Len(t, writer.inserted, 1)
	assert.Equal(t, "1", writer.inserted[0].Fields[TaskFieldWhatID])

	require.NoError(t, rule.AfterUpdate(context.Background(), won, old))
	assert.Len(t, writer.inserted, 1)
}

func TestRegister(t *testing.T) {
	reg := catalog.NewRegistry()
	require.NoError(t, Register(reg, &captureWriter{}))
	assert.Equal(t, []string{DefaultValuesID, FollowUpTasksID, StageChangeRulesID, StageInsertRulesID}, reg.IDs())

	reg = catalog.NewRegistry()
	require.NoError(t, Register(reg, nil))
	assert.NotContains(t, reg.IDs(), FollowUpTasksID)

	assert.Error(t, Register(reg, nil), "registering twice must fail")
}
