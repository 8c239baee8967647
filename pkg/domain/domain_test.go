package domain

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type insertOnly struct{ calls int }

func (r *insertOnly) BeforeInsert(context.Context, []*Record) error {
	r.calls++
	return nil
}

type updatePair struct{ gotOld []*Record }

func (r *updatePair) BeforeUpdate(_ context.Context, _ []*Record, old []*Record) error {
	r.gotOld = old
	return nil
}

func (r *updatePair) AfterUpdate(context.Context, []*Record, []*Record) error { return nil }

func TestParsePhase(t *testing.T) {
	tests := []struct {
		raw  string
		want Phase
	}{
		{"before_insert", BeforeInsert},
		{"BeforeInsert", BeforeInsert},
		{"BEFORE_INSERT", BeforeInsert},
		{" after-update ", AfterUpdate},
		{"afterundelete", AfterUndelete},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParsePhase(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParsePhase("before_upsert")
	assert.ErrorIs(t, err, ErrInvalidPhase)
}

func TestPhasePredicates(t *testing.T) {
	assert.True(t, BeforeDelete.IsBefore())
	assert.False(t, AfterInsert.IsBefore())
	assert.True(t, AfterUpdate.IsUpdate())
	assert.True(t, AfterDelete.IsDelete())
	assert.False(t, AfterUndelete.IsDelete())
	assert.False(t, Phase("sometime").Valid())
}

func TestSupportsAndInvoke(t *testing.T) {
	ins := &insertOnly{}
	assert.True(t, Supports(ins, BeforeInsert))
	assert.False(t, Supports(ins, AfterInsert))
	assert.Equal(t, []Phase{BeforeInsert}, SupportedPhases(ins))

	require.NoError(t, Invoke(context.Background(), ins, BeforeInsert, nil, nil))
	assert.Equal(t, 1, ins.calls)

	upd := &updatePair{}
	assert.Equal(t, []Phase{BeforeUpdate, AfterUpdate}, SupportedPhases(upd))
	old := []*Record{NewRecord("Account", "a1", nil)}
	require.NoError(t, Invoke(context.Background(), upd, BeforeUpdate, nil, old))
	assert.Equal(t, old, upd.gotOld)
}

func TestTargetRecords(t *testing.T) {
	newRecs := []*Record{NewRecord("A", "n", nil)}
	oldRecs := []*Record{NewRecord("A", "o", nil)}
	assert.Equal(t, oldRecs, TargetRecords(BeforeDelete, newRecs, oldRecs))
	assert.Equal(t, newRecs, TargetRecords(AfterUndelete, newRecs, oldRecs))
}

func TestRecordClaimErrors(t *testing.T) {
	rec := NewRecord("Opportunity", "006A", map[string]any{"StageName": "Qualification"})
	rec.AddError("first")

	mark := rec.ErrorCount()
	rec.AddFieldError("StageName", "second")

	claimed := rec.ClaimErrors(mark, "rule_b")
	require.Len(t, claimed, 1)
	assert.Equal(t, ValidationError{RuleID: "rule_b", RecordID: "006A", Field: "StageName", Message: "second"}, claimed[0])

	all := rec.Errors()
	require.Len(t, all, 2)
	assert.Empty(t, all[0].RuleID, "errors before the mark keep their attribution")
	assert.True(t, rec.HasErrors())

	assert.Nil(t, rec.ClaimErrors(5, "rule_c"))
}

func TestRecordAccessors(t *testing.T) {
	rec := NewRecord("Opportunity", "1", nil)
	assert.Equal(t, "", rec.String("Amount"))
	rec.Set("Amount", 150)
	assert.Equal(t, "150", rec.String("Amount"))

	clone := rec.Clone()
	clone.Set("Amount", 10)
	assert.Equal(t, 150, rec.Fields["Amount"])

	rec.AddError("bad")
	assert.False(t, rec.Clone().HasErrors())
}

func TestCompareBindings(t *testing.T) {
	a := RuleBinding{Order: 1, RuleID: "b"}
	b := RuleBinding{Order: 1, RuleID: "a"}
	c := RuleBinding{Order: 0, RuleID: "z"}
	assert.Equal(t, 1, CompareBindings(a, b))
	assert.Equal(t, -1, CompareBindings(c, a))
	assert.Equal(t, 0, CompareBindings(a, a))
}

func TestProcessedIDsClaim(t *testing.T) {
	set := NewProcessedIDs()
	recs := []*Record{NewRecord("A", "1", nil), NewRecord("A", "2", nil)}

	assert.Len(t, set.Claim(recs), 2)
	assert.Empty(t, set.Claim(recs))
	assert.True(t, set.Has("1"))
	assert.Equal(t, 2, set.Len())

	set.Remove("1", "missing")
	assert.False(t, set.Has("1"))
	assert.Len(t, set.Claim(recs), 1)

	set.Reset()
	assert.False(t, set.Has("2"))
}

func TestErrorTypes(t *testing.T) {
	cfgErr := &ConfigurationError{EntityType: "Opportunity", Phase: BeforeInsert, RuleID: "missing", Err: ErrUnknownRule}
	assert.ErrorIs(t, cfgErr, ErrUnknownRule)
	assert.Contains(t, cfgErr.Error(), `"missing"`)

	cause := errors.New("boom")
	execErr := &RuleExecutionError{EntityType: "Opportunity", Phase: AfterUpdate, RuleID: "r1", Err: cause}
	assert.ErrorIs(t, execErr, cause)
	assert.Equal(t, `rule "r1" failed during after_update on Opportunity: boom`, execErr.Error())
}

func TestValidationErrorKeys(t *testing.T) {
	withID := ValidationError{RuleID: "r1", RecordID: "006", Index: 3, Field: "StageName", Message: "locked"}
	assert.Equal(t, "006", withID.RecordKey())
	assert.Equal(t, "r1: StageName: locked", withID.Error())

	pending := ValidationError{Index: 1, Message: "bad type"}
	assert.Equal(t, "#1", pending.RecordKey())
	assert.Equal(t, "bad type", pending.Error())

	res := ExecutionResult{Errors: []ValidationError{withID, pending, {Index: 2, Message: "other"}}}
	assert.Len(t, res.ByRecord(), 3)
	assert.Equal(t, []ValidationError{withID}, res.ForRecord("006"))
	assert.Equal(t, []ValidationError{pending}, res.ForIndex(1))
}
