package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/ruleflow/pkg/domain"
)

type beforeInsertStub struct{}

func (beforeInsertStub) BeforeInsert(context.Context, []*domain.Record) error { return nil }

type updateStub struct{}

func (updateStub) BeforeUpdate(context.Context, []*domain.Record, []*domain.Record) error { return nil }
func (updateStub) AfterUpdate(context.Context, []*domain.Record, []*domain.Record) error  { return nil }

func testRegistry(t *testing.T, ids ...string) *Registry {
	t.Helper()
	reg := NewRegistry()
	for _, id := range ids {
		require.NoError(t, reg.RegisterRule(id, beforeInsertStub{}))
	}
	return reg
}

func TestLoad_OrdersByOrderThenRuleID(t *testing.T) {
	reg := testRegistry(t, "c", "a", "b", "d")
	spec := domain.CatalogSpec{Bindings: []domain.RuleBinding{
		{EntityType: "Opportunity", Phase: domain.BeforeInsert, Order: 2, RuleID: "c"},
		{EntityType: "Opportunity", Phase: domain.BeforeInsert, Order: 1, RuleID: "b"},
		{EntityType: "Opportunity", Phase: domain.BeforeInsert, Order: 1, RuleID: "a"},
		{EntityType: "Account", Phase: domain.BeforeInsert, Order: 0, RuleID: "d"},
	}}

	cat, err := Load(spec, reg)
	require.NoError(t, err)

	var ids []string
	for _, b := range cat.BindingsFor("Opportunity", domain.BeforeInsert) {
		ids = append(ids, b.RuleID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Len(t, cat.BindingsFor("Account", domain.BeforeInsert), 1)
	assert.Empty(t, cat.BindingsFor("Opportunity", domain.AfterInsert))
	assert.Equal(t, 4, cat.Len())
	assert.Equal(t, []string{"Account", "Opportunity"}, cat.EntityTypes())
}

func TestLoad_OrderingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 12).Draw(rt, "n")
		reg := NewRegistry()
		spec := domain.CatalogSpec{}
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("rule_%02d", i)
			if err := reg.RegisterRule(id, beforeInsertStub{}); err != nil {
				rt.Fatalf("register: %v", err)
			}
			spec.Bindings = append(spec.Bindings, domain.RuleBinding{
				EntityType: rapid.SampledFrom([]string{"Account", "Opportunity"}).Draw(rt, "entity"),
				Phase:      domain.BeforeInsert,
				Order:      rapid.IntRange(-3, 3).Draw(rt, "order"),
				RuleID:     id,
			})
		}

		cat, err := Load(spec, reg)
		if err != nil {
			rt.Fatalf("load: %v", err)
		}
		for _, entity := range []string{"Account", "Opportunity"} {
			got := cat.BindingsFor(entity, domain.BeforeInsert)
			if !sort.SliceIsSorted(got, func(i, j int) bool { return got[i].Less(got[j]) }) {
				rt.Fatalf("bindings for %s not sorted: %+v", entity, got)
			}
		}
	})
}

func TestLoad_UnknownRuleIsConfigurationError(t *testing.T) {
	spec := domain.CatalogSpec{Bindings: []domain.RuleBinding{
		{EntityType: "Opportunity", Phase: domain.BeforeInsert, Order: 1, RuleID: "ta_Missing"},
	}}

	cat, err := Load(spec, NewRegistry())
	require.Error(t, err)
	assert.Nil(t, cat)

	var cfgErr *domain.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "ta_Missing", cfgErr.RuleID)
	assert.ErrorIs(t, err, domain.ErrUnknownRule)
}

func TestLoad_CapabilityMismatch(t *testing.T) {
	reg := testRegistry(t, "insert_only")
	spec := domain.CatalogSpec{Bindings: []domain.RuleBinding{
		{EntityType: "Opportunity", Phase: domain.AfterUpdate, RuleID: "insert_only"},
	}}

	_, err := Load(spec, reg)
	assert.ErrorIs(t, err, domain.ErrCapabilityMismatch)
}

func TestLoad_MalformedBindingsAreAllReported(t *testing.T) {
	reg := testRegistry(t, "a")
	spec := domain.CatalogSpec{
		Entities: []domain.EntitySetting{{EntityType: "Account"}, {EntityType: "Account"}},
		Bindings: []domain.RuleBinding{
			{EntityType: "", Phase: domain.BeforeInsert, RuleID: "a"},
			{EntityType: "Account", Phase: "before_merge", RuleID: "a"},
			{EntityType: "Account", Phase: domain.BeforeInsert, RuleID: ""},
			{EntityType: "Account", Phase: domain.BeforeInsert, RuleID: "a", Order: 1},
			{EntityType: "Account", Phase: domain.BeforeInsert, RuleID: "a", Order: 2},
		},
	}

	_, err := Load(spec, reg)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMalformedBinding)

	joined, ok := err.(interface{ Unwrap() []error })
	require.True(t, ok)
	assert.Len(t, joined.Unwrap(), 5)
}

func TestLoad_FactoryFailure(t *testing.T) {
	reg := NewRegistry()
	boom := errors.New("missing dependency")
	require.NoError(t, reg.Register("broken", func() (domain.Rule, error) { return nil, boom }))

	_, err := Load(domain.CatalogSpec{Bindings: []domain.RuleBinding{
		{EntityType: "Account", Phase: domain.BeforeInsert, RuleID: "broken"},
	}}, reg)
	assert.ErrorIs(t, err, boom)
}

func TestLoad_ResolvesAliases(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterRule("ta_Account_Update", updateStub{}, "account.update"))

	cat, err := Load(domain.CatalogSpec{Bindings: []domain.RuleBinding{
		{EntityType: "Account", Phase: domain.AfterUpdate, RuleID: "account.update"},
	}}, reg)
	require.NoError(t, err)
	entries := cat.Entries("Account", domain.AfterUpdate)
	require.Len(t, entries, 1)
	assert.IsType(t, updateStub{}, entries[0].Rule)
	assert.Equal(t, "account.update", entries[0].Binding.RuleID)
	assert.Equal(t, "ta_Account_Update", entries[0].RuleID)
}

func TestLoad_AliasDuplicatesCanonicalBinding(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterRule("ta_Account_Update", updateStub{}, "account.update"))

	_, err := Load(domain.CatalogSpec{Bindings: []domain.RuleBinding{
		{EntityType: "Account", Phase: domain.AfterUpdate, Order: 1, RuleID: "ta_Account_Update"},
		{EntityType: "Account", Phase: domain.AfterUpdate, Order: 2, RuleID: "account.update"},
	}}, reg)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMalformedBinding)
	assert.Contains(t, err.Error(), "binding[1] duplicates binding[0]")
}

func TestLoad_EntryCriteria(t *testing.T) {
	reg := testRegistry(t, "a")

	_, err := Load(domain.CatalogSpec{Bindings: []domain.RuleBinding{
		{EntityType: "Account", Phase: domain.BeforeInsert, RuleID: "a", EntryCriteria: "record.Name +"},
	}}, reg)
	var cfgErr *domain.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "a", cfgErr.RuleID)

	_, err = Load(domain.CatalogSpec{Bindings: []domain.RuleBinding{
		{EntityType: "Account", Phase: domain.BeforeInsert, RuleID: "a", EntryCriteria: `"not a bool"`},
	}}, reg)
	require.Error(t, err)

	cat, err := Load(domain.CatalogSpec{Bindings: []domain.RuleBinding{
		{EntityType: "Account", Phase: domain.BeforeInsert, RuleID: "a", EntryCriteria: `record.Industry == "Energy"`},
	}}, reg)
	require.NoError(t, err)
	require.NotNil(t, cat.Entries("Account", domain.BeforeInsert)[0].Criteria)
}

func TestLoad_Settings(t *testing.T) {
	cat, err := Load(domain.CatalogSpec{
		Generation: "7",
		Entities:   []domain.EntitySetting{{EntityType: " Lead ", Bypassed: true}},
	}, NewRegistry())
	require.NoError(t, err)

	setting, ok := cat.Setting("Lead")
	require.True(t, ok)
	assert.True(t, setting.Bypassed)
	assert.Equal(t, "7", cat.Generation())
	assert.Equal(t, []string{"Lead"}, cat.EntityTypes())
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterRule("a", beforeInsertStub{}, "alias"))
	assert.Error(t, reg.RegisterRule("a", beforeInsertStub{}))
	assert.Error(t, reg.RegisterRule("b", beforeInsertStub{}, "alias"))
	assert.Error(t, reg.RegisterRule("alias", beforeInsertStub{}))
	assert.Error(t, reg.Register("", func() (domain.Rule, error) { return nil, nil }))
	assert.Error(t, reg.Register("c", nil))
	assert.Panics(t, func() { reg.MustRegister("a", func() (domain.Rule, error) { return nil, nil }) })
}

func TestRegistry_CloneIsIndependent(t *testing.T) {
	base := testRegistry(t, "a")
	clone := base.Clone()
	require.NoError(t, clone.RegisterRule("b", beforeInsertStub{}))

	assert.Equal(t, []string{"a"}, base.IDs())
	assert.Equal(t, []string{"a", "b"}, clone.IDs())
}

func TestHolder_Replace(t *testing.T) {
	h := NewHolder(nil)
	first := h.Current()
	require.NotNil(t, first)
	assert.Zero(t, first.Len())

	next, err := Load(domain.CatalogSpec{Generation: "2"}, NewRegistry())
	require.NoError(t, err)

	prev := h.Replace(next)
	assert.Same(t, first, prev)
	assert.Equal(t, "2", h.Current().Generation())
}
