// Package storagetest holds the behaviour every storage.RecordStore must
// share. Implementations call Run from their own tests.
package storagetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/ruleflow/pkg/domain"
	"github.com/polisai/ruleflow/pkg/storage"
)

// Run exercises a fresh store returned by open for each subtest.
func Run(t *testing.T, open func(t *testing.T) storage.RecordStore) {
	t.Helper()

	t.Run("insert assigns ids and get returns copies", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		rec := domain.NewRecord("Opportunity", "", map[string]any{"StageName": "Prospecting", "Amount": 10})
		require.NoError(t, s.Insert(ctx, rec))
		require.NotEmpty(t, rec.ID)

		got, err := s.Get(ctx, "Opportunity", rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "Prospecting", got.String("StageName"))
		assert.EqualValues(t, 10, got.Fields["Amount"])

		got.Set("StageName", "Closed Won")
		again, err := s.Get(ctx, "Opportunity", rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "Prospecting", again.String("StageName"))
	})

	t.Run("insert is all or none", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		require.NoError(t, s.Insert(ctx, domain.NewRecord("Account", "a1", nil)))
		err := s.Insert(ctx, domain.NewRecord("Account", "a2", nil), domain.NewRecord("Account", "a1", nil))
		require.ErrorIs(t, err, storage.ErrAlreadyExists)

		_, err = s.Get(ctx, "Account", "a2")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		assert.Error(t, s.Insert(ctx, domain.NewRecord("", "x", nil)))
	})

	t.Run("update requires live records", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		rec := domain.NewRecord("Account", "a1", map[string]any{"Name": "Acme"})
		require.NoError(t, s.Insert(ctx, rec))

		rec.Set("Name", "Acme Corp")
		require.NoError(t, s.Update(ctx, rec))
		got, err := s.Get(ctx, "Account", "a1")
		require.NoError(t, err)
		assert.Equal(t, "Acme Corp", got.String("Name"))

		err = s.Update(ctx, rec, domain.NewRecord("Account", "missing", nil))
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("delete and undelete", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		require.NoError(t, s.Insert(ctx,
			domain.NewRecord("Account", "a1", map[string]any{"Name": "One"}),
			domain.NewRecord("Account", "a2", map[string]any{"Name": "Two"}),
		))

		deleted, err := s.Delete(ctx, "Account", "a1")
		require.NoError(t, err)
		require.Len(t, deleted, 1)
		assert.Equal(t, "One", deleted[0].String("Name"))

		_, err = s.Get(ctx, "Account", "a1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.Delete(ctx, "Account", "a1")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		live, err := s.List(ctx, "Account", storage.ListOptions{})
		require.NoError(t, err)
		require.Len(t, live, 1)
		assert.Equal(t, "a2", live[0].ID)

		all, err := s.List(ctx, "Account", storage.ListOptions{IncludeDeleted: true})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		_, err = s.Undelete(ctx, "Account", "a2")
		assert.ErrorIs(t, err, storage.ErrNotDeleted)

		restored, err := s.Undelete(ctx, "Account", "a1")
		require.NoError(t, err)
		require.Len(t, restored, 1)
		_, err = s.Get(ctx, "Account", "a1")
		assert.NoError(t, err)
	})

	t.Run("purge frees the id", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		require.NoError(t, s.Insert(ctx,
			domain.NewRecord("Lead", "l1", nil),
			domain.NewRecord("Lead", "l2", nil),
		))
		_, err := s.Delete(ctx, "Lead", "l2")
		require.NoError(t, err)

		require.NoError(t, s.Purge(ctx, "Lead", "l1", "l2", "missing"))
		all, err := s.List(ctx, "Lead", storage.ListOptions{IncludeDeleted: true})
		require.NoError(t, err)
		assert.Empty(t, all)

		require.NoError(t, s.Insert(ctx, domain.NewRecord("Lead", "l1", nil)))
	})

	t.Run("list orders by id and honours limit", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		require.NoError(t, s.Insert(ctx,
			domain.NewRecord("Lead", "c", nil),
			domain.NewRecord("Lead", "a", nil),
			domain.NewRecord("Lead", "b", nil),
			domain.NewRecord("Contact", "z", nil),
		))

		got, err := s.List(ctx, "Lead", storage.ListOptions{Limit: 2})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "a", got[0].ID)
		assert.Equal(t, "b", got[1].ID)

		empty, err := s.List(ctx, "Unknown", storage.ListOptions{})
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}
