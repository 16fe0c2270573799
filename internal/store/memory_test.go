package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertec-postgresql/localsync/internal/model"
)

func TestMemoryUpdateCommits(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	err := s.Update(ctx, func(tx Tx) error {
		require.NoError(t, tx.PutRow(ctx, InitialDataset, model.Row{Table: "notes", PrimaryKey: "a1", Data: []byte(`{"t":1}`)}))
		op := &model.PendingOp{OpID: "op-1", Table: "notes", PrimaryKey: "a1", Kind: model.KindInsert}
		require.NoError(t, tx.AppendOp(ctx, op))
		assert.Equal(t, int64(1), op.Seq)
		return nil
	})
	require.NoError(t, err)

	err = s.View(ctx, func(tx Tx) error {
		row, err := tx.GetRow(ctx, InitialDataset, "notes", "a1")
		require.NoError(t, err)
		require.NotNil(t, row)
		assert.JSONEq(t, `{"t":1}`, string(row.Data))
		ops, err := tx.ListOps(ctx, "notes")
		require.NoError(t, err)
		assert.Len(t, ops, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryUpdateRollsBack(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		return tx.PutRow(ctx, InitialDataset, model.Row{Table: "notes", PrimaryKey: "a1", Data: []byte(`1`)})
	}))

	boom := errors.New("boom")
	err := s.Update(ctx, func(tx Tx) error {
		require.NoError(t, tx.PutRow(ctx, InitialDataset, model.Row{Table: "notes", PrimaryKey: "a1", Data: []byte(`2`)}))
		require.NoError(t, tx.PutRow(ctx, InitialDataset, model.Row{Table: "notes", PrimaryKey: "a2", Data: []byte(`3`)}))
		require.NoError(t, tx.AppendOp(ctx, &model.PendingOp{OpID: "op-1", Table: "notes"}))
		require.NoError(t, tx.PutTombstone(ctx, model.Tombstone{Table: "notes", PrimaryKey: "a3"}))
		require.NoError(t, tx.PutMeta(ctx, MetaClock, "9"))
		require.NoError(t, tx.SetActiveDataset(ctx, 2))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, s.View(ctx, func(tx Tx) error {
		row, _ := tx.GetRow(ctx, InitialDataset, "notes", "a1")
		require.NotNil(t, row)
		assert.Equal(t, "1", string(row.Data))
		missing, _ := tx.GetRow(ctx, InitialDataset, "notes", "a2")
		assert.Nil(t, missing)
		ops, _ := tx.ListOps(ctx, "")
		assert.Empty(t, ops)
		ts, _ := tx.GetTombstone(ctx, "notes", "a3")
		assert.Nil(t, ts)
		_, ok, _ := tx.GetMeta(ctx, MetaClock)
		assert.False(t, ok)
		ds, err := tx.ActiveDataset(ctx)
		require.NoError(t, err)
		assert.Equal(t, InitialDataset, ds)
		return nil
	}))
}

func TestMemoryViewIsReadOnly(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	err := s.View(ctx, func(tx Tx) error {
		return tx.PutMeta(ctx, "k", "v")
	})
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestMemoryOpsOrderedBySeq(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		for _, id := range []string{"c", "a", "b"} {
			if err := tx.AppendOp(ctx, &model.PendingOp{OpID: id, Table: "t"}); err != nil {
				return err
			}
		}
		require.NoError(t, tx.AppendOp(ctx, &model.PendingOp{OpID: "x", Table: "other"}))
		assert.Error(t, tx.AppendOp(ctx, &model.PendingOp{OpID: "a", Table: "t"}))
		return nil
	}))
	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		ops, _ := tx.ListOps(ctx, "t")
		require.Len(t, ops, 3)
		assert.Equal(t, []string{"c", "a", "b"}, []string{ops[0].OpID, ops[1].OpID, ops[2].OpID})

		ops[1].Attempt = 3
		require.NoError(t, tx.PutOp(ctx, ops[1]))
		require.NoError(t, tx.DeleteOp(ctx, "c"))
		assert.ErrorIs(t, tx.PutOp(ctx, model.PendingOp{OpID: "missing"}), model.ErrNotFound)

		ops, _ = tx.ListOps(ctx, "t")
		require.Len(t, ops, 2)
		assert.Equal(t, "a", ops[0].OpID)
		assert.Equal(t, 3, ops[0].Attempt)
		all, _ := tx.ListOps(ctx, "")
		assert.Len(t, all, 3)
		return nil
	}))
}

func TestMemoryDropDataset(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		for _, ds := range []Dataset{1, 2} {
			require.NoError(t, tx.PutRow(ctx, ds, model.Row{Table: "t", PrimaryKey: "b"}))
			require.NoError(t, tx.PutRow(ctx, ds, model.Row{Table: "t", PrimaryKey: "a"}))
			require.NoError(t, tx.PutCursor(ctx, ds, model.CursorState{Table: "t", Cursor: "5"}))
		}
		return tx.DropDataset(ctx, 2)
	}))
	require.NoError(t, s.View(ctx, func(tx Tx) error {
		rows, _ := tx.ListRows(ctx, 1, "t")
		require.Len(t, rows, 2)
		assert.Equal(t, "a", rows[0].PrimaryKey)
		gone, _ := tx.ListRows(ctx, 2, "t")
		assert.Empty(t, gone)
		cur, _ := tx.GetCursor(ctx, 2, "t")
		assert.Nil(t, cur)
		cur, _ = tx.GetCursor(ctx, 1, "t")
		require.NotNil(t, cur)
		assert.Equal(t, "5", cur.Cursor)
		return nil
	}))
}

func TestMemoryApplyingRemoteFlag(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		assert.False(t, tx.ApplyingRemote())
		tx.MarkApplyingRemote()
		assert.True(t, tx.ApplyingRemote())
		return nil
	}))
	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		assert.False(t, tx.ApplyingRemote())
		return nil
	}))
}

func TestMemoryCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewMemory()
	assert.ErrorIs(t, s.Update(ctx, func(Tx) error { return nil }), context.Canceled)
	assert.ErrorIs(t, s.View(ctx, func(Tx) error { return nil }), context.Canceled)
}
