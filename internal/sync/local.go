package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/cybertec-postgresql/localsync/internal/model"
	"github.com/cybertec-postgresql/localsync/internal/store"
)

// Local is the application facing read/write API. Reads compose the active
// dataset with the pending ops it does not reflect yet, so local writes stay
// visible while a rescan rebuilds the dataset.
type Local struct {
	store   store.Store
	capture *Capture
	topics  map[string]Adapter
}

// Put inserts or updates a row
func (l *Local) Put(ctx context.Context, table, pk string, payload json.RawMessage) error {
	return l.store.Update(ctx, func(tx store.Tx) error {
		ds, err := tx.ActiveDataset(ctx)
		if err != nil {
			return err
		}
		row, err := tx.GetRow(ctx, ds, table, pk)
		if err != nil {
			return err
		}
		kind := model.KindUpdate
		if row == nil || row.Deleted {
			kind = model.KindInsert
		}
		return l.capture.Record(ctx, tx, model.MutationEvent{Table: table, PrimaryKey: pk, Kind: kind, Payload: payload})
	})
}

// Delete removes a row. Deleting a missing row returns model.ErrNotFound.
func (l *Local) Delete(ctx context.Context, table, pk string) error {
	return l.store.Update(ctx, func(tx store.Tx) error {
		ds, err := tx.ActiveDataset(ctx)
		if err != nil {
			return err
		}
		row, err := tx.GetRow(ctx, ds, table, pk)
		if err != nil {
			return err
		}
		if row == nil || row.Deleted {
			return fmt.Errorf("%s/%s: %w", table, pk, model.ErrNotFound)
		}
		return l.capture.Record(ctx, tx, model.MutationEvent{Table: table, PrimaryKey: pk, Kind: model.KindDelete})
	})
}

// Get returns the payload of a live row
func (l *Local) Get(ctx context.Context, table, pk string) (json.RawMessage, error) {
	row, err := l.Row(ctx, table, pk)
	if err != nil {
		return nil, err
	}
	return row.Data, nil
}

// Row returns a live row with its sync metadata
func (l *Local) Row(ctx context.Context, table, pk string) (*model.Row, error) {
	if _, ok := l.topics[table]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	var row *model.Row
	err := l.store.View(ctx, func(tx store.Tx) error {
		ds, err := tx.ActiveDataset(ctx)
		if err != nil {
			return err
		}
		if row, err = tx.GetRow(ctx, ds, table, pk); err != nil {
			return err
		}
		ops, err := tx.ListOps(ctx, table)
		row = overlay(table, pk, row, ops)
		return err
	})
	if err != nil {
		return nil, err
	}
	if row == nil || row.Deleted {
		return nil, fmt.Errorf("%s/%s: %w", table, pk, model.ErrNotFound)
	}
	return row, nil
}

// List returns the live rows of a table ordered by primary key
func (l *Local) List(ctx context.Context, table string) ([]model.Row, error) {
	if _, ok := l.topics[table]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	var rows []model.Row
	err := l.store.View(ctx, func(tx store.Tx) error {
		ds, err := tx.ActiveDataset(ctx)
		if err != nil {
			return err
		}
		all, err := tx.ListRows(ctx, ds, table)
		if err != nil {
			return err
		}
		ops, err := tx.ListOps(ctx, table)
		if err != nil {
			return err
		}
		seen := make(map[string]bool, len(all))
		for _, r := range all {
			seen[r.PrimaryKey] = true
			if o := overlay(table, r.PrimaryKey, &r, ops); o != nil && !o.Deleted {
				rows = append(rows, *o)
			}
		}
		for _, op := range ops {
			if seen[op.PrimaryKey] {
				continue
			}
			seen[op.PrimaryKey] = true
			if o := overlay(table, op.PrimaryKey, nil, ops); o != nil && !o.Deleted {
				rows = append(rows, *o)
			}
		}
		return nil
	})
	slices.SortFunc(rows, func(a, b model.Row) int { return strings.Compare(a.PrimaryKey, b.PrimaryKey) })
	return rows, err
}

// overlay composes the stored row with the newest pending op of its key that
// the row does not reflect yet.
func overlay(table, pk string, row *model.Row, ops []model.PendingOp) *model.Row {
	var last *model.PendingOp
	for i := range ops {
		if ops[i].PrimaryKey == pk {
			last = &ops[i]
		}
	}
	if last == nil {
		return row
	}
	if row != nil && (row.LocalOp == last.OpID ||
		(row.Stamp.DeviceID == last.Stamp.DeviceID && row.Stamp.LogicalClock >= last.Stamp.LogicalClock)) {
		return row
	}
	out := model.Row{Table: table, PrimaryKey: pk, Stamp: last.Stamp, LocalOp: last.OpID}
	if last.Kind == model.KindDelete {
		out.Deleted = true
	} else {
		out.Data = last.Payload
	}
	return &out
}
