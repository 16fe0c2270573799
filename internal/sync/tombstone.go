package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/localsync/internal/log"
	"github.com/cybertec-postgresql/localsync/internal/model"
	"github.com/cybertec-postgresql/localsync/internal/provider"
	"github.com/cybertec-postgresql/localsync/internal/store"
)

// Tombstones keeps deleted keys from being resurrected by stale remote writes
// until every registered device has pulled past the delete.
type Tombstones struct {
	store    store.Store
	registry provider.DeviceRegistry
	now      func() time.Time
	logger   *logrus.Entry
}

func newTombstones(st store.Store, registry provider.DeviceRegistry, now func() time.Time) *Tombstones {
	return &Tombstones{store: st, registry: registry, now: now, logger: log.Component("tombstones")}
}

// MarkLocal soft deletes a row on behalf of a local delete
func (t *Tombstones) MarkLocal(ctx context.Context, tx store.Tx, ds store.Dataset, table, pk string, stamp model.ChangeStamp, opID string) error {
	if err := t.softDelete(ctx, tx, ds, table, pk, stamp, opID); err != nil {
		return err
	}
	return tx.PutTombstone(ctx, model.Tombstone{Table: table, PrimaryKey: pk, DeletedAtStamp: stamp, DeletedAt: t.now()})
}

// ApplyRemote records a delete received from the provider
func (t *Tombstones) ApplyRemote(ctx context.Context, tx store.Tx, ds store.Dataset, ch model.SyncChange, localOp string) error {
	if err := t.softDelete(ctx, tx, ds, ch.Table, ch.PrimaryKey, ch.Stamp, localOp); err != nil {
		return err
	}
	return tx.PutTombstone(ctx, model.Tombstone{Table: ch.Table, PrimaryKey: ch.PrimaryKey, DeletedAtStamp: ch.Stamp, DeletedAt: t.now()})
}

func (t *Tombstones) softDelete(ctx context.Context, tx store.Tx, ds store.Dataset, table, pk string, stamp model.ChangeStamp, opID string) error {
	row, err := tx.GetRow(ctx, ds, table, pk)
	if err != nil {
		return err
	}
	if row == nil {
		row = &model.Row{Table: table, PrimaryKey: pk}
	}
	row.Deleted = true
	row.Stamp = stamp
	row.LocalOp = opID
	return tx.PutRow(ctx, ds, *row)
}

// Guard reports whether a remote insert or update must be discarded because
// the key carries a delete that is unacknowledged or not older than it.
func (t *Tombstones) Guard(ctx context.Context, tx store.Tx, ch model.SyncChange) (bool, error) {
	if ch.Kind == model.KindDelete {
		return false, nil
	}
	ts, err := tx.GetTombstone(ctx, ch.Table, ch.PrimaryKey)
	if err != nil || ts == nil {
		return false, err
	}
	if !ts.DeletedAtStamp.Acknowledged() {
		return true, nil
	}
	return model.Compare(ts.DeletedAtStamp, ch.Stamp) >= 0, nil
}

// Clear drops the tombstone of a key that was written again
func (t *Tombstones) Clear(ctx context.Context, tx store.Tx, table, pk string) error {
	return tx.DeleteTombstone(ctx, table, pk)
}

// acknowledge copies the server version of a pushed delete onto its tombstone
func (t *Tombstones) acknowledge(ctx context.Context, tx store.Tx, op model.PendingOp, sv int64) error {
	ts, err := tx.GetTombstone(ctx, op.Table, op.PrimaryKey)
	if err != nil || ts == nil {
		return err
	}
	s := ts.DeletedAtStamp
	if s.DeviceID != op.Stamp.DeviceID || s.LogicalClock != op.Stamp.LogicalClock || s.ServerVersion >= sv {
		return nil
	}
	ts.DeletedAtStamp.ServerVersion = sv
	return tx.PutTombstone(ctx, *ts)
}

// Purge removes acknowledged tombstones every device has pulled past, together
// with their soft deleted rows. Without a registry nothing is purged.
func (t *Tombstones) Purge(ctx context.Context) (int, error) {
	if t.registry == nil {
		return 0, nil
	}
	floor, ok, err := t.registry.MinAcknowledged(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read device registry: %w", err)
	}
	if !ok {
		return 0, nil
	}
	purged := 0
	err = t.store.Update(ctx, func(tx store.Tx) error {
		purged = 0
		ds, err := tx.ActiveDataset(ctx)
		if err != nil {
			return err
		}
		ops, err := tx.ListOps(ctx, "")
		if err != nil {
			return err
		}
		pending := make(map[[2]string]bool, len(ops))
		for _, op := range ops {
			pending[[2]string{op.Table, op.PrimaryKey}] = true
		}
		tombs, err := tx.ListTombstones(ctx)
		if err != nil {
			return err
		}
		for _, ts := range tombs {
			sv := ts.DeletedAtStamp.ServerVersion
			if sv == 0 || sv > floor || pending[[2]string{ts.Table, ts.PrimaryKey}] {
				continue
			}
			if err := tx.DeleteTombstone(ctx, ts.Table, ts.PrimaryKey); err != nil {
				return err
			}
			row, err := tx.GetRow(ctx, ds, ts.Table, ts.PrimaryKey)
			if err != nil {
				return err
			}
			if row != nil && row.Deleted {
				if err := tx.DeleteRow(ctx, ds, ts.Table, ts.PrimaryKey); err != nil {
					return err
				}
			}
			purged++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		t.logger.WithFields(logrus.Fields{"purged": purged, "floor": floor}).Info("Purged tombstones")
	}
	return purged, nil
}
