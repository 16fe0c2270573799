package sync

import (
	"bytes"
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/localsync/internal/log"
	"github.com/cybertec-postgresql/localsync/internal/model"
	"github.com/cybertec-postgresql/localsync/internal/signals"
	"github.com/cybertec-postgresql/localsync/internal/store"
)

// Resolver applies remote changes to a dataset according to the policy of
// each table.
type Resolver struct {
	ids    *IdGen
	topics map[string]Adapter
	tombs  *Tombstones
	outbox *Outbox
	bus    *signals.Bus
	logger *logrus.Entry
}

func newResolver(ids *IdGen, topics map[string]Adapter, tombs *Tombstones, outbox *Outbox, bus *signals.Bus) *Resolver {
	return &Resolver{ids: ids, topics: topics, tombs: tombs, outbox: outbox, bus: bus, logger: log.Component("resolver")}
}

// Apply reconciles ch with the stored row and reports whether the row changed.
// The caller holds the table lock.
func (r *Resolver) Apply(ctx context.Context, tx store.Tx, ds store.Dataset, ch model.SyncChange) (bool, error) {
	tx.MarkApplyingRemote()
	r.ids.Observe(ch.Stamp.LogicalClock)

	a, ok := r.topics[ch.Table]
	if !ok {
		r.logger.WithField("table", ch.Table).Debug("Ignoring change of unsynced table")
		return false, nil
	}
	if !ch.Kind.Valid() {
		r.logger.WithFields(logrus.Fields{"table": ch.Table, "kind": ch.Kind}).Warn("Ignoring change with unknown kind")
		return false, nil
	}
	if discard, err := r.tombs.Guard(ctx, tx, ch); err != nil || discard {
		return false, err
	}

	row, err := tx.GetRow(ctx, ds, ch.Table, ch.PrimaryKey)
	if err != nil {
		return false, err
	}
	ownWrite := ch.LastWriter.DeviceID != "" && ch.LastWriter.DeviceID == r.ids.DeviceID()

	// the echo of our own write only contributes its server version
	if row != nil && ch.LastWriter.OpID != "" && row.LocalOp == ch.LastWriter.OpID {
		if row.Stamp.ServerVersion >= ch.Stamp.ServerVersion {
			return false, nil
		}
		row.Stamp.ServerVersion = ch.Stamp.ServerVersion
		if err := tx.PutRow(ctx, ds, *row); err != nil {
			return false, err
		}
		if ch.Kind == model.KindDelete {
			return true, r.tombs.acknowledge(ctx, tx, model.PendingOp{Table: ch.Table, PrimaryKey: ch.PrimaryKey, Stamp: ch.Stamp}, ch.Stamp.ServerVersion)
		}
		return true, nil
	}

	localPending := row != nil && row.LocalOp != "" && !row.Stamp.Acknowledged()
	if localPending && ownWrite {
		return false, nil
	}

	if ch.Kind == model.KindDelete {
		if localPending {
			r.logger.WithFields(logrus.Fields{"table": ch.Table, "pk": ch.PrimaryKey}).Debug("Remote delete loses to pending local write")
			return false, nil
		}
		if row != nil && model.Compare(ch.Stamp, row.Stamp) <= 0 {
			return false, nil
		}
		localOp := ""
		if ownWrite {
			localOp = ch.LastWriter.OpID
		}
		return true, r.tombs.ApplyRemote(ctx, tx, ds, ch, localOp)
	}

	if localPending {
		return r.mergePending(ctx, tx, ds, a, row, ch)
	}

	next := model.Row{Table: ch.Table, PrimaryKey: ch.PrimaryKey, Data: ch.Payload, Stamp: ch.Stamp}
	if ownWrite {
		next.LocalOp = ch.LastWriter.OpID
	}
	if row != nil && !row.Deleted {
		c := model.Compare(ch.Stamp, row.Stamp)
		if a.Policy() == PolicyLWW || (a.Policy() == PolicyMerge && c <= 0) {
			if c == 0 && !bytes.Equal(row.Data, ch.Payload) {
				r.bus.Emit(signals.Conflict, conflictData(a, row, ch))
			}
			if c <= 0 {
				return false, nil
			}
		} else {
			// the newer side goes first so its scalar fields win a field merge
			newer, older := ch.Payload, row.Data
			if c <= 0 {
				newer, older = row.Data, ch.Payload
			}
			merged, err := a.Merge(newer, older)
			if err != nil {
				return false, r.conflict(a, row, ch, err)
			}
			if bytes.Equal(merged, newer) {
				if c <= 0 {
					return false, nil
				}
			} else {
				return true, r.republish(ctx, tx, ds, ch, merged)
			}
		}
	} else if row != nil && model.Compare(ch.Stamp, row.Stamp) <= 0 {
		return false, nil
	}

	if err := tx.PutRow(ctx, ds, next); err != nil {
		return false, err
	}
	return true, r.tombs.Clear(ctx, tx, ch.Table, ch.PrimaryKey)
}

// republish stores a merge that neither side has seen yet and enqueues it as
// a local update so every replica converges on it.
func (r *Resolver) republish(ctx context.Context, tx store.Tx, ds store.Dataset, ch model.SyncChange, merged []byte) error {
	stamp, opID := r.ids.Next()
	if err := tx.PutRow(ctx, ds, model.Row{
		Table:      ch.Table,
		PrimaryKey: ch.PrimaryKey,
		Data:       merged,
		Stamp:      stamp,
		LocalOp:    opID,
	}); err != nil {
		return err
	}
	if err := r.tombs.Clear(ctx, tx, ch.Table, ch.PrimaryKey); err != nil {
		return err
	}
	if err := r.ids.Persist(ctx, tx); err != nil {
		return err
	}
	now := r.outbox.cfg.Now()
	op := model.PendingOp{
		OpID:          opID,
		Table:         ch.Table,
		PrimaryKey:    ch.PrimaryKey,
		Kind:          model.KindUpdate,
		Payload:       merged,
		Stamp:         stamp,
		EnqueuedAt:    now,
		NextAttemptAt: now,
	}
	if err := tx.AppendOp(ctx, &op); err != nil {
		return err
	}
	r.logger.WithFields(logrus.Fields{"table": ch.Table, "pk": ch.PrimaryKey, "op_id": opID}).Debug("Republishing merged row")
	r.outbox.noteEnqueued(op)
	return nil
}

// mergePending folds a remote change into a row that still has a pending
// local write. Under LWW the local write wins since it will be pushed later.
func (r *Resolver) mergePending(ctx context.Context, tx store.Tx, ds store.Dataset, a Adapter, row *model.Row, ch model.SyncChange) (bool, error) {
	if a.Policy() == PolicyLWW || row.Deleted {
		r.logger.WithFields(logrus.Fields{"table": ch.Table, "pk": ch.PrimaryKey}).Debug("Keeping pending local write")
		return false, nil
	}
	merged, err := a.Merge(row.Data, ch.Payload)
	if err != nil {
		return false, r.conflict(a, row, ch, err)
	}
	if bytes.Equal(merged, row.Data) {
		return false, nil
	}
	row.Data = merged
	if err := tx.PutRow(ctx, ds, *row); err != nil {
		return false, err
	}
	return true, r.outbox.Rebase(ctx, tx, row.Table, row.LocalOp, merged)
}

// conflict reports an irreconcilable merge and keeps the local row. Other
// merge failures abort the apply.
func (r *Resolver) conflict(a Adapter, row *model.Row, ch model.SyncChange, err error) error {
	if !errors.Is(err, model.ErrIrreconcilable) {
		return err
	}
	r.logger.WithFields(logrus.Fields{"table": ch.Table, "pk": ch.PrimaryKey}).WithError(err).Warn("Conflict could not be merged")
	r.bus.Emit(signals.Conflict, conflictData(a, row, ch))
	return nil
}

func conflictData(a Adapter, row *model.Row, ch model.SyncChange) signals.ConflictData {
	return signals.ConflictData{
		Table:  ch.Table,
		ID:     ch.PrimaryKey,
		Local:  row.Data,
		Remote: ch.Payload,
		Policy: string(a.Policy()),
	}
}

// Replay reapplies a pending op onto ds. Ops already reflected in the row are
// skipped so replaying twice is harmless. With rebase set the queued op is
// rewritten to the merged payload; this must only happen in the transaction
// that makes ds active.
func (r *Resolver) Replay(ctx context.Context, tx store.Tx, ds store.Dataset, op model.PendingOp, rebase bool) error {
	tx.MarkApplyingRemote()
	row, err := tx.GetRow(ctx, ds, op.Table, op.PrimaryKey)
	if err != nil {
		return err
	}
	if row != nil && row.LocalOp == op.OpID {
		// replayed earlier, the queued payload may still lag behind the merge
		if rebase && op.Kind != model.KindDelete && !row.Deleted && !bytes.Equal(row.Data, op.Payload) {
			return r.outbox.Rebase(ctx, tx, op.Table, op.OpID, row.Data)
		}
		return nil
	}
	if row != nil && row.Stamp.DeviceID == op.Stamp.DeviceID && row.Stamp.LogicalClock >= op.Stamp.LogicalClock {
		return nil
	}
	if op.Kind == model.KindDelete {
		return r.tombs.softDelete(ctx, tx, ds, op.Table, op.PrimaryKey, op.Stamp, op.OpID)
	}

	data := op.Payload
	a, ok := r.topics[op.Table]
	if ok && a.Policy() != PolicyLWW && row != nil && !row.Deleted {
		merged, err := a.Merge(op.Payload, row.Data)
		switch {
		case err == nil:
			data = merged
			if rebase {
				if err := r.outbox.Rebase(ctx, tx, op.Table, op.OpID, merged); err != nil {
					return err
				}
			}
		case !errors.Is(err, model.ErrIrreconcilable):
			return err
		}
	}
	return tx.PutRow(ctx, ds, model.Row{
		Table:      op.Table,
		PrimaryKey: op.PrimaryKey,
		Data:       data,
		Stamp:      op.Stamp,
		LocalOp:    op.OpID,
	})
}
