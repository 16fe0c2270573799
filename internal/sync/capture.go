package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/localsync/internal/log"
	"github.com/cybertec-postgresql/localsync/internal/model"
	"github.com/cybertec-postgresql/localsync/internal/signals"
	"github.com/cybertec-postgresql/localsync/internal/store"
)

// ErrUnknownTable is returned for writes to a table that is not synced
var ErrUnknownTable = errors.New("table is not synced")

// Capture turns committed local mutations into pending ops
type Capture struct {
	store  store.Store
	ids    *IdGen
	outbox *Outbox
	tombs  *Tombstones
	topics map[string]Adapter
	bus    *signals.Bus
	cfg    Config
	logger *logrus.Entry
}

func newCapture(st store.Store, ids *IdGen, outbox *Outbox, tombs *Tombstones, topics map[string]Adapter, bus *signals.Bus, cfg Config) *Capture {
	return &Capture{
		store:  st,
		ids:    ids,
		outbox: outbox,
		tombs:  tombs,
		topics: topics,
		bus:    bus,
		cfg:    cfg,
		logger: log.Component("capture"),
	}
}

// Record applies a local mutation to the active dataset and enqueues it.
// Mutations made while tx applies remote changes are ignored. A failure to
// enqueue degrades sync but never fails the local write.
func (c *Capture) Record(ctx context.Context, tx store.Tx, ev model.MutationEvent) error {
	if tx.ApplyingRemote() {
		return nil
	}
	a, ok := c.topics[ev.Table]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, ev.Table)
	}
	if ev.PrimaryKey == "" {
		return errors.New("mutation without primary key")
	}
	payload := ev.Payload
	if ev.Kind != model.KindDelete {
		if !ev.Kind.Valid() {
			return fmt.Errorf("%w: mutation kind %q", model.ErrUnsupported, ev.Kind)
		}
		var err error
		if payload, err = a.Normalize(ev.Payload); err != nil {
			return err
		}
	} else {
		payload = nil
	}

	ds, err := tx.ActiveDataset(ctx)
	if err != nil {
		return err
	}
	stamp, opID := c.ids.Next()
	if ev.Kind == model.KindDelete {
		err = c.tombs.MarkLocal(ctx, tx, ds, ev.Table, ev.PrimaryKey, stamp, opID)
	} else {
		err = tx.PutRow(ctx, ds, model.Row{
			Table:      ev.Table,
			PrimaryKey: ev.PrimaryKey,
			Data:       payload,
			Stamp:      stamp,
			LocalOp:    opID,
		})
		if err == nil {
			err = c.tombs.Clear(ctx, tx, ev.Table, ev.PrimaryKey)
		}
	}
	if err != nil {
		return err
	}

	now := c.cfg.Now()
	op := model.PendingOp{
		OpID:          opID,
		Table:         ev.Table,
		PrimaryKey:    ev.PrimaryKey,
		Kind:          ev.Kind,
		Payload:       payload,
		Stamp:         stamp,
		EnqueuedAt:    now,
		NextAttemptAt: now,
	}
	if err := c.enqueue(ctx, tx, &op); err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{"table": ev.Table, "pk": ev.PrimaryKey}).Error("Failed to enqueue local write")
		c.bus.Emit(signals.Degraded, signals.MessageData{Message: err.Error()})
		return nil
	}
	c.outbox.noteEnqueued(op)
	return nil
}

func (c *Capture) enqueue(ctx context.Context, tx store.Tx, op *model.PendingOp) error {
	if err := c.ids.Persist(ctx, tx); err != nil {
		return err
	}
	return tx.AppendOp(ctx, op)
}

// Consume records every event read from events until it is closed or ctx is
// done. Events for tables that are not synced are skipped.
func (c *Capture) Consume(ctx context.Context, events <-chan model.MutationEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if _, synced := c.topics[ev.Table]; !synced {
				c.logger.WithField("table", ev.Table).Debug("Skipping mutation of unsynced table")
				continue
			}
			err := c.store.Update(ctx, func(tx store.Tx) error {
				return c.Record(ctx, tx, ev)
			})
			if err != nil {
				c.logger.WithError(err).WithFields(logrus.Fields{"table": ev.Table, "pk": ev.PrimaryKey}).Error("Failed to capture mutation")
			}
		}
	}
}
