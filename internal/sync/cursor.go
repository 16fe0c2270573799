package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cybertec-postgresql/localsync/internal/log"
	"github.com/cybertec-postgresql/localsync/internal/model"
	"github.com/cybertec-postgresql/localsync/internal/provider"
	"github.com/cybertec-postgresql/localsync/internal/retry"
	"github.com/cybertec-postgresql/localsync/internal/store"
)

// errDatasetSwapped aborts a page applied to a dataset that stopped being active
var errDatasetSwapped = errors.New("active dataset changed during pull")

// Cursors drives incremental pulls and owns the per-table cursor state
type Cursors struct {
	store    store.Store
	prov     provider.Provider
	resolver *Resolver
	locks    *tableLocks
	gate     *Gate
	topics   []Adapter
	cfg      Config
	ids      *IdGen
	registry provider.DeviceRegistry
	logger   *logrus.Entry

	// busy pauses pulling while the outbox is full or a rescan runs
	busy func() bool
	// expired is called when the provider rejects a cursor
	expired func(ctx context.Context, table string)

	kick chan struct{}
}

func newCursors(st store.Store, prov provider.Provider, resolver *Resolver, locks *tableLocks, gate *Gate, topics []Adapter, ids *IdGen, registry provider.DeviceRegistry, cfg Config) *Cursors {
	return &Cursors{
		store:    st,
		prov:     prov,
		resolver: resolver,
		locks:    locks,
		gate:     gate,
		topics:   topics,
		cfg:      cfg,
		ids:      ids,
		registry: registry,
		logger:   log.Component("cursor"),
		busy:     func() bool { return false },
		expired:  func(context.Context, string) {},
		kick:     make(chan struct{}, 1),
	}
}

func permanentPullError(err error) bool {
	return errors.Is(err, model.ErrCursorExpired) ||
		errors.Is(err, model.ErrUnauthorized) ||
		errors.Is(err, context.Canceled)
}

// PullInto pages table from its stored cursor into ds until the provider is
// drained. Each page and the advanced cursor are written in one transaction,
// so a crash resumes from the last applied page. When live is set every page
// first verifies that ds is still the active dataset.
func (m *Cursors) PullInto(ctx context.Context, ds store.Dataset, table string, live bool) (rows, pages int, err error) {
	for {
		var cur model.CursorState
		if err := m.store.View(ctx, func(tx store.Tx) error {
			st, err := tx.GetCursor(ctx, ds, table)
			if st != nil {
				cur = *st
			}
			return err
		}); err != nil {
			return rows, pages, err
		}
		cur.Table = table

		var page model.PullPage
		err := retry.WithOperation(ctx, retry.PullDefaults(), func() (err error) {
			page, err = m.prov.Pull(ctx, table, cur.Cursor, m.cfg.PullPageSize)
			return err
		}, "pull "+table, permanentPullError)
		if err != nil {
			return rows, pages, err
		}

		applied := 0
		unlock := m.locks.lock(table)
		err = m.store.Update(ctx, func(tx store.Tx) error {
			applied = 0
			if live {
				active, err := tx.ActiveDataset(ctx)
				if err != nil {
					return err
				}
				if active != ds {
					return errDatasetSwapped
				}
			}
			next := cur
			for _, ch := range page.Changes {
				changed, err := m.resolver.Apply(ctx, tx, ds, ch)
				if err != nil {
					return fmt.Errorf("failed to apply %s/%s: %w", ch.Table, ch.PrimaryKey, err)
				}
				if changed {
					applied++
				}
				next.LastServerVersion = max(next.LastServerVersion, ch.Stamp.ServerVersion)
			}
			if page.NextCursor != "" {
				next.Cursor = page.NextCursor
			}
			return tx.PutCursor(ctx, ds, next)
		})
		unlock()
		if err != nil {
			return rows, pages, err
		}
		rows += applied
		pages++
		m.logger.WithFields(logrus.Fields{
			"table": table, "dataset": ds, "changes": len(page.Changes), "applied": applied, "cursor": page.NextCursor,
		}).Debug("Pulled page")
		if page.Done || len(page.Changes) == 0 {
			return rows, pages, nil
		}
	}
}

// PullTable pulls one table into the active dataset
func (m *Cursors) PullTable(ctx context.Context, table string) error {
	if m.gate.Blocked() || m.busy() {
		return nil
	}
	var ds store.Dataset
	if err := m.store.View(ctx, func(tx store.Tx) (err error) {
		ds, err = tx.ActiveDataset(ctx)
		return err
	}); err != nil {
		return err
	}
	_, _, err := m.PullInto(ctx, ds, table, true)
	switch {
	case err == nil, errors.Is(err, errDatasetSwapped):
		return nil
	case errors.Is(err, model.ErrCursorExpired):
		m.logger.WithField("table", table).Warn("Cursor expired, rebuilding local dataset")
		m.expired(ctx, table)
		return nil
	case errors.Is(err, model.ErrUnauthorized):
		m.gate.Block(err)
		return nil
	}
	return err
}

// PullAll pulls every table and then advertises how far this device has read
func (m *Cursors) PullAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, a := range m.topics {
		g.Go(func() error {
			return m.PullTable(gctx, a.Table())
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return m.advertise(ctx)
}

func (m *Cursors) advertise(ctx context.Context) error {
	adv, ok := m.registry.(provider.Advertiser)
	if !ok || len(m.topics) == 0 || m.gate.Blocked() {
		return nil
	}
	var floor int64 = -1
	err := m.store.View(ctx, func(tx store.Tx) error {
		ds, err := tx.ActiveDataset(ctx)
		if err != nil {
			return err
		}
		for _, a := range m.topics {
			st, err := tx.GetCursor(ctx, ds, a.Table())
			if err != nil {
				return err
			}
			v := int64(0)
			if st != nil {
				v = st.LastServerVersion
			}
			if floor < 0 || v < floor {
				floor = v
			}
		}
		return nil
	})
	if err != nil || floor <= 0 {
		return err
	}
	return adv.Advance(ctx, m.ids.DeviceID(), floor)
}

// Kick requests an immediate pull round
func (m *Cursors) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Run pulls on every interval and on Kick. While the gate is closed it
// waits and pulls once the gate reopens.
func (m *Cursors) Run(ctx context.Context, interval func() time.Duration) error {
	timer := time.NewTimer(interval())
	defer timer.Stop()
	for {
		if m.gate.Blocked() {
			if err := m.gate.Wait(ctx); err != nil {
				return nil
			}
			m.Kick()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-m.kick:
		}
		if err := m.PullAll(ctx); err != nil && ctx.Err() == nil {
			m.logger.WithError(err).Warn("Pull round failed")
		}
		timer.Reset(interval())
	}
}
