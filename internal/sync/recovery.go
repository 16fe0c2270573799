package sync

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/localsync/internal/log"
	"github.com/cybertec-postgresql/localsync/internal/model"
	"github.com/cybertec-postgresql/localsync/internal/signals"
	"github.com/cybertec-postgresql/localsync/internal/store"
)

// RecoveryState is the phase of a full rescan
type RecoveryState string

const (
	RecoveryIdle     RecoveryState = "idle"
	RecoveryStaging  RecoveryState = "staging"
	RecoveryRebasing RecoveryState = "rebasing"
	RecoverySwapping RecoveryState = "swapping"
	RecoveryCleanup  RecoveryState = "cleanup"
	RecoveryError    RecoveryState = "error"
)

// Recovery rebuilds the local dataset from scratch when incremental pulls
// can no longer continue. The new dataset is built next to the live one and
// swapped in atomically, so readers never see a partial state and local
// writes keep working throughout.
type Recovery struct {
	store    store.Store
	outbox   *Outbox
	cursors  *Cursors
	resolver *Resolver
	locks    *tableLocks
	topics   []Adapter
	bus      *signals.Bus
	cfg      Config
	logger   *logrus.Entry

	running atomic.Bool
	mu      sync.Mutex
	state   RecoveryState
	cleanup sync.WaitGroup
}

func newRecovery(st store.Store, outbox *Outbox, cursors *Cursors, resolver *Resolver, locks *tableLocks, topics []Adapter, bus *signals.Bus, cfg Config) *Recovery {
	return &Recovery{
		store:    st,
		outbox:   outbox,
		cursors:  cursors,
		resolver: resolver,
		locks:    locks,
		topics:   topics,
		bus:      bus,
		cfg:      cfg,
		logger:   log.Component("recovery"),
		state:    RecoveryIdle,
	}
}

// State returns the current phase
func (r *Recovery) State() RecoveryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Active reports whether a rescan is running
func (r *Recovery) Active() bool {
	return r.running.Load()
}

func (r *Recovery) setState(s RecoveryState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	r.logger.WithField("state", s).Debug("Recovery state changed")
}

// Wait blocks until background cleanup of old datasets is done
func (r *Recovery) Wait() {
	r.cleanup.Wait()
}

// Run performs a full rescan. Only one rescan runs at a time; a concurrent
// call returns model.ErrRescanInProgress.
func (r *Recovery) Run(ctx context.Context, reason string) error {
	if !r.running.CompareAndSwap(false, true) {
		return model.ErrRescanInProgress
	}
	defer r.running.Store(false)

	r.logger.WithField("reason", reason).Info("Starting full rescan")
	r.bus.Emit(signals.RescanStarting, signals.RescanData{Reason: reason})

	r.outbox.Pause()
	defer r.outbox.Resume()

	live, staged, err := r.stage(ctx)
	if err == nil {
		err = r.swap(ctx, live, staged)
	}
	if err != nil {
		r.fail(ctx, staged, err)
		return err
	}

	r.setState(RecoveryCleanup)
	bg := context.WithoutCancel(ctx)
	r.cleanup.Go(func() {
		err := r.store.Update(bg, func(tx store.Tx) error {
			return tx.DropDataset(bg, live)
		})
		if err != nil {
			r.logger.WithError(err).WithField("dataset", live).Warn("Failed to drop old dataset")
		}
	})
	r.setState(RecoveryIdle)
	r.logger.WithField("dataset", staged).Info("Full rescan completed")
	r.bus.Emit(signals.RescanCompleted, signals.RescanData{Reason: reason})
	return nil
}

// stage pulls every table into a fresh dataset and replays the pending ops
// captured so far onto it.
func (r *Recovery) stage(ctx context.Context) (store.Dataset, store.Dataset, error) {
	r.setState(RecoveryStaging)
	var (
		live, staged store.Dataset
		snapshot     []model.PendingOp
	)
	err := r.store.Update(ctx, func(tx store.Tx) (err error) {
		if live, err = tx.ActiveDataset(ctx); err != nil {
			return err
		}
		staged = live + 1
		// leftovers of an interrupted rescan
		if err := tx.DropDataset(ctx, staged); err != nil {
			return err
		}
		snapshot, err = tx.ListOps(ctx, "")
		return err
	})
	if err != nil {
		return live, 0, fmt.Errorf("failed to prepare staging dataset: %w", err)
	}

	for _, a := range r.topics {
		rows, pages, err := r.cursors.PullInto(ctx, staged, a.Table(), false)
		if err != nil {
			return live, staged, fmt.Errorf("failed to pull %s: %w", a.Table(), err)
		}
		r.bus.Emit(signals.RescanProgress, signals.RescanData{Table: a.Table(), Rows: rows, Pages: pages})
	}

	r.setState(RecoveryRebasing)
	err = r.store.Update(ctx, func(tx store.Tx) error {
		for _, op := range snapshot {
			if err := r.resolver.Replay(ctx, tx, staged, op, false); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return live, staged, fmt.Errorf("failed to replay pending ops: %w", err)
	}
	return live, staged, nil
}

// swap replays the ops captured during staging, rebases the queued payloads
// and makes staged the active dataset in the same transaction.
func (r *Recovery) swap(ctx context.Context, live, staged store.Dataset) error {
	r.setState(RecoverySwapping)
	tables := make([]string, 0, len(r.topics))
	for _, a := range r.topics {
		tables = append(tables, a.Table())
	}
	slices.Sort(tables)
	for _, table := range tables {
		unlock := r.locks.lock(table)
		defer unlock()
	}

	err := r.store.Update(ctx, func(tx store.Tx) error {
		active, err := tx.ActiveDataset(ctx)
		if err != nil {
			return err
		}
		if active != live {
			return fmt.Errorf("active dataset moved from %d to %d during rescan", live, active)
		}
		ops, err := tx.ListOps(ctx, "")
		if err != nil {
			return err
		}
		for _, op := range ops {
			if err := r.resolver.Replay(ctx, tx, staged, op, true); err != nil {
				return err
			}
		}
		now := r.cfg.Now()
		for _, table := range tables {
			st, err := tx.GetCursor(ctx, staged, table)
			if err != nil {
				return err
			}
			cur := model.CursorState{Table: table}
			if st != nil {
				cur = *st
			}
			cur.LastFullRescanAt = now
			if err := tx.PutCursor(ctx, staged, cur); err != nil {
				return err
			}
		}
		return tx.SetActiveDataset(ctx, staged)
	})
	if err != nil {
		return fmt.Errorf("failed to swap datasets: %w", err)
	}
	r.bus.Emit(signals.RescanSwap, signals.RescanData{})
	return nil
}

// fail discards the staging dataset and leaves the live one untouched
func (r *Recovery) fail(ctx context.Context, staged store.Dataset, cause error) {
	r.setState(RecoveryError)
	r.logger.WithError(cause).Error("Full rescan failed")
	if staged != 0 {
		bg := context.WithoutCancel(ctx)
		err := r.store.Update(bg, func(tx store.Tx) error {
			return tx.DropDataset(bg, staged)
		})
		if err != nil {
			r.logger.WithError(err).WithField("dataset", staged).Warn("Failed to drop staging dataset")
		}
	}
	r.bus.Emit(signals.RescanError, signals.RescanData{Error: cause.Error()})
	r.setState(RecoveryIdle)
}
