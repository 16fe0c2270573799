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
	"github.com/cybertec-postgresql/localsync/internal/signals"
	"github.com/cybertec-postgresql/localsync/internal/store"
)

// Options configures an Engine
type Options struct {
	Store    store.Store
	Provider provider.Provider
	// Registry enables tombstone purge. When it also implements
	// provider.Advertiser the engine reports its pull progress to it.
	Registry provider.DeviceRegistry
	Topics   []Adapter
	Config   Config
	// DeviceID overrides the id persisted in the store
	DeviceID string
	Bus      *signals.Bus
}

// Engine wires the sync components for one session
type Engine struct {
	store    store.Store
	prov     provider.Provider
	bus      *signals.Bus
	cfg      Config
	topics   []Adapter
	ids      *IdGen
	gate     *Gate
	tombs    *Tombstones
	outbox   *Outbox
	capture  *Capture
	resolver *Resolver
	cursors  *Cursors
	subs     *Subscriptions
	recovery *Recovery
	local    *Local
	logger   *logrus.Entry
}

// Status is a point in time view of the engine
type Status struct {
	DeviceID      string        `json:"device_id"`
	Clock         int64         `json:"clock"`
	ActiveDataset store.Dataset `json:"active_dataset"`
	Pending       int           `json:"pending"`
	PendingBytes  int           `json:"pending_bytes"`
	LastFlushAt   time.Time     `json:"last_flush_at"`
	QueueFull     bool          `json:"queue_full"`
	Blocked       bool          `json:"blocked"`
	Recovery      RecoveryState `json:"recovery"`
}

// New validates the options and restores the device identity from the store
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Provider == nil {
		return nil, errors.New("engine needs a store and a provider")
	}
	cfg := opts.Config.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	topics := make(map[string]Adapter, len(opts.Topics))
	for _, a := range opts.Topics {
		if a.Table() == "" {
			return nil, errors.New("topic without table name")
		}
		if _, dup := topics[a.Table()]; dup {
			return nil, fmt.Errorf("table %s registered twice", a.Table())
		}
		if !a.Supports(a.Policy()) {
			return nil, fmt.Errorf("table %s does not support policy %s", a.Table(), a.Policy())
		}
		topics[a.Table()] = a
	}
	bus := opts.Bus
	if bus == nil {
		bus = signals.NewBus()
	}
	ids, err := LoadIdGen(ctx, opts.Store, opts.DeviceID)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:  opts.Store,
		prov:   opts.Provider,
		bus:    bus,
		cfg:    cfg,
		topics: opts.Topics,
		ids:    ids,
		gate:   NewGate(bus),
		logger: log.Component("engine"),
	}
	locks := newTableLocks()
	e.tombs = newTombstones(opts.Store, opts.Registry, cfg.Now)
	e.outbox = newOutbox(opts.Store, opts.Provider, e.tombs, e.gate, bus, locks, cfg)
	e.capture = newCapture(opts.Store, ids, e.outbox, e.tombs, topics, bus, cfg)
	e.resolver = newResolver(ids, topics, e.tombs, e.outbox, bus)
	e.cursors = newCursors(opts.Store, opts.Provider, e.resolver, locks, e.gate, opts.Topics, ids, opts.Registry, cfg)
	e.subs = newSubscriptions(opts.Store, opts.Provider, e.resolver, locks, opts.Topics, cfg)
	e.recovery = newRecovery(opts.Store, e.outbox, e.cursors, e.resolver, locks, opts.Topics, bus, cfg)
	e.local = &Local{store: opts.Store, capture: e.capture, topics: topics}

	busy := func() bool { return e.outbox.Full() || e.recovery.Active() }
	e.cursors.busy = busy
	e.subs.busy = busy
	e.cursors.expired = func(ctx context.Context, table string) {
		err := e.recovery.Run(ctx, "cursor expired: "+table)
		if err != nil && !errors.Is(err, model.ErrRescanInProgress) {
			e.logger.WithError(err).Warn("Rescan after cursor expiry failed")
		}
	}
	return e, nil
}

// Start runs the sync loops until ctx is cancelled. The store keeps the
// outbox and cursors so a later Start resumes where this one stopped.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.WithFields(logrus.Fields{"device_id": e.ids.DeviceID(), "tables": len(e.topics)}).Info("Starting sync engine")
	if err := e.subs.Subscribe(ctx); err != nil {
		e.logger.WithError(err).Warn("Realtime subscription failed, relying on pull")
	}
	if err := e.cursors.PullAll(ctx); err != nil && ctx.Err() == nil {
		e.logger.WithError(err).Warn("Bootstrap pull failed")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.outbox.Run(gctx) })
	g.Go(func() error { return e.subs.Run(gctx) })
	g.Go(func() error {
		return e.cursors.Run(gctx, func() time.Duration { return e.outbox.scaled(e.cfg.PullInterval) })
	})
	g.Go(func() error { return e.purgeLoop(gctx) })
	err := g.Wait()

	if uerr := e.subs.Unsubscribe(); uerr != nil {
		e.logger.WithError(uerr).Warn("Failed to unsubscribe")
	}
	e.recovery.Wait()
	e.logger.Info("Sync engine stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) purgeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(e.outbox.scaled(e.cfg.PurgeInterval)):
		}
		if _, err := e.tombs.Purge(ctx); err != nil && ctx.Err() == nil {
			e.logger.WithError(err).Warn("Tombstone purge failed")
		}
	}
}

// Local returns the application read/write API
func (e *Engine) Local() *Local { return e.local }

// Capture returns the capture layer for in-transaction recording
func (e *Engine) Capture() *Capture { return e.capture }

func (e *Engine) Bus() *signals.Bus { return e.bus }

func (e *Engine) DeviceID() string { return e.ids.DeviceID() }

// Flush pushes everything that is due now
func (e *Engine) Flush(ctx context.Context) error {
	_, err := e.outbox.Flush(ctx)
	return err
}

// PullNow runs one pull round for every table
func (e *Engine) PullNow(ctx context.Context) error {
	return e.cursors.PullAll(ctx)
}

// Drain applies buffered realtime changes immediately
func (e *Engine) Drain(ctx context.Context) error {
	return e.subs.Drain(ctx)
}

// Resync rebuilds the local dataset from the provider
func (e *Engine) Resync(ctx context.Context) error {
	return e.recovery.Run(ctx, "manual resync")
}

// PurgeTombstones purges what the device registry allows
func (e *Engine) PurgeTombstones(ctx context.Context) (int, error) {
	return e.tombs.Purge(ctx)
}

// SetBackground slows the loops while the host is in the background
func (e *Engine) SetBackground(background bool) {
	e.outbox.setBackground(background)
}

// SetSession reopens the gate after the host obtained a fresh session
func (e *Engine) SetSession(ctx context.Context) error {
	e.gate.Unblock()
	if err := e.subs.Unsubscribe(); err != nil {
		e.logger.WithError(err).Debug("Unsubscribe before resubscribe failed")
	}
	err := e.subs.Subscribe(ctx)
	e.outbox.Wake()
	e.cursors.Kick()
	return err
}

// Status returns counters and state of the engine
func (e *Engine) Status(ctx context.Context) (Status, error) {
	pending, bytes, last := e.outbox.Stats()
	st := Status{
		DeviceID:     e.ids.DeviceID(),
		Clock:        e.ids.Clock(),
		Pending:      pending,
		PendingBytes: bytes,
		LastFlushAt:  last,
		QueueFull:    e.outbox.Full(),
		Blocked:      e.gate.Blocked(),
		Recovery:     e.recovery.State(),
	}
	err := e.store.View(ctx, func(tx store.Tx) (err error) {
		st.ActiveDataset, err = tx.ActiveDataset(ctx)
		return err
	})
	return st, err
}
