package sync

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/localsync/internal/log"
	"github.com/cybertec-postgresql/localsync/internal/model"
	"github.com/cybertec-postgresql/localsync/internal/provider"
	"github.com/cybertec-postgresql/localsync/internal/store"
)

// Subscriptions applies realtime changes. They are debounced, keep only the
// newest change per key and never move the pull cursor.
type Subscriptions struct {
	store    store.Store
	prov     provider.Provider
	resolver *Resolver
	locks    *tableLocks
	topics   []Adapter
	cfg      Config
	busy     func() bool
	logger   *logrus.Entry

	mu     sync.Mutex
	buffer map[string]map[string]model.SyncChange
	active []string
	kick   chan struct{}
}

func newSubscriptions(st store.Store, prov provider.Provider, resolver *Resolver, locks *tableLocks, topics []Adapter, cfg Config) *Subscriptions {
	return &Subscriptions{
		store:    st,
		prov:     prov,
		resolver: resolver,
		locks:    locks,
		topics:   topics,
		cfg:      cfg,
		busy:     func() bool { return false },
		logger:   log.Component("subscriptions"),
		buffer:   make(map[string]map[string]model.SyncChange),
		kick:     make(chan struct{}, 1),
	}
}

// Subscribe opens a realtime stream for every table
func (s *Subscriptions) Subscribe(ctx context.Context) error {
	var errs []error
	for _, a := range s.topics {
		table := a.Table()
		if err := s.prov.Subscribe(ctx, table, a.Scope(), s.receive); err != nil {
			errs = append(errs, err)
			continue
		}
		s.mu.Lock()
		s.active = append(s.active, table)
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Unsubscribe closes every stream opened by Subscribe
func (s *Subscriptions) Unsubscribe() error {
	s.mu.Lock()
	tables := s.active
	s.active = nil
	s.mu.Unlock()
	var errs []error
	for _, table := range tables {
		if err := s.prov.Unsubscribe(table); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Subscriptions) receive(ch model.SyncChange) {
	s.mu.Lock()
	s.keep(ch)
	s.mu.Unlock()
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// keep buffers ch unless a newer change of the same key is already waiting
func (s *Subscriptions) keep(ch model.SyncChange) {
	byKey, ok := s.buffer[ch.Table]
	if !ok {
		byKey = make(map[string]model.SyncChange)
		s.buffer[ch.Table] = byKey
	}
	if prev, ok := byKey[ch.PrimaryKey]; ok && model.Compare(prev.Stamp, ch.Stamp) > 0 {
		return
	}
	byKey[ch.PrimaryKey] = ch
}

// Run applies buffered changes once the debounce window has passed. While
// the engine is busy the buffer is held back.
func (s *Subscriptions) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.kick:
		}
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.cfg.SubscriptionDebounce):
			}
			if !s.busy() {
				break
			}
		}
		if err := s.Drain(ctx); err != nil && ctx.Err() == nil {
			s.logger.WithError(err).Warn("Failed to apply realtime changes")
		}
	}
}

// Drain applies everything buffered so far to the active dataset
func (s *Subscriptions) Drain(ctx context.Context) error {
	s.mu.Lock()
	pending := s.buffer
	s.buffer = make(map[string]map[string]model.SyncChange)
	s.mu.Unlock()

	var errs []error
	for table, byKey := range pending {
		changes := make([]model.SyncChange, 0, len(byKey))
		for _, ch := range byKey {
			changes = append(changes, ch)
		}
		slices.SortFunc(changes, func(a, b model.SyncChange) int {
			return model.Compare(a.Stamp, b.Stamp)
		})
		if err := s.apply(ctx, table, changes); err != nil {
			errs = append(errs, err)
			s.mu.Lock()
			for _, ch := range changes {
				s.keep(ch)
			}
			s.mu.Unlock()
		}
	}
	return errors.Join(errs...)
}

func (s *Subscriptions) apply(ctx context.Context, table string, changes []model.SyncChange) error {
	unlock := s.locks.lock(table)
	defer unlock()
	applied := 0
	err := s.store.Update(ctx, func(tx store.Tx) error {
		applied = 0
		ds, err := tx.ActiveDataset(ctx)
		if err != nil {
			return err
		}
		for _, ch := range changes {
			changed, err := s.resolver.Apply(ctx, tx, ds, ch)
			if err != nil {
				return err
			}
			if changed {
				applied++
			}
		}
		return nil
	})
	if err == nil {
		s.logger.WithFields(logrus.Fields{"table": table, "changes": len(changes), "applied": applied}).Debug("Applied realtime changes")
	}
	return err
}
