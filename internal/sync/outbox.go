package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cybertec-postgresql/localsync/internal/log"
	"github.com/cybertec-postgresql/localsync/internal/model"
	"github.com/cybertec-postgresql/localsync/internal/provider"
	"github.com/cybertec-postgresql/localsync/internal/signals"
	"github.com/cybertec-postgresql/localsync/internal/store"
)

// Outbox owns the pending ops: it coalesces them, pushes them in per-table
// order and is the only component that deletes them.
type Outbox struct {
	store  store.Store
	prov   provider.Provider
	tombs  *Tombstones
	gate   *Gate
	bus    *signals.Bus
	locks  *tableLocks
	cfg    Config
	logger *logrus.Entry

	wake    chan struct{}
	filled  chan struct{} // a batch worth of ops is queued
	flushMu sync.Mutex

	mu           sync.Mutex
	paused       bool
	background   bool
	pendingOps   int
	pendingBytes int
	full         bool
	lastFlush    time.Time
	stalled      map[string]bool
}

func newOutbox(st store.Store, prov provider.Provider, tombs *Tombstones, gate *Gate, bus *signals.Bus, locks *tableLocks, cfg Config) *Outbox {
	return &Outbox{
		store:   st,
		prov:    prov,
		tombs:   tombs,
		gate:    gate,
		bus:     bus,
		locks:   locks,
		cfg:     cfg,
		logger:  log.Component("outbox"),
		wake:    make(chan struct{}, 1),
		filled:  make(chan struct{}, 1),
		stalled: make(map[string]bool),
	}
}

// Wake schedules a flush
func (o *Outbox) Wake() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// noteEnqueued accounts a freshly captured op until the next exact recount
func (o *Outbox) noteEnqueued(op model.PendingOp) {
	o.mu.Lock()
	o.pendingOps++
	o.pendingBytes += op.Size()
	ceiling := o.pendingOps >= o.cfg.MaxBatchOps || o.pendingBytes >= o.cfg.MaxBatchBytes
	o.mu.Unlock()
	if ceiling {
		select {
		case o.filled <- struct{}{}:
		default:
		}
	}
	o.Wake()
}

// Full reports whether the queue is over MaxQueueBytes
func (o *Outbox) Full() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.full
}

// Pause stops flushing and waits for an in-flight flush to finish
func (o *Outbox) Pause() {
	o.mu.Lock()
	o.paused = true
	o.mu.Unlock()
	o.flushMu.Lock()
	defer o.flushMu.Unlock()
}

// Resume re-enables flushing
func (o *Outbox) Resume() {
	o.mu.Lock()
	o.paused = false
	o.mu.Unlock()
	o.Wake()
}

func (o *Outbox) isPaused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

func (o *Outbox) setBackground(v bool) {
	o.mu.Lock()
	o.background = v
	o.mu.Unlock()
}

func (o *Outbox) scaled(d time.Duration) time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.background {
		return d * time.Duration(o.cfg.BackgroundFactor)
	}
	return d
}

// Stats returns the pending count, pending bytes and time of the last flush
func (o *Outbox) Stats() (int, int, time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pendingOps, o.pendingBytes, o.lastFlush
}

// Rebase replaces the payload of a pending op, used when a remote change is
// merged into a row that still has an unacknowledged local write.
func (o *Outbox) Rebase(ctx context.Context, tx store.Tx, table, opID string, payload json.RawMessage) error {
	ops, err := tx.ListOps(ctx, table)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if op.OpID == opID {
			op.Payload = payload
			return tx.PutOp(ctx, op)
		}
	}
	return nil
}

// recount refreshes the counters from the store and emits queue pressure transitions
func (o *Outbox) recount(ctx context.Context) (map[string]bool, error) {
	var ops []model.PendingOp
	if err := o.store.View(ctx, func(tx store.Tx) (err error) {
		ops, err = tx.ListOps(ctx, "")
		return err
	}); err != nil {
		return nil, err
	}
	tables := make(map[string]bool)
	bytes := 0
	for _, op := range ops {
		bytes += op.Size()
		tables[op.Table] = true
	}

	o.mu.Lock()
	o.pendingOps, o.pendingBytes = len(ops), bytes
	wasFull := o.full
	o.full = bytes > o.cfg.MaxQueueBytes
	isFull := o.full
	o.mu.Unlock()

	data := signals.QueueData{PendingBytes: bytes, MaxBytes: o.cfg.MaxQueueBytes}
	switch {
	case isFull && !wasFull:
		o.logger.WithFields(logrus.Fields{"pending_bytes": bytes, "max_bytes": o.cfg.MaxQueueBytes}).Warn("Outbox is full")
		o.bus.Emit(signals.QueueFull, data)
	case !isFull && wasFull:
		o.logger.WithField("pending_bytes", bytes).Info("Outbox drained below capacity")
		o.bus.Emit(signals.QueueDrained, data)
	}
	return tables, nil
}

// Flush pushes every due op once. It returns when the next op in backoff is
// due, or the zero time when nothing is waiting.
func (o *Outbox) Flush(ctx context.Context) (time.Time, error) {
	o.flushMu.Lock()
	defer o.flushMu.Unlock()
	if o.isPaused() || o.gate.Blocked() {
		return time.Time{}, nil
	}

	o.mu.Lock()
	hard := o.pendingBytes > o.cfg.MaxQueueBytes
	o.mu.Unlock()
	tables, err := o.recount(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if hard || o.Full() {
		for table := range tables {
			if err := o.coalesceTable(ctx, table, true); err != nil {
				return time.Time{}, err
			}
		}
		if tables, err = o.recount(ctx); err != nil {
			return time.Time{}, err
		}
	}

	var (
		mu   sync.Mutex
		next time.Time
	)
	g, gctx := errgroup.WithContext(ctx)
	for table := range tables {
		g.Go(func() error {
			due, err := o.flushTable(gctx, table)
			mu.Lock()
			if !due.IsZero() && (next.IsZero() || due.Before(next)) {
				next = due
			}
			mu.Unlock()
			return err
		})
	}
	err = g.Wait()

	if _, rerr := o.recount(context.WithoutCancel(ctx)); rerr != nil && err == nil {
		err = rerr
	}
	o.mu.Lock()
	o.lastFlush = o.cfg.Now()
	stats := signals.StatsData{Pending: o.pendingOps, PendingBytes: o.pendingBytes, LastFlushAt: o.lastFlush}
	o.mu.Unlock()
	o.bus.Emit(signals.Stats, stats)
	return next, err
}

func (o *Outbox) coalesceTable(ctx context.Context, table string, hard bool) error {
	unlock := o.locks.lock(table)
	defer unlock()
	return o.store.Update(ctx, func(tx store.Tx) error {
		_, err := o.coalesceTx(ctx, tx, table, hard)
		return err
	})
}

func (o *Outbox) coalesceTx(ctx context.Context, tx store.Tx, table string, hard bool) ([]model.PendingOp, error) {
	ops, err := tx.ListOps(ctx, table)
	if err != nil {
		return nil, err
	}
	drop, rewrite := coalesce(ops, hard)
	if len(drop) == 0 && len(rewrite) == 0 {
		return ops, nil
	}
	kept := ops[:0:0]
	for _, op := range ops {
		if drop[op.OpID] {
			if err := tx.DeleteOp(ctx, op.OpID); err != nil {
				return nil, err
			}
			continue
		}
		if kind, ok := rewrite[op.OpID]; ok {
			op.Kind = kind
			if err := tx.PutOp(ctx, op); err != nil {
				return nil, err
			}
		}
		kept = append(kept, op)
	}
	o.logger.WithFields(logrus.Fields{"table": table, "dropped": len(drop), "hard": hard}).Debug("Coalesced pending ops")
	return kept, nil
}

// coalesce folds redundant ops of the same primary key into the latest one.
// Consecutive updates always fold; under pressure an update also folds into a
// preceding insert and anything folds into a following delete. The surviving
// op is always the newer one so its op id stays the idempotency token.
func coalesce(ops []model.PendingOp, hard bool) (map[string]bool, map[string]model.Kind) {
	drop := make(map[string]bool)
	rewrite := make(map[string]model.Kind)
	kinds := make([]model.Kind, len(ops))
	survivor := make(map[string]int)
	for i, op := range ops {
		kinds[i] = op.Kind
		j, ok := survivor[op.PrimaryKey]
		if ok {
			prev := kinds[j]
			fold := false
			switch {
			case prev == model.KindUpdate && op.Kind == model.KindUpdate:
				fold = true
			case hard && prev == model.KindInsert && op.Kind == model.KindUpdate:
				fold = true
				kinds[i] = model.KindInsert
			case hard && op.Kind == model.KindDelete:
				fold = true
			}
			if fold {
				drop[ops[j].OpID] = true
				delete(rewrite, ops[j].OpID)
				if kinds[i] != op.Kind {
					rewrite[op.OpID] = kinds[i]
				}
			}
		}
		survivor[op.PrimaryKey] = i
	}
	return drop, rewrite
}

// nextBatch takes the due prefix of ops bounded by the batch limits. An op in
// backoff stops the batch so later ops of the table never overtake it.
func nextBatch(ops []model.PendingOp, now time.Time, maxOps, maxBytes int) ([]model.PendingOp, time.Time) {
	var (
		batch []model.PendingOp
		bytes int
	)
	for _, op := range ops {
		if op.NextAttemptAt.After(now) {
			if len(batch) == 0 {
				return nil, op.NextAttemptAt
			}
			break
		}
		if len(batch) > 0 && (len(batch) >= maxOps || bytes+op.Size() > maxBytes) {
			break
		}
		batch = append(batch, op)
		bytes += op.Size()
	}
	return batch, time.Time{}
}

func (o *Outbox) flushTable(ctx context.Context, table string) (time.Time, error) {
	unlock := o.locks.lock(table)
	defer unlock()

	var ops []model.PendingOp
	err := o.store.Update(ctx, func(tx store.Tx) (err error) {
		ops, err = o.coalesceTx(ctx, tx, table, false)
		return err
	})
	if err != nil {
		return time.Time{}, err
	}

	// every op is sent at most once per flush
	sent := make(map[string]bool)
	for {
		batch, due := nextBatch(ops, o.cfg.Now(), o.cfg.MaxBatchOps, o.cfg.MaxBatchBytes)
		for i, op := range batch {
			if sent[op.OpID] {
				batch = batch[:i]
				break
			}
		}
		if len(batch) == 0 {
			if due.IsZero() && len(ops) > 0 {
				due = ops[0].NextAttemptAt
			}
			return due, nil
		}
		for _, op := range batch {
			sent[op.OpID] = true
		}
		results, err := o.push(ctx, batch)
		if err != nil {
			if errors.Is(err, model.ErrUnauthorized) {
				o.gate.Block(err)
				return time.Time{}, err
			}
			results = failAll(batch, err)
		}
		if err := o.settle(ctx, batch, results); err != nil {
			return time.Time{}, err
		}
		if err := o.store.View(ctx, func(tx store.Tx) (err error) {
			ops, err = tx.ListOps(ctx, table)
			return err
		}); err != nil {
			return time.Time{}, err
		}
	}
}

// push sends a batch, halving it while the provider rejects it as too large
func (o *Outbox) push(ctx context.Context, batch []model.PendingOp) ([]model.PerOpResult, error) {
	results, err := o.prov.Push(ctx, batch)
	if !errors.Is(err, model.ErrPayloadTooLarge) || len(batch) < 2 {
		return results, err
	}
	o.logger.WithField("ops", len(batch)).Debug("Batch too large, splitting")
	mid := len(batch) / 2
	out := make([]model.PerOpResult, 0, len(batch))
	for _, half := range [][]model.PendingOp{batch[:mid], batch[mid:]} {
		res, err := o.push(ctx, half)
		if err != nil {
			if errors.Is(err, model.ErrUnauthorized) {
				return nil, err
			}
			res = failAll(half, err)
		}
		out = append(out, res...)
	}
	return out, nil
}

func failAll(batch []model.PendingOp, err error) []model.PerOpResult {
	results := make([]model.PerOpResult, len(batch))
	for i, op := range batch {
		results[i] = model.PerOpResult{OpID: op.OpID, Err: err}
	}
	return results
}

// settle deletes acknowledged ops and schedules the retry of failed ones
func (o *Outbox) settle(ctx context.Context, batch []model.PendingOp, results []model.PerOpResult) error {
	byID := make(map[string]model.PerOpResult, len(results))
	for _, r := range results {
		byID[r.OpID] = r
	}
	now := o.cfg.Now()
	var retries, stalled []model.PendingOp
	var acked []string

	err := o.store.Update(ctx, func(tx store.Tx) error {
		retries, stalled, acked = nil, nil, nil
		ds, err := tx.ActiveDataset(ctx)
		if err != nil {
			return err
		}
		for _, op := range batch {
			r, ok := byID[op.OpID]
			if ok && r.OK {
				if err := o.acknowledge(ctx, tx, ds, op, r.ServerVersion); err != nil {
					return err
				}
				acked = append(acked, op.OpID)
				continue
			}
			reason := r.Err
			if !ok {
				reason = errors.New("provider returned no result")
			} else if reason == nil {
				reason = errors.New("provider rejected op")
			}
			op.Attempt++
			op.LastError = reason.Error()
			op.NextAttemptAt = now.Add(o.cfg.schedule().Delay(op.Attempt))
			if err := tx.PutOp(ctx, op); err != nil {
				return err
			}
			retries = append(retries, op)
			if op.Attempt >= o.cfg.MaxAttempts {
				stalled = append(stalled, op)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to settle push results: %w", err)
	}

	o.mu.Lock()
	for _, id := range acked {
		delete(o.stalled, id)
	}
	var newlyStalled []model.PendingOp
	for _, op := range stalled {
		if !o.stalled[op.OpID] {
			o.stalled[op.OpID] = true
			newlyStalled = append(newlyStalled, op)
		}
	}
	o.mu.Unlock()

	for _, op := range retries {
		o.logger.WithFields(logrus.Fields{
			"table": op.Table, "op_id": op.OpID, "attempt": op.Attempt, "next_attempt_at": op.NextAttemptAt,
		}).WithError(errors.New(op.LastError)).Warn("Push failed, op will be retried")
		o.bus.Emit(signals.Retry, signals.RetryData{Table: op.Table, OpID: op.OpID, Attempt: op.Attempt, Error: op.LastError})
	}
	for _, op := range newlyStalled {
		o.logger.WithFields(logrus.Fields{"table": op.Table, "op_id": op.OpID, "attempt": op.Attempt}).Error("Op keeps failing")
		o.bus.Emit(signals.PushStalled, signals.RetryData{Table: op.Table, OpID: op.OpID, Attempt: op.Attempt, Error: op.LastError})
	}
	return nil
}

func (o *Outbox) acknowledge(ctx context.Context, tx store.Tx, ds store.Dataset, op model.PendingOp, sv int64) error {
	if err := tx.DeleteOp(ctx, op.OpID); err != nil {
		return err
	}
	row, err := tx.GetRow(ctx, ds, op.Table, op.PrimaryKey)
	if err != nil {
		return err
	}
	if row != nil && row.LocalOp == op.OpID && row.Stamp.ServerVersion < sv {
		row.Stamp.ServerVersion = sv
		if err := tx.PutRow(ctx, ds, *row); err != nil {
			return err
		}
	}
	if op.Kind == model.KindDelete {
		return o.tombs.acknowledge(ctx, tx, op, sv)
	}
	return nil
}

// Run flushes after every wake-up plus the batch window, and whenever the
// earliest op in backoff becomes due. The window ends early once a full batch
// is queued. Ops left over from an earlier run are flushed right away. While
// the gate is closed the loop parks and flushes as soon as it reopens.
func (o *Outbox) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		if o.gate.Blocked() {
			if err := o.gate.Wait(ctx); err != nil {
				return nil
			}
			o.Wake()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-o.wake:
		case <-timer.C:
		}
		select {
		case <-ctx.Done():
			return nil
		case <-o.filled:
		case <-time.After(o.scaled(o.cfg.BatchWindow)):
		}

		// a flush that started is allowed to finish after Stop
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FlushTimeout)
		next, err := o.Flush(fctx)
		cancel()
		if err != nil && !errors.Is(err, model.ErrUnauthorized) {
			o.logger.WithError(err).Error("Flush failed")
		}

		wait := o.scaled(o.cfg.PullInterval)
		if !next.IsZero() {
			wait = min(wait, max(next.Sub(o.cfg.Now()), 0))
		}
		timer.Reset(wait)
	}
}
