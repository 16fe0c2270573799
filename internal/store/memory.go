package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/cybertec-postgresql/localsync/internal/model"
)

type rowKey struct {
	ds    Dataset
	table string
	pk    string
}

type cursorKey struct {
	ds    Dataset
	table string
}

type tombKey struct {
	table string
	pk    string
}

// Memory is an embedded, process-local Store. A failed Update rolls back
// every write it made.
type Memory struct {
	mu         sync.RWMutex
	rows       map[rowKey]model.Row
	ops        map[string]model.PendingOp
	cursors    map[cursorKey]model.CursorState
	tombstones map[tombKey]model.Tombstone
	meta       map[string]string
	seq        int64
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		rows:       make(map[rowKey]model.Row),
		ops:        make(map[string]model.PendingOp),
		cursors:    make(map[cursorKey]model.CursorState),
		tombstones: make(map[tombKey]model.Tombstone),
		meta:       map[string]string{MetaActiveDataset: strconv.FormatInt(int64(InitialDataset), 10)},
	}
}

// Update runs fn in an exclusive read-write transaction
func (m *Memory) Update(ctx context.Context, fn func(tx Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{m: m, writable: true}
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
	}()
	if err = fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// View runs fn in a shared read-only transaction
func (m *Memory) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memTx{m: m})
}

func (m *Memory) Close() error {
	return nil
}

type memTx struct {
	m        *Memory
	writable bool
	remote   bool
	undo     []func()
}

func (tx *memTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memTx) check() error {
	if !tx.writable {
		return ErrReadOnly
	}
	return nil
}

func (tx *memTx) MarkApplyingRemote() { tx.remote = true }

func (tx *memTx) ApplyingRemote() bool { return tx.remote }

func (tx *memTx) ActiveDataset(ctx context.Context) (Dataset, error) {
	v, ok, _ := tx.GetMeta(ctx, MetaActiveDataset)
	if !ok {
		return InitialDataset, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt active dataset pointer %q: %w", v, err)
	}
	return Dataset(n), nil
}

func (tx *memTx) SetActiveDataset(ctx context.Context, ds Dataset) error {
	return tx.PutMeta(ctx, MetaActiveDataset, strconv.FormatInt(int64(ds), 10))
}

func (tx *memTx) GetMeta(_ context.Context, key string) (string, bool, error) {
	v, ok := tx.m.meta[key]
	return v, ok, nil
}

func (tx *memTx) PutMeta(_ context.Context, key, value string) error {
	if err := tx.check(); err != nil {
		return err
	}
	old, had := tx.m.meta[key]
	tx.m.meta[key] = value
	tx.undo = append(tx.undo, func() {
		if had {
			tx.m.meta[key] = old
		} else {
			delete(tx.m.meta, key)
		}
	})
	return nil
}

func (tx *memTx) GetRow(_ context.Context, ds Dataset, table, pk string) (*model.Row, error) {
	row, ok := tx.m.rows[rowKey{ds, table, pk}]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (tx *memTx) PutRow(_ context.Context, ds Dataset, row model.Row) error {
	if err := tx.check(); err != nil {
		return err
	}
	row.Data = bytes.Clone(row.Data)
	k := rowKey{ds, row.Table, row.PrimaryKey}
	old, had := tx.m.rows[k]
	tx.m.rows[k] = row
	tx.undo = append(tx.undo, func() {
		if had {
			tx.m.rows[k] = old
		} else {
			delete(tx.m.rows, k)
		}
	})
	return nil
}

func (tx *memTx) DeleteRow(_ context.Context, ds Dataset, table, pk string) error {
	if err := tx.check(); err != nil {
		return err
	}
	k := rowKey{ds, table, pk}
	old, had := tx.m.rows[k]
	if !had {
		return nil
	}
	delete(tx.m.rows, k)
	tx.undo = append(tx.undo, func() { tx.m.rows[k] = old })
	return nil
}

func (tx *memTx) ListRows(_ context.Context, ds Dataset, table string) ([]model.Row, error) {
	var rows []model.Row
	for k, row := range tx.m.rows {
		if k.ds == ds && k.table == table {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].PrimaryKey < rows[j].PrimaryKey })
	return rows, nil
}

func (tx *memTx) DropDataset(ctx context.Context, ds Dataset) error {
	if err := tx.check(); err != nil {
		return err
	}
	for k := range tx.m.rows {
		if k.ds == ds {
			_ = tx.DeleteRow(ctx, ds, k.table, k.pk)
		}
	}
	for k := range tx.m.cursors {
		if k.ds == ds {
			old := tx.m.cursors[k]
			delete(tx.m.cursors, k)
			tx.undo = append(tx.undo, func() { tx.m.cursors[k] = old })
		}
	}
	return nil
}

func (tx *memTx) AppendOp(_ context.Context, op *model.PendingOp) error {
	if err := tx.check(); err != nil {
		return err
	}
	if _, dup := tx.m.ops[op.OpID]; dup {
		return fmt.Errorf("op %s already queued", op.OpID)
	}
	tx.m.seq++
	op.Seq = tx.m.seq
	stored := *op
	stored.Payload = bytes.Clone(op.Payload)
	tx.m.ops[op.OpID] = stored
	id := op.OpID
	tx.undo = append(tx.undo, func() { delete(tx.m.ops, id) })
	return nil
}

func (tx *memTx) PutOp(_ context.Context, op model.PendingOp) error {
	if err := tx.check(); err != nil {
		return err
	}
	old, had := tx.m.ops[op.OpID]
	if !had {
		return fmt.Errorf("op %s: %w", op.OpID, model.ErrNotFound)
	}
	op.Payload = bytes.Clone(op.Payload)
	tx.m.ops[op.OpID] = op
	tx.undo = append(tx.undo, func() { tx.m.ops[op.OpID] = old })
	return nil
}

func (tx *memTx) DeleteOp(_ context.Context, opID string) error {
	if err := tx.check(); err != nil {
		return err
	}
	old, had := tx.m.ops[opID]
	if !had {
		return nil
	}
	delete(tx.m.ops, opID)
	tx.undo = append(tx.undo, func() { tx.m.ops[opID] = old })
	return nil
}

func (tx *memTx) ListOps(_ context.Context, table string) ([]model.PendingOp, error) {
	ops := make([]model.PendingOp, 0, len(tx.m.ops))
	for _, op := range tx.m.ops {
		if table == "" || op.Table == table {
			ops = append(ops, op)
		}
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Seq < ops[j].Seq })
	return ops, nil
}

func (tx *memTx) GetCursor(_ context.Context, ds Dataset, table string) (*model.CursorState, error) {
	st, ok := tx.m.cursors[cursorKey{ds, table}]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (tx *memTx) PutCursor(_ context.Context, ds Dataset, state model.CursorState) error {
	if err := tx.check(); err != nil {
		return err
	}
	k := cursorKey{ds, state.Table}
	old, had := tx.m.cursors[k]
	tx.m.cursors[k] = state
	tx.undo = append(tx.undo, func() {
		if had {
			tx.m.cursors[k] = old
		} else {
			delete(tx.m.cursors, k)
		}
	})
	return nil
}

func (tx *memTx) GetTombstone(_ context.Context, table, pk string) (*model.Tombstone, error) {
	ts, ok := tx.m.tombstones[tombKey{table, pk}]
	if !ok {
		return nil, nil
	}
	return &ts, nil
}

func (tx *memTx) PutTombstone(_ context.Context, ts model.Tombstone) error {
	if err := tx.check(); err != nil {
		return err
	}
	k := tombKey{ts.Table, ts.PrimaryKey}
	old, had := tx.m.tombstones[k]
	tx.m.tombstones[k] = ts
	tx.undo = append(tx.undo, func() {
		if had {
			tx.m.tombstones[k] = old
		} else {
			delete(tx.m.tombstones, k)
		}
	})
	return nil
}

func (tx *memTx) DeleteTombstone(_ context.Context, table, pk string) error {
	if err := tx.check(); err != nil {
		return err
	}
	k := tombKey{table, pk}
	old, had := tx.m.tombstones[k]
	if !had {
		return nil
	}
	delete(tx.m.tombstones, k)
	tx.undo = append(tx.undo, func() { tx.m.tombstones[k] = old })
	return nil
}

func (tx *memTx) ListTombstones(_ context.Context) ([]model.Tombstone, error) {
	out := make([]model.Tombstone, 0, len(tx.m.tombstones))
	for _, ts := range tx.m.tombstones {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Table != out[j].Table {
			return out[i].Table < out[j].Table
		}
		return out[i].PrimaryKey < out[j].PrimaryKey
	})
	return out, nil
}
