// Package store defines the transactional local key-space the sync engine
// persists into, and an in-memory implementation of it.
//
// The key-space holds four kinds of state:
//
//   - rows, partitioned by dataset so a rescan can build a shadow copy
//   - the outbox of pending ops, ordered by a store-assigned sequence
//   - per-table cursor states, also partitioned by dataset
//   - tombstones and a small meta map (active dataset pointer, clock, device id)
//
// Everything a single engine operation writes goes through one Update call,
// so a mutated row and its pending op are always committed together.
package store

import (
	"context"
	"errors"

	"github.com/cybertec-postgresql/localsync/internal/model"
)

// Dataset identifies one generation of row and cursor state.
type Dataset int64

// InitialDataset is active in a fresh store.
const InitialDataset Dataset = 1

// Meta keys shared by implementations.
const (
	MetaActiveDataset = "active_dataset"
	MetaClock         = "logical_clock"
	MetaDeviceID      = "device_id"
)

var ErrReadOnly = errors.New("write in read-only transaction")

// Store opens transactions. Update transactions are serialized; calling
// Update or View from inside a transaction deadlocks.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx is a single transaction over the key-space.
type Tx interface {
	// MarkApplyingRemote flags the transaction as applying remote changes so
	// capture ignores the mutations it makes.
	MarkApplyingRemote()
	ApplyingRemote() bool

	ActiveDataset(ctx context.Context) (Dataset, error)
	SetActiveDataset(ctx context.Context, ds Dataset) error
	GetMeta(ctx context.Context, key string) (string, bool, error)
	PutMeta(ctx context.Context, key, value string) error

	// GetRow returns nil when the row does not exist.
	GetRow(ctx context.Context, ds Dataset, table, pk string) (*model.Row, error)
	PutRow(ctx context.Context, ds Dataset, row model.Row) error
	DeleteRow(ctx context.Context, ds Dataset, table, pk string) error
	// ListRows returns the rows of a table ordered by primary key, including
	// soft deleted ones.
	ListRows(ctx context.Context, ds Dataset, table string) ([]model.Row, error)
	DropDataset(ctx context.Context, ds Dataset) error

	// AppendOp assigns op.Seq and stores the op.
	AppendOp(ctx context.Context, op *model.PendingOp) error
	PutOp(ctx context.Context, op model.PendingOp) error
	DeleteOp(ctx context.Context, opID string) error
	// ListOps returns pending ops in sequence order; an empty table lists all.
	ListOps(ctx context.Context, table string) ([]model.PendingOp, error)

	GetCursor(ctx context.Context, ds Dataset, table string) (*model.CursorState, error)
	PutCursor(ctx context.Context, ds Dataset, state model.CursorState) error

	GetTombstone(ctx context.Context, table, pk string) (*model.Tombstone, error)
	PutTombstone(ctx context.Context, ts model.Tombstone) error
	DeleteTombstone(ctx context.Context, table, pk string) error
	ListTombstones(ctx context.Context) ([]model.Tombstone, error)
}
