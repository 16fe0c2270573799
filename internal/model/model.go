// Package model holds the neutral, provider-agnostic types that flow between
// the local store, the sync engine and the provider adapters.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the mutation kind carried by a PendingOp or SyncChange.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Valid reports whether k is one of the known mutation kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindInsert, KindUpdate, KindDelete:
		return true
	}
	return false
}

// ChangeStamp orders mutations. ServerVersion is zero until the provider has
// acknowledged the write; once present it is the authoritative ordering key.
type ChangeStamp struct {
	DeviceID      string `json:"device_id"`
	LogicalClock  int64  `json:"logical_clock"`
	ServerVersion int64  `json:"server_version,omitempty"`
}

// Acknowledged reports whether the stamp carries a server assigned version.
func (s ChangeStamp) Acknowledged() bool {
	return s.ServerVersion > 0
}

// IsZero reports whether the stamp was never assigned.
func (s ChangeStamp) IsZero() bool {
	return s.DeviceID == "" && s.LogicalClock == 0 && s.ServerVersion == 0
}

// Compare returns -1, 0 or 1 when a orders before, equal to or after b.
//
// Server versions win when both sides have one. A stamp that has been
// acknowledged orders after one that has not. Otherwise the logical clock is
// compared and the device id breaks ties, so every replica picks the same
// winner regardless of apply order.
func Compare(a, b ChangeStamp) int {
	switch {
	case a.Acknowledged() && b.Acknowledged():
		return cmpInt(a.ServerVersion, b.ServerVersion)
	case a.Acknowledged():
		return 1
	case b.Acknowledged():
		return -1
	}
	if c := cmpInt(a.LogicalClock, b.LogicalClock); c != 0 {
		return c
	}
	switch {
	case a.DeviceID < b.DeviceID:
		return -1
	case a.DeviceID > b.DeviceID:
		return 1
	}
	return 0
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (s ChangeStamp) String() string {
	if s.Acknowledged() {
		return fmt.Sprintf("%s@%d/v%d", s.DeviceID, s.LogicalClock, s.ServerVersion)
	}
	return fmt.Sprintf("%s@%d", s.DeviceID, s.LogicalClock)
}

// PendingOp is a captured local mutation waiting in the outbox. OpID is
// assigned at capture time and is the idempotency token across retries.
type PendingOp struct {
	OpID          string          `json:"op_id"`
	Seq           int64           `json:"seq"`
	Table         string          `json:"table"`
	PrimaryKey    string          `json:"primary_key"`
	Kind          Kind            `json:"kind"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Stamp         ChangeStamp     `json:"stamp"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	Attempt       int             `json:"attempt"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
}

// Size estimates the bytes an op occupies in the outbox.
func (op PendingOp) Size() int {
	return len(op.OpID) + len(op.Table) + len(op.PrimaryKey) + len(op.Payload) + 64
}

// Writer identifies the device and op that produced a remote change.
type Writer struct {
	DeviceID string `json:"device_id"`
	OpID     string `json:"op_id"`
}

// SyncChange is one remote delta as delivered by pull or realtime.
type SyncChange struct {
	Table      string          `json:"table"`
	PrimaryKey string          `json:"primary_key"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Stamp      ChangeStamp     `json:"stamp"`
	LastWriter Writer          `json:"last_writer"`
}

// PerOpResult is the provider's verdict on a single op of a pushed batch.
type PerOpResult struct {
	OpID          string
	OK            bool
	ServerVersion int64
	Err           error
}

// PullPage is one page of incremental changes for a table.
type PullPage struct {
	Changes    []SyncChange
	NextCursor string
	// Done is set once the provider has nothing newer than NextCursor.
	Done bool
}

// CursorState tracks the pull position of one table in one dataset.
type CursorState struct {
	Table             string
	Cursor            string
	LastServerVersion int64
	LastFullRescanAt  time.Time
}

// Tombstone records a logical delete until every replica has observed it.
type Tombstone struct {
	Table          string
	PrimaryKey     string
	DeletedAtStamp ChangeStamp
	DeletedAt      time.Time
}

// Row is a locally stored entity together with its sync metadata.
type Row struct {
	Table      string
	PrimaryKey string
	Data       json.RawMessage
	Stamp      ChangeStamp
	// LocalOp is the op id of the last local write to this row. It is used to
	// recognise the remote echo of that write.
	LocalOp string
	Deleted bool
}

// MutationEvent is a local write notification delivered after commit by the
// surrounding application.
type MutationEvent struct {
	Table      string          `json:"table"`
	PrimaryKey string          `json:"primary_key"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}
