// Package provider defines the transport boundary of the sync engine. Every
// adapter speaks in model.PendingOp, model.SyncChange and opaque cursors; the
// wire format stays inside the adapter.
package provider

import (
	"context"
	"strings"

	"github.com/cybertec-postgresql/localsync/internal/model"
)

// Scope narrows a realtime subscription to primary keys with the given
// prefix. The zero Scope matches every row.
type Scope struct {
	KeyPrefix string
}

// Match reports whether pk falls inside the scope
func (s Scope) Match(pk string) bool {
	return strings.HasPrefix(pk, s.KeyPrefix)
}

// Attachment describes an uploaded blob
type Attachment struct {
	URL  string
	Hash string
	Size int64
}

// Provider is the contract every transport implements.
//
// Push reports a result per op; a partial failure is returned as per-op
// errors and a nil error. A non-nil error fails the whole batch, typically
// with model.ErrUnauthorized or model.ErrPayloadTooLarge. Pushing an op whose
// OpID was already applied succeeds without applying it again.
//
// Pull returns model.ErrCursorExpired when the cursor is out of retention.
type Provider interface {
	Subscribe(ctx context.Context, table string, scope Scope, onChange func(model.SyncChange)) error
	Unsubscribe(table string) error
	Pull(ctx context.Context, table, cursor string, limit int) (model.PullPage, error)
	Push(ctx context.Context, batch []model.PendingOp) ([]model.PerOpResult, error)
	// UploadAttachment may return model.ErrUnsupported
	UploadAttachment(ctx context.Context, payload []byte) (Attachment, error)
	Dispose() error
}

// DeviceRegistry reports how far every known device has acknowledged the
// remote history. ok is false while the set of devices is unknown.
type DeviceRegistry interface {
	MinAcknowledged(ctx context.Context) (version int64, ok bool, err error)
}

// Advertiser is implemented by registries that accept progress reports from
// this device.
type Advertiser interface {
	Advance(ctx context.Context, deviceID string, version int64) error
}
