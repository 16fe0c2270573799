package sync

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/cybertec-postgresql/localsync/internal/model"
	"github.com/cybertec-postgresql/localsync/internal/store"
)

// IdGen issues change stamps from a Lamport clock persisted in store meta and
// op ids that are unique across devices.
type IdGen struct {
	mu       sync.Mutex
	deviceID string
	clock    int64
}

// LoadIdGen restores the clock and device id. A non-empty deviceID replaces
// the stored one; when neither exists a new id is generated.
func LoadIdGen(ctx context.Context, st store.Store, deviceID string) (*IdGen, error) {
	g := &IdGen{}
	err := st.Update(ctx, func(tx store.Tx) error {
		stored, ok, err := tx.GetMeta(ctx, store.MetaDeviceID)
		if err != nil {
			return err
		}
		switch {
		case deviceID != "":
			g.deviceID = deviceID
		case ok && stored != "":
			g.deviceID = stored
		default:
			g.deviceID = uuid.NewString()
		}
		if g.deviceID != stored {
			if err := tx.PutMeta(ctx, store.MetaDeviceID, g.deviceID); err != nil {
				return err
			}
		}
		v, ok, err := tx.GetMeta(ctx, store.MetaClock)
		if err != nil {
			return err
		}
		if ok {
			if g.clock, err = strconv.ParseInt(v, 10, 64); err != nil {
				return fmt.Errorf("corrupt logical clock %q: %w", v, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load id generator: %w", err)
	}
	return g, nil
}

// DeviceID returns the local device id
func (g *IdGen) DeviceID() string {
	return g.deviceID
}

// Clock returns the current logical clock
func (g *IdGen) Clock() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clock
}

// Next ticks the clock and returns a fresh stamp and op id
func (g *IdGen) Next() (model.ChangeStamp, string) {
	g.mu.Lock()
	g.clock++
	stamp := model.ChangeStamp{DeviceID: g.deviceID, LogicalClock: g.clock}
	g.mu.Unlock()
	return stamp, newOpID()
}

// Observe moves the clock past a clock seen on a remote change
func (g *IdGen) Observe(remote int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if remote > g.clock {
		g.clock = remote
	}
}

// Persist writes the current clock into tx
func (g *IdGen) Persist(ctx context.Context, tx store.Tx) error {
	return tx.PutMeta(ctx, store.MetaClock, strconv.FormatInt(g.Clock(), 10))
}

func newOpID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
