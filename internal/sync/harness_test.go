package sync

import (
	"context"
	"encoding/json"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cybertec-postgresql/localsync/internal/model"
	"github.com/cybertec-postgresql/localsync/internal/provider"
	"github.com/cybertec-postgresql/localsync/internal/provider/memory"
	"github.com/cybertec-postgresql/localsync/internal/signals"
	"github.com/cybertec-postgresql/localsync/internal/store"
)

type note struct {
	Title string   `json:"title"`
	Tags  []string `json:"tags,omitempty"`
}

func notesTopic(policy Policy) Adapter {
	return NewTopic(TopicConfig[note]{
		Table:  "notes",
		Policy: policy,
		Merge: func(local, remote note) (note, error) {
			out := note{Title: local.Title}
			if out.Title == "" {
				out.Title = remote.Title
			}
			out.Tags = append(slices.Clone(local.Tags), remote.Tags...)
			slices.Sort(out.Tags)
			out.Tags = slices.Compact(out.Tags)
			return out, nil
		},
	})
}

// gcounter merges per-device counts by taking the maximum of each entry
func gcounter(local, remote json.RawMessage) (json.RawMessage, error) {
	var l, r map[string]int64
	if err := json.Unmarshal(local, &l); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(remote, &r); err != nil {
		return nil, err
	}
	if l == nil {
		l = make(map[string]int64)
	}
	for k, v := range r {
		l[k] = max(l[k], v)
	}
	return json.Marshal(l)
}

func countersTopic() Adapter {
	return NewTopic(TopicConfig[map[string]int64]{Table: "counters", Policy: PolicyCRDT, CRDT: gcounter})
}

func testConfig() Config {
	return Config{
		BatchWindow:          time.Millisecond,
		RetryDelays:          []time.Duration{0},
		PullInterval:         time.Hour,
		SubscriptionDebounce: time.Millisecond,
		PurgeInterval:        time.Hour,
	}
}

type device struct {
	*Engine
	store *store.Memory
	sigs  <-chan signals.Signal
}

func newDevice(t *testing.T, id string, prov provider.Provider, cfg Config, topics ...Adapter) *device {
	t.Helper()
	return newDeviceWithRegistry(t, id, prov, nil, cfg, topics...)
}

func newDeviceWithRegistry(t *testing.T, id string, prov provider.Provider, reg provider.DeviceRegistry, cfg Config, topics ...Adapter) *device {
	t.Helper()
	st := store.NewMemory()
	return newDeviceOn(t, id, prov, reg, st, st, cfg, topics...)
}

// newDeviceOn runs the engine on st while the test helpers inspect mem
func newDeviceOn(t *testing.T, id string, prov provider.Provider, reg provider.DeviceRegistry, st store.Store, mem *store.Memory, cfg Config, topics ...Adapter) *device {
	t.Helper()
	if len(topics) == 0 {
		topics = []Adapter{notesTopic(PolicyLWW)}
	}
	bus := signals.NewBus()
	sigs, cancel := bus.Subscribe(1024)
	t.Cleanup(cancel)
	e, err := New(context.Background(), Options{
		Store:    st,
		Provider: prov,
		Registry: reg,
		Topics:   topics,
		Config:   cfg,
		DeviceID: id,
		Bus:      bus,
	})
	require.NoError(t, err)
	return &device{Engine: e, store: mem, sigs: sigs}
}

func (d *device) put(t *testing.T, pk, title string, tags ...string) {
	t.Helper()
	payload, err := json.Marshal(note{Title: title, Tags: tags})
	require.NoError(t, err)
	require.NoError(t, d.Local().Put(context.Background(), "notes", pk, payload))
}

func (d *device) get(t *testing.T, pk string) note {
	t.Helper()
	raw, err := d.Local().Get(context.Background(), "notes", pk)
	require.NoError(t, err)
	var n note
	require.NoError(t, json.Unmarshal(raw, &n))
	return n
}

func (d *device) ops(t *testing.T) []model.PendingOp {
	t.Helper()
	var ops []model.PendingOp
	require.NoError(t, d.store.View(context.Background(), func(tx store.Tx) (err error) {
		ops, err = tx.ListOps(context.Background(), "")
		return err
	}))
	return ops
}

func (d *device) row(t *testing.T, ds store.Dataset, table, pk string) *model.Row {
	t.Helper()
	var row *model.Row
	require.NoError(t, d.store.View(context.Background(), func(tx store.Tx) (err error) {
		row, err = tx.GetRow(context.Background(), ds, table, pk)
		return err
	}))
	return row
}

// drain returns the names of the signals emitted so far
func (d *device) drain() []signals.Name {
	var names []signals.Name
	for {
		select {
		case s := <-d.sigs:
			names = append(names, s.Name)
		default:
			return names
		}
	}
}

func countOf(names []signals.Name, n signals.Name) int {
	c := 0
	for _, x := range names {
		if x == n {
			c++
		}
	}
	return c
}

// hookedProvider runs a hook before delegating Pull, used to act while a
// rescan is in flight.
type hookedProvider struct {
	*memory.Provider
	onPull func(table, cursor string) error
}

func (h *hookedProvider) Pull(ctx context.Context, table, cursor string, limit int) (model.PullPage, error) {
	if h.onPull != nil {
		if err := h.onPull(table, cursor); err != nil {
			return model.PullPage{}, err
		}
	}
	return h.Provider.Pull(ctx, table, cursor, limit)
}
