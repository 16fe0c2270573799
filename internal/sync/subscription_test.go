package sync

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertec-postgresql/localsync/internal/model"
	"github.com/cybertec-postgresql/localsync/internal/provider"
	"github.com/cybertec-postgresql/localsync/internal/provider/memory"
	"github.com/cybertec-postgresql/localsync/internal/store"
)

func TestRealtimeBurstAppliesLatestOnly(t *testing.T) {
	ctx := context.Background()
	prov := memory.New()
	a := newDevice(t, "dev-a", prov, testConfig())
	b := newDevice(t, "dev-b", prov, testConfig())
	require.NoError(t, b.subs.Subscribe(ctx))
	assert.True(t, prov.Subscribed("notes"))

	a.put(t, "r1", "v0")
	require.NoError(t, a.Flush(ctx))
	for i := 1; i <= 3; i++ {
		a.put(t, "r1", fmt.Sprintf("v%d", i))
		require.NoError(t, a.Flush(ctx))
	}

	b.subs.mu.Lock()
	buffered := len(b.subs.buffer["notes"])
	b.subs.mu.Unlock()
	assert.Equal(t, 1, buffered)

	require.NoError(t, b.Drain(ctx))
	assert.Equal(t, "v3", b.get(t, "r1").Title)

	var cur *model.CursorState
	require.NoError(t, b.store.View(ctx, func(tx store.Tx) (err error) {
		cur, err = tx.GetCursor(ctx, store.InitialDataset, "notes")
		return err
	}))
	assert.Nil(t, cur, "realtime never moves the pull cursor")

	require.NoError(t, b.subs.Unsubscribe())
	assert.False(t, prov.Subscribed("notes"))
}

func TestRealtimeKeepsNewestOutOfOrder(t *testing.T) {
	d := newDevice(t, "dev-a", memory.New(), testConfig())
	d.subs.receive(change("r1", model.KindUpdate, `{"title":"new"}`, 9, "dev-x"))
	d.subs.receive(change("r1", model.KindUpdate, `{"title":"old"}`, 4, "dev-x"))
	require.NoError(t, d.Drain(context.Background()))
	assert.Equal(t, "new", d.get(t, "r1").Title)
}

func TestRealtimeRespectsScope(t *testing.T) {
	ctx := context.Background()
	prov := memory.New()
	scoped, err := Override(notesTopic(PolicyLWW), "", &provider.Scope{KeyPrefix: "team/"})
	require.NoError(t, err)
	a := newDevice(t, "dev-a", prov, testConfig())
	b := newDevice(t, "dev-b", prov, testConfig(), scoped)
	require.NoError(t, b.subs.Subscribe(ctx))

	a.put(t, "team/1", "in scope")
	a.put(t, "other/1", "out of scope")
	require.NoError(t, a.Flush(ctx))
	require.NoError(t, b.Drain(ctx))

	assert.Equal(t, "in scope", b.get(t, "team/1").Title)
	_, err = b.Local().Get(ctx, "notes", "other/1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
