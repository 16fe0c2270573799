package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertec-postgresql/localsync/internal/model"
	"github.com/cybertec-postgresql/localsync/internal/provider/memory"
	"github.com/cybertec-postgresql/localsync/internal/signals"
)

var errOffline = errors.New("network unreachable")

func pop(id, pk string, kind model.Kind) model.PendingOp {
	return model.PendingOp{OpID: id, Table: "notes", PrimaryKey: pk, Kind: kind}
}

func TestCoalesce(t *testing.T) {
	tests := []struct {
		name    string
		ops     []model.PendingOp
		hard    bool
		drop    []string
		rewrite map[string]model.Kind
	}{
		{
			name: "consecutive updates fold",
			ops:  []model.PendingOp{pop("1", "a", model.KindUpdate), pop("2", "a", model.KindUpdate), pop("3", "a", model.KindUpdate)},
			drop: []string{"1", "2"},
		},
		{
			name: "insert kept without pressure",
			ops:  []model.PendingOp{pop("1", "a", model.KindInsert), pop("2", "a", model.KindUpdate)},
		},
		{
			name:    "update folds into insert under pressure",
			ops:     []model.PendingOp{pop("1", "a", model.KindInsert), pop("2", "a", model.KindUpdate)},
			hard:    true,
			drop:    []string{"1"},
			rewrite: map[string]model.Kind{"2": model.KindInsert},
		},
		{
			name: "delete absorbs earlier ops under pressure",
			ops:  []model.PendingOp{pop("1", "a", model.KindInsert), pop("2", "a", model.KindUpdate), pop("3", "a", model.KindDelete)},
			hard: true,
			drop: []string{"1", "2"},
		},
		{
			name:    "insert after delete never folds",
			ops:     []model.PendingOp{pop("1", "a", model.KindDelete), pop("2", "a", model.KindInsert), pop("3", "a", model.KindUpdate)},
			hard:    true,
			drop:    []string{"2"},
			rewrite: map[string]model.Kind{"3": model.KindInsert},
		},
		{
			name: "keys are independent",
			ops:  []model.PendingOp{pop("1", "a", model.KindUpdate), pop("2", "b", model.KindUpdate), pop("3", "a", model.KindUpdate)},
			drop: []string{"1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drop, rewrite := coalesce(tt.ops, tt.hard)
			var dropped []string
			for _, op := range tt.ops {
				if drop[op.OpID] {
					dropped = append(dropped, op.OpID)
				}
			}
			assert.Equal(t, tt.drop, dropped)
			if tt.rewrite == nil {
				assert.Empty(t, rewrite)
			} else {
				assert.Equal(t, tt.rewrite, rewrite)
			}
		})
	}
}

func TestNextBatch(t *testing.T) {
	now := time.Now()
	ops := []model.PendingOp{pop("1", "a", model.KindInsert), pop("2", "b", model.KindInsert), pop("3", "c", model.KindInsert)}

	batch, due := nextBatch(ops, now, 2, 1<<20)
	assert.Len(t, batch, 2)
	assert.True(t, due.IsZero())

	batch, _ = nextBatch(ops, now, 10, ops[0].Size()+1)
	assert.Len(t, batch, 1, "byte ceiling still admits one op")

	ops[1].NextAttemptAt = now.Add(time.Minute)
	batch, _ = nextBatch(ops, now, 10, 1<<20)
	assert.Len(t, batch, 1, "an op in backoff stops the batch")

	batch, due = nextBatch(ops[1:], now, 10, 1<<20)
	assert.Empty(t, batch)
	assert.Equal(t, ops[1].NextAttemptAt, due)
}

// TestLostResponseDoesNotDuplicate replays the offline insert scenario: the
// retried push after a timed out response is a no-op on the remote.
func TestLostResponseDoesNotDuplicate(t *testing.T) {
	ctx := context.Background()
	prov := memory.New()
	c := newDevice(t, "dev-c", prov, testConfig())
	for i := range 6 {
		c.put(t, fmt.Sprintf("c%d", i), "from c")
	}
	require.NoError(t, c.Flush(ctx))
	require.Equal(t, int64(6), prov.Version())

	a := newDevice(t, "dev-a", prov, testConfig())
	b := newDevice(t, "dev-b", prov, testConfig())

	prov.FailNext(1, errOffline)
	a.put(t, "r1", "offline insert")
	require.NoError(t, a.Flush(ctx))
	require.Len(t, a.ops(t), 1)
	opID := a.ops(t)[0].OpID

	require.NoError(t, b.PullNow(ctx))
	_, err := b.Local().Get(ctx, "notes", "r1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	prov.LoseNextResponses(1)
	require.NoError(t, a.Flush(ctx))
	require.Len(t, a.ops(t), 1, "op stays queued when the response is lost")
	assert.Equal(t, 2, a.ops(t)[0].Attempt)

	require.NoError(t, b.PullNow(ctx))
	row, err := b.Local().Row(ctx, "notes", "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), row.Stamp.ServerVersion)

	require.NoError(t, a.Flush(ctx))
	assert.Empty(t, a.ops(t))
	assert.Equal(t, 1, prov.Applies(opID))
	assert.Equal(t, int64(7), prov.Version())

	row, err = a.Local().Row(ctx, "notes", "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), row.Stamp.ServerVersion)

	require.NoError(t, b.PullNow(ctx))
	rows, err := b.Local().List(ctx, "notes")
	require.NoError(t, err)
	assert.Len(t, rows, 7)
}

func TestConsecutiveUpdatesAreCoalesced(t *testing.T) {
	ctx := context.Background()
	prov := memory.New()
	a := newDevice(t, "dev-a", prov, testConfig())

	a.put(t, "r1", "v0")
	for i := 1; i <= 4; i++ {
		a.put(t, "r1", fmt.Sprintf("v%d", i))
	}
	require.NoError(t, a.Flush(ctx))

	assert.Empty(t, a.ops(t))
	assert.Equal(t, int64(2), prov.Version(), "insert plus one folded update")
	got, ok := prov.Get("notes", "r1")
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"v4"}`, string(got.Payload))
	assert.Equal(t, "v4", a.get(t, "r1").Title)
}

func TestQueuePressureNeverLosesOps(t *testing.T) {
	ctx := context.Background()
	prov := memory.New()
	cfg := testConfig()
	cfg.MaxQueueBytes = 300
	cfg.MaxBatchBytes = 300
	a := newDevice(t, "dev-a", prov, cfg)

	a.put(t, "k1", "one")
	a.put(t, "k1", "two")
	a.put(t, "k1", "three")
	require.NoError(t, a.Local().Delete(ctx, "notes", "k1"))
	a.put(t, "k2", "two")
	a.put(t, "k3", "three")

	prov.FailNext(1, errOffline)
	require.NoError(t, a.Flush(ctx))
	names := a.drain()
	assert.Equal(t, 1, countOf(names, signals.QueueFull))
	assert.Len(t, a.ops(t), 3, "k1 collapsed into its delete")
	st, err := a.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.QueueFull)

	require.NoError(t, a.Flush(ctx))
	assert.Empty(t, a.ops(t))
	assert.Equal(t, 1, countOf(a.drain(), signals.QueueDrained))

	k1, ok := prov.Get("notes", "k1")
	require.True(t, ok)
	assert.Equal(t, model.KindDelete, k1.Kind)
	for _, pk := range []string{"k2", "k3"} {
		got, ok := prov.Get("notes", pk)
		require.True(t, ok, pk)
		assert.Equal(t, model.KindInsert, got.Kind)
	}
}

func TestOversizedBatchIsSplit(t *testing.T) {
	ctx := context.Background()
	prov := memory.New()
	prov.SetMaxBatchOps(2)
	a := newDevice(t, "dev-a", prov, testConfig())
	for i := range 5 {
		a.put(t, fmt.Sprintf("r%d", i), "x")
	}
	require.NoError(t, a.Flush(ctx))
	assert.Empty(t, a.ops(t))
	assert.Equal(t, int64(5), prov.Version())
	assert.Greater(t, prov.PushCalls(), 1)
}

func TestUnauthorizedBlocksUntilNewSession(t *testing.T) {
	ctx := context.Background()
	prov := memory.New()
	a := newDevice(t, "dev-a", prov, testConfig())
	a.put(t, "r1", "x")

	prov.SetUnauthorized(true)
	err := a.Flush(ctx)
	assert.ErrorIs(t, err, model.ErrUnauthorized)
	st, err := a.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Blocked)
	assert.Equal(t, 1, countOf(a.drain(), signals.Blocked))
	require.Len(t, a.ops(t), 1)
	assert.Equal(t, 0, a.ops(t)[0].Attempt, "auth failures do not count as attempts")

	calls := prov.PushCalls()
	require.NoError(t, a.Flush(ctx))
	require.NoError(t, a.PullNow(ctx))
	assert.Equal(t, calls, prov.PushCalls(), "nothing is sent while blocked")

	prov.SetUnauthorized(false)
	require.NoError(t, a.SetSession(ctx))
	assert.Equal(t, 1, countOf(a.drain(), signals.Unblocked))
	require.NoError(t, a.Flush(ctx))
	assert.Empty(t, a.ops(t))
}

func TestFailingOpIsRetriedAndReportedOnce(t *testing.T) {
	ctx := context.Background()
	prov := memory.New()
	cfg := testConfig()
	cfg.MaxAttempts = 2
	a := newDevice(t, "dev-a", prov, cfg)
	a.put(t, "r1", "x")
	opID := a.ops(t)[0].OpID
	prov.FailOp(opID, errors.New("rejected"))

	for range 3 {
		require.NoError(t, a.Flush(ctx))
	}
	names := a.drain()
	assert.Equal(t, 3, countOf(names, signals.Retry))
	assert.Equal(t, 1, countOf(names, signals.PushStalled))
	ops := a.ops(t)
	require.Len(t, ops, 1, "a stalled op is never dropped")
	assert.Equal(t, 3, ops[0].Attempt)
	assert.Contains(t, ops[0].LastError, "rejected")

	prov.FailOp(opID, nil)
	require.NoError(t, a.Flush(ctx))
	assert.Empty(t, a.ops(t))
}

func TestOpInBackoffHoldsBackLaterOps(t *testing.T) {
	ctx := context.Background()
	prov := memory.New()
	cfg := testConfig()
	cfg.RetryDelays = []time.Duration{time.Hour}
	a := newDevice(t, "dev-a", prov, cfg)

	a.put(t, "r1", "x")
	prov.FailNext(1, errOffline)
	require.NoError(t, a.Flush(ctx))

	a.put(t, "r2", "y")
	require.NoError(t, a.Flush(ctx))
	_, ok := prov.Get("notes", "r2")
	assert.False(t, ok)
	assert.Len(t, a.ops(t), 2)
}

func TestTablesFlushIndependently(t *testing.T) {
	ctx := context.Background()
	prov := memory.New()
	a := newDevice(t, "dev-a", prov, testConfig(), notesTopic(PolicyLWW), countersTopic())
	a.put(t, "r1", "x")
	require.NoError(t, a.Local().Put(ctx, "counters", "c1", []byte(`{"dev-a":1}`)))
	require.NoError(t, a.Flush(ctx))
	assert.Empty(t, a.ops(t))
	assert.Equal(t, int64(2), prov.Version())

	st, err := a.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Pending)
	assert.False(t, st.LastFlushAt.IsZero())
}

func TestLeftoverOpsAreFlushedOnStart(t *testing.T) {
	prov := memory.New()
	first := newDevice(t, "dev-a", prov, testConfig())
	first.put(t, "r1", "written before restart")

	// PullInterval is an hour, only the start-up flush can push r1
	a := newDeviceOn(t, "dev-a", prov, nil, first.store, first.store, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Start(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := prov.Get("notes", "r1")
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(a.ops(t)) == 0 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestFullBatchEndsWindowEarly(t *testing.T) {
	prov := memory.New()
	cfg := testConfig()
	cfg.BatchWindow = time.Hour
	cfg.MaxBatchOps = 2
	a := newDevice(t, "dev-a", prov, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Start(ctx) }()

	a.put(t, "r1", "one")
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, prov.Version(), "a single op waits for the window")

	a.put(t, "r2", "two")
	require.Eventually(t, func() bool { return prov.Version() == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, prov.PushCalls(), "both ops in one batch")

	cancel()
	require.NoError(t, <-done)
}

func TestLoopsResumeWhenGateReopens(t *testing.T) {
	prov := memory.New()
	a := newDevice(t, "dev-a", prov, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Start(ctx) }()

	prov.SetUnauthorized(true)
	a.put(t, "r1", "x")
	require.Eventually(t, a.gate.Blocked, 5*time.Second, 10*time.Millisecond)

	prov.SetUnauthorized(false)
	a.gate.Unblock()
	require.Eventually(t, func() bool {
		_, ok := prov.Get("notes", "r1")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
