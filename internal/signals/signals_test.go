package signals

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe(4)
	defer cancelA()
	b, cancelB := bus.Subscribe(4)
	defer cancelB()

	bus.Emit(QueueFull, QueueData{PendingBytes: 10, MaxBytes: 5})

	for _, ch := range []<-chan Signal{a, b} {
		select {
		case s := <-ch:
			assert.Equal(t, QueueFull, s.Name)
			assert.Equal(t, QueueData{PendingBytes: 10, MaxBytes: 5}, s.Data)
		case <-time.After(time.Second):
			t.Fatal("signal not delivered")
		}
	}
}

func TestBusDropsWhenSubscriberLags(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Emit(Stats, nil)
	bus.Emit(Stats, nil)
	bus.Emit(Stats, nil)
	assert.Equal(t, int64(2), bus.Dropped())
}

func TestBusCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	bus.Emit(Stats, nil)
}

func TestNilBusEmit(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() { bus.Emit(Stats, nil) })
}

func TestHandlerStreamsSignals(t *testing.T) {
	bus := NewBus()
	srv := httptest.NewServer(Handler(bus))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	// the handler subscribes asynchronously, keep emitting until one arrives
	received := make(chan map[string]any, 1)
	go func() {
		var msg map[string]any
		if err := wsjson.Read(ctx, conn, &msg); err == nil {
			received <- msg
		}
	}()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case msg := <-received:
			assert.Equal(t, string(RescanStarting), msg["name"])
			data := msg["data"].(map[string]any)
			assert.Equal(t, "manual", data["reason"])
			return
		case <-ticker.C:
			bus.Emit(RescanStarting, RescanData{Reason: "manual"})
		case <-ctx.Done():
			t.Fatal("no signal received over websocket")
		}
	}
}
