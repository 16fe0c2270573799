// Package signals carries the observability events the engine emits to the
// surrounding application: stats, retries, conflicts, queue pressure and
// rescan progress.
package signals

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Name identifies a signal type.
type Name string

const (
	Stats           Name = "sync:stats"
	Retry           Name = "sync:retry"
	PushStalled     Name = "sync:push:stalled"
	Conflict        Name = "sync:conflict"
	QueueFull       Name = "sync:queue:full"
	QueueDrained    Name = "sync:queue:drained"
	Degraded        Name = "sync:degraded"
	Blocked         Name = "sync:blocked"
	Unblocked       Name = "sync:unblocked"
	RescanStarting  Name = "sync:rescan:starting"
	RescanProgress  Name = "sync:rescan:progress"
	RescanSwap      Name = "sync:rescan:swap"
	RescanCompleted Name = "sync:rescan:completed"
	RescanError     Name = "sync:rescan:error"
)

// Signal is a single emitted event. Data holds one of the payload structs below.
type Signal struct {
	Name Name      `json:"name"`
	At   time.Time `json:"at"`
	Data any       `json:"data,omitempty"`
}

type StatsData struct {
	Pending      int       `json:"pending"`
	PendingBytes int       `json:"pending_bytes"`
	LastFlushAt  time.Time `json:"last_flush_at"`
}

type RetryData struct {
	Table   string `json:"table"`
	OpID    string `json:"op_id"`
	Attempt int    `json:"attempt"`
	Error   string `json:"error"`
}

type ConflictData struct {
	Table  string          `json:"table"`
	ID     string          `json:"id"`
	Local  json.RawMessage `json:"local"`
	Remote json.RawMessage `json:"remote"`
	Policy string          `json:"policy"`
}

type QueueData struct {
	PendingBytes int `json:"pending_bytes"`
	MaxBytes     int `json:"max_bytes"`
}

type RescanData struct {
	Reason string `json:"reason,omitempty"`
	Table  string `json:"table,omitempty"`
	Rows   int    `json:"rows,omitempty"`
	Pages  int    `json:"pages,omitempty"`
	Error  string `json:"error,omitempty"`
}

type MessageData struct {
	Message string `json:"message"`
}

// Bus fans signals out to subscribers. Emit never blocks: a subscriber whose
// buffer is full misses the signal and the drop is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Signal
	nextID  int
	dropped atomic.Int64
	now     func() time.Time
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Signal), now: time.Now}
}

// Emit publishes a signal to every subscriber
func (b *Bus) Emit(name Name, data any) {
	if b == nil {
		return
	}
	s := Signal{Name: name, At: b.now(), Data: data}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- s:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel func unregisters it and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Signal, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Signal, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped returns how many deliveries were skipped because a subscriber lagged
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
