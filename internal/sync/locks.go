package sync

import "sync"

// tableLocks serializes push and apply work on the rows of one table
type tableLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newTableLocks() *tableLocks {
	return &tableLocks{locks: make(map[string]*sync.Mutex)}
}

// lock blocks until table is free and returns the unlock func
func (l *tableLocks) lock(table string) func() {
	l.mu.Lock()
	m, ok := l.locks[table]
	if !ok {
		m = &sync.Mutex{}
		l.locks[table] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}
