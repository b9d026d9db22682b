package chunkserver

import (
	"context"
	"sync"
)

// lockTable hands out one exclusive lock per file name. Entries are created on
// first use and dropped once no goroutine holds or waits for them, so
// operations on unrelated names never contend.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*nameLock
}

type nameLock struct {
	sem  chan struct{}
	refs int
	held bool
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*nameLock)}
}

func (t *lockTable) refLocked(name string) *nameLock {
	l, ok := t.locks[name]
	if !ok {
		l = &nameLock{sem: make(chan struct{}, 1)}
		t.locks[name] = l
	}
	l.refs++
	return l
}

func (t *lockTable) unrefLocked(name string, l *nameLock) {
	l.refs--
	if l.refs == 0 {
		delete(t.locks, name)
	}
}

// tryAcquire takes the lock for name without waiting.
func (t *lockTable) tryAcquire(name string) (func(), bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l := t.refLocked(name)
	select {
	case l.sem <- struct{}{}:
		l.held = true
		return t.releaser(name, l), true
	default:
		t.unrefLocked(name, l)
		return nil, false
	}
}

// acquire waits for the lock for name until ctx is done.
func (t *lockTable) acquire(ctx context.Context, name string) (func(), error) {
	t.mu.Lock()
	l := t.refLocked(name)
	t.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		t.mu.Lock()
		l.held = true
		t.mu.Unlock()
		return t.releaser(name, l), nil
	case <-ctx.Done():
		t.mu.Lock()
		t.unrefLocked(name, l)
		t.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (t *lockTable) releaser(name string, l *nameLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			l.held = false
			<-l.sem
			t.unrefLocked(name, l)
			t.mu.Unlock()
		})
	}
}

// checkedOut reports whether name is currently held.
func (t *lockTable) checkedOut(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[name]
	return ok && l.held
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
