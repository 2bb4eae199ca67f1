package dispatch

import "sync"

// Locks is a keyed mutex. Entries are reference counted and dropped when
// no holder or waiter remains.
type Locks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func NewLocks() *Locks {
	return &Locks{entries: make(map[string]*lockEntry)}
}

func (l *Locks) acquire(key string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &lockEntry{}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Locks) release(key string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Lock blocks until key is held and returns the unlock function.
func (l *Locks) Lock(key string) func() {
	e := l.acquire(key)
	e.mu.Lock()
	return l.unlocker(key, e)
}

// TryLock takes key only if it is free.
func (l *Locks) TryLock(key string) (func(), bool) {
	e := l.acquire(key)
	if !e.mu.TryLock() {
		l.release(key, e)
		return nil, false
	}
	return l.unlocker(key, e), true
}

func (l *Locks) unlocker(key string, e *lockEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			l.release(key, e)
		})
	}
}

func (l *Locks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
