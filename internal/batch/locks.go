package batch

import "sync"

// fingerprintLocks serializes work on one protocol fingerprint. Entries are
// dropped once nobody holds or waits on them.
type fingerprintLocks struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newFingerprintLocks() *fingerprintLocks {
	return &fingerprintLocks{locks: make(map[string]*refMutex)}
}

// lock acquires the mutex for fp and returns its unlock func.
func (l *fingerprintLocks) lock(fp string) func() {
	l.mu.Lock()
	m, ok := l.locks[fp]
	if !ok {
		m = &refMutex{}
		l.locks[fp] = m
	}
	m.refs++
	l.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		l.mu.Lock()
		if m.refs--; m.refs == 0 {
			delete(l.locks, fp)
		}
		l.mu.Unlock()
	}
}
