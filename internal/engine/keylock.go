package engine

import "sync"

// keyLocks serializes writers to a single (bucket, key) pair. The storage
// path is key-derived, so without this lock two concurrent writers would
// interleave partial writes on the same file. Reads take no lock, and
// writers to distinct keys do not contend.
type keyLocks struct {
	mu    sync.Mutex
	locks map[lockKey]*keyLock
}

type lockKey struct {
	bucket string
	key    string
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[lockKey]*keyLock)}
}

func (l *keyLocks) lock(bucket, key string) {
	k := lockKey{bucket: bucket, key: key}

	l.mu.Lock()
	kl, ok := l.locks[k]
	if !ok {
		kl = &keyLock{}
		l.locks[k] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()
}

func (l *keyLocks) unlock(bucket, key string) {
	k := lockKey{bucket: bucket, key: key}

	l.mu.Lock()
	kl := l.locks[k]
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, k)
	}
	l.mu.Unlock()

	kl.mu.Unlock()
}
