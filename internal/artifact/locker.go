package artifact

import (
	"fmt"
	"sync"
)

// Locker enforces the single-writer-per-artifact rule. The dispatcher holds
// the lock while applying producer deltas and the session coordinator holds
// it for the lifetime of a healing session, so the two can never write the
// same artifact concurrently.
type Locker struct {
	mu   sync.Mutex
	held map[string]string // artifact id -> holder tag
}

// NewLocker returns an empty locker.
func NewLocker() *Locker {
	return &Locker{held: make(map[string]string)}
}

// TryAcquire takes the write lock for an artifact. It never blocks: if the
// lock is held it returns false and the current holder tag.
func (l *Locker) TryAcquire(artifactID, holder string) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.held[artifactID]; ok {
		return false, cur
	}
	l.held[artifactID] = holder
	return true, holder
}

// Release frees the lock. Releasing with the wrong holder is a programming
// error and is rejected so a stale goroutine cannot free someone else's lock.
func (l *Locker) Release(artifactID, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.held[artifactID]
	if !ok {
		return fmt.Errorf("artifact %s is not locked", artifactID)
	}
	if cur != holder {
		return fmt.Errorf("artifact %s locked by %s, not %s", artifactID, cur, holder)
	}
	delete(l.held, artifactID)
	return nil
}

// Holder returns the current holder tag, if any.
func (l *Locker) Holder(artifactID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.held[artifactID]
	return h, ok
}
