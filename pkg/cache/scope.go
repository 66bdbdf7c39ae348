package cache

import "sync"

// Scope pins the payloads returned by cache lookups until it is closed.
// Pinned nodes are never evicted.
type Scope struct {
	mu      sync.Mutex
	release []func()
	closed  bool
}

// OpenScope returns a new scope.
func OpenScope() *Scope {
	return &Scope{}
}

func (sc *Scope) add(fn func()) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		panic("cache: lookup through a closed scope")
	}
	sc.release = append(sc.release, fn)
}

// Close unpins every payload obtained through sc.
func (sc *Scope) Close() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		panic("cache: scope closed twice")
	}
	sc.closed = true
	for _, fn := range sc.release {
		fn()
	}
	sc.release = nil
}
