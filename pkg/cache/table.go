// Package cache implements the generation invalidated caches shared between
// the control goroutine and cache readers: process memory, thread
// registers, call stacks and module image info.
//
// Every cache is a Table: a fixed slot table of node chains selected by key
// hash, guarded by a smaller table of stripes. A node is valid while the
// generation it was filled at equals the generation the reader asks for.
package cache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/radctl/radctl/pkg/logflags"
)

// Gen is a generation snapshot. Caches keyed on a single counter leave the
// second element zero.
type Gen [2]uint64

// newer reports whether g was taken after o.
func (g Gen) newer(o Gen) bool {
	return g != o && g[0] >= o[0] && g[1] >= o[1]
}

// Policy selects how a table treats nodes of an older generation.
type Policy uint8

const (
	// RefreshInPlace keeps one node per key and overwrites its payload
	// when the generation moves.
	RefreshInPlace Policy = iota
	// NodePerGeneration keys nodes on their generation as well. Nodes of
	// older generations are never refilled, only evicted.
	NodePerGeneration
)

// FillFunc computes the payload for key at gen. prev is the best payload of
// an older generation, if hasPrev. stale reports an incomplete result.
type FillFunc[K comparable, V any] func(ctx context.Context, key K, gen Gen, prev V, hasPrev bool) (val V, stale bool, err error)

// SubmitFunc hands a claimed fill to an asynchronous worker. It returns
// false if the work could not be queued; the reader then fills inline.
type SubmitFunc[K comparable] func(key K, gen Gen, token uint64) bool

// Options configure a Table.
type Options[K comparable, V any] struct {
	Name string
	// Slots is the number of hash chains, Stripes the number of lock
	// domains. Budget bounds the number of nodes held by each stripe.
	Slots, Stripes, Budget int
	Policy                 Policy
	Hash                   func(K) uint64
	Fill                   FillFunc[K, V]
}

// Info describes the payload returned by a lookup.
type Info struct {
	// Found is set when a payload was returned.
	Found bool
	// Stale is set when the payload is from an older generation or was
	// only partially filled.
	Stale bool
	// Gen is the generation the payload was filled at.
	Gen Gen
	// Err is the error of the last fill, if it failed.
	Err error
}

type node[K comparable, V any] struct {
	next *node[K, V]
	key  K
	// id is the insertion sequence of the node and the token of claims
	// made on it.
	id uint64
	// birth is the generation a NodePerGeneration node is keyed on.
	birth Gen

	val   V
	has   bool
	gen   Gen
	stale bool
	err   error

	// working counts outstanding fills, target is the generation of the
	// latest one.
	working int
	target  Gen

	refs          atomic.Int32
	lastRequested atomic.Uint64
}

type stripe struct {
	mu    sync.RWMutex
	cond  *sync.Cond
	count int
}

// Table is a striped, generation checked cache.
type Table[K comparable, V any] struct {
	opts    Options[K, V]
	slots   []*node[K, V]
	stripes []stripe
	budget  int

	clock  atomic.Uint64
	seq    atomic.Uint64
	submit SubmitFunc[K]

	log logflags.Logger
}

// NewTable returns an empty table.
func NewTable[K comparable, V any](opts Options[K, V]) *Table[K, V] {
	if opts.Slots <= 0 {
		opts.Slots = 1
	}
	if opts.Stripes <= 0 {
		opts.Stripes = 1
	}
	if opts.Stripes > opts.Slots {
		opts.Stripes = opts.Slots
	}
	t := &Table[K, V]{
		opts:    opts,
		slots:   make([]*node[K, V], opts.Slots),
		stripes: make([]stripe, opts.Stripes),
		budget:  opts.Budget,
		log:     logflags.CacheLogger().WithField("cache", opts.Name),
	}
	if t.budget < 1 {
		t.budget = 1
	}
	for i := range t.stripes {
		t.stripes[i].cond = sync.NewCond(&t.stripes[i].mu)
	}
	return t
}

// SetSubmitter routes fills through fn instead of running them on the
// reader's goroutine. It must be called before the table is shared.
func (t *Table[K, V]) SetSubmitter(fn SubmitFunc[K]) {
	t.submit = fn
}

func (t *Table[K, V]) locate(key K) (int, *stripe) {
	si := int(t.opts.Hash(key) % uint64(len(t.slots)))
	return si, &t.stripes[si%len(t.stripes)]
}

// find returns the node for key at gen. Callers hold the stripe lock.
func (t *Table[K, V]) find(si int, key K, gen Gen) *node[K, V] {
	for n := t.slots[si]; n != nil; n = n.next {
		if n.key != key {
			continue
		}
		if t.opts.Policy == RefreshInPlace || n.birth == gen {
			return n
		}
	}
	return nil
}

// best returns the newest node for key holding a payload.
func (t *Table[K, V]) best(si int, key K) *node[K, V] {
	var b *node[K, V]
	for n := t.slots[si]; n != nil; n = n.next {
		if n.key == key && n.has && (b == nil || n.gen.newer(b.gen) || (n.gen == b.gen && n.id > b.id)) {
			b = n
		}
	}
	return b
}

func (n *node[K, V]) fresh(gen Gen) bool {
	return n.has && !n.stale && n.gen == gen
}

// take returns the payload of n, pinning it to sc.
func (t *Table[K, V]) take(sc *Scope, n *node[K, V], gen Gen) (V, Info) {
	var zero V
	if n == nil {
		return zero, Info{Stale: true}
	}
	n.lastRequested.Store(t.clock.Add(1))
	if !n.has {
		return zero, Info{Stale: true, Err: n.err}
	}
	if sc != nil {
		n.refs.Add(1)
		sc.add(func() { n.refs.Add(-1) })
	}
	return n.val, Info{Found: true, Stale: n.stale || n.gen != gen || n.err != nil, Gen: n.gen, Err: n.err}
}

// Get returns the payload for key at generation gen, filling it if absent
// or out of date. If the fill does not complete before ctx is done, Get
// returns the best available payload flagged stale. Returned payloads are
// pinned until sc is closed; sc may be nil.
func (t *Table[K, V]) Get(ctx context.Context, sc *Scope, key K, gen Gen) (V, Info) {
	si, st := t.locate(key)

	st.mu.RLock()
	if n := t.find(si, key, gen); n != nil && n.fresh(gen) {
		v, info := t.take(sc, n, gen)
		st.mu.RUnlock()
		return v, info
	}
	st.mu.RUnlock()

	st.mu.Lock()
	var stop func() bool
	defer func() {
		if stop != nil {
			stop()
		}
	}()
	claimed := false
	for {
		n := t.find(si, key, gen)
		if n != nil && n.fresh(gen) {
			v, info := t.take(sc, n, gen)
			st.mu.Unlock()
			return v, info
		}
		pending := n != nil && n.working > 0 && n.target == gen
		if !pending {
			if claimed {
				// Our fill finished without a fresh payload.
				v, info := t.take(sc, t.bestFor(si, key, n), gen)
				st.mu.Unlock()
				return v, info
			}
			if n == nil {
				n = t.insert(si, st, key, gen)
			}
			claimed = true
			token := t.claim(n, gen)
			if t.submit == nil || !t.submit(key, gen, token) {
				st.mu.Unlock()
				t.fill(ctx, si, st, key, gen, token)
				st.mu.Lock()
				continue
			}
		}
		if ctx.Err() != nil {
			v, info := t.take(sc, t.bestFor(si, key, n), gen)
			st.mu.Unlock()
			return v, info
		}
		if stop == nil {
			stop = context.AfterFunc(ctx, func() {
				st.mu.Lock()
				st.cond.Broadcast()
				st.mu.Unlock()
			})
		}
		st.cond.Wait()
	}
}

func (t *Table[K, V]) bestFor(si int, key K, n *node[K, V]) *node[K, V] {
	if b := t.best(si, key); b != nil {
		return b
	}
	return n
}

// Request claims a fill of key at gen without waiting for it, unless the
// payload is already fresh or being filled. It reports whether new work was
// started.
func (t *Table[K, V]) Request(ctx context.Context, key K, gen Gen) bool {
	si, st := t.locate(key)
	st.mu.Lock()
	n := t.find(si, key, gen)
	if n != nil && (n.fresh(gen) || (n.working > 0 && n.target == gen)) {
		st.mu.Unlock()
		return false
	}
	if n == nil {
		n = t.insert(si, st, key, gen)
	}
	token := t.claim(n, gen)
	if t.submit != nil && t.submit(key, gen, token) {
		st.mu.Unlock()
		return true
	}
	st.mu.Unlock()
	t.fill(ctx, si, st, key, gen, token)
	return true
}

// Working reports whether a fill of key at gen is outstanding.
func (t *Table[K, V]) Working(key K, gen Gen) bool {
	si, st := t.locate(key)
	st.mu.RLock()
	defer st.mu.RUnlock()
	n := t.find(si, key, gen)
	return n != nil && n.working > 0 && n.target == gen
}

func (t *Table[K, V]) claim(n *node[K, V], gen Gen) uint64 {
	n.working++
	n.target = gen
	return n.id
}

// Work performs a fill claimed by Get or Request and handed to a worker
// through the submit function.
func (t *Table[K, V]) Work(ctx context.Context, key K, gen Gen, token uint64) {
	si, st := t.locate(key)
	t.fill(ctx, si, st, key, gen, token)
}

// fill runs the fill function without locks held, then stores the result
// into the node identified by token, or into a new node if that one was
// evicted in the meantime.
func (t *Table[K, V]) fill(ctx context.Context, si int, st *stripe, key K, gen Gen, token uint64) {
	var prev V
	st.mu.RLock()
	p := t.best(si, key)
	hasPrev := p != nil
	if hasPrev {
		prev = p.val
	}
	st.mu.RUnlock()

	val, stale, err := t.opts.Fill(ctx, key, gen, prev, hasPrev)

	st.mu.Lock()
	defer st.mu.Unlock()
	defer st.cond.Broadcast()
	var n *node[K, V]
	for c := t.slots[si]; c != nil; c = c.next {
		if c.id == token {
			n = c
			break
		}
	}
	if n != nil {
		n.working--
	} else {
		if err != nil {
			return
		}
		if n = t.find(si, key, gen); n == nil {
			n = t.insert(si, st, key, gen)
		}
	}
	if err != nil {
		t.log.Debugf("fill %v at %v: %v", key, gen, err)
		n.err = err
		return
	}
	if n.has && n.gen.newer(gen) {
		// A fill for a later generation already landed.
		return
	}
	n.val, n.has, n.gen, n.stale, n.err = val, true, gen, stale, nil
}

// insert links a new node for key. Callers hold the stripe write lock.
func (t *Table[K, V]) insert(si int, st *stripe, key K, gen Gen) *node[K, V] {
	n := &node[K, V]{key: key, id: t.seq.Add(1), birth: gen}
	n.lastRequested.Store(t.clock.Add(1))
	n.next = t.slots[si]
	t.slots[si] = n
	st.count++
	if st.count > t.budget {
		t.evict(si%len(t.stripes), n)
	}
	return n
}

// evict removes one unreferenced node of stripe stripeIdx, other than keep.
// Victims are ordered by working count, then by last request, then by
// insertion sequence.
func (t *Table[K, V]) evict(stripeIdx int, keep *node[K, V]) {
	st := &t.stripes[stripeIdx]
	var victim *node[K, V]
	victimSlot := -1
	for si := stripeIdx; si < len(t.slots); si += len(t.stripes) {
		for n := t.slots[si]; n != nil; n = n.next {
			if n == keep || n.refs.Load() > 0 {
				continue
			}
			if victim == nil || evictsBefore(n, victim) {
				victim, victimSlot = n, si
			}
		}
	}
	if victim == nil {
		return
	}
	for pp := &t.slots[victimSlot]; *pp != nil; pp = &(*pp).next {
		if *pp == victim {
			*pp = victim.next
			break
		}
	}
	st.count--
}

func evictsBefore[K comparable, V any](a, b *node[K, V]) bool {
	if a.working != b.working {
		return a.working < b.working
	}
	if la, lb := a.lastRequested.Load(), b.lastRequested.Load(); la != lb {
		return la < lb
	}
	return a.id < b.id
}

// Len returns the number of nodes in the table.
func (t *Table[K, V]) Len() int {
	n := 0
	for i := range t.stripes {
		st := &t.stripes[i]
		st.mu.RLock()
		n += st.count
		st.mu.RUnlock()
	}
	return n
}
