package entity

import (
	"github.com/radctl/radctl/pkg/target"
)

// Scope grants read access to the store. It holds the store-wide read lock
// from OpenScope until Close, so the control goroutine must not mutate the
// store while it holds a Scope itself.
type Scope struct {
	s      *Store
	closed bool
}

// OpenScope acquires the store read lock.
func (s *Store) OpenScope() *Scope {
	s.mu.RLock()
	return &Scope{s: s}
}

// Close releases the store read lock. Closing twice panics.
func (sc *Scope) Close() {
	if sc.closed {
		panic("entity: scope closed twice")
	}
	sc.closed = true
	sc.s.mu.RUnlock()
}

// Get returns the entity with id.
func (sc *Scope) Get(id ID) (Entity, bool) {
	sl := sc.s.slot(id)
	if sl == nil {
		return Entity{}, false
	}
	return sl.e, true
}

// FromHandle returns the entity registered for h.
func (sc *Scope) FromHandle(h target.Handle) (Entity, bool) {
	id, ok := sc.s.byHandle[h]
	if !ok {
		return Entity{}, false
	}
	return sc.Get(id)
}

// Children returns the direct children of id in allocation order.
func (sc *Scope) Children(id ID) []Entity {
	sl := sc.s.slot(id)
	if sl == nil {
		return nil
	}
	var out []Entity
	for c := sl.first; c != noIndex; c = sc.s.slots[c].next {
		out = append(out, sc.s.slots[c].e)
	}
	return out
}

// ChildrenOfKind returns the direct children of id with kind k.
func (sc *Scope) ChildrenOfKind(id ID, k Kind) []Entity {
	var out []Entity
	for _, e := range sc.Children(id) {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// FirstChildOfKind returns the first direct child of id with kind k.
func (sc *Scope) FirstChildOfKind(id ID, k Kind) (Entity, bool) {
	sl := sc.s.slot(id)
	if sl == nil {
		return Entity{}, false
	}
	for c := sl.first; c != noIndex; c = sc.s.slots[c].next {
		if sc.s.slots[c].e.Kind == k {
			return sc.s.slots[c].e, true
		}
	}
	return Entity{}, false
}

// AncestorOfKind returns the nearest strict ancestor of id with kind k.
func (sc *Scope) AncestorOfKind(id ID, k Kind) (Entity, bool) {
	sl := sc.s.slot(id)
	if sl == nil {
		return Entity{}, false
	}
	for p := sl.parent; p != noIndex; p = sc.s.slots[p].parent {
		if sc.s.slots[p].e.Kind == k {
			return sc.s.slots[p].e, true
		}
	}
	return Entity{}, false
}

// DebugInfoPath returns the debug info path attached to module, if any.
func (sc *Scope) DebugInfoPath(module ID) string {
	e, ok := sc.FirstChildOfKind(module, KindDebugInfoPath)
	if !ok {
		return ""
	}
	return e.Name
}

// ModuleFromVaddr returns the module of process whose range contains vaddr.
func (sc *Scope) ModuleFromVaddr(process ID, vaddr uint64) (Entity, bool) {
	sl := sc.s.slot(process)
	if sl == nil {
		return Entity{}, false
	}
	for c := sl.first; c != noIndex; c = sc.s.slots[c].next {
		e := &sc.s.slots[c].e
		if e.Kind == KindModule && e.Range.Contains(vaddr) {
			return *e, true
		}
	}
	return Entity{}, false
}

// ModuleFromThreadCandidates picks, among candidates, the module that
// belongs to the process of thread and contains ip. If none contains ip the
// first candidate of the same process is returned.
func (sc *Scope) ModuleFromThreadCandidates(thread ID, ip uint64, candidates []ID) (Entity, bool) {
	proc, ok := sc.AncestorOfKind(thread, KindProcess)
	if !ok {
		return Entity{}, false
	}
	var fallback Entity
	found := false
	for _, id := range candidates {
		m, ok := sc.Get(id)
		if !ok || m.Kind != KindModule || m.Parent != proc.ID {
			continue
		}
		if m.Range.Contains(ip) {
			return m, true
		}
		if !found {
			fallback, found = m, true
		}
	}
	return fallback, found
}

// VoffFromVaddr converts a virtual address into an offset from the base of
// module.
func (sc *Scope) VoffFromVaddr(module ID, vaddr uint64) uint64 {
	m, ok := sc.Get(module)
	if !ok {
		return 0
	}
	return vaddr - m.Range.Min
}

// VaddrFromVoff converts an offset from the base of module into a virtual
// address.
func (sc *Scope) VaddrFromVoff(module ID, voff uint64) uint64 {
	m, ok := sc.Get(module)
	if !ok {
		return 0
	}
	return m.Range.Min + voff
}
