package entity

// Accel caches, per kind, the ids of every live entity of that kind. Each
// reading goroutine owns its own Accel; it is rebuilt lazily when the
// store's allocation generation for the kind moves.
type Accel struct {
	ids   [kindCount][]ID
	gen   [kindCount]uint64
	valid [kindCount]bool
}

// AllOfKind returns every live entity id of kind k. The returned slice is
// owned by a and valid until the next call for the same kind.
func (sc *Scope) AllOfKind(a *Accel, k Kind) []ID {
	s := sc.s
	if a.valid[k] && a.gen[k] == s.kindGen[k] {
		return a.ids[k]
	}
	ids := a.ids[k][:0]
	for i := 1; i < len(s.slots); i++ {
		sl := &s.slots[i]
		if sl.live && sl.e.Kind == k {
			ids = append(ids, sl.e.ID)
		}
	}
	a.ids[k] = ids
	a.gen[k] = s.kindGen[k]
	a.valid[k] = true
	return ids
}
