package entity

// Order selects the traversal order of Next.
type Order uint8

const (
	PreOrder Order = iota
	PostOrder
)

// Rec is one step of a depth first traversal. Push is the number of levels
// descended to reach Next and Pop the number of levels climbed.
type Rec struct {
	Next ID
	Push int
	Pop  int
}

// Next returns the entity following id in a depth first traversal of the
// subtree rooted at root. Rec.Next is zero when the traversal is complete.
//
// A pre order traversal starts at root. A post order traversal starts at
// First(root, PostOrder) and ends with root.
func (sc *Scope) Next(id, root ID, order Order) Rec {
	s := sc.s
	cur := s.slot(id)
	if cur == nil {
		return Rec{}
	}
	idx := id.Index
	switch order {
	case PreOrder:
		if cur.first != noIndex {
			return Rec{Next: s.slots[cur.first].e.ID, Push: 1}
		}
		pop := 0
		for idx != root.Index {
			sl := &s.slots[idx]
			if sl.next != noIndex {
				return Rec{Next: s.slots[sl.next].e.ID, Pop: pop}
			}
			idx = sl.parent
			pop++
			if idx == noIndex {
				break
			}
		}
		return Rec{Pop: pop}
	case PostOrder:
		if idx == root.Index {
			return Rec{}
		}
		if cur.next != noIndex {
			n, push := s.deepestFirst(cur.next)
			return Rec{Next: s.slots[n].e.ID, Push: push}
		}
		if cur.parent == noIndex {
			return Rec{}
		}
		return Rec{Next: s.slots[cur.parent].e.ID, Pop: 1}
	}
	return Rec{}
}

// First returns the first entity of a traversal of root.
func (sc *Scope) First(root ID, order Order) ID {
	if sc.s.slot(root) == nil {
		return ID{}
	}
	if order == PreOrder {
		return root
	}
	n, _ := sc.s.deepestFirst(root.Index)
	return sc.s.slots[n].e.ID
}

func (s *Store) deepestFirst(idx uint32) (uint32, int) {
	depth := 0
	for s.slots[idx].first != noIndex {
		idx = s.slots[idx].first
		depth++
	}
	return idx, depth
}

// Walk visits root and its descendants in pre order, passing each entity's
// depth relative to root. Returning false from fn stops the walk.
func (sc *Scope) Walk(root ID, fn func(e Entity, depth int) bool) {
	depth := 0
	for id := sc.First(root, PreOrder); !id.IsZero(); {
		e, _ := sc.Get(id)
		if !fn(e, depth) {
			return
		}
		rec := sc.Next(id, root, PreOrder)
		depth += rec.Push - rec.Pop
		id = rec.Next
	}
}
