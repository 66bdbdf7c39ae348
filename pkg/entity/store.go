package entity

import (
	"sync"

	"github.com/radctl/radctl/pkg/logflags"
	"github.com/radctl/radctl/pkg/target"
)

const noIndex = ^uint32(0)

type slot struct {
	e    Entity
	live bool

	parent      uint32
	first, last uint32
	next, prev  uint32
}

// Store owns every entity.
type Store struct {
	mu sync.RWMutex

	slots []slot
	free  []uint32

	byHandle map[target.Handle]ID
	kindGen  [kindCount]uint64
	strings  *interner

	root, local ID
	log         logflags.Logger
}

// New creates a store containing the root entity and the entity of the
// local machine.
func New(localMachine target.MachineID) *Store {
	s := &Store{
		slots:    make([]slot, 1, 64), // index 0 is never used, so the zero ID is "none"
		byHandle: make(map[target.Handle]ID),
		strings:  newInterner(),
		log:      logflags.EntitiesLogger(),
	}
	s.root = s.alloc(noIndex, KindRoot, target.ArchNull, target.Handle{}, 0)
	s.local = s.alloc(s.root.Index, KindMachine, target.ArchNull, target.Handle{Machine: localMachine}, 0)
	s.slots[s.local.Index].e.Name = s.strings.acquire("local")
	return s
}

// Root returns the id of the root entity.
func (s *Store) Root() ID { return s.root }

// LocalMachine returns the id of the local machine entity.
func (s *Store) LocalMachine() ID { return s.local }

func (s *Store) slot(id ID) *slot {
	if id.Index == 0 || int(id.Index) >= len(s.slots) {
		return nil
	}
	sl := &s.slots[id.Index]
	if !sl.live || sl.e.ID.Gen != id.Gen {
		return nil
	}
	return sl
}

func (s *Store) mustSlot(id ID) *slot {
	sl := s.slot(id)
	if sl == nil {
		panic("entity: stale or invalid id " + id.String())
	}
	return sl
}

// Alloc creates a new entity as the last child of parent. A non zero handle
// is added to the handle index.
func (s *Store) Alloc(parent ID, kind Kind, arch target.Arch, h target.Handle, osid uint64) ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustSlot(parent)
	return s.alloc(parent.Index, kind, arch, h, osid)
}

func (s *Store) alloc(parent uint32, kind Kind, arch target.Arch, h target.Handle, osid uint64) ID {
	var idx uint32
	if n := len(s.free); n > 0 {
		idx = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		s.slots = append(s.slots, slot{})
		idx = uint32(len(s.slots) - 1)
	}
	sl := &s.slots[idx]
	if sl.live {
		panic("entity: free list contains a live slot")
	}
	gen := sl.e.ID.Gen + 1
	*sl = slot{
		e: Entity{
			ID:     ID{Index: idx, Gen: gen},
			Kind:   kind,
			Arch:   arch,
			Handle: h,
			OSID:   osid,
		},
		live:   true,
		parent: parent,
		first:  noIndex,
		last:   noIndex,
		next:   noIndex,
		prev:   noIndex,
	}
	if parent != noIndex {
		p := &s.slots[parent]
		sl.e.Parent = p.e.ID
		sl.prev = p.last
		if p.last != noIndex {
			s.slots[p.last].next = idx
		} else {
			p.first = idx
		}
		p.last = idx
	}
	if !h.IsZero() && kind != KindMachine {
		s.byHandle[h] = sl.e.ID
	}
	s.kindGen[kind]++
	s.log.Debugf("alloc %s %s handle=%s", kind, sl.e.ID, h)
	return sl.e.ID
}

// Release removes id and its whole subtree, children first.
func (s *Store) Release(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.slot(id)
	if sl == nil {
		panic("entity: double release of " + id.String())
	}
	if id == s.root || id == s.local {
		panic("entity: release of a permanent entity")
	}
	s.release(id.Index)
}

func (s *Store) release(idx uint32) {
	for c := s.slots[idx].first; c != noIndex; {
		next := s.slots[c].next
		s.release(c)
		c = next
	}
	sl := &s.slots[idx]
	if sl.parent != noIndex {
		p := &s.slots[sl.parent]
		if sl.prev != noIndex {
			s.slots[sl.prev].next = sl.next
		} else {
			p.first = sl.next
		}
		if sl.next != noIndex {
			s.slots[sl.next].prev = sl.prev
		} else {
			p.last = sl.prev
		}
	}
	if h := sl.e.Handle; !h.IsZero() && s.byHandle[h] == sl.e.ID {
		delete(s.byHandle, h)
	}
	s.strings.release(sl.e.Name)
	s.kindGen[sl.e.Kind]++
	s.log.Debugf("release %s %s", sl.e.Kind, sl.e.ID)
	gen := sl.e.ID.Gen
	*sl = slot{}
	sl.e.ID.Gen = gen
	s.free = append(s.free, idx)
}

// EquipString sets the display string of id.
func (s *Store) EquipString(id ID, str string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.mustSlot(id)
	old := sl.e.Name
	sl.e.Name = s.strings.acquire(str)
	s.strings.release(old)
}

// EquipRange sets the address range of id.
func (s *Store) EquipRange(id ID, r target.Range) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustSlot(id).e.Range = r
}

// SetFlags replaces the flags of id.
func (s *Store) SetFlags(id ID, f Flags) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustSlot(id).e.Flags = f
}

// SetColor sets the color of id.
func (s *Store) SetColor(id ID, rgba uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustSlot(id).e.Color = rgba
}

// SetThreadInfo records the stack base and TLS root of a thread.
func (s *Store) SetThreadInfo(id ID, stackBase, tlsRoot uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.mustSlot(id)
	sl.e.StackBase = stackBase
	sl.e.TLSRoot = tlsRoot
}

// SetDebugInfoPath stores path in the debug info path child of module,
// creating the child if needed. An empty path removes it.
func (s *Store) SetDebugInfoPath(module ID, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.mustSlot(module)
	var child uint32 = noIndex
	for c := m.first; c != noIndex; c = s.slots[c].next {
		if s.slots[c].e.Kind == KindDebugInfoPath {
			child = c
			break
		}
	}
	if path == "" {
		if child != noIndex {
			s.release(child)
		}
		return
	}
	if child == noIndex {
		id := s.alloc(module.Index, KindDebugInfoPath, target.ArchNull, target.Handle{}, 0)
		child = id.Index
	}
	c := &s.slots[child]
	old := c.e.Name
	c.e.Name = s.strings.acquire(path)
	s.strings.release(old)
}

// KindGeneration returns the allocation generation of kind k.
func (s *Store) KindGeneration(k Kind) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kindGen[k]
}
