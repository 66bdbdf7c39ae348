// Package entity implements the entity store: the tree of machines,
// processes, threads and modules tracked by the debugger core.
//
// The store has a single writer, the control goroutine. Any goroutine may
// read it through a Scope, which holds the store-wide read lock until it is
// closed.
package entity

import (
	"fmt"

	"github.com/radctl/radctl/pkg/target"
)

// Kind is the kind of an entity.
type Kind uint8

const (
	KindNil Kind = iota
	KindRoot
	KindMachine
	KindProcess
	KindThread
	KindModule
	KindEntryPoint
	KindDebugInfoPath

	kindCount
)

var kindNames = [kindCount]string{"nil", "root", "machine", "process", "thread", "module", "entry-point", "debug-info-path"}

func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Flags are entity state bits.
type Flags uint32

const (
	FlagFrozen Flags = 1 << iota
	FlagSoloed
)

// ID is a generational index into the store. The zero ID never refers to a
// live entity.
type ID struct {
	Index uint32
	Gen   uint32
}

// IsZero reports whether id is the "none" id.
func (id ID) IsZero() bool { return id == ID{} }

func (id ID) String() string {
	return fmt.Sprintf("%d.%d", id.Index, id.Gen)
}

// Entity is a snapshot of one node of the tree.
type Entity struct {
	ID     ID
	Kind   Kind
	Parent ID
	Arch   target.Arch
	Handle target.Handle
	// OSID is the pid of a process or the tid of a thread.
	OSID  uint64
	Range target.Range
	Flags Flags
	// Name is the interned display string: process or module path, thread
	// name, entry point symbol or debug info path.
	Name      string
	StackBase uint64
	TLSRoot   uint64
	Color     uint32
}

// Frozen reports whether the frozen flag is set.
func (e *Entity) Frozen() bool { return e.Flags&FlagFrozen != 0 }
