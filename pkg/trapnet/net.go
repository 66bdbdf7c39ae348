package trapnet

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/radctl/radctl/pkg/logflags"
	"github.com/radctl/radctl/pkg/target"
)

type installed struct {
	flags    Flags
	original []byte
	active   bool
}

// Net is the set of traps installed in the memory of one process.
type Net struct {
	mem   target.MemoryReadWriter
	bp    []byte
	traps map[uint64]*installed
	log   logflags.Logger
}

// NewNet returns an empty net writing arch's breakpoint instruction
// through mem.
func NewNet(mem target.MemoryReadWriter, arch target.Arch) *Net {
	bp := arch.BreakpointInstruction()
	if bp == nil {
		bp = target.ArchX64.BreakpointInstruction()
	}
	return &Net{mem: mem, bp: bp, traps: make(map[uint64]*installed), log: logflags.TrapnetLogger()}
}

// Install saves the original bytes at every new trap address and
// overwrites them with the breakpoint instruction. Traps at the same
// address merge their flags. Addresses that can not be read or written are
// skipped and reported in the returned error; the rest stay installed.
func (n *Net) Install(traps []Trap) error {
	var failed []uint64
	for _, t := range traps {
		if in, ok := n.traps[t.Vaddr]; ok {
			in.flags |= t.Flags
			continue
		}
		orig := make([]byte, len(n.bp))
		if c, err := n.mem.ReadMemory(t.Vaddr, orig); err != nil || c != len(orig) {
			failed = append(failed, t.Vaddr)
			continue
		}
		if bytes.Equal(orig, n.bp) {
			n.log.Debugf("trap at %#x overlays an existing breakpoint instruction", t.Vaddr)
		}
		if err := n.mem.WriteMemory(t.Vaddr, n.bp); err != nil {
			failed = append(failed, t.Vaddr)
			continue
		}
		n.traps[t.Vaddr] = &installed{flags: t.Flags, original: orig, active: true}
	}
	n.log.Debugf("installed %d traps (%d failed)", len(n.traps), len(failed))
	if len(failed) > 0 {
		return fmt.Errorf("could not install %d traps, first at %#x", len(failed), failed[0])
	}
	return nil
}

// Lookup returns the merged flags of the trap at addr.
func (n *Net) Lookup(addr uint64) (Flags, bool) {
	in, ok := n.traps[addr]
	if !ok {
		return 0, false
	}
	return in.flags, true
}

// Remove temporarily restores the original bytes at addr, so that a thread
// can execute the real instruction.
func (n *Net) Remove(addr uint64) error {
	in, ok := n.traps[addr]
	if !ok || !in.active {
		return nil
	}
	if err := n.mem.WriteMemory(addr, in.original); err != nil {
		return err
	}
	in.active = false
	return nil
}

// Reinstall writes the breakpoint instruction back at addr after Remove.
func (n *Net) Reinstall(addr uint64) error {
	in, ok := n.traps[addr]
	if !ok || in.active {
		return nil
	}
	if err := n.mem.WriteMemory(addr, n.bp); err != nil {
		return err
	}
	in.active = true
	return nil
}

// Restore writes back every original byte and empties the net. It is safe
// to call more than once.
func (n *Net) Restore() error {
	var firstErr error
	for addr, in := range n.traps {
		if in.active {
			if err := n.mem.WriteMemory(addr, in.original); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("restoring trap at %#x: %w", addr, err)
			}
		}
		delete(n.traps, addr)
	}
	return firstErr
}

// Len returns the number of installed traps.
func (n *Net) Len() int { return len(n.traps) }

// Addrs returns the installed trap addresses in ascending order.
func (n *Net) Addrs() []uint64 {
	out := make([]uint64, 0, len(n.traps))
	for addr := range n.traps {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// OriginalData replaces breakpoint bytes in buf, read from addr, with the
// original bytes they cover.
func (n *Net) OriginalData(addr uint64, buf []byte) {
	end := addr + uint64(len(buf))
	for taddr, in := range n.traps {
		if !in.active {
			continue
		}
		for i, b := range in.original {
			a := taddr + uint64(i)
			if a >= addr && a < end {
				buf[a-addr] = b
			}
		}
	}
}
