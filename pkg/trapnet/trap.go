// Package trapnet implements the trap net used by stepping: temporary
// breakpoint instructions written over target code, the stack pointer
// check that filters recursive hits, and return address spoofing.
package trapnet

import (
	"fmt"
	"strings"

	"github.com/radctl/radctl/pkg/target"
)

// Flags select what happens when a trap is hit.
type Flags uint32

const (
	// FlagIgnoreStackPointerCheck honors the hit even if the stack pointer
	// check would reject it.
	FlagIgnoreStackPointerCheck Flags = 1 << iota
	// FlagSingleStepAfterHit executes the real instruction at the trap
	// address before deciding anything else.
	FlagSingleStepAfterHit
	// FlagSaveStackPointer records the stack pointer as the new check value.
	FlagSaveStackPointer
	// FlagBeginSpoofMode replaces the return address pushed by the CALL at
	// the trap address with the spoof IP.
	FlagBeginSpoofMode
	// FlagEndStepping completes the step.
	FlagEndStepping
)

var flagNames = []string{"ignore-sp-check", "single-step-after-hit", "save-sp", "begin-spoof", "end-stepping"}

func (f Flags) String() string {
	var parts []string
	for i, n := range flagNames {
		if f&(1<<uint(i)) != 0 {
			parts = append(parts, n)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Trap is one instrumented address.
type Trap struct {
	Flags Flags
	Vaddr uint64
}

func (t Trap) String() string {
	return fmt.Sprintf("%#x(%s)", t.Vaddr, t.Flags)
}

// Spoof is a return address on a thread's stack temporarily replaced with
// NewIP.
type Spoof struct {
	Process target.ID
	Thread  target.ID
	// Vaddr is the stack slot holding the return address.
	Vaddr uint64
	NewIP uint64
	// Original is the return address that was replaced.
	Original uint64
}

// DefaultSpoofIP is the value written over return addresses. It is never
// mapped, so returning to it faults with an execute access violation.
const DefaultSpoofIP uint64 = 0x911
