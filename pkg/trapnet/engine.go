package trapnet

import (
	"errors"

	"github.com/radctl/radctl/pkg/logflags"
	"github.com/radctl/radctl/pkg/target"
)

// ErrSpoofActive is returned by BeginSpoof when the thread already has a
// spoof pending.
var ErrSpoofActive = errors.New("thread already has an active spoof")

// Action is the decision taken for a trap hit.
type Action uint8

const (
	// ActionContinue steps the thread past the trap and resumes the run.
	ActionContinue Action = iota
	// ActionStepThenContinue executes the real instruction, reinstalls the
	// trap and resumes.
	ActionStepThenContinue
	// ActionStepThenEnd executes the real instruction and ends the step.
	ActionStepThenEnd
	// ActionStepThenSpoof executes the CALL at the trap address and then
	// spoofs the pushed return address.
	ActionStepThenSpoof
	// ActionEnd ends the step.
	ActionEnd
)

var actionNames = [...]string{"continue", "step-then-continue", "step-then-end", "step-then-spoof", "end"}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return "?"
}

// Engine holds the stepping state of one run: the stepping thread, the
// stack pointer check value and the pending spoofs.
type Engine struct {
	stepThread target.ID
	spCheck    uint64
	hasCheck   bool
	spoofIP    uint64
	spoofs     map[target.ID]Spoof
	log        logflags.Logger
}

// NewEngine returns an engine for a run in which stepThread is the thread
// being stepped. A zero stepThread means no thread is stepping and every
// trap hit is treated as a plain continue.
func NewEngine(stepThread target.ID) *Engine {
	return &Engine{
		stepThread: stepThread,
		spoofIP:    DefaultSpoofIP,
		spoofs:     make(map[target.ID]Spoof),
		log:        logflags.TrapnetLogger(),
	}
}

// StepThread returns the stepping thread.
func (e *Engine) StepThread() target.ID { return e.stepThread }

// SpoofIP returns the value written over spoofed return addresses.
func (e *Engine) SpoofIP() uint64 { return e.spoofIP }

// SetStackPointerCheck sets the check value. Hits with a stack pointer
// below it are deeper than the stepping frame and are rejected.
func (e *Engine) SetStackPointerCheck(sp uint64) {
	e.spCheck = sp
	e.hasCheck = true
}

// StackPointerCheck returns the current check value.
func (e *Engine) StackPointerCheck() (uint64, bool) {
	return e.spCheck, e.hasCheck
}

// Passes reports whether a hit with the given flags and stack pointer
// passes the stack pointer check.
func (e *Engine) Passes(flags Flags, sp uint64) bool {
	if flags&FlagIgnoreStackPointerCheck != 0 || !e.hasCheck {
		return true
	}
	return sp >= e.spCheck
}

// OnTrapHit decides what to do when thread hits a trap with flags while its
// stack pointer is sp.
func (e *Engine) OnTrapHit(thread target.ID, flags Flags, sp uint64) Action {
	if thread != e.stepThread || e.stepThread == 0 {
		return ActionContinue
	}
	if !e.Passes(flags, sp) {
		e.log.Debugf("trap hit rejected: sp=%#x check=%#x", sp, e.spCheck)
		return ActionContinue
	}
	if flags&FlagSaveStackPointer != 0 {
		e.SetStackPointerCheck(sp)
	}
	var a Action
	switch {
	case flags&FlagSingleStepAfterHit != 0 && flags&FlagBeginSpoofMode != 0:
		a = ActionStepThenSpoof
	case flags&FlagSingleStepAfterHit != 0 && flags&FlagEndStepping != 0:
		a = ActionStepThenEnd
	case flags&FlagSingleStepAfterHit != 0:
		a = ActionStepThenContinue
	case flags&FlagEndStepping != 0:
		a = ActionEnd
	default:
		a = ActionContinue
	}
	e.log.Debugf("trap hit thread=%#x flags=%s sp=%#x -> %s", uint64(thread), flags, sp, a)
	return a
}

// BeginSpoof records a spoof of the return address stored at slot on the
// stack of thread. The caller writes NewIP to the slot. A thread can have
// at most one spoof pending.
func (e *Engine) BeginSpoof(process, thread target.ID, slot, original uint64) (Spoof, error) {
	if _, ok := e.spoofs[thread]; ok {
		return Spoof{}, ErrSpoofActive
	}
	s := Spoof{Process: process, Thread: thread, Vaddr: slot, NewIP: e.spoofIP, Original: original}
	e.spoofs[thread] = s
	e.log.Debugf("spoof begin thread=%#x slot=%#x original=%#x", uint64(thread), slot, original)
	return s, nil
}

// ResolveSpoof checks whether thread faulted on its spoofed return address.
// If so the spoof is removed and returned; the caller sets the thread IP to
// Spoof.Original.
func (e *Engine) ResolveSpoof(thread target.ID, ip uint64) (Spoof, bool) {
	s, ok := e.spoofs[thread]
	if !ok || ip != s.NewIP {
		return Spoof{}, false
	}
	delete(e.spoofs, thread)
	e.log.Debugf("spoof resolved thread=%#x -> %#x", uint64(thread), s.Original)
	return s, true
}

// Spoof returns the pending spoof of thread.
func (e *Engine) Spoof(thread target.ID) (Spoof, bool) {
	s, ok := e.spoofs[thread]
	return s, ok
}

// DrainSpoofs removes and returns every pending spoof so their stack slots
// can be restored.
func (e *Engine) DrainSpoofs() []Spoof {
	out := make([]Spoof, 0, len(e.spoofs))
	for t, s := range e.spoofs {
		out = append(out, s)
		delete(e.spoofs, t)
	}
	return out
}
