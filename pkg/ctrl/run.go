package ctrl

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/radctl/radctl/pkg/debuginfo"
	"github.com/radctl/radctl/pkg/entity"
	"github.com/radctl/radctl/pkg/protocol"
	"github.com/radctl/radctl/pkg/target"
	"github.com/radctl/radctl/pkg/trapnet"
)

// runState is the state of one Run or SingleStep dispatch. Everything in it
// is discarded when the run stops.
type runState struct {
	msg *protocol.Message
	eng *trapnet.Engine

	// step is the stepping thread and stepProc its process; both are zero
	// for a plain run.
	step, stepProc target.ID

	nets map[target.ID]*trapnet.Net
	// stepTraps are the message traps, installed in stepProc.
	stepTraps map[uint64]bool
	// user maps trap addresses to the indices of the user breakpoints
	// resolved there, per process.
	user  map[target.ID]map[uint64][]int
	entry map[target.ID]map[uint64]bool
	hits  []uint64
	// armed is set once breakpoints are resolved, so modules loaded during
	// the run get theirs too.
	armed bool

	frozen  map[target.ID]bool
	pass    bool
	backlog []target.Event
}

func (c *Ctrl) run(msg *protocol.Message) {
	c.openSession()
	c.halted.Store(false)
	c.running.Store(true)
	c.runGen.Add(1)

	r := &runState{
		msg:       msg,
		nets:      make(map[target.ID]*trapnet.Net),
		stepTraps: make(map[uint64]bool),
		user:      make(map[target.ID]map[uint64][]int),
		entry:     make(map[target.ID]map[uint64]bool),
		hits:      make([]uint64, len(msg.Breakpoints)),
		pass:      c.passNext,
	}
	c.passNext = false
	for i := range msg.Breakpoints {
		r.hits[i] = msg.Breakpoints[i].HitCount
	}

	var stop protocol.Event
	if err := c.setupRun(r); err != nil {
		stop = c.errorStop(r, err)
	} else if msg.Kind == protocol.MsgSingleStep {
		stop = c.singleStep(r)
	} else {
		stop = c.runLoop(r)
	}
	c.teardown(r)

	c.running.Store(false)
	c.runGen.Add(1)
	c.memGen.Add(1)
	c.regGen.Add(1)
	stop.Kind = protocol.EventStopped
	c.emit(stop)
	c.session = false
	c.log.Debugf("stopped: %s thread=%s rip=%#x", stop.Cause, stop.Target, stop.RIP)

	if !stop.Target.IsZero() {
		g := c.Generations()
		c.stackq.Prefetch(context.Background(), stop.Target, g.Register, g.Memory)
	}
}

func (c *Ctrl) setupRun(r *runState) error {
	if h := r.msg.Target; !h.IsZero() {
		t, ok := c.entity(h)
		if !ok || t.Kind != entity.KindThread {
			return fmt.Errorf("no thread %s", h)
		}
		p, _ := c.processOf(h)
		r.step, r.stepProc = t.Handle.ID, p.Handle.ID
	}
	r.eng = trapnet.NewEngine(r.step)
	r.frozen = c.frozenThreads()
	if r.step != 0 && r.frozen[r.step] {
		return fmt.Errorf("thread %s is frozen", r.msg.Target)
	}
	if r.msg.Kind == protocol.MsgSingleStep {
		if r.step == 0 {
			return errors.New("single step needs a thread")
		}
		return nil
	}
	if r.step != 0 {
		regs, err := c.layer.ReadRegisters(r.step)
		if err != nil {
			return err
		}
		r.eng.SetStackPointerCheck(regs.Rsp)
	}

	for _, p := range c.processes() {
		c.armProcess(r, p)
	}
	r.armed = true
	if len(r.msg.Traps) > 0 {
		if r.step == 0 {
			return errors.New("traps given without a stepping thread")
		}
		for _, t := range r.msg.Traps {
			r.stepTraps[t.Vaddr] = true
		}
		if err := r.net(c, r.stepProc).Install(r.msg.Traps); err != nil {
			c.log.Errorf("installing step traps: %v", err)
		}
	}
	return nil
}

func (r *runState) net(c *Ctrl, pid target.ID) *trapnet.Net {
	n, ok := r.nets[pid]
	if !ok {
		n = trapnet.NewNet(target.ProcessMemory(c.layer, pid), c.layer.Arch(pid))
		r.nets[pid] = n
	}
	return n
}

// armProcess installs the user breakpoints and entry point traps of every
// module of p, and the breakpoints the program asked for.
func (c *Ctrl) armProcess(r *runState, p entity.Entity) {
	sc := c.store.OpenScope()
	mods := sc.ChildrenOfKind(p.ID, entity.KindModule)
	sc.Close()
	for _, m := range mods {
		c.armModule(r, p.Handle.ID, m.ID)
	}
	var traps []trapnet.Trap
	for addr := range c.progBps[p.Handle.ID] {
		traps = append(traps, trapnet.Trap{Vaddr: addr})
	}
	if len(traps) > 0 {
		if err := r.net(c, p.Handle.ID).Install(traps); err != nil {
			c.log.Errorf("installing program breakpoints: %v", err)
		}
	}
}

func (c *Ctrl) armModule(r *runState, pid target.ID, module entity.ID) {
	sc := c.store.OpenScope()
	m, ok := sc.Get(module)
	dm := debuginfo.Module{Path: m.Name, DebugPath: sc.DebugInfoPath(module)}
	sc.Close()
	if !ok {
		return
	}

	var traps []trapnet.Trap
	add := func(addr uint64) {
		traps = append(traps, trapnet.Trap{Vaddr: addr})
	}
	for i := range r.msg.Breakpoints {
		bp := &r.msg.Breakpoints[i]
		if !bp.Enabled() {
			continue
		}
		for _, addr := range c.resolveBreakpoint(bp, dm, m.Range) {
			if r.user[pid] == nil {
				r.user[pid] = make(map[uint64][]int)
			}
			r.user[pid][addr] = append(r.user[pid][addr], i)
			add(addr)
		}
	}
	if r.msg.RunFlags&protocol.RunFlagStopOnEntryPoint != 0 && c.dbg != nil {
		for _, name := range c.entryPointNames() {
			for _, voff := range c.dbg.VoffsFromSymbol(dm, name) {
				if r.entry[pid] == nil {
					r.entry[pid] = make(map[uint64]bool)
				}
				addr := m.Range.Min + voff
				r.entry[pid][addr] = true
				add(addr)
			}
		}
	}
	if len(traps) == 0 {
		return
	}
	c.log.Debugf("arming %d traps in %s", len(traps), m.Name)
	if err := r.net(c, pid).Install(traps); err != nil {
		c.log.Errorf("installing breakpoints in %s: %v", m.Name, err)
	}
}

// resolveBreakpoint returns the addresses of bp inside a module mapped at
// rng.
func (c *Ctrl) resolveBreakpoint(bp *protocol.Breakpoint, dm debuginfo.Module, rng target.Range) []uint64 {
	var voffs []uint64
	switch bp.Kind {
	case protocol.BreakpointAddress:
		if rng.Contains(bp.Address) {
			return []uint64{bp.Address}
		}
		return nil
	case protocol.BreakpointFileLine:
		if c.dbg != nil {
			voffs = c.dbg.VoffsFromFileLine(dm, bp.File, bp.Line)
		}
	case protocol.BreakpointSymbol:
		if c.dbg != nil {
			for _, v := range c.dbg.VoffsFromSymbol(dm, bp.Symbol) {
				voffs = append(voffs, v+bp.Offset)
			}
		}
	}
	seen := make(map[uint64]bool, len(voffs))
	var addrs []uint64
	for _, v := range voffs {
		addr := rng.Min + v
		if !seen[addr] && rng.Contains(addr) {
			seen[addr] = true
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// layerRun calls Layer.Run, forwarding the pending exception once.
func (c *Ctrl) layerRun(r *runState, ctl target.RunControl) (target.Event, error) {
	ctl.PassException = r.pass
	r.pass = false
	return c.layer.Run(ctl)
}

func (c *Ctrl) runLoop(r *runState) protocol.Event {
	if stop, done := c.leaveTraps(r); done {
		return stop
	}
	for {
		var ev target.Event
		if len(r.backlog) > 0 {
			ev, r.backlog = r.backlog[0], r.backlog[1:]
		} else {
			if c.halted.Load() {
				return c.stopAt(r, protocol.CauseInterruptedByHalt, r.step)
			}
			var err error
			ev, err = c.layerRun(r, target.RunControl{Frozen: r.frozen})
			if err != nil {
				return c.errorStop(r, err)
			}
		}
		if stop, done := c.handle(r, ev); done {
			return stop
		}
	}
}

// leaveTraps deals with threads whose instruction pointer is on a trap
// before the run starts: the stepping thread on one of its own traps takes
// the hit, every other thread is stepped past the trap.
func (c *Ctrl) leaveTraps(r *runState) (protocol.Event, bool) {
	for pid, net := range r.nets {
		if net.Len() == 0 {
			continue
		}
		sc := c.store.OpenScope()
		var threads []target.ID
		if p, ok := sc.FromHandle(handle(pid)); ok {
			for _, t := range sc.ChildrenOfKind(p.ID, entity.KindThread) {
				if !r.frozen[t.Handle.ID] {
					threads = append(threads, t.Handle.ID)
				}
			}
		}
		sc.Close()

		for _, tid := range threads {
			regs, err := c.layer.ReadRegisters(tid)
			if err != nil {
				return c.errorStop(r, err), true
			}
			flags, ok := net.Lookup(regs.Rip)
			if !ok {
				continue
			}
			if tid == r.step && r.stepTraps[regs.Rip] {
				if stop, done := c.trapHit(r, tid, pid, regs.Rip, regs.Rsp, flags, false); done {
					return stop, true
				}
				continue
			}
			if _, err := c.stepPast(r, tid, pid, regs.Rip); err != nil {
				return c.errorStop(r, err), true
			}
		}
	}
	return protocol.Event{}, false
}

// singleStep executes one instruction of the stepping thread. Events raised
// on the way are handled as in a run; the step finishes unless one of them
// stops it.
func (c *Ctrl) singleStep(r *runState) protocol.Event {
	if _, err := c.stepOnce(r, r.step, r.stepProc); err != nil {
		return c.errorStop(r, err)
	}
	for len(r.backlog) > 0 {
		ev := r.backlog[0]
		r.backlog = r.backlog[1:]
		if stop, done := c.handle(r, ev); done {
			return stop
		}
	}
	return c.stopAt(r, protocol.CauseFinished, r.step)
}

// stepOnce executes one instruction of thread. It reports whether the step
// completed; other events are queued on the backlog and those concerning
// thread end the attempt.
func (c *Ctrl) stepOnce(r *runState, thread, pid target.ID) (bool, error) {
	for {
		ev, err := c.layerRun(r, target.RunControl{SingleStepThread: thread})
		if err != nil {
			return false, err
		}
		if ev.Kind == target.EventSingleStep && ev.Thread == thread {
			return true, nil
		}
		r.backlog = append(r.backlog, ev)
		if ev.Thread == thread || ev.Kind == target.EventHalt || (ev.Kind == target.EventExitProcess && ev.Process == pid) {
			return false, nil
		}
	}
}

// stepPast executes the real instruction under the trap at addr.
func (c *Ctrl) stepPast(r *runState, thread, pid target.ID, addr uint64) (bool, error) {
	net := r.nets[pid]
	if err := net.Remove(addr); err != nil {
		return false, err
	}
	stepped, err := c.stepOnce(r, thread, pid)
	if r.nets[pid] == net {
		if rerr := net.Reinstall(addr); rerr != nil {
			c.log.Errorf("reinstalling trap at %#x: %v", addr, rerr)
		}
	}
	return stepped, err
}

// handle processes one layer event of a run. It returns the Stopped event
// when the run must stop.
func (c *Ctrl) handle(r *runState, ev target.Event) (protocol.Event, bool) {
	switch ev.Kind {
	case target.EventBreakpoint:
		return c.onBreakpoint(r, ev)
	case target.EventException:
		return c.onException(r, ev)
	case target.EventHalt:
		return c.stopAt(r, protocol.CauseInterruptedByHalt, ev.Thread), true
	case target.EventSingleStep, target.EventHandshakeComplete:
	case target.EventError:
		stop := c.stopAt(r, protocol.CauseError, ev.Thread)
		stop.String = ev.String
		return stop, true
	case target.EventLoadModule:
		id := c.apply(ev)
		if r.armed && !id.IsZero() {
			c.armModule(r, ev.Process, id)
		}
	case target.EventExitThread:
		c.apply(ev)
		if ev.Thread == r.step {
			return c.stopAt(r, protocol.CauseFinished, 0), true
		}
	case target.EventExitProcess:
		// The memory is gone with the process; there is nothing to restore.
		delete(r.nets, ev.Process)
		delete(r.user, ev.Process)
		delete(r.entry, ev.Process)
		c.apply(ev)
		if ev.Process == r.stepProc || len(c.processes()) == 0 {
			stop := c.stopAt(r, protocol.CauseFinished, 0)
			stop.U64 = uint64(ev.Code)
			return stop, true
		}
	default:
		c.apply(ev)
	}
	return protocol.Event{}, false
}

func (c *Ctrl) onBreakpoint(r *runState, ev target.Event) (protocol.Event, bool) {
	net, ok := r.nets[ev.Process]
	var flags trapnet.Flags
	if ok {
		flags, ok = net.Lookup(ev.Address)
	}
	if !ok {
		// A breakpoint instruction of the program itself.
		return c.stopAt(r, protocol.CauseInterruptedByTrap, ev.Thread), true
	}
	regs, err := c.layer.ReadRegisters(ev.Thread)
	if err != nil {
		return c.errorStop(r, err), true
	}
	regs.Rip = ev.Address
	if err := c.layer.WriteRegisters(ev.Thread, regs); err != nil {
		return c.errorStop(r, err), true
	}
	return c.trapHit(r, ev.Thread, ev.Process, ev.Address, regs.Rsp, flags, true)
}

// trapHit decides what a hit of the trap at addr does. Breakpoints only
// stop on fresh hits, not when a thread resumes from one.
func (c *Ctrl) trapHit(r *runState, thread, pid target.ID, addr, sp uint64, flags trapnet.Flags, fresh bool) (protocol.Event, bool) {
	if fresh {
		if idx := r.user[pid][addr]; len(idx) > 0 {
			for _, i := range idx {
				r.hits[i]++
			}
			stop := c.stopAt(r, protocol.CauseUserBreakpoint, thread)
			stop.U64 = uint64(idx[0])
			stop.HitCount = r.hits[idx[0]]
			stop.BreakpointFlags = r.msg.Breakpoints[idx[0]].Flags
			return stop, true
		}
		if r.entry[pid][addr] {
			return c.stopAt(r, protocol.CauseFinished, thread), true
		}
		if c.progBps[pid][addr] {
			return c.stopAt(r, protocol.CauseInterruptedByTrap, thread), true
		}
	}

	switch r.eng.OnTrapHit(thread, flags, sp) {
	case trapnet.ActionEnd:
		return c.stopAt(r, protocol.CauseFinished, thread), true
	case trapnet.ActionStepThenEnd:
		stepped, err := c.stepPast(r, thread, pid, addr)
		if err != nil {
			return c.errorStop(r, err), true
		}
		if stepped {
			return c.stopAt(r, protocol.CauseFinished, thread), true
		}
	case trapnet.ActionStepThenSpoof:
		stepped, err := c.stepPast(r, thread, pid, addr)
		if err != nil {
			return c.errorStop(r, err), true
		}
		if stepped {
			if err := c.beginSpoof(r, thread, pid); err != nil {
				return c.errorStop(r, err), true
			}
		}
	default:
		if _, err := c.stepPast(r, thread, pid, addr); err != nil {
			return c.errorStop(r, err), true
		}
	}
	return protocol.Event{}, false
}

// beginSpoof replaces the return address just pushed by a CALL with the
// spoof IP.
func (c *Ctrl) beginSpoof(r *runState, thread, pid target.ID) error {
	regs, err := c.layer.ReadRegisters(thread)
	if err != nil {
		return err
	}
	var b [8]byte
	if _, err := c.layer.ReadMemory(pid, regs.Rsp, b[:]); err != nil {
		return fmt.Errorf("reading return address: %w", err)
	}
	s, err := r.eng.BeginSpoof(pid, thread, regs.Rsp, binary.LittleEndian.Uint64(b[:]))
	if errors.Is(err, trapnet.ErrSpoofActive) {
		c.log.Debugf("thread %#x already spoofed, treating hit as rejected", uint64(thread))
		return nil
	}
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b[:], s.NewIP)
	return c.layer.WriteMemory(pid, s.Vaddr, b[:])
}

func (c *Ctrl) onException(r *runState, ev target.Event) (protocol.Event, bool) {
	if ev.Code == target.ExceptionCodeAccessViolation && ev.Access == target.AccessExecute {
		if s, ok := r.eng.ResolveSpoof(ev.Thread, ev.IP); ok {
			regs, err := c.layer.ReadRegisters(ev.Thread)
			if err != nil {
				return c.errorStop(r, err), true
			}
			regs.Rip = s.Original
			if err := c.layer.WriteRegisters(ev.Thread, regs); err != nil {
				return c.errorStop(r, err), true
			}
			return protocol.Event{}, false
		}
	}

	if ev.FirstChance && c.programRequest(r, ev) {
		return protocol.Event{}, false
	}

	kind := protocol.ExceptionCodeKindFromCode(ev.Code)
	if ev.FirstChance && !r.msg.ExceptionFilter.Has(kind) {
		r.pass = true
		return protocol.Event{}, false
	}
	c.passNext = true
	stop := c.stopAt(r, protocol.CauseInterruptedByException, ev.Thread)
	stop.ExceptionCode = ev.Code
	stop.ExceptionKind = exceptionKind(ev)
	stop.U64 = ev.Address
	return stop, true
}

// programRequest handles the exception codes a program raises to talk to
// its debugger. It reports whether ev was one of them.
func (c *Ctrl) programRequest(r *runState, ev target.Event) bool {
	th := handle(ev.Thread)
	proc := handle(ev.Process)
	arg := func(i int) uint64 {
		if i < len(ev.Args) {
			return ev.Args[i]
		}
		return 0
	}
	switch ev.Code {
	case target.ExceptionCodeSetThreadName:
		name := c.readString(ev.Process, arg(1))
		if t, ok := c.entity(th); ok {
			c.store.EquipString(t.ID, name)
		}
		c.emit(protocol.Event{Kind: protocol.EventThreadName, Target: th, Parent: proc, String: name})
	case target.ExceptionCodeSetThreadColor:
		color := uint32(arg(0))
		if t, ok := c.entity(th); ok {
			c.store.SetColor(t.ID, color)
		}
		c.emit(protocol.Event{Kind: protocol.EventThreadColor, Target: th, Parent: proc, Color: color})
	case target.ExceptionCodeSetBreakpoint:
		addr := arg(0)
		if c.progBps[ev.Process] == nil {
			c.progBps[ev.Process] = make(map[uint64]bool)
		}
		c.progBps[ev.Process][addr] = true
		if r.armed {
			if err := r.net(c, ev.Process).Install([]trapnet.Trap{{Vaddr: addr}}); err != nil {
				c.log.Errorf("installing program breakpoint: %v", err)
			}
		}
		c.emit(protocol.Event{Kind: protocol.EventSetBreakpoint, Target: proc, Parent: machineHandle, U64: addr})
	case target.ExceptionCodeUnsetBreakpoint:
		addr := arg(0)
		delete(c.progBps[ev.Process], addr)
		if net, ok := r.nets[ev.Process]; ok {
			if err := net.Remove(addr); err != nil {
				c.log.Errorf("removing program breakpoint: %v", err)
			}
		}
		c.emit(protocol.Event{Kind: protocol.EventUnsetBreakpoint, Target: proc, Parent: machineHandle, U64: addr})
	default:
		return false
	}
	return true
}

const maxNameLen = 256

// readString reads a NUL terminated string of at most maxNameLen bytes.
func (c *Ctrl) readString(pid target.ID, addr uint64) string {
	buf := make([]byte, maxNameLen)
	n, _ := c.layer.ReadMemory(pid, addr, buf)
	buf = buf[:n]
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

func exceptionKind(ev target.Event) protocol.ExceptionKind {
	switch ev.Code {
	case target.ExceptionCodeAccessViolation:
		switch ev.Access {
		case target.AccessRead:
			return protocol.ExceptionKindMemoryRead
		case target.AccessWrite:
			return protocol.ExceptionKindMemoryWrite
		case target.AccessExecute:
			return protocol.ExceptionKindMemoryExecute
		}
	case target.ExceptionCodeCppThrow:
		return protocol.ExceptionKindCppThrow
	}
	return protocol.ExceptionKindNull
}

// stopAt builds the Stopped event for a stop of thread, or of the stepping
// thread when thread is zero.
func (c *Ctrl) stopAt(r *runState, cause protocol.Cause, thread target.ID) protocol.Event {
	if thread == 0 {
		thread = r.step
	}
	ev := protocol.Event{Cause: cause}
	if thread == 0 {
		return ev
	}
	t, ok := c.entity(handle(thread))
	if !ok {
		return ev
	}
	ev.Target = t.Handle
	ev.Arch = t.Arch
	ev.StackBase = t.StackBase
	ev.TLSRoot = t.TLSRoot
	if p, ok := c.processOf(t.Handle); ok {
		ev.Parent = p.Handle
	}
	if regs, err := c.layer.ReadRegisters(thread); err == nil {
		ev.RIP = regs.Rip
	}
	return ev
}

// errorStop ends a run that failed. Running out of processes is not a
// failure.
func (c *Ctrl) errorStop(r *runState, err error) protocol.Event {
	if len(c.processes()) == 0 {
		return c.stopAt(r, protocol.CauseFinished, 0)
	}
	c.log.Errorf("run failed: %v", err)
	stop := c.stopAt(r, protocol.CauseError, 0)
	stop.String = err.Error()
	return stop
}

// teardown restores every trap and spoofed return address. It runs before
// the run's events are flushed.
func (c *Ctrl) teardown(r *runState) {
	for pid, net := range r.nets {
		if err := net.Restore(); err != nil {
			c.log.Errorf("process %#x: %v", uint64(pid), err)
		}
	}
	if r.eng == nil {
		return
	}
	for _, s := range r.eng.DrainSpoofs() {
		if _, ok := c.entity(handle(s.Process)); !ok {
			continue
		}
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], s.Original)
		if err := c.layer.WriteMemory(s.Process, s.Vaddr, b[:]); err != nil {
			c.log.Errorf("restoring spoofed return address at %#x: %v", s.Vaddr, err)
		}
	}
}
