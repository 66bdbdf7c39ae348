package ctrl

import (
	"context"
	"testing"
	"time"

	"github.com/radctl/radctl/pkg/cache"
	"github.com/radctl/radctl/pkg/config"
	"github.com/radctl/radctl/pkg/entity"
	"github.com/radctl/radctl/pkg/image"
	"github.com/radctl/radctl/pkg/protocol"
	"github.com/radctl/radctl/pkg/regs"
	"github.com/radctl/radctl/pkg/target"
	"github.com/radctl/radctl/pkg/target/sim"
)

const testTimeout = 10 * time.Second

func assertNoError(err error, t testing.TB, s string) {
	t.Helper()
	if err != nil {
		t.Fatalf("failed assertion %s: %v", s, err)
	}
}

type harness struct {
	t   *testing.T
	m   *sim.Machine
	c   *Ctrl
	img *sim.Image
	id  uint64

	// Handles of the last launched process, its main thread and main
	// module.
	proc, thread, module target.Handle
	base                 uint64
}

func newHarness(t *testing.T, p *sim.Program) *harness {
	m := sim.New(sim.Config{})
	m.Install(p)
	c := New(config.Default(), m, m.DebugInfo())
	c.Start()
	t.Cleanup(c.Stop)
	return &harness{t: t, m: m, c: c, img: p.Main}
}

func demoHarness(t *testing.T, format image.Format) *harness {
	p, err := sim.DemoProgram(format)
	assertNoError(err, t, "DemoProgram")
	return newHarness(t, p)
}

func (h *harness) send(msg protocol.Message) {
	h.t.Helper()
	h.id++
	msg.ID = h.id
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	assertNoError(h.c.PushMessages(ctx, []protocol.Message{msg}), h.t, "PushMessages")
}

func (h *harness) events() []protocol.Event {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	evs, err := h.c.PopEvents(ctx)
	assertNoError(err, h.t, "PopEvents")
	return evs
}

// do sends msg and returns the event list its dispatch produced.
func (h *harness) do(msg protocol.Message) []protocol.Event {
	h.t.Helper()
	h.send(msg)
	return h.events()
}

// run sends msg and collects events up to and including Stopped.
func (h *harness) run(msg protocol.Message) ([]protocol.Event, protocol.Event) {
	h.t.Helper()
	h.send(msg)
	var all []protocol.Event
	for {
		evs := h.events()
		all = append(all, evs...)
		for _, ev := range evs {
			if ev.Kind == protocol.EventStopped {
				return all, ev
			}
		}
	}
}

func (h *harness) launch() []protocol.Event {
	h.t.Helper()
	evs := h.do(protocol.Message{Kind: protocol.MsgLaunch, Path: h.img.Path})
	h.thread = target.Handle{}
	for _, ev := range evs {
		switch ev.Kind {
		case protocol.EventError:
			h.t.Fatalf("launch: %s", ev.String)
		case protocol.EventNewProc:
			h.proc = ev.Target
		case protocol.EventNewThread:
			if h.thread.IsZero() {
				h.thread = ev.Target
			}
		case protocol.EventNewModule:
			if ev.String == h.img.Path {
				h.module = ev.Target
				h.base = ev.Range.Min
			}
		}
	}
	if h.proc.IsZero() || h.thread.IsZero() || h.base == 0 {
		h.t.Fatalf("incomplete launch events: %v", evs)
	}
	return evs
}

func (h *harness) lineAddr(file string, line uint32) uint64 {
	h.t.Helper()
	voff, ok := h.img.LineVoff(file, line)
	if !ok {
		h.t.Fatalf("no code for %s:%d", file, line)
	}
	return h.base + voff
}

func (h *harness) symbolAddr(name string) uint64 {
	h.t.Helper()
	voff, ok := h.img.Symbol(name)
	if !ok {
		h.t.Fatalf("no symbol %s", name)
	}
	return h.base + voff
}

func (h *harness) registers(th target.Handle) regs.AMD64 {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	sc := cache.OpenScope()
	defer sc.Close()
	r, info := h.c.ThreadRegisters(ctx, sc, th)
	if !info.Found || info.Err != nil {
		h.t.Fatalf("registers of %s: %+v", th, info)
	}
	return *r
}

func (h *harness) memory(rng target.Range) []byte {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	sc := cache.OpenScope()
	defer sc.Close()
	mem, info := h.c.ProcessMemory(ctx, sc, h.proc, rng, false)
	if !info.Found || info.Stale || info.Err != nil {
		h.t.Fatalf("memory %s: %+v", rng, info)
	}
	return append([]byte(nil), mem.Data...)
}

func (h *harness) breakAt(bps ...protocol.Breakpoint) protocol.Event {
	h.t.Helper()
	_, stop := h.run(protocol.Message{Kind: protocol.MsgRun, Breakpoints: bps})
	if stop.Cause != protocol.CauseUserBreakpoint {
		h.t.Fatalf("run stopped with %s (%s), want a user breakpoint", stop.Cause, stop.String)
	}
	return stop
}

func lineBreakpoint(line uint32) protocol.Breakpoint {
	return protocol.Breakpoint{Kind: protocol.BreakpointFileLine, Flags: protocol.BreakpointEnabled, File: sim.DemoFile, Line: line}
}

func count(evs []protocol.Event, kind protocol.EventKind) int {
	n := 0
	for _, ev := range evs {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func find(evs []protocol.Event, kind protocol.EventKind) (protocol.Event, int) {
	for i, ev := range evs {
		if ev.Kind == kind {
			return ev, i
		}
	}
	return protocol.Event{}, -1
}

func TestLaunchAndSingleStep(t *testing.T) {
	for _, format := range []image.Format{image.FormatELF, image.FormatPE} {
		t.Run(format.String(), func(t *testing.T) {
			h := demoHarness(t, format)
			evs := h.launch()
			if evs[0].Kind != protocol.EventStarted || count(evs, protocol.EventStarted) != 1 {
				t.Fatalf("launch events %v", evs)
			}
			np, _ := find(evs, protocol.EventNewProc)
			if np.Arch != target.ArchX64 && np.Arch != target.ArchNull {
				t.Errorf("process arch %s", np.Arch)
			}
			nt, _ := find(evs, protocol.EventNewThread)
			entry := h.base + h.img.Entry
			if nt.RIP != entry || nt.StackBase == 0 || nt.TLSRoot == 0 {
				t.Errorf("new thread %+v", nt)
			}
			for _, ev := range evs {
				if ev.MsgID != 1 {
					t.Errorf("%s stamped with message %d", ev.Kind, ev.MsgID)
				}
			}

			sc := h.c.Entities().OpenScope()
			p, ok := sc.FromHandle(h.proc)
			if !ok || p.Kind != entity.KindProcess || p.OSID != np.EntityID {
				t.Errorf("process entity %+v", p)
			}
			if n := len(sc.ChildrenOfKind(p.ID, entity.KindThread)); n != 1 {
				t.Errorf("%d threads", n)
			}
			sc.Close()

			all, stop := h.run(protocol.Message{Kind: protocol.MsgSingleStep, Target: h.thread})
			if count(all, protocol.EventStarted) != 0 || count(all, protocol.EventStopped) != 1 {
				t.Fatalf("single step events %v", all)
			}
			if stop.Cause != protocol.CauseFinished || stop.Target != h.thread || stop.Parent != h.proc {
				t.Fatalf("stop %+v", stop)
			}
			// push rbp
			if stop.RIP != entry+1 {
				t.Errorf("rip %#x after one step from %#x", stop.RIP, entry)
			}
			if r := h.registers(h.thread); r.Rip != stop.RIP {
				t.Errorf("register cache rip %#x, stop rip %#x", r.Rip, stop.RIP)
			}

			// The next run opens a new session.
			all, _ = h.run(protocol.Message{Kind: protocol.MsgSingleStep, Target: h.thread})
			if count(all, protocol.EventStarted) != 1 {
				t.Errorf("second session events %v", all)
			}
		})
	}
}

func TestRunToExit(t *testing.T) {
	h := demoHarness(t, image.FormatELF)
	h.launch()
	all, stop := h.run(protocol.Message{Kind: protocol.MsgRun})
	if stop.Cause != protocol.CauseFinished || stop.U64 != sim.DemoExitCode {
		t.Fatalf("stop %+v", stop)
	}
	if ev, _ := find(all, protocol.EventDebugString); ev.String != "hello from demo" {
		t.Errorf("debug string %q", ev.String)
	}
	if ev, _ := find(all, protocol.EventThreadName); ev.String != "main" || ev.Target != h.thread {
		t.Errorf("thread name %+v", ev)
	}
	if n := count(all, protocol.EventNewThread); n != 1 {
		t.Errorf("%d new threads", n)
	}
	lib, libAt := -1, -1
	for i, ev := range all {
		if ev.Kind == protocol.EventNewModule && ev.String == sim.DemoLibPath {
			lib = i
		}
		if ev.Kind == protocol.EventEndModule && ev.String == sim.DemoLibPath {
			libAt = i
		}
	}
	end, endAt := find(all, protocol.EventEndProc)
	if lib < 0 || libAt < 0 || endAt < libAt {
		t.Errorf("library events at %d and %d, process end at %d", lib, libAt, endAt)
	}
	if end.Target != h.proc || end.U64 != sim.DemoExitCode {
		t.Errorf("end proc %+v", end)
	}
	if count(all, protocol.EventEndThread) != 2 {
		t.Errorf("thread ends: %d", count(all, protocol.EventEndThread))
	}
	if ps := h.c.processes(); len(ps) != 0 {
		t.Errorf("%d processes left in the store", len(ps))
	}
}

func TestUserBreakpointHitCount(t *testing.T) {
	h := demoHarness(t, image.FormatPE)
	h.launch()
	addr := h.lineAddr(sim.DemoFile, 21)

	bp := lineBreakpoint(21)
	for i, n := range []uint64{5, 4, 3} {
		stop := h.breakAt(bp)
		if stop.RIP != addr || stop.U64 != 0 || stop.HitCount != uint64(i+1) || stop.BreakpointFlags != protocol.BreakpointEnabled {
			t.Fatalf("hit %d: %+v", i, stop)
		}
		if r := h.registers(stop.Target); r.Rdi != n {
			t.Errorf("hit %d: n = %d, want %d", i, r.Rdi, n)
		}
		bp.HitCount = stop.HitCount
	}

	voff := addr - h.base
	if got := h.memory(target.Range{Min: addr, Max: addr + 1}); got[0] != h.img.Data[voff] {
		t.Errorf("byte at breakpoint %#x, want %#x", got[0], h.img.Data[voff])
	}

	bp.Flags = 0
	if _, stop := h.run(protocol.Message{Kind: protocol.MsgRun, Breakpoints: []protocol.Breakpoint{bp}}); stop.Cause != protocol.CauseFinished {
		t.Errorf("disabled breakpoint stopped the run: %+v", stop)
	}
}

func TestBreakpointOnSymbol(t *testing.T) {
	h := demoHarness(t, image.FormatELF)
	h.launch()
	stop := h.breakAt(
		protocol.Breakpoint{Kind: protocol.BreakpointSymbol, Flags: protocol.BreakpointEnabled, Symbol: "nosuchfunc"},
		protocol.Breakpoint{Kind: protocol.BreakpointSymbol, Flags: protocol.BreakpointEnabled, Symbol: "sum"},
	)
	if stop.RIP != h.symbolAddr("sum") || stop.U64 != 1 {
		t.Fatalf("stop %+v", stop)
	}
}

func TestTrapsRestored(t *testing.T) {
	h := demoHarness(t, image.FormatPE)
	h.launch()
	rng := target.Range{Min: h.base, Max: h.base + uint64(len(h.img.Data))}
	before := h.memory(rng)

	var bps []protocol.Breakpoint
	for _, l := range h.img.Debug.Lines {
		if l.File == sim.DemoFile && l.Line >= 20 {
			bps = append(bps, protocol.Breakpoint{Kind: protocol.BreakpointAddress, Flags: protocol.BreakpointEnabled, Address: h.base + l.Range.Min})
		}
	}
	if len(bps) < 4 {
		t.Fatalf("only %d breakpoints", len(bps))
	}
	h.breakAt(bps...)

	after := h.memory(rng)
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("byte at %#x changed from %#x to %#x", rng.Min+uint64(i), before[i], after[i])
		}
	}
}

func TestStepOverLineThroughRecursion(t *testing.T) {
	h := demoHarness(t, image.FormatPE)
	h.launch()
	stop := h.breakAt(lineBreakpoint(21))
	sp := h.registers(stop.Target).Rsp

	traps, err := h.c.TrapNetStepOverLine(context.Background(), stop.Target)
	assertNoError(err, t, "TrapNetStepOverLine")
	if len(traps) < 2 {
		t.Fatalf("traps %v", traps)
	}

	_, stop = h.run(protocol.Message{Kind: protocol.MsgRun, Target: h.thread, Traps: traps})
	if stop.Cause != protocol.CauseFinished {
		t.Fatalf("step over stopped with %s: %s", stop.Cause, stop.String)
	}
	if want := h.lineAddr(sim.DemoFile, 22); stop.RIP != want {
		t.Fatalf("rip %#x, want %#x", stop.RIP, want)
	}
	r := h.registers(h.thread)
	if r.Rax != 10 || r.Rsp != sp {
		t.Errorf("rax %d (want sum(4) = 10), rsp %#x (want %#x)", r.Rax, r.Rsp, sp)
	}
	if _, stop = h.run(protocol.Message{Kind: protocol.MsgRun}); stop.Cause != protocol.CauseFinished || stop.U64 != sim.DemoExitCode {
		t.Errorf("program disturbed by the step: %+v", stop)
	}
}

func TestStepIntoLine(t *testing.T) {
	h := demoHarness(t, image.FormatPE)
	h.launch()
	h.breakAt(lineBreakpoint(10))
	traps, err := h.c.TrapNetStepIntoLine(context.Background(), h.thread)
	assertNoError(err, t, "TrapNetStepIntoLine")
	_, stop := h.run(protocol.Message{Kind: protocol.MsgRun, Target: h.thread, Traps: traps})
	if stop.Cause != protocol.CauseFinished || stop.RIP != h.symbolAddr("sum") {
		t.Fatalf("stop %+v, want sum at %#x", stop, h.symbolAddr("sum"))
	}
}

func TestStepOverInst(t *testing.T) {
	h := demoHarness(t, image.FormatELF)
	h.launch()
	h.breakAt(lineBreakpoint(10))

	// mov rdi, 5
	traps, err := h.c.TrapNetStepOverInst(context.Background(), h.thread)
	assertNoError(err, t, "TrapNetStepOverInst")
	_, stop := h.run(protocol.Message{Kind: protocol.MsgRun, Target: h.thread, Traps: traps})
	if stop.Cause != protocol.CauseFinished || h.registers(h.thread).Rdi != 5 {
		t.Fatalf("first step: %+v", stop)
	}

	// call sum
	traps, err = h.c.TrapNetStepOverInst(context.Background(), h.thread)
	assertNoError(err, t, "TrapNetStepOverInst")
	_, stop = h.run(protocol.Message{Kind: protocol.MsgRun, Target: h.thread, Traps: traps})
	if want := h.lineAddr("demo.h", 3); stop.Cause != protocol.CauseFinished || stop.RIP != want {
		t.Fatalf("second step: %+v, want rip %#x", stop, want)
	}
	if r := h.registers(h.thread); r.Rax != 15 {
		t.Errorf("sum(5) = %d", r.Rax)
	}
}

func TestStepOut(t *testing.T) {
	h := demoHarness(t, image.FormatPE)
	h.launch()
	h.breakAt(lineBreakpoint(23))

	traps, err := h.c.TrapNetStepOut(context.Background(), h.thread)
	assertNoError(err, t, "TrapNetStepOut")
	_, stop := h.run(protocol.Message{Kind: protocol.MsgRun, Target: h.thread, Traps: traps})
	if want := h.lineAddr(sim.DemoFile, 22); stop.Cause != protocol.CauseFinished || stop.RIP != want {
		t.Fatalf("stop %+v, want rip %#x", stop, want)
	}
	if r := h.registers(h.thread); r.Rax != 1 {
		t.Errorf("sum(1) = %d", r.Rax)
	}
}

func TestCallStack(t *testing.T) {
	h := demoHarness(t, image.FormatPE)
	h.launch()
	h.breakAt(lineBreakpoint(23))

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	sc := cache.OpenScope()
	defer sc.Close()
	cs, info := h.c.CallStack(ctx, sc, h.thread)
	if !info.Found || info.Err != nil {
		t.Fatalf("call stack: %+v", info)
	}
	// sum(1) sum(2) sum(3) sum(4) sum(5) main
	if len(cs.Frames) != 6 {
		for _, l := range cs.Locations() {
			t.Log(l)
		}
		t.Fatalf("%d frames", len(cs.Frames))
	}
	for i, f := range cs.Frames {
		want := "sum"
		if i == 5 {
			want = "main"
		}
		if !f.HasSymbol || f.Symbol.Name != want {
			t.Errorf("frame %d: %q, want %q", i, f.Symbol.Name, want)
		}
	}
	if f := cs.Frames[0]; !f.HasLine || f.Line.Line != 23 {
		t.Errorf("innermost line %d", f.Line.Line)
	}

	ii, info := h.c.ModuleImageInfo(ctx, sc, h.module)
	if !info.Found || ii.Format != image.FormatPE {
		t.Errorf("image info %+v %+v", ii, info)
	}
	if h.c.PrefetchCallStack(ctx, h.thread) {
		t.Error("prefetch of a fresh call stack started new work")
	}
}

func TestEntryPoints(t *testing.T) {
	h := demoHarness(t, image.FormatELF)
	h.launch()
	h.send(protocol.Message{Kind: protocol.MsgSetEntryPoints, EntryPoints: []string{"nosuchfunc", "sum"}})
	_, stop := h.run(protocol.Message{Kind: protocol.MsgRun, RunFlags: protocol.RunFlagStopOnEntryPoint})
	if stop.Cause != protocol.CauseFinished || stop.RIP != h.symbolAddr("sum") {
		t.Fatalf("stop %+v, want sum at %#x", stop, h.symbolAddr("sum"))
	}
	if got := h.c.entryPointNames(); len(got) != 2 || got[1] != "sum" {
		t.Errorf("entry points %v", got)
	}
}

func TestHaltAndFreeze(t *testing.T) {
	h := demoHarness(t, image.FormatELF)
	h.launch()
	evs := h.do(protocol.Message{Kind: protocol.MsgFreezeThread, Target: h.thread})
	if len(evs) != 1 || evs[0].Kind != protocol.EventThreadFrozen || evs[0].Target != h.thread || evs[0].Parent != h.proc {
		t.Fatalf("freeze events %v", evs)
	}
	th, _ := h.c.entity(h.thread)
	if !th.Frozen() {
		t.Fatal("thread entity not frozen")
	}
	before := h.registers(h.thread)

	_, stop := h.run(protocol.Message{Kind: protocol.MsgSingleStep, Target: h.thread})
	if stop.Cause != protocol.CauseError {
		t.Errorf("single step of a frozen thread: %+v", stop)
	}

	h.send(protocol.Message{Kind: protocol.MsgRun})
	deadline := time.Now().Add(testTimeout)
	for !h.c.Running() {
		if time.Now().After(deadline) {
			t.Fatal("run never started")
		}
		time.Sleep(time.Millisecond)
	}
	if err := h.c.WriteMemory(h.proc, h.base, []byte{0}); err != ErrRunning {
		t.Errorf("write while running: %v", err)
	}
	h.c.HaltAll()
	for stop.Kind = 0; stop.Kind != protocol.EventStopped; {
		for _, ev := range h.events() {
			if ev.Kind == protocol.EventStopped {
				stop = ev
			}
		}
	}
	if stop.Cause != protocol.CauseInterruptedByHalt {
		t.Fatalf("stop %+v", stop)
	}
	if after := h.registers(h.thread); after.Rip != before.Rip {
		t.Errorf("frozen thread moved from %#x to %#x", before.Rip, after.Rip)
	}

	evs = h.do(protocol.Message{Kind: protocol.MsgThawThread, Target: h.thread})
	if len(evs) != 1 || evs[0].Kind != protocol.EventThreadThawed {
		t.Fatalf("thaw events %v", evs)
	}
	if th, _ = h.c.entity(h.thread); th.Frozen() {
		t.Fatal("thread entity still frozen")
	}
}

func avProgram(t *testing.T) *sim.Program {
	a := sim.NewAsm()
	a.Func("main", 0)
	a.Line("av.c", 1)
	a.MovImm(regs.RCX, 0x10)
	a.Load(regs.RAX, regs.RCX, 0)
	a.Ret()
	a.EndFunc()
	img, err := a.Build(sim.BuildConfig{Path: "av", Format: image.FormatELF})
	assertNoError(err, t, "Build")
	return &sim.Program{Main: img}
}

func TestExceptionFilter(t *testing.T) {
	var filter protocol.ExceptionFilter
	filter.Set(protocol.ExceptionCodeAccessViolation)

	h := newHarness(t, avProgram(t))
	h.launch()
	_, stop := h.run(protocol.Message{Kind: protocol.MsgRun, ExceptionFilter: filter})
	if stop.Cause != protocol.CauseInterruptedByException || stop.ExceptionCode != target.ExceptionCodeAccessViolation ||
		stop.ExceptionKind != protocol.ExceptionKindMemoryRead || stop.U64 != 0x10 {
		t.Fatalf("first chance stop %+v", stop)
	}
	// The exception is passed on and comes back as second chance.
	_, stop = h.run(protocol.Message{Kind: protocol.MsgRun, ExceptionFilter: filter})
	if stop.Cause != protocol.CauseInterruptedByException || stop.ExceptionCode != target.ExceptionCodeAccessViolation {
		t.Fatalf("second chance stop %+v", stop)
	}
	all, stop := h.run(protocol.Message{Kind: protocol.MsgRun, ExceptionFilter: filter})
	if stop.Cause != protocol.CauseFinished || stop.U64 != uint64(target.ExceptionCodeAccessViolation) {
		t.Fatalf("final stop %+v", stop)
	}
	if count(all, protocol.EventEndProc) != 1 {
		t.Errorf("events %v", all)
	}
}

func TestExceptionNotInFilter(t *testing.T) {
	h := newHarness(t, avProgram(t))
	h.launch()
	_, stop := h.run(protocol.Message{Kind: protocol.MsgRun})
	if stop.Cause != protocol.CauseInterruptedByException || stop.ExceptionKind != protocol.ExceptionKindMemoryRead {
		t.Fatalf("stop %+v", stop)
	}
}

func TestProgramBreakpoint(t *testing.T) {
	a := sim.NewAsm()
	a.Func("main", 0)
	a.Line("bp.c", 1)
	a.LeaText(regs.RSI, "target")
	a.MovImm(regs.RDI, uint64(target.ExceptionCodeSetBreakpoint))
	a.Sys(sim.SysRaise)
	a.Line("bp.c", 2)
	a.Call("target")
	a.MovImm(regs.RAX, 0)
	a.Ret()
	a.EndFunc()
	a.Func("target", 0)
	a.Line("bp.c", 5)
	a.Nop()
	a.Ret()
	a.EndFunc()
	img, err := a.Build(sim.BuildConfig{Path: "bp", Format: image.FormatELF, Entry: "main"})
	assertNoError(err, t, "Build")

	h := newHarness(t, &sim.Program{Main: img})
	h.launch()
	addr := h.symbolAddr("target")
	all, stop := h.run(protocol.Message{Kind: protocol.MsgRun})
	set, _ := find(all, protocol.EventSetBreakpoint)
	if set.U64 != addr || set.Target != h.proc {
		t.Errorf("set breakpoint event %+v", set)
	}
	if stop.Cause != protocol.CauseInterruptedByTrap || stop.RIP != addr {
		t.Fatalf("stop %+v, want trap at %#x", stop, addr)
	}
	_, stop = h.run(protocol.Message{Kind: protocol.MsgRun})
	if stop.Cause != protocol.CauseFinished {
		t.Fatalf("resume stop %+v", stop)
	}
}

func TestKillDetach(t *testing.T) {
	h := demoHarness(t, image.FormatELF)
	h.launch()
	first := h.proc
	h.launch()
	second := h.proc

	evs := h.do(protocol.Message{Kind: protocol.MsgKill, Target: first, ExitCode: 9})
	end, at := find(evs, protocol.EventEndProc)
	if at != len(evs)-1 || end.Target != first || end.U64 != 9 {
		t.Fatalf("kill events %v", evs)
	}
	if count(evs, protocol.EventEndThread) != 1 || count(evs, protocol.EventEndModule) != 1 {
		t.Errorf("kill events %v", evs)
	}

	evs = h.do(protocol.Message{Kind: protocol.MsgDetach, Target: second})
	if end, _ = find(evs, protocol.EventEndProc); end.Target != second {
		t.Fatalf("detach events %v", evs)
	}
	if ps := h.c.processes(); len(ps) != 0 {
		t.Errorf("%d processes left", len(ps))
	}

	evs = h.do(protocol.Message{Kind: protocol.MsgKill, Target: first})
	if len(evs) != 1 || evs[0].Kind != protocol.EventError {
		t.Errorf("kill of a dead process: %v", evs)
	}
}

func TestKillAll(t *testing.T) {
	h := demoHarness(t, image.FormatELF)
	h.launch()
	h.launch()
	evs := h.do(protocol.Message{Kind: protocol.MsgKillAll, ExitCode: 1})
	if count(evs, protocol.EventEndProc) != 2 {
		t.Fatalf("kill all events %v", evs)
	}
	if ps := h.c.processes(); len(ps) != 0 {
		t.Errorf("%d processes left", len(ps))
	}
}

func TestAttach(t *testing.T) {
	h := demoHarness(t, image.FormatELF)
	pid, err := h.m.Spawn(sim.DemoPath)
	assertNoError(err, t, "Spawn")
	evs := h.do(protocol.Message{Kind: protocol.MsgAttach, EntityID: pid})
	np, _ := find(evs, protocol.EventNewProc)
	if count(evs, protocol.EventStarted) != 1 || np.EntityID != pid {
		t.Fatalf("attach events %v", evs)
	}
	evs = h.do(protocol.Message{Kind: protocol.MsgAttach, EntityID: pid})
	if _, at := find(evs, protocol.EventError); at < 0 {
		t.Errorf("second attach succeeded: %v", evs)
	}
}

func TestSetModuleDebugPath(t *testing.T) {
	h := demoHarness(t, image.FormatELF)
	h.launch()
	g := h.c.Generations()
	evs := h.do(protocol.Message{Kind: protocol.MsgSetModuleDebugPath, Target: h.module, Path: "/nowhere/demo.debug"})
	if len(evs) != 1 || evs[0].Kind != protocol.EventModuleDebugInfoPathChange || evs[0].String != "/nowhere/demo.debug" || evs[0].Parent != h.proc {
		t.Fatalf("events %v", evs)
	}
	if h.c.Generations().Memory <= g.Memory {
		t.Error("memory generation did not advance")
	}
	sc := h.c.Entities().OpenScope()
	m, _ := sc.FromHandle(h.module)
	path := sc.DebugInfoPath(m.ID)
	sc.Close()
	if path != "/nowhere/demo.debug" {
		t.Errorf("debug info path %q", path)
	}
	// Source breakpoints no longer resolve.
	if _, stop := h.run(protocol.Message{Kind: protocol.MsgRun, Breakpoints: []protocol.Breakpoint{lineBreakpoint(21)}}); stop.Cause != protocol.CauseFinished {
		t.Errorf("stop %+v", stop)
	}
}

func TestWritesAdvanceGenerations(t *testing.T) {
	h := demoHarness(t, image.FormatELF)
	h.launch()
	g := h.c.Generations()
	addr := h.lineAddr(sim.DemoFile, 31)
	assertNoError(h.c.WriteMemory(h.proc, addr, []byte{0x90}), t, "WriteMemory")
	if h.c.Generations().Memory != g.Memory+1 {
		t.Errorf("memory generation %d, was %d", h.c.Generations().Memory, g.Memory)
	}
	if got := h.memory(target.Range{Min: addr, Max: addr + 1}); got[0] != 0x90 {
		t.Errorf("read back %#x", got[0])
	}

	r := h.registers(h.thread)
	r.Rdi = 0x1234
	assertNoError(h.c.WriteRegisters(h.thread, &r), t, "WriteRegisters")
	if h.c.Generations().Register != g.Register+1 {
		t.Error("register generation did not advance")
	}
	if got := h.registers(h.thread); got.Rdi != 0x1234 {
		t.Errorf("rdi %#x", got.Rdi)
	}

	h.run(protocol.Message{Kind: protocol.MsgSingleStep, Target: h.thread})
	if ng := h.c.Generations(); ng.Run < g.Run+2 {
		t.Errorf("run generation %d, was %d", ng.Run, g.Run)
	}
}

func TestUnknownTarget(t *testing.T) {
	h := demoHarness(t, image.FormatELF)
	bogus := target.Handle{Machine: target.LocalMachine, ID: 0xdead}
	for _, kind := range []protocol.MessageKind{protocol.MsgKill, protocol.MsgDetach, protocol.MsgFreezeThread, protocol.MsgSetModuleDebugPath} {
		evs := h.do(protocol.Message{Kind: kind, Target: bogus})
		if len(evs) != 1 || evs[0].Kind != protocol.EventError || evs[0].Target != bogus {
			t.Errorf("%s: %v", kind, evs)
		}
	}
	evs := h.do(protocol.Message{Kind: protocol.MsgLaunch, Path: "missing"})
	if _, at := find(evs, protocol.EventError); at < 0 {
		t.Errorf("launch of a missing program: %v", evs)
	}
}

func TestFailedLaunchClosesSession(t *testing.T) {
	h := demoHarness(t, image.FormatELF)
	evs := h.do(protocol.Message{Kind: protocol.MsgLaunch, Path: "missing"})
	started, si := find(evs, protocol.EventStarted)
	stop, ti := find(evs, protocol.EventStopped)
	_, ei := find(evs, protocol.EventError)
	if si < 0 || ti < si || ei < 0 {
		t.Fatalf("failed launch events %v", evs)
	}
	if stop.Cause != protocol.CauseError || stop.String == "" || started.MsgID != stop.MsgID {
		t.Errorf("stop %+v", stop)
	}

	// The next launch opens a new session.
	evs = h.launch()
	if count(evs, protocol.EventStarted) != 1 || count(evs, protocol.EventStopped) != 0 {
		t.Errorf("launch after failure %v", evs)
	}

	// A failed launch with a process still tracked leaves the session open.
	evs = h.do(protocol.Message{Kind: protocol.MsgLaunch, Path: "missing"})
	if count(evs, protocol.EventStarted) != 0 || count(evs, protocol.EventStopped) != 0 {
		t.Errorf("second failed launch %v", evs)
	}
}
