package sim

import (
	"context"
	"testing"
	"time"

	"github.com/radctl/radctl/pkg/image"
	"github.com/radctl/radctl/pkg/regs"
	"github.com/radctl/radctl/pkg/target"
	"github.com/radctl/radctl/pkg/unwind"
)

func assertNoError(err error, t *testing.T, s string) {
	t.Helper()
	if err != nil {
		t.Fatalf("failed assertion %s: %v", s, err)
	}
}

func launchDemo(t *testing.T, format image.Format) (*Machine, target.ID, uint64) {
	t.Helper()
	m, err := NewDemo(Config{}, format)
	assertNoError(err, t, "NewDemo")
	pid, err := m.Launch(target.LaunchConfig{Path: DemoPath})
	assertNoError(err, t, "Launch")
	var base uint64
	for {
		ev, err := m.Run(target.RunControl{})
		assertNoError(err, t, "Run")
		if ev.Kind == target.EventLoadModule && ev.String == DemoPath {
			base = ev.Address
		}
		if ev.Kind == target.EventHandshakeComplete {
			break
		}
	}
	if base == 0 {
		t.Fatal("no load event for the main module")
	}
	return m, pid, base
}

func mainThread(t *testing.T, m *Machine, pid target.ID) target.ID {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.procs[pid].threads[0].id
}

func TestDemoRunsToExit(t *testing.T) {
	m, pid, _ := launchDemo(t, image.FormatELF)
	var (
		debugString string
		threadName  string
		newThreads  int
		libLoaded   bool
		exitCode    uint32
	)
	for done := false; !done; {
		ev, err := m.Run(target.RunControl{})
		assertNoError(err, t, "Run")
		switch ev.Kind {
		case target.EventDebugString:
			debugString = ev.String
		case target.EventException:
			if ev.Code != target.ExceptionCodeSetThreadName {
				t.Fatalf("unexpected exception %v", ev)
			}
			buf := make([]byte, 4)
			_, err := m.ReadMemory(pid, ev.Args[1], buf)
			assertNoError(err, t, "ReadMemory(name)")
			threadName = string(buf)
		case target.EventCreateThread:
			newThreads++
		case target.EventLoadModule:
			libLoaded = ev.String == DemoLibPath
		case target.EventExitProcess:
			exitCode = ev.Code
			done = true
		}
	}
	if debugString != "hello from demo" {
		t.Errorf("debug string %q", debugString)
	}
	if threadName != "main" {
		t.Errorf("thread name %q", threadName)
	}
	if newThreads != 1 || !libLoaded {
		t.Errorf("threads created %d, library loaded %v", newThreads, libLoaded)
	}
	if exitCode != DemoExitCode {
		t.Errorf("exit code %d, want %d", exitCode, DemoExitCode)
	}
	if _, err := m.Run(target.RunControl{}); err != ErrNoProcesses {
		t.Errorf("Run after exit: %v", err)
	}
}

func TestBreakpointInstruction(t *testing.T) {
	m, pid, base := launchDemo(t, image.FormatELF)
	voff, ok := m.programs[DemoPath].Main.Symbol("sum")
	if !ok {
		t.Fatal("no sum symbol")
	}
	addr := base + voff
	assertNoError(m.WriteMemory(pid, addr, []byte{0xCC}), t, "WriteMemory")
	ev, err := m.Run(target.RunControl{})
	assertNoError(err, t, "Run")
	if ev.Kind != target.EventBreakpoint || ev.Address != addr || ev.IP != addr+1 {
		t.Fatalf("got %v ip=%#x, want breakpoint at %#x", ev, ev.IP, addr)
	}
}

func TestSingleStep(t *testing.T) {
	m, pid, _ := launchDemo(t, image.FormatELF)
	th := mainThread(t, m, pid)
	before, err := m.ReadRegisters(th)
	assertNoError(err, t, "ReadRegisters")
	ev, err := m.Run(target.RunControl{SingleStepThread: th})
	assertNoError(err, t, "Run")
	if ev.Kind != target.EventSingleStep || ev.Thread != th {
		t.Fatalf("got %v", ev)
	}
	after, err := m.ReadRegisters(th)
	assertNoError(err, t, "ReadRegisters")
	// push rbp
	if after.Rip != before.Rip+1 || after.Rsp != before.Rsp-8 {
		t.Errorf("rip %#x->%#x rsp %#x->%#x", before.Rip, after.Rip, before.Rsp, after.Rsp)
	}
}

func TestAccessViolation(t *testing.T) {
	a := NewAsm()
	a.Func("main", 0)
	a.Line("av.c", 1)
	a.MovImm(regs.RCX, 0x10)
	a.Load(regs.RAX, regs.RCX, 0)
	a.Ret()
	a.EndFunc()
	img, err := a.Build(BuildConfig{Path: "av", Format: image.FormatELF})
	assertNoError(err, t, "Build")
	m := New(Config{})
	m.Install(&Program{Main: img})
	_, err = m.Launch(target.LaunchConfig{Path: "av"})
	assertNoError(err, t, "Launch")

	var ev target.Event
	for ev.Kind != target.EventException {
		ev, err = m.Run(target.RunControl{})
		assertNoError(err, t, "Run")
	}
	if ev.Code != target.ExceptionCodeAccessViolation || ev.Access != target.AccessRead || ev.Address != 0x10 || !ev.FirstChance {
		t.Fatalf("first chance: %v access=%d", ev, ev.Access)
	}
	ev, err = m.Run(target.RunControl{PassException: true})
	assertNoError(err, t, "Run(pass)")
	if ev.Kind != target.EventException || ev.FirstChance {
		t.Fatalf("second chance: %v", ev)
	}
	var exit target.Event
	for exit.Kind != target.EventExitProcess {
		exit, err = m.Run(target.RunControl{PassException: true})
		assertNoError(err, t, "Run(pass)")
	}
	if exit.Code != target.ExceptionCodeAccessViolation {
		t.Errorf("exit code %#x", exit.Code)
	}
}

func TestNegativeDisplacement(t *testing.T) {
	a := NewAsm()
	a.Func("main", 16)
	a.Line("neg.c", 1)
	a.MovImm(regs.RCX, 0x1234)
	a.Store(regs.RBP, -8, regs.RCX)
	a.Lea(regs.RDX, regs.RBP, -16)
	a.Load(regs.RAX, regs.RDX, 8)
	a.Ret()
	a.EndFunc()
	img, err := a.Build(BuildConfig{Path: "neg", Format: image.FormatELF})
	assertNoError(err, t, "Build")
	m := New(Config{})
	m.Install(&Program{Main: img})
	_, err = m.Launch(target.LaunchConfig{Path: "neg"})
	assertNoError(err, t, "Launch")

	for {
		ev, err := m.Run(target.RunControl{})
		assertNoError(err, t, "Run")
		switch ev.Kind {
		case target.EventException:
			t.Fatalf("unexpected exception %v at %#x", ev, ev.Address)
		case target.EventExitProcess:
			if ev.Code != 0x1234 {
				t.Fatalf("exit code %#x, want %#x", ev.Code, 0x1234)
			}
			return
		}
	}
}

func TestSwallowedExceptionRetries(t *testing.T) {
	a := NewAsm()
	a.Func("main", 0)
	a.Ud2()
	a.Ret()
	a.EndFunc()
	img, err := a.Build(BuildConfig{Path: "ud", Format: image.FormatELF})
	assertNoError(err, t, "Build")
	m := New(Config{})
	m.Install(&Program{Main: img})
	_, err = m.Launch(target.LaunchConfig{Path: "ud"})
	assertNoError(err, t, "Launch")
	var ips []uint64
	for len(ips) < 2 {
		ev, err := m.Run(target.RunControl{})
		assertNoError(err, t, "Run")
		if ev.Kind == target.EventException {
			if ev.Code != target.ExceptionCodeIllegalInstruction {
				t.Fatalf("code %#x", ev.Code)
			}
			ips = append(ips, ev.IP)
		}
	}
	if ips[0] != ips[1] {
		t.Errorf("faulting instruction moved: %#x %#x", ips[0], ips[1])
	}
}

func TestHaltIdle(t *testing.T) {
	m, pid, _ := launchDemo(t, image.FormatELF)
	th := mainThread(t, m, pid)
	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Halt()
	}()
	ev, err := m.Run(target.RunControl{Frozen: map[target.ID]bool{th: true}})
	assertNoError(err, t, "Run")
	if ev.Kind != target.EventHalt {
		t.Fatalf("got %v", ev)
	}
	r, err := m.ReadRegisters(th)
	assertNoError(err, t, "ReadRegisters")
	if r.Rip != base(m, pid)+m.programs[DemoPath].Main.Entry {
		t.Errorf("frozen thread moved to %#x", r.Rip)
	}
}

func base(m *Machine, pid target.ID) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.procs[pid].modules[0].base
}

type moduleList []*unwind.Module

func (ml moduleList) ModuleFromVaddr(vaddr uint64) (*unwind.Module, bool) {
	for _, m := range ml {
		if m.Contains(vaddr) {
			return m, true
		}
	}
	return nil, false
}

func TestUnwindDemo(t *testing.T) {
	for _, format := range []image.Format{image.FormatPE, image.FormatELF} {
		t.Run(format.String(), func(t *testing.T) {
			m, pid, modBase := launchDemo(t, format)
			img := m.programs[DemoPath].Main
			voff, ok := img.LineVoff(DemoFile, 23)
			if !ok {
				t.Fatal("no code for line 23")
			}
			addr := modBase + voff
			var orig [1]byte
			_, err := m.ReadMemory(pid, addr, orig[:])
			assertNoError(err, t, "ReadMemory")
			assertNoError(m.WriteMemory(pid, addr, []byte{0xCC}), t, "WriteMemory")
			var ev target.Event
			for ev.Kind != target.EventBreakpoint {
				ev, err = m.Run(target.RunControl{})
				assertNoError(err, t, "Run")
			}
			assertNoError(m.WriteMemory(pid, addr, orig[:]), t, "WriteMemory")
			r, err := m.ReadRegisters(ev.Thread)
			assertNoError(err, t, "ReadRegisters")
			r.Rip = addr

			mem := target.ProcessMemory(m, pid)
			info, err := image.Read(mem, modBase)
			assertNoError(err, t, "image.Read")
			if info.Format != format {
				t.Fatalf("format %v", info.Format)
			}
			if format == image.FormatPE && info.PData.Size() == 0 {
				t.Fatal("no exception directory")
			}
			mods := moduleList{{Base: modBase, Info: info}}
			u := unwind.Full(context.Background(), unwind.ReaderMemory{R: mem}, mods, r, 0)
			if u.Flags != 0 {
				t.Fatalf("unwind flags %v", u.Flags)
			}
			// sum(1) sum(2) sum(3) sum(4) sum(5) main
			if len(u.Frames) != 6 {
				for i, f := range u.Frames {
					t.Logf("%d %#x", i, f.Regs.Rip)
				}
				t.Fatalf("got %d frames", len(u.Frames))
			}
			mainVoff, _ := img.Symbol("main")
			if last := u.Frames[5].Regs.Rip - modBase; last < mainVoff {
				t.Errorf("outermost frame at voff %#x, main starts at %#x", last, mainVoff)
			}
		})
	}
}
