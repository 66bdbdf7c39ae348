package sim

import (
	"github.com/radctl/radctl/pkg/image"
	"github.com/radctl/radctl/pkg/regs"
	"github.com/radctl/radctl/pkg/target"
)

// Paths of the demo program and its library.
const (
	DemoPath    = "demo"
	DemoLibPath = "libdemo.so"
	DemoFile    = "demo.c"
)

// DemoExitCode is the exit code of an undisturbed demo run.
const DemoExitCode = 30

// DemoProgram assembles the demo program. Its main function computes a
// recursive sum, doubles it in an inlined helper, names its thread, starts
// a worker thread, loads libdemo.so and exits with the result:
//
//	10  r = sum(5)
//	11  r = twice(r)        // inlined, demo.h:3
//	12  debug_string("hello from demo")
//	13  set_thread_name("main")
//	14  thread_create(worker, 3)
//	15  load_module(0)
//	16  return r
//
//	20  if n <= 1 goto base
//	21  r = sum(n-1)
//	22  r += n
//	23  base: r = 1
//	24  return r
//
//	30  loop: yield; if --n != 0 goto loop
//	31  return 0
func DemoProgram(format image.Format) (*Program, error) {
	a := NewAsm()
	f := DemoFile

	a.Func("main", 16)
	a.Line(f, 10)
	a.MovImm(regs.RDI, 5)
	a.Call("sum")
	a.Line(f, 11)
	a.Inline("twice", f, 11)
	a.Line("demo.h", 3)
	a.Add(regs.RAX, regs.RAX)
	a.EndInline()
	a.Line(f, 11)
	a.Store(regs.RBP, -8, regs.RAX)
	a.Line(f, 12)
	a.LeaData(regs.RDI, "hello")
	a.Sys(SysDebugString)
	a.Line(f, 13)
	a.MovImm(regs.RDI, uint64(target.ExceptionCodeSetThreadName))
	a.MovImm(regs.RSI, 0x1000)
	a.LeaData(regs.RDX, "mainName")
	a.Sys(SysRaise)
	a.Line(f, 14)
	a.LeaText(regs.RDI, "worker")
	a.MovImm(regs.RSI, 3)
	a.Sys(SysThreadCreate)
	a.Line(f, 15)
	a.MovImm(regs.RDI, 0)
	a.Sys(SysLoadModule)
	a.Line(f, 16)
	a.Load(regs.RAX, regs.RBP, -8)
	a.Ret()
	a.EndFunc()

	a.Func("sum", 16)
	a.Line(f, 20)
	a.Store(regs.RBP, -8, regs.RDI)
	a.CmpImm(regs.RDI, 1)
	a.J(CondLE, "sum.base")
	a.Line(f, 21)
	a.Dec(regs.RDI)
	a.Call("sum")
	a.Line(f, 22)
	a.Load(regs.RCX, regs.RBP, -8)
	a.Add(regs.RAX, regs.RCX)
	a.Jmp("sum.done")
	a.Line(f, 23)
	a.Label("sum.base")
	a.MovImm(regs.RAX, 1)
	a.Line(f, 24)
	a.Label("sum.done")
	a.Ret()
	a.EndFunc()

	a.Func("worker", 0)
	a.Line(f, 30)
	a.Label("worker.loop")
	a.Sys(SysYield)
	a.Dec(regs.RDI)
	a.J(CondNE, "worker.loop")
	a.Line(f, 31)
	a.MovImm(regs.RAX, 0)
	a.Ret()
	a.EndFunc()

	a.String("hello", "hello from demo")
	a.String("mainName", "main")

	main, err := a.Build(BuildConfig{Path: DemoPath, Format: format, Entry: "main"})
	if err != nil {
		return nil, err
	}

	l := NewAsm()
	l.Func("helper", 0)
	l.Line("lib.c", 5)
	l.MovImm(regs.RAX, 7)
	l.Ret()
	l.EndFunc()
	lib, err := l.Build(BuildConfig{Path: DemoLibPath, Format: format})
	if err != nil {
		return nil, err
	}
	return &Program{Main: main, Libs: []*Image{lib}}, nil
}

// NewDemo returns a machine with the demo program installed.
func NewDemo(cfg Config, format image.Format) (*Machine, error) {
	p, err := DemoProgram(format)
	if err != nil {
		return nil, err
	}
	m := New(cfg)
	m.Install(p)
	return m, nil
}
