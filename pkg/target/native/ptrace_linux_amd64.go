//go:build linux && amd64

package native

import (
	"encoding/binary"
	"runtime"
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/radctl/radctl/pkg/regs"
)

func (l *Layer) handlePtraceFuncs() {
	// ptrace(2) expects every request after PTRACE_TRACEME or
	// PTRACE_ATTACH to come from the same thread.
	runtime.LockOSThread()

	for fn := range l.ptraceChan {
		fn()
		l.ptraceDoneChan <- struct{}{}
	}
}

func (l *Layer) execPtraceFunc(fn func()) {
	l.ptraceChan <- fn
	<-l.ptraceDoneChan
}

// ptraceDetach calls ptrace(PTRACE_DETACH).
func ptraceDetach(tid, sig int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(tid), 1, uintptr(sig), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceSingleStep executes ptrace PTRACE_SINGLESTEP
func ptraceSingleStep(tid, sig int) error {
	_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, uintptr(sys.PTRACE_SINGLESTEP), uintptr(tid), uintptr(0), uintptr(sig), 0, 0)
	if e1 != 0 {
		return e1
	}
	return nil
}

// remoteIovec is like golang.org/x/sys/unix.Iovec but uses uintptr for the
// base field instead of *byte so that we can use it with addresses that
// belong to the target process.
type remoteIovec struct {
	base uintptr
	len  uintptr
}

// processVmRead calls process_vm_readv
func processVmRead(pid int, addr uintptr, data []byte) (int, error) {
	lenIov := uint64(len(data))
	localIov := sys.Iovec{Base: &data[0], Len: lenIov}
	remoteIov := remoteIovec{base: addr, len: uintptr(lenIov)}
	n, _, err := syscall.Syscall6(sys.SYS_PROCESS_VM_READV, uintptr(pid), uintptr(unsafe.Pointer(&localIov)), 1, uintptr(unsafe.Pointer(&remoteIov)), 1, 0)
	if err != syscall.Errno(0) {
		return 0, err
	}
	return int(n), nil
}

// fpregsSize is the size of user_fpregs_struct; the xmm registers start at
// xmmOffset.
const (
	fpregsSize = 512
	xmmOffset  = 160
)

func ptraceGetFpRegs(tid int, buf *[fpregsSize]byte) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_GETFPREGS, uintptr(tid), 0, uintptr(unsafe.Pointer(&buf[0])), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

func ptraceSetFpRegs(tid int, buf *[fpregsSize]byte) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_SETFPREGS, uintptr(tid), 0, uintptr(unsafe.Pointer(&buf[0])), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceFaultAddr returns si_addr of the signal that stopped tid.
func ptraceFaultAddr(tid int) (uint64, error) {
	var info [128]byte
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_GETSIGINFO, uintptr(tid), 0, uintptr(unsafe.Pointer(&info[0])), 0, 0)
	if err != syscall.Errno(0) {
		return 0, err
	}
	return binary.LittleEndian.Uint64(info[16:24]), nil
}

func fromPtraceRegs(pr *sys.PtraceRegs, fp *[fpregsSize]byte) *regs.AMD64 {
	r := &regs.AMD64{
		R15: pr.R15, R14: pr.R14, R13: pr.R13, R12: pr.R12,
		Rbp: pr.Rbp, Rbx: pr.Rbx, R11: pr.R11, R10: pr.R10,
		R9: pr.R9, R8: pr.R8, Rax: pr.Rax, Rcx: pr.Rcx,
		Rdx: pr.Rdx, Rsi: pr.Rsi, Rdi: pr.Rdi, Rip: pr.Rip,
		Cs: pr.Cs, Rflags: pr.Eflags, Rsp: pr.Rsp, Ss: pr.Ss,
		FsBase: pr.Fs_base, GsBase: pr.Gs_base,
		Ds: pr.Ds, Es: pr.Es, Fs: pr.Fs, Gs: pr.Gs,
	}
	if fp != nil {
		for i := range r.Xmm {
			off := xmmOffset + 16*i
			r.Xmm[i][0] = binary.LittleEndian.Uint64(fp[off:])
			r.Xmm[i][1] = binary.LittleEndian.Uint64(fp[off+8:])
		}
	}
	return r
}

// toPtraceRegs copies r over pr, leaving orig_rax alone so that an
// interrupted system call is restarted as the kernel expects.
func toPtraceRegs(r *regs.AMD64, pr *sys.PtraceRegs, fp *[fpregsSize]byte) {
	pr.R15, pr.R14, pr.R13, pr.R12 = r.R15, r.R14, r.R13, r.R12
	pr.Rbp, pr.Rbx, pr.R11, pr.R10 = r.Rbp, r.Rbx, r.R11, r.R10
	pr.R9, pr.R8, pr.Rax, pr.Rcx = r.R9, r.R8, r.Rax, r.Rcx
	pr.Rdx, pr.Rsi, pr.Rdi, pr.Rip = r.Rdx, r.Rsi, r.Rdi, r.Rip
	pr.Cs, pr.Eflags, pr.Rsp, pr.Ss = r.Cs, r.Rflags, r.Rsp, r.Ss
	pr.Fs_base, pr.Gs_base = r.FsBase, r.GsBase
	pr.Ds, pr.Es, pr.Fs, pr.Gs = r.Ds, r.Es, r.Fs, r.Gs
	for i := range r.Xmm {
		off := xmmOffset + 16*i
		binary.LittleEndian.PutUint64(fp[off:], r.Xmm[i][0])
		binary.LittleEndian.PutUint64(fp[off+8:], r.Xmm[i][1])
	}
}
