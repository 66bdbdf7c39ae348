package target

import (
	"errors"
	"fmt"

	"github.com/radctl/radctl/pkg/regs"
)

// ErrProcessExited is returned by layer operations on a process that has
// already terminated.
var ErrProcessExited = errors.New("process has exited")

// ErrNoProcesses is returned by Layer.Run when no process is tracked.
var ErrNoProcesses = errors.New("no processes to run")

// NoProcessError is returned when an operation names a process the layer
// does not know about.
type NoProcessError struct {
	ID ID
}

func (e NoProcessError) Error() string {
	return fmt.Sprintf("no such process %#x", uint64(e.ID))
}

// InvalidAddressError is returned when memory at Address can not be
// accessed.
type InvalidAddressError struct {
	Address uint64
}

func (e InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid address %#x", e.Address)
}

// LaunchConfig describes a process to start.
type LaunchConfig struct {
	Path       string
	Args       []string
	Env        []string
	WorkingDir string
	// Stdio contains optional redirection paths for stdin, stdout and
	// stderr. Empty entries inherit the debugger's streams.
	Stdio [3]string
}

// RunControl parameterizes one call to Layer.Run.
type RunControl struct {
	// SingleStepThread, if non zero, is stepped by exactly one instruction
	// while every other thread stays suspended.
	SingleStepThread ID
	// Frozen threads are not resumed.
	Frozen map[ID]bool
	// PassException forwards the exception that caused the previous stop
	// to the target instead of swallowing it.
	PassException bool
}

// Layer is the OS control layer consumed by the control goroutine. The
// process control methods are called from the control goroutine only.
// Halt may be called from any goroutine, ReadMemory and ReadRegisters
// from the cache workers as well, and the write methods from the user
// goroutine while no run is in progress.
type Layer interface {
	// Launch starts a new process. Its events (create process, threads,
	// modules, and finally EventHandshakeComplete) are delivered by Run.
	Launch(cfg LaunchConfig) (ID, error)
	// Attach binds to an already running process.
	Attach(pid uint64) (ID, error)
	// Kill terminates the process. The exit events are delivered by Run.
	Kill(process ID, exitCode uint32) error
	// Detach releases the process without terminating it.
	Detach(process ID) error
	// Run resumes the tracked processes and blocks until the next event.
	Run(ctl RunControl) (Event, error)
	// Halt interrupts a Run in progress from any goroutine.
	Halt() error

	ReadMemory(process ID, addr uint64, buf []byte) (int, error)
	WriteMemory(process ID, addr uint64, data []byte) error
	ReadRegisters(thread ID) (*regs.AMD64, error)
	WriteRegisters(thread ID, r *regs.AMD64) error

	// Arch returns the architecture of a process or thread.
	Arch(id ID) Arch

	Close() error
}

// MemoryReader reads the memory of a single process. Partial reads return
// the number of bytes read together with an error.
type MemoryReader interface {
	ReadMemory(addr uint64, buf []byte) (int, error)
}

// MemoryReadWriter reads and writes the memory of a single process.
type MemoryReadWriter interface {
	MemoryReader
	WriteMemory(addr uint64, data []byte) error
}

// ProcessMemory binds a Layer to one of its processes.
func ProcessMemory(l Layer, process ID) MemoryReadWriter {
	return processMemory{l, process}
}

type processMemory struct {
	l       Layer
	process ID
}

func (pm processMemory) ReadMemory(addr uint64, buf []byte) (int, error) {
	return pm.l.ReadMemory(pm.process, addr, buf)
}

func (pm processMemory) WriteMemory(addr uint64, data []byte) error {
	return pm.l.WriteMemory(pm.process, addr, data)
}
