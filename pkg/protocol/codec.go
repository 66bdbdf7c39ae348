package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/radctl/radctl/pkg/target"
	"github.com/radctl/radctl/pkg/trapnet"
)

// DecodeError is returned when a serialized record is malformed.
type DecodeError struct {
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed record at offset %d: %s", e.Offset, e.Reason)
}

// maxListLen bounds list lengths read from a record, so that a corrupt
// count can not trigger a huge allocation.
const maxListLen = 1 << 20

type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }

func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

func (e *encoder) str(s string) {
	e.u64(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) strs(l []string) {
	if l == nil {
		e.u64(^uint64(0))
		return
	}
	e.u64(uint64(len(l)))
	for _, s := range l {
		e.str(s)
	}
}

func (e *encoder) handle(h target.Handle) {
	e.u32(uint32(h.Machine))
	e.u64(uint64(h.ID))
}

type decoder struct {
	buf []byte
	off int
	err *DecodeError
}

func (d *decoder) fail(reason string) {
	if d.err == nil {
		d.err = &DecodeError{Offset: d.off, Reason: reason}
	}
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf)-d.off < n {
		d.fail(fmt.Sprintf("need %d bytes, have %d", n, len(d.buf)-d.off))
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *decoder) bool() bool {
	switch d.u8() {
	case 0:
		return false
	case 1:
		return true
	}
	d.fail("bad bool")
	return false
}

func (d *decoder) count() (int, bool) {
	n := d.u64()
	if n == ^uint64(0) {
		return 0, false
	}
	if n > maxListLen {
		d.fail(fmt.Sprintf("list length %d too large", n))
		return 0, true
	}
	return int(n), true
}

func (d *decoder) str() string {
	n := d.u64()
	if n > uint64(len(d.buf)) {
		d.fail(fmt.Sprintf("string length %d exceeds record", n))
		return ""
	}
	return string(d.take(int(n)))
}

func (d *decoder) strs() []string {
	n, present := d.count()
	if !present || d.err != nil {
		return nil
	}
	out := make([]string, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.str())
	}
	return out
}

func (d *decoder) handle() target.Handle {
	m := d.u32()
	id := d.u64()
	return target.Handle{Machine: target.MachineID(m), ID: target.ID(id)}
}

// MarshalMessages serializes msgs into a self contained record.
func MarshalMessages(msgs []Message) []byte {
	e := &encoder{}
	e.u64(uint64(len(msgs)))
	for i := range msgs {
		m := &msgs[i]
		e.u8(uint8(m.Kind))
		e.u64(m.ID)
		e.handle(m.Target)
		e.handle(m.Parent)
		e.u64(m.EntityID)
		e.u32(m.ExitCode)
		e.u32(uint32(m.RunFlags))
		for _, w := range m.ExceptionFilter {
			e.u64(w)
		}
		e.bool(m.InheritEnv)
		e.str(m.Path)
		e.strs(m.EntryPoints)
		e.strs(m.CmdLine)
		e.strs(m.Env)
		e.str(m.WorkingDir)
		for _, s := range m.Stdio {
			e.str(s)
		}
		if m.Traps == nil {
			e.u64(^uint64(0))
		} else {
			e.u64(uint64(len(m.Traps)))
			for _, t := range m.Traps {
				e.u32(uint32(t.Flags))
				e.u64(t.Vaddr)
			}
		}
		if m.Breakpoints == nil {
			e.u64(^uint64(0))
		} else {
			e.u64(uint64(len(m.Breakpoints)))
			for j := range m.Breakpoints {
				bp := &m.Breakpoints[j]
				e.u8(uint8(bp.Kind))
				e.u32(uint32(bp.Flags))
				e.str(bp.File)
				e.u32(bp.Line)
				e.str(bp.Symbol)
				e.u64(bp.Offset)
				e.u64(bp.Address)
				e.str(bp.Condition)
				e.u64(bp.HitCount)
			}
		}
	}
	return e.buf
}

// UnmarshalMessages decodes a record produced by MarshalMessages.
func UnmarshalMessages(buf []byte) ([]Message, error) {
	d := &decoder{buf: buf}
	n, _ := d.count()
	out := make([]Message, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		var m Message
		kind := d.u8()
		if kind >= uint8(msgKindCount) {
			d.fail(fmt.Sprintf("bad message kind %d", kind))
			break
		}
		m.Kind = MessageKind(kind)
		m.ID = d.u64()
		m.Target = d.handle()
		m.Parent = d.handle()
		m.EntityID = d.u64()
		m.ExitCode = d.u32()
		m.RunFlags = RunFlags(d.u32())
		for j := range m.ExceptionFilter {
			m.ExceptionFilter[j] = d.u64()
		}
		m.InheritEnv = d.bool()
		m.Path = d.str()
		m.EntryPoints = d.strs()
		m.CmdLine = d.strs()
		m.Env = d.strs()
		m.WorkingDir = d.str()
		for j := range m.Stdio {
			m.Stdio[j] = d.str()
		}
		if nt, present := d.count(); present && d.err == nil {
			m.Traps = make([]trapnet.Trap, 0, nt)
			for j := 0; j < nt && d.err == nil; j++ {
				flags := trapnet.Flags(d.u32())
				m.Traps = append(m.Traps, trapnet.Trap{Flags: flags, Vaddr: d.u64()})
			}
		}
		if nb, present := d.count(); present && d.err == nil {
			m.Breakpoints = make([]Breakpoint, 0, nb)
			for j := 0; j < nb && d.err == nil; j++ {
				var bp Breakpoint
				bp.Kind = BreakpointKind(d.u8())
				bp.Flags = BreakpointFlags(d.u32())
				bp.File = d.str()
				bp.Line = d.u32()
				bp.Symbol = d.str()
				bp.Offset = d.u64()
				bp.Address = d.u64()
				bp.Condition = d.str()
				bp.HitCount = d.u64()
				m.Breakpoints = append(m.Breakpoints, bp)
			}
		}
		out = append(out, m)
	}
	if d.err == nil && d.off != len(buf) {
		d.fail("trailing bytes")
	}
	if d.err != nil {
		return nil, d.err
	}
	return out, nil
}

// MarshalEvents serializes evs into a self contained record.
func MarshalEvents(evs []Event) []byte {
	e := &encoder{}
	e.u64(uint64(len(evs)))
	for i := range evs {
		ev := &evs[i]
		e.u8(uint8(ev.Kind))
		e.u8(uint8(ev.Cause))
		e.u8(uint8(ev.ExceptionKind))
		e.u64(ev.MsgID)
		e.handle(ev.Target)
		e.handle(ev.Parent)
		e.u8(uint8(ev.Arch))
		e.u64(ev.U64)
		e.u64(ev.EntityID)
		e.u64(ev.Range.Min)
		e.u64(ev.Range.Max)
		e.u64(ev.RIP)
		e.u64(ev.StackBase)
		e.u64(ev.TLSRoot)
		e.u64(ev.Timestamp)
		e.u32(ev.ExceptionCode)
		e.u32(ev.Color)
		e.u32(uint32(ev.BreakpointFlags))
		e.u64(ev.HitCount)
		e.str(ev.String)
	}
	return e.buf
}

// UnmarshalEvents decodes a record produced by MarshalEvents.
func UnmarshalEvents(buf []byte) ([]Event, error) {
	d := &decoder{buf: buf}
	n, _ := d.count()
	out := make([]Event, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		var ev Event
		kind := d.u8()
		if kind >= uint8(eventKindCount) {
			d.fail(fmt.Sprintf("bad event kind %d", kind))
			break
		}
		ev.Kind = EventKind(kind)
		ev.Cause = Cause(d.u8())
		ev.ExceptionKind = ExceptionKind(d.u8())
		ev.MsgID = d.u64()
		ev.Target = d.handle()
		ev.Parent = d.handle()
		ev.Arch = target.Arch(d.u8())
		ev.U64 = d.u64()
		ev.EntityID = d.u64()
		ev.Range.Min = d.u64()
		ev.Range.Max = d.u64()
		ev.RIP = d.u64()
		ev.StackBase = d.u64()
		ev.TLSRoot = d.u64()
		ev.Timestamp = d.u64()
		ev.ExceptionCode = d.u32()
		ev.Color = d.u32()
		ev.BreakpointFlags = BreakpointFlags(d.u32())
		ev.HitCount = d.u64()
		ev.String = d.str()
		out = append(out, ev)
	}
	if d.err == nil && d.off != len(buf) {
		d.fail("trailing bytes")
	}
	if d.err != nil {
		return nil, d.err
	}
	return out, nil
}
