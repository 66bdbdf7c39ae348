package protocol

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/radctl/radctl/pkg/target"
	"github.com/radctl/radctl/pkg/trapnet"
)

func assertNoError(err error, t *testing.T, s string) {
	t.Helper()
	if err != nil {
		t.Fatalf("failed assertion %s: %v", s, err)
	}
}

func sampleMessages() []Message {
	var filter ExceptionFilter
	filter.Set(ExceptionCodeAccessViolation)
	filter.Set(ExceptionCodeCppThrow)
	return []Message{
		{
			Kind:        MsgLaunch,
			ID:          1,
			Path:        "/bin/foo",
			CmdLine:     []string{"/bin/foo", "-v", ""},
			Env:         []string{"A=1"},
			InheritEnv:  true,
			WorkingDir:  "/tmp",
			Stdio:       [3]string{"", "/tmp/out", ""},
			EntryPoints: []string{"main", "WinMain"},
		},
		{
			Kind:            MsgRun,
			ID:              2,
			Target:          target.Handle{Machine: target.LocalMachine, ID: 0x42},
			Parent:          target.Handle{Machine: target.LocalMachine, ID: 0x41},
			RunFlags:        RunFlagStopOnEntryPoint,
			ExceptionFilter: filter,
			Traps:           []trapnet.Trap{{Flags: trapnet.FlagEndStepping, Vaddr: 0x401000}, {Flags: trapnet.FlagSingleStepAfterHit | trapnet.FlagBeginSpoofMode, Vaddr: 0x401010}},
			Breakpoints: []Breakpoint{
				{Kind: BreakpointFileLine, Flags: BreakpointEnabled, File: "main.c", Line: 12, Condition: "x > 1"},
				{Kind: BreakpointSymbol, Symbol: "foo", Offset: 4, HitCount: 3},
				{Kind: BreakpointAddress, Flags: BreakpointEnabled, Address: 0x401234},
			},
		},
		{Kind: MsgAttach, ID: 3, EntityID: 1234},
		{Kind: MsgKill, ID: 4, ExitCode: 9, Traps: []trapnet.Trap{}},
	}
}

func TestMessageRoundTrip(t *testing.T) {
	msgs := sampleMessages()
	got, err := UnmarshalMessages(MarshalMessages(msgs))
	assertNoError(err, t, "UnmarshalMessages")
	if !reflect.DeepEqual(got, msgs) {
		t.Fatalf("round trip mismatch:\n%#v\n%#v", got, msgs)
	}
}

func TestEventRoundTrip(t *testing.T) {
	evs := []Event{
		{Kind: EventStarted, MsgID: 1},
		{Kind: EventNewModule, Target: target.Handle{Machine: 1, ID: 3}, Parent: target.Handle{Machine: 1, ID: 1}, Arch: target.ArchX64, Range: target.Range{Min: 0x400000, Max: 0x410000}, String: "/bin/foo", Timestamp: 123456},
		{Kind: EventStopped, Cause: CauseInterruptedByException, ExceptionKind: ExceptionKindMemoryWrite, ExceptionCode: target.ExceptionCodeAccessViolation, RIP: 0x401002, U64: 0xdead},
		{Kind: EventThreadColor, Color: 0xff0000ff, HitCount: 2, BreakpointFlags: BreakpointEnabled, StackBase: 0x7fff0000, TLSRoot: 0x1000, EntityID: 77},
	}
	got, err := UnmarshalEvents(MarshalEvents(evs))
	assertNoError(err, t, "UnmarshalEvents")
	if !reflect.DeepEqual(got, evs) {
		t.Fatalf("round trip mismatch:\n%#v\n%#v", got, evs)
	}
}

func TestCloneIsDeep(t *testing.T) {
	msgs := sampleMessages()
	c := CloneMessages(msgs)
	c[0].CmdLine[0] = "changed"
	c[1].Traps[0].Vaddr = 0
	c[1].Breakpoints[0].File = "other.c"
	if msgs[0].CmdLine[0] != "/bin/foo" || msgs[1].Traps[0].Vaddr != 0x401000 || msgs[1].Breakpoints[0].File != "main.c" {
		t.Fatal("CloneMessages shares storage with the original")
	}
}

func TestMalformedRecords(t *testing.T) {
	buf := MarshalMessages(sampleMessages())
	for _, n := range []int{0, 3, 9, len(buf) / 2, len(buf) - 1} {
		_, err := UnmarshalMessages(buf[:n])
		var derr *DecodeError
		if !errors.As(err, &derr) {
			t.Errorf("truncated at %d: expected DecodeError, got %v", n, err)
		}
	}
	if _, err := UnmarshalMessages(append(buf, 0)); err == nil {
		t.Error("trailing bytes accepted")
	}
	bad := MarshalEvents([]Event{{Kind: EventStarted}})
	bad[8] = 0xff
	if _, err := UnmarshalEvents(bad); err == nil {
		t.Error("bad event kind accepted")
	}
}

func TestExceptionFilter(t *testing.T) {
	var f ExceptionFilter
	if f.Has(ExceptionCodeStackOverflow) {
		t.Fatal("empty filter has a member")
	}
	f.Set(ExceptionCodeStackOverflow)
	f.Set(ExceptionCodeDivideByZero)
	f.Clear(ExceptionCodeDivideByZero)
	if !f.Has(ExceptionCodeStackOverflow) || f.Has(ExceptionCodeDivideByZero) {
		t.Fatalf("filter = %v", f)
	}
	if k := ExceptionCodeKindFromCode(target.ExceptionCodeCppThrow); k != ExceptionCodeCppThrow {
		t.Errorf("ExceptionCodeKindFromCode = %s", k)
	}
	p, err := ParseExceptionFilter([]string{"access-violation", " Cpp-Throw "})
	assertNoError(err, t, "ParseExceptionFilter")
	if !p.Has(ExceptionCodeAccessViolation) || !p.Has(ExceptionCodeCppThrow) {
		t.Errorf("parsed filter = %v", p)
	}
	if _, err := ParseExceptionFilter([]string{"nope"}); err == nil {
		t.Error("unknown name accepted")
	}
}

func TestRingBufferFIFO(t *testing.T) {
	rb := NewRingBuffer(64)
	ctx := context.Background()
	// Records wrap around the end of the buffer several times.
	for round := 0; round < 10; round++ {
		for i := 0; i < 3; i++ {
			assertNoError(rb.Push(ctx, []byte{byte(round), byte(i), 0xaa}), t, "Push")
		}
		for i := 0; i < 3; i++ {
			rec, err := rb.Pop(ctx)
			assertNoError(err, t, "Pop")
			if rec[0] != byte(round) || rec[1] != byte(i) || len(rec) != 3 {
				t.Fatalf("round %d pop %d: got % x", round, i, rec)
			}
		}
	}
	if rb.Len() != 0 {
		t.Fatalf("buffer not empty: %d", rb.Len())
	}
}

func TestRingBufferTooLarge(t *testing.T) {
	rb := NewRingBuffer(16)
	if err := rb.Push(context.Background(), make([]byte, 9)); !errors.Is(err, ErrRecordTooLarge) {
		t.Fatalf("got %v", err)
	}
}

func TestRingBufferPopDeadline(t *testing.T) {
	rb := NewRingBuffer(64)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := rb.Pop(ctx); !errors.Is(err, ErrDeadlineExceeded) {
		t.Fatalf("got %v", err)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatal("Pop returned before its deadline")
	}
}

func TestRingBufferPushDeadline(t *testing.T) {
	rb := NewRingBuffer(16)
	assertNoError(rb.Push(context.Background(), make([]byte, 8)), t, "Push")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := rb.Push(ctx, []byte{1}); !errors.Is(err, ErrDeadlineExceeded) {
		t.Fatalf("got %v", err)
	}
}

func TestRingBufferBlockingPop(t *testing.T) {
	rb := NewRingBuffer(64)
	var wg sync.WaitGroup
	wg.Add(1)
	var got []byte
	var popErr error
	go func() {
		defer wg.Done()
		got, popErr = rb.Pop(context.Background())
	}()
	time.Sleep(10 * time.Millisecond)
	assertNoError(rb.Push(context.Background(), []byte("hello")), t, "Push")
	wg.Wait()
	assertNoError(popErr, t, "Pop")
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestRingBufferProducerConsumer(t *testing.T) {
	rb := NewRingBuffer(40)
	const n = 500
	done := make(chan error, 1)
	go func() {
		for i := 0; i < n; i++ {
			if err := rb.Push(context.Background(), []byte{byte(i), byte(i >> 8)}); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	for i := 0; i < n; i++ {
		rec, err := rb.Pop(context.Background())
		assertNoError(err, t, "Pop")
		if int(rec[0])|int(rec[1])<<8 != i {
			t.Fatalf("record %d out of order: % x", i, rec)
		}
	}
	assertNoError(<-done, t, "producer")
}

func TestQueuesDropMalformed(t *testing.T) {
	q := NewMessageQueue(4096)
	ctx := context.Background()
	assertNoError(q.rb.Push(ctx, []byte{1, 2, 3}), t, "raw Push")
	assertNoError(q.PushMessages(ctx, sampleMessages()[:1]), t, "PushMessages")
	msgs, err := q.PopMessages(ctx)
	assertNoError(err, t, "PopMessages")
	if len(msgs) != 1 || msgs[0].Path != "/bin/foo" {
		t.Fatalf("PopMessages = %#v", msgs)
	}

	eq := NewEventQueue(4096)
	assertNoError(eq.PushEvents(ctx, []Event{{Kind: EventStarted}, {Kind: EventStopped, Cause: CauseFinished}}), t, "PushEvents")
	evs, err := eq.PopEvents(ctx)
	assertNoError(err, t, "PopEvents")
	if len(evs) != 2 || evs[1].Cause != CauseFinished {
		t.Fatalf("PopEvents = %#v", evs)
	}
}
