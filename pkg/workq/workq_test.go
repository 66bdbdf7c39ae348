package workq

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/radctl/radctl/pkg/cache"
	"github.com/radctl/radctl/pkg/callstack"
	"github.com/radctl/radctl/pkg/config"
	"github.com/radctl/radctl/pkg/target"
)

type slowMem struct {
	reads atomic.Int32
	delay time.Duration
}

func (m *slowMem) ReadMemory(process target.ID, addr uint64, buf []byte) (int, error) {
	m.reads.Add(1)
	time.Sleep(m.delay)
	for i := range buf {
		buf[i] = byte(addr) + byte(i)
	}
	return len(buf), nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.MemoryWorkers = 3
	cfg.CallStackWorkers = 2
	cfg.WorkQueueSize = 1 << 10
	return cfg
}

var proc = target.Handle{Machine: target.LocalMachine, ID: 7}

func TestMemoryStreamCoalesces(t *testing.T) {
	cfg := testConfig()
	src := &slowMem{delay: 20 * time.Millisecond}
	mc := cache.NewMemoryCache(cfg, src)
	msq := NewMemoryStreamQueue(cfg, mc)
	msq.Start()
	defer msq.Stop()

	key := cache.MemoryKey{Process: proc, Range: target.Range{Min: 0x1000, Max: 0x1100}}
	if !msq.Prefetch(context.Background(), key, 1) {
		t.Fatal("first prefetch did not start work")
	}
	if msq.Prefetch(context.Background(), key, 1) {
		t.Error("second prefetch was not coalesced")
	}
	if !mc.Table().Working(key, cache.Gen{1}) {
		t.Error("prefetched range not marked working")
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			m, info := mc.Read(ctx, nil, key, 1)
			if !info.Found || info.Stale || m.Data[1] != 1 {
				t.Errorf("read through queue: %+v", info)
			}
		}()
	}
	wg.Wait()
	if n := src.reads.Load(); n != 1 {
		t.Errorf("%d target reads for one range", n)
	}
}

func TestMemoryStreamDeadline(t *testing.T) {
	cfg := testConfig()
	src := &slowMem{delay: 200 * time.Millisecond}
	mc := cache.NewMemoryCache(cfg, src)
	msq := NewMemoryStreamQueue(cfg, mc)
	msq.Start()
	defer msq.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, info := mc.Read(ctx, nil, cache.MemoryKey{Process: proc, Range: target.Range{Min: 0, Max: 16}}, 1)
	if info.Found || !info.Stale {
		t.Errorf("read past its deadline: %+v", info)
	}
	if time.Since(start) > 150*time.Millisecond {
		t.Error("reader blocked past its deadline")
	}
}

func TestStoppedQueueFillsInline(t *testing.T) {
	cfg := testConfig()
	src := &slowMem{}
	mc := cache.NewMemoryCache(cfg, src)
	msq := NewMemoryStreamQueue(cfg, mc)
	msq.Start()
	msq.Stop()
	_, info := mc.Read(context.Background(), nil, cache.MemoryKey{Process: proc, Range: target.Range{Min: 0, Max: 16}}, 1)
	if !info.Found || info.Stale {
		t.Errorf("read after stop: %+v", info)
	}
}

func TestCallStackQueue(t *testing.T) {
	cfg := testConfig()
	var builds atomic.Int32
	csc := cache.NewCallStackCache(cfg, func(ctx context.Context, thread target.Handle, regGen, memGen uint64) (*callstack.CallStack, error) {
		builds.Add(1)
		time.Sleep(10 * time.Millisecond)
		return &callstack.CallStack{}, nil
	})
	csq := NewCallStackQueue(cfg, csc)
	csq.Start()
	defer csq.Stop()

	thread := target.Handle{Machine: target.LocalMachine, ID: 9}
	csq.Prefetch(context.Background(), thread, 1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	cs, info := csc.CallStack(ctx, nil, thread, 1, 1)
	if cs == nil || !info.Found || info.Stale {
		t.Fatalf("call stack: %+v", info)
	}
	csc.CallStack(ctx, nil, thread, 1, 1)
	if n := builds.Load(); n != 1 {
		t.Errorf("%d builds for one generation", n)
	}
	csc.CallStack(ctx, nil, thread, 2, 1)
	if n := builds.Load(); n != 2 {
		t.Errorf("%d builds after a register generation change", n)
	}
}
