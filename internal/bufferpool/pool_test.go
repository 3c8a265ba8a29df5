package bufferpool

import (
	"context"
	"testing"
)

func TestNewPoolStartsAsSingleFreeBuffer(t *testing.T) {
	p := New(64*1024, nil, nil)
	count := 0
	p.Walk(func(b *Buffer) {
		count++
		if !b.Free {
			t.Fatalf("expected the initial buffer to be free")
		}
		if b.Addr != 0 || b.Size != 64*1024 {
			t.Fatalf("expected one buffer spanning the mapping, got addr=%d size=%d", b.Addr, b.Size)
		}
	})
	if count != 1 {
		t.Fatalf("expected exactly one buffer, got %d", count)
	}
	if got := p.FreeAsyncSpace(); got != 32*1024 {
		t.Fatalf("expected free_async_space = len/2 = 32768, got %d", got)
	}
}

func TestAllocBestFitTiesBrokenByLowestAddress(t *testing.T) {
	p := New(4096, nil, nil)
	ctx := context.Background()

	a, err := p.Alloc(ctx, 64, 0, false)
	if err != nil {
		t.Fatalf("Alloc a: %v", err)
	}
	// The separator and guard keep a and b from coalescing once freed, so
	// two equal-sized free buffers tie for best fit.
	if _, err := p.Alloc(ctx, 64, 0, false); err != nil {
		t.Fatalf("Alloc separator: %v", err)
	}
	b, err := p.Alloc(ctx, 64, 0, false)
	if err != nil {
		t.Fatalf("Alloc b: %v", err)
	}
	if _, err := p.Alloc(ctx, 64, 0, false); err != nil {
		t.Fatalf("Alloc guard: %v", err)
	}
	if a.Addr >= b.Addr {
		t.Fatalf("expected a before b in address order, got a=%d b=%d", a.Addr, b.Addr)
	}

	if err := p.Free(ctx, a); err != nil {
		t.Fatalf("Free a: %v", err)
	}
	if err := p.Free(ctx, b); err != nil {
		t.Fatalf("Free b: %v", err)
	}

	c, err := p.Alloc(ctx, 64, 0, false)
	if err != nil {
		t.Fatalf("Alloc c: %v", err)
	}
	if c.Addr != a.Addr {
		t.Fatalf("expected best-fit tie to reuse the lowest address %d, got %d", a.Addr, c.Addr)
	}
}

func TestAllocFailsWhenNothingFitsAndRestoresState(t *testing.T) {
	p := New(128, nil, nil)
	ctx := context.Background()

	if _, err := p.Alloc(ctx, 1024, 0, false); err != ErrOOM {
		t.Fatalf("expected ErrOOM, got %v", err)
	}
	count := 0
	p.Walk(func(b *Buffer) {
		count++
		if !b.Free || b.Addr != 0 || b.Size != 128 {
			t.Fatalf("expected the single free buffer to be untouched, got addr=%d size=%d free=%v", b.Addr, b.Size, b.Free)
		}
	})
	if count != 1 {
		t.Fatalf("expected exactly one buffer after a failed alloc, got %d", count)
	}
}

func TestAllocRejectsAsyncOverBudget(t *testing.T) {
	p := New(256, nil, nil) // free_async_space = 128
	ctx := context.Background()

	if _, err := p.Alloc(ctx, 200, 0, true); err != ErrNoAsyncSpace {
		t.Fatalf("expected ErrNoAsyncSpace, got %v", err)
	}
}

func TestFreeAsyncSpaceAccountingIsExact(t *testing.T) {
	p := New(4096, nil, nil)
	ctx := context.Background()
	initial := p.FreeAsyncSpace()

	bufs := make([]*Buffer, 0, 4)
	for i := 0; i < 4; i++ {
		b, err := p.Alloc(ctx, 32, 0, true)
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
		bufs = append(bufs, b)
	}
	if p.FreeAsyncSpace() < 0 {
		t.Fatalf("free_async_space went negative")
	}
	for _, b := range bufs {
		if err := p.Free(ctx, b); err != nil {
			t.Fatalf("Free: %v", err)
		}
	}
	if got := p.FreeAsyncSpace(); got != initial {
		t.Fatalf("expected free_async_space to return to initial %d, got %d", initial, got)
	}
}

func TestFreeCoalescesWithBothNeighbors(t *testing.T) {
	p := New(4096, nil, nil)
	ctx := context.Background()

	a, err := p.Alloc(ctx, 64, 0, false)
	if err != nil {
		t.Fatalf("Alloc a: %v", err)
	}
	b, err := p.Alloc(ctx, 64, 0, false)
	if err != nil {
		t.Fatalf("Alloc b: %v", err)
	}
	c, err := p.Alloc(ctx, 64, 0, false)
	if err != nil {
		t.Fatalf("Alloc c: %v", err)
	}

	if err := p.Free(ctx, a); err != nil {
		t.Fatalf("Free a: %v", err)
	}
	if err := p.Free(ctx, c); err != nil {
		t.Fatalf("Free c: %v", err)
	}
	if err := p.Free(ctx, b); err != nil {
		t.Fatalf("Free b: %v", err)
	}

	count := 0
	p.Walk(func(buf *Buffer) {
		count++
		if !buf.Free {
			t.Fatalf("expected everything coalesced back to free")
		}
	})
	if count != 1 {
		t.Fatalf("expected coalescing to leave exactly one free buffer, got %d", count)
	}
}

// TestBufferListPartitionsMapping is the spec's invariant 1: the
// address-ordered list partitions the mapping exactly, and no two free
// buffers are adjacent after a Free.
func TestBufferListPartitionsMapping(t *testing.T) {
	p := New(8192, nil, nil)
	ctx := context.Background()

	var live []*Buffer
	for i := 0; i < 6; i++ {
		b, err := p.Alloc(ctx, 96, 8, i%2 == 0)
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
		live = append(live, b)
	}
	for i := 0; i < len(live); i += 2 {
		if err := p.Free(ctx, live[i]); err != nil {
			t.Fatalf("Free %d: %v", i, err)
		}
	}

	var prevAddr, prevEnd uint32
	var prevFree bool
	first := true
	p.Walk(func(b *Buffer) {
		if !first {
			if b.Addr != prevEnd {
				t.Fatalf("gap or overlap in address partition: prev ended at %d, next starts at %d", prevEnd, b.Addr)
			}
			if b.Free == prevFree && b.Free {
				t.Fatalf("two adjacent free buffers were not coalesced at addr %d", b.Addr)
			}
		}
		prevAddr = b.Addr
		prevEnd = b.Addr + b.Size
		prevFree = b.Free
		first = false
	})
	_ = prevAddr
}

func TestLookupFindsAllocatedBuffer(t *testing.T) {
	p := New(4096, nil, nil)
	ctx := context.Background()

	b, err := p.Alloc(ctx, 64, 0, false)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	got, err := p.Lookup(b.Addr)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.ID != b.ID {
		t.Fatalf("Lookup returned a different buffer: got id %d want %d", got.ID, b.ID)
	}

	if err := p.Free(ctx, b); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, err := p.Lookup(b.Addr); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after free, got %v", err)
	}
}

func TestAllocAfterTearDownFails(t *testing.T) {
	p := New(4096, nil, nil)
	ctx := context.Background()
	p.TearDown()
	if _, err := p.Alloc(ctx, 16, 0, false); err != ErrTornDown {
		t.Fatalf("expected ErrTornDown, got %v", err)
	}
}

func TestMapPagesFailureRollsBackAllocation(t *testing.T) {
	p := New(64*1024, failingMapper{}, nil)
	ctx := context.Background()
	if _, err := p.Alloc(ctx, 128, 0, false); err == nil {
		t.Fatal("expected mapper failure to propagate")
	}
	b, err := p.Alloc(ctx, 128, 0, false)
	_ = b
	if err == nil {
		t.Fatal("expected second alloc to also fail since mapper keeps failing")
	}
}

type failingMapper struct{}

func (failingMapper) MapPages(context.Context, uint32, uint32) error {
	return errMapFailed
}
func (failingMapper) UnmapPages(context.Context, uint32, uint32) error { return nil }

var errMapFailed = &mapError{"simulated host mapping failure"}

type mapError struct{ msg string }

func (e *mapError) Error() string { return e.msg }

func BenchmarkAllocFree(b *testing.B) {
	p := New(1<<20, nil, nil)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf, err := p.Alloc(ctx, 256, 16, false)
		if err != nil {
			b.Fatalf("Alloc: %v", err)
		}
		if err := p.Free(ctx, buf); err != nil {
			b.Fatalf("Free: %v", err)
		}
	}
}
