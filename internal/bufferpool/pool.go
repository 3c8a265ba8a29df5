// Package bufferpool implements the Buffer Pool (component A): a best-fit
// allocator over a per-process shared mapping, with an address-ordered free
// list for neighbor coalescing and size/address-ordered indexes for O(log n)
// allocation and lookup.
//
// The ordered indexes are backed by github.com/tidwall/btree, the same
// B-tree the wider example corpus reaches for when it needs an ordered map
// the standard library doesn't provide (container/list only gives an
// unordered doubly linked list; this package still uses one of those for
// the address-ordered chain, since that part genuinely is just a list).
package bufferpool

import (
	"context"
	"errors"
	"sync"

	"github.com/tidwall/btree"

	"github.com/binderd/binderd/internal/logging"
)

// headerOverhead models the bookkeeping cost charged against every
// allocation (the host's notion of a buffer header), mirrored in both
// halves of the split-or-coalesce decision.
const headerOverhead = 32

// minSplitRemainder is the smallest room, beyond its own headerOverhead, a
// split-off remainder must have: a remainder smaller than
// headerOverhead+minSplitRemainder is left attached to the allocation.
const minSplitRemainder = 8

const wordSize = 8
const pageSize = 4096

var (
	// ErrOOM is returned when no free buffer is large enough to satisfy a
	// request, spec §4.1 alloc() failure (c).
	ErrOOM = errors.New("bufferpool: no free buffer large enough")
	// ErrNoAsyncSpace is returned when an async allocation would exceed the
	// process's remaining async budget, spec §4.1 alloc() failure (b).
	ErrNoAsyncSpace = errors.New("bufferpool: insufficient free_async_space")
	// ErrOverflow is returned when the requested sizes overflow the
	// effective-size computation, spec §4.1 alloc() failure (a).
	ErrOverflow = errors.New("bufferpool: size overflow")
	// ErrTornDown is returned once the mapping has been released, spec
	// §4.1 alloc() failure (d).
	ErrTornDown = errors.New("bufferpool: mapping torn down")
	// ErrNotFound is returned by Lookup and Free for an unknown address.
	ErrNotFound = errors.New("bufferpool: no buffer at that address")
)

// Buffer is a variable-size region inside a Process's shared mapping
// (spec §3 "Buffer").
type Buffer struct {
	ID               uint64
	Addr             uint32
	Size             uint32 // full span, including headerOverhead
	DataSize         uint32
	OffsetsSize      uint32
	Free             bool
	AllowUserFree    bool
	AsyncTransaction bool

	// TransactionID is an opaque identity the Transaction Engine attaches
	// to an in-use buffer; the pool never interprets it.
	TransactionID uint64

	asyncCharged uint32 // effective+header size charged at alloc time, refunded at free
	prev, next   *Buffer
}

// PageMapper performs the host-level operation of mapping or unmapping
// physical pages beneath the shared mapping. Alloc drops the pool's lock
// around a MapPages call per the concurrency model's suspension point (b).
type PageMapper interface {
	MapPages(ctx context.Context, from, to uint32) error
	UnmapPages(ctx context.Context, from, to uint32) error
}

// NoopPageMapper satisfies PageMapper without touching any real mapping;
// useful in tests and for hosts that pre-fault the whole region.
type NoopPageMapper struct{}

func (NoopPageMapper) MapPages(context.Context, uint32, uint32) error   { return nil }
func (NoopPageMapper) UnmapPages(context.Context, uint32, uint32) error { return nil }

func sizeKeyLess(a, b *Buffer) bool {
	if a.Size != b.Size {
		return a.Size < b.Size
	}
	return a.Addr < b.Addr
}

func addrKeyLess(a, b *Buffer) bool {
	return a.Addr < b.Addr
}

// Pool is one Process's buffer allocator.
type Pool struct {
	mu sync.Mutex

	mapper PageMapper
	log    *logging.Logger

	mappingSize    uint32
	mappedPages    []bool // per-page mapped state; index i covers [i*pageSize, (i+1)*pageSize)
	freeAsyncSpace int64

	head *Buffer // address-ordered chain head (lowest address)
	free *btree.BTreeG[*Buffer]
	live *btree.BTreeG[*Buffer]

	nextID  uint64
	tornDown bool
}

// New reserves a Pool spanning mappingSize bytes as a single free buffer,
// per spec §6 mmap: "initializes the buffer pool with a single free buffer
// spanning the whole region; free_async_space = len/2".
func New(mappingSize uint32, mapper PageMapper, log *logging.Logger) *Pool {
	if mapper == nil {
		mapper = NoopPageMapper{}
	}
	if log == nil {
		log = logging.Default()
	}
	p := &Pool{
		mapper:         mapper,
		log:            log,
		mappingSize:    mappingSize,
		mappedPages:    make([]bool, pageCeil(mappingSize)/pageSize),
		freeAsyncSpace: int64(mappingSize / 2),
		free:           btree.NewBTreeG(sizeKeyLess),
		live:           btree.NewBTreeG(addrKeyLess),
	}
	root := &Buffer{ID: p.allocID(), Addr: 0, Size: mappingSize, Free: true}
	p.head = root
	p.free.Set(root)
	return p
}

func (p *Pool) allocID() uint64 {
	p.nextID++
	return p.nextID
}

func alignUp(n, align uint32) uint32 {
	if align == 0 {
		return n
	}
	if r := n % align; r != 0 {
		return n + (align - r)
	}
	return n
}

func pageFloor(n uint32) uint32 { return (n / pageSize) * pageSize }
func pageCeil(n uint32) uint32  { return alignUp(n, pageSize) }

// Alloc reserves a buffer able to carry dataSize bytes of payload and
// offsetsSize bytes of offset table, per spec §4.1.
func (p *Pool) Alloc(ctx context.Context, dataSize, offsetsSize uint32, isAsync bool) (*Buffer, error) {
	p.mu.Lock()
	if p.tornDown {
		p.mu.Unlock()
		return nil, ErrTornDown
	}

	aligned1 := alignUp(dataSize, wordSize)
	aligned2 := alignUp(offsetsSize, wordSize)
	if aligned1 < dataSize || aligned2 < offsetsSize || aligned1+aligned2 < aligned1 {
		p.mu.Unlock()
		return nil, ErrOverflow
	}
	effective := aligned1 + aligned2
	needed := effective + headerOverhead
	if needed < effective {
		p.mu.Unlock()
		return nil, ErrOverflow
	}

	if isAsync && p.freeAsyncSpace < int64(needed) {
		p.mu.Unlock()
		return nil, ErrNoAsyncSpace
	}

	pivot := &Buffer{Size: needed, Addr: 0}
	var chosen *Buffer
	p.free.Ascend(pivot, func(item *Buffer) bool {
		if item.Size >= needed {
			chosen = item
			return false
		}
		return true
	})
	if chosen == nil {
		p.mu.Unlock()
		return nil, ErrOOM
	}
	p.free.Delete(chosen)

	if chosen.Size >= needed+headerOverhead+minSplitRemainder {
		remainder := &Buffer{
			ID:     p.allocID(),
			Addr:   chosen.Addr + needed,
			Size:   chosen.Size - needed,
			Free:   true,
			prev:   chosen,
			next:   chosen.next,
		}
		if chosen.next != nil {
			chosen.next.prev = remainder
		}
		chosen.next = remainder
		chosen.Size = needed
		p.free.Set(remainder)
	}

	chosen.Free = false
	chosen.AllowUserFree = true
	chosen.DataSize = dataSize
	chosen.OffsetsSize = offsetsSize
	chosen.AsyncTransaction = isAsync
	if chosen.ID == 0 {
		chosen.ID = p.allocID()
	}
	p.live.Set(chosen)

	mapFrom := pageFloor(chosen.Addr)
	mapTo := pageCeil(chosen.Addr + chosen.Size)
	if chosen.next != nil && !chosen.next.Free {
		if nextMapped := pageFloor(chosen.next.Addr); mapTo > nextMapped {
			mapTo = nextMapped
		}
	}
	if mapTo > p.mappingSize {
		mapTo = p.mappingSize
	}

	for _, r := range p.unmappedRanges(mapFrom, mapTo) {
		p.mu.Unlock()
		if err := p.mapper.MapPages(ctx, r.from, r.to); err != nil {
			p.log.Errorf("bufferpool: map pages [%d,%d) failed: %v", r.from, r.to, err)
			p.mu.Lock()
			chosen.Free = true
			chosen.AllowUserFree = false
			p.live.Delete(chosen)
			p.free.Set(chosen)
			p.mu.Unlock()
			return nil, err
		}
		p.mu.Lock()
		p.markMapped(r.from, r.to)
	}

	if isAsync {
		p.freeAsyncSpace -= int64(needed)
		chosen.asyncCharged = needed
	}
	p.mu.Unlock()
	return chosen, nil
}

// Free releases buf back to the pool, coalescing with free neighbors and
// unmapping pages no longer covered by any live allocation, per spec §4.1.
func (p *Pool) Free(ctx context.Context, buf *Buffer) error {
	p.mu.Lock()
	if buf == nil || buf.Free {
		p.mu.Unlock()
		return ErrNotFound
	}
	p.live.Delete(buf)
	buf.Free = true
	buf.AllowUserFree = false
	buf.TransactionID = 0

	if buf.AsyncTransaction {
		p.freeAsyncSpace += int64(buf.asyncCharged)
		buf.asyncCharged = 0
		buf.AsyncTransaction = false
	}

	unmapFrom := pageCeil(buf.Addr)
	unmapTo := pageFloor(buf.Addr + buf.Size)

	if prev := buf.prev; prev != nil && prev.Free {
		p.free.Delete(prev)
		prev.Size += buf.Size
		prev.next = buf.next
		if buf.next != nil {
			buf.next.prev = prev
		}
		buf = prev
	}
	if next := buf.next; next != nil && next.Free {
		p.free.Delete(next)
		buf.Size += next.Size
		buf.next = next.next
		if next.next != nil {
			next.next.prev = buf
		}
	}
	p.free.Set(buf)

	if unmapTo > unmapFrom {
		p.markUnmapped(unmapFrom, unmapTo)
		p.mu.Unlock()
		if err := p.mapper.UnmapPages(ctx, unmapFrom, unmapTo); err != nil {
			p.log.Warnf("bufferpool: unmap pages [%d,%d) failed: %v", unmapFrom, unmapTo, err)
		}
		return nil
	}
	p.mu.Unlock()
	return nil
}

// pageRange is a half-open, page-aligned byte range [from, to).
type pageRange struct{ from, to uint32 }

// unmappedRanges returns the contiguous sub-ranges of [from, to) (both
// page-aligned) whose pages are not currently marked mapped, coalescing
// adjacent unmapped pages into a single range per call to the mapper.
// Must be called with p.mu held.
func (p *Pool) unmappedRanges(from, to uint32) []pageRange {
	var ranges []pageRange
	var runStart uint32
	inRun := false
	for page := from; page < to; page += pageSize {
		idx := page / pageSize
		mapped := int(idx) < len(p.mappedPages) && p.mappedPages[idx]
		switch {
		case !mapped && !inRun:
			runStart = page
			inRun = true
		case mapped && inRun:
			ranges = append(ranges, pageRange{from: runStart, to: page})
			inRun = false
		}
	}
	if inRun {
		ranges = append(ranges, pageRange{from: runStart, to: to})
	}
	return ranges
}

// markMapped and markUnmapped record the pool's belief about which pages
// are currently backed, so a later Alloc over pages a prior Free unmapped
// re-maps them instead of assuming they are still live (spec §4.1 "map
// additional pages as needed").
func (p *Pool) markMapped(from, to uint32) {
	for page := from; page < to; page += pageSize {
		if idx := page / pageSize; int(idx) < len(p.mappedPages) {
			p.mappedPages[idx] = true
		}
	}
}

func (p *Pool) markUnmapped(from, to uint32) {
	for page := from; page < to; page += pageSize {
		if idx := page / pageSize; int(idx) < len(p.mappedPages) {
			p.mappedPages[idx] = false
		}
	}
}

// Lookup converts a user-space address (already translated by the caller
// via the constant user_buffer_offset) into its owning live Buffer.
func (p *Pool) Lookup(addr uint32) (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.live.Get(&Buffer{Addr: addr})
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

// FreeAsyncSpace reports the process's remaining oneway transaction budget.
func (p *Pool) FreeAsyncSpace() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeAsyncSpace
}

// TearDown marks the mapping as torn down; subsequent Alloc calls fail with
// ErrTornDown, matching deferred-release teardown order (spec §9).
func (p *Pool) TearDown() {
	p.mu.Lock()
	p.tornDown = true
	p.mu.Unlock()
}

// Walk visits every buffer in address order, for diagnostics and for the
// partition-invariant property tests.
func (p *Pool) Walk(fn func(*Buffer)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for b := p.head; b != nil; b = b.next {
		fn(b)
	}
}
