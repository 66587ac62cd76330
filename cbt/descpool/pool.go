package descpool

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/joshuapare/cbtkit/cbt/pagebuf"
	"github.com/joshuapare/cbtkit/pkg/types"
)

// DefaultSlabPages is the default slab budget in pages.
const DefaultSlabPages = 8

var (
	// ErrExhausted indicates Take found no allocated record left to claim.
	ErrExhausted = &types.Error{Kind: types.ErrKindNotFound, Msg: "descpool: no allocated record left to take"}

	// ErrNoMemory indicates a new slab could not be allocated.
	ErrNoMemory = &types.Error{Kind: types.ErrKindNoMemory, Msg: "descpool: slab allocation failed"}

	// ErrClaimsOutstanding indicates Done ran while consumers still held records.
	ErrClaimsOutstanding = &types.Error{Kind: types.ErrKindBusy, Msg: "descpool: records still claimed"}
)

// Options configures a Pool.
type Options struct {
	// SlabBytes is the byte budget of one slab. Zero means DefaultSlabPages pages.
	SlabBytes int
	// MaxSlabs caps the number of slabs; zero is unlimited.
	MaxSlabs int
	// BlockShift is log2 of the sectors one record stands for. It scales the
	// figures reported by CheckHalfFill.
	BlockShift uint
	// CapacityHint pre-sizes the slab list for this many records.
	CapacityHint uint64
}

type slab[T any] struct {
	records []T
	used    int
}

// Pool is a slab arena of T records. Alloc and Take serialise on one mutex.
type Pool[T any] struct {
	mu       sync.Mutex
	slabs    []*slab[T]
	slabCap  int
	maxSlabs int
	shift    uint

	total    uint64 // records initialised
	taken    uint64 // records claimed
	released uint64 // claims given back
}

// New returns an empty pool.
func New[T any](opts Options) *Pool[T] {
	slabBytes := opts.SlabBytes
	if slabBytes <= 0 {
		slabBytes = DefaultSlabPages * pagebuf.PageSize
	}
	var zero T
	size := int(unsafe.Sizeof(zero))
	if size == 0 {
		size = 1
	}
	slabCap := max(slabBytes/size, 1)

	p := &Pool[T]{
		slabCap:  slabCap,
		maxSlabs: opts.MaxSlabs,
		shift:    opts.BlockShift,
	}
	if opts.CapacityHint > 0 {
		p.slabs = make([]*slab[T], 0, (opts.CapacityHint+uint64(slabCap)-1)/uint64(slabCap))
	}
	return p
}

// SlabCapacity returns the number of records per slab.
func (p *Pool[T]) SlabCapacity() int { return p.slabCap }

// Alloc initialises the next free record of the last slab through init and
// returns it, appending a new slab when the last one is full. init receives
// the slab and the index of the record being initialised; if it fails, the
// record is not counted.
func (p *Pool[T]) Alloc(init func(slab []T, index int) error) (*T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var last *slab[T]
	if n := len(p.slabs); n > 0 && p.slabs[n-1].used < p.slabCap {
		last = p.slabs[n-1]
	} else {
		if p.maxSlabs > 0 && len(p.slabs) >= p.maxSlabs {
			return nil, fmt.Errorf("%w: limit of %d slabs reached", ErrNoMemory, p.maxSlabs)
		}
		last = &slab[T]{records: make([]T, p.slabCap)}
		p.slabs = append(p.slabs, last)
	}

	idx := last.used
	if init != nil {
		if err := init(last.records, idx); err != nil {
			return nil, err
		}
	}
	last.used++
	p.total++
	return &last.records[idx], nil
}

// Take claims the record at flat index taken in allocation order.
func (p *Pool[T]) Take() (*T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.taken >= p.total {
		return nil, fmt.Errorf("%w: taken=%d total=%d", ErrExhausted, p.taken, p.total)
	}
	// Every slab but the last is full, so the flat index maps directly.
	si := p.taken / uint64(p.slabCap)
	ri := p.taken % uint64(p.slabCap)
	s := p.slabs[si]
	if int(ri) >= s.used {
		return nil, fmt.Errorf("%w: record %d not initialised", ErrExhausted, p.taken)
	}
	p.taken++
	return &s.records[ri], nil
}

// Release gives back one claim made by Take. Records are not reused; the
// count only tells Done whether consumers are finished.
func (p *Pool[T]) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released >= p.taken {
		return types.Errorf(types.ErrKindState, "descpool: release without claim (taken=%d)", p.taken)
	}
	p.released++
	return nil
}

// CheckHalfFill reports whether the records allocated but not yet taken,
// expressed in sectors, have dropped below emptyLimit sectors. fillStatus is
// the number of sectors handed out so far and only grows.
func (p *Pool[T]) CheckHalfFill(emptyLimit uint64) (below bool, fillStatus uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fillStatus = p.taken << p.shift
	empty := p.total - p.taken
	return empty < emptyLimit>>p.shift, fillStatus
}

// Stats is a snapshot of the pool cursors.
type Stats struct {
	Total       uint64
	Taken       uint64
	Outstanding uint64
	Slabs       int
}

// Stats returns the pool cursors.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Total:       p.total,
		Taken:       p.taken,
		Outstanding: p.taken - p.released,
		Slabs:       len(p.slabs),
	}
}

// Done hands the live records of every slab to cleanup, in allocation order,
// and releases the slabs. It drains even when claims are outstanding, then
// reports ErrClaimsOutstanding.
func (p *Pool[T]) Done(cleanup func(records []T)) error {
	p.mu.Lock()
	slabs := p.slabs
	outstanding := p.taken - p.released
	p.slabs = nil
	p.total, p.taken, p.released = 0, 0, 0
	p.mu.Unlock()

	for _, s := range slabs {
		if cleanup != nil && s.used > 0 {
			cleanup(s.records[:s.used])
		}
		clear(s.records)
	}
	if outstanding > 0 {
		return fmt.Errorf("%w: %d outstanding", ErrClaimsOutstanding, outstanding)
	}
	return nil
}
