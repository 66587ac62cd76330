package pagebuf

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/joshuapare/cbtkit/internal/mmfile"
)

// PageSize is the platform page size every buffer is built from.
var PageSize = unix.Getpagesize()

// SlotsPerPage is the number of pointer slots that fit in one page.
var SlotsPerPage = PageSize / 8

// PagesFor returns the number of pages needed to hold n bytes.
func PagesFor(n uint64) int {
	ps := uint64(PageSize)
	return int((n + ps - 1) / ps)
}

// PagesForSectors returns the number of pages needed to hold n 512-byte sectors.
func PagesForSectors(n uint64) int {
	return PagesFor(n << 9)
}

// -----------------------------------------------------------------------------
// Budget
// -----------------------------------------------------------------------------

// Budget caps the number of live pages across every buffer that shares it.
// A nil *Budget is unlimited.
type Budget struct {
	max  int64
	used atomic.Int64
}

// NewBudget returns a budget allowing at most maxPages live pages.
func NewBudget(maxPages int64) *Budget {
	return &Budget{max: maxPages}
}

// Used returns the number of pages currently charged to the budget.
func (b *Budget) Used() int64 {
	if b == nil {
		return 0
	}
	return b.used.Load()
}

// Max returns the page limit.
func (b *Budget) Max() int64 {
	if b == nil {
		return -1
	}
	return b.max
}

func (b *Budget) acquire(n int64) error {
	if b == nil {
		return nil
	}
	for {
		cur := b.used.Load()
		if cur+n > b.max {
			return fmt.Errorf("%w: budget of %d pages exhausted", ErrNoMemory, b.max)
		}
		if b.used.CompareAndSwap(cur, cur+n) {
			return nil
		}
	}
}

func (b *Budget) release(n int64) {
	if b == nil {
		return
	}
	b.used.Add(-n)
}

// -----------------------------------------------------------------------------
// Page sources
// -----------------------------------------------------------------------------

// source hands out zeroed pages of PageSize bytes.
type source interface {
	alloc() ([]byte, error)
	free(page []byte)
}

type heapSource struct{}

func (heapSource) alloc() ([]byte, error) { return make([]byte, PageSize), nil }
func (heapSource) free([]byte)            {}

// mmapSource maps each page privately so large buffers stay off the Go heap.
type mmapSource struct {
	mu       sync.Mutex
	cleanups map[*byte]func() error
}

func newMmapSource() *mmapSource {
	return &mmapSource{cleanups: make(map[*byte]func() error)}
}

func (s *mmapSource) alloc() ([]byte, error) {
	page, cleanup, err := mmfile.MapAnon(PageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoMemory, err)
	}
	s.mu.Lock()
	s.cleanups[unsafe.SliceData(page)] = cleanup
	s.mu.Unlock()
	return page, nil
}

func (s *mmapSource) free(page []byte) {
	key := unsafe.SliceData(page)
	s.mu.Lock()
	cleanup := s.cleanups[key]
	delete(s.cleanups, key)
	s.mu.Unlock()
	if cleanup != nil {
		_ = cleanup()
	}
}

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

type config struct {
	budget *Budget
	mmap   bool
}

// Option configures a Buffer or Slots.
type Option func(*config)

// WithBudget charges every page to b.
func WithBudget(b *Budget) Option {
	return func(c *config) { c.budget = b }
}

// WithMmap backs byte pages with anonymous mappings where the platform
// supports them. It has no effect on Slots.
func WithMmap() Option {
	return func(c *config) { c.mmap = mmfile.Available }
}

func buildConfig(opts []Option) config {
	var c config
	for _, o := range opts {
		o(&c)
	}
	return c
}

// -----------------------------------------------------------------------------
// Live counters
// -----------------------------------------------------------------------------

var (
	livePages   atomic.Int64
	liveBuffers atomic.Int64
)

// Counters is a snapshot of the package-wide allocation counters.
type Counters struct {
	Pages   int64 `json:"pages"`
	Buffers int64 `json:"buffers"`
}

// Stats returns the number of live pages and buffers (Buffer and Slots
// combined) in the process.
func Stats() Counters {
	return Counters{Pages: livePages.Load(), Buffers: liveBuffers.Load()}
}
