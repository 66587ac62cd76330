package pagebuf

import "fmt"

// Slots is a fixed-length table of *T laid out in pages of SlotsPerPage
// entries. All slots start nil.
type Slots[T any] struct {
	pages  [][]*T
	count  uint64
	budget *Budget
}

// NewSlots allocates a table of count nil slots.
func NewSlots[T any](count uint64, opts ...Option) (*Slots[T], error) {
	c := buildConfig(opts)
	per := uint64(SlotsPerPage)
	pageCount := int((count + per - 1) / per)
	if err := c.budget.acquire(int64(pageCount)); err != nil {
		return nil, err
	}
	s := &Slots[T]{count: count, budget: c.budget, pages: make([][]*T, pageCount)}
	for i := range s.pages {
		s.pages[i] = make([]*T, SlotsPerPage)
	}
	livePages.Add(int64(pageCount))
	liveBuffers.Add(1)
	return s, nil
}

// Len returns the number of slots.
func (s *Slots[T]) Len() uint64 { return s.count }

// PageCount returns the number of pages backing the table.
func (s *Slots[T]) PageCount() int { return len(s.pages) }

func (s *Slots[T]) locate(i uint64) (int, int, error) {
	if s.pages == nil {
		return 0, 0, ErrFreed
	}
	if i >= s.count {
		return 0, 0, fmt.Errorf("%w: slot %d of %d", ErrOutOfRange, i, s.count)
	}
	per := uint64(SlotsPerPage)
	return int(i / per), int(i % per), nil
}

// Get returns slot i, which is nil when never set.
func (s *Slots[T]) Get(i uint64) (*T, error) {
	pi, po, err := s.locate(i)
	if err != nil {
		return nil, err
	}
	return s.pages[pi][po], nil
}

// Set stores v in slot i.
func (s *Slots[T]) Set(i uint64, v *T) error {
	pi, po, err := s.locate(i)
	if err != nil {
		return err
	}
	s.pages[pi][po] = v
	return nil
}

// Clear resets every slot to nil.
func (s *Slots[T]) Clear() {
	for _, p := range s.pages {
		clear(p)
	}
}

// Free releases the table. Free is idempotent.
func (s *Slots[T]) Free() {
	if s == nil || s.pages == nil {
		return
	}
	n := int64(len(s.pages))
	s.pages = nil
	s.budget.release(n)
	livePages.Add(-n)
	liveBuffers.Add(-1)
}
