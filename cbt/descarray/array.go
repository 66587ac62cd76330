// Package descarray maps a dense index domain to values, allocating storage
// one 256-entry group at a time as indices are first written.
//
// The group directory is a pagebuf.Slots table with one slot per group. A
// group carries a 256-bit presence bitmap next to its values, so Get can tell
// "never written" apart from a stored zero value. Memory is bounded by the
// number of touched groups, not by the size of the domain.
package descarray

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/joshuapare/cbtkit/cbt/pagebuf"
	"github.com/joshuapare/cbtkit/internal/buf"
	"github.com/joshuapare/cbtkit/pkg/types"
)

// GroupSize is the number of entries per lazily allocated group.
const GroupSize = 256

const groupShift = 8

var (
	// ErrNoData indicates the index was never set.
	ErrNoData = &types.Error{Kind: types.ErrKindNotFound, Msg: "descarray: no data"}

	// ErrOutOfRange indicates an index outside first..last.
	ErrOutOfRange = &types.Error{Kind: types.ErrKindOutOfRange, Msg: "descarray: index out of range"}

	// ErrNoMemory indicates a group could not be allocated.
	ErrNoMemory = &types.Error{Kind: types.ErrKindNoMemory, Msg: "descarray: group allocation failed"}

	// ErrDone indicates use after Done.
	ErrDone = &types.Error{Kind: types.ErrKindState, Msg: "descarray: array released"}
)

type group[V any] struct {
	present [GroupSize / 64]uint64
	count   int
	values  [GroupSize]V
}

func (g *group[V]) has(slot uint64) bool {
	return g.present[slot>>6]&(1<<(slot&63)) != 0
}

// Options configures an Array.
type Options struct {
	// MaxGroups caps the number of allocated groups; zero is unlimited.
	MaxGroups int
	// Budget is charged for the group directory pages.
	Budget *pagebuf.Budget
}

// Array is a sparse map from first..last to V. Set takes an exclusive lock,
// Get a shared one.
type Array[V any] struct {
	mu        sync.RWMutex
	first     uint64
	last      uint64
	groups    *pagebuf.Slots[group[V]]
	allocated int
	maxGroups int
}

// New returns an empty array over the inclusive domain first..last.
func New[V any](first, last uint64, opts Options) (*Array[V], error) {
	if last < first {
		return nil, fmt.Errorf("%w: last %d before first %d", ErrOutOfRange, last, first)
	}
	span, ok := buf.AddOverflowSafe(last-first, 1)
	if !ok {
		return nil, fmt.Errorf("%w: domain %d..%d too large", ErrOutOfRange, first, last)
	}
	groupCount := buf.CeilShift(span, groupShift)

	var popts []pagebuf.Option
	if opts.Budget != nil {
		popts = append(popts, pagebuf.WithBudget(opts.Budget))
	}
	slots, err := pagebuf.NewSlots[group[V]](groupCount, popts...)
	if err != nil {
		return nil, fmt.Errorf("%w: group directory: %v", ErrNoMemory, err)
	}
	return &Array[V]{
		first:     first,
		last:      last,
		groups:    slots,
		maxGroups: opts.MaxGroups,
	}, nil
}

// First returns the lowest valid index.
func (a *Array[V]) First() uint64 { return a.first }

// Last returns the highest valid index.
func (a *Array[V]) Last() uint64 { return a.last }

func (a *Array[V]) locate(index uint64) (gi, slot uint64, err error) {
	if a.groups == nil {
		return 0, 0, ErrDone
	}
	if index < a.first || index > a.last {
		return 0, 0, fmt.Errorf("%w: %d not in %d..%d", ErrOutOfRange, index, a.first, a.last)
	}
	rel := index - a.first
	return rel >> groupShift, rel & (GroupSize - 1), nil
}

// Set stores v at index, allocating the group on first use. Overwriting a
// present entry replaces the value without changing the group's count.
func (a *Array[V]) Set(index uint64, v V) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	gi, slot, err := a.locate(index)
	if err != nil {
		return err
	}
	g, err := a.groups.Get(gi)
	if err != nil {
		return err
	}
	if g == nil {
		if a.maxGroups > 0 && a.allocated >= a.maxGroups {
			return fmt.Errorf("%w: limit of %d groups reached", ErrNoMemory, a.maxGroups)
		}
		g = new(group[V])
		if err := a.groups.Set(gi, g); err != nil {
			return err
		}
		a.allocated++
	}
	if !g.has(slot) {
		g.present[slot>>6] |= 1 << (slot & 63)
		g.count++
	}
	g.values[slot] = v
	return nil
}

// Get returns the value at index, or ErrNoData when it was never set.
func (a *Array[V]) Get(index uint64) (V, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var zero V
	gi, slot, err := a.locate(index)
	if err != nil {
		return zero, err
	}
	g, err := a.groups.Get(gi)
	if err != nil {
		return zero, err
	}
	if g == nil || !g.has(slot) {
		return zero, fmt.Errorf("%w: index %d", ErrNoData, index)
	}
	return g.values[slot], nil
}

// Groups returns the number of allocated groups.
func (a *Array[V]) Groups() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.allocated
}

// Count returns the number of present entries.
func (a *Array[V]) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := 0
	a.eachGroup(func(_ uint64, g *group[V]) bool {
		n += g.count
		return true
	})
	return n
}

func (a *Array[V]) eachGroup(fn func(gi uint64, g *group[V]) bool) {
	if a.groups == nil {
		return
	}
	for gi := uint64(0); gi < a.groups.Len(); gi++ {
		g, _ := a.groups.Get(gi)
		if g == nil {
			continue
		}
		if !fn(gi, g) {
			return
		}
	}
}

// Range calls fn for every present entry in ascending index order until fn
// returns false. fn runs under the shared lock and must not call Set.
func (a *Array[V]) Range(fn func(index uint64, v V) bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	a.eachGroup(func(gi uint64, g *group[V]) bool {
		base := a.first + gi<<groupShift
		for w, word := range g.present {
			for word != 0 {
				b := uint64(bits.TrailingZeros64(word))
				word &= word - 1
				slot := uint64(w)<<6 | b
				if !fn(base+slot, g.values[slot]) {
					return false
				}
			}
		}
		return true
	})
}

// Reset drops every group, leaving the directory in place and every slot empty.
func (a *Array[V]) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.groups == nil {
		return
	}
	a.groups.Clear()
	a.allocated = 0
}

// Done releases the groups and the directory. The array is unusable afterwards.
func (a *Array[V]) Done() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.groups == nil {
		return
	}
	a.groups.Clear()
	a.groups.Free()
	a.groups = nil
	a.allocated = 0
}
