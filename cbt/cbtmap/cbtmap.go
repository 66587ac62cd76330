package cbtmap

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/joshuapare/cbtkit/cbt/pagebuf"
	"github.com/joshuapare/cbtkit/cbt/refs"
	"github.com/joshuapare/cbtkit/internal/buf"
	"github.com/joshuapare/cbtkit/internal/logger"
	"github.com/joshuapare/cbtkit/pkg/types"
)

// MaxDegree bounds the block size to 2^MaxDegree sectors.
const MaxDegree = 30

var (
	// ErrOutOfRange indicates a sector or byte range past the end of the map.
	ErrOutOfRange = &types.Error{Kind: types.ErrKindOutOfRange, Msg: "cbtmap: range past end of map"}

	// ErrCorrupt indicates the map has been latched inactive.
	ErrCorrupt = &types.Error{Kind: types.ErrKindCorrupt, Msg: "cbtmap: map is corrupt"}

	// ErrInvalidDegree indicates a block size outside 1..2^MaxDegree sectors.
	ErrInvalidDegree = &types.Error{Kind: types.ErrKindInvalid, Msg: "cbtmap: invalid block size degree"}
)

// Options configures the page buffers behind a Map.
type Options struct {
	Budget *pagebuf.Budget
	Mmap   bool
}

// Map is the change-tracking map of one volume. It starts with one
// reference; the buffers are released when the last reference is dropped.
type Map struct {
	refs refs.Count

	mu sync.Mutex   // write map, read map and generation numbers
	rw sync.RWMutex // writers (shared) against transitions (exclusive)

	active atomic.Bool

	degree  uint
	sectors uint64
	mapSize uint64

	writeMap *pagebuf.Buffer
	readMap  *pagebuf.Buffer

	snapActive   uint8
	snapPrevious uint8
	generation   uuid.UUID

	log *slog.Logger
}

// New allocates a map covering sectors sectors in blocks of 2^degree sectors.
func New(degree uint, sectors uint64, opts Options) (*Map, error) {
	if degree > MaxDegree {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDegree, degree)
	}
	mapSize := buf.CeilShift(sectors, degree)

	var popts []pagebuf.Option
	if opts.Budget != nil {
		popts = append(popts, pagebuf.WithBudget(opts.Budget))
	}
	if opts.Mmap {
		popts = append(popts, pagebuf.WithMmap())
	}

	readMap, err := pagebuf.NewForBytes(mapSize, popts...)
	if err != nil {
		return nil, fmt.Errorf("cbtmap: read map: %w", err)
	}
	writeMap, err := pagebuf.NewForBytes(mapSize, popts...)
	if err != nil {
		readMap.Free()
		return nil, fmt.Errorf("cbtmap: write map: %w", err)
	}

	m := &Map{
		degree:       degree,
		sectors:      sectors,
		mapSize:      mapSize,
		readMap:      readMap,
		writeMap:     writeMap,
		snapActive:   1,
		snapPrevious: 0,
		generation:   uuid.New(),
		log:          logger.For("cbtmap"),
	}
	m.active.Store(true)
	m.refs.Init("cbtmap", m.destroy)
	m.log.Debug("map created", "sectors", sectors, "degree", degree, "map_size", mapSize)
	return m, nil
}

func (m *Map) destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readMap.Free()
	m.writeMap.Free()
	m.log.Debug("map released", "map_size", m.mapSize)
}

// IncRef takes a reference.
func (m *Map) IncRef() { m.refs.IncRef() }

// TryIncRef takes a reference unless the map was already released.
func (m *Map) TryIncRef() bool { return m.refs.TryIncRef() }

// DecRef drops a reference, releasing the buffers on the last one.
func (m *Map) DecRef() { m.refs.DecRef() }

// Degree returns log2 of the sectors per tracking block.
func (m *Map) Degree() uint { return m.degree }

// Sectors returns the volume size the map was sized for.
func (m *Map) Sectors() uint64 { return m.sectors }

// Size returns the number of tracking blocks.
func (m *Map) Size() uint64 { return m.mapSize }

// Active reports whether the map can still be trusted.
func (m *Map) Active() bool { return m.active.Load() }

// SetCorrupt latches the map inactive. It does not take any lock, so the
// write path may call it while holding the shared side.
func (m *Map) SetCorrupt(reason string) {
	if m.active.CompareAndSwap(true, false) {
		m.log.Warn("map marked corrupt", "reason", reason, "generation_id", m.generation)
	}
}

// Lock takes the exclusive side of the transition lock.
func (m *Map) Lock() { m.rw.Lock() }

// Unlock releases the exclusive side.
func (m *Map) Unlock() { m.rw.Unlock() }

// RLock takes the shared side of the transition lock.
func (m *Map) RLock() { m.rw.RLock() }

// RUnlock releases the shared side.
func (m *Map) RUnlock() { m.rw.RUnlock() }

// TryRLockActive takes the shared side if the map is active. It returns
// false, holding nothing, when the map is corrupt.
func (m *Map) TryRLockActive() bool {
	if !m.Active() {
		return false
	}
	m.rw.RLock()
	if !m.Active() {
		m.rw.RUnlock()
		return false
	}
	return true
}

// blocks converts a sector range to an inclusive block range.
func (m *Map) blocks(start, count uint64) (first, last uint64, err error) {
	end, ok := buf.AddOverflowSafe(start, count-1)
	if !ok {
		return 0, 0, fmt.Errorf("%w: sectors %d+%d overflow", ErrOutOfRange, start, count)
	}
	first, last = start>>m.degree, end>>m.degree
	if last >= m.mapSize {
		return 0, 0, fmt.Errorf("%w: block %d of %d", ErrOutOfRange, last, m.mapSize)
	}
	return first, last, nil
}

// mark raises every block in first..last of b to gen. Caller holds mu.
func mark(b *pagebuf.Buffer, first, last uint64, gen uint8) error {
	for blk := first; blk <= last; blk++ {
		cur, err := b.Byte(blk)
		if err != nil {
			return err
		}
		if cur < gen {
			if err := b.SetByte(blk, gen); err != nil {
				return err
			}
		}
	}
	return nil
}

// MarkRange records a write of count sectors at start with the active
// generation. A range reaching past the map fails without marking anything.
func (m *Map) MarkRange(start, count uint64) error {
	if count == 0 {
		return nil
	}
	first, last, err := m.blocks(start, count)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return mark(m.writeMap, first, last, m.snapActive)
}

// MarkRangeBoth marks the range in the write map with the active generation
// and in the read map with the previous one, so the change shows up in the
// published delta as well as the next one.
func (m *Map) MarkRangeBoth(start, count uint64) error {
	if count == 0 {
		return nil
	}
	first, last, err := m.blocks(start, count)
	if err != nil {
		return err
	}
	m.rw.Lock()
	defer m.rw.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := mark(m.writeMap, first, last, m.snapActive); err != nil {
		return err
	}
	if m.snapPrevious == 0 {
		return nil
	}
	return mark(m.readMap, first, last, m.snapPrevious)
}

// Switch publishes the write map and starts the next generation. Running
// out of generation numbers starts a new epoch.
func (m *Map) Switch() {
	m.rw.Lock()
	defer m.rw.Unlock()
	m.SwitchLocked()
}

// SwitchLocked is Switch for a caller already holding Lock.
func (m *Map) SwitchLocked() {
	m.mu.Lock()
	defer m.mu.Unlock()

	pagebuf.Copy(m.readMap, m.writeMap)
	m.snapPrevious = m.snapActive
	next := int(m.snapActive) + 1
	if next > 255 {
		next = 1
		m.writeMap.Memset(0)
		m.generation = uuid.New()
		m.log.Info("generation numbers exhausted, new epoch", "generation_id", m.generation)
	}
	m.snapActive = uint8(next)
	m.log.Debug("generation switched", "previous", m.snapPrevious, "active", m.snapActive)
}

// ReadTo copies up to n bytes of the published map starting at block off to
// w and returns the number of bytes requested from the map. The request is
// clamped to the end of the map. A short copy is a *types.TransferError.
func (m *Map) ReadTo(w io.Writer, off, n uint64) (uint64, error) {
	m.rw.RLock()
	defer m.rw.RUnlock()

	if off > m.mapSize {
		return 0, fmt.Errorf("%w: offset %d of %d", ErrOutOfRange, off, m.mapSize)
	}
	n = min(n, m.mapSize-off)
	if n == 0 {
		return 0, nil
	}
	if err := m.readMap.CopyTo(w, off, n); err != nil {
		return 0, err
	}
	return n, nil
}

// Read returns up to n bytes of the published map starting at block off.
func (m *Map) Read(off, n uint64) ([]byte, error) {
	var out bytes.Buffer
	if _, err := m.ReadTo(&out, off, n); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Info is a consistent snapshot of the map's numbering state.
type Info struct {
	Degree       uint
	Sectors      uint64
	MapSize      uint64
	SnapActive   uint8
	SnapPrevious uint8
	GenerationID uuid.UUID
	Active       bool
}

// Info returns the map's numbering state.
func (m *Map) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Info{
		Degree:       m.degree,
		Sectors:      m.sectors,
		MapSize:      m.mapSize,
		SnapActive:   m.snapActive,
		SnapPrevious: m.snapPrevious,
		GenerationID: m.generation,
		Active:       m.Active(),
	}
}
