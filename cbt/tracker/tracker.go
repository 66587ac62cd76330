package tracker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/cbtkit/cbt/cbtmap"
	"github.com/joshuapare/cbtkit/cbt/gate"
	"github.com/joshuapare/cbtkit/cbt/redirect"
	"github.com/joshuapare/cbtkit/cbt/refs"
	"github.com/joshuapare/cbtkit/internal/logger"
	"github.com/joshuapare/cbtkit/pkg/types"
)

const (
	// MinDegree is the smallest tracking block, one sector.
	MinDegree = types.SectorShift
	// MaxDegree is the largest tracking block.
	MaxDegree = types.SectorShift + cbtmap.MaxDegree
)

var (
	// ErrNotCaptured indicates an operation that needs a captured snapshot.
	ErrNotCaptured = &types.Error{Kind: types.ErrKindState, Msg: "tracker: volume is not captured"}

	// ErrCaptured indicates a capture of a volume already captured.
	ErrCaptured = &types.Error{Kind: types.ErrKindState, Msg: "tracker: volume already captured"}

	// ErrCorrupt indicates a map that lost changes.
	ErrCorrupt = &types.Error{Kind: types.ErrKindCorrupt, Msg: "tracker: change tracking lost"}
)

// Config describes a tracker to create.
type Config struct {
	Volume types.Volume
	// Degree is log2 of the tracking block size in bytes.
	Degree     uint
	SnapshotID types.SnapshotID
	Gate       gate.Gate
	Map        cbtmap.Options
}

// Tracker is the tracking state of one volume. It starts with one
// reference, dropped by Close; lookups on the write path hold their own.
type Tracker struct {
	refs refs.Count

	vol      types.Volume
	id       types.VolumeID
	queue    types.QueueID
	start    uint64
	capacity uint64 // sectors when tracking started
	degree   uint
	gate     gate.Gate
	cbt      *cbtmap.Map

	snapshotID atomic.Uint64
	captured   atomic.Bool

	// chMu serialises capture and release; the write path reads ch lock-free.
	chMu sync.Mutex
	ch   atomic.Pointer[redirect.Channel]

	closeOnce sync.Once
	closeErr  error

	log *slog.Logger
}

// New creates a tracker and its map, sized from the volume's current
// capacity. The tracker takes ownership of cfg.Volume.
func New(cfg Config) (*Tracker, error) {
	if cfg.Degree < MinDegree || cfg.Degree > MaxDegree {
		return nil, types.Errorf(types.ErrKindInvalid,
			"tracker: block size degree %d outside %d..%d", cfg.Degree, MinDegree, MaxDegree)
	}
	if cfg.Gate == nil {
		cfg.Gate = gate.NewLock()
	}
	capacity := cfg.Volume.Capacity()
	m, err := cbtmap.New(cfg.Degree-types.SectorShift, capacity, cfg.Map)
	if err != nil {
		return nil, fmt.Errorf("tracker: create map for %s: %w", cfg.Volume.ID(), err)
	}
	t := &Tracker{
		vol:      cfg.Volume,
		id:       cfg.Volume.ID(),
		queue:    cfg.Volume.Queue(),
		start:    cfg.Volume.StartSector(),
		capacity: capacity,
		degree:   cfg.Degree,
		gate:     cfg.Gate,
		cbt:      m,
		log:      logger.For("tracker").With("volume", cfg.Volume.ID()),
	}
	t.snapshotID.Store(uint64(cfg.SnapshotID))
	t.refs.Init("tracker", t.destroy)
	t.log.Info("tracking started",
		"queue", t.queue, "start", t.start, "sectors", capacity,
		"degree", cfg.Degree, "gate", cfg.Gate.Kind())
	return t, nil
}

func (t *Tracker) ID() types.VolumeID     { return t.id }
func (t *Tracker) Volume() types.Volume   { return t.vol }
func (t *Tracker) Queue() types.QueueID   { return t.queue }
func (t *Tracker) StartSector() uint64    { return t.start }
func (t *Tracker) Degree() uint           { return t.degree }
func (t *Tracker) Gate() gate.Gate        { return t.gate }
func (t *Tracker) Map() *cbtmap.Map       { return t.cbt }
func (t *Tracker) Captured() bool         { return t.captured.Load() }
func (t *Tracker) TrackedSectors() uint64 { return t.capacity }

// Contains reports whether sector, relative to the queue, lies in the
// volume at its current size.
func (t *Tracker) Contains(sector uint64) bool {
	return sector >= t.start && sector < t.start+t.vol.Capacity()
}

// Span returns the queue sectors the volume currently occupies.
func (t *Tracker) Span() types.SectorRange {
	return types.SectorRange{Start: t.start, Count: t.vol.Capacity()}
}

// SnapshotID returns the associated snapshot, zero if none.
func (t *Tracker) SnapshotID() types.SnapshotID { return types.SnapshotID(t.snapshotID.Load()) }

// SetSnapshotID associates id with the tracker; zero clears it.
func (t *Tracker) SetSnapshotID(id types.SnapshotID) { t.snapshotID.Store(uint64(id)) }

// AdoptSnapshotID associates id only if no snapshot is associated yet.
func (t *Tracker) AdoptSnapshotID(id types.SnapshotID) bool {
	if id == 0 {
		return false
	}
	return t.snapshotID.CompareAndSwap(0, uint64(id))
}

// Channel returns the redirection channel while captured, or nil.
func (t *Tracker) Channel() *redirect.Channel { return t.ch.Load() }

// Resized reports whether the volume changed size since tracking started.
func (t *Tracker) Resized() bool { return t.vol.Capacity() != t.capacity }

// Stale reports why the tracker's map can no longer be trusted, if it
// cannot.
func (t *Tracker) Stale() (string, bool) {
	switch {
	case !t.cbt.Active():
		return "map inactive", true
	case t.Resized():
		return "volume resized", true
	}
	return "", false
}

// HandleWrite is the write path of the tracked volume. It marks the map
// and, while captured, defers the write to the redirection channel. Writes
// that are not redirected are forwarded inside the gate, so a capture never
// starts between marking a write and the write reaching the device.
func (t *Tracker) HandleWrite(ctx context.Context, w *types.Write, next types.Forwarder) types.Disposition {
	if !w.HasData() {
		return types.PassThrough
	}
	rng := types.SectorRange{Start: w.Sector - t.start, Count: w.Sectors()}
	if capacity := t.vol.Capacity(); rng.End() > capacity {
		rng.Count = capacity - min(rng.Start, capacity)
	}

	t.gate.Enter()
	defer t.gate.Leave()

	locked := t.cbt.TryRLockActive()
	if locked {
		t.mark(rng)
	}

	if ch := t.ch.Load(); ch != nil && t.captured.Load() {
		if locked {
			t.cbt.RUnlock()
		}
		if ch.Redirect(ctx, w, rng, next) {
			return types.Deferred
		}
		err := next(ctx, w)
		w.Complete(err)
		return types.Deferred
	}

	err := next(ctx, w)
	if locked {
		t.cbt.RUnlock()
	}
	w.Complete(err)
	return types.Deferred
}

// mark records rng in the map. A failure latches the map corrupt; the write
// itself goes ahead. Caller holds the map's shared side.
func (t *Tracker) mark(rng types.SectorRange) {
	if t.Resized() {
		t.cbt.SetCorrupt(fmt.Sprintf("volume resized from %d to %d sectors", t.capacity, t.vol.Capacity()))
		return
	}
	if err := t.cbt.MarkRange(rng.Start, rng.Count); err != nil {
		t.cbt.SetCorrupt(err.Error())
	}
}

// MarkDirty marks every range in both maps, so the ranges show up in the
// published delta too.
func (t *Tracker) MarkDirty(ranges []types.SectorRange) error {
	if !t.cbt.Active() {
		return ErrCorrupt
	}
	for _, r := range ranges {
		if err := t.cbt.MarkRangeBoth(r.Start, r.Count); err != nil {
			return fmt.Errorf("tracker: mark %d+%d dirty: %w", r.Start, r.Count, err)
		}
	}
	return nil
}

// ReadBitmap copies n bytes of the published map, from block off, to w. It
// is only allowed while captured.
func (t *Tracker) ReadBitmap(w io.Writer, off, n uint64) (uint64, error) {
	if !t.Captured() {
		return 0, ErrNotCaptured
	}
	if !t.cbt.Active() {
		return 0, ErrCorrupt
	}
	return t.cbt.ReadTo(w, off, n)
}

// Capture creates the redirection channel and publishes the current
// generation. The caller holds the gate closed.
func (t *Tracker) Capture(opts redirect.Options) error {
	t.chMu.Lock()
	defer t.chMu.Unlock()
	if t.captured.Load() {
		return ErrCaptured
	}
	ch, err := redirect.New(t.vol, opts)
	if err != nil {
		return fmt.Errorf("tracker: capture %s: %w", t.id, err)
	}
	t.ch.Store(ch)
	t.captured.Store(true)
	t.cbt.Switch()
	info := t.cbt.Info()
	t.log.Info("snapshot captured", "previous", info.SnapPrevious, "active", info.SnapActive)
	return nil
}

// Release clears the capture and detaches the channel, which the caller
// stops and drops once the gate is open again. It returns nil if the
// volume was not captured. The caller holds the gate closed.
func (t *Tracker) Release() *redirect.Channel {
	t.chMu.Lock()
	defer t.chMu.Unlock()
	t.captured.Store(false)
	ch := t.ch.Swap(nil)
	if ch != nil {
		t.log.Info("snapshot released")
	}
	return ch
}

// Info describes the tracker for list output.
func (t *Tracker) Info() types.CBTInfo {
	mi := t.cbt.Info()
	info := types.CBTInfo{
		Volume:       t.id,
		MapSize:      mi.MapSize,
		SnapNumber:   mi.SnapPrevious,
		GenerationID: mi.GenerationID,
		Capacity:     types.SectorsToBytes(t.vol.Capacity()),
		Captured:     t.Captured(),
		Corrupt:      !mi.Active,
		SnapshotID:   t.SnapshotID(),
	}
	if ch := t.ch.Load(); ch != nil {
		st := ch.Stats()
		info.Redirect = &st
		info.Corrupt = info.Corrupt || ch.Corrupted()
	}
	return info
}

// IncRef takes a reference.
func (t *Tracker) IncRef() { t.refs.IncRef() }

// TryIncRef takes a reference unless the tracker is already torn down.
func (t *Tracker) TryIncRef() bool { return t.refs.TryIncRef() }

// DecRef drops a reference, tearing the tracker down on the last one.
func (t *Tracker) DecRef() { t.refs.DecRef() }

func (t *Tracker) destroy() {
	if ch := t.Release(); ch != nil {
		ch.Stop()
		ch.DecRef()
	}
	t.cbt.DecRef()
	t.closeErr = t.vol.Close()
	t.log.Info("tracking stopped")
}

// Close drops the reference New returned. The channel, the map and the
// volume handle go once in-flight writes are done with them. The volume's
// close error is returned when the teardown ran synchronously.
func (t *Tracker) Close() error {
	t.closeOnce.Do(t.DecRef)
	return t.closeErr
}
