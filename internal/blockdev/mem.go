package blockdev

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/cbtkit/pkg/types"
)

// MemDisk is a RAM-backed disk with one write queue.
type MemDisk struct {
	queue types.QueueID

	mu   sync.RWMutex
	data []byte

	writes atomic.Uint64
}

// Queue returns the disk's queue.
func (d *MemDisk) Queue() types.QueueID { return d.queue }

// Sectors returns the disk size in sectors.
func (d *MemDisk) Sectors() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return types.BytesToSectors(uint64(len(d.data)))
}

// Writes returns the number of writes applied to the disk.
func (d *MemDisk) Writes() uint64 { return d.writes.Load() }

// Grow extends the disk to sectors sectors.
func (d *MemDisk) Grow(sectors uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := types.SectorsToBytes(sectors); n > uint64(len(d.data)) {
		d.data = append(d.data, make([]byte, n-uint64(len(d.data)))...)
	}
}

func (d *MemDisk) apply(w *types.Write) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := types.SectorsToBytes(w.Sector)
	if off+uint64(w.Length) > uint64(len(d.data)) {
		return types.Errorf(types.ErrKindOutOfRange, "memdisk: write %d+%d past end %d", off, w.Length, len(d.data))
	}
	w.CopyTo(d.data[off : off+uint64(w.Length)])
	d.writes.Add(1)
	return nil
}

func (d *MemDisk) readAt(p []byte, off uint64) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if off >= uint64(len(d.data)) {
		return 0
	}
	return copy(p, d.data[off:])
}

// MemVolume is a partition of a MemDisk.
type MemVolume struct {
	disk     *MemDisk
	id       types.VolumeID
	start    uint64
	capacity atomic.Uint64
	hasFS    bool

	opens  atomic.Int32
	closes atomic.Int32
}

func (v *MemVolume) ID() types.VolumeID        { return v.id }
func (v *MemVolume) Queue() types.QueueID      { return v.disk.queue }
func (v *MemVolume) Capacity() uint64          { return v.capacity.Load() }
func (v *MemVolume) StartSector() uint64       { return v.start }
func (v *MemVolume) LogicalBlockSize() uint32  { return types.SectorSize }
func (v *MemVolume) PhysicalBlockSize() uint32 { return 4096 }

// Disk returns the disk the partition lives on.
func (v *MemVolume) Disk() *MemDisk { return v.disk }

// ReadAt reads from the partition. off is relative to the partition start.
func (v *MemVolume) ReadAt(p []byte, off int64) (int, error) {
	size := types.SectorsToBytes(v.Capacity())
	if off < 0 || uint64(off) >= size {
		return 0, io.EOF
	}
	want := p
	if rest := size - uint64(off); uint64(len(want)) > rest {
		want = want[:rest]
	}
	n := v.disk.readAt(want, types.SectorsToBytes(v.start)+uint64(off))
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Resize changes the partition size, as an online resize would.
func (v *MemVolume) Resize(sectors uint64) {
	v.disk.Grow(v.start + sectors)
	v.capacity.Store(sectors)
}

// Close releases one handle returned by Open.
func (v *MemVolume) Close() error {
	v.closes.Add(1)
	return nil
}

// OpenHandles returns opens minus closes.
func (v *MemVolume) OpenHandles() int { return int(v.opens.Load() - v.closes.Load()) }

// Mem is an in-memory block layer: it opens, freezes and intercepts writes
// for the disks and partitions registered with it.
type Mem struct {
	mu       sync.RWMutex
	disks    map[types.QueueID]*MemDisk
	volumes  map[types.VolumeID]*MemVolume
	handlers map[types.QueueID]types.WriteHandler
	frozen   map[types.VolumeID]bool

	freezeErr error
	thawErr   error
}

var (
	_ types.Opener      = (*Mem)(nil)
	_ types.Freezer     = (*Mem)(nil)
	_ types.Interceptor = (*Mem)(nil)
)

// NewMem returns an empty in-memory block layer.
func NewMem() *Mem {
	return &Mem{
		disks:    make(map[types.QueueID]*MemDisk),
		volumes:  make(map[types.VolumeID]*MemVolume),
		handlers: make(map[types.QueueID]types.WriteHandler),
		frozen:   make(map[types.VolumeID]bool),
	}
}

// AddDisk registers a zeroed disk of sectors sectors on queue q.
func (m *Mem) AddDisk(q types.QueueID, sectors uint64) *MemDisk {
	d := &MemDisk{queue: q, data: make([]byte, types.SectorsToBytes(sectors))}
	m.mu.Lock()
	m.disks[q] = d
	m.mu.Unlock()
	return d
}

// AddVolume registers a partition of d. hasFS decides whether it can be frozen.
func (m *Mem) AddVolume(d *MemDisk, id types.VolumeID, start, sectors uint64, hasFS bool) *MemVolume {
	v := &MemVolume{disk: d, id: id, start: start, hasFS: hasFS}
	v.capacity.Store(sectors)
	m.mu.Lock()
	m.volumes[id] = v
	m.mu.Unlock()
	return v
}

// RemoveVolume unregisters a partition so Open fails for it.
func (m *Mem) RemoveVolume(id types.VolumeID) {
	m.mu.Lock()
	delete(m.volumes, id)
	m.mu.Unlock()
}

// Volume returns the registered partition, or nil.
func (m *Mem) Volume(id types.VolumeID) *MemVolume {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.volumes[id]
}

// Open implements types.Opener.
func (m *Mem) Open(id types.VolumeID) (types.Volume, error) {
	m.mu.RLock()
	v := m.volumes[id]
	m.mu.RUnlock()
	if v == nil {
		return nil, types.Errorf(types.ErrKindNotFound, "memdisk: no volume %s", id)
	}
	v.opens.Add(1)
	return v, nil
}

// SetFreezeError makes every following Freeze of a volume with a filesystem fail.
func (m *Mem) SetFreezeError(err error) {
	m.mu.Lock()
	m.freezeErr = err
	m.mu.Unlock()
}

// SetThawError makes every following Thaw fail.
func (m *Mem) SetThawError(err error) {
	m.mu.Lock()
	m.thawErr = err
	m.mu.Unlock()
}

// Frozen reports whether the volume is currently frozen.
func (m *Mem) Frozen(id types.VolumeID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frozen[id]
}

// Freeze implements types.Freezer.
func (m *Mem) Freeze(ctx context.Context, vol types.Volume) (types.FreezeToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.volumes[vol.ID()]
	if v == nil || !v.hasFS {
		return nil, types.ErrNoFilesystem
	}
	if m.freezeErr != nil {
		return nil, m.freezeErr
	}
	if m.frozen[v.id] {
		return nil, types.Errorf(types.ErrKindBusy, "memdisk: %s already frozen", v.id)
	}
	m.frozen[v.id] = true
	return v.id, nil
}

// Thaw implements types.Freezer.
func (m *Mem) Thaw(_ context.Context, vol types.Volume, token types.FreezeToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.thawErr != nil {
		return m.thawErr
	}
	if token != vol.ID() || !m.frozen[vol.ID()] {
		return types.Errorf(types.ErrKindState, "memdisk: %s not frozen", vol.ID())
	}
	delete(m.frozen, vol.ID())
	return nil
}

// Attach implements types.Interceptor.
func (m *Mem) Attach(q types.QueueID, h types.WriteHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handlers[q]; ok {
		return types.Errorf(types.ErrKindAlreadyExists, "memdisk: queue %d already intercepted", q)
	}
	m.handlers[q] = h
	return nil
}

// Detach implements types.Interceptor.
func (m *Mem) Detach(q types.QueueID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handlers[q]; !ok {
		return types.Errorf(types.ErrKindNotFound, "memdisk: queue %d not intercepted", q)
	}
	delete(m.handlers, q)
	return nil
}

// Attached reports whether a handler is installed on q.
func (m *Mem) Attached(q types.QueueID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.handlers[q]
	return ok
}

// Submit sends a write down the queue, through the attached handler if any,
// and waits until it reaches the disk.
func (m *Mem) Submit(ctx context.Context, w *types.Write) error {
	m.mu.RLock()
	d := m.disks[w.Queue]
	h := m.handlers[w.Queue]
	m.mu.RUnlock()
	if d == nil {
		return types.Errorf(types.ErrKindNotFound, "memdisk: no queue %d", w.Queue)
	}
	next := func(_ context.Context, w *types.Write) error { return d.apply(w) }
	if h == nil {
		return next(ctx, w)
	}

	done := make(chan error, 1)
	w.Done = func(err error) { done <- err }
	if h(ctx, w, next) == types.PassThrough {
		w.Done = nil
		return next(ctx, w)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Write submits p at sector on queue q, split into page-sized segments.
func (m *Mem) Write(ctx context.Context, q types.QueueID, sector uint64, p []byte) error {
	if len(p)%types.SectorSize != 0 {
		return fmt.Errorf("memdisk: write of %d bytes is not sector aligned", len(p))
	}
	w := &types.Write{Queue: q, Sector: sector, Length: uint32(len(p))}
	for off := 0; off < len(p); off += 4096 {
		n := min(4096, len(p)-off)
		w.Segments = append(w.Segments, types.Segment{Page: p, Offset: off, Len: n})
	}
	return m.Submit(ctx, w)
}
