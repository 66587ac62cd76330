package types

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// -----------------------------------------------------------------------------
// Sectors & Identities
// -----------------------------------------------------------------------------

const (
	// SectorShift is log2 of the 512-byte sector every offset in this module is expressed in.
	SectorShift = 9
	// SectorSize is the size of one sector in bytes.
	SectorSize = 1 << SectorShift
)

// SectorsToBytes converts a sector count to bytes.
func SectorsToBytes(sectors uint64) uint64 { return sectors << SectorShift }

// BytesToSectors converts a byte count to whole sectors, rounding down.
func BytesToSectors(n uint64) uint64 { return n >> SectorShift }

// VolumeID identifies a block device by its device number.
type VolumeID struct {
	Major uint32 `json:"major"`
	Minor uint32 `json:"minor"`
}

func (id VolumeID) String() string { return fmt.Sprintf("%d:%d", id.Major, id.Minor) }

// ParseVolumeID parses "major:minor".
func ParseVolumeID(s string) (VolumeID, error) {
	var id VolumeID
	if _, err := fmt.Sscanf(s, "%d:%d", &id.Major, &id.Minor); err != nil {
		return VolumeID{}, Wrap(ErrKindInvalid, fmt.Sprintf("volume id %q", s), err)
	}
	return id, nil
}

// QueueID identifies the write-submission queue a volume belongs to. All
// partitions of one disk share the disk's queue.
type QueueID uint64

// SectorRange is a half-open range of sectors, [Start, Start+Count).
type SectorRange struct {
	Start uint64 `json:"start"`
	Count uint64 `json:"count"`
}

// End returns the first sector past the range.
func (r SectorRange) End() uint64 { return r.Start + r.Count }

// -----------------------------------------------------------------------------
// Volume collaborators
// -----------------------------------------------------------------------------

// Volume is an open block device.
type Volume interface {
	io.ReaderAt

	// ID returns the device number.
	ID() VolumeID
	// Queue returns the write-submission queue the volume belongs to.
	Queue() QueueID
	// Capacity returns the current size in sectors.
	Capacity() uint64
	// StartSector returns the first sector of the volume on its queue
	// (non-zero for partitions).
	StartSector() uint64
	// LogicalBlockSize returns the logical block size in bytes.
	LogicalBlockSize() uint32
	// PhysicalBlockSize returns the physical block size in bytes.
	PhysicalBlockSize() uint32
	// Close releases the handle.
	Close() error
}

// Opener opens volumes by identity. Open returns an error of kind
// ErrKindNotFound when no such device exists.
type Opener interface {
	Open(id VolumeID) (Volume, error)
}

// ErrNoFilesystem is returned by Freezer.Freeze for volumes without a
// mounted filesystem. It is not fatal: callers fall back to an in-process gate.
var ErrNoFilesystem = errors.New("volume has no mounted filesystem")

// FreezeToken is the opaque result of a successful freeze.
type FreezeToken any

// Freezer pauses and resumes filesystem I/O on a volume.
type Freezer interface {
	Freeze(ctx context.Context, vol Volume) (FreezeToken, error)
	Thaw(ctx context.Context, vol Volume, token FreezeToken) error
}

// -----------------------------------------------------------------------------
// Write interception
// -----------------------------------------------------------------------------

// Segment is one memory span of a write.
type Segment struct {
	Page   []byte
	Offset int
	Len    int
}

// Bytes returns the span of Page the segment covers.
func (s Segment) Bytes() []byte { return s.Page[s.Offset : s.Offset+s.Len] }

// Write is an intercepted write request. Sector is relative to the queue,
// not to a partition.
type Write struct {
	Queue    QueueID
	Sector   uint64
	Length   uint32 // bytes
	Segments []Segment

	// Done, if set, is called once the write has been forwarded by whoever
	// took ownership of it.
	Done func(err error)
}

// Complete reports the outcome of a deferred write to its submitter.
func (w *Write) Complete(err error) {
	if w.Done != nil {
		w.Done(err)
	}
}

// CopyTo gathers the payload into p, which must hold Length bytes.
func (w *Write) CopyTo(p []byte) int {
	n := 0
	for _, s := range w.Segments {
		n += copy(p[n:], s.Bytes())
	}
	return n
}

// Sectors returns the length of the write in sectors.
func (w *Write) Sectors() uint64 { return BytesToSectors(uint64(w.Length)) }

// HasData reports whether the write carries a payload.
func (w *Write) HasData() bool { return w.Length > 0 && len(w.Segments) > 0 }

// Disposition tells the interception layer what happened to a write.
type Disposition int

const (
	// PassThrough: the interception layer forwards the write itself.
	PassThrough Disposition = iota
	// Deferred: the handler took ownership; it forwards the write and then
	// calls Complete.
	Deferred
)

// Forwarder submits a write to the next handler in the I/O path.
type Forwarder func(ctx context.Context, w *Write) error

// WriteHandler receives intercepted writes for a queue.
type WriteHandler func(ctx context.Context, w *Write, next Forwarder) Disposition

// Interceptor installs and removes write handlers on queues.
type Interceptor interface {
	Attach(q QueueID, h WriteHandler) error
	Detach(q QueueID) error
}
