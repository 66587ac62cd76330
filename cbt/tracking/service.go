package tracking

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/joshuapare/cbtkit/cbt/cbtmap"
	"github.com/joshuapare/cbtkit/cbt/gate"
	"github.com/joshuapare/cbtkit/cbt/redirect"
	"github.com/joshuapare/cbtkit/cbt/tracker"
	"github.com/joshuapare/cbtkit/internal/logger"
	"github.com/joshuapare/cbtkit/pkg/types"
)

// DefaultDegree tracks changes in 64 KiB blocks.
const DefaultDegree = 16

var (
	// ErrAlreadyTracked is returned by Add for a volume already tracked.
	// The call still applies the snapshot id and replaces a stale tracker.
	ErrAlreadyTracked = tracker.ErrAlreadyTracked

	// ErrNotTracked indicates a volume without a tracker.
	ErrNotTracked = tracker.ErrNotTracked

	// ErrSnapshotHeld indicates removal of a volume a snapshot still holds.
	ErrSnapshotHeld = &types.Error{Kind: types.ErrKindBusy, Msg: "tracking: volume is held by a snapshot"}

	// ErrSnapshotCorrupt indicates a capture whose buffered data is already lost.
	ErrSnapshotCorrupt = &types.Error{Kind: types.ErrKindCorrupt, Msg: "tracking: snapshot data is corrupt"}
)

// Options wires the service to the block layer.
type Options struct {
	Opener      types.Opener
	Freezer     types.Freezer
	Interceptor types.Interceptor

	Redirect redirect.Options
	Map      cbtmap.Options
}

// Service tracks volumes and captures snapshots of them.
type Service struct {
	opts   Options
	reg    *tracker.Registry
	queues *tracker.QueueSet

	// mu serialises state transitions. The write path never takes it.
	mu        sync.Mutex
	snapshots map[types.SnapshotID]*Snapshot
	nextSnap  types.SnapshotID

	log *slog.Logger
}

// New returns a service with nothing tracked.
func New(opts Options) *Service {
	s := &Service{
		opts:      opts,
		reg:       tracker.NewRegistry(),
		snapshots: make(map[types.SnapshotID]*Snapshot),
		nextSnap:  1,
		log:       logger.For("tracking"),
	}
	s.queues = tracker.NewQueueSet(opts.Interceptor, s.handleWrite)
	return s
}

// handleWrite is the interception hook installed on every tracked queue.
func (s *Service) handleWrite(ctx context.Context, w *types.Write, next types.Forwarder) types.Disposition {
	t, ok := s.reg.AcquireBySector(w.Queue, w.Sector)
	if !ok {
		return types.PassThrough
	}
	defer t.DecRef()
	return t.HandleWrite(ctx, w, next)
}

// Add starts tracking volume id in blocks of 2^degree bytes and, if
// snapshotID is non-zero, adds it to that live snapshot. An unknown
// snapshotID fails with ErrNoSnapshot before anything is tracked.
//
// For a volume already tracked Add returns ErrAlreadyTracked. It adopts
// snapshotID when the tracker has none, and replaces a tracker whose map
// is corrupt or whose volume was resized.
func (s *Service) Add(ctx context.Context, id types.VolumeID, degree uint, snapshotID types.SnapshotID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var snap *Snapshot
	if snapshotID != 0 {
		if snap = s.snapshots[snapshotID]; snap == nil {
			return fmt.Errorf("%w: %d", ErrNoSnapshot, snapshotID)
		}
	}
	err := s.addLocked(ctx, id, degree, snapshotID)
	if snap != nil && !slices.Contains(snap.Volumes, id) {
		// ReleaseSnapshot has to find the volume to clear it again.
		if t, ferr := s.reg.Find(id); ferr == nil && t.SnapshotID() == snapshotID {
			snap.Volumes = append(snap.Volumes, id)
		}
	}
	return err
}

func (s *Service) addLocked(ctx context.Context, id types.VolumeID, degree uint, snapshotID types.SnapshotID) error {
	log := s.log.With("volume", id)

	if t, err := s.reg.Find(id); err == nil {
		t.AdoptSnapshotID(snapshotID)
		if reason, stale := t.Stale(); stale {
			log.Warn("change tracking fault, recreating tracker", "reason", reason)
			snap := t.SnapshotID()
			if err := s.removeLocked(t); err != nil {
				return err
			}
			if err := s.create(ctx, id, degree, snap); err != nil {
				return err
			}
		}
		log.Debug("volume already tracked")
		return ErrAlreadyTracked
	} else if !errors.Is(err, types.ErrNotFound) {
		return err
	}

	vol, err := s.opts.Opener.Open(id)
	if err != nil {
		return fmt.Errorf("tracking: open %s: %w", id, err)
	}
	span := types.SectorRange{Start: vol.StartSector(), Count: vol.Capacity()}
	queue := vol.Queue()
	if err := vol.Close(); err != nil {
		log.Warn("close after probe failed", "error", err)
	}

	if old, ok := s.reg.FindIntersection(queue, span); ok {
		log.Warn("removing overlapping tracker", "old", old.ID())
		if err := s.removeLocked(old); err != nil {
			return fmt.Errorf("tracking: remove overlapping %s: %w", old.ID(), err)
		}
	}
	return s.create(ctx, id, degree, snapshotID)
}

// create opens the volume, picks its gate and registers a new tracker.
func (s *Service) create(ctx context.Context, id types.VolumeID, degree uint, snapshotID types.SnapshotID) error {
	vol, err := s.opts.Opener.Open(id)
	if err != nil {
		return fmt.Errorf("tracking: open %s: %w", id, err)
	}
	g, err := gate.Select(ctx, s.opts.Freezer, vol)
	if err != nil {
		_ = vol.Close()
		return err
	}
	t, err := tracker.New(tracker.Config{
		Volume:     vol,
		Degree:     degree,
		SnapshotID: snapshotID,
		Gate:       g,
		Map:        s.opts.Map,
	})
	if err != nil {
		_ = vol.Close()
		return err
	}
	if err := s.reg.Insert(t); err != nil {
		_ = t.Close()
		return err
	}
	if err := s.queues.Get(t.Queue()); err != nil {
		s.reg.Remove(t)
		_ = t.Close()
		return err
	}
	return nil
}

// removeLocked unregisters t and drops it.
func (s *Service) removeLocked(t *tracker.Tracker) error {
	s.reg.Remove(t)
	if err := s.queues.Put(t.Queue()); err != nil {
		s.log.Error("release queue", "volume", t.ID(), "error", err)
	}
	return t.Close()
}

// Remove stops tracking volume id. It fails with ErrSnapshotHeld while a
// snapshot is associated with the volume.
func (s *Service) Remove(ctx context.Context, id types.VolumeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.reg.Find(id)
	if err != nil {
		return err
	}
	if snap := t.SnapshotID(); snap != 0 {
		return fmt.Errorf("%w: snapshot %d", ErrSnapshotHeld, snap)
	}
	return s.removeLocked(t)
}

// RemoveAll drops every tracker and snapshot. It is the shutdown path.
func (s *Service) RemoveAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, t := range s.reg.All() {
		if err := s.removeLocked(t); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", t.ID(), err))
		}
	}
	clear(s.snapshots)
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.log.Info("all volumes released")
	return nil
}

// Capture captures every volume of ids. On failure every volume of the set
// is released again and the first error is returned.
func (s *Service) Capture(ctx context.Context, ids []types.VolumeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captureLocked(ctx, ids)
}

func (s *Service) captureLocked(ctx context.Context, ids []types.VolumeID) error {
	err := s.captureSet(ctx, ids)
	if err == nil {
		return nil
	}
	s.log.Error("capture failed, releasing volume set", "error", err)
	if rerr := s.releaseLocked(ctx, ids); rerr != nil {
		s.log.Error("release after failed capture", "error", rerr)
	}
	return err
}

func (s *Service) captureSet(ctx context.Context, ids []types.VolumeID) error {
	trackers := make([]*tracker.Tracker, 0, len(ids))
	for _, id := range ids {
		t, err := s.reg.Find(id)
		if err != nil {
			return fmt.Errorf("tracking: capture %s: %w", id, err)
		}
		if err := s.captureOne(ctx, t); err != nil {
			return err
		}
		trackers = append(trackers, t)
	}
	for _, t := range trackers {
		if ch := t.Channel(); ch != nil && ch.Corrupted() {
			return fmt.Errorf("%w: volume %s", ErrSnapshotCorrupt, t.ID())
		}
	}
	return nil
}

func (s *Service) captureOne(ctx context.Context, t *tracker.Tracker) error {
	g := t.Gate()
	if err := g.Close(ctx); err != nil {
		return fmt.Errorf("tracking: capture %s: %w", t.ID(), err)
	}
	err := t.Capture(s.opts.Redirect)
	if oerr := g.Open(ctx); oerr != nil {
		err = errors.Join(err, fmt.Errorf("tracking: capture %s: %w", t.ID(), oerr))
	}
	return err
}

// Release releases every volume of ids. Volumes not tracked are skipped;
// the first failure stops the walk.
func (s *Service) Release(ctx context.Context, ids []types.VolumeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseLocked(ctx, ids)
}

func (s *Service) releaseLocked(ctx context.Context, ids []types.VolumeID) error {
	for _, id := range ids {
		t, err := s.reg.Find(id)
		if err != nil {
			s.log.Warn("release of untracked volume", "volume", id)
			continue
		}
		if err := s.releaseOne(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// releaseOne detaches the channel inside the gate and drains it after the
// gate is open again, so the volume is not held while copies finish.
func (s *Service) releaseOne(ctx context.Context, t *tracker.Tracker) error {
	g := t.Gate()
	if err := g.Close(ctx); err != nil {
		return fmt.Errorf("tracking: release %s: %w", t.ID(), err)
	}
	ch := t.Release()
	oerr := g.Open(ctx)
	if ch != nil {
		ch.Stop()
		ch.DecRef()
	}
	if oerr != nil {
		return fmt.Errorf("tracking: release %s: %w", t.ID(), oerr)
	}
	return nil
}

// Collect lists at most limit tracked volumes. More volumes than limit fail
// with an error of kind NoBuffers alongside the first limit entries.
func (s *Service) Collect(limit int) ([]types.CBTInfo, error) {
	infos, err := s.reg.Collect(limit)
	s.log.Debug("collected tracked volumes", "count", len(infos), "limit", limit)
	return infos, err
}

// Info describes one tracked volume.
func (s *Service) Info(id types.VolumeID) (types.CBTInfo, error) {
	t, err := s.reg.Acquire(id)
	if err != nil {
		return types.CBTInfo{}, err
	}
	defer t.DecRef()
	return t.Info(), nil
}

// ReadBitmap copies n bytes of the published map of volume id, starting at
// block off, to w. The volume must be captured.
func (s *Service) ReadBitmap(id types.VolumeID, w io.Writer, off, n uint64) (uint64, error) {
	t, err := s.reg.Acquire(id)
	if err != nil {
		return 0, err
	}
	defer t.DecRef()
	return t.ReadBitmap(w, off, n)
}

// MarkDirty marks ranges of volume id as changed in both the published and
// the active generation.
func (s *Service) MarkDirty(id types.VolumeID, ranges []types.SectorRange) error {
	t, err := s.reg.Acquire(id)
	if err != nil {
		return err
	}
	defer t.DecRef()
	return t.MarkDirty(ranges)
}

// ReadSnapshot reads the captured view of volume id.
func (s *Service) ReadSnapshot(id types.VolumeID, p []byte, off int64) (int, error) {
	t, err := s.reg.Acquire(id)
	if err != nil {
		return 0, err
	}
	defer t.DecRef()
	ch := t.Channel()
	if ch == nil || !ch.TryIncRef() {
		return 0, tracker.ErrNotCaptured
	}
	defer ch.DecRef()
	return ch.ReadSnapshot(p, off)
}

// Tracked reports whether volume id is tracked.
func (s *Service) Tracked(id types.VolumeID) bool {
	_, err := s.reg.Find(id)
	return err == nil
}

// Queues returns the number of intercepted queues.
func (s *Service) Queues() int { return s.queues.Len() }
