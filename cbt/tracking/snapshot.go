package tracking

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/joshuapare/cbtkit/pkg/types"
)

// ErrNoSnapshot indicates an unknown snapshot id.
var ErrNoSnapshot = &types.Error{Kind: types.ErrKindNotFound, Msg: "tracking: no such snapshot"}

// Snapshot is a captured volume set.
type Snapshot struct {
	ID      types.SnapshotID `json:"id"`
	Volumes []types.VolumeID `json:"volumes"`
}

// CreateSnapshot tracks every volume of ids that is not tracked yet, in
// blocks of 2^degree bytes, associates them with a new snapshot and
// captures the set.
func (s *Service) CreateSnapshot(ctx context.Context, ids []types.VolumeID, degree uint) (types.SnapshotID, error) {
	if len(ids) == 0 {
		return 0, types.Errorf(types.ErrKindInvalid, "tracking: snapshot of no volumes")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSnap
	s.nextSnap++
	log := s.log.With("snapshot", id)

	for _, vol := range ids {
		err := s.addLocked(ctx, vol, degree, id)
		if err != nil && !errors.Is(err, types.ErrAlreadyExists) {
			s.dropSnapshotLocked(id, ids)
			return 0, err
		}
		t, ferr := s.reg.Find(vol)
		if ferr != nil {
			s.dropSnapshotLocked(id, ids)
			return 0, ferr
		}
		if t.SnapshotID() != id {
			s.dropSnapshotLocked(id, ids)
			return 0, fmt.Errorf("%w: %s belongs to snapshot %d", ErrSnapshotHeld, vol, t.SnapshotID())
		}
	}

	if err := s.captureLocked(ctx, ids); err != nil {
		s.dropSnapshotLocked(id, ids)
		return 0, err
	}
	s.snapshots[id] = &Snapshot{ID: id, Volumes: slices.Clone(ids)}
	log.Info("snapshot created", "volumes", len(ids))
	return id, nil
}

// dropSnapshotLocked clears snapshot id from the trackers of ids.
func (s *Service) dropSnapshotLocked(id types.SnapshotID, ids []types.VolumeID) {
	for _, vol := range ids {
		if t, err := s.reg.Find(vol); err == nil && t.SnapshotID() == id {
			t.SetSnapshotID(0)
		}
	}
}

// ReleaseSnapshot releases the volume set of snapshot id and clears the
// association, so the volumes can be removed again.
func (s *Service) ReleaseSnapshot(ctx context.Context, id types.SnapshotID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoSnapshot, id)
	}
	if err := s.releaseLocked(ctx, snap.Volumes); err != nil {
		return err
	}
	s.dropSnapshotLocked(id, snap.Volumes)
	delete(s.snapshots, id)
	s.log.Info("snapshot released", "snapshot", id)
	return nil
}

// Snapshot returns snapshot id.
func (s *Service) Snapshot(id types.SnapshotID) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %d", ErrNoSnapshot, id)
	}
	return Snapshot{ID: snap.ID, Volumes: slices.Clone(snap.Volumes)}, nil
}

// Snapshots lists the live snapshots ordered by id.
func (s *Service) Snapshots() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		out = append(out, Snapshot{ID: snap.ID, Volumes: slices.Clone(snap.Volumes)})
	}
	slices.SortFunc(out, func(a, b Snapshot) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
