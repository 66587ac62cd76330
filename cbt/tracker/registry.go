package tracker

import (
	"cmp"
	"sync"

	"github.com/google/btree"

	"github.com/joshuapare/cbtkit/pkg/types"
)

var (
	// ErrNotTracked indicates a volume without a tracker.
	ErrNotTracked = &types.Error{Kind: types.ErrKindNotFound, Msg: "tracker: volume is not tracked"}

	// ErrAlreadyTracked indicates a second tracker for one volume.
	ErrAlreadyTracked = &types.Error{Kind: types.ErrKindAlreadyExists, Msg: "tracker: volume already tracked"}

	// ErrTooMany indicates more trackers than the caller has room for.
	ErrTooMany = &types.Error{Kind: types.ErrKindNoBuffers, Msg: "tracker: more tracked volumes than requested"}
)

// btreeDegree is the B-tree node degree of the sector index.
const btreeDegree = 8

func lessBySector(a, b *Tracker) bool {
	if c := cmp.Compare(a.queue, b.queue); c != 0 {
		return c < 0
	}
	if c := cmp.Compare(a.start, b.start); c != 0 {
		return c < 0
	}
	if c := cmp.Compare(a.id.Major, b.id.Major); c != 0 {
		return c < 0
	}
	return a.id.Minor < b.id.Minor
}

// Registry is the set of trackers. Lookups take the shared lock, insert and
// remove the exclusive one.
type Registry struct {
	mu       sync.RWMutex
	byID     map[types.VolumeID]*Tracker
	bySector *btree.BTreeG[*Tracker]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:     make(map[types.VolumeID]*Tracker),
		bySector: btree.NewG(btreeDegree, lessBySector),
	}
}

// Insert adds t. A tracker for the same volume fails with ErrAlreadyTracked.
func (r *Registry) Insert(t *Tracker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[t.id]; ok {
		return ErrAlreadyTracked
	}
	r.byID[t.id] = t
	r.bySector.ReplaceOrInsert(t)
	return nil
}

// Remove drops t and reports whether it was registered.
func (r *Registry) Remove(t *Tracker) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byID[t.id]; !ok || cur != t {
		return false
	}
	delete(r.byID, t.id)
	r.bySector.Delete(t)
	return true
}

// Find returns the tracker of volume id.
func (r *Registry) Find(id types.VolumeID) (*Tracker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	if !ok {
		return nil, ErrNotTracked
	}
	return t, nil
}

// pivot is a search key sorting after every tracker on q starting at or
// before sector.
func pivot(q types.QueueID, sector uint64) *Tracker {
	return &Tracker{queue: q, start: sector, id: types.VolumeID{Major: ^uint32(0), Minor: ^uint32(0)}}
}

// FindBySector returns the tracker whose volume holds sector on queue q.
func (r *Registry) FindBySector(q types.QueueID, sector uint64) (*Tracker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findBySectorLocked(q, sector)
}

func (r *Registry) findBySectorLocked(q types.QueueID, sector uint64) (*Tracker, bool) {
	var found *Tracker
	r.bySector.DescendLessOrEqual(pivot(q, sector), func(t *Tracker) bool {
		if t.queue != q {
			return false
		}
		if t.Contains(sector) {
			found = t
			return false
		}
		return true
	})
	return found, found != nil
}

// AcquireBySector is FindBySector taking a reference on the tracker found.
// The caller drops it with DecRef.
func (r *Registry) AcquireBySector(q types.QueueID, sector uint64) (*Tracker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.findBySectorLocked(q, sector)
	if !ok || !t.TryIncRef() {
		return nil, false
	}
	return t, true
}

// Acquire is Find taking a reference on the tracker.
func (r *Registry) Acquire(id types.VolumeID) (*Tracker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	if !ok || !t.TryIncRef() {
		return nil, ErrNotTracked
	}
	return t, nil
}

// FindIntersection returns a tracker on queue q whose volume overlaps the
// queue sectors rng.
func (r *Registry) FindIntersection(q types.QueueID, rng types.SectorRange) (*Tracker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *Tracker
	r.bySector.AscendGreaterOrEqual(&Tracker{queue: q}, func(t *Tracker) bool {
		if t.queue != q {
			return false
		}
		if overlaps(rng, t.Span()) {
			found = t
			return false
		}
		return true
	})
	return found, found != nil
}

// overlaps reports whether a and b share a sector, or one lies inside the
// other.
func overlaps(a, b types.SectorRange) bool {
	if a.Start >= b.Start && a.End() <= b.End() {
		return true
	}
	if b.Start >= a.Start && b.End() <= a.End() {
		return true
	}
	return a.Start < b.End() && b.Start < a.End()
}

// FindBySnapshot returns the trackers associated with snapshot id, ordered
// by queue and start sector.
func (r *Registry) FindBySnapshot(id types.SnapshotID) []*Tracker {
	var out []*Tracker
	r.Ascend(func(t *Tracker) bool {
		if t.SnapshotID() == id {
			out = append(out, t)
		}
		return true
	})
	return out
}

// Ascend calls fn for every tracker ordered by queue and start sector until
// fn returns false.
func (r *Registry) Ascend(fn func(t *Tracker) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.bySector.Ascend(fn)
}

// All returns every tracker ordered by queue and start sector.
func (r *Registry) All() []*Tracker {
	out := make([]*Tracker, 0, r.Len())
	r.Ascend(func(t *Tracker) bool {
		out = append(out, t)
		return true
	})
	return out
}

// Collect returns the info of at most limit trackers. More trackers than limit
// fail with ErrTooMany alongside the first limit entries.
func (r *Registry) Collect(limit int) ([]types.CBTInfo, error) {
	var (
		out []types.CBTInfo
		err error
	)
	r.Ascend(func(t *Tracker) bool {
		if len(out) >= limit {
			err = ErrTooMany
			return false
		}
		out = append(out, t.Info())
		return true
	})
	return out, err
}

// Len returns the number of trackers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
