package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/cbtkit/pkg/types"
)

func Test_Registry_InsertFindRemove(t *testing.T) {
	e := newEnv(t, 1, 1024)
	tr, _ := e.track(t, 1, 0, 1024)
	r := NewRegistry()

	require.NoError(t, r.Insert(tr))
	assert.ErrorIs(t, r.Insert(tr), ErrAlreadyTracked)
	assert.ErrorIs(t, r.Insert(tr), types.ErrAlreadyExists)

	got, err := r.Find(tr.ID())
	require.NoError(t, err)
	assert.Same(t, tr, got)

	assert.True(t, r.Remove(tr))
	assert.False(t, r.Remove(tr))
	_, err = r.Find(tr.ID())
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Zero(t, r.Len())
}

func Test_Registry_FindBySector(t *testing.T) {
	e := newEnv(t, 1, 4096)
	p1, _ := e.track(t, 1, 0, 1000)
	p2, _ := e.track(t, 2, 1000, 1000)
	p3, _ := e.track(t, 3, 3000, 1000)

	other := newEnv(t, 2, 4096)
	q2, _ := other.track(t, 9, 0, 4096)

	r := NewRegistry()
	for _, tr := range []*Tracker{p3, q2, p1, p2} {
		require.NoError(t, r.Insert(tr))
	}

	cases := []struct {
		q      types.QueueID
		sector uint64
		want   *Tracker
	}{
		{1, 0, p1},
		{1, 999, p1},
		{1, 1000, p2},
		{1, 1999, p2},
		{1, 2500, nil},
		{1, 3000, p3},
		{1, 3999, p3},
		{1, 4000, nil},
		{2, 2500, q2},
		{3, 0, nil},
	}
	for _, c := range cases {
		got, ok := r.FindBySector(c.q, c.sector)
		assert.Equal(t, c.want != nil, ok, "queue %d sector %d", c.q, c.sector)
		assert.Same(t, c.want, got, "queue %d sector %d", c.q, c.sector)
	}
}

func Test_Registry_FindBySectorFollowsResize(t *testing.T) {
	e := newEnv(t, 1, 4096)
	tr, mv := e.track(t, 1, 0, 1000)
	r := NewRegistry()
	require.NoError(t, r.Insert(tr))

	_, ok := r.FindBySector(1, 1500)
	assert.False(t, ok)
	mv.Resize(2000)
	_, ok = r.FindBySector(1, 1500)
	assert.True(t, ok)
}

func Test_Registry_FindIntersection(t *testing.T) {
	e := newEnv(t, 1, 4096)
	whole, _ := e.track(t, 0, 0, 4096)
	r := NewRegistry()
	require.NoError(t, r.Insert(whole))

	got, ok := r.FindIntersection(1, types.SectorRange{Start: 2048, Count: 100})
	assert.True(t, ok)
	assert.Same(t, whole, got)

	_, ok = r.FindIntersection(2, types.SectorRange{Start: 0, Count: 100})
	assert.False(t, ok)

	_, ok = r.FindIntersection(1, types.SectorRange{Start: 4096, Count: 100})
	assert.False(t, ok)
}

func Test_Overlaps(t *testing.T) {
	r := func(s, c uint64) types.SectorRange { return types.SectorRange{Start: s, Count: c} }
	assert.True(t, overlaps(r(0, 10), r(5, 10)))
	assert.True(t, overlaps(r(5, 10), r(0, 10)))
	assert.True(t, overlaps(r(0, 100), r(10, 10)))
	assert.True(t, overlaps(r(10, 10), r(0, 100)))
	assert.False(t, overlaps(r(0, 10), r(10, 10)))
	assert.False(t, overlaps(r(10, 10), r(0, 10)))
}

func Test_Registry_CollectLimit(t *testing.T) {
	e := newEnv(t, 1, 4096)
	r := NewRegistry()
	for i := range 3 {
		tr, _ := e.track(t, uint32(i+1), uint64(i)*1000, 1000)
		require.NoError(t, r.Insert(tr))
	}

	infos, err := r.Collect(3)
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, uint32(1), infos[0].Volume.Minor)
	assert.Equal(t, uint32(3), infos[2].Volume.Minor)

	infos, err = r.Collect(2)
	assert.ErrorIs(t, err, ErrTooMany)
	assert.ErrorIs(t, err, types.ErrNoBuffers)
	assert.Len(t, infos, 2)

	infos, err = r.Collect(0)
	assert.ErrorIs(t, err, types.ErrNoBuffers)
	assert.Empty(t, infos)
}

func Test_Registry_FindBySnapshot(t *testing.T) {
	e := newEnv(t, 1, 4096)
	a, _ := e.track(t, 1, 0, 1000)
	b, _ := e.track(t, 2, 1000, 1000)
	c, _ := e.track(t, 3, 2000, 1000)
	r := NewRegistry()
	for _, tr := range []*Tracker{a, b, c} {
		require.NoError(t, r.Insert(tr))
	}
	a.SetSnapshotID(5)
	c.SetSnapshotID(5)
	b.SetSnapshotID(6)

	got := r.FindBySnapshot(5)
	require.Len(t, got, 2)
	assert.Same(t, a, got[0])
	assert.Same(t, c, got[1])
	assert.Empty(t, r.FindBySnapshot(7))
	assert.Len(t, r.All(), 3)
}

func Test_Registry_AcquireKeepsTrackerAlive(t *testing.T) {
	e := newEnv(t, 1, 1024)
	tr, mv := e.track(t, 1, 0, 1024)
	r := NewRegistry()
	require.NoError(t, r.Insert(tr))

	held, ok := r.AcquireBySector(1, 10)
	require.True(t, ok)
	require.Same(t, tr, held)

	r.Remove(tr)
	require.NoError(t, tr.Close())
	assert.Equal(t, 1, mv.OpenHandles(), "still referenced by the write path")

	held.DecRef()
	assert.Equal(t, 0, mv.OpenHandles())

	_, err := r.Acquire(tr.ID())
	assert.ErrorIs(t, err, ErrNotTracked)
}
