package blockdev

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/moby/sys/mountinfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/cbtkit/pkg/types"
)

func setupMem(t *testing.T) (*Mem, *MemDisk, *MemVolume) {
	t.Helper()
	m := NewMem()
	d := m.AddDisk(1, 2048)
	v := m.AddVolume(d, types.VolumeID{Major: 8, Minor: 1}, 1024, 1024, true)
	return m, d, v
}

func Test_Mem_OpenAndRead(t *testing.T) {
	m, _, v := setupMem(t)
	ctx := context.Background()

	vol, err := m.Open(v.ID())
	require.NoError(t, err)
	assert.Equal(t, 1, v.OpenHandles())
	assert.Equal(t, uint64(1024), vol.Capacity())
	assert.Equal(t, uint64(1024), vol.StartSector())
	assert.Equal(t, types.QueueID(1), vol.Queue())

	payload := bytes.Repeat([]byte{0xAA}, 1024)
	require.NoError(t, m.Write(ctx, 1, 1024+3, payload))

	got := make([]byte, 1024)
	_, err = vol.ReadAt(got, 3*512)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// Reads stop at the partition end.
	n, err := vol.ReadAt(make([]byte, 1024), int64(types.SectorsToBytes(1024))-512)
	assert.Equal(t, 512, n)
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, vol.Close())
	assert.Zero(t, v.OpenHandles())

	_, err = m.Open(types.VolumeID{Major: 9})
	require.ErrorIs(t, err, types.ErrNotFound)
}

func Test_Mem_WritePastEnd(t *testing.T) {
	m, _, _ := setupMem(t)
	err := m.Write(context.Background(), 1, 2047, make([]byte, 1024))
	require.ErrorIs(t, err, types.ErrOutOfRange)
}

func Test_Mem_Freeze(t *testing.T) {
	m, d, v := setupMem(t)
	ctx := context.Background()

	token, err := m.Freeze(ctx, v)
	require.NoError(t, err)
	assert.True(t, m.Frozen(v.ID()))

	_, err = m.Freeze(ctx, v)
	require.ErrorIs(t, err, types.ErrBusy)

	require.NoError(t, m.Thaw(ctx, v, token))
	assert.False(t, m.Frozen(v.ID()))
	require.Error(t, m.Thaw(ctx, v, token))

	raw := m.AddVolume(d, types.VolumeID{Major: 8, Minor: 2}, 0, 1024, false)
	_, err = m.Freeze(ctx, raw)
	require.ErrorIs(t, err, types.ErrNoFilesystem)
}

func Test_Mem_InterceptPassThrough(t *testing.T) {
	m, d, _ := setupMem(t)
	ctx := context.Background()

	var seen []uint64
	require.NoError(t, m.Attach(1, func(_ context.Context, w *types.Write, _ types.Forwarder) types.Disposition {
		seen = append(seen, w.Sector)
		return types.PassThrough
	}))
	require.ErrorIs(t, m.Attach(1, nil), types.ErrAlreadyExists)
	assert.True(t, m.Attached(1))

	require.NoError(t, m.Write(ctx, 1, 10, make([]byte, 512)))
	assert.Equal(t, []uint64{10}, seen)
	assert.Equal(t, uint64(1), d.Writes())

	require.NoError(t, m.Detach(1))
	require.ErrorIs(t, m.Detach(1), types.ErrNotFound)
	require.NoError(t, m.Write(ctx, 1, 11, make([]byte, 512)))
	assert.Len(t, seen, 1)
}

func Test_Mem_InterceptDeferred(t *testing.T) {
	m, d, _ := setupMem(t)
	ctx := context.Background()

	require.NoError(t, m.Attach(1, func(ctx context.Context, w *types.Write, next types.Forwarder) types.Disposition {
		go func() { w.Complete(next(ctx, w)) }()
		return types.Deferred
	}))
	require.NoError(t, m.Write(ctx, 1, 0, bytes.Repeat([]byte{1}, 4096+512)))
	assert.Equal(t, uint64(1), d.Writes(), "Submit waits for the deferred write")
}

func Test_Mem_Resize(t *testing.T) {
	m, d, v := setupMem(t)
	v.Resize(4096)
	assert.Equal(t, uint64(4096), v.Capacity())
	assert.Equal(t, uint64(1024+4096), d.Sectors())
	require.NoError(t, m.Write(context.Background(), 1, 1024+4000, make([]byte, 512)))
}

func Test_DeviceFilter(t *testing.T) {
	f := deviceFilter(types.VolumeID{Major: 8, Minor: 1})

	skip, stop := f(&mountinfo.Info{Major: 8, Minor: 2})
	assert.True(t, skip)
	assert.False(t, stop)

	skip, stop = f(&mountinfo.Info{Major: 8, Minor: 1, Mountpoint: "/data"})
	assert.False(t, skip)
	assert.True(t, stop)
}
