package control

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/joshuapare/cbtkit/cbt/redirect"
	"github.com/joshuapare/cbtkit/cbt/tracking"
	"github.com/joshuapare/cbtkit/internal/blockdev"
	"github.com/joshuapare/cbtkit/pkg/types"
)

var vol = types.VolumeID{Major: 8, Minor: 1}

// serve runs a daemon over an in-memory disk and returns a client for it.
func serve(t *testing.T, opts ...Option) (*blockdev.Mem, *Client) {
	t.Helper()
	m := blockdev.NewMem()
	d := m.AddDisk(1, 2048)
	m.AddVolume(d, vol, 0, 2048, false)

	svc := tracking.New(tracking.Options{
		Opener:      m,
		Freezer:     m,
		Interceptor: m,
		Redirect:    redirect.Options{PreallocBlocks: 2},
	})
	path := filepath.Join(t.TempDir(), "c.sock")
	l, err := Listen(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	srv := NewServer(svc, opts...)
	go func() { done <- srv.Serve(ctx, l) }()

	c, err := Dial(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
		cancel()
		require.NoError(t, <-done)
		_ = svc.RemoveAll(context.Background())
	})
	return m, c
}

func Test_Client_TrackingLifecycle(t *testing.T) {
	m, c := serve(t)
	ctx := context.Background()

	require.NoError(t, c.AddTracking(ctx, vol, 0, 0))
	err := c.AddTracking(ctx, vol, 0, 0)
	assert.ErrorIs(t, err, types.ErrAlreadyExists)

	infos, err := c.ListTracked(ctx, 16)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, vol, infos[0].Volume)
	assert.Equal(t, uint64(16), infos[0].MapSize)

	_, err = c.ListTracked(ctx, 0)
	assert.ErrorIs(t, err, types.ErrNoBuffers)

	require.NoError(t, m.Write(ctx, 1, 130, bytes.Repeat([]byte{1}, 512)))

	_, err = c.ReadBitmap(ctx, vol, 0, 16)
	assert.ErrorIs(t, err, types.ErrState)

	id, err := c.CreateSnapshot(ctx, []types.VolumeID{vol}, 0)
	require.NoError(t, err)

	bm, err := c.ReadBitmap(ctx, vol, 0, 1<<30)
	require.NoError(t, err)
	require.Len(t, bm, 16)
	assert.Equal(t, byte(1), bm[1])

	require.NoError(t, c.MarkDirty(ctx, vol, []types.SectorRange{{Start: 2000, Count: 48}}))
	bm, err = c.ReadBitmap(ctx, vol, 15, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, bm)

	assert.ErrorIs(t, c.RemoveTracking(ctx, vol), types.ErrBusy)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Tracked)
	assert.Equal(t, 1, st.Queues)
	require.Len(t, st.Snapshots, 1)
	assert.Equal(t, id, st.Snapshots[0].ID)
	assert.Positive(t, st.Memory.Pages)

	require.NoError(t, c.ReleaseSnapshot(ctx, id))
	assert.ErrorIs(t, c.ReleaseSnapshot(ctx, id), types.ErrNotFound)
	require.NoError(t, c.RemoveTracking(ctx, vol))
	assert.ErrorIs(t, c.RemoveTracking(ctx, vol), types.ErrNotFound)
}

func Test_Client_UnknownVolume(t *testing.T) {
	_, c := serve(t)
	err := c.AddTracking(context.Background(), types.VolumeID{Major: 9, Minor: 9}, 0, 0)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Equal(t, unix.ENODATA, Errno(err))
}

func Test_Client_DefaultDegree(t *testing.T) {
	_, c := serve(t, WithDefaultDegree(12))
	ctx := context.Background()

	require.NoError(t, c.AddTracking(ctx, vol, 0, 0))
	infos, err := c.ListTracked(ctx, 1)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	// 1 MiB in 4 KiB blocks.
	assert.Equal(t, uint64(256), infos[0].MapSize)
}

func Test_Client_ListTrackedTruncated(t *testing.T) {
	m, c := serve(t)
	ctx := context.Background()
	second := types.VolumeID{Major: 8, Minor: 2}
	disk := m.Volume(vol).Disk()
	disk.Grow(4096)
	m.AddVolume(disk, second, 2048, 2048, false)

	require.NoError(t, c.AddTracking(ctx, vol, 0, 0))
	require.NoError(t, c.AddTracking(ctx, second, 0, 0))

	infos, err := c.ListTracked(ctx, 1)
	assert.ErrorIs(t, err, types.ErrNoBuffers)
	assert.Equal(t, unix.ENOBUFS, Errno(err))
	require.Len(t, infos, 1, "first entries come back with the error")
	assert.Equal(t, vol, infos[0].Volume)

	infos, err = c.ListTracked(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, infos, 2)
}
