package gate

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/cbtkit/internal/blockdev"
	"github.com/joshuapare/cbtkit/pkg/types"
)

func setup(t *testing.T, hasFS bool) (*blockdev.Mem, *blockdev.MemVolume) {
	t.Helper()
	m := blockdev.NewMem()
	d := m.AddDisk(1, 1024)
	return m, m.AddVolume(d, types.VolumeID{Major: 8, Minor: 1}, 0, 1024, hasFS)
}

func Test_Select_FreezeWhenFilesystem(t *testing.T) {
	m, v := setup(t, true)
	g, err := Select(context.Background(), m, v)
	require.NoError(t, err)
	assert.Equal(t, KindFreeze, g.Kind())
	assert.False(t, m.Frozen(v.ID()), "probe thaws again")
}

func Test_Select_LockWithoutFilesystem(t *testing.T) {
	m, v := setup(t, false)
	g, err := Select(context.Background(), m, v)
	require.NoError(t, err)
	assert.Equal(t, KindLock, g.Kind())
}

func Test_Select_LockWhenFreezeFails(t *testing.T) {
	m, v := setup(t, true)
	m.SetFreezeError(errors.New("EIO"))
	g, err := Select(context.Background(), m, v)
	require.NoError(t, err)
	assert.Equal(t, KindLock, g.Kind())
}

func Test_Select_ThawFailure(t *testing.T) {
	m, v := setup(t, true)
	m.SetThawError(errors.New("stuck"))
	_, err := Select(context.Background(), m, v)
	require.Error(t, err)
}

func Test_Freeze_CloseOpen(t *testing.T) {
	m, v := setup(t, true)
	ctx := context.Background()
	g := NewFreeze(m, v)

	require.NoError(t, g.Close(ctx))
	assert.True(t, m.Frozen(v.ID()))
	g.Enter()
	g.Leave()
	require.NoError(t, g.Open(ctx))
	assert.False(t, m.Frozen(v.ID()))

	require.ErrorIs(t, g.Open(ctx), ErrNotClosed)
}

func Test_Freeze_CloseFailure(t *testing.T) {
	m, v := setup(t, true)
	m.SetFreezeError(errors.New("EIO"))
	g := NewFreeze(m, v)
	err := g.Close(context.Background())
	require.ErrorIs(t, err, types.ErrIO)

	// A failed close leaves the gate usable.
	m.SetFreezeError(nil)
	require.NoError(t, g.Close(context.Background()))
	require.NoError(t, g.Open(context.Background()))
}

func Test_Lock_ExcludesWriters(t *testing.T) {
	g := NewLock()
	ctx := context.Background()

	g.Enter()
	var closed atomic.Bool
	done := make(chan struct{})
	go func() {
		require.NoError(t, g.Close(ctx))
		closed.Store(true)
		require.NoError(t, g.Open(ctx))
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, closed.Load(), "close waits for the writer inside")
	g.Leave()
	<-done
	assert.True(t, closed.Load())
}

func Test_Lock_CloseCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, NewLock().Close(ctx), context.Canceled)
}
