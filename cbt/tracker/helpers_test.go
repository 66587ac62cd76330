package tracker

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/cbtkit/internal/blockdev"
	"github.com/joshuapare/cbtkit/pkg/types"
)

// degree64K tracks in 64 KiB blocks, 128 sectors each.
const degree64K = 16

type env struct {
	mem  *blockdev.Mem
	disk *blockdev.MemDisk
}

func newEnv(t *testing.T, q types.QueueID, sectors uint64) *env {
	t.Helper()
	m := blockdev.NewMem()
	return &env{mem: m, disk: m.AddDisk(q, sectors)}
}

// track registers a partition and starts tracking it.
func (e *env) track(t *testing.T, minor uint32, start, sectors uint64) (*Tracker, *blockdev.MemVolume) {
	t.Helper()
	id := types.VolumeID{Major: 8, Minor: minor}
	mv := e.mem.AddVolume(e.disk, id, start, sectors, false)
	vol, err := e.mem.Open(id)
	require.NoError(t, err)
	tr, err := New(Config{Volume: vol, Degree: degree64K})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr, mv
}

func (e *env) write(t *testing.T, sector uint64, sectors int, v byte) {
	t.Helper()
	p := bytes.Repeat([]byte{v}, sectors*types.SectorSize)
	require.NoError(t, e.mem.Write(context.Background(), e.disk.Queue(), sector, p))
}

// capture runs tr.Capture inside its gate.
func capture(t *testing.T, tr *Tracker) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, tr.Gate().Close(ctx))
	err := tr.Capture(redirectOptions)
	require.NoError(t, tr.Gate().Open(ctx))
	require.NoError(t, err)
}

// release runs tr.Release inside its gate and drains the channel.
func release(t *testing.T, tr *Tracker) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, tr.Gate().Close(ctx))
	ch := tr.Release()
	require.NoError(t, tr.Gate().Open(ctx))
	if ch != nil {
		ch.Stop()
		ch.DecRef()
	}
}

func bitmap(t *testing.T, tr *Tracker) []byte {
	t.Helper()
	var out bytes.Buffer
	_, err := tr.ReadBitmap(&out, 0, tr.Map().Size())
	require.NoError(t, err)
	return out.Bytes()
}
