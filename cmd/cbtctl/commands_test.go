package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/joshuapare/cbtkit/cbt/control"
	"github.com/joshuapare/cbtkit/pkg/types"
)

func Test_Commands_SnapshotWorkflow(t *testing.T) {
	m := startDaemon(t)
	ctx := context.Background()

	out, err := captureOutput(t, func() error { return runTrack([]string{"8:1"}, 0, 0) })
	require.NoError(t, err)
	assertContains(t, out, []string{"Tracking 8:1"})

	// Sectors 128..135 fall in block 1 of 64 KiB blocks.
	require.NoError(t, m.Write(ctx, 1, 128, bytes.Repeat([]byte{7}, 4096)))

	out, err = captureOutput(t, func() error { return runSnapshotCreate([]string{"8:1"}, 0) })
	require.NoError(t, err)
	assertContains(t, out, []string{"Snapshot 1 created"})

	out, err = captureOutput(t, func() error { return runBitmap([]string{"8:1"}, bitmapOptions{}) })
	require.NoError(t, err)
	assertContains(t, out, []string{"1-1: generation 1", "1 of 16 blocks changed"})

	raw := filepath.Join(t.TempDir(), "map.bin")
	_, err = captureOutput(t, func() error { return runBitmap([]string{"8:1"}, bitmapOptions{out: raw}) })
	require.NoError(t, err)
	data, err := os.ReadFile(raw)
	require.NoError(t, err)
	assert.Len(t, data, 16)

	out, err = captureOutput(t, func() error { return runStatus() })
	require.NoError(t, err)
	assertContains(t, out, []string{"Tracked volumes: 1", "1: [8:1]"})

	_, err = captureOutput(t, func() error { return runUntrack([]string{"8:1"}) })
	assert.ErrorIs(t, err, types.ErrBusy)
	assert.Equal(t, int(unix.EBUSY), exitCode(err))

	out, err = captureOutput(t, func() error { return runSnapshotRelease([]string{"1"}) })
	require.NoError(t, err)
	assertContains(t, out, []string{"Snapshot 1 released"})

	_, err = captureOutput(t, func() error { return runUntrack([]string{"8:1"}) })
	require.NoError(t, err)
}

func Test_Commands_ListJSON(t *testing.T) {
	startDaemon(t)

	out, err := captureOutput(t, func() error { return runList(16) })
	require.NoError(t, err)
	assertContains(t, out, []string{"No volumes tracked"})

	_, err = captureOutput(t, func() error { return runTrack([]string{"8:1"}, 12, 0) })
	require.NoError(t, err)

	jsonOut = true
	t.Cleanup(func() { jsonOut = false })
	out, err = captureOutput(t, func() error { return runList(16) })
	require.NoError(t, err)

	var infos []types.CBTInfo
	require.NoError(t, json.Unmarshal([]byte(out), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, testVol, infos[0].Volume)
	assert.Equal(t, uint64(256), infos[0].MapSize)
}

func Test_Commands_ListTruncated(t *testing.T) {
	m := startDaemon(t)
	disk := m.Volume(testVol).Disk()
	disk.Grow(4096)
	m.AddVolume(disk, types.VolumeID{Major: 8, Minor: 2}, 2048, 2048, false)

	for _, arg := range []string{"8:1", "8:2"} {
		_, err := captureOutput(t, func() error { return runTrack([]string{arg}, 0, 0) })
		require.NoError(t, err)
	}

	out, err := captureOutput(t, func() error { return runList(1) })
	require.Error(t, err)
	assert.Equal(t, int(unix.ENOBUFS), exitCode(err))
	assertContains(t, out, []string{"VOLUME", "8:1"})
	assert.NotContains(t, out, "8:2")
}

func Test_Commands_MarkDirty(t *testing.T) {
	startDaemon(t)

	_, err := captureOutput(t, func() error { return runSnapshotCreate([]string{"8:1"}, 0) })
	require.NoError(t, err)

	out, err := captureOutput(t, func() error { return runMarkDirty([]string{"8:1", "0:8", "1920+128"}) })
	require.NoError(t, err)
	assertContains(t, out, []string{"Marked 2 range(s) of 8:1"})

	out, err = captureOutput(t, func() error { return runBitmap([]string{"8:1"}, bitmapOptions{}) })
	require.NoError(t, err)
	assertContains(t, out, []string{"0-0: generation", "15-15: generation", "2 of 16 blocks changed"})
}

func Test_Commands_UnknownVolume(t *testing.T) {
	startDaemon(t)

	_, err := captureOutput(t, func() error { return runTrack([]string{"9:9"}, 0, 0) })
	require.Error(t, err)
	assert.Equal(t, int(unix.ENODATA), exitCode(err))
}

func Test_Commands_BadArguments(t *testing.T) {
	_, err := parseRange("12")
	assert.ErrorIs(t, err, types.ErrInvalid)
	_, err = parseRange("12:0")
	assert.ErrorIs(t, err, types.ErrInvalid)
	r, err := parseRange("0x10:8")
	require.NoError(t, err)
	assert.Equal(t, types.SectorRange{Start: 16, Count: 8}, r)

	_, err = parseVolumes([]string{"8:1", "sda"})
	assert.ErrorIs(t, err, types.ErrInvalid)
	assert.Equal(t, int(unix.EINVAL), exitCode(err))
}

func Test_ChangedRuns(t *testing.T) {
	runs := changedRuns([]byte{0, 2, 2, 0, 3, 1}, 10)
	assert.Equal(t, []blockRun{
		{Start: 11, Count: 2, Generation: 2},
		{Start: 14, Count: 1, Generation: 3},
		{Start: 15, Count: 1, Generation: 1},
	}, runs)
	assert.Empty(t, changedRuns(make([]byte, 4), 0))
}

func Test_Commands_Version(t *testing.T) {
	out, err := captureOutput(t, runVersion)
	require.NoError(t, err)
	assertContains(t, out, []string{"cbtctl dev", "protocol: " + control.ServiceName, "2^16 bytes"})

	jsonOut = true
	t.Cleanup(func() { jsonOut = false })
	out, err = captureOutput(t, runVersion)
	require.NoError(t, err)
	var info buildInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, control.ServiceName, info.Protocol)
	assert.Equal(t, uint(16), info.DefaultDegree)
}
