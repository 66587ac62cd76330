//go:build linux

package blockdev

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/cbtkit/pkg/types"
)

// fakeSysfs lays out /sys/dev/block links for disk 8:0 and partition 8:1.
func fakeSysfs(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	disk := filepath.Join(root, "devices", "sda")
	part := filepath.Join(disk, "sda1")
	require.NoError(t, os.MkdirAll(part, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(disk, "dev"), []byte("8:0\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(part, "dev"), []byte("8:1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(part, "start"), []byte("2048\n"), 0o644))

	links := filepath.Join(root, "dev", "block")
	require.NoError(t, os.MkdirAll(links, 0o755))
	require.NoError(t, os.Symlink(disk, filepath.Join(links, "8:0")))
	require.NoError(t, os.Symlink(part, filepath.Join(links, "8:1")))
	return root
}

func Test_Linux_Topology(t *testing.T) {
	l := NewLinux()
	l.SysfsRoot = fakeSysfs(t)

	start, q, err := l.topology(types.VolumeID{Major: 8, Minor: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(2048), start)
	assert.Equal(t, queueOf(types.VolumeID{Major: 8, Minor: 0}), q)

	start, q, err = l.topology(types.VolumeID{Major: 8, Minor: 0})
	require.NoError(t, err)
	assert.Zero(t, start)
	assert.Equal(t, queueOf(types.VolumeID{Major: 8, Minor: 0}), q)

	_, _, err = l.topology(types.VolumeID{Major: 9, Minor: 9})
	require.ErrorIs(t, err, types.ErrNotFound)
}

func Test_Linux_OpenMissing(t *testing.T) {
	l := NewLinux()
	l.DevRoot = t.TempDir()
	_, err := l.Open(types.VolumeID{Major: 250, Minor: 250})
	require.ErrorIs(t, err, types.ErrNotFound)
}

func Test_Linux_AttachDetach(t *testing.T) {
	l := NewLinux()
	require.NoError(t, l.Attach(7, nil))
	require.ErrorIs(t, l.Attach(7, nil), types.ErrAlreadyExists)
	require.NoError(t, l.Detach(7))
	require.ErrorIs(t, l.Detach(7), types.ErrNotFound)
}
