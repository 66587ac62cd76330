package blockdev

import (
	"github.com/moby/sys/mountinfo"

	"github.com/joshuapare/cbtkit/pkg/types"
)

// deviceFilter selects the first mount of the device id.
func deviceFilter(id types.VolumeID) mountinfo.FilterFunc {
	return func(m *mountinfo.Info) (skip, stop bool) {
		if m.Major != int(id.Major) || m.Minor != int(id.Minor) {
			return true, false
		}
		return false, true
	}
}

// MountPoint returns where the device id is mounted, or types.ErrNoFilesystem.
func MountPoint(id types.VolumeID) (string, error) {
	mounts, err := mountinfo.GetMounts(deviceFilter(id))
	if err != nil {
		return "", types.Wrap(types.ErrKindIO, "blockdev: read mount table", err)
	}
	if len(mounts) == 0 {
		return "", types.ErrNoFilesystem
	}
	return mounts[0].Mountpoint, nil
}
