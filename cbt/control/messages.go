package control

import (
	"github.com/joshuapare/cbtkit/cbt/pagebuf"
	"github.com/joshuapare/cbtkit/cbt/tracking"
	"github.com/joshuapare/cbtkit/pkg/types"
)

// MaxReadLength caps the bitmap bytes returned by one ReadBitmap call.
const MaxReadLength = 1 << 20

// Empty is the message of calls without arguments or results.
type Empty struct{}

type AddTrackingRequest struct {
	Volume     types.VolumeID   `json:"volume"`
	Degree     uint             `json:"degree"`
	SnapshotID types.SnapshotID `json:"snapshot_id,omitempty"`
}

type VolumeRequest struct {
	Volume types.VolumeID `json:"volume"`
}

type ListTrackedRequest struct {
	Max int `json:"max"`
}

type ListTrackedResponse struct {
	Volumes []types.CBTInfo `json:"volumes"`
	// Truncated is set when more volumes than requested are tracked.
	Truncated bool `json:"truncated,omitempty"`
}

type ReadBitmapRequest struct {
	Volume types.VolumeID `json:"volume"`
	Offset uint64         `json:"offset"`
	Length uint64         `json:"length"`
}

type ReadBitmapResponse struct {
	Data []byte `json:"data"`
}

type MarkDirtyRequest struct {
	Volume types.VolumeID      `json:"volume"`
	Ranges []types.SectorRange `json:"ranges"`
}

type CreateSnapshotRequest struct {
	Volumes []types.VolumeID `json:"volumes"`
	Degree  uint             `json:"degree"`
}

type SnapshotRequest struct {
	ID types.SnapshotID `json:"id"`
}

type CreateSnapshotResponse struct {
	ID types.SnapshotID `json:"id"`
}

// StatusResponse is the daemon's diagnostic summary.
type StatusResponse struct {
	Tracked   int                 `json:"tracked"`
	Queues    int                 `json:"queues"`
	Snapshots []tracking.Snapshot `json:"snapshots"`
	Memory    pagebuf.Counters    `json:"memory"`
}
