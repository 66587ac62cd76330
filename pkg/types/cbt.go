package types

import "github.com/google/uuid"

// SnapshotID identifies a snapshot spanning one or more volumes. Zero means none.
type SnapshotID uint64

// CBTInfo describes one tracked volume as reported by list-tracked.
type CBTInfo struct {
	Volume       VolumeID       `json:"volume"`
	MapSize      uint64         `json:"cbt_map_size"`  // tracking blocks
	SnapNumber   uint8          `json:"snap_number"`   // last published generation
	GenerationID uuid.UUID      `json:"generation_id"` // numbering epoch
	Capacity     uint64         `json:"capacity"`      // bytes
	Captured     bool           `json:"captured"`
	Corrupt      bool           `json:"corrupt"`
	SnapshotID   SnapshotID     `json:"snapshot_id,omitempty"`
	Redirect     *RedirectStats `json:"redirect,omitempty"`
}

// RedirectStats are the running counters of a redirection channel.
type RedirectStats struct {
	WritesReceived   uint64 `json:"writes_received"`
	WritesProcessed  uint64 `json:"writes_processed"`
	SectorsReceived  uint64 `json:"sectors_received"`
	SectorsProcessed uint64 `json:"sectors_processed"`
	SectorsCopied    uint64 `json:"sectors_copied"`
}
