package cbtmap

import (
	"fmt"

	"github.com/joshuapare/cbtkit/pkg/types"
)

// ChangedRanges returns the sector ranges whose published generation is at
// least minGeneration, merged where blocks are adjacent and clipped to the
// volume size. A minGeneration of zero is treated as one. A corrupt map
// returns ErrCorrupt: the caller must copy the whole volume.
func (m *Map) ChangedRanges(minGeneration uint8) ([]types.SectorRange, error) {
	if !m.Active() {
		return nil, ErrCorrupt
	}
	minGeneration = max(minGeneration, 1)

	m.rw.RLock()
	defer m.rw.RUnlock()

	var (
		ranges  []types.SectorRange
		current types.SectorRange
		open    bool
	)
	for pi := 0; pi < m.readMap.PageCount(); pi++ {
		page := m.readMap.Page(pi)
		base := uint64(pi) * uint64(len(page))
		for i, gen := range page {
			blk := base + uint64(i)
			if blk >= m.mapSize {
				break
			}
			if gen < minGeneration {
				continue
			}
			start := blk << m.degree
			count := min(uint64(1)<<m.degree, m.sectors-start)

			// Blocks are visited in order, so only the last range can grow.
			if open && start == current.End() {
				current.Count += count
				continue
			}
			if open {
				ranges = append(ranges, current)
			}
			current = types.SectorRange{Start: start, Count: count}
			open = true
		}
	}
	if open {
		ranges = append(ranges, current)
	}
	if !m.Active() {
		return nil, fmt.Errorf("%w: corrupted while scanning", ErrCorrupt)
	}
	return ranges, nil
}
