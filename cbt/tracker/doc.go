// Package tracker holds the per-volume tracking state and the registry the
// write path looks trackers up in.
//
// A Tracker owns the volume handle, its CBT map, the gate selected for it
// and, while a snapshot is captured, the redirection channel. Its write
// handler marks the map for every write that carries data and, while
// captured, hands the write to the channel so the original data is
// buffered first.
//
// A Registry indexes trackers by volume id and by (queue, start sector).
// The second index is an ordered B-tree so a write is resolved to its
// partition without scanning every tracked volume. QueueSet counts the
// trackers per queue and installs the interception hook on the first one.
package tracker
