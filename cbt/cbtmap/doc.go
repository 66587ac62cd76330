// Package cbtmap implements the changed-block tracking map of one volume.
//
// # Layout
//
// The volume is divided into tracking blocks of 2^degree sectors. Two
// equally sized byte maps hold one generation number per block:
//
//	write map  marked by the write path with the active generation
//	read map   the published copy a backup client reads
//
// Generation numbers run 1..255; zero means the block was never written in
// the current epoch. A stored generation only ever grows: marking a block
// that already carries the active (or a later) generation is a no-op, so
// marking is idempotent.
//
// # Generations
//
// Switch publishes the write map into the read map, makes the active
// generation the previous one and starts the next. When the active number
// would reach 256 it restarts at 1, the write map is cleared and a new
// generation id (a random UUID) is drawn. A client that sees the id change
// must treat everything it fetched before as incomparable and take a full
// copy.
//
// # Corruption
//
// SetCorrupt latches the map inactive, for instance when the volume was
// resized under tracking. The write path stops marking an inactive map and
// consumers check Active before trusting any byte of it.
//
// # Locking
//
// Marking and switching serialise on a low-level mutex. A separate RWMutex
// orders writers against transitions: the write path holds it shared
// (TryRLockActive) while it marks, and Switch takes it exclusively, so no
// write straddles a generation change. Readers of the published map hold it
// shared.
package cbtmap
