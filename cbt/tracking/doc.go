// Package tracking is the service behind the control surface. It owns the
// tracker registry and drives every state transition of a tracked volume:
//
//	Untracked --Add--> Tracked --Capture--> Captured --Release--> Tracked --Remove--> Untracked
//
// A map that loses changes (the volume was resized, a mark failed) is
// latched corrupt in either tracked state; the next Add of the volume
// replaces its tracker with a fresh one.
//
// Capture and Release work on volume sets. A failed capture releases every
// volume of the set again, so a set is never left partly captured.
// Snapshots tie a set to an id: CreateSnapshot tracks and captures the set,
// ReleaseSnapshot releases it, and a volume cannot be removed while a
// snapshot holds it.
package tracking
