// Package blockdev provides the volume, freeze and write-interception
// collaborators the tracking core runs against.
//
// Two families are provided:
//
//   - Mem: an in-memory disk/partition model with a write interceptor, used by
//     tests and by the daemon's demo mode. Writes submitted through Mem.Submit
//     run the attached handler exactly like an intercepted block request.
//   - Linux (linux only): opens /dev/block/MAJ:MIN, reads geometry through
//     BLKGETSIZE64/BLKSSZGET/BLKPBSZGET and sysfs, and freezes filesystems
//     with FIFREEZE/FITHAW on the mount point found in /proc/self/mountinfo.
//     Linux has no user-space hook into a block queue, so its Interceptor
//     only records attachments; writes reach the tracker through Submit.
package blockdev
