// Package types defines the shared identifiers, collaborator interfaces and
// error taxonomy used across cbtkit.
//
// Design goals:
//   - Small, copyable identities (VolumeID, QueueID, SnapshotID).
//   - Collaborators (volumes, freeze/thaw, write interception) expressed as
//     interfaces so the tracking core never depends on a platform.
//   - Typed errors with stable categories (not-found/busy/corrupt/...), matched
//     with errors.Is against the package sentinels.
package types
