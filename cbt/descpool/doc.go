// Package descpool provides an arena of fixed-size records carved out of
// slabs, with separate producer and consumer cursors.
//
// A producer calls Alloc to initialise records in place; slabs are appended
// one at a time as the last one fills up. A consumer calls Take to claim the
// next record in allocation order. The two cursors are kept apart on purpose:
//
//	total  records initialised by Alloc
//	taken  records claimed by Take (taken <= total)
//
// CheckHalfFill lets the producer see how far ahead of the consumer it is and
// top the pool up before Take runs dry. Take never waits: when every record
// has been claimed it fails with ErrExhausted and the caller decides what to
// do instead.
//
// Done drains each slab through a caller-supplied cleanup so record-specific
// teardown (closing handles, returning pages) runs before the slabs go away.
package descpool
