// Package redirect buffers the original contents of a captured volume so a
// point-in-time view stays readable while writes continue.
//
// A Channel is created when a volume is captured. Each write the tracker
// offers it is queued to a worker goroutine, which copies the original data
// of every snapstore block the write touches (once per block) into memory
// and only then forwards the write to the device. Reads of the snapshot
// view take the copy where one exists and the live volume elsewhere.
//
// # Bookkeeping
//
// Snapstore blocks are 2^BlockShift sectors. Their buffers are allocated
// ahead of time into a descpool.Pool; the worker claims them in order with
// Take and indexes each by block number in a descarray.Array. When the
// number of unclaimed buffers drops under PreallocBlocks the worker tops the
// pool up. Failing to get a buffer (the page budget is exhausted) or to read
// the original data latches the channel corrupt: writes keep flowing, but
// the snapshot can no longer be trusted.
//
// # Backpressure
//
// At most QueueSectors sectors of writes are queued at a time. Redirect
// blocks on a semaphore until the worker has made room.
package redirect
