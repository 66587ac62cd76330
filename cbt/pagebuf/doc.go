// Package pagebuf provides a linear byte-addressable region assembled from
// fixed-size pages.
//
// # Overview
//
// A Buffer owns a fixed number of pages, each PageSize bytes, allocated up
// front. Every addressed byte, bit or slot resolves to a (page, offset) pair
// and is bounds checked; an index past the last page fails with
// ErrOutOfRange instead of wrapping.
//
// Pages come from a page source: the Go heap by default, or private anonymous
// mappings (WithMmap) for large regions that should stay out of the
// collector's view. A Budget caps the number of live pages shared by several
// buffers; exceeding it fails the allocation with ErrNoMemory and releases
// every page allocated so far, so callers never see a partial buffer.
//
// # Accessors
//
//   - ReadAt/WriteAt: bulk copies that cross page boundaries
//   - CopyTo/CopyFrom: chunked transfers to an io.Writer or from an io.Reader,
//     reporting a *types.TransferError when a chunk cannot be moved
//   - Byte/SetByte, Bit/SetBit: typed element access
//   - Copy: page-wise copy between two buffers
//
// Slots[T] is the pointer-slot flavour: PageSize/8 slots per page, each
// holding a *T. It backs the group directory of the sparse descriptor array.
//
// # Concurrency
//
// Buffer and Slots are not safe for concurrent mutation. Owners serialise
// access with their own locks.
package pagebuf
