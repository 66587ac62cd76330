package pagebuf

import (
	"fmt"

	"github.com/joshuapare/cbtkit/internal/buf"
)

// Buffer is a fixed-length byte region made of PageSize pages.
type Buffer struct {
	pages  [][]byte
	src    source
	budget *Budget
}

// New allocates a buffer of pageCount zeroed pages. If any page fails, the
// pages allocated so far are released and an error of kind NoMemory is
// returned.
func New(pageCount int, opts ...Option) (*Buffer, error) {
	if pageCount < 0 {
		return nil, fmt.Errorf("%w: negative page count %d", ErrOutOfRange, pageCount)
	}
	c := buildConfig(opts)
	b := &Buffer{budget: c.budget, src: heapSource{}}
	if c.mmap {
		b.src = newMmapSource()
	}
	if err := b.budget.acquire(int64(pageCount)); err != nil {
		return nil, err
	}
	b.pages = make([][]byte, 0, pageCount)
	for i := 0; i < pageCount; i++ {
		page, err := b.src.alloc()
		if err != nil {
			b.release()
			return nil, fmt.Errorf("page %d of %d: %w", i, pageCount, err)
		}
		b.pages = append(b.pages, page)
	}
	livePages.Add(int64(pageCount))
	liveBuffers.Add(1)
	return b, nil
}

// NewForBytes allocates a buffer large enough for n bytes.
func NewForBytes(n uint64, opts ...Option) (*Buffer, error) {
	return New(PagesFor(n), opts...)
}

func (b *Buffer) release() {
	for _, p := range b.pages {
		b.src.free(p)
	}
	b.budget.release(int64(cap(b.pages)))
	b.pages = nil
}

// Free releases every page. Further use fails with ErrFreed. Free is idempotent.
func (b *Buffer) Free() {
	if b == nil || b.pages == nil {
		return
	}
	n := int64(len(b.pages))
	b.release()
	livePages.Add(-n)
	liveBuffers.Add(-1)
}

// PageCount returns the number of pages.
func (b *Buffer) PageCount() int { return len(b.pages) }

// Len returns the size of the buffer in bytes.
func (b *Buffer) Len() uint64 { return uint64(len(b.pages)) * uint64(PageSize) }

// Page returns page i for direct access, or nil when i is out of range.
func (b *Buffer) Page(i int) []byte {
	if i < 0 || i >= len(b.pages) {
		return nil
	}
	return b.pages[i]
}

// Memset fills every byte of the buffer with v.
func (b *Buffer) Memset(v byte) {
	for _, p := range b.pages {
		if v == 0 {
			clear(p)
			continue
		}
		for i := range p {
			p[i] = v
		}
	}
}

// Copy copies min(dst.PageCount(), src.PageCount()) pages from src to dst
// and returns the number of pages copied.
func Copy(dst, src *Buffer) int {
	n := min(len(dst.pages), len(src.pages))
	for i := 0; i < n; i++ {
		copy(dst.pages[i], src.pages[i])
	}
	return n
}

// locate splits a byte offset into a page index and in-page offset.
func locate(off uint64) (int, int) {
	ps := uint64(PageSize)
	return int(off / ps), int(off % ps)
}

func (b *Buffer) checkSpan(off, n uint64) error {
	if b.pages == nil && n > 0 {
		return ErrFreed
	}
	if _, err := buf.CheckSpan(b.Len(), off, n); err != nil {
		return fmt.Errorf("%w: %v", ErrOutOfRange, err)
	}
	return nil
}

// ReadAt copies len(p) bytes starting at off into p. The whole span must be
// inside the buffer.
func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrOutOfRange, off)
	}
	if err := b.checkSpan(uint64(off), uint64(len(p))); err != nil {
		return 0, err
	}
	done := 0
	pi, po := locate(uint64(off))
	for done < len(p) {
		done += copy(p[done:], b.pages[pi][po:])
		pi, po = pi+1, 0
	}
	return done, nil
}

// WriteAt copies p into the buffer starting at off. The whole span must be
// inside the buffer.
func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrOutOfRange, off)
	}
	if err := b.checkSpan(uint64(off), uint64(len(p))); err != nil {
		return 0, err
	}
	done := 0
	pi, po := locate(uint64(off))
	for done < len(p) {
		done += copy(b.pages[pi][po:], p[done:])
		pi, po = pi+1, 0
	}
	return done, nil
}

// Byte returns the byte at index i.
func (b *Buffer) Byte(i uint64) (byte, error) {
	if err := b.checkSpan(i, 1); err != nil {
		return 0, err
	}
	pi, po := locate(i)
	return b.pages[pi][po], nil
}

// SetByte stores v at index i.
func (b *Buffer) SetByte(i uint64, v byte) error {
	if err := b.checkSpan(i, 1); err != nil {
		return err
	}
	pi, po := locate(i)
	b.pages[pi][po] = v
	return nil
}

// Bit returns bit i, counting from the least significant bit of byte 0.
func (b *Buffer) Bit(i uint64) (bool, error) {
	v, err := b.Byte(i >> 3)
	if err != nil {
		return false, err
	}
	return v&(1<<(i&7)) != 0, nil
}

// SetBit sets or clears bit i.
func (b *Buffer) SetBit(i uint64, on bool) error {
	if err := b.checkSpan(i>>3, 1); err != nil {
		return err
	}
	pi, po := locate(i >> 3)
	mask := byte(1 << (i & 7))
	if on {
		b.pages[pi][po] |= mask
	} else {
		b.pages[pi][po] &^= mask
	}
	return nil
}
