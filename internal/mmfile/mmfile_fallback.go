//go:build !unix

// Package mmfile provides platform-specific helpers for page-aligned anonymous
// memory mappings.
package mmfile

// Available reports whether MapAnon returns real mappings.
const Available = false

// MapAnon returns a heap slice when mmap is not available.
func MapAnon(size int) ([]byte, func() error, error) {
	if size <= 0 {
		return []byte{}, func() error { return nil }, nil
	}
	return make([]byte, size), func() error { return nil }, nil
}
