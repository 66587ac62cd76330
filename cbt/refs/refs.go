// Package refs provides the reference count shared by objects that outlive
// the owner that created them, such as a CBT map still being exported after
// its volume stopped being tracked.
package refs

import (
	"fmt"
	"sync/atomic"
)

const speculativeRef = 1 << 32

// Count keeps a reference count and calls the destructor, exactly once and
// synchronously, when the last reference is dropped.
//
// The count is split in two:
//
//	[32-bit speculative references]:[32-bit real references]
//
// Speculative references let TryIncRef detect an object that already reached
// zero without a CompareAndSwap loop.
type Count struct {
	refCount atomic.Int64
	destroy  func()
	name     string
}

// Init sets the count to one. destroy runs when it drops to zero; name labels
// panics on misuse.
func (c *Count) Init(name string, destroy func()) {
	c.name = name
	c.destroy = destroy
	c.refCount.Store(1)
}

// ReadRefs returns the current number of references. The value is racy and
// only useful for diagnostics.
func (c *Count) ReadRefs() int64 {
	return int64(int32(c.refCount.Load()))
}

// IncRef takes a reference. The caller must already hold one.
func (c *Count) IncRef() {
	if v := c.refCount.Add(1); v <= 1 {
		panic(fmt.Sprintf("refs: incrementing non-positive count on %s", c.name))
	}
}

// TryIncRef takes a reference unless the object was already destroyed.
func (c *Count) TryIncRef() bool {
	if v := c.refCount.Add(speculativeRef); int32(v) == 0 {
		c.refCount.Add(-speculativeRef)
		return false
	}
	c.refCount.Add(-speculativeRef + 1)
	return true
}

// DecRef drops a reference, running the destructor if it was the last one.
// A pending TryIncRef keeps the whole count above zero, so the destructor
// waits for the reference it is about to take.
func (c *Count) DecRef() {
	v := c.refCount.Add(-1)
	switch {
	case v < 0:
		panic(fmt.Sprintf("refs: decrementing non-positive count on %s", c.name))
	case v == 0:
		if c.destroy != nil {
			c.destroy()
		}
	}
}
