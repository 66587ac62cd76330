package tracker

import (
	"fmt"
	"sync"

	"github.com/joshuapare/cbtkit/pkg/types"
)

// QueueSet counts the trackers on each queue. The first Get for a queue
// attaches handler to it; the last Put detaches it.
type QueueSet struct {
	mu      sync.Mutex
	ic      types.Interceptor
	handler types.WriteHandler
	refs    map[types.QueueID]int
}

// NewQueueSet returns a set attaching handler through ic.
func NewQueueSet(ic types.Interceptor, handler types.WriteHandler) *QueueSet {
	return &QueueSet{ic: ic, handler: handler, refs: make(map[types.QueueID]int)}
}

// Get takes a reference on q, attaching the handler if it is the first.
func (s *QueueSet) Get(q types.QueueID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs[q] == 0 {
		if err := s.ic.Attach(q, s.handler); err != nil {
			return fmt.Errorf("tracker: intercept queue %d: %w", q, err)
		}
	}
	s.refs[q]++
	return nil
}

// Put drops a reference on q, detaching the handler with the last one.
func (s *QueueSet) Put(q types.QueueID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.refs[q]
	if !ok {
		return types.Errorf(types.ErrKindNotFound, "tracker: queue %d has no trackers", q)
	}
	if n > 1 {
		s.refs[q] = n - 1
		return nil
	}
	delete(s.refs, q)
	if err := s.ic.Detach(q); err != nil {
		return fmt.Errorf("tracker: release queue %d: %w", q, err)
	}
	return nil
}

// Refs returns the number of trackers on q.
func (s *QueueSet) Refs(q types.QueueID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[q]
}

// Len returns the number of intercepted queues.
func (s *QueueSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refs)
}
