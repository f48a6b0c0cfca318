package util

import "sync/atomic"

// Sequencer issues strictly increasing ids, unique under concurrent callers.
// Zero is never issued.
type Sequencer struct {
	next atomic.Uint64
}

// NewSequencer starts after start; pass the persisted high-water mark on
// restart and 0 on a fresh node.
func NewSequencer(start uint64) *Sequencer {
	s := &Sequencer{}
	s.next.Store(start)
	return s
}

func (s *Sequencer) Next() uint64 {
	return s.next.Add(1)
}

// Current returns the last issued id.
func (s *Sequencer) Current() uint64 {
	return s.next.Load()
}

// Advance raises the mark to at least v. Used when restoring records that
// were issued before a crash.
func (s *Sequencer) Advance(v uint64) {
	for {
		cur := s.next.Load()
		if v <= cur || s.next.CompareAndSwap(cur, v) {
			return
		}
	}
}
