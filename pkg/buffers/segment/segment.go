// Package segment provides the pooled, singly linked memory segments that
// buffered writers chain together, and the bounded stack they are recycled
// through.
//
// Segments and stacks are not safe for concurrent use; each is owned by one
// writer and guarded by that writer's lock.
package segment

import (
	"fmt"

	"github.com/vnykmshr/flowpipe/pkg/buffers/memory"
)

// Segment is one block in a writer's chain of pending bytes.
type Segment struct {
	block        *memory.Block
	available    []byte
	end          int
	runningIndex int64
	next         *Segment
}

// SetOwnedMemory hands block to the segment and resets End to 0.
func (s *Segment) SetOwnedMemory(block *memory.Block) {
	s.block = block
	s.available = block.Bytes()
	s.end = 0
}

// AvailableMemory returns the whole owned block.
func (s *Segment) AvailableMemory() []byte {
	return s.available
}

// End returns the number of committed bytes.
func (s *Segment) End() int {
	return s.end
}

// SetEnd commits the first end bytes of the block.
func (s *Segment) SetEnd(end int) {
	if end < 0 || end > len(s.available) {
		panic(fmt.Sprintf("segment: end %d outside [0, %d]", end, len(s.available)))
	}
	s.end = end
}

// Memory returns the committed bytes.
func (s *Segment) Memory() []byte {
	return s.available[:s.end]
}

// RunningIndex is the offset of the segment's first byte in the chain.
func (s *Segment) RunningIndex() int64 {
	return s.runningIndex
}

// Next returns the following segment, or nil at the tail.
func (s *Segment) Next() *Segment {
	return s.next
}

// SetNext links next after s and refreshes the running index of next and
// anything already chained behind it. Only the appended part is walked.
func (s *Segment) SetNext(next *Segment) {
	s.next = next

	seg := s
	for seg.next != nil {
		seg.next.runningIndex = seg.runningIndex + int64(seg.end)
		seg = seg.next
	}
}

// Consume drops the committed bytes once they have been written out so
// the remaining capacity can keep being filled. RunningIndex moves past
// the dropped bytes.
func (s *Segment) Consume() {
	s.Discard(s.end)
}

// Discard drops the first n committed bytes, as after a short write.
func (s *Segment) Discard(n int) {
	if n < 0 || n > s.end {
		panic(fmt.Sprintf("segment: discard %d outside [0, %d]", n, s.end))
	}
	s.runningIndex += int64(n)
	s.available = s.available[n:]
	s.end -= n
}

// Reset returns the owned block to its origin and clears every field so
// nothing keeps a reference to memory another writer may now be using.
func (s *Segment) Reset() {
	block := s.block
	s.block = nil
	block.Release()

	s.next = nil
	s.runningIndex = 0
	s.end = 0
	s.available = nil
}
