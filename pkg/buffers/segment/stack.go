package segment

// DefaultMaxPoolSize caps how many idle segments a writer keeps.
const DefaultMaxPoolSize = 256

// Stack is a bounded free list of reset segments.
type Stack struct {
	items []*Segment
	max   int
}

// NewStack creates a stack that retains at most max segments.
// A non-positive max selects DefaultMaxPoolSize.
func NewStack(max int) *Stack {
	if max <= 0 {
		max = DefaultMaxPoolSize
	}
	return &Stack{max: max}
}

// Push keeps seg for reuse. Segments beyond the cap are dropped and left to
// the garbage collector; Push reports whether seg was kept.
func (s *Stack) Push(seg *Segment) bool {
	if len(s.items) >= s.max {
		return false
	}
	seg.next = nil
	s.items = append(s.items, seg)
	return true
}

// Pop removes the most recently pushed segment.
func (s *Stack) Pop() (*Segment, bool) {
	n := len(s.items)
	if n == 0 {
		return nil, false
	}
	seg := s.items[n-1]
	s.items[n-1] = nil
	s.items = s.items[:n-1]
	return seg, true
}

// Get pops a pooled segment or allocates a new one.
func (s *Stack) Get() *Segment {
	if seg, ok := s.Pop(); ok {
		return seg
	}
	return &Segment{}
}

// Len returns the number of pooled segments.
func (s *Stack) Len() int {
	return len(s.items)
}

// Max returns the retention cap.
func (s *Stack) Max() int {
	return s.max
}
