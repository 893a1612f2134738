package playback

// entry wraps a [Segment] with scheduling metadata. seq gives FIFO order
// within a priority level.
type entry struct {
	segment  *Segment
	priority int
	seq      uint64
}

// segmentHeap is a max-heap on priority with FIFO tie-breaking on seq. It
// implements [container/heap.Interface].
type segmentHeap []entry

func (h segmentHeap) Len() int { return len(h) }

func (h segmentHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h segmentHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *segmentHeap) Push(x any) {
	*h = append(*h, x.(entry))
}

func (h *segmentHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = entry{}
	*h = old[:n-1]
	return e
}
