// Package mixer provides a software [audio.Renderer]: a render graph with a
// virtual output clock, sample-accurately scheduled one-shot voices and
// looping voices routed through smoothed gain stages.
//
// The mixer does no I/O of its own. A device backend pulls mixed output by
// calling [Mixer.Render] from its callback; the clock advances by exactly the
// number of frames rendered.
package mixer

// voiceHeap implements [container/heap.Interface] as a min-heap of scheduled
// voices ordered by start frame, with FIFO tie-breaking on seq.
type voiceHeap []*voice

func (h voiceHeap) Len() int { return len(h) }

// Less reports whether voice i starts before voice j. Voices scheduled for
// the same frame keep their scheduling order.
func (h voiceHeap) Less(i, j int) bool {
	if h[i].start != h[j].start {
		return h[i].start < h[j].start
	}
	return h[i].seq < h[j].seq
}

func (h voiceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *voiceHeap) Push(x any) { *h = append(*h, x.(*voice)) }

func (h *voiceHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return v
}
