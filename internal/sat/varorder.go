package sat

// varOrder is a max-heap over variables keyed by an externally-owned
// activity slice (the VSIDS scores), supporting the three operations
// CDCL search needs: insert on unassignment, update after a bump, and
// popMax to pick the next branching variable.
type varOrder struct {
	activity []float64
	heap     []Var
	pos      []int // pos[v] = index of v in heap, or -1 if absent
}

func newVarOrder(activity []float64) *varOrder {
	pos := make([]int, len(activity))
	for i := range pos {
		pos[i] = -1
	}

	return &varOrder{activity: activity, pos: pos}
}

func (o *varOrder) less(i, j Var) bool {
	if o.activity[i] != o.activity[j] {
		return o.activity[i] > o.activity[j] // max-heap
	}

	return i < j // equal activity: lower variable index first
}

func (o *varOrder) insert(v Var) {
	if o.pos[v] != -1 {
		return // already present
	}

	o.heap = append(o.heap, v)
	idx := len(o.heap) - 1
	o.pos[v] = idx
	o.siftUp(idx)
}

// update restores the heap property for v after its activity changed
// (VSIDS bumps only ever increase activity, so siftUp suffices; if v is
// not currently in the heap — i.e. already assigned — this is a no-op).
func (o *varOrder) update(v Var) {
	idx := o.pos[v]
	if idx == -1 {
		return
	}

	o.siftUp(idx)
}

func (o *varOrder) popMax() (Var, bool) {
	if len(o.heap) == 0 {
		return 0, false
	}

	top := o.heap[0]
	last := len(o.heap) - 1
	o.swap(0, last)
	o.heap = o.heap[:last]
	o.pos[top] = -1

	if len(o.heap) > 0 {
		o.siftDown(0)
	}

	return top, true
}

func (o *varOrder) swap(i, j int) {
	o.heap[i], o.heap[j] = o.heap[j], o.heap[i]
	o.pos[o.heap[i]] = i
	o.pos[o.heap[j]] = j
}

func (o *varOrder) siftUp(idx int) {
	for idx > 0 {
		parent := (idx - 1) / 2
		if !o.less(o.heap[idx], o.heap[parent]) {
			break
		}

		o.swap(idx, parent)
		idx = parent
	}
}

func (o *varOrder) siftDown(idx int) {
	n := len(o.heap)

	for {
		left := 2*idx + 1
		right := 2*idx + 2
		largest := idx

		if left < n && o.less(o.heap[left], o.heap[largest]) {
			largest = left
		}

		if right < n && o.less(o.heap[right], o.heap[largest]) {
			largest = right
		}

		if largest == idx {
			break
		}

		o.swap(idx, largest)
		idx = largest
	}
}
