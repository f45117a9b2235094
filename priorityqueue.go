package dispatch

// priorityQueue is a d-ary heap (default fan-out 4) of registered
// watchers, keyed on (priority, sequence) so that equal-priority
// entries dispatch in insertion order (spec §4.1, grounded on
// original_source/dasynq/include/dasynq/daryheap.h: handles carry their
// own heap index so remove/set-priority run in O(log n) without a
// linear search).
type priorityQueue struct {
	arity   int
	nodes   []watcher
	nextSeq uint64

	// maxCapacity bounds growth; exceeding it is a resource-exhaustion
	// error distinct from a logic error (spec §7).
	maxCapacity int
}

const (
	defaultQueueArity       = 4
	defaultMaxQueueCapacity = 1 << 20
)

func newPriorityQueue(arity int) *priorityQueue {
	if arity < 2 {
		arity = defaultQueueArity
	}
	return &priorityQueue{
		arity:       arity,
		nextSeq:     1,
		maxCapacity: defaultMaxQueueCapacity,
	}
}

func (q *priorityQueue) Len() int { return len(q.nodes) }

// Insert places w into the heap at its recorded base().priority. w must
// not already be queued.
func (q *priorityQueue) Insert(w watcher) error {
	if len(q.nodes) >= q.maxCapacity {
		return &AllocError{Component: "priorityqueue"}
	}
	b := w.base()
	b.pqSeq = q.nextSeq
	q.nextSeq++
	b.queued = true
	idx := len(q.nodes)
	q.nodes = append(q.nodes, w)
	b.pqIndex = idx
	q.bubbleUp(idx)
	return nil
}

// Remove unlinks w from the heap. No-op if w is not currently queued.
func (q *priorityQueue) Remove(w watcher) {
	b := w.base()
	if !b.queued {
		return
	}
	idx := b.pqIndex
	last := len(q.nodes) - 1
	if idx != last {
		q.nodes[idx] = q.nodes[last]
		q.nodes[idx].base().pqIndex = idx
	}
	q.nodes = q.nodes[:last]
	b.resetQueueState()
	if idx < len(q.nodes) {
		// The node that replaced idx may need to move either way.
		q.bubbleDown(idx)
		q.bubbleUp(idx)
	}
	q.maybeShrink()
}

// SetPriority updates w's priority in place, preserving heap ordering,
// and reports whether the root changed (so a caller can decide whether
// a kernel-level rearm is required).
func (q *priorityQueue) SetPriority(w watcher, priority int32) (rootChanged bool) {
	oldRootWatcher := q.Peek()
	b := w.base()
	b.priority = priority
	if b.queued {
		idx := b.pqIndex
		q.bubbleDown(idx)
		q.bubbleUp(b.pqIndex)
	}
	return q.Peek() != oldRootWatcher
}

// Peek returns the current root watcher, or nil if empty.
func (q *priorityQueue) Peek() watcher {
	if len(q.nodes) == 0 {
		return nil
	}
	return q.nodes[0]
}

// PullRoot removes and returns the current root watcher, or nil if empty.
func (q *priorityQueue) PullRoot() watcher {
	root := q.Peek()
	if root == nil {
		return nil
	}
	q.Remove(root)
	return root
}

func (q *priorityQueue) less(i, j int) bool {
	bi, bj := q.nodes[i].base(), q.nodes[j].base()
	if bi.priority != bj.priority {
		return bi.priority < bj.priority
	}
	return bi.pqSeq < bj.pqSeq
}

func (q *priorityQueue) swap(i, j int) {
	q.nodes[i], q.nodes[j] = q.nodes[j], q.nodes[i]
	q.nodes[i].base().pqIndex = i
	q.nodes[j].base().pqIndex = j
}

func (q *priorityQueue) bubbleUp(pos int) {
	for pos > 0 {
		parent := (pos - 1) / q.arity
		if !q.less(pos, parent) {
			break
		}
		q.swap(pos, parent)
		pos = parent
	}
}

func (q *priorityQueue) bubbleDown(pos int) {
	n := len(q.nodes)
	for {
		first := pos*q.arity + 1
		if first >= n {
			return
		}
		smallest := first
		for c := first + 1; c < n && c < first+q.arity; c++ {
			if q.less(c, smallest) {
				smallest = c
			}
		}
		if !q.less(smallest, pos) {
			return
		}
		q.swap(pos, smallest)
		pos = smallest
	}
}

// maybeShrink halves backing capacity when utilisation drops below a
// quarter, mirroring spec §4.1's capacity policy without holding onto
// memory from transient bursts.
func (q *priorityQueue) maybeShrink() {
	c := cap(q.nodes)
	n := len(q.nodes)
	if c > 64 && n < c/4 {
		shrunk := make([]watcher, n, c/2)
		copy(shrunk, q.nodes)
		q.nodes = shrunk
	}
}
