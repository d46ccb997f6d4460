package storage

import (
	"container/heap"
	"sync"
)

// AccessType distinguishes why a frame was touched. The replacer does
// not currently vary its policy by access type, but the parameter is
// threaded through record_access per the replacer's external contract
// so callers (and future policies) can distinguish a sequential scan
// from a point lookup.
type AccessType int

const (
	AccessUnknown AccessType = iota
	AccessLookup
	AccessScan
)

// LRUKReplacer selects an eviction victim among evictable frames using
// backward k-distance: the time since the k-th most recent access.
// Frames with fewer than k accesses have infinite k-distance and are
// evicted before any frame with a full history; ties within either
// group break by classical LRU (oldest recorded access wins).
//
// Victim selection is O(log n) via a binary heap ordered first by
// history completeness (partial before full) and then by the oldest
// timestamp in the frame's access window — which, for a full-history
// frame, doubles as the largest backward k-distance at the moment of
// comparison, since both counters only ever increase. record_access
// and set_evictable maintain heap position with heap.Fix.
type LRUKReplacer struct {
	mu        sync.Mutex
	k         int
	numFrames int
	counter   uint64
	nodes     map[FrameID]*lruKNode
	heap      lruKHeap
}

type lruKNode struct {
	frameID   FrameID
	history   []uint64 // oldest first, capped at k entries
	evictable bool
	heapIndex int // -1 when not in the heap
}

func (n *lruKNode) full(k int) bool { return len(n.history) >= k }

// oldest returns the timestamp used as the tie-break key: the single
// access for a partial-history node, or the k-th most recent (the
// front of the bounded window) for a full-history node.
func (n *lruKNode) oldest() uint64 {
	if len(n.history) == 0 {
		return 0
	}
	return n.history[0]
}

type lruKHeap struct {
	k     int
	items []*lruKNode
}

func (h lruKHeap) Len() int { return len(h.items) }

func (h lruKHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	af, bf := a.full(h.k), b.full(h.k)
	if af != bf {
		// partial-history (not full) always evicts first
		return !af
	}
	return a.oldest() < b.oldest()
}

func (h lruKHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].heapIndex = i
	h.items[j].heapIndex = j
}

func (h *lruKHeap) Push(x any) {
	n := x.(*lruKNode)
	n.heapIndex = len(h.items)
	h.items = append(h.items, n)
}

func (h *lruKHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.heapIndex = -1
	h.items = old[:n-1]
	return item
}

// NewLRUKReplacer creates a replacer tracking up to numFrames frames
// with a k-access history window. k must be at least 1.
func NewLRUKReplacer(numFrames, k int) *LRUKReplacer {
	if k < 1 {
		k = 1
	}
	return &LRUKReplacer{
		k:         k,
		numFrames: numFrames,
		nodes:     make(map[FrameID]*lruKNode, numFrames),
		heap:      lruKHeap{k: k, items: make([]*lruKNode, 0, numFrames)},
	}
}

func (r *LRUKReplacer) inRange(id FrameID) bool {
	return id >= 0 && int(id) < r.numFrames
}

func (r *LRUKReplacer) nodeFor(id FrameID) *lruKNode {
	n, ok := r.nodes[id]
	if !ok {
		n = &lruKNode{frameID: id, heapIndex: -1}
		r.nodes[id] = n
	}
	return n
}

// RecordAccess appends a new access for frameID. If the frame's history
// already holds k entries, the oldest is dropped first. A silent no-op
// for an out-of-range frame ID.
func (r *LRUKReplacer) RecordAccess(id FrameID, accessType AccessType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.inRange(id) {
		return
	}
	n := r.nodeFor(id)
	r.counter++
	if len(n.history) >= r.k {
		n.history = append(n.history[1:], r.counter)
	} else {
		n.history = append(n.history, r.counter)
	}
	if n.heapIndex >= 0 {
		heap.Fix(&r.heap, n.heapIndex)
	}
}

// SetEvictable toggles whether frameID may be chosen as a victim. A
// silent no-op for an out-of-range frame ID.
func (r *LRUKReplacer) SetEvictable(id FrameID, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.inRange(id) {
		return
	}
	n := r.nodeFor(id)
	if n.evictable == evictable {
		return
	}
	n.evictable = evictable
	if evictable {
		heap.Push(&r.heap, n)
	} else if n.heapIndex >= 0 {
		heap.Remove(&r.heap, n.heapIndex)
	}
}

// Evict removes and returns the evictable frame with the greatest
// backward k-distance (partial-history frames first, classical LRU as
// the tie-break). Returns false if no frame is evictable.
func (r *LRUKReplacer) Evict() (FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.heap.Len() == 0 {
		return 0, false
	}
	n := heap.Pop(&r.heap).(*lruKNode)
	delete(r.nodes, n.frameID)
	return n.frameID, true
}

// Remove discards a frame's history. It is only effective if the frame
// is currently evictable; otherwise it is a silent no-op, per contract.
func (r *LRUKReplacer) Remove(id FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok || !n.evictable {
		return
	}
	heap.Remove(&r.heap, n.heapIndex)
	delete(r.nodes, id)
}

// Size returns the number of currently evictable frames.
func (r *LRUKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.heap.Len()
}

// Stats reports replacer counters for diagnostics, following the same
// plain-map reporting convention as DiskManager.Stats and
// BufferPoolManager.Stats.
func (r *LRUKReplacer) Stats() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]any{
		"k":               r.k,
		"tracked_frames":  len(r.nodes),
		"evictable_count": r.heap.Len(),
	}
}
