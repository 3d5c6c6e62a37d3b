package buffer

import (
	"fmt"
	"sync"

	"async-pool-golang/src/common"
)

// lruKNode keeps the K most recent access times of a page in a ring.
type lruKNode struct {
	history   []common.Timestamp
	head      int // oldest entry
	count     int
	evictable bool
}

func (n *lruKNode) record(ts common.Timestamp) {
	k := len(n.history)
	if n.count < k {
		n.history[(n.head+n.count)%k] = ts
		n.count++
		return
	}
	n.history[n.head] = ts
	n.head = (n.head + 1) % k
}

// kth is the K-th most recent access, or the first access when the page
// has been seen fewer than K times.
func (n *lruKNode) kth() common.Timestamp { return n.history[n.head] }

// LRUKReplacer evicts the page with the largest backward K-distance, the
// time since its K-th most recent access. Pages seen fewer than K times
// have an infinite distance and go first, earliest first access first.
// Finite ties are broken by page id.
type LRUKReplacer struct {
	k     int
	nodes map[common.PageId]*lruKNode
	size  int
	mu    sync.Mutex
}

func NewLRUKReplacer(k int) *LRUKReplacer {
	if k <= 0 {
		panic(fmt.Sprintf("invalid k %d", k))
	}
	return &LRUKReplacer{
		k:     k,
		nodes: make(map[common.PageId]*lruKNode),
	}
}

func (r *LRUKReplacer) RecordAccess(pageId common.PageId, ts common.Timestamp) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[pageId]
	if !ok {
		node = &lruKNode{history: make([]common.Timestamp, r.k)}
		r.nodes[pageId] = node
	}
	node.record(ts)
}

func (r *LRUKReplacer) SetEvictable(pageId common.PageId, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[pageId]
	if !ok || node.evictable == evictable {
		return
	}
	node.evictable = evictable
	if evictable {
		r.size++
	} else {
		r.size--
	}
}

func (r *LRUKReplacer) Victim() (common.PageId, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var victim common.PageId
	var victimNode *lruKNode
	for pageId, node := range r.nodes {
		if !node.evictable {
			continue
		}
		if victimNode == nil || r.colder(pageId, node, victim, victimNode) {
			victim, victimNode = pageId, node
		}
	}
	if victimNode == nil {
		return common.InvalidPageId, false
	}
	victimNode.evictable = false
	r.size--
	return victim, true
}

// colder reports whether page a has a larger backward K-distance than b.
func (r *LRUKReplacer) colder(a common.PageId, na *lruKNode, b common.PageId, nb *lruKNode) bool {
	aInf, bInf := na.count < r.k, nb.count < r.k
	if aInf != bInf {
		return aInf
	}
	if na.kth() != nb.kth() {
		return na.kth() < nb.kth()
	}
	return a < b
}

func (r *LRUKReplacer) Remove(pageId common.PageId) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[pageId]
	if !ok {
		return
	}
	if node.evictable {
		r.size--
	}
	delete(r.nodes, pageId)
}

func (r *LRUKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// History returns the recorded accesses of a page, oldest first.
func (r *LRUKReplacer) History(pageId common.PageId) []common.Timestamp {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[pageId]
	if !ok {
		return nil
	}
	history := make([]common.Timestamp, 0, node.count)
	for i := 0; i < node.count; i++ {
		history = append(history, node.history[(node.head+i)%r.k])
	}
	return history
}
