package buffer

import (
	"container/list"
	"sync"

	"async-pool-golang/src/common"
)

type lruEntry struct {
	pageId    common.PageId
	evictable bool
}

// LRUReplacer evicts the least recently accessed evictable page.
type LRUReplacer struct {
	dataList list.List
	index    map[common.PageId]*list.Element
	size     int
	mu       sync.Mutex
}

func NewLRUReplacer() *LRUReplacer {
	return &LRUReplacer{
		index: make(map[common.PageId]*list.Element),
	}
}

func (lru *LRUReplacer) RecordAccess(pageId common.PageId, _ common.Timestamp) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if elem, ok := lru.index[pageId]; ok {
		lru.dataList.MoveToFront(elem)
		return
	}
	lru.index[pageId] = lru.dataList.PushFront(&lruEntry{pageId: pageId})
}

func (lru *LRUReplacer) SetEvictable(pageId common.PageId, evictable bool) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	elem, ok := lru.index[pageId]
	if !ok {
		return
	}
	entry := elem.Value.(*lruEntry)
	if entry.evictable == evictable {
		return
	}
	entry.evictable = evictable
	if evictable {
		lru.size++
	} else {
		lru.size--
	}
}

func (lru *LRUReplacer) Victim() (common.PageId, bool) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	for elem := lru.dataList.Back(); elem != nil; elem = elem.Prev() {
		entry := elem.Value.(*lruEntry)
		if entry.evictable {
			entry.evictable = false
			lru.size--
			return entry.pageId, true
		}
	}
	return common.InvalidPageId, false
}

func (lru *LRUReplacer) Remove(pageId common.PageId) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if elem, ok := lru.index[pageId]; !ok {
		return
	} else {
		if elem.Value.(*lruEntry).evictable {
			lru.size--
		}
		lru.dataList.Remove(elem)
		delete(lru.index, pageId)
	}
}

func (lru *LRUReplacer) Size() int {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.size
}
