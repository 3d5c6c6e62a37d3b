package buffer

import (
	"fmt"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"async-pool-golang/src/common"
)

// PageTable maps resident page ids to their entries and keeps the replacer
// in step with pin counts. Every structural change and pin transition of a
// page runs inside the map's per-key Compute, and the replacer is updated
// from there, so the two never disagree about a page. Lock order is the map
// bucket, then the replacer.
type PageTable struct {
	entries  *xsync.MapOf[common.PageId, *PageEntry]
	replacer Replacer
	clock    atomic.Uint64
}

func NewPageTable(replacer Replacer) *PageTable {
	return &PageTable{
		entries:  xsync.NewMapOf[common.PageId, *PageEntry](),
		replacer: replacer,
	}
}

func (pt *PageTable) tick() common.Timestamp {
	return common.Timestamp(pt.clock.Add(1))
}

func (pt *PageTable) Lookup(pageId common.PageId) (*PageEntry, bool) {
	return pt.entries.Load(pageId)
}

// Insert makes a loaded page resident in frame. A pinned insert starts with
// one pin; otherwise the page is immediately evictable.
func (pt *PageTable) Insert(pageId common.PageId, frame int, pinned bool) (*PageEntry, error) {
	var err error
	entry, _ := pt.entries.Compute(pageId, func(old *PageEntry, loaded bool) (*PageEntry, bool) {
		if loaded {
			err = fmt.Errorf("%w: %s", common.ErrDuplicatePage, pageId)
			return old, false
		}
		e := &PageEntry{pageId: pageId, frame: frame}
		if pinned {
			e.pinCount.Store(1)
		}
		pt.replacer.RecordAccess(pageId, pt.tick())
		pt.replacer.SetEvictable(pageId, !pinned)
		return e, false
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Pin adds a pin to a resident page. With touch the access is recorded in
// the replacer's history.
func (pt *PageTable) Pin(pageId common.PageId, touch bool) (*PageEntry, bool) {
	var pinned bool
	entry, _ := pt.entries.Compute(pageId, func(old *PageEntry, loaded bool) (*PageEntry, bool) {
		if !loaded {
			return nil, true
		}
		if old.pinCount.Add(1) == 1 {
			pt.replacer.SetEvictable(pageId, false)
		}
		if touch {
			pt.replacer.RecordAccess(pageId, pt.tick())
		}
		pinned = true
		return old, false
	})
	if !pinned {
		return nil, false
	}
	return entry, true
}

func (pt *PageTable) Unpin(pageId common.PageId) error {
	var err error
	pt.entries.Compute(pageId, func(old *PageEntry, loaded bool) (*PageEntry, bool) {
		if !loaded {
			err = fmt.Errorf("%w: %s", common.ErrPageNotResident, pageId)
			return nil, true
		}
		if old.pinCount.Load() <= 0 {
			err = fmt.Errorf("%w: %s", common.ErrUnbalancedPin, pageId)
			return old, false
		}
		if old.pinCount.Add(-1) == 0 && !old.flushFailed.Load() {
			pt.replacer.SetEvictable(pageId, true)
		}
		return old, false
	})
	return err
}

func (pt *PageTable) MarkDirty(pageId common.PageId) error {
	entry, ok := pt.entries.Load(pageId)
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrPageNotResident, pageId)
	}
	entry.dirty.Store(true)
	return nil
}

func (pt *PageTable) ClearDirty(pageId common.PageId) {
	if entry, ok := pt.entries.Load(pageId); ok {
		entry.dirty.Store(false)
	}
}

// SetFlushFailed quarantines a page after a failed write-back, or lifts the
// quarantine once a write-back succeeded.
func (pt *PageTable) SetFlushFailed(pageId common.PageId, failed bool) {
	pt.entries.Compute(pageId, func(old *PageEntry, loaded bool) (*PageEntry, bool) {
		if !loaded {
			return nil, true
		}
		was := old.flushFailed.Swap(failed)
		if failed {
			pt.replacer.SetEvictable(pageId, false)
		} else if was && old.pinCount.Load() == 0 {
			pt.replacer.SetEvictable(pageId, true)
		}
		return old, false
	})
}

// Requeue hands a page picked by the replacer back to it when the eviction
// did not go through. A page that has left the table meanwhile is dropped
// from the replacer.
func (pt *PageTable) Requeue(pageId common.PageId) {
	pt.entries.Compute(pageId, func(old *PageEntry, loaded bool) (*PageEntry, bool) {
		if !loaded {
			pt.replacer.Remove(pageId)
			return nil, true
		}
		if old.pinCount.Load() == 0 && !old.flushFailed.Load() {
			pt.replacer.SetEvictable(pageId, true)
		}
		return old, false
	})
}

// Remove is where an eviction takes effect: the page leaves the table only
// if it is unpinned and clean at this instant. The caller owns the returned
// frame.
func (pt *PageTable) Remove(pageId common.PageId) (int, error) {
	return pt.remove(pageId, false)
}

// Discard removes an unpinned page even if it is dirty. Its modifications
// are lost.
func (pt *PageTable) Discard(pageId common.PageId) (int, error) {
	return pt.remove(pageId, true)
}

func (pt *PageTable) remove(pageId common.PageId, force bool) (int, error) {
	frame := -1
	var err error
	pt.entries.Compute(pageId, func(old *PageEntry, loaded bool) (*PageEntry, bool) {
		if !loaded {
			err = fmt.Errorf("%w: %s", common.ErrPageNotResident, pageId)
			return nil, true
		}
		if old.pinCount.Load() > 0 {
			err = fmt.Errorf("%w: %s has %d pins", common.ErrPinnedEviction, pageId, old.pinCount.Load())
			return old, false
		}
		if !force && old.dirty.Load() {
			err = fmt.Errorf("%w: %s", common.ErrPageDirty, pageId)
			return old, false
		}
		pt.replacer.Remove(pageId)
		frame = old.frame
		return nil, true
	})
	return frame, err
}

func (pt *PageTable) Len() int { return pt.entries.Size() }

func (pt *PageTable) Range(f func(entry *PageEntry) bool) {
	pt.entries.Range(func(_ common.PageId, entry *PageEntry) bool {
		return f(entry)
	})
}
