package buffer

import (
	"fmt"
	"sync/atomic"

	"async-pool-golang/src/common"
)

// PageHandle is a pinned, latched reference to a resident page. It must be
// released exactly once; the page cannot be evicted before that.
type PageHandle struct {
	bpm      *BufferPoolManager
	entry    *PageEntry
	mode     common.Mode
	gen      uint64
	released atomic.Bool
}

func (h *PageHandle) PageId() common.PageId { return h.entry.pageId }

func (h *PageHandle) Mode() common.Mode { return h.mode }

// stale reports whether the handle no longer refers to the page's frame:
// it was released, and the frame may since have been handed to another page.
func (h *PageHandle) stale() bool {
	return h.released.Load() || h.bpm.frames.Generation(h.entry.frame) != h.gen
}

// Data is the frame holding the page, or nil once the handle is stale.
func (h *PageHandle) Data() []byte {
	if h.stale() {
		return nil
	}
	return h.bpm.frames.Frame(h.entry.frame)
}

func (h *PageHandle) MarkDirty() error {
	if h.stale() {
		return h.bpm.misuse(fmt.Errorf("%w: %s already released", common.ErrStaleHandle, h.entry.pageId))
	}
	if h.mode != common.Exclusive {
		return h.bpm.misuse(fmt.Errorf("%w: %s", common.ErrNotExclusive, h.entry.pageId))
	}
	return h.bpm.table.MarkDirty(h.entry.pageId)
}

func (h *PageHandle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return h.bpm.misuse(fmt.Errorf("%w: %s released twice", common.ErrUnbalancedPin, h.entry.pageId))
	}
	h.entry.unlock(h.mode)
	if err := h.bpm.table.Unpin(h.entry.pageId); err != nil {
		return h.bpm.misuse(err)
	}
	return nil
}
