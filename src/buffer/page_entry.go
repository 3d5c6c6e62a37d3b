package buffer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"async-pool-golang/src/common"
)

const (
	minLatchBackoff = 10 * time.Microsecond
	maxLatchBackoff = time.Millisecond
)

// PageEntry binds a resident page to its frame. The latch orders readers
// and writers of the frame contents; pin count and flags are only changed
// by the PageTable.
type PageEntry struct {
	pageId      common.PageId
	frame       int
	pinCount    atomic.Int32
	dirty       atomic.Bool
	flushFailed atomic.Bool
	latch       sync.RWMutex
}

func (e *PageEntry) PageId() common.PageId { return e.pageId }

func (e *PageEntry) Frame() int { return e.frame }

func (e *PageEntry) PinCount() int { return int(e.pinCount.Load()) }

func (e *PageEntry) IsDirty() bool { return e.dirty.Load() }

// FlushFailed is set while the last write-back of the page failed. Such a
// page is kept out of the replacer until it is flushed or discarded.
func (e *PageEntry) FlushFailed() bool { return e.flushFailed.Load() }

// lock takes the latch in mode, giving up with ErrTimeout when ctx ends.
func (e *PageEntry) lock(ctx context.Context, mode common.Mode) error {
	try := e.latch.TryRLock
	if mode == common.Exclusive {
		try = e.latch.TryLock
	}
	if try() {
		return nil
	}

	backoff := minLatchBackoff
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: latching %s %s: %w", common.ErrTimeout, e.pageId, mode, ctx.Err())
		case <-timer.C:
		}
		if try() {
			return nil
		}
		if backoff < maxLatchBackoff {
			backoff *= 2
		}
		timer.Reset(backoff)
	}
}

func (e *PageEntry) unlock(mode common.Mode) {
	if mode == common.Exclusive {
		e.latch.Unlock()
	} else {
		e.latch.RUnlock()
	}
}
