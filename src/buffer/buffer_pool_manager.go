package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"async-pool-golang/src/common"
	"async-pool-golang/src/disk"
)

// errVictimBusy means the chosen victim could not be evicted right now and
// another one should be tried.
var errVictimBusy = errors.New("victim busy")

type Stats struct {
	Hits      int64
	Misses    int64
	Joins     int64
	Reads     int64
	Writes    int64
	Evictions int64
	Timeouts  int64

	Resident    int
	Free        int
	Evictable   int
	Inflight    int
	Outstanding int
}

// BufferPoolManager caches pages of a device in a fixed set of frames.
//
// A miss claims an in-flight marker for the page, so concurrent fetches of
// the same page share one read. Frames come from the free list or from
// evicting the replacer's victim; a dirty victim is written back first.
// There is no pool-wide lock: the page table serializes per page, the
// replacer and the frame store each hold their own short lock.
type BufferPoolManager struct {
	opts     common.Options
	frames   *FrameStore
	table    *PageTable
	replacer Replacer
	engine   disk.IOEngine
	inflight *inflightSet
	detached sync.WaitGroup
	closed   atomic.Bool

	hits      atomic.Int64
	misses    atomic.Int64
	joins     atomic.Int64
	reads     atomic.Int64
	writes    atomic.Int64
	evictions atomic.Int64
	timeouts  atomic.Int64
}

func NewBufferPoolManager(opts common.Options, engine disk.IOEngine, replacer Replacer) (*BufferPoolManager, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	bpm := &BufferPoolManager{
		opts:     opts,
		frames:   NewFrameStore(opts.PoolSize, opts.PageSize),
		table:    NewPageTable(replacer),
		replacer: replacer,
		engine:   engine,
		inflight: newInflightSet(),
	}
	log.Debugf("Buffer pool of %d frames, %s.", opts.PoolSize, humanize.IBytes(uint64(opts.PoolSize)*uint64(opts.PageSize)))
	return bpm, nil
}

// FetchPage pins pageId, loading it if needed, and latches it in mode.
// Pool exhaustion and queue saturation are returned rather than waited out.
func (bpm *BufferPoolManager) FetchPage(ctx context.Context, pageId common.PageId, mode common.Mode) (*PageHandle, error) {
	if bpm.closed.Load() {
		return nil, common.ErrClosed
	}
	if !pageId.Addressable(bpm.opts.PageSize) {
		return nil, fmt.Errorf("%w: cannot fetch %s", common.ErrInvalidPage, pageId)
	}
	ctx, cancel := bpm.withTimeout(ctx)
	defer cancel()

	for {
		if entry, ok := bpm.table.Pin(pageId, true); ok {
			bpm.hits.Add(1)
			return bpm.newHandle(ctx, entry, mode)
		}

		m, mine := bpm.inflight.claim(pageId, common.OpRead)
		if !mine {
			bpm.joins.Add(1)
			err := m.wait(ctx, pageId)
			if errors.Is(err, common.ErrTimeout) {
				bpm.timeouts.Add(1)
				return nil, err
			}
			var ioErr *common.IoError
			if m.op == common.OpRead && errors.As(err, &ioErr) && ioErr.PageId == pageId && ioErr.Op == common.OpRead {
				return nil, err
			}
			continue
		}

		// The page may have been installed between the lookup and the claim.
		if entry, ok := bpm.table.Pin(pageId, true); ok {
			bpm.inflight.settle(pageId, m, nil)
			bpm.hits.Add(1)
			return bpm.newHandle(ctx, entry, mode)
		}

		bpm.misses.Add(1)
		entry, err := bpm.load(ctx, pageId, m)
		if err != nil {
			return nil, err
		}
		return bpm.newHandle(ctx, entry, mode)
	}
}

func (bpm *BufferPoolManager) Release(h *PageHandle) error {
	return h.Release()
}

// load reads pageId into a fresh frame while holding its read marker, and
// settles the marker whatever happens.
func (bpm *BufferPoolManager) load(ctx context.Context, pageId common.PageId, m *inflight) (*PageEntry, error) {
	frame, err := bpm.obtainFrame(ctx)
	if err != nil {
		bpm.inflight.settle(pageId, m, err)
		return nil, err
	}
	fut, err := bpm.engine.SubmitRead(pageId, bpm.frames.Frame(frame))
	if err != nil {
		bpm.releaseFrame(frame)
		bpm.inflight.settle(pageId, m, err)
		return nil, err
	}
	bpm.reads.Add(1)

	var entry *PageEntry
	err = bpm.await(ctx, fut, func(err error, detached bool) error {
		if err != nil {
			log.WithError(err).Warnf("Cannot read page %d from disk.", pageId)
			bpm.releaseFrame(frame)
			bpm.inflight.settle(pageId, m, err)
			return err
		}
		// Nobody is waiting for a detached load, so it is installed unpinned.
		e, err := bpm.table.Insert(pageId, frame, !detached)
		if err != nil {
			log.WithError(err).Errorf("Cannot install page %d.", pageId)
			bpm.releaseFrame(frame)
			bpm.inflight.settle(pageId, m, err)
			return err
		}
		if !detached {
			entry = e
		}
		bpm.inflight.settle(pageId, m, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// await waits for fut and passes its outcome to complete. When the wait is
// cut short, completion is handed to a background goroutine and the wait
// error is returned.
func (bpm *BufferPoolManager) await(ctx context.Context, fut *disk.Future, complete func(err error, detached bool) error) error {
	waitErr := bpm.engine.Wait(ctx, fut)
	select {
	case <-fut.Done():
		_, err := fut.Result()
		return complete(err, false)
	default:
	}

	bpm.timeouts.Add(1)
	log.WithError(waitErr).Warnf("Gave up waiting for %s of page %d.", fut.Op, fut.PageId)
	bpm.detached.Add(1)
	go func() {
		defer bpm.detached.Done()
		bpm.engine.Wait(context.Background(), fut)
		<-fut.Done()
		_, err := fut.Result()
		complete(err, true)
	}()
	return waitErr
}

func (bpm *BufferPoolManager) obtainFrame(ctx context.Context) (int, error) {
	for {
		if frame, err := bpm.frames.Acquire(); err == nil {
			return frame, nil
		}
		if err := ctx.Err(); err != nil {
			return -1, fmt.Errorf("%w: looking for a frame: %w", common.ErrTimeout, err)
		}
		victim, ok := bpm.replacer.Victim()
		if !ok {
			log.Warnf("Buffer pool is full.")
			return -1, common.ErrPoolExhausted
		}
		err := bpm.evict(ctx, victim)
		if errors.Is(err, errVictimBusy) {
			continue
		}
		if err != nil {
			return -1, err
		}
	}
}

// evict frees the frame of a victim reserved by the replacer. On any
// failure the victim is handed back to the replacer.
func (bpm *BufferPoolManager) evict(ctx context.Context, victim common.PageId) error {
	entry, ok := bpm.table.Lookup(victim)
	if !ok {
		bpm.table.Requeue(victim)
		return errVictimBusy
	}
	if !entry.latch.TryRLock() {
		bpm.table.Requeue(victim)
		return errVictimBusy
	}
	if entry.IsDirty() {
		if err := bpm.writeBack(ctx, entry); err != nil {
			bpm.table.Requeue(victim)
			return err
		}
	} else {
		entry.latch.RUnlock()
	}
	return bpm.reclaim(victim)
}

func (bpm *BufferPoolManager) reclaim(victim common.PageId) error {
	frame, err := bpm.table.Remove(victim)
	if err != nil {
		bpm.table.Requeue(victim)
		return errVictimBusy
	}
	bpm.releaseFrame(frame)
	bpm.evictions.Add(1)
	return nil
}

// writeBack writes a dirty page to the device. The caller holds the page
// latch shared; writeBack releases it once the write has completed. When
// another write of the page is already in flight it waits for that one and
// returns errVictimBusy.
func (bpm *BufferPoolManager) writeBack(ctx context.Context, entry *PageEntry) error {
	pageId := entry.pageId
	m, mine := bpm.inflight.claim(pageId, common.OpWrite)
	if !mine {
		entry.latch.RUnlock()
		if err := m.wait(ctx, pageId); errors.Is(err, common.ErrTimeout) {
			return err
		}
		return errVictimBusy
	}

	fut, err := bpm.engine.SubmitWrite(pageId, bpm.frames.Frame(entry.frame))
	if err != nil {
		entry.latch.RUnlock()
		bpm.inflight.settle(pageId, m, err)
		return err
	}
	bpm.writes.Add(1)

	return bpm.await(ctx, fut, func(err error, detached bool) error {
		if err != nil {
			log.WithError(err).Errorf("Cannot write page %d back.", pageId)
			bpm.table.SetFlushFailed(pageId, true)
		} else {
			bpm.table.ClearDirty(pageId)
			bpm.table.SetFlushFailed(pageId, false)
		}
		entry.latch.RUnlock()
		bpm.inflight.settle(pageId, m, err)
		if detached {
			bpm.table.Requeue(pageId)
		}
		return err
	})
}

// FlushPage writes pageId back if it is dirty. A page that failed to write
// back during eviction becomes evictable again once this succeeds.
func (bpm *BufferPoolManager) FlushPage(ctx context.Context, pageId common.PageId) error {
	ctx, cancel := bpm.withTimeout(ctx)
	defer cancel()

	for {
		entry, ok := bpm.table.Pin(pageId, false)
		if !ok {
			log.Warnf("Page %d is not in buffer. Cannot flush page.", pageId)
			return nil
		}
		if err := entry.lock(ctx, common.Shared); err != nil {
			bpm.timeouts.Add(1)
			if uerr := bpm.table.Unpin(pageId); uerr != nil {
				log.WithError(uerr).Errorf("Cannot unpin page %d after flush.", pageId)
			}
			return err
		}
		var err error
		if entry.IsDirty() {
			err = bpm.writeBack(ctx, entry)
		} else {
			entry.latch.RUnlock()
		}
		if uerr := bpm.table.Unpin(pageId); uerr != nil {
			log.WithError(uerr).Errorf("Cannot unpin page %d after flush.", pageId)
		}
		if !errors.Is(err, errVictimBusy) {
			if err != nil {
				log.WithError(err).Errorf("Cannot flush page %d.", pageId)
			}
			return err
		}
	}
}

// FlushAllPages flushes every dirty resident page, keeping at most a queue
// depth of writes outstanding.
func (bpm *BufferPoolManager) FlushAllPages(ctx context.Context) error {
	var dirty []common.PageId
	bpm.table.Range(func(entry *PageEntry) bool {
		if entry.IsDirty() {
			dirty = append(dirty, entry.pageId)
		}
		return true
	})

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	sem := make(chan struct{}, bpm.opts.QueueDepth)
	for _, pageId := range dirty {
		sem <- struct{}{}
		wg.Add(1)
		go func(pageId common.PageId) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := bpm.FlushPage(ctx, pageId); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(pageId)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// DiscardPage drops an unpinned page without writing it back. This is the
// way out for a page whose write-back keeps failing.
func (bpm *BufferPoolManager) DiscardPage(pageId common.PageId) error {
	entry, ok := bpm.table.Lookup(pageId)
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrPageNotResident, pageId)
	}
	if !entry.latch.TryLock() {
		return fmt.Errorf("%w: %s is in use", common.ErrPinnedEviction, pageId)
	}
	frame, err := bpm.table.Discard(pageId)
	entry.latch.Unlock()
	if err != nil {
		return err
	}
	if entry.IsDirty() {
		log.Warnf("Discarded dirty page %d.", pageId)
	}
	bpm.releaseFrame(frame)
	return nil
}

func (bpm *BufferPoolManager) Stats() Stats {
	return Stats{
		Hits:        bpm.hits.Load(),
		Misses:      bpm.misses.Load(),
		Joins:       bpm.joins.Load(),
		Reads:       bpm.reads.Load(),
		Writes:      bpm.writes.Load(),
		Evictions:   bpm.evictions.Load(),
		Timeouts:    bpm.timeouts.Load(),
		Resident:    bpm.table.Len(),
		Free:        bpm.frames.NumFree(),
		Evictable:   bpm.replacer.Size(),
		Inflight:    bpm.inflight.len(),
		Outstanding: bpm.engine.Outstanding(),
	}
}

// Close flushes dirty pages, lets background completions finish and closes
// the engine. Fetches fail with ErrClosed afterwards.
func (bpm *BufferPoolManager) Close(ctx context.Context) error {
	if !bpm.closed.CompareAndSwap(false, true) {
		return nil
	}
	flushErr := bpm.FlushAllPages(ctx)

	done := make(chan struct{})
	go func() {
		bpm.detached.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warnf("Closing buffer pool with background i/o outstanding.")
	}
	closeErr := bpm.engine.Close()
	<-done
	return errors.Join(flushErr, closeErr)
}

// newHandle latches a page the caller has pinned. If the latch cannot be
// had before ctx ends, the pin is dropped again.
func (bpm *BufferPoolManager) newHandle(ctx context.Context, entry *PageEntry, mode common.Mode) (*PageHandle, error) {
	if err := entry.lock(ctx, mode); err != nil {
		bpm.timeouts.Add(1)
		if uerr := bpm.table.Unpin(entry.pageId); uerr != nil {
			log.WithError(uerr).Errorf("Cannot unpin page %d.", entry.pageId)
		}
		return nil, err
	}
	return &PageHandle{bpm: bpm, entry: entry, mode: mode, gen: bpm.frames.Generation(entry.frame)}, nil
}

func (bpm *BufferPoolManager) releaseFrame(frame int) {
	if err := bpm.frames.Release(frame); err != nil {
		log.WithError(err).Errorf("Cannot release frame %d.", frame)
	}
}

func (bpm *BufferPoolManager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if bpm.opts.IoTimeout > 0 {
		return context.WithTimeout(ctx, bpm.opts.IoTimeout)
	}
	return context.WithCancel(ctx)
}

// misuse reports a broken calling contract. With PanicOnMisuse it panics.
func (bpm *BufferPoolManager) misuse(err error) error {
	log.WithError(err).Error("Buffer pool misuse.")
	if bpm.opts.PanicOnMisuse {
		panic(err)
	}
	return err
}
