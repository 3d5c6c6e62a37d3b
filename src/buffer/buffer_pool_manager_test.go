package buffer

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"async-pool-golang/src/common"
	"async-pool-golang/src/disk"
)

const testPageSize = 512

var errMedia = errors.New("media error")

func newTestPool(t *testing.T, poolSize int, tweaks ...func(*common.Options)) (*BufferPoolManager, *disk.MemDevice) {
	return newTestPoolWith(t, poolSize, nil, tweaks...)
}

func newTestPoolWith(t *testing.T, poolSize int, replacer Replacer, tweaks ...func(*common.Options)) (*BufferPoolManager, *disk.MemDevice) {
	opts := common.DefaultOptions()
	opts.PoolSize = poolSize
	opts.PageSize = testPageSize
	opts.QueueDepth = 8
	for _, tweak := range tweaks {
		tweak(&opts)
	}
	if replacer == nil {
		replacer = NewLRUKReplacer(opts.K)
	}
	dev := disk.NewMemDevice(testPageSize, opts.QueueDepth)
	bpm, err := NewBufferPoolManager(opts, disk.NewEngine(dev, testPageSize, opts.QueueDepth), replacer)
	require.Nil(t, err)
	return bpm, dev
}

func pageBytes(b byte) []byte {
	return bytes.Repeat([]byte{b}, testPageSize)
}

func fetch(t *testing.T, bpm *BufferPoolManager, pageId common.PageId, mode common.Mode) *PageHandle {
	t.Helper()
	h, err := bpm.FetchPage(context.Background(), pageId, mode)
	require.Nil(t, err)
	require.Equal(t, pageId, h.PageId())
	return h
}

// requireConsistent checks the pool bookkeeping while no operation is
// running.
func requireConsistent(t *testing.T, bpm *BufferPoolManager) {
	t.Helper()
	frames := make(map[int]common.PageId)
	evictable := 0
	bpm.table.Range(func(entry *PageEntry) bool {
		require.True(t, bpm.frames.IsBound(entry.Frame()))
		_, dup := frames[entry.Frame()]
		require.False(t, dup, "frame %d bound twice", entry.Frame())
		frames[entry.Frame()] = entry.PageId()
		require.GreaterOrEqual(t, entry.PinCount(), 0)
		if entry.PinCount() == 0 && !entry.FlushFailed() {
			evictable++
		}
		return true
	})
	require.Equal(t, bpm.frames.Capacity(), len(frames)+bpm.frames.NumFree())
	require.Equal(t, evictable, bpm.replacer.Size())
	require.Equal(t, 0, bpm.inflight.len())
}

func TestBufferPoolManager_FetchPage(t *testing.T) {
	bpm, dev := newTestPool(t, 4)
	dev.Put(1, pageBytes(7))

	h := fetch(t, bpm, 1, common.Shared)
	require.Equal(t, pageBytes(7), h.Data())
	require.Equal(t, common.Shared, h.Mode())
	require.Nil(t, h.Release())

	h = fetch(t, bpm, 1, common.Shared)
	require.Nil(t, bpm.Release(h))

	stats := bpm.Stats()
	require.Equal(t, int64(1), stats.Hits)
	require.Equal(t, int64(1), stats.Misses)
	require.Equal(t, int64(1), stats.Reads)
	require.Equal(t, 1, stats.Resident)
	require.Equal(t, 3, stats.Free)
	require.Equal(t, int64(1), dev.Reads())
	requireConsistent(t, bpm)

	_, err := bpm.FetchPage(context.Background(), common.InvalidPageId, common.Shared)
	require.ErrorIs(t, err, common.ErrInvalidPage)
}

func TestBufferPoolManager_PageOutOfRange(t *testing.T) {
	bpm, dev := newTestPool(t, 2)
	dev.Put(0, pageBytes(9))

	// Its offset would wrap around to page 0's.
	_, err := bpm.FetchPage(context.Background(), common.PageId(1<<55), common.Shared)
	require.ErrorIs(t, err, common.ErrInvalidPage)
	require.Equal(t, int64(0), dev.Reads())
	require.Equal(t, 0, bpm.Stats().Resident)
	requireConsistent(t, bpm)
}

func TestBufferPoolManager_SharedReaders(t *testing.T) {
	bpm, _ := newTestPool(t, 2)

	h1 := fetch(t, bpm, 3, common.Shared)
	h2 := fetch(t, bpm, 3, common.Shared)
	entry, ok := bpm.table.Lookup(3)
	require.True(t, ok)
	require.Equal(t, 2, entry.PinCount())
	require.Equal(t, 0, bpm.replacer.Size())

	require.Nil(t, h1.Release())
	require.Equal(t, 0, bpm.replacer.Size())
	require.Nil(t, h2.Release())
	require.Equal(t, 1, bpm.replacer.Size())
	requireConsistent(t, bpm)
}

func TestBufferPoolManager_PoolExhausted(t *testing.T) {
	bpm, _ := newTestPool(t, 2)

	h1 := fetch(t, bpm, 1, common.Shared)
	h2 := fetch(t, bpm, 2, common.Shared)

	_, err := bpm.FetchPage(context.Background(), 3, common.Shared)
	require.ErrorIs(t, err, common.ErrPoolExhausted)
	require.True(t, common.IsRetryable(err))
	require.Equal(t, 0, bpm.Stats().Inflight)

	require.Nil(t, h1.Release())
	h3 := fetch(t, bpm, 3, common.Shared)
	_, ok := bpm.table.Lookup(1)
	require.False(t, ok)

	require.Nil(t, h2.Release())
	require.Nil(t, h3.Release())
	require.Equal(t, int64(1), bpm.Stats().Evictions)
	requireConsistent(t, bpm)
}

func TestBufferPoolManager_EvictionRoundTrip(t *testing.T) {
	replacers := map[string]func() Replacer{
		"lru-k": func() Replacer { return NewLRUKReplacer(2) },
		"lru":   func() Replacer { return NewLRUReplacer() },
	}
	for name, newReplacer := range replacers {
		t.Run(name, func(t *testing.T) {
			bpm, dev := newTestPoolWith(t, 2, newReplacer())

			h := fetch(t, bpm, 1, common.Exclusive)
			copy(h.Data(), pageBytes(0xab))
			require.Nil(t, h.MarkDirty())
			require.Nil(t, h.Release())
			require.Nil(t, fetch(t, bpm, 2, common.Shared).Release())

			// Page 1 is the oldest, so fetching page 3 writes it back.
			require.Nil(t, fetch(t, bpm, 3, common.Shared).Release())
			_, ok := bpm.table.Lookup(1)
			require.False(t, ok)
			require.Equal(t, int64(1), dev.Writes())
			require.Equal(t, pageBytes(0xab), dev.Get(1))

			h = fetch(t, bpm, 1, common.Shared)
			require.Equal(t, pageBytes(0xab), h.Data())
			require.Nil(t, h.Release())
			_, ok = bpm.table.Lookup(2)
			require.False(t, ok)

			// Page 2 was clean and is not written.
			require.Equal(t, int64(1), dev.Writes())
			require.Equal(t, int64(2), bpm.Stats().Evictions)
			requireConsistent(t, bpm)
		})
	}
}

func TestBufferPoolManager_ConcurrentFetchOneRead(t *testing.T) {
	bpm, dev := newTestPool(t, 4)
	dev.Put(5, pageBytes(5))
	dev.Hold()

	const fetchers = 8
	handles := make(chan *PageHandle, fetchers)
	var wg sync.WaitGroup
	for i := 0; i < fetchers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := bpm.FetchPage(context.Background(), 5, common.Shared)
			require.Nil(t, err)
			handles <- h
		}()
	}
	require.Eventually(t, func() bool {
		return dev.Parked() == 1 && bpm.Stats().Joins == fetchers-1
	}, 5*time.Second, time.Millisecond)

	dev.Resume()
	wg.Wait()
	close(handles)
	for h := range handles {
		require.Equal(t, pageBytes(5), h.Data())
		require.Nil(t, h.Release())
	}
	require.Equal(t, int64(1), dev.Reads())
	require.Equal(t, int64(1), bpm.Stats().Misses)
	requireConsistent(t, bpm)
}

func TestBufferPoolManager_HandleMisuse(t *testing.T) {
	bpm, _ := newTestPool(t, 2)

	h := fetch(t, bpm, 1, common.Shared)
	require.ErrorIs(t, h.MarkDirty(), common.ErrNotExclusive)
	require.Nil(t, h.Release())
	require.Nil(t, h.Data())
	require.ErrorIs(t, h.Release(), common.ErrUnbalancedPin)
	require.ErrorIs(t, h.MarkDirty(), common.ErrStaleHandle)

	entry, ok := bpm.table.Lookup(1)
	require.True(t, ok)
	require.Equal(t, 0, entry.PinCount())
	requireConsistent(t, bpm)
}

func TestBufferPoolManager_PanicOnMisuse(t *testing.T) {
	bpm, _ := newTestPool(t, 2, func(opts *common.Options) {
		opts.PanicOnMisuse = true
	})

	h := fetch(t, bpm, 1, common.Shared)
	require.Nil(t, h.Release())
	require.Panics(t, func() { h.Release() })
}

func TestBufferPoolManager_ReadFailure(t *testing.T) {
	causes := []error{errMedia, common.ErrShortTransfer}
	for _, cause := range causes {
		bpm, dev := newTestPool(t, 2)
		dev.SetFault(4, common.OpRead, cause)

		_, err := bpm.FetchPage(context.Background(), 4, common.Shared)
		require.ErrorIs(t, err, common.ErrIoFailure)
		require.ErrorIs(t, err, cause)
		var ioErr *common.IoError
		require.True(t, errors.As(err, &ioErr))
		require.Equal(t, common.PageId(4), ioErr.PageId)
		require.Equal(t, common.OpRead, ioErr.Op)

		_, ok := bpm.table.Lookup(4)
		require.False(t, ok)
		require.Equal(t, 2, bpm.frames.NumFree())
		requireConsistent(t, bpm)

		dev.ClearFaults()
		require.Nil(t, fetch(t, bpm, 4, common.Shared).Release())
	}
}

func TestBufferPoolManager_WriteBackFailure(t *testing.T) {
	bpm, dev := newTestPool(t, 1)

	h := fetch(t, bpm, 1, common.Exclusive)
	copy(h.Data(), pageBytes(9))
	require.Nil(t, h.MarkDirty())
	require.Nil(t, h.Release())

	dev.SetFault(1, common.OpWrite, errMedia)
	_, err := bpm.FetchPage(context.Background(), 2, common.Shared)
	var ioErr *common.IoError
	require.True(t, errors.As(err, &ioErr))
	require.Equal(t, common.PageId(1), ioErr.PageId)
	require.Equal(t, common.OpWrite, ioErr.Op)

	// The page keeps its data and stays out of the replacer.
	entry, ok := bpm.table.Lookup(1)
	require.True(t, ok)
	require.True(t, entry.IsDirty())
	require.True(t, entry.FlushFailed())
	requireConsistent(t, bpm)

	_, err = bpm.FetchPage(context.Background(), 2, common.Shared)
	require.ErrorIs(t, err, common.ErrPoolExhausted)

	// Fetching it again still works.
	h = fetch(t, bpm, 1, common.Shared)
	require.Equal(t, pageBytes(9), h.Data())
	require.Nil(t, h.Release())
	require.Equal(t, 0, bpm.replacer.Size())

	dev.ClearFaults()
	require.Nil(t, bpm.FlushPage(context.Background(), 1))
	require.False(t, entry.IsDirty())
	require.False(t, entry.FlushFailed())
	require.Equal(t, pageBytes(9), dev.Get(1))
	requireConsistent(t, bpm)

	require.Nil(t, fetch(t, bpm, 2, common.Shared).Release())
	requireConsistent(t, bpm)
}

func TestBufferPoolManager_DiscardPage(t *testing.T) {
	bpm, dev := newTestPool(t, 1)

	h := fetch(t, bpm, 1, common.Exclusive)
	require.Nil(t, h.MarkDirty())
	require.ErrorIs(t, bpm.DiscardPage(1), common.ErrPinnedEviction)
	require.Nil(t, h.Release())

	dev.SetFault(1, common.OpWrite, errMedia)
	_, err := bpm.FetchPage(context.Background(), 2, common.Shared)
	require.ErrorIs(t, err, common.ErrIoFailure)

	require.Nil(t, bpm.DiscardPage(1))
	require.ErrorIs(t, bpm.DiscardPage(1), common.ErrPageNotResident)
	require.Equal(t, 1, bpm.frames.NumFree())
	requireConsistent(t, bpm)

	require.Nil(t, fetch(t, bpm, 2, common.Shared).Release())
	require.Equal(t, pageBytes(0), dev.Get(1))
}

func TestBufferPoolManager_FlushPage(t *testing.T) {
	bpm, dev := newTestPool(t, 2)

	require.Nil(t, bpm.FlushPage(context.Background(), 8))

	h := fetch(t, bpm, 8, common.Exclusive)
	copy(h.Data(), pageBytes(8))
	require.Nil(t, h.MarkDirty())
	require.Nil(t, h.Release())

	require.Nil(t, bpm.FlushPage(context.Background(), 8))
	require.Equal(t, pageBytes(8), dev.Get(8))
	require.Nil(t, bpm.FlushPage(context.Background(), 8))
	require.Equal(t, int64(1), dev.Writes())

	entry, ok := bpm.table.Lookup(8)
	require.True(t, ok)
	require.False(t, entry.IsDirty())
	requireConsistent(t, bpm)
}

func TestBufferPoolManager_Timeout(t *testing.T) {
	bpm, dev := newTestPool(t, 2, func(opts *common.Options) {
		opts.IoTimeout = 20 * time.Millisecond
	})
	dev.Put(1, pageBytes(1))
	dev.Hold()

	_, err := bpm.FetchPage(context.Background(), 1, common.Shared)
	require.ErrorIs(t, err, common.ErrTimeout)
	require.Equal(t, 1, bpm.Stats().Inflight)

	// A second fetch joins the outstanding read instead of issuing another.
	_, err = bpm.FetchPage(context.Background(), 1, common.Shared)
	require.ErrorIs(t, err, common.ErrTimeout)
	require.Equal(t, 1, dev.Parked())

	dev.Resume()
	require.Eventually(t, func() bool {
		stats := bpm.Stats()
		return stats.Resident == 1 && stats.Inflight == 0
	}, 5*time.Second, time.Millisecond)
	requireConsistent(t, bpm)

	h := fetch(t, bpm, 1, common.Shared)
	require.Equal(t, pageBytes(1), h.Data())
	require.Nil(t, h.Release())
	require.Equal(t, int64(1), dev.Reads())
	require.Equal(t, int64(2), bpm.Stats().Timeouts)
}

func TestBufferPoolManager_TimeoutFailedRead(t *testing.T) {
	bpm, dev := newTestPool(t, 2)
	dev.SetFault(3, common.OpRead, errMedia)
	dev.Hold()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := bpm.FetchPage(ctx, 3, common.Shared)
	require.ErrorIs(t, err, common.ErrTimeout)

	dev.Resume()
	require.Eventually(t, func() bool {
		return bpm.Stats().Inflight == 0
	}, 5*time.Second, time.Millisecond)
	require.Equal(t, 0, bpm.Stats().Resident)
	requireConsistent(t, bpm)
}

func TestBufferPoolManager_QueueSaturated(t *testing.T) {
	bpm, dev := newTestPool(t, 4, func(opts *common.Options) {
		opts.QueueDepth = 1
	})
	dev.Hold()

	done := make(chan error, 1)
	go func() {
		h, err := bpm.FetchPage(context.Background(), 1, common.Shared)
		if err == nil {
			err = h.Release()
		}
		done <- err
	}()
	require.Eventually(t, func() bool { return dev.Parked() == 1 }, 5*time.Second, time.Millisecond)

	_, err := bpm.FetchPage(context.Background(), 2, common.Shared)
	require.ErrorIs(t, err, common.ErrQueueSaturated)
	require.True(t, common.IsRetryable(err))

	dev.Resume()
	require.Nil(t, <-done)
	require.Nil(t, fetch(t, bpm, 2, common.Shared).Release())
	requireConsistent(t, bpm)
}

func TestBufferPoolManager_Concurrent(t *testing.T) {
	const (
		workers = 16
		rounds  = 300
		pages   = 24
	)
	bpm, dev := newTestPool(t, 8)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			for i := 0; i < rounds; i++ {
				pageId := common.PageId(rnd.Intn(pages))
				mode := common.Shared
				if rnd.Intn(3) == 0 {
					mode = common.Exclusive
				}
				h, err := bpm.FetchPage(context.Background(), pageId, mode)
				if common.IsRetryable(err) {
					continue
				}
				require.Nil(t, err)

				tag := binary.LittleEndian.Uint64(h.Data())
				require.True(t, tag == 0 || tag == uint64(pageId)+1, "page %d carries tag %d", pageId, tag)
				if mode == common.Exclusive {
					binary.LittleEndian.PutUint64(h.Data(), uint64(pageId)+1)
					require.Nil(t, h.MarkDirty())
				}
				require.Nil(t, h.Release())
			}
		}(int64(w))
	}
	wg.Wait()
	requireConsistent(t, bpm)

	require.Nil(t, bpm.Close(context.Background()))
	for pageId := common.PageId(0); pageId < pages; pageId++ {
		tag := binary.LittleEndian.Uint64(dev.Get(pageId))
		require.True(t, tag == 0 || tag == uint64(pageId)+1)
	}
}

func TestBufferPoolManager_Close(t *testing.T) {
	bpm, dev := newTestPool(t, 4)

	for pageId := common.PageId(0); pageId < 3; pageId++ {
		h := fetch(t, bpm, pageId, common.Exclusive)
		copy(h.Data(), pageBytes(byte(pageId)+1))
		require.Nil(t, h.MarkDirty())
		require.Nil(t, h.Release())
	}
	require.Nil(t, fetch(t, bpm, 3, common.Shared).Release())

	require.Nil(t, bpm.Close(context.Background()))
	require.Equal(t, int64(3), dev.Writes())
	for pageId := common.PageId(0); pageId < 3; pageId++ {
		require.Equal(t, pageBytes(byte(pageId)+1), dev.Get(pageId))
	}

	_, err := bpm.FetchPage(context.Background(), 0, common.Shared)
	require.ErrorIs(t, err, common.ErrClosed)
	require.Nil(t, bpm.Close(context.Background()))
}

func TestNewBufferPoolManager_InvalidOptions(t *testing.T) {
	opts := common.DefaultOptions()
	opts.PoolSize = 0
	dev := disk.NewMemDevice(testPageSize, 1)
	_, err := NewBufferPoolManager(opts, disk.NewEngine(dev, testPageSize, 1), NewLRUKReplacer(2))
	require.ErrorIs(t, err, common.ErrInvalidOptions)
}

func TestBufferPoolManager_StaleHandle(t *testing.T) {
	bpm, _ := newTestPool(t, 1)

	h := fetch(t, bpm, 1, common.Exclusive)
	frame := h.entry.Frame()
	gen := bpm.frames.Generation(frame)
	require.Nil(t, h.Release())

	// Page 2 takes over the only frame.
	h2 := fetch(t, bpm, 2, common.Exclusive)
	require.Equal(t, frame, h2.entry.Frame())
	require.Equal(t, gen+1, bpm.frames.Generation(frame))
	copy(h2.Data(), pageBytes(2))

	require.Nil(t, h.Data())
	require.ErrorIs(t, h.MarkDirty(), common.ErrStaleHandle)
	require.Equal(t, pageBytes(2), h2.Data())
	require.Nil(t, h2.MarkDirty())
	require.True(t, h2.entry.IsDirty())
	require.Nil(t, h2.Release())
	requireConsistent(t, bpm)
}

func TestBufferPoolManager_LatchTimeout(t *testing.T) {
	bpm, dev := newTestPool(t, 2)

	h := fetch(t, bpm, 1, common.Exclusive)
	copy(h.Data(), pageBytes(1))
	require.Nil(t, h.MarkDirty())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, bpm.FlushPage(ctx, 1), common.ErrTimeout)

	ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := bpm.FetchPage(ctx, 1, common.Shared)
	require.ErrorIs(t, err, common.ErrTimeout)

	ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, bpm.FlushAllPages(ctx), common.ErrTimeout)

	// Only the exclusive handle still pins the page.
	require.Equal(t, 1, h.entry.PinCount())
	require.Equal(t, int64(0), dev.Writes())

	require.Nil(t, h.Release())
	require.Nil(t, bpm.FlushPage(context.Background(), 1))
	require.Equal(t, pageBytes(1), dev.Get(1))
	requireConsistent(t, bpm)
}

func TestBufferPoolManager_LatchIoTimeout(t *testing.T) {
	bpm, _ := newTestPool(t, 2, func(opts *common.Options) {
		opts.IoTimeout = 20 * time.Millisecond
	})

	h := fetch(t, bpm, 1, common.Shared)
	_, err := bpm.FetchPage(context.Background(), 1, common.Exclusive)
	require.ErrorIs(t, err, common.ErrTimeout)
	require.Equal(t, int64(1), bpm.Stats().Timeouts)

	// Shared latches do not exclude each other.
	h2 := fetch(t, bpm, 1, common.Shared)
	require.Nil(t, h2.Release())
	require.Nil(t, h.Release())

	h = fetch(t, bpm, 1, common.Exclusive)
	require.Nil(t, h.Release())
	requireConsistent(t, bpm)
}
