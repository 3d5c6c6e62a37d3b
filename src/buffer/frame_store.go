package buffer

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ncw/directio"

	"async-pool-golang/src/common"
)

// FrameStore owns the pool memory: a fixed set of page-sized, block-aligned
// buffers and the list of those not bound to any page.
type FrameStore struct {
	pageSize    int
	frames      [][]byte
	generations []atomic.Uint64
	bound       []bool
	freeList    list.List
	mu          sync.Mutex
}

func NewFrameStore(size int, pageSize int) *FrameStore {
	if size <= 0 || pageSize <= 0 {
		panic(fmt.Sprintf("invalid frame store %d x %d", size, pageSize))
	}
	fs := &FrameStore{
		pageSize:    pageSize,
		frames:      make([][]byte, size),
		generations: make([]atomic.Uint64, size),
		bound:       make([]bool, size),
	}
	for i := 0; i < size; i++ {
		fs.frames[i] = directio.AlignedBlock(pageSize)
		fs.freeList.PushBack(i)
	}
	return fs
}

// Acquire takes a free frame and starts a new generation for it.
func (fs *FrameStore) Acquire() (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.freeList.Len() == 0 {
		return -1, common.ErrFrameExhausted
	}
	elem := fs.freeList.Front()
	frameId := elem.Value.(int)
	fs.freeList.Remove(elem)
	fs.bound[frameId] = true
	fs.generations[frameId].Add(1)
	return frameId, nil
}

func (fs *FrameStore) Release(frameId int) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if frameId < 0 || frameId >= len(fs.frames) {
		return fmt.Errorf("frame %d out of range", frameId)
	}
	if !fs.bound[frameId] {
		return fmt.Errorf("frame %d is already free", frameId)
	}
	fs.bound[frameId] = false
	fs.freeList.PushBack(frameId)
	return nil
}

func (fs *FrameStore) Frame(frameId int) []byte { return fs.frames[frameId] }

func (fs *FrameStore) Generation(frameId int) uint64 { return fs.generations[frameId].Load() }

func (fs *FrameStore) IsBound(frameId int) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.bound[frameId]
}

func (fs *FrameStore) Capacity() int { return len(fs.frames) }

func (fs *FrameStore) PageSize() int { return fs.pageSize }

func (fs *FrameStore) NumFree() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.freeList.Len()
}
