package disk

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"async-pool-golang/src/common"
)

type faultKey struct {
	offset int64
	op     common.Op
}

// MemDevice keeps blocks in memory. Unwritten blocks read back as zeros.
// Completions can be parked with Hold to keep requests outstanding, and
// faults can be injected per page and operation.
type MemDevice struct {
	pageSize int
	cq       chan Completion

	mu     sync.Mutex
	blocks map[int64][]byte
	faults map[faultKey]error
	held   bool
	parked []Completion
	closed bool

	reads  atomic.Int64
	writes atomic.Int64
}

func NewMemDevice(pageSize, queueDepth int) *MemDevice {
	return &MemDevice{
		pageSize: pageSize,
		cq:       make(chan Completion, queueDepth),
		blocks:   make(map[int64][]byte),
		faults:   make(map[faultKey]error),
	}
}

func (dev *MemDevice) Submit(batch []Request) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.closed {
		return common.ErrClosed
	}
	for _, req := range batch {
		c := dev.serve(req)
		if dev.held {
			dev.parked = append(dev.parked, c)
		} else {
			dev.cq <- c
		}
	}
	return nil
}

func (dev *MemDevice) Completions() <-chan Completion { return dev.cq }

func (dev *MemDevice) Close() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.closed {
		return nil
	}
	dev.closed = true
	dev.flushParked()
	close(dev.cq)
	return nil
}

// Hold parks completions until Resume.
func (dev *MemDevice) Hold() {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.held = true
}

// Resume delivers parked completions newest first, so callers observe them
// out of submission order.
func (dev *MemDevice) Resume() {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.held = false
	dev.flushParked()
}

func (dev *MemDevice) Parked() int {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return len(dev.parked)
}

// SetFault makes every later op on pageId fail with err. ErrShortTransfer
// is reported as a half-page transfer without an error status.
func (dev *MemDevice) SetFault(pageId common.PageId, op common.Op, err error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.faults[faultKey{pageId.Offset(dev.pageSize), op}] = err
}

func (dev *MemDevice) ClearFaults() {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.faults = make(map[faultKey]error)
}

func (dev *MemDevice) Put(pageId common.PageId, data []byte) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	block := make([]byte, dev.pageSize)
	copy(block, data)
	dev.blocks[pageId.Offset(dev.pageSize)] = block
}

func (dev *MemDevice) Get(pageId common.PageId) []byte {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	block := make([]byte, dev.pageSize)
	copy(block, dev.blocks[pageId.Offset(dev.pageSize)])
	return block
}

func (dev *MemDevice) Reads() int64 { return dev.reads.Load() }

func (dev *MemDevice) Writes() int64 { return dev.writes.Load() }

func (dev *MemDevice) serve(req Request) Completion {
	if req.Op == common.OpRead {
		dev.reads.Add(1)
	} else {
		dev.writes.Add(1)
	}

	if err, ok := dev.faults[faultKey{req.Offset, req.Op}]; ok {
		if errors.Is(err, common.ErrShortTransfer) {
			return Completion{Token: req.Token, N: len(req.Buf) / 2}
		}
		return Completion{Token: req.Token, Err: err}
	}

	switch req.Op {
	case common.OpRead:
		block, ok := dev.blocks[req.Offset]
		if !ok {
			for i := range req.Buf {
				req.Buf[i] = 0
			}
		} else {
			copy(req.Buf, block)
		}
		return Completion{Token: req.Token, N: len(req.Buf)}
	case common.OpWrite:
		block := make([]byte, len(req.Buf))
		copy(block, req.Buf)
		dev.blocks[req.Offset] = block
		return Completion{Token: req.Token, N: len(req.Buf)}
	default:
		return Completion{Token: req.Token, Err: fmt.Errorf("unknown op %v", req.Op)}
	}
}

func (dev *MemDevice) flushParked() {
	for i := len(dev.parked) - 1; i >= 0; i-- {
		dev.cq <- dev.parked[i]
	}
	dev.parked = nil
}
