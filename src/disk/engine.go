package disk

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"async-pool-golang/src/common"
)

// IOEngine is what the buffer pool needs from the I/O layer.
type IOEngine interface {
	SubmitRead(pageId common.PageId, buf []byte) (*Future, error)
	SubmitWrite(pageId common.PageId, buf []byte) (*Future, error)
	Wait(ctx context.Context, f *Future) error
	PollCompletions() []Result
	Outstanding() int
	Close() error
}

// Future is one outstanding request. Done is closed exactly once, after
// the completion has been matched and classified.
type Future struct {
	Token  Token
	PageId common.PageId
	Op     common.Op

	buf    []byte
	done   chan struct{}
	n      int
	err    error
	reaped atomic.Bool
}

func (f *Future) Done() <-chan struct{} { return f.done }

// Result is only meaningful once Done is closed.
func (f *Future) Result() (int, error) { return f.n, f.err }

type Result struct {
	Token  Token
	PageId common.PageId
	Op     common.Op
	N      int
	Err    error
}

// Engine owns one submission/completion queue pair on a device.
//
// Requests are queued by SubmitRead/SubmitWrite and handed to the device in
// batches by Submit, which Wait and PollCompletions call first. Nothing
// reaps the completion queue in the background: every Wait and
// PollCompletions call drains it and dispatches what it finds to the
// matching future, so any waiter makes progress for all of them.
type Engine struct {
	dev      Device
	pageSize int
	depth    int

	mu        sync.Mutex
	sq        []*Future
	inflight  map[Token]*Future
	rejected  []*Future
	nextToken Token
	closed    bool

	submitted atomic.Int64
	completed atomic.Int64
}

func NewEngine(dev Device, pageSize, queueDepth int) *Engine {
	if queueDepth <= 0 {
		panic(fmt.Sprintf("invalid queue depth %d", queueDepth))
	}
	return &Engine{
		dev:      dev,
		pageSize: pageSize,
		depth:    queueDepth,
		inflight: make(map[Token]*Future, queueDepth),
	}
}

func (e *Engine) SubmitRead(pageId common.PageId, buf []byte) (*Future, error) {
	return e.enqueue(pageId, common.OpRead, buf)
}

func (e *Engine) SubmitWrite(pageId common.PageId, buf []byte) (*Future, error) {
	return e.enqueue(pageId, common.OpWrite, buf)
}

func (e *Engine) enqueue(pageId common.PageId, op common.Op, buf []byte) (*Future, error) {
	if len(buf) != e.pageSize {
		return nil, fmt.Errorf("%s of %s: buffer is %d bytes, page is %d", op, pageId, len(buf), e.pageSize)
	}
	if !pageId.Addressable(e.pageSize) {
		return nil, fmt.Errorf("%w: %s of %s", common.ErrInvalidPage, op, pageId)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, common.ErrClosed
	}
	if len(e.inflight) >= e.depth {
		return nil, common.ErrQueueSaturated
	}
	e.nextToken++
	f := &Future{
		Token:  e.nextToken,
		PageId: pageId,
		Op:     op,
		buf:    buf,
		done:   make(chan struct{}),
	}
	e.sq = append(e.sq, f)
	e.inflight[f.Token] = f
	return f, nil
}

// Submit hands every queued request to the device as one batch and returns
// the batch size.
func (e *Engine) Submit() int {
	e.mu.Lock()
	batch := e.sq
	e.sq = nil
	e.mu.Unlock()

	if len(batch) == 0 {
		return 0
	}
	reqs := make([]Request, len(batch))
	for i, f := range batch {
		reqs[i] = Request{Token: f.Token, Op: f.Op, Offset: f.PageId.Offset(e.pageSize), Buf: f.buf}
	}
	if err := e.dev.Submit(reqs); err != nil {
		log.WithError(err).Errorf("Device rejected a batch of %d requests.", len(batch))
		for _, f := range batch {
			e.complete(Completion{Token: f.Token, Err: err})
		}
		e.keepRejected(batch)
		return 0
	}
	e.submitted.Add(int64(len(batch)))
	return len(batch)
}

// PollCompletions drains whatever completions are ready without blocking.
func (e *Engine) PollCompletions() []Result {
	e.Submit()

	e.mu.Lock()
	var out []Result
	for _, f := range e.rejected {
		if !f.reaped.Load() {
			out = append(out, Result{Token: f.Token, PageId: f.PageId, Op: f.Op, N: f.n, Err: f.err})
		}
	}
	e.rejected = nil
	e.mu.Unlock()

	for {
		select {
		case c, ok := <-e.dev.Completions():
			if !ok {
				return out
			}
			if res, ok := e.complete(c); ok {
				out = append(out, res)
			}
		default:
			return out
		}
	}
}

// Wait suspends the calling goroutine until f completes and returns its
// error. When ctx ends first it returns ErrTimeout; the request stays
// outstanding and f completes later as usual.
func (e *Engine) Wait(ctx context.Context, f *Future) error {
	e.Submit()

	for {
		select {
		case <-f.done:
			f.reaped.Store(true)
			return f.err
		default:
		}

		select {
		case <-f.done:
			f.reaped.Store(true)
			return f.err
		case c, ok := <-e.dev.Completions():
			if !ok {
				select {
				case <-f.done:
					f.reaped.Store(true)
					return f.err
				default:
					return common.ErrClosed
				}
			}
			e.complete(c)
		case <-ctx.Done():
			return fmt.Errorf("%w: %s of %s (token %d): %w", common.ErrTimeout, f.Op, f.PageId, f.Token, ctx.Err())
		}
	}
}

func (e *Engine) Outstanding() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

func (e *Engine) Submitted() int64 { return e.submitted.Load() }

func (e *Engine) Completed() int64 { return e.completed.Load() }

// Close closes the device, dispatches the completions it still delivers and
// fails whatever never reached it.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.Submit()
	err := e.dev.Close()
	for c := range e.dev.Completions() {
		e.complete(c)
	}

	e.mu.Lock()
	left := e.inflight
	e.inflight = make(map[Token]*Future)
	e.sq = nil
	e.mu.Unlock()

	for _, f := range left {
		f.err = common.NewIoError(f.PageId, f.Op, common.ErrClosed)
		close(f.done)
	}
	if len(left) > 0 {
		log.Warnf("Engine closed with %d requests never completed.", len(left))
	}
	return err
}

// keepRejected remembers a rejected batch for PollCompletions. Futures a
// waiter has already seen are dropped and at most a queue depth of them is
// kept.
func (e *Engine) keepRejected(batch []*Future) {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := make([]*Future, 0, len(e.rejected)+len(batch))
	for _, fs := range [][]*Future{e.rejected, batch} {
		for _, f := range fs {
			if !f.reaped.Load() {
				kept = append(kept, f)
			}
		}
	}
	if len(kept) > e.depth {
		kept = kept[len(kept)-e.depth:]
	}
	e.rejected = kept
}

func (e *Engine) complete(c Completion) (Result, bool) {
	e.mu.Lock()
	f, ok := e.inflight[c.Token]
	delete(e.inflight, c.Token)
	e.mu.Unlock()

	if !ok {
		log.Warnf("Completion for unknown token %d dropped.", c.Token)
		return Result{}, false
	}

	var err error
	if c.Err != nil {
		err = common.NewIoError(f.PageId, f.Op, c.Err)
	} else if c.N < len(f.buf) {
		err = common.NewIoError(f.PageId, f.Op, fmt.Errorf("%w: %d of %d bytes", common.ErrShortTransfer, c.N, len(f.buf)))
	}
	f.n, f.err = c.N, err
	close(f.done)
	e.completed.Add(1)

	if err != nil {
		log.WithError(err).Debugf("Request %d completed with an error.", c.Token)
	}
	return Result{Token: f.Token, PageId: f.PageId, Op: f.Op, N: c.N, Err: err}, true
}
