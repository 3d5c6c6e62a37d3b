package common

import (
	"errors"
	"fmt"
)

var (
	ErrPoolExhausted   = errors.New("buffer pool exhausted: every resident page is pinned")
	ErrQueueSaturated  = errors.New("submission queue saturated")
	ErrIoFailure       = errors.New("i/o failure")
	ErrShortTransfer   = errors.New("short transfer")
	ErrPinnedEviction  = errors.New("attempt to evict a pinned page")
	ErrUnbalancedPin   = errors.New("unpin of a page that is not pinned")
	ErrTimeout         = errors.New("timed out waiting for i/o")
	ErrFrameExhausted  = errors.New("no free frame")
	ErrPageDirty       = errors.New("page is dirty")
	ErrPageNotResident = errors.New("page is not resident")
	ErrDuplicatePage   = errors.New("page is already resident")
	ErrStaleHandle     = errors.New("page handle is stale")
	ErrNotExclusive    = errors.New("page handle is not exclusive")
	ErrClosed          = errors.New("closed")
	ErrInvalidOptions  = errors.New("invalid options")
	ErrInvalidPage     = errors.New("page id out of device range")
)

// IoError reports a device error or short transfer for one page.
type IoError struct {
	PageId PageId
	Op     Op
	Cause  error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("%s of %s failed: %v", e.Op, e.PageId, e.Cause)
}

func (e *IoError) Unwrap() error { return e.Cause }

func (e *IoError) Is(target error) bool { return target == ErrIoFailure }

func NewIoError(pageId PageId, op Op, cause error) *IoError {
	return &IoError{PageId: pageId, Op: op, Cause: cause}
}

// IsRetryable reports whether err is a backpressure signal the caller may
// retry after releasing pins or draining completions.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPoolExhausted) || errors.Is(err, ErrQueueSaturated)
}
