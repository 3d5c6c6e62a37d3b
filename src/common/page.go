package common

import (
	"fmt"
	"math"
)

// PageId names a fixed-size block of the backing store. The byte offset of a
// page on the device is PageId * page size.
type PageId uint64

const InvalidPageId = PageId(math.MaxUint64)

func (id PageId) Offset(pageSize int) int64 {
	return int64(id) * int64(pageSize)
}

// Addressable reports whether the page's byte offset fits in an int64, so
// that distinct pages never share an offset.
func (id PageId) Addressable(pageSize int) bool {
	if id == InvalidPageId || pageSize <= 0 {
		return false
	}
	return uint64(id) <= math.MaxInt64/uint64(pageSize)
}

func (id PageId) String() string {
	if id == InvalidPageId {
		return "page(invalid)"
	}
	return fmt.Sprintf("page(%d)", uint64(id))
}

// Timestamp is a logical access time handed out by the page table.
type Timestamp uint64

// Op is the kind of block I/O issued against a device.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

func (op Op) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	default:
		return fmt.Sprintf("op(%d)", int(op))
	}
}

// Mode is the latch mode a page is fetched with.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}
