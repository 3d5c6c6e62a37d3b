package disk

import (
	"async-pool-golang/src/common"
)

// Token matches a completion to the request that produced it.
type Token uint64

type Request struct {
	Token  Token
	Op     common.Op
	Offset int64
	Buf    []byte
}

// Completion carries the number of bytes transferred and the device status.
// Err is nil on success; a short transfer is reported as N < len(Buf).
type Completion struct {
	Token Token
	N     int
	Err   error
}

// Device is the block store behind the engine. Submit must not block for
// longer than it takes to enqueue the batch, and every accepted request must
// eventually produce exactly one Completion on the Completions channel. The
// engine never has more than its queue depth outstanding, so a device whose
// completion channel buffers that many entries never stalls a worker.
type Device interface {
	Submit(batch []Request) error
	Completions() <-chan Completion
	Close() error
}
