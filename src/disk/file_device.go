//go:build unix

package disk

import (
	"fmt"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/ncw/directio"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"async-pool-golang/src/common"
)

type FileDeviceOptions struct {
	PageSize   int
	QueueDepth int
	// Workers is the number of goroutines issuing positional reads and
	// writes; it is how many requests the device keeps in flight.
	Workers int
	// NumPages pre-sizes the file so every page below it reads back as zeros.
	NumPages int
	Direct   bool
}

// FileDevice serves a single file as a block device. Requests are queued to
// a pool of workers and complete in whatever order the workers finish them.
type FileDevice struct {
	fileName string
	pageSize int

	fi *os.File
	fd int

	reqs chan Request
	cq   chan Completion
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func OpenFileDevice(fileName string, opts FileDeviceOptions) (*FileDevice, error) {
	if opts.PageSize <= 0 || opts.QueueDepth <= 0 {
		return nil, fmt.Errorf("%w: page size %d, queue depth %d", common.ErrInvalidOptions, opts.PageSize, opts.QueueDepth)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}

	var fi *os.File
	var err error
	if opts.Direct {
		if opts.PageSize%directio.BlockSize != 0 {
			return nil, fmt.Errorf("%w: page size %d is not a multiple of %d", common.ErrInvalidOptions, opts.PageSize, directio.BlockSize)
		}
		fi, err = directio.OpenFile(fileName, os.O_CREATE|os.O_RDWR|os.O_SYNC, 0644)
	} else {
		fi, err = os.OpenFile(fileName, os.O_CREATE|os.O_RDWR, 0644)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", fileName, err)
	}

	dev := &FileDevice{
		fileName: fileName,
		pageSize: opts.PageSize,
		fi:       fi,
		fd:       int(fi.Fd()),
		reqs:     make(chan Request, opts.QueueDepth),
		cq:       make(chan Completion, opts.QueueDepth),
	}
	size, err := dev.ensureSize(int64(opts.NumPages) * int64(opts.PageSize))
	if err != nil {
		fi.Close()
		return nil, err
	}
	log.Debugf("Opened device %s (%s, %d workers).", fileName, humanize.IBytes(uint64(size)), opts.Workers)

	for i := 0; i < opts.Workers; i++ {
		dev.wg.Add(1)
		go dev.worker()
	}
	return dev, nil
}

func (dev *FileDevice) FileName() string { return dev.fileName }

func (dev *FileDevice) Submit(batch []Request) error {
	dev.mu.RLock()
	defer dev.mu.RUnlock()

	if dev.closed {
		return common.ErrClosed
	}
	for _, req := range batch {
		dev.reqs <- req
	}
	return nil
}

func (dev *FileDevice) Completions() <-chan Completion { return dev.cq }

// Close waits for queued requests to finish, syncs and closes the file.
func (dev *FileDevice) Close() error {
	dev.mu.Lock()
	if dev.closed {
		dev.mu.Unlock()
		return nil
	}
	dev.closed = true
	close(dev.reqs)
	dev.mu.Unlock()

	dev.wg.Wait()
	close(dev.cq)

	if err := dev.fi.Sync(); err != nil {
		log.WithError(err).Warnf("Cannot sync device %s.", dev.fileName)
	}
	return dev.fi.Close()
}

func (dev *FileDevice) worker() {
	defer dev.wg.Done()

	for req := range dev.reqs {
		var n int
		var err error
		switch req.Op {
		case common.OpRead:
			n, err = unix.Pread(dev.fd, req.Buf, req.Offset)
		case common.OpWrite:
			n, err = unix.Pwrite(dev.fd, req.Buf, req.Offset)
		default:
			err = fmt.Errorf("unknown op %v", req.Op)
		}
		if n < 0 {
			n = 0
		}
		dev.cq <- Completion{Token: req.Token, N: n, Err: err}
	}
}

func (dev *FileDevice) ensureSize(want int64) (int64, error) {
	stat, err := dev.fi.Stat()
	if err != nil {
		return 0, err
	}
	if stat.Size() >= want {
		return stat.Size(), nil
	}
	if err := dev.fi.Truncate(want); err != nil {
		return 0, fmt.Errorf("truncate %s to %d: %w", dev.fileName, want, err)
	}
	return want, nil
}
