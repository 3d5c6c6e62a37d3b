package common

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

const (
	DefaultPageSize   = 4096
	DefaultPoolSize   = 1024
	DefaultK          = 2
	DefaultQueueDepth = 32
)

// Options is fixed when a pool is constructed; there is no runtime
// reconfiguration.
type Options struct {
	// PoolSize is the number of frames.
	PoolSize int `json:"pool_size"`
	PageSize int `json:"page_size"`
	// K is the depth of the access history used by LRU-K.
	K          int `json:"k"`
	QueueDepth int `json:"queue_depth"`
	// Shards splits I/O over independent submission/completion queue pairs.
	Shards int `json:"shards"`
	// Workers is the number of device goroutines per shard servicing a
	// file-backed queue.
	Workers     int  `json:"workers"`
	DirectIO    bool `json:"direct_io"`
	DevicePages int  `json:"device_pages"`
	// IoTimeout bounds each fetch or flush, I/O waits included. Zero means
	// callers rely on their context deadline only.
	IoTimeout     time.Duration `json:"io_timeout"`
	PanicOnMisuse bool          `json:"panic_on_misuse"`
}

func DefaultOptions() Options {
	return Options{
		PoolSize:   DefaultPoolSize,
		PageSize:   DefaultPageSize,
		K:          DefaultK,
		QueueDepth: DefaultQueueDepth,
		Shards:     1,
		Workers:    4,
	}
}

func (o Options) Validate() error {
	switch {
	case o.PoolSize <= 0:
		return fmt.Errorf("%w: pool size %d", ErrInvalidOptions, o.PoolSize)
	case o.PageSize <= 0:
		return fmt.Errorf("%w: page size %d", ErrInvalidOptions, o.PageSize)
	case o.K <= 0:
		return fmt.Errorf("%w: k %d", ErrInvalidOptions, o.K)
	case o.QueueDepth <= 0:
		return fmt.Errorf("%w: queue depth %d", ErrInvalidOptions, o.QueueDepth)
	case o.Shards <= 0:
		return fmt.Errorf("%w: shards %d", ErrInvalidOptions, o.Shards)
	case o.Workers < 0 || o.DevicePages < 0 || o.IoTimeout < 0:
		return fmt.Errorf("%w: negative value", ErrInvalidOptions)
	}
	return nil
}

// LoadOptions reads a JSON file on top of DefaultOptions, so a file only
// needs the fields it changes.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	fi, err := os.Open(path)
	if err != nil {
		return opts, err
	}
	defer fi.Close()

	if err := json.NewDecoder(fi).Decode(&opts); err != nil {
		return opts, fmt.Errorf("decode %s: %w", path, err)
	}
	return opts, opts.Validate()
}
