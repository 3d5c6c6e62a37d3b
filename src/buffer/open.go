//go:build unix

package buffer

import (
	"async-pool-golang/src/common"
	"async-pool-golang/src/disk"
)

// Open builds a pool over fileName with an LRU-K replacer. Every shard gets
// its own file device and queue pair on the same file.
func Open(fileName string, opts common.Options) (*BufferPoolManager, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	engines := make([]*disk.Engine, 0, opts.Shards)
	closeAll := func() {
		for _, engine := range engines {
			engine.Close()
		}
	}
	for i := 0; i < opts.Shards; i++ {
		dev, err := disk.OpenFileDevice(fileName, disk.FileDeviceOptions{
			PageSize:   opts.PageSize,
			QueueDepth: opts.QueueDepth,
			Workers:    opts.Workers,
			NumPages:   opts.DevicePages,
			Direct:     opts.DirectIO,
		})
		if err != nil {
			closeAll()
			return nil, err
		}
		engines = append(engines, disk.NewEngine(dev, opts.PageSize, opts.QueueDepth))
	}

	var engine disk.IOEngine = engines[0]
	if len(engines) > 1 {
		engine = disk.NewShardedEngine(engines...)
	}
	bpm, err := NewBufferPoolManager(opts, engine, NewLRUKReplacer(opts.K))
	if err != nil {
		closeAll()
		return nil, err
	}
	return bpm, nil
}
