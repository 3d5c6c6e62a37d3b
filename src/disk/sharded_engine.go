package disk

import (
	"context"
	"errors"

	"async-pool-golang/src/common"
)

// ShardedEngine spreads pages over several engines by page id. Each shard
// has its own queue pair, and a page always maps to the same shard, so
// per-page ordering is unaffected. Tokens are only unique within a shard.
type ShardedEngine struct {
	shards []*Engine
}

func NewShardedEngine(shards ...*Engine) *ShardedEngine {
	if len(shards) == 0 {
		panic("sharded engine needs at least one shard")
	}
	return &ShardedEngine{shards: shards}
}

func (se *ShardedEngine) Shard(pageId common.PageId) *Engine {
	return se.shards[uint64(pageId)%uint64(len(se.shards))]
}

func (se *ShardedEngine) NumShards() int { return len(se.shards) }

func (se *ShardedEngine) SubmitRead(pageId common.PageId, buf []byte) (*Future, error) {
	return se.Shard(pageId).SubmitRead(pageId, buf)
}

func (se *ShardedEngine) SubmitWrite(pageId common.PageId, buf []byte) (*Future, error) {
	return se.Shard(pageId).SubmitWrite(pageId, buf)
}

func (se *ShardedEngine) Wait(ctx context.Context, f *Future) error {
	return se.Shard(f.PageId).Wait(ctx, f)
}

func (se *ShardedEngine) PollCompletions() []Result {
	var out []Result
	for _, shard := range se.shards {
		out = append(out, shard.PollCompletions()...)
	}
	return out
}

func (se *ShardedEngine) Outstanding() int {
	total := 0
	for _, shard := range se.shards {
		total += shard.Outstanding()
	}
	return total
}

func (se *ShardedEngine) Close() error {
	var errs []error
	for _, shard := range se.shards {
		if err := shard.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
