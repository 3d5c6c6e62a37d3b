package common

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	require.Nil(t, opts.Validate())
	require.Equal(t, 4096, opts.PageSize)
	require.Equal(t, 2, opts.K)
	require.Equal(t, 32, opts.QueueDepth)
}

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Options)
	}{
		{"zero pool", func(o *Options) { o.PoolSize = 0 }},
		{"zero page size", func(o *Options) { o.PageSize = 0 }},
		{"zero k", func(o *Options) { o.K = 0 }},
		{"zero queue depth", func(o *Options) { o.QueueDepth = 0 }},
		{"zero shards", func(o *Options) { o.Shards = 0 }},
		{"negative timeout", func(o *Options) { o.IoTimeout = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.modify(&opts)
			require.True(t, errors.Is(opts.Validate(), ErrInvalidOptions))
		})
	}
}

func TestLoadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.json")
	require.Nil(t, os.WriteFile(path, []byte(`{"pool_size": 16, "k": 3, "io_timeout": 1000000}`), 0644))

	opts, err := LoadOptions(path)
	require.Nil(t, err)
	require.Equal(t, 16, opts.PoolSize)
	require.Equal(t, 3, opts.K)
	require.Equal(t, DefaultPageSize, opts.PageSize) // untouched fields keep defaults
	require.Equal(t, int64(1000000), int64(opts.IoTimeout))

	require.Nil(t, os.WriteFile(path, []byte(`{"pool_size": -1}`), 0644))
	_, err = LoadOptions(path)
	require.True(t, errors.Is(err, ErrInvalidOptions))
}

func TestIoError(t *testing.T) {
	err := error(NewIoError(PageId(7), OpRead, ErrShortTransfer))
	require.True(t, errors.Is(err, ErrIoFailure))
	require.True(t, errors.Is(err, ErrShortTransfer))

	var ioErr *IoError
	require.True(t, errors.As(err, &ioErr))
	require.Equal(t, PageId(7), ioErr.PageId)
	require.Equal(t, OpRead, ioErr.Op)
	require.Equal(t, "read of page(7) failed: short transfer", err.Error())
}

func TestPageId_Addressable(t *testing.T) {
	require.True(t, PageId(0).Addressable(512))
	require.True(t, PageId(math.MaxInt64/512).Addressable(512))
	require.False(t, PageId(math.MaxInt64/512+1).Addressable(512))
	require.False(t, PageId(1<<55).Addressable(512))
	require.False(t, InvalidPageId.Addressable(1))
	require.False(t, PageId(1).Addressable(0))
	require.Equal(t, int64(3*512), PageId(3).Offset(512))
}
