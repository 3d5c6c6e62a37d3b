package buffer

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"

	"async-pool-golang/src/common"
)

// inflight marks the one outstanding load or flush of a page. Others that
// need the page wait on done; err is readable once done is closed.
type inflight struct {
	op   common.Op
	done chan struct{}
	err  error
}

type inflightSet struct {
	markers *xsync.MapOf[common.PageId, *inflight]
}

func newInflightSet() *inflightSet {
	return &inflightSet{markers: xsync.NewMapOf[common.PageId, *inflight]()}
}

// claim installs a marker for pageId. When another one is already there it
// is returned instead and mine is false.
func (s *inflightSet) claim(pageId common.PageId, op common.Op) (*inflight, bool) {
	m := &inflight{op: op, done: make(chan struct{})}
	actual, loaded := s.markers.LoadOrStore(pageId, m)
	return actual, !loaded
}

func (s *inflightSet) settle(pageId common.PageId, m *inflight, err error) {
	m.err = err
	s.markers.Delete(pageId)
	close(m.done)
}

func (s *inflightSet) len() int { return s.markers.Size() }

func (m *inflight) wait(ctx context.Context, pageId common.PageId) error {
	select {
	case <-m.done:
		return m.err
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for %s of %s: %w", common.ErrTimeout, m.op, pageId, ctx.Err())
	}
}
