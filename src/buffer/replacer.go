package buffer

import "async-pool-golang/src/common"

// Replacer tracks resident pages and chooses eviction victims among the
// evictable ones. Newly tracked pages start non-evictable.
type Replacer interface {
	RecordAccess(pageId common.PageId, ts common.Timestamp)
	SetEvictable(pageId common.PageId, evictable bool)
	// Victim picks an evictable page and marks it non-evictable, so
	// concurrent evictors never pick the same page. The caller either
	// removes it or hands it back with SetEvictable.
	Victim() (common.PageId, bool)
	Remove(pageId common.PageId)
	// Size is the number of evictable pages.
	Size() int
}
