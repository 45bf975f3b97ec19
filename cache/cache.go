package cache

import (
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	initialUsage = 1
	maxUsage     = 100
)

var evictions = metrics.GetOrCreateCounter(`ezpzdb_cache_evictions_total`)

// Cache keeps decoded records read back from disk, keyed by record id.
// Usage counters grow on hits and decay on every Collect pass; an entry
// that reaches zero is evicted one pass later. Only records that exist
// on disk are cached, never staged-only ones.
type Cache struct {
	entries *xsync.MapOf[uint64, *entry]
}

type entry struct {
	record map[string]interface{}
	usage  atomic.Int32
}

func New() *Cache {
	return &Cache{
		entries: xsync.NewMapOf[uint64, *entry](),
	}
}

// Get returns the cached record for id and bumps its usage, capped at
// maxUsage.
func (c *Cache) Get(id uint64) (map[string]interface{}, bool) {
	e, ok := c.entries.Load(id)
	if !ok {
		return nil, false
	}
	for {
		usage := e.usage.Load()
		if usage >= maxUsage || e.usage.CompareAndSwap(usage, usage+1) {
			break
		}
	}
	return e.record, true
}

// Put stores a freshly decoded record with usage 1.
func (c *Cache) Put(id uint64, record map[string]interface{}) {
	e := &entry{record: record}
	e.usage.Store(initialUsage)
	c.entries.Store(id, e)
}

// Invalidate removes the entry for id, called whenever an update or
// removal targets it.
func (c *Cache) Invalidate(id uint64) {
	c.entries.Delete(id)
}

// Clear drops every entry, used by truncate.
func (c *Cache) Clear() {
	c.entries.Clear()
}

// Collect runs one decay pass: entries already at zero are evicted, the
// rest decay by one. Never touches disk.
func (c *Cache) Collect() {
	c.entries.Range(func(id uint64, e *entry) bool {
		if e.usage.Load() <= 0 {
			c.entries.Delete(id)
			evictions.Inc()
			return true
		}
		e.usage.Add(-1)
		return true
	})
}

func (c *Cache) Len() int {
	return c.entries.Size()
}
