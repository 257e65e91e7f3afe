// Package cache holds per-subgrid query results in memory. Entries are keyed
// by project, leaf origin and a query fingerprint, bounded by count (least
// recently used goes first) and by age. Change events from the site model
// drop every entry of an affected leaf regardless of query.
package cache

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/nicktill/sitegrid/pkg/aggregation"
	"github.com/nicktill/sitegrid/pkg/metrics"
	"github.com/nicktill/sitegrid/pkg/sitemodel"
	"github.com/nicktill/sitegrid/pkg/subgridtree"
)

const (
	DefaultTTL        = 5 * time.Minute
	DefaultMaxEntries = 10000
)

// Key identifies one cached subgrid result.
type Key struct {
	Project uuid.UUID
	Origin  subgridtree.Origin
	Query   uint64 // fingerprint of filter and summary configuration
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%d/%x", k.Project, k.Origin.X, k.Origin.Y, k.Query)
}

type leafKey struct {
	project uuid.UUID
	origin  subgridtree.Origin
}

type entry struct {
	key     Key
	value   aggregation.SubGridResult
	created time.Time
	elem    *list.Element
}

// Options bounds a Cache. Zero values take the defaults.
type Options struct {
	TTL        time.Duration
	MaxEntries int

	// Now replaces time.Now in tests.
	Now func() time.Time
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries       int   `json:"entries"`
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Evictions     int64 `json:"evictions"`
	Expirations   int64 `json:"expirations"`
	Invalidations int64 `json:"invalidations"`
}

// Cache is safe for concurrent use.
type Cache struct {
	opts Options

	mu      sync.Mutex
	entries map[Key]*entry
	byLeaf  map[leafKey]map[Key]struct{}
	lru     *list.List // front is most recently used

	flight singleflight.Group

	hits, misses, evictions, expirations, invalidations atomic.Int64
}

// New creates an empty cache.
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		opts:    opts,
		entries: make(map[Key]*entry),
		byLeaf:  make(map[leafKey]map[Key]struct{}),
		lru:     list.New(),
	}
}

// Get returns the cached result for k if present and not expired.
func (c *Cache) Get(k Key) (aggregation.SubGridResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[k]
	if !ok {
		c.miss()
		return aggregation.SubGridResult{}, false
	}
	if c.expired(e) {
		c.remove(e)
		c.expirations.Add(1)
		metrics.RecordCacheEviction("expired", 1)
		c.miss()
		return aggregation.SubGridResult{}, false
	}
	c.lru.MoveToFront(e.elem)
	c.hits.Add(1)
	metrics.RecordCacheLookup(true)
	return e.value, true
}

func (c *Cache) miss() {
	c.misses.Add(1)
	metrics.RecordCacheLookup(false)
}

// Put stores v under k, evicting the least recently used entries beyond the
// count bound.
func (c *Cache) Put(k Key, v aggregation.SubGridResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[k]; ok {
		e.value = v
		e.created = c.opts.Now()
		c.lru.MoveToFront(e.elem)
		return
	}

	e := &entry{key: k, value: v, created: c.opts.Now()}
	e.elem = c.lru.PushFront(e)
	c.entries[k] = e
	lk := leafKey{k.Project, k.Origin}
	set, ok := c.byLeaf[lk]
	if !ok {
		set = make(map[Key]struct{})
		c.byLeaf[lk] = set
	}
	set[k] = struct{}{}

	evicted := 0
	for len(c.entries) > c.opts.MaxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest.Value.(*entry))
		evicted++
	}
	if evicted > 0 {
		c.evictions.Add(int64(evicted))
		metrics.RecordCacheEviction("capacity", evicted)
	}
	metrics.SetCacheEntries(len(c.entries))
}

// GetOrCompute returns the cached result for k or computes and stores it.
// Concurrent calls for the same key share one computation. Errors are not
// cached.
func (c *Cache) GetOrCompute(k Key, compute func() (aggregation.SubGridResult, error)) (aggregation.SubGridResult, error) {
	if v, ok := c.Get(k); ok {
		return v, nil
	}
	v, err, _ := c.flight.Do(k.String(), func() (any, error) {
		res, err := compute()
		if err != nil {
			return nil, err
		}
		c.Put(k, res)
		return res, nil
	})
	if err != nil {
		return aggregation.SubGridResult{}, err
	}
	return v.(aggregation.SubGridResult), nil
}

// InvalidateOrigin drops every entry of one leaf. It returns the number of
// entries removed.
func (c *Cache) InvalidateOrigin(project uuid.UUID, origin subgridtree.Origin) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidateLeaf(leafKey{project, origin})
}

func (c *Cache) invalidateLeaf(lk leafKey) int {
	n := 0
	for k := range c.byLeaf[lk] {
		if e, ok := c.entries[k]; ok {
			c.remove(e)
			n++
		}
	}
	if n > 0 {
		c.invalidations.Add(int64(n))
		metrics.RecordCacheEviction("invalidated", n)
		metrics.SetCacheEntries(len(c.entries))
	}
	return n
}

// InvalidateProject drops every entry of a project.
func (c *Cache) InvalidateProject(project uuid.UUID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for lk := range c.byLeaf {
		if lk.project == project {
			n += c.invalidateLeaf(lk)
		}
	}
	return n
}

// OnChange invalidates the leaves named by a site model change. It has the
// signature of a sitemodel subscriber.
func (c *Cache) OnChange(ch sitemodel.Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range ch.Origins {
		c.invalidateLeaf(leafKey{ch.Project, o})
	}
	for _, o := range ch.Emptied {
		c.invalidateLeaf(leafKey{ch.Project, o})
	}
}

// Sweep removes expired entries and returns how many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		if e := el.Value.(*entry); c.expired(e) {
			c.remove(e)
			n++
		}
		el = prev
	}
	if n > 0 {
		c.expirations.Add(int64(n))
		metrics.RecordCacheEviction("expired", n)
		metrics.SetCacheEntries(len(c.entries))
	}
	return n
}

// Len returns the number of entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) Stats() Stats {
	return Stats{
		Entries:       c.Len(),
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     c.evictions.Load(),
		Expirations:   c.expirations.Load(),
		Invalidations: c.invalidations.Load(),
	}
}

func (c *Cache) expired(e *entry) bool {
	return c.opts.Now().Sub(e.created) > c.opts.TTL
}

// remove unlinks e. Caller holds mu.
func (c *Cache) remove(e *entry) {
	c.lru.Remove(e.elem)
	delete(c.entries, e.key)
	lk := leafKey{e.key.Project, e.key.Origin}
	if set, ok := c.byLeaf[lk]; ok {
		delete(set, e.key)
		if len(set) == 0 {
			delete(c.byLeaf, lk)
		}
	}
}
