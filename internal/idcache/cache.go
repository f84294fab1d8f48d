// Package idcache maps external identifiers to internal ids for the
// duration of a run. The map is partitioned so unrelated identifiers never
// contend, and partitions page their oldest entries out to an overflow
// table once they pass the configured fill factor.
package idcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/emirpasic/gods/maps/linkedhashmap"
	"golang.org/x/sync/singleflight"

	"github.com/citymodel-pipeline/pkg/model"
	"github.com/citymodel-pipeline/pkg/utils"
)

// Config sizes a cache.
type Config struct {
	Partitions int
	Capacity   int
	FillFactor float64
}

// DefaultConfig returns the default cache sizing.
func DefaultConfig() Config {
	return Config{Partitions: 16, Capacity: 10000, FillFactor: 0.8}
}

func (c Config) threshold() int {
	t := int(float64(c.Capacity) * c.FillFactor)
	if t < 1 {
		t = 1
	}
	return t
}

// CreateFunc allocates the internal id for a new external id.
type CreateFunc func(ctx context.Context) (int64, error)

// Stats is a snapshot of cache counters.
type Stats struct {
	InMemory int
	PagedOut int64
	Created  int64
	PageOuts int64
}

type partition struct {
	mu      sync.Mutex
	entries *linkedhashmap.Map
	flight  singleflight.Group
}

// Cache is a partitioned identifier cache for one id kind.
type Cache struct {
	kind     model.IDKind
	cfg      Config
	parts    []*partition
	overflow Overflow
	logger   utils.Logger

	created  atomic.Int64
	pagedOut atomic.Int64
	pageOuts atomic.Int64
}

// New creates a cache backed by overflow.
func New(kind model.IDKind, cfg Config, overflow Overflow, logger utils.Logger) *Cache {
	if cfg.Partitions < 1 {
		cfg.Partitions = 1
	}
	if cfg.Capacity < 1 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.FillFactor <= 0 || cfg.FillFactor > 1 {
		cfg.FillFactor = DefaultConfig().FillFactor
	}
	if overflow == nil {
		overflow = NewMemoryOverflow()
	}

	parts := make([]*partition, cfg.Partitions)
	for i := range parts {
		parts[i] = &partition{entries: linkedhashmap.New()}
	}
	return &Cache{
		kind:     kind,
		cfg:      cfg,
		parts:    parts,
		overflow: overflow,
		logger:   utils.OrNull(logger).WithField("idcache", kind.String()),
	}
}

// Kind returns the id kind held by the cache.
func (c *Cache) Kind() model.IDKind {
	return c.kind
}

func (c *Cache) partitionFor(externalID string) *partition {
	return c.parts[xxhash.Sum64String(externalID)%uint64(len(c.parts))]
}

// Lookup returns the internal id of externalID, checking memory first and
// the overflow table second.
func (c *Cache) Lookup(ctx context.Context, externalID string) (int64, bool, error) {
	p := c.partitionFor(externalID)

	p.mu.Lock()
	v, ok := p.entries.Get(externalID)
	p.mu.Unlock()
	if ok {
		return v.(int64), true, nil
	}

	// Entries reach the overflow table before they leave memory, so a miss
	// above is visible here.
	return c.overflow.Lookup(ctx, externalID)
}

// Put registers id for externalID unless an entry exists. It returns the
// id that is now mapped and whether this call created the entry.
func (c *Cache) Put(ctx context.Context, externalID string, id int64) (int64, bool, error) {
	return c.put(ctx, c.partitionFor(externalID), externalID, id)
}

func (c *Cache) put(ctx context.Context, p *partition, externalID string, id int64) (int64, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v, ok := p.entries.Get(externalID); ok {
		return v.(int64), false, nil
	}
	existing, ok, err := c.overflow.Lookup(ctx, externalID)
	if err != nil {
		return 0, false, err
	}
	if ok {
		return existing, false, nil
	}

	p.entries.Put(externalID, id)
	c.created.Add(1)

	if p.entries.Size() > c.cfg.threshold() {
		if err := c.pageOut(ctx, p); err != nil {
			// The entry stays in memory; the partition grows past capacity.
			c.logger.Warn("Failed to page out identifiers: %v", err)
		}
	}
	return id, true, nil
}

// pageOut moves the oldest entries of p to the overflow table. The caller
// holds p.mu.
func (c *Cache) pageOut(ctx context.Context, p *partition) error {
	threshold := c.cfg.threshold()
	page := max(1, threshold/10)
	n := p.entries.Size() - threshold + page
	if n <= 0 {
		return nil
	}

	batch := make([]Entry, 0, n)
	it := p.entries.Iterator()
	for it.Next() && len(batch) < n {
		batch = append(batch, Entry{ExternalID: it.Key().(string), ID: it.Value().(int64)})
	}

	if err := c.overflow.PageOut(ctx, batch); err != nil {
		return fmt.Errorf("page out %d %s ids: %w", len(batch), c.kind, err)
	}
	for _, e := range batch {
		p.entries.Remove(e.ExternalID)
	}
	c.pagedOut.Add(int64(len(batch)))
	c.pageOuts.Add(1)
	return nil
}

// GetOrCreate returns the internal id of externalID, calling create at most
// once per external id when it is unknown. Concurrent callers for the same
// id wait for the in-flight creation and observe its result; only the
// caller whose create ran gets created == true.
func (c *Cache) GetOrCreate(ctx context.Context, externalID string, create CreateFunc) (int64, bool, error) {
	if id, ok, err := c.Lookup(ctx, externalID); err != nil || ok {
		return id, false, err
	}

	p := c.partitionFor(externalID)
	leader := false
	v, err, _ := p.flight.Do(externalID, func() (interface{}, error) {
		leader = true
		if id, ok, err := c.Lookup(ctx, externalID); err != nil {
			return nil, err
		} else if ok {
			return putResult{id: id}, nil
		}

		id, err := create(ctx)
		if err != nil {
			return nil, fmt.Errorf("create %s id for %s: %w", c.kind, externalID, err)
		}
		mapped, created, err := c.put(ctx, p, externalID, id)
		if err != nil {
			return nil, err
		}
		return putResult{id: mapped, created: created}, nil
	})
	if err != nil {
		return 0, false, err
	}

	r := v.(putResult)
	return r.id, r.created && leader, nil
}

type putResult struct {
	id      int64
	created bool
}

// Remove forgets externalID if it still maps to id, in memory or in the
// overflow table. Removing an unknown or remapped id is a no-op.
func (c *Cache) Remove(ctx context.Context, externalID string, id int64) error {
	p := c.partitionFor(externalID)
	p.mu.Lock()
	defer p.mu.Unlock()

	if v, ok := p.entries.Get(externalID); ok {
		if v.(int64) == id {
			p.entries.Remove(externalID)
		}
		return nil
	}
	removed, err := c.overflow.Remove(ctx, externalID, id)
	if err != nil {
		return fmt.Errorf("remove %s id %s: %w", c.kind, externalID, err)
	}
	if removed {
		c.pagedOut.Add(-1)
	}
	return nil
}

// Len returns the number of entries in memory and in the overflow table.
func (c *Cache) Len() int {
	return c.inMemory() + int(c.pagedOut.Load())
}

func (c *Cache) inMemory() int {
	n := 0
	for _, p := range c.parts {
		p.mu.Lock()
		n += p.entries.Size()
		p.mu.Unlock()
	}
	return n
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		InMemory: c.inMemory(),
		PagedOut: c.pagedOut.Load(),
		Created:  c.created.Load(),
		PageOuts: c.pageOuts.Load(),
	}
}

// Drop releases the in-memory entries. The overflow table belongs to the
// cache table manager, which drops it with the other run tables.
func (c *Cache) Drop() {
	for _, p := range c.parts {
		p.mu.Lock()
		p.entries.Clear()
		p.mu.Unlock()
	}
	c.logger.Debug("Dropped identifier cache (%d created, %d paged out)", c.created.Load(), c.pagedOut.Load())
}
