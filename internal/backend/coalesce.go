package backend

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const maxCachedMetadata = 512

// Coalescing collapses concurrent metadata lookups for the same video into a
// single upstream call and keeps the answer for ttl. StreamMedia passes
// straight through.
type Coalescing struct {
	Backend

	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu    sync.Mutex
	cache map[string]cachedMetadata
}

type cachedMetadata struct {
	md      *Metadata
	expires time.Time
}

func NewCoalescing(b Backend, ttl time.Duration) *Coalescing {
	return &Coalescing{
		Backend: b,
		ttl:     ttl,
		now:     time.Now,
		cache:   make(map[string]cachedMetadata),
	}
}

func (c *Coalescing) FetchMetadata(ctx context.Context, rawURL string) (*Metadata, error) {
	key, err := ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}
	if md, ok := c.lookup(key); ok {
		return md, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// A flight that finished between lookup and Do has already filled the
		// cache.
		if md, ok := c.lookup(key); ok {
			return md, nil
		}
		// Detached so one impatient caller cannot fail everyone sharing the
		// flight; backends bound metadata calls with their own timeout.
		md, err := c.Backend.FetchMetadata(context.WithoutCancel(ctx), key)
		if err != nil {
			return nil, err
		}
		c.store(key, md)
		return md, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneMetadata(v.(*Metadata)), nil
}

func (c *Coalescing) lookup(key string) (*Metadata, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(entry.expires) {
		delete(c.cache, key)
		return nil, false
	}
	return cloneMetadata(entry.md), true
}

func (c *Coalescing) store(key string, md *Metadata) {
	if c.ttl <= 0 {
		return
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.cache) >= maxCachedMetadata {
		for k, e := range c.cache {
			if !now.Before(e.expires) {
				delete(c.cache, k)
			}
		}
		// Still full: drop an arbitrary entry.
		for k := range c.cache {
			if len(c.cache) < maxCachedMetadata {
				break
			}
			delete(c.cache, k)
		}
	}
	c.cache[key] = cachedMetadata{md: cloneMetadata(md), expires: now.Add(c.ttl)}
}

func cloneMetadata(md *Metadata) *Metadata {
	if md == nil {
		return nil
	}
	out := *md
	out.Formats = append([]Format(nil), md.Formats...)
	return &out
}
