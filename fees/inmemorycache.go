package fees

import (
	"context"
	"sync"
	"time"
)

// InMemoryRulesCache is a process-local RulesCache.
// Thread-safe for concurrent access
type InMemoryRulesCache struct {
	rules    []*FeeRule
	cachedAt time.Time
	config   CacheConfig
	mu       sync.RWMutex
	isValid    bool
	generation uint64
	now        func() time.Time
}

// NewInMemoryRulesCache creates a new in-memory rules cache
func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{
		config: config,
		now:    time.Now,
	}
}

// Get retrieves cached rules
// Returns nil if cache is invalid or expired
func (c *InMemoryRulesCache) Get(_ context.Context) []*FeeRule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.fresh() {
		return nil
	}

	// Return copy to prevent external modifications
	rulesCopy := make([]*FeeRule, len(c.rules))
	copy(rulesCopy, c.rules)
	return rulesCopy
}

// Generation returns the current generation
func (c *InMemoryRulesCache) Generation(_ context.Context) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.generation
}

// Set stores rules in cache unless the generation has moved on
func (c *InMemoryRulesCache) Set(_ context.Context, generation uint64, rules []*FeeRule) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if generation != c.generation {
		return false
	}
	c.rules = make([]*FeeRule, len(rules))
	copy(c.rules, rules)
	c.cachedAt = c.now()
	c.isValid = true
	return true
}

// Invalidate clears the cache
func (c *InMemoryRulesCache) Invalidate(_ context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	c.isValid = false
	c.rules = nil
}

// IsValid returns true if cache contains valid data
func (c *InMemoryRulesCache) IsValid(_ context.Context) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.fresh()
}

// fresh must be called with mu held
func (c *InMemoryRulesCache) fresh() bool {
	if !c.isValid {
		return false
	}
	if c.config.TTL > 0 {
		return c.now().Sub(c.cachedAt) <= c.config.TTL
	}
	return true
}
