package fees

import (
	"context"
	"time"
)

// RulesCache holds the active rule snapshot between store reads.
// Implementations are best-effort: a backend failure reads as a cache miss.
type RulesCache interface {
	// Get retrieves cached rules, returns nil if cache miss or expired
	Get(ctx context.Context) []*FeeRule

	// Generation returns the current cache generation. Read it before loading
	// rules from the store and pass it to Set.
	Generation(ctx context.Context) uint64

	// Set stores rules loaded under generation. The snapshot is dropped and false
	// returned if Invalidate ran since, so a slow reader cannot restore stale rules.
	Set(ctx context.Context, generation uint64, rules []*FeeRule) bool

	// Invalidate clears the cache and starts a new generation
	Invalidate(ctx context.Context)

	// IsValid returns true if cache has valid data
	IsValid(ctx context.Context) bool
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries
	// Set to 0 for no expiration (manual invalidation only)
	TTL time.Duration
}

// DefaultCacheConfig returns the default rule cache settings
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL: 0, // invalidated on mutations only
	}
}
