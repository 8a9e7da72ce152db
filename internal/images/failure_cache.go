package images

import (
	"context"
	"time"
)

// MemoryFailureCache is the in-process FailureCache.
type MemoryFailureCache struct {
	until map[string]time.Time
	now   func() time.Time
}

func NewMemoryFailureCache() *MemoryFailureCache {
	return &MemoryFailureCache{until: make(map[string]time.Time), now: time.Now}
}

func (c *MemoryFailureCache) RecentlyFailed(_ context.Context, imageURL string) (bool, error) {
	until, ok := c.until[imageURL]
	if !ok {
		return false, nil
	}
	if c.now().After(until) {
		delete(c.until, imageURL)
		return false, nil
	}
	return true, nil
}

func (c *MemoryFailureCache) RememberFailure(_ context.Context, imageURL string, ttl time.Duration) error {
	c.until[imageURL] = c.now().Add(ttl)
	return nil
}
