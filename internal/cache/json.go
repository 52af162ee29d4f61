package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// GetJSON reads a structured value. A value that no longer decodes into v
// is treated as a miss and removed.
func (c *Cache) GetJSON(ctx context.Context, key, group string, v any) bool {
	raw, ok := c.Get(ctx, key, group)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("Dropping undecodable cached value")
		c.Delete(ctx, key, group)
		return false
	}
	return true
}

func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration, group string) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}
	if !c.Set(ctx, key, raw, ttl, group) {
		return fmt.Errorf("cache write failed for %s", key)
	}
	return nil
}
