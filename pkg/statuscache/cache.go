// Package statuscache keeps the most recently observed analysis job state
// per scan in Redis, so status polls from the app do not hit the analysis
// backend again.
package statuscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"femora/pkg/domain"
)

const defaultTTL = 30 * time.Minute

// Cache stores ProcessingStatus values keyed by tenant and scan id with a
// TTL. The tenant is part of the key so one tenant can never read another
// tenant's cached result.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New connects to Redis and verifies the connection.
func New(addr, password, prefix string, ttl time.Duration) (*Cache, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	if prefix == "" {
		prefix = "femora:scanstatus"
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Cache{client: client, prefix: prefix, ttl: ttl}, nil
}

func (c *Cache) key(tenantID, scanID string) string {
	return c.prefix + ":" + tenantID + ":" + scanID
}

// Put records the latest observed job state for a tenant's scan.
func (c *Cache) Put(ctx context.Context, tenantID, scanID string, status domain.ProcessingStatus) error {
	raw, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := c.client.Set(ctx, c.key(tenantID, scanID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache status: %w", err)
	}
	return nil
}

// Get returns the cached job state, reporting absence through the bool. A
// scan cached under a different tenant is a miss.
func (c *Cache) Get(ctx context.Context, tenantID, scanID string) (domain.ProcessingStatus, bool, error) {
	raw, err := c.client.Get(ctx, c.key(tenantID, scanID)).Bytes()
	if err == redis.Nil {
		return domain.ProcessingStatus{}, false, nil
	}
	if err != nil {
		return domain.ProcessingStatus{}, false, fmt.Errorf("read status: %w", err)
	}
	var status domain.ProcessingStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return domain.ProcessingStatus{}, false, fmt.Errorf("decode status: %w", err)
	}
	return status, true, nil
}

// Forget drops the cached state for a tenant's scan.
func (c *Cache) Forget(ctx context.Context, tenantID, scanID string) error {
	if err := c.client.Del(ctx, c.key(tenantID, scanID)).Err(); err != nil {
		return fmt.Errorf("forget status: %w", err)
	}
	return nil
}
