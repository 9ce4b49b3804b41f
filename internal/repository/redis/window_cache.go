package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"telecare-backend/internal/domain"
	sessionService "telecare-backend/internal/service/session"
)

// WindowCache decorates a session repository with a Redis read-through
// cache on window lookups. Every credential issuance and renewal hits
// GetByID, so the hot path skips the database for active sessions. All
// cache failures fall through to the underlying repository.
type WindowCache struct {
	next   sessionService.Repository
	client *redis.Client
	ttl    time.Duration
}

// NewWindowCache wraps next with a Redis cache. A non-positive ttl
// defaults to 5 minutes.
func NewWindowCache(next sessionService.Repository, client *redis.Client, ttl time.Duration) *WindowCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &WindowCache{next: next, client: client, ttl: ttl}
}

func windowKey(sessionID string) string {
	return fmt.Sprintf("session:window:%s", sessionID)
}

// Create stores the window and primes the cache
func (c *WindowCache) Create(ctx context.Context, window *domain.SessionWindow) error {
	if err := c.next.Create(ctx, window); err != nil {
		return err
	}
	c.put(ctx, window)
	return nil
}

// GetByID returns the cached window when present, falling back to the
// underlying repository and priming the cache on a hit there.
func (c *WindowCache) GetByID(ctx context.Context, sessionID string) (*domain.SessionWindow, error) {
	data, err := c.client.Get(ctx, windowKey(sessionID)).Result()
	if err == nil {
		var window domain.SessionWindow
		if err := json.Unmarshal([]byte(data), &window); err == nil {
			return &window, nil
		}
		// Unreadable entry; drop it and fall through
		c.client.Del(ctx, windowKey(sessionID))
	}

	window, err := c.next.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if window != nil {
		c.put(ctx, window)
	}
	return window, nil
}

// GetByCase is a pass-through; case listings are not on the hot path
func (c *WindowCache) GetByCase(ctx context.Context, caseID int64) ([]*domain.SessionWindow, error) {
	return c.next.GetByCase(ctx, caseID)
}

// CreateNoShowReport is a pass-through
func (c *WindowCache) CreateNoShowReport(ctx context.Context, report *domain.NoShowReport) error {
	return c.next.CreateNoShowReport(ctx, report)
}

// put caches a window best effort; a write failure is invisible to callers
func (c *WindowCache) put(ctx context.Context, window *domain.SessionWindow) {
	data, err := json.Marshal(window)
	if err != nil {
		return
	}
	c.client.Set(ctx, windowKey(window.SessionID), data, c.ttl)
}
