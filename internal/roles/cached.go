package roles

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"subsidy-workflow/internal/common/logger"
	"subsidy-workflow/internal/models"
	"subsidy-workflow/internal/workflow"

	"github.com/redis/go-redis/v9"
)

const defaultCachePrefix = "workflow:roles:"

// CachedProvider is a cache-aside decorator over another RoleProvider. Cache
// failures degrade to a direct lookup.
type CachedProvider struct {
	next   workflow.RoleProvider
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
	logger logger.Logger
}

var _ workflow.RoleProvider = (*CachedProvider)(nil)

func NewCachedProvider(next workflow.RoleProvider, rdb *redis.Client, ttl time.Duration, log logger.Logger) *CachedProvider {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedProvider{
		next:   next,
		rdb:    rdb,
		ttl:    ttl,
		prefix: defaultCachePrefix,
		logger: logger.ForComponent(log, "role-cache"),
	}
}

func (c *CachedProvider) RolesOf(ctx context.Context, actorID string) ([]models.Role, error) {
	key := c.prefix + actorID

	cached, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		var roles []models.Role
		if jsonErr := json.Unmarshal([]byte(cached), &roles); jsonErr == nil {
			return roles, nil
		}
		c.logger.Warn("discarding malformed cached roles", map[string]interface{}{"actorId": actorID})
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("role cache read failed", map[string]interface{}{"actorId": actorID, "error": err})
	}

	roles, err := c.next.RolesOf(ctx, actorID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(roles); err == nil {
		if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn("role cache write failed", map[string]interface{}{"actorId": actorID, "error": err})
		}
	}
	return roles, nil
}

// Invalidate drops the cached roles of actorID.
func (c *CachedProvider) Invalidate(ctx context.Context, actorID string) error {
	return c.rdb.Del(ctx, c.prefix+actorID).Err()
}
