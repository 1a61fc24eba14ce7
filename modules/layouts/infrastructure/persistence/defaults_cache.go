package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/dashsync/modules/layouts/domain/region"
	"github.com/iota-uz/dashsync/modules/layouts/services"
	"github.com/iota-uz/dashsync/pkg/logging"
)

const defaultsKeyPrefix = "dashsync:role-defaults:"

// CachedDefaults is a read-through redis cache in front of a DefaultsSource.
// Redis failures fall through to the source.
type CachedDefaults struct {
	client *redis.Client
	source services.DefaultsSource
	ttl    time.Duration
	log    *logrus.Entry
}

func NewCachedDefaults(client *redis.Client, source services.DefaultsSource, ttl time.Duration, log *logrus.Entry) *CachedDefaults {
	if log == nil {
		log = logging.Nop()
	}
	return &CachedDefaults{client: client, source: source, ttl: ttl, log: log}
}

func (c *CachedDefaults) RoleDefaults(ctx context.Context, role string) ([]region.Template, error) {
	key := defaultsKeyPrefix + role

	raw, err := c.client.Get(ctx, key).Result()
	switch {
	case err == redis.Nil:
	case err != nil:
		c.log.WithError(err).WithField("role", role).Warn("role defaults cache read failed")
	default:
		var templates []region.Template
		if jsonErr := json.Unmarshal([]byte(raw), &templates); jsonErr == nil {
			return templates, nil
		}
		c.log.WithField("role", role).Warn("discarding malformed role defaults cache entry")
	}

	templates, err := c.source.RoleDefaults(ctx, role)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(templates)
	if err != nil {
		return templates, nil
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.log.WithError(err).WithField("role", role).Warn("role defaults cache write failed")
	}
	return templates, nil
}

// Invalidate drops the cached entry for role.
func (c *CachedDefaults) Invalidate(ctx context.Context, role string) error {
	return c.client.Del(ctx, defaultsKeyPrefix+role).Err()
}
