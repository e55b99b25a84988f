package directory

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fathima-sithara/messaging-core/internal/domain"
)

// Cache stores resolved profiles. GetProfiles returns the hits; ids that
// are not in the map are misses.
type Cache interface {
	GetProfiles(ctx context.Context, ids []string) (map[string]domain.Profile, error)
	SetProfiles(ctx context.Context, profiles []domain.Profile, ttl time.Duration) error
}

// Cached puts a cache in front of a directory. Cache errors are logged and
// treated as misses.
type Cached struct {
	next  Directory
	cache Cache
	ttl   time.Duration
	log   *zap.Logger
}

func NewCached(next Directory, cache Cache, ttl time.Duration, logger *zap.Logger) *Cached {
	return &Cached{next: next, cache: cache, ttl: ttl, log: logger}
}

func (c *Cached) Profiles(ctx context.Context, ids []string) (map[string]domain.Profile, error) {
	ids = unique(ids)
	hits, err := c.cache.GetProfiles(ctx, ids)
	if err != nil {
		c.log.Warn("profile cache read failed", zap.Error(err))
		hits = nil
	}
	out := make(map[string]domain.Profile, len(ids))
	for id, p := range hits {
		out[id] = p
	}

	var missing []string
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := c.next.Profiles(ctx, missing)
	if err != nil {
		if len(out) > 0 {
			c.log.Warn("directory lookup failed, serving cached profiles", zap.Error(err))
			return out, nil
		}
		return nil, err
	}
	fresh := make([]domain.Profile, 0, len(fetched))
	for id, p := range fetched {
		out[id] = p
		fresh = append(fresh, p)
	}
	if len(fresh) > 0 {
		if err := c.cache.SetProfiles(ctx, fresh, c.ttl); err != nil {
			c.log.Warn("profile cache write failed", zap.Error(err))
		}
	}
	return out, nil
}
