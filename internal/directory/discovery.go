package directory

import (
	"fmt"
	"sync"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"
)

// Resolver yields the base URL of the user service.
type Resolver interface {
	BaseURL() (string, error)
}

type staticResolver string

func (s staticResolver) BaseURL() (string, error) { return string(s), nil }

// Static always resolves to url.
func Static(url string) Resolver { return staticResolver(url) }

// ConsulResolver looks up healthy instances of a service in Consul and
// caches the result for ttl.
type ConsulResolver struct {
	client  *consulapi.Client
	service string
	ttl     time.Duration
	log     *zap.Logger

	mu      sync.Mutex
	urls    []string
	next    int
	fetched time.Time
}

func NewConsulResolver(addr, service string, ttl time.Duration, logger *zap.Logger) (*ConsulResolver, error) {
	cfg := consulapi.DefaultConfig()
	cfg.Address = addr
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &ConsulResolver{client: client, service: service, ttl: ttl, log: logger}, nil
}

// BaseURL round-robins over the cached instances, refreshing them when the
// cache is stale. A failed refresh falls back to the stale list if any.
func (c *ConsulResolver) BaseURL() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.urls) == 0 || time.Since(c.fetched) > c.ttl {
		urls, err := c.lookup()
		switch {
		case err == nil:
			c.urls, c.fetched = urls, time.Now()
		case len(c.urls) == 0:
			return "", err
		default:
			c.log.Warn("consul refresh failed, using cached instances", zap.String("service", c.service), zap.Error(err))
		}
	}
	u := c.urls[c.next%len(c.urls)]
	c.next++
	return u, nil
}

func (c *ConsulResolver) lookup() ([]string, error) {
	entries, _, err := c.client.Health().Service(c.service, "", true, nil)
	if err != nil {
		return nil, fmt.Errorf("consul lookup %s: %w", c.service, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no healthy instances for %s", c.service)
	}
	urls := make([]string, 0, len(entries))
	for _, e := range entries {
		addr := e.Service.Address
		if addr == "" {
			addr = e.Node.Address
		}
		urls = append(urls, fmt.Sprintf("http://%s:%d", addr, e.Service.Port))
	}
	return urls, nil
}
