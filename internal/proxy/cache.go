package proxy

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/vnmchuo/scribeflow/internal/logging"
	"github.com/vnmchuo/scribeflow/internal/provider"
	"github.com/vnmchuo/scribeflow/internal/provider/anthropic"
	"github.com/vnmchuo/scribeflow/internal/provider/cohere"
	"github.com/vnmchuo/scribeflow/internal/provider/google"
	"github.com/vnmchuo/scribeflow/internal/provider/openai"
)

// Factory builds a client bound to one api key and model.
type Factory func(apiKey, model string) provider.Client

// DefaultFactories returns the constructors for every supported vendor.
func DefaultFactories() map[provider.ID]Factory {
	return map[provider.ID]Factory{
		provider.OpenAI:    func(k, m string) provider.Client { return openai.New(k, m) },
		provider.Anthropic: func(k, m string) provider.Client { return anthropic.New(k, m) },
		provider.Google:    func(k, m string) provider.Client { return google.New(k, m) },
		provider.Cohere:    func(k, m string) provider.Client { return cohere.New(k, m) },
	}
}

// Cache lazily builds one client per (provider, model) and keeps it for the
// life of the process. Concurrent misses on the same key share a single
// construction; every caller gets the instance that was stored.
type Cache struct {
	configs   map[provider.ID]provider.Config
	factories map[provider.ID]Factory

	mu      sync.RWMutex
	clients map[string]provider.Client
	group   singleflight.Group
}

func NewCache(configs map[provider.ID]provider.Config, factories map[provider.ID]Factory) *Cache {
	return &Cache{
		configs:   configs,
		factories: factories,
		clients:   make(map[string]provider.Client),
	}
}

func cacheKey(id provider.ID, model string) string {
	if model == "" {
		model = "default"
	}
	return fmt.Sprintf("%s:%s", id, model)
}

// GetOrCreate returns the cached client for (id, model), building it on first
// use. An empty model selects the first entry of the provider's catalog.
func (c *Cache) GetOrCreate(id provider.ID, model string) (provider.Client, error) {
	key := cacheKey(id, model)

	c.mu.RLock()
	client, ok := c.clients[key]
	c.mu.RUnlock()
	if ok {
		return client, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.RLock()
		existing, ok := c.clients[key]
		c.mu.RUnlock()
		if ok {
			return existing, nil
		}

		built, err := c.build(id, model)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.clients[key] = built
		c.mu.Unlock()

		logging.Debug().
			Str("provider", id.String()).
			Str("model", built.Model()).
			Str("cache_key", key).
			Msg("provider client created")
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(provider.Client), nil
}

func (c *Cache) build(id provider.ID, model string) (provider.Client, error) {
	cfg, ok := c.configs[id]
	if !ok {
		return nil, &provider.ConfigurationError{Provider: string(id), Reason: "unknown AI provider"}
	}
	if cfg.APIKey == "" {
		return nil, &provider.ConfigurationError{Provider: string(id), Reason: "API key not configured for provider"}
	}

	if model == "" {
		if len(cfg.Models) == 0 {
			return nil, &provider.ConfigurationError{Provider: string(id), Reason: "no models configured for provider"}
		}
		model = cfg.Models[0]
	}

	factory, ok := c.factories[id]
	if !ok {
		return nil, &provider.ConfigurationError{Provider: string(id), Reason: "unsupported AI provider"}
	}
	return factory(cfg.APIKey, model), nil
}

// Len reports how many clients have been built so far.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.clients)
}

// Config returns the static configuration of a provider.
func (c *Cache) Config(id provider.ID) (provider.Config, bool) {
	cfg, ok := c.configs[id]
	return cfg, ok
}
