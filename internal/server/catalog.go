package server

import (
	"sync"

	"github.com/keyproxy/llm-keypool-proxy/internal/keymanager"
)

// ModelEntry is one catalog row returned by GET /models.
type ModelEntry struct {
	Model          string `json:"model"`
	Tier           string `json:"tier"`
	MaxConcurrency int    `json:"maxConcurrency"`
	InFlight       int    `json:"inFlight"`
	Available      bool   `json:"available"`
}

// ModelCatalog is the in-memory model registry backing GET /models:
// the entries passed to NewModelCatalog plus any added at runtime with
// Register. No HTTP route calls Register. Grounded on the teacher's
// ModelStore/GetModel shape (internal/store/model.go), replacing its
// DynamoDB-backed single lookup with an in-memory map, since this
// proxy has no per-tenant model ACL to look up.
type ModelCatalog struct {
	mu      sync.RWMutex
	entries map[string]staticEntry
	keys    *keymanager.Manager
}

type staticEntry struct {
	tier           string
	maxConcurrency int
}

// NewModelCatalog seeds the catalog from static config entries.
func NewModelCatalog(keys *keymanager.Manager, defaults map[string]int) *ModelCatalog {
	entries := make(map[string]staticEntry, len(defaults))
	for model, max := range defaults {
		entries[model] = staticEntry{maxConcurrency: max}
	}
	return &ModelCatalog{entries: entries, keys: keys}
}

// Register adds or updates a custom model entry at runtime.
func (c *ModelCatalog) Register(model, tier string, maxConcurrency int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[model] = staticEntry{tier: tier, maxConcurrency: maxConcurrency}
}

// List returns every catalog entry, optionally filtered by tier.
func (c *ModelCatalog) List(tier string) []ModelEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ModelEntry, 0, len(c.entries))
	for model, e := range c.entries {
		if tier != "" && e.tier != tier {
			continue
		}
		inFlight := c.keys.ModelInFlight(model)
		out = append(out, ModelEntry{
			Model:          model,
			Tier:           e.tier,
			MaxConcurrency: e.maxConcurrency,
			InFlight:       inFlight,
			Available:      e.maxConcurrency == 0 || inFlight < e.maxConcurrency,
		})
	}
	return out
}
