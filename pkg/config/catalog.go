package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aria-platform/aria/pkg/models"
)

// ModelCatalog is the authoritative model configuration: every configured
// endpoint plus the routing policy. Transport-layer provider configuration
// is generated from this file, never the other way around.
type ModelCatalog struct {
	Models  []models.Model `yaml:"models"`
	Routing RoutingPolicy  `yaml:"routing"`

	byID    map[string]*models.Model
	byAlias map[string]*models.Model
}

// RoutingPolicy controls model selection in the LLM gateway.
type RoutingPolicy struct {
	// TierOrder is the tier preference; defaults to local, free, paid.
	TierOrder []models.Tier `yaml:"tier_order,omitempty"`
	// Primary short-circuits selection when set and healthy.
	Primary string `yaml:"primary,omitempty"`
	// Fallbacks are consulted in order after the tier chain is exhausted.
	Fallbacks []string `yaml:"fallbacks,omitempty"`
}

// LoadModelCatalog reads and validates the catalog file.
func LoadModelCatalog(path string) (*ModelCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var catalog ModelCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := catalog.Finalize(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &catalog, nil
}

// Finalize validates entries and builds lookup indexes. It must be called
// before Lookup; LoadModelCatalog does so automatically.
func (c *ModelCatalog) Finalize() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("model catalog is empty")
	}
	if len(c.Routing.TierOrder) == 0 {
		c.Routing.TierOrder = models.DefaultTierOrder
	}

	c.byID = make(map[string]*models.Model, len(c.Models))
	c.byAlias = make(map[string]*models.Model)
	for i := range c.Models {
		m := &c.Models[i]
		if m.ID == "" {
			return fmt.Errorf("model %d: id is required", i)
		}
		if err := m.Tier.Validate(); err != nil {
			return fmt.Errorf("model %q: %w", m.ID, err)
		}
		if m.MaxRPM != nil && *m.MaxRPM <= 0 {
			return fmt.Errorf("model %q: max_rpm must be positive when set", m.ID)
		}
		if m.MaxTPD != nil && *m.MaxTPD <= 0 {
			return fmt.Errorf("model %q: max_tpd must be positive when set", m.ID)
		}
		if _, dup := c.byID[m.ID]; dup {
			return fmt.Errorf("duplicate model id %q", m.ID)
		}
		c.byID[m.ID] = m
		if m.Alias != "" {
			if _, dup := c.byAlias[m.Alias]; dup {
				return fmt.Errorf("duplicate model alias %q", m.Alias)
			}
			c.byAlias[m.Alias] = m
		}
	}

	for _, t := range c.Routing.TierOrder {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("routing tier_order: %w", err)
		}
	}
	if c.Routing.Primary != "" {
		if _, ok := c.byID[c.Routing.Primary]; !ok {
			return fmt.Errorf("routing primary references unknown model %q", c.Routing.Primary)
		}
	}
	for _, id := range c.Routing.Fallbacks {
		if _, ok := c.byID[id]; !ok {
			return fmt.Errorf("routing fallback references unknown model %q", id)
		}
	}
	return nil
}

// Lookup resolves a model by id or display alias.
func (c *ModelCatalog) Lookup(idOrAlias string) (*models.Model, bool) {
	if m, ok := c.byID[idOrAlias]; ok {
		return m, true
	}
	if m, ok := c.byAlias[idOrAlias]; ok {
		return m, true
	}
	return nil, false
}

// ByTier returns models of the given tier in declaration order.
func (c *ModelCatalog) ByTier(tier models.Tier) []*models.Model {
	var out []*models.Model
	for i := range c.Models {
		if c.Models[i].Tier == tier {
			out = append(out, &c.Models[i])
		}
	}
	return out
}
