package plans

import (
	"embed"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var embeddedFS embed.FS

// Plan is one catalog entry.
type Plan struct {
	Slug            string `yaml:"slug"`
	Name            string `yaml:"name"`
	PriceID         string `yaml:"price_id"`
	MinutesIncluded int    `yaml:"minutes_included"`
	// TrialMinutes replaces MinutesIncluded while the account is trialing.
	TrialMinutes *int `yaml:"trial_minutes,omitempty"`
}

type catalogFile struct {
	Plans []Plan `yaml:"plans"`
}

// Catalog is a read-only plan table indexed by slug and by price id.
type Catalog struct {
	bySlug  map[string]Plan
	byPrice map[string]string
	order   []string
}

// Default returns the built-in catalog.
func Default() (*Catalog, error) {
	b, err := fs.ReadFile(embeddedFS, "catalog.yaml")
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// LoadFile reads a catalog from path, or the built-in one when path is empty.
func LoadFile(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan catalog: %w", err)
	}
	return Parse(b)
}

// Parse decodes and validates a YAML catalog.
func Parse(b []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse plan catalog: %w", err)
	}
	return New(f.Plans...)
}

// New builds a catalog. Slugs and price ids must be unique.
func New(plans ...Plan) (*Catalog, error) {
	c := &Catalog{
		bySlug:  make(map[string]Plan, len(plans)),
		byPrice: make(map[string]string, len(plans)),
	}
	for _, p := range plans {
		if p.Slug == "" {
			return nil, fmt.Errorf("plan catalog: entry without slug")
		}
		if p.MinutesIncluded < 0 || (p.TrialMinutes != nil && *p.TrialMinutes < 0) {
			return nil, fmt.Errorf("plan catalog: %s has a negative quota", p.Slug)
		}
		if _, dup := c.bySlug[p.Slug]; dup {
			return nil, fmt.Errorf("plan catalog: duplicate slug %s", p.Slug)
		}
		if p.PriceID != "" {
			if other, dup := c.byPrice[p.PriceID]; dup {
				return nil, fmt.Errorf("plan catalog: price %s used by %s and %s", p.PriceID, other, p.Slug)
			}
			c.byPrice[p.PriceID] = p.Slug
		}
		c.bySlug[p.Slug] = p
		c.order = append(c.order, p.Slug)
	}
	return c, nil
}

// Get returns the plan for slug.
func (c *Catalog) Get(slug string) (Plan, bool) {
	p, ok := c.bySlug[slug]
	return p, ok
}

// SlugForPrice returns the slug of the plan billed under priceID.
func (c *Catalog) SlugForPrice(priceID string) (string, bool) {
	if priceID == "" {
		return "", false
	}
	slug, ok := c.byPrice[priceID]
	return slug, ok
}

// MinutesIncluded resolves the quota for slug. Trial accounts get the
// plan's trial override when one is set. ok is false for unknown slugs.
func (c *Catalog) MinutesIncluded(slug string, isTrial bool) (minutes int, ok bool) {
	p, ok := c.bySlug[slug]
	if !ok {
		return 0, false
	}
	if isTrial && p.TrialMinutes != nil {
		return *p.TrialMinutes, true
	}
	return p.MinutesIncluded, true
}

// Plans lists the catalog in file order.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.order))
	for _, slug := range c.order {
		out = append(out, c.bySlug[slug])
	}
	return out
}
