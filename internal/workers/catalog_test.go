package workers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/switchyard/internal/router"
)

const testCatalog = `
workers:
  - id: boss
    name: Boss
    role: coordinator
    model: ${TEST_CATALOG_MODEL}
    delegates: [shop]
  - id: shop
    name: Shop
    role: specialist
    model: openai:gpt-4o-mini
    capabilities: [shopify_orders]
    tags: [shopify]
    parent: boss
routes:
  - name: shop
    action: delegate
    target: shop
    phrases: [shopify]
    confidence: 0.9
`

func TestLoadCatalog(t *testing.T) {
	t.Setenv("TEST_CATALOG_MODEL", "anthropic:claude-haiku")
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o644))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Len(t, c.Workers, 2)
	assert.Equal(t, "anthropic:claude-haiku", c.Workers[0].ModelRef)
	assert.Equal(t, []string{"shop"}, c.Workers[0].DelegationTargets)
	assert.Equal(t, "boss", c.Workers[1].ParentWorkerID)
	require.Len(t, c.Routes, 1)
	assert.Equal(t, "shop", c.Routes[0].TargetWorkerID)
}

func TestLoadCatalogMissingFile(t *testing.T) {
	_, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseCatalogDefaultsRoutes(t *testing.T) {
	doc := `
workers:
  - {id: coordinator, role: coordinator, model: "anthropic:x"}
  - {id: ecommerce-specialist, role: specialist}
  - {id: research-specialist, role: specialist}
  - {id: documents-specialist, role: specialist}
  - {id: browser-specialist, role: specialist}
`
	c, err := ParseCatalog([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, router.DefaultRules(), c.Routes)
}

func TestParseCatalogValidation(t *testing.T) {
	tests := map[string]string{
		"empty":           "workers: []",
		"no coordinator":  "workers: [{id: a, role: specialist}]\nroutes: []",
		"duplicate":       "workers: [{id: a, role: coordinator}, {id: a}]\nroutes: []",
		"unknown target":  "workers: [{id: a, role: coordinator, delegates: [b]}]\nroutes: []",
		"unknown parent":  "workers: [{id: a, role: coordinator, parent: z}]\nroutes: []",
		"route to nobody": "workers: [{id: a, role: coordinator}]\nroutes: [{name: r, action: delegate, target: q, phrases: [x]}]",
		"bad yaml":        "workers: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestDefaultCatalogValid(t *testing.T) {
	c := DefaultCatalog()
	require.NoError(t, c.Validate())

	d, ok := router.DefaultTable().Match("check my Shopify orders")
	require.True(t, ok)
	found := false
	for _, w := range c.Workers {
		if w.ID == d.TargetWorkerID {
			found = true
		}
	}
	assert.True(t, found)
}
