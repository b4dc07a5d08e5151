package workers

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/switchyard/internal/model"
	"github.com/seantiz/switchyard/internal/router"
)

// DefaultCoordinatorID is the id of the built-in coordinator.
const DefaultCoordinatorID = "coordinator"

// Catalog is the static configuration loaded at process start.
type Catalog struct {
	Workers []model.Worker `yaml:"workers"`
	Routes  []router.Rule  `yaml:"routes"`
}

// LoadCatalog reads a YAML catalog from path. ${VAR} references are expanded
// from the environment before parsing. A catalog without routes gets the
// built-in routing rules.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses a YAML catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(c.Workers) == 0 {
		return nil, fmt.Errorf("parse catalog: no workers defined")
	}
	if c.Routes == nil {
		c.Routes = router.DefaultRules()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks that ids are unique, that delegation targets, parents and
// route targets refer to known workers, and that a coordinator exists.
func (c *Catalog) Validate() error {
	ids := make(map[string]bool, len(c.Workers))
	coordinators := 0
	for _, w := range c.Workers {
		if w.ID == "" {
			return fmt.Errorf("catalog: worker %q has no id", w.Name)
		}
		if ids[w.ID] {
			return fmt.Errorf("catalog: %w: %s", ErrDuplicateWorker, w.ID)
		}
		ids[w.ID] = true
		if w.Role == model.RoleCoordinator {
			coordinators++
		}
	}
	if coordinators == 0 {
		return fmt.Errorf("catalog: no coordinator defined")
	}
	for _, w := range c.Workers {
		for _, t := range w.DelegationTargets {
			if !ids[t] {
				return fmt.Errorf("catalog: worker %s delegates to unknown worker %s", w.ID, t)
			}
		}
		if w.ParentWorkerID != "" && !ids[w.ParentWorkerID] {
			return fmt.Errorf("catalog: worker %s has unknown parent %s", w.ID, w.ParentWorkerID)
		}
	}
	for _, r := range c.Routes {
		if r.Action == router.ActionDelegate && !ids[r.TargetWorkerID] {
			return fmt.Errorf("catalog: route %s targets unknown worker %s", r.Name, r.TargetWorkerID)
		}
	}
	if _, err := router.NewTable(c.Routes); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	return nil
}

// DefaultCatalog returns the built-in catalog: one coordinator and a
// specialist per routing family.
func DefaultCatalog() *Catalog {
	const defaultModel = "anthropic:claude-sonnet-4-5"
	return &Catalog{
		Workers: []model.Worker{
			{
				ID:           DefaultCoordinatorID,
				Name:         "Coordinator",
				Role:         model.RoleCoordinator,
				ModelRef:     defaultModel,
				Instructions: "Answer directly when you can. Hand off to a specialist with transfer_to_worker when the request needs one.",
				Capabilities: []string{"current_time"},
				DelegationTargets: []string{
					router.WorkerEcommerce, router.WorkerResearch, router.WorkerDocuments,
					router.WorkerBrowser, "utility-specialist",
				},
			},
			{
				ID:                 router.WorkerEcommerce,
				Name:               "E-commerce",
				Role:               model.RoleSpecialist,
				ModelRef:           defaultModel,
				Instructions:       "You manage the user's Shopify store: orders, products and inventory.",
				Capabilities:       []string{"shopify_orders", "shopify_products"},
				DelegationTargets:  []string{DefaultCoordinatorID},
				SpecializationTags: []string{"shopify", "orders", "inventory"},
				ParentWorkerID:     DefaultCoordinatorID,
			},
			{
				ID:                 router.WorkerResearch,
				Name:               "Research",
				Role:               model.RoleSpecialist,
				ModelRef:           "openai:gpt-4o",
				Instructions:       "You research topics on the web and cite your sources.",
				Capabilities:       []string{"web_search"},
				DelegationTargets:  []string{DefaultCoordinatorID, router.WorkerDocuments},
				SpecializationTags: []string{"search", "news"},
				ParentWorkerID:     DefaultCoordinatorID,
			},
			{
				ID:                 router.WorkerDocuments,
				Name:               "Documents",
				Role:               model.RoleSpecialist,
				ModelRef:           defaultModel,
				Instructions:       "You create documents, spreadsheets and presentations.",
				Capabilities:       []string{"create_document"},
				DelegationTargets:  []string{DefaultCoordinatorID},
				SpecializationTags: []string{"documents", "reports"},
				ParentWorkerID:     DefaultCoordinatorID,
			},
			{
				ID:                 router.WorkerBrowser,
				Name:               "Browser",
				Role:               model.RoleSpecialist,
				ModelRef:           "openai:gpt-4o",
				Instructions:       "You operate a web browser on the user's behalf.",
				Capabilities:       []string{"browse"},
				DelegationTargets:  []string{DefaultCoordinatorID},
				SpecializationTags: []string{"browser", "automation"},
				ParentWorkerID:     DefaultCoordinatorID,
			},
			{
				ID:                 "utility-specialist",
				Name:               "Utility",
				Role:               model.RoleSpecialist,
				ModelRef:           defaultModel,
				Instructions:       "You handle small utility requests such as dates, times and conversions.",
				Capabilities:       []string{"current_time", "echo"},
				DelegationTargets:  []string{DefaultCoordinatorID},
				SpecializationTags: []string{"utility"},
				ParentWorkerID:     DefaultCoordinatorID,
			},
		},
		Routes: router.DefaultRules(),
	}
}
