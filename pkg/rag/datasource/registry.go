package datasource

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DataSource describes one searchable knowledge collection.
//
// Priority is kept in the configuration schema for forward compatibility
// but retrieval currently treats all selected sources as peers; results
// merge in registration order.
type DataSource struct {
	ID         string
	Name       string
	Collection string
	DefaultK   int
	Enabled    bool
	Priority   int

	// Scenario flags control which sources are consulted when the caller
	// does not pin explicit datasource ids.
	Medical   bool
	Procedure bool
	General   bool
}

// Scenario selects the default group of datasources for a query.
type Scenario string

const (
	ScenarioMedical   Scenario = "medical"
	ScenarioProcedure Scenario = "procedure"
	ScenarioGeneral   Scenario = "general"
)

// Registry holds the configured datasources. Registration order is
// significant: cross-source merges iterate in that order so results are
// deterministic.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	sources map[string]*DataSource

	exclusionGroups [][]string
}

func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]*DataSource),
	}
}

func (r *Registry) Register(ds DataSource) error {
	if ds.ID == "" {
		return fmt.Errorf("datasource id is required")
	}
	if ds.Collection == "" {
		return fmt.Errorf("datasource %s: collection is required", ds.ID)
	}
	if ds.DefaultK <= 0 {
		ds.DefaultK = 5
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sources[ds.ID]; exists {
		return fmt.Errorf("datasource %s already registered", ds.ID)
	}
	cp := ds
	r.sources[ds.ID] = &cp
	r.order = append(r.order, ds.ID)
	return nil
}

func (r *Registry) Get(id string) (*DataSource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ds, ok := r.sources[id]
	if !ok {
		return nil, false
	}
	cp := *ds
	return &cp, true
}

func (r *Registry) Enable(id string) error  { return r.setEnabled(id, true) }
func (r *Registry) Disable(id string) error { return r.setEnabled(id, false) }

func (r *Registry) setEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.sources[id]
	if !ok {
		return fmt.Errorf("datasource %s not registered", id)
	}
	ds.Enabled = enabled
	return nil
}

// Select resolves the datasources to query for one retrieval round.
// Explicit ids win; unknown or disabled ids are silently skipped. With no
// explicit ids the scenario flags decide. The result preserves
// registration order.
func (r *Registry) Select(explicitIDs []string, scenario Scenario) []DataSource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wanted := make(map[string]bool, len(explicitIDs))
	for _, id := range explicitIDs {
		wanted[id] = true
	}

	var out []DataSource
	for _, id := range r.order {
		ds := r.sources[id]
		if !ds.Enabled {
			continue
		}
		if len(explicitIDs) > 0 {
			if wanted[id] {
				out = append(out, *ds)
			}
			continue
		}
		switch scenario {
		case ScenarioMedical:
			if ds.Medical {
				out = append(out, *ds)
			}
		case ScenarioProcedure:
			if ds.Procedure {
				out = append(out, *ds)
			}
		default:
			if ds.General {
				out = append(out, *ds)
			}
		}
	}
	return out
}

// IDs returns all registered datasource ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// SetExclusionGroups installs groups of mutually exclusive entity names.
// When a query names one member of a group, retrieved documents that
// belong to a sibling member must be dropped.
func (r *Registry) SetExclusionGroups(groups [][]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exclusionGroups = nil
	for _, g := range groups {
		if len(g) < 2 {
			continue
		}
		cp := make([]string, len(g))
		copy(cp, g)
		r.exclusionGroups = append(r.exclusionGroups, cp)
	}
}

// Siblings returns the other members of the exclusion group the query
// mentions, or nil when the query names no group member (or names more
// than one, in which case nothing is excluded).
func (r *Registry) Siblings(query string) []string {
	_, siblings := r.Exclusion(query)
	return siblings
}

// Exclusion resolves the entity the query asks about and its excluded
// siblings. Both are empty when no single group member is named.
func (r *Registry) Exclusion(query string) (string, []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lower := strings.ToLower(query)
	for _, group := range r.exclusionGroups {
		var mentioned []string
		for _, entity := range group {
			if strings.Contains(lower, strings.ToLower(entity)) {
				mentioned = append(mentioned, entity)
			}
		}
		if len(mentioned) != 1 {
			continue
		}
		var siblings []string
		for _, entity := range group {
			if entity != mentioned[0] {
				siblings = append(siblings, entity)
			}
		}
		sort.Strings(siblings)
		return mentioned[0], siblings
	}
	return "", nil
}
