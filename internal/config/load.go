package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/gisquick/tileproxy/internal/domain"
)

// Load reads, parses and validates a declarative configuration file,
// mirroring the teacher's two-step form handling (echo.Bind then
// validator.Struct in internal/server/accounts.go) generalized from one
// HTTP form to a whole YAML document.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.NewError(domain.ErrKindConfigInvalid, "config.Load", err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, domain.NewError(domain.ErrKindConfigInvalid, "config.Load", fmt.Errorf("parsing %s: %w", path, err))
	}
	if err := validator.New().Struct(&doc); err != nil {
		return nil, domain.NewError(domain.ErrKindConfigInvalid, "config.Load", fmt.Errorf("validating %s: %w", path, err))
	}
	if err := checkCycles(&doc); err != nil {
		return nil, domain.NewError(domain.ErrKindConfigInvalid, "config.Load", err)
	}
	return &doc, nil
}

// checkCycles rejects a configuration whose cross-cache "use this cache as
// my source" wiring forms a cycle, via a plain topological sort (Kahn's
// algorithm) over the cache->source-name dependency graph. Only cache names
// that are themselves also source names participate; storage references
// and the layer tree are not examined (spec §9 Open Question: a cache's
// sources may name another cache, for tiered/fallback caching).
func checkCycles(doc *Document) error {
	cacheNames := make(map[string]bool, len(doc.Caches))
	for _, c := range doc.Caches {
		cacheNames[c.Name] = true
	}

	deps := make(map[string][]string, len(doc.Caches))
	for _, c := range doc.Caches {
		for _, s := range c.Sources {
			if cacheNames[s] {
				deps[c.Name] = append(deps[c.Name], s)
			}
		}
	}

	indegree := make(map[string]int, len(cacheNames))
	for name := range cacheNames {
		indegree[name] = 0
	}
	// Build reverse adjacency for Kahn's algorithm: edge cache->dep means
	// dep must be resolved before cache, i.e. dep has out-edge to cache.
	outEdges := make(map[string][]string, len(cacheNames))
	for cache, ds := range deps {
		for _, dep := range ds {
			outEdges[dep] = append(outEdges[dep], cache)
			indegree[cache]++
		}
	}

	queue := make([]string, 0, len(cacheNames))
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range outEdges[n] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(cacheNames) {
		return fmt.Errorf("cyclic cache source reference detected among %d caches", len(cacheNames)-visited)
	}
	return nil
}
