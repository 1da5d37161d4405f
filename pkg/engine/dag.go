package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fleetwright/fleetwright/pkg/stores"
)

// EdgeDetector derives dependency edges for one resource type by inspecting
// resource properties. Detectors are registered per type; a resource runs
// through every detector registered for its type.
type EdgeDetector interface {
	// Detect returns the outgoing edges of the resource. The index maps
	// external id to resource for reference lookups; edges pointing at
	// external ids absent from the index are dropped by the builder.
	Detect(resource *stores.Resource, index map[string]*stores.Resource) []stores.DependencyEdge
}

// PropertyRefDetector derives edges from resource properties whose values
// hold the external id of another resource. One detector covers one edge
// kind over a set of property keys.
type PropertyRefDetector struct {
	// Keys are the property names whose values reference other resources.
	Keys []string

	// Kind labels the produced edges.
	Kind string

	// Relationship is free-form edge documentation.
	Relationship string
}

// Detect implements EdgeDetector.
func (d *PropertyRefDetector) Detect(resource *stores.Resource, index map[string]*stores.Resource) []stores.DependencyEdge {
	if resource.Properties == "" {
		return nil
	}
	var props map[string]any
	if err := json.Unmarshal([]byte(resource.Properties), &props); err != nil {
		return nil
	}

	edges := []stores.DependencyEdge{}
	for _, key := range d.Keys {
		raw, ok := props[key]
		if !ok {
			continue
		}
		// A key can hold one reference or a list of them.
		refs := []string{}
		switch v := raw.(type) {
		case string:
			refs = append(refs, v)
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					refs = append(refs, s)
				}
			}
		}
		for _, ref := range refs {
			if ref == "" || ref == resource.ExternalID {
				continue
			}
			if _, known := index[ref]; !known {
				continue
			}
			edges = append(edges, stores.DependencyEdge{
				FromID:       resource.ExternalID,
				ToID:         ref,
				Kind:         d.Kind,
				Relationship: d.Relationship,
			})
		}
	}
	return edges
}

// DefaultDetectors returns the built-in detector registry covering the
// common fleet resource shapes: compute instances attach to networks and
// disks, disks and addresses attach to instances, subnets belong to
// networks.
func DefaultDetectors() map[string][]EdgeDetector {
	return map[string][]EdgeDetector{
		"instance": {
			&PropertyRefDetector{Keys: []string{"subnet_id", "network_id"}, Kind: "network", Relationship: "attached to"},
			&PropertyRefDetector{Keys: []string{"disk_ids", "boot_disk_id"}, Kind: "storage", Relationship: "uses"},
			&PropertyRefDetector{Keys: []string{"image_id"}, Kind: "image", Relationship: "booted from"},
		},
		"disk": {
			&PropertyRefDetector{Keys: []string{"attached_to"}, Kind: "attachment", Relationship: "attached to"},
		},
		"subnet": {
			&PropertyRefDetector{Keys: []string{"network_id"}, Kind: "network", Relationship: "belongs to"},
		},
		"address": {
			&PropertyRefDetector{Keys: []string{"assigned_to"}, Kind: "attachment", Relationship: "assigned to"},
		},
	}
}

// GraphNode is one resource in the built graph with its computed level.
type GraphNode struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Name         string   `json:"name"`
	Level        int      `json:"level"`
	Dependencies []string `json:"dependencies,omitempty"`
	Dependents   []string `json:"dependents,omitempty"`
}

// GraphEdge is one directed dependency in the built graph.
type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Kind string `json:"kind,omitempty"`
}

// Graph is the built dependency graph. Levels order nodes so that every
// node appears after everything it depends on; nodes sharing a level are
// mutually independent.
type Graph struct {
	Nodes  map[string]*GraphNode `json:"nodes"`
	Edges  []GraphEdge           `json:"edges"`
	Levels [][]string            `json:"levels"`
	Roots  []string              `json:"roots"`
	Depth  int                   `json:"depth"`
}

// GraphBuilder builds the resource dependency graph: detectors derive edges
// from cached resource properties, edges persist idempotently in the store,
// and the builder computes a topological ordering over the result.
type GraphBuilder struct {
	store     stores.Store
	detectors map[string][]EdgeDetector
	logger    zerolog.Logger
}

// NewGraphBuilder creates a graph builder with the default detector
// registry.
func NewGraphBuilder(store stores.Store, logger zerolog.Logger) *GraphBuilder {
	return &GraphBuilder{
		store:     store,
		detectors: DefaultDetectors(),
		logger:    logger.With().Str("component", "graph").Logger(),
	}
}

// RegisterDetector adds a detector for a resource type.
func (b *GraphBuilder) RegisterDetector(resourceType string, d EdgeDetector) {
	b.detectors[resourceType] = append(b.detectors[resourceType], d)
}

// Sync runs edge detection over every cached resource and persists the
// derived edges. Persisting an edge that already exists is a no-op, so Sync
// is safe to run repeatedly.
func (b *GraphBuilder) Sync(ctx context.Context) (int, error) {
	resources, err := b.store.Query(ctx, stores.ResourceFilter{})
	if err != nil {
		return 0, fmt.Errorf("failed to load resources for edge detection: %w", err)
	}

	index := make(map[string]*stores.Resource, len(resources))
	for i := range resources {
		index[resources[i].Resource.ExternalID] = &resources[i].Resource
	}

	detected := 0
	for i := range resources {
		r := &resources[i].Resource
		for _, detector := range b.detectors[r.Type] {
			for _, edge := range detector.Detect(r, index) {
				edge := edge
				if err := b.store.AddDependency(ctx, &edge); err != nil {
					return detected, fmt.Errorf("failed to persist edge %s -> %s: %w",
						edge.FromID, edge.ToID, err)
				}
				detected++
			}
		}
	}

	b.logger.Info().
		Int("resources", len(resources)).
		Int("edges", detected).
		Msg("edge detection complete")
	return detected, nil
}

// Build loads every non-deleted cached resource and the persisted edges and
// computes the graph. A cycle is a hard error naming every member of the
// cycle.
func (b *GraphBuilder) Build(ctx context.Context) (*Graph, error) {
	resources, err := b.store.Query(ctx, stores.ResourceFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to load resources: %w", err)
	}
	edges, err := b.store.ListDependencies(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load dependency edges: %w", err)
	}

	graph := &Graph{
		Nodes:  make(map[string]*GraphNode, len(resources)),
		Edges:  make([]GraphEdge, 0, len(edges)),
		Levels: make([][]string, 0),
		Roots:  make([]string, 0),
	}

	for i := range resources {
		r := &resources[i].Resource
		graph.Nodes[r.ExternalID] = &GraphNode{
			ID:   r.ExternalID,
			Type: r.Type,
			Name: r.Name,
		}
	}

	// Edges referencing resources outside the cache are dropped, not fatal:
	// uncached neighbors are common.
	adjacency := make(map[string][]string)
	inDegree := make(map[string]int)
	for id := range graph.Nodes {
		inDegree[id] = 0
	}
	for _, e := range edges {
		from, okFrom := graph.Nodes[e.FromID]
		_, okTo := graph.Nodes[e.ToID]
		if !okFrom || !okTo {
			continue
		}
		graph.Edges = append(graph.Edges, GraphEdge{From: e.FromID, To: e.ToID, Kind: e.Kind})
		from.Dependencies = append(from.Dependencies, e.ToID)
		graph.Nodes[e.ToID].Dependents = append(graph.Nodes[e.ToID].Dependents, e.FromID)
		// Ordering: dependencies come before dependents, so the edge for
		// Kahn's queue runs dependency -> dependent.
		adjacency[e.ToID] = append(adjacency[e.ToID], e.FromID)
		inDegree[e.FromID]++
	}

	if cycle := findCycle(graph.Nodes, adjacency); len(cycle) > 0 {
		return nil, NewValidationError(
			fmt.Sprintf("dependency cycle detected: %s", strings.Join(cycle, " -> ")), nil).
			WithCode(ErrCodeCycle)
	}

	// Kahn's algorithm, level by level. Nodes in one level have no ordering
	// constraints among themselves.
	current := []string{}
	for id, degree := range inDegree {
		if degree == 0 {
			current = append(current, id)
		}
	}
	sort.Strings(current)
	graph.Roots = append(graph.Roots, current...)

	processed := 0
	for len(current) > 0 {
		for _, id := range current {
			graph.Nodes[id].Level = len(graph.Levels)
		}
		graph.Levels = append(graph.Levels, current)
		processed += len(current)

		next := []string{}
		for _, id := range current {
			for _, dependent := range adjacency[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	if processed != len(graph.Nodes) {
		return nil, NewInternalError("not all nodes reached by topological sort", nil).
			WithCode(ErrCodeInternal)
	}

	graph.Depth = len(graph.Levels)
	return graph, nil
}

// findCycle runs DFS over the adjacency list and returns the members of the
// first cycle found, in path order, or nil.
func findCycle(nodes map[string]*GraphNode, adjacency map[string][]string) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))
	var cycle []string

	var visit func(id string, path []string) bool
	visit = func(id string, path []string) bool {
		color[id] = gray
		path = append(path, id)
		for _, next := range adjacency[id] {
			switch color[next] {
			case gray:
				start := 0
				for i, p := range path {
					if p == next {
						start = i
						break
					}
				}
				cycle = append(append([]string{}, path[start:]...), next)
				return true
			case white:
				if visit(next, path) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white && visit(id, nil) {
			return cycle
		}
	}
	return nil
}

// ToDOT renders the graph in Graphviz DOT format, grouping nodes by level.
func (g *Graph) ToDOT() string {
	var sb strings.Builder
	sb.WriteString("digraph fleet {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.Levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			node := g.Nodes[id]
			label := fmt.Sprintf("%s\\n%s", node.Name, node.Type)
			sb.WriteString(fmt.Sprintf("    %q [label=\"%s\", fillcolor=%q, style=\"filled,rounded\"];\n",
				id, label, typeColor(node.Type)))
		}
		sb.WriteString("  }\n\n")
	}

	for _, e := range g.Edges {
		sb.WriteString(fmt.Sprintf("  %q -> %q [label=%q];\n", e.From, e.To, e.Kind))
	}

	sb.WriteString("}\n")
	return sb.String()
}

// ToJSON renders the graph as indented JSON.
func (g *Graph) ToJSON() ([]byte, error) {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal graph: %w", err)
	}
	return data, nil
}

func typeColor(resourceType string) string {
	switch resourceType {
	case "instance":
		return "lightgreen"
	case "network", "subnet":
		return "lightblue"
	case "disk", "image":
		return "lightyellow"
	case "address":
		return "lightgray"
	default:
		return "white"
	}
}
