package campaign

import "sort"

// Graph is the validated stage DAG.
type Graph struct {
	def        *Definition
	order      []string
	deps       map[string][]string
	dependents map[string][]string
}

// NewGraph validates def and builds its graph.
func NewGraph(def *Definition) (*Graph, error) {
	if err := Validate(def); err != nil {
		return nil, err
	}
	g := &Graph{
		def:        def,
		deps:       make(map[string][]string, len(def.Stages)),
		dependents: make(map[string][]string, len(def.Stages)),
	}
	for _, s := range def.Stages {
		g.order = append(g.order, s.ID)
		g.deps[s.ID] = s.Deps()
		for _, d := range g.deps[s.ID] {
			g.dependents[d] = append(g.dependents[d], s.ID)
		}
	}
	return g, nil
}

// Stages returns stage ids in definition order.
func (g *Graph) Stages() []string { return append([]string(nil), g.order...) }

// Stage returns the definition of id.
func (g *Graph) Stage(id string) StageDef {
	s, _ := g.def.Stage(id)
	return s
}

// Root returns the id of the root init stage.
func (g *Graph) Root() string {
	for _, id := range g.order {
		if g.Stage(id).Root() {
			return id
		}
	}
	return ""
}

// Deps returns the direct dependencies of id.
func (g *Graph) Deps(id string) []string { return g.deps[id] }

// Dependents returns every stage that transitively depends on id, in
// definition order.
func (g *Graph) Dependents(id string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(n string) {
		for _, d := range g.dependents[n] {
			if !seen[d] {
				seen[d] = true
				walk(d)
			}
		}
	}
	walk(id)
	var out []string
	for _, n := range g.order {
		if seen[n] {
			out = append(out, n)
		}
	}
	return out
}

// Levels groups stages into topological levels. Stages in one level have no
// dependency among themselves.
func (g *Graph) Levels() [][]string {
	indeg := make(map[string]int, len(g.order))
	for _, id := range g.order {
		indeg[id] = len(g.deps[id])
	}
	var levels [][]string
	done := 0
	for done < len(g.order) {
		var level []string
		for _, id := range g.order {
			if indeg[id] == 0 {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			break
		}
		for _, id := range level {
			indeg[id] = -1
			for _, d := range g.dependents[id] {
				indeg[d]--
			}
		}
		sort.Strings(level)
		levels = append(levels, level)
		done += len(level)
	}
	return levels
}
