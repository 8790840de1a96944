package semantic

import (
	"strings"

	"duck-semantic/internal/domain"
	"duck-semantic/internal/joingraph"
	"duck-semantic/internal/model"
)

// targetSet collects the cubes a SELECT must join, in first-seen order. The
// first target decides the root of the join tree.
type targetSet struct {
	targets []joingraph.Target
	seen    map[string]bool
	visited map[model.Member]bool
}

func newTargetSet() *targetSet {
	return &targetSet{seen: map[string]bool{}, visited: map[model.Member]bool{}}
}

func (ts *targetSet) add(c *model.Cube, path []*model.Cube) {
	if c == nil || c.IsView {
		return
	}
	key := c.Name
	if len(path) > 1 {
		key = pathKey(path)
	}
	if ts.seen[key] {
		return
	}
	ts.seen[key] = true
	ts.targets = append(ts.targets, joingraph.Target{Cube: c, Path: path})
}

// addMember adds the member's cube and every cube its SQL reaches.
func (ts *targetSet) addMember(qm *queryMember) {
	ts.add(qm.cube(), qm.path)
	ts.addReferences(qm.member)
}

func (ts *targetSet) addReferences(m model.Member) {
	if ts.visited[m] {
		return
	}
	ts.visited[m] = true
	for _, t := range memberTemplates(m) {
		ts.addTemplate(t)
	}
}

// addTemplate adds the cubes referenced by t.
func (ts *targetSet) addTemplate(t *model.Template) {
	for _, ref := range t.Refs() {
		if ref.IsCube() {
			ts.add(ref.Cube, ref.JoinPath)
			continue
		}
		target := ref.Member
		if p, ok := target.(*model.Proxy); ok {
			target = p.Target
		}
		ts.add(target.Cube(), ref.JoinPath)
		ts.addReferences(target)
	}
}

// memberTemplates returns the SQL fragments rendered for m in a plain SELECT.
func memberTemplates(m model.Member) []*model.Template {
	var out []*model.Template
	switch v := m.(type) {
	case *model.Dimension:
		out = append(out, v.SQL)
	case *model.Measure:
		if v.SQL != nil {
			out = append(out, v.SQL)
		}
		out = append(out, v.Filters...)
		if v.SQL == nil {
			for _, pk := range v.Cube().PrimaryKeys() {
				out = append(out, pk.SQL)
			}
		}
	case *model.Segment:
		out = append(out, v.SQL)
	}
	return out
}

// referencedCubes lists the cubes (besides its own) that m's SQL touches.
func referencedCubes(m model.Member) []*model.Cube {
	ts := newTargetSet()
	ts.addReferences(m)
	var out []*model.Cube
	for _, t := range ts.targets {
		if t.Cube != m.Cube() {
			out = append(out, t.Cube)
		}
	}
	return out
}

func pathKey(path []*model.Cube) string {
	names := make([]string, len(path))
	for i, c := range path {
		names[i] = c.Name
	}
	return strings.Join(names, ">")
}

// resolveTree resolves the join tree for targets, checking that calendar
// cubes needed by custom granularities join without fanning rows out.
func (c *compilation) resolveTree(ts *targetSet, keys []*keyColumn) (*joingraph.Tree, error) {
	tree, err := c.schema.Graph.Resolve(ts.targets)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if k.item.gran == nil || k.item.gran.JoinCube() == nil {
			continue
		}
		cal := k.item.gran.JoinCube()
		if cal == k.item.cube() {
			continue
		}
		if !c.schema.Graph.ReachableWithoutFanOut(k.item.cube(), cal) {
			return nil, domain.ErrUser("granularity %s of %s needs %s joined without multiplying rows",
				k.item.gran.Name(), k.item.id, cal.Name)
		}
	}
	return tree, nil
}

// fromClause renders FROM and the LEFT JOINs of tree. joinRenderer renders
// the join conditions; it may carry time shift overrides.
func fromClause(r, joinRenderer *renderer, tree *joingraph.Tree) (string, error) {
	var b strings.Builder
	b.WriteString("FROM " + tree.Root.FromSQL() + " AS " + r.cubeAlias(tree.Root))
	for _, s := range tree.Steps {
		cond, err := joinRenderer.template(s.Join.SQL)
		if err != nil {
			return "", err
		}
		b.WriteString("\nLEFT JOIN " + s.To.FromSQL() + " AS " + r.cubeAlias(s.To) + " ON " + cond)
	}
	return b.String(), nil
}
