// Package views expands view definitions into flat member sets of the symbol table.
package views

import (
	"fmt"
	"strings"

	"duck-semantic/internal/domain"
	"duck-semantic/internal/joingraph"
	"duck-semantic/internal/model"
)

// ExpandAll registers every view of defs in table, in declaration order.
func ExpandAll(table *model.Table, graph *joingraph.Graph, defs []domain.View) error {
	for i := range defs {
		if _, err := Expand(table, graph, &defs[i]); err != nil {
			return err
		}
	}
	return nil
}

// Expand registers def as a view of table and adds one proxy per exposed
// member. Rules are applied in order; on a name collision the later rule wins.
func Expand(table *model.Table, graph *joingraph.Graph, def *domain.View) (*model.Cube, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	view, err := table.NewView(def)
	if err != nil {
		return nil, err
	}
	for _, rule := range def.Cubes {
		if err := applyRule(table, graph, view, rule); err != nil {
			return nil, fmt.Errorf("view %s: %w", def.Name, err)
		}
	}
	if len(view.Proxies) == 0 {
		return nil, domain.ErrUser("view %s exposes no members", def.Name)
	}
	return view, nil
}

func applyRule(table *model.Table, graph *joingraph.Graph, view *model.Cube, rule domain.ViewCube) error {
	path, err := resolvePath(table, rule.JoinPath)
	if err != nil {
		return err
	}
	if _, err := graph.StepsBetween(path); err != nil {
		return err
	}
	target := path[len(path)-1]

	prefix := target.Name
	if rule.Alias != "" {
		prefix = rule.Alias
	}
	excluded := map[string]bool{}
	for _, name := range rule.Excludes {
		if _, ok := target.Member(name); !ok {
			return domain.ErrUser("%s: can't exclude unknown member %s", rule.JoinPath, name)
		}
		excluded[name] = true
	}

	type include struct {
		member model.Member
		alias  string
	}
	var includes []include
	if rule.Includes.All {
		for _, m := range publicMembers(target) {
			includes = append(includes, include{member: m})
		}
	} else {
		for _, item := range rule.Includes.Members {
			m, ok := target.Member(item.Name)
			if !ok {
				return domain.ErrUser("%s: member %s not found in cube %s", rule.JoinPath, item.Name, target.Name)
			}
			includes = append(includes, include{member: m, alias: item.Alias})
		}
	}

	for _, inc := range includes {
		if excluded[inc.member.Name()] {
			continue
		}
		name := inc.member.Name()
		switch {
		case inc.alias != "":
			name = inc.alias
		case rule.Prefix:
			name = prefix + "_" + name
		}
		view.AddProxy(model.NewProxy(view, name, inc.member, path, rule.Split))
	}
	return nil
}

func resolvePath(table *model.Table, joinPath string) ([]*model.Cube, error) {
	names := strings.Split(strings.TrimSpace(joinPath), ".")
	path := make([]*model.Cube, 0, len(names))
	for _, n := range names {
		c, ok := table.Cube(n)
		if !ok {
			return nil, domain.ErrUser("join_path %s: unknown cube %s", joinPath, n)
		}
		if c.IsView {
			return nil, domain.ErrUser("join_path %s: %s is a view", joinPath, n)
		}
		path = append(path, c)
	}
	return path, nil
}

// publicMembers lists the public members of c: measures, then dimensions, then segments.
func publicMembers(c *model.Cube) []model.Member {
	var out []model.Member
	for _, m := range c.Measures {
		if m.IsPublic() {
			out = append(out, m)
		}
	}
	for _, d := range c.Dimensions {
		if d.IsPublic() {
			out = append(out, d)
		}
	}
	for _, s := range c.Segments {
		if s.IsPublic() {
			out = append(out, s)
		}
	}
	return out
}
