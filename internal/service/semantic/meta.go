package semantic

import (
	"duck-semantic/internal/model"
	"duck-semantic/internal/schema"
)

// CubeMeta describes a public cube or view.
type CubeMeta struct {
	Name        string       `json:"name" yaml:"name"`
	Title       string       `json:"title" yaml:"title"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Type        string       `json:"type" yaml:"type"`
	Measures    []MemberMeta `json:"measures" yaml:"measures"`
	Dimensions  []MemberMeta `json:"dimensions" yaml:"dimensions"`
	Segments    []MemberMeta `json:"segments" yaml:"segments"`
}

// MemberMeta describes one public member.
type MemberMeta struct {
	Name          string   `json:"name" yaml:"name"`
	Title         string   `json:"title" yaml:"title"`
	Type          string   `json:"type,omitempty" yaml:"type,omitempty"`
	Granularities []string `json:"granularities,omitempty" yaml:"granularities,omitempty"`
}

// Meta lists the public cubes and views of compiled, cubes first.
func Meta(compiled *schema.Compiled) []CubeMeta {
	var out []CubeMeta
	for _, c := range compiled.Table.Cubes() {
		if !c.IsPublic() {
			continue
		}
		cm := CubeMeta{Name: c.Name, Title: c.Def.Title, Description: c.Def.Description, Type: "cube"}
		for _, m := range c.Measures {
			if m.IsPublic() {
				cm.Measures = append(cm.Measures, memberMeta(m.Path(), m))
			}
		}
		for _, d := range c.Dimensions {
			if d.IsPublic() {
				cm.Dimensions = append(cm.Dimensions, memberMeta(d.Path(), d))
			}
		}
		for _, s := range c.Segments {
			if s.IsPublic() {
				cm.Segments = append(cm.Segments, memberMeta(s.Path(), s))
			}
		}
		out = append(out, withTitle(cm))
	}
	for _, v := range compiled.Table.Views() {
		if !v.IsPublic() {
			continue
		}
		cm := CubeMeta{Name: v.Name, Type: "view"}
		if v.ViewDef != nil {
			cm.Title, cm.Description = v.ViewDef.Title, v.ViewDef.Description
		}
		for _, p := range v.Proxies {
			meta := memberMeta(p.Path(), p)
			switch p.Kind() {
			case model.KindMeasure:
				cm.Measures = append(cm.Measures, meta)
			case model.KindDimension:
				cm.Dimensions = append(cm.Dimensions, meta)
			default:
				cm.Segments = append(cm.Segments, meta)
			}
		}
		out = append(out, withTitle(cm))
	}
	return out
}

func withTitle(cm CubeMeta) CubeMeta {
	if cm.Title == "" {
		cm.Title = cm.Name
	}
	return cm
}

func memberMeta(path string, m model.Member) MemberMeta {
	meta := MemberMeta{Name: path, Title: m.Title()}
	switch v := targetMember(m).(type) {
	case *model.Measure:
		meta.Type = string(v.Type)
	case *model.Dimension:
		meta.Type = string(v.Type)
		if v.IsTime() {
			for _, d := range timeDimensionChain(v) {
				for _, g := range d.Granularities {
					meta.Granularities = append(meta.Granularities, g.Name)
				}
			}
		}
	}
	return meta
}
