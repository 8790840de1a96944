package domain

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// UnmarshalYAML accepts `includes: "*"`, a list of member names, or a list of
// {name, alias} mappings (mixed lists are allowed).
func (v *ViewIncludes) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value != "*" {
			return fmt.Errorf("line %d: includes must be \"*\" or a list", node.Line)
		}
		v.All = true
		return nil
	case yaml.SequenceNode:
		for _, item := range node.Content {
			switch item.Kind {
			case yaml.ScalarNode:
				v.Members = append(v.Members, ViewMember{Name: item.Value})
			case yaml.MappingNode:
				var m ViewMember
				if err := item.Decode(&m); err != nil {
					return err
				}
				v.Members = append(v.Members, m)
			default:
				return fmt.Errorf("line %d: unsupported includes item", item.Line)
			}
		}
		return nil
	default:
		return fmt.Errorf("line %d: includes must be \"*\" or a list", node.Line)
	}
}

// MarshalYAML is the inverse of UnmarshalYAML.
func (v ViewIncludes) MarshalYAML() (interface{}, error) {
	if v.All {
		return "*", nil
	}
	return v.Members, nil
}
