// Package schema loads cube and view definitions and compiles them into an
// immutable symbol table with its join graph.
package schema

import (
	"duck-semantic/internal/domain"
	"duck-semantic/internal/joingraph"
	"duck-semantic/internal/model"
	"duck-semantic/internal/views"
)

// Compiled is a fully resolved schema. It is read-only and safe to share
// between concurrent compilations.
type Compiled struct {
	Schema *domain.Schema
	Table  *model.Table
	Graph  *joingraph.Graph
}

// Build resolves s into a symbol table, builds the join graph over its cubes
// and expands the views on top of both. The table is sealed before returning.
func Build(s *domain.Schema) (*Compiled, error) {
	table, err := model.NewTable(s)
	if err != nil {
		return nil, err
	}
	graph := joingraph.New(table)
	if err := views.ExpandAll(table, graph, s.Views); err != nil {
		return nil, err
	}
	table.Seal()
	return &Compiled{Schema: s, Table: table, Graph: graph}, nil
}

// Merge concatenates the cubes and views of several documents in order.
func Merge(docs ...*domain.Schema) *domain.Schema {
	out := &domain.Schema{}
	for _, d := range docs {
		if d == nil {
			continue
		}
		out.Cubes = append(out.Cubes, d.Cubes...)
		out.Views = append(out.Views, d.Views...)
	}
	return out
}
