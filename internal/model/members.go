// Package model is the symbol table of the semantic layer: resolved cubes,
// views and their members, addressable by typed handles.
package model

import (
	"duck-semantic/internal/domain"
)

// Kind distinguishes member handles.
type Kind int

const (
	KindMeasure Kind = iota
	KindDimension
	KindSegment
)

func (k Kind) String() string {
	switch k {
	case KindMeasure:
		return "measure"
	case KindDimension:
		return "dimension"
	default:
		return "segment"
	}
}

// StandardGranularities are the date-trunc granularities every time dimension supports,
// finest first.
var StandardGranularities = []string{"second", "minute", "hour", "day", "week", "month", "quarter", "year"}

// IsStandardGranularity reports whether g is a built-in date-trunc granularity.
func IsStandardGranularity(g string) bool {
	for _, s := range StandardGranularities {
		if s == g {
			return true
		}
	}
	return false
}

// Member is a measure, dimension or segment handle.
type Member interface {
	Cube() *Cube
	Name() string
	// Path is the canonical "cube.member" name.
	Path() string
	Kind() Kind
	Title() string
	IsPublic() bool
}

type memberBase struct {
	cube  *Cube
	name  string
	title string
}

func (m *memberBase) Cube() *Cube  { return m.cube }
func (m *memberBase) Name() string { return m.name }
func (m *memberBase) Path() string { return m.cube.Name + "." + m.name }
func (m *memberBase) Title() string {
	if m.title != "" {
		return m.title
	}
	return m.name
}

// Measure is a resolved measure.
type Measure struct {
	memberBase
	Def domain.Measure
	Type domain.MeasureType
	// SQL is nil for a count without sql.
	SQL        *Template
	Filters    []*Template
	AddGroupBy []*Dimension
	GroupBy    []*Dimension
	TimeShifts []MeasureTimeShift
}

func (m *Measure) Kind() Kind     { return KindMeasure }
func (m *Measure) IsPublic() bool { return m.Def.IsPublic() }

// IsMultiStage reports whether the measure is computed over other aggregates.
func (m *Measure) IsMultiStage() bool { return m.Def.MultiStage }

// RollingWindow returns the window of a cumulative measure, or nil.
// runningTotal is an unbounded trailing window.
func (m *Measure) RollingWindow() *domain.RollingWindow {
	if m.Def.RollingWindow != nil {
		return m.Def.RollingWindow
	}
	if m.Type == domain.MeasureRunningTotal {
		return &domain.RollingWindow{Trailing: domain.Unbounded}
	}
	return nil
}

// IsAdditive reports whether partial aggregates of the measure can be re-aggregated.
func (m *Measure) IsAdditive() bool {
	if m.IsMultiStage() {
		return false
	}
	switch m.Type {
	case domain.MeasureCount, domain.MeasureSum, domain.MeasureMin, domain.MeasureMax, domain.MeasureRunningTotal:
		return true
	default:
		return false
	}
}

// MeasureTimeShift is a resolved time_shift entry of a multi-stage measure.
type MeasureTimeShift struct {
	// TimeDimension is nil when the shift applies to whichever time dimension the query uses.
	TimeDimension *Dimension
	Interval      string
	Type          string
	Name          string
}

// Dimension is a resolved dimension.
type Dimension struct {
	memberBase
	Def        domain.Dimension
	Type       domain.DimensionType
	SQL        *Template
	PrimaryKey bool
	// Granularities holds custom granularities in declaration order.
	Granularities []*Granularity
	// TimeShifts holds calendar shifts declared on the dimension.
	TimeShifts []*DimensionTimeShift
}

func (d *Dimension) Kind() Kind     { return KindDimension }
func (d *Dimension) IsPublic() bool { return d.Def.IsPublic() }

// IsTime reports whether the dimension is a time dimension.
func (d *Dimension) IsTime() bool { return d.Type == domain.DimensionTime }

// Granularity returns the custom granularity called name.
func (d *Dimension) Granularity(name string) (*Granularity, bool) {
	for _, g := range d.Granularities {
		if g.Name == name {
			return g, true
		}
	}
	return nil, false
}

// HasGranularity reports whether name is standard or custom for this dimension.
func (d *Dimension) HasGranularity(name string) bool {
	if _, ok := d.Granularity(name); ok {
		return true
	}
	return IsStandardGranularity(name)
}

// Granularity is a custom granularity declared on a time dimension.
type Granularity struct {
	Name  string
	Title string
	// SQL is set for SQL (usually calendar based) granularities.
	SQL      *Template
	Interval string
	Origin   string
	Offset   string
}

// DimensionTimeShift is a named or interval shift declared on a (calendar) time dimension.
type DimensionTimeShift struct {
	Name     string
	Interval string
	Type     string
	SQL      *Template
}

// Segment is a resolved segment.
type Segment struct {
	memberBase
	Def domain.Segment
	SQL *Template
}

func (s *Segment) Kind() Kind     { return KindSegment }
func (s *Segment) IsPublic() bool { return s.Def.Public == nil || *s.Def.Public }

// Join is a declared join edge.
type Join struct {
	From         *Cube
	To           *Cube
	Relationship domain.Relationship
	SQL          *Template
	// Index is the global declaration index of the join.
	Index int
}

// MemberRef is a member addressed by a (possibly join-qualified) path.
type MemberRef struct {
	Member      Member
	Granularity string
	// JoinPath is the explicit cube walk, or nil when the reference was not join-qualified.
	JoinPath []*Cube
}

// PreAggregation is a resolved rollup declaration.
type PreAggregation struct {
	Cube                 *Cube
	Def                  domain.PreAggregation
	Measures             []MemberRef
	Dimensions           []MemberRef
	Segments             []MemberRef
	TimeDimension        *MemberRef
	Granularity          string
	PartitionGranularity string
	BuildRangeStart      *Template
	BuildRangeEnd        *Template
}

// ID is the "cube.name" identifier of the pre-aggregation.
func (p *PreAggregation) ID() string { return p.Cube.Name + "." + p.Def.Name }

// Proxy is a view member: a named alias of a cube member reached through Path.
type Proxy struct {
	memberBase
	Target Member
	// CubePath is the cube walk from the view root to the target's cube.
	CubePath []*Cube
	Split    bool
}

func (p *Proxy) Kind() Kind     { return p.Target.Kind() }
func (p *Proxy) IsPublic() bool { return p.cube.IsPublic() }
func (p *Proxy) Title() string {
	if p.title != "" {
		return p.title
	}
	return p.Target.Title()
}

var _ Member = (*Proxy)(nil)

// NewProxy creates a view member of view.
func NewProxy(view *Cube, name string, target Member, path []*Cube, split bool) *Proxy {
	return &Proxy{memberBase: memberBase{cube: view, name: name}, Target: target, CubePath: path, Split: split}
}
