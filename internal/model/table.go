package model

import (
	"fmt"
	"sort"
	"strings"

	"duck-semantic/internal/domain"
)

// Cube is a resolved cube or view. Views have IsView set and hold Proxy members only.
type Cube struct {
	Index int
	Name  string
	Def   domain.Cube

	Measures        []*Measure
	Dimensions      []*Dimension
	Segments        []*Segment
	Joins           []*Join
	PreAggregations []*PreAggregation

	IsView  bool
	ViewDef *domain.View
	Proxies []*Proxy

	members map[string]Member
	public  bool
}

// SQLAlias is the identifier used to alias the cube in generated SQL.
func (c *Cube) SQLAlias() string {
	if c.Def.SQLAlias != "" {
		return c.Def.SQLAlias
	}
	return c.Name
}

// IsPublic reports the cube or view visibility.
func (c *Cube) IsPublic() bool { return c.public }

// IsCalendar reports whether the cube provides calendar granularities.
func (c *Cube) IsCalendar() bool { return c.Def.Calendar }

// FromSQL returns the relation expression of the cube: a table name or a sub-select.
func (c *Cube) FromSQL() string {
	if strings.TrimSpace(c.Def.SQLTable) != "" {
		return c.Def.SQLTable
	}
	return "(" + strings.TrimSpace(c.Def.SQL) + ")"
}

// Member looks up a member by name.
func (c *Cube) Member(name string) (Member, bool) {
	m, ok := c.members[name]
	return m, ok
}

// PrimaryKeys returns the primary key dimensions in declaration order.
func (c *Cube) PrimaryKeys() []*Dimension {
	var out []*Dimension
	for _, d := range c.Dimensions {
		if d.PrimaryKey {
			out = append(out, d)
		}
	}
	return out
}

// AddProxy registers a view member.
func (c *Cube) AddProxy(p *Proxy) {
	if existing, ok := c.members[p.name]; ok {
		for i, old := range c.Proxies {
			if old == existing {
				c.Proxies = append(c.Proxies[:i], c.Proxies[i+1:]...)
				break
			}
		}
	}
	c.members[p.name] = p
	c.Proxies = append(c.Proxies, p)
}

// Table is the symbol table. It is mutable only until Seal is called; after
// that it is safe for concurrent readers.
type Table struct {
	cubes  []*Cube
	views  []*Cube
	byName map[string]*Cube
	joins  []*Join
	sealed bool
}

// NewTable validates and resolves every cube of schema. Views are registered
// separately with NewView and AddProxy once the join graph exists.
func NewTable(schema *domain.Schema) (*Table, error) {
	t := &Table{byName: map[string]*Cube{}}

	for i := range schema.Cubes {
		def := schema.Cubes[i]
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if _, dup := t.byName[def.Name]; dup {
			return nil, domain.ErrUser("duplicate cube %s", def.Name)
		}
		c := &Cube{Index: len(t.cubes), Name: def.Name, Def: def, members: map[string]Member{}, public: def.IsPublic()}
		t.cubes = append(t.cubes, c)
		t.byName[c.Name] = c
	}
	for i := range schema.Views {
		if _, dup := t.byName[schema.Views[i].Name]; dup {
			return nil, domain.ErrUser("view %s clashes with an existing cube", schema.Views[i].Name)
		}
	}

	// Phase one: declare members and parse templates.
	for _, c := range t.cubes {
		c.declareMembers()
	}
	// Phase two: joins and references.
	for _, c := range t.cubes {
		for _, j := range c.Def.Joins {
			target, ok := t.byName[j.Name]
			if !ok {
				return nil, domain.ErrUser("cube %s: join to unknown cube %s", c.Name, j.Name)
			}
			rel, _ := domain.NormalizeRelationship(j.Relationship)
			join := &Join{From: c, To: target, Relationship: rel, SQL: ParseTemplate(j.SQL), Index: len(t.joins)}
			c.Joins = append(c.Joins, join)
			t.joins = append(t.joins, join)
			if err := t.resolveTemplate(c, join.SQL); err != nil {
				return nil, fmt.Errorf("cube %s: join %s: %w", c.Name, j.Name, err)
			}
		}
	}
	for _, c := range t.cubes {
		if err := t.resolveCube(c); err != nil {
			return nil, err
		}
	}
	if err := t.checkCycles(); err != nil {
		return nil, err
	}
	for _, c := range t.cubes {
		if err := t.resolvePreAggregations(c); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (c *Cube) declareMembers() {
	for _, def := range c.Def.Measures {
		t, _ := domain.NormalizeMeasureType(def.Type)
		m := &Measure{memberBase: memberBase{cube: c, name: def.Name, title: def.Title}, Def: def, Type: t}
		if strings.TrimSpace(def.SQL) != "" {
			m.SQL = ParseTemplate(def.SQL)
		}
		for _, f := range def.Filters {
			m.Filters = append(m.Filters, ParseTemplate(f.SQL))
		}
		c.Measures = append(c.Measures, m)
		c.members[m.name] = m
	}
	for _, def := range c.Def.Dimensions {
		d := &Dimension{
			memberBase: memberBase{cube: c, name: def.Name, title: def.Title},
			Def:        def,
			Type:       domain.DimensionType(def.Type),
			SQL:        ParseTemplate(def.SQL),
			PrimaryKey: def.PrimaryKey,
		}
		for _, g := range def.Granularities {
			gran := &Granularity{Name: g.Name, Title: g.Title, Interval: g.Interval, Origin: g.Origin, Offset: g.Offset}
			if g.SQL != "" {
				gran.SQL = ParseTemplate(g.SQL)
			}
			d.Granularities = append(d.Granularities, gran)
		}
		for _, ts := range def.TimeShift {
			shift := &DimensionTimeShift{Name: ts.Name, Interval: ts.Interval, Type: ts.Type}
			if ts.SQL != "" {
				shift.SQL = ParseTemplate(ts.SQL)
			}
			d.TimeShifts = append(d.TimeShifts, shift)
		}
		c.Dimensions = append(c.Dimensions, d)
		c.members[d.name] = d
	}
	for _, def := range c.Def.Segments {
		s := &Segment{memberBase: memberBase{cube: c, name: def.Name}, Def: def, SQL: ParseTemplate(def.SQL)}
		c.Segments = append(c.Segments, s)
		c.members[s.name] = s
	}
}

func (t *Table) resolveCube(c *Cube) error {
	for _, m := range c.Measures {
		if m.SQL != nil {
			if err := t.resolveTemplate(c, m.SQL); err != nil {
				return fmt.Errorf("measure %s: %w", m.Path(), err)
			}
		}
		for _, f := range m.Filters {
			if err := t.resolveTemplate(c, f); err != nil {
				return fmt.Errorf("measure %s filter: %w", m.Path(), err)
			}
		}
		for _, name := range m.Def.AddGroupBy {
			d, err := t.resolveDimension(c, name)
			if err != nil {
				return fmt.Errorf("measure %s add_group_by: %w", m.Path(), err)
			}
			m.AddGroupBy = append(m.AddGroupBy, d)
		}
		for _, name := range m.Def.GroupBy {
			d, err := t.resolveDimension(c, name)
			if err != nil {
				return fmt.Errorf("measure %s group_by: %w", m.Path(), err)
			}
			m.GroupBy = append(m.GroupBy, d)
		}
		for _, ts := range m.Def.TimeShift {
			shift := MeasureTimeShift{Interval: ts.Interval, Type: ts.Type, Name: ts.Name}
			if shift.Type == "" {
				shift.Type = domain.ShiftPrior
			}
			if ts.TimeDimension != "" {
				d, err := t.resolveDimension(c, ts.TimeDimension)
				if err != nil {
					return fmt.Errorf("measure %s time_shift: %w", m.Path(), err)
				}
				if !d.IsTime() {
					return domain.ErrUser("measure %s time_shift: %s is not a time dimension", m.Path(), d.Path())
				}
				shift.TimeDimension = d
			}
			if shift.Name != "" && shift.TimeDimension != nil && shift.TimeDimension.timeShift(shift.Name) == nil {
				return domain.ErrUser("measure %s time_shift: %s has no time shift named %s", m.Path(), shift.TimeDimension.Path(), shift.Name)
			}
			m.TimeShifts = append(m.TimeShifts, shift)
		}
	}
	for _, d := range c.Dimensions {
		if err := t.resolveTemplate(c, d.SQL); err != nil {
			return fmt.Errorf("dimension %s: %w", d.Path(), err)
		}
		for _, g := range d.Granularities {
			if g.SQL == nil {
				continue
			}
			if err := t.resolveTemplate(c, g.SQL); err != nil {
				return fmt.Errorf("dimension %s granularity %s: %w", d.Path(), g.Name, err)
			}
		}
		for _, ts := range d.TimeShifts {
			if ts.SQL == nil {
				continue
			}
			if err := t.resolveTemplate(c, ts.SQL); err != nil {
				return fmt.Errorf("dimension %s time_shift: %w", d.Path(), err)
			}
		}
	}
	for _, s := range c.Segments {
		if err := t.resolveTemplate(c, s.SQL); err != nil {
			return fmt.Errorf("segment %s: %w", s.Path(), err)
		}
	}
	return nil
}

func (d *Dimension) timeShift(name string) *DimensionTimeShift {
	for _, ts := range d.TimeShifts {
		if ts.Name == name {
			return ts
		}
	}
	return nil
}

// TimeShift returns the named shift declared on the dimension.
func (d *Dimension) TimeShift(name string) (*DimensionTimeShift, bool) {
	ts := d.timeShift(name)
	return ts, ts != nil
}

// TimeShiftForInterval returns a shift declared on the dimension for the
// given interval and direction.
func (d *Dimension) TimeShiftForInterval(interval, typ string) (*DimensionTimeShift, bool) {
	for _, ts := range d.TimeShifts {
		if ts.Interval == interval && (ts.Type == typ || ts.Type == "" && typ == domain.ShiftPrior) {
			return ts, true
		}
	}
	return nil, false
}

func (t *Table) resolveTemplate(c *Cube, tmpl *Template) error {
	for _, ref := range tmpl.Refs() {
		if err := t.resolveRef(c, ref); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) resolveDimension(c *Cube, name string) (*Dimension, error) {
	ref := &Ref{Path: strings.Split(name, ".")}
	if err := t.resolveRef(c, ref); err != nil {
		return nil, err
	}
	d, ok := ref.Member.(*Dimension)
	if !ok {
		return nil, domain.ErrUser("%s is not a dimension", name)
	}
	return d, nil
}

// resolveRef binds ref against the scope of cube c. Own members win for bare
// names; dotted paths walk cube names first.
func (t *Table) resolveRef(c *Cube, ref *Ref) error {
	path := append([]string(nil), ref.Path...)
	if path[0] == "CUBE" {
		if c == nil {
			return domain.ErrUser("{CUBE} is only valid inside a cube")
		}
		path[0] = c.Name
	}
	raw := strings.Join(ref.Path, ".")

	if len(path) == 1 {
		if c != nil {
			if m, ok := c.members[path[0]]; ok && ref.Path[0] != "CUBE" {
				ref.Cube, ref.Member = c, m
				return nil
			}
		}
		if cube, ok := t.byName[path[0]]; ok {
			ref.Cube = cube
			return nil
		}
		return domain.ErrUser("can't resolve reference {%s}", raw)
	}

	var cubes []*Cube
	for _, p := range path {
		cube, ok := t.byName[p]
		if !ok {
			break
		}
		cubes = append(cubes, cube)
	}

	var owner *Cube
	rest := path[len(cubes):]
	switch {
	case len(cubes) == 0:
		// {created_at.month} on the current cube.
		if c == nil {
			return domain.ErrUser("can't resolve reference {%s}", raw)
		}
		owner = c
	case len(rest) == 0:
		ref.Cube = cubes[len(cubes)-1]
		if len(cubes) > 1 {
			ref.JoinPath = cubes
		}
		return nil
	default:
		owner = cubes[len(cubes)-1]
		if len(cubes) > 1 {
			ref.JoinPath = cubes
		}
	}

	m, ok := owner.members[rest[0]]
	if !ok {
		return domain.ErrUser("can't resolve reference {%s}: %s has no member %s", raw, owner.Name, rest[0])
	}
	ref.Cube, ref.Member = owner, m
	switch len(rest) {
	case 1:
		return nil
	case 2:
		target := m
		if p, isProxy := m.(*Proxy); isProxy {
			target = p.Target
		}
		d, ok := target.(*Dimension)
		if !ok || !d.IsTime() {
			return domain.ErrUser("can't resolve reference {%s}: %s is not a time dimension", raw, m.Path())
		}
		if !d.HasGranularity(rest[1]) {
			return domain.ErrUser("can't resolve reference {%s}: unknown granularity %s", raw, rest[1])
		}
		ref.Granularity = rest[1]
		return nil
	default:
		return domain.ErrUser("can't resolve reference {%s}", raw)
	}
}

func (t *Table) resolvePreAggregations(c *Cube) error {
	for _, def := range c.Def.PreAggregations {
		p := &PreAggregation{Cube: c, Def: def, Granularity: def.Granularity, PartitionGranularity: def.PartitionGranularity}
		resolveList := func(names []string, kind Kind) ([]MemberRef, error) {
			var out []MemberRef
			for _, name := range names {
				ref, err := t.resolveScoped(c, name)
				if err != nil {
					return nil, fmt.Errorf("pre-aggregation %s: %w", p.ID(), err)
				}
				if ref.Member.Kind() != kind {
					return nil, domain.ErrUser("pre-aggregation %s: %s is not a %s", p.ID(), name, kind)
				}
				out = append(out, ref)
			}
			return out, nil
		}
		var err error
		if p.Measures, err = resolveList(def.Measures, KindMeasure); err != nil {
			return err
		}
		if p.Dimensions, err = resolveList(def.Dimensions, KindDimension); err != nil {
			return err
		}
		if p.Segments, err = resolveList(def.Segments, KindSegment); err != nil {
			return err
		}
		if def.TimeDimension != "" {
			ref, err := t.resolveScoped(c, def.TimeDimension)
			if err != nil {
				return fmt.Errorf("pre-aggregation %s: %w", p.ID(), err)
			}
			d, ok := ref.Member.(*Dimension)
			if !ok || !d.IsTime() {
				return domain.ErrUser("pre-aggregation %s: %s is not a time dimension", p.ID(), def.TimeDimension)
			}
			if !d.HasGranularity(def.Granularity) {
				return domain.ErrUser("pre-aggregation %s: unknown granularity %s", p.ID(), def.Granularity)
			}
			if def.PartitionGranularity != "" && !IsStandardGranularity(def.PartitionGranularity) {
				return domain.ErrUser("pre-aggregation %s: unsupported partition_granularity %s", p.ID(), def.PartitionGranularity)
			}
			p.TimeDimension = &ref
		}
		if def.BuildRangeStart != nil && def.BuildRangeStart.SQL != "" {
			p.BuildRangeStart = ParseTemplate(def.BuildRangeStart.SQL)
			if err := t.resolveTemplate(c, p.BuildRangeStart); err != nil {
				return fmt.Errorf("pre-aggregation %s build_range_start: %w", p.ID(), err)
			}
		}
		if def.BuildRangeEnd != nil && def.BuildRangeEnd.SQL != "" {
			p.BuildRangeEnd = ParseTemplate(def.BuildRangeEnd.SQL)
			if err := t.resolveTemplate(c, p.BuildRangeEnd); err != nil {
				return fmt.Errorf("pre-aggregation %s build_range_end: %w", p.ID(), err)
			}
		}
		c.PreAggregations = append(c.PreAggregations, p)
	}
	return nil
}

// resolveScoped resolves a member path relative to cube c ("status",
// "CUBE.status", "Orders.status" or "Orders.Users.city").
func (t *Table) resolveScoped(c *Cube, path string) (MemberRef, error) {
	ref := &Ref{Path: strings.Split(path, ".")}
	if err := t.resolveRef(c, ref); err != nil {
		return MemberRef{}, err
	}
	if ref.IsCube() {
		return MemberRef{}, domain.ErrUser("%s is a cube, not a member", path)
	}
	return MemberRef{Member: ref.Member, Granularity: ref.Granularity, JoinPath: ref.JoinPath}, nil
}

// Resolve looks up a fully qualified member path from a query, such as
// "orders.count", "orders.created_at.month" or "orders.users.city".
func (t *Table) Resolve(path string) (MemberRef, error) {
	parts := strings.Split(path, ".")
	if len(parts) < 2 {
		return MemberRef{}, domain.ErrUser("member %q must be qualified with a cube or view name", path)
	}
	if _, ok := t.byName[parts[0]]; !ok {
		return MemberRef{}, domain.ErrUser("cube or view %q not found for path %q", parts[0], path)
	}
	return t.resolveScoped(nil, path)
}

// Cube returns the cube or view called name.
func (t *Table) Cube(name string) (*Cube, bool) {
	c, ok := t.byName[name]
	return c, ok
}

// Cubes returns all cubes (not views) in declaration order.
func (t *Table) Cubes() []*Cube { return t.cubes }

// Views returns all registered views in declaration order.
func (t *Table) Views() []*Cube { return t.views }

// Joins returns all declared joins in declaration order.
func (t *Table) Joins() []*Join { return t.joins }

// NewView declares an empty view cube. Members are added with AddProxy.
func (t *Table) NewView(def *domain.View) (*Cube, error) {
	if t.sealed {
		return nil, domain.ErrInternal("symbol table is sealed")
	}
	if _, dup := t.byName[def.Name]; dup {
		return nil, domain.ErrUser("duplicate cube or view %s", def.Name)
	}
	v := &Cube{
		Index:   len(t.cubes) + len(t.views),
		Name:    def.Name,
		Def:     domain.Cube{Name: def.Name, Title: def.Title, Description: def.Description},
		IsView:  true,
		ViewDef: def,
		members: map[string]Member{},
		public:  def.IsPublic(),
	}
	t.views = append(t.views, v)
	t.byName[v.Name] = v
	return v, nil
}

// Seal freezes the table.
func (t *Table) Seal() { t.sealed = true }

// Sealed reports whether Seal has been called.
func (t *Table) Sealed() bool { return t.sealed }

// checkCycles rejects member reference cycles (e.g. a measure that refers to itself
// through another measure).
func (t *Table) checkCycles() error {
	const (
		white = iota
		grey
		black
	)
	color := map[Member]int{}
	var stack []Member

	var visit func(m Member) error
	visit = func(m Member) error {
		switch color[m] {
		case grey:
			var names []string
			start := 0
			for i, s := range stack {
				if s == m {
					start = i
				}
			}
			for _, s := range stack[start:] {
				names = append(names, s.Path())
			}
			names = append(names, m.Path())
			return domain.ErrInternal("circular reference detected: %s", strings.Join(names, " -> "))
		case black:
			return nil
		}
		color[m] = grey
		stack = append(stack, m)
		for _, dep := range memberDependencies(m) {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		color[m] = black
		return nil
	}

	for _, c := range t.cubes {
		names := make([]string, 0, len(c.members))
		for name := range c.members {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := visit(c.members[name]); err != nil {
				return err
			}
		}
	}
	return nil
}

// memberDependencies returns the members referenced by m's SQL.
func memberDependencies(m Member) []Member {
	var templates []*Template
	switch v := m.(type) {
	case *Measure:
		if v.SQL != nil {
			templates = append(templates, v.SQL)
		}
		templates = append(templates, v.Filters...)
	case *Dimension:
		templates = append(templates, v.SQL)
	case *Segment:
		templates = append(templates, v.SQL)
	}
	var deps []Member
	for _, tmpl := range templates {
		for _, ref := range tmpl.Refs() {
			if ref.Member != nil {
				deps = append(deps, ref.Member)
			}
		}
	}
	return deps
}

// MeasureDependencies returns the measures referenced directly by m's SQL.
func MeasureDependencies(m *Measure) []*Measure {
	var out []*Measure
	seen := map[*Measure]bool{}
	for _, dep := range memberDependencies(m) {
		if dm, ok := dep.(*Measure); ok && !seen[dm] {
			seen[dm] = true
			out = append(out, dm)
		}
	}
	return out
}
