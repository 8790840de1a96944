package domain

import (
	"regexp"
	"strings"
)

// MeasureType is the aggregation kind of a measure.
type MeasureType string

const (
	MeasureCount               MeasureType = "count"
	MeasureSum                 MeasureType = "sum"
	MeasureAvg                 MeasureType = "avg"
	MeasureMin                 MeasureType = "min"
	MeasureMax                 MeasureType = "max"
	MeasureCountDistinct       MeasureType = "countDistinct"
	MeasureCountDistinctApprox MeasureType = "countDistinctApprox"
	MeasureNumber              MeasureType = "number"
	MeasureRunningTotal        MeasureType = "runningTotal"
)

// DimensionType is the value kind of a dimension.
type DimensionType string

const (
	DimensionString  DimensionType = "string"
	DimensionNumber  DimensionType = "number"
	DimensionBoolean DimensionType = "boolean"
	DimensionTime    DimensionType = "time"
)

// Relationship is the cardinality of a join, read from the declaring cube.
type Relationship string

const (
	OneToOne  Relationship = "one_to_one"
	OneToMany Relationship = "one_to_many"
	ManyToOne Relationship = "many_to_one"
)

// Time shift directions.
const (
	ShiftPrior = "prior"
	ShiftNext  = "next"
)

// Rolling window offsets.
const (
	OffsetStart = "start"
	OffsetEnd   = "end"
)

// Unbounded marks an open rolling window side.
const Unbounded = "unbounded"

const PreAggregationRollup = "rollup"

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var measureTypeAliases = map[string]MeasureType{
	"count":                 MeasureCount,
	"sum":                   MeasureSum,
	"avg":                   MeasureAvg,
	"min":                   MeasureMin,
	"max":                   MeasureMax,
	"countdistinct":         MeasureCountDistinct,
	"count_distinct":        MeasureCountDistinct,
	"countdistinctapprox":   MeasureCountDistinctApprox,
	"count_distinct_approx": MeasureCountDistinctApprox,
	"number":                MeasureNumber,
	"runningtotal":          MeasureRunningTotal,
	"running_total":         MeasureRunningTotal,
}

var relationshipAliases = map[string]Relationship{
	"one_to_one":  OneToOne,
	"hasone":      OneToOne,
	"has_one":     OneToOne,
	"one_to_many": OneToMany,
	"hasmany":     OneToMany,
	"has_many":    OneToMany,
	"many_to_one": ManyToOne,
	"belongsto":   ManyToOne,
	"belongs_to":  ManyToOne,
}

// NormalizeMeasureType maps YAML and legacy spellings onto a MeasureType.
func NormalizeMeasureType(s string) (MeasureType, bool) {
	t, ok := measureTypeAliases[strings.ToLower(strings.TrimSpace(s))]
	return t, ok
}

// NormalizeRelationship maps YAML and legacy spellings onto a Relationship.
func NormalizeRelationship(s string) (Relationship, bool) {
	r, ok := relationshipAliases[strings.ToLower(strings.TrimSpace(s))]
	return r, ok
}

// Schema is the raw, unresolved set of cubes and views produced by the schema loader.
type Schema struct {
	Cubes []Cube `yaml:"cubes"`
	Views []View `yaml:"views"`
}

// Cube is an analytic entity backed by a table or sub-select.
type Cube struct {
	Name            string           `yaml:"name"`
	SQL             string           `yaml:"sql"`
	SQLTable        string           `yaml:"sql_table"`
	SQLAlias        string           `yaml:"sql_alias"`
	Title           string           `yaml:"title"`
	Description     string           `yaml:"description"`
	Public          *bool            `yaml:"public"`
	Calendar        bool             `yaml:"calendar"`
	RefreshKey      *RefreshKey      `yaml:"refresh_key"`
	Measures        []Measure        `yaml:"measures"`
	Dimensions      []Dimension      `yaml:"dimensions"`
	Segments        []Segment        `yaml:"segments"`
	Joins           []Join           `yaml:"joins"`
	PreAggregations []PreAggregation `yaml:"pre_aggregations"`
}

// IsPublic reports the cube visibility; cubes are public unless stated otherwise.
func (c *Cube) IsPublic() bool { return c.Public == nil || *c.Public }

// RefreshKey controls how often cached data derived from a cube is considered stale.
type RefreshKey struct {
	Every    string `yaml:"every"`
	SQL      string `yaml:"sql"`
	Timezone string `yaml:"timezone"`
}

// Measure is an aggregated value.
type Measure struct {
	Name          string         `yaml:"name"`
	Type          string         `yaml:"type"`
	SQL           string         `yaml:"sql"`
	Title         string         `yaml:"title"`
	Description   string         `yaml:"description"`
	Format        string         `yaml:"format"`
	Public        *bool          `yaml:"public"`
	Filters       []MemberFilter `yaml:"filters"`
	MultiStage    bool           `yaml:"multi_stage"`
	AddGroupBy    []string       `yaml:"add_group_by"`
	GroupBy       []string       `yaml:"group_by"`
	TimeShift     []TimeShift    `yaml:"time_shift"`
	RollingWindow *RollingWindow `yaml:"rolling_window"`
}

// IsPublic reports the measure visibility.
func (m *Measure) IsPublic() bool { return m.Public == nil || *m.Public }

// MemberFilter is a SQL predicate applied to a single measure.
type MemberFilter struct {
	SQL string `yaml:"sql"`
}

// TimeShift offsets a measure, or names a calendar-specific shift on a time dimension.
type TimeShift struct {
	Name          string `yaml:"name"`
	TimeDimension string `yaml:"time_dimension"`
	Interval      string `yaml:"interval"`
	Type          string `yaml:"type"`
	SQL           string `yaml:"sql"`
}

// RollingWindow describes a trailing/leading window around each time bucket.
type RollingWindow struct {
	Trailing string `yaml:"trailing"`
	Leading  string `yaml:"leading"`
	Offset   string `yaml:"offset"`
}

// Dimension is a groupable attribute.
type Dimension struct {
	Name          string        `yaml:"name"`
	Type          string        `yaml:"type"`
	SQL           string        `yaml:"sql"`
	Title         string        `yaml:"title"`
	Description   string        `yaml:"description"`
	PrimaryKey    bool          `yaml:"primary_key"`
	Public        *bool         `yaml:"public"`
	Granularities []Granularity `yaml:"granularities"`
	TimeShift     []TimeShift   `yaml:"time_shift"`
}

// IsPublic reports the dimension visibility; primary keys are hidden by default.
func (d *Dimension) IsPublic() bool {
	if d.Public != nil {
		return *d.Public
	}
	return !d.PrimaryKey
}

// Granularity is a custom time bucket: either SQL (usually on a calendar cube)
// or a fixed interval aligned to an origin or offset.
type Granularity struct {
	Name     string `yaml:"name"`
	Title    string `yaml:"title"`
	SQL      string `yaml:"sql"`
	Interval string `yaml:"interval"`
	Origin   string `yaml:"origin"`
	Offset   string `yaml:"offset"`
}

// Segment is a named, reusable filter.
type Segment struct {
	Name   string `yaml:"name"`
	SQL    string `yaml:"sql"`
	Public *bool  `yaml:"public"`
}

// Join is an outgoing edge from the declaring cube to the cube named Name.
type Join struct {
	Name         string `yaml:"name"`
	Relationship string `yaml:"relationship"`
	SQL          string `yaml:"sql"`
}

// BuildRange is a SQL expression that yields a partition range bound.
type BuildRange struct {
	SQL string `yaml:"sql"`
}

// PreAggregation is a declared rollup table.
type PreAggregation struct {
	Name                 string      `yaml:"name"`
	Type                 string      `yaml:"type"`
	SQLAlias             string      `yaml:"sql_alias"`
	Measures             []string    `yaml:"measures"`
	Dimensions           []string    `yaml:"dimensions"`
	Segments             []string    `yaml:"segments"`
	TimeDimension        string      `yaml:"time_dimension"`
	Granularity          string      `yaml:"granularity"`
	PartitionGranularity string      `yaml:"partition_granularity"`
	BuildRangeStart      *BuildRange `yaml:"build_range_start"`
	BuildRangeEnd        *BuildRange `yaml:"build_range_end"`
	RefreshKey           *RefreshKey `yaml:"refresh_key"`
}

// View composes members of several cubes into one flat query surface.
type View struct {
	Name        string     `yaml:"name"`
	Title       string     `yaml:"title"`
	Description string     `yaml:"description"`
	Public      *bool      `yaml:"public"`
	Cubes       []ViewCube `yaml:"cubes"`
}

// IsPublic reports the view visibility.
func (v *View) IsPublic() bool { return v.Public == nil || *v.Public }

// ViewCube is one rule of a view: the members of the cube at the end of JoinPath.
type ViewCube struct {
	JoinPath string       `yaml:"join_path"`
	Includes ViewIncludes `yaml:"includes"`
	Excludes []string     `yaml:"excludes"`
	Prefix   bool         `yaml:"prefix"`
	Alias    string       `yaml:"alias"`
	Split    bool         `yaml:"split"`
}

// ViewIncludes is either "*" (All) or an explicit member list.
type ViewIncludes struct {
	All     bool
	Members []ViewMember
}

// ViewMember is an included member with an optional alias.
type ViewMember struct {
	Name  string `yaml:"name"`
	Alias string `yaml:"alias"`
}

// Validate checks that the cube definition is complete. It does not resolve references.
func (c *Cube) Validate() error {
	if !identifierPattern.MatchString(c.Name) {
		return ErrUser("cube name %q is not a valid identifier", c.Name)
	}
	if strings.TrimSpace(c.SQL) == "" && strings.TrimSpace(c.SQLTable) == "" {
		return ErrUser("cube %s: sql or sql_table is required", c.Name)
	}
	seen := map[string]bool{}
	for i := range c.Measures {
		m := &c.Measures[i]
		if err := checkMemberName(c.Name, m.Name, seen); err != nil {
			return err
		}
		if err := m.validate(c.Name); err != nil {
			return err
		}
	}
	for i := range c.Dimensions {
		d := &c.Dimensions[i]
		if err := checkMemberName(c.Name, d.Name, seen); err != nil {
			return err
		}
		if err := d.validate(c.Name); err != nil {
			return err
		}
	}
	for _, s := range c.Segments {
		if err := checkMemberName(c.Name, s.Name, seen); err != nil {
			return err
		}
		if strings.TrimSpace(s.SQL) == "" {
			return ErrUser("cube %s: segment %s: sql is required", c.Name, s.Name)
		}
	}
	for _, j := range c.Joins {
		if _, ok := NormalizeRelationship(j.Relationship); !ok {
			return ErrUser("cube %s: join %s: unknown relationship %q", c.Name, j.Name, j.Relationship)
		}
		if strings.TrimSpace(j.SQL) == "" {
			return ErrUser("cube %s: join %s: sql is required", c.Name, j.Name)
		}
	}
	preAggNames := map[string]bool{}
	for i := range c.PreAggregations {
		p := &c.PreAggregations[i]
		if preAggNames[p.Name] {
			return ErrUser("cube %s: duplicate pre-aggregation %s", c.Name, p.Name)
		}
		preAggNames[p.Name] = true
		if err := p.validate(c.Name); err != nil {
			return err
		}
	}
	return nil
}

func checkMemberName(cube, name string, seen map[string]bool) error {
	if !identifierPattern.MatchString(name) {
		return ErrUser("cube %s: member name %q is not a valid identifier", cube, name)
	}
	if seen[name] {
		return ErrUser("cube %s: duplicate member %s", cube, name)
	}
	seen[name] = true
	return nil
}

func (m *Measure) validate(cube string) error {
	t, ok := NormalizeMeasureType(m.Type)
	if !ok {
		return ErrUser("measure %s.%s: unknown type %q", cube, m.Name, m.Type)
	}
	if t != MeasureCount && strings.TrimSpace(m.SQL) == "" {
		return ErrUser("measure %s.%s: sql is required for type %s", cube, m.Name, t)
	}
	if len(m.AddGroupBy) > 0 && !m.MultiStage {
		return ErrUser("measure %s.%s: add_group_by requires multi_stage", cube, m.Name)
	}
	if len(m.GroupBy) > 0 && !m.MultiStage {
		return ErrUser("measure %s.%s: group_by requires multi_stage", cube, m.Name)
	}
	for _, ts := range m.TimeShift {
		if !m.MultiStage {
			return ErrUser("measure %s.%s: time_shift requires multi_stage", cube, m.Name)
		}
		if ts.Interval == "" && ts.Name == "" {
			return ErrUser("measure %s.%s: time_shift needs an interval or a name", cube, m.Name)
		}
		if ts.Type != "" && ts.Type != ShiftPrior && ts.Type != ShiftNext {
			return ErrUser("measure %s.%s: time_shift type must be prior or next, got %q", cube, m.Name, ts.Type)
		}
	}
	if w := m.RollingWindow; w != nil {
		if w.Offset != "" && w.Offset != OffsetStart && w.Offset != OffsetEnd {
			return ErrUser("measure %s.%s: rolling_window offset must be start or end, got %q", cube, m.Name, w.Offset)
		}
		if w.Trailing == "" && w.Leading == "" {
			return ErrUser("measure %s.%s: rolling_window needs trailing or leading", cube, m.Name)
		}
		switch t {
		case MeasureSum, MeasureCount, MeasureMin, MeasureMax, MeasureRunningTotal:
		default:
			return ErrUser("measure %s.%s: rolling_window is not supported for type %s", cube, m.Name, t)
		}
	}
	return nil
}

func (d *Dimension) validate(cube string) error {
	switch DimensionType(d.Type) {
	case DimensionString, DimensionNumber, DimensionBoolean, DimensionTime:
	default:
		return ErrUser("dimension %s.%s: unknown type %q", cube, d.Name, d.Type)
	}
	if strings.TrimSpace(d.SQL) == "" {
		return ErrUser("dimension %s.%s: sql is required", cube, d.Name)
	}
	if len(d.Granularities) > 0 && DimensionType(d.Type) != DimensionTime {
		return ErrUser("dimension %s.%s: granularities require a time dimension", cube, d.Name)
	}
	for _, g := range d.Granularities {
		if !identifierPattern.MatchString(g.Name) {
			return ErrUser("dimension %s.%s: granularity name %q is not a valid identifier", cube, d.Name, g.Name)
		}
		if (g.SQL == "") == (g.Interval == "") {
			return ErrUser("dimension %s.%s: granularity %s needs exactly one of sql or interval", cube, d.Name, g.Name)
		}
		if g.Origin != "" && g.Offset != "" {
			return ErrUser("dimension %s.%s: granularity %s can't have both origin and offset", cube, d.Name, g.Name)
		}
	}
	return nil
}

func (p *PreAggregation) validate(cube string) error {
	if !identifierPattern.MatchString(p.Name) {
		return ErrUser("cube %s: pre-aggregation name %q is not a valid identifier", cube, p.Name)
	}
	if p.Type != "" && p.Type != PreAggregationRollup {
		return ErrUser("pre-aggregation %s.%s: type %q is not supported", cube, p.Name, p.Type)
	}
	if p.TimeDimension != "" && p.Granularity == "" {
		return ErrUser("pre-aggregation %s.%s: granularity is required with time_dimension", cube, p.Name)
	}
	if p.PartitionGranularity != "" && p.TimeDimension == "" {
		return ErrUser("pre-aggregation %s.%s: partition_granularity requires time_dimension", cube, p.Name)
	}
	return nil
}

// Validate checks a view definition.
func (v *View) Validate() error {
	if !identifierPattern.MatchString(v.Name) {
		return ErrUser("view name %q is not a valid identifier", v.Name)
	}
	if len(v.Cubes) == 0 {
		return ErrUser("view %s: at least one cubes entry is required", v.Name)
	}
	for _, rule := range v.Cubes {
		if strings.TrimSpace(rule.JoinPath) == "" {
			return ErrUser("view %s: join_path is required", v.Name)
		}
		if !rule.Includes.All && len(rule.Includes.Members) == 0 {
			return ErrUser("view %s: %s: includes is required", v.Name, rule.JoinPath)
		}
	}
	return nil
}
