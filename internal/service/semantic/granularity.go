package semantic

import (
	"time"

	"duck-semantic/internal/dialect"
	"duck-semantic/internal/domain"
	"duck-semantic/internal/model"
)

// Granularity buckets a time dimension. Every variant takes the dimension
// value already converted to the query timezone.
type Granularity interface {
	Name() string
	// Width is the bucket size. Calendar granularities have no fixed width.
	Width() (dialect.Interval, bool)
	// JoinCube is a cube that must be joined for the bucket to render, or nil.
	JoinCube() *model.Cube
	bucket(r *renderer, converted string) (string, error)
}

// StandardGranularity is a built-in date_trunc unit.
type StandardGranularity struct {
	Unit string
}

func (g *StandardGranularity) Name() string { return g.Unit }

func (g *StandardGranularity) Width() (dialect.Interval, bool) {
	return dialect.GranularityInterval(g.Unit)
}

func (g *StandardGranularity) JoinCube() *model.Cube { return nil }

func (g *StandardGranularity) bucket(r *renderer, converted string) (string, error) {
	return r.d.DateTrunc(g.Unit, converted), nil
}

// IntervalGranularity floors values onto origin + k*Interval.
type IntervalGranularity struct {
	GranularityName string
	Interval        dialect.Interval
	// Origin is a wall clock timestamp in the query timezone.
	Origin string
}

func (g *IntervalGranularity) Name() string { return g.GranularityName }

func (g *IntervalGranularity) Width() (dialect.Interval, bool) { return g.Interval, true }

func (g *IntervalGranularity) JoinCube() *model.Cube { return nil }

func (g *IntervalGranularity) bucket(r *renderer, converted string) (string, error) {
	sql, err := r.d.DateBin(g.Interval, converted, r.d.TimestampLiteral(g.Origin))
	if err != nil {
		return "", domain.ErrUser("granularity %s: %v", g.GranularityName, err)
	}
	return sql, nil
}

// CalendarGranularity reads the bucket from SQL declared on a (usually
// calendar) cube's time dimension, joined to the queried cube.
type CalendarGranularity struct {
	GranularityName string
	Dimension       *model.Dimension
	SQL             *model.Template
}

func (g *CalendarGranularity) Name() string { return g.GranularityName }

func (g *CalendarGranularity) Width() (dialect.Interval, bool) { return dialect.Interval{}, false }

func (g *CalendarGranularity) JoinCube() *model.Cube { return g.Dimension.Cube() }

func (g *CalendarGranularity) bucket(r *renderer, _ string) (string, error) {
	return r.template(g.SQL)
}

// timeDimensionChain returns dim followed by the time dimensions it aliases:
// a dimension whose SQL is just {calendar.date} inherits the granularities
// and time shifts of calendar.date.
func timeDimensionChain(dim *model.Dimension) []*model.Dimension {
	chain := []*model.Dimension{dim}
	seen := map[*model.Dimension]bool{dim: true}
	for cur := dim; ; {
		ref, ok := cur.SQL.SingleRef()
		if !ok || ref.Member == nil || ref.Granularity != "" {
			return chain
		}
		target := ref.Member
		if p, isProxy := target.(*model.Proxy); isProxy {
			target = p.Target
		}
		next, ok := target.(*model.Dimension)
		if !ok || !next.IsTime() || seen[next] {
			return chain
		}
		seen[next] = true
		chain = append(chain, next)
		cur = next
	}
}

// ResolveGranularity finds granularity name for dim. Custom granularities
// (on dim or a time dimension it aliases) take precedence over the standard
// units, so calendars can redefine month or year.
func ResolveGranularity(dim *model.Dimension, name string) (Granularity, error) {
	for _, d := range timeDimensionChain(dim) {
		g, ok := d.Granularity(name)
		if !ok {
			continue
		}
		if g.SQL != nil {
			return &CalendarGranularity{GranularityName: name, Dimension: d, SQL: g.SQL}, nil
		}
		iv, err := dialect.ParseInterval(g.Interval)
		if err != nil {
			return nil, domain.ErrUser("granularity %s of %s: %v", name, d.Path(), err)
		}
		if iv.Sign() <= 0 {
			return nil, domain.ErrUser("granularity %s of %s: interval must be positive", name, d.Path())
		}
		origin, err := granularityOrigin(g)
		if err != nil {
			return nil, domain.ErrUser("granularity %s of %s: %v", name, d.Path(), err)
		}
		return &IntervalGranularity{GranularityName: name, Interval: iv, Origin: origin}, nil
	}
	if model.IsStandardGranularity(name) {
		return &StandardGranularity{Unit: name}, nil
	}
	return nil, domain.ErrUser("granularity %s is not defined for %s", name, dim.Path())
}

var unixOrigin = time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC)

const wallClockLayout = "2006-01-02 15:04:05"

// granularityOrigin returns the grid origin: the declared origin, or the unix
// epoch moved by offset.
func granularityOrigin(g *model.Granularity) (string, error) {
	if g.Origin != "" {
		t, err := parseWallClock(g.Origin)
		if err != nil {
			return "", err
		}
		return t.Format(wallClockLayout), nil
	}
	origin := unixOrigin
	if g.Offset != "" {
		off, err := dialect.ParseInterval(g.Offset)
		if err != nil {
			return "", err
		}
		origin = off.AddTo(origin)
	}
	return origin.Format(wallClockLayout), nil
}

var wallClockLayouts = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// parseWallClock parses a timestamp without zone information.
func parseWallClock(s string) (time.Time, error) {
	for _, layout := range wallClockLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, domain.ErrUser("can't parse timestamp %q", s)
}

// derivableGranularity reports whether buckets of the rollup granularity
// nest exactly inside buckets of target.
func derivableGranularity(rollup, target string) bool {
	if rollup == target {
		return true
	}
	parents, ok := granularityParents[rollup]
	if !ok {
		return false
	}
	for _, p := range parents {
		if p == target {
			return true
		}
	}
	return false
}

var granularityParents = map[string][]string{
	"second":  {"minute", "hour", "day", "week", "month", "quarter", "year"},
	"minute":  {"hour", "day", "week", "month", "quarter", "year"},
	"hour":    {"day", "week", "month", "quarter", "year"},
	"day":     {"week", "month", "quarter", "year"},
	"week":    {},
	"month":   {"quarter", "year"},
	"quarter": {"year"},
	"year":    {},
}

// granularityRank orders standard granularities finest first; custom ones sort last.
func granularityRank(g string) int {
	for i, s := range model.StandardGranularities {
		if s == g {
			return i
		}
	}
	return len(model.StandardGranularities)
}
