package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cast"
)

// MaxQueryLimit caps the row limit of a single query.
const MaxQueryLimit = 50000

// DefaultQueryLimit is applied when a query does not set a limit.
const DefaultQueryLimit = 10000

// Filter operators.
const (
	OpEquals         = "equals"
	OpNotEquals      = "notEquals"
	OpContains       = "contains"
	OpNotContains    = "notContains"
	OpStartsWith     = "startsWith"
	OpNotStartsWith  = "notStartsWith"
	OpEndsWith       = "endsWith"
	OpNotEndsWith    = "notEndsWith"
	OpGt             = "gt"
	OpGte            = "gte"
	OpLt             = "lt"
	OpLte            = "lte"
	OpSet            = "set"
	OpNotSet         = "notSet"
	OpInDateRange    = "inDateRange"
	OpNotInDateRange = "notInDateRange"
	OpBeforeDate     = "beforeDate"
	OpBeforeOrOnDate = "beforeOrOnDate"
	OpAfterDate      = "afterDate"
	OpAfterOrOnDate  = "afterOrOnDate"
	OpMeasureFilter  = "measureFilter"
)

// operatorArity is the number of values an operator needs; -1 means "at least one".
var operatorArity = map[string]int{
	OpEquals:         -1,
	OpNotEquals:      -1,
	OpContains:       -1,
	OpNotContains:    -1,
	OpStartsWith:     -1,
	OpNotStartsWith:  -1,
	OpEndsWith:       -1,
	OpNotEndsWith:    -1,
	OpGt:             1,
	OpGte:            1,
	OpLt:             1,
	OpLte:            1,
	OpSet:            0,
	OpNotSet:         0,
	OpInDateRange:    2,
	OpNotInDateRange: 2,
	OpBeforeDate:     1,
	OpBeforeOrOnDate: 1,
	OpAfterDate:      1,
	OpAfterOrOnDate:  1,
	OpMeasureFilter:  0,
}

// Query is a structured analytic request.
type Query struct {
	Measures               []string        `json:"measures,omitempty"`
	Dimensions             []string        `json:"dimensions,omitempty"`
	TimeDimensions         []TimeDimension `json:"timeDimensions,omitempty"`
	Filters                []Filter        `json:"filters,omitempty"`
	Segments               []string        `json:"segments,omitempty"`
	Order                  Order           `json:"order,omitempty"`
	Limit                  *int            `json:"limit,omitempty"`
	Offset                 int             `json:"offset,omitempty"`
	Timezone               string          `json:"timezone,omitempty"`
	Ungrouped              bool            `json:"ungrouped,omitempty"`
	PreAggregationsSchema  string          `json:"preAggregationsSchema,omitempty"`
	DisablePreAggregations bool            `json:"disablePreAggregations,omitempty"`
}

// TimeDimension requests a time dimension, optionally bucketed and range-limited.
type TimeDimension struct {
	Dimension   string    `json:"dimension"`
	Granularity string    `json:"granularity,omitempty"`
	DateRange   DateRange `json:"dateRange,omitempty"`
}

// DateRange is an inclusive [from, to] pair of ISO dates or timestamps.
type DateRange []string

// UnmarshalJSON accepts either a two element array or a single date.
func (d *DateRange) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*d = DateRange{single, single}
		return nil
	}
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("dateRange must be a date or a [from, to] pair: %w", err)
	}
	*d = pair
	return nil
}

// Filter is a leaf predicate (Member set) or a boolean group (Or/And set).
type Filter struct {
	Member   string       `json:"member,omitempty"`
	Operator string       `json:"operator,omitempty"`
	Values   FilterValues `json:"values,omitempty"`
	Or       []Filter     `json:"or,omitempty"`
	And      []Filter     `json:"and,omitempty"`
}

// IsGroup reports whether the filter is an or/and group.
func (f *Filter) IsGroup() bool { return len(f.Or) > 0 || len(f.And) > 0 }

// FilterValues are the literal operands of a filter. JSON numbers and booleans
// are coerced to strings; they are always sent to the database as parameters.
type FilterValues []string

// UnmarshalJSON coerces scalar JSON values to strings.
func (v *FilterValues) UnmarshalJSON(data []byte) error {
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("filter values must be an array: %w", err)
	}
	out := make(FilterValues, 0, len(raw))
	for _, item := range raw {
		if item == nil {
			return fmt.Errorf("filter values can't contain null")
		}
		s, err := cast.ToStringE(item)
		if err != nil {
			return fmt.Errorf("filter value %v: %w", item, err)
		}
		out = append(out, s)
	}
	*v = out
	return nil
}

// OrderItem orders the result by a member.
type OrderItem struct {
	ID   string
	Desc bool
}

// Order is an ordered list of sort keys.
type Order []OrderItem

// UnmarshalJSON accepts `[["Orders.count", "desc"], ...]` or an object whose key
// order is preserved: `{"Orders.count": "desc"}`.
func (o *Order) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var pairs [][]string
		if err := json.Unmarshal(trimmed, &pairs); err != nil {
			return fmt.Errorf("order must be a list of [member, direction] pairs: %w", err)
		}
		out := make(Order, 0, len(pairs))
		for _, p := range pairs {
			if len(p) != 2 {
				return fmt.Errorf("order pair %v must have two elements", p)
			}
			item, err := newOrderItem(p[0], p[1])
			if err != nil {
				return err
			}
			out = append(out, item)
		}
		*o = out
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("order must be an object or a list")
	}
	var out Order
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		var dir string
		if err := dec.Decode(&dir); err != nil {
			return err
		}
		item, err := newOrderItem(keyTok.(string), dir)
		if err != nil {
			return err
		}
		out = append(out, item)
	}
	*o = out
	return nil
}

// MarshalJSON emits the list-of-pairs form.
func (o Order) MarshalJSON() ([]byte, error) {
	pairs := make([][2]string, 0, len(o))
	for _, item := range o {
		dir := "asc"
		if item.Desc {
			dir = "desc"
		}
		pairs = append(pairs, [2]string{item.ID, dir})
	}
	return json.Marshal(pairs)
}

func newOrderItem(id, dir string) (OrderItem, error) {
	switch strings.ToLower(dir) {
	case "asc":
		return OrderItem{ID: id}, nil
	case "desc":
		return OrderItem{ID: id, Desc: true}, nil
	default:
		return OrderItem{}, fmt.Errorf("order direction for %s must be asc or desc, got %q", id, dir)
	}
}

// Validate checks the shape of the query. Member existence is checked later
// against the symbol table.
func (q *Query) Validate() error {
	if len(q.Measures) == 0 && len(q.Dimensions) == 0 && len(q.TimeDimensions) == 0 && len(q.Segments) == 0 {
		return ErrUser("query must contain at least one measure, dimension, time dimension or segment")
	}
	if q.Limit != nil && (*q.Limit < 0 || *q.Limit > MaxQueryLimit) {
		return ErrUser("limit must be between 0 and %d", MaxQueryLimit)
	}
	if q.Offset < 0 {
		return ErrUser("offset must be non-negative")
	}
	for _, td := range q.TimeDimensions {
		if td.Dimension == "" {
			return ErrUser("time dimension is required")
		}
		if len(td.DateRange) != 0 && len(td.DateRange) != 2 {
			return ErrUser("time dimension %s: dateRange must have two values", td.Dimension)
		}
	}
	for i := range q.Filters {
		if err := q.Filters[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

func (f *Filter) validate() error {
	if f.IsGroup() {
		if f.Member != "" || len(f.Or) > 0 && len(f.And) > 0 {
			return ErrUser("filter group must contain exactly one of or/and and no member")
		}
		for i := range f.Or {
			if err := f.Or[i].validate(); err != nil {
				return err
			}
		}
		for i := range f.And {
			if err := f.And[i].validate(); err != nil {
				return err
			}
		}
		return nil
	}
	if f.Member == "" {
		return ErrUser("filter member is required")
	}
	arity, ok := operatorArity[f.Operator]
	if !ok {
		return ErrUser("filter %s: unknown operator %q", f.Member, f.Operator)
	}
	switch {
	case arity == -1 && len(f.Values) == 0:
		return ErrUser("filter %s: operator %s requires values", f.Member, f.Operator)
	case arity > 0 && len(f.Values) != arity:
		return ErrUser("filter %s: operator %s requires %d value(s), got %d", f.Member, f.Operator, arity, len(f.Values))
	}
	return nil
}

// EffectiveLimit returns the row limit applied to the compiled query.
func (q *Query) EffectiveLimit() int {
	if q.Limit == nil {
		return DefaultQueryLimit
	}
	return *q.Limit
}
