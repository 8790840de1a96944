package semantic

// CompiledQuery is the SQL for one semantic query.
type CompiledQuery struct {
	ID      string        `json:"id"`
	SQL     string        `json:"sql"`
	Params  []interface{} `json:"params"`
	Columns []Column      `json:"columns"`

	cacheKeys          []RefreshKeyQuery
	preAggregations    []PreAggregationDescription
	usedPreAggregation *PreAggregationDescription
}

// CacheKeyQueries returns the probes whose results change when the result of
// the query may have changed.
func (q *CompiledQuery) CacheKeyQueries() []RefreshKeyQuery { return q.cacheKeys }

// PreAggregationsDescription describes the rollups the query reads.
func (q *CompiledQuery) PreAggregationsDescription() []PreAggregationDescription {
	return q.preAggregations
}

// PreAggregation returns the rollup serving the query, or nil.
func (q *CompiledQuery) PreAggregation() *PreAggregationDescription { return q.usedPreAggregation }

// Column describes one result column.
type Column struct {
	Name        string `json:"name"`
	Member      string `json:"member"`
	Kind        string `json:"kind"`
	Type        string `json:"type"`
	Granularity string `json:"granularity,omitempty"`
}

// columns lists the result columns in SELECT order.
func (p *plan) columns() []Column {
	out := make([]Column, 0, len(p.dims)+len(p.measures))
	for _, d := range p.dims {
		col := Column{Name: d.alias, Member: d.id, Kind: "dimension", Type: string(d.dim.Type)}
		if d.gran != nil {
			col.Granularity = d.gran.Name()
		}
		out = append(out, col)
	}
	for _, m := range p.visibleMeasures() {
		out = append(out, Column{Name: m.alias, Member: m.id, Kind: "measure", Type: string(m.measure.Type)})
	}
	return out
}
