package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuery_UnmarshalJSON(t *testing.T) {
	raw := `{
		"measures": ["orders.count"],
		"timeDimensions": [{"dimension": "orders.created_at", "granularity": "day", "dateRange": "2025-01-01"}],
		"filters": [
			{"member": "orders.amount", "operator": "gt", "values": [10]},
			{"or": [
				{"member": "orders.status", "operator": "equals", "values": ["paid", true]},
				{"member": "orders.status", "operator": "notSet"}
			]}
		],
		"order": {"orders.count": "desc", "orders.created_at": "asc"},
		"limit": 5
	}`

	var q Query
	require.NoError(t, json.Unmarshal([]byte(raw), &q))
	require.NoError(t, q.Validate())

	assert.Equal(t, DateRange{"2025-01-01", "2025-01-01"}, q.TimeDimensions[0].DateRange)
	assert.Equal(t, FilterValues{"10"}, q.Filters[0].Values)
	assert.True(t, q.Filters[1].IsGroup())
	assert.Equal(t, FilterValues{"paid", "true"}, q.Filters[1].Or[0].Values)
	assert.Equal(t, Order{{ID: "orders.count", Desc: true}, {ID: "orders.created_at"}}, q.Order)
	assert.Equal(t, 5, q.EffectiveLimit())
}

func TestOrder_ListForm(t *testing.T) {
	var o Order
	require.NoError(t, json.Unmarshal([]byte(`[["a.x", "DESC"], ["a.y", "asc"]]`), &o))
	assert.Equal(t, Order{{ID: "a.x", Desc: true}, {ID: "a.y"}}, o)

	out, err := json.Marshal(o)
	require.NoError(t, err)
	assert.JSONEq(t, `[["a.x","desc"],["a.y","asc"]]`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`[["a.x", "sideways"]]`), &o))
	assert.Error(t, json.Unmarshal([]byte(`[["a.x"]]`), &o))
	assert.Error(t, json.Unmarshal([]byte(`"a.x"`), &o))
}

func TestFilterValues_RejectsNull(t *testing.T) {
	var v FilterValues
	assert.Error(t, json.Unmarshal([]byte(`["a", null]`), &v))
	assert.Error(t, json.Unmarshal([]byte(`"a"`), &v))
}

func TestQuery_Validate(t *testing.T) {
	limit := func(n int) *int { return &n }
	tests := []struct {
		name    string
		query   Query
		wantErr string
	}{
		{
			name:    "empty",
			query:   Query{},
			wantErr: "at least one measure",
		},
		{
			name:    "limit too large",
			query:   Query{Measures: []string{"a.count"}, Limit: limit(MaxQueryLimit + 1)},
			wantErr: "limit must be between",
		},
		{
			name:    "negative offset",
			query:   Query{Measures: []string{"a.count"}, Offset: -1},
			wantErr: "offset must be non-negative",
		},
		{
			name:    "time dimension without member",
			query:   Query{TimeDimensions: []TimeDimension{{Granularity: "day"}}},
			wantErr: "time dimension is required",
		},
		{
			name: "date range with three values",
			query: Query{TimeDimensions: []TimeDimension{{
				Dimension: "a.ts", DateRange: DateRange{"2025-01-01", "2025-01-02", "2025-01-03"},
			}}},
			wantErr: "dateRange must have two values",
		},
		{
			name: "unknown operator",
			query: Query{Measures: []string{"a.count"}, Filters: []Filter{{
				Member: "a.x", Operator: "like", Values: FilterValues{"1"},
			}}},
			wantErr: "unknown operator",
		},
		{
			name: "missing values",
			query: Query{Measures: []string{"a.count"}, Filters: []Filter{{
				Member: "a.x", Operator: OpEquals,
			}}},
			wantErr: "requires values",
		},
		{
			name: "wrong arity",
			query: Query{Measures: []string{"a.count"}, Filters: []Filter{{
				Member: "a.ts", Operator: OpInDateRange, Values: FilterValues{"2025-01-01"},
			}}},
			wantErr: "requires 2 value(s), got 1",
		},
		{
			name: "group with member",
			query: Query{Measures: []string{"a.count"}, Filters: []Filter{{
				Member: "a.x", Or: []Filter{{Member: "a.x", Operator: OpSet}},
			}}},
			wantErr: "exactly one of or/and",
		},
		{
			name: "nested leaf is checked",
			query: Query{Measures: []string{"a.count"}, Filters: []Filter{{
				And: []Filter{{Operator: OpSet}},
			}}},
			wantErr: "filter member is required",
		},
		{
			name:  "segment only",
			query: Query{Segments: []string{"a.paid"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.query.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.True(t, IsUserError(err))
		})
	}
}

func TestEffectiveLimit_Default(t *testing.T) {
	q := Query{Measures: []string{"a.count"}}
	assert.Equal(t, DefaultQueryLimit, q.EffectiveLimit())
}

func TestPageRequest(t *testing.T) {
	assert.Equal(t, DefaultMaxResults, PageRequest{}.Limit())
	assert.Equal(t, MaxMaxResults, PageRequest{MaxResults: 5000}.Limit())

	token := NextPageToken(0, 10, 25)
	require.NotEmpty(t, token)
	assert.Equal(t, 10, PageRequest{PageToken: token}.Offset())
	assert.Empty(t, NextPageToken(20, 10, 25))
	assert.Equal(t, 0, PageRequest{PageToken: "%%%"}.Offset())
}

func TestParsePageRequest(t *testing.T) {
	p, err := ParsePageRequest("", "")
	require.NoError(t, err)
	assert.Equal(t, PageRequest{}, p)

	token := NextPageToken(0, 2, 5)
	p, err = ParsePageRequest("2", token)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Limit())
	assert.Equal(t, 2, p.Offset())

	for _, bad := range [][2]string{{"0", ""}, {"ten", ""}, {"", "bm90LWEtdG9rZW4"}, {"", "%%%"}} {
		_, err := ParsePageRequest(bad[0], bad[1])
		require.Error(t, err, bad)
		assert.True(t, IsUserError(err))
	}
}
