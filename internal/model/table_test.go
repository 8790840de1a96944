package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-semantic/internal/domain"
)

func testSchema() *domain.Schema {
	return &domain.Schema{Cubes: []domain.Cube{
		{
			Name:     "orders",
			SQLTable: "public.orders",
			Measures: []domain.Measure{
				{Name: "count", Type: "count"},
				{Name: "revenue", Type: "sum", SQL: "{CUBE}.amount"},
				{Name: "avg_revenue", Type: "number", SQL: "{revenue} / {count}"},
			},
			Dimensions: []domain.Dimension{
				{Name: "id", Type: "number", SQL: "id", PrimaryKey: true},
				{Name: "status", Type: "string", SQL: "{CUBE}.status"},
				{Name: "created_at", Type: "time", SQL: "created_at", Granularities: []domain.Granularity{
					{Name: "fortnight", Interval: "2 week", Origin: "2025-01-01"},
				}},
				{Name: "city", Type: "string", SQL: "{users.city}"},
			},
			Segments: []domain.Segment{{Name: "completed", SQL: "{CUBE.status} = 'completed'"}},
			Joins:    []domain.Join{{Name: "users", Relationship: "belongsTo", SQL: "{CUBE}.user_id = {users}.id"}},
			PreAggregations: []domain.PreAggregation{{
				Name:          "main",
				Type:          "rollup",
				Measures:      []string{"revenue"},
				Dimensions:    []string{"status", "orders.users.city"},
				TimeDimension: "created_at",
				Granularity:   "day",
			}},
		},
		{
			Name: "users",
			SQL:  "SELECT * FROM users",
			Dimensions: []domain.Dimension{
				{Name: "id", Type: "number", SQL: "id", PrimaryKey: true},
				{Name: "city", Type: "string", SQL: "city"},
			},
		},
	}}
}

func TestNewTable(t *testing.T) {
	table, err := NewTable(testSchema())
	require.NoError(t, err)

	orders, ok := table.Cube("orders")
	require.True(t, ok)
	assert.Equal(t, "public.orders", orders.FromSQL())
	users, _ := table.Cube("users")
	assert.Equal(t, "(SELECT * FROM users)", users.FromSQL())

	require.Len(t, table.Joins(), 1)
	assert.Equal(t, domain.ManyToOne, table.Joins()[0].Relationship)
	assert.Equal(t, users, table.Joins()[0].To)

	t.Run("own member wins for bare names", func(t *testing.T) {
		m, _ := orders.Member("avg_revenue")
		deps := MeasureDependencies(m.(*Measure))
		require.Len(t, deps, 2)
		assert.Equal(t, "orders.revenue", deps[0].Path())
		assert.Equal(t, "orders.count", deps[1].Path())
	})

	t.Run("cross cube reference", func(t *testing.T) {
		m, _ := orders.Member("city")
		refs := m.(*Dimension).SQL.Refs()
		require.Len(t, refs, 1)
		assert.Equal(t, "users.city", refs[0].Member.Path())
	})

	t.Run("count without sql", func(t *testing.T) {
		m, _ := orders.Member("count")
		assert.Nil(t, m.(*Measure).SQL)
		assert.True(t, m.(*Measure).IsAdditive())
	})

	t.Run("primary keys hidden", func(t *testing.T) {
		id, _ := orders.Member("id")
		assert.False(t, id.IsPublic())
		assert.Len(t, orders.PrimaryKeys(), 1)
	})
}

func TestResolve(t *testing.T) {
	table, err := NewTable(testSchema())
	require.NoError(t, err)

	tests := []struct {
		path        string
		member      string
		granularity string
		joinPath    []string
		wantErr     string
	}{
		{path: "orders.revenue", member: "orders.revenue"},
		{path: "orders.created_at.month", member: "orders.created_at", granularity: "month"},
		{path: "orders.created_at.fortnight", member: "orders.created_at", granularity: "fortnight"},
		{path: "orders.users.city", member: "users.city", joinPath: []string{"orders", "users"}},
		{path: "revenue", wantErr: "must be qualified"},
		{path: "nope.revenue", wantErr: "not found"},
		{path: "orders.missing", wantErr: "has no member missing"},
		{path: "orders.status.month", wantErr: "is not a time dimension"},
		{path: "orders.created_at.fortnightly", wantErr: "unknown granularity"},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			ref, err := table.Resolve(tc.path)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.True(t, domain.IsUserError(err))
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.member, ref.Member.Path())
			assert.Equal(t, tc.granularity, ref.Granularity)
			var names []string
			for _, c := range ref.JoinPath {
				names = append(names, c.Name)
			}
			assert.Equal(t, tc.joinPath, names)
		})
	}
}

func TestNewTableErrors(t *testing.T) {
	t.Run("unknown reference", func(t *testing.T) {
		s := testSchema()
		s.Cubes[0].Measures[1].SQL = "{CUBE.amount_cents}"
		_, err := NewTable(s)
		require.Error(t, err)
		assert.True(t, domain.IsUserError(err))
		assert.Contains(t, err.Error(), "orders.revenue")
	})

	t.Run("unknown join target", func(t *testing.T) {
		s := testSchema()
		s.Cubes[0].Joins[0].Name = "customers"
		_, err := NewTable(s)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "join to unknown cube customers")
	})

	t.Run("measure cycle", func(t *testing.T) {
		s := testSchema()
		s.Cubes[0].Measures = append(s.Cubes[0].Measures,
			domain.Measure{Name: "a", Type: "number", SQL: "{b} + 1"},
			domain.Measure{Name: "b", Type: "number", SQL: "{a} * 2"},
		)
		_, err := NewTable(s)
		require.Error(t, err)
		var internal *domain.CompileInternalError
		require.ErrorAs(t, err, &internal)
		assert.Contains(t, err.Error(), "orders.a -> orders.b -> orders.a")
	})

	t.Run("pre-aggregation kind mismatch", func(t *testing.T) {
		s := testSchema()
		s.Cubes[0].PreAggregations[0].Measures = []string{"status"}
		_, err := NewTable(s)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "is not a measure")
	})

	t.Run("view clashes with cube", func(t *testing.T) {
		s := testSchema()
		s.Views = []domain.View{{Name: "orders"}}
		_, err := NewTable(s)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "clashes")
	})
}

func TestPreAggregationResolution(t *testing.T) {
	table, err := NewTable(testSchema())
	require.NoError(t, err)
	orders, _ := table.Cube("orders")
	require.Len(t, orders.PreAggregations, 1)

	p := orders.PreAggregations[0]
	assert.Equal(t, "orders.main", p.ID())
	require.Len(t, p.Dimensions, 2)
	assert.Nil(t, p.Dimensions[0].JoinPath)
	assert.Equal(t, "users.city", p.Dimensions[1].Member.Path())
	assert.Len(t, p.Dimensions[1].JoinPath, 2)
	require.NotNil(t, p.TimeDimension)
	assert.Equal(t, "orders.created_at", p.TimeDimension.Member.Path())
}

func TestViewRegistration(t *testing.T) {
	table, err := NewTable(testSchema())
	require.NoError(t, err)
	orders, _ := table.Cube("orders")

	view, err := table.NewView(&domain.View{Name: "sales"})
	require.NoError(t, err)
	status, _ := orders.Member("status")
	view.AddProxy(NewProxy(view, "status", status, []*Cube{orders}, false))
	created, _ := orders.Member("created_at")
	view.AddProxy(NewProxy(view, "created_at", created, []*Cube{orders}, false))

	ref, err := table.Resolve("sales.created_at.week")
	require.NoError(t, err)
	assert.Equal(t, "week", ref.Granularity)
	assert.Equal(t, KindDimension, ref.Member.Kind())

	var proxy Member = NewProxy(view, "status", status, []*Cube{orders}, false)
	assert.Equal(t, "sales.status", proxy.Path())
	assert.Equal(t, []*Cube{orders}, proxy.(*Proxy).CubePath)

	// Last write wins on collisions.
	revenue, _ := orders.Member("revenue")
	view.AddProxy(NewProxy(view, "status", revenue, []*Cube{orders}, false))
	require.Len(t, view.Proxies, 2)
	m, _ := view.Member("status")
	assert.Equal(t, KindMeasure, m.Kind())

	table.Seal()
	_, err = table.NewView(&domain.View{Name: "late"})
	require.Error(t, err)
}

func TestParseTemplate(t *testing.T) {
	tmpl := ParseTemplate("{CUBE}.user_id = ${users}.id AND {CUBE.created_at.day} > now()")
	refs := tmpl.Refs()
	require.Len(t, refs, 3)
	assert.Equal(t, []string{"CUBE"}, refs[0].Path)
	assert.Equal(t, []string{"users"}, refs[1].Path)
	assert.Equal(t, []string{"CUBE", "created_at", "day"}, refs[2].Path)

	out, err := tmpl.Render(func(r *Ref) (string, error) { return "<" + r.Path[0] + ">", nil })
	require.NoError(t, err)
	assert.Equal(t, "<CUBE>.user_id = <users>.id AND <CUBE> > now()", out)
}

func TestTemplateSingleRef(t *testing.T) {
	ref, ok := ParseTemplate(" {calendar.date} ").SingleRef()
	require.True(t, ok)
	assert.Equal(t, []string{"calendar", "date"}, ref.Path)

	_, ok = ParseTemplate("{CUBE}.created_at").SingleRef()
	assert.False(t, ok)
	_, ok = ParseTemplate("{a} + {b}").SingleRef()
	assert.False(t, ok)
}
