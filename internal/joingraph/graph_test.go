package joingraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-semantic/internal/domain"
	"duck-semantic/internal/model"
)

func cube(name string, joins ...domain.Join) domain.Cube {
	return domain.Cube{
		Name:       name,
		SQLTable:   name,
		Dimensions: []domain.Dimension{{Name: "id", Type: "number", SQL: "id", PrimaryKey: true}},
		Measures:   []domain.Measure{{Name: "count", Type: "count"}},
		Joins:      joins,
	}
}

func join(to, rel string) domain.Join {
	return domain.Join{Name: to, Relationship: rel, SQL: "{CUBE}.id = {" + to + "}.id"}
}

func buildGraph(t *testing.T, cubes ...domain.Cube) (*Graph, *model.Table) {
	t.Helper()
	table, err := model.NewTable(&domain.Schema{Cubes: cubes})
	require.NoError(t, err)
	return New(table), table
}

func lookup(t *testing.T, table *model.Table, names ...string) []*model.Cube {
	t.Helper()
	out := make([]*model.Cube, 0, len(names))
	for _, n := range names {
		c, ok := table.Cube(n)
		require.True(t, ok, n)
		out = append(out, c)
	}
	return out
}

func targets(cubes ...*model.Cube) []Target {
	out := make([]Target, len(cubes))
	for i, c := range cubes {
		out[i] = Target{Cube: c}
	}
	return out
}

func TestResolveDiamondPrefersEarliestDeclaredEdge(t *testing.T) {
	g, table := buildGraph(t,
		cube("a", join("b", "many_to_one"), join("c", "many_to_one")),
		cube("b", join("d", "many_to_one")),
		cube("c", join("d", "many_to_one")),
		cube("d"),
	)
	cs := lookup(t, table, "a", "d")

	tree, err := g.Resolve(targets(cs...))
	require.NoError(t, err)
	assert.Equal(t, "a,a>b,b>d", tree.Key())

	for i := 0; i < 20; i++ {
		again, err := g.Resolve(targets(cs...))
		require.NoError(t, err)
		assert.Equal(t, tree.Key(), again.Key())
	}
}

func TestResolveExplicitPathWins(t *testing.T) {
	g, table := buildGraph(t,
		cube("a", join("b", "many_to_one"), join("c", "many_to_one")),
		cube("b", join("d", "many_to_one")),
		cube("c", join("d", "many_to_one")),
		cube("d"),
	)
	cs := lookup(t, table, "a", "c", "d")

	tree, err := g.Resolve([]Target{{Cube: cs[0]}, {Cube: cs[2], Path: cs}})
	require.NoError(t, err)
	assert.Equal(t, "a,a>c,c>d", tree.Key())
}

func TestResolveShortestPathAndRoot(t *testing.T) {
	g, table := buildGraph(t,
		cube("orders", join("users", "many_to_one"), join("products", "many_to_one")),
		cube("users", join("countries", "many_to_one")),
		cube("products"),
		cube("countries"),
	)
	cs := lookup(t, table, "countries", "products")

	// Traversal is undirected: the root is the first target even if it only
	// appears on the target side of declared joins.
	tree, err := g.Resolve(targets(cs...))
	require.NoError(t, err)
	assert.Equal(t, "countries", tree.Root.Name)
	assert.Equal(t, "countries,countries>users,users>orders,orders>products", tree.Key())
	assert.Len(t, tree.Cubes(), 4)
	assert.True(t, tree.Contains(cs[1]))
}

func TestResolveUnreachable(t *testing.T) {
	g, table := buildGraph(t,
		cube("orders", join("users", "many_to_one")),
		cube("users"),
		cube("islands"),
	)
	cs := lookup(t, table, "orders", "islands")

	_, err := g.Resolve(targets(cs...))
	require.Error(t, err)
	var unreachable *domain.UnreachableJoinError
	require.ErrorAs(t, err, &unreachable)
	assert.Equal(t, []string{"islands"}, unreachable.Targets)
	assert.True(t, domain.IsUserError(err))
}

func TestStepsBetween(t *testing.T) {
	g, table := buildGraph(t,
		cube("a", join("b", "many_to_one")),
		cube("b", join("c", "many_to_one")),
		cube("c"),
	)
	cs := lookup(t, table, "a", "b", "c")

	steps, err := g.StepsBetween([]*model.Cube{cs[2], cs[1], cs[0]})
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "c", steps[0].From.Name)
	assert.Equal(t, "b", steps[0].To.Name)
	// The walk runs against the declared direction of b -> c.
	assert.Equal(t, "b", steps[0].Join.From.Name)
	assert.Equal(t, "c", steps[0].Join.To.Name)

	_, err = g.StepsBetween([]*model.Cube{cs[0], cs[1], cs[0]})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")

	_, err = g.StepsBetween([]*model.Cube{cs[0], cs[2]})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a has no join with c")
}

func TestMultiplication(t *testing.T) {
	g, table := buildGraph(t,
		cube("users", join("orders", "one_to_many")),
		cube("orders", join("products", "many_to_one")),
		cube("products"),
		cube("profiles", join("users", "one_to_one")),
	)
	cs := lookup(t, table, "users", "orders", "products", "profiles")

	tree, err := g.Resolve(targets(cs...))
	require.NoError(t, err)

	assert.True(t, tree.IsMultiplied(cs[0]), "users fan out through orders")
	assert.False(t, tree.IsMultiplied(cs[1]), "orders only reach one-sides")
	assert.True(t, tree.IsMultiplied(cs[2]), "products are the target of a many_to_one")
	assert.True(t, tree.IsMultiplied(cs[3]), "profiles reach users which fan out")
}

func TestPathToAndFanOutReachability(t *testing.T) {
	g, table := buildGraph(t,
		cube("orders", join("users", "many_to_one"), join("calendar", "many_to_one")),
		cube("users", join("profiles", "one_to_many")),
		cube("profiles"),
		cube("calendar"),
	)
	cs := lookup(t, table, "orders", "users", "profiles", "calendar")

	tree, err := g.Resolve(targets(cs[0], cs[2]))
	require.NoError(t, err)
	assert.Equal(t, lookup(t, table, "orders", "users", "profiles"), tree.PathTo(cs[2]))
	assert.Nil(t, tree.PathTo(cs[3]))

	assert.True(t, g.ReachableWithoutFanOut(cs[0], cs[3]))
	assert.True(t, g.ReachableWithoutFanOut(cs[0], cs[1]))
	assert.False(t, g.ReachableWithoutFanOut(cs[0], cs[2]))
	assert.False(t, g.ReachableWithoutFanOut(cs[1], cs[0]))
}
