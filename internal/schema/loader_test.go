package schema

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"duck-semantic/internal/domain"
	"duck-semantic/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ordersYAML = `
cubes:
  - name: orders
    sql_table: public.orders
    measures:
      - name: count
        type: count
      - name: revenue
        type: sum
        sql: "{CUBE}.amount"
    dimensions:
      - name: id
        type: number
        sql: "{CUBE}.id"
        primary_key: true
      - name: status
        type: string
        sql: "{CUBE}.status"
    joins:
      - name: users
        relationship: belongs_to
        sql: "{CUBE}.user_id = {users}.id"
`

const usersStar = `
def dim(name, type = "string"):
    return {"name": name, "type": type, "sql": "{CUBE}." + name}

cube(
    "users",
    sql_table = "public.users",
    measures = [{"name": "count", "type": "count"}],
    dimensions = [dict(dim("id", "number"), primary_key = True), dim("city")],
)

view(
    "sales",
    cubes = [
        {"join_path": "orders", "includes": ["revenue", "status"]},
        {"join_path": "orders.users", "includes": "*", "prefix": True},
    ],
)
`

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return dir
}

func TestLoadDirectory(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"cubes/orders.yml":  ordersYAML,
		"cubes/users.star":  usersStar,
		"README.md":         "not a model",
		"empty/nothing.yml": "",
	})

	compiled, err := LoadLocation(context.Background(), dir, RemoteConfig{}, Options{}, nil)
	require.NoError(t, err)
	require.True(t, compiled.Table.Sealed())

	var cubes []string
	for _, c := range compiled.Table.Cubes() {
		cubes = append(cubes, c.Name)
	}
	assert.Equal(t, []string{"orders", "users"}, cubes)

	sales, ok := compiled.Table.Cube("sales")
	require.True(t, ok)
	require.True(t, sales.IsView)
	var members []string
	for _, p := range sales.Proxies {
		members = append(members, p.Name())
	}
	assert.Equal(t, []string{"revenue", "status", "users_count", "users_city"}, members)

	ref, err := compiled.Table.Resolve("sales.users_city")
	require.NoError(t, err)
	proxy, ok := ref.Member.(*model.Proxy)
	require.True(t, ok)
	assert.Equal(t, "users.city", proxy.Target.Path())
}

func TestParseYAMLRejectsUnknownFields(t *testing.T) {
	doc := `
cubes:
  - name: orders
    sql_table: orders
    colour: blue
`
	_, err := ParseYAML("orders.yml", []byte(doc), Options{})
	require.Error(t, err)
	assert.True(t, domain.IsUserError(err))
	assert.Contains(t, err.Error(), "colour")

	s, err := ParseYAML("orders.yml", []byte(doc), Options{AllowUnknownFields: true})
	require.NoError(t, err)
	require.Len(t, s.Cubes, 1)
}

func TestParseStarlarkErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{name: "syntax", src: "cube(", want: "load starlark module"},
		{name: "positional", src: `cube("a", "b")`, want: "only positional argument"},
		{name: "value type", src: `cube("a", sql_table = range(3))`, want: "unsupported value"},
		{name: "step limit", src: "def f():\n    for i in range(100000000):\n        pass\nf()", want: "load starlark module"},
		{name: "strict fields", src: `cube("a", sql_table = "t", colour = "blue")`, want: "colour"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseStarlark("m.star", []byte(tc.src), Options{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

// slowSource returns modules with reversed latencies to show that merge order
// follows the listing, not completion order.
type slowSource struct {
	files    map[string]string
	order    []string
	inflight atomic.Int32
	peak     atomic.Int32
}

func (s *slowSource) String() string { return "memory" }

func (s *slowSource) List(context.Context) ([]string, error) { return s.order, nil }

func (s *slowSource) Read(ctx context.Context, name string) ([]byte, error) {
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	idx := 0
	for i, o := range s.order {
		if o == name {
			idx = i
		}
	}
	select {
	case <-time.After(time.Duration(len(s.order)-idx) * 5 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	content, ok := s.files[name]
	if !ok {
		return nil, fmt.Errorf("missing %s", name)
	}
	return []byte(content), nil
}

func TestLoaderMergesInListingOrder(t *testing.T) {
	src := &slowSource{
		order: []string{"a.yml", "b.yml", "c.yml"},
		files: map[string]string{
			"a.yml": "cubes:\n  - name: a\n    sql_table: a\n",
			"b.yml": "cubes:\n  - name: b\n    sql_table: b\n",
			"c.yml": "cubes:\n  - name: c\n    sql_table: c\n",
		},
	}
	for i := 0; i < 5; i++ {
		compiled, err := NewLoader(src, Options{}, nil).Load(context.Background())
		require.NoError(t, err)
		var names []string
		for _, c := range compiled.Table.Cubes() {
			names = append(names, c.Name)
		}
		assert.Equal(t, []string{"a", "b", "c"}, names)
	}
	assert.Greater(t, src.peak.Load(), int32(1))
}

func TestLoaderFailsWhenAnyModuleFails(t *testing.T) {
	src := &slowSource{
		order: []string{"a.yml", "broken.yml"},
		files: map[string]string{"a.yml": "cubes:\n  - name: a\n    sql_table: a\n"},
	}
	_, err := NewLoader(src, Options{}, nil).Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing broken.yml")
}

func TestLoaderEmptySource(t *testing.T) {
	dir := writeFiles(t, map[string]string{"notes.txt": "x"})
	_, err := LoadLocation(context.Background(), dir, RemoteConfig{}, Options{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no model files")
}

func TestOpenSourceSchemes(t *testing.T) {
	_, err := OpenSource(context.Background(), "ftp://host/x", RemoteConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported schema source scheme")

	_, err = OpenSource(context.Background(), "az://models/prod", RemoteConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AZURE_ACCOUNT_NAME")

	src, err := OpenSource(context.Background(), "s3://bucket/models", RemoteConfig{S3Endpoint: "localhost:9000", S3KeyID: "k", S3Secret: "s"})
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/models", src.String())
}

func TestIsModelFile(t *testing.T) {
	assert.True(t, IsModelFile("a/b.YML"))
	assert.True(t, IsModelFile("x.yaml"))
	assert.True(t, IsModelFile("x.star"))
	assert.False(t, IsModelFile("x.json"))
	assert.Equal(t, "orders.yml", relativeKey("models", "models/orders.yml"))
}
