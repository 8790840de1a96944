// Package joingraph resolves the join tree connecting the cubes touched by a query.
//
// The graph is stored as arenas: node i is the cube with model index i and edge
// j is the j-th declared join. Traversal ignores edge direction; cardinality is
// kept on the edge for fan-out detection.
package joingraph

import (
	"strings"

	"github.com/gammazero/deque"

	"duck-semantic/internal/domain"
	"duck-semantic/internal/model"
)

type edge struct {
	join *model.Join
	a, b int
}

func (e edge) other(n int) int {
	if e.a == n {
		return e.b
	}
	return e.a
}

// Graph is immutable after New and safe for concurrent use.
type Graph struct {
	nodes []*model.Cube
	edges []edge
	// adj holds edge indices per node in declaration order.
	adj [][]int
}

// New builds the graph from the declared joins of table.
func New(table *model.Table) *Graph {
	cubes := table.Cubes()
	g := &Graph{nodes: cubes, adj: make([][]int, len(cubes))}
	for _, j := range table.Joins() {
		idx := len(g.edges)
		g.edges = append(g.edges, edge{join: j, a: j.From.Index, b: j.To.Index})
		g.adj[j.From.Index] = append(g.adj[j.From.Index], idx)
		if j.To.Index != j.From.Index {
			g.adj[j.To.Index] = append(g.adj[j.To.Index], idx)
		}
	}
	return g
}

// Target is a cube that must be part of the tree. When Path is set the cube
// must be reached through exactly that walk (Path[len-1] == Cube).
type Target struct {
	Cube *model.Cube
	Path []*model.Cube
}

// Step is one join of the tree, oriented in traversal order.
type Step struct {
	From *model.Cube
	To   *model.Cube
	Join *model.Join
}

// Tree is a resolved join tree rooted at Root.
type Tree struct {
	Root  *model.Cube
	Steps []Step

	cubes      []*model.Cube
	multiplied map[*model.Cube]bool
}

// Cubes returns the cubes of the tree in join order, root first.
func (t *Tree) Cubes() []*model.Cube { return t.cubes }

// Contains reports whether c is part of the tree.
func (t *Tree) Contains(c *model.Cube) bool {
	for _, x := range t.cubes {
		if x == c {
			return true
		}
	}
	return false
}

// IsMultiplied reports whether rows of c fan out through some join of the tree.
func (t *Tree) IsMultiplied(c *model.Cube) bool { return t.multiplied[c] }

// Key is a stable textual form of the tree, used to compare join paths.
func (t *Tree) Key() string {
	parts := []string{t.Root.Name}
	for _, s := range t.Steps {
		parts = append(parts, s.From.Name+">"+s.To.Name)
	}
	return strings.Join(parts, ",")
}

// PathTo returns the cubes walked from the root to c, or nil when c is not
// part of the tree.
func (t *Tree) PathTo(c *model.Cube) []*model.Cube {
	if !t.Contains(c) {
		return nil
	}
	parent := map[*model.Cube]*model.Cube{}
	for _, s := range t.Steps {
		parent[s.To] = s.From
	}
	var rev []*model.Cube
	for cur := c; cur != nil; cur = parent[cur] {
		rev = append(rev, cur)
	}
	out := make([]*model.Cube, len(rev))
	for i, x := range rev {
		out[len(rev)-1-i] = x
	}
	return out
}

// ReachableWithoutFanOut reports whether to can be joined onto from through
// joins that never multiply the rows of the side already joined, i.e. only
// many_to_one and one_to_one hops.
func (g *Graph) ReachableWithoutFanOut(from, to *model.Cube) bool {
	if from == to {
		return true
	}
	seen := map[int]bool{from.Index: true}
	var q deque.Deque[int]
	q.PushBack(from.Index)
	for q.Len() > 0 {
		n := q.PopFront()
		for _, ei := range g.adj[n] {
			e := g.edges[ei]
			next := e.other(n)
			if seen[next] || multiplies(g.nodes[n], e.join) {
				continue
			}
			if next == to.Index {
				return true
			}
			seen[next] = true
			q.PushBack(next)
		}
	}
	return false
}

// StepsBetween validates an explicit walk against declared joins. Consecutive
// cubes must share a declared join; when several exist the earliest declared
// one is used. A walk that visits a cube twice is rejected as a cycle.
func (g *Graph) StepsBetween(path []*model.Cube) ([]Step, error) {
	seen := map[*model.Cube]bool{}
	for _, c := range path {
		if seen[c] {
			return nil, domain.ErrUser("join path %s contains a cycle at %s", pathString(path), c.Name)
		}
		seen[c] = true
	}
	steps := make([]Step, 0, len(path))
	for i := 0; i+1 < len(path); i++ {
		from, to := path[i], path[i+1]
		found := false
		for _, ei := range g.adj[from.Index] {
			e := g.edges[ei]
			if e.other(from.Index) == to.Index {
				steps = append(steps, Step{From: from, To: to, Join: e.join})
				found = true
				break
			}
		}
		if !found {
			return nil, domain.ErrUser("join path %s: %s has no join with %s", pathString(path), from.Name, to.Name)
		}
	}
	return steps, nil
}

// Resolve computes the join tree for targets. The root is the first target's
// cube (or the start of its path). Explicit paths are applied verbatim first;
// the remaining cubes are attached greedily along shortest paths from the
// already covered part of the tree.
func (g *Graph) Resolve(targets []Target) (*Tree, error) {
	if len(targets) == 0 {
		return nil, domain.ErrInternal("join resolution needs at least one cube")
	}
	root := targets[0].Cube
	if len(targets[0].Path) > 0 {
		root = targets[0].Path[0]
	}
	if root.IsView {
		return nil, domain.ErrInternal("view %s can't be a join root", root.Name)
	}

	b := &treeBuilder{g: g, tree: &Tree{Root: root}, covered: map[int]bool{}}
	b.cover(root)

	for _, t := range targets {
		if len(t.Path) < 2 {
			continue
		}
		steps, err := g.StepsBetween(t.Path)
		if err != nil {
			return nil, err
		}
		if !b.covered[t.Path[0].Index] {
			if err := b.connect([]*model.Cube{t.Path[0]}); err != nil {
				return nil, err
			}
		}
		for _, s := range steps {
			b.add(s)
		}
	}

	var pending []*model.Cube
	for _, t := range targets {
		c := t.Cube
		if len(t.Path) > 0 {
			c = t.Path[len(t.Path)-1]
		}
		if !b.covered[c.Index] && !containsCube(pending, c) {
			pending = append(pending, c)
		}
	}
	if err := b.connect(pending); err != nil {
		return nil, err
	}

	b.tree.multiplied = computeMultiplied(b.tree)
	return b.tree, nil
}

type treeBuilder struct {
	g       *Graph
	tree    *Tree
	covered map[int]bool
	order   []int
}

func (b *treeBuilder) cover(c *model.Cube) {
	b.covered[c.Index] = true
	b.order = append(b.order, c.Index)
	b.tree.cubes = append(b.tree.cubes, c)
}

// add appends s unless its target is already joined; each cube is joined once.
func (b *treeBuilder) add(s Step) {
	if b.covered[s.To.Index] {
		return
	}
	b.tree.Steps = append(b.tree.Steps, s)
	b.cover(s.To)
}

// connect attaches pending cubes one at a time, always choosing the cube
// closest to the covered set. Ties go to the earlier pending cube; path ties
// go to the earliest covered source and then to the earliest declared edges.
func (b *treeBuilder) connect(pending []*model.Cube) error {
	for len(pending) > 0 {
		dist, parent := b.bfs()
		best := -1
		for i, c := range pending {
			d, ok := dist[c.Index]
			if !ok {
				continue
			}
			if best == -1 || d < dist[pending[best].Index] {
				best = i
			}
		}
		if best == -1 {
			names := make([]string, 0, len(pending))
			for _, c := range pending {
				names = append(names, c.Name)
			}
			return &domain.UnreachableJoinError{From: b.tree.Root.Name, Targets: names}
		}

		target := pending[best]
		var rev []Step
		for n := target.Index; !b.covered[n]; {
			ei := parent[n]
			e := b.g.edges[ei]
			from := e.other(n)
			rev = append(rev, Step{From: b.g.nodes[from], To: b.g.nodes[n], Join: e.join})
			n = from
		}
		for i := len(rev) - 1; i >= 0; i-- {
			b.add(rev[i])
		}
		pending = append(pending[:best], pending[best+1:]...)
	}
	return nil
}

// bfs runs a multi-source breadth-first search from the covered nodes in the
// order they were covered. parent maps a node to the edge it was first reached by.
func (b *treeBuilder) bfs() (map[int]int, map[int]int) {
	dist := map[int]int{}
	parent := map[int]int{}
	var q deque.Deque[int]
	for _, n := range b.order {
		dist[n] = 0
		q.PushBack(n)
	}
	for q.Len() > 0 {
		n := q.PopFront()
		for _, ei := range b.g.adj[n] {
			next := b.g.edges[ei].other(n)
			if _, seen := dist[next]; seen {
				continue
			}
			dist[next] = dist[n] + 1
			parent[next] = ei
			q.PushBack(next)
		}
	}
	return dist, parent
}

// multiplies reports whether joining through j fans out the rows of c: c is
// the one side of a one_to_many, or the target of a many_to_one.
func multiplies(c *model.Cube, j *model.Join) bool {
	return j.From == c && j.Relationship == domain.OneToMany ||
		j.To == c && j.Relationship == domain.ManyToOne
}

func computeMultiplied(t *Tree) map[*model.Cube]bool {
	out := map[*model.Cube]bool{}
	for _, c := range t.cubes {
		out[c] = isMultiplied(t, c)
	}
	return out
}

// isMultiplied walks the tree from c. A cube is multiplied when any node
// reachable from it (itself included) sits on the one side of a fan-out join
// leading away from c.
func isMultiplied(t *Tree, c *model.Cube) bool {
	visited := map[*model.Cube]bool{c: true}
	stack := []*model.Cube{c}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, s := range t.Steps {
			var next *model.Cube
			switch cur {
			case s.From:
				next = s.To
			case s.To:
				next = s.From
			default:
				continue
			}
			if visited[next] {
				continue
			}
			if multiplies(cur, s.Join) {
				return true
			}
			visited[next] = true
			stack = append(stack, next)
		}
	}
	return false
}

func containsCube(list []*model.Cube, c *model.Cube) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}

func pathString(path []*model.Cube) string {
	names := make([]string, len(path))
	for i, c := range path {
		names[i] = c.Name
	}
	return strings.Join(names, ".")
}
