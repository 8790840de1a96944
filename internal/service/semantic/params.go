package semantic

import (
	"regexp"
	"strconv"

	"duck-semantic/internal/dialect"
)

var paramMarkerPattern = regexp.MustCompile(`\$(\d+)\$`)

// params collects bound values while SQL fragments are built. Fragments
// carry position independent markers; finalize numbers them in order of
// appearance, so a fragment may be reused in several places of a statement.
type params struct {
	values []interface{}
}

func (p *params) add(v interface{}) string {
	p.values = append(p.values, v)
	return "$" + strconv.Itoa(len(p.values)-1) + "$"
}

// finalize replaces markers with dialect placeholders and returns the values
// in placeholder order.
func (p *params) finalize(d dialect.Dialect, sql string) (string, []interface{}) {
	var out []interface{}
	rendered := paramMarkerPattern.ReplaceAllStringFunc(sql, func(m string) string {
		idx, _ := strconv.Atoi(m[1 : len(m)-1])
		out = append(out, p.values[idx])
		return d.Placeholder(len(out))
	})
	if out == nil {
		out = []interface{}{}
	}
	return rendered, out
}
