package semantic

import (
	"regexp"
	"strings"
	"unicode"
)

var simpleExprPattern = regexp.MustCompile(`^[A-Za-z0-9_."]+$`)

// snakeCase converts "createdAt", "CreatedAt" or "created-at" to "created_at".
func snakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		switch {
		case unicode.IsUpper(r):
			if i > 0 && runes[i-1] != '_' && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]) ||
				i+1 < len(runes) && unicode.IsLower(runes[i+1])) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		case r == '-' || r == ' ':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// memberAlias is the result column name of a query member: path segments in
// snake case joined by "__", plus "_<granularity>" for time dimensions.
func memberAlias(id, granularity string) string {
	parts := strings.Split(id, ".")
	for i, p := range parts {
		parts[i] = snakeCase(p)
	}
	alias := strings.Join(parts, "__")
	if granularity != "" {
		alias += "_" + snakeCase(granularity)
	}
	return alias
}

// wrapExpr parenthesizes expr unless it is a bare (possibly qualified) identifier.
func wrapExpr(expr string) string {
	if simpleExprPattern.MatchString(expr) {
		return expr
	}
	return "(" + expr + ")"
}
