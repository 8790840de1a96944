package architecture_test

import (
	"go/parser"
	"go/token"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const modulePath = "duck-semantic"

// repoRoot is relative to this package directory.
const repoRoot = "../.."

type layerRule struct {
	sourcePrefix string
	forbidden    []string
	hint         string
}

func internal(pkgs ...string) []string {
	out := make([]string, len(pkgs))
	for i, p := range pkgs {
		out[i] = modulePath + "/" + p
	}
	return out
}

var rules = []layerRule{
	{
		sourcePrefix: modulePath + "/internal/domain",
		forbidden:    internal("internal/model", "internal/joingraph", "internal/views", "internal/schema", "internal/dialect", "internal/service", "internal/api", "internal/db", "internal/engine", "internal/middleware", "internal/config", "cmd", "pkg"),
		hint:         "domain may only import domain",
	},
	{
		sourcePrefix: modulePath + "/internal/model",
		forbidden:    internal("internal/joingraph", "internal/views", "internal/schema", "internal/service", "internal/api", "internal/db", "internal/engine", "cmd", "pkg"),
		hint:         "the symbol table depends on domain only",
	},
	{
		sourcePrefix: modulePath + "/internal/joingraph",
		forbidden:    internal("internal/views", "internal/schema", "internal/service", "internal/api", "internal/db", "internal/engine", "cmd", "pkg"),
		hint:         "the join graph sits on the symbol table",
	},
	{
		sourcePrefix: modulePath + "/internal/views",
		forbidden:    internal("internal/schema", "internal/service", "internal/api", "internal/db", "internal/engine", "cmd", "pkg"),
		hint:         "views sit on the symbol table and join graph",
	},
	{
		sourcePrefix: modulePath + "/internal/dialect",
		forbidden:    internal("internal/domain", "internal/model", "internal/schema", "internal/service", "internal/api", "internal/db", "internal/engine", "cmd", "pkg"),
		hint:         "dialects are leaf packages",
	},
	{
		sourcePrefix: modulePath + "/internal/schema",
		forbidden:    internal("internal/service", "internal/api", "internal/db", "internal/engine", "internal/middleware", "internal/config", "cmd", "pkg"),
		hint:         "schema loading must not depend on runtime layers",
	},
	{
		sourcePrefix: modulePath + "/internal/service",
		forbidden:    internal("internal/api", "internal/db", "internal/engine", "internal/middleware", "internal/config", "cmd", "pkg"),
		hint:         "services depend on domain ports, not on adapters",
	},
	{
		sourcePrefix: modulePath + "/internal/api",
		forbidden:    internal("internal/db", "internal/engine", "internal/config", "cmd", "pkg"),
		hint:         "api should depend on service/domain/middleware packages",
	},
	{
		sourcePrefix: modulePath + "/internal/db",
		forbidden:    internal("internal/api", "internal/service", "internal/engine", "internal/middleware", "internal/schema", "cmd", "pkg"),
		hint:         "db should depend on domain and db-local packages",
	},
	{
		sourcePrefix: modulePath + "/internal/engine",
		forbidden:    internal("internal/api", "internal/service", "internal/db", "internal/schema", "cmd", "pkg"),
		hint:         "engine should depend on domain and engine-local packages",
	},
	{
		sourcePrefix: modulePath + "/internal/middleware",
		forbidden:    internal("internal/api", "internal/service", "internal/db", "internal/engine", "internal/schema"),
		hint:         "middleware should depend on middleware-local packages",
	},
}

func TestImportBoundaries(t *testing.T) {
	files := collectSourceFiles(t)
	require.NotEmpty(t, files, "no Go files found under %s", repoRoot)

	violations := make([]string, 0)
	fset := token.NewFileSet()
	for _, file := range files {
		sourcePkg := packageImportPath(file)
		rule, ok := findRule(sourcePkg)
		if !ok {
			continue
		}

		parsed, err := parser.ParseFile(fset, filepath.Join(repoRoot, file), nil, parser.ImportsOnly)
		require.NoErrorf(t, err, "parse imports for %s", file)

		for _, imp := range parsed.Imports {
			importPath, err := strconv.Unquote(imp.Path.Value)
			require.NoError(t, err)
			if !strings.HasPrefix(importPath, modulePath+"/") {
				continue
			}
			if violatesRule(importPath, rule.forbidden) {
				violations = append(violations,
					sourcePkg+" imports "+importPath+" via "+file+"; allowed direction: "+rule.hint)
			}
		}
	}

	if len(violations) > 0 {
		sort.Strings(violations)
		t.Fatalf("%s", strings.Join(violations, "\n"))
	}
}

func TestFindRule(t *testing.T) {
	rule, ok := findRule(modulePath + "/internal/service/refresh")
	require.True(t, ok)
	require.Equal(t, modulePath+"/internal/service", rule.sourcePrefix)

	_, ok = findRule(modulePath + "/internal/domainx")
	require.False(t, ok)
}

// collectSourceFiles lists non-test Go files under internal/, relative to the
// repository root.
func collectSourceFiles(t *testing.T) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(filepath.Join(repoRoot, "internal"), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), "_") || d.Name() == "testdata" {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".go" || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		rel, err := filepath.Rel(repoRoot, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	require.NoError(t, err)
	return files
}

func packageImportPath(file string) string {
	return modulePath + "/" + filepath.ToSlash(filepath.Dir(file))
}

func findRule(sourcePkg string) (layerRule, bool) {
	for _, rule := range rules {
		if hasPathPrefix(sourcePkg, rule.sourcePrefix) {
			return rule, true
		}
	}
	return layerRule{}, false
}

func violatesRule(importPath string, forbidden []string) bool {
	for _, prefix := range forbidden {
		if hasPathPrefix(importPath, prefix) {
			return true
		}
	}
	return false
}

func hasPathPrefix(value string, prefix string) bool {
	return value == prefix || strings.HasPrefix(value, prefix+"/")
}
