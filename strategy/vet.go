package strategy

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"
	"strings"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STATIC PURITY VET
// ═══════════════════════════════════════════════════════════════════════════════
//
// External strategy source is scanned before the engine will launch it.
// A strategy decides; it does not do. Anything that reaches outside the
// contract inputs (network, filesystem, subprocesses, the wall clock) is
// grounds for rejection.
//
// ═══════════════════════════════════════════════════════════════════════════════

// forbiddenImports lists import paths (and prefixes) a strategy may not use.
var forbiddenImports = []string{
	"net",
	"net/http",
	"net/url",
	"os",
	"os/exec",
	"os/signal",
	"syscall",
	"io/ioutil",
	"plugin",
	"unsafe",
	"database/sql",
}

// forbiddenCalls lists package selectors whose mere presence is a
// violation even when the import itself is tolerated.
var forbiddenCalls = map[string][]string{
	"time": {"Now", "Tick", "After", "Sleep"},
}

// VetViolation describes one purity failure found in strategy source.
type VetViolation struct {
	Pos    string
	Detail string
}

func (v VetViolation) String() string { return v.Pos + ": " + v.Detail }

// VetSource parses Go strategy source and returns every purity
// violation. An empty slice means the source passed.
func VetSource(filename string, src []byte) ([]VetViolation, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, src, parser.ParseComments)
	if err != nil {
		return nil, fmt.Errorf("parse strategy source: %w", err)
	}

	var violations []VetViolation
	flag := func(pos token.Pos, format string, args ...any) {
		violations = append(violations, VetViolation{
			Pos:    fset.Position(pos).String(),
			Detail: fmt.Sprintf(format, args...),
		})
	}

	// Import aliases for selector checks, e.g. t "time".
	aliases := map[string]string{}

	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		for _, banned := range forbiddenImports {
			if path == banned || strings.HasPrefix(path, banned+"/") {
				flag(imp.Pos(), "forbidden import %q", path)
			}
		}
		name := path
		if idx := strings.LastIndex(path, "/"); idx >= 0 {
			name = path[idx+1:]
		}
		if imp.Name != nil {
			name = imp.Name.Name
		}
		aliases[name] = path
	}

	ast.Inspect(file, func(n ast.Node) bool {
		sel, ok := n.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		ident, ok := sel.X.(*ast.Ident)
		if !ok {
			return true
		}
		path, imported := aliases[ident.Name]
		if !imported {
			return true
		}
		for _, fn := range forbiddenCalls[path] {
			if sel.Sel.Name == fn {
				flag(sel.Pos(), "forbidden call %s.%s (use the now argument)", path, fn)
			}
		}
		return true
	})

	return violations, nil
}
