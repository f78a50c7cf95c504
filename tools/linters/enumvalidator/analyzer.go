// Package enumvalidator reports raw string literals assigned to struct
// fields whose type is a string-based enum. Statuses, event kinds and
// departments all flow through the state machine by their declared
// constants; a literal bypasses that vocabulary and keeps compiling after
// the enum changes.
package enumvalidator

import (
	"go/ast"
	"go/token"
	"go/types"

	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/passes/inspect"
	"golang.org/x/tools/go/ast/inspector"
)

var Analyzer = &analysis.Analyzer{
	Name:     "enumvalidator",
	Doc:      "reports string literals assigned to enum-typed struct fields",
	Requires: []*analysis.Analyzer{inspect.Analyzer},
	Run:      run,
}

func run(pass *analysis.Pass) (any, error) {
	ins := pass.ResultOf[inspect.Analyzer].(*inspector.Inspector)

	enumCache := make(map[*types.Named]bool)

	nodeFilter := []ast.Node{(*ast.AssignStmt)(nil)}
	ins.Preorder(nodeFilter, func(n ast.Node) {
		assign := n.(*ast.AssignStmt)
		for i, lhs := range assign.Lhs {
			if i >= len(assign.Rhs) {
				break
			}

			sel, ok := lhs.(*ast.SelectorExpr)
			if !ok {
				continue
			}
			lit, ok := assign.Rhs[i].(*ast.BasicLit)
			if !ok || lit.Kind != token.STRING {
				continue
			}

			named, ok := pass.TypesInfo.TypeOf(sel).(*types.Named)
			if !ok {
				continue
			}
			if !isEnumType(named, enumCache) {
				continue
			}

			pass.Reportf(assign.Pos(), "enum field %s assigned string literal", sel.Sel.Name)
		}
	})

	return nil, nil
}

// isEnumType reports whether the named type is a string type with at least
// one typed constant declared alongside it.
func isEnumType(named *types.Named, cache map[*types.Named]bool) bool {
	if known, ok := cache[named]; ok {
		return known
	}

	result := false
	defer func() { cache[named] = result }()

	basic, ok := named.Underlying().(*types.Basic)
	if !ok || basic.Kind() != types.String {
		return result
	}

	obj := named.Obj()
	if obj == nil || obj.Pkg() == nil {
		return result
	}

	scope := obj.Pkg().Scope()
	for _, name := range scope.Names() {
		c, ok := scope.Lookup(name).(*types.Const)
		if !ok {
			continue
		}
		if types.Identical(c.Type(), named) {
			result = true
			return result
		}
	}
	return result
}
