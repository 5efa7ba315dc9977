// Package filter compiles boolean selection scripts evaluated against a
// file's element values, e.g.
//
//	Modality == "CT" && SeriesDescription contains "HEAD"
//
// Identifiers are element keywords and evaluate to the element's string
// value, or "" when the element is absent.
package filter

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"

	"github.com/eargollo/dicomanon/internal/outpath"
)

// Script is a compiled selection script. It is immutable and safe for
// concurrent use.
type Script struct {
	src    string
	prog   *vm.Program
	idents []string
}

// Compile parses src. An empty (or blank) script matches every file.
func Compile(src string) (*Script, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return &Script{}, nil
	}
	tree, err := parser.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse filter: %w", err)
	}
	c := &identCollector{seen: map[string]bool{}}
	ast.Walk(&tree.Node, c)

	prog, err := expr.Compile(src, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile filter: %w", err)
	}
	return &Script{src: src, prog: prog, idents: c.names}, nil
}

// String returns the source text.
func (s *Script) String() string { return s.src }

// Identifiers lists the element keywords the script reads.
func (s *Script) Identifiers() []string { return s.idents }

// Match evaluates the script against md.
func (s *Script) Match(md outpath.Metadata) (bool, error) {
	if s.prog == nil {
		return true, nil
	}
	env := make(map[string]any, len(s.idents))
	for _, name := range s.idents {
		v, _ := md.Value(name)
		env[name] = v
	}
	out, err := expr.Run(s.prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate filter: %w", err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

type identCollector struct {
	seen  map[string]bool
	names []string
}

func (c *identCollector) Visit(node *ast.Node) {
	id, ok := (*node).(*ast.IdentifierNode)
	if !ok || c.seen[id.Value] {
		return
	}
	c.seen[id.Value] = true
	c.names = append(c.names, id.Value)
}
