package equation

import (
	"fmt"
)

// Program is a compiled, validated equation. Programs are immutable and safe
// for concurrent evaluation.
type Program struct {
	prog   *program
	source string
}

// Source returns the original equation text.
func (p *Program) Source() string { return p.source }

// CompileOption adjusts compile-time validation.
type CompileOption func(*compileOptions)

type compileOptions struct {
	allowedItems map[int]bool
}

// WithAllowedItems restricts item references to the given item numbers,
// typically the numbers owned by the construct being registered. Without
// this option any item number parses.
func WithAllowedItems(numbers []int) CompileOption {
	return func(o *compileOptions) {
		o.allowedItems = make(map[int]bool, len(numbers))
		for _, n := range numbers {
			o.allowedItems[n] = true
		}
	}
}

// Compile parses and validates an equation. Errors carry a line and column
// and are meant to be surfaced verbatim at construct registration.
func Compile(src string, opts ...CompileOption) (*Program, error) {
	var o compileOptions
	for _, opt := range opts {
		opt(&o)
	}

	lx := newLexer(src)
	toks, err := lx.tokenize()
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	prog, err := p.parseProgram()
	if err != nil {
		return nil, err
	}
	if err := validate(prog, &o); err != nil {
		return nil, err
	}
	return &Program{prog: prog, source: src}, nil
}

// validate rejects unknown functions, out-of-construct item references,
// reserved-word assignment targets, and use of variables before assignment.
func validate(prog *program, o *compileOptions) error {
	defined := map[string]bool{}
	for _, stmt := range prog.stmts {
		if as, ok := stmt.(*assign); ok {
			if err := walkExpr(as.expr, defined, o); err != nil {
				return err
			}
			if _, isFunc := functions[as.name]; isFunc {
				line, col := as.pos()
				return &SyntaxError{Line: line, Col: col, Msg: fmt.Sprintf("cannot assign to function name %q", as.name)}
			}
			defined[as.name] = true
			continue
		}
		if err := walkExpr(stmt, defined, o); err != nil {
			return err
		}
	}
	return nil
}

func walkExpr(n node, defined map[string]bool, o *compileOptions) error {
	switch x := n.(type) {
	case *numberLit, *nullLit:
		return nil
	case *itemRef:
		if o.allowedItems != nil && !o.allowedItems[x.number] {
			line, col := x.pos()
			return &SyntaxError{Line: line, Col: col, Msg: fmt.Sprintf("item {q%d} is not part of this construct", x.number)}
		}
		return nil
	case *varRef:
		if !defined[x.name] {
			line, col := x.pos()
			return &SyntaxError{Line: line, Col: col, Msg: fmt.Sprintf("variable %q used before assignment", x.name)}
		}
		return nil
	case *assign:
		// Nested assignments never parse; statements only.
		return walkExpr(x.expr, defined, o)
	case *unary:
		return walkExpr(x.x, defined, o)
	case *binary:
		if err := walkExpr(x.l, defined, o); err != nil {
			return err
		}
		return walkExpr(x.r, defined, o)
	case *logical:
		if err := walkExpr(x.l, defined, o); err != nil {
			return err
		}
		return walkExpr(x.r, defined, o)
	case *call:
		fn, ok := functions[x.name]
		if !ok {
			line, col := x.pos()
			return &SyntaxError{Line: line, Col: col, Msg: fmt.Sprintf("unknown function %q", x.name)}
		}
		if len(x.args) < fn.minArgs {
			line, col := x.pos()
			return &SyntaxError{Line: line, Col: col, Msg: fmt.Sprintf("%s expects at least %d argument(s)", x.name, fn.minArgs)}
		}
		if fn.maxArgs >= 0 && len(x.args) > fn.maxArgs {
			line, col := x.pos()
			return &SyntaxError{Line: line, Col: col, Msg: fmt.Sprintf("%s expects at most %d argument(s)", x.name, fn.maxArgs)}
		}
		for _, a := range x.args {
			if err := walkExpr(a, defined, o); err != nil {
				return err
			}
		}
		return nil
	case *ifExpr:
		for i := range x.conds {
			if err := walkExpr(x.conds[i], defined, o); err != nil {
				return err
			}
			if err := walkExpr(x.thens[i], defined, o); err != nil {
				return err
			}
		}
		return walkExpr(x.els, defined, o)
	}
	return fmt.Errorf("unhandled node %T", n)
}

// ItemNumbers returns the distinct item numbers referenced by the program,
// in order of first appearance.
func (p *Program) ItemNumbers() []int {
	seen := map[int]bool{}
	var out []int
	var walk func(n node)
	walk = func(n node) {
		switch x := n.(type) {
		case *itemRef:
			if !seen[x.number] {
				seen[x.number] = true
				out = append(out, x.number)
			}
		case *assign:
			walk(x.expr)
		case *unary:
			walk(x.x)
		case *binary:
			walk(x.l)
			walk(x.r)
		case *logical:
			walk(x.l)
			walk(x.r)
		case *call:
			for _, a := range x.args {
				walk(a)
			}
		case *ifExpr:
			for i := range x.conds {
				walk(x.conds[i])
				walk(x.thens[i])
			}
			walk(x.els)
		}
	}
	for _, s := range p.prog.stmts {
		walk(s)
	}
	return out
}
