// Package gen emits C-like source text from the AST. The output flavor is
// pluggable: Standard emits an ordinary C function, Hydra wraps the function
// for a machine-context runtime.
package gen

import (
	"fmt"
	"io"
	"strings"

	"github.com/xorvoid/dis86-sub000/pkg/ast"
)

// Flavor selects the code-emission strategy.
type Flavor uint8

const (
	Standard Flavor = iota
	Hydra
)

func (f Flavor) impl() flavorImpl {
	if f == Hydra {
		return hydra{}
	}
	return standard{}
}

type flavorImpl interface {
	funcSig(g *gen, fn *ast.Function)
	ret(g *gen, r *ast.Return)
	call(g *gen, name ast.Expr, args []ast.Expr, level int)
}

type standard struct{}

func (standard) funcSig(g *gen, fn *ast.Function) {
	retStr := "_unknown_return_type"
	if fn.Ret != nil {
		retStr = fn.Ret.String()
	}
	g.text(fmt.Sprintf("%s %s(void)", retStr, fn.Name))
}

func (standard) ret(g *gen, r *ast.Return) {
	g.text("return")
	switch len(r.Vals) {
	case 0:
	case 1:
		g.text(" ")
		g.expr(r.Vals[0], 0)
	case 2:
		g.text(" MAKE_32(")
		g.expr(r.Vals[1], 0)
		g.text(", ")
		g.expr(r.Vals[0], 0)
		g.text(")")
	default:
		panic("unsupported return values")
	}
	if r.Kind == ast.ReturnFar {
		g.text("; /* FAR */")
	} else {
		g.text("; /* NEAR */")
	}
}

func (standard) call(g *gen, name ast.Expr, args []ast.Expr, level int) {
	g.expr(name, level+1)
	g.text("(")
	for i, arg := range args {
		if i != 0 {
			g.text(", ")
		}
		g.expr(arg, 0)
	}
	g.text(")")
}

type hydra struct{}

func (hydra) funcSig(g *gen, fn *ast.Function) {
	name := strings.TrimPrefix(fn.Name, "F_")
	g.text(fmt.Sprintf("HYDRA_FUNC(H_%s)", name))
}

func (hydra) ret(g *gen, r *ast.Return) {
	switch len(r.Vals) {
	case 0:
	case 1:
		g.text("AX = ")
		g.expr(r.Vals[0], 0)
		g.text(";")
		g.endline()
	case 2:
		g.text("DX = ")
		g.expr(r.Vals[1], 0)
		g.text(";")
		g.endline()
		g.text("AX = ")
		g.expr(r.Vals[0], 0)
		g.text(";")
		g.endline()
	default:
		panic("unsupported return values")
	}
	if r.Kind == ast.ReturnFar {
		g.text("RETURN_FAR();")
	} else {
		g.text("RETURN_NEAR();")
	}
}

func (hydra) call(g *gen, name ast.Expr, args []ast.Expr, level int) {
	g.expr(name, level+1)
	g.text("(m")
	for _, arg := range args {
		g.text(", ")
		g.expr(arg, 0)
	}
	g.text(")")
}

type gen struct {
	out         strings.Builder
	imp         flavorImpl
	indentLevel int
	newline     bool
}

func (g *gen) endline() {
	g.out.WriteByte('\n')
	g.newline = true
}

func (g *gen) text(txt string) {
	if g.newline {
		for i := 0; i < 2*g.indentLevel; i++ {
			g.out.WriteByte(' ')
		}
		g.newline = false
	}
	g.out.WriteString(txt)
}

func (g *gen) enterBlock() {
	g.text("{")
	g.indentLevel++
}

func (g *gen) leaveBlock() {
	if g.indentLevel < 1 {
		panic("unbalanced block nesting")
	}
	g.indentLevel--
	g.text("}")
}

func (g *gen) expr(e ast.Expr, level int) {
	switch e := e.(type) {
	case *ast.UnaryExpr:
		g.text(e.Op.OperatorStr())
		g.expr(e.Rhs, level+1)

	case *ast.BinaryExpr:
		if level > 0 {
			g.text("(")
		}
		g.expr(e.Lhs, level+1)
		g.text(" ")
		g.text(e.Op.OperatorStr())
		g.text(" ")
		g.expr(e.Rhs, level+1)
		if level > 0 {
			g.text(")")
		}

	case ast.HexConst:
		g.text(fmt.Sprintf("0x%x", uint16(e)))

	case ast.DecimalConst:
		g.text(fmt.Sprintf("%d", int16(e)))

	case ast.NameExpr:
		g.text(string(e))

	case *ast.CastExpr:
		g.text(fmt.Sprintf("(%s)", e.Typ))
		g.expr(e.Expr, level+1)

	case *ast.DerefExpr:
		g.text("*")
		g.expr(e.Expr, level+1)

	case *ast.CallExpr:
		g.imp.call(g, e.Func, e.Args, level)

	case *ast.AbstractExpr:
		g.text(e.Name + "(")
		for i, arg := range e.Args {
			if i != 0 {
				g.text(", ")
			}
			g.expr(arg, 0)
		}
		g.text(")")

	case *ast.ArrayAccess:
		g.expr(e.Lhs, level+1)
		g.text("[")
		g.expr(e.Idx, level+1)
		g.text("]")

	case *ast.StructAccess:
		g.expr(e.Lhs, level+1)
		g.text(".")
		g.text(e.Member)

	default:
		panic(fmt.Sprintf("unimplemented expr: %T", e))
	}
}

func (g *gen) gotoLabel(label ast.Label) {
	g.text("goto ")
	g.text(string(label))
	g.text(";")
}

func (g *gen) stmt(s ast.Stmt) {
	switch s := s.(type) {
	case ast.Label:
		// Labels are unindented one level
		g.indentLevel--
		g.text("")
		g.indentLevel++
		g.text(fmt.Sprintf("%s:;", string(s)))
		g.endline()

	case *ast.ExprStmt:
		g.expr(s.Expr, 0)
		g.text(";")
		g.endline()

	case *ast.Assign:
		if s.DeclType != nil {
			g.text(fmt.Sprintf("%s ", s.DeclType))
		}
		g.expr(s.Lhs, 0)
		g.text(" = ")
		g.expr(s.Rhs, 0)
		g.text(";")
		g.endline()

	case *ast.GotoStmt:
		g.gotoLabel(s.Label)
		g.endline()

	case *ast.CondGoto:
		g.text("if (")
		g.expr(s.Cond, 0)
		g.text(") ")
		g.gotoLabel(s.LabelTrue)
		g.endline()
		g.text("else ")
		g.gotoLabel(s.LabelFalse)
		g.endline()

	case *ast.Return:
		g.imp.ret(g, s)
		g.endline()

	case *ast.LoopStmt:
		g.text("while (1) ")
		g.enterBlock()
		g.endline()
		g.block(&s.Body)
		g.leaveBlock()
		g.endline()

	case *ast.IfStmt:
		g.text("if (")
		g.expr(s.Cond, 0)
		g.text(") ")
		g.enterBlock()
		g.endline()
		g.block(&s.ThenBody)
		g.leaveBlock()
		g.endline()

	case *ast.SwitchStmt:
		g.text("switch (")
		g.expr(s.SwitchVal, 0)
		g.text(") ")
		g.enterBlock()
		g.endline()
		for _, c := range s.Cases {
			for i, caseExpr := range c.Cases {
				g.text("case ")
				g.expr(caseExpr, 0)
				g.text(":")
				if i+1 != len(c.Cases) {
					g.endline()
				} else {
					g.text(" ")
				}
			}
			g.enterBlock()
			g.endline()
			g.block(&c.Body)
			g.leaveBlock()
			g.endline()
		}
		if s.Default != nil {
			g.text("default: ")
			g.enterBlock()
			g.endline()
			g.block(s.Default)
			g.leaveBlock()
			g.endline()
		}
		g.leaveBlock()
		g.endline()

	case *ast.Unreachable:
		g.text(`assert(0 && "unreachable");`)
		g.endline()

	default:
		panic(fmt.Sprintf("unimplemented stmt: %T", s))
	}
}

func (g *gen) block(blk *ast.Block) {
	for _, s := range blk.Stmts {
		g.stmt(s)
	}
}

func (g *gen) varmapsDef(maps []ast.VarMap) {
	for _, m := range maps {
		g.text(fmt.Sprintf("#define %s ", m.Name))
		g.expr(m.MappingExpr, 0)
		g.endline()
	}
}

func (g *gen) varmapsUndef(maps []ast.VarMap) {
	for _, m := range maps {
		g.text(fmt.Sprintf("#undef %s", m.Name))
		g.endline()
	}
}

func (g *gen) vardecls(decls []ast.VarDecl) {
	for _, d := range decls {
		g.text(fmt.Sprintf("%s ", d.Typ))
		for i, name := range d.Names {
			if i != 0 {
				g.text(", ")
			}
			g.text(name)
		}
		g.text(";")
		g.endline()
	}
}

func (g *gen) fn(fn *ast.Function) {
	g.imp.funcSig(g, fn)
	g.endline()
	g.enterBlock()
	g.endline()
	g.varmapsDef(fn.VarMaps)
	g.endline()
	g.vardecls(fn.VarDecls)
	g.endline()
	g.block(&fn.Body)
	g.endline()
	g.varmapsUndef(fn.VarMaps)
	g.leaveBlock()
}

// Generate renders a function in the given flavor.
func Generate(fn *ast.Function, flavor Flavor) string {
	g := &gen{imp: flavor.impl(), newline: true}
	g.fn(fn)
	return g.out.String()
}

// GenerateTo writes the rendered function to w.
func GenerateTo(w io.Writer, fn *ast.Function, flavor Flavor) error {
	_, err := io.WriteString(w, Generate(fn, flavor))
	return err
}
