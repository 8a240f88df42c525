package gen

import (
	"strings"
	"testing"

	"github.com/xorvoid/dis86-sub000/pkg/ast"
	"github.com/xorvoid/dis86-sub000/pkg/types"
)

func trivialFunc(name string) *ast.Function {
	ret := types.U16
	return &ast.Function{
		Name: name,
		Ret:  &ret,
		Body: ast.Block{Stmts: []ast.Stmt{
			&ast.Return{Kind: ast.ReturnFar, Vals: []ast.Expr{ast.HexConst(0x1234)}},
		}},
	}
}

func TestStandardFlavor(t *testing.T) {
	code := Generate(trivialFunc("F_trivial"), Standard)
	for _, want := range []string{
		"u16 F_trivial(void)",
		"return 0x1234; /* FAR */",
	} {
		if !strings.Contains(code, want) {
			t.Errorf("missing %q in:\n%s", want, code)
		}
	}
}

func TestHydraFlavor(t *testing.T) {
	code := Generate(trivialFunc("F_trivial"), Hydra)
	for _, want := range []string{
		"HYDRA_FUNC(H_trivial)",
		"AX = 0x1234;",
		"RETURN_FAR();",
	} {
		if !strings.Contains(code, want) {
			t.Errorf("missing %q in:\n%s", want, code)
		}
	}
}

func TestHydraTwoValueReturn(t *testing.T) {
	ret := types.U32
	fn := &ast.Function{
		Name: "F_wide",
		Ret:  &ret,
		Body: ast.Block{Stmts: []ast.Stmt{
			&ast.Return{Kind: ast.ReturnNear, Vals: []ast.Expr{
				ast.NameExpr("lo"), ast.NameExpr("hi"),
			}},
		}},
	}

	std := Generate(fn, Standard)
	if !strings.Contains(std, "return MAKE_32(hi, lo); /* NEAR */") {
		t.Errorf("standard wide return:\n%s", std)
	}

	hyd := Generate(fn, Hydra)
	if !strings.Contains(hyd, "DX = hi;") || !strings.Contains(hyd, "AX = lo;") ||
		!strings.Contains(hyd, "RETURN_NEAR();") {
		t.Errorf("hydra wide return:\n%s", hyd)
	}
}

func TestHydraCallPassesMachine(t *testing.T) {
	ret := types.Void
	fn := &ast.Function{
		Name: "F_callsite",
		Ret:  &ret,
		Body: ast.Block{Stmts: []ast.Stmt{
			&ast.ExprStmt{Expr: &ast.CallExpr{
				Func: ast.NameExpr("F_helper"),
				Args: []ast.Expr{ast.NameExpr("AX")},
			}},
			&ast.Return{Kind: ast.ReturnFar},
		}},
	}

	hyd := Generate(fn, Hydra)
	if !strings.Contains(hyd, "F_helper(m, AX);") {
		t.Errorf("hydra call:\n%s", hyd)
	}
	std := Generate(fn, Standard)
	if !strings.Contains(std, "F_helper(AX);") {
		t.Errorf("standard call:\n%s", std)
	}
}

func TestVarDeclsAndMaps(t *testing.T) {
	ret := types.Void
	fn := &ast.Function{
		Name: "F_vars",
		Ret:  &ret,
		VarDecls: []ast.VarDecl{
			{Typ: types.U16, Names: []string{"ax_2", "tmp_0"}},
		},
		VarMaps: []ast.VarMap{
			{Typ: types.U16, Name: "_local_0002", MappingExpr: &ast.DerefExpr{
				Expr: &ast.AbstractExpr{Name: "PTR_16", Args: []ast.Expr{
					ast.NameExpr("SS"),
					&ast.BinaryExpr{Op: ast.BinaryAdd, Lhs: ast.NameExpr("SP"), Rhs: ast.HexConst(0xfffc)},
				}},
			}},
		},
		Body: ast.Block{Stmts: []ast.Stmt{&ast.Return{Kind: ast.ReturnFar}}},
	}

	code := Generate(fn, Standard)
	for _, want := range []string{
		"#define _local_0002 *PTR_16(SS, SP + 0xfffc)",
		"u16 ax_2, tmp_0;",
		"#undef _local_0002",
	} {
		if !strings.Contains(code, want) {
			t.Errorf("missing %q in:\n%s", want, code)
		}
	}
}

func TestStatementForms(t *testing.T) {
	ret := types.Void
	fn := &ast.Function{
		Name: "F_stmts",
		Ret:  &ret,
		Body: ast.Block{Stmts: []ast.Stmt{
			ast.Label("addr_0004"),
			&ast.IfStmt{
				Cond: &ast.BinaryExpr{Op: ast.BinaryLeq,
					Lhs: &ast.CastExpr{Typ: types.I16, Expr: ast.NameExpr("AX")},
					Rhs: &ast.CastExpr{Typ: types.I16, Expr: ast.NameExpr("BX")}},
				ThenBody: ast.Block{Stmts: []ast.Stmt{
					&ast.GotoStmt{Label: "addr_0004"},
				}},
			},
			&ast.SwitchStmt{
				SwitchVal: ast.NameExpr("idx"),
				Cases: []ast.SwitchCase{
					{Cases: []ast.Expr{ast.DecimalConst(0), ast.DecimalConst(2)},
						Body: ast.Block{Stmts: []ast.Stmt{&ast.GotoStmt{Label: "addr_0004"}}}},
				},
				Default: &ast.Block{Stmts: []ast.Stmt{&ast.Unreachable{}}},
			},
			&ast.LoopStmt{Body: ast.Block{Stmts: []ast.Stmt{
				&ast.ExprStmt{Expr: &ast.AbstractExpr{Name: "INT", Args: []ast.Expr{ast.HexConst(0x21)}}},
			}}},
			&ast.Return{Kind: ast.ReturnNear},
		}},
	}

	code := Generate(fn, Standard)
	for _, want := range []string{
		"addr_0004:;",
		"if ((i16)AX <= (i16)BX) {",
		"goto addr_0004;",
		"switch (idx) {",
		"case 0:",
		"case 2: {",
		`assert(0 && "unreachable");`,
		"while (1) {",
		"INT(0x21);",
	} {
		if !strings.Contains(code, want) {
			t.Errorf("missing %q in:\n%s", want, code)
		}
	}
}
