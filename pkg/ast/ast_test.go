package ast

import (
	"testing"

	"github.com/xorvoid/dis86-sub000/pkg/config"
	"github.com/xorvoid/dis86-sub000/pkg/ir"
	"github.com/xorvoid/dis86-sub000/pkg/types"
)

func testBuilder(cfg *config.Config, irp *ir.IR) *astBuilder {
	return &astBuilder{
		cfg:         cfg,
		ir:          irp,
		nUses:       irp.ComputeUses(),
		tempNames:   make(map[ir.Ref]string),
		assignTypes: make(map[string]types.Type),
		assigned:    make(map[string]bool),
		mappings:    make(map[string]VarMap),
	}
}

// Accessing byte 6 of point[4] (point = {x u16 @0, y u16 @2}) resolves to
// g_points[1].y.
func TestSymbolToExprStructArray(t *testing.T) {
	cfg := &config.Config{Types: types.NewRegistry()}
	ref := cfg.Types.Append(types.Struct{
		Name: "point",
		Size: 4,
		Members: []types.StructMember{
			{Name: "x", Typ: types.U16, Off: 0},
			{Name: "y", Typ: types.U16, Off: 2},
		},
	})
	arrTyp := types.Array(types.Type{Kind: types.KindStruct, StructRef: ref}, 4)

	irp := ir.NewIR()
	irp.Symbols.Globals.Append("g_points", 0x20, 16, arrTyp)

	b := testBuilder(cfg, irp)
	expr := b.symbolToExpr(ir.SymbolRef{Table: ir.SymGlobal, Idx: 0, Off: 6, Sz: 2})

	sa, ok := expr.(*StructAccess)
	if !ok || sa.Member != "y" {
		t.Fatalf("expected .y struct access, got %#v", expr)
	}
	aa, ok := sa.Lhs.(*ArrayAccess)
	if !ok {
		t.Fatalf("expected array access, got %#v", sa.Lhs)
	}
	if idx, ok := aa.Idx.(DecimalConst); !ok || idx != 1 {
		t.Errorf("array index: %#v", aa.Idx)
	}
	if name, ok := aa.Lhs.(NameExpr); !ok || name != "g_points" {
		t.Errorf("array base: %#v", aa.Lhs)
	}
}

// A sub-access into a u32 local goes through addr-of + cast + deref, and the
// first use registers the macro mapping for the stack slot.
func TestSymbolToExprSubAccess(t *testing.T) {
	cfg := &config.Config{Types: types.NewRegistry()}
	irp := ir.NewIR()
	irp.Symbols.Locals.Append("_local_0006", -8, 4, types.U32)

	b := testBuilder(cfg, irp)
	expr := b.symbolToExpr(ir.SymbolRef{Table: ir.SymLocal, Idx: 0, Off: 2, Sz: 2})

	deref, ok := expr.(*DerefExpr)
	if !ok {
		t.Fatalf("expected deref, got %#v", expr)
	}
	cast, ok := deref.Expr.(*CastExpr)
	if !ok || !cast.Typ.Equal(types.Ptr(types.U16)) {
		t.Fatalf("expected u16* cast, got %#v", deref.Expr)
	}

	vm, ok := b.mappings["_local_0006"]
	if !ok {
		t.Fatal("stack symbol use must register its macro mapping")
	}
	if !vm.Typ.Equal(types.U32) {
		t.Errorf("mapping type: %v", vm.Typ)
	}
	md, ok := vm.MappingExpr.(*DerefExpr)
	if !ok {
		t.Fatalf("mapping expr: %#v", vm.MappingExpr)
	}
	if ab, ok := md.Expr.(*AbstractExpr); !ok || ab.Name != "PTR_32" {
		t.Errorf("mapping pointer kind: %#v", md.Expr)
	}
}

// Whole-symbol accesses use the bare name.
func TestSymbolToExprExactAccess(t *testing.T) {
	cfg := &config.Config{Types: types.NewRegistry()}
	irp := ir.NewIR()
	irp.Symbols.Params.Append("_param_0004", 2, 2, types.U16)

	b := testBuilder(cfg, irp)
	expr := b.symbolToExpr(ir.SymbolRef{Table: ir.SymParam, Idx: 0, Off: 0, Sz: 2})

	if name, ok := expr.(NameExpr); !ok || name != "_param_0004" {
		t.Errorf("got %#v", expr)
	}
}

func TestBinaryOperatorInvert(t *testing.T) {
	tests := []struct {
		in   BinaryOperator
		want BinaryOperator
		ok   bool
	}{
		{BinaryEq, BinaryNeq, true},
		{BinaryNeq, BinaryEq, true},
		{BinaryGt, BinaryLeq, true},
		{BinaryGeq, BinaryLt, true},
		{BinaryLt, BinaryGeq, true},
		{BinaryLeq, BinaryGt, true},
		{BinaryAdd, BinaryAdd, false},
	}
	for _, tc := range tests {
		got, ok := tc.in.invert()
		if ok != tc.ok || (ok && got != tc.want) {
			t.Errorf("invert(%v): got %v, %v", tc.in, got, ok)
		}
	}
}
