package ir

import (
	"testing"

	"github.com/xorvoid/dis86-sub000/pkg/types"
)

func TestCoalesceMergesOverlaps(t *testing.T) {
	var tbl SymbolTable
	tbl.Append("_local_0002", -4, 2, types.U16)
	tbl.Append("_local_0002", -4, 2, types.U16)
	tbl.Append("_local_0004", -6, 4, types.U32)

	tbl.Coalesce()

	if len(tbl.Symbols) != 1 {
		t.Fatalf("expected one coalesced symbol, got %+v", tbl.Symbols)
	}
	s := tbl.Symbols[0]
	if s.Off != -6 || s.Size != 4 {
		t.Errorf("coalesced: off=%d size=%d", s.Off, s.Size)
	}
}

func TestCoalesceKeepsDisjoint(t *testing.T) {
	var tbl SymbolTable
	tbl.Append("a", 4, 2, types.U16)
	tbl.Append("b", 8, 2, types.U16)
	tbl.Coalesce()
	if len(tbl.Symbols) != 2 {
		t.Fatalf("disjoint symbols merged: %+v", tbl.Symbols)
	}
	if tbl.Symbols[0].Off != 4 || tbl.Symbols[1].Off != 8 {
		t.Errorf("order: %+v", tbl.Symbols)
	}
}

func TestCoalesceIdempotent(t *testing.T) {
	build := func() SymbolTable {
		var tbl SymbolTable
		tbl.Append("a", -4, 2, types.U16)
		tbl.Append("b", -3, 2, types.U16)
		tbl.Append("c", 2, 2, types.U16)
		return tbl
	}

	once := build()
	once.Coalesce()
	twice := build()
	twice.Coalesce()
	twice.Coalesce()

	if len(once.Symbols) != len(twice.Symbols) {
		t.Fatalf("idempotence: %d vs %d symbols", len(once.Symbols), len(twice.Symbols))
	}
	for i := range once.Symbols {
		a, b := once.Symbols[i], twice.Symbols[i]
		if a.Off != b.Off || a.Size != b.Size {
			t.Errorf("symbol %d differs: %+v vs %+v", i, a, b)
		}
	}
}

func TestFindRefSubAccess(t *testing.T) {
	m := NewSymbolMap()
	m.Locals.Append("_local_0006", -8, 4, types.U32)

	// Access the upper half of the u32
	ref, ok := m.FindRef(SymLocal, -6, 2)
	if !ok {
		t.Fatal("find ref failed")
	}
	if ref.Off != 2 || ref.Sz != 2 {
		t.Errorf("sub access: off=%d sz=%d", ref.Off, ref.Sz)
	}
	if m.Name(ref) != "_local_0006@+2" {
		t.Errorf("name: got %q", m.Name(ref))
	}

	whole, ok := m.FindRef(SymLocal, -8, 4)
	if !ok || whole.Off != 0 {
		t.Errorf("whole access: %+v, %v", whole, ok)
	}
	if m.Name(whole) != "_local_0006" {
		t.Errorf("name: got %q", m.Name(whole))
	}

	if _, ok := m.FindRef(SymLocal, 10, 2); ok {
		t.Error("out-of-range access resolved")
	}
}

func TestFinalizeNonOverlapping(t *testing.T) {
	var tbl SymbolTable
	tbl.Append("g_a", 0x10, 2, types.U16)
	tbl.Append("g_b", 0x20, 4, types.U32)
	if err := tbl.FinalizeNonOverlapping(); err != nil {
		t.Errorf("disjoint globals: %v", err)
	}

	var bad SymbolTable
	bad.Append("g_a", 0x10, 4, types.U32)
	bad.Append("g_b", 0x12, 2, types.U16)
	if err := bad.FinalizeNonOverlapping(); err == nil {
		t.Error("overlapping globals should error")
	}
}

func TestRegisterSymbolInterned(t *testing.T) {
	m := NewSymbolMap()
	a := m.RegisterSymbol(5) // BP
	b := m.RegisterSymbol(5)
	if a != b {
		t.Errorf("register symbol not interned: %+v vs %+v", a, b)
	}
	if len(m.Registers.Symbols) != 1 {
		t.Errorf("register table: %+v", m.Registers.Symbols)
	}
}
