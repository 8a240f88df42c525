package ir

import (
	"testing"

	"github.com/xorvoid/dis86-sub000/pkg/asm"
	"github.com/xorvoid/dis86-sub000/pkg/types"
)

// singleBlockIR builds an IR with one sealed, empty entry block; tests append
// their instructions and close the block with pushRet.
func singleBlockIR() (*IR, BlockRef) {
	ir := NewIR()
	b0 := ir.PushBlock(NewBlock("entry"))
	ir.SealBlock(b0)
	return ir, b0
}

func pushInstr(ir *IR, b BlockRef, typ types.Type, opcode Opcode, operands ...Ref) Ref {
	idx := ir.Block(b).Instrs.PushBack(Instr{Typ: typ, Opcode: opcode, Operands: operands})
	return InstrRef(b, idx)
}

func pushRet(ir *IR, b BlockRef, vals ...Ref) {
	pushInstr(ir, b, types.Void, RetFar, vals...)
}

func TestReduceXor(t *testing.T) {
	ir, b0 := singleBlockIR()
	x := InitRef(asm.CX)
	r := pushInstr(ir, b0, types.U16, Xor, x, x)
	pushRet(ir, b0, r)

	ReduceXor(ir)

	instr := ir.Instr(r)
	if instr.Opcode != RefOp {
		t.Fatalf("opcode: got %v", instr.Opcode)
	}
	if k, ok := ir.LookupConst(instr.Operands[0]); !ok || k != 0 {
		t.Errorf("operand: got %+v", instr.Operands[0])
	}
}

func TestReduceXorLeavesDistinctOperands(t *testing.T) {
	ir, b0 := singleBlockIR()
	r := pushInstr(ir, b0, types.U16, Xor, InitRef(asm.CX), InitRef(asm.DX))
	pushRet(ir, b0, r)

	ReduceXor(ir)
	if ir.Instr(r).Opcode != Xor {
		t.Error("xor of distinct values must not reduce")
	}
}

func TestReduceTrivialOr(t *testing.T) {
	ir, b0 := singleBlockIR()
	x := InitRef(asm.AX)
	r := pushInstr(ir, b0, types.U16, Or, x, x)
	pushRet(ir, b0, r)

	ReduceTrivialOr(ir)

	instr := ir.Instr(r)
	if instr.Opcode != RefOp || instr.Operands[0] != x {
		t.Errorf("got %v %+v", instr.Opcode, instr.Operands)
	}
}

func TestValuePropagationChasesRefChains(t *testing.T) {
	ir, b0 := singleBlockIR()
	x := InitRef(asm.AX)
	r1 := pushInstr(ir, b0, types.U16, RefOp, x)
	r2 := pushInstr(ir, b0, types.U16, RefOp, r1)
	r3 := pushInstr(ir, b0, types.U16, Add, r2, ir.AppendConst(1))
	pushRet(ir, b0, r3)

	ValuePropagation(ir)

	if ir.Instr(r3).Operands[0] != x {
		t.Errorf("operand not propagated: %+v", ir.Instr(r3).Operands[0])
	}
}

func TestCommonSubexpressionElimination(t *testing.T) {
	ir, b0 := singleBlockIR()
	a := InitRef(asm.AX)
	c := InitRef(asm.CX)
	r1 := pushInstr(ir, b0, types.U16, Add, a, c)
	r2 := pushInstr(ir, b0, types.U16, Add, a, c)
	r3 := pushInstr(ir, b0, types.U16, Sub, a, c)
	pushRet(ir, b0, r1, r2, r3)

	CommonSubexpressionElimination(ir)

	if ir.Instr(r1).Opcode != Add {
		t.Error("first occurrence must stay")
	}
	second := ir.Instr(r2)
	if second.Opcode != RefOp || second.Operands[0] != r1 {
		t.Errorf("repeat: got %v %+v", second.Opcode, second.Operands)
	}
	if ir.Instr(r3).Opcode != Sub {
		t.Error("different opcode must not fold")
	}
}

func TestStackPtrAccumulation(t *testing.T) {
	ir, b0 := singleBlockIR()
	sp := InitRef(asm.SP)
	k2 := ir.AppendConst(2)
	k4 := ir.AppendConst(4)

	idx1 := ir.Block(b0).Instrs.PushBack(Instr{Typ: types.U16, Attrs: AttrStackPtr, Opcode: Sub, Operands: []Ref{sp, k2}})
	r1 := InstrRef(b0, idx1)
	idx2 := ir.Block(b0).Instrs.PushBack(Instr{Typ: types.U16, Attrs: AttrStackPtr, Opcode: Sub, Operands: []Ref{r1, k4}})
	r2 := InstrRef(b0, idx2)
	idx3 := ir.Block(b0).Instrs.PushBack(Instr{Typ: types.U16, Attrs: AttrStackPtr, Opcode: Add, Operands: []Ref{r2, k2}})
	r3 := InstrRef(b0, idx3)
	pushRet(ir, b0, r3)

	StackPtrAccumulation(ir)

	// r2 = sp - 6
	second := ir.Instr(r2)
	if second.Opcode != Sub || second.Operands[0] != sp {
		t.Fatalf("r2: got %v %+v", second.Opcode, second.Operands)
	}
	if k, _ := ir.LookupConst(second.Operands[1]); k != 6 {
		t.Errorf("r2 adjustment: got %d want 6", k)
	}

	// After another round, r3 = sp - 4
	StackPtrAccumulation(ir)
	third := ir.Instr(r3)
	if third.Opcode != Sub || third.Operands[0] != sp {
		t.Fatalf("r3: got %v %+v", third.Opcode, third.Operands)
	}
	if k, _ := ir.LookupConst(third.Operands[1]); k != 4 {
		t.Errorf("r3 adjustment: got %d want 4", k)
	}
}

func TestStackPtrAccumulationNeedsAttr(t *testing.T) {
	ir, b0 := singleBlockIR()
	sp := InitRef(asm.SP)
	k2 := ir.AppendConst(2)
	r1 := pushInstr(ir, b0, types.U16, Sub, sp, k2)
	r2 := pushInstr(ir, b0, types.U16, Sub, r1, k2)
	pushRet(ir, b0, r2)

	StackPtrAccumulation(ir)
	if ir.Instr(r2).Operands[0] != r1 {
		t.Error("accumulation must only fire on STACK_PTR-attributed ops")
	}
}

func TestSimplifyBranchCondsCmp(t *testing.T) {
	ir, b0 := singleBlockIR()
	a := InitRef(asm.AX)
	c := InitRef(asm.BX)
	sub := pushInstr(ir, b0, types.U16, Sub, a, c)
	upd := pushInstr(ir, b0, types.U16, UpdateFlags, InitRef(asm.FLAGS), sub)
	cond := pushInstr(ir, b0, types.U16, GtFlags, upd)
	b1 := ir.PushBlock(NewBlock("t"))
	b2 := ir.PushBlock(NewBlock("f"))
	pushInstr(ir, b0, types.Void, Jne, cond, BlockRefRef(b1), BlockRefRef(b2))

	SimplifyBranchConds(ir)

	instr := ir.Instr(cond)
	if instr.Opcode != Gt {
		t.Fatalf("opcode: got %v", instr.Opcode)
	}
	if instr.Operands[0] != a || instr.Operands[1] != c {
		t.Errorf("operands: %+v", instr.Operands)
	}
}

func TestSimplifyBranchCondsOrSelf(t *testing.T) {
	ir, b0 := singleBlockIR()
	x := InitRef(asm.AX)
	or := pushInstr(ir, b0, types.U16, Or, x, x)
	upd := pushInstr(ir, b0, types.U16, UpdateFlags, InitRef(asm.FLAGS), or)
	cond := pushInstr(ir, b0, types.U16, EqFlags, upd)
	pushRet(ir, b0, cond)

	SimplifyBranchConds(ir)

	instr := ir.Instr(cond)
	if instr.Opcode != Eq {
		t.Fatalf("opcode: got %v", instr.Opcode)
	}
	if instr.Operands[0] != or {
		t.Errorf("lhs: %+v", instr.Operands[0])
	}
	if k, ok := ir.LookupConst(instr.Operands[1]); !ok || k != 0 {
		t.Errorf("rhs: %+v", instr.Operands[1])
	}
}

func TestReducePhiSingleRef(t *testing.T) {
	ir, b0 := singleBlockIR()
	x := InitRef(asm.AX)
	cp := pushInstr(ir, b0, types.U16, RefOp, x)

	idx := ir.Block(b0).Instrs.PushFront(Instr{Typ: types.U16, Opcode: Phi})
	phi := InstrRef(b0, idx)
	ir.Instr(phi).Operands = []Ref{phi, cp, x}
	pushRet(ir, b0, phi)

	ReducePhiSingleRef(ir)

	instr := ir.Instr(phi)
	if instr.Opcode != RefOp || instr.Operands[0] != x {
		t.Errorf("got %v %+v", instr.Opcode, instr.Operands)
	}
}

func TestReducePhiSelfOnlyLeftAlone(t *testing.T) {
	ir, b0 := singleBlockIR()
	idx := ir.Block(b0).Instrs.PushFront(Instr{Typ: types.U16, Opcode: Phi})
	phi := InstrRef(b0, idx)
	ir.Instr(phi).Operands = []Ref{phi, phi}
	pushRet(ir, b0)

	ReducePhiSingleRef(ir)
	if ir.Instr(phi).Opcode != Phi {
		t.Error("self-only phi must be left alone")
	}
}

func TestDCERemovesDeadCode(t *testing.T) {
	ir, b0 := singleBlockIR()
	a := InitRef(asm.AX)
	dead := pushInstr(ir, b0, types.U16, Add, a, ir.AppendConst(1))
	live := pushInstr(ir, b0, types.U16, Sub, a, ir.AppendConst(2))
	pushRet(ir, b0, live)

	DeadcodeElimination(ir)

	if ir.Instr(dead).Opcode != Nop {
		t.Error("dead instruction should become nop")
	}
	if ir.Instr(live).Opcode != Sub {
		t.Error("live instruction must survive")
	}
}

// Dead SSA cycles through phis must be collected: this is why DCE is
// mark-and-sweep rather than refcount-based.
func TestDCERemovesDeadPhiCycle(t *testing.T) {
	ir, b0 := singleBlockIR()
	idx := ir.Block(b0).Instrs.PushFront(Instr{Typ: types.U16, Opcode: Phi})
	phi := InstrRef(b0, idx)
	add := pushInstr(ir, b0, types.U16, Add, phi, ir.AppendConst(1))
	ir.Instr(phi).Operands = []Ref{add, phi}
	pushRet(ir, b0)

	DeadcodeElimination(ir)

	if ir.Instr(phi).Opcode != Nop || ir.Instr(add).Opcode != Nop {
		t.Error("dead phi cycle must be swept")
	}
}

func TestDCEIdempotent(t *testing.T) {
	ir, b0 := singleBlockIR()
	a := InitRef(asm.AX)
	pushInstr(ir, b0, types.U16, Add, a, ir.AppendConst(1))
	live := pushInstr(ir, b0, types.U16, Sub, a, ir.AppendConst(2))
	pushRet(ir, b0, live)

	DeadcodeElimination(ir)
	before := Display(ir)
	count := NumLiveInstrs(ir)

	DeadcodeElimination(ir)
	if Display(ir) != before {
		t.Error("second DCE changed the IR")
	}
	if NumLiveInstrs(ir) != count {
		t.Error("second DCE changed live count")
	}
}

func TestDeadblockElimination(t *testing.T) {
	ir, b0 := singleBlockIR()

	b1 := ir.PushBlock(NewBlock("dead"))
	b2 := ir.PushBlock(NewBlock("join"))

	// entry -> join, dead -> join; join has a phi over both
	pushInstr(ir, b0, types.Void, Jmp, BlockRefRef(b2))
	ir.Block(b2).Preds = []BlockRef{b0, b1}
	pushInstr(ir, b1, types.Void, Jmp, BlockRefRef(b2))

	idx := ir.Block(b2).Instrs.PushFront(Instr{Typ: types.U16, Opcode: Phi,
		Operands: []Ref{ir.AppendConst(1), ir.AppendConst(2)}})
	phi := InstrRef(b2, idx)
	pushRet(ir, b2, phi)

	DeadblockElimination(ir)

	live := ir.IterBlocks()
	if len(live) != 2 {
		t.Fatalf("live blocks: %v", live)
	}
	if len(ir.Block(b2).Preds) != 1 || ir.Block(b2).Preds[0] != b0 {
		t.Errorf("join preds: %v", ir.Block(b2).Preds)
	}
	if len(ir.Instr(phi).Operands) != 1 {
		t.Errorf("phi not shrunk: %+v", ir.Instr(phi).Operands)
	}
}

func TestForwardStoreToLoad(t *testing.T) {
	ir, b0 := singleBlockIR()
	ss := InitRef(asm.SS)
	sp := InitRef(asm.SP)
	val := InitRef(asm.AX)

	pushInstr(ir, b0, types.Void, Store16, ss, sp, val)
	load := pushInstr(ir, b0, types.U16, Load16, ss, sp)
	otherOff := InitRef(asm.BX)
	otherLoad := pushInstr(ir, b0, types.U16, Load16, ss, otherOff)
	pushRet(ir, b0, load, otherLoad)

	ForwardStoreToLoad(ir)

	instr := ir.Instr(load)
	if instr.Opcode != RefOp || instr.Operands[0] != val {
		t.Errorf("load not forwarded: %v %+v", instr.Opcode, instr.Operands)
	}
	if ir.Instr(otherLoad).Opcode != Load16 {
		t.Error("load from different offset must not forward")
	}
}

func TestOptimizeMonotonic(t *testing.T) {
	ir, b0 := singleBlockIR()
	a := InitRef(asm.AX)
	x1 := pushInstr(ir, b0, types.U16, Xor, a, a)
	x2 := pushInstr(ir, b0, types.U16, Add, x1, ir.AppendConst(3))
	x3 := pushInstr(ir, b0, types.U16, Add, x1, ir.AppendConst(3))
	pushInstr(ir, b0, types.U16, Sub, x2, x3) // dead
	pushRet(ir, b0, x2)

	before := NumLiveInstrs(ir)
	Optimize(ir)
	after := NumLiveInstrs(ir)
	if after > before {
		t.Errorf("optimizer grew the IR: %d -> %d", before, after)
	}
}
