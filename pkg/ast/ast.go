// Package ast lowers IR plus recovered control flow into high-level
// statements and expressions ready for textual emission.
package ast

import (
	"fmt"
	"sort"

	"github.com/xorvoid/dis86-sub000/pkg/asm"
	"github.com/xorvoid/dis86-sub000/pkg/config"
	"github.com/xorvoid/dis86-sub000/pkg/ctrlflow"
	"github.com/xorvoid/dis86-sub000/pkg/ir"
	"github.com/xorvoid/dis86-sub000/pkg/types"
)

// Expr is an expression tree node.
type Expr interface{ isExpr() }

type UnaryOperator uint8

const (
	UnaryAddr UnaryOperator = iota
	UnaryNeg
	UnaryLogicalNot
	UnaryBitwiseNot
)

func (op UnaryOperator) OperatorStr() string {
	switch op {
	case UnaryAddr:
		return "(u8*)&"
	case UnaryNeg:
		return "-"
	case UnaryLogicalNot:
		return "!"
	case UnaryBitwiseNot:
		return "~"
	}
	return "?"
}

type BinaryOperator uint8

const (
	BinaryAdd BinaryOperator = iota
	BinarySub
	BinaryShl
	BinaryShr
	BinaryMul
	BinaryDiv
	BinaryMod
	BinaryAnd
	BinaryOr
	BinaryXor
	BinaryEq
	BinaryNeq
	BinaryGt
	BinaryGeq
	BinaryLt
	BinaryLeq
)

func (op BinaryOperator) OperatorStr() string {
	switch op {
	case BinaryAdd:
		return "+"
	case BinarySub:
		return "-"
	case BinaryShl:
		return "<<"
	case BinaryShr:
		return ">>"
	case BinaryMul:
		return "*"
	case BinaryDiv:
		return "/"
	case BinaryMod:
		return "%"
	case BinaryAnd:
		return "&"
	case BinaryOr:
		return "|"
	case BinaryXor:
		return "^"
	case BinaryEq:
		return "=="
	case BinaryNeq:
		return "!="
	case BinaryGt:
		return ">"
	case BinaryGeq:
		return ">="
	case BinaryLt:
		return "<"
	case BinaryLeq:
		return "<="
	}
	return "?"
}

// invert returns the negated comparison, when one exists.
func (op BinaryOperator) invert() (BinaryOperator, bool) {
	switch op {
	case BinaryEq:
		return BinaryNeq, true
	case BinaryNeq:
		return BinaryEq, true
	case BinaryGt:
		return BinaryLeq, true
	case BinaryGeq:
		return BinaryLt, true
	case BinaryLt:
		return BinaryGeq, true
	case BinaryLeq:
		return BinaryGt, true
	}
	return op, false
}

type UnaryExpr struct {
	Op  UnaryOperator
	Rhs Expr
}

type BinaryExpr struct {
	Op  BinaryOperator
	Lhs Expr
	Rhs Expr
}

type HexConst uint16
type DecimalConst int16
type NameExpr string

type CallExpr struct {
	Func Expr
	Args []Expr
}

// AbstractExpr is a macro-style pseudo-call, e.g. PTR_16(...) or CALL_FAR(...).
type AbstractExpr struct {
	Name string
	Args []Expr
}

type ArrayAccess struct {
	Lhs Expr
	Idx Expr
}

type StructAccess struct {
	Lhs    Expr
	Member string
}

type DerefExpr struct {
	Expr Expr
}

type CastExpr struct {
	Typ  types.Type
	Expr Expr
}

func (*UnaryExpr) isExpr()    {}
func (*BinaryExpr) isExpr()   {}
func (HexConst) isExpr()      {}
func (DecimalConst) isExpr()  {}
func (NameExpr) isExpr()      {}
func (*CallExpr) isExpr()     {}
func (*AbstractExpr) isExpr() {}
func (*ArrayAccess) isExpr()  {}
func (*StructAccess) isExpr() {}
func (*DerefExpr) isExpr()    {}
func (*CastExpr) isExpr()     {}

func unary(op UnaryOperator, rhs Expr) Expr {
	return &UnaryExpr{Op: op, Rhs: rhs}
}

func binary(op BinaryOperator, lhs, rhs Expr) Expr {
	return &BinaryExpr{Op: op, Lhs: lhs, Rhs: rhs}
}

// Stmt is a statement node.
type Stmt interface{ isStmt() }

type Label string

type Assign struct {
	DeclType *types.Type
	Lhs      Expr
	Rhs      Expr
}

type ExprStmt struct {
	Expr Expr
}

type GotoStmt struct {
	Label Label
}

type CondGoto struct {
	Cond       Expr
	LabelTrue  Label
	LabelFalse Label
}

type ReturnKind uint8

const (
	ReturnNear ReturnKind = iota
	ReturnFar
)

type Return struct {
	Kind ReturnKind
	Vals []Expr
}

type LoopStmt struct {
	Body Block
}

type IfStmt struct {
	Cond     Expr
	ThenBody Block
}

type SwitchCase struct {
	Cases []Expr
	Body  Block
}

type SwitchStmt struct {
	SwitchVal Expr
	Cases     []SwitchCase
	Default   *Block
}

type Unreachable struct{}

func (Label) isStmt()        {}
func (*Assign) isStmt()      {}
func (*ExprStmt) isStmt()    {}
func (*GotoStmt) isStmt()    {}
func (*CondGoto) isStmt()    {}
func (*Return) isStmt()      {}
func (*LoopStmt) isStmt()    {}
func (*IfStmt) isStmt()      {}
func (*SwitchStmt) isStmt()  {}
func (*Unreachable) isStmt() {}

// Block is a statement sequence.
type Block struct {
	Stmts []Stmt
}

func (b *Block) push(s Stmt) {
	b.Stmts = append(b.Stmts, s)
}

// VarDecl groups declared variable names by type.
type VarDecl struct {
	Typ   types.Type
	Names []string
}

// VarMap is a macro-style mapping of a stack symbol name to its memory
// expression, emitted once per function.
type VarMap struct {
	Typ         types.Type
	Name        string
	MappingExpr Expr
}

// Function is the final AST of one decompiled function.
type Function struct {
	Name     string
	Ret      *types.Type
	VarDecls []VarDecl
	VarMaps  []VarMap
	Body     Block
}

type astBuilder struct {
	cfg   *config.Config
	ir    *ir.IR
	cf    *ctrlflow.ControlFlow
	nUses map[ir.Ref]int

	tempNames map[ir.Ref]string
	tempCount int

	assignOrder []string
	assignTypes map[string]types.Type
	assigned    map[string]bool
	mappings    map[string]VarMap
}

// FromIR lowers IR and control flow into a Function.
func FromIR(cfg *config.Config, name string, ret *types.Type, irp *ir.IR, cf *ctrlflow.ControlFlow) *Function {
	b := &astBuilder{
		cfg:         cfg,
		ir:          irp,
		cf:          cf,
		nUses:       irp.ComputeUses(),
		tempNames:   make(map[ir.Ref]string),
		assignTypes: make(map[string]types.Type),
		assigned:    make(map[string]bool),
		mappings:    make(map[string]VarMap),
	}
	return b.build(name, ret)
}

func (b *astBuilder) lookupUses(r ir.Ref) int {
	return b.nUses[r]
}

func (b *astBuilder) refName(r ir.Ref) string {
	if fn, ok := b.ir.Names[r]; ok {
		return fmt.Sprintf("%s_%d", fn.Name, fn.Num)
	}
	if n, ok := b.tempNames[r]; ok {
		return n
	}
	name := fmt.Sprintf("tmp_%d", b.tempCount)
	b.tempCount++
	b.tempNames[r] = name
	return name
}

func (b *astBuilder) refToUnaryExpr(r ir.Ref, depth int, hexConst bool) (Expr, bool) {
	instr := b.ir.Instr(r)

	var op UnaryOperator
	switch instr.Opcode {
	case ir.Neg:
		op = UnaryNeg
	case ir.Not:
		op = UnaryBitwiseNot
	default:
		return nil, false
	}

	rhs := b.refToExprHex(instr.Operands[0], depth+1, hexConst)
	return unary(op, rhs), true
}

func (b *astBuilder) refToBinaryExpr(r ir.Ref, depth int, hexConst bool, inverted *bool) (Expr, bool) {
	instr := b.ir.Instr(r)

	var op BinaryOperator
	var signed bool
	switch instr.Opcode {
	case ir.Add:
		op = BinaryAdd
	case ir.Sub:
		op = BinarySub
	case ir.IMul:
		op, signed = BinaryMul, true
	case ir.UMul:
		op = BinaryMul
	case ir.IDiv:
		op, signed = BinaryDiv, true
	case ir.UDiv:
		op = BinaryDiv
	case ir.And:
		op = BinaryAnd
	case ir.Or:
		op = BinaryOr
	case ir.Xor:
		op = BinaryXor
	case ir.Shl:
		op = BinaryShl
	case ir.Shr:
		op, signed = BinaryShr, true
	case ir.UShr:
		op = BinaryShr
	case ir.Eq:
		op = BinaryEq
	case ir.Neq:
		op = BinaryNeq
	case ir.Gt:
		op, signed = BinaryGt, true
	case ir.Geq:
		op, signed = BinaryGeq, true
	case ir.Lt:
		op, signed = BinaryLt, true
	case ir.Leq:
		op, signed = BinaryLeq, true
	case ir.UGt:
		op = BinaryGt
	case ir.UGeq:
		op = BinaryGeq
	case ir.ULt:
		op = BinaryLt
	case ir.ULeq:
		op = BinaryLeq
	default:
		return nil, false
	}

	// Fold the requested inversion into the comparison when possible
	if *inverted {
		if inv, ok := op.invert(); ok {
			*inverted = false
			op = inv
		}
	}

	lhs := b.refToExprHex(instr.Operands[0], depth+1, hexConst)
	rhs := b.refToExprHex(instr.Operands[1], depth+1, hexConst)

	if signed {
		lhs = &CastExpr{Typ: types.I16, Expr: lhs}
		rhs = &CastExpr{Typ: types.I16, Expr: rhs}
	}

	return binary(op, lhs, rhs), true
}

func (b *astBuilder) refToExpr(r ir.Ref, depth int) Expr {
	return b.refToExprInverted(r, depth, false)
}

func (b *astBuilder) refToExprHex(r ir.Ref, depth int, hexConst bool) Expr {
	inverted := false
	return b.refToExprImpl(r, depth, hexConst, &inverted)
}

// refToExprInverted converts a ref, applying condition inversion either by
// flipping a comparison or by wrapping in a logical not.
func (b *astBuilder) refToExprInverted(r ir.Ref, depth int, inverted bool) Expr {
	expr := b.refToExprImpl(r, depth, false, &inverted)
	if inverted {
		expr = unary(UnaryLogicalNot, expr)
	}
	return expr
}

// depth==0: the instruction itself (must generate the expression)
// depth>0:  an operand position (may reference a named temporary instead)
func (b *astBuilder) refToExprImpl(r ir.Ref, depth int, hexConst bool, inverted *bool) Expr {
	if k, ok := b.ir.LookupConst(r); ok {
		if hexConst || k >= 256 || k <= -256 {
			return HexConst(uint16(k))
		}
		return DecimalConst(k)
	}
	if r.Kind == ir.RefInit {
		return NameExpr(r.Reg.Info().Name)
	}

	instr := b.ir.Instr(r)
	if instr == nil {
		panic(fmt.Sprintf("cannot convert ref to expression: %+v", r))
	}
	if depth != 0 && (b.lookupUses(r) != 1 || instr.Opcode.IsCall()) {
		return NameExpr(b.refName(r))
	}

	if expr, ok := b.refToUnaryExpr(r, depth, hexConst); ok {
		return expr
	}
	if expr, ok := b.refToBinaryExpr(r, depth, hexConst, inverted); ok {
		return expr
	}

	switch instr.Opcode {
	case ir.RefOp:
		return b.refToExpr(instr.Operands[0], depth+1)

	case ir.Load8:
		return b.loadExpr(instr, depth, "PTR_8")
	case ir.Load16:
		return b.loadExpr(instr, depth, "PTR_16")
	case ir.Load32:
		return b.loadExpr(instr, depth, "PTR_32")

	case ir.Upper16:
		lhs := b.refToExprHex(instr.Operands[0], depth+1, hexConst)
		return &CastExpr{Typ: types.U16, Expr: binary(BinaryShr, lhs, DecimalConst(16))}

	case ir.Lower16:
		lhs := b.refToExprHex(instr.Operands[0], depth+1, hexConst)
		return &CastExpr{Typ: types.U16, Expr: lhs}

	case ir.ReadVar8, ir.ReadVar16, ir.ReadVar32:
		return b.symbolToExpr(instr.Operands[0].UnwrapSymbol())

	case ir.CallArgs:
		funcIdx := instr.Operands[0].UnwrapFunc()
		funcName := b.ir.Funcs[funcIdx]
		args := make([]Expr, 0, len(instr.Operands)-1)
		for _, a := range instr.Operands[1:] {
			args = append(args, b.refToExpr(a, depth+1))
		}
		return &CallExpr{Func: NameExpr(funcName), Args: args}

	case ir.CallFar:
		return b.abstractCall(instr, depth, "CALL_FAR")
	case ir.CallNear:
		return b.abstractCall(instr, depth, "CALL_NEAR")
	case ir.CallPtr:
		return b.abstractCall(instr, depth, "CALL_FAR_INDIRECT")

	case ir.Phi:
		// Generally handled by jmp, but other expressions using a phi can
		// land here; the name is enough.
		return NameExpr(b.refName(r))

	case ir.Make32:
		args := make([]Expr, 0, len(instr.Operands))
		for _, oper := range instr.Operands {
			args = append(args, b.refToExpr(oper, depth+1))
		}
		return &AbstractExpr{Name: "MAKE_32", Args: args}

	case ir.SignExtTo32:
		rhs := b.refToExpr(instr.Operands[0], depth+1)
		return &CastExpr{Typ: types.I32, Expr: &CastExpr{Typ: types.I16, Expr: rhs}}

	case ir.SignFlags:
		args := make([]Expr, 0, len(instr.Operands))
		for _, oper := range instr.Operands {
			args = append(args, b.refToExpr(oper, depth+1))
		}
		return &AbstractExpr{Name: "SIGN_FLAGS", Args: args}

	case ir.Unimpl:
		args := make([]Expr, 0, len(instr.Operands))
		for _, oper := range instr.Operands {
			args = append(args, b.refToExpr(oper, depth+1))
		}
		return &AbstractExpr{Name: "UNIMPL", Args: args}
	}

	panic(fmt.Sprintf("unimplemented %v in ast converter", instr.Opcode))
}

func (b *astBuilder) loadExpr(instr *ir.Instr, depth int, ptr string) Expr {
	seg := b.refToExprHex(instr.Operands[0], depth+1, true)
	off := b.refToExprHex(instr.Operands[1], depth+1, true)
	return &DerefExpr{Expr: &AbstractExpr{Name: ptr, Args: []Expr{seg, off}}}
}

func (b *astBuilder) abstractCall(instr *ir.Instr, depth int, name string) Expr {
	args := make([]Expr, 0, len(instr.Operands))
	for _, oper := range instr.Operands {
		args = append(args, b.refToExprHex(oper, depth+1, true))
	}
	return &AbstractExpr{Name: name, Args: args}
}

// symbolToExpr converts a symbol access, recursing through composite types
// and registering the macro mapping for stack symbols on first use.
func (b *astBuilder) symbolToExpr(symref ir.SymbolRef) Expr {
	sym := b.ir.Symbols.Symbol(symref)

	if symref.Table == ir.SymLocal || symref.Table == ir.SymParam {
		if _, ok := b.mappings[sym.Name]; !ok {
			seg := NameExpr(asm.SS.Info().Name)
			off := binary(BinaryAdd, NameExpr(asm.SP.Info().Name), HexConst(uint16(sym.Off)))

			ptrSz := "PTR_16"
			switch sym.Typ.Kind {
			case types.KindU8, types.KindI8:
				ptrSz = "PTR_8"
			case types.KindU32, types.KindI32:
				ptrSz = "PTR_32"
			}
			implExpr := &DerefExpr{Expr: &AbstractExpr{Name: ptrSz, Args: []Expr{seg, off}}}
			b.mappings[sym.Name] = VarMap{Typ: sym.Typ, Name: sym.Name, MappingExpr: implExpr}
		}
	}

	return b.symbolToExprRecurse(NameExpr(sym.Name), sym.Typ, symref.Off, symref.Sz)
}

func (b *astBuilder) symbolToExprRecurse(expr Expr, typ types.Type, accessOff, accessSz int) Expr {
	if !typ.IsPrimitive() {
		switch typ.Kind {
		case types.KindArray:
			if typ.Len < 0 {
				panic("expected datatype to have known array length")
			}
			baseSz, ok := typ.Elem.SizeInBytes(b.cfg.Types)
			if !ok {
				panic(fmt.Sprintf("array basetype has no size: %s", typ.Elem))
			}
			if accessSz > baseSz {
				// Wider than one element (e.g. a u16 access into a
				// byte-array local): fall back to pointer arithmetic
				return addrOfAccess(expr, accessOff, accessSz)
			}
			idx := accessOff / baseSz
			if idx > typ.Len {
				panic("access out of range")
			}
			expr = &ArrayAccess{Lhs: expr, Idx: DecimalConst(int16(idx))}
			return b.symbolToExprRecurse(expr, *typ.Elem, accessOff-idx*baseSz, accessSz)

		case types.KindStruct:
			s := b.cfg.Types.Struct(typ.StructRef)
			if s == nil {
				panic("unknown struct in symbol access")
			}
			accessStart := accessOff
			accessEnd := accessStart + accessSz
			for _, mbr := range s.Members {
				mbrSz, ok := mbr.Typ.SizeInBytes(b.cfg.Types)
				if !ok {
					continue
				}
				mbrStart := int(mbr.Off)
				mbrEnd := mbrStart + mbrSz
				if !(mbrStart <= accessStart && accessEnd <= mbrEnd) {
					continue
				}
				expr = &StructAccess{Lhs: expr, Member: mbr.Name}
				return b.symbolToExprRecurse(expr, mbr.Typ, accessOff-mbrStart, accessSz)
			}
			panic(fmt.Sprintf("failed to find member covering access at +%d in %s", accessOff, s.Name))

		default:
			return addrOfAccess(expr, accessOff, accessSz)
		}
	}

	// Primitive leaf: exact-match accesses use the name directly, partial
	// accesses go through address-of + cast + deref
	typSz, _ := typ.SizeInBytes(b.cfg.Types)
	if accessOff != 0 || accessSz != typSz {
		return addrOfAccess(expr, accessOff, accessSz)
	}
	return expr
}

// addrOfAccess reads accessSz bytes at accessOff inside expr's storage:
// address-of, offset, cast to the access pointer type, deref.
func addrOfAccess(expr Expr, accessOff, accessSz int) Expr {
	expr = unary(UnaryAddr, expr)
	if accessOff != 0 {
		expr = binary(BinaryAdd, expr, HexConst(uint16(accessOff)))
	}
	expr = &CastExpr{Typ: types.Ptr(accessType(accessSz)), Expr: expr}
	return &DerefExpr{Expr: expr}
}

func accessType(sz int) types.Type {
	switch sz {
	case 1:
		return types.U8
	case 2:
		return types.U16
	case 4:
		return types.U32
	}
	panic(fmt.Sprintf("unknown access size: %d", sz))
}

func (b *astBuilder) makeLabel(id ctrlflow.ElemID) Label {
	elem := b.cf.Elem(id)
	bb, ok := elem.Detail.(*ctrlflow.BasicBlock)
	if !ok {
		panic("expected basic block for label")
	}
	return Label(b.ir.Block(bb.BlkRef).Name)
}

func (b *astBuilder) assign(blk *Block, typ types.Type, name string, rhs Expr) {
	if !b.assigned[name] {
		b.assignOrder = append(b.assignOrder, name)
		b.assignTypes[name] = typ
		b.assigned[name] = true
	}
	blk.push(&Assign{Lhs: NameExpr(name), Rhs: rhs})
}

// emitPhis emits the phi-resolving assignments for the edge src -> dst.
func (b *astBuilder) emitPhis(blk *Block, src, dst ir.BlockRef) {
	idx := -1
	for i, pred := range b.ir.Block(dst).Preds {
		if pred == src {
			idx = i
			break
		}
	}
	if idx < 0 {
		panic("phi emission: src is not a pred of dst")
	}

	for _, r := range b.ir.IterInstrs(dst) {
		instr := b.ir.Instr(r)
		if instr.Opcode != ir.Phi {
			continue
		}
		name := b.refName(r)
		rvalue := b.refToExpr(instr.Operands[idx], 1)
		b.assign(blk, instr.Typ, name, rvalue)
	}
}

// emitBlk translates one IR block's instructions; a conditional terminator
// yields the jump condition expression.
func (b *astBuilder) emitBlk(blk *Block, bref ir.BlockRef, invertedCond bool) Expr {
	for _, r := range b.ir.IterInstrs(bref) {
		instr := b.ir.Instr(r)
		switch instr.Opcode {
		case ir.Nop, ir.Phi, ir.Pin:
			continue

		case ir.RetFar, ir.RetNear:
			vals := make([]Expr, 0, len(instr.Operands))
			for _, oper := range instr.Operands {
				vals = append(vals, b.refToExpr(oper, 1))
			}
			kind := ReturnNear
			if instr.Opcode == ir.RetFar {
				kind = ReturnFar
			}
			blk.push(&Return{Kind: kind, Vals: vals})
			return nil

		case ir.Jmp:
			dst := instr.Operands[0].UnwrapBlock()
			b.emitPhis(blk, bref, dst)
			return nil

		case ir.Jne:
			return b.refToExprInverted(instr.Operands[0], 1, invertedCond)

		case ir.JmpTbl:
			return b.refToExpr(instr.Operands[0], 1)

		case ir.WriteVar8, ir.WriteVar16, ir.WriteVar32:
			lhs := b.symbolToExpr(instr.Operands[0].UnwrapSymbol())
			rhs := b.refToExpr(instr.Operands[1], 1)
			blk.push(&Assign{Lhs: lhs, Rhs: rhs})

		case ir.Store8:
			b.emitStore(blk, instr, "PTR_8")
		case ir.Store16:
			b.emitStore(blk, instr, "PTR_16")
		case ir.Store32:
			b.emitStore(blk, instr, "PTR_32")

		case ir.AssertEven:
			val := b.refToExpr(instr.Operands[0], 1)
			cond := binary(BinaryEq, binary(BinaryMod, val, DecimalConst(2)), DecimalConst(0))
			blk.push(&ExprStmt{Expr: &AbstractExpr{Name: "assert", Args: []Expr{cond}}})

		case ir.AssertPos:
			val := b.refToExpr(instr.Operands[0], 1)
			cond := binary(BinaryGeq, &CastExpr{Typ: types.I16, Expr: val}, DecimalConst(0))
			blk.push(&ExprStmt{Expr: &AbstractExpr{Name: "assert", Args: []Expr{cond}}})

		case ir.Int:
			num := b.refToExprHex(instr.Operands[0], 0, true)
			blk.push(&ExprStmt{Expr: &AbstractExpr{Name: "INT", Args: []Expr{num}}})

		default:
			uses := b.nUses[r]
			if uses != 1 || instr.Opcode.IsCall() {
				rvalue := b.refToExpr(r, 0)
				if instr.Typ.Kind == types.KindVoid {
					blk.push(&ExprStmt{Expr: rvalue})
				} else {
					b.assign(blk, instr.Typ, b.refName(r), rvalue)
				}
			}
		}
	}
	panic("IR block should end with a branching instruction")
}

func (b *astBuilder) emitStore(blk *Block, instr *ir.Instr, ptr string) {
	seg := b.refToExprHex(instr.Operands[0], 1, true)
	off := b.refToExprHex(instr.Operands[1], 1, true)
	lhs := &DerefExpr{Expr: &AbstractExpr{Name: ptr, Args: []Expr{seg, off}}}
	rhs := b.refToExpr(instr.Operands[2], 1)
	blk.push(&Assign{Lhs: lhs, Rhs: rhs})
}

func (b *astBuilder) emitJump(blk *Block, jump *ctrlflow.Jump, cond Expr) {
	switch jump.Kind {
	case ctrlflow.JumpNone, ctrlflow.JumpUncondFallthrough:

	case ctrlflow.JumpUncondTarget:
		blk.push(&GotoStmt{Label: b.makeLabel(jump.Target)})

	case ctrlflow.JumpCondTargetTrue, ctrlflow.JumpCondTargetFalse:
		// For CondTargetFalse the condition was already inverted
		label := b.makeLabel(jump.Target)
		thenBody := Block{Stmts: []Stmt{&GotoStmt{Label: label}}}
		blk.push(&IfStmt{Cond: cond, ThenBody: thenBody})

	case ctrlflow.JumpCondTargetBoth:
		blk.push(&CondGoto{
			Cond:       cond,
			LabelTrue:  b.makeLabel(jump.Target),
			LabelFalse: b.makeLabel(jump.Target2),
		})

	case ctrlflow.JumpTable:
		panic("all jump tables should be converted to switch in control flow analysis")
	}
}

// flowCursor walks the flattened control-flow iteration.
type flowCursor struct {
	elems []ctrlflow.IterElem
	pos   int
}

func (c *flowCursor) peek() (ctrlflow.IterElem, bool) {
	if c.pos >= len(c.elems) {
		return ctrlflow.IterElem{}, false
	}
	return c.elems[c.pos], true
}

func (c *flowCursor) next() ctrlflow.IterElem {
	elt := c.elems[c.pos]
	c.pos++
	return elt
}

func (b *astBuilder) convertBasicBlock(blk *Block, cursor *flowCursor) {
	elt := cursor.next()
	bb, ok := elt.Elem.Detail.(*ctrlflow.BasicBlock)
	if !ok {
		panic("expected basic block element")
	}

	if bb.Labeled {
		blk.push(b.makeLabel(elt.ID))
	}

	jump := elt.Elem.Jump
	cond := b.emitBlk(blk, bb.BlkRef, jump.CondInverted())
	b.emitJump(blk, jump, cond)
}

func (b *astBuilder) convertLoop(blk *Block, cursor *flowCursor, depth int) {
	elt := cursor.next()
	if _, ok := elt.Elem.Detail.(*ctrlflow.Loop); !ok {
		panic("expected loop element")
	}

	body := b.convertBody(cursor, depth+1)
	blk.push(&LoopStmt{Body: body})
	b.emitJump(blk, elt.Elem.Jump, nil)
}

func (b *astBuilder) convertIf(blk *Block, cursor *flowCursor, depth int) {
	elt := cursor.next()
	ifstmt, ok := elt.Elem.Detail.(*ctrlflow.If)
	if !ok {
		panic("expected if element")
	}

	bb, ok := b.cf.Elem(ifstmt.Entry).Detail.(*ctrlflow.BasicBlock)
	if !ok {
		panic("expected if entry to be a basic block")
	}
	if bb.Labeled {
		blk.push(b.makeLabel(ifstmt.Entry))
	}
	cond := b.emitBlk(blk, bb.BlkRef, ifstmt.Inverted)
	if cond == nil {
		panic("expected if entry to end in a conditional jump")
	}

	thenBody := b.convertBody(cursor, depth+1)
	blk.push(&IfStmt{Cond: cond, ThenBody: thenBody})
	b.emitJump(blk, elt.Elem.Jump, nil)
}

func (b *astBuilder) convertSwitch(blk *Block, cursor *flowCursor, depth int) {
	elt := cursor.next()
	sw, ok := elt.Elem.Detail.(*ctrlflow.Switch)
	if !ok {
		panic("expected switch element")
	}

	bb, ok := b.cf.Elem(sw.Entry).Detail.(*ctrlflow.BasicBlock)
	if !ok {
		panic("expected switch entry to be a basic block")
	}
	if bb.Labeled {
		blk.push(b.makeLabel(sw.Entry))
	}
	sel := b.emitBlk(blk, bb.BlkRef, false)
	if sel == nil {
		panic("expected switch entry to end in a jump table index expr")
	}

	var cases []SwitchCase
	caseByLabel := make(map[Label]int)

	idx := 0
	for {
		elt, ok := cursor.peek()
		if !ok || elt.Depth <= depth {
			break
		}
		if elt.Depth != depth+1 {
			panic("unexpected nesting inside switch body")
		}
		elt = cursor.next()

		switch det := elt.Elem.Detail.(type) {
		case *ctrlflow.Goto:
			// Cases sharing a target share one emitted goto body
			label := b.makeLabel(det.Target)
			caseIdx, ok := caseByLabel[label]
			if !ok {
				caseIdx = len(cases)
				caseByLabel[label] = caseIdx
				body := Block{Stmts: []Stmt{&GotoStmt{Label: label}}}
				cases = append(cases, SwitchCase{Body: body})
			}
			cases[caseIdx].Cases = append(cases[caseIdx].Cases, DecimalConst(int16(idx)))

		case *ctrlflow.ElemBlock:
			body := b.convertBody(cursor, elt.Depth+1)
			cases = append(cases, SwitchCase{
				Cases: []Expr{DecimalConst(int16(idx))},
				Body:  body,
			})

		default:
			panic("unexpected element kind in switch body")
		}
		idx++
	}

	def := &Block{Stmts: []Stmt{&Unreachable{}}}
	blk.push(&SwitchStmt{SwitchVal: sel, Cases: cases, Default: def})
}

func (b *astBuilder) convertBody(cursor *flowCursor, depth int) Block {
	var blk Block
	for {
		elt, ok := cursor.peek()
		if !ok {
			break
		}
		if elt.Depth > depth {
			panic("skipped a nesting level in control-flow walk")
		}
		if elt.Depth < depth {
			break
		}
		switch elt.Elem.Detail.(type) {
		case *ctrlflow.BasicBlock:
			b.convertBasicBlock(&blk, cursor)
		case *ctrlflow.Loop:
			b.convertLoop(&blk, cursor, depth)
		case *ctrlflow.If:
			b.convertIf(&blk, cursor, depth)
		case *ctrlflow.Switch:
			b.convertSwitch(&blk, cursor, depth)
		default:
			panic("unexpected element kind at body level")
		}
	}
	return blk
}

func (b *astBuilder) build(name string, ret *types.Type) *Function {
	cursor := &flowCursor{elems: b.cf.Iter()}
	body := b.convertBody(cursor, 0)
	if _, ok := cursor.peek(); ok {
		panic("control-flow walk did not consume every element")
	}

	// Group declarations by type to save codegen space
	var vardecls []VarDecl
	typeIdx := make(map[string]int)
	for _, n := range b.assignOrder {
		typ := b.assignTypes[n]
		key := typ.String()
		idx, ok := typeIdx[key]
		if !ok {
			idx = len(vardecls)
			vardecls = append(vardecls, VarDecl{Typ: typ})
			typeIdx[key] = idx
		}
		vardecls[idx].Names = append(vardecls[idx].Names, n)
	}

	var varmaps []VarMap
	mapNames := make([]string, 0, len(b.mappings))
	for n := range b.mappings {
		mapNames = append(mapNames, n)
	}
	sort.Strings(mapNames)
	for _, n := range mapNames {
		varmaps = append(varmaps, b.mappings[n])
	}

	return &Function{
		Name:     name,
		Ret:      ret,
		VarDecls: vardecls,
		VarMaps:  varmaps,
		Body:     body,
	}
}
