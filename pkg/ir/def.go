// Package ir implements the SSA intermediate representation at the center of
// the decompiler: construction from decoded instructions, the optimization
// pass suite, stack/global symbolization, and finalization for control-flow
// recovery.
package ir

import (
	"fmt"

	"github.com/xorvoid/dis86-sub000/pkg/asm"
	"github.com/xorvoid/dis86-sub000/pkg/types"
)

// BlockRef indexes a block in IR.Blocks. Removed blocks leave a nil slot so
// existing refs stay dereferenceable.
type BlockRef int

// RefKind discriminates Ref.
type RefKind uint8

const (
	RefNone RefKind = iota
	RefConst
	RefInstr
	RefInit
	RefBlock
	RefSymbol
	RefFunc
)

// Ref is an opaque, stable, comparable handle to an IR value: a constant, an
// instruction result, an initial register value, a block, a symbol, or a
// called function. Refs are value types and safe as map keys.
type Ref struct {
	Kind RefKind
	Blk  BlockRef  // RefInstr, RefBlock
	Idx  int       // RefConst, RefInstr (DVec index), RefFunc
	Reg  asm.Reg   // RefInit
	Sym  SymbolRef // RefSymbol
}

func ConstRef(idx int) Ref          { return Ref{Kind: RefConst, Idx: idx} }
func InstrRef(b BlockRef, i int) Ref { return Ref{Kind: RefInstr, Blk: b, Idx: i} }
func InitRef(reg asm.Reg) Ref       { return Ref{Kind: RefInit, Reg: reg} }
func BlockRefRef(b BlockRef) Ref    { return Ref{Kind: RefBlock, Blk: b} }
func SymRef(s SymbolRef) Ref        { return Ref{Kind: RefSymbol, Sym: s} }
func FuncRef(idx int) Ref           { return Ref{Kind: RefFunc, Idx: idx} }

func (r Ref) IsConst() bool { return r.Kind == RefConst }
func (r Ref) IsInstr() bool { return r.Kind == RefInstr }

func (r Ref) UnwrapBlock() BlockRef {
	if r.Kind != RefBlock {
		panic("expected block ref")
	}
	return r.Blk
}

func (r Ref) UnwrapSymbol() SymbolRef {
	if r.Kind != RefSymbol {
		panic("expected symbol ref")
	}
	return r.Sym
}

func (r Ref) UnwrapFunc() int {
	if r.Kind != RefFunc {
		panic("expected function ref")
	}
	return r.Idx
}

// Name is an SSA variable name: a machine register or a synthetic variable.
type Name struct {
	IsVar bool
	Reg   asm.Reg
	Var   string
}

func RegName(reg asm.Reg) Name { return Name{Reg: reg} }
func VarName(v string) Name    { return Name{IsVar: true, Var: v} }

func (n Name) String() string {
	if n.IsVar {
		return n.Var
	}
	return n.Reg.Name()
}

// FullName is a display name with an SSA generation number.
type FullName struct {
	Name Name
	Num  int
}

// Instruction attributes.
const (
	AttrNone      uint8 = 0
	AttrMayEscape uint8 = 1 << 0 // memory op may alias something observable
	AttrStackPtr  uint8 = 1 << 1 // SP-relative value, subject to accumulation folding
	AttrPin       uint8 = 1 << 2 // result must be materialized
)

// Opcode enumerates the IR operations.
type Opcode uint8

const (
	Nop Opcode = iota
	Pin
	RefOp // plain copy, fully transparent to propagation
	Phi

	Add
	Sub
	Shl
	Shr  // signed
	UShr // unsigned
	And
	Or
	Xor
	IMul
	UMul
	IDiv
	UDiv

	Neg
	Not

	Lower16     // u32 -> low u16
	Upper16     // u32 -> high u16
	Make32      // (high u16, low u16) -> u32
	SignExtTo32 // i16 -> i32

	Load8
	Load16
	Load32
	Store8
	Store16
	Store32
	ReadVar8
	ReadVar16
	ReadVar32
	WriteVar8
	WriteVar16
	WriteVar32

	UpdateFlags
	EqFlags
	NeqFlags
	GtFlags
	GeqFlags
	LtFlags
	LeqFlags
	UGtFlags
	UGeqFlags
	ULtFlags
	ULeqFlags
	SignFlags

	Eq
	Neq
	Gt
	Geq
	Lt
	Leq
	UGt
	UGeq
	ULt
	ULeq

	CallFar
	CallNear
	CallPtr
	CallArgs
	Int

	RetFar
	RetNear

	Jmp
	Jne
	JmpTbl

	AssertEven
	AssertPos

	Unimpl

	OpcodeCount // sentinel
)

var opcodeNames = map[Opcode]string{
	Nop:         "nop",
	Pin:         "pin",
	RefOp:       "ref",
	Phi:         "phi",
	Add:         "add",
	Sub:         "sub",
	Shl:         "shl",
	Shr:         "shr",
	UShr:        "ushr",
	And:         "and",
	Or:          "or",
	Xor:         "xor",
	IMul:        "imul",
	UMul:        "umul",
	IDiv:        "idiv",
	UDiv:        "udiv",
	Neg:         "neg",
	Not:         "not",
	Lower16:     "lower16",
	Upper16:     "upper16",
	Make32:      "make32",
	SignExtTo32: "signext32",
	Load8:       "load8",
	Load16:      "load16",
	Load32:      "load32",
	Store8:      "store8",
	Store16:     "store16",
	Store32:     "store32",
	ReadVar8:    "readvar8",
	ReadVar16:   "readvar16",
	ReadVar32:   "readvar32",
	WriteVar8:   "writevar8",
	WriteVar16:  "writevar16",
	WriteVar32:  "writevar32",
	UpdateFlags: "updf",
	EqFlags:     "eqf",
	NeqFlags:    "neqf",
	GtFlags:     "gtf",
	GeqFlags:    "geqf",
	LtFlags:     "ltf",
	LeqFlags:    "leqf",
	UGtFlags:    "ugtf",
	UGeqFlags:   "ugeqf",
	ULtFlags:    "ultf",
	ULeqFlags:   "uleqf",
	SignFlags:   "signf",
	Eq:          "eq",
	Neq:         "neq",
	Gt:          "gt",
	Geq:         "geq",
	Lt:          "lt",
	Leq:         "leq",
	UGt:         "ugt",
	UGeq:        "ugeq",
	ULt:         "ult",
	ULeq:        "uleq",
	CallFar:     "callfar",
	CallNear:    "callnear",
	CallPtr:     "callptr",
	CallArgs:    "callargs",
	Int:         "int",
	RetFar:      "retf",
	RetNear:     "retn",
	Jmp:         "jmp",
	Jne:         "jne",
	JmpTbl:      "jmptbl",
	AssertEven:  "assert_even",
	AssertPos:   "assert_pos",
	Unimpl:      "unimpl",
}

func (o Opcode) String() string {
	if s, ok := opcodeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("op%d", int(o))
}

func (o Opcode) IsLoad() bool {
	switch o {
	case Load8, Load16, Load32:
		return true
	}
	return false
}

func (o Opcode) IsStore() bool {
	switch o {
	case Store8, Store16, Store32:
		return true
	}
	return false
}

func (o Opcode) IsMemOp() bool {
	switch o {
	case Load8, Load16, Load32, Store8, Store16, Store32,
		ReadVar8, ReadVar16, ReadVar32, WriteVar8, WriteVar16, WriteVar32:
		return true
	}
	return false
}

func (o Opcode) IsCall() bool {
	switch o {
	case CallFar, CallNear, CallPtr, CallArgs:
		return true
	}
	return false
}

func (o Opcode) IsBranch() bool {
	switch o {
	case Jmp, Jne, JmpTbl, RetNear, RetFar:
		return true
	}
	return false
}

// OperationSize is the byte width of a load/store.
func (o Opcode) OperationSize() int {
	switch o {
	case Load8, Store8:
		return 1
	case Load16, Store16:
		return 2
	case Load32, Store32:
		return 4
	}
	panic("operation size of non-memory opcode")
}

func (o Opcode) HasNoResult() bool {
	switch o {
	case Nop, Store8, Store16, Store32, WriteVar8, WriteVar16, WriteVar32,
		RetFar, RetNear, Jmp, Jne, JmpTbl:
		return true
	}
	return false
}

func (o Opcode) HasSideEffects() bool {
	switch o {
	case Pin, Store8, Store16, Store32, WriteVar8, WriteVar16, WriteVar32,
		CallFar, CallNear, CallPtr, CallArgs, Int,
		RetFar, RetNear, Jmp, Jne, JmpTbl,
		AssertEven, AssertPos, Unimpl:
		return true
	}
	return false
}

// Instr is one IR instruction. Instructions are rewritten in place and never
// physically removed; a deleted instruction becomes a Nop with no operands.
type Instr struct {
	Typ      types.Type
	Attrs    uint8
	Opcode   Opcode
	Operands []Ref
}

// EqualTo reports structural equality, used by CSE and phi common-subexpr.
func (i *Instr) EqualTo(o *Instr) bool {
	if i.Opcode != o.Opcode || i.Attrs != o.Attrs || !i.Typ.Equal(o.Typ) {
		return false
	}
	if len(i.Operands) != len(o.Operands) {
		return false
	}
	for k := range i.Operands {
		if i.Operands[k] != o.Operands[k] {
			return false
		}
	}
	return true
}

// Block is one basic block. Preds may grow while the block is unsealed;
// sealing commits the predecessor set and completes any pending phis.
type Block struct {
	Name           string
	Defs           map[Name]Ref
	Preds          []BlockRef
	Instrs         DVec[Instr]
	Sealed         bool
	IncompletePhis []incompletePhi
}

type incompletePhi struct {
	name Name
	phi  Ref
}

func NewBlock(name string) *Block {
	return &Block{Name: name, Defs: make(map[Name]Ref)}
}

// Exits returns the successor blocks from the block terminator.
func (b *Block) Exits() []BlockRef {
	instr := b.Instrs.Last()
	if instr == nil {
		panic("block has no instructions")
	}
	switch instr.Opcode {
	case RetFar, RetNear:
		return nil
	case Jmp:
		return []BlockRef{instr.Operands[0].UnwrapBlock()}
	case Jne:
		return []BlockRef{instr.Operands[1].UnwrapBlock(), instr.Operands[2].UnwrapBlock()}
	case JmpTbl:
		out := make([]BlockRef, 0, len(instr.Operands)-1)
		for _, oper := range instr.Operands[1:] {
			out = append(out, oper.UnwrapBlock())
		}
		return out
	}
	panic(fmt.Sprintf("expected last instruction to be a branching instruction: %v", instr.Opcode))
}

// IR is the whole function under decompilation.
type IR struct {
	Consts  []int16
	Symbols SymbolMap
	Funcs   []string
	Names   map[Ref]FullName
	nameNum map[Name]int
	Blocks  []*Block // nil entries are removed blocks
}

func NewIR() *IR {
	return &IR{
		Symbols: NewSymbolMap(),
		Names:   make(map[Ref]FullName),
		nameNum: make(map[Name]int),
	}
}

func (ir *IR) Block(b BlockRef) *Block {
	blk := ir.Blocks[b]
	if blk == nil {
		panic(fmt.Sprintf("access to removed block b%d", int(b)))
	}
	return blk
}

func (ir *IR) PushBlock(blk *Block) BlockRef {
	idx := BlockRef(len(ir.Blocks))
	ir.Blocks = append(ir.Blocks, blk)
	return idx
}

// RemoveBlock vacates the slot; the caller must have removed all references.
func (ir *IR) RemoveBlock(b BlockRef) {
	if ir.Blocks[b] == nil {
		panic("removing an already-removed block")
	}
	ir.Blocks[b] = nil
}

// IterBlocks returns the live block refs in block-id order.
func (ir *IR) IterBlocks() []BlockRef {
	out := make([]BlockRef, 0, len(ir.Blocks))
	for i := range ir.Blocks {
		if ir.Blocks[i] != nil {
			out = append(out, BlockRef(i))
		}
	}
	return out
}

// IterInstrs returns refs for every instruction slot in the block, in order.
func (ir *IR) IterInstrs(b BlockRef) []Ref {
	blk := ir.Block(b)
	out := make([]Ref, 0, blk.Instrs.Len())
	for _, idx := range blk.Instrs.Indices() {
		out = append(out, InstrRef(b, idx))
	}
	return out
}

// Instr resolves an instruction ref, or nil for non-instruction refs.
func (ir *IR) Instr(r Ref) *Instr {
	if r.Kind != RefInstr {
		return nil
	}
	return ir.Block(r.Blk).Instrs.At(r.Idx)
}

// PrevRefInBlock returns the previous non-Nop instruction in the same block.
func (ir *IR) PrevRefInBlock(r Ref) (Ref, bool) {
	if r.Kind != RefInstr {
		return Ref{}, false
	}
	blk := ir.Block(r.Blk)
	for i := r.Idx - 1; i >= blk.Instrs.Start(); i-- {
		if blk.Instrs.At(i).Opcode != Nop {
			return InstrRef(r.Blk, i), true
		}
	}
	return Ref{}, false
}

// NextRefInBlock returns the next non-Nop instruction in the same block.
func (ir *IR) NextRefInBlock(r Ref) (Ref, bool) {
	if r.Kind != RefInstr {
		return Ref{}, false
	}
	blk := ir.Block(r.Blk)
	for i := r.Idx + 1; i < blk.Instrs.End(); i++ {
		if blk.Instrs.At(i).Opcode != Nop {
			return InstrRef(r.Blk, i), true
		}
	}
	return Ref{}, false
}

// AppendConst interns a constant, deduplicating repeats.
func (ir *IR) AppendConst(val int16) Ref {
	for i, k := range ir.Consts {
		if k == val {
			return ConstRef(i)
		}
	}
	idx := len(ir.Consts)
	ir.Consts = append(ir.Consts, val)
	return ConstRef(idx)
}

// LookupConst returns the value of a constant ref.
func (ir *IR) LookupConst(r Ref) (int16, bool) {
	if r.Kind != RefConst {
		return 0, false
	}
	return ir.Consts[r.Idx], true
}

func (ir *IR) phiCreate(name Name, blk BlockRef) Ref {
	// Create an empty phi to terminate recursion; operands come later.
	idx := ir.Block(blk).Instrs.PushFront(Instr{
		Typ:    types.U16,
		Opcode: Phi,
	})
	vref := InstrRef(blk, idx)
	ir.SetVar(name, blk, vref)
	return vref
}

func (ir *IR) phiPopulate(name Name, phiref Ref) {
	if phiref.Kind != RefInstr {
		panic("invalid phi ref")
	}
	if ir.Instr(phiref).Opcode != Phi {
		panic("phi populate on a non-phi instruction")
	}

	// Copy preds first: GetVar recursion may mutate the block.
	preds := append([]BlockRef(nil), ir.Block(phiref.Blk).Preds...)
	refs := make([]Ref, 0, len(preds))
	for _, b := range preds {
		refs = append(refs, ir.GetVar(name, b))
	}
	ir.Instr(phiref).Operands = refs
}

// GetVar reads the current SSA value of a name in a block, inserting phis
// on demand. Unsealed blocks get an incomplete phi completed at seal time;
// sealed blocks recurse through predecessors, creating (and registering the
// def first, to terminate cycles) a phi at merge points.
func (ir *IR) GetVar(name Name, blk BlockRef) Ref {
	if val, ok := ir.Block(blk).Defs[name]; ok {
		return val
	}

	if !ir.Block(blk).Sealed {
		phi := ir.phiCreate(name, blk)
		b := ir.Block(blk)
		b.IncompletePhis = append(b.IncompletePhis, incompletePhi{name: name, phi: phi})
		return phi
	}

	preds := ir.Block(blk).Preds
	if len(preds) == 1 {
		return ir.GetVar(name, preds[0])
	}
	phi := ir.phiCreate(name, blk)
	ir.phiPopulate(name, phi)
	return phi
}

// SetVar records a new SSA def for a name in a block.
func (ir *IR) SetVar(name Name, blk BlockRef, r Ref) {
	ir.Block(blk).Defs[name] = r
	ir.setName(name, r)
}

// SealBlock commits the predecessor set and completes pending phis.
func (ir *IR) SealBlock(b BlockRef) {
	blk := ir.Block(b)
	if blk.Sealed {
		panic("block is already sealed")
	}
	blk.Sealed = true
	pending := blk.IncompletePhis
	blk.IncompletePhis = nil
	for _, p := range pending {
		ir.phiPopulate(p.name, p.phi)
	}
}

func (ir *IR) UnsealAllBlocks() {
	for _, b := range ir.IterBlocks() {
		ir.Block(b).Sealed = false
	}
}

func (ir *IR) SealAllBlocks() {
	for _, b := range ir.IterBlocks() {
		ir.SealBlock(b)
	}
}

func (ir *IR) setName(name Name, r Ref) {
	num := ir.nameNum[name]
	if num == 0 {
		num = 1
	}
	ir.nameNum[name] = num + 1
	ir.Names[r] = FullName{Name: name, Num: num}
}

// ComputeUses counts operand references across the whole IR.
func (ir *IR) ComputeUses() map[Ref]int {
	nUses := make(map[Ref]int)
	for _, b := range ir.IterBlocks() {
		for _, r := range ir.IterInstrs(b) {
			for _, oper := range ir.Instr(r).Operands {
				nUses[oper]++
			}
		}
	}
	return nUses
}
