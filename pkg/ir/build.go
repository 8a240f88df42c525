package ir

import (
	"fmt"
	"os"
	"sort"

	"github.com/xorvoid/dis86-sub000/pkg/asm"
	"github.com/xorvoid/dis86-sub000/pkg/binary"
	"github.com/xorvoid/dis86-sub000/pkg/config"
	"github.com/xorvoid/dis86-sub000/pkg/segoff"
	"github.com/xorvoid/dis86-sub000/pkg/types"
)

func simpleBinaryOperation(op asm.Opcode) (Opcode, bool) {
	switch op {
	case asm.OpAdd:
		return Add, true
	case asm.OpSub:
		return Sub, true
	case asm.OpShl:
		return Shl, true
	case asm.OpSar:
		return Shr, true
	case asm.OpShr:
		return UShr, true
	case asm.OpAnd:
		return And, true
	case asm.OpOr:
		return Or, true
	case asm.OpXor:
		return Xor, true
	}
	return Nop, false
}

func simpleUnaryOperation(op asm.Opcode) (Opcode, bool) {
	switch op {
	case asm.OpNeg:
		return Neg, true
	case asm.OpNot:
		return Not, true
	}
	return Nop, false
}

func operandIsStackReg(oper *asm.Operand) bool {
	return oper.Kind == asm.KindReg && (oper.Reg == asm.SP || oper.Reg == asm.BP)
}

type builder struct {
	instrs []asm.Instr
	cfg    *config.Config
	spec   *config.FuncSpec
	bin    *binary.Binary

	ir      *IR
	addrmap map[segoff.SegOff]BlockRef
	cur     BlockRef
	pushCS  bool

	overlay bool
	pinAll  bool
}

// FromInstrs translates a decoded instruction stream into SSA IR.
func FromInstrs(instrs []asm.Instr, cfg *config.Config, spec *config.FuncSpec, bin *binary.Binary, overlay, pinAll bool) (*IR, error) {
	b := &builder{
		instrs:  instrs,
		cfg:     cfg,
		spec:    spec,
		bin:     bin,
		ir:      NewIR(),
		addrmap: make(map[segoff.SegOff]BlockRef),
		overlay: overlay,
		pinAll:  pinAll,
	}

	// Create and seal the entry block, seeding every register slot with its
	// initial value.
	entry := b.newBlock("entry")
	b.cur = entry
	b.ir.SealBlock(entry)
	for reg := asm.Reg(0); reg < asm.RegCount; reg++ {
		b.ir.SetVar(RegName(reg), b.cur, InitRef(reg))
	}

	if err := b.build(); err != nil {
		return nil, err
	}
	return b.ir, nil
}

func (b *builder) newBlock(name string) BlockRef {
	return b.ir.PushBlock(NewBlock(name))
}

func (b *builder) getBlock(addr segoff.SegOff) (BlockRef, error) {
	bref, ok := b.addrmap[addr]
	if !ok {
		return 0, fmt.Errorf("no block at branch target %s", addr)
	}
	return bref, nil
}

func instrStr(ins *asm.Instr) string {
	return asm.FormatIntel(ins.Addr, ins, nil, false)
}

// jumpIndirectTargets matches "jmp WORD PTR cs:[reg+off]" against a
// config-declared jump table and loads its targets from the binary.
func (b *builder) jumpIndirectTargets(ins *asm.Instr, m *asm.OperandMem) ([]segoff.SegOff, error) {
	if m.Sz != asm.Size16 || m.SReg != asm.CS || !m.HasReg1 || m.HasReg2 || !m.HasOff {
		return nil, nil
	}

	// Address of the table in the code segment
	addr := segoff.SegOff{Seg: b.spec.Start.Seg, Off: segoff.Off(m.Off)}

	region := b.cfg.TextRegionLookup(addr, ins.Addr)
	if region == nil {
		return nil, fmt.Errorf("failed to find text section region (%s) for: '%s' at '%s'", addr, instrStr(ins), ins.Addr)
	}

	if region.Typ.Kind != types.KindArray || region.Typ.Len < 0 {
		return nil, fmt.Errorf("expected text section region to be an array of known length (%s) for: '%s'", region.Name, instrStr(ins))
	}
	if !region.Typ.Elem.Equal(types.U16) {
		return nil, fmt.Errorf("expected text section region with basetype u16, got (%s) for: '%s'", region.Name, instrStr(ins))
	}
	n := region.Typ.Len
	if region.Start.AddOffset(uint16(2*n)) != region.End {
		return nil, fmt.Errorf("text section region length inconsistent with its size (%s) for: '%s'", region.Name, instrStr(ins))
	}

	dat := b.bin.Region(region.Start, region.End)
	targets := make([]segoff.SegOff, 0, n)
	for i := 0; i < n; i++ {
		off := uint16(dat[2*i]) | uint16(dat[2*i+1])<<8
		targets = append(targets, segoff.SegOff{Seg: b.spec.Start.Seg, Off: segoff.Off(off)})
	}
	return targets, nil
}

// jumpTargets returns the branch targets of a control-flow instruction,
// or ok=false for a non-branch.
func (b *builder) jumpTargets(ins *asm.Instr) ([]segoff.SegOff, bool, error) {
	// Special handling for some indirect jumps
	if ins.Op == asm.OpJmp && ins.Operands[0].Kind == asm.KindMem {
		targets, err := b.jumpIndirectTargets(ins, &ins.Operands[0].Mem)
		if err != nil {
			return nil, false, err
		}
		if targets != nil {
			return targets, true, nil
		}
		return nil, false, fmt.Errorf("indirect jump form not currently supported for '%s'", instrStr(ins))
	}

	operNum := 0
	fallthru := true
	switch ins.Op {
	case asm.OpJa, asm.OpJae, asm.OpJb, asm.OpJbe, asm.OpJe, asm.OpJne,
		asm.OpJg, asm.OpJge, asm.OpJl, asm.OpJle,
		asm.OpJo, asm.OpJno, asm.OpJp, asm.OpJnp, asm.OpJs, asm.OpJns:
	case asm.OpJcxz, asm.OpLoop:
		operNum = 1
	case asm.OpJmp, asm.OpJmpF:
		fallthru = false
	default:
		return nil, false, nil
	}

	oper := &ins.Operands[operNum]
	if oper.Kind != asm.KindRel {
		return nil, false, fmt.Errorf("unsupported branch instruction: '%s'", instrStr(ins))
	}

	targets := []segoff.SegOff{ins.RelAddr(oper.Rel)}
	if fallthru {
		targets = append(targets, ins.EndAddr())
	}
	return targets, true, nil
}

func (b *builder) appendInstr(typ types.Type, opcode Opcode, operands ...Ref) Ref {
	return b.appendInstrWithAttrs(typ, AttrNone, opcode, operands...)
}

func (b *builder) appendInstrWithAttrs(typ types.Type, attrs uint8, opcode Opcode, operands ...Ref) Ref {
	idx := b.ir.Block(b.cur).Instrs.PushBack(Instr{
		Typ:      typ,
		Attrs:    attrs,
		Opcode:   opcode,
		Operands: operands,
	})
	return InstrRef(b.cur, idx)
}

func (b *builder) appendJmp(next BlockRef) {
	nb := b.ir.Block(next)
	nb.Preds = append(nb.Preds, b.cur)
	b.appendInstr(types.Void, Jmp, BlockRefRef(next))
}

func (b *builder) appendJne(cond Ref, trueBlk, falseBlk BlockRef) {
	tb := b.ir.Block(trueBlk)
	tb.Preds = append(tb.Preds, b.cur)
	fb := b.ir.Block(falseBlk)
	fb.Preds = append(fb.Preds, b.cur)
	b.appendInstr(types.Void, Jne, cond, BlockRefRef(trueBlk), BlockRefRef(falseBlk))
}

func (b *builder) appendJmpTbl(regRef Ref, targets []segoff.SegOff) error {
	// The register was scaled up for the table access; de-scale it. That is
	// not provable in general, so assert the preconditions first.
	b.appendInstr(types.Void, AssertPos, regRef)
	b.appendInstr(types.Void, AssertEven, regRef)
	k := b.ir.AppendConst(1)
	typ := b.deduceTypeBinary(regRef, k)
	idx := b.appendInstr(typ, UShr, regRef, k)

	opers := []Ref{idx}
	for _, tgt := range targets {
		blkref, err := b.getBlock(tgt)
		if err != nil {
			return err
		}
		blk := b.ir.Block(blkref)
		blk.Preds = append(blk.Preds, b.cur)
		opers = append(opers, BlockRefRef(blkref))
	}
	b.appendInstr(types.Void, JmpTbl, opers...)
	return nil
}

func (b *builder) startNextBlock(next segoff.SegOff) error {
	nextRef, err := b.getBlock(next)
	if err != nil {
		return err
	}

	// Stitch a fallthrough jump unless the block already terminated.
	last := b.ir.Block(b.cur).Instrs.Last()
	if last == nil || !last.Opcode.IsBranch() {
		b.appendJmp(nextRef)
	}

	b.cur = nextRef
	if !b.ir.Block(b.cur).Instrs.Empty() {
		panic("switched to a non-empty block")
	}
	return nil
}

/////////////////////////////////////////////////////////////////////////////

func (b *builder) srcReg(reg asm.Reg) Ref {
	return b.ir.GetVar(RegName(reg), b.cur)
}

func (b *builder) dstReg(reg asm.Reg, vref Ref) {
	if b.pinAll {
		vref = b.appendInstrWithAttrs(types.U16, AttrPin, RefOp, vref)
	}
	b.ir.SetVar(RegName(reg), b.cur, vref)
}

func (b *builder) computeMemAddress(mem *asm.OperandMem) Ref {
	var refs []Ref
	if mem.HasReg2 {
		refs = append(refs, b.ir.GetVar(RegName(mem.Reg2), b.cur))
	}
	if mem.HasReg1 {
		refs = append(refs, b.ir.GetVar(RegName(mem.Reg1), b.cur))
	}
	if mem.HasOff {
		refs = append(refs, b.ir.AppendConst(int16(mem.Off)))
	}

	attr := AttrNone
	if mem.SReg == asm.SS {
		attr = AttrStackPtr
	}

	switch len(refs) {
	case 1:
		return refs[0]
	case 2:
		typ := b.deduceTypeBinary(refs[0], refs[1])
		return b.appendInstrWithAttrs(typ, attr, Add, refs[0], refs[1])
	case 3:
		typ := b.deduceTypeBinary(refs[0], refs[1])
		lhs := b.appendInstrWithAttrs(typ, attr, Add, refs[0], refs[1])
		typ = b.deduceTypeBinary(lhs, refs[2])
		return b.appendInstrWithAttrs(typ, attr, Add, lhs, refs[2])
	}
	panic("memory operand with no components")
}

func (b *builder) srcMem(mem *asm.OperandMem) Ref {
	addr := b.computeMemAddress(mem)
	seg := b.ir.GetVar(RegName(mem.SReg), b.cur)

	var typ types.Type
	var opcode Opcode
	switch mem.Sz {
	case asm.Size8:
		typ, opcode = types.U8, Load8
	case asm.Size16:
		typ, opcode = types.U16, Load16
	case asm.Size32:
		typ, opcode = types.U32, Load32
	}
	return b.appendInstrWithAttrs(typ, memEscapeAttr(mem), opcode, seg, addr)
}

// memEscapeAttr: stack accesses are frame-local and eligible for promotion;
// anything else may alias observable memory.
func memEscapeAttr(mem *asm.OperandMem) uint8 {
	if mem.SReg == asm.SS {
		return AttrNone
	}
	return AttrMayEscape
}

func (b *builder) dstMem(mem *asm.OperandMem, vref Ref) {
	addr := b.computeMemAddress(mem)
	seg := b.ir.GetVar(RegName(mem.SReg), b.cur)

	var opcode Opcode
	switch mem.Sz {
	case asm.Size8:
		opcode = Store8
	case asm.Size16:
		opcode = Store16
	default:
		panic("32-bit stores not supported")
	}

	attr := memEscapeAttr(mem)
	if b.pinAll {
		attr |= AttrPin
	}
	b.appendInstrWithAttrs(types.Void, attr, opcode, seg, addr, vref)
}

func (b *builder) srcOperand(oper *asm.Operand) Ref {
	switch oper.Kind {
	case asm.KindReg:
		return b.srcReg(oper.Reg)
	case asm.KindMem:
		return b.srcMem(&oper.Mem)
	case asm.KindImm:
		return b.ir.AppendConst(int16(oper.Imm.Val))
	}
	panic(fmt.Sprintf("unsupported source operand kind: %d", oper.Kind))
}

func (b *builder) dstOperand(oper *asm.Operand, vref Ref) {
	switch oper.Kind {
	case asm.KindReg:
		b.dstReg(oper.Reg, vref)
	case asm.KindMem:
		b.dstMem(&oper.Mem, vref)
	default:
		panic("invalid destination operand kind")
	}
}

func (b *builder) getFlags() Ref {
	return b.ir.GetVar(RegName(asm.FLAGS), b.cur)
}

func (b *builder) setFlags(vref Ref) {
	b.ir.SetVar(RegName(asm.FLAGS), b.cur, vref)
}

func (b *builder) appendUpdateFlags(vref Ref) {
	oldFlags := b.getFlags()
	newFlags := b.appendInstr(types.U16, UpdateFlags, oldFlags, vref)
	b.setFlags(newFlags)
}

func (b *builder) pinRegister(reg asm.Reg) {
	vref := b.ir.GetVar(RegName(reg), b.cur)
	pin := b.appendInstr(types.Void, Pin, vref)
	b.ir.SetVar(RegName(reg), b.cur, pin)
}

func (b *builder) returnVals() ([]Ref, error) {
	ax := b.ir.GetVar(RegName(asm.AX), b.cur)
	dx := b.ir.GetVar(RegName(asm.DX), b.cur)
	if b.spec.Func == nil {
		// Assume worst case: DX:AX return
		return []Ref{ax, dx}, nil
	}
	switch b.spec.Func.Ret.Kind {
	case types.KindVoid:
		return nil, nil
	case types.KindU8, types.KindI8, types.KindU16, types.KindI16:
		return []Ref{ax}, nil
	case types.KindU32, types.KindI32:
		return []Ref{ax, dx}, nil
	}
	return nil, fmt.Errorf("unsupported function return type: %s", b.spec.Func.Ret)
}

func (b *builder) pinRegisters() {
	// Caller-saved registers don't need pinning.. unless pin_all
	if b.pinAll {
		b.pinRegister(asm.AX)
		b.pinRegister(asm.CX)
		b.pinRegister(asm.DX)
		b.pinRegister(asm.BX)
		b.pinRegister(asm.ES)
	}

	b.pinRegister(asm.SP)
	b.pinRegister(asm.BP)
	b.pinRegister(asm.SI)
	b.pinRegister(asm.DI)

	b.pinRegister(asm.SS)
	b.pinRegister(asm.DS)
}

func (b *builder) appendPush(vref Ref) {
	ss := b.ir.GetVar(RegName(asm.SS), b.cur)
	sp := b.ir.GetVar(RegName(asm.SP), b.cur)
	k := b.ir.AppendConst(2)

	sp = b.appendInstrWithAttrs(types.U16, AttrStackPtr, Sub, sp, k)
	b.ir.SetVar(RegName(asm.SP), b.cur, sp)

	b.appendInstr(types.Void, Store16, ss, sp, vref)
}

func (b *builder) appendPop() Ref {
	ss := b.ir.GetVar(RegName(asm.SS), b.cur)
	sp := b.ir.GetVar(RegName(asm.SP), b.cur)
	k := b.ir.AppendConst(2)

	val := b.appendInstr(types.U16, Load16, ss, sp)
	sp = b.appendInstrWithAttrs(types.U16, AttrStackPtr, Add, sp, k)
	b.ir.SetVar(RegName(asm.SP), b.cur, sp)

	return val
}

// heuristicInferCallArguments guesses an argument count from the call-site
// context: consecutive pushes before the call and the stack cleanup just
// after. The guess may be wrong, so it always warns.
func (b *builder) heuristicInferCallArguments(ins *asm.Instr, warnMsg string) int {
	idx := b.instrIndex(ins)

	bytesPushedBefore := 0
	for i := idx - 1; i >= 0; i-- {
		if b.instrs[i].Op != asm.OpPush {
			break
		}
		bytesPushedBefore += 2
	}

	bytesCleanupAfter := 0
	if idx+1 < len(b.instrs) {
		cleanup := &b.instrs[idx+1]
		switch cleanup.Op {
		case asm.OpPop:
			if cleanup.Operands[0].Kind == asm.KindReg && cleanup.Operands[0].Reg == asm.CX {
				bytesCleanupAfter = 2
			}
		case asm.OpAdd:
			if cleanup.Operands[0].Kind == asm.KindReg && cleanup.Operands[0].Reg == asm.SP &&
				cleanup.Operands[1].Kind == asm.KindImm {
				bytesCleanupAfter = int(cleanup.Operands[1].Imm.Val)
			}
		}
	}

	if bytesPushedBefore >= bytesCleanupAfter && bytesCleanupAfter%2 == 0 {
		n := bytesCleanupAfter / 2
		fmt.Fprintf(os.Stderr, "WARN: %s, inferred %d arg(s)... possibly erroneously\n", warnMsg, n)
		return n
	}
	// More bytes cleaned up than pushed: pessimize
	fmt.Fprintf(os.Stderr, "WARN: %s, failed to infer, assuming 0 arg(s)... very likely erroneously\n", warnMsg)
	return 0
}

func (b *builder) instrIndex(ins *asm.Instr) int {
	for i := range b.instrs {
		if &b.instrs[i] == ins {
			return i
		}
	}
	panic("instruction not in stream")
}

func (b *builder) loadArgsFromStack(n int) []Ref {
	ss := b.ir.GetVar(RegName(asm.SS), b.cur)
	sp := b.ir.GetVar(RegName(asm.SP), b.cur)
	args := make([]Ref, 0, n)
	for i := 0; i < n; i++ {
		off := sp
		if i != 0 {
			k := b.ir.AppendConst(int16(2 * i))
			off = b.appendInstrWithAttrs(types.U16, AttrStackPtr, Add, sp, k)
		}
		args = append(args, b.appendInstr(types.U16, Load16, ss, off))
	}
	return args
}

func (b *builder) saveReturnValue(retType types.Type, retRef Ref) error {
	switch retType.Kind {
	case types.KindVoid:
		return nil
	case types.KindU8, types.KindI8, types.KindU16, types.KindI16:
		b.ir.SetVar(RegName(asm.AX), b.cur, retRef)
		return nil
	case types.KindU32, types.KindI32, types.KindUnknown:
		// Assume worst-case u32 for unknown
		upper, lower := b.appendUpperLowerSplit(retRef)
		b.ir.SetVar(RegName(asm.DX), b.cur, upper)
		b.ir.SetVar(RegName(asm.AX), b.cur, lower)
		return nil
	}
	return fmt.Errorf("unsupported function return type: %s", retType)
}

func (b *builder) processCallfIndirect(ins *asm.Instr) error {
	var retType types.Type
	var nargs int
	if indirect := b.cfg.IndirectLookup(ins.Addr); indirect != nil {
		retType, nargs = indirect.Ret, indirect.Args
	} else {
		retType = types.Unknown
		nargs = b.heuristicInferCallArguments(ins, fmt.Sprintf(
			"Unknown ptr call from '%s' at binary loc %s", instrStr(ins), ins.Addr))
	}

	addr := b.srcOperand(&ins.Operands[0])
	operands := append([]Ref{addr}, b.loadArgsFromStack(nargs)...)
	retRef := b.appendInstr(retType, CallPtr, operands...)
	return b.saveReturnValue(retType, retRef)
}

func (b *builder) processCallKnown(fn *config.Func, ins *asm.Instr) error {
	idx := len(b.ir.Funcs)
	b.ir.Funcs = append(b.ir.Funcs, fn.Name)

	nargs := fn.Args
	if nargs < 0 {
		nargs = b.heuristicInferCallArguments(ins, fmt.Sprintf("Far call to %s with unknown args", fn.Name))
	}

	operands := append([]Ref{FuncRef(idx)}, b.loadArgsFromStack(nargs)...)
	retRef := b.appendInstr(fn.Ret, CallArgs, operands...)
	if err := b.saveReturnValue(fn.Ret, retRef); err != nil {
		return err
	}

	if fn.DontPopArgs {
		sp := b.ir.GetVar(RegName(asm.SP), b.cur)
		k := b.ir.AppendConst(int16(2 * nargs))
		sp = b.appendInstrWithAttrs(types.U16, AttrStackPtr, Add, sp, k)
		b.ir.SetVar(RegName(asm.SP), b.cur, sp)
	}
	return nil
}

func (b *builder) appendRegArgs(regargs []asm.Reg) {
	for _, reg := range regargs {
		vref := b.ir.GetVar(RegName(reg), b.cur)
		sym := b.ir.Symbols.RegisterSymbol(reg)
		b.appendInstrWithAttrs(types.U16, AttrPin, WriteVar16, SymRef(sym), vref)
	}
}

func (b *builder) processCallSegOff(addr segoff.SegOff, mode config.CallMode, ins *asm.Instr) error {
	if fn := b.cfg.FuncLookup(addr); fn != nil {
		if fn.Mode != mode {
			return fmt.Errorf("found function %s but its call mode doesn't match: expected %s, got %s", fn.Name, mode, fn.Mode)
		}
		b.appendRegArgs(fn.RegArgs)
		return b.processCallKnown(fn, ins)
	}

	// Unknown function
	retType := types.Unknown
	nargs := b.heuristicInferCallArguments(ins, fmt.Sprintf("Unknown call to %s", addr))

	var seg Ref
	if addr.Seg.Overlay {
		seg = b.ir.AppendConst(-int16(addr.Seg.Num))
	} else {
		seg = b.ir.AppendConst(int16(addr.Seg.Num))
	}
	off := b.ir.AppendConst(int16(addr.Off))

	operands := append([]Ref{seg, off}, b.loadArgsFromStack(nargs)...)
	opcode := CallNear
	if mode == config.CallFar {
		opcode = CallFar
	}
	retRef := b.appendInstr(retType, opcode, operands...)
	return b.saveReturnValue(retType, retRef)
}

func (b *builder) processCallf(ins *asm.Instr) error {
	if ins.Operands[0].Kind != asm.KindFar {
		return b.processCallfIndirect(ins)
	}
	far := ins.Operands[0].Far

	var seg segoff.Seg
	if b.overlay {
		// Far calls from overlays go through stub segments: remap
		s, err := b.bin.RemapToSegment(far.Seg)
		if err != nil {
			return err
		}
		seg = s
	} else {
		seg = segoff.Normal(far.Seg)
	}
	addr := segoff.SegOff{Seg: seg, Off: segoff.Off(far.Off)}
	return b.processCallSegOff(addr, config.CallFar, ins)
}

func (b *builder) processCalln(ins *asm.Instr, csPushed bool) error {
	if ins.Operands[0].Kind != asm.KindRel {
		return fmt.Errorf("expected near call to have relative operand: '%s'", instrStr(ins))
	}
	addr := ins.RelAddr(ins.Operands[0].Rel)
	if csPushed {
		// "push cs; call near" is a far call in disguise: the callee returns
		// with retf. Pop CS back off and treat it as a far call.
		b.appendPop()
		return b.processCallSegOff(addr, config.CallFar, ins)
	}
	return b.processCallSegOff(addr, config.CallNear, ins)
}

func (b *builder) appendCondJump(ins *asm.Instr, compareOpcode Opcode) error {
	if ins.Operands[0].Kind != asm.KindRel {
		return fmt.Errorf("expected relative offset operand for '%s'", instrStr(ins))
	}

	falseBlk, err := b.getBlock(ins.EndAddr())
	if err != nil {
		return err
	}
	trueBlk, err := b.getBlock(ins.RelAddr(ins.Operands[0].Rel))
	if err != nil {
		return err
	}

	flags := b.getFlags()
	cond := b.appendInstr(types.U16, compareOpcode, flags)
	b.appendJne(cond, trueBlk, falseBlk)
	return nil
}

func (b *builder) appendCondSet(ins *asm.Instr, compareOpcode Opcode) {
	flags := b.getFlags()
	cond := b.appendInstr(types.U8, compareOpcode, flags)
	b.dstOperand(&ins.Operands[0], cond)
}

func (b *builder) appendSignJump(ins *asm.Instr, wantSet bool) error {
	if ins.Operands[0].Kind != asm.KindRel {
		return fmt.Errorf("expected relative offset operand for '%s'", instrStr(ins))
	}

	falseBlk, err := b.getBlock(ins.EndAddr())
	if err != nil {
		return err
	}
	trueBlk, err := b.getBlock(ins.RelAddr(ins.Operands[0].Rel))
	if err != nil {
		return err
	}

	flags := b.getFlags()
	sign := b.appendInstr(types.U16, SignFlags, flags)
	z := b.ir.AppendConst(0)
	cmp := Eq
	if wantSet {
		cmp = Neq
	}
	cond := b.appendInstr(types.U16, cmp, sign, z)
	b.appendJne(cond, trueBlk, falseBlk)
	return nil
}

func (b *builder) appendUpperLowerSplit(r Ref) (upper, lower Ref) {
	upper = b.appendInstr(types.U16, Upper16, r)
	lower = b.appendInstr(types.U16, Lower16, r)
	return upper, lower
}

func (b *builder) deduceTypeUnary(a Ref) types.Type {
	switch a.Kind {
	case RefInstr:
		return b.ir.Instr(a).Typ
	case RefInit:
		return types.U16
	}
	return types.Unknown
}

func (b *builder) deduceTypeBinary(a, c Ref) types.Type {
	aTyp := b.deduceTypeUnary(a)
	cTyp := b.deduceTypeUnary(c)
	switch {
	case aTyp.Equal(cTyp):
		return aTyp
	case aTyp.Kind == types.KindUnknown:
		return cTyp
	case cTyp.Kind == types.KindUnknown:
		return aTyp
	}
	return types.Unknown
}

func (b *builder) appendAsmInstr(ins *asm.Instr) error {
	if ins.Rep != asm.RepNone {
		return fmt.Errorf("rep prefixes not supported: '%s'", instrStr(ins))
	}

	csPushed := b.pushCS
	b.pushCS = false

	if opcode, ok := simpleUnaryOperation(ins.Op); ok {
		a := b.srcOperand(&ins.Operands[0])
		typ := b.deduceTypeUnary(a)
		vref := b.appendInstr(typ, opcode, a)
		b.dstOperand(&ins.Operands[0], vref)
		return nil
	}

	if opcode, ok := simpleBinaryOperation(ins.Op); ok {
		attr := AttrNone
		if operandIsStackReg(&ins.Operands[0]) {
			attr = AttrStackPtr
		}
		a := b.srcOperand(&ins.Operands[0])
		c := b.srcOperand(&ins.Operands[1])
		typ := b.deduceTypeBinary(a, c)
		vref := b.appendInstrWithAttrs(typ, attr, opcode, a, c)
		b.dstOperand(&ins.Operands[0], vref)
		b.appendUpdateFlags(vref)
		return nil
	}

	switch ins.Op {
	case asm.OpNop:
		return nil

	case asm.OpSbb, asm.OpAdc, asm.OpRcl, asm.OpRcr, asm.OpRol, asm.OpRor:
		// These consume the carry flag as an input. UpdateFlags is only a
		// placeholder for flag state, so the semantics can't be captured;
		// emit Unimpl and let a human sort out the output.
		a := b.srcOperand(&ins.Operands[0])
		c := b.srcOperand(&ins.Operands[1])
		typ := b.deduceTypeBinary(a, c)
		vref := b.appendInstr(typ, Unimpl, a, c)
		b.dstOperand(&ins.Operands[0], vref)
		b.appendUpdateFlags(vref)
		return nil

	case asm.OpLoop:
		// Step 1: CX := CX - 1
		cx := b.srcOperand(&ins.Operands[0])
		one := b.ir.AppendConst(1)
		cx = b.appendInstr(types.U16, Sub, cx, one)
		b.dstOperand(&ins.Operands[0], cx)

		// Step 2: jump when CX != 0
		if ins.Operands[1].Kind != asm.KindRel {
			return fmt.Errorf("expected relative offset operand for LOOP")
		}
		falseBlk, err := b.getBlock(ins.EndAddr())
		if err != nil {
			return err
		}
		trueBlk, err := b.getBlock(ins.RelAddr(ins.Operands[1].Rel))
		if err != nil {
			return err
		}
		z := b.ir.AppendConst(0)
		cond := b.appendInstr(types.U16, Neq, cx, z)
		b.appendJne(cond, trueBlk, falseBlk)
		return nil

	case asm.OpXchg:
		a := b.srcOperand(&ins.Operands[0])
		c := b.srcOperand(&ins.Operands[1])
		b.dstOperand(&ins.Operands[0], c)
		b.dstOperand(&ins.Operands[1], a)
		return nil

	case asm.OpPush:
		if ins.Operands[0].Kind == asm.KindReg && ins.Operands[0].Reg == asm.CS {
			b.pushCS = true
		}
		a := b.srcOperand(&ins.Operands[0])
		b.appendPush(a)
		return nil

	case asm.OpPop:
		vref := b.appendPop()
		b.dstOperand(&ins.Operands[0], vref)
		return nil

	case asm.OpLeave:
		// mov sp, bp
		vref := b.ir.GetVar(RegName(asm.BP), b.cur)
		b.ir.SetVar(RegName(asm.SP), b.cur, vref)
		// pop bp
		vref = b.appendPop()
		b.ir.SetVar(RegName(asm.BP), b.cur, vref)
		return nil

	case asm.OpRetF:
		b.pinRegisters()
		vals, err := b.returnVals()
		if err != nil {
			return err
		}
		b.appendInstr(types.Void, RetFar, vals...)
		return nil

	case asm.OpRet:
		b.pinRegisters()
		vals, err := b.returnVals()
		if err != nil {
			return err
		}
		b.appendInstr(types.Void, RetNear, vals...)
		return nil

	case asm.OpMov:
		vref := b.srcOperand(&ins.Operands[1])
		b.dstOperand(&ins.Operands[0], vref)
		return nil

	case asm.OpImulTrunc:
		if ins.Operands[0].Kind != asm.KindReg || ins.Operands[1].Kind != asm.KindReg ||
			ins.Operands[2].Kind != asm.KindImm {
			return fmt.Errorf("unsupported imul form: '%s'", instrStr(ins))
		}
		lhs := b.srcOperand(&ins.Operands[1])
		rhs := b.srcOperand(&ins.Operands[2])
		typ := b.deduceTypeBinary(lhs, rhs)
		res := b.appendInstr(typ, IMul, lhs, rhs)
		b.dstOperand(&ins.Operands[0], res)
		return nil

	case asm.OpImul, asm.OpMul:
		// Widening multiply: DX:AX = AX * src
		if len(ins.Operands) != 3 ||
			ins.Operands[0].Kind != asm.KindReg || ins.Operands[0].Reg != asm.DX ||
			ins.Operands[1].Kind != asm.KindReg || ins.Operands[1].Reg != asm.AX {
			return fmt.Errorf("unsupported widening multiply form: '%s'", instrStr(ins))
		}
		opcode := UMul
		if ins.Op == asm.OpImul {
			opcode = IMul
		}
		lhs := b.srcOperand(&ins.Operands[1])
		rhs := b.srcOperand(&ins.Operands[2])
		res := b.appendInstr(types.U32, opcode, lhs, rhs)
		upper, lower := b.appendUpperLowerSplit(res)
		b.dstOperand(&ins.Operands[0], upper)
		b.dstOperand(&ins.Operands[1], lower)
		return nil

	case asm.OpInc, asm.OpDec:
		attr := AttrNone
		if operandIsStackReg(&ins.Operands[0]) {
			attr = AttrStackPtr
		}
		opcode := Add
		if ins.Op == asm.OpDec {
			opcode = Sub
		}
		one := b.ir.AppendConst(1)
		vref := b.srcOperand(&ins.Operands[0])
		typ := b.deduceTypeBinary(vref, one)
		vref = b.appendInstrWithAttrs(typ, attr, opcode, vref, one)
		b.dstOperand(&ins.Operands[0], vref)
		b.appendUpdateFlags(vref)
		return nil

	case asm.OpJmp:
		switch ins.Operands[0].Kind {
		case asm.KindMem:
			targets, err := b.jumpIndirectTargets(ins, &ins.Operands[0].Mem)
			if err != nil {
				return err
			}
			if targets == nil {
				return fmt.Errorf("indirect jump form not currently supported for '%s'", instrStr(ins))
			}
			regRef := b.ir.GetVar(RegName(ins.Operands[0].Mem.Reg1), b.cur)
			return b.appendJmpTbl(regRef, targets)
		case asm.KindRel:
			blkref, err := b.getBlock(ins.RelAddr(ins.Operands[0].Rel))
			if err != nil {
				return err
			}
			b.appendJmp(blkref)
			return nil
		}
		return fmt.Errorf("unsupported JMP operand for '%s'", instrStr(ins))

	case asm.OpJcxz:
		if ins.Operands[1].Kind != asm.KindRel {
			return fmt.Errorf("expected relative offset operand for JCXZ")
		}
		falseBlk, err := b.getBlock(ins.EndAddr())
		if err != nil {
			return err
		}
		trueBlk, err := b.getBlock(ins.RelAddr(ins.Operands[1].Rel))
		if err != nil {
			return err
		}
		cx := b.srcOperand(&ins.Operands[0])
		z := b.ir.AppendConst(0)
		cond := b.appendInstr(types.U16, Eq, cx, z)
		b.appendJne(cond, trueBlk, falseBlk)
		return nil

	case asm.OpJs:
		return b.appendSignJump(ins, true)
	case asm.OpJns:
		return b.appendSignJump(ins, false)

	case asm.OpJe:
		return b.appendCondJump(ins, EqFlags)
	case asm.OpJne:
		return b.appendCondJump(ins, NeqFlags)
	case asm.OpJg:
		return b.appendCondJump(ins, GtFlags)
	case asm.OpJge:
		return b.appendCondJump(ins, GeqFlags)
	case asm.OpJl:
		return b.appendCondJump(ins, LtFlags)
	case asm.OpJle:
		return b.appendCondJump(ins, LeqFlags)
	case asm.OpJa:
		return b.appendCondJump(ins, UGtFlags)
	case asm.OpJae:
		return b.appendCondJump(ins, UGeqFlags)
	case asm.OpJb:
		return b.appendCondJump(ins, ULtFlags)
	case asm.OpJbe:
		return b.appendCondJump(ins, ULeqFlags)

	case asm.OpSete:
		b.appendCondSet(ins, EqFlags)
		return nil
	case asm.OpSetne:
		b.appendCondSet(ins, NeqFlags)
		return nil
	case asm.OpSetg:
		b.appendCondSet(ins, GtFlags)
		return nil
	case asm.OpSetge:
		b.appendCondSet(ins, GeqFlags)
		return nil
	case asm.OpSetl:
		b.appendCondSet(ins, LtFlags)
		return nil
	case asm.OpSetle:
		b.appendCondSet(ins, LeqFlags)
		return nil
	case asm.OpSeta:
		b.appendCondSet(ins, UGtFlags)
		return nil
	case asm.OpSetae:
		b.appendCondSet(ins, UGeqFlags)
		return nil
	case asm.OpSetb:
		b.appendCondSet(ins, ULtFlags)
		return nil
	case asm.OpSetbe:
		b.appendCondSet(ins, ULeqFlags)
		return nil

	case asm.OpCallF:
		return b.processCallf(ins)
	case asm.OpCall:
		return b.processCalln(ins, csPushed)

	case asm.OpInt:
		num := b.srcOperand(&ins.Operands[0])
		b.appendInstr(types.Void, Int, num)
		return nil

	case asm.OpLea:
		if ins.Operands[1].Kind != asm.KindMem {
			return fmt.Errorf("expected LEA to have a mem operand")
		}
		// LEA computes only the 16-bit offset; the segment register on the
		// operand is meaningless because LEA never dereferences.
		addr := b.computeMemAddress(&ins.Operands[1].Mem)
		b.dstOperand(&ins.Operands[0], addr)
		return nil

	case asm.OpLes:
		vref := b.srcOperand(&ins.Operands[2])
		upper, lower := b.appendUpperLowerSplit(vref)
		b.dstOperand(&ins.Operands[0], upper)
		b.dstOperand(&ins.Operands[1], lower)
		return nil

	case asm.OpTest:
		a := b.srcOperand(&ins.Operands[0])
		c := b.srcOperand(&ins.Operands[1])
		typ := b.deduceTypeBinary(a, c)
		vref := b.appendInstr(typ, And, a, c)
		b.appendUpdateFlags(vref)
		return nil

	case asm.OpCmp:
		a := b.srcOperand(&ins.Operands[0])
		c := b.srcOperand(&ins.Operands[1])
		typ := b.deduceTypeBinary(a, c)
		vref := b.appendInstr(typ, Sub, a, c)
		b.appendUpdateFlags(vref)
		return nil

	case asm.OpCwd:
		src := b.srcOperand(&ins.Operands[1])
		vref := b.appendInstr(types.U32, SignExtTo32, src)
		upper := b.appendInstr(types.U16, Upper16, vref)
		b.dstOperand(&ins.Operands[0], upper)
		return nil

	case asm.OpDiv:
		upperIn := b.srcOperand(&ins.Operands[0])
		lowerIn := b.srcOperand(&ins.Operands[1])
		divisor := b.srcOperand(&ins.Operands[2])
		dividend := b.appendInstr(types.U32, Make32, upperIn, lowerIn)
		quotient := b.appendInstr(types.U32, UDiv, dividend, divisor)
		upperOut, lowerOut := b.appendUpperLowerSplit(quotient)
		b.dstOperand(&ins.Operands[0], upperOut)
		b.dstOperand(&ins.Operands[1], lowerOut)
		return nil

	case asm.OpIdiv:
		upperIn := b.srcOperand(&ins.Operands[0])
		lowerIn := b.srcOperand(&ins.Operands[1])
		divisor := b.srcOperand(&ins.Operands[2])
		dividend := b.appendInstr(types.U32, Make32, upperIn, lowerIn)
		quotient := b.appendInstr(types.U32, IDiv, dividend, divisor)
		upperOut, lowerOut := b.appendUpperLowerSplit(quotient)
		b.dstOperand(&ins.Operands[0], upperOut)
		b.dstOperand(&ins.Operands[1], lowerOut)
		return nil

	case asm.OpStos, asm.OpLods:
		// Treated as single element moves
		src := b.srcOperand(&ins.Operands[1])
		b.dstOperand(&ins.Operands[0], src)
		return nil

	case asm.OpSti, asm.OpCli, asm.OpCld, asm.OpStd, asm.OpOut:
		b.appendInstr(types.Void, Unimpl)
		return nil
	case asm.OpIn:
		b.appendInstr(types.U8, Unimpl)
		return nil
	}

	return fmt.Errorf("unimplemented opcode: '%s'", instrStr(ins))
}

func (b *builder) build() error {
	// Step 1: infer basic-block boundaries
	blockStart := make(map[segoff.SegOff]bool)
	lastEndsBlock := false
	for i := range b.instrs {
		ins := &b.instrs[i]
		if lastEndsBlock {
			blockStart[ins.Addr] = true
			lastEndsBlock = false
		}
		if ins.Op == asm.OpRet || ins.Op == asm.OpRetF {
			lastEndsBlock = true
			continue
		}
		targets, isJump, err := b.jumpTargets(ins)
		if err != nil {
			return err
		}
		if !isJump {
			continue
		}
		for _, tgt := range targets {
			blockStart[tgt] = true
		}
		lastEndsBlock = true
	}

	// Step 2: create every block in address order
	addrOrdered := make([]segoff.SegOff, 0, len(blockStart))
	for addr := range blockStart {
		addrOrdered = append(addrOrdered, addr)
	}
	sortSegOffs(addrOrdered)
	for _, addr := range addrOrdered {
		bref := b.newBlock(fmt.Sprintf("addr_%04x", uint16(addr.Off)))
		b.addrmap[addr] = bref
	}

	// Step 3: iterate each instruction, building each block
	for i := range b.instrs {
		ins := &b.instrs[i]
		if blockStart[ins.Addr] {
			if err := b.startNextBlock(ins.Addr); err != nil {
				return err
			}
		}
		if err := b.appendAsmInstr(ins); err != nil {
			return err
		}
	}

	// Step 4: seal all remaining blocks
	for _, blkref := range b.ir.IterBlocks() {
		if !b.ir.Block(blkref).Sealed {
			b.ir.SealBlock(blkref)
		}
	}
	return nil
}

func sortSegOffs(addrs []segoff.SegOff) {
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Before(addrs[j]) })
}
