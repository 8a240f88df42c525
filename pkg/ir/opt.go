package ir

// operandPropagate chases a ref through any chain of RefOp copies.
func operandPropagate(ir *IR, r Ref) Ref {
	for {
		instr := ir.Instr(r)
		if instr == nil || instr.Opcode != RefOp {
			return r
		}
		r = instr.Operands[0]
	}
}

// ReduceXor rewrites 'xor x, x' into a zero constant.
func ReduceXor(ir *IR) {
	for _, b := range ir.IterBlocks() {
		for _, r := range ir.IterInstrs(b) {
			instr := ir.Instr(r)
			if instr.Opcode != Xor || instr.Operands[0] != instr.Operands[1] {
				continue
			}
			k := ir.AppendConst(0)
			instr = ir.Instr(r)
			instr.Opcode = RefOp
			instr.Operands = []Ref{k}
		}
	}
}

// ReduceTrivialOr rewrites 'or x, x' into a copy of x.
func ReduceTrivialOr(ir *IR) {
	for _, b := range ir.IterBlocks() {
		for _, r := range ir.IterInstrs(b) {
			instr := ir.Instr(r)
			if instr.Opcode != Or || instr.Operands[0] != instr.Operands[1] {
				continue
			}
			instr.Opcode = RefOp
			instr.Operands = []Ref{instr.Operands[0]}
		}
	}
}

// ReduceMake32SignExt32 collapses the CWD expansion pattern:
//
//	t36 = signext32 t34
//	dx  = upper16   t36
//	t37 = make32    dx  t34      ==>  t37 = ref t36
func ReduceMake32SignExt32(ir *IR) {
	for _, b := range ir.IterBlocks() {
		for _, r := range ir.IterInstrs(b) {
			make32 := ir.Instr(r)
			if make32.Opcode != Make32 {
				continue
			}
			upper16 := ir.Instr(make32.Operands[0])
			if upper16 == nil || upper16.Opcode != Upper16 {
				continue
			}
			signextRef := upper16.Operands[0]
			signext := ir.Instr(signextRef)
			if signext == nil || signext.Opcode != SignExtTo32 {
				continue
			}
			if make32.Operands[1] == signext.Operands[0] {
				make32.Opcode = RefOp
				make32.Operands = []Ref{signextRef}
			}
		}
	}
}

// ReducePhiSingleRef replaces a phi whose non-self operands all propagate to
// the same ref with a copy of that ref.
func ReducePhiSingleRef(ir *IR) {
	for _, b := range ir.IterBlocks() {
		for _, r := range ir.IterInstrs(b) {
			if ir.Instr(r).Opcode != Phi {
				continue
			}

			operands := append([]Ref(nil), ir.Instr(r).Operands...)
			trivial := true
			var single *Ref
			for j := range operands {
				operands[j] = operandPropagate(ir, operands[j])
				if operands[j] == r {
					continue
				}
				if single == nil {
					v := operands[j]
					single = &v
				} else if *single != operands[j] {
					trivial = false
				}
			}
			ir.Instr(r).Operands = operands

			if trivial && single != nil {
				instr := ir.Instr(r)
				instr.Opcode = RefOp
				instr.Operands = []Ref{*single}
			}
		}
	}
}

// ReducePhiCommonSubexpr replaces a phi whose operands are structurally
// identical side-effect-free instructions with a copy of that instruction.
func ReducePhiCommonSubexpr(ir *IR) {
	for _, b := range ir.IterBlocks() {
		for _, r := range ir.IterInstrs(b) {
			if ir.Instr(r).Opcode != Phi {
				continue
			}

			operands := append([]Ref(nil), ir.Instr(r).Operands...)
			for j := range operands {
				operands[j] = operandPropagate(ir, operands[j])
			}

			var common *Instr
			for _, oper := range operands {
				if oper == r {
					continue
				}
				if instr := ir.Instr(oper); instr != nil {
					cp := *instr
					cp.Operands = append([]Ref(nil), instr.Operands...)
					common = &cp
				}
				break
			}
			if common == nil || common.Opcode.HasSideEffects() {
				continue
			}

			allMatch := true
			for _, oper := range operands {
				if oper == r {
					continue
				}
				instr := ir.Instr(oper)
				if instr == nil || !common.EqualTo(instr) {
					allMatch = false
					break
				}
			}

			if allMatch {
				*ir.Instr(r) = *common
			}
		}
	}
}

// stackPtrConstOper matches 'x +/- const' carrying the STACK_PTR attribute,
// returning the base ref and the signed adjustment.
func stackPtrConstOper(ir *IR, r Ref) (Ref, int16, bool) {
	instr := ir.Instr(r)
	if instr == nil || len(instr.Operands) != 2 {
		return Ref{}, 0, false
	}
	if instr.Attrs&AttrStackPtr == 0 {
		return Ref{}, 0, false
	}
	k, isConst := ir.LookupConst(instr.Operands[1])
	if !isConst {
		return Ref{}, 0, false
	}
	switch instr.Opcode {
	case Add:
		return instr.Operands[0], k, true
	case Sub:
		return instr.Operands[0], -k, true
	}
	return Ref{}, 0, false
}

// StackPtrAccumulation folds chains of SP adjustments:
// (x ± c1) ± c2 => x ± (c1 ± c2).
func StackPtrAccumulation(ir *IR) {
	for _, b := range ir.IterBlocks() {
		for _, r := range ir.IterInstrs(b) {
			_, a, ok := stackPtrConstOper(ir, r)
			if !ok {
				continue
			}
			nref, bAdj, ok := stackPtrConstOper(ir, ir.Instr(r).Operands[0])
			if !ok {
				continue
			}

			k := a + bAdj
			instr := ir.Instr(r)
			switch {
			case k > 0:
				cref := ir.AppendConst(k)
				instr = ir.Instr(r)
				instr.Opcode = Add
				instr.Operands = []Ref{nref, cref}
			case k < 0:
				cref := ir.AppendConst(-k)
				instr = ir.Instr(r)
				instr.Opcode = Sub
				instr.Operands = []Ref{nref, cref}
			default:
				instr.Opcode = RefOp
				instr.Operands = []Ref{nref}
			}
		}
	}
}

// ValuePropagation runs every operand through RefOp chains.
func ValuePropagation(ir *IR) {
	for _, b := range ir.IterBlocks() {
		for _, r := range ir.IterInstrs(b) {
			operands := ir.Instr(r).Operands
			for j := range operands {
				operands[j] = operandPropagate(ir, operands[j])
			}
		}
	}
}

// DeadcodeElimination is a mark-and-sweep pass. The root set is every
// side-effecting instruction; liveness propagates through operands. A plain
// refcount scheme cannot collect dead phi cycles, mark-and-sweep can.
func DeadcodeElimination(ir *IR) {
	var unprocessed []Ref
	for _, b := range ir.IterBlocks() {
		for _, r := range ir.IterInstrs(b) {
			if ir.Instr(r).Opcode.HasSideEffects() {
				unprocessed = append(unprocessed, r)
			}
		}
	}

	live := make(map[Ref]bool)
	for len(unprocessed) > 0 {
		r := unprocessed[0]
		unprocessed = unprocessed[1:]
		if live[r] {
			continue
		}
		live[r] = true
		if instr := ir.Instr(r); instr != nil {
			unprocessed = append(unprocessed, instr.Operands...)
		}
	}

	for _, b := range ir.IterBlocks() {
		for _, r := range ir.IterInstrs(b) {
			if live[r] {
				continue
			}
			instr := ir.Instr(r)
			instr.Opcode = Nop
			instr.Operands = nil
		}
	}
}

// DeadblockElimination removes non-entry blocks with no predecessors,
// fixing up successor pred lists and shrinking their phis.
func DeadblockElimination(ir *IR) {
	for _, blkref := range ir.IterBlocks() {
		if blkref == 0 {
			continue // entry block is always alive
		}
		blk := ir.Block(blkref)
		if len(blk.Preds) > 0 {
			continue
		}

		for _, exit := range blk.Exits() {
			exitBlk := ir.Block(exit)
			predIdx := -1
			for i, p := range exitBlk.Preds {
				if p == blkref {
					predIdx = i
					break
				}
			}
			if predIdx < 0 {
				panic("dead block not found in successor preds")
			}

			exitBlk.Preds = append(exitBlk.Preds[:predIdx], exitBlk.Preds[predIdx+1:]...)
			for _, r := range ir.IterInstrs(exit) {
				instr := ir.Instr(r)
				if instr.Opcode != Phi {
					continue
				}
				instr.Operands = append(instr.Operands[:predIdx], instr.Operands[predIdx+1:]...)
			}
		}

		ir.RemoveBlock(blkref)
	}
}

func allowCSE(op Opcode) bool {
	switch op {
	case Add, Sub, Shl, Shr, UShr, And, Or, Xor, IMul, UMul, IDiv, UDiv,
		Neg, Not, SignExtTo32, Lower16, Upper16, Make32,
		UpdateFlags, EqFlags, NeqFlags, GtFlags, GeqFlags, LtFlags, LeqFlags,
		UGtFlags, UGeqFlags, ULtFlags, ULeqFlags, SignFlags,
		Eq, Neq, Gt, Geq, Lt, Leq, UGt, UGeq, ULt, ULeq:
		return true
	}
	return false
}

// cseKey is a hashable image of an instruction for block-local CSE.
type cseKey struct {
	opcode Opcode
	attrs  uint8
	typ    string
	opers  [4]Ref
	nOpers int
}

func makeCSEKey(instr *Instr) (cseKey, bool) {
	if len(instr.Operands) > 4 {
		return cseKey{}, false
	}
	k := cseKey{
		opcode: instr.Opcode,
		attrs:  instr.Attrs,
		typ:    instr.Typ.String(),
		nOpers: len(instr.Operands),
	}
	copy(k.opers[:], instr.Operands)
	return k, true
}

// CommonSubexpressionElimination folds repeated pure computations within a
// block into copies of the first occurrence.
func CommonSubexpressionElimination(ir *IR) {
	for _, b := range ir.IterBlocks() {
		prev := make(map[cseKey]Ref)
		for _, r := range ir.IterInstrs(b) {
			instr := ir.Instr(r)
			if !allowCSE(instr.Opcode) {
				continue
			}
			key, ok := makeCSEKey(instr)
			if !ok {
				continue
			}
			if prevRef, seen := prev[key]; seen {
				instr.Opcode = RefOp
				instr.Operands = []Ref{prevRef}
			} else {
				prev[key] = r
			}
		}
	}
}

// ForwardStoreToLoad forwards a stored value to a later load of the same
// (seg, off) within a block. Never crosses block boundaries.
func ForwardStoreToLoad(ir *IR) {
	prevLookup := func(prevStores []Ref, seg, off Ref) (Ref, bool) {
		for i := len(prevStores) - 1; i >= 0; i-- {
			store := ir.Instr(prevStores[i])
			if seg == store.Operands[0] && off == store.Operands[1] {
				return store.Operands[2], true
			}
		}
		return Ref{}, false
	}

	for _, b := range ir.IterBlocks() {
		var prevStores []Ref
		for _, r := range ir.IterInstrs(b) {
			instr := ir.Instr(r)
			if instr.Opcode.IsStore() {
				prevStores = append(prevStores, r)
			}
			if !instr.Opcode.IsLoad() {
				continue
			}
			storeVal, ok := prevLookup(prevStores, instr.Operands[0], instr.Operands[1])
			if !ok {
				continue
			}
			instr.Opcode = RefOp
			instr.Operands = []Ref{storeVal}
		}
	}
}

// MemSymbolToRef promotes non-escaping 16-bit locals from symbolic memory
// ops into plain SSA defs and uses. Blocks are unsealed so GetVar/SetVar
// regenerate phis, then resealed.
func MemSymbolToRef(ir *IR) {
	ir.UnsealAllBlocks()

	for _, b := range ir.IterBlocks() {
		for _, r := range ir.IterInstrs(b) {
			instr := ir.Instr(r)
			if instr.Attrs&AttrMayEscape != 0 {
				continue
			}

			switch instr.Opcode {
			case WriteVar16:
				if instr.Operands[0].Kind != RefSymbol {
					continue
				}
				symref := instr.Operands[0].Sym
				if symref.Table != SymLocal || ir.Symbols.Symbol(symref).Size != 2 {
					continue
				}
				name := VarName(ir.Symbols.Name(symref))
				instr.Opcode = RefOp
				instr.Operands = []Ref{instr.Operands[1]}
				ir.SetVar(name, b, r)

			case ReadVar16:
				if instr.Operands[0].Kind != RefSymbol {
					continue
				}
				symref := instr.Operands[0].Sym
				if symref.Table != SymLocal || ir.Symbols.Symbol(symref).Size != 2 {
					continue
				}
				name := VarName(ir.Symbols.Name(symref))
				vref := ir.GetVar(name, b)
				instr = ir.Instr(r)
				instr.Opcode = RefOp
				instr.Operands = []Ref{vref}
			}
		}
	}

	ir.SealAllBlocks()
}

// SimplifyBranchConds turns condition-from-flags patterns into direct
// comparisons when the flag producer was a Sub (cmp), And (test), or the
// 'or x, x' self-test.
func SimplifyBranchConds(ir *IR) {
	for _, b := range ir.IterBlocks() {
		for _, r := range ir.IterInstrs(b) {
			instr := ir.Instr(r)

			if instr.Opcode == SignFlags {
				// SF is bit 15 of the flag-producing value
				upd := ir.Instr(instr.Operands[0])
				if upd != nil && upd.Opcode == UpdateFlags {
					mask := ir.AppendConst(-0x8000)
					instr = ir.Instr(r)
					instr.Opcode = And
					instr.Operands = []Ref{upd.Operands[1], mask}
				}
				continue
			}

			var opcodeNew Opcode
			switch instr.Opcode {
			case EqFlags:
				opcodeNew = Eq
			case NeqFlags:
				opcodeNew = Neq
			case GtFlags:
				opcodeNew = Gt
			case GeqFlags:
				opcodeNew = Geq
			case LtFlags:
				opcodeNew = Lt
			case LeqFlags:
				opcodeNew = Leq
			case UGtFlags:
				opcodeNew = UGt
			case UGeqFlags:
				opcodeNew = UGeq
			case ULtFlags:
				opcodeNew = ULt
			case ULeqFlags:
				opcodeNew = ULeq
			default:
				continue
			}

			opcodeEq := opcodeNew == Eq || opcodeNew == Neq
			opcodeAbove := opcodeNew == UGt

			upd := ir.Instr(instr.Operands[0])
			if upd == nil || upd.Opcode != UpdateFlags {
				continue
			}
			predRef := upd.Operands[1]
			pred := ir.Instr(predRef)
			if pred == nil {
				continue
			}

			switch {
			case pred.Opcode == Sub:
				// cmp ax, bx / jg tgt
				lhs, rhs := pred.Operands[0], pred.Operands[1]
				instr.Opcode = opcodeNew
				instr.Operands = []Ref{lhs, rhs}

			case pred.Opcode == And && opcodeEq:
				// test ax, bx / je tgt
				z := ir.AppendConst(0)
				instr = ir.Instr(r)
				instr.Opcode = opcodeNew
				instr.Operands = []Ref{predRef, z}

			case pred.Opcode == Or && opcodeEq && pred.Operands[0] == pred.Operands[1]:
				// or ax, ax / je tgt
				z := ir.AppendConst(0)
				instr = ir.Instr(r)
				instr.Opcode = opcodeNew
				instr.Operands = []Ref{predRef, z}

			case pred.Opcode == Or && opcodeAbove && pred.Operands[0] == pred.Operands[1]:
				// or ax, ax / ja tgt  (equivalent to jne after the or)
				z := ir.AppendConst(0)
				instr = ir.Instr(r)
				instr.Opcode = Neq
				instr.Operands = []Ref{predRef, z}
			}
		}
	}
}

const nOptPasses = 5

// Optimize runs the pass suite a fixed number of iterations, then a final
// dead-code sweep. Pass order matters: ReduceTrivialOr must follow
// SimplifyBranchConds so the 'or x, x' self-test is consumed first.
func Optimize(ir *IR) {
	DeadblockElimination(ir)
	for i := 0; i < nOptPasses; i++ {
		ReduceXor(ir)
		ReduceMake32SignExt32(ir)
		ReducePhiSingleRef(ir)
		ReducePhiCommonSubexpr(ir)
		SimplifyBranchConds(ir)
		ReduceTrivialOr(ir)
		StackPtrAccumulation(ir)
		ValuePropagation(ir)
		CommonSubexpressionElimination(ir)
		ValuePropagation(ir)
	}
	DeadcodeElimination(ir)
}

// NumLiveInstrs counts non-Nop instructions in live blocks; tests use it to
// check optimizer monotonicity.
func NumLiveInstrs(ir *IR) int {
	n := 0
	for _, b := range ir.IterBlocks() {
		for _, r := range ir.IterInstrs(b) {
			if ir.Instr(r).Opcode != Nop {
				n++
			}
		}
	}
	return n
}
