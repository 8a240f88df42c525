package ir

import "github.com/xorvoid/dis86-sub000/pkg/types"

// FuseAdjacentWriteVar16ToWriteVar32 recognizes the two-halves store of a
// 4-byte local:
//
//	writevar16 _local_0028@+2   dx.3
//	writevar16 _local_0028      ax.3
//
// and rewrites the pair into Make32 + WriteVar32.
func FuseAdjacentWriteVar16ToWriteVar32(ir *IR) {
	for _, b := range ir.IterBlocks() {
		for _, r := range ir.IterInstrs(b) {
			// Low write16: offset 0 of a 4-byte symbol
			lowRef := r
			lowInstr := ir.Instr(lowRef)
			if lowInstr.Opcode != WriteVar16 {
				continue
			}
			if lowInstr.Operands[0].Kind != RefSymbol {
				continue
			}
			lowSymref := lowInstr.Operands[0].Sym
			if lowSymref.Off != 0 || lowSymref.Sz != 2 {
				continue
			}
			if ir.Symbols.Symbol(lowSymref).Size != 4 {
				continue
			}

			// High write16 immediately before: offset 2 of the same symbol
			highRef, ok := ir.PrevRefInBlock(lowRef)
			if !ok {
				continue
			}
			highInstr := ir.Instr(highRef)
			if highInstr.Opcode != WriteVar16 {
				continue
			}
			if highInstr.Operands[0].Kind != RefSymbol {
				continue
			}
			highSymref := highInstr.Operands[0].Sym
			if highSymref.Off != 2 || highSymref.Sz != 2 {
				continue
			}
			if highSymref.Table != lowSymref.Table || highSymref.Idx != lowSymref.Idx {
				continue
			}

			symref := SymbolRef{Table: lowSymref.Table, Idx: lowSymref.Idx, Off: 0, Sz: 4}
			lowVal := lowInstr.Operands[1]
			highVal := highInstr.Operands[1]

			*ir.Instr(highRef) = Instr{
				Typ:      types.U32,
				Opcode:   Make32,
				Operands: []Ref{highVal, lowVal},
			}
			*ir.Instr(lowRef) = Instr{
				Typ:      types.Void,
				Attrs:    AttrMayEscape,
				Opcode:   WriteVar32,
				Operands: []Ref{SymRef(symref), highRef},
			}
		}
	}
}

// isFusableLoad16ToLoad32 checks that high/low are Load16s of the same
// segment at offsets k+2 and k.
func isFusableLoad16ToLoad32(ir *IR, highRef, lowRef Ref) bool {
	highInstr := ir.Instr(highRef)
	lowInstr := ir.Instr(lowRef)
	if highInstr == nil || lowInstr == nil {
		return false
	}
	if highInstr.Opcode != Load16 || lowInstr.Opcode != Load16 {
		return false
	}
	if highInstr.Operands[0] != lowInstr.Operands[0] {
		return false
	}

	highOffRef := highInstr.Operands[1]
	lowOffRef := lowInstr.Operands[1]
	if !highOffRef.IsInstr() || !lowOffRef.IsInstr() {
		return false
	}

	highOff := ir.Instr(highOffRef)
	lowOff := ir.Instr(lowOffRef)
	if highOff.Opcode != Add {
		return false
	}

	var highK, lowK int16
	if highOff.Operands[0] == lowOffRef && highOff.Operands[1].IsConst() {
		k, _ := ir.LookupConst(highOff.Operands[1])
		highK, lowK = k, 0
	} else {
		if lowOff.Opcode != Add {
			return false
		}
		if highOff.Operands[0] != lowOff.Operands[0] {
			return false
		}
		hk, hok := ir.LookupConst(highOff.Operands[1])
		lk, lok := ir.LookupConst(lowOff.Operands[1])
		if !hok || !lok {
			return false
		}
		highK, lowK = hk, lk
	}

	return highK == lowK+2
}

// FuseMake32Load16ToLoad32 rewrites Make32 over two adjacent Load16s into a
// single Load32, provided no other memory op sits between them (which could
// alias and change the loaded value).
func FuseMake32Load16ToLoad32(ir *IR) {
	for _, b := range ir.IterBlocks() {
		for _, r := range ir.IterInstrs(b) {
			make32Ref := r
			make32Instr := ir.Instr(make32Ref)
			if make32Instr.Opcode != Make32 {
				continue
			}

			highRef := make32Instr.Operands[0]
			lowRef := make32Instr.Operands[1]
			if !isFusableLoad16ToLoad32(ir, highRef, lowRef) {
				continue
			}

			if highRef.Blk != make32Ref.Blk || lowRef.Blk != make32Ref.Blk {
				continue
			}
			startIdx := highRef.Idx
			if lowRef.Idx < startIdx {
				startIdx = lowRef.Idx
			}

			cur := InstrRef(make32Ref.Blk, startIdx)
			allowed := true
			for {
				next, ok := ir.NextRefInBlock(cur)
				if !ok {
					break
				}
				cur = next
				if cur == make32Ref {
					break
				}
				if cur == highRef || cur == lowRef {
					continue
				}
				if ir.Instr(cur).Opcode.IsMemOp() {
					allowed = false
					break
				}
			}
			if !allowed {
				continue
			}

			lowInstr := ir.Instr(lowRef)
			seg, off := lowInstr.Operands[0], lowInstr.Operands[1]
			*ir.Instr(make32Ref) = Instr{
				Typ:      types.U32,
				Attrs:    AttrMayEscape,
				Opcode:   Load32,
				Operands: []Ref{seg, off},
			}
		}
	}
}

// FuseMem runs the memory fusion passes.
func FuseMem(ir *IR) {
	FuseAdjacentWriteVar16ToWriteVar32(ir)
	FuseMake32Load16ToLoad32(ir)
}
