package ir

import (
	"fmt"

	"github.com/xorvoid/dis86-sub000/pkg/types"
)

// Finalize inserts intermediate blocks between multi-exit terminators and
// any target block containing phis, so that the AST phase can emit the
// phi-resolving assignments in the inserted block instead of reasoning
// about multi-source phis. Distinct edges to the same target from one
// terminator share a single inserted block.
func Finalize(ir *IR) {
	num := 0
	for _, blkref := range ir.IterBlocks() {
		lastIdx, ok := ir.Block(blkref).Instrs.LastIdx()
		if !ok {
			continue
		}
		r := InstrRef(blkref, lastIdx)
		exits := ir.Block(blkref).Exits()
		if len(exits) <= 1 {
			continue
		}

		oldToNew := make(map[BlockRef]BlockRef)
		for i, exit := range exits {
			if newExit, seen := oldToNew[exit]; seen {
				// Already generated a phi block for this target: reuse it
				ir.Instr(r).Operands[i+1] = BlockRefRef(newExit)
				continue
			}
			if targetHasPhis(ir, exit) {
				newExit := insertEdgeBlock(ir, blkref, r, i+1, num)
				num++
				oldToNew[exit] = newExit
			}
		}
	}
}

func targetHasPhis(ir *IR, b BlockRef) bool {
	for _, r := range ir.IterInstrs(b) {
		if ir.Instr(r).Opcode == Phi {
			return true
		}
	}
	return false
}

func insertEdgeBlock(ir *IR, blkref BlockRef, r Ref, operIdx, num int) BlockRef {
	destRef := ir.Instr(r).Operands[operIdx]

	newBlk := NewBlock(fmt.Sprintf("phi_%04d", num))
	newBlk.Sealed = true
	newBlk.Instrs.PushBack(Instr{
		Typ:      types.Void,
		Opcode:   Jmp,
		Operands: []Ref{destRef},
	})
	newBlk.Preds = append(newBlk.Preds, blkref)
	newBlkref := ir.PushBlock(newBlk)

	// Retarget the terminator edge
	ir.Instr(r).Operands[operIdx] = BlockRefRef(newBlkref)

	// The destination keeps its phi ordering: swap the pred in place
	destBlk := ir.Block(destRef.UnwrapBlock())
	for i, pred := range destBlk.Preds {
		if pred == blkref {
			destBlk.Preds[i] = newBlkref
		}
	}

	return newBlkref
}
