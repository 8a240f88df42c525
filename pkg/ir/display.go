package ir

import (
	"fmt"
	"strings"
)

func attributesString(attrs uint8) string {
	var parts []string
	if attrs&AttrMayEscape != 0 {
		parts = append(parts, "may_escape")
	}
	if attrs&AttrStackPtr != 0 {
		parts = append(parts, "stack_ptr")
	}
	if attrs&AttrPin != 0 {
		parts = append(parts, "pin")
	}
	return strings.Join(parts, ",")
}

// Formatter renders IR in the block-labeled textual dump format. Unnamed
// instruction refs get stable t-numbers in order of first appearance.
type Formatter struct {
	tmap map[Ref]int
	next int
	out  strings.Builder
}

func NewFormatter() *Formatter {
	return &Formatter{tmap: make(map[Ref]int)}
}

func (f *Formatter) tnum(r Ref) int {
	if val, ok := f.tmap[r]; ok {
		return val
	}
	val := f.next
	f.tmap[r] = val
	f.next++
	return val
}

func (f *Formatter) Finish() string {
	return f.out.String()
}

// RefString renders a ref: #constant, register, bN, name.idx or tN, symbol
// name, or function name.
func (f *Formatter) RefString(ir *IR, r Ref) string {
	switch r.Kind {
	case RefConst:
		k := ir.Consts[r.Idx]
		if -1024 <= k && k <= 16 {
			return fmt.Sprintf("#%d", k)
		}
		return fmt.Sprintf("#0x%x", uint16(k))
	case RefInit:
		return r.Reg.Info().Name
	case RefBlock:
		return fmt.Sprintf("b%d", int(r.Blk))
	case RefInstr:
		if fn, ok := ir.Names[r]; ok {
			return fmt.Sprintf("%s.%d", fn.Name, fn.Num)
		}
		return fmt.Sprintf("t%d", f.tnum(r))
	case RefSymbol:
		return ir.Symbols.Name(r.Sym)
	case RefFunc:
		return ir.Funcs[r.Idx]
	}
	return "<none>"
}

func (f *Formatter) FmtBlockHeader(blkref BlockRef, blk *Block) {
	fmt.Fprintf(&f.out, "\nb%d: (", int(blkref))
	for k, p := range blk.Preds {
		if k != 0 {
			f.out.WriteByte(' ')
		}
		fmt.Fprintf(&f.out, "b%d", int(p))
	}
	fmt.Fprintf(&f.out, ") %s\n", blk.Name)
}

func (f *Formatter) FmtInstr(ir *IR, dst Ref, instr *Instr) {
	s := f.RefString(ir, dst)
	if !instr.Opcode.HasNoResult() {
		fmt.Fprintf(&f.out, "  %-8s = ", s)
	} else {
		fmt.Fprintf(&f.out, "  %-11s", "")
	}
	fmt.Fprintf(&f.out, "%-8s ", instr.Typ.String())
	fmt.Fprintf(&f.out, "%-10s", instr.Opcode.String())
	for _, oper := range instr.Operands {
		fmt.Fprintf(&f.out, " %-20s", f.RefString(ir, oper))
	}
	if instr.Attrs != 0 {
		fmt.Fprintf(&f.out, " [%s]", attributesString(instr.Attrs))
	}
	f.out.WriteByte('\n')
}

// Display renders the whole IR.
func Display(ir *IR) string {
	f := NewFormatter()
	for _, bref := range ir.IterBlocks() {
		blk := ir.Block(bref)
		f.FmtBlockHeader(bref, blk)
		for _, idx := range blk.Instrs.Indices() {
			instr := blk.Instrs.At(idx)
			if instr.Opcode == Nop {
				continue
			}
			f.FmtInstr(ir, InstrRef(bref, idx), instr)
		}
	}
	return f.Finish()
}

// DisplayWithUses prefixes each instruction with its use count.
func DisplayWithUses(ir *IR) string {
	nUses := ir.ComputeUses()
	f := NewFormatter()
	for _, bref := range ir.IterBlocks() {
		blk := ir.Block(bref)
		f.FmtBlockHeader(bref, blk)
		for _, idx := range blk.Instrs.Indices() {
			instr := blk.Instrs.At(idx)
			if instr.Opcode == Nop {
				continue
			}
			iref := InstrRef(bref, idx)
			fmt.Fprintf(&f.out, "%-3d | ", nUses[iref])
			f.FmtInstr(ir, iref, instr)
		}
	}
	return f.Finish()
}

// InstrToString renders a single instruction.
func InstrToString(ir *IR, iref Ref) string {
	f := NewFormatter()
	f.FmtInstr(ir, iref, ir.Instr(iref))
	return f.Finish()
}
