package asm

import (
	"fmt"
	"strings"

	"github.com/xorvoid/dis86-sub000/pkg/segoff"
)

// FormatIntel renders one instruction in Intel syntax. When withAddr is set,
// the address and raw bytes (an empty column when raw is empty) prefix the
// line the way the disassembly emit mode prints them.
func FormatIntel(addr segoff.SegOff, ins *Instr, raw []byte, withAddr bool) string {
	var sb strings.Builder
	if withAddr {
		fmt.Fprintf(&sb, "%s  %-24s  ", addr, hexBytes(raw))
	}
	if ins == nil {
		sb.WriteString("(data)")
		return sb.String()
	}

	sb.WriteString(ins.Op.String())
	for i := range ins.Operands {
		if i == 0 {
			sb.WriteString(" ")
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(formatOperand(ins, &ins.Operands[i]))
	}
	return sb.String()
}

func hexBytes(raw []byte) string {
	var sb strings.Builder
	for i, b := range raw {
		if i != 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02x", b)
	}
	return sb.String()
}

func formatOperand(ins *Instr, oper *Operand) string {
	switch oper.Kind {
	case KindReg:
		return oper.Reg.Name()
	case KindImm:
		return fmt.Sprintf("0x%x", oper.Imm.Val)
	case KindRel:
		return ins.RelAddr(oper.Rel).String()
	case KindFar:
		return fmt.Sprintf("%04x:%04x", oper.Far.Seg, oper.Far.Off)
	case KindMem:
		return formatMem(&oper.Mem)
	}
	return "??"
}

func formatMem(m *OperandMem) string {
	var sb strings.Builder
	switch m.Sz {
	case Size8:
		sb.WriteString("BYTE PTR ")
	case Size16:
		sb.WriteString("WORD PTR ")
	case Size32:
		sb.WriteString("DWORD PTR ")
	}
	sb.WriteString(m.SReg.Name())
	sb.WriteString(":[")
	wrote := false
	if m.HasReg1 {
		sb.WriteString(m.Reg1.Name())
		wrote = true
	}
	if m.HasReg2 {
		sb.WriteString("+")
		sb.WriteString(m.Reg2.Name())
	}
	if m.HasOff {
		off := int16(m.Off)
		switch {
		case !wrote:
			fmt.Fprintf(&sb, "0x%x", m.Off)
		case off < 0:
			fmt.Fprintf(&sb, "-0x%x", -int(off))
		default:
			fmt.Fprintf(&sb, "+0x%x", off)
		}
	}
	sb.WriteString("]")
	return sb.String()
}
