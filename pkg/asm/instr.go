package asm

import (
	"github.com/xorvoid/dis86-sub000/pkg/segoff"
)

// Reg identifies one of the 22 machine register slots tracked by the
// decompiler. The 8-bit halves are distinct slots: the IR treats them as
// separate SSA names, matching how the translation reads them.
type Reg uint8

const (
	AX Reg = iota
	CX
	DX
	BX
	SP
	BP
	SI
	DI
	AL
	CL
	DL
	BL
	AH
	CH
	DH
	BH
	ES
	CS
	SS
	DS
	IP
	FLAGS
	RegCount // sentinel
)

type RegInfo struct {
	Name string
	Sz   Size
	Seg  bool
}

var regInfo = [RegCount]RegInfo{
	{"AX", Size16, false},
	{"CX", Size16, false},
	{"DX", Size16, false},
	{"BX", Size16, false},
	{"SP", Size16, false},
	{"BP", Size16, false},
	{"SI", Size16, false},
	{"DI", Size16, false},
	{"AL", Size8, false},
	{"CL", Size8, false},
	{"DL", Size8, false},
	{"BL", Size8, false},
	{"AH", Size8, false},
	{"CH", Size8, false},
	{"DH", Size8, false},
	{"BH", Size8, false},
	{"ES", Size16, true},
	{"CS", Size16, true},
	{"SS", Size16, true},
	{"DS", Size16, true},
	{"IP", Size16, false},
	{"FLAGS", Size16, false},
}

func (r Reg) Info() *RegInfo {
	return &regInfo[r]
}

// Name returns the lower-case assembly name.
func (r Reg) Name() string {
	switch r {
	case AX:
		return "ax"
	case CX:
		return "cx"
	case DX:
		return "dx"
	case BX:
		return "bx"
	case SP:
		return "sp"
	case BP:
		return "bp"
	case SI:
		return "si"
	case DI:
		return "di"
	case AL:
		return "al"
	case CL:
		return "cl"
	case DL:
		return "dl"
	case BL:
		return "bl"
	case AH:
		return "ah"
	case CH:
		return "ch"
	case DH:
		return "dh"
	case BH:
		return "bh"
	case ES:
		return "es"
	case CS:
		return "cs"
	case SS:
		return "ss"
	case DS:
		return "ds"
	case IP:
		return "ip"
	case FLAGS:
		return "flags"
	}
	return "??"
}

// Reg8 maps a 3-bit modrm register number to its 8-bit register.
func Reg8(num uint8) Reg {
	return AL + Reg(num&7)
}

// Reg16 maps a 3-bit modrm register number to its 16-bit register.
func Reg16(num uint8) Reg {
	return AX + Reg(num&7)
}

// SReg16 maps a 2-bit segment register number to its register.
func SReg16(num uint8) Reg {
	return ES + Reg(num&3)
}

// RegFromNameUpper looks up a register from its upper-case name, e.g. "AX".
func RegFromNameUpper(name string) (Reg, bool) {
	for r := Reg(0); r < RegCount; r++ {
		if regInfo[r].Name == name {
			return r, true
		}
	}
	return 0, false
}

type Size uint8

const (
	Size8 Size = iota
	Size16
	Size32
)

type Rep uint8

const (
	RepNone Rep = iota
	RepEQ
	RepNE
)

// Operand is one decoded instruction operand.
type Operand struct {
	Kind OperandKind
	Reg  Reg        // OperandReg
	Mem  OperandMem // OperandMem
	Imm  OperandImm // OperandImm
	Rel  uint16     // OperandRel: signed 16-bit displacement from end of instr
	Far  OperandFar // OperandFar
}

type OperandKind uint8

const (
	KindReg OperandKind = iota
	KindMem
	KindImm
	KindRel
	KindFar
)

type OperandMem struct {
	Sz     Size
	SReg   Reg
	Reg1   Reg
	Reg2   Reg
	HasReg1 bool
	HasReg2 bool
	Off     uint16
	HasOff  bool
}

type OperandImm struct {
	Sz  Size
	Val uint16
}

type OperandFar struct {
	Seg uint16
	Off uint16
}

func RegOperand(r Reg) Operand {
	return Operand{Kind: KindReg, Reg: r}
}

func ImmOperand(sz Size, val uint16) Operand {
	return Operand{Kind: KindImm, Imm: OperandImm{Sz: sz, Val: val}}
}

func RelOperand(val uint16) Operand {
	return Operand{Kind: KindRel, Rel: val}
}

func FarOperand(seg, off uint16) Operand {
	return Operand{Kind: KindFar, Far: OperandFar{Seg: seg, Off: off}}
}

func MemOperand(m OperandMem) Operand {
	return Operand{Kind: KindMem, Mem: m}
}

// Instr is one decoded x86 instruction.
type Instr struct {
	Rep      Rep
	Op       Opcode
	Operands []Operand
	Addr     segoff.SegOff
	NBytes   int
}

// EndAddr is the address just past this instruction; conditional branches
// fall through to it.
func (i *Instr) EndAddr() segoff.SegOff {
	return i.Addr.AddOffset(uint16(i.NBytes))
}

// RelAddr resolves a relative branch operand against the instruction end.
func (i *Instr) RelAddr(rel uint16) segoff.SegOff {
	return i.EndAddr().AddOffset(rel)
}
