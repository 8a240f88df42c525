package asm

import (
	"fmt"

	"github.com/xorvoid/dis86-sub000/pkg/binary"
	"github.com/xorvoid/dis86-sub000/pkg/segoff"
)

// Decoder produces instructions from a byte region. It stops at the end of
// the region; a byte sequence it cannot decode yields an error carrying the
// address of the offending instruction.
type Decoder struct {
	it *binary.RegionIter
}

func NewDecoder(it *binary.RegionIter) *Decoder {
	return &Decoder{it: it}
}

// Next decodes the next instruction. Returns ok=false at the end of the
// region. The raw slice aliases the underlying region memory.
func (d *Decoder) Next() (ins Instr, raw []byte, ok bool, err error) {
	if d.it.BytesRemaining() == 0 {
		return Instr{}, nil, false, nil
	}
	addr := d.it.Addr()
	ins, err = decodeOne(d.it)
	if err != nil {
		// Leave the cursor at the failing instruction so disassembly-only
		// callers can skip a byte and realign.
		d.it.ResetAddr(addr)
		return Instr{}, nil, false, fmt.Errorf("%s: %w", addr, err)
	}
	ins.Addr = addr
	ins.NBytes = int(addr.OffsetTo(d.it.Addr()))
	raw = d.it.Slice(addr, uint16(ins.NBytes))
	return ins, raw, true, nil
}

// DecodeAll decodes the full region into an instruction list.
func DecodeAll(it *binary.RegionIter) ([]Instr, [][]byte, error) {
	d := NewDecoder(it)
	var instrs []Instr
	var raws [][]byte
	for {
		ins, raw, ok, err := d.Next()
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return instrs, raws, nil
		}
		instrs = append(instrs, ins)
		raws = append(raws, raw)
	}
}

// SkipByte advances the cursor one byte; the disassembly path uses this to
// re-align after a decode failure in a data region.
func (d *Decoder) SkipByte() {
	d.it.Advance()
}

func (d *Decoder) Addr() segoff.SegOff {
	return d.it.Addr()
}

type decodeState struct {
	it       *binary.RegionIter
	sregOvrd Reg
	hasOvrd  bool
	rep      Rep
}

func decodeOne(it *binary.RegionIter) (Instr, error) {
	st := &decodeState{it: it}

	// Consume prefixes
	for {
		b, err := it.PeekChecked()
		if err != nil {
			return Instr{}, err
		}
		switch b {
		case 0x26:
			st.sregOvrd, st.hasOvrd = ES, true
		case 0x2e:
			st.sregOvrd, st.hasOvrd = CS, true
		case 0x36:
			st.sregOvrd, st.hasOvrd = SS, true
		case 0x3e:
			st.sregOvrd, st.hasOvrd = DS, true
		case 0xf2:
			st.rep = RepNE
		case 0xf3:
			st.rep = RepEQ
		default:
			ins, err := st.decode()
			ins.Rep = st.rep
			return ins, err
		}
		it.Advance()
	}
}

func (s *decodeState) fetch() (byte, error) {
	return s.it.Fetch()
}

func (s *decodeState) fetchU16() (uint16, error) {
	return s.it.FetchU16()
}

func (s *decodeState) fetchSext() (uint16, error) {
	return s.it.FetchSext()
}

// modrm decodes a mod-reg-rm byte into the reg field and the r/m operand.
func (s *decodeState) modrm(sz Size) (reg uint8, rm Operand, err error) {
	b, err := s.fetch()
	if err != nil {
		return 0, Operand{}, err
	}
	mod := b >> 6
	reg = (b >> 3) & 7
	rmBits := b & 7

	if mod == 3 {
		if sz == Size8 {
			return reg, RegOperand(Reg8(rmBits)), nil
		}
		return reg, RegOperand(Reg16(rmBits)), nil
	}

	m := OperandMem{Sz: sz, SReg: DS}
	switch rmBits {
	case 0:
		m.Reg1, m.HasReg1 = BX, true
		m.Reg2, m.HasReg2 = SI, true
	case 1:
		m.Reg1, m.HasReg1 = BX, true
		m.Reg2, m.HasReg2 = DI, true
	case 2:
		m.Reg1, m.HasReg1 = BP, true
		m.Reg2, m.HasReg2 = SI, true
		m.SReg = SS
	case 3:
		m.Reg1, m.HasReg1 = BP, true
		m.Reg2, m.HasReg2 = DI, true
		m.SReg = SS
	case 4:
		m.Reg1, m.HasReg1 = SI, true
	case 5:
		m.Reg1, m.HasReg1 = DI, true
	case 6:
		if mod == 0 {
			// disp16-only form
			off, err := s.fetchU16()
			if err != nil {
				return 0, Operand{}, err
			}
			m.Off, m.HasOff = off, true
			if s.hasOvrd {
				m.SReg = s.sregOvrd
			}
			return reg, MemOperand(m), nil
		}
		m.Reg1, m.HasReg1 = BP, true
		m.SReg = SS
	case 7:
		m.Reg1, m.HasReg1 = BX, true
	}

	switch mod {
	case 1:
		off, err := s.fetchSext()
		if err != nil {
			return 0, Operand{}, err
		}
		m.Off, m.HasOff = off, true
	case 2:
		off, err := s.fetchU16()
		if err != nil {
			return 0, Operand{}, err
		}
		m.Off, m.HasOff = off, true
	}

	if s.hasOvrd {
		m.SReg = s.sregOvrd
	}
	return reg, MemOperand(m), nil
}

var group1 = [8]Opcode{OpAdd, OpOr, OpAdc, OpSbb, OpAnd, OpSub, OpXor, OpCmp}
var group2 = [8]Opcode{OpRol, OpRor, OpRcl, OpRcr, OpShl, OpShr, OpInvalid, OpSar}
var jccShort = [16]Opcode{
	OpJo, OpJno, OpJb, OpJae, OpJe, OpJne, OpJbe, OpJa,
	OpJs, OpJns, OpJp, OpJnp, OpJl, OpJge, OpJle, OpJg,
}
var setcc = [16]Opcode{
	OpInvalid, OpInvalid, OpSetb, OpSetae, OpSete, OpSetne, OpSetbe, OpSeta,
	OpInvalid, OpInvalid, OpInvalid, OpInvalid, OpSetl, OpSetge, OpSetle, OpSetg,
}

func ins(op Opcode, operands ...Operand) Instr {
	return Instr{Op: op, Operands: operands}
}

func (s *decodeState) decode() (Instr, error) {
	b, err := s.fetch()
	if err != nil {
		return Instr{}, err
	}

	// ALU ops share a common encoding block: op r/m,r | op r,r/m |
	// op AL,imm8 | op AX,imm16 at base+0..base+5.
	if b < 0x40 && b&7 <= 5 && (b&0x38)>>3 <= 7 && b&0xc7 != 0x06 && b&0xc7 != 0x07 {
		op := group1[(b&0x38)>>3]
		switch b & 7 {
		case 0: // r/m8, r8
			reg, rm, err := s.modrm(Size8)
			if err != nil {
				return Instr{}, err
			}
			return ins(op, rm, RegOperand(Reg8(reg))), nil
		case 1: // r/m16, r16
			reg, rm, err := s.modrm(Size16)
			if err != nil {
				return Instr{}, err
			}
			return ins(op, rm, RegOperand(Reg16(reg))), nil
		case 2: // r8, r/m8
			reg, rm, err := s.modrm(Size8)
			if err != nil {
				return Instr{}, err
			}
			return ins(op, RegOperand(Reg8(reg)), rm), nil
		case 3: // r16, r/m16
			reg, rm, err := s.modrm(Size16)
			if err != nil {
				return Instr{}, err
			}
			return ins(op, RegOperand(Reg16(reg)), rm), nil
		case 4: // AL, imm8
			imm, err := s.fetch()
			if err != nil {
				return Instr{}, err
			}
			return ins(op, RegOperand(AL), ImmOperand(Size8, uint16(imm))), nil
		case 5: // AX, imm16
			imm, err := s.fetchU16()
			if err != nil {
				return Instr{}, err
			}
			return ins(op, RegOperand(AX), ImmOperand(Size16, imm)), nil
		}
	}

	switch {
	case b == 0x06 || b == 0x0e || b == 0x16 || b == 0x1e: // push sreg
		return ins(OpPush, RegOperand(SReg16((b >> 3) & 3))), nil
	case b == 0x07 || b == 0x17 || b == 0x1f: // pop sreg
		return ins(OpPop, RegOperand(SReg16((b >> 3) & 3))), nil

	case b >= 0x40 && b <= 0x47:
		return ins(OpInc, RegOperand(Reg16(b & 7))), nil
	case b >= 0x48 && b <= 0x4f:
		return ins(OpDec, RegOperand(Reg16(b & 7))), nil
	case b >= 0x50 && b <= 0x57:
		return ins(OpPush, RegOperand(Reg16(b & 7))), nil
	case b >= 0x58 && b <= 0x5f:
		return ins(OpPop, RegOperand(Reg16(b & 7))), nil

	case b == 0x68: // push imm16
		imm, err := s.fetchU16()
		if err != nil {
			return Instr{}, err
		}
		return ins(OpPush, ImmOperand(Size16, imm)), nil
	case b == 0x6a: // push imm8 (sign-extended)
		imm, err := s.fetchSext()
		if err != nil {
			return Instr{}, err
		}
		return ins(OpPush, ImmOperand(Size16, imm)), nil

	case b == 0x69 || b == 0x6b: // imul r16, r/m16, imm
		reg, rm, err := s.modrm(Size16)
		if err != nil {
			return Instr{}, err
		}
		var imm uint16
		if b == 0x69 {
			imm, err = s.fetchU16()
		} else {
			imm, err = s.fetchSext()
		}
		if err != nil {
			return Instr{}, err
		}
		return ins(OpImulTrunc, RegOperand(Reg16(reg)), rm, ImmOperand(Size16, imm)), nil

	case b >= 0x70 && b <= 0x7f: // jcc rel8
		rel, err := s.fetchSext()
		if err != nil {
			return Instr{}, err
		}
		return ins(jccShort[b&0xf], RelOperand(rel)), nil

	case b == 0x80 || b == 0x81 || b == 0x83: // group1 r/m, imm
		sz := Size16
		if b == 0x80 {
			sz = Size8
		}
		reg, rm, err := s.modrm(sz)
		if err != nil {
			return Instr{}, err
		}
		var imm uint16
		switch b {
		case 0x80:
			v, e := s.fetch()
			imm, err = uint16(v), e
		case 0x81:
			imm, err = s.fetchU16()
		case 0x83:
			imm, err = s.fetchSext()
		}
		if err != nil {
			return Instr{}, err
		}
		immSz := sz
		if b == 0x83 {
			immSz = Size16
		}
		return ins(group1[reg], rm, ImmOperand(immSz, imm)), nil

	case b == 0x84 || b == 0x85: // test r/m, r
		sz := Size16
		if b == 0x84 {
			sz = Size8
		}
		reg, rm, err := s.modrm(sz)
		if err != nil {
			return Instr{}, err
		}
		r := Reg16(reg)
		if sz == Size8 {
			r = Reg8(reg)
		}
		return ins(OpTest, rm, RegOperand(r)), nil

	case b == 0x86 || b == 0x87: // xchg r/m, r
		sz := Size16
		if b == 0x86 {
			sz = Size8
		}
		reg, rm, err := s.modrm(sz)
		if err != nil {
			return Instr{}, err
		}
		r := Reg16(reg)
		if sz == Size8 {
			r = Reg8(reg)
		}
		return ins(OpXchg, rm, RegOperand(r)), nil

	case b == 0x88: // mov r/m8, r8
		reg, rm, err := s.modrm(Size8)
		if err != nil {
			return Instr{}, err
		}
		return ins(OpMov, rm, RegOperand(Reg8(reg))), nil
	case b == 0x89:
		reg, rm, err := s.modrm(Size16)
		if err != nil {
			return Instr{}, err
		}
		return ins(OpMov, rm, RegOperand(Reg16(reg))), nil
	case b == 0x8a:
		reg, rm, err := s.modrm(Size8)
		if err != nil {
			return Instr{}, err
		}
		return ins(OpMov, RegOperand(Reg8(reg)), rm), nil
	case b == 0x8b:
		reg, rm, err := s.modrm(Size16)
		if err != nil {
			return Instr{}, err
		}
		return ins(OpMov, RegOperand(Reg16(reg)), rm), nil
	case b == 0x8c: // mov r/m16, sreg
		reg, rm, err := s.modrm(Size16)
		if err != nil {
			return Instr{}, err
		}
		return ins(OpMov, rm, RegOperand(SReg16(reg))), nil
	case b == 0x8e: // mov sreg, r/m16
		reg, rm, err := s.modrm(Size16)
		if err != nil {
			return Instr{}, err
		}
		return ins(OpMov, RegOperand(SReg16(reg)), rm), nil

	case b == 0x8d: // lea r16, m
		reg, rm, err := s.modrm(Size16)
		if err != nil {
			return Instr{}, err
		}
		if rm.Kind != KindMem {
			return Instr{}, fmt.Errorf("lea requires a memory operand")
		}
		return ins(OpLea, RegOperand(Reg16(reg)), rm), nil

	case b == 0x8f: // pop r/m16
		_, rm, err := s.modrm(Size16)
		if err != nil {
			return Instr{}, err
		}
		return ins(OpPop, rm), nil

	case b == 0x90:
		return ins(OpNop), nil
	case b >= 0x91 && b <= 0x97: // xchg ax, r16
		return ins(OpXchg, RegOperand(AX), RegOperand(Reg16(b & 7))), nil

	case b == 0x99: // cwd
		return ins(OpCwd, RegOperand(DX), RegOperand(AX)), nil

	case b == 0x9a: // callf ptr16:16
		off, err := s.fetchU16()
		if err != nil {
			return Instr{}, err
		}
		seg, err := s.fetchU16()
		if err != nil {
			return Instr{}, err
		}
		return ins(OpCallF, FarOperand(seg, off)), nil

	case b == 0xa0 || b == 0xa1: // mov AL/AX, [moffs]
		off, err := s.fetchU16()
		if err != nil {
			return Instr{}, err
		}
		sz, r := Size8, AL
		if b == 0xa1 {
			sz, r = Size16, AX
		}
		m := OperandMem{Sz: sz, SReg: DS, Off: off, HasOff: true}
		if s.hasOvrd {
			m.SReg = s.sregOvrd
		}
		return ins(OpMov, RegOperand(r), MemOperand(m)), nil
	case b == 0xa2 || b == 0xa3: // mov [moffs], AL/AX
		off, err := s.fetchU16()
		if err != nil {
			return Instr{}, err
		}
		sz, r := Size8, AL
		if b == 0xa3 {
			sz, r = Size16, AX
		}
		m := OperandMem{Sz: sz, SReg: DS, Off: off, HasOff: true}
		if s.hasOvrd {
			m.SReg = s.sregOvrd
		}
		return ins(OpMov, MemOperand(m), RegOperand(r)), nil

	case b == 0xa8: // test AL, imm8
		imm, err := s.fetch()
		if err != nil {
			return Instr{}, err
		}
		return ins(OpTest, RegOperand(AL), ImmOperand(Size8, uint16(imm))), nil
	case b == 0xa9: // test AX, imm16
		imm, err := s.fetchU16()
		if err != nil {
			return Instr{}, err
		}
		return ins(OpTest, RegOperand(AX), ImmOperand(Size16, imm)), nil

	case b == 0xaa || b == 0xab: // stos
		sz, r := Size8, AL
		if b == 0xab {
			sz, r = Size16, AX
		}
		dst := OperandMem{Sz: sz, SReg: ES, Reg1: DI, HasReg1: true}
		return ins(OpStos, MemOperand(dst), RegOperand(r)), nil
	case b == 0xac || b == 0xad: // lods
		sz, r := Size8, AL
		if b == 0xad {
			sz, r = Size16, AX
		}
		src := OperandMem{Sz: sz, SReg: DS, Reg1: SI, HasReg1: true}
		if s.hasOvrd {
			src.SReg = s.sregOvrd
		}
		return ins(OpLods, RegOperand(r), MemOperand(src)), nil

	case b >= 0xb0 && b <= 0xb7: // mov r8, imm8
		imm, err := s.fetch()
		if err != nil {
			return Instr{}, err
		}
		return ins(OpMov, RegOperand(Reg8(b & 7)), ImmOperand(Size8, uint16(imm))), nil
	case b >= 0xb8 && b <= 0xbf: // mov r16, imm16
		imm, err := s.fetchU16()
		if err != nil {
			return Instr{}, err
		}
		return ins(OpMov, RegOperand(Reg16(b & 7)), ImmOperand(Size16, imm)), nil

	case b == 0xc0 || b == 0xc1: // group2 r/m, imm8
		sz := Size16
		if b == 0xc0 {
			sz = Size8
		}
		reg, rm, err := s.modrm(sz)
		if err != nil {
			return Instr{}, err
		}
		if group2[reg] == OpInvalid {
			return Instr{}, fmt.Errorf("invalid shift group encoding: /%d", reg)
		}
		imm, err := s.fetch()
		if err != nil {
			return Instr{}, err
		}
		return ins(group2[reg], rm, ImmOperand(Size8, uint16(imm))), nil

	case b == 0xc2: // ret imm16
		imm, err := s.fetchU16()
		if err != nil {
			return Instr{}, err
		}
		return ins(OpRet, ImmOperand(Size16, imm)), nil
	case b == 0xc3:
		return ins(OpRet), nil
	case b == 0xca: // retf imm16
		imm, err := s.fetchU16()
		if err != nil {
			return Instr{}, err
		}
		return ins(OpRetF, ImmOperand(Size16, imm)), nil
	case b == 0xcb:
		return ins(OpRetF), nil

	case b == 0xc4: // les r16, m32
		reg, rm, err := s.modrm(Size32)
		if err != nil {
			return Instr{}, err
		}
		if rm.Kind != KindMem {
			return Instr{}, fmt.Errorf("les requires a memory operand")
		}
		return ins(OpLes, RegOperand(ES), RegOperand(Reg16(reg)), rm), nil

	case b == 0xc6 || b == 0xc7: // mov r/m, imm
		sz := Size16
		if b == 0xc6 {
			sz = Size8
		}
		_, rm, err := s.modrm(sz)
		if err != nil {
			return Instr{}, err
		}
		var imm uint16
		if sz == Size8 {
			v, e := s.fetch()
			imm, err = uint16(v), e
		} else {
			imm, err = s.fetchU16()
		}
		if err != nil {
			return Instr{}, err
		}
		return ins(OpMov, rm, ImmOperand(sz, imm)), nil

	case b == 0xc9:
		return ins(OpLeave), nil

	case b == 0xcd: // int imm8
		imm, err := s.fetch()
		if err != nil {
			return Instr{}, err
		}
		return ins(OpInt, ImmOperand(Size8, uint16(imm))), nil

	case b >= 0xd0 && b <= 0xd3: // group2 shifts
		sz := Size16
		if b == 0xd0 || b == 0xd2 {
			sz = Size8
		}
		reg, rm, err := s.modrm(sz)
		if err != nil {
			return Instr{}, err
		}
		if group2[reg] == OpInvalid {
			return Instr{}, fmt.Errorf("invalid shift group encoding: /%d", reg)
		}
		var count Operand
		if b <= 0xd1 {
			count = ImmOperand(Size8, 1)
		} else {
			count = RegOperand(CL)
		}
		return ins(group2[reg], rm, count), nil

	case b == 0xe2: // loop rel8
		rel, err := s.fetchSext()
		if err != nil {
			return Instr{}, err
		}
		return ins(OpLoop, RegOperand(CX), RelOperand(rel)), nil
	case b == 0xe3: // jcxz rel8
		rel, err := s.fetchSext()
		if err != nil {
			return Instr{}, err
		}
		return ins(OpJcxz, RegOperand(CX), RelOperand(rel)), nil

	case b == 0xe4 || b == 0xe5: // in AL/AX, imm8
		imm, err := s.fetch()
		if err != nil {
			return Instr{}, err
		}
		r := AL
		if b == 0xe5 {
			r = AX
		}
		return ins(OpIn, RegOperand(r), ImmOperand(Size8, uint16(imm))), nil
	case b == 0xe6 || b == 0xe7: // out imm8, AL/AX
		imm, err := s.fetch()
		if err != nil {
			return Instr{}, err
		}
		r := AL
		if b == 0xe7 {
			r = AX
		}
		return ins(OpOut, ImmOperand(Size8, uint16(imm)), RegOperand(r)), nil
	case b == 0xec || b == 0xed: // in AL/AX, dx
		r := AL
		if b == 0xed {
			r = AX
		}
		return ins(OpIn, RegOperand(r), RegOperand(DX)), nil
	case b == 0xee || b == 0xef: // out dx, AL/AX
		r := AL
		if b == 0xef {
			r = AX
		}
		return ins(OpOut, RegOperand(DX), RegOperand(r)), nil

	case b == 0xe8: // call rel16
		rel, err := s.fetchU16()
		if err != nil {
			return Instr{}, err
		}
		return ins(OpCall, RelOperand(rel)), nil
	case b == 0xe9: // jmp rel16
		rel, err := s.fetchU16()
		if err != nil {
			return Instr{}, err
		}
		return ins(OpJmp, RelOperand(rel)), nil
	case b == 0xeb: // jmp rel8
		rel, err := s.fetchSext()
		if err != nil {
			return Instr{}, err
		}
		return ins(OpJmp, RelOperand(rel)), nil

	case b == 0xf6 || b == 0xf7: // group3
		sz := Size16
		if b == 0xf6 {
			sz = Size8
		}
		reg, rm, err := s.modrm(sz)
		if err != nil {
			return Instr{}, err
		}
		switch reg {
		case 0: // test r/m, imm
			var imm uint16
			if sz == Size8 {
				v, e := s.fetch()
				imm, err = uint16(v), e
			} else {
				imm, err = s.fetchU16()
			}
			if err != nil {
				return Instr{}, err
			}
			return ins(OpTest, rm, ImmOperand(sz, imm)), nil
		case 2:
			return ins(OpNot, rm), nil
		case 3:
			return ins(OpNeg, rm), nil
		case 4, 5, 6, 7:
			op := [4]Opcode{OpMul, OpImul, OpDiv, OpIdiv}[reg-4]
			hi, lo := DX, AX
			if sz == Size8 {
				hi, lo = AH, AL
			}
			return ins(op, RegOperand(hi), RegOperand(lo), rm), nil
		}
		return Instr{}, fmt.Errorf("invalid group3 encoding: /%d", reg)

	case b == 0xfa:
		return ins(OpCli), nil
	case b == 0xfb:
		return ins(OpSti), nil
	case b == 0xfc:
		return ins(OpCld), nil
	case b == 0xfd:
		return ins(OpStd), nil

	case b == 0xfe || b == 0xff: // group4/5
		sz := Size16
		if b == 0xfe {
			sz = Size8
		}
		reg, rm, err := s.modrm(sz)
		if err != nil {
			return Instr{}, err
		}
		switch reg {
		case 0:
			return ins(OpInc, rm), nil
		case 1:
			return ins(OpDec, rm), nil
		}
		if b == 0xfe {
			return Instr{}, fmt.Errorf("invalid group4 encoding: /%d", reg)
		}
		switch reg {
		case 2:
			return ins(OpCall, rm), nil
		case 3:
			return ins(OpCallF, rm), nil
		case 4:
			return ins(OpJmp, rm), nil
		case 5:
			return ins(OpJmpF, rm), nil
		case 6:
			return ins(OpPush, rm), nil
		}
		return Instr{}, fmt.Errorf("invalid group5 encoding: /%d", reg)

	case b == 0x0f:
		return s.decode0F()
	}

	return Instr{}, fmt.Errorf("unknown opcode byte: %#02x", b)
}

func (s *decodeState) decode0F() (Instr, error) {
	b, err := s.fetch()
	if err != nil {
		return Instr{}, err
	}

	switch {
	case b >= 0x80 && b <= 0x8f: // jcc rel16
		rel, err := s.fetchU16()
		if err != nil {
			return Instr{}, err
		}
		return ins(jccShort[b&0xf], RelOperand(rel)), nil

	case b >= 0x90 && b <= 0x9f: // setcc r/m8
		op := setcc[b&0xf]
		if op == OpInvalid {
			return Instr{}, fmt.Errorf("unsupported setcc encoding: 0f %02x", b)
		}
		_, rm, err := s.modrm(Size8)
		if err != nil {
			return Instr{}, err
		}
		return ins(op, rm), nil
	}

	return Instr{}, fmt.Errorf("unknown opcode bytes: 0f %02x", b)
}
