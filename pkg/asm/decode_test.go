package asm

import (
	"strings"
	"testing"

	"github.com/xorvoid/dis86-sub000/pkg/binary"
	"github.com/xorvoid/dis86-sub000/pkg/segoff"
)

func decodeBytes(t *testing.T, data []byte) []Instr {
	t.Helper()
	it := binary.NewRegionIter(data, segoff.New(0x1000, 0))
	instrs, _, err := DecodeAll(it)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return instrs
}

func TestDecodeBasics(t *testing.T) {
	tests := []struct {
		name  string
		bytes []byte
		text  string
	}{
		{"mov ax imm", []byte{0xb8, 0x34, 0x12}, "mov ax, 0x1234"},
		{"mov r8 imm", []byte{0xb1, 0x05}, "mov cl, 0x5"},
		{"add r16 r16", []byte{0x01, 0xd8}, "add ax, bx"},
		{"sub r16 rm", []byte{0x2b, 0xc3}, "sub ax, bx"},
		{"xor cx cx", []byte{0x31, 0xc9}, "xor cx, cx"},
		{"cmp ax bx", []byte{0x39, 0xd8}, "cmp ax, bx"},
		{"inc cx", []byte{0x41}, "inc cx"},
		{"dec bp", []byte{0x4d}, "dec bp"},
		{"push ds", []byte{0x1e}, "push ds"},
		{"pop bx", []byte{0x5b}, "pop bx"},
		{"ret", []byte{0xc3}, "ret"},
		{"retf", []byte{0xcb}, "retf"},
		{"leave", []byte{0xc9}, "leave"},
		{"nop", []byte{0x90}, "nop"},
		{"cwd", []byte{0x99}, "cwd dx, ax"},
		{"int 21h", []byte{0xcd, 0x21}, "int 0x21"},
		{"mov mem bp-2", []byte{0x89, 0x46, 0xfe}, "mov WORD PTR ss:[bp-0x2], ax"},
		{"mov moffs", []byte{0xa1, 0x10, 0x00}, "mov ax, WORD PTR ds:[0x10]"},
		{"lea", []byte{0x8d, 0x5e, 0x04}, "lea bx, WORD PTR ss:[bp+0x4]"},
		{"les", []byte{0xc4, 0x1e, 0x20, 0x00}, "les es, bx, DWORD PTR ds:[0x20]"},
		{"shl ax 1", []byte{0xd1, 0xe0}, "shl ax, 0x1"},
		{"sar bx cl", []byte{0xd3, 0xfb}, "sar bx, cl"},
		{"mul", []byte{0xf7, 0xe3}, "mul dx, ax, bx"},
		{"div", []byte{0xf7, 0xf1}, "div dx, ax, cx"},
		{"neg", []byte{0xf7, 0xd8}, "neg ax"},
		{"not", []byte{0xf7, 0xd1}, "not cx"},
		{"test ax bx", []byte{0x85, 0xd8}, "test ax, bx"},
		{"xchg ax si", []byte{0x96}, "xchg ax, si"},
		{"push imm", []byte{0x68, 0x00, 0x10}, "push 0x1000"},
		{"seg override", []byte{0x26, 0x8b, 0x07}, "mov ax, WORD PTR es:[bx]"},
		{"cs indirect jmp", []byte{0x2e, 0xff, 0xa7, 0xd7, 0x06}, "jmp WORD PTR cs:[bx+0x6d7]"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			instrs := decodeBytes(t, tc.bytes)
			if len(instrs) != 1 {
				t.Fatalf("expected 1 instruction, got %d", len(instrs))
			}
			got := FormatIntel(instrs[0].Addr, &instrs[0], nil, false)
			if got != tc.text {
				t.Errorf("got %q want %q", got, tc.text)
			}
			if instrs[0].NBytes != len(tc.bytes) {
				t.Errorf("NBytes: got %d want %d", instrs[0].NBytes, len(tc.bytes))
			}
		})
	}
}

func TestDecodeBranches(t *testing.T) {
	// 1000:0000 jne +2 --> target 1000:0004
	instrs := decodeBytes(t, []byte{0x75, 0x02, 0x90, 0x90, 0xc3})
	if instrs[0].Op != OpJne {
		t.Fatalf("opcode: got %v", instrs[0].Op)
	}
	tgt := instrs[0].RelAddr(instrs[0].Operands[0].Rel)
	want := segoff.New(0x1000, 0x0004)
	if tgt != want {
		t.Errorf("branch target: got %v want %v", tgt, want)
	}

	// backward jmp rel8: at 1000:0000, jmp -2 --> 1000:0000
	instrs = decodeBytes(t, []byte{0xeb, 0xfe})
	tgt = instrs[0].RelAddr(instrs[0].Operands[0].Rel)
	if tgt != segoff.New(0x1000, 0x0000) {
		t.Errorf("backward target: got %v", tgt)
	}
}

func TestDecodeCallSequence(t *testing.T) {
	// push ax; push bx; callf 0049:0012; add sp, 4
	data := []byte{
		0x50,
		0x53,
		0x9a, 0x12, 0x00, 0x49, 0x00,
		0x83, 0xc4, 0x04,
	}
	instrs := decodeBytes(t, data)
	if len(instrs) != 4 {
		t.Fatalf("expected 4 instructions, got %d", len(instrs))
	}
	call := instrs[2]
	if call.Op != OpCallF || call.Operands[0].Kind != KindFar {
		t.Fatalf("callf: got %+v", call)
	}
	if call.Operands[0].Far.Seg != 0x49 || call.Operands[0].Far.Off != 0x12 {
		t.Errorf("callf target: got %+v", call.Operands[0].Far)
	}
	cleanup := instrs[3]
	if cleanup.Op != OpAdd || cleanup.Operands[0].Reg != SP || cleanup.Operands[1].Imm.Val != 4 {
		t.Errorf("cleanup: got %+v", cleanup)
	}
}

func TestDecodeUnknownByte(t *testing.T) {
	it := binary.NewRegionIter([]byte{0x0f, 0x05}, segoff.New(0x1000, 0))
	_, _, err := DecodeAll(it)
	if err == nil {
		t.Fatal("expected decode error")
	}
	if want := "1000:0000"; !strings.Contains(err.Error(), want) {
		t.Errorf("error should carry address context, got: %v", err)
	}
}
