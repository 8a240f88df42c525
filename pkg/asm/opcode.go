package asm

// Opcode is a compact identifier for a decoded x86 instruction operation
// (not the raw byte encoding; several encodings share an opcode).
type Opcode uint8

const (
	OpInvalid Opcode = iota

	OpAdd
	OpAdc
	OpAnd
	OpCall
	OpCallF
	OpCld
	OpCli
	OpCmp
	OpCwd
	OpDec
	OpDiv
	OpIdiv
	OpImul      // widening: DX:AX = AX * r/m16
	OpImulTrunc // 3-operand: r16 = r/m16 * imm
	OpIn
	OpInc
	OpInt
	OpJa
	OpJae
	OpJb
	OpJbe
	OpJcxz
	OpJe
	OpJg
	OpJge
	OpJl
	OpJle
	OpJmp
	OpJmpF
	OpJne
	OpJno
	OpJnp
	OpJns
	OpJo
	OpJp
	OpJs
	OpLea
	OpLeave
	OpLes
	OpLods
	OpLoop
	OpMov
	OpMul
	OpNeg
	OpNop
	OpNot
	OpOr
	OpOut
	OpPop
	OpPush
	OpRcl
	OpRcr
	OpRet
	OpRetF
	OpRol
	OpRor
	OpSar
	OpSbb
	OpSeta
	OpSetae
	OpSetb
	OpSetbe
	OpSete
	OpSetg
	OpSetge
	OpSetl
	OpSetle
	OpSetne
	OpShl
	OpShr
	OpStd
	OpSti
	OpStos
	OpSub
	OpTest
	OpXchg
	OpXor

	OpcodeCount // sentinel
)

var opcodeNames = [OpcodeCount]string{
	OpInvalid:   "<invalid>",
	OpAdd:       "add",
	OpAdc:       "adc",
	OpAnd:       "and",
	OpCall:      "call",
	OpCallF:     "callf",
	OpCld:       "cld",
	OpCli:       "cli",
	OpCmp:       "cmp",
	OpCwd:       "cwd",
	OpDec:       "dec",
	OpDiv:       "div",
	OpIdiv:      "idiv",
	OpImul:      "imul",
	OpImulTrunc: "imul",
	OpIn:        "in",
	OpInc:       "inc",
	OpInt:       "int",
	OpJa:        "ja",
	OpJae:       "jae",
	OpJb:        "jb",
	OpJbe:       "jbe",
	OpJcxz:      "jcxz",
	OpJe:        "je",
	OpJg:        "jg",
	OpJge:       "jge",
	OpJl:        "jl",
	OpJle:       "jle",
	OpJmp:       "jmp",
	OpJmpF:      "jmpf",
	OpJne:       "jne",
	OpJno:       "jno",
	OpJnp:       "jnp",
	OpJns:       "jns",
	OpJo:        "jo",
	OpJp:        "jp",
	OpJs:        "js",
	OpLea:       "lea",
	OpLeave:     "leave",
	OpLes:       "les",
	OpLods:      "lods",
	OpLoop:      "loop",
	OpMov:       "mov",
	OpMul:       "mul",
	OpNeg:       "neg",
	OpNop:       "nop",
	OpNot:       "not",
	OpOr:        "or",
	OpOut:       "out",
	OpPop:       "pop",
	OpPush:      "push",
	OpRcl:       "rcl",
	OpRcr:       "rcr",
	OpRet:       "ret",
	OpRetF:      "retf",
	OpRol:       "rol",
	OpRor:       "ror",
	OpSar:       "sar",
	OpSbb:       "sbb",
	OpSeta:      "seta",
	OpSetae:     "setae",
	OpSetb:      "setb",
	OpSetbe:     "setbe",
	OpSete:      "sete",
	OpSetg:      "setg",
	OpSetge:     "setge",
	OpSetl:      "setl",
	OpSetle:     "setle",
	OpSetne:     "setne",
	OpShl:       "shl",
	OpShr:       "shr",
	OpStd:       "std",
	OpSti:       "sti",
	OpStos:      "stos",
	OpSub:       "sub",
	OpTest:      "test",
	OpXchg:      "xchg",
	OpXor:       "xor",
}

func (o Opcode) String() string {
	if o >= OpcodeCount {
		return "<bad>"
	}
	return opcodeNames[o]
}
