package ir

import (
	"fmt"
	"os"
	"sort"

	"github.com/xorvoid/dis86-sub000/pkg/asm"
	"github.com/xorvoid/dis86-sub000/pkg/config"
	"github.com/xorvoid/dis86-sub000/pkg/types"
)

// SymbolTableKind selects one of the symbol regions.
type SymbolTableKind uint8

const (
	SymParam SymbolTableKind = iota
	SymLocal
	SymGlobal
	SymRegister
)

func (k SymbolTableKind) String() string {
	switch k {
	case SymParam:
		return "param"
	case SymLocal:
		return "local"
	case SymGlobal:
		return "global"
	case SymRegister:
		return "register"
	}
	return "?"
}

// SymbolRef names a symbol by (table, index) plus an access offset and size,
// which lets a single u32 local be addressed 16 bits at a time.
type SymbolRef struct {
	Table SymbolTableKind
	Idx   int
	Off   int // access offset within the symbol
	Sz    int // access size in bytes
}

// ToType maps an access size to its unsigned type.
func (r SymbolRef) ToType() types.Type {
	switch r.Sz {
	case 1:
		return types.U8
	case 2:
		return types.U16
	case 4:
		return types.U32
	}
	panic(fmt.Sprintf("unsupported symbol access size: %d", r.Sz))
}

// Symbol is a named storage location. Typ carries the declared type for
// globals; discovered stack symbols get the unsigned type of their size.
type Symbol struct {
	Name string
	Off  int
	Size int
	Typ  types.Type
}

func (s *Symbol) start() int { return s.Off }
func (s *Symbol) end() int   { return s.Off + s.Size }

// SymbolTable is one region of symbols, kept ordered by offset.
type SymbolTable struct {
	Symbols []Symbol
}

func (t *SymbolTable) Append(name string, off, size int, typ types.Type) {
	t.Symbols = append(t.Symbols, Symbol{Name: name, Off: off, Size: size, Typ: typ})
}

func (t *SymbolTable) sortByOffset() {
	sort.SliceStable(t.Symbols, func(i, j int) bool {
		a, b := &t.Symbols[i], &t.Symbols[j]
		if a.Off != b.Off {
			return a.Off < b.Off
		}
		return a.Size < b.Size
	})
}

// Coalesce merges overlapping symbols into single spanning entries.
// Running it twice is the same as running it once.
func (t *SymbolTable) Coalesce() {
	if len(t.Symbols) == 0 {
		return
	}
	t.sortByOffset()

	out := []Symbol{t.Symbols[0]}
	for _, sym := range t.Symbols[1:] {
		last := &out[len(out)-1]
		if sym.start() < last.end() {
			// overlapping: grow the last symbol to span both
			if sym.end() > last.end() {
				last.Size = sym.end() - last.start()
				last.Typ = sizedType(last.Size)
			}
		} else {
			out = append(out, sym)
		}
	}
	t.Symbols = out
}

// FinalizeNonOverlapping sorts and verifies declared symbols don't collide.
func (t *SymbolTable) FinalizeNonOverlapping() error {
	t.sortByOffset()
	for i := 1; i < len(t.Symbols); i++ {
		if t.Symbols[i].start() < t.Symbols[i-1].end() {
			return fmt.Errorf("overlapping symbols: %s and %s", t.Symbols[i-1].Name, t.Symbols[i].Name)
		}
	}
	return nil
}

func (t *SymbolTable) findByName(name string) (int, *Symbol) {
	for i := range t.Symbols {
		if t.Symbols[i].Name == name {
			return i, &t.Symbols[i]
		}
	}
	return -1, nil
}

func sizedType(size int) types.Type {
	switch size {
	case 1:
		return types.U8
	case 2:
		return types.U16
	case 4:
		return types.U32
	}
	return types.Array(types.U8, size)
}

// SymbolMap holds the four symbol regions.
type SymbolMap struct {
	Params    SymbolTable
	Locals    SymbolTable
	Globals   SymbolTable
	Registers SymbolTable
}

func NewSymbolMap() SymbolMap {
	return SymbolMap{}
}

func (m *SymbolMap) table(kind SymbolTableKind) *SymbolTable {
	switch kind {
	case SymParam:
		return &m.Params
	case SymLocal:
		return &m.Locals
	case SymGlobal:
		return &m.Globals
	case SymRegister:
		return &m.Registers
	}
	panic("bad symbol table kind")
}

// FindRef resolves an (offset, size) access to the symbol containing it.
func (m *SymbolMap) FindRef(kind SymbolTableKind, off, sz int) (SymbolRef, bool) {
	tbl := m.table(kind)
	for i := range tbl.Symbols {
		sym := &tbl.Symbols[i]
		if sym.start() <= off && off < sym.end() {
			return SymbolRef{Table: kind, Idx: i, Off: off - sym.start(), Sz: sz}, true
		}
	}
	return SymbolRef{}, false
}

// FindRefByName resolves a full-symbol ref by name within one region.
func (m *SymbolMap) FindRefByName(kind SymbolTableKind, name string) (SymbolRef, bool) {
	idx, sym := m.table(kind).findByName(name)
	if sym == nil {
		return SymbolRef{}, false
	}
	return SymbolRef{Table: kind, Idx: idx, Sz: sym.Size}, true
}

// Symbol returns the definition a ref points into.
func (m *SymbolMap) Symbol(r SymbolRef) *Symbol {
	return &m.table(r.Table).Symbols[r.Idx]
}

// Name renders the symbol name; sub-symbol accesses get an @+off suffix.
func (m *SymbolMap) Name(r SymbolRef) string {
	name := m.Symbol(r).Name
	if r.Off == 0 {
		return name
	}
	return fmt.Sprintf("%s@+%d", name, r.Off)
}

// RegisterSymbol interns a register-pinning symbol for regarg passing.
func (m *SymbolMap) RegisterSymbol(reg asm.Reg) SymbolRef {
	name := reg.Info().Name
	if ref, ok := m.FindRefByName(SymRegister, name); ok {
		return ref
	}
	m.Registers.Append(name, int(reg), 2, types.U16)
	ref, _ := m.FindRefByName(SymRegister, name)
	return ref
}

// SymbolizeStack discovers stack locals and params from SS:SP-relative
// loads/stores and rewrites those accesses to ReadVar/WriteVar.
func SymbolizeStack(ir *IR) {
	ss := InitRef(asm.SS)
	sp := InitRef(asm.SP)

	type memRef struct {
		ref  Ref
		off  int
		size int
	}
	var varMemRefs []memRef

	for _, b := range ir.IterBlocks() {
		for _, r := range ir.IterInstrs(b) {
			memInstr := ir.Instr(r)
			if !memInstr.Opcode.IsLoad() && !memInstr.Opcode.IsStore() {
				continue
			}
			if memInstr.Operands[0] != ss {
				continue
			}

			addrInstr := ir.Instr(memInstr.Operands[1])
			if addrInstr == nil || len(addrInstr.Operands) < 2 || addrInstr.Operands[0] != sp {
				continue
			}

			k, isConst := ir.LookupConst(addrInstr.Operands[1])
			if !isConst {
				continue
			}
			var off int
			switch addrInstr.Opcode {
			case Add:
				off = int(k)
			case Sub:
				off = -int(k)
			default:
				continue
			}

			size := memInstr.Opcode.OperationSize()
			varMemRefs = append(varMemRefs, memRef{ref: r, off: off, size: size})

			// Frame-relative naming: offsets are SP-relative at entry, with
			// the return address occupying the first slot.
			const frameOffset = 2
			if off > 0 {
				name := fmt.Sprintf("_param_%04x", off+frameOffset)
				ir.Symbols.Params.Append(name, off, size, sizedType(size))
			} else {
				name := fmt.Sprintf("_local_%04x", -(off + frameOffset))
				ir.Symbols.Locals.Append(name, off, size, sizedType(size))
			}
		}
	}

	ir.Symbols.Params.Coalesce()
	ir.Symbols.Locals.Coalesce()

	for _, m := range varMemRefs {
		kind := SymLocal
		if m.off > 0 {
			kind = SymParam
		}
		sym, ok := ir.Symbols.FindRef(kind, m.off, m.size)
		if !ok {
			panic(fmt.Sprintf("stack symbol vanished after coalesce: off=%d", m.off))
		}
		rewriteToSymbolic(ir, m.ref, sym)
	}
}

func rewriteToSymbolic(ir *IR, r Ref, sym SymbolRef) {
	instr := ir.Instr(r)
	if instr.Opcode.IsLoad() {
		switch instr.Opcode {
		case Load8:
			instr.Opcode = ReadVar8
		case Load16:
			instr.Opcode = ReadVar16
		case Load32:
			instr.Opcode = ReadVar32
		}
		instr.Operands = []Ref{SymRef(sym)}
	} else {
		switch instr.Opcode {
		case Store8:
			instr.Opcode = WriteVar8
		case Store16:
			instr.Opcode = WriteVar16
		case Store32:
			instr.Opcode = WriteVar32
		}
		instr.Operands = []Ref{SymRef(sym), instr.Operands[2]}
	}
}

// PopulateGlobals fills the Globals table from config declarations.
func PopulateGlobals(ir *IR, cfg *config.Config) error {
	for _, g := range cfg.Globals {
		size, ok := g.Typ.SizeInBytes(cfg.Types)
		if !ok {
			fmt.Fprintf(os.Stderr, "WARN: unsupported type '%s' for %s ... assuming u32\n", g.Typ, g.Name)
			size = 4
		}
		ir.Symbols.Globals.Append(g.Name, int(g.Offset), size, g.Typ)
	}
	return ir.Symbols.Globals.FinalizeNonOverlapping()
}

// SymbolizeGlobals rewrites DS-relative constant-offset accesses to globals.
func SymbolizeGlobals(ir *IR, cfg *config.Config) error {
	if err := PopulateGlobals(ir, cfg); err != nil {
		return err
	}

	ds := InitRef(asm.DS)
	for _, b := range ir.IterBlocks() {
		for _, r := range ir.IterInstrs(b) {
			instr := ir.Instr(r)
			if !instr.Opcode.IsLoad() && !instr.Opcode.IsStore() {
				continue
			}
			if instr.Operands[0] != ds {
				continue
			}
			off, isConst := ir.LookupConst(instr.Operands[1])
			if !isConst {
				continue
			}
			size := instr.Opcode.OperationSize()
			sym, ok := ir.Symbols.FindRef(SymGlobal, int(uint16(off)), size)
			if !ok {
				fmt.Fprintf(os.Stderr, "WARN: could not find global for DS:%04x\n", uint16(off))
				continue
			}
			rewriteToSymbolic(ir, r, sym)
		}
	}
	return nil
}

// Symbolize runs stack then global symbolization.
func Symbolize(ir *IR, cfg *config.Config) error {
	SymbolizeStack(ir)
	return SymbolizeGlobals(ir, cfg)
}
