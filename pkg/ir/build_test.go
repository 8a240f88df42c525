package ir

import (
	"strings"
	"testing"

	"github.com/xorvoid/dis86-sub000/pkg/asm"
	"github.com/xorvoid/dis86-sub000/pkg/config"
	"github.com/xorvoid/dis86-sub000/pkg/segoff"
	"github.com/xorvoid/dis86-sub000/pkg/types"
)

func mkIns(off uint16, n int, op asm.Opcode, operands ...asm.Operand) asm.Instr {
	return asm.Instr{Op: op, Operands: operands, Addr: segoff.New(0x49, off), NBytes: n}
}

func emptyConfig() *config.Config {
	return &config.Config{Types: types.NewRegistry()}
}

func specFor(cfg *config.Config, name string, ret types.Type) *config.FuncSpec {
	fn := &config.Func{Name: name, Mode: config.CallFar, Ret: ret, Args: 0}
	return &config.FuncSpec{Func: fn, Name: name, Start: segoff.New(0x49, 0), End: segoff.New(0x49, 0x100)}
}

func findOpcode(ir *IR, opcode Opcode) []Ref {
	var out []Ref
	for _, b := range ir.IterBlocks() {
		for _, r := range ir.IterInstrs(b) {
			if ir.Instr(r).Opcode == opcode {
				out = append(out, r)
			}
		}
	}
	return out
}

// mov ax, 0x1234 ; retf
func TestBuildTrivialReturn(t *testing.T) {
	cfg := emptyConfig()
	spec := specFor(cfg, "F_trivial", types.U16)
	instrs := []asm.Instr{
		mkIns(0, 3, asm.OpMov, asm.RegOperand(asm.AX), asm.ImmOperand(asm.Size16, 0x1234)),
		mkIns(3, 1, asm.OpRetF),
	}

	irp, err := FromInstrs(instrs, cfg, spec, nil, false, false)
	if err != nil {
		t.Fatal(err)
	}

	rets := findOpcode(irp, RetFar)
	if len(rets) != 1 {
		t.Fatalf("expected one retf, got %d", len(rets))
	}
	ret := irp.Instr(rets[0])
	if len(ret.Operands) != 1 {
		t.Fatalf("u16 return should carry one value: %+v", ret.Operands)
	}
	if k, ok := irp.LookupConst(ret.Operands[0]); !ok || k != 0x1234 {
		t.Errorf("return value: got %+v", ret.Operands[0])
	}

	// Callee-saved registers are pinned before the return
	if pins := findOpcode(irp, Pin); len(pins) != 6 {
		t.Errorf("expected 6 pinned registers, got %d", len(pins))
	}
}

func TestBuildTerminatorInvariant(t *testing.T) {
	cfg := emptyConfig()
	spec := specFor(cfg, "F_cond", types.U16)
	// cmp ax, bx ; jg +1 ; nop ; retf
	instrs := []asm.Instr{
		mkIns(0, 2, asm.OpCmp, asm.RegOperand(asm.AX), asm.RegOperand(asm.BX)),
		mkIns(2, 2, asm.OpJg, asm.RelOperand(1)),
		mkIns(4, 1, asm.OpNop),
		mkIns(5, 1, asm.OpRetF),
	}

	irp, err := FromInstrs(instrs, cfg, spec, nil, false, false)
	if err != nil {
		t.Fatal(err)
	}

	for _, b := range irp.IterBlocks() {
		last := irp.Block(b).Instrs.Last()
		if last == nil || !last.Opcode.IsBranch() {
			t.Errorf("block b%d does not end in a terminator", int(b))
		}
		if !irp.Block(b).Sealed {
			t.Errorf("block b%d left unsealed", int(b))
		}
	}
}

// xor cx, cx ; L: cmp cx, 10 ; jge End ; inc cx ; jmp L ; End: retf
func TestBuildWhileLoop(t *testing.T) {
	cfg := emptyConfig()
	spec := specFor(cfg, "F_loop", types.U16)
	instrs := []asm.Instr{
		mkIns(0, 2, asm.OpXor, asm.RegOperand(asm.CX), asm.RegOperand(asm.CX)),
		mkIns(2, 3, asm.OpCmp, asm.RegOperand(asm.CX), asm.ImmOperand(asm.Size16, 10)),
		mkIns(5, 2, asm.OpJge, asm.RelOperand(3)),
		mkIns(7, 1, asm.OpInc, asm.RegOperand(asm.CX)),
		mkIns(8, 2, asm.OpJmp, asm.RelOperand(0xfff8)),
		mkIns(10, 1, asm.OpRetF),
	}

	irp, err := FromInstrs(instrs, cfg, spec, nil, false, false)
	if err != nil {
		t.Fatal(err)
	}
	Optimize(irp)

	// The loop-carried CX value survives as a phi with one operand per pred
	var loopPhi *Instr
	for _, r := range findOpcode(irp, Phi) {
		instr := irp.Instr(r)
		blk := irp.Block(r.Blk)
		if len(instr.Operands) == len(blk.Preds) && len(blk.Preds) == 2 {
			loopPhi = instr
		}
	}
	if loopPhi == nil {
		t.Fatal("expected a 2-ary loop phi to survive")
	}

	// reduce_xor: the entry-side operand collapses to the zero constant
	if k, ok := irp.LookupConst(loopPhi.Operands[0]); !ok || k != 0 {
		t.Errorf("loop phi entry operand: %+v", loopPhi.Operands[0])
	}

	// simplify_branch_conds turns the flags test into a direct comparison
	if len(findOpcode(irp, Geq)) != 1 {
		t.Error("expected a direct signed >= comparison")
	}
	if len(findOpcode(irp, GeqFlags)) != 0 {
		t.Error("flags-based comparison should be simplified away")
	}
}

// push ax ; push bx ; callf F_helper ; add sp, 4 ; retf   (config args=2)
func TestBuildCallWithStackArgs(t *testing.T) {
	cfg := emptyConfig()
	cfg.Funcs = append(cfg.Funcs, config.Func{
		Name:  "F_helper",
		Start: segoff.New(0x50, 0),
		Mode:  config.CallFar,
		Ret:   types.U16,
		Args:  2,
	})
	spec := specFor(cfg, "F_caller", types.U16)
	instrs := []asm.Instr{
		mkIns(0, 1, asm.OpPush, asm.RegOperand(asm.AX)),
		mkIns(1, 1, asm.OpPush, asm.RegOperand(asm.BX)),
		mkIns(2, 5, asm.OpCallF, asm.FarOperand(0x50, 0)),
		mkIns(7, 3, asm.OpAdd, asm.RegOperand(asm.SP), asm.ImmOperand(asm.Size16, 4)),
		mkIns(10, 1, asm.OpRetF),
	}

	irp, err := FromInstrs(instrs, cfg, spec, nil, false, false)
	if err != nil {
		t.Fatal(err)
	}

	calls := findOpcode(irp, CallArgs)
	if len(calls) != 1 {
		t.Fatalf("expected one callargs, got %d", len(calls))
	}
	call := irp.Instr(calls[0])
	if len(call.Operands) != 3 {
		t.Fatalf("expected func + 2 args, got %+v", call.Operands)
	}
	if irp.Funcs[call.Operands[0].UnwrapFunc()] != "F_helper" {
		t.Errorf("func name: %v", call.Operands[0])
	}

	// dont_pop_args is absent: the builder must not synthesize an extra SP
	// adjustment beyond the translated 'add sp, 4'
	Optimize(irp)
	Symbolize(irp, cfg)
	ForwardStoreToLoad(irp)
	Optimize(irp)
	MemSymbolToRef(irp)
	Optimize(irp)

	// After promotion the stack args resolve to the pushed registers
	call = irp.Instr(calls[0])
	if call.Operands[1] != InitRef(asm.BX) {
		t.Errorf("arg0: got %+v want init bx", call.Operands[1])
	}
	if call.Operands[2] != InitRef(asm.AX) {
		t.Errorf("arg1: got %+v want init ax", call.Operands[2])
	}
}

func TestBuildCallDontPopArgs(t *testing.T) {
	cfg := emptyConfig()
	cfg.Funcs = append(cfg.Funcs, config.Func{
		Name:        "F_helper",
		Start:       segoff.New(0x50, 0),
		Mode:        config.CallFar,
		Ret:         types.Void,
		Args:        1,
		DontPopArgs: true,
	})
	spec := specFor(cfg, "F_caller", types.U16)
	instrs := []asm.Instr{
		mkIns(0, 1, asm.OpPush, asm.RegOperand(asm.AX)),
		mkIns(1, 5, asm.OpCallF, asm.FarOperand(0x50, 0)),
		mkIns(6, 1, asm.OpRetF),
	}

	irp, err := FromInstrs(instrs, cfg, spec, nil, false, false)
	if err != nil {
		t.Fatal(err)
	}

	// The builder emits the SP += 2 cleanup itself: after accumulation the
	// SP value pinned at the return folds back to the entry SP.
	Optimize(irp)
	pins := findOpcode(irp, Pin)
	foundEntrySP := false
	for _, r := range pins {
		if irp.Instr(r).Operands[0] == InitRef(asm.SP) {
			foundEntrySP = true
		}
	}
	if !foundEntrySP {
		t.Error("SP should fold back to its entry value after dont_pop_args cleanup")
	}
}

// Register args are materialized as pinned register-symbol writes before
// the call.
func TestBuildRegArgs(t *testing.T) {
	cfg := emptyConfig()
	cfg.Funcs = append(cfg.Funcs, config.Func{
		Name:    "F_regs",
		Start:   segoff.New(0x50, 0),
		Mode:    config.CallFar,
		Ret:     types.Void,
		Args:    0,
		RegArgs: []asm.Reg{asm.AX, asm.DX},
	})
	spec := specFor(cfg, "F_caller", types.U16)
	instrs := []asm.Instr{
		mkIns(0, 5, asm.OpCallF, asm.FarOperand(0x50, 0)),
		mkIns(5, 1, asm.OpRetF),
	}

	irp, err := FromInstrs(instrs, cfg, spec, nil, false, false)
	if err != nil {
		t.Fatal(err)
	}

	writes := findOpcode(irp, WriteVar16)
	if len(writes) != 2 {
		t.Fatalf("expected 2 register-arg writes, got %d", len(writes))
	}
	for _, r := range writes {
		instr := irp.Instr(r)
		if instr.Attrs&AttrPin == 0 {
			t.Error("register-arg write should be pinned")
		}
		if instr.Operands[0].UnwrapSymbol().Table != SymRegister {
			t.Errorf("expected register symbol, got %+v", instr.Operands[0])
		}
	}
}

// Argument-count inference from pushes and cleanup when config is silent.
func TestBuildCallArgHeuristic(t *testing.T) {
	cfg := emptyConfig()
	cfg.Funcs = append(cfg.Funcs, config.Func{
		Name:  "F_unknown",
		Start: segoff.New(0x50, 0),
		Mode:  config.CallFar,
		Ret:   types.U16,
		Args:  -1, // unknown
	})
	spec := specFor(cfg, "F_caller", types.U16)
	instrs := []asm.Instr{
		mkIns(0, 1, asm.OpPush, asm.RegOperand(asm.AX)),
		mkIns(1, 1, asm.OpPush, asm.RegOperand(asm.BX)),
		mkIns(2, 5, asm.OpCallF, asm.FarOperand(0x50, 0)),
		mkIns(7, 3, asm.OpAdd, asm.RegOperand(asm.SP), asm.ImmOperand(asm.Size16, 4)),
		mkIns(10, 1, asm.OpRetF),
	}

	irp, err := FromInstrs(instrs, cfg, spec, nil, false, false)
	if err != nil {
		t.Fatal(err)
	}

	call := irp.Instr(findOpcode(irp, CallArgs)[0])
	if got := len(call.Operands) - 1; got != 2 {
		t.Errorf("inferred args: got %d want 2", got)
	}
}

// push bp ; mov bp, sp ; sub sp, 2 ; mov [bp-2], ax ; mov bx, [bp-2] ;
// mov sp, bp ; pop bp ; retf
func TestStackLocalPromotion(t *testing.T) {
	cfg := emptyConfig()
	spec := specFor(cfg, "F_local", types.U16)
	bpMinus2 := asm.MemOperand(asm.OperandMem{
		Sz: asm.Size16, SReg: asm.SS, Reg1: asm.BP, HasReg1: true, Off: 0xfffe, HasOff: true,
	})
	instrs := []asm.Instr{
		mkIns(0, 1, asm.OpPush, asm.RegOperand(asm.BP)),
		mkIns(1, 2, asm.OpMov, asm.RegOperand(asm.BP), asm.RegOperand(asm.SP)),
		mkIns(3, 3, asm.OpSub, asm.RegOperand(asm.SP), asm.ImmOperand(asm.Size16, 2)),
		mkIns(6, 3, asm.OpMov, bpMinus2, asm.RegOperand(asm.AX)),
		mkIns(9, 3, asm.OpMov, asm.RegOperand(asm.BX), bpMinus2),
		mkIns(12, 2, asm.OpMov, asm.RegOperand(asm.SP), asm.RegOperand(asm.BP)),
		mkIns(14, 1, asm.OpPop, asm.RegOperand(asm.BP)),
		mkIns(15, 1, asm.OpRetF),
	}

	irp, err := FromInstrs(instrs, cfg, spec, nil, false, false)
	if err != nil {
		t.Fatal(err)
	}

	Optimize(irp)
	if err := Symbolize(irp, cfg); err != nil {
		t.Fatal(err)
	}

	// Discovery: the frame slot is named from its frame-relative offset
	found := false
	for _, s := range irp.Symbols.Locals.Symbols {
		if s.Name == "_local_0002" && s.Size == 2 {
			found = true
		}
	}
	if !found {
		t.Fatalf("locals: %+v", irp.Symbols.Locals.Symbols)
	}

	ForwardStoreToLoad(irp)
	Optimize(irp)
	MemSymbolToRef(irp)
	Optimize(irp)

	// Promotion leaves no symbolic accesses behind
	for _, opcode := range []Opcode{ReadVar16, WriteVar16} {
		for _, r := range findOpcode(irp, opcode) {
			sym := irp.Instr(r).Operands[0].UnwrapSymbol()
			if sym.Table == SymLocal {
				t.Errorf("unpromoted local access: %s", InstrToString(irp, r))
			}
		}
	}
}

func TestBuildGlobalSymbolization(t *testing.T) {
	cfg := emptyConfig()
	cfg.Globals = append(cfg.Globals, config.Global{Name: "g_count", Offset: 0x10, Typ: types.U16})
	spec := specFor(cfg, "F_glob", types.U16)
	memG := asm.MemOperand(asm.OperandMem{Sz: asm.Size16, SReg: asm.DS, Off: 0x10, HasOff: true})
	instrs := []asm.Instr{
		mkIns(0, 3, asm.OpMov, asm.RegOperand(asm.AX), memG),
		mkIns(3, 1, asm.OpRetF),
	}

	irp, err := FromInstrs(instrs, cfg, spec, nil, false, false)
	if err != nil {
		t.Fatal(err)
	}
	Optimize(irp)
	if err := Symbolize(irp, cfg); err != nil {
		t.Fatal(err)
	}

	reads := findOpcode(irp, ReadVar16)
	if len(reads) != 1 {
		t.Fatalf("expected one readvar, got %d", len(reads))
	}
	sym := irp.Instr(reads[0]).Operands[0].UnwrapSymbol()
	if sym.Table != SymGlobal || irp.Symbols.Name(sym) != "g_count" {
		t.Errorf("symbol: %+v", sym)
	}
}

func TestDisplayFormat(t *testing.T) {
	cfg := emptyConfig()
	spec := specFor(cfg, "F_trivial", types.U16)
	instrs := []asm.Instr{
		mkIns(0, 3, asm.OpMov, asm.RegOperand(asm.AX), asm.ImmOperand(asm.Size16, 0x1234)),
		mkIns(3, 1, asm.OpRetF),
	}
	irp, err := FromInstrs(instrs, cfg, spec, nil, false, false)
	if err != nil {
		t.Fatal(err)
	}

	text := Display(irp)
	if !strings.Contains(text, "b0: () entry") {
		t.Errorf("missing block header:\n%s", text)
	}
	if !strings.Contains(text, "retf") {
		t.Errorf("missing terminator:\n%s", text)
	}
	if !strings.Contains(text, "#0x1234") {
		t.Errorf("missing constant:\n%s", text)
	}
}
