package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/xorvoid/dis86-sub000/pkg/asm"
	"github.com/xorvoid/dis86-sub000/pkg/ast"
	"github.com/xorvoid/dis86-sub000/pkg/binary"
	"github.com/xorvoid/dis86-sub000/pkg/config"
	"github.com/xorvoid/dis86-sub000/pkg/ctrlflow"
	"github.com/xorvoid/dis86-sub000/pkg/gen"
	"github.com/xorvoid/dis86-sub000/pkg/ir"
	"github.com/xorvoid/dis86-sub000/pkg/rangeset"
	"github.com/xorvoid/dis86-sub000/pkg/segoff"
	"github.com/xorvoid/dis86-sub000/pkg/types"
)

type options struct {
	configPath string
	binaryExe  string
	binaryRaw  string

	startAddr string
	endAddr   string
	name      string

	emitDis       string
	emitIRInitial string
	emitIRPresym  string
	emitIRSym     string
	emitIRFwd     string
	emitIROpt     string
	emitIRFinal   string
	emitGraph     string
	emitCtrlflow  string
	emitAST       string
	emitCode      string

	buildPinAll  bool
	codegenHydra bool
}

func main() {
	var opts options

	rootCmd := &cobra.Command{
		Use:           "dis86",
		Short:         "Static decompiler for 16-bit real-mode DOS executables",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(&opts)
		},
	}

	f := rootCmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "path to binary configuration file (required)")
	f.StringVar(&opts.binaryExe, "binary-exe", "", "path to MZ format exe (exactly 1 --binary-* flag required)")
	f.StringVar(&opts.binaryRaw, "binary-raw", "", "path to raw binary (exactly 1 --binary-* flag required)")
	f.StringVar(&opts.startAddr, "start-addr", "", "start seg:off address")
	f.StringVar(&opts.endAddr, "end-addr", "", "end seg:off address")
	f.StringVar(&opts.name, "name", "", "lookup address range by name in config")
	f.StringVar(&opts.emitDis, "emit-dis", "", "path to emit disassembly ('-' for stdout)")
	f.StringVar(&opts.emitIRInitial, "emit-ir-initial", "", "path to emit initial unoptimized SSA IR")
	f.StringVar(&opts.emitIRPresym, "emit-ir-presym", "", "path to emit pre-symbolized SSA IR")
	f.StringVar(&opts.emitIRSym, "emit-ir-sym", "", "path to emit symbolized SSA IR")
	f.StringVar(&opts.emitIRFwd, "emit-ir-fwd", "", "path to emit memory-forwarding SSA IR")
	f.StringVar(&opts.emitIROpt, "emit-ir-opt", "", "path to emit optimized SSA IR")
	f.StringVar(&opts.emitIRFinal, "emit-ir-final", "", "path to emit final SSA IR before control-flow analysis")
	f.StringVar(&opts.emitGraph, "emit-graph", "", "path to emit a control-flow-graph dot file")
	f.StringVar(&opts.emitCtrlflow, "emit-ctrlflow", "", "path to emit the inferred control-flow structure")
	f.StringVar(&opts.emitAST, "emit-ast", "", "path to emit the constructed AST")
	f.StringVar(&opts.emitCode, "emit-code", "", "path to emit c code")
	f.BoolVar(&opts.buildPinAll, "build-pin-all", false, "pin every register write")
	f.BoolVar(&opts.codegenHydra, "codegen-hydra", false, "emit code that integrates with the hydra runtime")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func writeToPath(path, data string) error {
	if strings.HasPrefix(path, "-") {
		fmt.Println(data)
		return nil
	}
	return os.WriteFile(path, []byte(data+"\n"), 0o644)
}

func run(opts *options) error {
	if opts.configPath == "" {
		return fmt.Errorf("--config is required")
	}
	if (opts.binaryExe == "") == (opts.binaryRaw == "") {
		return fmt.Errorf("exactly one of --binary-exe or --binary-raw must be set")
	}

	cfg, err := config.FromFile(opts.configPath)
	if err != nil {
		return err
	}

	var spec config.FuncSpec
	if opts.name != "" {
		spec, err = cfg.SpecFromName(opts.name)
		if err != nil {
			return err
		}
	} else {
		if opts.startAddr == "" || opts.endAddr == "" {
			return fmt.Errorf("either --name or both --start-addr and --end-addr are required")
		}
		start, err := segoff.Parse(opts.startAddr)
		if err != nil {
			return err
		}
		end, err := segoff.Parse(opts.endAddr)
		if err != nil {
			return err
		}
		spec = config.SpecFromRange(start, end)
	}

	var bin *binary.Binary
	if opts.binaryExe != "" {
		bin, err = binary.FromExeFile(opts.binaryExe)
	} else {
		bin, err = binary.FromRawFile(opts.binaryRaw)
	}
	if err != nil {
		return err
	}

	if opts.emitDis != "" {
		text, err := disassemble(bin, cfg, &spec)
		if err != nil {
			return err
		}
		return writeToPath(opts.emitDis, text)
	}

	region := bin.RegionIter(spec.Start, spec.End)
	instrs, _, err := asm.DecodeAll(region)
	if err != nil {
		return err
	}

	overlay := spec.Start.IsOverlay()

	irp, err := ir.FromInstrs(instrs, cfg, &spec, bin, overlay, opts.buildPinAll)
	if err != nil {
		return err
	}
	if opts.emitIRInitial != "" {
		return writeToPath(opts.emitIRInitial, ir.Display(irp))
	}

	ir.Optimize(irp)
	if opts.emitIRPresym != "" {
		return writeToPath(opts.emitIRPresym, ir.Display(irp))
	}

	if err := ir.Symbolize(irp, cfg); err != nil {
		return err
	}
	if opts.emitIRSym != "" {
		return writeToPath(opts.emitIRSym, ir.Display(irp))
	}

	ir.ForwardStoreToLoad(irp)
	ir.Optimize(irp)
	if opts.emitIRFwd != "" {
		return writeToPath(opts.emitIRFwd, ir.Display(irp))
	}

	ir.MemSymbolToRef(irp)
	ir.Optimize(irp)
	if opts.emitIROpt != "" {
		return writeToPath(opts.emitIROpt, ir.DisplayWithUses(irp))
	}

	ir.FuseMem(irp)
	ir.Optimize(irp)

	ir.Finalize(irp)
	if opts.emitIRFinal != "" {
		return writeToPath(opts.emitIRFinal, ir.DisplayWithUses(irp))
	}

	if opts.emitGraph != "" {
		return writeToPath(opts.emitGraph, ir.GenGraphvizDotfile(irp))
	}

	cf := ctrlflow.FromIR(irp)
	if opts.emitCtrlflow != "" {
		return writeToPath(opts.emitCtrlflow, ctrlflow.Format(cf))
	}

	fn := ast.FromIR(cfg, spec.Name, retTypeOf(&spec), irp, cf)
	if opts.emitAST != "" {
		data, err := json.MarshalIndent(fn, "", "  ")
		if err != nil {
			return err
		}
		return writeToPath(opts.emitAST, string(data))
	}

	if opts.emitCode != "" {
		flavor := gen.Standard
		if opts.codegenHydra {
			flavor = gen.Hydra
		}
		return writeToPath(opts.emitCode, gen.Generate(fn, flavor))
	}

	return nil
}

func retTypeOf(spec *config.FuncSpec) *types.Type {
	if spec.Func == nil {
		return nil
	}
	t := spec.Func.Ret
	return &t
}

// disassemble renders the requested range, carving out config-declared
// text-section data regions (e.g. jump tables) so the decoder only runs
// over actual code.
func disassemble(bin *binary.Binary, cfg *config.Config, spec *config.FuncSpec) (string, error) {
	var sb strings.Builder

	// Collect data regions inside the requested range
	dataRegions := rangeset.New()
	for i := range cfg.TextSection {
		r := &cfg.TextSection[i]
		if r.Start.Seg != spec.Start.Seg {
			continue
		}
		lo, hi := uint32(r.Start.Off), uint32(r.End.Off)
		dataRegions.Insert(lo, hi)
	}

	startOff, endOff := uint32(spec.Start.Off), uint32(spec.End.Off)
	cursor := startOff
	emitData := func(from, to uint32) {
		it := bin.RegionIter(
			segoff.SegOff{Seg: spec.Start.Seg, Off: segoff.Off(from)},
			segoff.SegOff{Seg: spec.Start.Seg, Off: segoff.Off(to)})
		for it.BytesRemaining() > 0 {
			addr := it.Addr()
			b, _ := it.Fetch()
			fmt.Fprintf(&sb, "%s  %-24s  (data)\n", addr, fmt.Sprintf("%02x", b))
		}
	}

	for _, gap := range dataRegions.GapsWithin(startOff, endOff) {
		if cursor < gap.Start {
			emitData(cursor, gap.Start)
		}
		it := bin.RegionIter(
			segoff.SegOff{Seg: spec.Start.Seg, Off: segoff.Off(gap.Start)},
			segoff.SegOff{Seg: spec.Start.Seg, Off: segoff.Off(gap.End)})
		d := asm.NewDecoder(it)
		for {
			ins, raw, ok, err := d.Next()
			if err != nil {
				// Print a single byte as data and realign
				addr := d.Addr()
				b, berr := it.PeekChecked()
				if berr != nil {
					break
				}
				fmt.Fprintf(&sb, "%s  %-24s  (data)\n", addr, fmt.Sprintf("%02x", b))
				d.SkipByte()
				continue
			}
			if !ok {
				break
			}
			sb.WriteString(asm.FormatIntel(ins.Addr, &ins, raw, true))
			sb.WriteByte('\n')
		}
		cursor = gap.End
	}
	if cursor < endOff {
		emitData(cursor, endOff)
	}

	return sb.String(), nil
}
