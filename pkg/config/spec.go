package config

import (
	"fmt"

	"github.com/xorvoid/dis86-sub000/pkg/segoff"
)

// FuncSpec is the resolved target of a decompilation run: the address range
// to decode and, when known, the config function metadata.
type FuncSpec struct {
	Func  *Func // nil when decompiling a raw address range
	Name  string
	Start segoff.SegOff
	End   segoff.SegOff
}

// SpecFromName resolves a run target from a config function name.
func (c *Config) SpecFromName(name string) (FuncSpec, error) {
	f := c.FuncLookupByName(name)
	if f == nil {
		return FuncSpec{}, fmt.Errorf("failed to lookup function named %q", name)
	}
	if f.Overlay != nil {
		return FuncSpec{
			Func:  f,
			Name:  name,
			Start: segoff.NewOverlay(f.Overlay.Num, f.Overlay.Start),
			End:   segoff.NewOverlay(f.Overlay.Num, f.Overlay.End),
		}, nil
	}
	if f.End == nil {
		return FuncSpec{}, fmt.Errorf("function %q has no 'end' addr defined in config", name)
	}
	return FuncSpec{Func: f, Name: name, Start: f.Start, End: *f.End}, nil
}

// SpecFromRange resolves a run target from an explicit address range.
func SpecFromRange(start, end segoff.SegOff) FuncSpec {
	return FuncSpec{
		Name:  fmt.Sprintf("func_%s_%04x", start.Seg, uint16(start.Off)),
		Start: start,
		End:   end,
	}
}
