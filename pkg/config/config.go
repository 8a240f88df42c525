// Package config models the user-supplied description of a binary: known
// functions, structures, globals, and text-section data regions. It is
// parsed from the BSL configuration format.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/xorvoid/dis86-sub000/pkg/asm"
	"github.com/xorvoid/dis86-sub000/pkg/bsl"
	"github.com/xorvoid/dis86-sub000/pkg/segoff"
	"github.com/xorvoid/dis86-sub000/pkg/types"
)

type CallMode uint8

const (
	CallNear CallMode = iota
	CallFar
)

func (m CallMode) String() string {
	if m == CallFar {
		return "far"
	}
	return "near"
}

// OverlayRange locates a function inside a Borland overlay segment.
type OverlayRange struct {
	Num   uint16
	Start uint16
	End   uint16
}

// Func describes a known function. Args < 0 means the argument count is
// unknown and must be inferred at call sites.
type Func struct {
	Name        string
	Start       segoff.SegOff
	End         *segoff.SegOff
	Overlay     *OverlayRange
	Mode        CallMode
	Ret         types.Type
	Args        int // -1 = unknown
	RegArgs     []asm.Reg
	DontPopArgs bool
}

// Indirect describes a known indirect call site.
type Indirect struct {
	Addr segoff.SegOff
	Ret  types.Type
	Args int
}

type Global struct {
	Name   string
	Offset uint16
	Typ    types.Type
}

// TextSectionRegion names a data region embedded in the code segment, e.g.
// a jump table. Access optionally records the instruction address that
// indexes the region.
type TextSectionRegion struct {
	Name   string
	Start  segoff.SegOff
	End    segoff.SegOff
	Typ    types.Type
	Access *segoff.SegOff
}

type Config struct {
	Types       *types.Registry
	Structs     []types.Struct
	Funcs       []Func
	Indirects   []Indirect
	Globals     []Global
	TextSection []TextSectionRegion
}

func (c *Config) FuncLookup(addr segoff.SegOff) *Func {
	for i := range c.Funcs {
		f := &c.Funcs[i]
		if addr == f.Start {
			return f
		}
		// matches as an overlay func?
		if f.Overlay != nil && addr.Seg.Overlay &&
			addr.Seg.Num == f.Overlay.Num && uint16(addr.Off) == f.Overlay.Start {
			return f
		}
	}
	return nil
}

func (c *Config) FuncLookupByName(name string) *Func {
	for i := range c.Funcs {
		if c.Funcs[i].Name == name {
			return &c.Funcs[i]
		}
	}
	return nil
}

func (c *Config) IndirectLookup(addr segoff.SegOff) *Indirect {
	for i := range c.Indirects {
		if c.Indirects[i].Addr == addr {
			return &c.Indirects[i]
		}
	}
	return nil
}

func (c *Config) textRegionLookupByStartAddr(addr segoff.SegOff) *TextSectionRegion {
	for i := range c.TextSection {
		if c.TextSection[i].Start == addr {
			return &c.TextSection[i]
		}
	}
	return nil
}

func (c *Config) textRegionLookupByAccess(addr segoff.SegOff) *TextSectionRegion {
	for i := range c.TextSection {
		r := &c.TextSection[i]
		if r.Access != nil && *r.Access == addr {
			return r
		}
	}
	return nil
}

// TextRegionLookup finds a text-section region either by its start address
// or by the address of the instruction performing the access.
func (c *Config) TextRegionLookup(startAddr, access segoff.SegOff) *TextSectionRegion {
	if r := c.textRegionLookupByStartAddr(startAddr); r != nil {
		return r
	}
	return c.textRegionLookupByAccess(access)
}

// FromFile reads and parses a BSL config file.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	return Parse(string(data))
}

// Parse parses config text.
func Parse(src string) (*Config, error) {
	root, err := bsl.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := &Config{Types: types.NewRegistry()}

	// Structs go first: they register the types the other sections reference.
	if err := cfg.parseStructs(root); err != nil {
		return nil, err
	}
	if err := cfg.parseFunctions(root); err != nil {
		return nil, err
	}
	if err := cfg.parseGlobals(root); err != nil {
		return nil, err
	}
	if err := cfg.parseTextSection(root); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) parseFunctions(root *bsl.Node) (err error) {
	node, ok := root.GetNode("dis86.functions")
	if !ok {
		return fmt.Errorf("failed to get the functions node")
	}

	for _, p := range node.Pairs() {
		key := p.Key
		f := p.Val.Node
		if f == nil {
			return fmt.Errorf("expected function properties for %q", key)
		}

		startStr, ok := f.GetStr("start")
		if !ok {
			return fmt.Errorf("no function 'start' property for %q", key)
		}
		modeStr, ok := f.GetStr("mode")
		if !ok {
			return fmt.Errorf("no function 'mode' property for %q", key)
		}
		retStr, ok := f.GetStr("ret")
		if !ok {
			return fmt.Errorf("no function 'ret' property for %q", key)
		}
		argsStr, ok := f.GetStr("args")
		if !ok {
			return fmt.Errorf("no function 'args' property for %q", key)
		}

		start, err := segoff.Parse(startStr)
		if err != nil {
			return fmt.Errorf("expected segoff for '%s.start', got %q", key, startStr)
		}

		var end *segoff.SegOff
		if endStr, ok := f.GetStr("end"); ok && endStr != "" {
			e, err := segoff.Parse(endStr)
			if err != nil {
				return fmt.Errorf("expected segoff for '%s.end', got %q", key, endStr)
			}
			end = &e
		}

		var mode CallMode
		switch modeStr {
		case "near":
			mode = CallNear
		case "far":
			mode = CallFar
		default:
			return fmt.Errorf("unsupported mode %q for %q", modeStr, key)
		}

		ret, err := c.Types.Parse(retStr)
		if err != nil {
			return fmt.Errorf("expected type for '%s.ret': %w", key, err)
		}

		args, err := strconv.Atoi(argsStr)
		if err != nil {
			return fmt.Errorf("expected integer for '%s.args', got %q", key, argsStr)
		}

		_, dontPopArgs := f.GetStr("dont_pop_args")
		_, indirect := f.GetStr("indirect_call_location")

		overlay, err := parseOverlay(f, key)
		if err != nil {
			return err
		}

		var regargs []asm.Reg
		if s, ok := f.GetStr("regargs"); ok {
			for _, name := range strings.Split(s, ",") {
				reg, ok := asm.RegFromNameUpper(strings.TrimSpace(name))
				if !ok {
					return fmt.Errorf("failed to parse register name %q for %q", name, key)
				}
				regargs = append(regargs, reg)
			}
		}

		if indirect {
			if mode != CallFar {
				return fmt.Errorf("cannot have an indirect near call: %q", key)
			}
			c.Indirects = append(c.Indirects, Indirect{Addr: start, Ret: ret, Args: args})
			continue
		}

		c.Funcs = append(c.Funcs, Func{
			Name:        key,
			Start:       start,
			End:         end,
			Overlay:     overlay,
			Mode:        mode,
			Ret:         ret,
			Args:        args,
			RegArgs:     regargs,
			DontPopArgs: dontPopArgs,
		})
	}
	return nil
}

func parseOverlay(f *bsl.Node, key string) (*OverlayRange, error) {
	numStr, hasNum := f.GetStr("overlay_num")
	startStr, hasStart := f.GetStr("overlay_start")
	endStr, hasEnd := f.GetStr("overlay_end")

	n := 0
	for _, has := range []bool{hasNum, hasStart, hasEnd} {
		if has {
			n++
		}
	}
	if n == 0 {
		return nil, nil
	}
	if n != 3 {
		return nil, fmt.Errorf("overlay options only partially set for %q", key)
	}

	num, err := parseU16(numStr)
	if err != nil {
		return nil, fmt.Errorf("expected u16 for '%s.overlay_num', got %q", key, numStr)
	}
	start, err := parseU16(startStr)
	if err != nil {
		return nil, fmt.Errorf("expected u16 for '%s.overlay_start', got %q", key, startStr)
	}
	end, err := parseU16(endStr)
	if err != nil {
		return nil, fmt.Errorf("expected u16 for '%s.overlay_end', got %q", key, endStr)
	}
	return &OverlayRange{Num: num, Start: start, End: end}, nil
}

func (c *Config) parseStructs(root *bsl.Node) error {
	node, ok := root.GetNode("dis86.structures")
	if !ok {
		return fmt.Errorf("failed to get the structures node")
	}

	for _, p := range node.Pairs() {
		name := p.Key
		s := p.Val.Node
		if s == nil {
			return fmt.Errorf("expected structure properties for %q", name)
		}

		sizeStr, ok := s.GetStr("size")
		if !ok {
			return fmt.Errorf("no structure 'size' property for %q", name)
		}
		size, err := parseU16(sizeStr)
		if err != nil {
			return fmt.Errorf("expected u16 for '%s.size', got %q", name, sizeStr)
		}

		mbrs, ok := s.GetNode("members")
		if !ok {
			return fmt.Errorf("expected %s.members node", name)
		}

		var members []types.StructMember
		for _, mp := range mbrs.Pairs() {
			mbr := mp.Val.Node
			if mbr == nil {
				return fmt.Errorf("expected member properties for %s.members.%s", name, mp.Key)
			}
			offStr, ok := mbr.GetStr("off")
			if !ok {
				return fmt.Errorf("no 'off' property for '%s.members.%s'", name, mp.Key)
			}
			typeStr, ok := mbr.GetStr("type")
			if !ok {
				return fmt.Errorf("no 'type' property for '%s.members.%s'", name, mp.Key)
			}
			off, err := parseU16(offStr)
			if err != nil {
				return fmt.Errorf("expected u16 for '%s.members.%s.off', got %q", name, mp.Key, offStr)
			}
			typ, err := c.Types.Parse(typeStr)
			if err != nil {
				return fmt.Errorf("failed to parse '%s.members.%s.type': %w", name, mp.Key, err)
			}
			members = append(members, types.StructMember{Name: mp.Key, Typ: typ, Off: off})
		}

		st := types.Struct{Name: name, Size: size, Members: members}
		c.Types.Append(st)
		c.Structs = append(c.Structs, st)
	}
	return nil
}

func (c *Config) parseGlobals(root *bsl.Node) error {
	node, ok := root.GetNode("dis86.globals")
	if !ok {
		return fmt.Errorf("failed to get the globals node")
	}

	for _, p := range node.Pairs() {
		key := p.Key
		g := p.Val.Node
		if g == nil {
			return fmt.Errorf("expected global properties for %q", key)
		}
		offStr, ok := g.GetStr("off")
		if !ok {
			return fmt.Errorf("no global 'off' property for %q", key)
		}
		typeStr, ok := g.GetStr("type")
		if !ok {
			return fmt.Errorf("no global 'type' property for %q", key)
		}
		off, err := parseU16(offStr)
		if err != nil {
			return fmt.Errorf("expected u16 for '%s.off', got %q", key, offStr)
		}
		typ, err := c.Types.Parse(typeStr)
		if err != nil {
			// Configs sometimes reference struct names that were never
			// declared; keep going with an unknown type.
			fmt.Fprintf(os.Stderr, "WARN: expected type for '%s.type', got %q: %v\n", key, typeStr, err)
			typ = types.Unknown
		}
		c.Globals = append(c.Globals, Global{Name: key, Offset: off, Typ: typ})
	}
	return nil
}

func (c *Config) parseTextSection(root *bsl.Node) error {
	node, ok := root.GetNode("dis86.text_section")
	if !ok {
		return fmt.Errorf("failed to get the text_section node")
	}

	for _, p := range node.Pairs() {
		key := p.Key
		r := p.Val.Node
		if r == nil {
			return fmt.Errorf("expected text_section properties for %q", key)
		}
		startStr, ok := r.GetStr("start")
		if !ok {
			return fmt.Errorf("no text_section 'start' property for %q", key)
		}
		endStr, ok := r.GetStr("end")
		if !ok {
			return fmt.Errorf("no text_section 'end' property for %q", key)
		}
		typeStr, ok := r.GetStr("type")
		if !ok {
			return fmt.Errorf("no text_section 'type' property for %q", key)
		}

		start, err := segoff.Parse(startStr)
		if err != nil {
			return fmt.Errorf("expected segoff for '%s.start', got %q", key, startStr)
		}
		end, err := segoff.Parse(endStr)
		if err != nil {
			return fmt.Errorf("expected segoff for '%s.end', got %q", key, endStr)
		}
		typ, err := c.Types.Parse(typeStr)
		if err != nil {
			return fmt.Errorf("failed to parse '%s.type': %w", key, err)
		}

		var access *segoff.SegOff
		if accessStr, ok := r.GetStr("access"); ok {
			a, err := segoff.Parse(accessStr)
			if err != nil {
				return fmt.Errorf("expected segoff for '%s.access', got %q", key, accessStr)
			}
			access = &a
		}

		c.TextSection = append(c.TextSection, TextSectionRegion{
			Name:   key,
			Start:  start,
			End:    end,
			Typ:    typ,
			Access: access,
		})
	}
	return nil
}

// parseU16 accepts decimal or 0x-prefixed hex.
func parseU16(s string) (uint16, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseUint(s[2:], 16, 16)
		return uint16(v), err
	}
	v, err := strconv.ParseUint(s, 10, 16)
	return uint16(v), err
}
