// Package binary loads the program image the decompiler works on: either a
// raw flat binary or a DOS MZ executable, including Borland overlay segments.
package binary

import (
	"fmt"
	"os"

	"github.com/xorvoid/dis86-sub000/pkg/segoff"
)

// Binary is the loaded program image: the main exe image plus any overlay
// segments, with the segment remap table needed to resolve far calls made
// from overlay code.
type Binary struct {
	main     []byte
	overlays [][]byte
	segmap   []uint16 // stub segment -> runtime segment, from the seginfo table
}

// FromExeFile reads and decodes an MZ executable.
func FromExeFile(path string) (*Binary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %q: %w", path, err)
	}
	exe, err := DecodeExe(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %q: %w", path, err)
	}
	return FromExe(exe), nil
}

// FromRawFile reads a flat binary.
func FromRawFile(path string) (*Binary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %q: %w", path, err)
	}
	return FromRaw(data), nil
}

func FromExe(exe *Exe) *Binary {
	b := &Binary{main: exe.ExeData()}
	for i := 0; i < exe.NumOverlaySegments(); i++ {
		b.overlays = append(b.overlays, exe.OverlayData(i))
	}
	for _, s := range exe.SegInfo {
		b.segmap = append(b.segmap, s.Seg)
	}
	return b
}

func FromRaw(data []byte) *Binary {
	return &Binary{main: data}
}

// Region returns the bytes between start and end, which must share a segment.
func (b *Binary) Region(start, end segoff.SegOff) []byte {
	if start.Seg != end.Seg {
		panic("region with mismatching segments")
	}
	if start.Seg.Overlay {
		ovr := b.overlays[start.Seg.Num]
		return ovr[start.Off:end.Off]
	}
	return b.main[start.Abs():end.Abs()]
}

func (b *Binary) RegionIter(start, end segoff.SegOff) *RegionIter {
	return NewRegionIter(b.Region(start, end), start)
}

// RemapToSegment resolves a stub-relative segment (as encoded in overlay far
// calls) to its runtime segment via the seginfo table.
func (b *Binary) RemapToSegment(old uint16) (segoff.Seg, error) {
	if b.segmap == nil {
		return segoff.Seg{}, fmt.Errorf("cannot remap segments: binary has no seginfo table")
	}
	if old%8 != 0 {
		return segoff.Seg{}, fmt.Errorf("unaligned overlay segment: %#x", old)
	}
	idx := int(old / 8)
	if idx >= len(b.segmap) {
		return segoff.Seg{}, fmt.Errorf("overlay segment out of range: %#x", old)
	}
	return segoff.Normal(b.segmap[idx]), nil
}
