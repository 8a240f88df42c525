package binary

import (
	"fmt"

	"github.com/xorvoid/dis86-sub000/pkg/segoff"
)

// RegionIter is a byte cursor over a contiguous region of the binary,
// addressed by seg:off. The decoder consumes bytes through it.
type RegionIter struct {
	mem  []byte
	base segoff.SegOff
	off  int
}

func NewRegionIter(mem []byte, base segoff.SegOff) *RegionIter {
	return &RegionIter{mem: mem, base: base}
}

func (r *RegionIter) GetChecked(addr segoff.SegOff) (byte, error) {
	if addr.Seg != r.base.Seg {
		return 0, fmt.Errorf("mismatching segments: %s vs %s", addr.Seg, r.base.Seg)
	}
	a := int(addr.Off)
	base := int(r.base.Off)
	if a < base {
		return 0, fmt.Errorf("region access below start of region: %s", addr)
	}
	if a >= base+len(r.mem) {
		return 0, fmt.Errorf("region access beyond end of region: %s", addr)
	}
	return r.mem[a-base], nil
}

func (r *RegionIter) Get(addr segoff.SegOff) byte {
	b, err := r.GetChecked(addr)
	if err != nil {
		panic(err)
	}
	return b
}

// Slice returns len bytes starting at addr.
func (r *RegionIter) Slice(addr segoff.SegOff, n uint16) []byte {
	if addr.Seg != r.base.Seg {
		panic("mismatching segments")
	}
	a := int(addr.Off)
	base := int(r.base.Off)
	if a < base || a+int(n) > base+len(r.mem) {
		panic(fmt.Sprintf("region access out of range: %s + %d", addr, n))
	}
	return r.mem[a-base : a-base+int(n)]
}

func (r *RegionIter) PeekChecked() (byte, error) {
	return r.GetChecked(r.Addr())
}

func (r *RegionIter) Peek() byte {
	b, err := r.PeekChecked()
	if err != nil {
		panic(err)
	}
	return b
}

func (r *RegionIter) Advance() {
	r.off++
}

func (r *RegionIter) AdvanceBy(n int) {
	r.off += n
}

func (r *RegionIter) Fetch() (byte, error) {
	b, err := r.PeekChecked()
	if err != nil {
		return 0, err
	}
	r.Advance()
	return b, nil
}

// FetchSext fetches one byte sign-extended to 16 bits.
func (r *RegionIter) FetchSext() (uint16, error) {
	b, err := r.Fetch()
	if err != nil {
		return 0, err
	}
	return uint16(int16(int8(b))), nil
}

func (r *RegionIter) FetchU16() (uint16, error) {
	low, err := r.Fetch()
	if err != nil {
		return 0, err
	}
	high, err := r.Fetch()
	if err != nil {
		return 0, err
	}
	return uint16(high)<<8 | uint16(low), nil
}

func (r *RegionIter) Addr() segoff.SegOff {
	return r.base.AddOffset(uint16(r.off))
}

// ResetAddr moves the cursor to an absolute address inside the region.
func (r *RegionIter) ResetAddr(addr segoff.SegOff) {
	if addr.Seg != r.base.Seg || addr.Off < r.base.Off {
		panic("reset address outside region")
	}
	off := int(addr.Off) - int(r.base.Off)
	if off > len(r.mem) {
		panic("reset address outside region")
	}
	r.off = off
}

func (r *RegionIter) BaseAddr() segoff.SegOff {
	return r.base
}

func (r *RegionIter) EndAddr() segoff.SegOff {
	return r.base.AddOffset(uint16(len(r.mem)))
}

func (r *RegionIter) BytesRemaining() int {
	return len(r.mem) - r.off
}
