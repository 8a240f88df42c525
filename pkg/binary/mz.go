package binary

import (
	"encoding/binary"
	"fmt"
)

// Header is the classic 28-byte MZ executable header.
type Header struct {
	Magic    [2]byte // "MZ"
	CBLP     uint16  // bytes in last 512-byte page
	CP       uint16  // 512-byte pages in file
	CRLC     uint16  // relocation entries
	CParHdr  uint16  // header size in 16-byte paragraphs
	MinAlloc uint16
	MaxAlloc uint16
	SS       int16
	SP       uint16
	CSum     uint16
	IP       uint16
	CS       int16
	LFARLC   uint16 // file offset of relocation table
	OvNo     uint16
}

const headerSize = 28

type Reloc struct {
	Off uint16
	Seg uint16
}

// FBOV is the Borland overlay trailer that follows the main exe image.
type FBOV struct {
	Magic   [4]byte // "FBOV"
	OvrSize uint32
	ExeInfo uint32 // file offset of the SegInfo array
	SegNum  int32  // number of SegInfo entries
}

const fbovSize = 16

// SegInfo flags.
const (
	SegData    uint16 = 0
	SegCode    uint16 = 1
	SegStub    uint16 = 3
	SegOverlay uint16 = 4
)

type SegInfo struct {
	Seg    uint16
	MaxOff uint16
	Flags  uint16
	MinOff uint16
}

func (s SegInfo) Size() uint16 {
	return s.MaxOff - s.MinOff
}

// OverlaySeg describes one overlay segment found through a stub segment.
type OverlaySeg struct {
	StubSegment uint16
	SegmentSize uint16
	DataOffset  uint32 // offset of the segment data relative to overlay data start
}

// OverlayStub is one 5-byte overlay call stub: "CD 3F <off16> 00". Calling
// the stub traps into the overlay manager which maps in the overlay segment
// and continues at DestOffset.
type OverlayStub struct {
	OverlaySegNum uint16
	StubSegment   uint16
	StubOffset    uint16
	DestOffset    uint16
}

// OverlayInfo collects the decoded overlay structures.
type OverlayInfo struct {
	FileOffset uint32 // start of overlay data in the file (just past FBOV)
	Segs       []OverlaySeg
	Stubs      []OverlayStub
}

// Exe is a decoded MZ executable.
type Exe struct {
	Hdr      Header
	ExeStart uint32
	ExeEnd   uint32
	Relocs   []Reloc
	FBOV     *FBOV
	SegInfo  []SegInfo
	Ovr      *OverlayInfo
	raw      []byte
}

// DecodeExe parses an MZ image, including the Borland FBOV overlay trailer
// when present.
func DecodeExe(data []byte) (*Exe, error) {
	hdr, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}

	exeStart := uint32(hdr.CParHdr) * 16
	exeEnd := uint32(hdr.CP) * 512
	if hdr.CBLP != 0 {
		exeEnd -= 512 - uint32(hdr.CBLP)
	}
	if int(exeEnd) > len(data) {
		return nil, fmt.Errorf("end of exe region is beyond the end of data")
	}
	if exeStart > exeEnd {
		return nil, fmt.Errorf("exe region start is beyond its end")
	}

	relocs, err := decodeRelocs(data, hdr.LFARLC, hdr.CRLC)
	if err != nil {
		return nil, err
	}

	exe := &Exe{
		Hdr:      hdr,
		ExeStart: exeStart,
		ExeEnd:   exeEnd,
		Relocs:   relocs,
		raw:      data,
	}

	fbov := decodeFBOV(data[exeEnd:])
	if fbov != nil {
		if fbov.SegNum < 0 {
			return nil, fmt.Errorf("negative FBOV segnum: %d", fbov.SegNum)
		}
		seginfo, err := decodeSegInfo(data, fbov.ExeInfo, int(fbov.SegNum))
		if err != nil {
			return nil, err
		}
		exe.FBOV = fbov
		exe.SegInfo = seginfo

		ovr, err := decodeOverlayInfo(data, exeStart, exeEnd, seginfo)
		if err != nil {
			return nil, err
		}
		exe.Ovr = ovr
	}

	return exe, nil
}

func decodeHeader(data []byte) (Header, error) {
	var hdr Header
	if len(data) < headerSize {
		return hdr, fmt.Errorf("data is too short for MZ header: got %d, expected %d", len(data), headerSize)
	}
	hdr.Magic[0], hdr.Magic[1] = data[0], data[1]
	if hdr.Magic != [2]byte{'M', 'Z'} {
		return hdr, fmt.Errorf("magic number mismatch: got %q, expected \"MZ\"", hdr.Magic[:])
	}
	le := binary.LittleEndian
	hdr.CBLP = le.Uint16(data[2:])
	hdr.CP = le.Uint16(data[4:])
	hdr.CRLC = le.Uint16(data[6:])
	hdr.CParHdr = le.Uint16(data[8:])
	hdr.MinAlloc = le.Uint16(data[10:])
	hdr.MaxAlloc = le.Uint16(data[12:])
	hdr.SS = int16(le.Uint16(data[14:]))
	hdr.SP = le.Uint16(data[16:])
	hdr.CSum = le.Uint16(data[18:])
	hdr.IP = le.Uint16(data[20:])
	hdr.CS = int16(le.Uint16(data[22:]))
	hdr.LFARLC = le.Uint16(data[24:])
	hdr.OvNo = le.Uint16(data[26:])
	return hdr, nil
}

func decodeRelocs(data []byte, off uint16, count uint16) ([]Reloc, error) {
	need := int(off) + 4*int(count)
	if need > len(data) {
		return nil, fmt.Errorf("relocation table extends beyond end of data")
	}
	le := binary.LittleEndian
	relocs := make([]Reloc, count)
	for i := range relocs {
		base := int(off) + 4*i
		relocs[i] = Reloc{Off: le.Uint16(data[base:]), Seg: le.Uint16(data[base+2:])}
	}
	return relocs, nil
}

func decodeFBOV(data []byte) *FBOV {
	if len(data) < fbovSize {
		return nil
	}
	if string(data[:4]) != "FBOV" {
		return nil
	}
	le := binary.LittleEndian
	fbov := &FBOV{
		OvrSize: le.Uint32(data[4:]),
		ExeInfo: le.Uint32(data[8:]),
		SegNum:  int32(le.Uint32(data[12:])),
	}
	copy(fbov.Magic[:], data[:4])
	return fbov
}

func decodeSegInfo(data []byte, off uint32, count int) ([]SegInfo, error) {
	need := int(off) + 8*count
	if need > len(data) {
		return nil, fmt.Errorf("seginfo table extends beyond end of data")
	}
	le := binary.LittleEndian
	out := make([]SegInfo, count)
	for i := range out {
		base := int(off) + 8*i
		out[i] = SegInfo{
			Seg:    le.Uint16(data[base:]),
			MaxOff: le.Uint16(data[base+2:]),
			Flags:  le.Uint16(data[base+4:]),
			MinOff: le.Uint16(data[base+6:]),
		}
	}
	return out, nil
}

// Overlay stub segments hold a 32-byte header followed by 5-byte stub
// records. Both start with an "int 3f" trap instruction.
var (
	ovrSegTrap  = []byte{0xcd, 0x3f, 0x00, 0x00}
	ovrStubTrap = []byte{0xcd, 0x3f}
)

func decodeOverlayInfo(data []byte, exeStart, exeEnd uint32, seginfo []SegInfo) (*OverlayInfo, error) {
	exeData := data[exeStart:]
	le := binary.LittleEndian

	out := &OverlayInfo{FileOffset: exeEnd + fbovSize}

	for _, s := range seginfo {
		if s.Flags != SegStub {
			continue
		}

		dat := exeData[16*int(s.Seg):]
		sz := int(s.MaxOff)
		if sz < 32 {
			return nil, fmt.Errorf("overlay stub segment %04x too small: %d bytes", s.Seg, sz)
		}
		if (sz-32)%5 != 0 {
			return nil, fmt.Errorf("overlay stub segment %04x has invalid size: %d bytes", s.Seg, sz)
		}
		numEntries := (sz - 32) / 5

		if string(dat[:4]) != string(ovrSegTrap) {
			return nil, fmt.Errorf("invalid overlay seg interrupt code: % x", dat[:4])
		}
		seg := OverlaySeg{
			StubSegment: s.Seg,
			DataOffset:  le.Uint32(dat[4:]),
			SegmentSize: le.Uint16(dat[8:]),
		}
		out.Segs = append(out.Segs, seg)
		segNum := uint16(len(out.Segs) - 1)

		for i := 0; i < numEntries; i++ {
			stub := dat[32+5*i : 32+5*i+5]
			if string(stub[:2]) != string(ovrStubTrap) {
				return nil, fmt.Errorf("invalid overlay stub interrupt code: % x", stub[:2])
			}
			callOff := le.Uint16(stub[2:])
			if callOff >= seg.SegmentSize {
				return nil, fmt.Errorf("overlay stub call offset %#x exceeds segment size %#x", callOff, seg.SegmentSize)
			}
			out.Stubs = append(out.Stubs, OverlayStub{
				OverlaySegNum: segNum,
				StubSegment:   s.Seg,
				StubOffset:    uint16(32 + 5*i),
				DestOffset:    callOff,
			})
		}
	}

	return out, nil
}

// ExeData returns the main image bytes.
func (e *Exe) ExeData() []byte {
	return e.raw[e.ExeStart:e.ExeEnd]
}

// OverlayData returns the raw bytes of overlay segment id.
func (e *Exe) OverlayData(id int) []byte {
	seg := &e.Ovr.Segs[id]
	start := int(e.Ovr.FileOffset) + int(seg.DataOffset)
	end := start + int(seg.SegmentSize)
	return e.raw[start:end]
}

func (e *Exe) NumOverlaySegments() int {
	if e.Ovr == nil {
		return 0
	}
	return len(e.Ovr.Segs)
}
