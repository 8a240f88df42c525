package segoff

import "testing"

func TestParseAndFormat(t *testing.T) {
	tests := []struct {
		in   string
		seg  uint16
		off  uint16
		abs  int
		text string
	}{
		{"0000:0000", 0, 0, 0, "0000:0000"},
		{"1234:0010", 0x1234, 0x0010, 0x12340 + 0x10, "1234:0010"},
		{"ffff:ffff", 0xffff, 0xffff, 0xffff0 + 0xffff, "ffff:ffff"},
	}
	for _, tc := range tests {
		got, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.in, err)
		}
		if got.Seg.Num != tc.seg || uint16(got.Off) != tc.off {
			t.Errorf("Parse(%q): got %v", tc.in, got)
		}
		if got.Abs() != tc.abs {
			t.Errorf("Abs(%q): got %d want %d", tc.in, got.Abs(), tc.abs)
		}
		if got.String() != tc.text {
			t.Errorf("String(%q): got %q want %q", tc.in, got.String(), tc.text)
		}
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{"", "1234", "zzzz:0000", "1234:zzzz", "12345:0000"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q): expected error", in)
		}
	}
}

func TestOffsetMath(t *testing.T) {
	a := New(0x100, 0x10)
	b := a.AddOffset(0x20)
	if b.Off != 0x30 {
		t.Errorf("AddOffset: got %v", b)
	}
	if a.OffsetTo(b) != 0x20 {
		t.Errorf("OffsetTo: got %d", a.OffsetTo(b))
	}
	if !a.Before(b) || b.Before(a) {
		t.Error("Before ordering wrong")
	}
}

func TestOverlay(t *testing.T) {
	a := NewOverlay(3, 0x40)
	if !a.IsOverlay() {
		t.Error("expected overlay address")
	}
	defer func() {
		if recover() == nil {
			t.Error("Abs on overlay address should panic")
		}
	}()
	_ = a.Abs()
}
