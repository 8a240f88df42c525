package types

import "testing"

func TestParse(t *testing.T) {
	r := NewRegistry()
	tests := []struct {
		in   string
		want Type
		size int
		ok   bool
	}{
		{"void", Void, 0, false},
		{"u8", U8, 1, true},
		{"u16", U16, 2, true},
		{"u32", U32, 4, true},
		{"i16", I16, 2, true},
		{"u16[4]", Array(U16, 4), 8, true},
		{"u16[]", Array(U16, -1), 0, false},
		{"u8*", Ptr(U8), 0, false},
		{"u16*[2]", Array(Ptr(U16), 2), 0, false},
	}
	for _, tc := range tests {
		got, err := r.Parse(tc.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.in, err)
		}
		if !got.Equal(tc.want) {
			t.Errorf("Parse(%q): got %v want %v", tc.in, got, tc.want)
		}
		sz, ok := got.SizeInBytes(r)
		if ok != tc.ok || (ok && sz != tc.size) {
			t.Errorf("SizeInBytes(%q): got (%d, %v) want (%d, %v)", tc.in, sz, ok, tc.size, tc.ok)
		}
	}
}

func TestParseErrors(t *testing.T) {
	r := NewRegistry()
	for _, in := range []string{"", "u64", "u16[x]", "not_a_struct"} {
		if _, err := r.Parse(in); err == nil {
			t.Errorf("Parse(%q): expected error", in)
		}
	}
}

func TestStructRegistry(t *testing.T) {
	r := NewRegistry()
	ref := r.Append(Struct{
		Name: "point",
		Size: 4,
		Members: []StructMember{
			{Name: "x", Typ: U16, Off: 0},
			{Name: "y", Typ: U16, Off: 2},
		},
	})

	typ, err := r.Parse("point")
	if err != nil {
		t.Fatalf("Parse(point): %v", err)
	}
	if typ.Kind != KindStruct || typ.StructRef != ref {
		t.Errorf("Parse(point): got %v", typ)
	}
	sz, ok := typ.SizeInBytes(r)
	if !ok || sz != 4 {
		t.Errorf("struct size: got (%d, %v)", sz, ok)
	}

	arr, err := r.Parse("point[3]")
	if err != nil {
		t.Fatalf("Parse(point[3]): %v", err)
	}
	sz, ok = arr.SizeInBytes(r)
	if !ok || sz != 12 {
		t.Errorf("struct array size: got (%d, %v)", sz, ok)
	}
}

func TestRoundtripString(t *testing.T) {
	r := NewRegistry()
	for _, s := range []string{"u16", "i32", "u16[4]", "u8*", "void"} {
		typ, err := r.Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if typ.String() != s {
			t.Errorf("String: got %q want %q", typ.String(), s)
		}
	}
}
