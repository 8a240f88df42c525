package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind discriminates the type lattice used throughout the decompiler.
type Kind uint8

const (
	KindVoid Kind = iota
	KindU8
	KindU16
	KindU32
	KindI8
	KindI16
	KindI32
	KindArray
	KindPtr
	KindStruct
	KindUnknown
)

// Type is a node in the small type lattice: Void, the six integer types,
// Array(T, size), Ptr(T), struct references, and Unknown.
type Type struct {
	Kind      Kind
	Elem      *Type     // Array element / Ptr base
	Len       int       // Array length; -1 means unknown
	StructRef StructRef // valid when Kind == KindStruct
}

var (
	Void    = Type{Kind: KindVoid}
	U8      = Type{Kind: KindU8}
	U16     = Type{Kind: KindU16}
	U32     = Type{Kind: KindU32}
	I8      = Type{Kind: KindI8}
	I16     = Type{Kind: KindI16}
	I32     = Type{Kind: KindI32}
	Unknown = Type{Kind: KindUnknown}
)

func Array(elem Type, n int) Type {
	e := elem
	return Type{Kind: KindArray, Elem: &e, Len: n}
}

func Ptr(base Type) Type {
	b := base
	return Type{Kind: KindPtr, Elem: &b}
}

// Equal compares structurally. Pointer fields make Type non-comparable with
// ==, so all type comparisons in the codebase go through here.
func (t Type) Equal(o Type) bool {
	if t.Kind != o.Kind {
		return false
	}
	switch t.Kind {
	case KindArray:
		return t.Len == o.Len && t.Elem.Equal(*o.Elem)
	case KindPtr:
		return t.Elem.Equal(*o.Elem)
	case KindStruct:
		return t.StructRef == o.StructRef
	default:
		return true
	}
}

func (t Type) IsPrimitive() bool {
	switch t.Kind {
	case KindU8, KindU16, KindU32, KindI8, KindI16, KindI32:
		return true
	}
	return false
}

func (t Type) IsSigned() bool {
	switch t.Kind {
	case KindI8, KindI16, KindI32:
		return true
	}
	return false
}

// SizeInBytes returns the byte size, or ok=false when the size is not known
// (Void, Ptr, Unknown, unknown-length arrays).
func (t Type) SizeInBytes(reg *Registry) (int, bool) {
	switch t.Kind {
	case KindU8, KindI8:
		return 1, true
	case KindU16, KindI16:
		return 2, true
	case KindU32, KindI32:
		return 4, true
	case KindArray:
		if t.Len < 0 {
			return 0, false
		}
		elt, ok := t.Elem.SizeInBytes(reg)
		if !ok {
			return 0, false
		}
		return elt * t.Len, true
	case KindStruct:
		if reg == nil {
			return 0, false
		}
		s := reg.Struct(t.StructRef)
		if s == nil {
			return 0, false
		}
		return int(s.Size), true
	default:
		return 0, false
	}
}

func (t Type) String() string {
	switch t.Kind {
	case KindVoid:
		return "void"
	case KindU8:
		return "u8"
	case KindU16:
		return "u16"
	case KindU32:
		return "u32"
	case KindI8:
		return "i8"
	case KindI16:
		return "i16"
	case KindI32:
		return "i32"
	case KindArray:
		if t.Len < 0 {
			return t.Elem.String() + "[]"
		}
		return fmt.Sprintf("%s[%d]", t.Elem, t.Len)
	case KindPtr:
		return t.Elem.String() + "*"
	case KindStruct:
		return fmt.Sprintf("struct#%d", t.StructRef)
	case KindUnknown:
		return "?unknown_type?"
	}
	return "?bad_type?"
}

// StructRef indexes a struct in a Registry.
type StructRef int

type StructMember struct {
	Name string
	Typ  Type
	Off  uint16
}

type Struct struct {
	Name    string
	Size    uint16
	Members []StructMember
}

// Registry holds config-declared structures so struct-typed symbols can be
// resolved back to member accesses.
type Registry struct {
	structs []Struct
	byName  map[string]StructRef
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]StructRef)}
}

func (r *Registry) Append(s Struct) StructRef {
	ref := StructRef(len(r.structs))
	r.structs = append(r.structs, s)
	r.byName[s.Name] = ref
	return ref
}

func (r *Registry) Struct(ref StructRef) *Struct {
	if int(ref) < 0 || int(ref) >= len(r.structs) {
		return nil
	}
	return &r.structs[ref]
}

func (r *Registry) Lookup(name string) (StructRef, bool) {
	ref, ok := r.byName[name]
	return ref, ok
}

// StructName returns the declared name for display purposes.
func (r *Registry) StructName(ref StructRef) string {
	s := r.Struct(ref)
	if s == nil {
		return "?struct?"
	}
	return s.Name
}

// Parse parses a type string: primitives, 'T*', 'T[N]', 'T[]', or a struct
// name previously declared in the registry.
func (r *Registry) Parse(s string) (Type, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "void":
		return Void, nil
	case "u8":
		return U8, nil
	case "u16":
		return U16, nil
	case "u32":
		return U32, nil
	case "i8":
		return I8, nil
	case "i16":
		return I16, nil
	case "i32":
		return I32, nil
	}

	if strings.HasSuffix(s, "*") {
		base, err := r.Parse(s[:len(s)-1])
		if err != nil {
			return Unknown, err
		}
		return Ptr(base), nil
	}

	if strings.HasSuffix(s, "]") {
		open := strings.LastIndexByte(s, '[')
		if open < 0 {
			return Unknown, fmt.Errorf("failed to parse type: %q", s)
		}
		base, err := r.Parse(s[:open])
		if err != nil {
			return Unknown, err
		}
		sizeStr := s[open+1 : len(s)-1]
		if sizeStr == "" {
			return Array(base, -1), nil
		}
		n, err := strconv.Atoi(sizeStr)
		if err != nil || n < 0 {
			return Unknown, fmt.Errorf("failed to parse array length in type: %q", s)
		}
		return Array(base, n), nil
	}

	if r != nil {
		if ref, ok := r.Lookup(s); ok {
			return Type{Kind: KindStruct, StructRef: ref}, nil
		}
	}
	return Unknown, fmt.Errorf("failed to parse type: %q", s)
}
