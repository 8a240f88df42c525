package rangeset

import (
	"reflect"
	"testing"
)

func ranges(s *Set) [][2]uint32 {
	var out [][2]uint32
	for _, r := range s.Ranges() {
		out = append(out, [2]uint32{r.Start, r.End})
	}
	return out
}

func TestInsert(t *testing.T) {
	tests := []struct {
		name string
		ins  [][2]uint32
		want [][2]uint32
	}{
		{"empty insert", [][2]uint32{{2, 5}}, [][2]uint32{{2, 5}}},
		{"non-overlapping before", [][2]uint32{{5, 8}, {1, 3}}, [][2]uint32{{1, 3}, {5, 8}}},
		{"non-overlapping after", [][2]uint32{{1, 3}, {5, 8}}, [][2]uint32{{1, 3}, {5, 8}}},
		{"non-overlapping middle", [][2]uint32{{1, 3}, {7, 10}, {4, 5}}, [][2]uint32{{1, 3}, {4, 5}, {7, 10}}},
		{"merge overlapping", [][2]uint32{{1, 5}, {3, 8}}, [][2]uint32{{1, 8}}},
		{"merge adjacent", [][2]uint32{{1, 3}, {3, 5}}, [][2]uint32{{1, 5}}},
		{"merge multiple", [][2]uint32{{1, 3}, {7, 10}, {2, 8}}, [][2]uint32{{1, 10}}},
		{"merge adjacent both sides", [][2]uint32{{1, 3}, {5, 7}, {3, 5}}, [][2]uint32{{1, 7}}},
		{"superset", [][2]uint32{{3, 5}, {1, 8}}, [][2]uint32{{1, 8}}},
		{"subset", [][2]uint32{{1, 8}, {3, 5}}, [][2]uint32{{1, 8}}},
		{"empty range ignored", [][2]uint32{{3, 3}, {5, 2}}, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := New()
			for _, r := range tc.ins {
				s.Insert(r[0], r[1])
			}
			if got := ranges(s); !reflect.DeepEqual(got, tc.want) {
				t.Errorf("got %v want %v", got, tc.want)
			}
		})
	}
}

func TestInsertIdempotent(t *testing.T) {
	a := New()
	a.Insert(2, 5)
	b := New()
	b.Insert(2, 5)
	b.Insert(2, 5)
	if !reflect.DeepEqual(ranges(a), ranges(b)) {
		t.Errorf("insert not idempotent: %v vs %v", ranges(a), ranges(b))
	}
}

func TestSpan(t *testing.T) {
	s := New()
	if _, ok := s.Span(); ok {
		t.Error("span of empty set should not exist")
	}
	s.Insert(3, 7)
	s.Insert(10, 20)
	s.Insert(50, 60)
	sp, ok := s.Span()
	if !ok || sp.Start != 3 || sp.End != 60 {
		t.Errorf("span: got %v, %v", sp, ok)
	}
}

func TestGapsWithin(t *testing.T) {
	s := New()
	s.Insert(10, 20)
	s.Insert(50, 60)

	gaps := s.GapsWithin(0, 100)
	want := []Range{{0, 10}, {20, 50}, {60, 100}}
	if !reflect.DeepEqual(gaps, want) {
		t.Errorf("gaps: got %v want %v", gaps, want)
	}

	if gaps := s.GapsWithin(5, 5); len(gaps) != 0 {
		t.Errorf("empty query: got %v", gaps)
	}

	full := New()
	full.Insert(0, 100)
	if gaps := full.GapsWithin(20, 50); len(gaps) != 0 {
		t.Errorf("covered query: got %v", gaps)
	}
}

func TestGapsIgnoreOutside(t *testing.T) {
	s := New()
	s.Insert(0, 5)
	s.Insert(40, 50)
	s.Insert(95, 100)
	gaps := s.GapsWithin(10, 90)
	want := []Range{{10, 40}, {50, 90}}
	if !reflect.DeepEqual(gaps, want) {
		t.Errorf("gaps: got %v want %v", gaps, want)
	}
}
