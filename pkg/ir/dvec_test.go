package ir

import "testing"

func TestDVecBasics(t *testing.T) {
	var d DVec[int]
	if d.Start() != 0 || d.End() != 0 || !d.Empty() {
		t.Fatal("new dvec should be empty")
	}

	d.PushBack(4)
	if d.Start() != 0 || d.End() != 1 {
		t.Errorf("after push back: start=%d end=%d", d.Start(), d.End())
	}

	d.PushFront(3)
	if d.Start() != -1 || d.End() != 1 {
		t.Errorf("after push front: start=%d end=%d", d.Start(), d.End())
	}

	d.PushFront(5)
	if d.Start() != -2 || d.End() != 1 {
		t.Errorf("after push front: start=%d end=%d", d.Start(), d.End())
	}

	want := []int{-2, -1, 0}
	got := d.Indices()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("indices: got %v want %v", got, want)
			break
		}
	}

	elts := []int{*d.At(-2), *d.At(-1), *d.At(0)}
	if elts[0] != 5 || elts[1] != 3 || elts[2] != 4 {
		t.Errorf("elements: got %v", elts)
	}

	*d.At(-1) = 42
	if *d.At(-1) != 42 {
		t.Error("in-place mutation failed")
	}
}

// An index obtained before any front-insertion must keep resolving to the
// same element after arbitrary pushes at both ends.
func TestDVecIndexStability(t *testing.T) {
	var d DVec[int]
	idx := d.PushBack(100)
	idx2 := d.PushBack(200)

	for i := 0; i < 10; i++ {
		d.PushFront(-i)
		d.PushBack(i)
	}

	if *d.At(idx) != 100 {
		t.Errorf("idx: got %d want 100", *d.At(idx))
	}
	if *d.At(idx2) != 200 {
		t.Errorf("idx2: got %d want 200", *d.At(idx2))
	}

	fidx := d.PushFront(-999)
	d.PushFront(-1000)
	if *d.At(fidx) != -999 {
		t.Errorf("front idx: got %d want -999", *d.At(fidx))
	}
}

func TestDVecLast(t *testing.T) {
	var d DVec[int]
	if _, ok := d.LastIdx(); ok {
		t.Error("last of empty dvec")
	}
	d.PushFront(1)
	if idx, ok := d.LastIdx(); !ok || idx != -1 {
		t.Errorf("last idx with only front elems: %d, %v", idx, ok)
	}
	d.PushBack(2)
	if idx, ok := d.LastIdx(); !ok || idx != 0 {
		t.Errorf("last idx: %d, %v", idx, ok)
	}
	if *d.Last() != 2 {
		t.Errorf("last: got %d", *d.Last())
	}
}
