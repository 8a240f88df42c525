package bsl

import "testing"

func TestFlatPairs(t *testing.T) {
	root, err := Parse("foo bar good stuff   ")
	if err != nil {
		t.Fatal(err)
	}
	if s, ok := root.GetStr("foo"); !ok || s != "bar" {
		t.Errorf("foo: got %q, %v", s, ok)
	}
	if s, ok := root.GetStr("good"); !ok || s != "stuff" {
		t.Errorf("good: got %q, %v", s, ok)
	}
	if _, ok := root.GetStr("missing"); ok {
		t.Error("missing key should not resolve")
	}
}

func TestNestedNodes(t *testing.T) {
	root, err := Parse("top {foo bar baz {} } top2 r ")
	if err != nil {
		t.Fatal(err)
	}
	if s, ok := root.GetStr("top.foo"); !ok || s != "bar" {
		t.Errorf("top.foo: got %q, %v", s, ok)
	}
	if _, ok := root.GetStr("top.foo.baz"); ok {
		t.Error("top.foo.baz should not resolve through a string")
	}
	if _, ok := root.GetNode("top.baz"); !ok {
		t.Error("top.baz should be a node")
	}
	if s, ok := root.GetStr("top2"); !ok || s != "r" {
		t.Errorf("top2: got %q, %v", s, ok)
	}
}

func TestQuotedStrings(t *testing.T) {
	root, err := Parse(`top "foo bar" bot g quote "{ key val }"`)
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := root.GetStr("top"); s != "foo bar" {
		t.Errorf("top: got %q", s)
	}
	if s, _ := root.GetStr("bot"); s != "g" {
		t.Errorf("bot: got %q", s)
	}
	if s, _ := root.GetStr("quote"); s != "{ key val }" {
		t.Errorf("quote: got %q", s)
	}
}

func TestIterationOrder(t *testing.T) {
	root, err := Parse("top { a b c { d e } }")
	if err != nil {
		t.Fatal(err)
	}
	top, ok := root.GetNode("top")
	if !ok {
		t.Fatal("missing top node")
	}
	var keys []string
	for _, p := range top.Pairs() {
		keys = append(keys, p.Key)
	}
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "c" {
		t.Errorf("keys: got %v", keys)
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{"key", "a { b c", "a }", `a "unterminated`, "{ a b }"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q): expected error", in)
		}
	}
}
