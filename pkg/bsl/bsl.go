// Package bsl parses the hierarchical key-value configuration format used by
// the decompiler. A document is a sequence of "key value" pairs where a value
// is a bare word, a double-quoted string, or a brace-delimited node of nested
// pairs:
//
//	dis86 {
//	  functions {
//	    F_main { start 0049:0000 end 0049:0120 mode far ret void args 0 }
//	  }
//	}
package bsl

import (
	"fmt"
	"strings"
)

// Node is a list of key/value pairs in document order. Keys may repeat;
// lookups return the first match.
type Node struct {
	pairs []Pair
}

type Pair struct {
	Key string
	Val Value
}

// Value is either a string or a nested node.
type Value struct {
	Str  string
	Node *Node
}

func (v Value) IsNode() bool {
	return v.Node != nil
}

// Pairs returns the pairs in document order.
func (n *Node) Pairs() []Pair {
	return n.pairs
}

func (n *Node) get(key string) (Value, bool) {
	for _, p := range n.pairs {
		if p.Key == key {
			return p.Val, true
		}
	}
	return Value{}, false
}

// Get resolves a dotted path like "dis86.functions" from this node.
func (n *Node) Get(path string) (Value, bool) {
	cur := n
	parts := strings.Split(path, ".")
	for i, part := range parts {
		v, ok := cur.get(part)
		if !ok {
			return Value{}, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		if v.Node == nil {
			return Value{}, false
		}
		cur = v.Node
	}
	return Value{}, false
}

// GetStr resolves a path to a string value.
func (n *Node) GetStr(path string) (string, bool) {
	v, ok := n.Get(path)
	if !ok || v.IsNode() {
		return "", false
	}
	return v.Str, true
}

// GetNode resolves a path to a nested node.
func (n *Node) GetNode(path string) (*Node, bool) {
	v, ok := n.Get(path)
	if !ok || !v.IsNode() {
		return nil, false
	}
	return v.Node, true
}

type token struct {
	text  string
	open  bool
	close bool
}

type lexer struct {
	src string
	pos int
}

func (l *lexer) next() (token, bool, error) {
	for l.pos < len(l.src) && isSpace(l.src[l.pos]) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{}, false, nil
	}
	c := l.src[l.pos]
	switch c {
	case '{':
		l.pos++
		return token{open: true}, true, nil
	case '}':
		l.pos++
		return token{close: true}, true, nil
	case '"':
		end := strings.IndexByte(l.src[l.pos+1:], '"')
		if end < 0 {
			return token{}, false, fmt.Errorf("unterminated string at offset %d", l.pos)
		}
		text := l.src[l.pos+1 : l.pos+1+end]
		l.pos += end + 2
		return token{text: text}, true, nil
	default:
		start := l.pos
		for l.pos < len(l.src) && !isSpace(l.src[l.pos]) && l.src[l.pos] != '{' && l.src[l.pos] != '}' {
			l.pos++
		}
		return token{text: l.src[start:l.pos]}, true, nil
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// Parse parses a document into its root node.
func Parse(src string) (*Node, error) {
	l := &lexer{src: src}
	root, err := parseNode(l, false)
	if err != nil {
		return nil, err
	}
	return root, nil
}

func parseNode(l *lexer, nested bool) (*Node, error) {
	node := &Node{}
	for {
		tok, ok, err := l.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			if nested {
				return nil, fmt.Errorf("unexpected end of input: missing '}'")
			}
			return node, nil
		}
		if tok.close {
			if !nested {
				return nil, fmt.Errorf("unexpected '}'")
			}
			return node, nil
		}
		if tok.open {
			return nil, fmt.Errorf("unexpected '{': expected key")
		}
		key := tok.text

		val, ok, err := l.next()
		if err != nil {
			return nil, err
		}
		if !ok || val.close {
			return nil, fmt.Errorf("key %q has no value", key)
		}
		if val.open {
			sub, err := parseNode(l, true)
			if err != nil {
				return nil, err
			}
			node.pairs = append(node.pairs, Pair{Key: key, Val: Value{Node: sub}})
		} else {
			node.pairs = append(node.pairs, Pair{Key: key, Val: Value{Str: val.text}})
		}
	}
}
