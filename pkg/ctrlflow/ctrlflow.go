// Package ctrlflow reconstructs structured control flow (loops, ifs,
// switches) from the IR block graph and schedules a linear layout deciding
// which jumps must be kept.
package ctrlflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xorvoid/dis86-sub000/pkg/ir"
)

const labelBlocksAlways = false

// ElemID identifies an element in the control-flow data table. Basic blocks
// keep the same numeric id as their IR block.
type ElemID int

// JumpKind describes how an element exits after layout scheduling.
type JumpKind uint8

const (
	JumpNone              JumpKind = iota // no jump: infinite loop, return, ...
	JumpUncondFallthrough                 // jmp elided, fallthrough
	JumpUncondTarget                      // jmp not elided
	JumpCondTargetTrue                    // jne true tgt kept, false elided
	JumpCondTargetFalse                   // jne false tgt kept, true elided
	JumpCondTargetBoth                    // jne not elided
	JumpTable                             // jmptbl not elided
)

type Jump struct {
	Kind    JumpKind
	Target  ElemID
	Target2 ElemID  // false target for CondTargetBoth
	Targets []ElemID // Table
}

// CondInverted reports whether the emitted condition must be inverted.
func (j *Jump) CondInverted() bool {
	return j.Kind == JumpCondTargetFalse
}

// Detail is the variant payload of an element.
type Detail interface{ isDetail() }

type BasicBlock struct {
	Labeled   bool
	JumpTable bool
	Preds     []ElemID
	BlkRef    ir.BlockRef
}

type Goto struct {
	Target ElemID
}

type ElemBlock struct {
	Entry ElemID
	Exits []ElemID
	Body  *Body
}

type Loop struct {
	Entry     ElemID
	Exits     []ElemID
	Backedges map[ElemID]bool
	Body      *Body
}

type If struct {
	Entry    ElemID
	Exit     ElemID
	Inverted bool
	ThenBody *Body
}

type Switch struct {
	Entry ElemID
	Exits []ElemID
	Cases []ElemID
	Body  *Body
}

func (*BasicBlock) isDetail() {}
func (*Goto) isDetail()       {}
func (*ElemBlock) isDetail()  {}
func (*Loop) isDetail()       {}
func (*If) isDetail()         {}
func (*Switch) isDetail()     {}

type Elem struct {
	Entry  ElemID
	Exits  []ElemID
	Jump   *Jump // nil until layout scheduling resolves it
	Detail Detail
}

// data is the element table; slots are never reused, so ids stay stable.
type data struct {
	elems []*Elem
}

func (d *data) len() int { return len(d.elems) }

func (d *data) append(e *Elem) ElemID {
	id := ElemID(len(d.elems))
	d.elems = append(d.elems, e)
	return id
}

func (d *data) appendWithID(id ElemID, e *Elem) {
	for d.len() < int(id) {
		d.elems = append(d.elems, nil)
	}
	if d.len() != int(id) {
		panic("appendWithID out of order")
	}
	d.elems = append(d.elems, e)
}

func (d *data) get(id ElemID) *Elem {
	e := d.elems[id]
	if e == nil {
		panic(fmt.Sprintf("access to vacant elem %d", int(id)))
	}
	return e
}

// Body is an ordered set of elements inside a structural element. Remap
// forwards an absorbed element's entry id to the element that replaced it.
type Body struct {
	Entry  ElemID
	Elems  map[ElemID]bool
	Remap  map[ElemID]ElemID
	Layout []ElemID
}

func newBody(entry ElemID) *Body {
	return &Body{
		Entry: entry,
		Elems: make(map[ElemID]bool),
		Remap: make(map[ElemID]ElemID),
	}
}

func (b *Body) elemIsMovableFrom(id ElemID) bool {
	return b.Elems[id] && id != b.Entry
}

func (b *Body) removeElem(remove ElemID) {
	if !b.Elems[remove] {
		panic("cannot remove elems that are not part of this body")
	}
	delete(b.Elems, remove)
}

func (b *Body) removeElems(remove map[ElemID]bool) {
	for id := range remove {
		b.removeElem(id)
	}
}

func sortedIDs(set map[ElemID]bool) []ElemID {
	out := make([]ElemID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (b *Body) insertLoop(lp *Loop, d *data) {
	loopID := d.append(&Elem{
		Entry:  lp.Entry,
		Exits:  append([]ElemID(nil), lp.Exits...),
		Detail: lp,
	})
	b.removeElems(lp.Body.Elems)
	b.Elems[loopID] = true
	b.Remap[lp.Entry] = loopID
}

func (b *Body) insertIf(ifstmt *If, d *data) {
	ifID := d.append(&Elem{
		Entry:  ifstmt.Entry,
		Exits:  []ElemID{ifstmt.Exit},
		Detail: ifstmt,
	})
	b.removeElems(ifstmt.ThenBody.Elems)
	b.removeElem(ifstmt.Entry)
	b.Elems[ifID] = true
	b.Remap[ifstmt.Entry] = ifID
}

func (b *Body) insertSwitch(sw *Switch, d *data) {
	swID := d.append(&Elem{
		Entry:  sw.Entry,
		Exits:  append([]ElemID(nil), sw.Exits...),
		Detail: sw,
	})
	b.removeElem(sw.Entry)
	b.Elems[swID] = true
	b.Remap[sw.Entry] = swID
}

func (b *Body) insertGoto(g *Goto, d *data) ElemID {
	gotoID := d.append(&Elem{
		Entry:  ElemID(d.len()),
		Exits:  []ElemID{g.Target},
		Detail: g,
	})
	b.Elems[gotoID] = true
	return gotoID
}

func (b *Body) insertElemBlock(blk *ElemBlock, d *data) ElemID {
	blkID := d.append(&Elem{
		Entry:  blk.Entry,
		Exits:  append([]ElemID(nil), blk.Exits...),
		Detail: blk,
	})
	b.Elems[blkID] = true
	b.Remap[blk.Entry] = blkID
	return blkID
}

// exit resolves one exit edge of a node through the remap table.
func (b *Body) exit(node ElemID, exitIdx int, d *data) (ElemID, bool) {
	exits := d.get(node).Exits
	if exitIdx >= len(exits) {
		return 0, false
	}
	next := exits[exitIdx]
	if remap, ok := b.Remap[next]; ok {
		return remap, true
	}
	return next, true
}

// exits returns the remapped exits of a node, or ok=false if the node is
// not part of this body.
func (b *Body) exits(node ElemID, d *data) ([]ElemID, bool) {
	if !b.Elems[node] {
		return nil, false
	}
	exits := append([]ElemID(nil), d.get(node).Exits...)
	for i := range exits {
		if remap, ok := b.Remap[exits[i]]; ok {
			exits[i] = remap
		}
	}
	return exits, true
}

// LookupFromBlkRef maps an IR block to its containing top-level element.
func (b *Body) LookupFromBlkRef(blkref ir.BlockRef) (ElemID, bool) {
	return b.LookupFromID(ElemID(blkref))
}

func (b *Body) LookupFromID(id ElemID) (ElemID, bool) {
	if remap, ok := b.Remap[id]; ok {
		id = remap
	}
	if b.Elems[id] {
		return id, true
	}
	return 0, false
}

// Function is the recovered control flow of one function.
type Function struct {
	Entry ElemID
	Body  *Body
}

type ControlFlow struct {
	data *data
	Func Function
}

func (cf *ControlFlow) Elem(id ElemID) *Elem {
	return cf.data.get(id)
}

func fromIRNaive(irp *ir.IR) *ControlFlow {
	entry := ElemID(0)
	cf := &ControlFlow{
		data: &data{},
		Func: Function{Entry: entry, Body: newBody(entry)},
	}

	for _, b := range irp.IterBlocks() {
		blk := irp.Block(b)
		var exits []ElemID
		for _, x := range blk.Exits() {
			exits = append(exits, ElemID(x))
		}
		var preds []ElemID
		for _, p := range blk.Preds {
			preds = append(preds, ElemID(p))
		}
		jumpTable := blk.Instrs.Last().Opcode == ir.JmpTbl

		cf.data.appendWithID(ElemID(b), &Elem{
			Entry: ElemID(b),
			Exits: exits,
			Detail: &BasicBlock{
				BlkRef:    b,
				JumpTable: jumpTable,
				Preds:     preds,
			},
		})
		cf.Func.Body.Elems[ElemID(b)] = true
	}
	return cf
}

// FromIR converts finalized IR into a structured control-flow tree.
func FromIR(irp *ir.IR) *ControlFlow {
	cf := fromIRNaive(irp)
	inferStructure(cf.Func.Body, nil, cf.data)
	scheduleLayout(cf.Func.Body, cf.data)
	labelBlocks(cf)
	return cf
}

/////////////////////////////////////////////////////////////////////////////
// DFS

type dfsAction uint8

const (
	dfsCycle dfsAction = iota
	dfsNext
	dfsExit
	dfsExclude
	dfsBacktrack
	dfsDone
)

type dfsPending struct {
	expand    bool
	backtrack bool
	next      ElemID
}

type dfs struct {
	body    *Body
	exclude map[ElemID]bool
	d       *data
	visited []bool
	path    []ElemID
	exitIdx []int
	pending *dfsPending
}

func newDFS(entry ElemID, body *Body, exclude map[ElemID]bool, d *data) *dfs {
	visited := make([]bool, d.len())
	visited[entry] = true
	return &dfs{
		body:    body,
		exclude: exclude,
		d:       d,
		visited: visited,
		path:    []ElemID{entry},
		exitIdx: []int{0},
	}
}

func (s *dfs) applyPending() {
	if s.pending == nil {
		return
	}
	p := s.pending
	s.pending = nil
	if p.expand {
		s.visited[p.next] = true
		s.path = append(s.path, p.next)
		s.exitIdx = append(s.exitIdx, 0)
	}
	if p.backtrack {
		node := s.path[len(s.path)-1]
		s.path = s.path[:len(s.path)-1]
		s.exitIdx = s.exitIdx[:len(s.exitIdx)-1]
		s.visited[node] = false
	}
}

// next advances the traversal one step; from/to are valid for the actions
// that carry a node.
func (s *dfs) next() (action dfsAction, from, to ElemID) {
	s.applyPending()

	if len(s.path) == 0 {
		return dfsDone, 0, 0
	}
	idx := len(s.path) - 1
	node := s.path[idx]
	exitIdx := s.exitIdx[idx]
	s.exitIdx[idx]++

	nxt, ok := s.body.exit(node, exitIdx, s.d)
	if !ok {
		s.pending = &dfsPending{backtrack: true}
		return dfsBacktrack, node, 0
	}

	if !s.body.Elems[nxt] {
		return dfsExit, node, nxt
	}
	if s.exclude != nil && s.exclude[nxt] {
		return dfsExclude, node, nxt
	}
	if s.visited[nxt] {
		return dfsCycle, node, nxt
	}

	s.pending = &dfsPending{expand: true, next: nxt}
	return dfsNext, node, nxt
}

/////////////////////////////////////////////////////////////////////////////
// Structure inference

func findLoopExits(entry ElemID, body *Body, d *data) []ElemID {
	s := newDFS(entry, body, nil, d)
	exits := make(map[ElemID]bool)
	for {
		action, _, to := s.next()
		if action == dfsDone {
			break
		}
		if action == dfsExit {
			exits[to] = true
		}
	}
	return sortedIDs(exits)
}

func inferLoop(body *Body, exclude map[ElemID]bool, d *data) bool {
	s := newDFS(body.Entry, body, exclude, d)
	var lp *Loop
	for {
		action, from, to := s.next()
		if action == dfsDone {
			break
		}
		if action != dfsCycle {
			continue
		}
		if lp == nil {
			lp = &Loop{Entry: to, Backedges: make(map[ElemID]bool), Body: newBody(to)}
		}
		// Work on one loop at a time; ignore any others
		if lp.Entry != to {
			continue
		}
		lp.Backedges[from] = true
		for i := len(s.path) - 1; i >= 0; i-- {
			elem := s.path[i]
			lp.Body.Elems[elem] = true
			if elem == lp.Entry {
				break
			}
		}
	}

	if lp == nil {
		return false
	}

	lp.Exits = findLoopExits(lp.Entry, lp.Body, d)
	body.insertLoop(lp, d)
	return true
}

// sequentiallyReaching checks src -> ... -> dst through single-exit blocks,
// returning the chain when it exists.
func sequentiallyReaching(src, dst ElemID, body *Body, d *data) ([]ElemID, bool) {
	cur := src
	var blks []ElemID
	for {
		blks = append(blks, cur)
		exits, ok := body.exits(cur, d)
		if !ok || len(exits) != 1 {
			return nil, false
		}
		if exits[0] == dst {
			return blks, true
		}
		cur = exits[0]
	}
}

func inferIf(body *Body, d *data) bool {
	var foundEntry ElemID
	var foundBlks []ElemID
	var foundJoin ElemID
	var foundInverted, found bool

	for _, id := range sortedIDs(body.Elems) {
		elem := d.get(id)
		if _, ok := elem.Detail.(*BasicBlock); !ok {
			continue
		}
		exits, ok := body.exits(id, d)
		if !ok || len(exits) != 2 {
			continue
		}

		// Check for: {A, B}, A -> ... -> B
		a, b := exits[0], exits[1]
		if blks, ok := sequentiallyReaching(a, b, body, d); ok {
			foundEntry, foundBlks, foundJoin, foundInverted, found = id, blks, b, false, true
			break
		}
		// Check for: {A, B}, B -> ... -> A
		if blks, ok := sequentiallyReaching(b, a, body, d); ok {
			foundEntry, foundBlks, foundJoin, foundInverted, found = id, blks, a, true, true
			break
		}
	}

	if !found {
		return false
	}

	ifstmt := &If{
		Entry:    foundEntry,
		Exit:     foundJoin,
		Inverted: foundInverted,
		ThenBody: newBody(foundBlks[0]),
	}
	for _, id := range foundBlks {
		ifstmt.ThenBody.Elems[id] = true
		elem := d.get(id)
		if elem.Entry != id {
			ifstmt.ThenBody.Remap[elem.Entry] = id
		}
	}

	body.insertIf(ifstmt, d)
	return true
}

// tryInferCaseBody tries to move a switch case target (and its reachable,
// still-movable descendants) out of the parent body into an ElemBlock.
func tryInferCaseBody(entry ElemID, parentBody *Body, d *data) (*ElemBlock, bool) {
	if !parentBody.elemIsMovableFrom(entry) {
		return nil, false
	}

	inner := map[ElemID]bool{entry: true}
	exits := make(map[ElemID]bool)
	queue := []ElemID{entry}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, exit := range d.get(id).Exits {
			if inner[exit] {
				continue
			}
			if !parentBody.elemIsMovableFrom(exit) {
				exits[exit] = true
				continue
			}
			// Heuristic: elems with very many preds are join blocks; treat
			// them as exits rather than pulling them in.
			if bb, ok := d.get(exit).Detail.(*BasicBlock); ok && len(bb.Preds) > 10 {
				exits[exit] = true
				continue
			}
			inner[exit] = true
			queue = append(queue, exit)
		}
	}

	body := newBody(entry)
	for id := range inner {
		parentBody.removeElem(id)
		body.Elems[id] = true
	}

	return &ElemBlock{Entry: entry, Exits: sortedIDs(exits), Body: body}, true
}

func inferSwitch(body *Body, d *data) bool {
	for _, id := range sortedIDs(body.Elems) {
		elem := d.get(id)
		bb, ok := elem.Detail.(*BasicBlock)
		if !ok || !bb.JumpTable {
			continue
		}

		swEntry := id
		swBody := newBody(swEntry)
		var swCases []ElemID
		swExits := make(map[ElemID]bool)

		for _, tgt := range append([]ElemID(nil), elem.Exits...) {
			var caseID ElemID
			if blk, ok := tryInferCaseBody(tgt, body, d); ok {
				for _, exit := range blk.Exits {
					swExits[exit] = true
				}
				caseID = swBody.insertElemBlock(blk, d)
			} else {
				// Can't move the target into a sub-block: goto it
				swExits[tgt] = true
				caseID = swBody.insertGoto(&Goto{Target: tgt}, d)
			}
			swCases = append(swCases, caseID)
		}

		sw := &Switch{
			Entry: swEntry,
			Exits: sortedIDs(swExits),
			Cases: swCases,
			Body:  swBody,
		}
		body.insertSwitch(sw, d)
		return true
	}
	return false
}

func inferStructure(body *Body, exclude map[ElemID]bool, d *data) {
	for inferLoop(body, exclude, d) {
	}
	for inferSwitch(body, d) {
	}
	for inferIf(body, d) {
	}

	// Recurse into the nested bodies
	for _, id := range sortedIDs(body.Elems) {
		switch det := d.get(id).Detail.(type) {
		case *ElemBlock:
			inferStructure(det.Body, nil, d)
		case *Loop:
			inferStructure(det.Body, det.Backedges, d)
		case *Switch:
			inferStructure(det.Body, nil, d)
		}
	}
}

/////////////////////////////////////////////////////////////////////////////
// Layout scheduling

// parent is a chain of (body, remaining-set) pairs letting a child element
// ask whether a jump target is still schedulable in an enclosing body.
type parent struct {
	body   *Body
	remain map[ElemID]bool
	next   *parent
}

func (p *parent) elemAvail(id ElemID) (ElemID, bool) {
	if p == nil {
		return 0, false
	}
	if len(p.remain) > 0 {
		if mapped, ok := p.body.LookupFromID(id); ok && p.remain[mapped] {
			return mapped, true
		}
	}
	return p.next.elemAvail(id)
}

func scheduleLayout(body *Body, d *data) {
	scheduleLayoutBody(body, nil, d)
}

func scheduleLayoutBasicBlock(elem *Elem, p *parent) (ElemID, bool) {
	exits := elem.Exits
	switch len(exits) {
	case 0:
		elem.Jump = &Jump{Kind: JumpNone}
		return 0, false
	case 1:
		if tgt, ok := p.elemAvail(exits[0]); ok {
			elem.Jump = &Jump{Kind: JumpUncondFallthrough}
			return tgt, true
		}
		elem.Jump = &Jump{Kind: JumpUncondTarget, Target: exits[0]}
		return 0, false
	case 2:
		tgtTrue, tgtFalse := exits[0], exits[1]
		if tgt, ok := p.elemAvail(tgtFalse); ok {
			elem.Jump = &Jump{Kind: JumpCondTargetTrue, Target: tgtTrue}
			return tgt, true
		}
		if tgt, ok := p.elemAvail(tgtTrue); ok {
			elem.Jump = &Jump{Kind: JumpCondTargetFalse, Target: tgtFalse}
			return tgt, true
		}
		elem.Jump = &Jump{Kind: JumpCondTargetBoth, Target: tgtTrue, Target2: tgtFalse}
		return 0, false
	default:
		// JmpTbl ends up here
		elem.Jump = &Jump{Kind: JumpTable, Targets: append([]ElemID(nil), exits...)}
		return 0, false
	}
}

func scheduleLayoutGoto(elem *Elem, p *parent) (ElemID, bool) {
	g := elem.Detail.(*Goto)
	next, ok := p.elemAvail(g.Target)
	elem.Jump = &Jump{Kind: JumpUncondTarget, Target: g.Target}
	return next, ok
}

func scheduleLayoutElemBlock(elem *Elem, p *parent, d *data) (ElemID, bool) {
	blk := elem.Detail.(*ElemBlock)
	next, ok := scheduleLayoutBody(blk.Body, p, d)
	elem.Jump = &Jump{Kind: JumpNone}
	return next, ok
}

func scheduleLayoutLoop(elem *Elem, p *parent, d *data) (ElemID, bool) {
	lp := elem.Detail.(*Loop)
	scheduleLayoutBody(lp.Body, nil, d)
	elem.Jump = &Jump{Kind: JumpNone}
	for _, exit := range elem.Exits {
		if tgt, ok := p.elemAvail(exit); ok {
			return tgt, true
		}
	}
	return 0, false
}

func scheduleLayoutIf(elem *Elem, p *parent, d *data) (ElemID, bool) {
	ifstmt := elem.Detail.(*If)

	thenNext, thenOK := scheduleLayoutBody(ifstmt.ThenBody, p, d)

	var next ElemID
	var ok bool
	if exit, avail := p.elemAvail(ifstmt.Exit); avail {
		elem.Jump = &Jump{Kind: JumpUncondFallthrough}
		next, ok = exit, true
	} else {
		elem.Jump = &Jump{Kind: JumpUncondTarget, Target: ifstmt.Exit}
	}

	// By construction, the then-body and the if itself reach the same join
	if thenOK != ok || (ok && thenNext != next) {
		panic("if-stmt then-body disagrees with join scheduling")
	}
	return next, ok
}

func scheduleLayoutSwitch(elem *Elem, p *parent, d *data) (ElemID, bool) {
	sw := elem.Detail.(*Switch)
	for _, id := range sw.Cases {
		sw.Body.Layout = append(sw.Body.Layout, id)
		scheduleLayoutElem(id, p, d)
	}
	elem.Jump = &Jump{Kind: JumpNone}
	for _, exit := range elem.Exits {
		if tgt, ok := p.elemAvail(exit); ok {
			return tgt, true
		}
	}
	return 0, false
}

func scheduleLayoutElem(id ElemID, p *parent, d *data) (ElemID, bool) {
	elem := d.get(id)
	switch elem.Detail.(type) {
	case *BasicBlock:
		return scheduleLayoutBasicBlock(elem, p)
	case *Goto:
		return scheduleLayoutGoto(elem, p)
	case *ElemBlock:
		return scheduleLayoutElemBlock(elem, p, d)
	case *Loop:
		return scheduleLayoutLoop(elem, p, d)
	case *If:
		return scheduleLayoutIf(elem, p, d)
	case *Switch:
		return scheduleLayoutSwitch(elem, p, d)
	}
	panic("unknown detail type")
}

func scheduleLayoutBody(body *Body, outer *parent, d *data) (ElemID, bool) {
	remaining := make(map[ElemID]bool, len(body.Elems))
	for id := range body.Elems {
		remaining[id] = true
	}

	entry, ok := body.LookupFromID(body.Entry)
	if !ok {
		panic("body entry is not in the body")
	}
	next, haveNext := entry, true

	for len(remaining) > 0 {
		var cur ElemID
		if haveNext {
			cur = next
		} else {
			// Select the first remaining element in id order
			cur = sortedIDs(remaining)[0]
		}

		if !remaining[cur] {
			panic("tried to schedule an unavailable element")
		}
		delete(remaining, cur)
		body.Layout = append(body.Layout, cur)

		p := &parent{body: body, remain: remaining, next: outer}
		next, haveNext = scheduleLayoutElem(cur, p, d)
	}
	if !haveNext {
		return 0, false
	}
	return next, true
}

/////////////////////////////////////////////////////////////////////////////
// Labeling

func labelBlocks(cf *ControlFlow) {
	if labelBlocksAlways {
		labelBlocksAll(cf)
	} else {
		labelBlocksByDemand(cf)
	}
}

func labelBlocksAll(cf *ControlFlow) {
	for _, elem := range cf.data.elems {
		if elem == nil {
			continue
		}
		if bb, ok := elem.Detail.(*BasicBlock); ok {
			bb.Labeled = true
		}
	}
}

func labelBlocksByDemand(cf *ControlFlow) {
	// Phase 1: collect every jump target across the scheduled layout
	targets := make(map[ElemID]bool)
	for _, elt := range cf.Iter() {
		j := elt.Elem.Jump
		if j == nil {
			continue
		}
		switch j.Kind {
		case JumpUncondTarget, JumpCondTargetTrue, JumpCondTargetFalse:
			targets[j.Target] = true
		case JumpCondTargetBoth:
			targets[j.Target] = true
			targets[j.Target2] = true
		case JumpTable:
			for _, tgt := range j.Targets {
				targets[tgt] = true
			}
		}
	}

	// Phase 2: label the targeted blocks
	for tgt := range targets {
		elem := cf.data.get(tgt)
		bb, ok := elem.Detail.(*BasicBlock)
		if !ok {
			panic("expected basic block for labeling")
		}
		bb.Labeled = true
	}
}

/////////////////////////////////////////////////////////////////////////////
// Iteration

// IterElem is one element in the preorder walk of the scheduled layout.
type IterElem struct {
	ID    ElemID
	Elem  *Elem
	Depth int
}

// Iter flattens the control-flow tree into preorder, recording nesting
// depth. Nested bodies follow their parent element immediately.
func (cf *ControlFlow) Iter() []IterElem {
	var out []IterElem
	cf.iterBody(cf.Func.Body, 0, &out)
	return out
}

func (cf *ControlFlow) iterBody(body *Body, depth int, out *[]IterElem) {
	for _, id := range body.Layout {
		elem := cf.data.get(id)
		*out = append(*out, IterElem{ID: id, Elem: elem, Depth: depth})
		switch det := elem.Detail.(type) {
		case *ElemBlock:
			cf.iterBody(det.Body, depth+1, out)
		case *Loop:
			cf.iterBody(det.Body, depth+1, out)
		case *If:
			cf.iterBody(det.ThenBody, depth+1, out)
		case *Switch:
			cf.iterBody(det.Body, depth+1, out)
		}
	}
}

/////////////////////////////////////////////////////////////////////////////
// Formatting

// Format renders the inferred structure for the ctrlflow emit mode.
func Format(cf *ControlFlow) string {
	var sb strings.Builder
	for _, elt := range cf.Iter() {
		formatElem(&sb, elt.ID, elt.Elem, elt.Depth)
	}
	return sb.String()
}

func formatElem(sb *strings.Builder, id ElemID, elem *Elem, indent int) {
	fmt.Fprintf(sb, "%*s%d | ", 2*indent, "", int(id))
	exits := make([]int, 0, len(elem.Exits))
	for _, x := range elem.Exits {
		exits = append(exits, int(x))
	}
	switch det := elem.Detail.(type) {
	case *BasicBlock:
		fmt.Fprintf(sb, "BasicBlock(%d)\n", int(det.BlkRef))
	case *Loop:
		backedges := make([]int, 0, len(det.Backedges))
		for _, e := range sortedIDs(det.Backedges) {
			backedges = append(backedges, int(e))
		}
		fmt.Fprintf(sb, "Loop [entry=%d, exits=%v, backedges=%v]\n", int(elem.Entry), exits, backedges)
	case *If:
		fmt.Fprintf(sb, "If [entry=%d, exits=%v]\n", int(elem.Entry), exits)
	case *Switch:
		fmt.Fprintf(sb, "Switch [entry=%d, exits=%v]\n", int(elem.Entry), exits)
	case *Goto:
		fmt.Fprintf(sb, "Goto [entry=%d, exits=%v] target=%d\n", int(elem.Entry), exits, int(det.Target))
	case *ElemBlock:
		fmt.Fprintf(sb, "ElemBlock [entry=%d, exits=%v]\n", int(elem.Entry), exits)
	}
}
