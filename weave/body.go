package weave

import (
	"errors"
	"fmt"
	"slices"
)

// Label is a symbolic reference to an instruction. Branch targets and region boundaries are expressed
// only through labels, so instruction indices are never stored. A label with a nil target refers to the
// end of the body.
type Label struct {
	body   *MethodBody
	target *Instruction
}

// Target returns the instruction the label resolves to, nil for the end of the body.
func (l *Label) Target() *Instruction {
	return l.target
}

// RegionKind is the handler kind of an exception region.
type RegionKind uint8

const (
	RegionCatch RegionKind = iota
	RegionFilter
	RegionFinally
	RegionFault
)

func (k RegionKind) String() string {
	switch k {
	case RegionCatch:
		return "catch"
	case RegionFilter:
		return "filter"
	case RegionFinally:
		return "finally"
	case RegionFault:
		return "fault"
	}
	return "unknown"
}

// Region is one entry of the exception table. End labels are exclusive.
type Region struct {
	Kind         RegionKind
	TryStart     *Label
	TryEnd       *Label
	HandlerStart *Label
	HandlerEnd   *Label
	// FilterStart is set for filter regions only.
	FilterStart *Label
	// CatchType is the exception type for catch regions, empty catches everything.
	CatchType string
}

// Local is a declared local variable slot.
type Local struct {
	Index int
	Type  string
	Name  string
}

// MethodBody owns the instructions, locals, exception regions and label table of one method.
type MethodBody struct {
	InitLocals bool

	instrs  []*Instruction
	labels  []*Label
	locals  []*Local
	regions []*Region

	index      map[*Instruction]int
	indexDirty bool
}

// NewMethodBody returns an empty body with InitLocals set.
func NewMethodBody() *MethodBody {
	return &MethodBody{InitLocals: true, indexDirty: true}
}

// Len returns the number of instructions.
func (b *MethodBody) Len() int {
	return len(b.instrs)
}

// At returns the instruction at index i, or nil when out of range.
func (b *MethodBody) At(i int) *Instruction {
	if i < 0 || i >= len(b.instrs) {
		return nil
	}
	return b.instrs[i]
}

// Instructions returns the instruction sequence. The slice must not be modified.
func (b *MethodBody) Instructions() []*Instruction {
	return b.instrs
}

// First returns the first instruction, or nil for an empty body.
func (b *MethodBody) First() *Instruction {
	return b.At(0)
}

// Last returns the final instruction, or nil for an empty body.
func (b *MethodBody) Last() *Instruction {
	return b.At(len(b.instrs) - 1)
}

// Locals returns the declared local slots in index order.
func (b *MethodBody) Locals() []*Local {
	return b.locals
}

// Regions returns the exception table, inner regions first.
func (b *MethodBody) Regions() []*Region {
	return b.regions
}

// Labels returns the label table.
func (b *MethodBody) Labels() []*Label {
	return b.labels
}

// IndexOf returns the position of the instruction, or -1 if it is not part of this body.
func (b *MethodBody) IndexOf(ins *Instruction) int {
	if ins == nil {
		return -1
	}
	if b.indexDirty || b.index == nil {
		b.index = make(map[*Instruction]int, len(b.instrs))
		for i, in := range b.instrs {
			b.index[in] = i
		}
		b.indexDirty = false
	}
	if i, ok := b.index[ins]; ok {
		return i
	}
	return -1
}

// Resolve returns the instruction index a label refers to. The end of the body resolves to Len().
func (b *MethodBody) Resolve(l *Label) int {
	if l.target == nil {
		return len(b.instrs)
	}
	return b.IndexOf(l.target)
}

// NewLabel creates a label owned by this body. A nil target refers to the end of the body until marked.
func (b *MethodBody) NewLabel(target *Instruction) *Label {
	l := &Label{body: b, target: target}
	b.labels = append(b.labels, l)
	return l
}

// Mark points an existing label at an instruction.
func (b *MethodBody) Mark(l *Label, target *Instruction) {
	l.target = target
}

// IsLabelTarget reports if any label of the body resolves to the instruction.
func (b *MethodBody) IsLabelTarget(ins *Instruction) bool {
	for _, l := range b.labels {
		if l.target == ins {
			return true
		}
	}
	return false
}

// AddLocal declares a new local slot at the next index.
func (b *MethodBody) AddLocal(typeName string) *Local {
	l := &Local{Index: len(b.locals), Type: typeName}
	b.locals = append(b.locals, l)
	return l
}

// AddRegion appends an exception region. Regions must be added inner first.
func (b *MethodBody) AddRegion(r *Region) {
	b.regions = append(b.regions, r)
}

// RemoveRegion drops a region from the exception table, its labels remain in the label table.
func (b *MethodBody) RemoveRegion(r *Region) {
	b.regions = slices.DeleteFunc(b.regions, func(other *Region) bool {
		return other == r
	})
}

// Append adds instructions at the end of the body.
func (b *MethodBody) Append(ins ...*Instruction) {
	b.instrs = append(b.instrs, ins...)
	b.indexDirty = true
}

// Insert places instructions at index i, shifting the existing instruction at i (if any) after them.
func (b *MethodBody) Insert(i int, ins ...*Instruction) {
	b.instrs = slices.Insert(b.instrs, i, ins...)
	b.indexDirty = true
}

// InsertBefore places instructions directly before the anchor. Labels targeting the anchor are not moved.
func (b *MethodBody) InsertBefore(anchor *Instruction, ins ...*Instruction) error {
	i := b.IndexOf(anchor)
	if i < 0 {
		return errors.New("anchor instruction not in body")
	}
	b.Insert(i, ins...)
	return nil
}

// InsertAfter places instructions directly after the anchor.
func (b *MethodBody) InsertAfter(anchor *Instruction, ins ...*Instruction) error {
	i := b.IndexOf(anchor)
	if i < 0 {
		return errors.New("anchor instruction not in body")
	}
	b.Insert(i+1, ins...)
	return nil
}

// Remove deletes an instruction. Every label targeting it is retargeted to its successor.
func (b *MethodBody) Remove(ins *Instruction) bool {
	i := b.IndexOf(ins)
	if i < 0 {
		return false
	}
	b.RemoveRange(i, i+1)
	return true
}

// RemoveRange deletes the instructions in [start, end). Labels targeting them move to the first
// instruction after the range, or to the end of the body.
func (b *MethodBody) RemoveRange(start, end int) {
	if start >= end {
		return
	}
	succ := b.At(end)
	removed := make(map[*Instruction]bool, end-start)
	for _, ins := range b.instrs[start:end] {
		removed[ins] = true
	}
	for _, l := range b.labels {
		if l.target != nil && removed[l.target] {
			l.target = succ
		}
	}
	b.instrs = slices.Delete(b.instrs, start, end)
	b.indexDirty = true
}

// Offsets returns the byte offset of every instruction plus the total code size as the final element.
func (b *MethodBody) Offsets() []int {
	offsets := make([]int, len(b.instrs)+1)
	var off int
	for i, ins := range b.instrs {
		offsets[i] = off
		off += ins.Size()
	}
	offsets[len(b.instrs)] = off
	return offsets
}

// CodeSize returns the encoded size of the body in bytes.
func (b *MethodBody) CodeSize() int {
	var size int
	for _, ins := range b.instrs {
		size += ins.Size()
	}
	return size
}

// OptimizeBranches re-encodes every branch so that short forms are only used where the displacement fits
// in a signed byte. All branches are widened first, then shortened until no further branch fits.
func (b *MethodBody) OptimizeBranches() {
	for _, ins := range b.instrs {
		if ins.OpCode.IsShortBranch() {
			ins.OpCode = ins.OpCode.LongForm()
		}
	}
	for changed := true; changed; {
		changed = false
		offsets := b.Offsets()
		for i, ins := range b.instrs {
			if !ins.OpCode.IsBranch() || ins.OpCode.IsShortBranch() || ins.Target == nil {
				continue
			}
			t := b.Resolve(ins.Target)
			if t < 0 {
				continue
			}
			// shortening never grows any other displacement, so stale offsets stay conservative
			var disp int
			if t > i {
				disp = offsets[t] - (offsets[i] + ins.Size())
			} else {
				disp = offsets[t] - (offsets[i] + 2)
			}
			if disp >= -128 && disp <= 127 {
				ins.OpCode = ins.OpCode.ShortForm()
				changed = true
			}
		}
	}
}

// Validate checks the structural invariants of the body: labels are owned and resolvable, referenced
// local slots are declared, and exception regions are ordered and properly nested.
func (b *MethodBody) Validate() error {
	var errs []error
	for i, l := range b.locals {
		if l.Index != i {
			errs = append(errs, fmt.Errorf("local %d declared with index %d", i, l.Index))
		}
	}
	for i, ins := range b.instrs {
		if !ins.OpCode.Valid() {
			errs = append(errs, fmt.Errorf("instruction %d: invalid opcode %d", i, ins.OpCode))
			continue
		}
		switch ins.OpCode.OperandKind() {
		case OperandLabel:
			if ins.Target == nil || ins.Target.body != b {
				errs = append(errs, fmt.Errorf("instruction %d: %s label not owned by body", i, ins.OpCode))
			} else if ins.Target.target == nil {
				errs = append(errs, fmt.Errorf("instruction %d: %s targets end of body", i, ins.OpCode))
			} else if b.IndexOf(ins.Target.target) < 0 {
				errs = append(errs, fmt.Errorf("instruction %d: %s targets removed instruction", i, ins.OpCode))
			}
		case OperandMember:
			if ins.Member == nil {
				errs = append(errs, fmt.Errorf("instruction %d: %s without member", i, ins.OpCode))
			}
		case OperandLocal:
			if idx, _ := ins.LocalIndex(); idx < 0 || idx >= len(b.locals) {
				errs = append(errs, fmt.Errorf("instruction %d: %s references undeclared slot %d", i, ins.OpCode, idx))
			}
		}
	}

	type span struct{ start, end int }
	spans := make([][2]span, 0, len(b.regions))
	for ri, r := range b.regions {
		bounds := []*Label{r.TryStart, r.TryEnd, r.HandlerStart, r.HandlerEnd}
		if r.Kind == RegionFilter {
			bounds = append(bounds, r.FilterStart)
		}
		var bad bool
		for _, l := range bounds {
			if l == nil || l.body != b || b.Resolve(l) < 0 {
				bad = true
				break
			}
		}
		if bad {
			errs = append(errs, fmt.Errorf("region %d: boundary label missing or unresolvable", ri))
			continue
		}
		ts, te := b.Resolve(r.TryStart), b.Resolve(r.TryEnd)
		hs, he := b.Resolve(r.HandlerStart), b.Resolve(r.HandlerEnd)
		if ts > te || te > hs || hs >= he {
			errs = append(errs, fmt.Errorf("region %d: malformed bounds try [%d,%d) handler [%d,%d)", ri, ts, te, hs, he))
			continue
		}
		spans = append(spans, [2]span{{ts, te}, {hs, he}})
	}
	overlaps := func(a, c span) bool {
		if a.start >= a.end || c.start >= c.end {
			return false
		}
		disjoint := a.end <= c.start || c.end <= a.start
		nested := (a.start <= c.start && c.end <= a.end) || (c.start <= a.start && a.end <= c.end)
		return !disjoint && !nested
	}
	for i := range spans {
		for j := i + 1; j < len(spans); j++ {
			for _, x := range spans[i] {
				for _, y := range spans[j] {
					if overlaps(x, y) {
						errs = append(errs, fmt.Errorf("regions %d and %d overlap without nesting", i, j))
					}
				}
			}
		}
	}
	return errors.Join(errs...)
}

// ArgumentSpanStart walks backwards from the instruction at index i and returns the index of the first
// instruction contributing to the n values it consumes. Spans crossing a label target or any control
// flow are rejected.
func (b *MethodBody) ArgumentSpanStart(i, n int) (int, error) {
	need := n
	j := i
	for need > 0 {
		j--
		if j < 0 {
			return -1, fmt.Errorf("%w: argument span runs past method entry", ErrUnexpectedShape)
		}
		ins := b.instrs[j]
		if ins.OpCode.Flow() != FlowNext && ins.OpCode.Flow() != FlowCall {
			return -1, fmt.Errorf("%w: control flow inside argument span at %d", ErrUnexpectedShape, j)
		}
		push, pop := ins.StackEffect()
		if push == varStack || pop == varStack {
			return -1, fmt.Errorf("%w: unknown stack effect at %d", ErrUnexpectedShape, j)
		}
		need = need - push + pop
		if need < 0 {
			return -1, fmt.Errorf("%w: argument span at %d produces surplus values", ErrUnexpectedShape, j)
		}
	}
	for k := j + 1; k <= i; k++ {
		if b.IsLabelTarget(b.instrs[k]) {
			return -1, fmt.Errorf("%w: branch target inside argument span at %d", ErrUnexpectedShape, k)
		}
	}
	return j, nil
}

// Clone returns a deep copy with identical structure. Member references are shared.
func (b *MethodBody) Clone() *MethodBody {
	c := &MethodBody{InitLocals: b.InitLocals, indexDirty: true}
	insMap := make(map[*Instruction]*Instruction, len(b.instrs))
	for _, ins := range b.instrs {
		cp := *ins
		insMap[ins] = &cp
		c.instrs = append(c.instrs, &cp)
	}
	labelMap := make(map[*Label]*Label, len(b.labels))
	for _, l := range b.labels {
		var target *Instruction
		if l.target != nil {
			target = insMap[l.target]
		}
		nl := &Label{body: c, target: target}
		labelMap[l] = nl
		c.labels = append(c.labels, nl)
	}
	for _, ins := range c.instrs {
		if ins.Target != nil {
			ins.Target = labelMap[ins.Target]
		}
	}
	for _, l := range b.locals {
		cp := *l
		c.locals = append(c.locals, &cp)
	}
	for _, r := range b.regions {
		cp := *r
		cp.TryStart, cp.TryEnd = labelMap[r.TryStart], labelMap[r.TryEnd]
		cp.HandlerStart, cp.HandlerEnd = labelMap[r.HandlerStart], labelMap[r.HandlerEnd]
		if r.FilterStart != nil {
			cp.FilterStart = labelMap[r.FilterStart]
		}
		c.regions = append(c.regions, &cp)
	}
	return c
}

// inOtherRegion reports if index i lies in the try or handler range of any region besides exclude.
func (b *MethodBody) inOtherRegion(i int, exclude *Region) bool {
	for _, r := range b.regions {
		if r == exclude {
			continue
		}
		ts, te := b.Resolve(r.TryStart), b.Resolve(r.TryEnd)
		hs, he := b.Resolve(r.HandlerStart), b.Resolve(r.HandlerEnd)
		if (i >= ts && i < te) || (i >= hs && i < he) {
			return true
		}
	}
	return false
}

// reachable marks every instruction reachable from the method entry or an exception handler entry.
func (b *MethodBody) reachable() []bool {
	seen := make([]bool, len(b.instrs))
	var work []int
	push := func(i int) {
		if i >= 0 && i < len(b.instrs) && !seen[i] {
			seen[i] = true
			work = append(work, i)
		}
	}
	push(0)
	for _, r := range b.regions {
		push(b.Resolve(r.HandlerStart))
		if r.FilterStart != nil {
			push(b.Resolve(r.FilterStart))
		}
	}
	for len(work) > 0 {
		i := work[len(work)-1]
		work = work[:len(work)-1]
		ins := b.instrs[i]
		if ins.Target != nil {
			push(b.Resolve(ins.Target))
		}
		if !ins.OpCode.EndsBlock() {
			push(i + 1)
		}
	}
	return seen
}
