package weave

import (
	"fmt"
	"strconv"
)

// OpCode identifies a single instruction of a method body. Encoding variants (short forms, dedicated
// index forms) are distinct opcodes because the compactor and branch optimizer choose between them.
type OpCode uint8

const (
	OpInvalid OpCode = iota

	OpNop
	OpPop
	OpDup

	// Arguments
	OpLdarg0
	OpLdarg1
	OpLdarg2
	OpLdarg3
	OpLdargS
	OpLdarg

	// Locals
	OpLdloc0
	OpLdloc1
	OpLdloc2
	OpLdloc3
	OpLdlocS
	OpLdloc
	OpStloc0
	OpStloc1
	OpStloc2
	OpStloc3
	OpStlocS
	OpStloc
	OpLdlocaS
	OpLdloca

	// Constants
	OpLdcI4
	OpLdstr
	OpLdnull

	// Calls
	OpCall
	OpCallvirt

	// Branches
	OpBrS
	OpBr
	OpBrtrueS
	OpBrtrue
	OpBrfalseS
	OpBrfalse
	OpLeaveS
	OpLeave

	// Exits
	OpRet
	OpThrow
	OpEndfinally

	opCodeCount
)

// OperandKind describes the operand variant carried by an opcode.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandInt
	OperandString
	OperandLocal
	OperandArg
	OperandMember
	OperandLabel
)

// FlowKind describes how control leaves an instruction.
type FlowKind uint8

const (
	FlowNext FlowKind = iota
	FlowBranch
	FlowCondBranch
	FlowLeave
	FlowReturn
	FlowThrow
	FlowEndFinally
	FlowCall
)

// varStack marks a stack effect that depends on the operand (calls) or the method (ret).
const varStack = -1

type opInfo struct {
	name    string
	size    int // encoded size in bytes, 0 when derived from the operand
	operand OperandKind
	flow    FlowKind
	push    int
	pop     int
	index   int // implied local/arg index for dedicated forms, -1 otherwise
}

var opInfos [opCodeCount]opInfo

func init() {
	type def struct {
		op      OpCode
		name    string
		size    int
		operand OperandKind
		flow    FlowKind
		push    int
		pop     int
		index   int
	}
	defs := []def{
		{OpNop, "nop", 1, OperandNone, FlowNext, 0, 0, -1},
		{OpPop, "pop", 1, OperandNone, FlowNext, 0, 1, -1},
		{OpDup, "dup", 1, OperandNone, FlowNext, 2, 1, -1},
		{OpLdarg0, "ldarg.0", 1, OperandArg, FlowNext, 1, 0, 0},
		{OpLdarg1, "ldarg.1", 1, OperandArg, FlowNext, 1, 0, 1},
		{OpLdarg2, "ldarg.2", 1, OperandArg, FlowNext, 1, 0, 2},
		{OpLdarg3, "ldarg.3", 1, OperandArg, FlowNext, 1, 0, 3},
		{OpLdargS, "ldarg.s", 2, OperandArg, FlowNext, 1, 0, -1},
		{OpLdarg, "ldarg", 4, OperandArg, FlowNext, 1, 0, -1},
		{OpLdloc0, "ldloc.0", 1, OperandLocal, FlowNext, 1, 0, 0},
		{OpLdloc1, "ldloc.1", 1, OperandLocal, FlowNext, 1, 0, 1},
		{OpLdloc2, "ldloc.2", 1, OperandLocal, FlowNext, 1, 0, 2},
		{OpLdloc3, "ldloc.3", 1, OperandLocal, FlowNext, 1, 0, 3},
		{OpLdlocS, "ldloc.s", 2, OperandLocal, FlowNext, 1, 0, -1},
		{OpLdloc, "ldloc", 4, OperandLocal, FlowNext, 1, 0, -1},
		{OpStloc0, "stloc.0", 1, OperandLocal, FlowNext, 0, 1, 0},
		{OpStloc1, "stloc.1", 1, OperandLocal, FlowNext, 0, 1, 1},
		{OpStloc2, "stloc.2", 1, OperandLocal, FlowNext, 0, 1, 2},
		{OpStloc3, "stloc.3", 1, OperandLocal, FlowNext, 0, 1, 3},
		{OpStlocS, "stloc.s", 2, OperandLocal, FlowNext, 0, 1, -1},
		{OpStloc, "stloc", 4, OperandLocal, FlowNext, 0, 1, -1},
		{OpLdlocaS, "ldloca.s", 2, OperandLocal, FlowNext, 1, 0, -1},
		{OpLdloca, "ldloca", 4, OperandLocal, FlowNext, 1, 0, -1},
		{OpLdcI4, "ldc.i4", 0, OperandInt, FlowNext, 1, 0, -1},
		{OpLdstr, "ldstr", 5, OperandString, FlowNext, 1, 0, -1},
		{OpLdnull, "ldnull", 1, OperandNone, FlowNext, 1, 0, -1},
		{OpCall, "call", 5, OperandMember, FlowCall, varStack, varStack, -1},
		{OpCallvirt, "callvirt", 5, OperandMember, FlowCall, varStack, varStack, -1},
		{OpBrS, "br.s", 2, OperandLabel, FlowBranch, 0, 0, -1},
		{OpBr, "br", 5, OperandLabel, FlowBranch, 0, 0, -1},
		{OpBrtrueS, "brtrue.s", 2, OperandLabel, FlowCondBranch, 0, 1, -1},
		{OpBrtrue, "brtrue", 5, OperandLabel, FlowCondBranch, 0, 1, -1},
		{OpBrfalseS, "brfalse.s", 2, OperandLabel, FlowCondBranch, 0, 1, -1},
		{OpBrfalse, "brfalse", 5, OperandLabel, FlowCondBranch, 0, 1, -1},
		{OpLeaveS, "leave.s", 2, OperandLabel, FlowLeave, 0, 0, -1},
		{OpLeave, "leave", 5, OperandLabel, FlowLeave, 0, 0, -1},
		{OpRet, "ret", 1, OperandNone, FlowReturn, 0, varStack, -1},
		{OpThrow, "throw", 1, OperandNone, FlowThrow, 0, 1, -1},
		{OpEndfinally, "endfinally", 1, OperandNone, FlowEndFinally, 0, 0, -1},
	}
	for _, d := range defs {
		opInfos[d.op] = opInfo{
			name:    d.name,
			size:    d.size,
			operand: d.operand,
			flow:    d.flow,
			push:    d.push,
			pop:     d.pop,
			index:   d.index,
		}
	}
}

// String returns the mnemonic of the opcode.
func (op OpCode) String() string {
	if op >= opCodeCount || opInfos[op].name == "" {
		return "op(" + strconv.Itoa(int(op)) + ")"
	}
	return opInfos[op].name
}

// Valid reports if the opcode is part of the instruction set.
func (op OpCode) Valid() bool {
	return op > OpInvalid && op < opCodeCount
}

// OperandKind returns the operand variant the opcode carries.
func (op OpCode) OperandKind() OperandKind {
	if !op.Valid() {
		return OperandNone
	}
	return opInfos[op].operand
}

// Flow returns how control leaves an instruction with this opcode.
func (op OpCode) Flow() FlowKind {
	if !op.Valid() {
		return FlowNext
	}
	return opInfos[op].flow
}

// IsBranch reports if the opcode transfers control to a label.
func (op OpCode) IsBranch() bool {
	return op.OperandKind() == OperandLabel
}

// IsShortBranch reports if the opcode is the one-byte displacement form of a branch.
func (op OpCode) IsShortBranch() bool {
	switch op {
	case OpBrS, OpBrtrueS, OpBrfalseS, OpLeaveS:
		return true
	}
	return false
}

// IsCall reports if the opcode invokes a member.
func (op OpCode) IsCall() bool {
	return op == OpCall || op == OpCallvirt
}

// IsLeave reports if the opcode is a leave in either encoding.
func (op OpCode) IsLeave() bool {
	return op == OpLeave || op == OpLeaveS
}

// EndsBlock reports if control can never fall through to the next instruction.
func (op OpCode) EndsBlock() bool {
	switch op.Flow() {
	case FlowBranch, FlowLeave, FlowReturn, FlowThrow, FlowEndFinally:
		return true
	}
	return false
}

var shortBranch = map[OpCode]OpCode{OpBr: OpBrS, OpBrtrue: OpBrtrueS, OpBrfalse: OpBrfalseS, OpLeave: OpLeaveS}
var longBranch = map[OpCode]OpCode{OpBrS: OpBr, OpBrtrueS: OpBrtrue, OpBrfalseS: OpBrfalse, OpLeaveS: OpLeave}

// ShortForm returns the one-byte displacement variant of a branch, or the opcode itself.
func (op OpCode) ShortForm() OpCode {
	if s, ok := shortBranch[op]; ok {
		return s
	}
	return op
}

// LongForm returns the four-byte displacement variant of a branch, or the opcode itself.
func (op OpCode) LongForm() OpCode {
	if l, ok := longBranch[op]; ok {
		return l
	}
	return op
}

// LocalOpKind groups the encodings of one local variable access.
type LocalOpKind uint8

const (
	LocalLoad LocalOpKind = iota
	LocalStore
	LocalAddress
)

// LocalOpKind returns the kind of local access performed by the opcode.
func (op OpCode) LocalOpKind() (LocalOpKind, bool) {
	switch op {
	case OpLdloc0, OpLdloc1, OpLdloc2, OpLdloc3, OpLdlocS, OpLdloc:
		return LocalLoad, true
	case OpStloc0, OpStloc1, OpStloc2, OpStloc3, OpStlocS, OpStloc:
		return LocalStore, true
	case OpLdlocaS, OpLdloca:
		return LocalAddress, true
	}
	return 0, false
}

// localOpCode selects the most compact encoding for a local access at the given index.
func localOpCode(kind LocalOpKind, index int) OpCode {
	switch kind {
	case LocalLoad:
		switch {
		case index <= 3:
			return OpLdloc0 + OpCode(index)
		case index <= 255:
			return OpLdlocS
		}
		return OpLdloc
	case LocalStore:
		switch {
		case index <= 3:
			return OpStloc0 + OpCode(index)
		case index <= 255:
			return OpStlocS
		}
		return OpStloc
	default:
		if index <= 255 {
			return OpLdlocaS
		}
		return OpLdloca
	}
}

// MemberRef is a resolved reference to an external or internal method.
type MemberRef struct {
	// DeclaringType is the full name of the type declaring the member.
	DeclaringType string
	// Name is the member name.
	Name string
	// ParamCount is the number of declared parameters, excluding the receiver.
	ParamCount int
	// HasThis is set for instance members, which take the receiver as an extra argument.
	HasThis bool
	// ReturnsValue is set when a call pushes a result.
	ReturnsValue bool
}

// Key returns the canonical identity of the member.
func (m *MemberRef) Key() string {
	return m.DeclaringType + "::" + m.Name + "/" + strconv.Itoa(m.ParamCount)
}

func (m *MemberRef) String() string {
	return m.DeclaringType + "::" + m.Name
}

// StackArgs returns how many values a call to the member consumes.
func (m *MemberRef) StackArgs() int {
	if m.HasThis {
		return m.ParamCount + 1
	}
	return m.ParamCount
}

// Instruction is one node of a method body. Identity matters: labels reference instructions by pointer,
// so rewriting an instruction in place keeps every branch and region boundary that targets it.
type Instruction struct {
	OpCode OpCode
	// Int holds integer literals.
	Int int64
	// Str holds string literals.
	Str string
	// Index holds local and argument indices for the non-dedicated encodings.
	Index int
	// Member is set for calls.
	Member *MemberRef
	// Target is set for branches.
	Target *Label
}

// Size returns the encoded size of the instruction in bytes.
func (ins *Instruction) Size() int {
	if ins.OpCode == OpLdcI4 {
		switch {
		case ins.Int >= -1 && ins.Int <= 8:
			return 1
		case ins.Int >= -128 && ins.Int <= 127:
			return 2
		}
		return 5
	} else if !ins.OpCode.Valid() {
		return 0
	}
	return opInfos[ins.OpCode].size
}

// LocalIndex returns the local slot accessed by the instruction.
func (ins *Instruction) LocalIndex() (int, bool) {
	if ins.OpCode.OperandKind() != OperandLocal {
		return 0, false
	} else if idx := opInfos[ins.OpCode].index; idx >= 0 {
		return idx, true
	}
	return ins.Index, true
}

// ArgIndex returns the argument accessed by the instruction.
func (ins *Instruction) ArgIndex() (int, bool) {
	if ins.OpCode.OperandKind() != OperandArg {
		return 0, false
	} else if idx := opInfos[ins.OpCode].index; idx >= 0 {
		return idx, true
	}
	return ins.Index, true
}

// setLocalIndex rewrites the accessed slot, re-encoding the opcode compactly.
func (ins *Instruction) setLocalIndex(index int) {
	kind, ok := ins.OpCode.LocalOpKind()
	if !ok {
		return
	}
	ins.OpCode = localOpCode(kind, index)
	if opInfos[ins.OpCode].index >= 0 {
		ins.Index = 0
	} else {
		ins.Index = index
	}
}

// StackEffect returns the number of values pushed and popped. Ret reports varStack pops.
func (ins *Instruction) StackEffect() (push, pop int) {
	if !ins.OpCode.Valid() {
		return 0, 0
	}
	info := opInfos[ins.OpCode]
	if ins.OpCode.IsCall() {
		if ins.Member == nil {
			return varStack, varStack
		}
		if ins.Member.ReturnsValue {
			push = 1
		}
		return push, ins.Member.StackArgs()
	}
	return info.push, info.pop
}

// isSimplePush reports if the instruction pushes exactly one value without consuming any or causing side effects.
func (ins *Instruction) isSimplePush() bool {
	switch ins.OpCode {
	case OpLdarg0, OpLdarg1, OpLdarg2, OpLdarg3, OpLdargS, OpLdarg,
		OpLdloc0, OpLdloc1, OpLdloc2, OpLdloc3, OpLdlocS, OpLdloc,
		OpLdlocaS, OpLdloca, OpLdcI4, OpLdstr, OpLdnull:
		return true
	}
	return false
}

// set overwrites the opcode and operand in place, preserving the instruction identity.
func (ins *Instruction) set(other *Instruction) {
	ins.OpCode = other.OpCode
	ins.Int = other.Int
	ins.Str = other.Str
	ins.Index = other.Index
	ins.Member = other.Member
	ins.Target = other.Target
}

func (ins *Instruction) String() string {
	switch ins.OpCode.OperandKind() {
	case OperandInt:
		return fmt.Sprintf("%s %d", ins.OpCode, ins.Int)
	case OperandString:
		return fmt.Sprintf("%s %q", ins.OpCode, ins.Str)
	case OperandLocal:
		if opInfos[ins.OpCode].index >= 0 {
			return ins.OpCode.String()
		}
		return fmt.Sprintf("%s V_%d", ins.OpCode, ins.Index)
	case OperandArg:
		if opInfos[ins.OpCode].index >= 0 {
			return ins.OpCode.String()
		}
		return fmt.Sprintf("%s A_%d", ins.OpCode, ins.Index)
	case OperandMember:
		if ins.Member == nil {
			return ins.OpCode.String() + " <nil>"
		}
		return ins.OpCode.String() + " " + ins.Member.String()
	case OperandLabel:
		return ins.OpCode.String() + " <label>"
	}
	return ins.OpCode.String()
}

// Nop creates a no-op.
func Nop() *Instruction { return &Instruction{OpCode: OpNop} }

// Pop discards the top of the stack.
func Pop() *Instruction { return &Instruction{OpCode: OpPop} }

// Dup duplicates the top of the stack.
func Dup() *Instruction { return &Instruction{OpCode: OpDup} }

// Ret returns from the method.
func Ret() *Instruction { return &Instruction{OpCode: OpRet} }

// Throw raises the exception on top of the stack.
func Throw() *Instruction { return &Instruction{OpCode: OpThrow} }

// Endfinally ends a finally or fault handler.
func Endfinally() *Instruction { return &Instruction{OpCode: OpEndfinally} }

// Ldnull pushes a null reference.
func Ldnull() *Instruction { return &Instruction{OpCode: OpLdnull} }

// LdcI4 pushes an integer literal.
func LdcI4(v int64) *Instruction { return &Instruction{OpCode: OpLdcI4, Int: v} }

// Ldstr pushes a string literal.
func Ldstr(s string) *Instruction { return &Instruction{OpCode: OpLdstr, Str: s} }

// Ldarg loads an argument using the most compact encoding.
func Ldarg(index int) *Instruction {
	switch {
	case index <= 3:
		return &Instruction{OpCode: OpLdarg0 + OpCode(index)}
	case index <= 255:
		return &Instruction{OpCode: OpLdargS, Index: index}
	}
	return &Instruction{OpCode: OpLdarg, Index: index}
}

// Ldloc loads a local using the most compact encoding.
func Ldloc(index int) *Instruction {
	ins := &Instruction{OpCode: OpLdloc}
	ins.setLocalIndex(index)
	return ins
}

// Stloc stores into a local using the most compact encoding.
func Stloc(index int) *Instruction {
	ins := &Instruction{OpCode: OpStloc}
	ins.setLocalIndex(index)
	return ins
}

// Ldloca loads the address of a local using the most compact encoding.
func Ldloca(index int) *Instruction {
	ins := &Instruction{OpCode: OpLdloca}
	ins.setLocalIndex(index)
	return ins
}

// Call invokes a member non-virtually.
func Call(m *MemberRef) *Instruction { return &Instruction{OpCode: OpCall, Member: m} }

// Callvirt invokes a member through virtual dispatch.
func Callvirt(m *MemberRef) *Instruction { return &Instruction{OpCode: OpCallvirt, Member: m} }

// Branch creates a branch of the given opcode to a label.
func Branch(op OpCode, target *Label) *Instruction { return &Instruction{OpCode: op, Target: target} }
