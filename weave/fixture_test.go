package weave

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type fixture struct {
	mod    *Module
	probes *ProbeRefs
	typ    *TypeDef
	value  *TypeDef

	log  *MemberRef
	fail *MemberRef
	add  *MemberRef
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mod := &Module{Name: "Sample", FormatVersion: ContainerFormatVersion, References: []string{"System.Runtime", "TracyNET"}}
	probes, err := ResolveProbeRefs(mod, DefaultProbeRefs(), true)
	require.NoError(t, err)
	return &fixture{
		mod:    mod,
		probes: probes,
		typ:    mod.AddType(&TypeDef{Namespace: "Sample", Name: "Widget"}),
		value:  mod.AddType(&TypeDef{Namespace: "Sample", Name: "Point", IsValueType: true}),
		log:    mod.ImportMember(MemberRef{DeclaringType: "Test.Helpers", Name: "Log", ParamCount: 1}),
		fail:   mod.ImportMember(MemberRef{DeclaringType: "Test.Helpers", Name: "Fail"}),
		add:    mod.ImportMember(MemberRef{DeclaringType: "Test.Helpers", Name: "Add", ParamCount: 2, ReturnsValue: true}),
	}
}

// static adds a static method to the reference type.
func (f *fixture) static(name, ret string, body *MethodBody) *MethodDef {
	return f.typ.AddMethod(&MethodDef{Name: name, IsStatic: true, ReturnType: ret, Body: body})
}

func (f *fixture) annotate(m *MethodDef, a *Attribute) *MethodDef {
	if a == nil {
		a = &Attribute{}
	}
	a.Type = f.probes.AnnotationType
	m.Attributes = append(m.Attributes, a)
	return m
}

// twoReturnBody is `if (arg0) { Log(1); return } return` written with two physical returns.
func (f *fixture) twoReturnBody() *MethodBody {
	b := NewMethodBody()
	l1 := b.NewLabel(nil)
	target := LdcI4(1)
	b.Append(Ldarg(0), Branch(OpBrtrueS, l1), Ret(), target, Call(f.log), Ret())
	b.Mark(l1, target)
	return b
}

// valueBody returns `arg0 ? Add(arg1, 1) : 7` storing through a local.
func (f *fixture) valueBody() *MethodBody {
	b := NewMethodBody()
	tmp := b.AddLocal("int32")
	other := LdcI4(7)
	lElse := b.NewLabel(other)
	b.Append(
		Ldarg(0), Branch(OpBrfalseS, lElse),
		Ldarg(1), LdcI4(1), Call(f.add), Stloc(tmp.Index), Ldloc(tmp.Index), Ret(),
		other, Ret(),
	)
	return b
}

// catchBody calls Fail inside a try and returns 1 from the catch handler, 0 otherwise.
func (f *fixture) catchBody(throwing bool) *MethodBody {
	b := NewMethodBody()
	callee := f.log
	if throwing {
		callee = f.fail
	}
	tryStart := LdcI4(5)
	handler := Pop()
	after := LdcI4(0)
	handlerRet := LdcI4(1)
	lAfter := b.NewLabel(after)
	lHandlerRet := b.NewLabel(handlerRet)
	var call []*Instruction
	if throwing {
		call = []*Instruction{Call(callee)}
	} else {
		call = []*Instruction{tryStart, Call(callee)}
	}
	first := call[0]
	b.Append(call...)
	b.Append(Branch(OpLeaveS, lAfter), handler, Branch(OpLeaveS, lHandlerRet), after, Ret(), handlerRet, Ret())
	b.AddRegion(&Region{
		Kind:         RegionCatch,
		TryStart:     b.NewLabel(first),
		TryEnd:       b.NewLabel(handler),
		HandlerStart: b.NewLabel(handler),
		HandlerEnd:   b.NewLabel(after),
	})
	return b
}

// finallyBody is `try { Log(1) } finally { Log(2) }` followed by a return, preceded by Log(0) when lead is set.
func (f *fixture) finallyBody(lead bool) *MethodBody {
	b := NewMethodBody()
	if lead {
		b.Append(LdcI4(0), Call(f.log))
	}
	first := LdcI4(1)
	handler := LdcI4(2)
	after := Ret()
	b.Append(first, Call(f.log), Branch(OpLeaveS, b.NewLabel(after)), handler, Call(f.log), Endfinally(), after)
	b.AddRegion(&Region{
		Kind:         RegionFinally,
		TryStart:     b.NewLabel(first),
		TryEnd:       b.NewLabel(handler),
		HandlerStart: b.NewLabel(handler),
		HandlerEnd:   b.NewLabel(after),
	})
	return b
}

// usingZoneBody opens a zone by hand at entry and disposes it in a finally region, the shape of a using
// statement over the zone.
func (f *fixture) usingZoneBody() *MethodBody {
	b := NewMethodBody()
	h := b.AddLocal(f.probes.HandleType)
	first := LdcI4(1)
	handler := Ldloca(h.Index)
	after := Ret()
	b.Append(manualZone(f, h.Index)...)
	b.Append(first, Call(f.log), Branch(OpLeaveS, b.NewLabel(after)), handler, Call(f.probes.Dispose), Endfinally(), after)
	b.AddRegion(&Region{
		Kind:         RegionFinally,
		TryStart:     b.NewLabel(first),
		TryEnd:       b.NewLabel(handler),
		HandlerStart: b.NewLabel(handler),
		HandlerEnd:   b.NewLabel(after),
	})
	return b
}

type zoneHandle struct {
	name  any
	ended int
}

type object struct {
	typeName string
}

type localRef struct {
	slot int
}

// interp executes bodies with a simplified stack machine, counting probe calls.
type interp struct {
	fix *fixture

	begins int
	ends   int
	zones  []*zoneHandle
	logged []any
	setter int
}

const maxSteps = 10000

var errStepLimit = errors.New("step limit reached")

type execResult struct {
	returned   bool
	value      any
	endFinally bool
	thrown     any
	err        error
}

type frame struct {
	method *MethodDef
	body   *MethodBody
	args   []any
	locals []any
	stack  []any
	steps  int
}

// run executes the method, returning the result value, an escaped exception, or an interpreter error.
func (in *interp) run(m *MethodDef, args ...any) (any, any, error) {
	f := &frame{method: m, body: m.Body, args: args, locals: make([]any, len(m.Body.locals))}
	res := f.exec(in, 0)
	if res.err != nil {
		return nil, nil, res.err
	} else if res.thrown != nil {
		return nil, res.thrown, nil
	} else if !res.returned {
		return nil, nil, errors.New("execution ended without return")
	}
	return res.value, nil, nil
}

func (f *frame) pop() any {
	if len(f.stack) == 0 {
		panic("stack underflow")
	}
	v := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return v
}

func (f *frame) push(v any) {
	f.stack = append(f.stack, v)
}

func inRange(b *MethodBody, start, end *Label, pc int) bool {
	return pc >= b.Resolve(start) && pc < b.Resolve(end)
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case int64:
		return x != 0
	case bool:
		return x
	}
	return true
}

func (f *frame) exec(in *interp, pc int) execResult {
	for {
		f.steps++
		if f.steps > maxSteps {
			return execResult{err: errStepLimit}
		}
		ins := f.body.At(pc)
		if ins == nil {
			return execResult{err: fmt.Errorf("fell off the body at %d", pc)}
		}

		if idx, ok := ins.ArgIndex(); ok {
			f.push(f.args[idx])
			pc++
			continue
		}
		if kind, ok := ins.OpCode.LocalOpKind(); ok {
			idx, _ := ins.LocalIndex()
			switch kind {
			case LocalLoad:
				f.push(f.locals[idx])
			case LocalStore:
				f.locals[idx] = f.pop()
			case LocalAddress:
				f.push(&localRef{slot: idx})
			}
			pc++
			continue
		}

		switch ins.OpCode {
		case OpNop:
		case OpPop:
			f.pop()
		case OpDup:
			v := f.pop()
			f.push(v)
			f.push(v)
		case OpLdcI4:
			f.push(ins.Int)
		case OpLdstr:
			f.push(ins.Str)
		case OpLdnull:
			f.push(nil)
		case OpCall, OpCallvirt:
			args := make([]any, ins.Member.StackArgs())
			for i := len(args) - 1; i >= 0; i-- {
				args[i] = f.pop()
				if ref, ok := args[i].(*localRef); ok {
					args[i] = f.locals[ref.slot]
				}
			}
			v, thrown, err := in.call(ins.Member, args)
			if err != nil {
				return execResult{err: err}
			} else if thrown != nil {
				next, res := f.throw(in, pc, thrown)
				if res != nil {
					return *res
				}
				pc = next
				continue
			}
			if ins.Member.ReturnsValue {
				f.push(v)
			}
		case OpBr, OpBrS:
			pc = f.body.Resolve(ins.Target)
			continue
		case OpBrtrue, OpBrtrueS, OpBrfalse, OpBrfalseS:
			cond := truthy(f.pop())
			if cond == (ins.OpCode == OpBrtrue || ins.OpCode == OpBrtrueS) {
				pc = f.body.Resolve(ins.Target)
				continue
			}
		case OpLeave, OpLeaveS:
			target := f.body.Resolve(ins.Target)
			f.stack = nil
			for _, r := range f.body.regions {
				if r.Kind != RegionFinally || !inRange(f.body, r.TryStart, r.TryEnd, pc) ||
					inRange(f.body, r.TryStart, r.TryEnd, target) {
					continue
				}
				if res := f.exec(in, f.body.Resolve(r.HandlerStart)); !res.endFinally {
					return res
				}
			}
			pc = target
			continue
		case OpRet:
			want := 0
			if f.method.ReturnsValue() {
				want = 1
			}
			if len(f.stack) != want {
				return execResult{err: fmt.Errorf("ret with %d stack values", len(f.stack))}
			}
			var v any
			if want == 1 {
				v = f.pop()
			}
			return execResult{returned: true, value: v}
		case OpThrow:
			next, res := f.throw(in, pc, f.pop())
			if res != nil {
				return *res
			}
			pc = next
			continue
		case OpEndfinally:
			f.stack = nil
			return execResult{endFinally: true}
		default:
			return execResult{err: fmt.Errorf("unsupported opcode %s", ins.OpCode)}
		}
		pc++
	}
}

// throw dispatches an exception raised at pc, running finally handlers until a catch accepts it.
func (f *frame) throw(in *interp, pc int, ex any) (int, *execResult) {
	for _, r := range f.body.regions {
		if !inRange(f.body, r.TryStart, r.TryEnd, pc) {
			continue
		}
		switch r.Kind {
		case RegionCatch:
			f.stack = []any{ex}
			return f.body.Resolve(r.HandlerStart), nil
		case RegionFinally, RegionFault:
			f.stack = nil
			if res := f.exec(in, f.body.Resolve(r.HandlerStart)); !res.endFinally {
				return 0, &res
			}
		}
	}
	return 0, &execResult{thrown: ex}
}

func (in *interp) call(m *MemberRef, args []any) (any, any, error) {
	p := in.fix.probes
	switch m.Key() {
	case p.Begin.Key():
		in.begins++
		h := &zoneHandle{name: args[0]}
		in.zones = append(in.zones, h)
		return h, nil, nil
	case p.End.Key(), p.Dispose.Key():
		h, ok := args[0].(*zoneHandle)
		if !ok {
			return nil, nil, fmt.Errorf("%s called without a zone handle: %v", m, args[0])
		}
		h.ended++
		in.ends++
		return nil, nil, nil
	case p.Active.Key():
		return int64(1), nil, nil
	case p.SetText.Key(), p.SetValue.Key(), p.SetName.Key(), p.SetColor.Key():
		in.setter++
		return nil, nil, nil
	case p.TypeName.Key():
		o, ok := args[0].(*object)
		if !ok {
			return nil, nil, fmt.Errorf("runtime type name of %v", args[0])
		}
		return o.typeName, nil, nil
	case p.Concat3.Key():
		var s string
		for _, a := range args {
			if a != nil {
				s += a.(string)
			}
		}
		return s, nil, nil
	case in.fix.log.Key():
		in.logged = append(in.logged, args[0])
		return nil, nil, nil
	case in.fix.fail.Key():
		return nil, &object{typeName: "Boom"}, nil
	case in.fix.add.Key():
		return args[0].(int64) + args[1].(int64), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown member %s", m.Key())
}

func opcodes(b *MethodBody) []OpCode {
	ops := make([]OpCode, b.Len())
	for i, ins := range b.Instructions() {
		ops[i] = ins.OpCode
	}
	return ops
}

func countOp(b *MethodBody, match func(OpCode) bool) int {
	var n int
	for _, ins := range b.Instructions() {
		if match(ins.OpCode) {
			n++
		}
	}
	return n
}
