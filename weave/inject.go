package weave

import (
	"fmt"
	"slices"
)

// InjectZone wraps the whole body of the method in a profiling zone. The zone is opened at entry, every
// return leaves through a single exit, and the zone is closed in a finally handler so it ends exactly once
// on both normal and exceptional paths.
func InjectZone(m *MethodDef, desc Descriptor, probes *ProbeRefs) error {
	body := m.Body
	if body == nil {
		return ErrNoMethodBody
	}
	first := body.First()
	if first == nil {
		return fmt.Errorf("%w: empty body", ErrUnexpectedShape)
	}
	original := slices.Clone(body.instrs)
	live := body.reachable()
	fallsThrough := !body.Last().OpCode.EndsBlock()
	tailLive := live[len(live)-1]
	var endLabels []*Label
	for _, l := range body.labels {
		if l.target == nil {
			endLabels = append(endLabels, l)
		}
	}

	handle := body.AddLocal(probes.HandleType)
	var retSlot *Local
	if m.ReturnsValue() {
		retSlot = body.AddLocal(m.ReturnType)
	}

	prologue := zoneNameInstrs(m, desc, probes)
	active := int64(0)
	if desc.Active {
		active = 1
	}
	prologue = append(prologue,
		LdcI4(int64(int32(desc.Color))),
		LdcI4(active),
		Ldstr(desc.Function),
		Ldstr(desc.File),
		LdcI4(int64(desc.Line)),
		Call(probes.Begin),
		Stloc(handle.Index),
	)
	if err := body.InsertBefore(first, prologue...); err != nil {
		return err
	}

	exit := body.NewLabel(nil)
	for _, ins := range original {
		if ins.OpCode != OpRet {
			continue
		}
		if retSlot == nil {
			ins.set(Branch(OpLeave, exit))
			continue
		}
		// rewritten in place so branches into the return still store the value
		ins.set(Stloc(retSlot.Index))
		if err := body.InsertAfter(ins, Branch(OpLeave, exit)); err != nil {
			return err
		}
	}

	appendStart := body.Len()
	// control must not fall off the end of the protected range
	if fallsThrough {
		if retSlot != nil && tailLive {
			body.Append(Stloc(retSlot.Index))
		}
		body.Append(Branch(OpLeave, exit))
	}

	handlerStart := Ldloca(handle.Index)
	body.Append(handlerStart, Call(probes.End), Endfinally())
	// boundaries at the old end of the body stay in front of the appended code
	for _, l := range endLabels {
		l.target = body.At(appendStart)
	}
	var tail []*Instruction
	if retSlot != nil {
		tail = []*Instruction{Ldloc(retSlot.Index), Ret()}
	} else {
		tail = []*Instruction{Ret()}
	}
	body.Append(tail...)
	body.Mark(exit, tail[0])

	body.AddRegion(&Region{
		Kind:         RegionFinally,
		TryStart:     body.NewLabel(first),
		TryEnd:       body.NewLabel(handlerStart),
		HandlerStart: body.NewLabel(handlerStart),
		HandlerEnd:   body.NewLabel(tail[0]),
	})
	body.OptimizeBranches()
	return nil
}

// zoneNameInstrs pushes the zone name: a literal, a name built from the receiver's runtime type for
// instance virtual methods on reference types, or null.
func zoneNameInstrs(m *MethodDef, desc Descriptor, probes *ProbeRefs) []*Instruction {
	if desc.Name != nil {
		return []*Instruction{Ldstr(*desc.Name)}
	}
	if m.IsVirtual && !m.IsStatic && m.DeclaringType != nil && !m.DeclaringType.IsValueType {
		return []*Instruction{
			Ldstr(desc.Function + " ("),
			Ldarg(0),
			Callvirt(probes.TypeName),
			Ldstr(")"),
			Call(probes.Concat3),
		}
	}
	return []*Instruction{Ldnull()}
}
