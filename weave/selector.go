package weave

import (
	"strings"
)

// Annotation argument names read from the profiling attribute.
const (
	annotationName     = "name"
	annotationColor    = "color"
	annotationActive   = "active"
	annotationFunction = "function"
	annotationFile     = "file"
	annotationLine     = "line"
)

// DefaultSourceExt is the file extension used for synthesized file names.
const DefaultSourceExt = "cs"

// Descriptor holds the zone metadata emitted at a method entry.
type Descriptor struct {
	// Name is the zone display name, nil requests a name computed at run time.
	Name *string
	// Color is the zone color as 0xRRGGBB.
	Color uint32
	// Active controls if the zone is reported to the profiler.
	Active bool
	// Function is the function label, `Type::Method` by default.
	Function string
	// File is the source file label.
	File string
	// Line is the source line label.
	Line int
}

// Action is the transform chosen for a method.
type Action uint8

const (
	ActionSkip Action = iota
	ActionInject
	ActionStrip
)

func (a Action) String() string {
	switch a {
	case ActionInject:
		return "inject"
	case ActionStrip:
		return "strip"
	}
	return "skip"
}

// Options controls method selection.
type Options struct {
	// Enabled injects zones when set, and strips them otherwise.
	Enabled bool
	// ProfileAllMethods injects zones into every method with a body, annotated or not.
	ProfileAllMethods bool
	// SourceExt is the extension of synthesized source file names.
	SourceExt string
}

// Selection pairs a method with the transform to apply to it.
type Selection struct {
	Method     *MethodDef
	Action     Action
	Descriptor Descriptor
	// Reason explains a skip.
	Reason string
}

// SelectMethods decides the action for every method of the module, in declaration order. Profiling
// annotations are removed from the methods as a side effect.
func SelectMethods(mod *Module, opts Options, probes *ProbeRefs) []Selection {
	if opts.SourceExt == "" {
		opts.SourceExt = DefaultSourceExt
	}
	var selections []Selection
	for _, t := range mod.Types {
		for _, m := range t.Methods {
			selections = append(selections, selectMethod(m, opts, probes))
		}
	}
	return selections
}

func selectMethod(m *MethodDef, opts Options, probes *ProbeRefs) Selection {
	annotation := m.Attribute(probes.AnnotationType)
	m.RemoveAttributes(probes.AnnotationType)

	sel := Selection{Method: m}
	if m.IsAbstract || m.Body == nil {
		sel.Reason = "no body"
		return sel
	}

	if !opts.Enabled {
		if annotation != nil || probes.ReferencesProbes(m.Body) {
			sel.Action = ActionStrip
		} else {
			sel.Reason = "not instrumented"
		}
		return sel
	}

	if annotation == nil && !opts.ProfileAllMethods {
		sel.Reason = "not annotated"
		return sel
	} else if entryWrapped(m.Body, probes) {
		sel.Reason = "already instrumented"
		return sel
	}

	sel.Action = ActionInject
	if annotation != nil {
		sel.Descriptor = annotationDescriptor(m, annotation, opts)
	} else {
		sel.Descriptor = defaultDescriptor(m, opts)
	}
	return sel
}

func defaultDescriptor(m *MethodDef, opts Options) Descriptor {
	desc := Descriptor{
		Color:    DefaultColor,
		Active:   true,
		Function: typeName(m) + "::" + m.Name,
	}
	if m.Source != nil && m.Source.File != "" {
		desc.File = m.Source.File
		desc.Line = m.Source.Line
	} else {
		desc.File = typeName(m) + "." + strings.TrimPrefix(opts.SourceExt, ".")
	}
	return desc
}

func annotationDescriptor(m *MethodDef, a *Attribute, opts Options) Descriptor {
	desc := defaultDescriptor(m, opts)
	if name, ok := a.Strings[annotationName]; ok {
		desc.Name = &name
	}
	if color, ok := a.Ints[annotationColor]; ok {
		desc.Color = uint32(color)
	}
	if active, ok := a.Bools[annotationActive]; ok {
		desc.Active = active
	}
	if fn, ok := a.Strings[annotationFunction]; ok && fn != "" {
		desc.Function = fn
	}
	if file, ok := a.Strings[annotationFile]; ok && file != "" {
		desc.File = file
	}
	// authored lines point at the attribute, the method begins on the line after it
	if line, ok := a.Ints[annotationLine]; ok && line > 0 {
		desc.Line = int(line) + 1
	}
	return desc
}

func typeName(m *MethodDef) string {
	if m.DeclaringType == nil {
		return "Unknown"
	}
	return m.DeclaringType.Name
}

// entryWrapped reports if the body opens a zone as its first statement and protects the remainder with a
// finally region that ends the zone, the layout produced by InjectZone. A zone disposed by hand at entry
// does not count.
func entryWrapped(body *MethodBody, probes *ProbeRefs) bool {
	for i, ins := range body.instrs {
		if !ins.OpCode.IsCall() || !sameMember(ins.Member, probes.Begin) {
			continue
		}
		start, err := body.ArgumentSpanStart(i, ins.Member.StackArgs())
		if err != nil || start != 0 {
			return false
		}
		store := body.At(i + 1)
		if store == nil {
			return false
		}
		slot, ok := storedSlot(store)
		if !ok {
			return false
		}
		next := body.At(i + 2)
		return next != nil && zoneFinally(body, next, slot, probes.End) != nil
	}
	return false
}

// storedSlot returns the local slot a store instruction writes.
func storedSlot(ins *Instruction) (int, bool) {
	if kind, ok := ins.OpCode.LocalOpKind(); !ok || kind != LocalStore {
		return 0, false
	}
	return ins.LocalIndex()
}

// zoneFinally returns the finally region whose protected range begins at ins and whose handler closes the
// zone held in slot, loading the slot address and calling one of closers. Other finally regions starting
// at the same instruction belong to the method itself.
func zoneFinally(body *MethodBody, ins *Instruction, slot int, closers ...*MemberRef) *Region {
	for _, r := range body.regions {
		if r.Kind != RegionFinally || r.TryStart.target != ins {
			continue
		}
		hs, he := body.Resolve(r.HandlerStart), body.Resolve(r.HandlerEnd)
		if he-hs < 2 {
			continue
		}
		load, call := body.At(hs), body.At(hs+1)
		if kind, ok := load.OpCode.LocalOpKind(); !ok || kind != LocalAddress {
			continue
		} else if idx, _ := load.LocalIndex(); idx != slot || !call.OpCode.IsCall() {
			continue
		}
		for _, m := range closers {
			if sameMember(call.Member, m) {
				return r
			}
		}
	}
	return nil
}
