package weave

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/go-analyze/bulk"
)

var (
	// ErrNoMethodBody is returned when a transform is requested for a method without a body.
	ErrNoMethodBody = errors.New("method has no body")
	// ErrUnexpectedShape is returned when instrumentation code does not have a recognized layout.
	ErrUnexpectedShape = errors.New("unexpected instruction shape")
	// ErrProbeUnresolved is returned when the probe library cannot be resolved for a module.
	ErrProbeUnresolved = errors.New("probe library unresolved")
)

// Module is an in-memory compiled module.
type Module struct {
	// Name is the module assembly name.
	Name string
	// FormatVersion is the container format version the module was read with.
	FormatVersion string
	// References lists the names of libraries the module depends on.
	References []string
	// MemberRefs is the member reference table shared by all method bodies.
	MemberRefs []*MemberRef
	// Types lists type definitions in declaration order.
	Types []*TypeDef

	memberMu    sync.Mutex
	memberIndex map[string]*MemberRef
}

// TypeDef is a type declared in a module.
type TypeDef struct {
	Namespace   string
	Name        string
	IsValueType bool
	Methods     []*MethodDef
}

// FullName returns the namespace qualified type name.
func (t *TypeDef) FullName() string {
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

// AddMethod appends a method and links it to the type.
func (t *TypeDef) AddMethod(m *MethodDef) *MethodDef {
	m.DeclaringType = t
	t.Methods = append(t.Methods, m)
	return m
}

// SourceMapping is the first source location recorded for a method body.
type SourceMapping struct {
	File string
	Line int
}

// Attribute is a custom annotation attached to a method. Named arguments are kept by value kind.
type Attribute struct {
	Type    string
	Strings map[string]string
	Ints    map[string]int64
	Bools   map[string]bool
}

// MethodDef is a method declared on a type.
type MethodDef struct {
	Name          string
	DeclaringType *TypeDef
	IsStatic      bool
	IsVirtual     bool
	IsAbstract    bool
	// ReturnType is empty or "void" for methods that do not return a value.
	ReturnType string
	Attributes []*Attribute
	// Source is nil when no debug information is available.
	Source *SourceMapping
	// Body is nil for abstract and external methods.
	Body *MethodBody
}

// FullName returns the identifier used in diagnostics, `Namespace.Type::Method`.
func (m *MethodDef) FullName() string {
	if m.DeclaringType == nil {
		return m.Name
	}
	return m.DeclaringType.FullName() + "::" + m.Name
}

// ReturnsValue reports if the method produces a value.
func (m *MethodDef) ReturnsValue() bool {
	return m.ReturnType != "" && m.ReturnType != "void"
}

// Attribute returns the first attribute of the given type.
func (m *MethodDef) Attribute(typeName string) *Attribute {
	for _, a := range m.Attributes {
		if a.Type == typeName {
			return a
		}
	}
	return nil
}

// RemoveAttributes drops every attribute of the given type, returning true if any were present.
func (m *MethodDef) RemoveAttributes(typeName string) bool {
	before := len(m.Attributes)
	m.Attributes = bulk.SliceFilterInPlace(func(a *Attribute) bool {
		return a.Type != typeName
	}, m.Attributes)
	return len(m.Attributes) != before
}

// Methods returns every method of the module in declaration order.
func (mod *Module) Methods() []*MethodDef {
	var methods []*MethodDef
	for _, t := range mod.Types {
		methods = append(methods, t.Methods...)
	}
	return methods
}

// AddType appends a type definition.
func (mod *Module) AddType(t *TypeDef) *TypeDef {
	mod.Types = append(mod.Types, t)
	return t
}

// ImportMember returns the canonical reference for the member, adding it to the table when missing.
func (mod *Module) ImportMember(ref MemberRef) *MemberRef {
	mod.memberMu.Lock()
	defer mod.memberMu.Unlock()
	mod.indexMembers()

	key := ref.Key()
	if existing, ok := mod.memberIndex[key]; ok {
		return existing
	}
	m := &ref
	mod.MemberRefs = append(mod.MemberRefs, m)
	mod.memberIndex[key] = m
	return m
}

func (mod *Module) indexMembers() {
	if mod.memberIndex != nil && len(mod.memberIndex) == len(mod.MemberRefs) {
		return
	}
	mod.memberIndex = make(map[string]*MemberRef, len(mod.MemberRefs))
	for _, m := range mod.MemberRefs {
		mod.memberIndex[m.Key()] = m
	}
}

// HasReference reports if the module depends on the named library.
func (mod *Module) HasReference(name string) bool {
	return slices.Contains(mod.References, name)
}

// PruneMemberRefs drops member references no instruction uses, returning the count removed.
func (mod *Module) PruneMemberRefs() int {
	used := make(map[*MemberRef]bool)
	for _, m := range mod.Methods() {
		if m.Body == nil {
			continue
		}
		for _, ins := range m.Body.instrs {
			if ins.Member != nil {
				used[ins.Member] = true
			}
		}
	}

	mod.memberMu.Lock()
	defer mod.memberMu.Unlock()
	before := len(mod.MemberRefs)
	mod.MemberRefs = bulk.SliceFilterInPlace(func(m *MemberRef) bool {
		return used[m]
	}, mod.MemberRefs)
	mod.memberIndex = nil
	return before - len(mod.MemberRefs)
}

// memberIndexes maps every table member to its position, used to encode operands.
func (mod *Module) memberIndexes() map[*MemberRef]int {
	idx := make(map[*MemberRef]int, len(mod.MemberRefs))
	for i, m := range mod.MemberRefs {
		idx[m] = i
	}
	return idx
}

// ProbeRefs names the probe runtime members the weaver emits and recognizes.
type ProbeRefs struct {
	// Library is the name of the library the probe runtime ships in.
	Library string
	// AnnotationType is the attribute that requests instrumentation of a method.
	AnnotationType string
	// HandleType is the type of the zone handle stored in the method frame.
	HandleType string

	// TypeName returns the runtime type name of the receiver.
	TypeName *MemberRef
	// Concat3 concatenates three strings.
	Concat3 *MemberRef
	// Begin opens a zone and returns its handle.
	Begin *MemberRef
	// End closes the zone referenced by the handle address.
	End *MemberRef

	Active   *MemberRef
	SetText  *MemberRef
	SetValue *MemberRef
	SetName  *MemberRef
	SetColor *MemberRef
	Dispose  *MemberRef
}

// DefaultColor is the zone color used when none is requested.
const DefaultColor uint32 = 0

// DefaultProbeRefs returns the references of the TracyNET probe runtime.
func DefaultProbeRefs() *ProbeRefs {
	const tracy = "TracyNET.Tracy"
	const zone = tracy + "/ZoneContext"
	return &ProbeRefs{
		Library:        "TracyNET",
		AnnotationType: tracy + "/ProfileMethod",
		HandleType:     zone,
		TypeName:       &MemberRef{DeclaringType: "System.Object", Name: "get_RuntimeTypeName", HasThis: true, ReturnsValue: true},
		Concat3:        &MemberRef{DeclaringType: "System.String", Name: "Concat", ParamCount: 3, ReturnsValue: true},
		Begin:          &MemberRef{DeclaringType: tracy, Name: "Zone", ParamCount: 6, ReturnsValue: true},
		End:            &MemberRef{DeclaringType: tracy, Name: "EndZone", ParamCount: 1},
		Active:         &MemberRef{DeclaringType: zone, Name: "get_Active", HasThis: true, ReturnsValue: true},
		SetText:        &MemberRef{DeclaringType: zone, Name: "set_Text", ParamCount: 1, HasThis: true},
		SetValue:       &MemberRef{DeclaringType: zone, Name: "set_Value", ParamCount: 1, HasThis: true},
		SetName:        &MemberRef{DeclaringType: zone, Name: "set_Name", ParamCount: 1, HasThis: true},
		SetColor:       &MemberRef{DeclaringType: zone, Name: "set_Color", ParamCount: 1, HasThis: true},
		Dispose:        &MemberRef{DeclaringType: zone, Name: "Dispose", HasThis: true},
	}
}

func (p *ProbeRefs) members() []**MemberRef {
	return []**MemberRef{&p.TypeName, &p.Concat3, &p.Begin, &p.End,
		&p.Active, &p.SetText, &p.SetValue, &p.SetName, &p.SetColor, &p.Dispose}
}

// ResolveProbeRefs imports every probe member into the module table, returning references whose pointers
// belong to the module. When requireLibrary is set the module must depend on the probe library.
func ResolveProbeRefs(mod *Module, probes *ProbeRefs, requireLibrary bool) (*ProbeRefs, error) {
	if requireLibrary && !mod.HasReference(probes.Library) {
		return nil, fmt.Errorf("%w: module %s does not reference %s", ErrProbeUnresolved, mod.Name, probes.Library)
	}
	resolved := *probes
	for _, m := range resolved.members() {
		if *m == nil {
			return nil, fmt.Errorf("%w: incomplete probe reference set", ErrProbeUnresolved)
		}
		*m = mod.ImportMember(**m)
	}
	return &resolved, nil
}

// IsProbeMember reports if the member belongs to the probe runtime.
func (p *ProbeRefs) IsProbeMember(m *MemberRef) bool {
	return m != nil && (m.DeclaringType == p.Begin.DeclaringType || m.DeclaringType == p.HandleType)
}

// ReferencesProbes reports if the body calls any member of the probe runtime.
func (p *ProbeRefs) ReferencesProbes(body *MethodBody) bool {
	if body == nil {
		return false
	}
	for _, ins := range body.instrs {
		if ins.OpCode.IsCall() && p.IsProbeMember(ins.Member) {
			return true
		}
	}
	return false
}

// sameMember compares by identity key so references from another table still match.
func sameMember(a, b *MemberRef) bool {
	return a != nil && b != nil && (a == b || a.Key() == b.Key())
}
