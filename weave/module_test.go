package weave

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleImportMember(t *testing.T) {
	t.Parallel()

	mod := &Module{Name: "M"}
	ref := MemberRef{DeclaringType: "System.String", Name: "Concat", ParamCount: 3, ReturnsValue: true}
	first := mod.ImportMember(ref)
	assert.Same(t, first, mod.ImportMember(ref))
	require.Len(t, mod.MemberRefs, 1)

	overload := ref
	overload.ParamCount = 2
	assert.NotSame(t, first, mod.ImportMember(overload))
	assert.Len(t, mod.MemberRefs, 2)

	// tables assigned directly, as a decoder does, are indexed on first use
	decoded := &Module{MemberRefs: []*MemberRef{first}}
	assert.Same(t, first, decoded.ImportMember(ref))
}

func TestModulePruneMemberRefs(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	b := NewMethodBody()
	b.Append(LdcI4(1), Call(f.log), Ret())
	f.static("UsesLog", "", b)
	f.typ.AddMethod(&MethodDef{Name: "Abstract", IsAbstract: true})

	removed := f.mod.PruneMemberRefs()
	assert.Equal(t, []*MemberRef{f.log}, f.mod.MemberRefs)
	assert.Positive(t, removed)
	assert.Zero(t, f.mod.PruneMemberRefs())

	again := f.mod.ImportMember(*f.add)
	assert.NotSame(t, f.add, again)
	assert.Len(t, f.mod.MemberRefs, 2)
}

func TestResolveProbeRefs(t *testing.T) {
	t.Parallel()

	t.Run("resolved", func(t *testing.T) {
		mod := &Module{Name: "Game", References: []string{"TracyNET"}}
		defaults := DefaultProbeRefs()
		probes, err := ResolveProbeRefs(mod, defaults, true)
		require.NoError(t, err)
		assert.Len(t, mod.MemberRefs, len(defaults.members()))
		assert.Same(t, probes.Begin, mod.ImportMember(*defaults.Begin))
		assert.NotSame(t, defaults.Begin, probes.Begin)
	})

	t.Run("library_missing", func(t *testing.T) {
		mod := &Module{Name: "Game"}
		_, err := ResolveProbeRefs(mod, DefaultProbeRefs(), true)
		assert.ErrorIs(t, err, ErrProbeUnresolved)
		assert.ErrorContains(t, err, "does not reference TracyNET")

		_, err = ResolveProbeRefs(mod, DefaultProbeRefs(), false)
		assert.NoError(t, err)
	})

	t.Run("incomplete", func(t *testing.T) {
		probes := DefaultProbeRefs()
		probes.SetColor = nil
		_, err := ResolveProbeRefs(&Module{References: []string{"TracyNET"}}, probes, true)
		assert.ErrorIs(t, err, ErrProbeUnresolved)
	})
}

func TestProbeRefsMembership(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	assert.True(t, f.probes.IsProbeMember(f.probes.Begin))
	assert.True(t, f.probes.IsProbeMember(f.probes.Dispose))
	assert.False(t, f.probes.IsProbeMember(f.probes.Concat3))
	assert.False(t, f.probes.IsProbeMember(f.log))
	assert.False(t, f.probes.IsProbeMember(nil))

	assert.False(t, f.probes.ReferencesProbes(nil))
	assert.False(t, f.probes.ReferencesProbes(f.twoReturnBody()))
	b := NewMethodBody()
	b.Append(Ldloca(0), Call(f.probes.End), Ret())
	assert.True(t, f.probes.ReferencesProbes(b))

	foreign := *f.probes.End
	assert.True(t, sameMember(f.probes.End, &foreign))
	assert.False(t, sameMember(f.probes.End, nil))
}

func TestMethodDef(t *testing.T) {
	t.Parallel()

	typ := &TypeDef{Name: "Global"}
	m := typ.AddMethod(&MethodDef{Name: "Run", ReturnType: "void", Attributes: []*Attribute{
		{Type: "A"}, {Type: "B"}, {Type: "A"},
	}})
	assert.Equal(t, "Global::Run", m.FullName())
	assert.Equal(t, "Run", (&MethodDef{Name: "Run"}).FullName())
	assert.False(t, m.ReturnsValue())
	assert.True(t, (&MethodDef{ReturnType: "int32"}).ReturnsValue())

	assert.NotNil(t, m.Attribute("B"))
	assert.True(t, m.RemoveAttributes("A"))
	assert.False(t, m.RemoveAttributes("A"))
	require.Len(t, m.Attributes, 1)
	assert.Equal(t, "B", m.Attributes[0].Type)
}
