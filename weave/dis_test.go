package weave

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisassemble(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	b := f.twoReturnBody()
	lines := Disassemble(b)
	require.Len(t, lines, b.Len())

	assert.Equal(t, DisInstruction{Offset: 0, Name: "ldarg.0", Kind: OperandArg}, lines[0])
	assert.Equal(t, "brtrue.s", lines[1].Name)
	assert.Equal(t, "IL_0004", lines[1].Operand)
	assert.Equal(t, 4, lines[3].Offset)
	assert.Equal(t, "1", lines[3].Operand)
	assert.Equal(t, f.log.String(), lines[4].Operand)

	b.Append(Branch(OpBr, b.NewLabel(nil)))
	// an unmarked label refers to the end of the body
	assert.Equal(t, ilOffset(b.CodeSize()), Disassemble(b)[b.Len()-1].Operand)
}

func TestWriteDisassembly(t *testing.T) {
	t.Parallel()

	t.Run("with_regions", func(t *testing.T) {
		f := newFixture(t)
		m := f.static("Compute", "int32", f.valueBody())
		require.NoError(t, InjectZone(m, defaultDescriptor(m, Options{}), f.probes))

		text := DisassemblyText(m)
		assert.True(t, strings.HasPrefix(text, ".method Sample.Widget::Compute\n"))
		assert.Contains(t, text, ".locals ([0] int32, [1] "+f.probes.HandleType+", [2] int32)")
		assert.Contains(t, text, `ldstr      "Widget::Compute"`)
		assert.Contains(t, text, "finally handler IL_")
		assert.Contains(t, text, f.probes.Begin.String())
	})

	t.Run("no_body", func(t *testing.T) {
		text := DisassemblyText(&MethodDef{Name: "Draw", IsAbstract: true, DeclaringType: &TypeDef{Namespace: "Sample", Name: "Widget"}})
		assert.Equal(t, ".method Sample.Widget::Draw\n  // no body\n", text)
	})

	t.Run("colorized", func(t *testing.T) {
		saved := color.NoColor
		color.NoColor = false
		defer func() { color.NoColor = saved }()

		f := newFixture(t)
		m := f.static("Toggle", "", f.twoReturnBody())
		var buf bytes.Buffer
		require.NoError(t, WriteDisassembly(&buf, m, true))
		assert.Contains(t, buf.String(), "\x1b[")
		assert.NotEqual(t, DisassemblyText(m), buf.String())
	})
}

func TestDiffDisassembly(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.static("Toggle", "void", f.twoReturnBody())
	before := DisassemblyText(m)
	require.NoError(t, InjectZone(m, defaultDescriptor(m, Options{}), f.probes))

	diff, err := DiffDisassembly(m.FullName(), before, DisassemblyText(m))
	require.NoError(t, err)
	assert.Contains(t, diff, "--- Sample.Widget::Toggle (original)")
	assert.Contains(t, diff, "+++ Sample.Widget::Toggle (woven)")
	assert.Contains(t, diff, "+  .try")

	same, err := DiffDisassembly(m.FullName(), before, before)
	require.NoError(t, err)
	assert.Empty(t, same)
}
