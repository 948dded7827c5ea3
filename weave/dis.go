package weave

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/pmezard/go-difflib/difflib"
)

// DisInstruction is one line of a disassembled body.
type DisInstruction struct {
	Offset  int
	Name    string
	Operand string
	Kind    OperandKind
}

// Disassemble renders the body with byte offsets, resolving labels to the offset of their targets.
func Disassemble(body *MethodBody) []DisInstruction {
	offsets := body.Offsets()
	labelText := func(l *Label) string {
		if l == nil {
			return "<nil>"
		}
		if i := body.Resolve(l); i >= 0 {
			return ilOffset(offsets[i])
		}
		return "<removed>"
	}

	result := make([]DisInstruction, len(body.instrs))
	for i, ins := range body.instrs {
		d := DisInstruction{Offset: offsets[i], Name: ins.OpCode.String(), Kind: ins.OpCode.OperandKind()}
		switch d.Kind {
		case OperandInt:
			d.Operand = strconv.FormatInt(ins.Int, 10)
		case OperandString:
			d.Operand = strconv.Quote(ins.Str)
		case OperandLocal:
			if opInfos[ins.OpCode].index < 0 {
				d.Operand = "V_" + strconv.Itoa(ins.Index)
			}
		case OperandArg:
			if opInfos[ins.OpCode].index < 0 {
				d.Operand = "A_" + strconv.Itoa(ins.Index)
			}
		case OperandMember:
			if ins.Member != nil {
				d.Operand = ins.Member.String()
			}
		case OperandLabel:
			d.Operand = labelText(ins.Target)
		}
		result[i] = d
	}
	return result
}

func ilOffset(off int) string {
	return fmt.Sprintf("IL_%04x", off)
}

type disPalette struct {
	opcode, literal, str, member, label, meta func(a ...interface{}) string
}

func newPalette(colorize bool) disPalette {
	if !colorize {
		plain := fmt.Sprint
		return disPalette{plain, plain, plain, plain, plain, plain}
	}
	return disPalette{
		opcode:  color.New(color.Bold).SprintFunc(),
		literal: color.New(color.FgYellow).SprintFunc(),
		str:     color.New(color.FgGreen).SprintFunc(),
		member:  color.New(color.FgMagenta).SprintFunc(),
		label:   color.New(color.FgHiCyan).SprintFunc(),
		meta:    color.New(color.FgHiBlack).SprintFunc(),
	}
}

// WriteDisassembly writes a listing of the method: locals, instructions and the exception table.
func WriteDisassembly(w io.Writer, m *MethodDef, colorize bool) error {
	p := newPalette(colorize)
	var sb strings.Builder
	sb.WriteString(p.meta(".method " + m.FullName()))
	sb.WriteByte('\n')
	body := m.Body
	if body == nil {
		sb.WriteString(p.meta("  // no body"))
		sb.WriteByte('\n')
		_, err := io.WriteString(w, sb.String())
		return err
	}

	if len(body.locals) > 0 {
		locals := make([]string, len(body.locals))
		for i, l := range body.locals {
			locals[i] = fmt.Sprintf("[%d] %s", l.Index, l.Type)
		}
		sb.WriteString(p.meta("  .locals (" + strings.Join(locals, ", ") + ")"))
		sb.WriteByte('\n')
	}
	for _, d := range Disassemble(body) {
		sb.WriteString("  ")
		sb.WriteString(p.label(ilOffset(d.Offset) + ":"))
		sb.WriteByte(' ')
		sb.WriteString(p.opcode(fmt.Sprintf("%-10s", d.Name)))
		if d.Operand != "" {
			sb.WriteByte(' ')
			switch d.Kind {
			case OperandInt:
				sb.WriteString(p.literal(d.Operand))
			case OperandString:
				sb.WriteString(p.str(d.Operand))
			case OperandMember:
				sb.WriteString(p.member(d.Operand))
			case OperandLabel:
				sb.WriteString(p.label(d.Operand))
			default:
				sb.WriteString(d.Operand)
			}
		}
		sb.WriteString("\n")
	}
	offsets := body.Offsets()
	at := func(l *Label) string {
		return ilOffset(offsets[body.Resolve(l)])
	}
	for _, r := range body.regions {
		line := fmt.Sprintf("  .try %s to %s %s", at(r.TryStart), at(r.TryEnd), r.Kind)
		if r.CatchType != "" {
			line += " " + r.CatchType
		}
		line += fmt.Sprintf(" handler %s to %s", at(r.HandlerStart), at(r.HandlerEnd))
		sb.WriteString(p.meta(line))
		sb.WriteByte('\n')
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

// DisassemblyText returns the uncolored listing of the method.
func DisassemblyText(m *MethodDef) string {
	var sb strings.Builder
	_ = WriteDisassembly(&sb, m, false)
	return sb.String()
}

// DiffDisassembly returns a unified diff between two listings of the same method.
func DiffDisassembly(name, before, after string) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: name + " (original)",
		ToFile:   name + " (woven)",
		Context:  2,
	})
}
