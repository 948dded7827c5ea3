package weave

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/mod/semver"
)

// ContainerFormatVersion is the version written into module containers. Containers with the same major
// version are readable.
const ContainerFormatVersion = "v1.1.0"

// ContainerExt is the file extension of module containers.
const ContainerExt = ".zwm"

const containerMagic = "ZWM1"

const flagCompressed byte = 1 << 0

var (
	// ErrInvalidContainer is returned when a module container cannot be parsed.
	ErrInvalidContainer = errors.New("invalid module container")
	// ErrUnsupportedFormat is returned for containers written by an incompatible format version.
	ErrUnsupportedFormat = errors.New("unsupported container format")
)

type containerHeader struct {
	FormatVersion string `msgpack:"v"`
	Name          string `msgpack:"n"`
}

type encModule struct {
	References []string     `msgpack:"refs"`
	Members    []*MemberRef `msgpack:"members"`
	Types      []encType    `msgpack:"types"`
}

type encType struct {
	Namespace   string      `msgpack:"ns,omitempty"`
	Name        string      `msgpack:"name"`
	IsValueType bool        `msgpack:"vt,omitempty"`
	Methods     []encMethod `msgpack:"methods"`
}

type encMethod struct {
	Name       string         `msgpack:"name"`
	IsStatic   bool           `msgpack:"static,omitempty"`
	IsVirtual  bool           `msgpack:"virtual,omitempty"`
	IsAbstract bool           `msgpack:"abstract,omitempty"`
	ReturnType string         `msgpack:"ret,omitempty"`
	Attributes []*Attribute   `msgpack:"attrs,omitempty"`
	Source     *SourceMapping `msgpack:"src,omitempty"`
	Body       *encBody       `msgpack:"body,omitempty"`
}

type encBody struct {
	InitLocals bool             `msgpack:"init"`
	Instrs     []encInstruction `msgpack:"code"`
	// Labels holds the target instruction index of each label, -1 for the end of the body.
	Labels  []int       `msgpack:"labels"`
	Locals  []encLocal  `msgpack:"locals,omitempty"`
	Regions []encRegion `msgpack:"regions,omitempty"`
}

type encInstruction struct {
	Op    OpCode `msgpack:"o"`
	Int   int64  `msgpack:"i,omitempty"`
	Str   string `msgpack:"s,omitempty"`
	Index int    `msgpack:"x,omitempty"`
	// Member and Label are stored one based so that zero means absent.
	Member int `msgpack:"m,omitempty"`
	Label  int `msgpack:"l,omitempty"`
}

type encLocal struct {
	Type string `msgpack:"t"`
	Name string `msgpack:"n,omitempty"`
}

type encRegion struct {
	Kind         RegionKind `msgpack:"k"`
	TryStart     int        `msgpack:"ts"`
	TryEnd       int        `msgpack:"te"`
	HandlerStart int        `msgpack:"hs"`
	HandlerEnd   int        `msgpack:"he"`
	FilterStart  int        `msgpack:"fs,omitempty"`
	CatchType    string     `msgpack:"ct,omitempty"`
}

// encodeBody flattens pointer identity into table indices.
func encodeBody(b *MethodBody, members map[*MemberRef]int) (*encBody, error) {
	eb := &encBody{
		InitLocals: b.InitLocals,
		Instrs:     make([]encInstruction, len(b.instrs)),
		Labels:     make([]int, len(b.labels)),
	}
	labelIdx := make(map[*Label]int, len(b.labels))
	for i, l := range b.labels {
		labelIdx[l] = i + 1
		if l.target == nil {
			eb.Labels[i] = -1
		} else if t := b.IndexOf(l.target); t >= 0 {
			eb.Labels[i] = t
		} else {
			return nil, fmt.Errorf("label %d targets an instruction outside the body", i)
		}
	}
	for i, ins := range b.instrs {
		ei := encInstruction{Op: ins.OpCode, Int: ins.Int, Str: ins.Str, Index: ins.Index}
		if ins.Member != nil {
			mi, ok := members[ins.Member]
			if !ok {
				return nil, fmt.Errorf("instruction %d: member %s missing from module table", i, ins.Member)
			}
			ei.Member = mi + 1
		}
		if ins.Target != nil {
			li, ok := labelIdx[ins.Target]
			if !ok {
				return nil, fmt.Errorf("instruction %d: label not owned by body", i)
			}
			ei.Label = li
		}
		eb.Instrs[i] = ei
	}
	for _, l := range b.locals {
		eb.Locals = append(eb.Locals, encLocal{Type: l.Type, Name: l.Name})
	}
	for i, r := range b.regions {
		er := encRegion{
			Kind:         r.Kind,
			TryStart:     labelIdx[r.TryStart],
			TryEnd:       labelIdx[r.TryEnd],
			HandlerStart: labelIdx[r.HandlerStart],
			HandlerEnd:   labelIdx[r.HandlerEnd],
			CatchType:    r.CatchType,
		}
		if r.FilterStart != nil {
			er.FilterStart = labelIdx[r.FilterStart]
		}
		if er.TryStart == 0 || er.TryEnd == 0 || er.HandlerStart == 0 || er.HandlerEnd == 0 {
			return nil, fmt.Errorf("region %d: boundary label not owned by body", i)
		}
		eb.Regions = append(eb.Regions, er)
	}
	return eb, nil
}

// decodeBody rebuilds a body, restoring label and member pointer identity.
func decodeBody(eb *encBody, members []*MemberRef) (*MethodBody, error) {
	b := NewMethodBody()
	b.InitLocals = eb.InitLocals
	b.instrs = make([]*Instruction, len(eb.Instrs))
	for i := range eb.Instrs {
		b.instrs[i] = &Instruction{}
	}
	for i, t := range eb.Labels {
		switch {
		case t == -1:
			b.NewLabel(nil)
		case t >= 0 && t < len(b.instrs):
			b.NewLabel(b.instrs[t])
		default:
			return nil, fmt.Errorf("%w: label %d target %d out of range", ErrInvalidContainer, i, t)
		}
	}
	label := func(idx int) (*Label, error) {
		if idx < 1 || idx > len(b.labels) {
			return nil, fmt.Errorf("%w: label reference %d out of range", ErrInvalidContainer, idx)
		}
		return b.labels[idx-1], nil
	}
	for i, ei := range eb.Instrs {
		if !ei.Op.Valid() {
			return nil, fmt.Errorf("%w: instruction %d has invalid opcode %d", ErrInvalidContainer, i, ei.Op)
		}
		ins := b.instrs[i]
		ins.OpCode, ins.Int, ins.Str, ins.Index = ei.Op, ei.Int, ei.Str, ei.Index
		if ei.Member != 0 {
			if ei.Member < 1 || ei.Member > len(members) {
				return nil, fmt.Errorf("%w: member reference %d out of range", ErrInvalidContainer, ei.Member)
			}
			ins.Member = members[ei.Member-1]
		}
		if ei.Label != 0 {
			l, err := label(ei.Label)
			if err != nil {
				return nil, err
			}
			ins.Target = l
		}
	}
	for _, el := range eb.Locals {
		l := b.AddLocal(el.Type)
		l.Name = el.Name
	}
	for _, er := range eb.Regions {
		r := &Region{Kind: er.Kind, CatchType: er.CatchType}
		var err error
		for _, bound := range []struct {
			dst **Label
			idx int
		}{{&r.TryStart, er.TryStart}, {&r.TryEnd, er.TryEnd}, {&r.HandlerStart, er.HandlerStart}, {&r.HandlerEnd, er.HandlerEnd}} {
			if *bound.dst, err = label(bound.idx); err != nil {
				return nil, err
			}
		}
		if er.FilterStart != 0 {
			if r.FilterStart, err = label(er.FilterStart); err != nil {
				return nil, err
			}
		}
		b.AddRegion(r)
	}
	return b, nil
}

// EncodeModule serializes a module into the container format.
func EncodeModule(mod *Module) ([]byte, error) {
	members := mod.memberIndexes()
	em := encModule{References: mod.References, Members: mod.MemberRefs}
	for _, t := range mod.Types {
		et := encType{Namespace: t.Namespace, Name: t.Name, IsValueType: t.IsValueType}
		for _, m := range t.Methods {
			emth := encMethod{
				Name:       m.Name,
				IsStatic:   m.IsStatic,
				IsVirtual:  m.IsVirtual,
				IsAbstract: m.IsAbstract,
				ReturnType: m.ReturnType,
				Attributes: m.Attributes,
				Source:     m.Source,
			}
			if m.Body != nil {
				eb, err := encodeBody(m.Body, members)
				if err != nil {
					return nil, fmt.Errorf("encode %s: %w", m.FullName(), err)
				}
				emth.Body = eb
			}
			et.Methods = append(et.Methods, emth)
		}
		em.Types = append(em.Types, et)
	}

	payload, err := marshalMsgpack(&em)
	if err != nil {
		return nil, err
	}
	header, err := marshalMsgpack(&containerHeader{FormatVersion: ContainerFormatVersion, Name: mod.Name})
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(containerMagic)+len(header)+len(payload)/2+16)
	out = append(out, containerMagic...)
	out = append(out, flagCompressed)
	out = binary.AppendUvarint(out, uint64(len(header)))
	out = append(out, header...)
	return ZstdCompress(out, payload)
}

// DecodeModule parses a module container.
func DecodeModule(data []byte) (*Module, error) {
	if len(data) < len(containerMagic)+2 || string(data[:len(containerMagic)]) != containerMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidContainer)
	}
	flags := data[len(containerMagic)]
	rest := data[len(containerMagic)+1:]
	headerLen, n := binary.Uvarint(rest)
	if n <= 0 || uint64(len(rest)-n) < headerLen {
		return nil, fmt.Errorf("%w: truncated header", ErrInvalidContainer)
	}
	var header containerHeader
	if err := msgpack.Unmarshal(rest[n:n+int(headerLen)], &header); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrInvalidContainer, err)
	}
	if !semver.IsValid(header.FormatVersion) ||
		semver.Major(header.FormatVersion) != semver.Major(ContainerFormatVersion) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, header.FormatVersion)
	}

	payload := rest[n+int(headerLen):]
	if flags&flagCompressed != 0 {
		var err error
		if payload, err = ZstdDecompress(nil, payload); err != nil {
			return nil, fmt.Errorf("%w: payload: %w", ErrInvalidContainer, err)
		}
	}
	var em encModule
	if err := msgpack.Unmarshal(payload, &em); err != nil {
		return nil, fmt.Errorf("%w: payload: %w", ErrInvalidContainer, err)
	}

	mod := &Module{
		Name:          header.Name,
		FormatVersion: header.FormatVersion,
		References:    em.References,
		MemberRefs:    em.Members,
	}
	for _, et := range em.Types {
		t := mod.AddType(&TypeDef{Namespace: et.Namespace, Name: et.Name, IsValueType: et.IsValueType})
		for _, emth := range et.Methods {
			m := t.AddMethod(&MethodDef{
				Name:       emth.Name,
				IsStatic:   emth.IsStatic,
				IsVirtual:  emth.IsVirtual,
				IsAbstract: emth.IsAbstract,
				ReturnType: emth.ReturnType,
				Attributes: emth.Attributes,
				Source:     emth.Source,
			})
			if emth.Body != nil {
				body, err := decodeBody(emth.Body, mod.MemberRefs)
				if err != nil {
					return nil, fmt.Errorf("decode %s: %w", m.FullName(), err)
				}
				m.Body = body
			}
		}
	}
	return mod, nil
}

func marshalMsgpack(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(&buf)
	enc.SetOmitEmpty(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadModuleFile loads a module container from disk.
func ReadModuleFile(path string) (*Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	mod, err := DecodeModule(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return mod, nil
}

// WriteModuleFile encodes the module and replaces the file at path. The container is written to a side
// file in the same directory first, so a failure leaves any existing file intact. The permission bits of an
// existing file are kept and new files are created with mode 0644.
func WriteModuleFile(path string, mod *Module) error {
	data, err := EncodeModule(mod)
	if err != nil {
		return err
	}
	perm := os.FileMode(0644)
	if info, serr := os.Stat(path); serr == nil {
		perm = info.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if err = tmp.Chmod(perm); err == nil {
		if _, err = tmp.Write(data); err == nil {
			err = tmp.Sync()
		}
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err = replaceFile(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
