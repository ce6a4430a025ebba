package classfile

import (
	"encoding/binary"
	"testing"

	"github.com/SwitchGDX/clearwing-vm/fault"
)

// ---------------------------------------------------------------------------
// Synthetic class-file builder
// ---------------------------------------------------------------------------

// cpBuilder accumulates constant pool entries for a hand-built class file.
type cpBuilder struct {
	entries [][]byte
	next    uint16
}

func newCPBuilder() *cpBuilder {
	return &cpBuilder{next: 1}
}

func (b *cpBuilder) add(entry []byte, slots uint16) uint16 {
	idx := b.next
	b.entries = append(b.entries, entry)
	b.next += slots
	return idx
}

func (b *cpBuilder) utf8(s string) uint16 {
	e := []byte{TagUtf8}
	e = append(e, u2(uint16(len(s)))...)
	e = append(e, s...)
	return b.add(e, 1)
}

func (b *cpBuilder) class(name string) uint16 {
	ni := b.utf8(name)
	return b.add(append([]byte{TagClass}, u2(ni)...), 1)
}

func (b *cpBuilder) integer(v int32) uint16 {
	e := []byte{TagInteger}
	e = append(e, u4(uint32(v))...)
	return b.add(e, 1)
}

func (b *cpBuilder) str(s string) uint16 {
	si := b.utf8(s)
	return b.add(append([]byte{TagString}, u2(si)...), 1)
}

func (b *cpBuilder) nameAndType(name, desc string) uint16 {
	ni, di := b.utf8(name), b.utf8(desc)
	e := append([]byte{TagNameAndType}, u2(ni)...)
	return b.add(append(e, u2(di)...), 1)
}

func (b *cpBuilder) methodref(class, name, desc string) uint16 {
	ci := b.class(class)
	nt := b.nameAndType(name, desc)
	e := append([]byte{TagMethodref}, u2(ci)...)
	return b.add(append(e, u2(nt)...), 1)
}

func (b *cpBuilder) bytes() []byte {
	out := u2(b.next)
	for _, e := range b.entries {
		out = append(out, e...)
	}
	return out
}

func u2(v uint16) []byte {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return buf[:]
}

func u4(v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return buf[:]
}

// rawMember builds a field_info/method_info blob.
type rawMember struct {
	access uint16
	name   uint16
	desc   uint16
	attrs  [][]byte
}

func (m rawMember) bytes() []byte {
	out := u2(m.access)
	out = append(out, u2(m.name)...)
	out = append(out, u2(m.desc)...)
	out = append(out, u2(uint16(len(m.attrs)))...)
	for _, a := range m.attrs {
		out = append(out, a...)
	}
	return out
}

// attr builds an attribute blob.
func attr(cp *cpBuilder, name string, payload []byte) []byte {
	out := u2(cp.utf8(name))
	out = append(out, u4(uint32(len(payload)))...)
	return append(out, payload...)
}

// codeAttr builds a Code attribute payload around raw code bytes.
func codeAttr(cp *cpBuilder, maxStack, maxLocals uint16, code []byte) []byte {
	payload := u2(maxStack)
	payload = append(payload, u2(maxLocals)...)
	payload = append(payload, u4(uint32(len(code)))...)
	payload = append(payload, code...)
	payload = append(payload, u2(0)...) // exception table
	payload = append(payload, u2(0)...) // attributes
	return attr(cp, "Code", payload)
}

// buildClass assembles a whole class file.
func buildClass(cp *cpBuilder, access, this, super uint16, fields, methods []rawMember) []byte {
	out := u4(ClassMagic)
	out = append(out, u2(0)...)  // minor
	out = append(out, u2(52)...) // major
	out = append(out, cp.bytes()...)
	out = append(out, u2(access)...)
	out = append(out, u2(this)...)
	out = append(out, u2(super)...)
	out = append(out, u2(0)...) // interfaces
	out = append(out, u2(uint16(len(fields)))...)
	for _, f := range fields {
		out = append(out, f.bytes()...)
	}
	out = append(out, u2(uint16(len(methods)))...)
	for _, m := range methods {
		out = append(out, m.bytes()...)
	}
	out = append(out, u2(0)...) // class attributes
	return out
}

// ---------------------------------------------------------------------------
// Round trip
// ---------------------------------------------------------------------------

// TestParseRoundTrip checks that parsing preserves member names,
// descriptors, access flags, and declaration order.
func TestParseRoundTrip(t *testing.T) {
	cp := newCPBuilder()
	this := cp.class("com/example/Point")
	super := cp.class("java/lang/Object")
	fx := cp.class("com/example/Point")
	nt := cp.nameAndType("x", "I")
	fieldref := cp.add(append(append([]byte{TagFieldref}, u2(fx)...), u2(nt)...), 1)

	fields := []rawMember{
		{access: 0x0002, name: cp.utf8("x"), desc: cp.utf8("I")},
		{access: 0x0002, name: cp.utf8("y"), desc: cp.utf8("I")},
		{access: 0x0018, name: cp.utf8("ORIGIN"), desc: cp.utf8("Lcom/example/Point;")},
	}
	code := []byte{byte(OpAload0), byte(OpGetfield)}
	code = append(code, u2(fieldref)...)
	code = append(code, byte(OpIreturn))
	methods := []rawMember{
		{access: 0x0001, name: cp.utf8("getX"), desc: cp.utf8("()I"),
			attrs: [][]byte{codeAttr(cp, 1, 1, code)}},
	}

	data := buildClass(cp, 0x0021, this, super, fields, methods)
	cf, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cf.ThisClass != "com/example/Point" {
		t.Errorf("ThisClass = %q", cf.ThisClass)
	}
	if cf.SuperClass != "java/lang/Object" {
		t.Errorf("SuperClass = %q", cf.SuperClass)
	}
	if cf.Access != 0x0021 {
		t.Errorf("Access = %#x", cf.Access)
	}

	wantFields := []struct {
		name, desc string
		access     uint16
	}{
		{"x", "I", 0x0002},
		{"y", "I", 0x0002},
		{"ORIGIN", "Lcom/example/Point;", 0x0018},
	}
	if len(cf.Fields) != len(wantFields) {
		t.Fatalf("got %d fields", len(cf.Fields))
	}
	for i, w := range wantFields {
		f := cf.Fields[i]
		if f.Name != w.name || f.Desc != w.desc || f.Access != w.access {
			t.Errorf("field %d = %q %q %#x, want %q %q %#x", i, f.Name, f.Desc, f.Access, w.name, w.desc, w.access)
		}
	}

	if len(cf.Methods) != 1 {
		t.Fatalf("got %d methods", len(cf.Methods))
	}
	m := cf.Methods[0]
	if m.Name != "getX" || m.Desc != "()I" {
		t.Errorf("method = %q %q", m.Name, m.Desc)
	}
	if m.Code == nil {
		t.Fatal("method has no code")
	}
	if m.Code.MaxStack != 1 || m.Code.MaxLocals != 1 {
		t.Errorf("max stack/locals = %d/%d", m.Code.MaxStack, m.Code.MaxLocals)
	}
	if len(m.Code.Instructions) != 3 {
		t.Fatalf("decoded %d instructions: %s", len(m.Code.Instructions), Disassemble(m.Code.Instructions))
	}
	if m.Code.Instructions[1].Op != OpGetfield {
		t.Errorf("instruction 1 = %v", m.Code.Instructions[1].Op)
	}
	ref := m.Code.Instructions[1].Member
	if ref.Class != "com/example/Point" || ref.Name != "x" || ref.Desc != "I" {
		t.Errorf("field ref = %+v", ref)
	}
}

// ---------------------------------------------------------------------------
// Failure modes
// ---------------------------------------------------------------------------

func TestParseBadMagic(t *testing.T) {
	data := append(u4(0xDEADBEEF), u2(0)...)
	if _, err := Parse(data); !fault.IsKind(err, fault.MalformedInput) {
		t.Errorf("bad magic: got %v", err)
	}
}

func TestParseTruncated(t *testing.T) {
	cp := newCPBuilder()
	this := cp.class("A")
	super := cp.class("java/lang/Object")
	data := buildClass(cp, 0x0021, this, super, nil, nil)
	for _, cut := range []int{3, 9, len(data) / 2, len(data) - 1} {
		if _, err := Parse(data[:cut]); !fault.IsKind(err, fault.MalformedInput) {
			t.Errorf("truncated at %d: got %v", cut, err)
		}
	}
}

func TestParseConstantValue(t *testing.T) {
	cp := newCPBuilder()
	this := cp.class("A")
	super := cp.class("java/lang/Object")
	cvIdx := cp.integer(42)
	fields := []rawMember{
		{access: 0x0019, name: cp.utf8("N"), desc: cp.utf8("I"),
			attrs: [][]byte{attr(cp, "ConstantValue", u2(cvIdx))}},
	}
	data := buildClass(cp, 0x0021, this, super, fields, nil)
	cf, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := cf.Fields[0].ConstValue.(int32); !ok || got != 42 {
		t.Errorf("ConstValue = %v", cf.Fields[0].ConstValue)
	}
}

func TestParseStringConstant(t *testing.T) {
	cp := newCPBuilder()
	this := cp.class("A")
	super := cp.class("java/lang/Object")
	sIdx := cp.str("hello")
	fields := []rawMember{
		{access: 0x0019, name: cp.utf8("S"), desc: cp.utf8("Ljava/lang/String;"),
			attrs: [][]byte{attr(cp, "ConstantValue", u2(sIdx))}},
	}
	data := buildClass(cp, 0x0021, this, super, fields, nil)
	cf, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	sc, ok := cf.Fields[0].ConstValue.(StringConst)
	if !ok || sc.Value != "hello" {
		t.Errorf("ConstValue = %v", cf.Fields[0].ConstValue)
	}
}
