package emit

import (
	"bytes"
	"strconv"
	"strings"
	"testing"

	"github.com/SwitchGDX/clearwing-vm/classfile"
	"github.com/SwitchGDX/clearwing-vm/link"
	"github.com/SwitchGDX/clearwing-vm/model"
	"github.com/SwitchGDX/clearwing-vm/tir"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

func rootClass() *model.Class {
	return &model.Class{
		Name:   model.RootClass,
		Kind:   model.ClassKindClass,
		Access: model.AccPublic | model.AccSuper,
		ID:     -1,
	}
}

func cls(name, super string) *model.Class {
	return &model.Class{
		Name:      name,
		Kind:      model.ClassKindClass,
		SuperName: super,
		Access:    model.AccPublic | model.AccSuper,
		ID:        -1,
	}
}

func addMethod(c *model.Class, name, desc string, access int, code []classfile.Instruction) *model.Method {
	params, ret, _ := model.ParseMethodDescriptor(desc)
	m := &model.Method{
		Owner:    c,
		Name:     name,
		EmitName: model.MethodEmitName(name, desc),
		Access:   access,
		Desc:     desc,
		Params:   params,
		Return:   ret,
		Code:     code,
		VSlot:    -1,
	}
	m.MaxLocals = m.ArgSlots() + 4
	m.MaxStack = 8
	c.Methods = append(c.Methods, m)
	return m
}

func retConst(v classfile.Opcode) []classfile.Instruction {
	return []classfile.Instruction{
		{Offset: 0, Op: v},
		{Offset: 1, Op: classfile.OpIreturn},
	}
}

// overrideProgram builds the override-dispatch scenario: A declares f, B
// overrides it, Main calls through an A-typed value.
func overrideProgram(t *testing.T) *model.Program {
	t.Helper()
	a := cls("A", model.RootClass)
	addMethod(a, "f", "()I", model.AccPublic, retConst(classfile.OpIconst1))
	b := cls("B", "A")
	addMethod(b, "f", "()I", model.AccPublic, retConst(classfile.OpIconst2))
	main := cls("Main", model.RootClass)
	addMethod(main, "call", "(LA;)I", model.AccPublic|model.AccStatic, []classfile.Instruction{
		{Offset: 0, Op: classfile.OpAload, Index: 0},
		{Offset: 1, Op: classfile.OpInvokevirtual, Member: classfile.MemberRef{Class: "A", Name: "f", Desc: "()I"}},
		{Offset: 4, Op: classfile.OpIreturn},
	})

	p := model.NewProgram()
	p.Add(rootClass())
	p.Add(a)
	p.Add(b)
	p.Add(main)
	if err := link.Resolve(p, link.Options{KeepAll: true}); err != nil {
		t.Fatal(err)
	}
	lowerAllFor(t, p)
	return p
}

func lowerAllFor(t *testing.T, p *model.Program) {
	t.Helper()
	for _, c := range p.Classes() {
		for _, m := range c.Methods {
			if _, err := tir.Lower(p, m); err != nil {
				t.Fatalf("Lower(%s): %v", m, err)
			}
		}
	}
}

func unitsFor(t *testing.T, p *model.Program, name string, opts Options) (Unit, Unit) {
	t.Helper()
	h, s, err := ClassUnits(p, p.Lookup(name), opts)
	if err != nil {
		t.Fatalf("ClassUnits(%s): %v", name, err)
	}
	return h, s
}

// ---------------------------------------------------------------------------
// Override dispatch
// ---------------------------------------------------------------------------

func TestVirtualCallUsesVTableIndirection(t *testing.T) {
	p := overrideProgram(t)
	opts := Options{ABI: "sjlj"}
	_, src := unitsFor(t, p, "Main", opts)
	text := string(src.Contents)

	if !strings.Contains(text, "clw_vtable_of") {
		t.Error("call site should dispatch through the v-table")
	}
	directSym := model.MangleMethod("A", "f", "()I")
	if strings.Contains(text, directSym+"(") {
		t.Errorf("call site references %s directly", directSym)
	}
}

func TestVTableInstancesPopulated(t *testing.T) {
	p := overrideProgram(t)
	opts := Options{ABI: "sjlj"}
	_, aSrc := unitsFor(t, p, "A", opts)
	_, bSrc := unitsFor(t, p, "B", opts)

	aSym := model.MangleMethod("A", "f", "()I")
	bSym := model.MangleMethod("B", "f", "()I")
	if !strings.Contains(string(aSrc.Contents), "&"+aSym) {
		t.Error("A's v-table should point at A.f")
	}
	if !strings.Contains(string(bSrc.Contents), "&"+bSym) {
		t.Error("B's v-table should point at B.f")
	}
}

// ---------------------------------------------------------------------------
// Declaration unit structure
// ---------------------------------------------------------------------------

func TestHeaderCarriesFlattenedLayout(t *testing.T) {
	a := cls("A", model.RootClass)
	a.Fields = append(a.Fields, &model.Field{
		Owner: a, Name: "x", EmitName: "x", Desc: "I", Type: model.Int, Slot: -1,
	})
	b := cls("B", "A")
	b.Fields = append(b.Fields, &model.Field{
		Owner: b, Name: "y", EmitName: "y", Desc: "J", Type: model.Long, Slot: -1,
	})
	p := model.NewProgram()
	p.Add(rootClass())
	p.Add(a)
	p.Add(b)
	if err := link.Resolve(p, link.Options{KeepAll: true}); err != nil {
		t.Fatal(err)
	}

	hdr, _ := unitsFor(t, p, "B", Options{ABI: "sjlj"})
	text := string(hdr.Contents)
	xAt := strings.Index(text, "jint x;")
	yAt := strings.Index(text, "jlong y;")
	hdrAt := strings.Index(text, "clw_header hdr;")
	if hdrAt < 0 || xAt < 0 || yAt < 0 {
		t.Fatalf("missing layout pieces in header:\n%s", text)
	}
	if !(hdrAt < xAt && xAt < yAt) {
		t.Error("layout order must be header slot, inherited fields, own fields")
	}
}

func TestHeaderStaticExtern(t *testing.T) {
	a := cls("A", model.RootClass)
	a.Fields = append(a.Fields, &model.Field{
		Owner: a, Name: "count", EmitName: model.FieldEmitName("A", "count", true),
		Desc: "I", Type: model.Int, Access: model.AccStatic, Slot: -1,
	})
	p := model.NewProgram()
	p.Add(rootClass())
	p.Add(a)
	if err := link.Resolve(p, link.Options{KeepAll: true}); err != nil {
		t.Fatal(err)
	}

	hdr, src := unitsFor(t, p, "A", Options{ABI: "sjlj"})
	sym := model.MangleStaticField("A", "count")
	if !strings.Contains(string(hdr.Contents), "extern jint "+sym+";") {
		t.Error("header should declare the static extern")
	}
	if !strings.Contains(string(src.Contents), "jint "+sym+" = 0;") {
		t.Error("source should define the static")
	}
}

// ---------------------------------------------------------------------------
// Idempotence
// ---------------------------------------------------------------------------

// TestEmissionIdempotence runs emission twice over one resolved program and
// requires byte-identical units.
func TestEmissionIdempotence(t *testing.T) {
	p := overrideProgram(t)
	opts := Options{ABI: "sjlj"}

	emitAll := func() []Unit {
		var units []Unit
		for _, c := range p.Classes() {
			h, s, err := ClassUnits(p, c, opts)
			if err != nil {
				t.Fatal(err)
			}
			units = append(units, h, s)
		}
		units = append(units, ProgramTables(p, []string{"Main"}, opts))
		units = append(units, Manifest(p, opts))
		return units
	}

	first, second := emitAll(), emitAll()
	if len(first) != len(second) {
		t.Fatalf("unit counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Name != second[i].Name {
			t.Errorf("unit %d name %q vs %q", i, first[i].Name, second[i].Name)
		}
		if !bytes.Equal(first[i].Contents, second[i].Contents) {
			t.Errorf("unit %s differs between runs", first[i].Name)
		}
	}
}

// ---------------------------------------------------------------------------
// Program tables and manifest
// ---------------------------------------------------------------------------

func TestProgramTablesRegisterEveryClass(t *testing.T) {
	p := overrideProgram(t)
	unit := ProgramTables(p, []string{"Main"}, Options{ABI: "sjlj"})
	text := string(unit.Contents)

	for _, name := range []string{"A", "B", "Main", model.RootClass} {
		c := p.Lookup(name)
		want := "clw_register_class(" + itoa(c.ID)
		if !strings.Contains(text, want) {
			t.Errorf("missing registration for %s (%s)", name, want)
		}
	}
	if !strings.Contains(text, "clw_register_root") {
		t.Error("entry class should register as a reflection root")
	}
}

func TestManifestLines(t *testing.T) {
	p := overrideProgram(t)
	unit := Manifest(p, Options{})
	lines := strings.Split(strings.TrimSpace(string(unit.Contents)), "\n")
	if len(lines) != p.Len() {
		t.Fatalf("manifest has %d lines, want %d", len(lines), p.Len())
	}
	for _, line := range lines {
		parts := strings.Split(line, "\t")
		if len(parts) != 4 {
			t.Errorf("manifest line %q has %d columns", line, len(parts))
		}
	}
	if !strings.HasPrefix(lines[0], "A\t") {
		t.Errorf("manifest must be sorted; first line %q", lines[0])
	}
}

// ---------------------------------------------------------------------------
// ABI selection
// ---------------------------------------------------------------------------

func TestABISelectsUnwindBridge(t *testing.T) {
	e := cls("E", model.RootClass)
	addMethod(e, "<init>", "()V", model.AccPublic, []classfile.Instruction{
		{Offset: 0, Op: classfile.OpReturn},
	})
	a := cls("A", model.RootClass)
	addMethod(a, "m", "()V", model.AccPublic|model.AccStatic, []classfile.Instruction{
		{Offset: 0, Op: classfile.OpNew, Ref: "E"},
		{Offset: 3, Op: classfile.OpDup},
		{Offset: 4, Op: classfile.OpInvokespecial, Member: classfile.MemberRef{Class: "E", Name: "<init>", Desc: "()V"}},
		{Offset: 7, Op: classfile.OpAthrow},
		{Offset: 8, Op: classfile.OpAstore, Index: 1},
		{Offset: 9, Op: classfile.OpReturn},
	})
	a.Methods[0].Handlers = []classfile.Handler{{Start: 0, End: 8, Target: 8, CatchType: ""}}

	p := model.NewProgram()
	p.Add(rootClass())
	p.Add(e)
	p.Add(a)
	if err := link.Resolve(p, link.Options{KeepAll: true}); err != nil {
		t.Fatal(err)
	}
	lowerAllFor(t, p)

	_, sjlj := unitsFor(t, p, "A", Options{ABI: "sjlj"})
	if !strings.Contains(string(sjlj.Contents), "clw_try_enter") {
		t.Error("sjlj ABI should use the setjmp bridge")
	}
	_, native := unitsFor(t, p, "A", Options{ABI: "native"})
	if !strings.Contains(string(native.Contents), "clw_frame_enter") {
		t.Error("native ABI should use the frame bridge")
	}
}

func itoa(v int) string {
	return strconv.Itoa(v)
}
