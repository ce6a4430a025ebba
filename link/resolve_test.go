package link

import (
	"strings"
	"testing"

	"github.com/SwitchGDX/clearwing-vm/classfile"
	"github.com/SwitchGDX/clearwing-vm/fault"
	"github.com/SwitchGDX/clearwing-vm/model"
)

// ---------------------------------------------------------------------------
// Program fixtures
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

func iface(name string) *model.Class {
	return &model.Class{
		Name:      name,
		Kind:      model.ClassKindInterface,
		SuperName: "",
		Access:    model.AccPublic | model.AccInterface | model.AccAbstract,
		ID:        -1,
	}
}

// addMethod appends a method; concrete methods get a trivial return body so
// reachability and lowering treat them as real.
func addMethod(c *model.Class, name, desc string, access int) *model.Method {
	params, ret, err := model.ParseMethodDescriptor(desc)
	if err != nil {
		panic(err)
	}
	m := &model.Method{
		Owner:    c,
		Name:     name,
		EmitName: model.MethodEmitName(name, desc),
		Access:   access,
		Desc:     desc,
		Params:   params,
		Return:   ret,
		VSlot:    -1,
	}
	if access&model.AccAbstract == 0 && access&model.AccNative == 0 {
		if ret.Kind == model.KindVoid {
			m.Code = []classfile.Instruction{{Offset: 0, Op: classfile.OpReturn}}
		} else {
			m.Code = []classfile.Instruction{
				{Offset: 0, Op: classfile.OpIconst0},
				{Offset: 1, Op: classfile.OpIreturn},
			}
		}
		m.MaxLocals = m.ArgSlots()
		m.MaxStack = 1
	}
	c.Methods = append(c.Methods, m)
	return m
}

func addField(c *model.Class, name, desc string, access int) *model.Field {
	t, err := model.ParseType(desc)
	if err != nil {
		panic(err)
	}
	f := &model.Field{
		Owner:    c,
		Name:     name,
		EmitName: model.FieldEmitName(c.Name, name, access&model.AccStatic != 0),
		Access:   access,
		Desc:     desc,
		Type:     t,
		Slot:     -1,
	}
	c.Fields = append(c.Fields, f)
	return f
}

func testProgram(classes ...*model.Class) *model.Program {
	p := model.NewProgram()
	for _, c := range classes {
		p.Add(c)
	}
	return p
}

func mustResolve(t *testing.T, p *model.Program) {
	t.Helper()
	if err := Resolve(p, Options{KeepAll: true}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Supertype closure
// ---------------------------------------------------------------------------

func TestResolveLinksSupertypes(t *testing.T) {
	obj := rootClass()
	a := cls("A", model.RootClass)
	b := cls("B", "A")
	p := testProgram(obj, a, b)
	mustResolve(t, p)

	if b.Super != a || a.Super != obj {
		t.Error("super pointers not linked")
	}
	if !b.IsSubclassOf(obj) {
		t.Error("B should be a subclass of the root")
	}
	if len(b.Supertypes) != 2 {
		t.Errorf("B.Supertypes = %v", b.Supertypes)
	}
}

func TestResolveMissingSuper(t *testing.T) {
	p := testProgram(rootClass(), cls("A", "ghost/Missing"))
	err := Resolve(p, Options{KeepAll: true})
	if !fault.IsKind(err, fault.LinkError) {
		t.Errorf("got %v, want LinkError", err)
	}
}

func TestResolveCycle(t *testing.T) {
	a := cls("A", "B")
	b := cls("B", "A")
	p := testProgram(rootClass(), a, b)
	err := Resolve(p, Options{KeepAll: true})
	if !fault.IsKind(err, fault.LinkError) {
		t.Errorf("got %v, want LinkError", err)
	}
}

func TestResolveReportsAllMissing(t *testing.T) {
	p := testProgram(rootClass(), cls("A", "ghost/One"), cls("B", "ghost/Two"))
	err := Resolve(p, Options{KeepAll: true})
	if err == nil {
		t.Fatal("expected failure")
	}
	msg := err.Error()
	if !containsStr(msg, "ghost/One") || !containsStr(msg, "ghost/Two") {
		t.Errorf("error %q should mention both missing classes", msg)
	}
}

// ---------------------------------------------------------------------------
// Field flattening
// ---------------------------------------------------------------------------

func TestFieldLayoutFlattening(t *testing.T) {
	obj := rootClass()
	a := cls("A", model.RootClass)
	addField(a, "x", "I", model.AccPrivate)
	addField(a, "y", "I", model.AccPrivate)
	b := cls("B", "A")
	addField(b, "z", "I", model.AccPrivate)
	addField(b, "count", "J", model.AccStatic)
	p := testProgram(obj, a, b)
	mustResolve(t, p)

	if len(a.Layout) != 2 {
		t.Fatalf("A layout = %d slots", len(a.Layout))
	}
	if len(b.Layout) != 3 {
		t.Fatalf("B layout = %d slots", len(b.Layout))
	}
	if b.Layout[0].Name != "x" || b.Layout[1].Name != "y" || b.Layout[2].Name != "z" {
		t.Errorf("B layout order: %v %v %v", b.Layout[0], b.Layout[1], b.Layout[2])
	}
	if b.Layout[2].Slot != 2 {
		t.Errorf("z slot = %d", b.Layout[2].Slot)
	}
	// Statics stay out of the instance layout.
	for _, f := range b.Layout {
		if f.IsStatic() {
			t.Errorf("static field %s in instance layout", f.Name)
		}
	}
}

// TestFieldLayoutDeterminism resolves two identically-built programs and
// requires identical offsets.
func TestFieldLayoutDeterminism(t *testing.T) {
	build := func() *model.Class {
		obj := rootClass()
		a := cls("A", model.RootClass)
		addField(a, "x", "I", 0)
		addField(a, "s", "Ljava/lang/String;", 0)
		b := cls("B", "A")
		addField(b, "z", "D", 0)
		p := testProgram(obj, a, b)
		mustResolve(t, p)
		return b
	}
	b1, b2 := build(), build()
	if len(b1.Layout) != len(b2.Layout) {
		t.Fatal("layout sizes differ")
	}
	for i := range b1.Layout {
		if b1.Layout[i].Slot != b2.Layout[i].Slot || b1.Layout[i].Name != b2.Layout[i].Name {
			t.Errorf("slot %d differs: %v vs %v", i, b1.Layout[i], b2.Layout[i])
		}
	}
}

func TestShadowedFieldKeepsBothSlots(t *testing.T) {
	obj := rootClass()
	a := cls("A", model.RootClass)
	addField(a, "v", "I", 0)
	b := cls("B", "A")
	addField(b, "v", "J", 0)
	p := testProgram(obj, a, b)
	mustResolve(t, p)

	if len(b.Layout) != 2 {
		t.Fatalf("B layout = %d slots, want both v slots", len(b.Layout))
	}
	if b.Layout[0].EmitName == b.Layout[1].EmitName {
		t.Errorf("shadowed fields share emission name %q", b.Layout[0].EmitName)
	}
}

// ---------------------------------------------------------------------------
// V-tables
// ---------------------------------------------------------------------------

// TestVSlotSharedAcrossOverride covers the override-dispatch scenario: one
// slot, populated in both classes' tables.
func TestVSlotSharedAcrossOverride(t *testing.T) {
	obj := rootClass()
	a := cls("A", model.RootClass)
	af := addMethod(a, "f", "()I", model.AccPublic)
	b := cls("B", "A")
	bf := addMethod(b, "f", "()I", model.AccPublic)
	p := testProgram(obj, a, b)
	mustResolve(t, p)

	if af.VSlot < 0 || af.VSlot != bf.VSlot {
		t.Errorf("vslots: A.f=%d B.f=%d, want equal and assigned", af.VSlot, bf.VSlot)
	}
	if a.VTable[af.VSlot] != af {
		t.Error("A's vtable slot should hold A.f")
	}
	if b.VTable[bf.VSlot] != bf {
		t.Error("B's vtable slot should hold B.f")
	}
}

func TestVSlotUniquePerSignature(t *testing.T) {
	obj := rootClass()
	a := cls("A", model.RootClass)
	addMethod(a, "f", "()I", model.AccPublic)
	addMethod(a, "f", "(I)I", model.AccPublic)
	addMethod(a, "g", "()I", model.AccPublic)
	p := testProgram(obj, a)
	mustResolve(t, p)

	seen := map[int]string{}
	for _, m := range a.Methods {
		if m.VSlot < 0 {
			continue
		}
		key := m.Name + m.Desc
		if prev, dup := seen[m.VSlot]; dup {
			t.Errorf("slot %d shared by %s and %s", m.VSlot, prev, key)
		}
		seen[m.VSlot] = key
	}
}

func TestStaticAndPrivateGetNoSlot(t *testing.T) {
	obj := rootClass()
	a := cls("A", model.RootClass)
	st := addMethod(a, "s", "()V", model.AccPublic|model.AccStatic)
	pr := addMethod(a, "p", "()V", model.AccPrivate)
	ctor := addMethod(a, "<init>", "()V", model.AccPublic)
	p := testProgram(obj, a)
	mustResolve(t, p)

	for _, m := range []*model.Method{st, pr, ctor} {
		if m.VSlot != -1 {
			t.Errorf("%s has vslot %d, want -1", m.Name, m.VSlot)
		}
	}
}

func TestFinalOverrideFails(t *testing.T) {
	obj := rootClass()
	a := cls("A", model.RootClass)
	addMethod(a, "f", "()I", model.AccPublic|model.AccFinal)
	b := cls("B", "A")
	addMethod(b, "f", "()I", model.AccPublic)
	p := testProgram(obj, a, b)
	err := Resolve(p, Options{KeepAll: true})
	if !fault.IsKind(err, fault.LinkError) {
		t.Errorf("got %v, want LinkError", err)
	}
}

// ---------------------------------------------------------------------------
// Interface dispatch
// ---------------------------------------------------------------------------

// TestInterfaceDefaultUsedDirectly covers the default-method scenario: the
// class's dispatch table points at the interface's implementation and no
// method is copied onto the class.
func TestInterfaceDefaultUsedDirectly(t *testing.T) {
	obj := rootClass()
	i := iface("I")
	ig := addMethod(i, "g", "()I", model.AccPublic) // default: has a body
	c := cls("C", model.RootClass)
	c.InterfaceNames = []string{"I"}
	p := testProgram(obj, i, c)
	mustResolve(t, p)

	if len(c.ITable) != 1 {
		t.Fatalf("C.ITable = %d entries", len(c.ITable))
	}
	slot := c.ITable[0]
	if slot.Interface != "I" || slot.Name != "g" {
		t.Errorf("slot = %+v", slot)
	}
	if slot.Impl != ig {
		t.Errorf("slot impl = %v, want the interface default", slot.Impl)
	}
	if c.MethodBySignature("g", "()I") != nil {
		t.Error("no method should be synthesized on C")
	}
}

// TestDiamondConflict covers the diamond scenario: two unrelated defaults
// and no override fail the link for an instantiable class.
func TestDiamondConflict(t *testing.T) {
	obj := rootClass()
	i := iface("I")
	addMethod(i, "g", "()I", model.AccPublic)
	j := iface("J")
	addMethod(j, "g", "()I", model.AccPublic)
	k := cls("K", model.RootClass)
	k.InterfaceNames = []string{"I", "J"}
	p := testProgram(obj, i, j, k)
	err := Resolve(p, Options{KeepAll: true})
	if !fault.IsKind(err, fault.LinkError) {
		t.Fatalf("got %v, want LinkError", err)
	}
	if !containsStr(err.Error(), "K") || !containsStr(err.Error(), "g") {
		t.Errorf("error %q should point at K.g", err.Error())
	}
}

func TestDiamondOnAbstractClassStaysAbstract(t *testing.T) {
	obj := rootClass()
	i := iface("I")
	addMethod(i, "g", "()I", model.AccPublic)
	j := iface("J")
	addMethod(j, "g", "()I", model.AccPublic)
	k := cls("K", model.RootClass)
	k.Access |= model.AccAbstract
	k.InterfaceNames = []string{"I", "J"}
	p := testProgram(obj, i, j, k)
	mustResolve(t, p)

	for _, slot := range k.ITable {
		if slot.Name == "g" && slot.Impl != nil {
			t.Errorf("abstract diamond slot resolved to %v", slot.Impl)
		}
	}
}

func TestMoreSpecificDefaultWins(t *testing.T) {
	obj := rootClass()
	i := iface("I")
	addMethod(i, "g", "()I", model.AccPublic)
	j := iface("J")
	j.InterfaceNames = []string{"I"}
	jg := addMethod(j, "g", "()I", model.AccPublic)
	c := cls("C", model.RootClass)
	c.InterfaceNames = []string{"I", "J"}
	p := testProgram(obj, i, j, c)
	mustResolve(t, p)

	for _, slot := range c.ITable {
		if slot.Interface == "I" && slot.Impl != jg {
			t.Errorf("I.g resolves to %v, want J's more specific default", slot.Impl)
		}
	}
}

func TestClassMethodBeatsDefault(t *testing.T) {
	obj := rootClass()
	i := iface("I")
	addMethod(i, "g", "()I", model.AccPublic)
	c := cls("C", model.RootClass)
	c.InterfaceNames = []string{"I"}
	cg := addMethod(c, "g", "()I", model.AccPublic)
	p := testProgram(obj, i, c)
	mustResolve(t, p)

	if c.ITable[0].Impl != cg {
		t.Errorf("impl = %v, want the class method", c.ITable[0].Impl)
	}
}

// ---------------------------------------------------------------------------
// Class ids and annotations
// ---------------------------------------------------------------------------

func TestClassIDsDenseAndOrdered(t *testing.T) {
	obj := rootClass()
	a := cls("aa/A", model.RootClass)
	b := cls("bb/B", model.RootClass)
	p := testProgram(obj, a, b)
	mustResolve(t, p)

	names := p.Names()
	for i, name := range names {
		if p.Lookup(name).ID != i {
			t.Errorf("class %s has id %d, want %d", name, p.Lookup(name).ID, i)
		}
	}
}

func TestAnnotationDefaultMerging(t *testing.T) {
	obj := rootClass()
	ann := &model.Class{
		Name:   "anno/Retained",
		Kind:   model.ClassKindAnnotation,
		Access: model.AccPublic | model.AccInterface | model.AccAnnotation | model.AccAbstract,
		ID:     -1,
	}
	elem := addMethod(ann, "level", "()I", model.AccPublic|model.AccAbstract)
	elem.Default = int32(3)

	a := cls("A", model.RootClass)
	a.Annotations = []*model.Annotation{{TypeName: "anno/Retained", Elements: map[string]interface{}{}}}
	b := cls("B", model.RootClass)
	b.Annotations = []*model.Annotation{{TypeName: "anno/Retained", Elements: map[string]interface{}{"level": int32(7)}}}

	p := testProgram(obj, ann, a, b)
	mustResolve(t, p)

	if got := a.Annotations[0].Element("level"); got != int32(3) {
		t.Errorf("default not merged: %v", got)
	}
	if got := b.Annotations[0].Element("level"); got != int32(7) {
		t.Errorf("explicit value overwritten: %v", got)
	}
}

// ---------------------------------------------------------------------------
// Reachability
// ---------------------------------------------------------------------------

func newObjectInstr(name string) classfile.Instruction {
	return classfile.Instruction{Offset: 0, Op: classfile.OpNew, Ref: name}
}

func TestReachabilityFollowsBodyReferences(t *testing.T) {
	obj := rootClass()
	main := cls("Main", model.RootClass)
	used := cls("Used", model.RootClass)
	dead := cls("Dead", model.RootClass)
	m := addMethod(main, "run", "()V", model.AccPublic|model.AccStatic)
	m.Code = []classfile.Instruction{
		newObjectInstr("Used"),
		{Offset: 3, Op: classfile.OpPop},
		{Offset: 4, Op: classfile.OpReturn},
	}
	p := testProgram(obj, main, used, dead)
	if err := Resolve(p, Options{Roots: []string{"Main"}}); err != nil {
		t.Fatal(err)
	}

	if !used.Reachable {
		t.Error("Used should be reachable")
	}
	if dead.Reachable {
		t.Error("Dead should not be reachable")
	}
}

func TestReachabilityProvidedClassesSkip(t *testing.T) {
	obj := rootClass()
	main := cls("Main", model.RootClass)
	m := addMethod(main, "run", "()V", model.AccPublic|model.AccStatic)
	m.Code = []classfile.Instruction{
		newObjectInstr("java/lang/StringBuilder"),
		{Offset: 3, Op: classfile.OpPop},
		{Offset: 4, Op: classfile.OpReturn},
	}
	p := testProgram(obj, main)
	p.SetProvided([]string{"java/lang/StringBuilder"})
	if err := Resolve(p, Options{Roots: []string{"Main"}}); err != nil {
		t.Fatalf("provided class should not fail the link: %v", err)
	}
}

func TestReachabilityMissingClassFails(t *testing.T) {
	obj := rootClass()
	main := cls("Main", model.RootClass)
	m := addMethod(main, "run", "()V", model.AccPublic|model.AccStatic)
	m.Code = []classfile.Instruction{
		newObjectInstr("ghost/Gone"),
		{Offset: 3, Op: classfile.OpPop},
		{Offset: 4, Op: classfile.OpReturn},
	}
	p := testProgram(obj, main)
	err := Resolve(p, Options{Roots: []string{"Main"}})
	if !fault.IsKind(err, fault.LinkError) {
		t.Errorf("got %v, want LinkError", err)
	}
}

func containsStr(s, sub string) bool {
	return strings.Contains(s, sub)
}
