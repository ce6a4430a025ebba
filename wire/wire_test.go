package wire

import (
	"bytes"
	"testing"

	"github.com/SwitchGDX/clearwing-vm/link"
	"github.com/SwitchGDX/clearwing-vm/model"
)

func fixtureProgram(t *testing.T) *model.Program {
	t.Helper()
	p := model.NewProgram()
	p.Add(&model.Class{
		Name:   model.RootClass,
		Kind:   model.ClassKindClass,
		Access: model.AccPublic | model.AccSuper,
		ID:     -1,
	})
	a := &model.Class{
		Name:      "A",
		Kind:      model.ClassKindClass,
		SuperName: model.RootClass,
		Access:    model.AccPublic | model.AccSuper,
		ID:        -1,
	}
	a.Fields = append(a.Fields, &model.Field{
		Owner: a, Name: "x", EmitName: "x", Desc: "I", Type: model.Int, Slot: -1,
	})
	params, ret, _ := model.ParseMethodDescriptor("()I")
	a.Methods = append(a.Methods, &model.Method{
		Owner: a, Name: "f", EmitName: model.MethodEmitName("f", "()I"),
		Access: model.AccPublic | model.AccAbstract, Desc: "()I",
		Params: params, Return: ret, VSlot: -1,
	})
	a.Access |= model.AccAbstract
	p.Add(a)
	if err := link.Resolve(p, link.Options{KeepAll: true}); err != nil {
		t.Fatal(err)
	}
	return p
}

// ---------------------------------------------------------------------------
// Determinism
// ---------------------------------------------------------------------------

func TestMarshalDeterministic(t *testing.T) {
	p := fixtureProgram(t)
	s := Build(p, "sjlj")
	first, err := Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Marshal(Build(p, "sjlj"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Error("summary bytes differ across runs")
	}
}

// ---------------------------------------------------------------------------
// Round trip
// ---------------------------------------------------------------------------

func TestSummaryRoundTrip(t *testing.T) {
	p := fixtureProgram(t)
	data, err := Marshal(Build(p, "native"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.ABI != "native" {
		t.Errorf("ABI = %q", got.ABI)
	}
	if len(got.Classes) != 2 {
		t.Fatalf("classes = %d", len(got.Classes))
	}
	// Lexicographic: A before java/lang/Object.
	a := got.Classes[0]
	if a.Name != "A" {
		t.Fatalf("first class = %q", a.Name)
	}
	if len(a.Fields) != 1 || a.Fields[0].Slot != 0 {
		t.Errorf("fields = %+v", a.Fields)
	}
	if len(a.VTable) != 1 {
		t.Errorf("vtable = %v", a.VTable)
	}
	if len(a.Methods) != 1 || a.Methods[0].Symbol == "" {
		t.Errorf("methods = %+v", a.Methods)
	}
	if a.Methods[0].VSlot != 0 {
		t.Errorf("vslot = %d", a.Methods[0].VSlot)
	}
}
