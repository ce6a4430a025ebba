package model

import "testing"

// ---------------------------------------------------------------------------
// Identifier sanitization
// ---------------------------------------------------------------------------

func TestSanitizeNamePassthrough(t *testing.T) {
	for _, name := range []string{"value", "maxCount", "_internal", "x9"} {
		if got := SanitizeName(name); got != name {
			t.Errorf("SanitizeName(%q) = %q", name, got)
		}
	}
}

func TestSanitizeNameReplacesSpecials(t *testing.T) {
	cases := map[string]string{
		"lambda$main$0": "lambda_main_0",
		"val$x":         "val_x",
		"a/b":           "a_b",
	}
	for in, want := range cases {
		if got := SanitizeName(in); got != want {
			t.Errorf("SanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSanitizeNameReservedWords(t *testing.T) {
	for _, name := range []string{"class", "new", "this", "template", "operator"} {
		got := SanitizeName(name)
		if got == name {
			t.Errorf("SanitizeName(%q) must not collide with the keyword", name)
		}
	}
}

func TestSanitizeNameLeadingDigit(t *testing.T) {
	if got := SanitizeName("0field"); got != "_0field" {
		t.Errorf("SanitizeName(0field) = %q", got)
	}
}

// ---------------------------------------------------------------------------
// Mangling
// ---------------------------------------------------------------------------

func TestMangleClass(t *testing.T) {
	if got := MangleClass("java/lang/String"); got != "java_lang_String" {
		t.Errorf("MangleClass = %q", got)
	}
	if got := MangleClass("com/example/Outer$Inner"); got != "com_example_Outer_Inner" {
		t.Errorf("MangleClass = %q", got)
	}
}

func TestMethodEmitNameSeparatesOverloads(t *testing.T) {
	a := MethodEmitName("f", "(I)I")
	b := MethodEmitName("f", "(J)I")
	if a == b {
		t.Errorf("overloads share emission name %q", a)
	}
}

func TestMethodEmitNameConstructors(t *testing.T) {
	init := MethodEmitName("<init>", "()V")
	clinit := MethodEmitName("<clinit>", "()V")
	for _, name := range []string{init, clinit} {
		for _, ch := range name {
			ok := ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9')
			if !ok {
				t.Errorf("emission name %q contains %q", name, ch)
			}
		}
	}
	if init == clinit {
		t.Error("<init> and <clinit> map to the same name")
	}
}

func TestFieldEmitNameStaticMixesOwner(t *testing.T) {
	static := FieldEmitName("com/example/Config", "count", true)
	if static != "Config_count" {
		t.Errorf("static field emit name = %q", static)
	}
	instance := FieldEmitName("com/example/Config", "count", false)
	if instance != "count" {
		t.Errorf("instance field emit name = %q", instance)
	}
}

// TestMangleInjectivity drives the mangling over a program-shaped corpus of
// member signatures and requires a bijection onto emitted symbols.
func TestMangleInjectivity(t *testing.T) {
	type member struct {
		owner, name, desc string
	}
	members := []member{
		{"a/A", "f", "()V"},
		{"a/A", "f", "(I)V"},
		{"a/A", "f", "(J)V"},
		{"a/A", "f", "(Ljava/lang/String;)V"},
		{"a/B", "f", "()V"},
		{"a/b/A", "f", "()V"}, // same simple name, different package
		{"a/A$B", "f", "()V"},
		{"a/A", "<init>", "()V"},
		{"a/A", "<init>", "(I)V"},
		{"a/A", "<clinit>", "()V"},
		{"a/A", "class", "()V"}, // reserved word as method name
	}
	seen := map[string]member{}
	for _, m := range members {
		sym := MangleMethod(m.owner, m.name, m.desc)
		if prev, dup := seen[sym]; dup {
			t.Errorf("symbol %q produced by both %+v and %+v", sym, prev, m)
		}
		seen[sym] = m
	}
}

func TestDescriptorHashDeterministic(t *testing.T) {
	if DescriptorHash("(I)V") != DescriptorHash("(I)V") {
		t.Error("hash must be stable")
	}
	if len(DescriptorHash("(I)V")) != 8 {
		t.Errorf("hash length = %d, want 8", len(DescriptorHash("(I)V")))
	}
}
