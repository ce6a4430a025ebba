package emit

import (
	"fmt"
	"sort"
	"strings"

	"github.com/SwitchGDX/clearwing-vm/model"
	"github.com/SwitchGDX/clearwing-vm/tir"
)

// emitter carries the frozen program and options through one emission.
type emitter struct {
	prog *model.Program
	opts Options
}

// ClassUnits produces the declaration and definition units for one class.
func ClassUnits(prog *model.Program, c *model.Class, opts Options) (Unit, Unit, error) {
	e := &emitter{prog: prog, opts: opts}
	header := e.headerUnit(c)
	source, err := e.sourceUnit(c)
	if err != nil {
		return Unit{}, Unit{}, err
	}
	return header, source, nil
}

// shouldEmit applies the reachability filter.
func (e *emitter) shouldEmit(reachable bool) bool {
	return reachable || e.opts.IncludeUnreachable
}

// ---------------------------------------------------------------------------
// Declaration unit
// ---------------------------------------------------------------------------

// headerUnit writes the struct layout, the v-table type, static-field
// externs, and method prototypes.
func (e *emitter) headerUnit(c *model.Class) Unit {
	var b strings.Builder
	guard := guardMacro(c.Name)
	fmt.Fprintf(&b, "// Generated by clearwing. Do not edit.\n")
	fmt.Fprintf(&b, "#ifndef %s\n#define %s\n\n", guard, guard)
	b.WriteString("#include \"clearwing/runtime.h\"\n\n")

	// Instance layout: header slot first, then the flattened fields in slot
	// order, inherited fields included so no superclass header is needed.
	fmt.Fprintf(&b, "typedef struct %s {\n", structName(c.Name))
	b.WriteString("\tclw_header hdr;\n")
	for _, f := range c.Layout {
		fmt.Fprintf(&b, "\t%s %s;\n", cppType(f.Type), f.EmitName)
	}
	fmt.Fprintf(&b, "} %s;\n\n", structName(c.Name))

	// V-table type, one function pointer per slot.
	if !c.IsInterface() {
		fmt.Fprintf(&b, "typedef struct %s {\n", vtableName(c.Name))
		for _, m := range c.VTable {
			fmt.Fprintf(&b, "\t%s (*%s)(%s);\n", cppType(m.Return), m.EmitName, e.paramTypes(m))
		}
		fmt.Fprintf(&b, "} %s;\n\n", vtableName(c.Name))
		fmt.Fprintf(&b, "extern %s %s;\n\n", vtableName(c.Name), vtableInstance(c.Name))
	}

	// Static-field externs.
	for _, f := range c.StaticFields() {
		fmt.Fprintf(&b, "extern %s %s;\n", cppType(f.Type), model.MangleStaticField(c.Name, f.Name))
	}
	if len(c.StaticFields()) > 0 {
		b.WriteByte('\n')
	}

	// Method prototypes. Native methods get a prototype and no body; the
	// hand-written implementation links against it.
	for _, m := range c.Methods {
		if m.IsAbstract() || !e.shouldEmit(m.Reachable) {
			continue
		}
		fmt.Fprintf(&b, "%s %s(%s);\n", cppType(m.Return), model.MangleMethod(c.Name, m.Name, m.Desc), e.paramTypes(m))
	}

	fmt.Fprintf(&b, "\n#endif // %s\n", guard)
	return Unit{Name: headerFile(c.Name), Contents: []byte(b.String())}
}

// paramTypes renders the prototype parameter list: receiver first for
// instance methods.
func (e *emitter) paramTypes(m *model.Method) string {
	var parts []string
	if !m.IsStatic() {
		parts = append(parts, "jobject")
	}
	for _, p := range m.Params {
		parts = append(parts, cppType(p))
	}
	if len(parts) == 0 {
		return "void"
	}
	return strings.Join(parts, ", ")
}

// ---------------------------------------------------------------------------
// Definition unit
// ---------------------------------------------------------------------------

// sourceUnit writes static-field definitions, the static-initializer guard,
// method bodies, and the singleton v-table instance.
func (e *emitter) sourceUnit(c *model.Class) (Unit, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "// Generated by clearwing. Do not edit.\n")
	if c.SourceFile != "" {
		fmt.Fprintf(&b, "// from %s\n", c.SourceFile)
	}
	fmt.Fprintf(&b, "#include %q\n", headerFile(c.Name))

	// Headers of every class the bodies reference, for struct casts and
	// direct calls. Deterministic: collected in sorted order.
	for _, dep := range e.classDeps(c) {
		fmt.Fprintf(&b, "#include %q\n", headerFile(dep))
	}
	b.WriteByte('\n')

	// Static fields with their constant initializers.
	for _, f := range c.StaticFields() {
		init := zeroValue(f.Type)
		if f.ConstValue != nil {
			init = e.constValue(f.ConstValue, f.Type)
		}
		fmt.Fprintf(&b, "%s %s = %s;\n", cppType(f.Type), model.MangleStaticField(c.Name, f.Name), init)
	}
	if len(c.StaticFields()) > 0 {
		b.WriteByte('\n')
	}

	// Method bodies.
	for _, m := range c.Methods {
		if m.IsAbstract() || m.IsNative() || !e.shouldEmit(m.Reachable) {
			continue
		}
		if err := e.methodBody(&b, c, m); err != nil {
			return Unit{}, err
		}
	}

	// The singleton v-table: every slot points at the resolved override.
	// Abstract slots trap through the runtime.
	if !c.IsInterface() {
		fmt.Fprintf(&b, "%s %s = {\n", vtableName(c.Name), vtableInstance(c.Name))
		for _, m := range c.VTable {
			if m.IsAbstract() {
				fmt.Fprintf(&b, "\t(%s (*)(%s))clw_abstract_method,\n", cppType(m.Return), e.paramTypes(m))
			} else {
				fmt.Fprintf(&b, "\t&%s,\n", model.MangleMethod(m.Owner.Name, m.Name, m.Desc))
			}
		}
		b.WriteString("};\n")
	}

	return Unit{Name: sourceFile(c.Name), Contents: []byte(b.String())}, nil
}

// classDeps collects the other program classes a definition unit must
// include, in lexicographic order.
func (e *emitter) classDeps(c *model.Class) []string {
	seen := map[string]bool{c.Name: true}
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		if e.prog.Lookup(name) == nil {
			return // provided by the runtime headers
		}
		seen[name] = true
	}
	if c.Super != nil {
		add(c.Super.Name)
	}
	for _, m := range c.Methods {
		body, ok := m.Body.(*tir.Body)
		if !ok || body == nil || !e.shouldEmit(m.Reachable) {
			continue
		}
		for _, name := range referencedClasses(body) {
			add(name)
		}
	}
	var out []string
	for name := range seen {
		if name != c.Name {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// constValue renders a ConstantValue initializer.
func (e *emitter) constValue(v interface{}, t model.Type) string {
	switch x := v.(type) {
	case int32:
		return cppInt32(x)
	case int64:
		return cppInt64(x)
	case float32:
		return cppFloat(x)
	case float64:
		return cppDouble(x)
	}
	// String constants cannot initialize statically; the program table unit
	// interns them during registration.
	return zeroValue(t)
}
