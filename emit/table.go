package emit

import (
	"fmt"
	"strings"

	"github.com/SwitchGDX/clearwing-vm/classfile"
	"github.com/SwitchGDX/clearwing-vm/model"
)

// TablesFile is the program-wide dispatch module's file name.
const TablesFile = "clearwing_tables.cpp"

// ManifestFile is the plain-text build manifest's file name.
const ManifestFile = "clearwing.manifest"

// ---------------------------------------------------------------------------
// Program table unit
// ---------------------------------------------------------------------------

// ProgramTables emits the single registration unit: every class registered
// with the runtime, interface-dispatch tables, string constants, and the
// reflection roots. The walk is in lexicographic class-name order so output
// is independent of worker scheduling.
func ProgramTables(prog *model.Program, roots []string, opts Options) Unit {
	e := &emitter{prog: prog, opts: opts}
	var b strings.Builder
	b.WriteString("// Generated by clearwing. Do not edit.\n")
	b.WriteString("#include \"clearwing/runtime.h\"\n")

	classes := prog.Classes()
	var emitted []*model.Class
	for _, c := range classes {
		if e.shouldEmit(c.Reachable) {
			emitted = append(emitted, c)
		}
	}
	for _, c := range emitted {
		fmt.Fprintf(&b, "#include %q\n", headerFile(c.Name))
	}
	b.WriteByte('\n')

	fmt.Fprintf(&b, "void clw_register_program(void) {\n")
	fmt.Fprintf(&b, "\tclw_abi_check(%s);\n", cppString(opts.ABI))
	for _, c := range emitted {
		superID := "-1"
		if c.Super != nil {
			superID = fmt.Sprintf("%d", c.Super.ID)
		}
		vt := "CLW_NULL"
		size := "0"
		if !c.IsInterface() {
			vt = "&" + vtableInstance(c.Name)
			size = "sizeof(" + structName(c.Name) + ")"
		}
		clinit := "CLW_NULL"
		if m := c.MethodBySignature("<clinit>", "()V"); m != nil && e.shouldEmit(m.Reachable) {
			clinit = "(void*)&" + model.MangleMethod(c.Name, "<clinit>", "()V")
		}
		fmt.Fprintf(&b, "\tclw_register_class(%d, %s, %s, %s, (void*)%s, %s, 0x%04x);\n",
			c.ID, cppString(c.Name), size, superID, vt, clinit, c.Access)
	}
	b.WriteByte('\n')

	// Interface-dispatch tables: (class-id, interface-id, slot) -> function.
	for _, c := range emitted {
		for _, slot := range c.ITable {
			iface := prog.Lookup(slot.Interface)
			if iface == nil {
				continue
			}
			impl := "CLW_NULL"
			if slot.Impl != nil {
				impl = "(void*)&" + model.MangleMethod(slot.Impl.Owner.Name, slot.Impl.Name, slot.Impl.Desc)
			}
			fmt.Fprintf(&b, "\tclw_register_interface_method(%d, %d, %d, %s);\n",
				c.ID, iface.ID, slot.Slot, impl)
		}
	}
	b.WriteByte('\n')

	// String constants in static finals intern at registration; they cannot
	// initialize at file scope.
	for _, c := range emitted {
		for _, f := range c.StaticFields() {
			sc, ok := f.ConstValue.(classfile.StringConst)
			if !ok {
				continue
			}
			fmt.Fprintf(&b, "\t%s = clw_intern(%s, %d);\n",
				model.MangleStaticField(c.Name, f.Name), cppString(sc.Value), len(sc.Value))
		}
	}
	b.WriteByte('\n')

	// Reflection roots: the entry classes stay discoverable by name.
	for _, name := range roots {
		if c := prog.Lookup(name); c != nil {
			fmt.Fprintf(&b, "\tclw_register_root(%d);\n", c.ID)
		}
	}
	b.WriteString("}\n")
	return Unit{Name: TablesFile, Contents: []byte(b.String())}
}

// ---------------------------------------------------------------------------
// Manifest
// ---------------------------------------------------------------------------

// Manifest emits the build-driver manifest: one line per emitted class with
// its qualified name, header file, class-id, and flags.
func Manifest(prog *model.Program, opts Options) Unit {
	e := &emitter{prog: prog, opts: opts}
	var b strings.Builder
	for _, c := range prog.Classes() {
		if !e.shouldEmit(c.Reachable) {
			continue
		}
		flags := c.Kind.String()
		if c.HasNativeMethods() {
			flags += ",native"
		}
		fmt.Fprintf(&b, "%s\t%s\t%d\t%s\n", c.Name, headerFile(c.Name), c.ID, flags)
	}
	return Unit{Name: ManifestFile, Contents: []byte(b.String())}
}
