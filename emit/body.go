package emit

import (
	"fmt"
	"strings"

	"github.com/SwitchGDX/clearwing-vm/classfile"
	"github.com/SwitchGDX/clearwing-vm/fault"
	"github.com/SwitchGDX/clearwing-vm/model"
	"github.com/SwitchGDX/clearwing-vm/tir"
)

// ---------------------------------------------------------------------------
// Method bodies
// ---------------------------------------------------------------------------

// methodBody renders one method definition. Synchronized methods wrap the
// body in a monitor on the receiver (or the class object for statics); the
// static initializer runs under the runtime's one-shot guard, invoked from
// the registration unit and from static accesses.
func (e *emitter) methodBody(b *strings.Builder, c *model.Class, m *model.Method) error {
	body, _ := m.Body.(*tir.Body)
	if body == nil {
		return fault.At(fault.Internal, c.Name, m.Signature(), -1, "method reached emission without a lowered body")
	}

	fmt.Fprintf(b, "\n%s %s(%s) {\n", cppType(m.Return), model.MangleMethod(c.Name, m.Name, m.Desc), e.paramList(m, body))

	// Locals, declared up front in creation order.
	for _, loc := range body.Locals {
		if loc.IsParam {
			continue
		}
		fmt.Fprintf(b, "\t%s %s = %s;\n", cppType(loc.Type), loc.Name, zeroValue(loc.Type))
	}
	// One unwind frame per protected range.
	for _, r := range body.Ranges {
		fmt.Fprintf(b, "\tclw_try_frame clw_frame_%d;\n", r.ID)
	}

	if m.IsSynchronized() {
		if m.IsStatic() {
			fmt.Fprintf(b, "\tclw_monitor_enter(clw_class_object(%s));\n", e.classIDExpr(c.Name))
		} else {
			fmt.Fprintf(b, "\tclw_monitor_enter(%s);\n", e.receiverName(body))
		}
	}

	br := &bodyRenderer{e: e, c: c, m: m, body: body}
	var prevCatch *tir.CatchBegin
	for _, s := range body.Stmts {
		// Several catch clauses of one range share the handler entry; the
		// exception is read once.
		if cb, ok := s.(*tir.CatchBegin); ok {
			if prevCatch != nil && prevCatch.Var == cb.Var {
				continue
			}
			prevCatch = cb
		} else {
			prevCatch = nil
		}
		if err := br.stmt(b, s); err != nil {
			return err
		}
	}

	// Per-range dispatch blocks: the unwind bridge lands here, picks the
	// first handler whose type matches, and propagates otherwise. Bodies
	// always end in a return, goto, or throw, so these are unreachable by
	// fallthrough.
	for _, r := range body.Ranges {
		fmt.Fprintf(b, "clw_dispatch_%d:;\n", r.ID)
		for _, h := range r.Handlers {
			if h.TypeName == "" {
				fmt.Fprintf(b, "\tgoto L%d;\n", h.Target)
				break
			}
			fmt.Fprintf(b, "\tif (clw_instance_of(clw_caught(), %s)) goto L%d;\n",
				e.typeIDExpr(h.TypeName), h.Target)
		}
		b.WriteString("\tclw_rethrow();\n")
	}

	b.WriteString("}\n")
	return nil
}

// paramList renders named parameters matching the prototype order.
func (e *emitter) paramList(m *model.Method, body *tir.Body) string {
	var parts []string
	if !m.IsStatic() {
		parts = append(parts, "jobject "+e.receiverName(body))
	}
	for idx, p := range m.Params {
		parts = append(parts, fmt.Sprintf("%s p%d", cppType(p), idx))
	}
	if len(parts) == 0 {
		return "void"
	}
	return strings.Join(parts, ", ")
}

func (e *emitter) receiverName(body *tir.Body) string {
	for _, loc := range body.Locals {
		if loc.IsParam && loc.Slot == 0 && loc.Type.IsRef() {
			return loc.Name
		}
	}
	return "self_"
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

// bodyRenderer walks one method's statement list, tracking the lexically
// active try regions so branches and returns that leave a protected range
// balance their unwind frames.
type bodyRenderer struct {
	e      *emitter
	c      *model.Class
	m      *model.Method
	body   *tir.Body
	active []tir.TryRegion
}

// exitsFor returns the active region ids a jump to target leaves, innermost
// first.
func (br *bodyRenderer) exitsFor(target int) []int {
	var out []int
	for i := len(br.active) - 1; i >= 0; i-- {
		r := br.active[i]
		if target < r.Start || target >= r.End {
			out = append(out, r.ID)
		}
	}
	return out
}

// exitsAll returns every active region id, innermost first.
func (br *bodyRenderer) exitsAll() []int {
	var out []int
	for i := len(br.active) - 1; i >= 0; i-- {
		out = append(out, br.active[i].ID)
	}
	return out
}

func (br *bodyRenderer) region(id int) tir.TryRegion {
	for _, r := range br.body.Ranges {
		if r.ID == id {
			return r
		}
	}
	return tir.TryRegion{ID: id}
}

func (br *bodyRenderer) dropActive(id int) {
	for i, r := range br.active {
		if r.ID == id {
			br.active = append(br.active[:i], br.active[i+1:]...)
			return
		}
	}
}

func (br *bodyRenderer) stmt(b *strings.Builder, s tir.Stmt) error {
	e := br.e
	switch x := s.(type) {
	case *tir.Label:
		fmt.Fprintf(b, "L%d:;\n", x.Offset)
	case *tir.Assign:
		src, err := e.expr(x.Src)
		if err != nil {
			return err
		}
		fmt.Fprintf(b, "\t%s = %s;\n", x.Dst.Name, src)
	case *tir.FieldStore:
		lhs, err := e.fieldRef(x.Class, x.Name, x.Static, x.Receiver)
		if err != nil {
			return err
		}
		v, err := e.expr(x.Value)
		if err != nil {
			return err
		}
		if x.Static {
			if pre := e.ensureInit(x.Class); pre != "" {
				fmt.Fprintf(b, "\t%s;\n", pre)
			}
		}
		fmt.Fprintf(b, "\t%s = %s;\n", lhs, v)
	case *tir.ArrayStore:
		arr, err := e.expr(x.Array)
		if err != nil {
			return err
		}
		idx, err := e.expr(x.Index)
		if err != nil {
			return err
		}
		v, err := e.expr(x.Value)
		if err != nil {
			return err
		}
		fmt.Fprintf(b, "\tclw_array_set_%s(%s, %s, %s);\n", arraySuffix(x.Elem), e.checked(arr), idx, v)
	case *tir.MonitorEnter:
		o, err := e.expr(x.Obj)
		if err != nil {
			return err
		}
		fmt.Fprintf(b, "\tclw_monitor_enter(%s);\n", o)
	case *tir.MonitorExit:
		o, err := e.expr(x.Obj)
		if err != nil {
			return err
		}
		fmt.Fprintf(b, "\tclw_monitor_exit(%s);\n", o)
	case *tir.BranchIf:
		cond, err := e.expr(x.Cond)
		if err != nil {
			return err
		}
		if exits := br.exitsFor(x.Target); len(exits) > 0 {
			fmt.Fprintf(b, "\tif (%s) { %sgoto L%d; }\n", cond, br.exitCalls(exits), x.Target)
		} else {
			fmt.Fprintf(b, "\tif (%s) goto L%d;\n", cond, x.Target)
		}
	case *tir.Goto:
		if exits := br.exitsFor(x.Target); len(exits) > 0 {
			fmt.Fprintf(b, "\t%sgoto L%d;\n", br.exitCalls(exits), x.Target)
		} else {
			fmt.Fprintf(b, "\tgoto L%d;\n", x.Target)
		}
	case *tir.Switch:
		v, err := e.expr(x.Value)
		if err != nil {
			return err
		}
		fmt.Fprintf(b, "\tswitch (%s) {\n", v)
		for i, k := range x.Keys {
			br.switchCase(b, fmt.Sprintf("case %s", cppInt32(k)), x.Targets[i])
		}
		br.switchCase(b, "default", x.Default)
		b.WriteString("\t}\n")
	case *tir.InvokeStmt:
		call, err := e.invoke(x.Call)
		if err != nil {
			return err
		}
		fmt.Fprintf(b, "\t%s;\n", call)
	case *tir.Throw:
		v, err := e.expr(x.Value)
		if err != nil {
			return err
		}
		fmt.Fprintf(b, "\tclw_throw(%s);\n", v)
	case *tir.Return:
		return br.returnStmt(b, x)
	case *tir.TryBegin:
		fmt.Fprintf(b, "\tif (%s(&clw_frame_%d)) goto clw_dispatch_%d;\n", e.tryEnter(), x.Range, x.Range)
		br.active = append(br.active, br.region(x.Range))
	case *tir.TryEnd:
		fmt.Fprintf(b, "\t%s(&clw_frame_%d);\n", e.tryExit(), x.Range)
		br.dropActive(x.Range)
	case *tir.CatchBegin:
		fmt.Fprintf(b, "\t%s = clw_caught();\n", x.Var.Name)
	default:
		return fault.New(fault.Internal, "unknown TIR statement %T", s)
	}
	return nil
}

// exitCalls renders the frame exits for leaving the given regions.
func (br *bodyRenderer) exitCalls(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&sb, "%s(&clw_frame_%d); ", br.e.tryExit(), id)
	}
	return sb.String()
}

// switchCase renders one case arm, balancing frames when the target leaves
// an active region.
func (br *bodyRenderer) switchCase(b *strings.Builder, label string, target int) {
	if exits := br.exitsFor(target); len(exits) > 0 {
		fmt.Fprintf(b, "\t%s: { %sgoto L%d; }\n", label, br.exitCalls(exits), target)
	} else {
		fmt.Fprintf(b, "\t%s: goto L%d;\n", label, target)
	}
}

// returnStmt renders a return: active frames exit first, synchronized
// methods release their monitor, and a computed return value is captured
// before the monitor drops.
func (br *bodyRenderer) returnStmt(b *strings.Builder, x *tir.Return) error {
	e := br.e
	exits := br.exitsAll()
	sync := br.m.IsSynchronized()
	monitor := ""
	if sync {
		if br.m.IsStatic() {
			monitor = fmt.Sprintf("clw_monitor_exit(clw_class_object(%s));", e.classIDExpr(br.c.Name))
		} else {
			monitor = fmt.Sprintf("clw_monitor_exit(%s);", e.receiverName(br.body))
		}
	}

	if x.Value == nil {
		if len(exits) == 0 && monitor == "" {
			b.WriteString("\treturn;\n")
			return nil
		}
		fmt.Fprintf(b, "\t%s%s return;\n", br.exitCalls(exits), monitor)
		return nil
	}

	v, err := e.expr(x.Value)
	if err != nil {
		return err
	}
	if len(exits) == 0 && monitor == "" {
		fmt.Fprintf(b, "\treturn %s;\n", v)
		return nil
	}
	// The value evaluates before the frames and monitor unwind.
	fmt.Fprintf(b, "\t{ %s clw_ret = %s; %s%s return clw_ret; }\n",
		cppType(br.m.Return), v, br.exitCalls(exits), monitor)
	return nil
}

// tryEnter and tryExit pick the unwind bridge per the configured ABI. The
// sjlj bridge journals a setjmp frame; the native bridge registers a C++
// unwind frame inside the runtime.
func (e *emitter) tryEnter() string {
	if e.opts.ABI == "native" {
		return "clw_frame_enter"
	}
	return "clw_try_enter"
}

func (e *emitter) tryExit() string {
	if e.opts.ABI == "native" {
		return "clw_frame_exit"
	}
	return "clw_try_exit"
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

func (e *emitter) expr(x tir.Expr) (string, error) {
	switch v := x.(type) {
	case *tir.LocalRead:
		return v.Local.Name, nil
	case *tir.Const:
		return e.constExpr(v)
	case *tir.Unary:
		op, err := e.expr(v.Operand)
		if err != nil {
			return "", err
		}
		return "(-(" + op + "))", nil
	case *tir.Binary:
		return e.binary(v)
	case *tir.Convert:
		return e.convert(v)
	case *tir.FieldLoad:
		ref, err := e.fieldRef(v.Class, v.Name, v.Static, v.Receiver)
		if err != nil {
			return "", err
		}
		if v.Static {
			if pre := e.ensureInit(v.Class); pre != "" {
				return "(" + pre + ", " + ref + ")", nil
			}
		}
		return ref, nil
	case *tir.ArrayLoad:
		arr, err := e.expr(v.Array)
		if err != nil {
			return "", err
		}
		idx, err := e.expr(v.Index)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("clw_array_get_%s(%s, %s)", arraySuffix(v.Typ), e.checked(arr), idx), nil
	case *tir.ArrayLength:
		arr, err := e.expr(v.Array)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("clw_array_length(%s)", e.checked(arr)), nil
	case *tir.InstanceOf:
		op, err := e.expr(v.Operand)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("clw_instance_of(%s, %s)", op, e.typeIDExpr(v.TypeName)), nil
	case *tir.CheckCast:
		op, err := e.expr(v.Operand)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("clw_checkcast(%s, %s)", op, e.typeIDExpr(v.TypeName)), nil
	case *tir.NewObject:
		return fmt.Sprintf("clw_alloc(%s)", e.classIDExpr(v.TypeName)), nil
	case *tir.NewArray:
		return e.newArray(v)
	case *tir.Invoke:
		return e.invoke(v)
	case *tir.Caught:
		return "clw_caught()", nil
	}
	return "", fault.New(fault.Internal, "unknown TIR expression %T", x)
}

// typeIDExpr resolves a checkcast/instance-of type operand, which may name
// an array class in descriptor form.
func (e *emitter) typeIDExpr(name string) string {
	if len(name) > 0 && name[0] == '[' {
		return fmt.Sprintf("clw_find_class(%s)", cppString(name))
	}
	return e.classIDExpr(name)
}

func (e *emitter) constExpr(c *tir.Const) (string, error) {
	if c.Value == nil {
		return "CLW_NULL", nil
	}
	switch v := c.Value.(type) {
	case int32:
		return cppInt32(v), nil
	case int64:
		return cppInt64(v), nil
	case float32:
		return cppFloat(v), nil
	case float64:
		return cppDouble(v), nil
	case classfile.StringConst:
		return fmt.Sprintf("clw_intern(%s, %d)", cppString(v.Value), len(v.Value)), nil
	case classfile.ClassRef:
		return fmt.Sprintf("clw_class_object(%s)", e.typeIDExpr(v.Name)), nil
	}
	return "", fault.New(fault.Internal, "unknown constant %T", c.Value)
}

var binOpToken = map[tir.BinOp]string{
	tir.OpAdd: "+", tir.OpSub: "-", tir.OpMul: "*",
	tir.OpAnd: "&", tir.OpOr: "|", tir.OpXor: "^",
	tir.OpEq: "==", tir.OpNe: "!=", tir.OpLt: "<",
	tir.OpGe: ">=", tir.OpGt: ">", tir.OpLe: "<=",
}

func (e *emitter) binary(v *tir.Binary) (string, error) {
	l, err := e.expr(v.L)
	if err != nil {
		return "", err
	}
	r, err := e.expr(v.R)
	if err != nil {
		return "", err
	}
	if tok, ok := binOpToken[v.Op]; ok {
		return "(" + l + " " + tok + " " + r + ")", nil
	}
	isLong := v.Typ.Kind == model.KindLong
	switch v.Op {
	case tir.OpDiv, tir.OpRem:
		name := "clw_idiv"
		if v.Op == tir.OpRem {
			name = "clw_irem"
		}
		switch v.Typ.Kind {
		case model.KindLong:
			name = strings.Replace(name, "_i", "_l", 1)
		case model.KindFloat, model.KindDouble:
			// IEEE division and remainder need no zero trap.
			if v.Op == tir.OpDiv {
				return "(" + l + " / " + r + ")", nil
			}
			if v.Typ.Kind == model.KindFloat {
				return fmt.Sprintf("clw_frem(%s, %s)", l, r), nil
			}
			return fmt.Sprintf("clw_drem(%s, %s)", l, r), nil
		}
		return fmt.Sprintf("%s(%s, %s)", name, l, r), nil
	case tir.OpShl, tir.OpShr, tir.OpUshr:
		mask := "31"
		if isLong {
			mask = "63"
		}
		switch v.Op {
		case tir.OpShl:
			return fmt.Sprintf("(%s << (%s & %s))", l, r, mask), nil
		case tir.OpShr:
			return fmt.Sprintf("(%s >> (%s & %s))", l, r, mask), nil
		default:
			if isLong {
				return fmt.Sprintf("((jlong)((uint64_t)%s >> (%s & 63)))", l, r), nil
			}
			return fmt.Sprintf("((jint)((uint32_t)%s >> (%s & 31)))", l, r), nil
		}
	case tir.OpCmp:
		return fmt.Sprintf("clw_lcmp(%s, %s)", l, r), nil
	case tir.OpCmpl:
		if v.L.Type().Kind == model.KindDouble {
			return fmt.Sprintf("clw_dcmpl(%s, %s)", l, r), nil
		}
		return fmt.Sprintf("clw_fcmpl(%s, %s)", l, r), nil
	case tir.OpCmpg:
		if v.L.Type().Kind == model.KindDouble {
			return fmt.Sprintf("clw_dcmpg(%s, %s)", l, r), nil
		}
		return fmt.Sprintf("clw_fcmpg(%s, %s)", l, r), nil
	}
	return "", fault.New(fault.Internal, "unknown binary operator %d", int(v.Op))
}

// convert renders numeric conversions. Float-to-integral conversions keep
// saturating NaN semantics in runtime helpers; the rest are plain casts.
func (e *emitter) convert(v *tir.Convert) (string, error) {
	op, err := e.expr(v.Operand)
	if err != nil {
		return "", err
	}
	from := v.Operand.Type().Kind
	to := v.To.Kind
	if from == model.KindFloat || from == model.KindDouble {
		switch to {
		case model.KindInt:
			return fmt.Sprintf("clw_to_int(%s)", op), nil
		case model.KindLong:
			return fmt.Sprintf("clw_to_long(%s)", op), nil
		}
	}
	switch to {
	case model.KindByte:
		return "((jint)(jbyte)(" + op + "))", nil
	case model.KindChar:
		return "((jint)(jchar)(" + op + "))", nil
	case model.KindShort:
		return "((jint)(jshort)(" + op + "))", nil
	}
	return "((" + cppType(v.To) + ")(" + op + "))", nil
}

// fieldRef renders a field access site.
func (e *emitter) fieldRef(class, name string, static bool, recv tir.Expr) (string, error) {
	if static {
		owner := e.resolveFieldOwner(class, name)
		return model.MangleStaticField(owner, name), nil
	}
	r, err := e.expr(recv)
	if err != nil {
		return "", err
	}
	owner := e.resolveFieldOwner(class, name)
	emitName := model.SanitizeName(name)
	if c := e.prog.Lookup(owner); c != nil {
		if f := c.FieldNamed(name); f != nil {
			emitName = f.EmitName
		}
	}
	return fmt.Sprintf("((%s*)%s)->%s", structName(owner), e.checked(r), emitName), nil
}

// resolveFieldOwner walks up from the named class to the declaring class,
// the way field resolution does.
func (e *emitter) resolveFieldOwner(class, name string) string {
	for c := e.prog.Lookup(class); c != nil; c = c.Super {
		if c.FieldNamed(name) != nil {
			return c.Name
		}
	}
	return class
}

// ensureInit returns the class-initializer guard call for a class with a
// static initializer, or "" when none is needed.
func (e *emitter) ensureInit(class string) string {
	c := e.prog.Lookup(class)
	if c == nil || !c.HasStaticInitializer() {
		return ""
	}
	return fmt.Sprintf("clw_ensure_initialized(%d)", c.ID)
}

// checked wraps a receiver in the runtime null assertion when enabled.
func (e *emitter) checked(recv string) string {
	if e.opts.Assertions {
		return "clw_nullcheck(" + recv + ")"
	}
	return recv
}

func (e *emitter) newArray(v *tir.NewArray) (string, error) {
	dims := make([]string, len(v.Dims))
	for i, d := range v.Dims {
		s, err := e.expr(d)
		if err != nil {
			return "", err
		}
		dims[i] = s
	}
	if len(dims) == 1 {
		elem := v.Typ.Elem()
		if elem.IsRef() {
			id := e.typeIDExpr(elem.Class)
			if elem.Kind == model.KindArray {
				id = fmt.Sprintf("clw_find_class(%s)", cppString(elem.Descriptor()))
			}
			return fmt.Sprintf("clw_new_array_obj(%s, %s)", id, dims[0]), nil
		}
		return fmt.Sprintf("clw_new_array_%s(%s)", arraySuffix(elem), dims[0]), nil
	}
	return fmt.Sprintf("clw_new_array_multi(%s, %d, %s)",
		cppString(v.Typ.Descriptor()), len(dims), strings.Join(dims, ", ")), nil
}

// arraySuffix names the typed array accessor for an element type.
func arraySuffix(t model.Type) string {
	switch t.Kind {
	case model.KindBool:
		return "jbool"
	case model.KindByte:
		return "jbyte"
	case model.KindChar:
		return "jchar"
	case model.KindShort:
		return "jshort"
	case model.KindInt:
		return "jint"
	case model.KindLong:
		return "jlong"
	case model.KindFloat:
		return "jfloat"
	case model.KindDouble:
		return "jdouble"
	}
	return "jobject"
}

// ---------------------------------------------------------------------------
// Invocations
// ---------------------------------------------------------------------------

// invoke renders a call through the mechanism the lowering selected: the
// v-table slot for virtual, the runtime's two-level lookup for interface,
// and the mangled symbol for static and special dispatch.
func (e *emitter) invoke(v *tir.Invoke) (string, error) {
	args := make([]string, len(v.Args))
	for i, a := range v.Args {
		s, err := e.expr(a)
		if err != nil {
			return "", err
		}
		args[i] = s
	}
	argList := strings.Join(args, ", ")

	switch v.Kind {
	case tir.InvokeVirtual:
		recv := args[0]
		emitName := model.MethodEmitName(v.Name, v.Desc)
		return fmt.Sprintf("((%s*)clw_vtable_of(%s))->%s(%s)",
			vtableName(v.Class), e.checked(recv), emitName, argList), nil

	case tir.InvokeInterface:
		recv := args[0]
		sig := e.fnPtrType(v)
		return fmt.Sprintf("((%s)clw_interface_lookup(%s, %s, %d))(%s)",
			sig, e.checked(recv), e.classIDExpr(v.Class), v.VSlot, argList), nil

	case tir.InvokeStatic:
		owner := e.resolveMethodOwner(v.Class, v.Name, v.Desc)
		sym := model.MangleMethod(owner, v.Name, v.Desc)
		if pre := e.ensureInit(owner); pre != "" {
			return fmt.Sprintf("(%s, %s(%s))", pre, sym, argList), nil
		}
		return fmt.Sprintf("%s(%s)", sym, argList), nil

	default: // InvokeSpecial
		owner := e.resolveMethodOwner(v.Class, v.Name, v.Desc)
		sym := model.MangleMethod(owner, v.Name, v.Desc)
		return fmt.Sprintf("%s(%s)", sym, argList), nil
	}
}

// fnPtrType renders the function-pointer cast for an interface call.
func (e *emitter) fnPtrType(v *tir.Invoke) string {
	params, ret, err := model.ParseMethodDescriptor(v.Desc)
	if err != nil {
		return "void (*)()"
	}
	parts := []string{"jobject"}
	for _, p := range params {
		parts = append(parts, cppType(p))
	}
	return fmt.Sprintf("%s (*)(%s)", cppType(ret), strings.Join(parts, ", "))
}

// resolveMethodOwner walks up from the named class to the declaring class.
func (e *emitter) resolveMethodOwner(class, name, desc string) string {
	for c := e.prog.Lookup(class); c != nil; c = c.Super {
		if c.MethodBySignature(name, desc) != nil {
			return c.Name
		}
	}
	return class
}
