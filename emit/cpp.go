// Package emit serializes the resolved program and its TIR bodies to C++
// translation units targeting the Clearwing runtime ABI.
package emit

import (
	"fmt"
	"math"
	"strings"

	"github.com/SwitchGDX/clearwing-vm/model"
)

// Options configures emission.
type Options struct {
	// ABI selects the runtime unwind bridge: "sjlj" or "native".
	ABI string
	// Assertions wraps receiver and array accesses in runtime checks.
	Assertions bool
	// IncludeUnreachable emits entities reachability marked dead.
	IncludeUnreachable bool
}

// Unit is one generated output file.
type Unit struct {
	Name     string // file name relative to the output root
	Contents []byte
}

// ---------------------------------------------------------------------------
// Type and name mapping
// ---------------------------------------------------------------------------

// cppType maps a model type to the runtime's value typedefs. All references
// are jobject; the struct casts happen at the access site.
func cppType(t model.Type) string {
	switch t.Kind {
	case model.KindVoid:
		return "void"
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

// zeroValue is the initializer for a declared local or static field.
func zeroValue(t model.Type) string {
	switch t.Kind {
	case model.KindFloat:
		return "0.0f"
	case model.KindDouble:
		return "0.0"
	case model.KindObject, model.KindArray:
		return "CLW_NULL"
	case model.KindVoid:
		return "0"
	}
	return "0"
}

// structName returns the emitted struct typedef for a class.
func structName(name string) string {
	return "clw_" + model.MangleClass(name)
}

// vtableName returns the emitted v-table struct typedef for a class.
func vtableName(name string) string {
	return structName(name) + "_vtable"
}

// vtableInstance returns the singleton v-table symbol for a class.
func vtableInstance(name string) string {
	return structName(name) + "_vt"
}

// headerFile returns the declaration unit file name for a class.
func headerFile(name string) string {
	return model.MangleClass(name) + ".h"
}

// sourceFile returns the definition unit file name for a class.
func sourceFile(name string) string {
	return model.MangleClass(name) + ".cpp"
}

// guardMacro returns the include guard for a class header.
func guardMacro(name string) string {
	return "CLW_H_" + strings.ToUpper(model.MangleClass(name))
}

// ---------------------------------------------------------------------------
// Class-id expressions
// ---------------------------------------------------------------------------

// classIDExpr renders the class-id for checkcast, instance-of, allocation,
// and dispatch. Classes in the program use their dense resolve-time id;
// classes provided by the runtime fall back to a registration-time lookup.
func (e *emitter) classIDExpr(name string) string {
	if c := e.prog.Lookup(name); c != nil {
		return fmt.Sprintf("%d", c.ID)
	}
	return fmt.Sprintf("clw_find_class(%s)", cppString(name))
}

// ---------------------------------------------------------------------------
// Literals
// ---------------------------------------------------------------------------

// cppString renders a Go string as a C string literal with byte escapes.
func cppString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"':
			b.WriteString(`\"`)
		case r == '\\':
			b.WriteString(`\\`)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r < 0x20 || r > 0x7e:
			// UTF-8 bytes, escaped individually; the empty concatenation
			// stops a following hex digit from extending the escape.
			for _, c := range []byte(string(r)) {
				fmt.Fprintf(&b, `\x%02x""`, c)
			}
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// cppInt32 renders an int32 literal, keeping INT32_MIN representable.
func cppInt32(v int32) string {
	if v == math.MinInt32 {
		return "(-2147483647 - 1)"
	}
	return fmt.Sprintf("%d", v)
}

// cppInt64 renders an int64 literal.
func cppInt64(v int64) string {
	if v == math.MinInt64 {
		return "(-9223372036854775807LL - 1)"
	}
	return fmt.Sprintf("%dLL", v)
}

// cppFloat renders a float literal; non-finite values come from the runtime
// so cross-compiler spelling stays stable.
func cppFloat(v float32) string {
	switch {
	case math.IsNaN(float64(v)):
		return "CLW_NAN_F"
	case math.IsInf(float64(v), 1):
		return "CLW_INF_F"
	case math.IsInf(float64(v), -1):
		return "(-CLW_INF_F)"
	}
	return fmt.Sprintf("%gf", v)
}

// cppDouble renders a double literal.
func cppDouble(v float64) string {
	switch {
	case math.IsNaN(v):
		return "CLW_NAN_D"
	case math.IsInf(v, 1):
		return "CLW_INF_D"
	case math.IsInf(v, -1):
		return "(-CLW_INF_D)"
	}
	return fmt.Sprintf("%g", v)
}
