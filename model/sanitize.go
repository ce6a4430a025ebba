package model

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// ---------------------------------------------------------------------------
// Name sanitization and mangling
// ---------------------------------------------------------------------------

// cppReserved lists target-language keywords and runtime identifiers that an
// input name must never collide with. Anything here gets an underscore
// suffix.
var cppReserved = map[string]bool{
	"alignas": true, "alignof": true, "and": true, "asm": true, "auto": true,
	"bool": true, "break": true, "case": true, "catch": true, "char": true,
	"class": true, "const": true, "constexpr": true, "continue": true,
	"default": true, "delete": true, "do": true, "double": true, "else": true,
	"enum": true, "explicit": true, "export": true, "extern": true,
	"false": true, "float": true, "for": true, "friend": true, "goto": true,
	"if": true, "inline": true, "int": true, "long": true, "mutable": true,
	"namespace": true, "new": true, "noexcept": true, "not": true,
	"nullptr": true, "operator": true, "or": true, "private": true,
	"protected": true, "public": true, "register": true, "return": true,
	"short": true, "signed": true, "sizeof": true, "static": true,
	"struct": true, "switch": true, "template": true, "this": true,
	"throw": true, "true": true, "try": true, "typedef": true,
	"typeid": true, "typename": true, "union": true, "unsigned": true,
	"using": true, "virtual": true, "void": true, "volatile": true,
	"while": true, "xor": true,
	// runtime-claimed prefixes
	"self": true, "vtable": true,
}

// SanitizeName maps an arbitrary class-file identifier onto the target
// language's identifier grammar. The mapping is deterministic and
// per-character, so distinct inputs rarely collide; remaining collisions are
// resolved by the caller with suffixes.
func SanitizeName(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		ch := name[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch == '_':
			b.WriteByte(ch)
		case ch >= '0' && ch <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteByte(ch)
		default:
			// '$' in inner-class and synthetic names, '/' in qualified
			// names, and anything exotic all map to underscore.
			b.WriteByte('_')
		}
	}
	s := b.String()
	if s == "" {
		s = "_"
	}
	if cppReserved[s] {
		s += "_"
	}
	return s
}

// MangleClass maps an internal slashed class name to its emitted type name.
func MangleClass(name string) string {
	return SanitizeName(strings.ReplaceAll(name, "/", "_"))
}

// DescriptorHash returns the 8-hex-digit FNV-1a hash of a descriptor, used
// to keep overloads apart in emission names.
func DescriptorHash(desc string) string {
	h := fnv.New32a()
	h.Write([]byte(desc))
	return fmt.Sprintf("%08x", h.Sum32())
}

// FieldEmitName computes the sanitized emission name for a field. Static
// fields mix the owner's simple name in so that per-class storage symbols
// stay unique program-wide.
func FieldEmitName(owner, name string, static bool) string {
	if static {
		simple := owner
		if i := strings.LastIndexByte(owner, '/'); i >= 0 {
			simple = owner[i+1:]
		}
		return SanitizeName(simple) + "_" + SanitizeName(name)
	}
	return SanitizeName(name)
}

// MethodEmitName computes the sanitized emission name for a method. The
// descriptor hash keeps overloads distinct; constructors and the class
// initializer get fixed stems since their bracketed names are not valid
// identifiers.
func MethodEmitName(name, desc string) string {
	stem := name
	switch name {
	case "<init>":
		stem = "init"
	case "<clinit>":
		stem = "clinit"
	}
	return SanitizeName(stem) + "_" + DescriptorHash(desc)
}

// MangleMethod returns the program-wide symbol for a method: owner mangle
// plus emission name.
func MangleMethod(owner, name, desc string) string {
	return "clw_" + MangleClass(owner) + "_" + MethodEmitName(name, desc)
}

// MangleStaticField returns the program-wide symbol for a static field.
func MangleStaticField(owner, name string) string {
	return "clw_" + MangleClass(owner) + "_S_" + SanitizeName(name)
}
