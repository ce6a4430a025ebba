// Package model holds the in-memory class graph the translator builds during
// ingest, links during resolve, and reads during lowering and emission.
package model

// ---------------------------------------------------------------------------
// Access flags
// ---------------------------------------------------------------------------

// JVM access flags shared by classes, fields, and methods.
const (
	AccPublic     = 0x0001
	AccPrivate    = 0x0002
	AccProtected  = 0x0004
	AccStatic     = 0x0008
	AccFinal      = 0x0010
	AccSuper      = 0x0020
	AccSynchron   = 0x0020 // methods reuse the ACC_SUPER bit
	AccVolatile   = 0x0040
	AccBridge     = 0x0040
	AccTransient  = 0x0080
	AccVarargs    = 0x0080
	AccNative     = 0x0100
	AccInterface  = 0x0200
	AccAbstract   = 0x0400
	AccStrict     = 0x0800
	AccSynthetic  = 0x1000
	AccAnnotation = 0x2000
	AccEnum       = 0x4000
)

// ---------------------------------------------------------------------------
// ClassKind
// ---------------------------------------------------------------------------

// ClassKind distinguishes the flavors of ClassModel in the program graph.
type ClassKind int

const (
	ClassKindClass ClassKind = iota
	ClassKindInterface
	ClassKindEnum
	ClassKindAnnotation
	ClassKindArray
	ClassKindPrimitive
)

// String returns the kind name.
func (k ClassKind) String() string {
	switch k {
	case ClassKindClass:
		return "class"
	case ClassKindInterface:
		return "interface"
	case ClassKindEnum:
		return "enum"
	case ClassKindAnnotation:
		return "annotation"
	case ClassKindArray:
		return "array"
	case ClassKindPrimitive:
		return "primitive"
	}
	return "?"
}

// ---------------------------------------------------------------------------
// Class: one input class
// ---------------------------------------------------------------------------

// Class represents one input class. Raw metadata is populated during ingest;
// the link fields (Super, Interfaces, Layout, VTable, ITable, ID) are filled
// by the resolver and never mutated afterwards.
type Class struct {
	// Raw metadata from the class file
	Name           string // fully-qualified, internal slashed form
	Kind           ClassKind
	SuperName      string // "" for the root class and for interfaces' implicit root
	InterfaceNames []string
	Fields         []*Field
	Methods        []*Method
	Annotations    []*Annotation
	SourceFile     string
	Access         int

	// Link fields, populated by resolve
	Super      *Class   // resolved superclass, nil for the root
	Interfaces []*Class // resolved direct interfaces
	Supertypes []*Class // transitive supertypes (classes and interfaces), deterministic order
	Layout     []*Field // flattened instance fields, super first; index is the slot offset
	VTable     []*Method
	ITable     []*InterfaceSlot
	ID         int  // dense class-id assigned by resolve
	Reachable  bool // set by reachability marking
	linked     bool
}

// InterfaceSlot binds one interface method identity to its implementation on
// this class. Impl is nil when a default-method diamond left the slot
// abstract at link time.
type InterfaceSlot struct {
	Interface string // declaring interface name
	Name      string
	Desc      string
	Slot      int     // method index within the declaring interface
	Impl      *Method // resolved implementation, nil if abstract at link time
}

// IsInterface reports whether the class is an interface (annotations
// included).
func (c *Class) IsInterface() bool {
	return c.Access&AccInterface != 0
}

// MarkLinked freezes the link fields. The resolver calls this once per class.
func (c *Class) MarkLinked() {
	c.linked = true
}

// Linked reports whether resolve has completed for this class.
func (c *Class) Linked() bool {
	return c.linked
}

// IsSubclassOf walks the superclass chain. Interfaces are not considered;
// use Implements for those.
func (c *Class) IsSubclassOf(other *Class) bool {
	for cur := c; cur != nil; cur = cur.Super {
		if cur == other {
			return true
		}
	}
	return false
}

// Implements reports whether other appears anywhere in the transitive
// supertype set (superclasses and interfaces).
func (c *Class) Implements(other *Class) bool {
	if c == other {
		return true
	}
	for _, s := range c.Supertypes {
		if s == other {
			return true
		}
	}
	return false
}

// FieldNamed returns the declared field with the given original name, or nil.
func (c *Class) FieldNamed(name string) *Field {
	for _, f := range c.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// MethodBySignature returns the declared method matching (name, descriptor),
// or nil.
func (c *Class) MethodBySignature(name, desc string) *Method {
	for _, m := range c.Methods {
		if m.Name == name && m.Desc == desc {
			return m
		}
	}
	return nil
}

// InstanceFields returns this class's own declared instance fields in
// declaration order.
func (c *Class) InstanceFields() []*Field {
	var out []*Field
	for _, f := range c.Fields {
		if !f.IsStatic() {
			out = append(out, f)
		}
	}
	return out
}

// StaticFields returns this class's declared static fields in declaration
// order.
func (c *Class) StaticFields() []*Field {
	var out []*Field
	for _, f := range c.Fields {
		if f.IsStatic() {
			out = append(out, f)
		}
	}
	return out
}

// HasNativeMethods reports whether any declared method carries ACC_NATIVE.
func (c *Class) HasNativeMethods() bool {
	for _, m := range c.Methods {
		if m.IsNative() {
			return true
		}
	}
	return false
}

// HasStaticInitializer reports whether the class declares <clinit>.
func (c *Class) HasStaticInitializer() bool {
	return c.MethodBySignature("<clinit>", "()V") != nil
}

// String returns the class name.
func (c *Class) String() string {
	return c.Name
}
