package model

import (
	"strings"

	"github.com/SwitchGDX/clearwing-vm/classfile"
	"github.com/SwitchGDX/clearwing-vm/fault"
)

// ---------------------------------------------------------------------------
// FromClassFile: raw class file -> class model
// ---------------------------------------------------------------------------

// FromClassFile builds a Class from a parsed class file. Only raw metadata
// is populated; link fields stay zero until resolve.
func FromClassFile(cf *classfile.ClassFile) (*Class, error) {
	c := &Class{
		Name:           cf.ThisClass,
		Kind:           classKindOf(int(cf.Access)),
		SuperName:      cf.SuperClass,
		InterfaceNames: cf.Interfaces,
		SourceFile:     cf.SourceFile,
		Access:         int(cf.Access),
		Annotations:    convertAnnotations(cf.Annotations),
		ID:             -1,
	}
	if c.Name == RootClass && c.SuperName != "" {
		return nil, fault.At(fault.MalformedInput, c.Name, "", -1, "hierarchy root declares a superclass %s", c.SuperName)
	}

	for _, raw := range cf.Fields {
		f, err := buildField(c, raw)
		if err != nil {
			return nil, err
		}
		c.Fields = append(c.Fields, f)
	}
	for _, raw := range cf.Methods {
		m, err := buildMethod(c, raw)
		if err != nil {
			return nil, err
		}
		c.Methods = append(c.Methods, m)
	}

	// Within a class the emission names must be unique. Fields that share a
	// name (legal in class files when the descriptors differ) get a
	// descriptor-hash suffix. The method name already carries a descriptor
	// hash, so a method collision is either pool damage or a hash collision
	// between overloads; both are input we cannot emit faithfully.
	seen := make(map[string]bool)
	for _, f := range c.Fields {
		key := "f:" + f.EmitName
		if f.IsStatic() {
			key = "sf:" + f.EmitName
		}
		if seen[key] {
			f.EmitName = f.EmitName + "_" + DescriptorHash(f.Desc)
			key = "f:" + f.EmitName
		}
		seen[key] = true
	}
	for _, m := range c.Methods {
		key := "m:" + m.EmitName
		if seen[key] {
			return nil, fault.At(fault.MalformedInput, c.Name, m.Signature(), -1,
				"emission name %q collides within the class", m.EmitName)
		}
		seen[key] = true
	}
	return c, nil
}

func classKindOf(access int) ClassKind {
	switch {
	case access&AccAnnotation != 0:
		return ClassKindAnnotation
	case access&AccInterface != 0:
		return ClassKindInterface
	case access&AccEnum != 0:
		return ClassKindEnum
	}
	return ClassKindClass
}

func buildField(owner *Class, raw classfile.Member) (*Field, error) {
	t, err := ParseType(raw.Desc)
	if err != nil {
		return nil, fault.At(fault.MalformedInput, owner.Name, "", -1,
			"field %s has bad descriptor %q", raw.Name, raw.Desc).Wrap(err)
	}
	static := int(raw.Access)&AccStatic != 0
	return &Field{
		Owner:       owner,
		Name:        raw.Name,
		EmitName:    FieldEmitName(owner.Name, raw.Name, static),
		Access:      int(raw.Access),
		Desc:        raw.Desc,
		Type:        t,
		ConstValue:  raw.ConstValue,
		Annotations: convertAnnotations(raw.Annotations),
		Slot:        -1,
	}, nil
}

func buildMethod(owner *Class, raw classfile.Member) (*Method, error) {
	params, ret, err := ParseMethodDescriptor(raw.Desc)
	if err != nil {
		return nil, fault.At(fault.MalformedInput, owner.Name, raw.Name, -1,
			"method %s has bad descriptor %q", raw.Name, raw.Desc).Wrap(err)
	}
	m := &Method{
		Owner:       owner,
		Name:        raw.Name,
		EmitName:    MethodEmitName(raw.Name, raw.Desc),
		Access:      int(raw.Access),
		Desc:        raw.Desc,
		Params:      params,
		Return:      ret,
		Annotations: convertAnnotations(raw.Annotations),
		VSlot:       -1,
		Default:     raw.Default,
	}
	if raw.Code != nil {
		m.MaxStack = raw.Code.MaxStack
		m.MaxLocals = raw.Code.MaxLocals
		m.Code = raw.Code.Instructions
		m.Handlers = raw.Code.Handlers
	} else if !m.IsAbstract() && !m.IsNative() && owner.Kind != ClassKindInterface && owner.Kind != ClassKindAnnotation {
		return nil, fault.At(fault.MalformedInput, owner.Name, m.Signature(), -1,
			"concrete method has no Code attribute")
	}
	return m, nil
}

// convertAnnotations maps raw annotation infos onto model annotations,
// stripping the descriptor wrapping from the type name.
func convertAnnotations(raw []classfile.AnnotationInfo) []*Annotation {
	if len(raw) == 0 {
		return nil
	}
	out := make([]*Annotation, 0, len(raw))
	for _, a := range raw {
		out = append(out, &Annotation{
			TypeName: annotationTypeName(a.TypeName),
			Elements: a.Elements,
		})
	}
	return out
}

// annotationTypeName strips "L...;" descriptor form to the internal name.
func annotationTypeName(desc string) string {
	if strings.HasPrefix(desc, "L") && strings.HasSuffix(desc, ";") {
		return desc[1 : len(desc)-1]
	}
	return desc
}
