package classfile

import (
	"github.com/SwitchGDX/clearwing-vm/fault"
)

// ---------------------------------------------------------------------------
// Code attribute
// ---------------------------------------------------------------------------

// parseCodeAttribute parses a Code attribute payload, decoding the code
// array into an instruction stream. Nested attributes (line tables, local
// variable tables) are skipped; the translator preserves only byte offsets.
func parseCodeAttribute(class, method string, pool *ConstPool, payload []byte) (*Code, error) {
	r := &reader{name: class, data: payload}

	maxStack, err := r.u2()
	if err != nil {
		return nil, err
	}
	maxLocals, err := r.u2()
	if err != nil {
		return nil, err
	}
	codeLen, err := r.u4()
	if err != nil {
		return nil, err
	}
	codeBytes, err := r.bytes(int(codeLen))
	if err != nil {
		return nil, err
	}

	insts, err := DecodeCode(class, method, pool, codeBytes)
	if err != nil {
		return nil, err
	}

	handlerCount, err := r.u2()
	if err != nil {
		return nil, err
	}
	handlers := make([]Handler, 0, handlerCount)
	for i := uint16(0); i < handlerCount; i++ {
		start, err := r.u2()
		if err != nil {
			return nil, err
		}
		end, err := r.u2()
		if err != nil {
			return nil, err
		}
		target, err := r.u2()
		if err != nil {
			return nil, err
		}
		catchIdx, err := r.u2()
		if err != nil {
			return nil, err
		}
		catchType := ""
		if catchIdx != 0 {
			catchType, err = pool.ClassName(catchIdx)
			if err != nil {
				return nil, err
			}
		}
		handlers = append(handlers, Handler{
			Start:     int(start),
			End:       int(end),
			Target:    int(target),
			CatchType: catchType,
		})
	}

	return &Code{
		MaxStack:     int(maxStack),
		MaxLocals:    int(maxLocals),
		Instructions: insts,
		Handlers:     handlers,
	}, nil
}

// ---------------------------------------------------------------------------
// Annotation parsing
// ---------------------------------------------------------------------------

// EnumConst is an enum-valued annotation element.
type EnumConst struct {
	TypeName string
	Name     string
}

// parseAnnotations parses a RuntimeVisibleAnnotations payload.
func parseAnnotations(class string, pool *ConstPool, payload []byte) ([]AnnotationInfo, error) {
	r := &reader{name: class, data: payload}
	count, err := r.u2()
	if err != nil {
		return nil, err
	}
	anns := make([]AnnotationInfo, 0, count)
	for i := uint16(0); i < count; i++ {
		a, err := parseAnnotation(r, pool)
		if err != nil {
			return nil, err
		}
		anns = append(anns, a)
	}
	return anns, nil
}

// parseAnnotationDefault parses an AnnotationDefault payload: a single
// element_value giving the default for one annotation element.
func parseAnnotationDefault(class string, pool *ConstPool, payload []byte) (interface{}, error) {
	r := &reader{name: class, data: payload}
	return parseElementValue(r, pool)
}

func parseAnnotation(r *reader, pool *ConstPool) (AnnotationInfo, error) {
	typeIdx, err := r.u2()
	if err != nil {
		return AnnotationInfo{}, err
	}
	typeName, err := pool.Utf8(typeIdx)
	if err != nil {
		return AnnotationInfo{}, err
	}
	pairCount, err := r.u2()
	if err != nil {
		return AnnotationInfo{}, err
	}
	a := AnnotationInfo{TypeName: typeName, Elements: make(map[string]interface{}, pairCount)}
	for i := uint16(0); i < pairCount; i++ {
		nameIdx, err := r.u2()
		if err != nil {
			return AnnotationInfo{}, err
		}
		name, err := pool.Utf8(nameIdx)
		if err != nil {
			return AnnotationInfo{}, err
		}
		v, err := parseElementValue(r, pool)
		if err != nil {
			return AnnotationInfo{}, err
		}
		a.Elements[name] = v
	}
	return a, nil
}

// parseElementValue parses one element_value union.
func parseElementValue(r *reader, pool *ConstPool) (interface{}, error) {
	tag, err := r.u1()
	if err != nil {
		return nil, err
	}
	switch tag {
	case 'B', 'C', 'I', 'S', 'Z':
		idx, err := r.u2()
		if err != nil {
			return nil, err
		}
		e, err := pool.entry(idx)
		if err != nil {
			return nil, err
		}
		return e.i32, nil
	case 'J':
		idx, err := r.u2()
		if err != nil {
			return nil, err
		}
		e, err := pool.entry(idx)
		if err != nil {
			return nil, err
		}
		return e.i64, nil
	case 'F':
		idx, err := r.u2()
		if err != nil {
			return nil, err
		}
		e, err := pool.entry(idx)
		if err != nil {
			return nil, err
		}
		return e.f32, nil
	case 'D':
		idx, err := r.u2()
		if err != nil {
			return nil, err
		}
		e, err := pool.entry(idx)
		if err != nil {
			return nil, err
		}
		return e.f64, nil
	case 's':
		idx, err := r.u2()
		if err != nil {
			return nil, err
		}
		return pool.Utf8(idx)
	case 'e':
		typeIdx, err := r.u2()
		if err != nil {
			return nil, err
		}
		typeName, err := pool.Utf8(typeIdx)
		if err != nil {
			return nil, err
		}
		nameIdx, err := r.u2()
		if err != nil {
			return nil, err
		}
		name, err := pool.Utf8(nameIdx)
		if err != nil {
			return nil, err
		}
		return EnumConst{TypeName: typeName, Name: name}, nil
	case 'c':
		idx, err := r.u2()
		if err != nil {
			return nil, err
		}
		desc, err := pool.Utf8(idx)
		if err != nil {
			return nil, err
		}
		return ClassRef{Name: desc}, nil
	case '@':
		return parseAnnotation(r, pool)
	case '[':
		count, err := r.u2()
		if err != nil {
			return nil, err
		}
		arr := make([]interface{}, 0, count)
		for i := uint16(0); i < count; i++ {
			v, err := parseElementValue(r, pool)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	}
	return nil, fault.At(fault.MalformedInput, r.name, "", r.off, "unknown element_value tag %q", tag)
}
