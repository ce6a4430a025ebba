package classfile

import (
	"encoding/binary"

	"github.com/SwitchGDX/clearwing-vm/fault"
)

// ClassMagic opens every class file.
const ClassMagic = 0xCAFEBABE

// ---------------------------------------------------------------------------
// ClassFile: raw parsed form
// ---------------------------------------------------------------------------

// ClassFile is the structured raw form of one class file. Names are already
// resolved through the constant pool; nothing is resolved across classes.
type ClassFile struct {
	Minor       uint16
	Major       uint16
	Pool        *ConstPool
	Access      uint16
	ThisClass   string
	SuperClass  string // "" when this_class is the hierarchy root
	Interfaces  []string
	Fields      []Member
	Methods     []Member
	SourceFile  string
	Annotations []AnnotationInfo
}

// Member is one raw field or method entry.
type Member struct {
	Access      uint16
	Name        string
	Desc        string
	ConstValue  interface{} // ConstantValue attribute payload, or nil
	Code        *Code       // nil for fields and for abstract/native methods
	Annotations []AnnotationInfo
	Default     interface{} // AnnotationDefault payload for annotation elements, or nil
}

// Code is the parsed Code attribute.
type Code struct {
	MaxStack     int
	MaxLocals    int
	Instructions []Instruction
	Handlers     []Handler
}

// Handler is one exception-table entry. Offsets are byte positions into the
// original code array; CatchType is "" for catch-all entries.
type Handler struct {
	Start     int
	End       int
	Target    int
	CatchType string
}

// AnnotationInfo is one parsed annotation occurrence with its explicit
// element values.
type AnnotationInfo struct {
	TypeName string // field-descriptor form, e.g. "Ljava/lang/Deprecated;"
	Elements map[string]interface{}
}

// ---------------------------------------------------------------------------
// reader: bounds-checked cursor over the class file bytes
// ---------------------------------------------------------------------------

type reader struct {
	name string // class name once known, for error context
	data []byte
	off  int
}

func (r *reader) fail(format string, args ...interface{}) error {
	return fault.At(fault.MalformedInput, r.name, "", r.off, format, args...)
}

func (r *reader) u1() (byte, error) {
	if r.off+1 > len(r.data) {
		return 0, r.fail("unexpected end of class file")
	}
	v := r.data[r.off]
	r.off++
	return v, nil
}

func (r *reader) u2() (uint16, error) {
	if r.off+2 > len(r.data) {
		return 0, r.fail("unexpected end of class file")
	}
	v := binary.BigEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u4() (uint32, error) {
	if r.off+4 > len(r.data) {
		return 0, r.fail("unexpected end of class file")
	}
	v := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) u8() (uint64, error) {
	if r.off+8 > len(r.data) {
		return 0, r.fail("unexpected end of class file")
	}
	v := binary.BigEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.data) {
		return nil, r.fail("unexpected end of class file")
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

// ---------------------------------------------------------------------------
// Parse
// ---------------------------------------------------------------------------

// Parse reads one class file blob into its raw structured form.
func Parse(data []byte) (*ClassFile, error) {
	r := &reader{data: data}

	magic, err := r.u4()
	if err != nil {
		return nil, err
	}
	if magic != ClassMagic {
		return nil, r.fail("bad magic 0x%08x", magic)
	}
	minor, err := r.u2()
	if err != nil {
		return nil, err
	}
	major, err := r.u2()
	if err != nil {
		return nil, err
	}

	pool, err := readPool(r)
	if err != nil {
		return nil, err
	}

	access, err := r.u2()
	if err != nil {
		return nil, err
	}
	thisIdx, err := r.u2()
	if err != nil {
		return nil, err
	}
	thisName, err := pool.ClassName(thisIdx)
	if err != nil {
		return nil, err
	}
	r.name = thisName
	pool.owner = thisName

	superIdx, err := r.u2()
	if err != nil {
		return nil, err
	}
	superName := ""
	if superIdx != 0 {
		superName, err = pool.ClassName(superIdx)
		if err != nil {
			return nil, err
		}
	}

	ifaceCount, err := r.u2()
	if err != nil {
		return nil, err
	}
	interfaces := make([]string, 0, ifaceCount)
	for i := uint16(0); i < ifaceCount; i++ {
		idx, err := r.u2()
		if err != nil {
			return nil, err
		}
		name, err := pool.ClassName(idx)
		if err != nil {
			return nil, err
		}
		interfaces = append(interfaces, name)
	}

	cf := &ClassFile{
		Minor:      minor,
		Major:      major,
		Pool:       pool,
		Access:     access,
		ThisClass:  thisName,
		SuperClass: superName,
		Interfaces: interfaces,
	}

	fieldCount, err := r.u2()
	if err != nil {
		return nil, err
	}
	for i := uint16(0); i < fieldCount; i++ {
		m, err := readMember(r, pool, false)
		if err != nil {
			return nil, err
		}
		cf.Fields = append(cf.Fields, m)
	}

	methodCount, err := r.u2()
	if err != nil {
		return nil, err
	}
	for i := uint16(0); i < methodCount; i++ {
		m, err := readMember(r, pool, true)
		if err != nil {
			return nil, err
		}
		cf.Methods = append(cf.Methods, m)
	}

	if err := readClassAttributes(r, pool, cf); err != nil {
		return nil, err
	}
	return cf, nil
}

// readMember parses one field_info or method_info entry.
func readMember(r *reader, pool *ConstPool, isMethod bool) (Member, error) {
	access, err := r.u2()
	if err != nil {
		return Member{}, err
	}
	nameIdx, err := r.u2()
	if err != nil {
		return Member{}, err
	}
	name, err := pool.Utf8(nameIdx)
	if err != nil {
		return Member{}, err
	}
	descIdx, err := r.u2()
	if err != nil {
		return Member{}, err
	}
	desc, err := pool.Utf8(descIdx)
	if err != nil {
		return Member{}, err
	}

	m := Member{Access: access, Name: name, Desc: desc}

	attrCount, err := r.u2()
	if err != nil {
		return Member{}, err
	}
	for i := uint16(0); i < attrCount; i++ {
		attrName, payload, err := readAttribute(r, pool)
		if err != nil {
			return Member{}, err
		}
		switch attrName {
		case "Code":
			if !isMethod {
				return Member{}, r.fail("Code attribute on field %s", name)
			}
			code, err := parseCodeAttribute(r.name, name+desc, pool, payload)
			if err != nil {
				return Member{}, err
			}
			m.Code = code
		case "ConstantValue":
			if len(payload) != 2 {
				return Member{}, r.fail("ConstantValue attribute of length %d", len(payload))
			}
			cv, err := pool.Constant(binary.BigEndian.Uint16(payload))
			if err != nil {
				return Member{}, err
			}
			m.ConstValue = cv
		case "RuntimeVisibleAnnotations":
			anns, err := parseAnnotations(r.name, pool, payload)
			if err != nil {
				return Member{}, err
			}
			m.Annotations = append(m.Annotations, anns...)
		case "AnnotationDefault":
			dv, err := parseAnnotationDefault(r.name, pool, payload)
			if err != nil {
				return Member{}, err
			}
			m.Default = dv
		}
	}
	return m, nil
}

// readAttribute parses one attribute header and returns its name and raw
// payload.
func readAttribute(r *reader, pool *ConstPool) (string, []byte, error) {
	nameIdx, err := r.u2()
	if err != nil {
		return "", nil, err
	}
	name, err := pool.Utf8(nameIdx)
	if err != nil {
		return "", nil, err
	}
	length, err := r.u4()
	if err != nil {
		return "", nil, err
	}
	payload, err := r.bytes(int(length))
	if err != nil {
		return "", nil, err
	}
	return name, payload, nil
}

// readClassAttributes consumes the trailing class-level attribute table.
func readClassAttributes(r *reader, pool *ConstPool, cf *ClassFile) error {
	attrCount, err := r.u2()
	if err != nil {
		return err
	}
	for i := uint16(0); i < attrCount; i++ {
		name, payload, err := readAttribute(r, pool)
		if err != nil {
			return err
		}
		switch name {
		case "SourceFile":
			if len(payload) != 2 {
				return r.fail("SourceFile attribute of length %d", len(payload))
			}
			sf, err := pool.Utf8(binary.BigEndian.Uint16(payload))
			if err != nil {
				return err
			}
			cf.SourceFile = sf
		case "RuntimeVisibleAnnotations":
			anns, err := parseAnnotations(r.name, pool, payload)
			if err != nil {
				return err
			}
			cf.Annotations = append(cf.Annotations, anns...)
		}
	}
	return nil
}
